package protosched

import (
	"sync"
	"testing"
	"time"

	"github.com/ringkv/ringkv/internal/messaging"
	"github.com/ringkv/ringkv/internal/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingInbox struct {
	mu       sync.Mutex
	received []messaging.Envelope
}

func (c *capturingInbox) Deliver(env messaging.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, env)
	return nil
}

func (c *capturingInbox) tags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.received))
	for i, e := range c.received {
		out[i] = e.Tag
	}
	return out
}

func TestSchedulerPreservesPerChannelFIFO(t *testing.T) {
	reg := messaging.NewRegistry()
	logger := runtime.NewStdLogger("test")
	sched := NewScheduler(reg, logger)

	boxA := &capturingInbox{}
	boxB := &capturingInbox{}
	reg.Register("A", boxA)
	reg.Register("B", boxB)

	require.NoError(t, sched.ThreadNum("t1", 2))
	sched.ThreadBegin("t1", "A")
	sched.ThreadBegin("t1", "B")

	require.Len(t, boxA.received, 1)
	require.Len(t, boxB.received, 1)
	assert.Equal(t, TagReleaseToRun, boxA.received[0].Tag)
	assert.Equal(t, TagReleaseToRun, boxB.received[0].Tag)

	tr := sched.traces["t1"]
	infection := tr.infection

	require.NoError(t, reg.Send(messaging.Envelope{From: "A", To: "B", Tag: "m1", Infection: infection}, nil))
	require.NoError(t, reg.Send(messaging.Envelope{From: "A", To: "B", Tag: "m2", Infection: infection}, nil))
	require.NoError(t, reg.Send(messaging.Envelope{From: "B", To: "A", Tag: "m3", Infection: infection}, nil))

	// Drain: each captured send's eventual handler completion is signaled by
	// the runtime.Process hook in production; here we simulate it directly.
	for i := 0; i < 3; i++ {
		sched.NotifyHandlerDone(messaging.Envelope{Infection: infection})
	}

	assert.NoError(t, sched.WaitForEnd("t1", ""))

	assert.Equal(t, []string{TagReleaseToRun, "m1", "m2"}, boxB.tags())
	assert.Equal(t, []string{TagReleaseToRun, "m3"}, boxA.tags())

	infos := sched.GetInfos("t1")
	assert.Equal(t, 3, infos.NumDeliveredMsgs)
	product := 1
	for _, k := range infos.NumsChosenFrom {
		product *= k
	}
	assert.Equal(t, product, infos.NumPossibleExecutions)
	assert.InDelta(t, infos.AvgBranchingFactor, avg(infos.NumsChosenFrom), 0.0001)
}

func avg(ns []int) float64 {
	if len(ns) == 0 {
		return 0
	}
	sum := 0
	for _, n := range ns {
		sum += n
	}
	return float64(sum) / float64(len(ns))
}

func TestThreadNumMisuse(t *testing.T) {
	reg := messaging.NewRegistry()
	sched := NewScheduler(reg, runtime.NewStdLogger("test"))

	require.NoError(t, sched.ThreadNum("t2", 1))
	assert.ErrorIs(t, sched.ThreadNum("t2", 2), ErrThreadNumAlreadyDeclared)

	// A trace that receives thread_begin before thread_num was ever declared
	// must reject a late thread_num call too.
	sched.ThreadBegin("t3", "solo2")
	assert.ErrorIs(t, sched.ThreadNum("t3", 5), ErrThreadsAlreadyBegun)
}

func TestCleanupDeferredWhileDelivering(t *testing.T) {
	reg := messaging.NewRegistry()
	sched := NewScheduler(reg, runtime.NewStdLogger("test"))

	box := &capturingInbox{}
	reg.Register("solo", box)

	require.NoError(t, sched.ThreadNum("t4", 1))
	sched.ThreadBegin("t4", "solo")

	tr := sched.traces["t4"]
	infection := tr.infection

	require.NoError(t, reg.Send(messaging.Envelope{From: "solo", To: "solo", Tag: "self", Infection: infection}, nil))

	// The delivery is now in flight (status delivered); cleanup must defer.
	require.NoError(t, sched.Cleanup("t4", "someone-else"))
	_, stillTracked := sched.traces["t4"]
	assert.True(t, stillTracked, "cleanup should be deferred while a delivery is outstanding")

	sched.NotifyHandlerDone(messaging.Envelope{Infection: infection})

	assert.Eventually(t, func() bool {
		_, tracked := sched.traces["t4"]
		return !tracked
	}, time.Second, time.Millisecond)
}
