package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/ringkv/ringkv/internal/messaging"
	"github.com/ringkv/ringkv/internal/neighborhood"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func echoHandler(env messaging.Envelope, state any) Outcome {
	n, _ := state.(int)
	if env.Tag == "inc" {
		return Next(n + 1)
	}
	return Unknown(state)
}

func TestProcessDispatchesOrdinaryMessages(t *testing.T) {
	reg := messaging.NewRegistry()
	logger := NewStdLogger("test")
	p := New("p1", reg, logger, echoHandler, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Deliver(messaging.Envelope{To: "p1", Tag: "inc"}))
	}

	gctx, gcancel := context.WithTimeout(context.Background(), time.Second)
	defer gcancel()
	state, err := p.GetState(gctx)
	require.NoError(t, err)
	assert.Equal(t, 3, state)

	require.NoError(t, p.Deliver(messaging.Envelope{To: "p1", IsControl: true, Control: messaging.CtrlKill}))
	<-p.done
}

func TestProcessBreakpointPauseAndCont(t *testing.T) {
	reg := messaging.NewRegistry()
	logger := NewStdLogger("test")
	p := New("p2", reg, logger, echoHandler, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	// Tag names the breakpoint; Payload carries the message tag it matches.
	require.NoError(t, p.Deliver(messaging.Envelope{
		To: "p2", IsControl: true, Control: messaging.CtrlBPSet, Tag: "stop-on-inc", Payload: "inc",
	}))

	require.NoError(t, p.Deliver(messaging.Envelope{To: "p2", Tag: "inc"}))

	time.Sleep(20 * time.Millisecond)
	gctx, gcancel := context.WithTimeout(context.Background(), time.Second)
	defer gcancel()
	state, err := p.GetState(gctx)
	require.NoError(t, err)
	assert.Equal(t, 0, state, "paused message must not be dispatched yet")

	require.NoError(t, p.Deliver(messaging.Envelope{To: "p2", IsControl: true, Control: messaging.CtrlBPCont}))

	gctx2, gcancel2 := context.WithTimeout(context.Background(), time.Second)
	defer gcancel2()
	assert.Eventually(t, func() bool {
		s, err := p.GetState(gctx2)
		return err == nil && s == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Deliver(messaging.Envelope{To: "p2", IsControl: true, Control: messaging.CtrlKill}))
	<-p.done
}

func panicOnTag(tag string) Handler {
	return func(env messaging.Envelope, state any) Outcome {
		if env.Tag == tag {
			panic("boom: " + tag)
		}
		n, _ := state.(int)
		return Next(n + 1)
	}
}

func TestProcessRecoversHandlerPanic(t *testing.T) {
	reg := messaging.NewRegistry()
	logger := NewStdLogger("test")
	p := New("p3", reg, logger, panicOnTag("explode"), 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(t, p.Deliver(messaging.Envelope{To: "p3", Tag: "inc"}))
	require.NoError(t, p.Deliver(messaging.Envelope{To: "p3", Tag: "explode"}))
	require.NoError(t, p.Deliver(messaging.Envelope{To: "p3", Tag: "inc"}))

	gctx, gcancel := context.WithTimeout(context.Background(), time.Second)
	defer gcancel()
	assert.Eventually(t, func() bool {
		s, err := p.GetState(gctx)
		return err == nil && s == 2
	}, time.Second, 5*time.Millisecond, "panicking message must be dropped with state preserved, not crash the loop")

	require.NoError(t, p.Deliver(messaging.Envelope{To: "p3", IsControl: true, Control: messaging.CtrlKill}))
	<-p.done
}

func TestRegistrySendUnreachable(t *testing.T) {
	reg := messaging.NewRegistry()
	var shepherded error
	err := reg.Send(messaging.Envelope{To: neighborhood.ProcessAddr("ghost")}, func(env messaging.Envelope, e error) {
		shepherded = e
	})
	require.NoError(t, err)
	assert.Error(t, shepherded)
}
