package rmtman

import (
	"testing"

	"github.com/ringkv/ringkv/internal/cyclon"
	"github.com/ringkv/ringkv/internal/keyspace"
	"github.com/ringkv/ringkv/internal/messaging"
	"github.com/ringkv/ringkv/internal/neighborhood"
	"github.com/ringkv/ringkv/internal/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// synchronousInbox drives a Machine's Handler directly, without a runtime
// goroutine, so tests can assert state after each envelope deterministically.
// Like a runtime.Process it runs one handler call at a time: an envelope that
// arrives while a handler is running is queued and handled after that call's
// state has been committed.
type synchronousInbox struct {
	m     *Machine
	state State
	busy  bool
	queue []messaging.Envelope
}

func (s *synchronousInbox) Deliver(env messaging.Envelope) error {
	s.queue = append(s.queue, env)
	if s.busy {
		return nil
	}
	s.busy = true
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		out := s.m.Handler()(next, s.state)
		switch out.Kind {
		case runtime.KindNext, runtime.KindChangeHandler:
			s.state = out.State.(State)
		case runtime.KindUnknown:
			s.state = out.State.(State)
		}
	}
	s.busy = false
	return nil
}

func testConfig() Config {
	return Config{PredL: 2, SuccL: 2, MaxCacheSize: 8, BasePeriod: 0}
}

func key(n uint64) keyspace.Key { return keyspace.Key{Lo: n} }

func TestBufferExchangeAdmitsPeers(t *testing.T) {
	reg := messaging.NewRegistry()
	logger := runtime.NewStdLogger("test")

	descA := neighborhood.Descriptor{Addr: "A", ID: key(10), Version: 1}
	descB := neighborhood.Descriptor{Addr: "B", ID: key(20), Version: 1}

	machA := NewMachine(testConfig(), cyclon.NewStaticCache(), reg, logger, "A", nil)
	machB := NewMachine(testConfig(), cyclon.NewStaticCache(), reg, logger, "B", nil)

	inboxA := &synchronousInbox{m: machA, state: machA.InitialState(descA)}
	inboxB := &synchronousInbox{m: machB, state: machB.InitialState(descB)}
	reg.Register("A", inboxA)
	reg.Register("B", inboxB)

	require.True(t, inboxA.state.Alone())
	require.True(t, inboxB.state.Alone())

	// B bootstraps by gossiping directly to A (the join path, outside the
	// periodic loop — an alone node otherwise never initiates per spec.md
	// §4.5: "a joining peer will contact us"). Because this test drives
	// both machines through a synchronous inbox, the resulting
	// buffer_response/probe/probe_response chain resolves inline rather
	// than across separate goroutine scheduling turns.
	bNbh := neighborhood.New(descB, descB, descB)
	require.NoError(t, reg.Send(messaging.Envelope{
		From: "B", To: "A", Tag: TagBuffer,
		Payload: BufferMsg{OtherNbh: bNbh, ReqPredsMin: 1, ReqSuccsMin: 1},
	}, nil))

	assert.False(t, inboxA.state.Alone())
	assert.False(t, inboxB.state.Alone())
	assert.Empty(t, inboxA.state.pending)
	assert.Empty(t, inboxB.state.pending)
}

func TestCrashedNodeRemovesAndFeedsSuspicion(t *testing.T) {
	reg := messaging.NewRegistry()
	logger := runtime.NewStdLogger("test")

	var suspected []neighborhood.Descriptor
	sink := sinkFunc(func(d neighborhood.Descriptor) { suspected = append(suspected, d) })

	me := neighborhood.Descriptor{Addr: "A", ID: key(10), Version: 1}
	other := neighborhood.Descriptor{Addr: "B", ID: key(20), Version: 1}

	mach := NewMachine(testConfig(), cyclon.NewStaticCache(), reg, logger, "A", sink)
	state := mach.InitialState(me)
	state, _ = mach.updateNodes(state, []neighborhood.Descriptor{other}, nil, nil)
	require.True(t, state.Nbh.HasRealSucc() || state.Nbh.HasRealPred())

	state = mach.updateAndMaybeRetrigger(state, nil, []neighborhood.ProcessAddr{"B"}, mach.suspicion.AddZombieCandidate)

	assert.True(t, state.Alone())
	require.Len(t, suspected, 1)
	assert.Equal(t, neighborhood.ProcessAddr("B"), suspected[0].Addr)
}

type sinkFunc func(neighborhood.Descriptor)

func (f sinkFunc) AddZombieCandidate(d neighborhood.Descriptor) { f(d) }
