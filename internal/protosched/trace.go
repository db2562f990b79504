package protosched

import (
	"github.com/google/uuid"
	"github.com/ringkv/ringkv/internal/messaging"
	"github.com/ringkv/ringkv/internal/neighborhood"
)

type status int

const (
	statusNew status = iota
	statusRunning
	statusDelivered
	statusStopped
)

// trace is the per-trace state of spec.md §3: a (src,dst)-keyed FIFO queue
// set, lifecycle status, fan-out bookkeeping, and the cleanup/drain signals.
type trace struct {
	id        string
	infection uuid.UUID
	status    status

	queues map[ChannelKey][]messaging.Envelope

	threadNum    int
	threadsBegun int
	infected     map[neighborhood.ProcessAddr]bool
	yieldWaiters map[neighborhood.ProcessAddr]chan struct{}

	delivered      []messaging.Envelope
	numsChosenFrom []int
	possibleExecs  int

	callback func(messaging.Envelope)

	drainWaiters []chan struct{}

	// in-flight delivery bookkeeping (status == statusDelivered).
	inFlightKey ChannelKey

	// cleanupRequested defers a cleanup call received while a delivery is
	// outstanding until that delivery's handler completes (spec.md §4.6).
	cleanupRequested bool
}

func newTrace(id string) *trace {
	return &trace{
		id:           id,
		infection:    uuid.New(),
		status:       statusNew,
		queues:       map[ChannelKey][]messaging.Envelope{},
		infected:     map[neighborhood.ProcessAddr]bool{},
		yieldWaiters: map[neighborhood.ProcessAddr]chan struct{}{},
	}
}

func (t *trace) nonEmptyChannels() []ChannelKey {
	var out []ChannelKey
	for k, q := range t.queues {
		if len(q) > 0 {
			out = append(out, k)
		}
	}
	return out
}

func (t *trace) avgBranchingFactor() float64 {
	if len(t.numsChosenFrom) == 0 {
		return 0
	}
	sum := 0
	for _, n := range t.numsChosenFrom {
		sum += n
	}
	return float64(sum) / float64(len(t.numsChosenFrom))
}

func normalizeTraceName(id string) string {
	if id == "" {
		return "default"
	}
	return id
}
