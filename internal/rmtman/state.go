package rmtman

import "github.com/ringkv/ringkv/internal/neighborhood"

// probeKind distinguishes why we probed a candidate, so the response handler
// knows what to do with it beyond plain admission.
type probeKind int

const (
	probeAdmission probeKind = iota
	probePredRecheck
)

type pendingProbe struct {
	kind      probeKind
	predOfOld neighborhood.Descriptor // only meaningful for probePredRecheck
}

// State is RM state (spec.md §3): (Neighborhood, randViewSize,
// randomPeerCache, churnFlag), plus the bookkeeping needed to correlate
// get_node_details_response to the probe that caused it.
type State struct {
	Nbh          neighborhood.Neighborhood
	RandViewSize int
	Churn        bool

	// pending tracks outstanding get_node_details probes by candidate
	// address. A probe that is never answered is simply forgotten (spec.md
	// §4.5's failure semantics) — nothing times it out explicitly.
	pending map[neighborhood.ProcessAddr]pendingProbe
}

// Alone reports whether the process has no real predecessor and no real
// successor — the `alone` state of RM-TMan's state machine (spec.md §4.5).
func (s State) Alone() bool {
	return !s.Nbh.HasRealPred() && !s.Nbh.HasRealSucc()
}

func (s State) clonePending() map[neighborhood.ProcessAddr]pendingProbe {
	out := make(map[neighborhood.ProcessAddr]pendingProbe, len(s.pending))
	for k, v := range s.pending {
		out[k] = v
	}
	return out
}

// SuspicionSink is the external suspicion list a crash or graceful removal
// feeds, via update_nodes' on-remove callback (spec.md §4.5's
// add_zombie_candidate).
type SuspicionSink interface {
	AddZombieCandidate(neighborhood.Descriptor)
}

// NopSuspicionSink discards removed descriptors; useful where no zombie
// detector is wired.
type NopSuspicionSink struct{}

func (NopSuspicionSink) AddZombieCandidate(neighborhood.Descriptor) {}
