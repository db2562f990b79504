// Package protosched implements the Deterministic Protocol Scheduler
// (spec.md §4.6): a centralized interleaver that captures every send an
// infected thread or process makes for the duration of one traced protocol
// execution, queues them per (src, dst) channel, and releases them one at a
// time in a uniformly-random order while preserving per-channel FIFO and
// recording the product of per-step fan-outs.
package protosched

import (
	"github.com/ringkv/ringkv/internal/messaging"
	"github.com/ringkv/ringkv/internal/neighborhood"
)

// TagReleaseToRun is delivered to a thread on thread_begin: it may now run
// (and is infected) until its next receive.
const TagReleaseToRun = "thread_release_to_run"

// ChannelKey identifies one (src, dst) FIFO channel within a trace.
type ChannelKey struct {
	Src, Dst neighborhood.ProcessAddr
}

// Infos mirrors spec.md §4.6's get_infos result.
type Infos struct {
	DeliveredMsgs         []messaging.Envelope
	NumsChosenFrom        []int
	AvgBranchingFactor    float64
	NumDeliveredMsgs      int
	NumPossibleExecutions int
}
