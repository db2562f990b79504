package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/ringkv/ringkv/internal/cyclon"
	"github.com/ringkv/ringkv/internal/keyspace"
	"github.com/ringkv/ringkv/internal/messaging"
	"github.com/ringkv/ringkv/internal/neighborhood"
	"github.com/ringkv/ringkv/internal/protosched"
	"github.com/ringkv/ringkv/internal/rmtman"
	"github.com/ringkv/ringkv/internal/runtime"
)

// Overlay bundles the ring-maintenance core (messaging registry, RM-TMan
// process, random-peer cache, ProtoSched) a single node runs, and is the
// bridge between that core and the rest of the kvstore application: the HTTP
// debug surface reads through it, and cmd/server seeds its peer cache through
// Join at startup. The HTTP /cluster/join and /cluster/leave routes update
// only the static Membership; they do not reach the overlay.
type Overlay struct {
	Self     neighborhood.Descriptor
	Registry *messaging.Registry
	Cache    *cyclon.StaticCache
	Sched    *protosched.Scheduler
	Process  *runtime.Process
	logger   runtime.Logger
}

// NewOverlay builds a node's ring-overlay stack: one runtime.Process running
// RM-TMan's Handler, addressed at selfAddr, with its own random-peer cache
// and a ProtoSched scheduler installed on the shared registry.
func NewOverlay(cfg rmtman.Config, selfAddr neighborhood.ProcessAddr, logger runtime.Logger) (*Overlay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("overlay: %w", err)
	}

	self := neighborhood.Descriptor{
		Addr:    selfAddr,
		ID:      keyspace.HashKey([]byte(selfAddr)),
		Version: 1,
	}

	registry := messaging.NewRegistry()
	cache := cyclon.NewStaticCache()
	sched := protosched.NewScheduler(registry, logger)

	machine := rmtman.NewMachine(cfg, cache, registry, logger, selfAddr, rmtman.NopSuspicionSink{})
	proc := runtime.New(selfAddr, registry, logger, machine.Handler(), machine.InitialState(self))
	proc.OnInfectedHandled = sched.NotifyHandlerDone

	return &Overlay{
		Self:     self,
		Registry: registry,
		Cache:    cache,
		Sched:    sched,
		Process:  proc,
		logger:   logger,
	}, nil
}

// Start runs the overlay's process loop and periodic gossip trigger until
// ctx is cancelled.
func (o *Overlay) Start(ctx context.Context, basePeriod time.Duration) {
	go o.Process.Run(ctx)
	rmtman.StartTicker(ctx, o.Registry, o.Self.Addr, basePeriod)
}

// Join seeds a newly discovered peer into the random-peer cache; RM-TMan's
// own gossip converges it into the neighborhood over subsequent ticks
// (spec.md §6: "join seeds the new node into the random peer cache and lets
// gossip converge it in").
func (o *Overlay) Join(d neighborhood.Descriptor) {
	o.Cache.Add(d)
}

// Leave removes addr from the random-peer cache and tells RM-TMan to treat
// it as gone immediately, rather than waiting for a failed probe to notice.
// There is no separate "graceful leave" flag in the wire protocol (spec.md
// §4.5's get_node_details_response.is_leaving is never set to true by this
// code path), so an administrative leave is handled the same way a crash is.
func (o *Overlay) Leave(addr neighborhood.ProcessAddr) {
	o.Cache.Remove(addr)
	_ = o.Registry.Send(messaging.Envelope{
		From: o.Self.Addr,
		To:   o.Self.Addr,
		Tag:  rmtman.TagCrashedNode,
		Payload: rmtman.CrashedNodeMsg{
			Addr: addr,
		},
	}, nil)
}

// SetBreakpoint installs a tag-matching breakpoint named name on the
// overlay's process (spec.md §4.4's bp_set).
func (o *Overlay) SetBreakpoint(name, matchTag string) error {
	return o.Process.Deliver(messaging.Envelope{
		To: o.Self.Addr, IsControl: true, Control: messaging.CtrlBPSet,
		Tag: name, Payload: matchTag,
	})
}

// DeleteBreakpoint removes the named breakpoint (spec.md §4.4's bp_del).
func (o *Overlay) DeleteBreakpoint(name string) error {
	return o.Process.Deliver(messaging.Envelope{
		To: o.Self.Addr, IsControl: true, Control: messaging.CtrlBPDel, Tag: name,
	})
}

// Step releases the currently-paused message and single-steps through every
// subsequent one (spec.md §4.4's bp_step).
func (o *Overlay) Step() error {
	return o.Process.Deliver(messaging.Envelope{To: o.Self.Addr, IsControl: true, Control: messaging.CtrlBPStep})
}

// Continue releases the currently-paused message and resumes ordinary
// breakpoint matching (spec.md §4.4's bp_cont).
func (o *Overlay) Continue() error {
	return o.Process.Deliver(messaging.Envelope{To: o.Self.Addr, IsControl: true, Control: messaging.CtrlBPCont})
}

// Barrier holds any further breakpoint control until a breakpoint actually
// fires (spec.md §4.4's bp_barrier).
func (o *Overlay) Barrier() error {
	return o.Process.Deliver(messaging.Envelope{To: o.Self.Addr, IsControl: true, Control: messaging.CtrlBPBarrier})
}

// Neighborhood synchronously fetches the current neighborhood snapshot
// through the component runtime's get_state path (spec.md §4.4), never
// perturbing RM-TMan's own ordering.
func (o *Overlay) Neighborhood(ctx context.Context) (neighborhood.Neighborhood, error) {
	state, err := o.Process.GetState(ctx)
	if err != nil {
		return neighborhood.Neighborhood{}, err
	}
	nbhState, ok := state.(rmtman.State)
	if !ok {
		return neighborhood.Neighborhood{}, fmt.Errorf("overlay: unexpected state type %T", state)
	}
	return nbhState.Nbh, nil
}

