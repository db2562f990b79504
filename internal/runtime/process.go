// Package runtime implements the message-loop-per-process abstraction RM-TMan
// and ProtoSched are both built on top of (spec.md §4.4): one goroutine per
// logical process, an init/on(msg,state) Handler, two independent FIFO
// queues (ordinary messages and breakpoint control), and a synchronous
// get_state introspection path that never goes through the Handler. Grounded
// on go-mcast's per-replica goroutine + channel loop
// (pkg/mcast/core/replica.go), generalized from multicast-consensus to an
// arbitrary Handler.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/ringkv/ringkv/internal/messaging"
	"github.com/ringkv/ringkv/internal/neighborhood"
)

// GetStateRequest is the payload of a $runtime:get_state control envelope.
// Reply is sent exactly once, never through the Handler, so introspection
// never perturbs process state or breakpoint ordering (spec.md §4.4).
type GetStateRequest struct {
	Reply chan any
}

// Process runs Handler against incoming messages on its own goroutine,
// registered under Addr in Registry so peers can address it by name.
type Process struct {
	addr     neighborhood.ProcessAddr
	registry *messaging.Registry
	logger   Logger

	handler Handler
	state   any

	ordinary chan messaging.Envelope
	control  chan messaging.Envelope

	breakpoints []*Breakpoint
	pausedFor   *messaging.Envelope
	stepMode    bool
	barrier     bool

	// OnInfectedHandled, if set, is called after dispatching any envelope
	// that carries a ProtoSched infection tag — the hook that lets a
	// process-granularity participant signal on_handler_done without
	// itself calling thread_yield/thread_end (spec.md §4.6).
	OnInfectedHandled func(messaging.Envelope)

	done chan struct{}
}

// New creates a Process bound to addr with an initial handler and state, and
// registers it in registry so it can receive messages. Call Run to start its
// goroutine.
func New(addr neighborhood.ProcessAddr, registry *messaging.Registry, logger Logger, handler Handler, initialState any) *Process {
	p := &Process{
		addr:     addr,
		registry: registry,
		logger:   logger,
		handler:  handler,
		state:    initialState,
		ordinary: make(chan messaging.Envelope, 256),
		control:  make(chan messaging.Envelope, 64),
		done:     make(chan struct{}),
	}
	registry.Register(addr, p)
	return p
}

// Addr returns the process's registered address.
func (p *Process) Addr() neighborhood.ProcessAddr { return p.addr }

// Deliver implements messaging.Inbox. Control envelopes (kill, sleep,
// get_state, breakpoint commands) are routed to the control queue; everything
// else is routed to the ordinary-message queue. The two queues preserve FIFO
// order independently of one another (spec.md §4.4).
func (p *Process) Deliver(env messaging.Envelope) error {
	ch := p.ordinary
	if env.IsControl {
		ch = p.control
	}
	select {
	case ch <- env:
		return nil
	case <-p.done:
		return fmt.Errorf("runtime: process %s is stopped", p.addr)
	}
}

// Run starts the process's receive loop and blocks until ctx is cancelled or
// the process is killed. Intended to be launched with `go p.Run(ctx)`.
func (p *Process) Run(ctx context.Context) {
	defer close(p.done)
	defer p.registry.Unregister(p.addr)

	for {
		var ctrlCh chan messaging.Envelope = p.control
		if p.barrier && p.pausedFor == nil {
			// bp_barrier: hold further breakpoint control until a breakpoint
			// actually fires (spec.md §4.4).
			ctrlCh = nil
		}

		var ordinaryCh chan messaging.Envelope
		if p.pausedFor == nil {
			ordinaryCh = p.ordinary
		}

		select {
		case <-ctx.Done():
			return

		case env := <-ctrlCh:
			if p.handleControl(env) {
				return
			}

		case env, ok := <-ordinaryCh:
			if !ok {
				return
			}
			p.admitOrdinary(env)
		}
	}
}

// admitOrdinary decides whether env should pause the process for a
// breakpoint, or be dispatched straight to the handler.
func (p *Process) admitOrdinary(env messaging.Envelope) {
	if p.stepMode || p.matchesBreakpoint(env) {
		p.pausedFor = &env
		p.barrier = false
		return
	}
	p.dispatch(env)
}

func (p *Process) matchesBreakpoint(env messaging.Envelope) bool {
	for _, bp := range p.breakpoints {
		if bp.matches(env, p.state) {
			return true
		}
	}
	return false
}

// handleControl processes one control envelope; returns true if the process
// should terminate.
func (p *Process) handleControl(env messaging.Envelope) bool {
	switch env.Control {
	case messaging.CtrlKill:
		p.logger.Infof("process %s killed", p.addr)
		return true

	case messaging.CtrlSleep:
		return false

	case messaging.CtrlGetState:
		if req, ok := env.Payload.(GetStateRequest); ok {
			req.Reply <- p.state
		}
		return false

	case messaging.CtrlGetComponentState:
		if req, ok := env.Payload.(GetStateRequest); ok {
			req.Reply <- p.state
		}
		return false

	case messaging.CtrlBPSet:
		p.breakpoints = append(p.breakpoints, &Breakpoint{Name: env.Tag, Tag: payloadString(env.Payload)})
		return false

	case messaging.CtrlBPSetCond:
		if cond, ok := env.Payload.(func(messaging.Envelope, any) bool); ok {
			p.breakpoints = append(p.breakpoints, &Breakpoint{Name: env.Tag, Cond: cond})
		}
		return false

	case messaging.CtrlBPDel:
		p.deleteBreakpoint(env.Tag)
		return false

	case messaging.CtrlBPStep:
		p.release()
		p.stepMode = true
		return false

	case messaging.CtrlBPCont:
		p.release()
		p.stepMode = false
		return false

	case messaging.CtrlBPBarrier:
		p.barrier = true
		return false

	default:
		p.logger.Warnf("process %s: unhandled control %q", p.addr, env.Control)
		return false
	}
}

// release dispatches the currently-paused message, if any, and clears the
// pause — used by both bp_step and bp_cont, which differ only in whether
// the following message auto-pauses too (stepMode).
func (p *Process) release() {
	if p.pausedFor == nil {
		return
	}
	env := *p.pausedFor
	p.pausedFor = nil
	p.dispatch(env)
}

func (p *Process) deleteBreakpoint(name string) {
	kept := p.breakpoints[:0]
	for _, bp := range p.breakpoints {
		if bp.Name != name {
			kept = append(kept, bp)
		}
	}
	p.breakpoints = kept
}

// dispatch runs the handler against env and applies the resulting Outcome. A
// handler panic is recovered, logged with its stack, and the message is
// dropped with state left exactly as it was before the call (spec.md §4.4:
// "handler exceptions are logged and the loop re-enters with the pre-handler
// state").
func (p *Process) dispatch(env messaging.Envelope) {
	out, ok := p.runHandler(env)
	if !ok {
		return
	}
	switch out.Kind {
	case KindNext:
		p.state = out.State

	case KindUnknown:
		p.state = out.State
		p.logger.Warnf("process %s: unhandled message tag %q", p.addr, env.Tag)

	case KindKill:
		// Handled by the caller closing the loop on next control read; here
		// we self-deliver a kill control so Run observes it promptly.
		p.state = out.State
		select {
		case p.control <- messaging.Envelope{To: p.addr, IsControl: true, Control: messaging.CtrlKill}:
		default:
		}

	case KindChangeHandler:
		p.handler = out.Next
		p.state = out.State

	case KindPostOp:
		p.state = out.State
		if out.Message != nil {
			p.admitOrdinary(*out.Message)
		}
	}

	if env.Infected() && p.OnInfectedHandled != nil {
		p.OnInfectedHandled(env)
	}
}

// runHandler calls p.handler(env, p.state) with a recover guard. On a panic
// it logs the recovered value and stack, leaves p.state untouched, and
// returns ok=false so dispatch drops env rather than applying an Outcome
// from a handler that never finished.
func (p *Process) runHandler(env messaging.Envelope) (out Outcome, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("process %s: handler panic on tag %q: %v\n%s", p.addr, env.Tag, r, debug.Stack())
			ok = false
		}
	}()
	out = p.handler(env, p.state)
	ok = true
	return
}

func payloadString(v any) string {
	s, _ := v.(string)
	return s
}

// GetState synchronously fetches the process's last-committed state without
// going through the Handler (spec.md §4.4's "get_state never perturbs
// ordering").
func (p *Process) GetState(ctx context.Context) (any, error) {
	reply := make(chan any, 1)
	env := messaging.Envelope{
		To:        p.addr,
		IsControl: true,
		Control:   messaging.CtrlGetState,
		Payload:   GetStateRequest{Reply: reply},
	}
	if err := p.Deliver(env); err != nil {
		return nil, err
	}
	select {
	case state := <-reply:
		return state, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
