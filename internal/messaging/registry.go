package messaging

import (
	"fmt"
	"sync"

	"github.com/ringkv/ringkv/internal/neighborhood"
)

// Inbox is anything that can accept an Envelope for local delivery —
// satisfied by runtime.Process. Kept as a narrow interface here so that
// messaging does not import runtime (runtime imports messaging instead).
type Inbox interface {
	Deliver(Envelope) error
}

// ErrNotFound is returned by Registry.Send when the destination process is
// not registered — the substrate's "unreachable peer" error (spec.md §7).
type ErrNotFound neighborhood.ProcessAddr

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("messaging: process %s not found", neighborhood.ProcessAddr(e))
}

// ShepherdFunc is an optional delivery-error callback, invoked when Send
// fails to reach its destination. ProtoSched uses this to translate a failed
// delivery into on_handler_done (spec.md §4.6).
type ShepherdFunc func(env Envelope, err error)

// Interceptor lets ProtoSched capture infected sends before they reach the
// substrate (spec.md §4.6: "Infected sends are rerouted to ProtoSched
// instead of being delivered directly"). It reports whether it captured the
// envelope; if false, Send proceeds with ordinary delivery.
type Interceptor func(env Envelope) (captured bool)

// Registry is an explicit, by-reference process-wide registry replacing the
// "pid groups" / global process table of the source system (spec.md §9): a
// map from ProcessAddr to Inbox, with no global mutable state.
type Registry struct {
	mu          sync.RWMutex
	processes   map[neighborhood.ProcessAddr]Inbox
	interceptor Interceptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{processes: make(map[neighborhood.ProcessAddr]Inbox)}
}

// Register binds addr to inbox. A later call for the same addr replaces the
// binding (used when a process restarts under the same address).
func (r *Registry) Register(addr neighborhood.ProcessAddr, inbox Inbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes[addr] = inbox
}

// Unregister removes addr, e.g. on process shutdown.
func (r *Registry) Unregister(addr neighborhood.ProcessAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processes, addr)
}

// Lookup returns the Inbox bound to addr, or ok=false.
func (r *Registry) Lookup(addr neighborhood.ProcessAddr) (Inbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inbox, ok := r.processes[addr]
	return inbox, ok
}

// SetInterceptor installs i as the registry's ProtoSched hook. A nil
// interceptor (the default) means no trace is active and every send is
// delivered directly.
func (r *Registry) SetInterceptor(i Interceptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interceptor = i
}

// Send delivers env to env.To. If a shepherd is provided and delivery fails
// (destination unknown), the shepherd is invoked with the error instead of
// it being returned — this is the "optional delivery-error shepherd
// callback" of spec.md §2's messaging-substrate row.
//
// If env carries an infection tag and an interceptor is installed, the
// interceptor gets first refusal: a captured send is queued by ProtoSched
// instead of being delivered here (spec.md §4.6).
func (r *Registry) Send(env Envelope, shepherd ShepherdFunc) error {
	if env.Infected() {
		r.mu.RLock()
		interceptor := r.interceptor
		r.mu.RUnlock()
		if interceptor != nil && interceptor(env) {
			return nil
		}
	}

	inbox, ok := r.Lookup(env.To)
	if !ok {
		err := ErrNotFound(env.To)
		if shepherd != nil {
			shepherd(env, err)
			return nil
		}
		return err
	}
	if err := inbox.Deliver(env); err != nil {
		if shepherd != nil {
			shepherd(env, err)
			return nil
		}
		return err
	}
	return nil
}

// DeliverDirect looks up and delivers env bypassing the interceptor. This is
// ProtoSched's own escape hatch: once it has captured and selected a message
// for delivery, re-running it through Send would just capture it again.
func (r *Registry) DeliverDirect(env Envelope, shepherd ShepherdFunc) error {
	inbox, ok := r.Lookup(env.To)
	if !ok {
		err := ErrNotFound(env.To)
		if shepherd != nil {
			shepherd(env, err)
			return nil
		}
		return err
	}
	if err := inbox.Deliver(env); err != nil {
		if shepherd != nil {
			shepherd(env, err)
			return nil
		}
		return err
	}
	return nil
}
