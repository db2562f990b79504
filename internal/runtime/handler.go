package runtime

import "github.com/ringkv/ringkv/internal/messaging"

// OutcomeKind discriminates the sum type a Handler returns (spec.md §4.4:
// `next_state | unknown_event | kill | {change_handler,h} | {post_op, msg'}`).
// Go has no native sum types, so Outcome is a tagged struct the driver
// switches on before deciding what to do next — the same shape the teacher
// uses for tagged wire responses (QuorumResponse's Success/Error fields).
type OutcomeKind int

const (
	// KindNext: ordinary state transition, continue the loop.
	KindNext OutcomeKind = iota
	// KindUnknown: the handler did not recognize the message; logged, not
	// fatal, state is preserved.
	KindUnknown
	// KindKill: terminate the process.
	KindKill
	// KindChangeHandler: swap in a new Handler starting from State.
	KindChangeHandler
	// KindPostOp: immediately re-enter the (possibly new) handler with
	// Message before returning to receive, preserving the illusion that no
	// message was dequeued.
	KindPostOp
)

// Outcome is what a Handler returns after processing one message.
type Outcome struct {
	Kind    OutcomeKind
	State   any
	Next    Handler
	Message *messaging.Envelope
}

// Handler processes one message against the current state and returns what
// the process loop should do next.
type Handler func(env messaging.Envelope, state any) Outcome

// Next continues the loop with state as the new committed state.
func Next(state any) Outcome { return Outcome{Kind: KindNext, State: state} }

// Unknown preserves state and logs that the message tag was not recognized.
func Unknown(state any) Outcome { return Outcome{Kind: KindUnknown, State: state} }

// Kill terminates the process.
func Kill() Outcome { return Outcome{Kind: KindKill} }

// SwitchHandler installs h as the process's handler going forward, starting
// from state.
func SwitchHandler(h Handler, state any) Outcome {
	return Outcome{Kind: KindChangeHandler, Next: h, State: state}
}

// Repost re-enters the (current or just-switched) handler with msg before
// the process returns to its receive loop.
func Repost(msg messaging.Envelope, state any) Outcome {
	return Outcome{Kind: KindPostOp, State: state, Message: &msg}
}
