// Package messaging implements the typed, process-addressed point-to-point
// messaging substrate of spec.md §6: a message envelope carrying either a
// user payload or a "$runtime" control tag, delivered by a Transport with an
// optional delivery-error shepherd callback. It is the concrete substrate the
// component runtime and ProtoSched are built on, grounded on the
// channel-addressed Transport interface of go-mcast's
// pkg/mcast/core/transport.go.
package messaging

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/ringkv/ringkv/internal/neighborhood"
)

// ControlTag names a "$runtime" control message (spec.md §6).
type ControlTag string

const (
	CtrlKill              ControlTag = "kill"
	CtrlSleep             ControlTag = "sleep"
	CtrlGetState          ControlTag = "get_state"
	CtrlGetComponentState ControlTag = "get_component_state"
	CtrlBPSet             ControlTag = "bp_set"
	CtrlBPSetCond         ControlTag = "bp_set_cond"
	CtrlBPDel             ControlTag = "bp_del"
	CtrlBPStep            ControlTag = "bp_step"
	CtrlBPCont            ControlTag = "bp_cont"
	CtrlBPBarrier         ControlTag = "bp_barrier"
	CtrlTrace             ControlTag = "trace"
)

// Envelope is the substrate's unit of delivery. Exactly one of Payload or
// Control is meaningful, selected by IsControl.
type Envelope struct {
	From, To neighborhood.ProcessAddr

	IsControl bool
	Control   ControlTag

	// Tag is the application-level message tag RM-TMan/ProtoSched dispatch
	// on (e.g. "buffer", "rm_trigger"); empty for pure control envelopes.
	Tag string

	// Payload carries the user message body. Its concrete type is decided
	// by the sender and type-asserted by the receiving handler.
	Payload any

	// Infection is the ProtoSched trace this envelope belongs to, or the
	// zero UUID if the send was not captured (spec.md §4.6's "infection"
	// tag).
	Infection uuid.UUID
}

// Infected reports whether this envelope carries a ProtoSched trace tag.
func (e Envelope) Infected() bool {
	return e.Infection != uuid.Nil
}

func (e Envelope) String() string {
	if e.IsControl {
		return fmt.Sprintf("%s->%s $runtime:%s", e.From, e.To, e.Control)
	}
	return fmt.Sprintf("%s->%s %s", e.From, e.To, e.Tag)
}
