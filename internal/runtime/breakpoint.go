package runtime

import "github.com/ringkv/ringkv/internal/messaging"

// Breakpoint matches incoming ordinary messages either by tag or by an
// arbitrary (msg, state) predicate (spec.md §4.4).
type Breakpoint struct {
	Name string
	Tag  string
	Cond func(env messaging.Envelope, state any) bool
}

func (b Breakpoint) matches(env messaging.Envelope, state any) bool {
	if b.Tag != "" && b.Tag == env.Tag {
		return true
	}
	if b.Cond != nil {
		return b.Cond(env, state)
	}
	return false
}
