package rmtman

import (
	"context"
	"time"

	"github.com/ringkv/ringkv/internal/messaging"
	"github.com/ringkv/ringkv/internal/neighborhood"
)

// StartTicker periodically delivers an rm_trigger envelope to self every
// period, driving Machine's periodic action (spec.md §4.5). The
// scheduler restarts gossip at basePeriodMs regardless of outcome — a missed
// or failed tick is simply followed by the next one.
func StartTicker(ctx context.Context, registry *messaging.Registry, self neighborhood.ProcessAddr, period time.Duration) {
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = registry.Send(messaging.Envelope{From: self, To: self, Tag: TagTrigger}, nil)
			}
		}
	}()
}
