// Package rmtman implements Ring Maintenance (RM-TMan), the T-Man-style
// gossip protocol that converges each node's predecessor/successor
// neighborhood to the true ring topology under joins, graceful leaves,
// crashes and zombie revival (spec.md §4.5). It is built entirely as a
// runtime.Handler: all mutation happens inside on(msg, state), grounded on
// the teacher's membership/replicator handlers being plain methods over
// explicit state rather than goroutine-shared maps.
package rmtman

import "time"

// Config holds RM-TMan's four tunables, each mirrored by an
// internal/config key (spec.md §6).
type Config struct {
	// PredL and SuccL bound the predecessor/successor list lengths (>=1).
	PredL, SuccL int
	// MaxCacheSize bounds randViewSize's growth (>=2).
	MaxCacheSize int
	// BasePeriod is the periodic-trigger interval.
	BasePeriod time.Duration
}

// Validate reports a descriptive error if any tunable is out of range.
func (c Config) Validate() error {
	switch {
	case c.PredL < 1:
		return errInvalid("pred_list_length must be >= 1")
	case c.SuccL < 1:
		return errInvalid("succ_list_length must be >= 1")
	case c.MaxCacheSize < 2:
		return errInvalid("cyclon_cache_size must be >= 2")
	case c.BasePeriod <= 0:
		return errInvalid("stabilization_interval_base must be > 0")
	}
	return nil
}

type errInvalid string

func (e errInvalid) Error() string { return "rmtman: " + string(e) }
