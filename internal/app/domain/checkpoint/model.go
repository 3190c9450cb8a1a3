// Package checkpoint tracks the poller's last-processed position per source
// so restarts resume without reprocessing (spec.md §4.A, §8 "Monotonic
// checkpoints").
package checkpoint

import "time"

// Checkpoint is the poller's durable cursor for one (source, identifier, org).
type Checkpoint struct {
	Source            string
	SourceIdentifier  string
	OrgID             string
	LastProcessedID   int64
	LastProcessedAt   time.Time
}

// Advance returns a copy with LastProcessedID raised to id if id is greater,
// enforcing the non-decreasing invariant at the call site rather than
// trusting callers to check first.
func (c Checkpoint) Advance(id int64, at time.Time) Checkpoint {
	if id > c.LastProcessedID {
		c.LastProcessedID = id
		c.LastProcessedAt = at
	}
	return c
}
