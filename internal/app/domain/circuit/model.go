// Package circuit holds the per-integration circuit breaker state persisted
// across process restarts (spec.md §9 "global mutable state ... rebuild
// lazily on start").
package circuit

import "time"

// State is the breaker's position in the CLOSED/OPEN/HALF_OPEN cycle.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Snapshot is the durable view of one integration's breaker.
type Snapshot struct {
	IntegrationID       string
	ConsecutiveFailures int
	State               State
	OpenedAt            time.Time
	NextProbeAt         time.Time
	AutoDisabled        bool
	UpdatedAt           time.Time
}
