// Package event holds the normalized representation of a business event
// ingested from a tenant's source and the lifecycle it moves through before
// delivery.
package event

import "time"

// Status tracks the lifecycle of an ingested event.
type Status string

const (
	StatusReceived   Status = "RECEIVED"
	StatusProcessing Status = "PROCESSING"
	StatusDelivered  Status = "DELIVERED"
	StatusSkipped    Status = "SKIPPED"
	StatusFailed     Status = "FAILED"
	StatusStuck      Status = "STUCK"
)

// TimelineEntry records a single lifecycle transition for audit purposes.
type TimelineEntry struct {
	Timestamp time.Time
	Stage     Status
	Details   string
}

// Event is the normalized unit of work produced by the source poller and
// consumed by the matcher/transformer/delivery pipeline.
type Event struct {
	EventID       string
	Source        string
	SourceID      string // upstream row identifier, empty when not applicable
	OrgID         string
	OrgUnitID     string
	EventType     string
	Payload       map[string]any
	ReceivedAt    time.Time
	PayloadHash   string
	Status        Status
	Timeline      []TimelineEntry
	ExpiresAt     time.Time // 90 day TTL from ReceivedAt
}

// Bucket truncates a timestamp to the minute, used for the fallback dedup key
// (orgId, eventKey, receivedAtBucket) when SourceID is absent.
func Bucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// AppendTimeline returns a copy of the event with a new timeline entry and
// status applied. Keeping this pure (rather than mutating in place) makes the
// at-most-once terminal state invariant easy to enforce at the call site.
func (e Event) AppendTimeline(stage Status, details string, at time.Time) Event {
	e.Status = stage
	e.Timeline = append(append([]TimelineEntry{}, e.Timeline...), TimelineEntry{
		Timestamp: at,
		Stage:     stage,
		Details:   details,
	})
	return e
}

// IsTerminal reports whether the event has reached a state from which the
// pipeline will not continue processing it.
func (e Event) IsTerminal() bool {
	switch e.Status {
	case StatusDelivered, StatusSkipped, StatusFailed:
		return true
	default:
		return false
	}
}
