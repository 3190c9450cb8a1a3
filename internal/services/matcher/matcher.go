// Package matcher resolves which OUTBOUND integrations apply to a given
// event (spec.md §4.D): direction, active flag, event type (with wildcard),
// and tenant scope (ENTITY_ONLY vs INCLUDE_CHILDREN with exclusions).
package matcher

import (
	"context"
	"sort"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/event"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
	"github.com/r3e-labs/integration-gateway/internal/app/storage"
)

// Matcher resolves candidate integrations for an event.
type Matcher struct {
	store storage.IntegrationStore
}

// New constructs a Matcher over the given integration store.
func New(store storage.IntegrationStore) *Matcher {
	return &Matcher{store: store}
}

// Match returns the integrations that apply to e, ordered per spec.md §4.D:
// exact eventType matches first (ties broken by UpdatedAt DESC), then
// wildcard matches (ties broken the same way).
func (m *Matcher) Match(ctx context.Context, e event.Event) ([]integration.Config, error) {
	candidates, err := m.store.ListCandidateIntegrations(ctx, integration.DirectionOutbound, e.EventType, e.OrgID)
	if err != nil {
		return nil, err
	}

	var exact, wildcard []integration.Config
	for _, cfg := range candidates {
		if !cfg.IsActive {
			continue
		}
		if !cfg.MatchesEventType(e.EventType) {
			continue
		}
		if !cfg.MatchesScope(e.OrgID, e.OrgUnitID) {
			continue
		}
		if cfg.IsWildcard() {
			wildcard = append(wildcard, cfg)
		} else {
			exact = append(exact, cfg)
		}
	}

	sortByUpdatedAtDesc(exact)
	sortByUpdatedAtDesc(wildcard)

	return append(exact, wildcard...), nil
}

func sortByUpdatedAtDesc(cfgs []integration.Config) {
	sort.SliceStable(cfgs, func(i, j int) bool {
		return cfgs[i].UpdatedAt.After(cfgs[j].UpdatedAt)
	})
}
