package matcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/event"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
	"github.com/r3e-labs/integration-gateway/internal/app/storage/memory"
	"github.com/r3e-labs/integration-gateway/internal/services/matcher"
)

func mustCreate(t *testing.T, store *memory.Store, cfg integration.Config) integration.Config {
	t.Helper()
	created, err := store.CreateIntegration(context.Background(), cfg)
	require.NoError(t, err)
	return created
}

func TestMatchScopeAndExclusion(t *testing.T) {
	store := memory.New()
	now := time.Now()

	entityOnly := mustCreate(t, store, integration.Config{
		OrgID: "org1", OrgUnitID: "unit1", Direction: integration.DirectionOutbound,
		EventType: "ORDER_CREATED", Scope: integration.ScopeEntityOnly, IsActive: true, UpdatedAt: now,
	})
	includeChildren := mustCreate(t, store, integration.Config{
		OrgID: "org1", OrgUnitID: "unit1", Direction: integration.DirectionOutbound,
		EventType: "ORDER_CREATED", Scope: integration.ScopeIncludeChildren,
		ExcludedOrgUnitIDs: []string{"unit3"}, IsActive: true, UpdatedAt: now.Add(-time.Minute),
	})

	m := matcher.New(store)

	// unit2 is a child of org1, not unit1: only the INCLUDE_CHILDREN config matches.
	matches, err := m.Match(context.Background(), event.Event{
		OrgID: "org1", OrgUnitID: "unit2", EventType: "ORDER_CREATED",
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, includeChildren.ID, matches[0].ID)

	// unit1 matches both; exact-eventType ordering ties broken by UpdatedAt DESC.
	matches, err = m.Match(context.Background(), event.Event{
		OrgID: "org1", OrgUnitID: "unit1", EventType: "ORDER_CREATED",
	})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, entityOnly.ID, matches[0].ID)

	// unit3 is excluded from the INCLUDE_CHILDREN config and isn't unit1.
	matches, err = m.Match(context.Background(), event.Event{
		OrgID: "org1", OrgUnitID: "unit3", EventType: "ORDER_CREATED",
	})
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestMatchWildcardOrdersAfterExact(t *testing.T) {
	store := memory.New()
	now := time.Now()

	wildcard := mustCreate(t, store, integration.Config{
		OrgID: "org1", OrgUnitID: "unit1", Direction: integration.DirectionOutbound,
		EventType: "*", Scope: integration.ScopeEntityOnly, IsActive: true, UpdatedAt: now,
	})
	exact := mustCreate(t, store, integration.Config{
		OrgID: "org1", OrgUnitID: "unit1", Direction: integration.DirectionOutbound,
		EventType: "ORDER_CREATED", Scope: integration.ScopeEntityOnly, IsActive: true, UpdatedAt: now.Add(-time.Hour),
	})

	m := matcher.New(store)
	matches, err := m.Match(context.Background(), event.Event{
		OrgID: "org1", OrgUnitID: "unit1", EventType: "ORDER_CREATED",
	})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, exact.ID, matches[0].ID)
	require.Equal(t, wildcard.ID, matches[1].ID)
}

func TestMatchSkipsInactive(t *testing.T) {
	store := memory.New()
	mustCreate(t, store, integration.Config{
		OrgID: "org1", OrgUnitID: "unit1", Direction: integration.DirectionOutbound,
		EventType: "ORDER_CREATED", Scope: integration.ScopeEntityOnly, IsActive: false, UpdatedAt: time.Now(),
	})
	m := matcher.New(store)
	matches, err := m.Match(context.Background(), event.Event{OrgID: "org1", OrgUnitID: "unit1", EventType: "ORDER_CREATED"})
	require.NoError(t, err)
	require.Empty(t, matches)
}
