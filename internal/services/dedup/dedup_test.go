package dedup_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/event"
	"github.com/r3e-labs/integration-gateway/internal/app/storage/memory"
	"github.com/r3e-labs/integration-gateway/internal/services/dedup"
)

func TestTryAcceptDedupesBySourceID(t *testing.T) {
	store := memory.New()
	d := dedup.New(store)
	ctx := context.Background()

	e := event.Event{EventID: "evt-1", Source: "mysql-queue", SourceID: "42", OrgID: "org1", ReceivedAt: time.Now()}

	first, err := d.TryAccept(ctx, e, "")
	require.NoError(t, err)
	require.True(t, first.Inserted)

	e2 := e
	e2.EventID = "evt-2"
	second, err := d.TryAccept(ctx, e2, "")
	require.NoError(t, err)
	require.False(t, second.Inserted)
	require.Equal(t, "evt-1", second.Existing.EventID)
}

func TestTryAcceptFallsBackToEventKeyBucket(t *testing.T) {
	store := memory.New()
	d := dedup.New(store)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Minute)
	key := dedup.EventKey("ORDER_CREATED", "order-7", "org1")
	e := event.Event{EventID: "evt-1", Source: "http", OrgID: "org1", EventType: "ORDER_CREATED", ReceivedAt: now}

	first, err := d.TryAccept(ctx, e, key)
	require.NoError(t, err)
	require.True(t, first.Inserted)

	e2 := e
	e2.EventID = "evt-2"
	e2.ReceivedAt = now.Add(10 * time.Second) // same minute bucket
	second, err := d.TryAccept(ctx, e2, key)
	require.NoError(t, err)
	require.False(t, second.Inserted)
}

func TestTryAcceptLRUShortCircuitStillMatchesStore(t *testing.T) {
	store := memory.New()
	d := dedup.NewWithSize(store, 2)
	ctx := context.Background()

	e := event.Event{EventID: "evt-1", Source: "mysql-queue", SourceID: "1", OrgID: "org1", ReceivedAt: time.Now()}
	_, err := d.TryAccept(ctx, e, "")
	require.NoError(t, err)

	// Repeated accept should be rejected via the LRU fast path.
	e2 := e
	e2.EventID = "evt-2"
	result, err := d.TryAccept(ctx, e2, "")
	require.NoError(t, err)
	require.False(t, result.Inserted)
}
