package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/event"
	"github.com/r3e-labs/integration-gateway/internal/app/storage/memory"
	"github.com/r3e-labs/integration-gateway/internal/services/audit"
)

func TestTransitionRefusesTerminalEvent(t *testing.T) {
	backend := memory.New()
	store := audit.New(backend, nil)
	ctx := context.Background()

	e := event.Event{EventID: "evt-1", Source: "mysql-queue", SourceID: "1", OrgID: "org1", ReceivedAt: time.Now(), Status: event.StatusReceived}
	_, err := store.TryInsert(ctx, e, "")
	require.NoError(t, err)

	require.NoError(t, store.Transition(ctx, "evt-1", event.StatusDelivered, "delivered"))
	err = store.Transition(ctx, "evt-1", event.StatusFailed, "should not apply")
	require.Error(t, err)
}

func TestTickMarksStuckAndPurgesExpired(t *testing.T) {
	backend := memory.New()
	store := audit.New(backend, nil, audit.WithStuckThreshold(time.Millisecond), audit.WithTTL(time.Millisecond), audit.WithJanitorInterval(time.Millisecond))
	ctx := context.Background()

	e := event.Event{EventID: "evt-1", Source: "mysql-queue", SourceID: "1", OrgID: "org1", ReceivedAt: time.Now().Add(-time.Hour), Status: event.StatusProcessing}
	_, err := store.TryInsert(ctx, e, "")
	require.NoError(t, err)
	require.NoError(t, backend.UpdateEventStatus(ctx, "evt-1", event.StatusProcessing, "start", time.Now().Add(-time.Hour)))

	require.NoError(t, store.Start(ctx))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, store.Stop(ctx))

	got, err := backend.GetEvent(ctx, "evt-1")
	if err == nil {
		require.Equal(t, event.StatusStuck, got.Status)
	}
}
