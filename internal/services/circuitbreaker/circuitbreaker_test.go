package circuitbreaker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/circuit"
	"github.com/r3e-labs/integration-gateway/internal/app/storage/memory"
	"github.com/r3e-labs/integration-gateway/internal/services/circuitbreaker"
)

func TestOpensAfterThresholdAndProbesAfterCooldown(t *testing.T) {
	backend := memory.New()
	registry := circuitbreaker.New(backend, nil, circuitbreaker.Config{Threshold: 3, Cooldown: 50 * time.Millisecond}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, registry.RecordFailure(ctx, "int-1"))
	}

	decision, err := registry.Allow(ctx, "int-1")
	require.NoError(t, err)
	require.False(t, decision.Allowed)

	time.Sleep(75 * time.Millisecond)
	decision, err = registry.Allow(ctx, "int-1")
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.True(t, decision.IsProbe)

	snap, err := registry.Snapshot(ctx, "int-1")
	require.NoError(t, err)
	require.Equal(t, circuit.StateHalfOpen, snap.State)
}

func TestHalfOpenSuccessClosesAndFailureReopens(t *testing.T) {
	backend := memory.New()
	registry := circuitbreaker.New(backend, nil, circuitbreaker.Config{Threshold: 1, Cooldown: 10 * time.Millisecond}, nil, nil)
	ctx := context.Background()

	require.NoError(t, registry.RecordFailure(ctx, "int-1"))
	time.Sleep(25 * time.Millisecond)
	_, err := registry.Allow(ctx, "int-1")
	require.NoError(t, err)

	require.NoError(t, registry.RecordSuccess(ctx, "int-1"))
	snap, err := registry.Snapshot(ctx, "int-1")
	require.NoError(t, err)
	require.Equal(t, circuit.StateClosed, snap.State)
	require.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestAutoDisableFiresAtThreshold(t *testing.T) {
	backend := memory.New()
	var disabledID string
	registry := circuitbreaker.New(backend, nil, circuitbreaker.Config{Threshold: 1, Cooldown: time.Hour, AutoDisableThreshold: 2},
		func(_ context.Context, integrationID string) { disabledID = integrationID }, nil)
	ctx := context.Background()

	require.NoError(t, registry.RecordFailure(ctx, "int-1"))
	require.Empty(t, disabledID)
	require.NoError(t, registry.RecordFailure(ctx, "int-1"))
	require.Equal(t, "int-1", disabledID)
}
