package condition_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/integration-gateway/internal/services/condition"
)

func TestEvaluateBlankExpressionIsAlwaysTrue(t *testing.T) {
	ok, err := condition.Evaluate(context.Background(), "", map[string]any{}, condition.Context{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateNumericComparison(t *testing.T) {
	ok, err := condition.Evaluate(context.Background(), "event.amount > 1000", map[string]any{"amount": 500.0}, condition.Context{})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = condition.Evaluate(context.Background(), "event.amount > 1000", map[string]any{"amount": 5000.0}, condition.Context{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateMissingFieldIsFalsy(t *testing.T) {
	ok, err := condition.Evaluate(context.Background(), "event.missing", map[string]any{}, condition.Context{})
	require.NoError(t, err)
	require.False(t, ok)
}
