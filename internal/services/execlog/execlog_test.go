package execlog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/execution"
	"github.com/r3e-labs/integration-gateway/internal/app/storage/memory"
	"github.com/r3e-labs/integration-gateway/internal/services/execlog"
)

func TestStartStepFinishLifecycle(t *testing.T) {
	backend := memory.New()
	rec := execlog.New(backend, nil)
	ctx := context.Background()

	log := rec.Start(ctx, execlog.StartInput{
		IntegrationID: "int-1",
		OrgID:         "org-1",
		TriggerType:   execution.TriggerEvent,
	})
	require.NotEmpty(t, log.TraceID)
	require.Equal(t, execution.StatusPending, log.Status)

	rec.Step(ctx, log.TraceID, execution.Step{Name: execlog.StepTransformation, Status: execution.StepOK})
	rec.Step(ctx, log.TraceID, execution.Step{Name: execlog.StepHTTPRequest, Status: execution.StepOK})

	rec.Finish(ctx, log.TraceID, execution.StatusSuccess, execution.ResponseSnapshot{Status: 200}, "")

	stored, err := backend.GetLog(ctx, log.TraceID)
	require.NoError(t, err)
	require.Equal(t, execution.StatusSuccess, stored.Status)
	require.Len(t, stored.Steps, 2)
	require.True(t, stored.DurationMs >= 0)
}

func TestFinishRefusesToRetransitionTerminalLog(t *testing.T) {
	backend := memory.New()
	rec := execlog.New(backend, nil)
	ctx := context.Background()

	log := rec.Start(ctx, execlog.StartInput{IntegrationID: "int-1"})
	rec.Finish(ctx, log.TraceID, execution.StatusSuccess, execution.ResponseSnapshot{Status: 200}, "")
	rec.Finish(ctx, log.TraceID, execution.StatusFailed, execution.ResponseSnapshot{}, "should not apply")

	stored, err := backend.GetLog(ctx, log.TraceID)
	require.NoError(t, err)
	require.Equal(t, execution.StatusSuccess, stored.Status)
}

func TestRecordAttemptAssignsMonotonicNumbers(t *testing.T) {
	backend := memory.New()
	rec := execlog.New(backend, nil)
	ctx := context.Background()

	log := rec.Start(ctx, execlog.StartInput{IntegrationID: "int-1"})
	rec.RecordAttempt(ctx, execution.DeliveryAttempt{DeliveryLogID: log.TraceID, Status: execution.StatusFailed})
	rec.RecordAttempt(ctx, execution.DeliveryAttempt{DeliveryLogID: log.TraceID, Status: execution.StatusSuccess})

	attempts, err := backend.ListAttempts(ctx, log.TraceID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, 1, attempts[0].AttemptNumber)
	require.Equal(t, 2, attempts[1].AttemptNumber)
}
