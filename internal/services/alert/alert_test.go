package alert_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	alertdomain "github.com/r3e-labs/integration-gateway/internal/app/domain/alert"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/execution"
	"github.com/r3e-labs/integration-gateway/internal/app/storage/memory"
	"github.com/r3e-labs/integration-gateway/internal/services/alert"
)

type fakeAdapter struct {
	accept bool
	sent   []alertdomain.Digest
}

func (f *fakeAdapter) Provider() string { return "FAKE" }
func (f *fakeAdapter) Verify(context.Context) error { return nil }
func (f *fakeAdapter) Send(_ context.Context, digest alertdomain.Digest, _ []string) (alert.SendOutcome, error) {
	f.sent = append(f.sent, digest)
	if !f.accept {
		return alert.SendOutcome{Accepted: false, Rejected: "provider down"}, nil
	}
	return alert.SendOutcome{MessageID: "msg-1", Accepted: true}, nil
}

func TestSendSkipsWhenNoFailures(t *testing.T) {
	backend := memory.New()
	registry := alert.NewRegistry()
	fake := &fakeAdapter{accept: true}
	registry.Register("EMAIL:FAKE", fake)

	d := alert.New(backend, backend, registry, alert.Config{Window: time.Hour}, nil)
	entry, err := d.Send(context.Background(), "EMAIL:FAKE", "org1", "int1", []string{"ops@example.com"}, time.Now())
	require.NoError(t, err)
	require.Equal(t, alertdomain.SendSkipped, entry.Status)
	require.Empty(t, fake.sent)
}

func TestSendAggregatesFailuresAndRecordsLog(t *testing.T) {
	backend := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		log, err := backend.CreateLog(ctx, execution.Log{
			OrgID:         "org1",
			IntegrationID: "int1",
			Status:        execution.StatusPending,
			StartedAt:     now.Add(-time.Minute),
		})
		require.NoError(t, err)
		log.Status = execution.StatusFailed
		log.FinishedAt = now
		log.Steps = []execution.Step{{Name: "http_response", Status: execution.StepFailed}}
		require.NoError(t, backend.UpdateLog(ctx, log))
	}

	registry := alert.NewRegistry()
	fake := &fakeAdapter{accept: true}
	registry.Register("EMAIL:FAKE", fake)

	d := alert.New(backend, backend, registry, alert.Config{Window: time.Hour}, nil)
	entry, err := d.Send(ctx, "EMAIL:FAKE", "org1", "int1", []string{"ops@example.com"}, now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, alertdomain.SendSent, entry.Status)
	require.Equal(t, 3, entry.TotalFailures)
	require.Len(t, fake.sent, 1)
	require.Equal(t, 3, fake.sent[0].ByCategory["http_response"])

	sends, err := backend.ListRecentAlertSends(ctx, "org1", "int1", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, sends, 1)
}

func TestSendReportsRejection(t *testing.T) {
	backend := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	log, err := backend.CreateLog(ctx, execution.Log{OrgID: "org1", IntegrationID: "int1", Status: execution.StatusPending, StartedAt: now})
	require.NoError(t, err)
	log.Status = execution.StatusFailed
	log.FinishedAt = now
	require.NoError(t, backend.UpdateLog(ctx, log))

	registry := alert.NewRegistry()
	fake := &fakeAdapter{accept: false}
	registry.Register("EMAIL:FAKE", fake)

	d := alert.New(backend, backend, registry, alert.Config{Window: time.Hour}, nil)
	entry, err := d.Send(ctx, "EMAIL:FAKE", "org1", "int1", []string{"ops@example.com"}, now.Add(time.Second))
	require.Error(t, err)
	require.Equal(t, alertdomain.SendFailed, entry.Status)
}
