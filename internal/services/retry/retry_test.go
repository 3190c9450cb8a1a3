package retry_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/dlq"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/execution"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
	"github.com/r3e-labs/integration-gateway/internal/app/storage/memory"
	"github.com/r3e-labs/integration-gateway/internal/services/circuitbreaker"
	"github.com/r3e-labs/integration-gateway/internal/services/delivery"
	"github.com/r3e-labs/integration-gateway/internal/services/execlog"
	"github.com/r3e-labs/integration-gateway/internal/services/retry"
)

func newManager(t *testing.T, store *memory.Store, cb *circuitbreaker.Registry) (*retry.Manager, *execlog.Recorder) {
	t.Helper()
	logs := execlog.New(store, nil)
	engine := delivery.NewEngine(http.DefaultClient, delivery.NewTokenCache(nil), nil, nil)
	return retry.New(store, store, logs, engine, cb, retry.Config{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}, nil), logs
}

func seedIntegration(t *testing.T, store *memory.Store, targetURL string) integration.Config {
	t.Helper()
	cfg, err := store.CreateIntegration(context.Background(), integration.Config{
		OrgID:      "org-1",
		Name:       "webhook",
		TargetURL:  targetURL,
		HTTPMethod: http.MethodPost,
		RetryCount: 3,
	})
	require.NoError(t, err)
	return cfg
}

func TestAttemptSuccessRecordsNoDLQEntry(t *testing.T) {
	delivery.AllowLocalTargets = true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New()
	cfg := seedIntegration(t, store, srv.URL)
	mgr, logs := newManager(t, store, nil)
	ctx := context.Background()

	log := logs.Start(ctx, execlog.StartInput{IntegrationID: cfg.ID, OrgID: cfg.OrgID, TriggerType: execution.TriggerEvent})
	outcome, err := mgr.Attempt(ctx, retry.AttemptInput{
		TraceID:       log.TraceID,
		IntegrationID: cfg.ID,
		OrgID:         cfg.OrgID,
		Request: delivery.Request{
			IntegrationID: cfg.ID,
			OrgID:         cfg.OrgID,
			Method:        http.MethodPost,
			URL:           srv.URL,
			Payload:       map[string]any{"hello": "world"},
		},
		MaxRetries: cfg.RetryCount,
	})
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Nil(t, outcome.DLQEntry)
}

func TestAttemptRetryableFailureEnqueuesDLQEntry(t *testing.T) {
	delivery.AllowLocalTargets = true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := memory.New()
	cfg := seedIntegration(t, store, srv.URL)
	mgr, logs := newManager(t, store, nil)
	ctx := context.Background()

	log := logs.Start(ctx, execlog.StartInput{IntegrationID: cfg.ID, OrgID: cfg.OrgID})
	outcome, err := mgr.Attempt(ctx, retry.AttemptInput{
		TraceID:       log.TraceID,
		IntegrationID: cfg.ID,
		OrgID:         cfg.OrgID,
		Request: delivery.Request{
			IntegrationID: cfg.ID,
			OrgID:         cfg.OrgID,
			Method:        http.MethodPost,
			URL:           srv.URL,
		},
		MaxRetries: cfg.RetryCount,
	})
	require.NoError(t, err)
	require.False(t, outcome.Success)
	require.NotNil(t, outcome.DLQEntry)
	require.Equal(t, dlq.StatusQueued, outcome.DLQEntry.Status)
	require.Equal(t, 1, outcome.DLQEntry.Attempts)

	stored, err := store.GetDLQEntry(ctx, outcome.DLQEntry.ID)
	require.NoError(t, err)
	require.Equal(t, dlq.StatusQueued, stored.Status)
}

func TestAttemptNonRetryableFailureAbandonsImmediately(t *testing.T) {
	delivery.AllowLocalTargets = true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := memory.New()
	cfg := seedIntegration(t, store, srv.URL)
	mgr, logs := newManager(t, store, nil)
	ctx := context.Background()

	log := logs.Start(ctx, execlog.StartInput{IntegrationID: cfg.ID, OrgID: cfg.OrgID})
	outcome, err := mgr.Attempt(ctx, retry.AttemptInput{
		TraceID:       log.TraceID,
		IntegrationID: cfg.ID,
		OrgID:         cfg.OrgID,
		Request: delivery.Request{
			IntegrationID: cfg.ID,
			OrgID:         cfg.OrgID,
			Method:        http.MethodPost,
			URL:           srv.URL,
		},
		MaxRetries: cfg.RetryCount,
	})
	require.NoError(t, err)
	require.False(t, outcome.Success)
	require.NotNil(t, outcome.DLQEntry)
	require.Equal(t, dlq.StatusAbandoned, outcome.DLQEntry.Status)
	require.False(t, outcome.DLQEntry.Retryable)

	storedLog, err := store.GetLog(ctx, log.TraceID)
	require.NoError(t, err)
	require.Equal(t, execution.StatusFailed, storedLog.Status)
}

func TestAttemptExhaustedRetriesAbandons(t *testing.T) {
	delivery.AllowLocalTargets = true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := memory.New()
	cfg := seedIntegration(t, store, srv.URL)
	mgr, logs := newManager(t, store, nil)
	ctx := context.Background()

	log := logs.Start(ctx, execlog.StartInput{IntegrationID: cfg.ID, OrgID: cfg.OrgID})
	outcome, err := mgr.Attempt(ctx, retry.AttemptInput{
		TraceID:         log.TraceID,
		IntegrationID:   cfg.ID,
		OrgID:           cfg.OrgID,
		PreviousAttempt: 2,
		Request: delivery.Request{
			IntegrationID: cfg.ID,
			OrgID:         cfg.OrgID,
			Method:        http.MethodPost,
			URL:           srv.URL,
		},
		MaxRetries: 3,
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.DLQEntry)
	require.Equal(t, dlq.StatusAbandoned, outcome.DLQEntry.Status)
	require.True(t, outcome.DLQEntry.Retryable)
}

func TestAttemptNonRetryableFailureDoesNotAdvanceCircuit(t *testing.T) {
	delivery.AllowLocalTargets = true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := memory.New()
	cfg := seedIntegration(t, store, srv.URL)
	cb := circuitbreaker.New(store, nil, circuitbreaker.Config{Threshold: 1, Cooldown: time.Hour}, nil, nil)
	mgr, logs := newManager(t, store, cb)
	ctx := context.Background()

	log := logs.Start(ctx, execlog.StartInput{IntegrationID: cfg.ID, OrgID: cfg.OrgID})
	outcome, err := mgr.Attempt(ctx, retry.AttemptInput{
		TraceID:       log.TraceID,
		IntegrationID: cfg.ID,
		OrgID:         cfg.OrgID,
		Request: delivery.Request{
			IntegrationID: cfg.ID,
			OrgID:         cfg.OrgID,
			Method:        http.MethodPost,
			URL:           srv.URL,
		},
		MaxRetries: cfg.RetryCount,
	})
	require.NoError(t, err)
	require.False(t, outcome.Success)

	snap, err := cb.Snapshot(ctx, cfg.ID)
	require.NoError(t, err)
	require.Equal(t, 0, snap.ConsecutiveFailures, "a non-retryable 4xx must not advance the circuit counter")
}

func TestAttemptSkipsWhenCircuitOpen(t *testing.T) {
	delivery.AllowLocalTargets = true
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New()
	cfg := seedIntegration(t, store, srv.URL)
	cb := circuitbreaker.New(store, nil, circuitbreaker.Config{Threshold: 1, Cooldown: time.Hour}, nil, nil)
	ctx := context.Background()
	require.NoError(t, cb.RecordFailure(ctx, cfg.ID))

	mgr, logs := newManager(t, store, cb)
	log := logs.Start(ctx, execlog.StartInput{IntegrationID: cfg.ID, OrgID: cfg.OrgID})
	outcome, err := mgr.Attempt(ctx, retry.AttemptInput{
		TraceID:       log.TraceID,
		IntegrationID: cfg.ID,
		OrgID:         cfg.OrgID,
		Request: delivery.Request{
			IntegrationID: cfg.ID,
			OrgID:         cfg.OrgID,
			Method:        http.MethodPost,
			URL:           srv.URL,
		},
		MaxRetries: cfg.RetryCount,
	})
	require.NoError(t, err)
	require.True(t, outcome.Skipped)
	require.False(t, called)
}

func TestTickDrainsDueEntriesAndMarksReplayed(t *testing.T) {
	delivery.AllowLocalTargets = true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := memory.New()
	cfg := seedIntegration(t, store, srv.URL)
	mgr, _ := newManager(t, store, nil)
	ctx := context.Background()

	entry, err := store.CreateDLQEntry(ctx, dlq.Entry{
		ID:            "dlq-1",
		IntegrationID: cfg.ID,
		OrgID:         cfg.OrgID,
		Retryable:     true,
		MaxRetries:    3,
		Status:        dlq.StatusQueued,
		NextAttemptAt: time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)

	n, err := mgr.Tick(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	updated, err := store.GetDLQEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, dlq.StatusReplayed, updated.Status)
}

func TestReplayByTraceLinksNewTraceAndUpdatesSameEntry(t *testing.T) {
	delivery.AllowLocalTargets = true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := memory.New()
	cfg := seedIntegration(t, store, srv.URL)
	mgr, _ := newManager(t, store, nil)
	ctx := context.Background()

	entry, err := store.CreateDLQEntry(ctx, dlq.Entry{
		ID:            "dlq-2",
		TraceID:       "trace-original",
		IntegrationID: cfg.ID,
		OrgID:         cfg.OrgID,
		Retryable:     true,
		MaxRetries:    3,
		Attempts:      1,
		Status:        dlq.StatusQueued,
		NextAttemptAt: time.Now().UTC().Add(-time.Minute),
	})
	require.NoError(t, err)

	require.NoError(t, mgr.ReplayByTrace(ctx, entry.TraceID))

	all, err := store.ListDLQByIntegration(ctx, cfg.ID, 10)
	require.NoError(t, err)
	require.Len(t, all, 1, "redispatch must update the existing entry in place, not create a second row")

	updated := all[0]
	require.Equal(t, entry.ID, updated.ID)
	require.Equal(t, 2, updated.Attempts)
	require.Equal(t, dlq.StatusQueued, updated.Status)
}
