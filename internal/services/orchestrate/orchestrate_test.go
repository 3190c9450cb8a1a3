package orchestrate_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/event"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/execution"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
	"github.com/r3e-labs/integration-gateway/internal/app/storage/memory"
	"github.com/r3e-labs/integration-gateway/internal/services/delivery"
	"github.com/r3e-labs/integration-gateway/internal/services/execlog"
	"github.com/r3e-labs/integration-gateway/internal/services/matcher"
	"github.com/r3e-labs/integration-gateway/internal/services/orchestrate"
	"github.com/r3e-labs/integration-gateway/internal/services/retry"
)

func init() {
	delivery.AllowLocalTargets = true
}

func TestDispatchDeliversMatchedIntegration(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	backend := memory.New()
	ctx := context.Background()

	_, err := backend.CreateIntegration(ctx, integration.Config{
		ID:         "int-1",
		OrgID:      "org1",
		Name:       "orders-webhook",
		Direction:  integration.DirectionOutbound,
		EventType:  "ORDER_CREATED",
		Scope:      integration.ScopeEntityOnly,
		OrgUnitID:  "unit1",
		TargetURL:  srv.URL,
		HTTPMethod: http.MethodPost,
		Transformation: integration.Transformation{
			Mode: integration.TransformSimple,
			Mappings: []integration.FieldMapping{
				{SourceField: "orderId", TargetField: "oid"},
			},
		},
		DeliveryMode: integration.DeliveryImmediate,
		IsActive:     true,
		UpdatedAt:    time.Now(),
	})
	require.NoError(t, err)

	m := matcher.New(backend)
	logs := execlog.New(backend, nil)
	engine := delivery.NewEngine(srv.Client(), delivery.NewTokenCache(nil), nil, nil)
	mgr := retry.New(backend, backend, logs, engine, nil, retry.Config{}, nil)
	dispatcher := orchestrate.New(m, backend, mgr, logs, nil, nil)

	e := event.Event{
		EventID:   "evt-1",
		OrgID:     "org1",
		OrgUnitID: "unit1",
		EventType: "ORDER_CREATED",
		Payload:   map[string]any{"orderId": float64(7)},
	}

	dispatcher.Dispatch(ctx, e)

	require.Contains(t, gotBody, `"oid":7`)

	logList, err := backend.ListLogsByEvent(ctx, "evt-1")
	require.NoError(t, err)
	require.Len(t, logList, 1)
	require.Equal(t, execution.StatusSuccess, logList[0].Status)
}

func TestDispatchSkipsNonMatchingScope(t *testing.T) {
	backend := memory.New()
	ctx := context.Background()

	_, err := backend.CreateIntegration(ctx, integration.Config{
		ID:        "int-1",
		OrgID:     "org1",
		OrgUnitID: "unit-other",
		Direction: integration.DirectionOutbound,
		EventType: "ORDER_CREATED",
		Scope:     integration.ScopeEntityOnly,
		IsActive:  true,
		UpdatedAt: time.Now(),
	})
	require.NoError(t, err)

	m := matcher.New(backend)
	logs := execlog.New(backend, nil)
	engine := delivery.NewEngine(nil, delivery.NewTokenCache(nil), nil, nil)
	mgr := retry.New(backend, backend, logs, engine, nil, retry.Config{}, nil)
	dispatcher := orchestrate.New(m, backend, mgr, logs, nil, nil)

	e := event.Event{EventID: "evt-1", OrgID: "org1", OrgUnitID: "unit1", EventType: "ORDER_CREATED"}
	dispatcher.Dispatch(ctx, e)

	logList, err := backend.ListLogsByEvent(ctx, "evt-1")
	require.NoError(t, err)
	require.Empty(t, logList)
}
