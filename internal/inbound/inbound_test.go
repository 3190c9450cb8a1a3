package inbound_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
	"github.com/r3e-labs/integration-gateway/internal/app/storage/memory"
	"github.com/r3e-labs/integration-gateway/internal/inbound"
	"github.com/r3e-labs/integration-gateway/internal/services/delivery"
	"github.com/r3e-labs/integration-gateway/internal/services/execlog"
)

func init() {
	delivery.AllowLocalTargets = true
}

func TestHandleProxyForwardsToUpstream(t *testing.T) {
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	backend := memory.New()
	cfg, err := backend.CreateIntegration(context.Background(), integration.Config{
		ID:         "int-proxy",
		OrgID:      "org1",
		Name:       "crm-proxy",
		Direction:  integration.DirectionInbound,
		TargetURL:  upstream.URL,
		HTTPMethod: http.MethodPost,
		Transformation: integration.Transformation{
			Mode: integration.TransformSimple,
			Mappings: []integration.FieldMapping{
				{SourceField: "name", TargetField: "fullName"},
			},
		},
		IsActive:  true,
		UpdatedAt: time.Now(),
	})
	require.NoError(t, err)

	engine := delivery.NewEngine(upstream.Client(), delivery.NewTokenCache(nil), nil, nil)
	logs := execlog.New(backend, nil)
	svc := inbound.New(backend, engine, logs, nil)

	req := httptest.NewRequest(http.MethodPost, "/inbound/org1/"+cfg.ID, bytes.NewBufferString(`{"name":"ada"}`))
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, gotBody, `"fullName":"ada"`)
	require.NotEmpty(t, rec.Header().Get("X-Gateway-Trace-Id"))
}

func TestHandleProxyRejectsWrongOrg(t *testing.T) {
	backend := memory.New()
	cfg, err := backend.CreateIntegration(context.Background(), integration.Config{
		ID:        "int-proxy",
		OrgID:     "org1",
		Direction: integration.DirectionInbound,
		IsActive:  true,
		UpdatedAt: time.Now(),
	})
	require.NoError(t, err)

	engine := delivery.NewEngine(nil, delivery.NewTokenCache(nil), nil, nil)
	logs := execlog.New(backend, nil)
	svc := inbound.New(backend, engine, logs, nil)

	req := httptest.NewRequest(http.MethodPost, "/inbound/org-other/"+cfg.ID, nil)
	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}
