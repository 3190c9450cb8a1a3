// Package inbound implements the INBOUND proxy surface (spec.md §1, §3):
// a client application calls the gateway, the gateway resolves the
// tenant's INBOUND IntegrationConfig, applies the same transformation and
// delivery machinery as OUTBOUND, and relays the upstream response back to
// the caller synchronously. Kept on its own gorilla/mux router, the way
// the teacher keeps each Marble service's HTTP surface on its own
// mux.Router separate from the plain ServeMux admin API.
package inbound

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/execution"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
	"github.com/r3e-labs/integration-gateway/internal/app/errkind"
	"github.com/r3e-labs/integration-gateway/internal/app/storage"
	"github.com/r3e-labs/integration-gateway/internal/services/condition"
	"github.com/r3e-labs/integration-gateway/internal/services/delivery"
	"github.com/r3e-labs/integration-gateway/internal/services/execlog"
	"github.com/r3e-labs/integration-gateway/internal/services/transform"
)

// Service exposes the INBOUND proxy route on its own mux.Router.
type Service struct {
	router       *mux.Router
	integrations storage.IntegrationStore
	engine       *delivery.Engine
	logs         *execlog.Recorder
	log          logrus.FieldLogger
}

// New builds the inbound proxy service and registers its route.
func New(integrations storage.IntegrationStore, engine *delivery.Engine, logs *execlog.Recorder, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logrus.New()
	}
	s := &Service{
		router:       mux.NewRouter(),
		integrations: integrations,
		engine:       engine,
		logs:         logs,
		log:          log,
	}
	s.router.HandleFunc("/inbound/{orgId}/{integrationId}", s.handleProxy).Methods(
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete)
	return s
}

// Router returns the http.Handler to mount, e.g. on a dedicated listener
// port separate from the admin surface (internal/app/httpapi).
func (s *Service) Router() http.Handler { return s.router }

func (s *Service) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	orgID, integrationID := vars["orgId"], vars["integrationId"]

	cfg, err := s.integrations.GetIntegration(ctx, integrationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "integration not found")
		return
	}
	if cfg.OrgID != orgID {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "integration does not belong to org")
		return
	}
	if cfg.Direction != integration.DirectionInbound {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "integration is not configured for INBOUND proxying")
		return
	}
	if !cfg.IsActive {
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "integration is disabled")
		return
	}

	var payload map[string]any
	if r.ContentLength != 0 {
		body, readErr := io.ReadAll(r.Body)
		if readErr != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "failed to read request body")
			return
		}
		if len(body) > 0 {
			if jsonErr := json.Unmarshal(body, &payload); jsonErr != nil {
				writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "request body must be JSON")
				return
			}
		}
	}

	now := time.Now().UTC()
	scriptCtx := transform.ScriptContext{
		OrgID:           cfg.OrgID,
		OrgUnitID:       cfg.OrgUnitID,
		EventType:       "INBOUND_PROXY",
		IntegrationID:   cfg.ID,
		IntegrationName: cfg.Name,
		Now:             now,
	}

	trace := s.logs.Start(ctx, execlog.StartInput{
		Direction:       string(integration.DirectionInbound),
		TriggerType:     execution.TriggerInbound,
		IntegrationID:   cfg.ID,
		IntegrationName: cfg.Name,
		OrgID:           cfg.OrgID,
	})

	ok, err := condition.Evaluate(ctx, cfg.Condition, payload, condition.Context(scriptCtx))
	if err != nil || !ok {
		msg := "condition not satisfied"
		if err != nil {
			msg = err.Error()
		}
		s.logs.Finish(ctx, trace.TraceID, execution.StatusSkipped, execution.ResponseSnapshot{}, msg)
		writeError(w, http.StatusOK, "SKIPPED", msg)
		return
	}

	body, err := transform.Transform(ctx, cfg.Transformation, payload, scriptCtx)
	if err != nil {
		s.logs.Finish(ctx, trace.TraceID, execution.StatusFailed, execution.ResponseSnapshot{}, err.Error())
		writeError(w, errkind.HTTPStatus(errkind.Classify(err)), "VALIDATION_ERROR", err.Error())
		return
	}

	result, err := s.engine.Execute(ctx, delivery.Request{
		IntegrationID:   cfg.ID,
		IntegrationName: cfg.Name,
		OrgID:           cfg.OrgID,
		TraceID:         trace.TraceID,
		Method:          cfg.HTTPMethod,
		URL:             cfg.TargetURL,
		Auth:            cfg.Auth,
		Signing:         cfg.Signing,
		Payload:         body,
		TimeoutMs:       cfg.TimeoutMs,
		Template:        delivery.TemplateContext{OrgID: cfg.OrgID, IntegrationID: cfg.ID, IntegrationName: cfg.Name, Now: now},
	})
	if err != nil {
		s.logs.Finish(ctx, trace.TraceID, execution.StatusFailed, execution.ResponseSnapshot{}, err.Error())
		writeError(w, http.StatusBadGateway, "INTERNAL_ERROR", err.Error())
		return
	}

	status := execution.StatusSuccess
	if !result.Success {
		status = execution.StatusFailed
	}
	s.logs.Finish(ctx, trace.TraceID, status, result.Response, result.Response.Body)

	for k, v := range result.Response.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("X-Gateway-Trace-Id", trace.TraceID)
	w.WriteHeader(result.Response.Status)
	_, _ = w.Write([]byte(result.Response.Body))
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}
