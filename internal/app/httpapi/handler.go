// Package httpapi exposes the gateway's admin/operator HTTP surface:
// health, metrics, service descriptors, execution trace introspection, DLQ
// replay, and circuit breaker overrides (spec.md §9 SUPPLEMENTED FEATURES).
// Kept on a plain net/http.ServeMux, grounded on the teacher's
// internal/app/httpapi/handler.go, and deliberately separate from the
// INBOUND proxy surface (internal/inbound), which uses gorilla/mux — the
// same split the teacher keeps between its ServeMux admin API and its
// mux.Router marble services.
package httpapi

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/r3e-labs/integration-gateway/internal/app/storage"
	"github.com/r3e-labs/integration-gateway/internal/app/system"
	"github.com/r3e-labs/integration-gateway/internal/services/circuitbreaker"
	"github.com/r3e-labs/integration-gateway/internal/services/retry"
	"github.com/r3e-labs/integration-gateway/pkg/metrics"
	"github.com/r3e-labs/integration-gateway/pkg/version"
)

// Handler bundles the admin endpoints over the application's services.
type Handler struct {
	manager    *system.Manager
	executions storage.ExecutionStore
	retryMgr   *retry.Manager
	circuits   *circuitbreaker.Registry
}

// New builds the admin HTTP surface. circuits/retryMgr may be nil, in which
// case their endpoints respond 503.
func New(manager *system.Manager, executions storage.ExecutionStore, retryMgr *retry.Manager, circuits *circuitbreaker.Registry) http.Handler {
	h := &Handler{manager: manager, executions: executions, retryMgr: retryMgr, circuits: circuits}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", h.health)
	mux.HandleFunc("/system/descriptors", h.descriptors)
	mux.HandleFunc("/system/descriptors.html", h.descriptorsHTML)
	mux.HandleFunc("/system/version", h.systemVersion)
	mux.HandleFunc("/admin/traces/", h.trace)
	mux.HandleFunc("/admin/dlq/replay-by-trace", h.replayByTrace)
	mux.HandleFunc("/admin/dlq/", h.dlqReplay)
	mux.HandleFunc("/admin/integrations/", h.circuitReset)
	return mux
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) systemVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version.FullVersion()})
}

func (h *Handler) descriptors(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Descriptors())
}

func (h *Handler) descriptorsHTML(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><table border=\"1\"><tr><th>Layer</th><th>Name</th><th>Domain</th><th>Capabilities</th></tr>")
	for _, d := range h.manager.Descriptors() {
		fmt.Fprintf(w, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>",
			html.EscapeString(string(d.Layer)), html.EscapeString(d.Name), html.EscapeString(d.Domain),
			html.EscapeString(strings.Join(d.Capabilities, ", ")))
	}
	fmt.Fprint(w, "</table></body></html>")
}

// trace serves GET /admin/traces/{traceId} as JSON, or
// /admin/traces/{traceId}.html for operator-readable debugging (spec.md §9
// supplement 1).
func (h *Handler) trace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/admin/traces/")
	asHTML := strings.HasSuffix(id, ".html")
	id = strings.TrimSuffix(id, ".html")
	if id == "" {
		http.Error(w, "trace id required", http.StatusBadRequest)
		return
	}

	log, err := h.executions.GetLog(r.Context(), id)
	if err != nil {
		http.Error(w, "trace not found", http.StatusNotFound)
		return
	}

	if asHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<html><body><h1>Trace %s</h1><p>Status: %s</p><ul>", html.EscapeString(log.TraceID), html.EscapeString(string(log.Status)))
		for _, step := range log.Steps {
			fmt.Fprintf(w, "<li>%s: %s</li>", html.EscapeString(step.Name), html.EscapeString(string(step.Status)))
		}
		fmt.Fprint(w, "</ul></body></html>")
		return
	}
	writeJSON(w, http.StatusOK, log)
}

// dlqReplay serves POST /admin/dlq/{id}/replay (spec.md §9 supplement 2).
func (h *Handler) dlqReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.retryMgr == nil {
		http.Error(w, "retry manager unavailable", http.StatusServiceUnavailable)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/admin/dlq/")
	id := strings.TrimSuffix(path, "/replay")
	if id == "" || id == path {
		http.Error(w, "expected /admin/dlq/{id}/replay", http.StatusBadRequest)
		return
	}
	if err := h.retryMgr.Replay(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "replayed"})
}

func (h *Handler) replayByTrace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.retryMgr == nil {
		http.Error(w, "retry manager unavailable", http.StatusServiceUnavailable)
		return
	}
	var body struct {
		TraceID string `json:"traceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TraceID == "" {
		http.Error(w, "traceId required", http.StatusBadRequest)
		return
	}
	if err := h.retryMgr.ReplayByTrace(r.Context(), body.TraceID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "replayed"})
}

// circuitReset serves POST /admin/integrations/{id}/circuit/reset (spec.md
// §9 supplement 3).
func (h *Handler) circuitReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.circuits == nil {
		http.Error(w, "circuit registry unavailable", http.StatusServiceUnavailable)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/admin/integrations/")
	id := strings.TrimSuffix(path, "/circuit/reset")
	if id == "" || id == path {
		http.Error(w, "expected /admin/integrations/{id}/circuit/reset", http.StatusBadRequest)
		return
	}
	if err := h.circuits.Reset(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "circuit_reset"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
