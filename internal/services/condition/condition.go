// Package condition evaluates the boolean expression gating a delivery or
// multi-action sub-action (spec.md §4.F) in the Secure Script Sandbox.
package condition

import (
	"context"
	"strings"
	"time"

	"github.com/r3e-labs/integration-gateway/internal/sandbox"
)

// Context mirrors the script context injected for transformation/scheduling
// scripts (spec.md §4.E), reused here for condition evaluation.
type Context struct {
	OrgID           string
	OrgUnitID       string
	EventType       string
	IntegrationID   string
	IntegrationName string
	Now             time.Time
}

func (c Context) toArg() map[string]any {
	return map[string]any{
		"orgId":           c.OrgID,
		"orgUnitId":       c.OrgUnitID,
		"eventType":       c.EventType,
		"integrationId":   c.IntegrationID,
		"integrationName": c.IntegrationName,
		"now":             c.Now.UTC().UnixMilli(),
	}
}

// DefaultTimeout bounds condition script execution; conditions are small
// expressions and don't need the full transformation CPU budget.
const DefaultTimeout = 2 * time.Second

// Evaluate runs expr as `function condition(event, context) { return ...; }`
// against payload/ctx. A blank expression is treated as "always true"
// (spec.md §4.F gates are opt-in). null/undefined/empty results evaluate to
// false per spec.md §4.F.
func Evaluate(ctx context.Context, expr string, payload map[string]any, scriptCtx Context) (bool, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return true, nil
	}

	script := "function condition(event, context) { return (" + trimmed + "); }"
	result, err := sandbox.Run(ctx, sandbox.Request{
		Script:     script,
		EntryPoint: "condition",
		Args:       []any{payload, scriptCtx.toArg()},
		Timeout:    DefaultTimeout,
	})
	if err != nil {
		return false, err
	}
	return truthy(result.Value), nil
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	default:
		return true
	}
}
