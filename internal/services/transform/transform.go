// Package transform implements the Transformer (spec.md §4.E): SIMPLE
// field-mapping mode and SCRIPT mode evaluated in the Secure Script Sandbox.
package transform

import (
	"context"
	"strings"
	"time"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
	"github.com/r3e-labs/integration-gateway/internal/app/errkind"
	"github.com/r3e-labs/integration-gateway/internal/sandbox"
)

// ScriptContext is injected into SCRIPT mode as the `context` argument,
// mirroring spec.md §4.E's documented context shape.
type ScriptContext struct {
	OrgID           string
	OrgUnitID       string
	EventType       string
	IntegrationID   string
	IntegrationName string
	Now             time.Time
}

func (c ScriptContext) toArg() map[string]any {
	return map[string]any{
		"orgId":           c.OrgID,
		"orgUnitId":       c.OrgUnitID,
		"eventType":       c.EventType,
		"integrationId":   c.IntegrationID,
		"integrationName": c.IntegrationName,
		"now":             c.Now.UTC().UnixMilli(),
	}
}

// DefaultTimeout matches spec.md §4.M's 60s transformation CPU cap.
const DefaultTimeout = 60 * time.Second

// Transform produces the outbound request body for t against payload, per
// spec.md §4.E. Errors are always classified TRANSFORMATION_ERROR.
func Transform(ctx context.Context, t integration.Transformation, payload map[string]any, scriptCtx ScriptContext) (any, error) {
	switch t.Mode {
	case integration.TransformScript:
		return runScript(ctx, t.Script, payload, scriptCtx)
	case integration.TransformSimple:
		return applySimple(t, payload), nil
	default:
		return nil, errkind.Newf(errkind.Transformation, "unknown transformation mode %q", t.Mode)
	}
}

func runScript(ctx context.Context, script string, payload map[string]any, scriptCtx ScriptContext) (any, error) {
	result, err := sandbox.Run(ctx, sandbox.Request{
		Script:     script,
		EntryPoint: "transform",
		Args:       []any{payload, scriptCtx.toArg()},
		Timeout:    DefaultTimeout,
	})
	if err != nil {
		return nil, errkind.New(errkind.Transformation, err)
	}
	return result.Value, nil
}

// applySimple evaluates the ordered field mappings plus static fields,
// per spec.md §4.E: missing source with transform=default emits
// defaultValue; missing without a default omits the key.
func applySimple(t integration.Transformation, payload map[string]any) map[string]any {
	out := make(map[string]any, len(t.Mappings)+len(t.StaticFields))

	for _, mapping := range t.Mappings {
		value, present := payload[mapping.SourceField]
		if !present {
			if mapping.Transform == integration.FieldDefault {
				out[mapping.TargetField] = mapping.DefaultValue
			}
			continue
		}
		out[mapping.TargetField] = applyFieldTransform(mapping, value)
	}

	for _, static := range t.StaticFields {
		out[static.Key] = static.Value
	}

	return out
}

func applyFieldTransform(mapping integration.FieldMapping, value any) any {
	switch mapping.Transform {
	case integration.FieldTrim:
		if s, ok := value.(string); ok {
			return strings.TrimSpace(s)
		}
		return value
	case integration.FieldUpper:
		if s, ok := value.(string); ok {
			return strings.ToUpper(s)
		}
		return value
	case integration.FieldLower:
		if s, ok := value.(string); ok {
			return strings.ToLower(s)
		}
		return value
	case integration.FieldDate:
		return formatAsDate(value)
	case integration.FieldDefault:
		return value
	default: // FieldNone and anything unrecognized pass through untouched.
		return value
	}
}

// formatAsDate normalizes a handful of common incoming shapes (RFC3339
// string, unix seconds/millis as float64) to RFC3339; anything else passes
// through unchanged rather than failing the whole transformation.
func formatAsDate(value any) any {
	switch v := value.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
		return v
	case float64:
		// Millisecond epoch is far more common than seconds once the value
		// exceeds year-2001-in-seconds; disambiguate by magnitude.
		if v > 1e12 {
			return time.UnixMilli(int64(v)).UTC().Format(time.RFC3339)
		}
		return time.Unix(int64(v), 0).UTC().Format(time.RFC3339)
	default:
		return value
	}
}
