// Package delivery implements the Delivery Engine (spec.md §4.G): request
// composition (auth, headers, templating, signing), execution with
// deadlines and the URL policy, and response classification.
package delivery

import (
	"os"
	"regexp"
	"strconv"
	"time"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// TemplateContext supplies the `{{config.*}}` substitution values.
type TemplateContext struct {
	OrgID           string
	IntegrationID   string
	IntegrationName string
	Now             time.Time
}

// SubstituteString replaces every recognized `{{...}}` token in s.
// Unknown tokens pass through unmodified (spec.md §8 "template
// substitution is closed" for the supported families only).
//
// Per the Open Question in spec.md §9, this applies all three token
// families uniformly — no code path special-cases config.* vs env.* (see
// DESIGN.md).
func SubstituteString(s string, tctx TemplateContext) string {
	return tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := tokenPattern.FindStringSubmatch(match)[1]
		if resolved, ok := resolveToken(name, tctx); ok {
			return resolved
		}
		return match
	})
}

// SubstituteAny recursively substitutes string values nested in maps,
// slices, and plain strings, leaving other types untouched.
func SubstituteAny(v any, tctx TemplateContext) any {
	switch val := v.(type) {
	case string:
		return SubstituteString(val, tctx)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = SubstituteAny(vv, tctx)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = SubstituteAny(vv, tctx)
		}
		return out
	default:
		return v
	}
}

func resolveToken(name string, tctx TemplateContext) (string, bool) {
	switch {
	case name == "config.orgId":
		return tctx.OrgID, true
	case name == "config.integrationId":
		return tctx.IntegrationID, true
	case name == "config.integrationName":
		return tctx.IntegrationName, true
	case name == "date.today()":
		return dayBound(tctx, 0, false), true
	case name == "date.yesterday()":
		return dayBound(tctx, -1, false), true
	case name == "date.todayStart()":
		return dayBound(tctx, 0, false), true
	case name == "date.todayEnd()":
		return dayBound(tctx, 0, true), true
	case name == "date.now()":
		return now(tctx).Format(time.RFC3339), true
	case name == "date.timestamp()":
		return strconv.FormatInt(now(tctx).UnixMilli(), 10), true
	case len(name) > len("env.") && name[:len("env.")] == "env.":
		return os.Getenv(name[len("env."):]), true
	default:
		return "", false
	}
}

func now(tctx TemplateContext) time.Time {
	if tctx.Now.IsZero() {
		return time.Now().UTC()
	}
	return tctx.Now.UTC()
}

func dayBound(tctx TemplateContext, dayOffset int, endOfDay bool) string {
	t := now(tctx).AddDate(0, 0, dayOffset)
	if endOfDay {
		return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, time.UTC).Format(time.RFC3339)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
}

// HeadersSubstitute applies SubstituteString to every header value.
func HeadersSubstitute(headers map[string]string, tctx TemplateContext) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = SubstituteString(v, tctx)
	}
	return out
}
