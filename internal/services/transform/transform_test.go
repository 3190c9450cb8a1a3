package transform_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
	"github.com/r3e-labs/integration-gateway/internal/services/transform"
)

func TestTransformSimpleAppliesFieldRulesAndStatics(t *testing.T) {
	cfg := integration.Transformation{
		Mode: integration.TransformSimple,
		Mappings: []integration.FieldMapping{
			{SourceField: "name", TargetField: "fullName", Transform: integration.FieldUpper},
			{SourceField: "missing", TargetField: "fallback", Transform: integration.FieldDefault, DefaultValue: "n/a"},
			{SourceField: "alsoMissing", TargetField: "omitted", Transform: integration.FieldNone},
		},
		StaticFields: []integration.KeyValue{{Key: "source", Value: "gateway"}},
	}

	out, err := transform.Transform(context.Background(), cfg, map[string]any{"name": " bob "}, transform.ScriptContext{})
	require.NoError(t, err)
	m := out.(map[string]any)
	require.Equal(t, " BOB ", m["fullName"])
	require.Equal(t, "n/a", m["fallback"])
	require.NotContains(t, m, "omitted")
	require.Equal(t, "gateway", m["source"])
}

func TestTransformScriptReturnsScriptValue(t *testing.T) {
	cfg := integration.Transformation{
		Mode:   integration.TransformScript,
		Script: `function transform(payload, context) { return {oid: payload.orderId, org: context.orgId}; }`,
	}
	out, err := transform.Transform(context.Background(), cfg, map[string]any{"orderId": 7.0}, transform.ScriptContext{OrgID: "org1"})
	require.NoError(t, err)
	m := out.(map[string]any)
	require.EqualValues(t, 7, m["oid"])
	require.Equal(t, "org1", m["org"])
}

func TestTransformScriptErrorIsClassified(t *testing.T) {
	cfg := integration.Transformation{
		Mode:   integration.TransformScript,
		Script: `function transform(payload, context) { return payload.nested.deep; }`,
	}
	_, err := transform.Transform(context.Background(), cfg, map[string]any{}, transform.ScriptContext{})
	require.Error(t, err)
}
