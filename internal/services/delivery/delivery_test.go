package delivery_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
	"github.com/r3e-labs/integration-gateway/internal/services/delivery"
)

func init() {
	delivery.AllowLocalTargets = true
}

func TestExecuteSuccessAppliesBearerAuthAndTemplating(t *testing.T) {
	var gotAuth, gotHeader, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotHeader = r.Header.Get("X-Org")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine := delivery.NewEngine(srv.Client(), delivery.NewTokenCache(nil), nil, nil)

	result, err := engine.Execute(context.Background(), delivery.Request{
		IntegrationID: "int-1",
		TraceID:       "trace-1",
		Method:        http.MethodPost,
		URL:           srv.URL,
		Headers:       []integration.KeyValue{{Key: "X-Org", Value: "{{config.orgId}}"}},
		Auth:          integration.Auth{Kind: integration.AuthBearer, Token: "abc123"},
		Payload:       map[string]any{"oid": 7},
		Template:      delivery.TemplateContext{OrgID: "org-1"},
	})

	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "Bearer abc123", gotAuth)
	require.Equal(t, "org-1", gotHeader)
	require.Contains(t, gotBody, `"oid":7`)
	require.Equal(t, http.StatusOK, result.Response.Status)
}

func TestExecuteClassifiesTransientVsClientErrors(t *testing.T) {
	var status int32 = 503
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	engine := delivery.NewEngine(srv.Client(), delivery.NewTokenCache(nil), nil, nil)

	result, err := engine.Execute(context.Background(), delivery.Request{
		TraceID: "trace-2",
		Method:  http.MethodGet,
		URL:     srv.URL,
	})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "HTTP_TRANSIENT_ERROR", string(result.Category))

	atomic.StoreInt32(&status, 400)
	result, err = engine.Execute(context.Background(), delivery.Request{
		TraceID: "trace-3",
		Method:  http.MethodGet,
		URL:     srv.URL,
	})
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "HTTP_CLIENT_ERROR", string(result.Category))
}

func TestExecuteSignsBodyWithRotatingSecrets(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine := delivery.NewEngine(srv.Client(), delivery.NewTokenCache(nil), nil, nil)
	_, err := engine.Execute(context.Background(), delivery.Request{
		TraceID: "trace-4",
		Method:  http.MethodPost,
		URL:     srv.URL,
		Payload: map[string]any{"x": 1},
		Signing: integration.Signing{Enabled: true, SigningSecrets: []string{"s1", "s2"}},
	})
	require.NoError(t, err)
	require.Contains(t, gotSig, "v1=")
	require.Contains(t, gotSig, "v2=")
}

func TestCheckURLBlocksPrivateHostsWhenNotAllowlisted(t *testing.T) {
	delivery.AllowLocalTargets = false
	defer func() { delivery.AllowLocalTargets = true }()

	err := delivery.CheckURL("http://127.0.0.1/hook")
	require.Error(t, err)

	err = delivery.CheckURL("https://example.com/hook")
	require.NoError(t, err)
}
