package delivery_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
	"github.com/r3e-labs/integration-gateway/internal/services/delivery"
)

func TestAuthResolverAPIKeyAndBasic(t *testing.T) {
	resolver := delivery.NewAuthResolver(delivery.NewTokenCache(nil), http.DefaultClient)

	req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
	require.NoError(t, resolver.Apply(context.Background(), "int-1", integration.Auth{
		Kind: integration.AuthAPIKey, HeaderName: "X-Api-Key", APIKey: "shh",
	}, req, delivery.TemplateContext{}))
	require.Equal(t, "shh", req.Header.Get("X-Api-Key"))

	req2, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
	require.NoError(t, resolver.Apply(context.Background(), "int-1", integration.Auth{
		Kind: integration.AuthBasic, Username: "u", Password: "p",
	}, req2, delivery.TemplateContext{}))
	user, pass, ok := req2.BasicAuth()
	require.True(t, ok)
	require.Equal(t, "u", user)
	require.Equal(t, "p", pass)
}

func TestAuthResolverOAuth2FetchesOnceAndCaches(t *testing.T) {
	var calls int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	resolver := delivery.NewAuthResolver(delivery.NewTokenCache(nil), tokenSrv.Client())
	auth := integration.Auth{Kind: integration.AuthOAuth2, TokenURL: tokenSrv.URL, ClientID: "cid", ClientSecret: "sec"}

	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
		require.NoError(t, resolver.Apply(context.Background(), "int-oauth2", auth, req, delivery.TemplateContext{}))
		require.Equal(t, "Bearer tok-1", req.Header.Get("Authorization"))
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestAuthResolverCustomExtractsTokenByDottedPath(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"token":"deep-token"}}`))
	}))
	defer tokenSrv.Close()

	resolver := delivery.NewAuthResolver(delivery.NewTokenCache(nil), tokenSrv.Client())
	auth := integration.Auth{
		Kind:          integration.AuthCustom,
		TokenEndpoint: tokenSrv.URL,
		TokenRequest:  map[string]any{"grant": "client"},
		TokenPath:     "data.token",
	}

	req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
	require.NoError(t, resolver.Apply(context.Background(), "int-custom", auth, req, delivery.TemplateContext{}))
	require.Equal(t, "deep-token", req.Header.Get("Authorization"))
}

func TestAuthResolverCustomHeadersTemplating(t *testing.T) {
	resolver := delivery.NewAuthResolver(delivery.NewTokenCache(nil), http.DefaultClient)
	auth := integration.Auth{
		Kind: integration.AuthCustomHeaders,
		Headers: []integration.KeyValue{
			{Key: "X-Tenant", Value: "{{config.orgId}}"},
		},
	}
	req, _ := http.NewRequest(http.MethodGet, "https://example.com", nil)
	require.NoError(t, resolver.Apply(context.Background(), "int-ch", auth, req, delivery.TemplateContext{OrgID: "org-9"}))
	require.Equal(t, "org-9", req.Header.Get("X-Tenant"))
}

func TestAuthResolverOAuth1SignsRequest(t *testing.T) {
	resolver := delivery.NewAuthResolver(delivery.NewTokenCache(nil), http.DefaultClient)
	auth := integration.Auth{
		Kind: integration.AuthOAuth1, ConsumerKey: "ck", ConsumerSecret: "cs",
		OAuthToken: "tok", OAuthSecret: "ts",
	}
	req, _ := http.NewRequest(http.MethodPost, "https://example.com/hook", nil)
	require.NoError(t, resolver.Apply(context.Background(), "int-oauth1", auth, req, delivery.TemplateContext{}))
	require.Contains(t, req.Header.Get("Authorization"), "oauth_signature=")
	require.Contains(t, req.Header.Get("Authorization"), `oauth_consumer_key="ck"`)
}
