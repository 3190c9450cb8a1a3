package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/go-redis/redis/v8"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
	"github.com/r3e-labs/integration-gateway/internal/app/errkind"
)

// oauthTokenTTLSkew is subtracted from a fetched token's expires_in so the
// cache never hands out a token that is about to expire mid-flight
// (spec.md §4.G point 1: "cache token until expires_in - 30s").
const oauthTokenTTLSkew = 30 * time.Second

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// TokenCache serializes OAuth2 client-credentials refreshes per integration
// (spec.md §3 "retrieval is blocking per integration to prevent token-fetch
// thundering herds") and mirrors the result in Redis so a token fetched by
// one process is reused by others, per SPEC_FULL.md's domain-stack wiring
// for github.com/go-redis/redis/v8.
type TokenCache struct {
	redis *redis.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	local map[string]cachedToken
}

// NewTokenCache builds a cache; rdb may be nil, in which case only the
// in-process cache (still correctly serialized) is used.
func NewTokenCache(rdb *redis.Client) *TokenCache {
	return &TokenCache{
		redis: rdb,
		locks: make(map[string]*sync.Mutex),
		local: make(map[string]cachedToken),
	}
}

func (c *TokenCache) lockFor(integrationID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[integrationID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[integrationID] = l
	}
	return l
}

// Get returns a cached, still-valid token for integrationID, or fetches and
// caches a fresh one via fetch. Concurrent callers for the same
// integrationID block on one another rather than issuing parallel fetches.
func (c *TokenCache) Get(ctx context.Context, integrationID string, fetch func(ctx context.Context) (token string, expiresIn time.Duration, err error)) (string, error) {
	lock := c.lockFor(integrationID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()

	if tok, ok := c.local[integrationID]; ok && now.Before(tok.expiresAt) {
		return tok.value, nil
	}

	if c.redis != nil {
		if cached, err := c.redis.Get(ctx, redisTokenKey(integrationID)).Result(); err == nil && cached != "" {
			c.local[integrationID] = cachedToken{value: cached, expiresAt: now.Add(oauthTokenTTLSkew)}
			return cached, nil
		}
	}

	token, expiresIn, err := fetch(ctx)
	if err != nil {
		return "", err
	}

	ttl := expiresIn - oauthTokenTTLSkew
	if ttl <= 0 {
		ttl = expiresIn
	}
	c.local[integrationID] = cachedToken{value: token, expiresAt: now.Add(ttl)}
	if c.redis != nil && ttl > 0 {
		_ = c.redis.Set(ctx, redisTokenKey(integrationID), token, ttl).Err()
	}
	return token, nil
}

func redisTokenKey(integrationID string) string {
	return "gateway:oauth2:" + integrationID
}

// AuthResolver applies an integration's Auth variant to an outbound request.
type AuthResolver struct {
	tokens     *TokenCache
	httpClient *http.Client
}

// NewAuthResolver constructs a resolver sharing httpClient for token fetches.
func NewAuthResolver(tokens *TokenCache, httpClient *http.Client) *AuthResolver {
	return &AuthResolver{tokens: tokens, httpClient: httpClient}
}

// Apply mutates req's headers (and, for OAUTH1, recomputes none of the
// signature components that depend on the final body since OAuth1 here
// signs only the standard parameter set, not arbitrary JSON bodies) to
// carry the resolved auth variant, per spec.md §6.
func (r *AuthResolver) Apply(ctx context.Context, integrationID string, auth integration.Auth, req *http.Request, tctx TemplateContext) error {
	switch auth.Kind {
	case integration.AuthNone, "":
		return nil

	case integration.AuthAPIKey:
		if auth.HeaderName == "" {
			return errkind.Newf(errkind.Config, "API_KEY auth missing headerName")
		}
		req.Header.Set(auth.HeaderName, auth.APIKey)
		return nil

	case integration.AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
		return nil

	case integration.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
		return nil

	case integration.AuthOAuth1:
		return r.applyOAuth1(auth, req)

	case integration.AuthOAuth2:
		return r.applyOAuth2(ctx, integrationID, auth, req)

	case integration.AuthCustom:
		return r.applyCustom(ctx, integrationID, auth, req)

	case integration.AuthCustomHeaders:
		for _, kv := range auth.Headers {
			req.Header.Set(kv.Key, SubstituteString(kv.Value, tctx))
		}
		return nil

	default:
		return errkind.Newf(errkind.Config, "unknown auth kind %q", auth.Kind)
	}
}

func (r *AuthResolver) applyOAuth2(ctx context.Context, integrationID string, auth integration.Auth, req *http.Request) error {
	if auth.TokenURL == "" {
		return errkind.Newf(errkind.Config, "OAUTH2 auth missing tokenUrl")
	}
	token, err := r.tokens.Get(ctx, integrationID, func(ctx context.Context) (string, time.Duration, error) {
		return r.fetchOAuth2Token(ctx, auth)
	})
	if err != nil {
		return errkind.New(errkind.Auth, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (r *AuthResolver) fetchOAuth2Token(ctx context.Context, auth integration.Auth) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", auth.ClientID)
	form.Set("client_secret", auth.ClientSecret)
	if auth.Scope != "" {
		form.Set("scope", auth.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, auth.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(bodyLimit(resp.Body)).Decode(&body); err != nil {
		return "", 0, err
	}
	if resp.StatusCode >= 300 || body.AccessToken == "" {
		return "", 0, fmt.Errorf("oauth2 token endpoint returned status %d", resp.StatusCode)
	}
	if body.ExpiresIn <= 0 {
		body.ExpiresIn = 3600
	}
	return body.AccessToken, time.Duration(body.ExpiresIn) * time.Second, nil
}

func (r *AuthResolver) applyCustom(ctx context.Context, integrationID string, auth integration.Auth, req *http.Request) error {
	if auth.TokenEndpoint == "" {
		return errkind.Newf(errkind.Config, "CUSTOM auth missing tokenEndpoint")
	}
	token, err := r.tokens.Get(ctx, integrationID, func(ctx context.Context) (string, time.Duration, error) {
		return r.fetchCustomToken(ctx, auth)
	})
	if err != nil {
		return errkind.New(errkind.Auth, err)
	}
	headerName := auth.TokenHeaderName
	if headerName == "" {
		headerName = "Authorization"
	}
	req.Header.Set(headerName, token)
	return nil
}

func (r *AuthResolver) fetchCustomToken(ctx context.Context, auth integration.Auth) (string, time.Duration, error) {
	var bodyReader *bytes.Reader
	method := http.MethodPost
	if auth.TokenRequest == nil {
		method = http.MethodGet
		bodyReader = bytes.NewReader(nil)
	} else {
		payload, err := json.Marshal(auth.TokenRequest)
		if err != nil {
			return "", 0, err
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, auth.TokenEndpoint, bodyReader)
	if err != nil {
		return "", 0, err
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	var parsed any
	if err := json.NewDecoder(bodyLimit(resp.Body)).Decode(&parsed); err != nil {
		return "", 0, err
	}

	path := auth.TokenPath
	if path == "" {
		path = "token"
	}
	value, err := jsonpath.Get("$."+path, parsed)
	if err != nil {
		return "", 0, fmt.Errorf("token path %q not found in response: %w", path, err)
	}
	token, ok := value.(string)
	if !ok {
		return "", 0, fmt.Errorf("token path %q did not resolve to a string", path)
	}
	return token, time.Hour, nil
}

func (r *AuthResolver) applyOAuth1(auth integration.Auth, req *http.Request) error {
	if auth.ConsumerKey == "" || auth.ConsumerSecret == "" {
		return errkind.Newf(errkind.Config, "OAUTH1 auth missing consumerKey/consumerSecret")
	}

	nonce, err := randomNonce()
	if err != nil {
		return errkind.New(errkind.Auth, err)
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	params := map[string]string{
		"oauth_consumer_key":     auth.ConsumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": "HMAC-SHA256",
		"oauth_timestamp":        timestamp,
		"oauth_version":          "1.0",
	}
	if auth.OAuthToken != "" {
		params["oauth_token"] = auth.OAuthToken
	}

	signature := oauth1Signature(req.Method, req.URL.String(), params, auth.ConsumerSecret, auth.OAuthSecret)
	params["oauth_signature"] = signature

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var header strings.Builder
	header.WriteString("OAuth ")
	if auth.Realm != "" {
		header.WriteString(fmt.Sprintf(`realm=%q, `, auth.Realm))
	}
	for i, k := range keys {
		if i > 0 {
			header.WriteString(", ")
		}
		header.WriteString(fmt.Sprintf(`%s=%q`, k, url.QueryEscape(params[k])))
	}
	req.Header.Set("Authorization", header.String())
	return nil
}

func oauth1Signature(method, rawURL string, params map[string]string, consumerSecret, tokenSecret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(params[k]))
	}
	baseString := strings.ToUpper(method) + "&" + url.QueryEscape(baseURLWithoutQuery(rawURL)) + "&" + url.QueryEscape(strings.Join(pairs, "&"))
	signingKey := url.QueryEscape(consumerSecret) + "&" + url.QueryEscape(tokenSecret)

	mac := hmac.New(sha256.New, []byte(signingKey))
	mac.Write([]byte(baseString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func baseURLWithoutQuery(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// SignBody computes the rotating HMAC signature header value of spec.md
// §4.G point 2: `v1=hex(hmacSha256(secret, body))`, one term per configured
// signing secret so a receiver mid-rotation can validate against either.
func SignBody(secrets []string, body []byte) string {
	parts := make([]string, 0, len(secrets))
	for i, secret := range secrets {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		parts = append(parts, fmt.Sprintf("v%d=%s", i+1, hex.EncodeToString(mac.Sum(nil))))
	}
	return strings.Join(parts, ",")
}
