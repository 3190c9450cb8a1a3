package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/r3e-labs/integration-gateway/internal/app/domain/execution"
	"github.com/r3e-labs/integration-gateway/internal/app/domain/integration"
	"github.com/r3e-labs/integration-gateway/internal/app/errkind"
	"github.com/r3e-labs/integration-gateway/internal/app/redact"
)

const (
	// maxResponseBytes bounds the response snapshot per spec.md §4.G's
	// "responseBody ≤ 100 KB" size cap.
	maxResponseBytes = 100 * 1024
	// maxTokenResponseBytes bounds auth token endpoint responses similarly;
	// these are small JSON documents, never event payloads.
	maxTokenResponseBytes = 100 * 1024
	// warnPayloadBytes is the soft threshold past which a transformed
	// payload is logged rather than rejected (spec.md §4.G "~1 MB warn").
	warnPayloadBytes = 1024 * 1024

	// DefaultTimeout matches spec.md §4.G's default request deadline.
	DefaultTimeout = 10 * time.Second
)

func bodyLimit(r io.Reader) io.Reader {
	return io.LimitReader(r, maxTokenResponseBytes)
}

// Request describes one physical HTTP attempt the Delivery Engine should
// make: a matched integration (or one action of a multi-action integration)
// against an already-transformed payload.
type Request struct {
	IntegrationID   string
	IntegrationName string
	OrgID           string
	TraceID         string
	ActionIndex     int
	AttemptNumber   int

	Method  string
	URL     string
	Headers []integration.KeyValue
	Auth    integration.Auth
	Signing integration.Signing

	Payload   any
	TimeoutMs int

	Template TemplateContext
}

// Result is everything the Execution Logger and Retry & DLQ Manager need
// to record the attempt and decide on a retry, without either depending on
// net/http directly.
type Result struct {
	Request  execution.RequestSnapshot
	Response execution.ResponseSnapshot
	Attempt  execution.DeliveryAttempt

	Success    bool
	Category   execution.ErrorCategory
	RetryAfter time.Duration
}

// Engine executes outbound HTTP deliveries per spec.md §4.G.
type Engine struct {
	httpClient *http.Client
	auth       *AuthResolver
	limiter    *rate.Limiter
	log        logrus.FieldLogger
}

// NewEngine builds an Engine. limiter may be nil to disable client-side
// rate shaping; log may be nil to discard soft warnings.
func NewEngine(httpClient *http.Client, tokens *TokenCache, limiter *rate.Limiter, log logrus.FieldLogger) *Engine {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		httpClient: httpClient,
		auth:       NewAuthResolver(tokens, httpClient),
		limiter:    limiter,
		log:        log,
	}
}

// Execute builds, sends and classifies one outbound request.
func (e *Engine) Execute(ctx context.Context, req Request) (Result, error) {
	targetURL := SubstituteString(req.URL, req.Template)
	if err := CheckURL(targetURL); err != nil {
		return e.failResult(req, errkind.URLPolicy, err), nil
	}

	bodyBytes, err := e.encodeBody(req.Payload, req.Template)
	if err != nil {
		return e.failResult(req, errkind.Transformation, err), nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, targetURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return e.failResult(req, errkind.Config, err), nil
	}
	e.composeHeaders(httpReq, req, bodyBytes)

	if err := e.auth.Apply(ctx, req.IntegrationID, req.Auth, httpReq, req.Template); err != nil {
		return e.failResult(req, errkind.Classify(err), err), nil
	}

	requestSnapshot := execution.RequestSnapshot{
		URL:     targetURL,
		Method:  req.Method,
		Headers: redact.Headers(flattenHeader(httpReq.Header)),
		Body:    capString(string(bodyBytes), warnPayloadBytes, e.log),
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return e.failResultWithRequest(req, requestSnapshot, errkind.Timeout, err), nil
		}
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	httpReq = httpReq.WithContext(attemptCtx)

	start := time.Now()
	resp, err := e.httpClient.Do(httpReq)
	elapsed := time.Since(start)

	if err != nil {
		category := errkind.Network
		if attemptCtx.Err() == context.DeadlineExceeded {
			category = errkind.Timeout
		}
		result := e.failResultWithRequest(req, requestSnapshot, category, err)
		result.Attempt.ResponseTimeMs = elapsed.Milliseconds()
		return result, nil
	}
	defer resp.Body.Close()

	rawBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	responseSnapshot := execution.ResponseSnapshot{
		Status:  resp.StatusCode,
		Headers: redact.Headers(flattenHeader(resp.Header)),
		Body:    string(rawBody),
	}

	success, category := classifyStatus(resp.StatusCode)
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

	status := execution.StatusSuccess
	errMsg := ""
	if !success {
		status = execution.StatusFailed
		errMsg = fmt.Sprintf("upstream returned status %d", resp.StatusCode)
	}

	attempt := execution.DeliveryAttempt{
		DeliveryLogID:  req.TraceID,
		AttemptNumber:  req.AttemptNumber,
		Status:         status,
		ResponseStatus: resp.StatusCode,
		ResponseTimeMs: elapsed.Milliseconds(),
		ErrorMessage:   errMsg,
		ErrorCategory:  category,
		RequestPayload: requestSnapshot.Body,
		AttemptedAt:    start.UTC(),
	}

	return Result{
		Request:    requestSnapshot,
		Response:   responseSnapshot,
		Attempt:    attempt,
		Success:    success,
		Category:   category,
		RetryAfter: retryAfter,
	}, nil
}

func (e *Engine) encodeBody(payload any, tctx TemplateContext) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	substituted := SubstituteAny(payload, tctx)
	return json.Marshal(substituted)
}

func (e *Engine) composeHeaders(httpReq *http.Request, req Request, body []byte) {
	httpReq.Header.Set("Content-Type", "application/json")
	for _, kv := range req.Headers {
		httpReq.Header.Set(kv.Key, SubstituteString(kv.Value, req.Template))
	}
	if req.Signing.Enabled && len(req.Signing.SigningSecrets) > 0 {
		httpReq.Header.Set("X-Signature", SignBody(req.Signing.SigningSecrets, body))
	}
}

func (e *Engine) failResult(req Request, category execution.ErrorCategory, err error) Result {
	return e.failResultWithRequest(req, execution.RequestSnapshot{URL: req.URL, Method: req.Method}, category, err)
}

func (e *Engine) failResultWithRequest(req Request, snapshot execution.RequestSnapshot, category execution.ErrorCategory, err error) Result {
	return Result{
		Request:  snapshot,
		Success:  false,
		Category: category,
		Attempt: execution.DeliveryAttempt{
			DeliveryLogID: req.TraceID,
			AttemptNumber: req.AttemptNumber,
			Status:        execution.StatusFailed,
			ErrorMessage:  err.Error(),
			ErrorCategory: category,
			AttemptedAt:   time.Now().UTC(),
		},
	}
}

// classifyStatus implements spec.md §4.G point 5. The HTTP_TRANSIENT_ERROR
// category is retryable, HTTP_CLIENT_ERROR is not (execution.ErrorCategory
// carries that via its own Retryable method).
func classifyStatus(status int) (success bool, category execution.ErrorCategory) {
	switch {
	case status >= 200 && status < 300:
		return true, ""
	case status == 408 || status == 425 || status == 429 || status >= 500:
		return false, execution.ErrHTTPTransient
	case status >= 400:
		return false, execution.ErrHTTPClient
	default:
		return false, execution.ErrHTTPTransient
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := time.ParseDuration(header + "s"); err == nil {
		return seconds
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func capString(s string, limit int, log logrus.FieldLogger) string {
	if len(s) <= limit {
		return s
	}
	log.WithField("size", len(s)).Warn("delivery: transformed payload exceeds soft size threshold")
	return s
}
