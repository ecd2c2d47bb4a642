package resilience

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Error messages surfaced in RequestResult.ErrorMessage.
const (
	errCircuitOpen         = "circuit_open"
	errTimeout             = "timeout"
	errInvalidResponseBody = "invalid_response_body"
)

// maxResponseBodySize caps how much of a response body is read (1MB).
const maxResponseBodySize = 1 << 20

// AuthScheme identifies how outgoing requests are authenticated.
type AuthScheme string

const (
	AuthNone   AuthScheme = "none"
	AuthBearer AuthScheme = "bearer"
	AuthAPIKey AuthScheme = "api_key"
	AuthOAuth2 AuthScheme = "oauth2"
)

// AuthConfig holds the credentials for one service. Which fields are required
// depends on the scheme; missing credentials are a construction error.
type AuthConfig struct {
	Scheme AuthScheme

	// Token is the bearer token for AuthBearer.
	Token string

	// APIKeyHeader is the header name carrying the key for AuthAPIKey.
	APIKeyHeader string

	// APIKey is the key value for AuthAPIKey.
	APIKey string

	// AccessToken is the OAuth2 access token for AuthOAuth2.
	AccessToken string
}

// ServiceConfig describes one probed destination: where it lives, how to
// authenticate against it, and the failure-handling policy that governs it.
type ServiceConfig struct {
	// Name identifies the service in logs, metrics and the registry.
	Name string

	// BaseURL is the service's base endpoint, e.g. "https://api.example.com/v1".
	BaseURL string

	// Auth is the outgoing authentication scheme and credentials.
	Auth AuthConfig

	// Timeout is the per-attempt request timeout. Default: 10 seconds.
	Timeout time.Duration

	// Breaker configures the service's circuit breaker.
	// Zero value means DefaultBreakerConfig.
	Breaker BreakerConfig

	// Retry configures the service's retry policy.
	// Zero value means DefaultRetryConfig.
	Retry RetryConfig
}

// RequestOptions carries optional per-request parameters.
type RequestOptions struct {
	// Headers are extra headers set on the request.
	Headers map[string]string

	// Query is appended to the target URL.
	Query url.Values

	// Body is JSON-encoded as the request body when non-nil.
	Body any
}

// RequestResult is the uniform outcome of one logical request, including all
// of its retries. It is immutable once produced; callers branch on Success
// and never need to guard against errors from the client.
type RequestResult struct {
	// Success is true for a 2xx response with a decodable body.
	Success bool

	// StatusCode is the last observed HTTP status, 0 if no response was
	// obtained (timeout or transport error).
	StatusCode int

	// Data is the decoded JSON payload, nil when the body was empty or the
	// request failed.
	Data any

	// ErrorMessage classifies the failure: circuit_open, http_error:<status>,
	// timeout, transport_error:<detail> or invalid_response_body.
	// Empty on success.
	ErrorMessage string

	// RetryAttempts counts retries actually performed: 0 when the first
	// attempt succeeded or the failure was non-retryable.
	RetryAttempts int

	// CircuitBreakerTriggered is true when the call was refused by an open
	// circuit breaker without any network I/O.
	CircuitBreakerTriggered bool
}

// Doer issues a single HTTP request. *http.Client satisfies it; tests and
// embedders may substitute any transport honoring this contract.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client issues requests to one service with circuit breaking and retries.
// It owns that service's circuit breaker exclusively; breakers are never
// shared across destinations.
type Client struct {
	svc       ServiceConfig
	transport Doer
	breaker   *Breaker
	logger    zerolog.Logger
	metrics   *Metrics
	registry  *Registry
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTransport substitutes the HTTP transport.
func WithTransport(d Doer) ClientOption {
	return func(c *Client) { c.transport = d }
}

// WithLogger sets the client logger. Default is a no-op logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics enables OpenTelemetry metrics for this client.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithRegistry registers the client in a health registry and records every
// request outcome there for UI display.
func WithRegistry(r *Registry) ClientOption {
	return func(c *Client) { c.registry = r }
}

// NewClient creates a resilient client for one service.
//
// Configuration problems (missing base URL, unknown auth scheme, missing
// credentials, invalid breaker or retry parameters) are fatal here and never
// surface per-call.
func NewClient(svc ServiceConfig, opts ...ClientOption) (*Client, error) {
	if svc.Name == "" {
		return nil, errors.New("service name is required")
	}
	if svc.BaseURL == "" {
		return nil, fmt.Errorf("service %q: base URL is required", svc.Name)
	}
	if svc.Timeout == 0 {
		svc.Timeout = 10 * time.Second
	}
	if svc.Breaker == (BreakerConfig{}) {
		svc.Breaker = DefaultBreakerConfig()
	}
	if svc.Retry == (RetryConfig{}) {
		svc.Retry = DefaultRetryConfig()
	}

	if err := validateAuth(svc.Auth); err != nil {
		return nil, fmt.Errorf("service %q: %w", svc.Name, err)
	}
	if err := svc.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("service %q: invalid retry config: %w", svc.Name, err)
	}

	c := &Client{
		svc:    svc,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = &http.Client{Timeout: svc.Timeout}
	}

	breaker, err := NewBreaker(svc.Breaker, WithStateChangeHook(func(from, to BreakerState) {
		c.logger.Warn().
			Str("service", svc.Name).
			Stringer("from", from).
			Stringer("to", to).
			Msg("circuit breaker state changed")
		c.metrics.recordBreakerTransition(svc.Name, from, to)
	}))
	if err != nil {
		return nil, fmt.Errorf("service %q: %w", svc.Name, err)
	}
	c.breaker = breaker

	if c.registry != nil {
		c.registry.Register(c)
	}
	return c, nil
}

// Name returns the service name this client probes.
func (c *Client) Name() string {
	return c.svc.Name
}

// Breaker exposes the service's circuit breaker for health display.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// MakeRequest issues one logical request to the service, applying the
// service's circuit breaker and retry policy. Ordinary failures (non-2xx
// statuses, timeouts, transport errors, an open breaker) are folded into the
// returned RequestResult and never raised.
func (c *Client) MakeRequest(ctx context.Context, method, path string, opts *RequestOptions) RequestResult {
	start := time.Now()
	target := joinURL(c.svc.BaseURL, path)
	if opts != nil && len(opts.Query) > 0 {
		target += "?" + opts.Query.Encode()
	}

	if !c.breaker.CanExecute() {
		c.logger.Warn().
			Str("service", c.svc.Name).
			Str("path", path).
			Msg("request refused: circuit breaker open")
		res := RequestResult{
			StatusCode:              http.StatusServiceUnavailable,
			ErrorMessage:            errCircuitOpen,
			CircuitBreakerTriggered: true,
		}
		c.metrics.recordRequest(ctx, c.svc.Name, errCircuitOpen, time.Since(start), 0)
		if c.registry != nil {
			c.registry.Record(c.svc.Name, res)
		}
		return res
	}

	var body []byte
	if opts != nil && opts.Body != nil {
		encoded, err := json.Marshal(opts.Body)
		if err != nil {
			// No I/O happened, so the breaker is not updated.
			return RequestResult{
				ErrorMessage: "transport_error:encode request body: " + err.Error(),
			}
		}
		body = encoded
	}

	var res RequestResult
	for attempt := 0; attempt < c.svc.Retry.MaxAttempts; attempt++ {
		out := c.doAttempt(ctx, method, target, body, opts)
		res = RequestResult{
			Success:       out.success,
			StatusCode:    out.status,
			Data:          out.data,
			ErrorMessage:  out.errMsg,
			RetryAttempts: attempt,
		}

		if out.breakerSuccess {
			c.breaker.RecordSuccess()
		} else {
			c.breaker.RecordFailure()
		}

		if out.breakerSuccess || !out.retryable {
			break
		}

		c.logger.Debug().
			Str("service", c.svc.Name).
			Str("path", path).
			Int("attempt", attempt+1).
			Int("status", out.status).
			Str("error", out.errMsg).
			Msg("request attempt failed")

		if attempt == c.svc.Retry.MaxAttempts-1 {
			break
		}
		if err := sleepCtx(ctx, Delay(c.svc.Retry, attempt)); err != nil {
			break
		}
	}

	outcome := res.ErrorMessage
	if res.Success {
		outcome = "success"
	}
	c.metrics.recordRequest(ctx, c.svc.Name, outcome, time.Since(start), res.RetryAttempts)
	if c.registry != nil {
		c.registry.Record(c.svc.Name, res)
	}
	return res
}

// attemptOutcome is the classified result of a single request attempt.
type attemptOutcome struct {
	success        bool
	breakerSuccess bool
	retryable      bool
	status         int
	data           any
	errMsg         string
}

func (c *Client) doAttempt(ctx context.Context, method, target string, body []byte, opts *RequestOptions) attemptOutcome {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return attemptOutcome{errMsg: "transport_error:" + err.Error()}
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts != nil {
		for key, value := range opts.Headers {
			req.Header.Set(key, value)
		}
	}
	c.applyAuth(req.Header)

	resp, err := c.transport.Do(req)
	if err != nil {
		if isTimeout(err) {
			return attemptOutcome{retryable: true, errMsg: errTimeout}
		}
		return attemptOutcome{retryable: true, errMsg: "transport_error:" + err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		if isTimeout(err) {
			return attemptOutcome{retryable: true, status: 0, errMsg: errTimeout}
		}
		return attemptOutcome{retryable: true, errMsg: "transport_error:" + err.Error()}
	}

	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		out := attemptOutcome{breakerSuccess: true, status: status}
		if len(payload) == 0 {
			out.success = true
			return out
		}
		var data any
		if err := json.Unmarshal(payload, &data); err != nil {
			// The destination answered; only the payload is unusable.
			out.errMsg = errInvalidResponseBody
			return out
		}
		out.success = true
		out.data = data
		return out

	case status >= 400 && status < 500:
		return attemptOutcome{status: status, errMsg: fmt.Sprintf("http_error:%d", status)}

	default:
		return attemptOutcome{retryable: true, status: status, errMsg: fmt.Sprintf("http_error:%d", status)}
	}
}

// applyAuth stamps the service's authentication scheme onto request headers.
func (c *Client) applyAuth(h http.Header) {
	switch c.svc.Auth.Scheme {
	case AuthBearer:
		h.Set("Authorization", "Bearer "+c.svc.Auth.Token)
	case AuthAPIKey:
		h.Set(c.svc.Auth.APIKeyHeader, c.svc.Auth.APIKey)
	case AuthOAuth2:
		h.Set("Authorization", "Bearer "+c.svc.Auth.AccessToken)
	}
}

func validateAuth(a AuthConfig) error {
	switch a.Scheme {
	case "", AuthNone:
		return nil
	case AuthBearer:
		if a.Token == "" {
			return errors.New("bearer auth requires a token")
		}
	case AuthAPIKey:
		if a.APIKeyHeader == "" || a.APIKey == "" {
			return errors.New("api key auth requires a header name and key")
		}
	case AuthOAuth2:
		if a.AccessToken == "" {
			return errors.New("oauth2 auth requires an access token")
		}
	default:
		return fmt.Errorf("unknown auth scheme %q", a.Scheme)
	}
	return nil
}

// joinURL joins a base endpoint and a path with exactly one separating slash,
// regardless of trailing or leading slashes on either side.
func joinURL(base, path string) string {
	b := strings.TrimRight(base, "/")
	p := strings.TrimLeft(path, "/")
	if p == "" {
		return b
	}
	return b + "/" + p
}

// sleepCtx waits for d without blocking other callers, returning early if the
// context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isTimeout reports whether err represents a deadline or network timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
