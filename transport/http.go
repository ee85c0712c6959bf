package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	slogcontext "github.com/veqryn/slog-context"
)

const (
	// DefaultTimeout is the per-attempt timeout when none is configured.
	DefaultTimeout = 10 * time.Second

	// DefaultUserAgent identifies this client to resolvers.
	DefaultUserAgent = "linkid-go/1.0"

	// maxBodySize bounds how much of a response body is read.
	maxBodySize = 10 << 20
)

// HTTP sends requests over HTTP(S) with per-attempt timeouts and retries.
// It is safe for concurrent use.
type HTTP struct {
	httpClient         *http.Client
	retry              RetryConfig
	timeout            time.Duration
	userAgent          string
	insecureSkipVerify bool
	sleep              func(ctx context.Context, d time.Duration) error
}

// HTTPOption configures an HTTP transport.
type HTTPOption func(*HTTP)

// WithHTTPClient sets a custom HTTP client. Its CheckRedirect is preserved;
// callers that want redirect classification must not follow redirects.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(h *HTTP) {
		h.httpClient = client
	}
}

// WithRetry sets the retry policy.
func WithRetry(config RetryConfig) HTTPOption {
	return func(h *HTTP) {
		h.retry = config
	}
}

// WithTimeout sets the default per-attempt timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTP) {
		h.timeout = d
	}
}

// WithUserAgent sets the User-Agent sent on every request.
func WithUserAgent(ua string) HTTPOption {
	return func(h *HTTP) {
		h.userAgent = ua
	}
}

// WithInsecureSkipVerify disables TLS certificate validation (NOT RECOMMENDED).
// Ignored when a custom HTTP client is supplied.
func WithInsecureSkipVerify(skip bool) HTTPOption {
	return func(h *HTTP) {
		h.insecureSkipVerify = skip
	}
}

// NewHTTP creates a new HTTP transport.
func NewHTTP(opts ...HTTPOption) *HTTP {
	h := &HTTP{
		retry:     DefaultRetryConfig(),
		timeout:   DefaultTimeout,
		userAgent: DefaultUserAgent,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.httpClient == nil {
		h.httpClient = NewHTTPClient(h.userAgent, h.insecureSkipVerify)
	}
	return h
}

// NewHTTPClient builds an *http.Client that never follows redirects and
// injects userAgent into requests that do not already carry one.
func NewHTTPClient(userAgent string, insecureSkipVerify bool) *http.Client {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   10,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: insecureSkipVerify, //nolint:gosec // G402: opt-in via validateSSL=false
		},
	}

	return &http.Client{
		Transport: &userAgentTransport{base: base, userAgent: userAgent},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// userAgentTransport wraps an http.RoundTripper and injects a User-Agent header.
type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" || t.userAgent == "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(req)
}

// Send issues the request, retrying network failures and 5xx responses.
func (h *HTTP) Send(ctx context.Context, req *Request) (*Response, error) {
	logger := slogcontext.FromCtx(ctx).With(slog.String("realm", "transport"))

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = h.timeout
	}

	r := newRetryer(h.retry, h.sleep)
	var lastErr error

	for r.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := h.attempt(ctx, req, timeout)
		var reqErr *RequestError
		switch {
		case errors.As(err, &reqErr):
			return nil, err
		case err != nil:
			// The caller gave up; this is not a transient failure.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = err
		case resp.StatusCode >= 500:
			lastErr = &StatusError{StatusCode: resp.StatusCode}
		default:
			resp.Attempts = r.Attempt()
			return resp, nil
		}

		logger.Log(ctx, slog.LevelDebug, "attempt failed",
			slog.String("method", req.Method),
			slog.String("url", req.URL),
			slog.Int("attempt", r.Attempt()),
			slog.String("error", lastErr.Error()),
		)

		if r.Last() {
			break
		}
		if err := r.Wait(ctx); err != nil {
			return nil, err
		}
	}

	return nil, &ExhaustedError{Attempts: r.Attempt(), Err: lastErr}
}

// attempt performs a single request bounded by timeout and reads the full body.
func (h *HTTP) attempt(ctx context.Context, req *Request, timeout time.Duration) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, &RequestError{Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("attempt timed out after %s: %w", timeout, err)
		}
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// Ensure HTTP implements Transport.
var _ Transport = (*HTTP)(nil)
