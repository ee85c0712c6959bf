package linkid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	slogcontext "github.com/veqryn/slog-context"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/linkgenetic/linkid-go/cache"
	"github.com/linkgenetic/linkid-go/discovery"
	"github.com/linkgenetic/linkid-go/transport"
)

const (
	tracerName   = "github.com/linkgenetic/linkid-go"
	acceptHeader = "application/linkid+json, application/json, */*"
)

// Span attribute keys.
const (
	AttrLinkID     = "linkid.id"
	AttrCached     = "linkid.cached"
	AttrResolver   = "linkid.resolver"
	AttrResultKind = "linkid.result_kind"
	AttrErrorCode  = "linkid.error_code"
	AttrStatusCode = "http.response.status_code"
)

// Client resolves and manages LinkIDs.
// It is safe for concurrent use from multiple goroutines.
type Client struct {
	config    *clientConfig
	transport transport.Transport
	cache     cache.Cache[*ResolutionResult]
	discovery *discovery.Discoverer
	tracer    trace.Tracer
	closed    atomic.Bool
}

// New creates a new LinkID client with the given options.
//
// Example:
//
//	// Read-only client against the default resolver
//	client, err := linkid.New()
//
//	// Client allowed to register and update identifiers
//	client, err := linkid.New(
//	    linkid.WithResolverURL("https://resolver.example.org"),
//	    linkid.WithAPIKey("your-api-key"),
//	)
func New(opts ...Option) (*Client, error) {
	config := defaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	httpClient := config.httpClient
	if httpClient == nil {
		httpClient = transport.NewHTTPClient(config.userAgent, !config.validateSSL)
	}

	t := config.transport
	if t == nil {
		t = transport.NewHTTP(
			transport.WithHTTPClient(httpClient),
			transport.WithRetry(config.retryConfig),
			transport.WithTimeout(config.timeout),
		)
	}

	var resultCache cache.Cache[*ResolutionResult]
	if config.cacheConfig.Enabled {
		resultCache = cache.NewMemory[*ResolutionResult](config.cacheConfig)
	} else {
		resultCache = cache.Noop[*ResolutionResult]{}
	}

	tp := config.tracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}

	return &Client{
		config:    config,
		transport: t,
		cache:     resultCache,
		discovery: discovery.New(
			discovery.WithHTTPClient(httpClient),
			discovery.WithDefaultResolver(config.defaultResolver),
			discovery.WithTimeout(config.timeout),
		),
		tracer: tp.Tracer(tracerName),
	}, nil
}

// MustNew creates a new LinkID client with the given options.
// Panics if the configuration is invalid.
func MustNew(opts ...Option) *Client {
	client, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return client
}

// validateConfig validates the client configuration.
func validateConfig(config *clientConfig) error {
	if config.discoveryDomain == "" {
		u, err := url.Parse(config.resolverURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("resolver URL must be an absolute HTTP(S) URL, got %q", config.resolverURL)
		}
	}
	if config.timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if config.retryConfig.Attempts < 1 {
		return fmt.Errorf("retries must be at least 1, got %d", config.retryConfig.Attempts)
	}
	if config.cacheConfig.MaxEntries < 0 {
		return fmt.Errorf("cache max entries cannot be negative")
	}
	if config.cacheConfig.DefaultTTL < 0 {
		return fmt.Errorf("cache TTL cannot be negative")
	}
	return nil
}

// Resolve looks up id and returns either a redirect or a metadata result.
//
// Example:
//
//	res, err := client.Resolve(ctx, "linkid:7e96f229-21c3-4a3d-a6cf-ef7d8dd70f24",
//	    linkid.WithLanguage("en"),
//	)
//	if linkid.IsNotFound(err) {
//	    // Unknown identifier
//	}
func (c *Client) Resolve(ctx context.Context, id string, opts ...ResolveOption) (*ResolutionResult, error) {
	ctx, span := c.startSpan(ctx, "linkid.Resolve", id)
	defer span.End()

	res, err := c.resolve(ctx, id, opts)
	if err == nil {
		span.SetAttributes(
			attribute.Bool(AttrCached, res.Cached),
			attribute.String(AttrResolver, res.Resolver),
			attribute.String(AttrResultKind, res.Kind.String()),
		)
	}
	finishSpan(span, err)
	return res, err
}

func (c *Client) resolve(ctx context.Context, id string, opts []ResolveOption) (*ResolutionResult, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if err := Validate(id); err != nil {
		return nil, err
	}

	rc := &resolveConfig{}
	for _, opt := range opts {
		opt(rc)
	}

	logger := slogcontext.FromCtx(ctx).With(slog.String("realm", "linkid"), slog.String("id", id))
	canonical := Normalize(id)
	key := cacheKey(canonical, rc)

	if !rc.bypassCache {
		if cached, ok := c.cache.Get(key); ok {
			logger.Log(ctx, slog.LevelDebug, "cache hit", slog.String("key", key))
			res := cached.clone()
			res.Cached = true
			return res, nil
		}
	}

	resolvers := c.resolvers(ctx)
	requestID := uuid.NewString()

	var lastErr error
	for i, base := range resolvers {
		req := &transport.Request{
			Method: http.MethodGet,
			URL:    resolveURL(base, canonical, rc),
			Header: c.buildHeaders(requestID, rc.headers, false),
		}

		resp, err := c.transport.Send(ctx, req)
		if err != nil {
			lastErr = classifyTransportError(err)
		} else {
			trace.SpanFromContext(ctx).SetAttributes(attribute.Int(AttrStatusCode, resp.StatusCode))
			res, err := interpret(resp, base, id, canonical)
			if err == nil {
				c.store(ctx, key, res, resp.Header.Get("Cache-Control"))
				return res, nil
			}
			lastErr = err
		}

		if !IsRetryable(lastErr) || i == len(resolvers)-1 {
			break
		}
		logger.Log(ctx, slog.LevelDebug, "resolver failed, trying next",
			slog.String("resolver", base),
			slog.String("next", resolvers[i+1]),
			slog.Any("error", lastErr),
		)
	}
	return nil, lastErr
}

// interpret turns a resolver response into a result or a classified error.
func interpret(resp *transport.Response, base, id, canonical string) (*ResolutionResult, error) {
	switch {
	case resp.IsRedirect():
		location := resp.Header.Get("Location")
		if location == "" {
			return nil, &Error{
				Kind:       KindHTTP,
				StatusCode: resp.StatusCode,
				LinkID:     id,
				Message:    fmt.Sprintf("HTTP %d redirect without Location header", resp.StatusCode),
			}
		}
		return &ResolutionResult{
			Kind:      ResultRedirect,
			LinkID:    canonical,
			Resolver:  resolverUsed(resp, base),
			TargetURI: absoluteLocation(base, location),
			Quality:   parseQuality(resp.Header.Get("X-LinkID-Quality")),
		}, nil

	case resp.StatusCode == http.StatusOK:
		var record LinkRecord
		if err := json.Unmarshal(resp.Body, &record); err != nil {
			return nil, &Error{
				Kind:       KindHTTP,
				StatusCode: resp.StatusCode,
				LinkID:     id,
				Message:    "decode link record",
				Err:        err,
			}
		}
		return &ResolutionResult{
			Kind:     ResultMetadata,
			LinkID:   canonical,
			Resolver: resolverUsed(resp, base),
			Record:   &record,
		}, nil

	default:
		return nil, classifyResponse(resp, id)
	}
}

// store caches res unless the response forbids it.
func (c *Client) store(ctx context.Context, key string, res *ResolutionResult, cacheControl string) {
	ttl, ok := parseCacheControl(cacheControl)
	if !ok {
		slogcontext.FromCtx(ctx).Log(ctx, slog.LevelDebug, "response not cacheable",
			slog.String("realm", "linkid"),
			slog.String("key", key),
		)
		return
	}
	c.cache.Set(key, res.clone(), ttl)
}

// Register creates a new LinkID pointing at req.TargetURI.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	ctx, span := c.startSpan(ctx, "linkid.Register", "")
	defer span.End()

	reg, err := c.register(ctx, req)
	if err == nil && reg.Identifier() != "" {
		span.SetAttributes(attribute.String(AttrLinkID, reg.Identifier()))
	}
	finishSpan(span, err)
	return reg, err
}

func (c *Client) register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if err := c.requireAPIKey("register"); err != nil {
		return nil, err
	}
	if err := ValidateTargetURI(req.TargetURI); err != nil {
		return nil, err
	}

	resp, err := c.write(ctx, http.MethodPost, "/register", req)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, classifyResponse(resp, "")
	}

	reg := &Registration{Raw: json.RawMessage(resp.Body)}
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, reg); err != nil {
			return nil, &Error{Kind: KindHTTP, StatusCode: resp.StatusCode, Message: "decode registration", Err: err}
		}
	}
	return reg, nil
}

// Update changes the targets or metadata of id. Every cached variant of id is
// invalidated on success. The returned record is nil when the resolver sends no body.
func (c *Client) Update(ctx context.Context, id string, req UpdateRequest) (*LinkRecord, error) {
	ctx, span := c.startSpan(ctx, "linkid.Update", id)
	defer span.End()

	record, err := c.update(ctx, id, req)
	finishSpan(span, err)
	return record, err
}

func (c *Client) update(ctx context.Context, id string, req UpdateRequest) (*LinkRecord, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if err := Validate(id); err != nil {
		return nil, err
	}
	if err := c.requireAPIKey("update"); err != nil {
		return nil, err
	}
	if req.TargetURI != "" {
		if err := ValidateTargetURI(req.TargetURI); err != nil {
			return nil, err
		}
	}

	canonical := Normalize(id)
	resp, err := c.write(ctx, http.MethodPut, "/resolve/"+url.PathEscape(canonical), req)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, classifyResponse(resp, id)
	}
	c.invalidate(ctx, canonical)

	if len(strings.TrimSpace(string(resp.Body))) == 0 {
		return nil, nil
	}
	var record LinkRecord
	if err := json.Unmarshal(resp.Body, &record); err != nil {
		return nil, &Error{Kind: KindHTTP, StatusCode: resp.StatusCode, LinkID: id, Message: "decode link record", Err: err}
	}
	return &record, nil
}

// Withdraw retires id. Every cached variant of id is invalidated on success.
func (c *Client) Withdraw(ctx context.Context, id string, req WithdrawRequest) error {
	ctx, span := c.startSpan(ctx, "linkid.Withdraw", id)
	defer span.End()

	err := c.withdraw(ctx, id, req)
	finishSpan(span, err)
	return err
}

func (c *Client) withdraw(ctx context.Context, id string, req WithdrawRequest) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := Validate(id); err != nil {
		return err
	}
	if err := c.requireAPIKey("withdraw"); err != nil {
		return err
	}

	var payload any
	if !req.isZero() {
		payload = req
	}

	canonical := Normalize(id)
	resp, err := c.write(ctx, http.MethodDelete, "/resolve/"+url.PathEscape(canonical), payload)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return classifyResponse(resp, id)
	}
	c.invalidate(ctx, canonical)
	return nil
}

// write sends a JSON write request to the primary resolver. Writes never fail over.
func (c *Client) write(ctx context.Context, method, path string, payload any) (*transport.Response, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	base := c.resolvers(ctx)[0]
	resp, err := c.transport.Send(ctx, &transport.Request{
		Method: method,
		URL:    base + path,
		Header: c.buildHeaders(uuid.NewString(), nil, body != nil),
		Body:   body,
	})
	if err != nil {
		return nil, classifyTransportError(err)
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int(AttrStatusCode, resp.StatusCode),
		attribute.String(AttrResolver, base),
	)
	return resp, nil
}

func (c *Client) requireAPIKey(op string) error {
	if c.config.apiKey == "" {
		return &Error{Kind: KindValidation, Message: "API key required for " + op}
	}
	return nil
}

// Discover returns the resolver base URLs advertised by domain, falling back
// to the default resolver. It never fails.
func (c *Client) Discover(ctx context.Context, domain string) []string {
	return c.discovery.Discover(ctx, domain)
}

// InvalidateCache drops every cached variant of id and reports how many were removed.
func (c *Client) InvalidateCache(id string) (int, error) {
	if err := Validate(id); err != nil {
		return 0, err
	}
	return c.cache.Delete(invalidationPattern(Normalize(id))), nil
}

// ClearCache drops all cached results and resets cache statistics.
func (c *Client) ClearCache() {
	c.cache.Clear()
}

// CacheStats reports cache effectiveness.
func (c *Client) CacheStats() cache.Stats {
	return c.cache.Stats()
}

// Close releases resources held by the client. Later operations fail with ErrClientClosed.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cache.Clear()
	c.discovery.Close()
	return nil
}

func (c *Client) invalidate(ctx context.Context, canonical string) {
	n := c.cache.Delete(invalidationPattern(canonical))
	slogcontext.FromCtx(ctx).Log(ctx, slog.LevelDebug, "cache invalidated",
		slog.String("realm", "linkid"),
		slog.String("id", canonical),
		slog.Int("removed", n),
	)
}

// resolvers returns the ordered resolver base URLs for this client.
func (c *Client) resolvers(ctx context.Context) []string {
	if c.config.discoveryDomain != "" {
		if found := c.discovery.Discover(ctx, c.config.discoveryDomain); len(found) > 0 {
			return found
		}
	}
	return []string{c.config.resolverURL}
}

// buildHeaders layers default, configured and per-call headers, later layers winning.
func (c *Client) buildHeaders(requestID string, perCall http.Header, jsonBody bool) http.Header {
	h := http.Header{}
	h.Set("User-Agent", c.config.userAgent)
	h.Set("Accept", acceptHeader)
	h.Set("X-Request-ID", requestID)
	if jsonBody {
		h.Set("Content-Type", "application/json")
	}
	if c.config.apiKey != "" {
		h.Set("Authorization", "ApiKey "+c.config.apiKey)
	}
	for k, vs := range c.config.headers {
		h[k] = append([]string(nil), vs...)
	}
	for k, vs := range perCall {
		h[k] = append([]string(nil), vs...)
	}
	return h
}

func (c *Client) startSpan(ctx context.Context, name, id string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	if id != "" {
		span.SetAttributes(attribute.String(AttrLinkID, id))
	}
	return ctx, span
}

func finishSpan(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	var e *Error
	if errors.As(err, &e) {
		span.SetAttributes(attribute.String(AttrErrorCode, e.Code()))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// resolveURL builds GET {base}/resolve/{id} with the negotiated query parameters.
func resolveURL(base, canonical string, rc *resolveConfig) string {
	q := url.Values{}
	if rc.format != "" {
		q.Set("format", rc.format)
	}
	if rc.language != "" {
		q.Set("lang", rc.language)
	}
	if rc.version != "" {
		q.Set("version", rc.version)
	}
	if rc.timestamp != "" {
		q.Set("at", rc.timestamp)
	}
	if rc.metadata {
		q.Set("metadata", "true")
	}

	u := base + "/resolve/" + url.PathEscape(canonical)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// cacheKey derives the cache key for a resolve call. Option values are
// query-escaped so they cannot forge separators or wildcards.
func cacheKey(canonical string, rc *resolveConfig) string {
	meta := "0"
	if rc.metadata {
		meta = "1"
	}
	return fmt.Sprintf("linkid:%s|fmt=%s|lang=%s|ver=%s|at=%s|meta=%s",
		canonical,
		url.QueryEscape(rc.format),
		url.QueryEscape(rc.language),
		url.QueryEscape(rc.version),
		url.QueryEscape(rc.timestamp),
		meta,
	)
}

// invalidationPattern matches every cache key of canonical.
func invalidationPattern(canonical string) string {
	return "linkid:" + canonical + "|*"
}

func resolverUsed(resp *transport.Response, base string) string {
	if r := resp.Header.Get("X-LinkID-Resolver"); r != "" {
		return r
	}
	return base
}

// absoluteLocation resolves a relative Location against the resolver base.
func absoluteLocation(base, location string) string {
	loc, err := url.Parse(location)
	if err != nil || loc.IsAbs() {
		return location
	}
	b, err := url.Parse(base + "/")
	if err != nil {
		return location
	}
	return b.ResolveReference(loc).String()
}
