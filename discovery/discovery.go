// Package discovery finds LinkID resolvers for a domain through its
// well-known resolver document.
package discovery

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/santhosh-tekuri/jsonschema/v6"
	slogcontext "github.com/veqryn/slog-context"
	"golang.org/x/sync/singleflight"
)

const (
	// WellKnownPath is where a domain publishes its resolver document.
	WellKnownPath = "/.well-known/linkid-resolver"

	// DefaultResolver is used when a domain advertises no usable resolver.
	DefaultResolver = "https://resolver.linkgenetic.com"

	// DefaultTTL is how long a domain's resolver list is reused.
	DefaultTTL = time.Hour

	// DefaultTimeout bounds a single well-known fetch.
	DefaultTimeout = 10 * time.Second

	maxDocumentSize = 1 << 20
	idTemplate      = "{id}"
	schemaURL       = "https://linkgenetic.com/schemas/linkid-resolver.json"
)

//go:embed schema.json
var documentSchema []byte

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(documentSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal resolver document schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add resolver document schema: %w", err)
	}
	return compiler.Compile(schemaURL)
})

// Document is the well-known resolver document.
type Document struct {
	Issuer    string    `json:"issuer,omitempty"`
	Endpoints Endpoints `json:"endpoints"`
	Policies  Policies  `json:"policies,omitempty"`

	// Mirrors are further resolve endpoint templates, in preference order.
	Mirrors []string `json:"mirrors,omitempty"`
}

// Endpoints holds the URL templates a resolver serves. "{id}" marks the identifier.
type Endpoints struct {
	Resolve  string `json:"resolve"`
	Metadata string `json:"metadata,omitempty"`
}

// Policies are resolver-declared constraints.
type Policies struct {
	HTTPSOnly bool            `json:"httpsOnly,omitempty"`
	RateLimit json.RawMessage `json:"rateLimit,omitempty"`
}

// BaseURL derives the resolver base URL from the resolve endpoint template by
// removing the "{id}" placeholder and the trailing "/resolve" path.
func (d *Document) BaseURL() (string, error) {
	return baseURL(d.Endpoints.Resolve, d.Policies.HTTPSOnly)
}

// BaseURLs returns the primary base URL followed by every usable mirror.
// Mirrors that are malformed or break the httpsOnly policy are skipped.
func (d *Document) BaseURLs() ([]string, error) {
	primary, err := d.BaseURL()
	if err != nil {
		return nil, err
	}
	out := []string{primary}
	for _, m := range d.Mirrors {
		base, err := baseURL(m, d.Policies.HTTPSOnly)
		if err != nil || slices.Contains(out, base) {
			continue
		}
		out = append(out, base)
	}
	return out, nil
}

func baseURL(endpoint string, httpsOnly bool) (string, error) {
	tmpl := strings.TrimSpace(endpoint)
	if i := strings.Index(tmpl, idTemplate); i >= 0 {
		tmpl = tmpl[:i]
	}
	base := strings.TrimSuffix(strings.TrimRight(tmpl, "/"), "/resolve")
	base = strings.TrimRight(base, "/")

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse resolve endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("resolve endpoint %q is not an absolute HTTP(S) URL", endpoint)
	}
	if httpsOnly && u.Scheme != "https" {
		return "", fmt.Errorf("resolve endpoint %q violates httpsOnly policy", endpoint)
	}
	return base, nil
}

// Discoverer resolves domains to resolver base URLs and caches the answer.
// It is safe for concurrent use.
type Discoverer struct {
	httpClient      *http.Client
	defaultResolver string
	ttl             time.Duration
	timeout         time.Duration
	cache           *gocache.Cache
	group           singleflight.Group
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithHTTPClient sets the client used for well-known fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Discoverer) {
		d.httpClient = client
	}
}

// WithDefaultResolver sets the fallback resolver URL.
func WithDefaultResolver(u string) Option {
	return func(d *Discoverer) {
		d.defaultResolver = strings.TrimRight(u, "/")
	}
}

// WithTTL sets how long discovered lists are cached.
func WithTTL(ttl time.Duration) Option {
	return func(d *Discoverer) {
		d.ttl = ttl
	}
}

// WithTimeout bounds each well-known fetch.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Discoverer) {
		d.timeout = timeout
	}
}

// New creates a Discoverer with its own cache.
func New(opts ...Option) *Discoverer {
	d := &Discoverer{
		defaultResolver: DefaultResolver,
		ttl:             DefaultTTL,
		timeout:         DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.httpClient == nil {
		d.httpClient = &http.Client{}
	}
	if d.ttl <= 0 {
		d.ttl = DefaultTTL
	}
	d.cache = gocache.New(d.ttl, 2*d.ttl)
	return d
}

// Discover returns the ordered resolver base URLs for domain. It never fails:
// when nothing usable is advertised the default resolver is returned. The
// result, fallback included, is cached for the configured TTL. A caller whose
// ctx ends first gets the default resolver without affecting the cache.
func (d *Discoverer) Discover(ctx context.Context, domain string) []string {
	logger := slogcontext.FromCtx(ctx).With(slog.String("realm", "discovery"), slog.String("domain", domain))

	if v, ok := d.cache.Get(domain); ok {
		logger.Log(ctx, slog.LevelDebug, "discovery cache hit")
		return clone(v.([]string))
	}

	// The fetch is shared by every caller of this domain, so it must not
	// inherit one caller's cancellation. Lookup bounds it with d.timeout.
	fetchCtx := context.WithoutCancel(ctx)
	ch := d.group.DoChan(domain, func() (any, error) {
		var resolvers []string

		doc, err := d.Lookup(fetchCtx, domain)
		if err == nil {
			resolvers, err = doc.BaseURLs()
		}
		if len(resolvers) == 0 {
			logger.Log(fetchCtx, slog.LevelDebug, "no resolver discovered, using default",
				slog.String("default", d.defaultResolver),
				slog.Any("error", err),
			)
			resolvers = []string{d.defaultResolver}
		}

		d.cache.Set(domain, resolvers, d.ttl)
		return resolvers, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			logger.Log(ctx, slog.LevelDebug, "discovery shared with concurrent caller")
		}
		return clone(res.Val.([]string))
	case <-ctx.Done():
		// Not cached: the fetch keeps running for other callers.
		logger.Log(ctx, slog.LevelDebug, "discovery abandoned by caller, using default",
			slog.Any("error", ctx.Err()),
		)
		return []string{d.defaultResolver}
	}
}

// Lookup fetches and validates the well-known document for domain without
// caching or fallback.
func (d *Discoverer) Lookup(ctx context.Context, domain string) (*Document, error) {
	if domain == "" {
		return nil, errors.New("domain is required")
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	u := "https://" + domain + WellKnownPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", u, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	return ParseDocument(body)
}

// ParseDocument validates body against the resolver document schema and decodes it.
func ParseDocument(body []byte) (*Document, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode resolver document: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("invalid resolver document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode resolver document: %w", err)
	}
	return &doc, nil
}

// Invalidate forgets the cached list for domain.
func (d *Discoverer) Invalidate(domain string) {
	d.cache.Delete(domain)
}

// Close drops every cached list.
func (d *Discoverer) Close() {
	d.cache.Flush()
}

func clone(s []string) []string {
	return append([]string(nil), s...)
}
