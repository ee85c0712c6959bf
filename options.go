package linkid

import (
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/linkgenetic/linkid-go/cache"
	"github.com/linkgenetic/linkid-go/discovery"
	"github.com/linkgenetic/linkid-go/transport"
)

// DefaultResolverURL is the canonical resolver used when none is configured.
const DefaultResolverURL = discovery.DefaultResolver

// Option configures a Client.
type Option func(*clientConfig)

// clientConfig holds client configuration.
type clientConfig struct {
	resolverURL     string
	apiKey          string
	timeout         time.Duration
	retryConfig     transport.RetryConfig
	cacheConfig     cache.Config
	headers         http.Header
	validateSSL     bool
	userAgent       string
	discoveryDomain string
	defaultResolver string
	httpClient      *http.Client
	transport       transport.Transport
	tracerProvider  trace.TracerProvider
}

// defaultConfig returns the default client configuration.
func defaultConfig() *clientConfig {
	return &clientConfig{
		resolverURL:     DefaultResolverURL,
		timeout:         transport.DefaultTimeout,
		retryConfig:     transport.DefaultRetryConfig(),
		cacheConfig:     cache.DefaultConfig(),
		headers:         http.Header{},
		validateSSL:     true,
		userAgent:       transport.DefaultUserAgent,
		defaultResolver: DefaultResolverURL,
	}
}

// WithResolverURL sets the resolver base URL (default: https://resolver.linkgenetic.com).
func WithResolverURL(u string) Option {
	return func(c *clientConfig) {
		c.resolverURL = strings.TrimRight(u, "/")
	}
}

// WithAPIKey sets the API key required by Register, Update and Withdraw.
func WithAPIKey(key string) Option {
	return func(c *clientConfig) {
		c.apiKey = key
	}
}

// WithTimeout sets the per-attempt request timeout (default: 10s).
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		c.timeout = d
	}
}

// WithRetries sets the maximum number of attempts, keeping the default backoff.
func WithRetries(attempts int) Option {
	return func(c *clientConfig) {
		c.retryConfig.Attempts = attempts
	}
}

// WithRetry replaces the retry policy.
func WithRetry(config transport.RetryConfig) Option {
	return func(c *clientConfig) {
		c.retryConfig = config
	}
}

// WithCache configures result caching.
func WithCache(config cache.Config) Option {
	return func(c *clientConfig) {
		c.cacheConfig = config
	}
}

// WithCacheTTL sets the TTL used when a response carries no max-age (default: 1h).
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *clientConfig) {
		c.cacheConfig.DefaultTTL = ttl
	}
}

// WithoutCache disables result caching.
func WithoutCache() Option {
	return func(c *clientConfig) {
		c.cacheConfig.Enabled = false
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) Option {
	return func(c *clientConfig) {
		c.headers.Set(key, value)
	}
}

// WithHeaders merges headers into those sent with every request.
func WithHeaders(h http.Header) Option {
	return func(c *clientConfig) {
		for k, vs := range h {
			c.headers[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
		}
	}
}

// WithValidateSSL toggles TLS certificate validation (default: true).
// Ignored when a custom HTTP client or transport is supplied.
func WithValidateSSL(validate bool) Option {
	return func(c *clientConfig) {
		c.validateSSL = validate
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *clientConfig) {
		c.userAgent = ua
	}
}

// WithDiscovery resolves the resolver list from domain's well-known document
// instead of using the configured resolver URL.
func WithDiscovery(domain string) Option {
	return func(c *clientConfig) {
		c.discoveryDomain = domain
	}
}

// WithDefaultResolver sets the resolver discovery falls back to.
func WithDefaultResolver(u string) Option {
	return func(c *clientConfig) {
		c.defaultResolver = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client for the resolver and discovery.
// The client should not follow redirects.
func WithHTTPClient(client *http.Client) Option {
	return func(c *clientConfig) {
		c.httpClient = client
	}
}

// WithTransport replaces the resolver transport entirely.
func WithTransport(t transport.Transport) Option {
	return func(c *clientConfig) {
		c.transport = t
	}
}

// WithTracerProvider enables tracing of client operations.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *clientConfig) {
		c.tracerProvider = tp
	}
}

// ResolveOption configures a single Resolve call.
type ResolveOption func(*resolveConfig)

// resolveConfig holds per-request configuration.
type resolveConfig struct {
	format      string
	language    string
	version     string
	timestamp   string
	metadata    bool
	bypassCache bool
	headers     http.Header
}

// WithFormat requests a media type variant (e.g. "application/pdf").
func WithFormat(format string) ResolveOption {
	return func(c *resolveConfig) {
		c.format = format
	}
}

// WithLanguage requests a language variant (e.g. "en").
func WithLanguage(lang string) ResolveOption {
	return func(c *resolveConfig) {
		c.language = lang
	}
}

// WithVersion requests a specific version.
func WithVersion(v string) ResolveOption {
	return func(c *resolveConfig) {
		c.version = v
	}
}

// WithTimestamp resolves the identifier as of t.
func WithTimestamp(t time.Time) ResolveOption {
	return func(c *resolveConfig) {
		c.timestamp = t.UTC().Format(time.RFC3339)
	}
}

// WithMetadata requests the full LinkRecord instead of a redirect.
func WithMetadata() ResolveOption {
	return func(c *resolveConfig) {
		c.metadata = true
	}
}

// WithBypassCache skips the cache lookup for this call. The fresh result is still stored.
func WithBypassCache() ResolveOption {
	return func(c *resolveConfig) {
		c.bypassCache = true
	}
}

// WithRequestHeader sets a header for this call only, overriding client headers.
func WithRequestHeader(key, value string) ResolveOption {
	return func(c *resolveConfig) {
		if c.headers == nil {
			c.headers = http.Header{}
		}
		c.headers.Set(key, value)
	}
}
