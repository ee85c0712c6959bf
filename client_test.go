package linkid

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkgenetic/linkid-go/transport"
)

const (
	testID    = "7e96f229-21c3-4a3d-a6cf-ef7d8dd70f24"
	testIDURI = "linkid:" + testID
)

// resolverStub is an httptest resolver that counts requests.
type resolverStub struct {
	server *httptest.Server
	calls  atomic.Int32

	mu       sync.Mutex
	requests []*http.Request
	bodies   []string
	handler  http.HandlerFunc
}

func newResolverStub(t *testing.T, handler http.HandlerFunc) *resolverStub {
	t.Helper()
	s := &resolverStub{handler: handler}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, r.Clone(context.Background()))
		s.bodies = append(s.bodies, string(body))
		h := s.handler
		s.mu.Unlock()
		h(w, r)
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *resolverStub) setHandler(h http.HandlerFunc) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *resolverStub) last() (*http.Request, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1], s.bodies[len(s.bodies)-1]
}

func newTestClient(t *testing.T, stub *resolverStub, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithResolverURL(stub.server.URL),
		WithRetry(transport.RetryConfig{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}),
	}
	client, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func redirectTo(target string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", target)
		w.WriteHeader(http.StatusFound)
	}
}

func TestResolve_Redirect(t *testing.T) {
	stub := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/resolve/"+testID, r.URL.Path)
		w.Header().Set("Location", "https://example.com/paper.pdf")
		w.Header().Set("X-LinkID-Quality", "0.85")
		w.Header().Set("X-LinkID-Resolver", "https://mirror.example.org")
		w.WriteHeader(http.StatusTemporaryRedirect)
	})
	client := newTestClient(t, stub)

	res, err := client.Resolve(context.Background(), testIDURI)
	require.NoError(t, err)
	assert.True(t, res.IsRedirect())
	assert.Equal(t, testID, res.LinkID)
	assert.Equal(t, "https://example.com/paper.pdf", res.TargetURI)
	require.NotNil(t, res.Quality)
	assert.InDelta(t, 0.85, *res.Quality, 1e-9)
	assert.Equal(t, "https://mirror.example.org", res.Resolver)
	assert.False(t, res.Cached)
	assert.Nil(t, res.Record)
}

func TestResolve_RedirectDefaults(t *testing.T) {
	stub := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/content/1")
		w.Header().Set("X-LinkID-Quality", "high")
		w.WriteHeader(http.StatusMovedPermanently)
	})
	client := newTestClient(t, stub)

	res, err := client.Resolve(context.Background(), testID)
	require.NoError(t, err)
	assert.Nil(t, res.Quality, "non-numeric quality is ignored")
	assert.Equal(t, stub.server.URL, res.Resolver)
	assert.Equal(t, stub.server.URL+"/content/1", res.TargetURI)
}

func TestResolve_RedirectWithoutLocation(t *testing.T) {
	stub := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	})
	client := newTestClient(t, stub)

	_, err := client.Resolve(context.Background(), testID)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindHTTP, e.Kind)
	assert.Equal(t, http.StatusFound, e.StatusCode)
}

func TestResolve_Metadata(t *testing.T) {
	stub := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("metadata"))
		w.Header().Set("Content-Type", "application/linkid+json")
		_, _ = w.Write([]byte(`{
			"id": "` + testID + `",
			"status": "active",
			"issuer": "example.org",
			"records": [
				{"uri": "https://example.com/a", "status": "active", "mediaType": "text/html", "quality": 0.9},
				{"uri": "https://example.com/b", "status": "deprecated"}
			],
			"signatures": [{"alg": "ed25519", "sig": "abc"}]
		}`))
	})
	client := newTestClient(t, stub)

	res, err := client.Resolve(context.Background(), testID, WithMetadata())
	require.NoError(t, err)
	assert.True(t, res.IsMetadata())
	require.NotNil(t, res.Record)
	assert.Equal(t, StatusActive, res.Record.Status)
	assert.Len(t, res.Record.Records, 2)
	assert.Len(t, res.Record.ActiveRecords(), 1)
	assert.JSONEq(t, `[{"alg": "ed25519", "sig": "abc"}]`, string(res.Record.Signatures))
	assert.Empty(t, res.TargetURI)
}

func TestResolve_MalformedMetadata(t *testing.T) {
	stub := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})
	client := newTestClient(t, stub)

	_, err := client.Resolve(context.Background(), testID)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindHTTP, e.Kind)
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestResolve_RequestShape(t *testing.T) {
	stub := newResolverStub(t, redirectTo("https://example.com"))
	client := newTestClient(t, stub,
		WithAPIKey("secret"),
		WithHeader("X-Tenant", "acme"),
		WithHeader("X-Override", "client"),
	)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err := client.Resolve(context.Background(), testID,
		WithFormat("application/pdf"),
		WithLanguage("en"),
		WithVersion("2"),
		WithTimestamp(at),
		WithMetadata(),
		WithRequestHeader("X-Override", "call"),
	)
	require.NoError(t, err)

	r, _ := stub.last()
	q := r.URL.Query()
	assert.Equal(t, "application/pdf", q.Get("format"))
	assert.Equal(t, "en", q.Get("lang"))
	assert.Equal(t, "2", q.Get("version"))
	assert.Equal(t, "2024-05-01T12:00:00Z", q.Get("at"))
	assert.Equal(t, "true", q.Get("metadata"))

	assert.Equal(t, acceptHeader, r.Header.Get("Accept"))
	assert.Equal(t, transport.DefaultUserAgent, r.Header.Get("User-Agent"))
	assert.Equal(t, "ApiKey secret", r.Header.Get("Authorization"))
	assert.Equal(t, "acme", r.Header.Get("X-Tenant"))
	assert.Equal(t, "call", r.Header.Get("X-Override"))
	assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
}

func TestResolve_InvalidIdentifierMakesNoRequest(t *testing.T) {
	stub := newResolverStub(t, redirectTo("https://example.com"))
	client := newTestClient(t, stub, WithAPIKey("secret"))
	ctx := context.Background()

	invalid := []string{
		"",
		"linkid:",
		"short",
		strings.Repeat("a", 31),
		strings.Repeat("a", 65),
		strings.Repeat("a", 31) + "/",
		strings.Repeat("a", 31) + " ",
		strings.Repeat("é", 20),
	}
	for _, id := range invalid {
		_, err := client.Resolve(ctx, id)
		assert.True(t, IsValidation(err), "resolve %q: %v", id, err)

		_, err = client.Update(ctx, id, UpdateRequest{TargetURI: "https://example.com"})
		assert.True(t, IsValidation(err), "update %q: %v", id, err)

		err = client.Withdraw(ctx, id, WithdrawRequest{})
		assert.True(t, IsValidation(err), "withdraw %q: %v", id, err)

		_, err = client.InvalidateCache(id)
		assert.True(t, IsValidation(err), "invalidate %q: %v", id, err)
	}

	assert.Equal(t, int32(0), stub.calls.Load())
}

func TestResolve_SecondCallIsCached(t *testing.T) {
	stub := newResolverStub(t, redirectTo("https://example.com/a"))
	client := newTestClient(t, stub)
	ctx := context.Background()

	first, err := client.Resolve(ctx, testID, WithLanguage("en"))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := client.Resolve(ctx, testID, WithLanguage("en"))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.TargetURI, second.TargetURI)
	assert.Equal(t, int32(1), stub.calls.Load())

	// The prefixed form shares the cache entry.
	third, err := client.Resolve(ctx, testIDURI, WithLanguage("en"))
	require.NoError(t, err)
	assert.True(t, third.Cached)

	// A different variant does not.
	_, err = client.Resolve(ctx, testID, WithLanguage("fr"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), stub.calls.Load())

	stats := client.CacheStats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, uint64(2), stats.Hits)
}

func TestResolve_CachedResultIsNotShared(t *testing.T) {
	stub := newResolverStub(t, redirectTo("https://example.com/a"))
	client := newTestClient(t, stub)

	first, err := client.Resolve(context.Background(), testID)
	require.NoError(t, err)
	first.TargetURI = "mutated"

	second, err := client.Resolve(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", second.TargetURI)
}

func TestResolve_CachedMetadataIsNotShared(t *testing.T) {
	stub := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"id": "` + testID + `",
			"status": "active",
			"records": [{"uri": "https://example.com/a", "quality": 0.9, "metadata": {"k": "v"}}],
			"policy": {"ttl": 60}
		}`))
	})
	client := newTestClient(t, stub)
	ctx := context.Background()

	first, err := client.Resolve(ctx, testID, WithMetadata())
	require.NoError(t, err)
	first.Record.Status = StatusWithdrawn
	first.Record.Records[0].URI = "https://mutated.example"
	*first.Record.Records[0].Quality = 0.1
	first.Record.Records[0].Metadata[2] = 'X'
	first.Record.Policy[2] = 'X'

	second, err := client.Resolve(ctx, testID, WithMetadata())
	require.NoError(t, err)
	require.True(t, second.Cached)
	second.Record.Records = append(second.Record.Records[:0], ResolutionRecord{URI: "https://other.example"})

	third, err := client.Resolve(ctx, testID, WithMetadata())
	require.NoError(t, err)
	require.True(t, third.Cached)
	assert.Equal(t, StatusActive, third.Record.Status)
	require.Len(t, third.Record.Records, 1)
	assert.Equal(t, "https://example.com/a", third.Record.Records[0].URI)
	assert.InDelta(t, 0.9, *third.Record.Records[0].Quality, 1e-9)
	assert.JSONEq(t, `{"k": "v"}`, string(third.Record.Records[0].Metadata))
	assert.JSONEq(t, `{"ttl": 60}`, string(third.Record.Policy))
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestResolve_BypassCacheAlwaysRequests(t *testing.T) {
	stub := newResolverStub(t, redirectTo("https://example.com/a"))
	client := newTestClient(t, stub)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := client.Resolve(ctx, testID, WithBypassCache())
		require.NoError(t, err)
		assert.False(t, res.Cached)
	}
	assert.Equal(t, int32(3), stub.calls.Load())
}

func TestResolve_CachingDisabled(t *testing.T) {
	stub := newResolverStub(t, redirectTo("https://example.com/a"))
	client := newTestClient(t, stub, WithoutCache())

	for i := 0; i < 2; i++ {
		res, err := client.Resolve(context.Background(), testID)
		require.NoError(t, err)
		assert.False(t, res.Cached)
	}
	assert.Equal(t, int32(2), stub.calls.Load())
	assert.Equal(t, 0, client.CacheStats().Size)
}

func TestResolve_ExpiredEntryIsPurged(t *testing.T) {
	stub := newResolverStub(t, redirectTo("https://example.com/a"))
	client := newTestClient(t, stub, WithCacheTTL(50*time.Millisecond))
	ctx := context.Background()

	_, err := client.Resolve(ctx, testID)
	require.NoError(t, err)
	require.Equal(t, 1, client.CacheStats().Size)

	time.Sleep(80 * time.Millisecond)

	stub.setHandler(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err = client.Resolve(ctx, testID)
	require.True(t, IsNotFound(err))
	assert.Equal(t, 0, client.CacheStats().Size, "expired entry must be removed on access")
	assert.Equal(t, int32(2), stub.calls.Load())
}

func TestResolve_CacheControl(t *testing.T) {
	tests := []struct {
		name         string
		cacheControl string
		wantCached   bool
	}{
		{"max-age", "public, max-age=600", true},
		{"absent", "", true},
		{"max-age zero", "max-age=0", false},
		{"no-store", "no-store", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.cacheControl != "" {
					w.Header().Set("Cache-Control", tt.cacheControl)
				}
				redirectTo("https://example.com")(w, r)
			})
			client := newTestClient(t, stub)

			_, err := client.Resolve(context.Background(), testID)
			require.NoError(t, err)
			res, err := client.Resolve(context.Background(), testID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCached, res.Cached)
		})
	}
}

func TestUpdate_InvalidatesCachedVariants(t *testing.T) {
	const otherID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

	var target atomic.Value
	target.Store("https://example.com/old")
	stub := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			target.Store("https://example.com/new")
			_, _ = w.Write([]byte(`{"id":"` + testID + `","status":"active","records":[{"uri":"https://example.com/new"}]}`))
		default:
			redirectTo(target.Load().(string))(w, r)
		}
	})
	client := newTestClient(t, stub, WithAPIKey("secret"))
	ctx := context.Background()

	_, err := client.Resolve(ctx, testID)
	require.NoError(t, err)
	_, err = client.Resolve(ctx, testID, WithLanguage("en"))
	require.NoError(t, err)
	_, err = client.Resolve(ctx, otherID)
	require.NoError(t, err)
	require.Equal(t, 3, client.CacheStats().Size)

	record, err := client.Update(ctx, testIDURI, UpdateRequest{TargetURI: "https://example.com/new"})
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "https://example.com/new", record.Records[0].URI)

	assert.Equal(t, 1, client.CacheStats().Size, "only the updated identifier is invalidated")

	res, err := client.Resolve(ctx, testID)
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, "https://example.com/new", res.TargetURI)
}

func TestUpdate_RequestShape(t *testing.T) {
	stub := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	client := newTestClient(t, stub, WithAPIKey("secret"))

	record, err := client.Update(context.Background(), testID, UpdateRequest{
		TargetURI: "https://example.com/new",
		Language:  "en",
	})
	require.NoError(t, err)
	assert.Nil(t, record)

	r, body := stub.last()
	assert.Equal(t, http.MethodPut, r.Method)
	assert.Equal(t, "/resolve/"+testID, r.URL.Path)
	assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	assert.Equal(t, "ApiKey secret", r.Header.Get("Authorization"))
	assert.JSONEq(t, `{"targetUri":"https://example.com/new","language":"en"}`, body)
}

func TestWithdraw(t *testing.T) {
	stub := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		redirectTo("https://example.com")(w, r)
	})
	client := newTestClient(t, stub, WithAPIKey("secret"))
	ctx := context.Background()

	_, err := client.Resolve(ctx, testID)
	require.NoError(t, err)

	err = client.Withdraw(ctx, testID, WithdrawRequest{Reason: "duplicate"})
	require.NoError(t, err)
	assert.Equal(t, 0, client.CacheStats().Size)

	r, body := stub.last()
	assert.Equal(t, http.MethodDelete, r.Method)
	assert.JSONEq(t, `{"reason":"duplicate"}`, body)

	require.NoError(t, client.Withdraw(ctx, testID, WithdrawRequest{}))
	_, body = stub.last()
	assert.Empty(t, body)
}

func TestWrites_RequireAPIKey(t *testing.T) {
	stub := newResolverStub(t, redirectTo("https://example.com"))
	client := newTestClient(t, stub)
	ctx := context.Background()

	_, err := client.Register(ctx, RegisterRequest{TargetURI: "https://example.com"})
	require.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "API key required for register")

	_, err = client.Update(ctx, testID, UpdateRequest{})
	require.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "API key required for update")

	err = client.Withdraw(ctx, testID, WithdrawRequest{})
	require.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "API key required for withdraw")

	assert.Equal(t, int32(0), stub.calls.Load())
}

func TestRegister(t *testing.T) {
	stub := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/register", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"` + testID + `","targetUri":"https://example.com/doc","created":"2024-05-01T00:00:00Z"}`))
	})
	client := newTestClient(t, stub, WithAPIKey("secret"))

	reg, err := client.Register(context.Background(), RegisterRequest{
		TargetURI: "https://example.com/doc",
		MediaType: "text/html",
		Metadata:  map[string]any{"title": "Doc"},
	})
	require.NoError(t, err)
	assert.Equal(t, testID, reg.Identifier())
	assert.Equal(t, "https://example.com/doc", reg.TargetURI)
	assert.NotEmpty(t, reg.Raw)

	_, body := stub.last()
	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &sent))
	assert.Equal(t, "https://example.com/doc", sent["targetUri"])
	assert.Equal(t, "text/html", sent["mediaType"])
}

func TestRegister_InvalidTarget(t *testing.T) {
	stub := newResolverStub(t, redirectTo("https://example.com"))
	client := newTestClient(t, stub, WithAPIKey("secret"))

	for _, target := range []string{"", "example.com/doc", "ftp://example.com/doc", "https://"} {
		_, err := client.Register(context.Background(), RegisterRequest{TargetURI: target})
		assert.True(t, IsValidation(err), "target %q", target)
	}
	assert.Equal(t, int32(0), stub.calls.Load())
}

func TestRegister_ServerRejects(t *testing.T) {
	stub := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"target not reachable"}`))
	})
	client := newTestClient(t, stub, WithAPIKey("secret"))

	_, err := client.Register(context.Background(), RegisterRequest{TargetURI: "https://example.com"})
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindValidation, e.Kind)
	assert.Equal(t, "target not reachable", e.Message)
}

func TestResolve_NotFoundCarriesIdentifierWithoutRetry(t *testing.T) {
	stub := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	client := newTestClient(t, stub)

	_, err := client.Resolve(context.Background(), testIDURI)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsRetryable(err))

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, testIDURI, e.LinkID)
	assert.Equal(t, CodeNotFound, e.Code())
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestResolve_WithdrawnCarriesTombstone(t *testing.T) {
	const tombstone = `{"reason":"retracted","withdrawnAt":"2024-01-01T00:00:00Z","supersededBy":"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb","extra":{"k":[1,2]}}`
	stub := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte(`{"error":"LinkID withdrawn","tombstone":` + tombstone + `}`))
	})
	client := newTestClient(t, stub)

	_, err := client.Resolve(context.Background(), testID)
	require.True(t, IsWithdrawn(err))

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, testID, e.LinkID)
	assert.Equal(t, tombstone, string(e.Tombstone), "tombstone must be passed through byte for byte")
	assert.Equal(t, "LinkID withdrawn", e.Message)

	ts, err := e.DecodeTombstone()
	require.NoError(t, err)
	assert.Equal(t, "retracted", ts.Reason)
	assert.Equal(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", ts.SupersededBy)
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestResolve_ServerErrorExhaustsRetries(t *testing.T) {
	stub := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	client := newTestClient(t, stub)

	_, err := client.Resolve(context.Background(), testID)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindNetwork, e.Kind)
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, http.StatusInternalServerError, e.StatusCode)
	assert.Equal(t, int32(3), stub.calls.Load())
}

func TestResolve_RequestIDStableAcrossRetries(t *testing.T) {
	var ids sync.Map
	var n atomic.Int32
	stub := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
		ids.Store(r.Header.Get("X-Request-ID"), true)
		if n.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		redirectTo("https://example.com")(w, r)
	})
	client := newTestClient(t, stub)

	_, err := client.Resolve(context.Background(), testID)
	require.NoError(t, err)

	count := 0
	ids.Range(func(any, any) bool { count++; return true })
	assert.Equal(t, 1, count)
}

// newDiscoveryClient serves a well-known document over TLS that lists the
// given resolvers and returns a client configured to discover them.
func newDiscoveryClient(t *testing.T, resolvers ...string) *Client {
	t.Helper()
	doc := map[string]any{
		"endpoints": map[string]string{"resolve": resolvers[0] + "/resolve/{id}"},
	}
	var mirrors []string
	for _, r := range resolvers[1:] {
		mirrors = append(mirrors, r+"/resolve/{id}")
	}
	doc["mirrors"] = mirrors
	body, err := json.Marshal(doc)
	require.NoError(t, err)

	wellKnown := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	t.Cleanup(wellKnown.Close)

	httpClient := wellKnown.Client()
	httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	client, err := New(
		WithDiscovery(strings.TrimPrefix(wellKnown.URL, "https://")),
		WithHTTPClient(httpClient),
		WithRetry(transport.RetryConfig{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestResolve_FailsOverAcrossDiscoveredResolvers(t *testing.T) {
	down := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	up := newResolverStub(t, redirectTo("https://example.com/ok"))
	client := newDiscoveryClient(t, down.server.URL, up.server.URL)

	res, err := client.Resolve(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/ok", res.TargetURI)
	assert.Equal(t, up.server.URL, res.Resolver)
	assert.Equal(t, int32(3), down.calls.Load())
	assert.Equal(t, int32(1), up.calls.Load())
}

func TestResolve_NoFailoverOnClientError(t *testing.T) {
	first := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	second := newResolverStub(t, redirectTo("https://example.com/ok"))
	client := newDiscoveryClient(t, first.server.URL, second.server.URL)

	_, err := client.Resolve(context.Background(), testID)
	require.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), first.calls.Load())
	assert.Equal(t, int32(0), second.calls.Load())
}

func TestClient_Discover(t *testing.T) {
	client := newDiscoveryClient(t, "https://a.example.org", "https://b.example.org")
	assert.Equal(t,
		[]string{"https://a.example.org", "https://b.example.org"},
		client.Discover(context.Background(), client.config.discoveryDomain),
	)
}

func TestResolve_RateLimited(t *testing.T) {
	stub := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	client := newTestClient(t, stub)

	_, err := client.Resolve(context.Background(), testID)
	require.True(t, IsRateLimited(err))

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, 30*time.Second, e.RetryAfter)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestResolve_ContextCanceled(t *testing.T) {
	stub := newResolverStub(t, redirectTo("https://example.com"))
	client := newTestClient(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Resolve(ctx, testID)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), stub.calls.Load())
}

func TestClient_Close(t *testing.T) {
	stub := newResolverStub(t, redirectTo("https://example.com"))
	client := newTestClient(t, stub, WithAPIKey("secret"))

	_, err := client.Resolve(context.Background(), testID)
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.Equal(t, 0, client.CacheStats().Size)

	_, err = client.Resolve(context.Background(), testID)
	assert.ErrorIs(t, err, ErrClientClosed)
	_, err = client.Register(context.Background(), RegisterRequest{TargetURI: "https://example.com"})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestClient_InvalidateAndClearCache(t *testing.T) {
	stub := newResolverStub(t, redirectTo("https://example.com"))
	client := newTestClient(t, stub)
	ctx := context.Background()

	_, _ = client.Resolve(ctx, testID)
	_, _ = client.Resolve(ctx, testID, WithFormat("text/html"))

	n, err := client.InvalidateCache(testIDURI)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, _ = client.Resolve(ctx, testID)
	_, _ = client.Resolve(ctx, testID)
	client.ClearCache()
	assert.Equal(t, 0, client.CacheStats().Size)
	assert.Equal(t, uint64(0), client.CacheStats().Hits)
}

func TestNew_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"relative resolver", []Option{WithResolverURL("/resolver")}},
		{"bad scheme", []Option{WithResolverURL("ftp://resolver.example.org")}},
		{"zero timeout", []Option{WithTimeout(0)}},
		{"zero retries", []Option{WithRetries(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts...)
			assert.Error(t, err)
		})
	}

	assert.Panics(t, func() { MustNew(WithRetries(0)) })
	assert.NotPanics(t, func() { _ = MustNew().Close() })
}

func TestResolve_IgnoresOutOfRangeQuality(t *testing.T) {
	for _, header := range []string{"NaN", "Inf", "7.5"} {
		t.Run(header, func(t *testing.T) {
			stub := newResolverStub(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Location", "https://example.com/a")
				w.Header().Set("X-LinkID-Quality", header)
				w.WriteHeader(http.StatusFound)
			})
			client := newTestClient(t, stub)

			res, err := client.Resolve(context.Background(), testID)
			require.NoError(t, err)
			assert.Nil(t, res.Quality)

			_, err = json.Marshal(res)
			assert.NoError(t, err)
		})
	}
}
