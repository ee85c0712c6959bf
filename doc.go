// Package linkid provides a Go client for LinkID persistent identifiers.
//
// A LinkID is an opaque, location-independent token of 32 to 64 characters
// from [A-Za-z0-9._~-]. A resolver maps it to the current target resource,
// either as an HTTP redirect or as a metadata record listing every known
// target. The client validates identifiers before any I/O, caches results
// according to the resolver's Cache-Control directives, retries transient
// failures with exponential backoff and classifies every failure into a
// closed set of error kinds.
//
// # Quick Start
//
//	client, err := linkid.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	res, err := client.Resolve(ctx, "linkid:7e96f229-21c3-4a3d-a6cf-ef7d8dd70f24")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.TargetURI)
//
// # Configuration
//
// Use functional options to configure the client:
//
//	client, err := linkid.New(
//	    linkid.WithResolverURL("https://resolver.example.org"),
//	    linkid.WithAPIKey("your-api-key"),
//	    linkid.WithTimeout(5*time.Second),
//	    linkid.WithRetries(5),
//	)
//
// WithDiscovery replaces the fixed resolver URL with the resolvers a domain
// advertises at /.well-known/linkid-resolver. When one of them fails with a
// network error the next is tried.
//
// # Content Negotiation
//
// Per-call options select a variant and take part in the cache key:
//
//	res, err := client.Resolve(ctx, id,
//	    linkid.WithFormat("application/pdf"),
//	    linkid.WithLanguage("en"),
//	    linkid.WithMetadata(),
//	)
//	if res.IsMetadata() {
//	    for _, r := range res.Record.ActiveRecords() {
//	        fmt.Println(r.URI, r.MediaType)
//	    }
//	}
//
// # Caching
//
// Results are cached in memory, keyed by identifier and negotiated options.
// The cache evicts the oldest inserted entry when full; it is not an LRU.
// Update and Withdraw invalidate every cached variant of the identifier they
// change, leaving other identifiers untouched.
//
// # Error Handling
//
// Errors are typed and can be checked with errors.Is or the Is* helpers:
//
//	_, err := client.Resolve(ctx, id)
//	switch {
//	case linkid.IsNotFound(err):
//	    // Unknown identifier
//	case linkid.IsWithdrawn(err):
//	    var e *linkid.Error
//	    errors.As(err, &e)
//	    tombstone, _ := e.DecodeTombstone()
//	case linkid.IsRetryable(err):
//	    // Resolver unreachable after all attempts
//	}
//
// # Thread Safety
//
// The Client is safe for concurrent use from multiple goroutines.
package linkid
