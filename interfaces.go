package linkid

import (
	"context"

	"github.com/linkgenetic/linkid-go/cache"
)

// Resolver provides read operations on LinkIDs.
type Resolver interface {
	// Resolve returns a redirect or metadata result for id.
	Resolve(ctx context.Context, id string, opts ...ResolveOption) (*ResolutionResult, error)
}

// Writer provides write operations on LinkIDs. All of them require an API key.
type Writer interface {
	// Register creates a new LinkID.
	Register(ctx context.Context, req RegisterRequest) (*Registration, error)

	// Update changes an existing LinkID.
	Update(ctx context.Context, id string, req UpdateRequest) (*LinkRecord, error)

	// Withdraw retires a LinkID.
	Withdraw(ctx context.Context, id string, req WithdrawRequest) error
}

// ResolveWriter combines read and write operations.
type ResolveWriter interface {
	Resolver
	Writer
}

// CacheController exposes the client's result cache.
type CacheController interface {
	InvalidateCache(id string) (int, error)
	ClearCache()
	CacheStats() cache.Stats
}

// Ensure Client implements all interfaces.
var (
	_ Resolver        = (*Client)(nil)
	_ Writer          = (*Client)(nil)
	_ ResolveWriter   = (*Client)(nil)
	_ CacheController = (*Client)(nil)
)
