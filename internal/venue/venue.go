// Package venue defines the capability every trading venue must implement
// and shared client plumbing: per-endpoint rate limiting and a scriptable
// in-memory venue for paper trading and tests. Concrete connectors live in
// the kalshi and polymarket subpackages.
package venue

import (
	"context"

	"pm-arb/pkg/types"
)

// Client is the venue capability consumed by discovery and execution.
// Implementations own their transport, auth, and rate limiting; callers see
// venue-agnostic domain types. Every method honors ctx cancellation.
type Client interface {
	// Venue identifies the implementation.
	Venue() types.Venue

	// ListContracts returns the venue's currently tradeable binary
	// contracts, two per market (YES and NO legs).
	ListContracts(ctx context.Context) ([]types.Contract, error)

	// GetQuotes returns top-of-book quotes for the given contract ids.
	// Unknown ids are silently omitted from the result.
	GetQuotes(ctx context.Context, contractIDs []string) ([]types.Quote, error)

	// PlaceOrder submits an order and returns the fill, or nil when the
	// venue accepted the order but nothing executed (e.g. an IOC that
	// missed). A non-nil error means the order did not reach the venue.
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Fill, error)

	// CancelOrder cancels a resting order by venue order id.
	CancelOrder(ctx context.Context, venueOrderID string) (bool, error)

	// GetBalance returns account balances keyed by currency.
	GetBalance(ctx context.Context) (map[string]types.Balance, error)

	// Healthcheck reports whether the venue API is reachable.
	Healthcheck(ctx context.Context) bool
}
