package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pm-arb/pkg/types"
)

// Paper wraps a real venue client for paper trading: listing, quoting, and
// health checks hit the real API, while orders fill locally at the
// requested price with the venue's taker fee. Balances are simulated so a
// paper session never needs venue credentials.
type Paper struct {
	inner  Client
	feeBps float64

	mu       sync.Mutex
	orderSeq int
	cash     types.Balance
}

// NewPaper wraps inner with simulated execution. startingBalanceUSD seeds
// the simulated cash balance.
func NewPaper(inner Client, feeBps, startingBalanceUSD float64) *Paper {
	return &Paper{
		inner:  inner,
		feeBps: feeBps,
		cash: types.Balance{
			Venue:     inner.Venue(),
			Currency:  "USD",
			Available: startingBalanceUSD,
			Total:     startingBalanceUSD,
			TS:        time.Now().UTC(),
		},
	}
}

// Venue implements Client.
func (p *Paper) Venue() types.Venue { return p.inner.Venue() }

// ListContracts implements Client via the real venue.
func (p *Paper) ListContracts(ctx context.Context) ([]types.Contract, error) {
	return p.inner.ListContracts(ctx)
}

// GetQuotes implements Client via the real venue.
func (p *Paper) GetQuotes(ctx context.Context, contractIDs []string) ([]types.Quote, error) {
	return p.inner.GetQuotes(ctx, contractIDs)
}

// PlaceOrder implements Client: the order never reaches the venue; it
// fills in full at the requested limit price.
func (p *Paper) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.orderSeq++
	return &types.Fill{
		Venue:         p.inner.Venue(),
		ContractID:    req.ContractID,
		Side:          req.Side,
		AvgPrice:      req.Price,
		Qty:           req.Qty,
		FeePaid:       req.Qty * p.feeBps / 10000.0,
		TS:            time.Now().UTC(),
		VenueOrderID:  fmt.Sprintf("paper-%s-%d", p.inner.Venue(), p.orderSeq),
		ClientOrderID: req.ClientOrderID,
	}, nil
}

// CancelOrder implements Client; paper orders fill immediately, so there is
// never anything resting to cancel.
func (p *Paper) CancelOrder(ctx context.Context, venueOrderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return false, nil
}

// GetBalance implements Client with the simulated cash balance.
func (p *Paper) GetBalance(ctx context.Context) (map[string]types.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]types.Balance{p.cash.Currency: p.cash}, nil
}

// Healthcheck implements Client via the real venue.
func (p *Paper) Healthcheck(ctx context.Context) bool {
	return p.inner.Healthcheck(ctx)
}
