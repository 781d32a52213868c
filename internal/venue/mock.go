package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pm-arb/pkg/types"
)

// Mock is an in-memory venue for paper mode and tests. Contracts, quotes,
// and balances are injected by the caller; orders echo back as immediate
// fills at the requested price. Failures are scriptable per contract so
// execution paths (retries, hedging) can be exercised deterministically.
type Mock struct {
	mu       sync.Mutex
	venue    types.Venue
	healthy  bool
	feeBps   float64
	orderSeq int

	contracts []types.Contract
	quotes    map[string]types.Quote
	balances  map[string]types.Balance

	listErr  error
	quoteErr error

	failPlace   map[string]int  // contract id → remaining forced errors
	rejectPlace map[string]bool // contract id → accept order, fill nothing

	placed    []types.OrderRequest
	cancelled []string
}

// NewMock creates an empty, healthy mock venue charging feeBps per filled
// contract.
func NewMock(v types.Venue, feeBps float64) *Mock {
	return &Mock{
		venue:       v,
		healthy:     true,
		feeBps:      feeBps,
		quotes:      make(map[string]types.Quote),
		balances:    make(map[string]types.Balance),
		failPlace:   make(map[string]int),
		rejectPlace: make(map[string]bool),
	}
}

// Venue implements Client.
func (m *Mock) Venue() types.Venue { return m.venue }

// SetContracts replaces the contract library.
func (m *Mock) SetContracts(contracts []types.Contract) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts = append([]types.Contract(nil), contracts...)
}

// SetQuote injects or replaces a quote.
func (m *Mock) SetQuote(q types.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.Venue = m.venue
	if q.TS.IsZero() {
		q.TS = time.Now().UTC()
	}
	m.quotes[q.ContractID] = q
}

// SetBalance injects a balance for a currency.
func (m *Mock) SetBalance(currency string, available, total float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[currency] = types.Balance{
		Venue: m.venue, Currency: currency,
		Available: available, Total: total, TS: time.Now().UTC(),
	}
}

// SetListError makes ListContracts fail with err until cleared with nil.
func (m *Mock) SetListError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// SetQuoteError makes GetQuotes fail with err until cleared with nil.
func (m *Mock) SetQuoteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quoteErr = err
}

// FailPlace makes the next n PlaceOrder calls for a contract return an
// error before the venue "recovers".
func (m *Mock) FailPlace(contractID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPlace[contractID] = n
}

// RejectPlace makes PlaceOrder for a contract accept the request but fill
// nothing (nil fill, nil error), like an IOC missing the book.
func (m *Mock) RejectPlace(contractID string, reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectPlace[contractID] = reject
}

// SetHealthy controls Healthcheck.
func (m *Mock) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

// PlacedOrders returns every order PlaceOrder has seen, in call order.
func (m *Mock) PlacedOrders() []types.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.OrderRequest(nil), m.placed...)
}

// CancelledOrders returns every venue order id passed to CancelOrder.
func (m *Mock) CancelledOrders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

// ListContracts implements Client.
func (m *Mock) ListContracts(ctx context.Context) ([]types.Contract, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]types.Contract(nil), m.contracts...), nil
}

// GetQuotes implements Client. Unknown ids are omitted.
func (m *Mock) GetQuotes(ctx context.Context, contractIDs []string) ([]types.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quoteErr != nil {
		return nil, m.quoteErr
	}
	out := make([]types.Quote, 0, len(contractIDs))
	for _, id := range contractIDs {
		if q, ok := m.quotes[id]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

// PlaceOrder implements Client: echoes the request back as a full fill at
// the requested price unless a scripted failure intervenes.
func (m *Mock) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.placed = append(m.placed, req)

	if remaining := m.failPlace[req.ContractID]; remaining > 0 {
		m.failPlace[req.ContractID] = remaining - 1
		return nil, fmt.Errorf("mock venue %s: order rejected for %s", m.venue, req.ContractID)
	}
	if m.rejectPlace[req.ContractID] {
		return nil, nil
	}

	m.orderSeq++
	return &types.Fill{
		Venue:         m.venue,
		ContractID:    req.ContractID,
		Side:          req.Side,
		AvgPrice:      req.Price,
		Qty:           req.Qty,
		FeePaid:       req.Qty * m.feeBps / 10000.0,
		TS:            time.Now().UTC(),
		VenueOrderID:  fmt.Sprintf("%s-%d", m.venue, m.orderSeq),
		ClientOrderID: req.ClientOrderID,
	}, nil
}

// CancelOrder implements Client.
func (m *Mock) CancelOrder(ctx context.Context, venueOrderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, venueOrderID)
	return true, nil
}

// GetBalance implements Client.
func (m *Mock) GetBalance(ctx context.Context) (map[string]types.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.Balance, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out, nil
}

// Healthcheck implements Client.
func (m *Mock) Healthcheck(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}
