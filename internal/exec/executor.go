// Package exec places the two legs of an arbitrage and owns the trade
// lifecycle. The less liquid leg goes first; if the second leg cannot be
// filled the first is closed with an IOC hedge on the same venue, buying
// the opposite outcome so the pair settles at $1 regardless of the result.
package exec

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"pm-arb/internal/venue"
	"pm-arb/pkg/types"
)

const (
	maxPlaceAttempts = 3
	retryInitial     = 100 * time.Millisecond
	retryMax         = time.Second

	// defaultLegLiquidity stands in for per-leg book depth until a
	// venue-specific estimator is plugged in.
	defaultLegLiquidity = 1000.0

	// hedgeLimitPrice is an aggressive crossable limit standing in for a
	// market order; venues here have no native market order type.
	hedgeLimitPrice = 0.99
)

// ContractIndex resolves the contract on the same venue and market that
// pays on the other outcome, which is what a hedge buys.
type ContractIndex struct {
	mu       sync.RWMutex
	opposite map[string]types.Contract // "venue/contractID" → other side
}

func NewContractIndex() *ContractIndex {
	return &ContractIndex{opposite: make(map[string]types.Contract)}
}

// Add indexes contracts pairwise by venue market. Contracts without a
// market grouping are skipped.
func (ix *ContractIndex) Add(contracts []types.Contract) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	byMarket := make(map[string][]types.Contract)
	for _, c := range contracts {
		if c.MarketID == "" {
			continue
		}
		key := string(c.Venue) + "/" + c.MarketID
		byMarket[key] = append(byMarket[key], c)
	}
	for _, group := range byMarket {
		for _, a := range group {
			for _, b := range group {
				if a.ID != b.ID && a.Side != b.Side {
					ix.opposite[string(a.Venue)+"/"+a.ID] = b
				}
			}
		}
	}
}

// Opposite returns the other-outcome contract for a held contract.
func (ix *ContractIndex) Opposite(v types.Venue, contractID string) (types.Contract, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	c, ok := ix.opposite[string(v)+"/"+contractID]
	return c, ok
}

// Stats counts trade outcomes since start.
type Stats struct {
	Attempted int     `json:"attempted"`
	Filled    int     `json:"filled"`
	Hedged    int     `json:"hedged"`
	Failed    int     `json:"failed"`
	Cancelled int     `json:"cancelled"`
	WinRate   float64 `json:"success_rate"`
}

// Executor turns opportunities into trades against venue clients.
type Executor struct {
	venues map[types.Venue]venue.Client
	index  *ContractIndex
	logger *slog.Logger

	// legLiquidity orders the legs; swapped out in tests.
	legLiquidity func(leg types.OrderRequest) float64

	mu     sync.RWMutex
	trades map[string]*types.Trade
	stats  Stats
}

func New(venues map[types.Venue]venue.Client, index *ContractIndex, logger *slog.Logger) *Executor {
	return &Executor{
		venues:       venues,
		index:        index,
		logger:       logger.With("component", "exec"),
		legLiquidity: func(types.OrderRequest) float64 { return defaultLegLiquidity },
		trades:       make(map[string]*types.Trade),
	}
}

// Execute places both legs of the opportunity. The returned trade carries
// the outcome in its status; an error means the opportunity never reached
// a venue (unknown venue, cancelled context before the first attempt).
func (e *Executor) Execute(ctx context.Context, opp types.Opportunity) (*types.Trade, error) {
	for _, v := range []types.Venue{opp.LegA.Venue, opp.LegB.Venue} {
		if _, ok := e.venues[v]; !ok {
			return nil, fmt.Errorf("no client for venue %s", v)
		}
	}

	trade := &types.Trade{
		ID:        uuid.NewString(),
		EventID:   opp.EventID,
		VenueA:    opp.LegA.Venue,
		VenueB:    opp.LegB.Venue,
		ContractA: opp.LegA.ContractID,
		ContractB: opp.LegB.ContractID,
		SideA:     opp.SideA,
		SideB:     opp.SideB,
		Qty:       opp.LegA.Qty,
		EdgeBps:   opp.EdgeBps,
		Status:    types.TradePending,
		CreatedAt: time.Now().UTC(),
		Extra:     make(map[string]any),
	}
	e.mu.Lock()
	e.trades[trade.ID] = trade
	e.stats.Attempted++
	e.mu.Unlock()

	log := e.logger.With("trade_id", trade.ID, "event", opp.EventID)

	first, second := e.orderLegs(opp)

	firstFill, err := e.placeWithRetry(ctx, first)
	if err != nil || firstFill == nil {
		log.Warn("first leg failed, no exposure taken",
			"venue", first.Venue, "contract", first.ContractID, "error", err)
		e.finish(trade, types.TradeFailed, func(t *types.Trade) {
			t.Extra["failure"] = "first leg unfilled"
		})
		return trade, nil
	}
	log.Info("first leg filled",
		"venue", firstFill.Venue, "qty", firstFill.Qty, "price", firstFill.AvgPrice)

	// The second leg is sized to what actually filled.
	second.Qty = firstFill.Qty

	secondFill, err := e.placeWithRetry(ctx, second)
	if err != nil || secondFill == nil {
		log.Warn("second leg failed, hedging",
			"venue", second.Venue, "contract", second.ContractID, "error", err)
		return e.hedge(ctx, trade, firstFill, log), nil
	}

	e.finish(trade, types.TradeFilled, func(t *types.Trade) {
		t.Qty = min(firstFill.Qty, secondFill.Qty)
		assignLeg(t, firstFill)
		assignLeg(t, secondFill)
		t.PnL = t.Qty*t.EdgeBps/10000 - (t.FeeA + t.FeeB)
		t.FilledAt = time.Now().UTC()
	})
	log.Info("trade filled", "qty", trade.Qty, "pnl", trade.PnL)
	return trade, nil
}

// hedge closes a naked first leg by buying the opposite outcome on the
// same venue with an IOC order.
func (e *Executor) hedge(ctx context.Context, trade *types.Trade, firstFill *types.Fill, log *slog.Logger) *types.Trade {
	firstSide := trade.SideA
	if firstFill.Venue == trade.VenueB && firstFill.ContractID == trade.ContractB {
		firstSide = trade.SideB
	}

	opposite, ok := e.index.Opposite(firstFill.Venue, firstFill.ContractID)
	if !ok {
		log.Error("NAKED POSITION: no opposite contract to hedge with",
			"venue", firstFill.Venue, "contract", firstFill.ContractID, "qty", firstFill.Qty)
		e.finish(trade, types.TradeFailed, func(t *types.Trade) {
			assignLeg(t, firstFill)
			t.Extra["failure"] = "unhedgeable: no opposite contract"
		})
		return trade
	}

	hedgeFill, err := e.venues[firstFill.Venue].PlaceOrder(ctx, types.OrderRequest{
		Venue:         firstFill.Venue,
		ContractID:    opposite.ID,
		Side:          types.BUY,
		Price:         hedgeLimitPrice,
		Qty:           firstFill.Qty,
		TIF:           types.TifIOC,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil || hedgeFill == nil {
		log.Error("NAKED POSITION: hedge order failed",
			"venue", firstFill.Venue, "contract", opposite.ID, "qty", firstFill.Qty, "error", err)
		e.finish(trade, types.TradeFailed, func(t *types.Trade) {
			assignLeg(t, firstFill)
			t.Extra["failure"] = "hedge unfilled"
		})
		return trade
	}

	e.finish(trade, types.TradeHedged, func(t *types.Trade) {
		t.Qty = firstFill.Qty
		assignLeg(t, firstFill)
		t.Extra["hedge_fill"] = *hedgeFill
		// Both outcomes held on one venue settle at $1 a pair.
		t.PnL = t.Qty*(1-firstFill.AvgPrice-hedgeFill.AvgPrice) -
			(firstFill.FeePaid + hedgeFill.FeePaid)
		t.FilledAt = time.Now().UTC()
	})
	log.Warn("trade hedged",
		"qty", trade.Qty, "hedge_price", hedgeFill.AvgPrice, "pnl", trade.PnL, "side", firstSide.Opposite())
	return trade
}

// placeWithRetry attempts one leg up to maxPlaceAttempts times. A nil fill
// (accepted but unfilled IOC) counts as a failed attempt. Every retry reuses
// the same client order id so the venue can dedupe.
func (e *Executor) placeWithRetry(ctx context.Context, req types.OrderRequest) (*types.Fill, error) {
	client := e.venues[req.Venue]
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitial
	bo.MaxInterval = retryMax

	var lastErr error
	for attempt := 1; attempt <= maxPlaceAttempts; attempt++ {
		fill, err := client.PlaceOrder(ctx, req)
		if err == nil && fill != nil {
			return fill, nil
		}
		lastErr = err
		if attempt == maxPlaceAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
	return nil, lastErr
}

// orderLegs returns the opportunity's legs with the less liquid one first.
func (e *Executor) orderLegs(opp types.Opportunity) (first, second types.OrderRequest) {
	if e.legLiquidity(opp.LegB) < e.legLiquidity(opp.LegA) {
		return opp.LegB, opp.LegA
	}
	return opp.LegA, opp.LegB
}

// assignLeg writes a fill's price and fee into the trade's A or B slot by
// matching venue and contract.
func assignLeg(t *types.Trade, fill *types.Fill) {
	if fill.Venue == t.VenueA && fill.ContractID == t.ContractA {
		t.PriceA = fill.AvgPrice
		t.FeeA = fill.FeePaid
		return
	}
	t.PriceB = fill.AvgPrice
	t.FeeB = fill.FeePaid
}

// finish moves a trade to a terminal state under the lock. Terminal trades
// never transition again.
func (e *Executor) finish(trade *types.Trade, status types.TradeStatus, mutate func(*types.Trade)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if trade.Status.Terminal() {
		return
	}
	if mutate != nil {
		mutate(trade)
	}
	trade.Status = status
	switch status {
	case types.TradeFilled:
		e.stats.Filled++
	case types.TradeHedged:
		e.stats.Hedged++
	case types.TradeFailed:
		e.stats.Failed++
	case types.TradeCancelled:
		e.stats.Cancelled++
	}
}

// Cancel moves a pending trade to cancelled. Terminal trades are immutable.
func (e *Executor) Cancel(tradeID string) error {
	e.mu.Lock()
	trade, ok := e.trades[tradeID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown trade %s", tradeID)
	}
	if trade.Status.Terminal() {
		return fmt.Errorf("trade %s is %s, cannot cancel", tradeID, trade.Status)
	}
	e.finish(trade, types.TradeCancelled, nil)
	e.logger.Info("trade cancelled", "trade_id", tradeID)
	return nil
}

// Trade returns a trade by ID.
func (e *Executor) Trade(tradeID string) (*types.Trade, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.trades[tradeID]
	return t, ok
}

// Trades returns all trades ordered by creation time.
func (e *Executor) Trades() []*types.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*types.Trade, 0, len(e.trades))
	for _, t := range e.trades {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats returns the outcome counters with the derived success rate.
func (e *Executor) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.stats
	if s.Attempted > 0 {
		s.WinRate = float64(s.Filled) / float64(s.Attempted)
	}
	return s
}
