// Package portfolio tracks positions, balances, and PnL across venues.
//
// Positions are double-keyed (event, then venue) and each one carries the
// ContractSide it actually holds, recorded from the trade legs. Mark to
// market values YES holdings at qty·(mid − avg) and NO holdings at
// qty·(avg − mid) against a quote cache refreshed by the engine.
package portfolio

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"pm-arb/pkg/types"
)

// Summary is the portfolio rollup for logs and the ops API.
type Summary struct {
	InitialBalanceUSD float64 `json:"initial_balance_usd"`
	CurrentBalanceUSD float64 `json:"current_balance_usd"`
	RealizedPnLUSD    float64 `json:"realized_pnl_usd"`
	UnrealizedPnLUSD  float64 `json:"unrealized_pnl_usd"`
	TotalExposureUSD  float64 `json:"total_exposure_usd"`
	OpenPositions     int     `json:"open_positions"`
	TradeCount        int     `json:"trade_count"`
	WinRate           float64 `json:"win_rate"`
}

// Portfolio is safe for concurrent use.
type Portfolio struct {
	logger *slog.Logger

	mu        sync.RWMutex
	initial   float64
	current   float64
	balances  map[types.Venue]float64
	// event → "venue/contractID". A hedged trade holds both outcomes on one
	// venue, so the inner key carries the contract.
	positions map[string]map[string]*types.Position
	trades    []types.Trade
	quotes    map[string]types.Quote // "venue/contractID"
}

func New(startingBalanceUSD float64, venues []types.Venue, logger *slog.Logger) *Portfolio {
	p := &Portfolio{
		logger:    logger.With("component", "portfolio"),
		initial:   startingBalanceUSD,
		current:   startingBalanceUSD,
		balances:  make(map[types.Venue]float64),
		positions: make(map[string]map[string]*types.Position),
		quotes:    make(map[string]types.Quote),
	}
	for _, v := range venues {
		p.balances[v] = startingBalanceUSD
	}
	return p
}

// SetVenueBalance overrides one venue's balance (live mode syncs these from
// the venue API).
func (p *Portfolio) SetVenueBalance(v types.Venue, usd float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[v] = usd
}

// VenueBalance returns one venue's balance.
func (p *Portfolio) VenueBalance(v types.Venue) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.balances[v]
}

// AddTrade appends the trade to the ledger and applies its fills to the
// position book. The trade's realized PnL lands on leg A's venue balance.
func (p *Portfolio) AddTrade(trade types.Trade) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.trades = append(p.trades, trade)
	p.current += trade.PnL
	p.balances[trade.VenueA] += trade.PnL

	switch trade.Status {
	case types.TradeFilled:
		p.applyFill(trade.EventID, trade.VenueA, trade.ContractA, trade.SideA, types.BUY, trade.Qty, trade.PriceA)
		p.applyFill(trade.EventID, trade.VenueB, trade.ContractB, trade.SideB, types.BUY, trade.Qty, trade.PriceB)
	case types.TradeHedged:
		// Only the first leg filled; the hedge flattened it on the same venue.
		if trade.PriceA > 0 {
			p.applyFill(trade.EventID, trade.VenueA, trade.ContractA, trade.SideA, types.BUY, trade.Qty, trade.PriceA)
		} else {
			p.applyFill(trade.EventID, trade.VenueB, trade.ContractB, trade.SideB, types.BUY, trade.Qty, trade.PriceB)
		}
		if fill, ok := trade.Extra["hedge_fill"].(types.Fill); ok {
			p.applyFill(trade.EventID, fill.Venue, fill.ContractID, hedgeSide(trade, fill), types.BUY, fill.Qty, fill.AvgPrice)
		}
	}

	p.logger.Info("trade recorded",
		"trade_id", trade.ID,
		"status", trade.Status,
		"pnl", trade.PnL,
		"balance", p.current,
	)
}

// hedgeSide derives the outcome the hedge fill bought: the opposite of
// whichever leg filled first on that venue.
func hedgeSide(trade types.Trade, fill types.Fill) types.ContractSide {
	if fill.Venue == trade.VenueA && trade.PriceA > 0 {
		return trade.SideA.Opposite()
	}
	return trade.SideB.Opposite()
}

func (p *Portfolio) applyFill(eventID string, v types.Venue, contractID string, side types.ContractSide, orderSide types.Side, qty, price float64) {
	book, ok := p.positions[eventID]
	if !ok {
		book = make(map[string]*types.Position)
		p.positions[eventID] = book
	}
	key := quoteKey(v, contractID)
	pos, ok := book[key]
	if !ok {
		pos = &types.Position{Venue: v, ContractID: contractID, EventID: eventID, Side: side}
		book[key] = pos
	}

	if orderSide == types.BUY {
		totalCost := pos.AvgPrice*pos.Qty + price*qty
		pos.Qty += qty
		if pos.Qty > 0 {
			pos.AvgPrice = totalCost / pos.Qty
		}
	} else {
		if pos.Qty > 0 {
			sold := math.Min(qty, pos.Qty)
			pos.RealizedPnL += (price - pos.AvgPrice) * sold
		}
		pos.Qty -= qty
		if pos.Qty <= 0 {
			pos.Qty = 0
			pos.AvgPrice = 0
		}
	}
	pos.UpdatedAt = time.Now().UTC()
}

// UpdateQuotes refreshes the quote cache; last writer wins per contract.
func (p *Portfolio) UpdateQuotes(quotes []types.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, q := range quotes {
		p.quotes[quoteKey(q.Venue, q.ContractID)] = q
	}
}

func quoteKey(v types.Venue, contractID string) string {
	return string(v) + "/" + contractID
}

// mid returns the cached mid for a position, falling back to its average
// entry when no quote has been seen.
func (p *Portfolio) mid(pos *types.Position) float64 {
	if q, ok := p.quotes[quoteKey(pos.Venue, pos.ContractID)]; ok {
		return q.Mid()
	}
	return pos.AvgPrice
}

// MarkToMarket revalues every open position against the quote cache and
// returns the total unrealized PnL.
func (p *Portfolio) MarkToMarket() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var total float64
	for _, book := range p.positions {
		for _, pos := range book {
			if pos.Qty == 0 {
				pos.UnrealizedPnL = 0
				continue
			}
			mid := p.mid(pos)
			if pos.Side == types.YES {
				pos.UnrealizedPnL = pos.Qty * (mid - pos.AvgPrice)
			} else {
				pos.UnrealizedPnL = pos.Qty * (pos.AvgPrice - mid)
			}
			total += pos.UnrealizedPnL
		}
	}
	return total
}

// TotalExposure sums |qty × mid| over open positions.
func (p *Portfolio) TotalExposure() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var total float64
	for _, book := range p.positions {
		for _, pos := range book {
			total += math.Abs(pos.Qty * p.mid(pos))
		}
	}
	return total
}

// EventExposure sums |qty × mid| over one event's positions, the input to
// the per-event risk cap.
func (p *Portfolio) EventExposure(eventID string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var total float64
	for _, pos := range p.positions[eventID] {
		total += math.Abs(pos.Qty * p.mid(pos))
	}
	return total
}

// PositionsByVenue returns copies of one venue's open positions.
func (p *Portfolio) PositionsByVenue(v types.Venue) []types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []types.Position
	for _, book := range p.positions {
		for _, pos := range book {
			if pos.Venue == v && pos.Qty > 0 {
				out = append(out, *pos)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventID != out[j].EventID {
			return out[i].EventID < out[j].EventID
		}
		return out[i].ContractID < out[j].ContractID
	})
	return out
}

// PositionsByEvent returns copies of one event's open positions.
func (p *Portfolio) PositionsByEvent(eventID string) []types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []types.Position
	for _, pos := range p.positions[eventID] {
		if pos.Qty > 0 {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].ContractID < out[j].ContractID
	})
	return out
}

// Trades returns a copy of the ledger in insertion order.
func (p *Portfolio) Trades() []types.Trade {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]types.Trade(nil), p.trades...)
}

// Summary returns the portfolio rollup.
func (p *Portfolio) Summary() Summary {
	unrealized := p.MarkToMarket()

	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Summary{
		InitialBalanceUSD: p.initial,
		CurrentBalanceUSD: p.current,
		UnrealizedPnLUSD:  unrealized,
		TradeCount:        len(p.trades),
	}
	wins := 0
	for _, t := range p.trades {
		s.RealizedPnLUSD += t.PnL
		if t.PnL > 0 {
			wins++
		}
	}
	if len(p.trades) > 0 {
		s.WinRate = float64(wins) / float64(len(p.trades))
	}
	for _, book := range p.positions {
		for _, pos := range book {
			if pos.Qty > 0 {
				s.OpenPositions++
				s.TotalExposureUSD += math.Abs(pos.Qty * p.mid(pos))
			}
		}
	}
	return s
}

// Reset drops all positions, trades, and quotes and restores the starting
// balance on every venue.
func (p *Portfolio) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = p.initial
	p.positions = make(map[string]map[string]*types.Position)
	p.trades = nil
	p.quotes = make(map[string]types.Quote)
	for v := range p.balances {
		p.balances[v] = p.initial
	}
	p.logger.Info("portfolio reset")
}
