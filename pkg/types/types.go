// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the arbitrage system — venues,
// contracts, quotes, orders, fills, opportunities, and trade records. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Venue identifies a prediction-market trading venue.
type Venue string

const (
	VenuePolymarket Venue = "polymarket"
	VenueKalshi     Venue = "kalshi"
)

// TradingMode selects how orders are executed.
type TradingMode string

const (
	ModePaper    TradingMode = "paper"    // simulated fills against live quotes
	ModeLive     TradingMode = "live"     // real orders on real venues
	ModeBacktest TradingMode = "backtest" // replay of historical quotes
)

// Valid reports whether m is a recognized trading mode.
func (m TradingMode) Valid() bool {
	switch m {
	case ModePaper, ModeLive, ModeBacktest:
		return true
	}
	return false
}

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// ContractSide identifies which outcome of a binary contract is held.
// A YES share pays $1 if the event resolves true; a NO share pays $1 if it
// resolves false. Holding YES on one venue and NO on the other for a combined
// cost under $1 is the arbitrage this system hunts.
type ContractSide string

const (
	YES ContractSide = "YES"
	NO  ContractSide = "NO"
)

// Opposite returns the other outcome of a binary contract.
func (s ContractSide) Opposite() ContractSide {
	if s == YES {
		return NO
	}
	return YES
}

// TimeInForce enumerates the supported order lifecycles.
type TimeInForce string

const (
	TifIOC TimeInForce = "IOC" // Immediate-or-Cancel: fill what you can, cancel the rest
	TifFOK TimeInForce = "FOK" // Fill-or-Kill: all or nothing
	TifGTC TimeInForce = "GTC" // Good-Til-Cancelled: rests on the book
)

// TradeStatus tracks a two-leg arbitrage trade through its lifecycle.
// pending is the only non-terminal state; once a trade reaches filled,
// failed, hedged, or cancelled it never transitions again.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeFilled    TradeStatus = "filled"    // both legs filled
	TradeFailed    TradeStatus = "failed"    // no leg filled, or hedge failed
	TradeHedged    TradeStatus = "hedged"    // one leg filled, exposure closed with a hedge
	TradeCancelled TradeStatus = "cancelled" // cancelled while still pending
)

// Terminal reports whether the status permits no further transitions.
func (s TradeStatus) Terminal() bool {
	return s != TradePending
}

// ————————————————————————————————————————————————————————————————————————
// Fees
// ————————————————————————————————————————————————————————————————————————

// FeeModel is the cost structure for trading on a venue. Bps fields apply
// proportionally to notional; GasUSD and WithdrawalUSD are flat per order.
type FeeModel struct {
	MakerBps      float64 `json:"maker_bps"`
	TakerBps      float64 `json:"taker_bps"`
	GasUSD        float64 `json:"gas_usd"`
	WithdrawalUSD float64 `json:"withdrawal_usd"`
}

// ————————————————————————————————————————————————————————————————————————
// Contracts and quotes
// ————————————————————————————————————————————————————————————————————————

// ContractMeta carries the venue metadata the mappers are allowed to read.
// It replaces a free-form attribute bag: mapping behavior must not depend on
// fields that are not named here.
type ContractMeta struct {
	CloseTime time.Time `json:"close_time"` // venue close/settlement time
	EndDate   string    `json:"end_date,omitempty"`  // raw end-date string when CloseTime is absent
	Liquidity float64   `json:"liquidity,omitempty"` // venue liquidity proxy, used for tie-breaking
	Volume24h float64   `json:"volume_24h,omitempty"`
	Category  string    `json:"category,omitempty"`
}

// Contract is one tradeable outcome of a binary market on one venue.
// A venue market usually yields two Contracts, one per ContractSide.
type Contract struct {
	Venue         Venue        `json:"venue"`
	ID            string       `json:"contract_id"` // venue-native contract ID
	MarketID      string       `json:"market_id"`   // venue-native market grouping the YES/NO pair
	EventKey      string       `json:"event_key"`   // raw venue title or question
	EventID       string       `json:"event_id"`    // canonical event ID once mapped, else ""
	Side          ContractSide `json:"side"`
	TickSize      float64      `json:"tick_size"`
	SettlementCcy string       `json:"settlement_ccy"`
	ExpiresAt     time.Time    `json:"expires_at"`
	Fees          FeeModel     `json:"fees"`
	MinSize       float64      `json:"min_size"`
	MaxSize       float64      `json:"max_size,omitempty"` // 0 = no venue cap
	Meta          ContractMeta `json:"meta"`
}

// Quote is the top-of-book for a single contract.
type Quote struct {
	Venue       Venue     `json:"venue"`
	ContractID  string    `json:"contract_id"`
	BestBid     float64   `json:"best_bid"`
	BestAsk     float64   `json:"best_ask"`
	BestBidSize float64   `json:"best_bid_size"`
	BestAskSize float64   `json:"best_ask_size"`
	TS          time.Time `json:"ts"`
}

// Mid returns the midpoint of the quoted spread.
func (q Quote) Mid() float64 {
	return (q.BestBid + q.BestAsk) / 2
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is a venue-agnostic order. Venue clients translate it to
// their native wire format.
type OrderRequest struct {
	Venue         Venue       `json:"venue"`
	ContractID    string      `json:"contract_id"`
	Side          Side        `json:"side"`
	Price         float64     `json:"price"` // limit price, 0.0–1.0
	Qty           float64     `json:"qty"`   // contracts
	TIF           TimeInForce `json:"tif"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
}

// Fill reports an execution against one of our orders.
type Fill struct {
	Venue         Venue     `json:"venue"`
	ContractID    string    `json:"contract_id"`
	Side          Side      `json:"side"`
	AvgPrice      float64   `json:"avg_price"`
	Qty           float64   `json:"qty"`
	FeePaid       float64   `json:"fee_paid"`
	TS            time.Time `json:"ts"`
	VenueOrderID  string    `json:"venue_order_id,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities and trades
// ————————————————————————————————————————————————————————————————————————

// Opportunity is a priced two-leg arbitrage found by discovery. Both legs
// are BUY orders; SideA and SideB record which outcome each leg acquires so
// that downstream accounting and hedging never have to guess.
type Opportunity struct {
	EventID    string       `json:"event_id"`
	LegA       OrderRequest `json:"leg_a"`
	LegB       OrderRequest `json:"leg_b"`
	SideA      ContractSide `json:"side_a"` // outcome bought on venue A
	SideB      ContractSide `json:"side_b"` // outcome bought on venue B
	EdgeBps    float64      `json:"edge_bps"`
	Notional   float64      `json:"notional"` // qty × (effective price A + effective price B)
	Expiry     time.Time    `json:"expiry"`
	Rationale  string       `json:"rationale"` // e.g. "YES@A+NO@B: 123.4bps"
	Confidence float64      `json:"confidence"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Trade is the persistent record of one arbitrage attempt.
type Trade struct {
	ID        string         `json:"trade_id"`
	EventID   string         `json:"event_id"`
	VenueA    Venue          `json:"venue_a"`
	VenueB    Venue          `json:"venue_b"`
	ContractA string         `json:"contract_a"`
	ContractB string         `json:"contract_b"`
	SideA     ContractSide   `json:"side_a"` // outcome held on venue A
	SideB     ContractSide   `json:"side_b"`
	Qty       float64        `json:"qty"`
	PriceA    float64        `json:"price_a"`
	PriceB    float64        `json:"price_b"`
	FeeA      float64        `json:"fee_a"`
	FeeB      float64        `json:"fee_b"`
	EdgeBps   float64        `json:"edge_bps"`
	PnL       float64        `json:"pnl"`
	Status    TradeStatus    `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	FilledAt  time.Time      `json:"filled_at"` // zero until terminal
	Extra     map[string]any `json:"extra,omitempty"`    // hedge_fill, failure detail
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio
// ————————————————————————————————————————————————————————————————————————

// Position is the current holding in one contract on one venue.
type Position struct {
	Venue         Venue        `json:"venue"`
	ContractID    string       `json:"contract_id"`
	EventID       string       `json:"event_id"`
	Side          ContractSide `json:"side"`
	Qty           float64      `json:"qty"`
	AvgPrice      float64      `json:"avg_price"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	RealizedPnL   float64      `json:"realized_pnl"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Balance is the account balance for one currency on one venue.
type Balance struct {
	Venue     Venue     `json:"venue"`
	Currency  string    `json:"currency"`
	Available float64   `json:"available"`
	Total     float64   `json:"total"`
	TS        time.Time `json:"ts"`
}

// ————————————————————————————————————————————————————————————————————————
// Matching and risk
// ————————————————————————————————————————————————————————————————————————

// MatchedPair joins two contracts, one per venue, that settle on the same
// canonical event and outcome.
type MatchedPair struct {
	EventID    string   `json:"event_id"`
	ContractA  Contract `json:"contract_a"`
	ContractB  Contract `json:"contract_b"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason"`
}

// RiskLimits bundles the hard limits the risk manager enforces.
type RiskLimits struct {
	MaxOpenRiskUSD         float64 `json:"max_open_risk_usd"`
	MaxPerTradeUSD         float64 `json:"max_per_trade_usd"`
	MaxPositionPerEventUSD float64 `json:"max_position_per_event_usd"`
	MaxDrawdownPct         float64 `json:"max_drawdown_pct"`
	MinEdgeBps             float64 `json:"min_edge_bps"`
	MaxSlippageBps         float64 `json:"max_slippage_bps"`
}

// HealthStatus summarizes one venue's recent behavior for the ops surface.
type HealthStatus struct {
	Venue      Venue     `json:"venue"`
	Healthy    bool      `json:"healthy"`
	LatencyMs  float64   `json:"latency_ms"`
	ErrorRate  float64   `json:"error_rate"`
	LastUpdate time.Time `json:"last_update"`
	Message    string    `json:"message,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Backtest
// ————————————————————————————————————————————————————————————————————————

// BacktestResult aggregates the outcome of a historical replay.
type BacktestResult struct {
	StartDate        time.Time `json:"start_date"`
	EndDate          time.Time `json:"end_date"`
	TotalTrades      int       `json:"total_trades"`
	SuccessfulTrades int       `json:"successful_trades"`
	TotalPnL         float64   `json:"total_pnl"`
	MaxDrawdown      float64   `json:"max_drawdown"`
	SharpeRatio      float64   `json:"sharpe_ratio"`
	WinRate          float64   `json:"win_rate"`
	AvgEdgeBps       float64   `json:"avg_edge_bps"`
	TotalFees        float64   `json:"total_fees"`
}
