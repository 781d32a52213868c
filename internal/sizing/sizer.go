// Package sizing converts a priced opportunity into a contract count via a
// Kelly staircase: the Kelly stake is narrowed by the per-trade cap, the
// per-event and total-risk headroom, and the venue balances, then floored
// to whole contracts.
package sizing

import (
	"log/slog"
	"math"

	"pm-arb/internal/odds"
	"pm-arb/pkg/types"
)

// Binding constraint labels reported in the summary.
const (
	BindKelly    = "kelly"
	BindPerTrade = "per_trade"
	BindPerEvent = "per_event"
	BindTotal    = "total_risk"
	BindBalanceA = "balance_a"
	BindBalanceB = "balance_b"
)

// Inputs carries the capital state the sizer narrows against.
type Inputs struct {
	BankrollUSD      float64
	KellyMultiplier  float64
	Limits           types.RiskLimits
	EventExposureUSD float64 // already deployed on this opportunity's event
	TotalExposureUSD float64 // already deployed across all events
	BalanceAUSD      float64 // available on leg A's venue
	BalanceBUSD      float64 // available on leg B's venue
}

// Summary records each stage of the staircase for logging and the ops API.
type Summary struct {
	KellyFraction  float64 `json:"kelly_fraction"`
	KellySize      float64 `json:"kelly_size"`
	RiskLimited    float64 `json:"risk_limited"`
	BalanceLimited float64 `json:"balance_limited"`
	Final          float64 `json:"final"`
	Binding        string  `json:"binding"`
	UnitCostUSD    float64 `json:"unit_cost_usd"`
	ExpectedPnLUSD float64 `json:"expected_pnl_usd"`
}

// Sizer holds the bankroll policy.
type Sizer struct {
	kellyMultiplier float64
	logger          *slog.Logger
}

func New(kellyMultiplier float64, logger *slog.Logger) *Sizer {
	return &Sizer{
		kellyMultiplier: kellyMultiplier,
		logger:          logger.With("component", "sizing"),
	}
}

// unitCost is the capital consumed per contract: the sum of both legs'
// effective entry prices.
func unitCost(opp types.Opportunity) float64 {
	if qty := opp.LegA.Qty; qty > 0 && opp.Notional > 0 {
		return opp.Notional / qty
	}
	return opp.LegA.Price + opp.LegB.Price
}

// Size runs the staircase. A zero return means the opportunity cannot be
// funded at any stage; the summary still reports where it died.
func (s *Sizer) Size(opp types.Opportunity, in Inputs) Summary {
	sum := Summary{UnitCostUSD: unitCost(opp)}
	if sum.UnitCostUSD <= 0 {
		return sum
	}
	mult := in.KellyMultiplier
	if mult == 0 {
		mult = s.kellyMultiplier
	}

	// Kelly with even payout: win probability from the edge, fraction capped
	// at 0.25 before the configured multiplier applies.
	p := 0.5 + opp.EdgeBps/20000
	sum.KellyFraction = odds.KellyFraction(opp.EdgeBps, p)
	sum.KellySize = in.BankrollUSD * sum.KellyFraction * mult / sum.UnitCostUSD
	sum.Binding = BindKelly
	if sum.KellySize <= 0 {
		return sum
	}

	size := sum.KellySize
	clip := func(limit float64, label string) {
		if limit < size {
			size = limit
			sum.Binding = label
		}
	}

	clip(in.Limits.MaxPerTradeUSD/sum.UnitCostUSD, BindPerTrade)
	clip((in.Limits.MaxPositionPerEventUSD-in.EventExposureUSD)/sum.UnitCostUSD, BindPerEvent)
	clip((in.Limits.MaxOpenRiskUSD-in.TotalExposureUSD)/sum.UnitCostUSD, BindTotal)
	sum.RiskLimited = size
	if size <= 0 {
		sum.RiskLimited = 0
		return sum
	}

	if opp.LegA.Price > 0 {
		clip(in.BalanceAUSD/opp.LegA.Price, BindBalanceA)
	}
	if opp.LegB.Price > 0 {
		clip(in.BalanceBUSD/opp.LegB.Price, BindBalanceB)
	}
	sum.BalanceLimited = size
	if size <= 0 {
		sum.BalanceLimited = 0
		return sum
	}

	// Whole contracts, minimum one.
	sum.Final = math.Max(1, math.Round(size))
	sum.ExpectedPnLUSD = odds.ExpectedPnL(opp.EdgeBps, sum.Final*sum.UnitCostUSD)

	s.logger.Debug("sized opportunity",
		"event", opp.EventID,
		"kelly", sum.KellySize,
		"final", sum.Final,
		"binding", sum.Binding,
	)
	return sum
}
