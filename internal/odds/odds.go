// Package odds converts binary-contract prices to probabilities and prices
// two-leg arbitrage structures. All prices are dollars per share in [0, 1];
// edges and spreads are expressed in basis points of notional.
package odds

import (
	"fmt"
	"math"

	"pm-arb/pkg/types"
)

// PriceToProbability converts a contract price to the implied probability of
// the underlying event. A YES share at $0.40 implies 40%; a NO share at
// $0.40 implies 60%.
func PriceToProbability(price float64, side types.ContractSide) float64 {
	p := price
	if side == types.NO {
		p = 1.0 - price
	}
	return clamp01(p)
}

// ProbabilityToPrice is the inverse of PriceToProbability.
func ProbabilityToPrice(prob float64, side types.ContractSide) float64 {
	p := prob
	if side == types.NO {
		p = 1.0 - prob
	}
	return clamp01(p)
}

// ArbitrageEdge prices both directions of a cross-venue structure and
// returns the better one. Direction 1 buys YES on venue A and NO on venue B;
// direction 2 buys NO on venue A and YES on venue B. The edge is the
// guaranteed payoff margin: (1 − legSum − totalCosts) in basis points,
// floored at zero. The rationale names the winning direction, e.g.
// "YES@A+NO@B: 123.4bps".
func ArbitrageEdge(askYesA, askNoB, askNoA, askYesB, totalCosts float64) (edgeBps float64, rationale string) {
	sum1 := askYesA + askNoB + totalCosts
	edge1 := math.Max(0, (1.0-sum1)*10000.0)

	sum2 := askNoA + askYesB + totalCosts
	edge2 := math.Max(0, (1.0-sum2)*10000.0)

	if edge1 > edge2 {
		return edge1, fmt.Sprintf("YES@A+NO@B: %.1fbps", edge1)
	}
	return edge2, fmt.Sprintf("NO@A+YES@B: %.1fbps", edge2)
}

// MinExecutableQty returns the largest quantity both legs can absorb within
// the capital cap: min(maxCapital / (priceYes + priceNo), qtyYes, qtyNo).
// Returns 0 when the combined price is not positive.
func MinExecutableQty(qtyYes, qtyNo, maxCapital, priceYes, priceNo float64) float64 {
	perUnit := priceYes + priceNo
	if perUnit <= 0 {
		return 0
	}
	byCapital := maxCapital / perUnit
	byLiquidity := math.Min(qtyYes, qtyNo)
	return math.Min(byCapital, byLiquidity)
}

// BreakevenProbability returns the margin left after buying both legs:
// 1 − (priceYes + priceNo + totalCosts). Positive means the structure locks
// a profit regardless of outcome.
func BreakevenProbability(priceYes, priceNo, totalCosts float64) float64 {
	return 1.0 - (priceYes + priceNo + totalCosts)
}

// IsProfitable applies the minimum-edge and minimum-notional gates.
func IsProfitable(edgeBps, minEdgeBps, notionalUSD, minNotionalUSD float64) bool {
	return edgeBps >= minEdgeBps && notionalUSD >= minNotionalUSD
}

// ExpectedPnL converts an edge to dollars on a given notional.
func ExpectedPnL(edgeBps, notionalUSD float64) float64 {
	return notionalUSD * edgeBps / 10000.0
}

// SpreadBps returns the quoted bid-ask spread in basis points, 0 when the
// book is crossed or empty.
func SpreadBps(q types.Quote) float64 {
	if q.BestAsk <= q.BestBid {
		return 0
	}
	return (q.BestAsk - q.BestBid) * 10000.0
}

// LiquidityScore ranks quotes by depth per unit of spread. A zero-spread
// quote scores +Inf so it always sorts first.
func LiquidityScore(q types.Quote) float64 {
	spread := SpreadBps(q)
	size := q.BestBidSize + q.BestAskSize
	if spread == 0 {
		return math.Inf(1)
	}
	return size / spread
}

// RoundToTick rounds a price to the venue's tick grid. A non-positive tick
// leaves the price untouched.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}

// KellyFraction computes the Kelly bet fraction for an even-payout wager
// with win probability p: f = (b·p − q)/b with b = 1. The result is capped
// at 0.25; a non-positive edge returns 0.
func KellyFraction(edgeBps, probability float64) float64 {
	if edgeBps <= 0 {
		return 0
	}
	const b = 1.0
	p := probability
	q := 1.0 - probability
	f := (b*p - q) / b
	return math.Max(0, math.Min(f, 0.25))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
