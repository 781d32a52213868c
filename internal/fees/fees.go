// Package fees prices the all-in cost of trading on each venue: proportional
// maker/taker fees plus flat gas and withdrawal charges. Discovery uses it to
// turn quoted asks into effective asks before computing edges.
package fees

import (
	"math"

	"pm-arb/pkg/types"
)

// Calculator resolves per-venue fee models and derives effective prices.
// Venues without a configured model trade cost-free, which keeps unknown
// venues tradeable in paper mode without special cases.
type Calculator struct {
	models map[types.Venue]types.FeeModel
}

// NewCalculator builds a Calculator over the given per-venue models.
func NewCalculator(models map[types.Venue]types.FeeModel) *Calculator {
	m := make(map[types.Venue]types.FeeModel, len(models))
	for venue, model := range models {
		m[venue] = model
	}
	return &Calculator{models: m}
}

// NewDefaultCalculator returns a Calculator with the standard venue models:
// Polymarket 0/25bps plus a $0.50 gas estimate, Kalshi 0/30bps.
func NewDefaultCalculator() *Calculator {
	return NewCalculator(map[types.Venue]types.FeeModel{
		types.VenuePolymarket: {MakerBps: 0, TakerBps: 25, GasUSD: 0.50},
		types.VenueKalshi:     {MakerBps: 0, TakerBps: 30},
	})
}

// Model returns the fee model for a venue, or a zero-cost model when the
// venue is not configured.
func (c *Calculator) Model(venue types.Venue) types.FeeModel {
	return c.models[venue]
}

// TradeCost estimates the total USD cost of one order: proportional fee on
// notional plus the venue's flat gas and withdrawal charges.
func (c *Calculator) TradeCost(venue types.Venue, price, qty float64, isMaker bool) float64 {
	model, ok := c.models[venue]
	if !ok {
		return 0
	}

	bps := model.TakerBps
	if isMaker {
		bps = model.MakerBps
	}
	tradingFee := price * qty * bps / 10000.0

	return tradingFee + model.GasUSD + model.WithdrawalUSD
}

// EffectivePrice folds all trading costs into a per-share price. Buys get
// more expensive, sells receive less; a sell never nets below zero.
func (c *Calculator) EffectivePrice(venue types.Venue, side types.Side, price, qty float64, isMaker bool) float64 {
	if price*qty == 0 {
		return price
	}

	perUnit := c.TradeCost(venue, price, qty, isMaker) / qty
	if side == types.BUY {
		return price + perUnit
	}
	return math.Max(0, price-perUnit)
}

// BreakevenPrice inverts EffectivePrice: the quoted price at which the
// all-in cost equals target. Solves
//
//	target = price·(1 ± bps/10000) ± fixed/qty
//
// for price. Unknown venues and degenerate denominators return target.
func (c *Calculator) BreakevenPrice(venue types.Venue, side types.Side, target, qty float64, isMaker bool) float64 {
	model, ok := c.models[venue]
	if !ok || qty == 0 {
		return target
	}

	bps := model.TakerBps
	if isMaker {
		bps = model.MakerBps
	}
	fixed := model.GasUSD + model.WithdrawalUSD

	if side == types.BUY {
		denom := 1 + bps/10000.0
		if denom == 0 {
			return target
		}
		return (target - fixed/qty) / denom
	}

	denom := 1 - bps/10000.0
	if denom == 0 {
		return target
	}
	return (target + fixed/qty) / denom
}
