// Package discovery scans all venues for cross-venue arbitrage. One scan
// tick lists contracts everywhere, maps them onto canonical events, pairs
// contracts across venues by event, refreshes quotes, and prices both
// directions of every pair net of fees. Contracts the mappers abstain on
// are dropped and counted, never guessed at.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"pm-arb/internal/fees"
	"pm-arb/internal/odds"
	"pm-arb/internal/registry"
	"pm-arb/internal/venue"
	"pm-arb/pkg/types"
)

const (
	listTimeout = 15 * time.Second

	// liquidityFloor rejects pairs where any of the four quoted sizes is
	// thinner than this many contracts.
	liquidityFloor = 100.0

	// minExpiryWindow rejects legs that settle too soon to safely unwind.
	minExpiryWindow = time.Hour
)

// Stats counts what a scan saw and kept.
type Stats struct {
	ContractsScanned   int           `json:"contracts_scanned"`
	ContractsDropped   int           `json:"contracts_dropped"` // mapper abstained
	EventsPaired       int           `json:"events_paired"`
	OpportunitiesFound int           `json:"opportunities_found"`
	VenueErrors        int           `json:"venue_errors"`
	LastScanAt         time.Time     `json:"last_scan_at"`
	LastScanDuration   time.Duration `json:"last_scan_duration"`
}

// Engine runs scans. Venues are fanned out concurrently; a failing venue
// contributes zero contracts and the scan proceeds with the rest.
type Engine struct {
	venues  []venue.Client
	mappers map[types.Venue]*registry.Mapper
	reg     *registry.Registry
	fees    *fees.Calculator

	minEdgeBps     float64
	minNotionalUSD float64
	logger         *slog.Logger
	now            func() time.Time

	mu        sync.Mutex
	stats     Stats
	contracts []types.Contract
}

// New creates a discovery engine over the given venues. Each venue needs a
// mapper; venues without one are scanned but every contract abstains.
// minEdgeBps is the admission gate: directions pricing below it are never
// emitted, so they don't reach stats, metrics, or the event stream.
func New(venues []venue.Client, mappers map[types.Venue]*registry.Mapper, reg *registry.Registry, calc *fees.Calculator, minEdgeBps, minNotionalUSD float64, logger *slog.Logger) *Engine {
	return &Engine{
		venues:         venues,
		mappers:        mappers,
		reg:            reg,
		fees:           calc,
		minEdgeBps:     minEdgeBps,
		minNotionalUSD: minNotionalUSD,
		logger:         logger.With("component", "discovery"),
		now:            time.Now,
	}
}

// SetClock overrides the time source used by the expiry gate. The backtest
// replays historical quotes against their own timeline.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Stats returns a snapshot of the last scan's counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// LastContracts returns the contracts seen by the most recent scan, so
// downstream consumers can reuse them without another venue round trip.
func (e *Engine) LastContracts() []types.Contract {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.Contract(nil), e.contracts...)
}

// eventLegs collects, per event and venue, the YES and NO contracts.
type eventLegs struct {
	yes map[types.Venue]types.Contract
	no  map[types.Venue]types.Contract
}

// Scan runs one full discovery pass and returns opportunities sorted by
// edge, best first.
func (e *Engine) Scan(ctx context.Context) ([]types.Opportunity, error) {
	start := time.Now()
	stats := Stats{LastScanAt: start.UTC()}

	contracts := e.listAll(ctx, &stats)
	stats.ContractsScanned = len(contracts)

	events := e.mapContracts(contracts, &stats)

	opportunities := e.price(ctx, events, &stats)

	sort.SliceStable(opportunities, func(i, j int) bool {
		return opportunities[i].EdgeBps > opportunities[j].EdgeBps
	})

	stats.OpportunitiesFound = len(opportunities)
	stats.LastScanDuration = time.Since(start)

	e.mu.Lock()
	e.stats = stats
	e.contracts = contracts
	e.mu.Unlock()

	e.logger.Debug("scan complete",
		"contracts", stats.ContractsScanned,
		"dropped", stats.ContractsDropped,
		"events_paired", stats.EventsPaired,
		"opportunities", stats.OpportunitiesFound,
		"duration", stats.LastScanDuration,
	)
	return opportunities, ctx.Err()
}

// listAll fans ListContracts out to every venue with per-venue timeout and
// error isolation.
func (e *Engine) listAll(ctx context.Context, stats *Stats) []types.Contract {
	var mu sync.Mutex
	var all []types.Contract

	p := pool.New().WithMaxGoroutines(2)
	for _, vc := range e.venues {
		p.Go(func() {
			listCtx, cancel := context.WithTimeout(ctx, listTimeout)
			defer cancel()

			contracts, err := vc.ListContracts(listCtx)
			if err != nil {
				e.logger.Warn("venue list failed", "venue", vc.Venue(), "error", err)
				mu.Lock()
				stats.VenueErrors++
				mu.Unlock()
				return
			}
			mu.Lock()
			all = append(all, contracts...)
			mu.Unlock()
		})
	}
	p.Wait()

	return all
}

// mapContracts resolves each contract to a canonical event or drops it.
func (e *Engine) mapContracts(contracts []types.Contract, stats *Stats) map[string]*eventLegs {
	events := make(map[string]*eventLegs)

	for _, c := range contracts {
		mapper, ok := e.mappers[c.Venue]
		if !ok {
			stats.ContractsDropped++
			continue
		}
		// Map by market, not by per-side contract, so one canonical mapping
		// covers both the YES and NO legs.
		marketID := c.MarketID
		if marketID == "" {
			marketID = c.ID
		}
		eventID, ok := mapper.Map(marketID, c.EventKey, "", c.Meta)
		if !ok {
			stats.ContractsDropped++
			continue
		}
		c.EventID = eventID

		legs, ok := events[eventID]
		if !ok {
			legs = &eventLegs{
				yes: make(map[types.Venue]types.Contract),
				no:  make(map[types.Venue]types.Contract),
			}
			events[eventID] = legs
		}
		switch c.Side {
		case types.YES:
			legs.yes[c.Venue] = c
		case types.NO:
			legs.no[c.Venue] = c
		}
	}

	return events
}

// price refreshes quotes for every paired contract and computes both
// directions of each cross-venue pair.
func (e *Engine) price(ctx context.Context, events map[string]*eventLegs, stats *Stats) []types.Opportunity {
	pairs := e.collectPairs(events, stats)
	if len(pairs) == 0 {
		return nil
	}

	quotes := e.refreshQuotes(ctx, pairs)

	var opportunities []types.Opportunity
	for _, pair := range pairs {
		if opp, ok := e.priceDirection(pair, quotes); ok {
			opportunities = append(opportunities, opp)
		}
	}
	return opportunities
}

// pairLeg is one direction of one venue pair for one event: buy SideA's
// contract on venue A and SideB's on venue B.
type pairLeg struct {
	eventID    string
	legA, legB types.Contract
	sideA      types.ContractSide
	sideB      types.ContractSide
	confidence float64
}

// collectPairs enumerates every cross-venue direction per event. Venues are
// ordered by name so a scan is deterministic.
func (e *Engine) collectPairs(events map[string]*eventLegs, stats *Stats) []pairLeg {
	var pairs []pairLeg

	eventIDs := make([]string, 0, len(events))
	for id := range events {
		eventIDs = append(eventIDs, id)
	}
	sort.Strings(eventIDs)

	for _, eventID := range eventIDs {
		legs := events[eventID]
		venues := venuesOf(legs)
		if len(venues) < 2 {
			continue
		}
		stats.EventsPaired++
		confidence := e.pairConfidence(eventID)

		for i := 0; i < len(venues); i++ {
			for j := i + 1; j < len(venues); j++ {
				a, b := venues[i], venues[j]

				// YES@A + NO@B
				if yesA, ok := legs.yes[a]; ok {
					if noB, ok := legs.no[b]; ok {
						pairs = append(pairs, pairLeg{eventID, yesA, noB, types.YES, types.NO, confidence})
					}
				}
				// NO@A + YES@B
				if noA, ok := legs.no[a]; ok {
					if yesB, ok := legs.yes[b]; ok {
						pairs = append(pairs, pairLeg{eventID, noA, yesB, types.NO, types.YES, confidence})
					}
				}
			}
		}
	}

	return pairs
}

func venuesOf(legs *eventLegs) []types.Venue {
	seen := make(map[types.Venue]bool)
	for v := range legs.yes {
		seen[v] = true
	}
	for v := range legs.no {
		seen[v] = true
	}
	venues := make([]types.Venue, 0, len(seen))
	for v := range seen {
		venues = append(venues, v)
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i] < venues[j] })
	return venues
}

// pairConfidence is 1.0 when every mapping behind the event is manual,
// otherwise the minimum mapping confidence.
func (e *Engine) pairConfidence(eventID string) float64 {
	mappings := e.reg.MarketsFor(eventID)
	if len(mappings) == 0 {
		return 0
	}
	confidence := 1.0
	for _, m := range mappings {
		if m.Confidence < confidence {
			confidence = m.Confidence
		}
	}
	return confidence
}

// refreshQuotes batches one GetQuotes per venue over the union of paired
// contract ids. A venue error drops that venue's quotes; its pairs price
// as missing and are skipped.
func (e *Engine) refreshQuotes(ctx context.Context, pairs []pairLeg) map[string]types.Quote {
	wanted := make(map[types.Venue]map[string]bool)
	for _, pair := range pairs {
		for _, c := range []types.Contract{pair.legA, pair.legB} {
			if wanted[c.Venue] == nil {
				wanted[c.Venue] = make(map[string]bool)
			}
			wanted[c.Venue][c.ID] = true
		}
	}

	var mu sync.Mutex
	quotes := make(map[string]types.Quote)

	p := pool.New().WithMaxGoroutines(2)
	for _, vc := range e.venues {
		ids := wanted[vc.Venue()]
		if len(ids) == 0 {
			continue
		}
		p.Go(func() {
			contractIDs := make([]string, 0, len(ids))
			for id := range ids {
				contractIDs = append(contractIDs, id)
			}
			sort.Strings(contractIDs)

			batch, err := vc.GetQuotes(ctx, contractIDs)
			if err != nil {
				e.logger.Warn("quote refresh failed", "venue", vc.Venue(), "error", err)
				return
			}
			mu.Lock()
			for _, q := range batch {
				quotes[string(q.Venue)+"/"+q.ContractID] = q
			}
			mu.Unlock()
		})
	}
	p.Wait()

	return quotes
}

// priceDirection computes the fee-adjusted edge for one direction of one
// pair. Gates, in order: quotes present, liquidity floor on all four sizes,
// expiry window, executable quantity, minimum edge, minimum notional.
func (e *Engine) priceDirection(pair pairLeg, quotes map[string]types.Quote) (types.Opportunity, bool) {
	quoteA, okA := quotes[string(pair.legA.Venue)+"/"+pair.legA.ID]
	quoteB, okB := quotes[string(pair.legB.Venue)+"/"+pair.legB.ID]
	if !okA || !okB {
		return types.Opportunity{}, false
	}
	if quoteA.BestAsk <= 0 || quoteB.BestAsk <= 0 {
		return types.Opportunity{}, false
	}

	if quoteA.BestBidSize < liquidityFloor || quoteA.BestAskSize < liquidityFloor ||
		quoteB.BestBidSize < liquidityFloor || quoteB.BestAskSize < liquidityFloor {
		return types.Opportunity{}, false
	}

	now := e.now().UTC()
	for _, c := range []types.Contract{pair.legA, pair.legB} {
		if !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now.Add(minExpiryWindow)) {
			return types.Opportunity{}, false
		}
	}

	askA, askB := quoteA.BestAsk, quoteB.BestAsk
	qty := math.Min(e.minNotionalUSD/(askA+askB), math.Min(quoteA.BestAskSize, quoteB.BestAskSize))
	if qty < 1 {
		return types.Opportunity{}, false
	}

	effA := e.fees.EffectivePrice(pair.legA.Venue, types.BUY, askA, qty, false)
	effB := e.fees.EffectivePrice(pair.legB.Venue, types.BUY, askB, qty, false)

	edgeBps := math.Max(0, (1.0-(effA+effB))*10000.0)
	notional := qty * (effA + effB)

	// qty is derived from minNotionalUSD, so the round trip can land a few
	// ulps under the floor; tolerate that.
	if edgeBps == 0 || !odds.IsProfitable(edgeBps, e.minEdgeBps, notional, e.minNotionalUSD-1e-9) {
		return types.Opportunity{}, false
	}

	expiry := pair.legA.ExpiresAt
	if !pair.legB.ExpiresAt.IsZero() && (expiry.IsZero() || pair.legB.ExpiresAt.Before(expiry)) {
		expiry = pair.legB.ExpiresAt
	}

	return types.Opportunity{
		EventID: pair.eventID,
		LegA: types.OrderRequest{
			Venue: pair.legA.Venue, ContractID: pair.legA.ID,
			Side: types.BUY, Price: askA, Qty: qty, TIF: types.TifIOC,
		},
		LegB: types.OrderRequest{
			Venue: pair.legB.Venue, ContractID: pair.legB.ID,
			Side: types.BUY, Price: askB, Qty: qty, TIF: types.TifIOC,
		},
		SideA:      pair.sideA,
		SideB:      pair.sideB,
		EdgeBps:    edgeBps,
		Notional:   notional,
		Expiry:     expiry,
		Rationale:  fmt.Sprintf("%s@A+%s@B: %.1fbps", pair.sideA, pair.sideB, edgeBps),
		Confidence: pair.confidence,
		CreatedAt:  now,
	}, true
}
