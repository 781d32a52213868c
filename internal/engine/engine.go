// Package engine runs the trading loop: scan venues for cross-venue
// arbitrage, gate each opportunity through risk, size it, execute both
// legs, and account the result. Paper and live mode share the same loop
// and differ only in the venue clients behind it; the backtest runner
// replays recorded quotes through the same pipeline.
//
// Lifecycle: NewPaper/NewLive → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"pm-arb/internal/api"
	"pm-arb/internal/config"
	"pm-arb/internal/discovery"
	"pm-arb/internal/exec"
	"pm-arb/internal/fees"
	"pm-arb/internal/portfolio"
	"pm-arb/internal/registry"
	"pm-arb/internal/risk"
	"pm-arb/internal/sizing"
	"pm-arb/internal/store"
	"pm-arb/internal/venue"
	"pm-arb/pkg/types"
)

// scanBackoff pauses the loop after a tick where every venue failed, so a
// dead API doesn't spin the discovery interval.
const scanBackoff = 5 * time.Second

// snapshotName keys the engine state snapshot in the store.
const snapshotName = "engine"

// Deps are the externally constructed components an engine runs over. The
// CLI wires real or mock venue clients depending on the mode.
type Deps struct {
	Venues   []venue.Client
	Registry *registry.Registry
	Store    *store.Store
	Metrics  *api.Metrics
	Hub      *api.Hub // nil disables event streaming
}

// Engine is the shared trading loop. PaperEngine and LiveEngine wrap it
// with mode-specific construction and startup checks.
type Engine struct {
	cfg    *config.Config
	mode   types.TradingMode
	logger *slog.Logger

	venues    map[types.Venue]venue.Client
	discovery *discovery.Engine
	riskMgr   *risk.Manager
	sizer     *sizing.Sizer
	executor  *exec.Executor
	index     *exec.ContractIndex
	portfolio *portfolio.Portfolio
	store     *store.Store
	metrics   *api.Metrics
	hub       *api.Hub
	reg       *registry.Registry
	cron      *cron.Cron

	// breakerOpen tracks the last published breaker state per venue so
	// only transitions hit the event stream. Touched by the run goroutine
	// only.
	breakerOpen map[types.Venue]bool

	startedAt time.Time
	ready     atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newEngine(mode types.TradingMode, cfg *config.Config, deps Deps, logger *slog.Logger) (*Engine, error) {
	if len(deps.Venues) < 2 {
		return nil, fmt.Errorf("engine needs at least two venues, got %d", len(deps.Venues))
	}
	if deps.Registry == nil || deps.Store == nil {
		return nil, fmt.Errorf("engine needs a registry and a store")
	}

	riskMgr := risk.NewManager(cfg.RiskLimits(), cfg.CircuitBreakerErrorRate, cfg.CircuitBreakerLatencyMs, logger)

	venues := make(map[types.Venue]venue.Client, len(deps.Venues))
	clients := make([]venue.Client, 0, len(deps.Venues))
	mappers := make(map[types.Venue]*registry.Mapper, len(deps.Venues))
	names := make([]types.Venue, 0, len(deps.Venues))
	models := make(map[types.Venue]types.FeeModel, len(deps.Venues))
	for _, vc := range deps.Venues {
		v := vc.Venue()
		if _, dup := venues[v]; dup {
			return nil, fmt.Errorf("duplicate venue %s", v)
		}
		wrapped := instrument(vc, riskMgr)
		venues[v] = wrapped
		clients = append(clients, wrapped)
		mappers[v] = registry.NewMapper(v, deps.Registry, logger)
		names = append(names, v)
		models[v] = cfg.FeeModelFor(v)
	}

	index := exec.NewContractIndex()
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:         cfg,
		mode:        mode,
		logger:      logger.With("component", "engine", "mode", string(mode)),
		venues:      venues,
		discovery:   discovery.New(clients, mappers, deps.Registry, fees.NewCalculator(models), cfg.MinEdgeBps, cfg.MinNotionalUSD, logger),
		riskMgr:     riskMgr,
		sizer:       sizing.New(cfg.KellyFraction, logger),
		executor:    exec.New(venues, index, logger),
		index:       index,
		portfolio:   portfolio.New(cfg.StartingBalanceUSD, names, logger),
		store:       deps.Store,
		metrics:     deps.Metrics,
		hub:         deps.Hub,
		reg:         deps.Registry,
		cron:        cron.New(cron.WithSeconds()),
		breakerOpen: make(map[types.Venue]bool),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start launches the background goroutines: the trading loop, the quote
// refresher for open positions, the minute status line, and the cron jobs.
func (e *Engine) Start() error {
	e.startedAt = time.Now().UTC()
	e.restoreSnapshot()

	if e.cfg.SnapshotCron != "" {
		if _, err := e.cron.AddFunc(e.cfg.SnapshotCron, e.snapshotRegistry); err != nil {
			return fmt.Errorf("schedule registry snapshot: %w", err)
		}
		e.cron.Start()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.refreshQuotes()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reportStatus()
	}()

	e.ready.Store(true)
	e.logger.Info("engine started",
		"venues", len(e.venues),
		"discovery_interval", e.cfg.DiscoveryInterval,
		"starting_balance", e.cfg.StartingBalanceUSD,
	)
	return nil
}

// Stop is graceful: cancel the loops, wait for any in-flight tick to
// finish, then flush the registry, positions, and the engine snapshot.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.ready.Store(false)
	e.cancel()
	if e.cfg.SnapshotCron != "" {
		<-e.cron.Stop().Done()
	}
	e.wg.Wait()

	e.persistPositions()
	e.saveSnapshot()
	if err := e.reg.Save(); err != nil {
		e.logger.Error("registry save failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// run is the main trading loop, one tick per discovery interval.
func (e *Engine) run() {
	ticker := time.NewTicker(e.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.tick(e.ctx); err != nil {
				if e.ctx.Err() != nil {
					return
				}
				e.logger.Error("scan failed", "error", err)
				select {
				case <-e.ctx.Done():
					return
				case <-time.After(scanBackoff):
				}
			}
		}
	}
}

// tick runs one full scan → gate → size → execute pass.
func (e *Engine) tick(ctx context.Context) error {
	start := time.Now()
	opportunities, err := e.discovery.Scan(ctx)
	if e.metrics != nil {
		e.metrics.ScanDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return err
	}
	if stats := e.discovery.Stats(); stats.VenueErrors > 0 && stats.ContractsScanned == 0 {
		return fmt.Errorf("all venues failed to list contracts (%d errors)", stats.VenueErrors)
	}

	e.index.Add(e.discovery.LastContracts())
	e.riskMgr.ClearExpired()
	e.publishBreakerState()

	for _, opp := range opportunities {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.handleOpportunity(ctx, opp)
	}
	return nil
}

// handleOpportunity gates, sizes, and executes one opportunity.
func (e *Engine) handleOpportunity(ctx context.Context, opp types.Opportunity) {
	if e.metrics != nil {
		e.metrics.ObserveOpportunity(opp)
	}
	e.publish("opportunity", opp)

	eventExposure := e.portfolio.EventExposure(opp.EventID)
	totalExposure := e.portfolio.TotalExposure()

	allowed, reason := e.riskMgr.IsAllowed(opp, eventExposure, totalExposure)
	if !allowed {
		if e.metrics != nil {
			e.metrics.ObserveRejection(reason)
		}
		e.logger.Debug("opportunity rejected",
			"event", opp.EventID,
			"edge_bps", opp.EdgeBps,
			"reason", e.riskMgr.Describe(reason),
		)
		return
	}

	sz := e.sizer.Size(opp, sizing.Inputs{
		BankrollUSD:      e.portfolio.Summary().CurrentBalanceUSD,
		Limits:           e.cfg.RiskLimits(),
		EventExposureUSD: eventExposure,
		TotalExposureUSD: totalExposure,
		BalanceAUSD:      e.portfolio.VenueBalance(opp.LegA.Venue),
		BalanceBUSD:      e.portfolio.VenueBalance(opp.LegB.Venue),
	})
	if sz.Final <= 0 {
		if e.metrics != nil {
			e.metrics.ObserveRejection("unfundable")
		}
		e.logger.Debug("opportunity unfundable", "event", opp.EventID, "binding", sz.Binding)
		return
	}
	resize(&opp, sz)

	trade, err := e.executor.Execute(ctx, opp)
	if err != nil {
		e.logger.Error("execution failed", "event", opp.EventID, "error", err)
		return
	}

	e.portfolio.AddTrade(*trade)
	e.riskMgr.RecordPnL(trade.PnL)
	if e.metrics != nil {
		e.metrics.ObserveTrade(trade.Status)
	}
	e.publish("trade", trade)

	if err := e.store.SaveTrade(*trade); err != nil {
		e.logger.Error("trade persist failed", "trade", trade.ID, "error", err)
	}
	e.persistEventPositions(trade.EventID)

	e.logger.Info("trade complete",
		"trade", trade.ID,
		"event", trade.EventID,
		"status", string(trade.Status),
		"qty", trade.Qty,
		"pnl", trade.PnL,
	)
}

// resize scales both legs to the final contract count from the sizer.
func resize(opp *types.Opportunity, sz sizing.Summary) {
	opp.LegA.Qty = sz.Final
	opp.LegB.Qty = sz.Final
	opp.Notional = sz.Final * sz.UnitCostUSD
}

// refreshQuotes keeps open positions marked to market.
func (e *Engine) refreshQuotes() {
	ticker := time.NewTicker(e.cfg.QuoteRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.refreshPositionQuotes(e.ctx)
		}
	}
}

func (e *Engine) refreshPositionQuotes(ctx context.Context) {
	for v, client := range e.venues {
		positions := e.portfolio.PositionsByVenue(v)
		if len(positions) == 0 {
			continue
		}
		ids := make([]string, 0, len(positions))
		for _, pos := range positions {
			ids = append(ids, pos.ContractID)
		}

		quotes, err := client.GetQuotes(ctx, ids)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Debug("position quote refresh failed", "venue", v, "error", err)
			}
			continue
		}
		e.portfolio.UpdateQuotes(quotes)
		if err := e.store.RecordQuotes(quotes); err != nil {
			e.logger.Error("quote persist failed", "venue", v, "error", err)
		}
	}
}

// reportStatus logs one summary line per minute.
func (e *Engine) reportStatus() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			sum := e.portfolio.Summary()
			scan := e.discovery.Stats()
			e.logger.Info("status",
				"balance", sum.CurrentBalanceUSD,
				"realized", sum.RealizedPnLUSD,
				"unrealized", sum.UnrealizedPnLUSD,
				"exposure", sum.TotalExposureUSD,
				"positions", sum.OpenPositions,
				"trades", sum.TradeCount,
				"win_rate", sum.WinRate,
				"last_scan_opps", scan.OpportunitiesFound,
			)
			e.publish("status", e.Status())
		}
	}
}

// publishBreakerState pushes breaker transitions to metrics and the stream.
func (e *Engine) publishBreakerState() {
	snap := e.riskMgr.Snapshot()
	for _, vs := range snap.Venues {
		if e.metrics != nil {
			e.metrics.SetBreaker(vs.Venue, vs.Tripped)
		}
		if e.breakerOpen[vs.Venue] != vs.Tripped {
			e.breakerOpen[vs.Venue] = vs.Tripped
			e.publish("breaker", vs)
		}
	}
}

func (e *Engine) publish(eventType string, data any) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(eventType, data)
}

// snapshotRegistry is the cron job: persist the registry and log coverage.
func (e *Engine) snapshotRegistry() {
	if err := e.reg.Save(); err != nil {
		e.logger.Error("registry snapshot failed", "error", err)
		return
	}
	cov := e.reg.CoverageStats()
	e.logger.Info("registry snapshot",
		"events", cov.TotalEvents,
		"mappings", cov.TotalMappings,
		"cross_venue", cov.EventsWithCrossVenue,
	)
}

func (e *Engine) persistPositions() {
	for v := range e.venues {
		for _, pos := range e.portfolio.PositionsByVenue(v) {
			if err := e.store.UpsertPosition(pos); err != nil {
				e.logger.Error("position persist failed",
					"venue", pos.Venue, "contract", pos.ContractID, "error", err)
			}
		}
	}
}

func (e *Engine) persistEventPositions(eventID string) {
	for _, pos := range e.portfolio.PositionsByEvent(eventID) {
		if err := e.store.UpsertPosition(pos); err != nil {
			e.logger.Error("position persist failed",
				"venue", pos.Venue, "contract", pos.ContractID, "error", err)
		}
	}
}

// engineSnapshot is the restart-recovery state written on shutdown.
type engineSnapshot struct {
	Mode     types.TradingMode       `json:"mode"`
	SavedAt  time.Time               `json:"saved_at"`
	Summary  portfolio.Summary       `json:"summary"`
	Balances map[types.Venue]float64 `json:"balances"`
	Stats    exec.Stats              `json:"stats"`
}

func (e *Engine) saveSnapshot() {
	snap := engineSnapshot{
		Mode:     e.mode,
		SavedAt:  time.Now().UTC(),
		Summary:  e.portfolio.Summary(),
		Balances: make(map[types.Venue]float64, len(e.venues)),
		Stats:    e.executor.Stats(),
	}
	for v := range e.venues {
		snap.Balances[v] = e.portfolio.VenueBalance(v)
	}
	if err := e.store.SaveSnapshot(snapshotName, snap); err != nil {
		e.logger.Error("engine snapshot failed", "error", err)
	}
}

func (e *Engine) restoreSnapshot() {
	var snap engineSnapshot
	ok, err := e.store.LoadSnapshot(snapshotName, &snap)
	if err != nil {
		e.logger.Error("engine snapshot load failed", "error", err)
		return
	}
	if !ok {
		return
	}
	for v, balance := range snap.Balances {
		if _, known := e.venues[v]; known {
			e.portfolio.SetVenueBalance(v, balance)
		}
	}
	e.logger.Info("engine snapshot restored",
		"saved_at", snap.SavedAt,
		"balance", snap.Summary.CurrentBalanceUSD,
		"trades", snap.Summary.TradeCount,
	)
}

// SetHub attaches the event stream. The ops server owns the hub but is
// constructed around the engine, so the hub arrives after construction.
// Must be called before Start.
func (e *Engine) SetHub(hub *api.Hub) { e.hub = hub }

// Status implements api.StatusProvider.
func (e *Engine) Status() api.Status {
	snap := e.riskMgr.Snapshot()

	byVenue := make(map[types.Venue]risk.VenueSnapshot, len(snap.Venues))
	for _, vs := range snap.Venues {
		byVenue[vs.Venue] = vs
	}

	names := make([]types.Venue, 0, len(e.venues))
	for v := range e.venues {
		names = append(names, v)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	venues := make([]types.HealthStatus, 0, len(names))
	now := time.Now().UTC()
	for _, v := range names {
		vs := byVenue[v]
		venues = append(venues, types.HealthStatus{
			Venue:      v,
			Healthy:    !vs.Tripped,
			LatencyMs:  vs.MeanLatencyMs,
			ErrorRate:  float64(vs.Errors5m) / 100,
			LastUpdate: now,
		})
	}

	return api.Status{
		Mode:          string(e.mode),
		StartedAt:     e.startedAt,
		UptimeSeconds: time.Since(e.startedAt).Seconds(),
		Venues:        venues,
		Risk:          snap,
		Portfolio:     e.portfolio.Summary(),
		Execution:     e.executor.Stats(),
		Discovery:     e.discovery.Stats(),
	}
}

// Ready implements api.StatusProvider.
func (e *Engine) Ready() bool { return e.ready.Load() }

// Portfolio exposes the portfolio for the CLI and tests.
func (e *Engine) Portfolio() *portfolio.Portfolio { return e.portfolio }

// RiskManager exposes the risk manager for the CLI and tests.
func (e *Engine) RiskManager() *risk.Manager { return e.riskMgr }

// instrumented feeds every venue call's latency and outcome into the risk
// manager, so the circuit breakers see real traffic in any mode.
type instrumented struct {
	venue.Client
	risk *risk.Manager
}

func instrument(c venue.Client, m *risk.Manager) venue.Client {
	return &instrumented{Client: c, risk: m}
}

func (c *instrumented) observe(start time.Time, err error) {
	c.risk.RecordLatency(c.Venue(), float64(time.Since(start).Microseconds())/1000)
	if err != nil {
		c.risk.RecordError(c.Venue())
	}
}

func (c *instrumented) ListContracts(ctx context.Context) ([]types.Contract, error) {
	start := time.Now()
	out, err := c.Client.ListContracts(ctx)
	c.observe(start, err)
	return out, err
}

func (c *instrumented) GetQuotes(ctx context.Context, contractIDs []string) ([]types.Quote, error) {
	start := time.Now()
	out, err := c.Client.GetQuotes(ctx, contractIDs)
	c.observe(start, err)
	return out, err
}

func (c *instrumented) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Fill, error) {
	start := time.Now()
	fill, err := c.Client.PlaceOrder(ctx, req)
	c.observe(start, err)
	return fill, err
}

func (c *instrumented) CancelOrder(ctx context.Context, venueOrderID string) (bool, error) {
	start := time.Now()
	ok, err := c.Client.CancelOrder(ctx, venueOrderID)
	c.observe(start, err)
	return ok, err
}

func (c *instrumented) GetBalance(ctx context.Context) (map[string]types.Balance, error) {
	start := time.Now()
	out, err := c.Client.GetBalance(ctx)
	c.observe(start, err)
	return out, err
}
