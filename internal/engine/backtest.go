package engine

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"pm-arb/internal/config"
	"pm-arb/internal/discovery"
	"pm-arb/internal/exec"
	"pm-arb/internal/fees"
	"pm-arb/internal/portfolio"
	"pm-arb/internal/registry"
	"pm-arb/internal/risk"
	"pm-arb/internal/sizing"
	"pm-arb/internal/venue"
	"pm-arb/pkg/types"
)

// quoteColumns is the expected CSV header for backtest data:
//
//	ts,venue,market_id,contract_id,side,title,bid,ask,bid_size,ask_size,expires_at
//
// ts and expires_at are RFC3339; expires_at may be empty, in which case the
// contract is treated as expiring a day after the row's timestamp.
const quoteColumns = 11

// quoteRow is one recorded top-of-book observation.
type quoteRow struct {
	ts        time.Time
	venue     types.Venue
	marketID  string
	contract  string
	side      types.ContractSide
	title     string
	bid, ask  float64
	bidSize   float64
	askSize   float64
	expiresAt time.Time
}

// BacktestRunner replays recorded quotes through the same discovery, risk,
// sizing, and execution pipeline the paper engine runs, against simulated
// fills at the recorded prices.
type BacktestRunner struct {
	cfg    *config.Config
	reg    *registry.Registry
	logger *slog.Logger
}

func NewBacktest(cfg *config.Config, reg *registry.Registry, logger *slog.Logger) *BacktestRunner {
	return &BacktestRunner{
		cfg:    cfg,
		reg:    reg,
		logger: logger.With("component", "backtest"),
	}
}

// Run replays the CSV at path. A zero from/to leaves that bound open.
func (r *BacktestRunner) Run(ctx context.Context, path string, from, to time.Time) (*types.BacktestResult, error) {
	rows, err := loadQuoteCSV(path)
	if err != nil {
		return nil, err
	}
	rows = filterWindow(rows, from, to)
	if len(rows) == 0 {
		return nil, fmt.Errorf("no quote rows in the requested window")
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ts.Before(rows[j].ts) })

	sim, err := r.newSimulation(rows)
	if err != nil {
		return nil, err
	}

	var trades []types.Trade
	for start := 0; start < len(rows); {
		end := start
		for end < len(rows) && rows[end].ts.Equal(rows[start].ts) {
			end++
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		executed, err := sim.step(ctx, rows[start:end])
		if err != nil {
			return nil, err
		}
		trades = append(trades, executed...)
		start = end
	}

	result := summarize(trades, rows[0].ts, rows[len(rows)-1].ts)
	r.logger.Info("backtest complete",
		"rows", len(rows),
		"trades", result.TotalTrades,
		"pnl", result.TotalPnL,
		"sharpe", result.SharpeRatio,
		"max_drawdown", result.MaxDrawdown,
	)
	return result, nil
}

// simulation holds the replay pipeline: one mock venue per venue seen in
// the data, fed tick by tick.
type simulation struct {
	cfg       *config.Config
	mocks     map[types.Venue]*venue.Mock
	contracts map[types.Venue]map[string]types.Contract
	discovery *discovery.Engine
	riskMgr   *risk.Manager
	sizer     *sizing.Sizer
	executor  *exec.Executor
	index     *exec.ContractIndex
	portfolio *portfolio.Portfolio

	// clock is the replay's current timestamp; discovery's expiry gate
	// reads it instead of wall time.
	clock time.Time
}

func (r *BacktestRunner) newSimulation(rows []quoteRow) (*simulation, error) {
	seen := make(map[types.Venue]bool)
	for _, row := range rows {
		seen[row.venue] = true
	}
	if len(seen) < 2 {
		return nil, fmt.Errorf("backtest data covers %d venue(s), need at least 2", len(seen))
	}

	mocks := make(map[types.Venue]*venue.Mock, len(seen))
	clients := make([]venue.Client, 0, len(seen))
	execVenues := make(map[types.Venue]venue.Client, len(seen))
	mappers := make(map[types.Venue]*registry.Mapper, len(seen))
	names := make([]types.Venue, 0, len(seen))
	models := make(map[types.Venue]types.FeeModel, len(seen))
	for v := range seen {
		names = append(names, v)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	for _, v := range names {
		model := r.cfg.FeeModelFor(v)
		mock := venue.NewMock(v, model.TakerBps)
		mocks[v] = mock
		clients = append(clients, mock)
		execVenues[v] = mock
		mappers[v] = registry.NewMapper(v, r.reg, r.logger)
		models[v] = model
	}

	index := exec.NewContractIndex()
	sim := &simulation{
		cfg:       r.cfg,
		mocks:     mocks,
		contracts: make(map[types.Venue]map[string]types.Contract),
		discovery: discovery.New(clients, mappers, r.reg, fees.NewCalculator(models), r.cfg.MinEdgeBps, r.cfg.MinNotionalUSD, r.logger),
		riskMgr:   risk.NewManager(r.cfg.RiskLimits(), r.cfg.CircuitBreakerErrorRate, r.cfg.CircuitBreakerLatencyMs, r.logger),
		sizer:     sizing.New(r.cfg.KellyFraction, r.logger),
		executor:  exec.New(execVenues, index, r.logger),
		index:     index,
		portfolio: portfolio.New(r.cfg.StartingBalanceUSD, names, r.logger),
	}
	sim.discovery.SetClock(func() time.Time { return sim.clock })
	return sim, nil
}

// step applies one timestamp's rows and runs one scan over the result.
func (s *simulation) step(ctx context.Context, tick []quoteRow) ([]types.Trade, error) {
	s.clock = tick[0].ts
	touched := make(map[types.Venue]bool)
	for _, row := range tick {
		library := s.contracts[row.venue]
		if library == nil {
			library = make(map[string]types.Contract)
			s.contracts[row.venue] = library
		}
		expires := row.expiresAt
		if expires.IsZero() {
			expires = row.ts.Add(24 * time.Hour)
		}
		library[row.contract] = types.Contract{
			Venue:     row.venue,
			ID:        row.contract,
			MarketID:  row.marketID,
			EventKey:  row.title,
			Side:      row.side,
			ExpiresAt: expires,
		}
		touched[row.venue] = true

		s.mocks[row.venue].SetQuote(types.Quote{
			ContractID:  row.contract,
			BestBid:     row.bid,
			BestAsk:     row.ask,
			BestBidSize: row.bidSize,
			BestAskSize: row.askSize,
			TS:          row.ts,
		})
	}
	for v := range touched {
		library := s.contracts[v]
		contracts := make([]types.Contract, 0, len(library))
		for _, c := range library {
			contracts = append(contracts, c)
		}
		sort.Slice(contracts, func(i, j int) bool { return contracts[i].ID < contracts[j].ID })
		s.mocks[v].SetContracts(contracts)
	}

	opportunities, err := s.discovery.Scan(ctx)
	if err != nil {
		return nil, err
	}
	s.index.Add(s.discovery.LastContracts())

	var executed []types.Trade
	for _, opp := range opportunities {
		allowed, _ := s.riskMgr.IsAllowed(opp,
			s.portfolio.EventExposure(opp.EventID), s.portfolio.TotalExposure())
		if !allowed {
			continue
		}
		sz := s.sizer.Size(opp, sizing.Inputs{
			BankrollUSD:      s.portfolio.Summary().CurrentBalanceUSD,
			Limits:           s.cfg.RiskLimits(),
			EventExposureUSD: s.portfolio.EventExposure(opp.EventID),
			TotalExposureUSD: s.portfolio.TotalExposure(),
			BalanceAUSD:      s.portfolio.VenueBalance(opp.LegA.Venue),
			BalanceBUSD:      s.portfolio.VenueBalance(opp.LegB.Venue),
		})
		if sz.Final <= 0 {
			continue
		}
		resize(&opp, sz)

		trade, err := s.executor.Execute(ctx, opp)
		if err != nil {
			return nil, err
		}
		s.portfolio.AddTrade(*trade)
		s.riskMgr.RecordPnL(trade.PnL)
		executed = append(executed, *trade)
	}
	return executed, nil
}

// summarize reduces the trade ledger into the result: sharpe is the mean
// over the sample standard deviation (n−1) of per-trade PnL, max drawdown
// the deepest peak-to-trough dip of the running PnL.
func summarize(trades []types.Trade, start, end time.Time) *types.BacktestResult {
	result := &types.BacktestResult{
		StartDate:   start.UTC(),
		EndDate:     end.UTC(),
		TotalTrades: len(trades),
	}
	if len(trades) == 0 {
		return result
	}

	var running, peak, maxDD, edgeSum float64
	wins := 0
	pnls := make([]float64, 0, len(trades))
	for _, trade := range trades {
		if trade.Status == types.TradeFilled {
			result.SuccessfulTrades++
		}
		if trade.PnL > 0 {
			wins++
		}
		result.TotalPnL += trade.PnL
		result.TotalFees += trade.FeeA + trade.FeeB
		edgeSum += trade.EdgeBps
		pnls = append(pnls, trade.PnL)

		running += trade.PnL
		if running > peak {
			peak = running
		}
		if dd := peak - running; dd > maxDD {
			maxDD = dd
		}
	}
	result.MaxDrawdown = maxDD
	result.WinRate = float64(wins) / float64(len(trades))
	result.AvgEdgeBps = edgeSum / float64(len(trades))
	result.SharpeRatio = sharpe(pnls)
	return result
}

func sharpe(pnls []float64) float64 {
	if len(pnls) < 2 {
		return 0
	}
	var sum float64
	for _, p := range pnls {
		sum += p
	}
	mean := sum / float64(len(pnls))

	var variance float64
	for _, p := range pnls {
		variance += (p - mean) * (p - mean)
	}
	std := math.Sqrt(variance / float64(len(pnls)-1))
	if std == 0 {
		return 0
	}
	return mean / std
}

func loadQuoteCSV(path string) ([]quoteRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open backtest data: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = quoteColumns

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read backtest header: %w", err)
	}
	if header[0] != "ts" {
		return nil, fmt.Errorf("unexpected backtest header, first column is %q, want \"ts\"", header[0])
	}

	var rows []quoteRow
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read backtest row: %w", err)
		}
		row, err := parseQuoteRow(record)
		if err != nil {
			return nil, fmt.Errorf("backtest data line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseQuoteRow(record []string) (quoteRow, error) {
	ts, err := time.Parse(time.RFC3339, record[0])
	if err != nil {
		return quoteRow{}, fmt.Errorf("bad ts %q: %w", record[0], err)
	}

	side := types.ContractSide(strings.ToUpper(strings.TrimSpace(record[4])))
	if side != types.YES && side != types.NO {
		return quoteRow{}, fmt.Errorf("bad side %q", record[4])
	}

	numbers := make([]float64, 4)
	for i, field := range record[6:10] {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return quoteRow{}, fmt.Errorf("bad number %q: %w", field, err)
		}
		numbers[i] = v
	}

	var expires time.Time
	if record[10] != "" {
		expires, err = time.Parse(time.RFC3339, record[10])
		if err != nil {
			return quoteRow{}, fmt.Errorf("bad expires_at %q: %w", record[10], err)
		}
	}

	return quoteRow{
		ts:        ts.UTC(),
		venue:     types.Venue(strings.ToLower(strings.TrimSpace(record[1]))),
		marketID:  record[2],
		contract:  record[3],
		side:      side,
		title:     record[5],
		bid:       numbers[0],
		ask:       numbers[1],
		bidSize:   numbers[2],
		askSize:   numbers[3],
		expiresAt: expires,
	}, nil
}

func filterWindow(rows []quoteRow, from, to time.Time) []quoteRow {
	if from.IsZero() && to.IsZero() {
		return rows
	}
	kept := rows[:0]
	for _, row := range rows {
		if !from.IsZero() && row.ts.Before(from) {
			continue
		}
		if !to.IsZero() && row.ts.After(to) {
			continue
		}
		kept = append(kept, row)
	}
	return kept
}
