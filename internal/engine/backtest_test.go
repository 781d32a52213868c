package engine

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pm-arb/internal/registry"
	"pm-arb/pkg/types"
)

const backtestHeader = "ts,venue,market_id,contract_id,side,title,bid,ask,bid_size,ask_size,expires_at\n"

// backtestCSV holds two ticks of the Trump 2028 pair: a 1000 bps edge at
// 12:00 (Kalshi YES ask 0.40, Polymarket NO ask 0.50), gone by 12:01.
const backtestCSV = backtestHeader +
	`2026-08-01T12:00:00Z,kalshi,PRES-2028-TRUMP,PRES-2028-TRUMP_YES,YES,Trump wins 2028?,0.38,0.40,1000,1000,
2026-08-01T12:00:00Z,kalshi,PRES-2028-TRUMP,PRES-2028-TRUMP_NO,NO,Trump wins 2028?,0.58,0.62,1000,1000,
2026-08-01T12:00:00Z,polymarket,0xabc,0xabc_YES,YES,Will Donald Trump win the 2028 US Presidential Election?,0.60,0.62,1000,1000,
2026-08-01T12:00:00Z,polymarket,0xabc,0xabc_NO,NO,Will Donald Trump win the 2028 US Presidential Election?,0.48,0.50,1000,1000,
2026-08-01T12:01:00Z,kalshi,PRES-2028-TRUMP,PRES-2028-TRUMP_YES,YES,Trump wins 2028?,0.53,0.55,1000,1000,
2026-08-01T12:01:00Z,polymarket,0xabc,0xabc_NO,NO,Will Donald Trump win the 2028 US Presidential Election?,0.53,0.55,1000,1000,
`

func writeBacktestData(t *testing.T, csv string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quotes.csv")
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatalf("write data: %v", err)
	}
	return path
}

func newBacktest(t *testing.T) *BacktestRunner {
	t.Helper()
	reg, err := registry.Open(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	return NewBacktest(testConfig(), reg, testLogger())
}

func TestBacktestReplay(t *testing.T) {
	t.Parallel()
	runner := newBacktest(t)
	path := writeBacktestData(t, backtestCSV)

	result, err := runner.Run(context.Background(), path, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.TotalTrades != 1 || result.SuccessfulTrades != 1 {
		t.Fatalf("trades = %d/%d, want 1 filled trade", result.TotalTrades, result.SuccessfulTrades)
	}
	if result.WinRate != 1 {
		t.Errorf("win rate = %v", result.WinRate)
	}
	// Quarter-Kelly sizing on the 1000 bps edge: 278 contracts, 27.8 USD.
	if math.Abs(result.TotalPnL-27.8) > 1e-6 {
		t.Errorf("pnl = %v, want ≈27.8", result.TotalPnL)
	}
	if math.Abs(result.AvgEdgeBps-1000) > 1e-6 {
		t.Errorf("avg edge = %v, want ≈1000", result.AvgEdgeBps)
	}
	if result.TotalFees != 0 {
		t.Errorf("fees = %v, want 0 with zero-bps models", result.TotalFees)
	}
	if result.SharpeRatio != 0 {
		t.Errorf("sharpe = %v, want 0 for a single trade", result.SharpeRatio)
	}
	if result.MaxDrawdown != 0 {
		t.Errorf("max drawdown = %v", result.MaxDrawdown)
	}

	wantStart := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	wantEnd := wantStart.Add(time.Minute)
	if !result.StartDate.Equal(wantStart) || !result.EndDate.Equal(wantEnd) {
		t.Errorf("window = %v → %v", result.StartDate, result.EndDate)
	}
}

func TestBacktestWindowFilter(t *testing.T) {
	t.Parallel()
	runner := newBacktest(t)
	path := writeBacktestData(t, backtestCSV)

	// Starting at 12:01 skips the tick that carried the edge.
	from := time.Date(2026, 8, 1, 12, 1, 0, 0, time.UTC)
	result, err := runner.Run(context.Background(), path, from, time.Time{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.TotalTrades != 0 {
		t.Errorf("trades = %d, want none after the edge is gone", result.TotalTrades)
	}
	if !result.StartDate.Equal(from) {
		t.Errorf("start = %v", result.StartDate)
	}
}

func TestBacktestEmptyWindow(t *testing.T) {
	t.Parallel()
	runner := newBacktest(t)
	path := writeBacktestData(t, backtestCSV)

	from := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := runner.Run(context.Background(), path, from, time.Time{}); err == nil {
		t.Fatal("empty window must error")
	}
}

func TestBacktestRejectsMalformedData(t *testing.T) {
	t.Parallel()
	runner := newBacktest(t)

	for name, csv := range map[string]string{
		"missing columns": backtestHeader + "2026-08-01T12:00:00Z,kalshi,PRES-2028-TRUMP\n",
		"bad side":        backtestHeader + "2026-08-01T12:00:00Z,kalshi,PRES-2028-TRUMP,PRES-2028-TRUMP_YES,MAYBE,Trump?,0.38,0.40,1000,1000,\n",
		"bad timestamp":   backtestHeader + "yesterday,kalshi,PRES-2028-TRUMP,PRES-2028-TRUMP_YES,YES,Trump?,0.38,0.40,1000,1000,\n",
		"wrong header":    "a,b,c,d,e,f,g,h,i,j,k\n",
	} {
		path := writeBacktestData(t, csv)
		if _, err := runner.Run(context.Background(), path, time.Time{}, time.Time{}); err == nil {
			t.Errorf("%s: expected parse error", name)
		}
	}
}

func TestBacktestSingleVenueRejected(t *testing.T) {
	t.Parallel()
	runner := newBacktest(t)
	path := writeBacktestData(t, backtestHeader+
		"2026-08-01T12:00:00Z,kalshi,PRES-2028-TRUMP,PRES-2028-TRUMP_YES,YES,Trump wins 2028?,0.38,0.40,1000,1000,\n")

	if _, err := runner.Run(context.Background(), path, time.Time{}, time.Time{}); err == nil {
		t.Fatal("single-venue data cannot be arbitraged and must error")
	}
}

func TestSharpe(t *testing.T) {
	t.Parallel()
	if got := sharpe([]float64{1, 2, 3}); math.Abs(got-2) > 1e-9 {
		t.Errorf("sharpe = %v, want 2", got)
	}
	if got := sharpe([]float64{5}); got != 0 {
		t.Errorf("single sample sharpe = %v, want 0", got)
	}
	if got := sharpe([]float64{4, 4, 4}); got != 0 {
		t.Errorf("zero-variance sharpe = %v, want 0", got)
	}
}

func TestSummarizeDrawdown(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	trades := []types.Trade{
		{PnL: 10, EdgeBps: 800, Status: types.TradeFilled},
		{PnL: -4, EdgeBps: 600, Status: types.TradeFailed},
		{PnL: 6, EdgeBps: 400, Status: types.TradeHedged, FeeA: 0.2, FeeB: 0.3},
	}
	result := summarize(trades, now, now.Add(time.Hour))

	if result.TotalTrades != 3 || result.SuccessfulTrades != 1 {
		t.Errorf("trades = %d/%d", result.TotalTrades, result.SuccessfulTrades)
	}
	if result.MaxDrawdown != 4 {
		t.Errorf("max drawdown = %v, want the 10→6 dip", result.MaxDrawdown)
	}
	if math.Abs(result.WinRate-2.0/3.0) > 1e-9 {
		t.Errorf("win rate = %v", result.WinRate)
	}
	if result.TotalPnL != 12 {
		t.Errorf("pnl = %v", result.TotalPnL)
	}
	if result.TotalFees != 0.5 {
		t.Errorf("fees = %v", result.TotalFees)
	}
	if math.Abs(result.AvgEdgeBps-600) > 1e-9 {
		t.Errorf("avg edge = %v", result.AvgEdgeBps)
	}
}
