package store

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"pm-arb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "arb.db"), testLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTrade(id string, created time.Time) types.Trade {
	return types.Trade{
		ID: id, EventID: "ELECTION:US:PRESIDENT:2028:TRUMP",
		VenueA: types.VenueKalshi, VenueB: types.VenuePolymarket,
		ContractA: "K_YES", ContractB: "P_NO",
		SideA: types.YES, SideB: types.NO,
		Qty: 50, PriceA: 0.40, PriceB: 0.50,
		FeeA: 0.1, FeeB: 0.2, EdgeBps: 1000, PnL: 4.7,
		Status:    types.TradeFilled,
		CreatedAt: created, FilledAt: created.Add(time.Second),
	}
}

func TestSaveTradeRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	created := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	want := sampleTrade("t1", created)
	want.Extra = map[string]any{"note": "first"}
	if err := s.SaveTrade(want); err != nil {
		t.Fatalf("save: %v", err)
	}

	trades, err := s.Trades(0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("got %d trades", len(trades))
	}
	got := trades[0]
	if got.ID != "t1" || got.Status != types.TradeFilled || got.PnL != 4.7 {
		t.Errorf("trade = %+v", got)
	}
	if got.SideA != types.YES || got.SideB != types.NO {
		t.Errorf("sides = %s/%s", got.SideA, got.SideB)
	}
	if !got.CreatedAt.Equal(created) || !got.FilledAt.Equal(created.Add(time.Second)) {
		t.Errorf("times = %v / %v", got.CreatedAt, got.FilledAt)
	}
	if got.Extra["note"] != "first" {
		t.Errorf("extra = %+v", got.Extra)
	}
}

func TestSaveTradeReplacesByID(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	created := time.Now().UTC().Truncate(time.Millisecond)
	trade := sampleTrade("t1", created)
	trade.Status = types.TradePending
	trade.PnL = 0
	if err := s.SaveTrade(trade); err != nil {
		t.Fatalf("save pending: %v", err)
	}

	trade.Status = types.TradeFilled
	trade.PnL = 4.7
	if err := s.SaveTrade(trade); err != nil {
		t.Fatalf("save terminal: %v", err)
	}

	trades, err := s.Trades(0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want the terminal row only", len(trades))
	}
	if trades[0].Status != types.TradeFilled || trades[0].PnL != 4.7 {
		t.Errorf("trade = %+v", trades[0])
	}
}

func TestTradesLimitAndOrder(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		trade := sampleTrade(string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))
		if err := s.SaveTrade(trade); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	trades, err := s.Trades(2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(trades))
	}
	// Newest two, returned oldest first.
	if trades[0].ID != "d" || trades[1].ID != "e" {
		t.Errorf("ids = %s, %s", trades[0].ID, trades[1].ID)
	}
}

func TestTradesByEvent(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	base := time.Now().UTC()
	a := sampleTrade("t1", base)
	b := sampleTrade("t2", base.Add(time.Minute))
	b.EventID = "CRYPTO:GLOBAL:BTC_TARGET:150000:2025-12-31"
	for _, trade := range []types.Trade{a, b} {
		if err := s.SaveTrade(trade); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	trades, err := s.TradesByEvent(a.EventID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(trades) != 1 || trades[0].ID != "t1" {
		t.Errorf("trades = %+v", trades)
	}
}

func TestUpsertPosition(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	pos := types.Position{
		Venue: types.VenueKalshi, ContractID: "K_YES",
		EventID: "ELECTION:US:PRESIDENT:2028:TRUMP", Side: types.YES,
		Qty: 50, AvgPrice: 0.40, UpdatedAt: time.Now().UTC(),
	}
	if err := s.UpsertPosition(pos); err != nil {
		t.Fatalf("insert: %v", err)
	}

	pos.Qty = 100
	pos.AvgPrice = 0.42
	if err := s.UpsertPosition(pos); err != nil {
		t.Fatalf("update: %v", err)
	}

	positions, err := s.Positions()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("got %d positions, want upsert to keep one row", len(positions))
	}
	if positions[0].Qty != 100 || positions[0].AvgPrice != 0.42 {
		t.Errorf("position = %+v", positions[0])
	}
}

func TestRecordQuotes(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	err := s.RecordQuotes([]types.Quote{
		{Venue: types.VenueKalshi, ContractID: "K_YES", BestBid: 0.38, BestAsk: 0.40, TS: time.Now().UTC()},
		{Venue: types.VenuePolymarket, ContractID: "P_NO", BestBid: 0.48, BestAsk: 0.50, TS: time.Now().UTC()},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	n, err := s.QuoteCount()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestLatestBalances(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	err := s.RecordBalances([]types.Balance{
		{Venue: types.VenueKalshi, Currency: "USD", Available: 900, Total: 1000, TS: base},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	err = s.RecordBalances([]types.Balance{
		{Venue: types.VenueKalshi, Currency: "USD", Available: 950, Total: 1050, TS: base.Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	balances, err := s.LatestBalances()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(balances) != 1 {
		t.Fatalf("got %d balances", len(balances))
	}
	if balances[0].Available != 950 {
		t.Errorf("available = %v, want the newest 950", balances[0].Available)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	type engineState struct {
		Balance float64 `json:"balance"`
		Trades  int     `json:"trades"`
	}

	if err := s.SaveSnapshot("engine", engineState{Balance: 10_003, Trades: 2}); err != nil {
		t.Fatalf("save: %v", err)
	}

	var got engineState
	ok, err := s.LoadSnapshot("engine", &got)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("snapshot should exist")
	}
	if got.Balance != 10_003 || got.Trades != 2 {
		t.Errorf("state = %+v", got)
	}
}

func TestLoadSnapshotMissing(t *testing.T) {
	t.Parallel()
	s := openTest(t)

	var v map[string]any
	ok, err := s.LoadSnapshot("never-written", &v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Error("missing snapshot must report ok=false")
	}
}

func TestSchemaIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "arb.db")
	s, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s.SaveTrade(sampleTrade("t1", time.Now().UTC())); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Close()

	// Reopening applies the schema again without clobbering data.
	s2, err := Open(path, testLogger())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()
	trades, err := s2.Trades(0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(trades) != 1 {
		t.Errorf("got %d trades after reopen", len(trades))
	}
}
