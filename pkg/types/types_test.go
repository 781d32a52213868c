package types

import (
	"testing"
	"time"
)

func TestContractSideOpposite(t *testing.T) {
	t.Parallel()

	if got := YES.Opposite(); got != NO {
		t.Errorf("YES.Opposite() = %s, want NO", got)
	}
	if got := NO.Opposite(); got != YES {
		t.Errorf("NO.Opposite() = %s, want YES", got)
	}
}

func TestTradeStatusTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   TradeStatus
		terminal bool
	}{
		{TradePending, false},
		{TradeFilled, true},
		{TradeFailed, true},
		{TradeHedged, true},
		{TradeCancelled, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestTradingModeValid(t *testing.T) {
	t.Parallel()

	for _, m := range []TradingMode{ModePaper, ModeLive, ModeBacktest} {
		if !m.Valid() {
			t.Errorf("%s should be valid", m)
		}
	}
	if TradingMode("yolo").Valid() {
		t.Error("unknown mode should be invalid")
	}
}

func TestQuoteMid(t *testing.T) {
	t.Parallel()

	q := Quote{
		Venue:      VenueKalshi,
		ContractID: "PRES-2028-TRUMP_YES",
		BestBid:    0.40,
		BestAsk:    0.60,
		TS:         time.Now(),
	}
	if got := q.Mid(); got != 0.50 {
		t.Errorf("Mid() = %v, want 0.50", got)
	}
}
