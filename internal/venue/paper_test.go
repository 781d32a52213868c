package venue

import (
	"context"
	"testing"

	"pm-arb/pkg/types"
)

func TestPaperSimulatesFills(t *testing.T) {
	t.Parallel()
	inner := NewMock(types.VenueKalshi, 0)
	paper := NewPaper(inner, 30, 10_000)

	fill, err := paper.PlaceOrder(context.Background(), types.OrderRequest{
		Venue: types.VenueKalshi, ContractID: "K_YES",
		Side: types.BUY, Price: 0.40, Qty: 100, TIF: types.TifIOC,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if fill.AvgPrice != 0.40 || fill.Qty != 100 {
		t.Errorf("fill = %+v", fill)
	}
	if fill.FeePaid != 0.30 {
		t.Errorf("fee = %v, want 100 × 30bps", fill.FeePaid)
	}

	// The simulated order must never reach the real venue.
	if placed := inner.PlacedOrders(); len(placed) != 0 {
		t.Errorf("inner venue saw %d orders", len(placed))
	}
}

func TestPaperDelegatesReads(t *testing.T) {
	t.Parallel()
	inner := NewMock(types.VenuePolymarket, 0)
	inner.SetContracts([]types.Contract{{Venue: types.VenuePolymarket, ID: "P_NO"}})
	inner.SetQuote(types.Quote{ContractID: "P_NO", BestBid: 0.48, BestAsk: 0.50})
	paper := NewPaper(inner, 25, 1_000)

	contracts, err := paper.ListContracts(context.Background())
	if err != nil || len(contracts) != 1 {
		t.Fatalf("contracts = %v, %v", contracts, err)
	}
	quotes, err := paper.GetQuotes(context.Background(), []string{"P_NO"})
	if err != nil || len(quotes) != 1 {
		t.Fatalf("quotes = %v, %v", quotes, err)
	}
	if !paper.Healthcheck(context.Background()) {
		t.Error("healthcheck should delegate to the healthy inner venue")
	}
}

func TestPaperBalanceIsSimulated(t *testing.T) {
	t.Parallel()
	paper := NewPaper(NewMock(types.VenueKalshi, 0), 0, 2_500)

	balances, err := paper.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balances["USD"].Available != 2_500 {
		t.Errorf("balance = %+v", balances)
	}

	if resting, _ := paper.CancelOrder(context.Background(), "x"); resting {
		t.Error("paper venue never has resting orders")
	}
}
