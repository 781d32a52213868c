package venue

import (
	"context"
	"errors"
	"testing"
	"time"

	"pm-arb/pkg/types"
)

func TestMockImplementsClient(t *testing.T) {
	t.Parallel()
	var _ Client = NewMock(types.VenueKalshi, 0)
}

func TestMockPlaceOrderEchoesFill(t *testing.T) {
	t.Parallel()
	m := NewMock(types.VenuePolymarket, 25)

	fill, err := m.PlaceOrder(context.Background(), types.OrderRequest{
		Venue: types.VenuePolymarket, ContractID: "c1", Side: types.BUY,
		Price: 0.40, Qty: 100, TIF: types.TifIOC, ClientOrderID: "cid-1",
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if fill == nil {
		t.Fatal("expected a fill")
	}
	if fill.AvgPrice != 0.40 || fill.Qty != 100 || fill.ClientOrderID != "cid-1" {
		t.Errorf("fill = %+v", fill)
	}
	if fill.FeePaid != 100*25/10000.0 {
		t.Errorf("fee = %v", fill.FeePaid)
	}
	if fill.VenueOrderID == "" {
		t.Error("fill must carry a venue order id")
	}
}

func TestMockScriptedFailures(t *testing.T) {
	t.Parallel()
	m := NewMock(types.VenueKalshi, 0)
	ctx := context.Background()
	req := types.OrderRequest{ContractID: "c1", Side: types.BUY, Price: 0.5, Qty: 1}

	m.FailPlace("c1", 2)
	for i := 0; i < 2; i++ {
		if _, err := m.PlaceOrder(ctx, req); err == nil {
			t.Fatalf("attempt %d should fail", i+1)
		}
	}
	fill, err := m.PlaceOrder(ctx, req)
	if err != nil || fill == nil {
		t.Fatalf("venue should recover after scripted failures: %v", err)
	}

	m.RejectPlace("c2", true)
	fill, err = m.PlaceOrder(ctx, types.OrderRequest{ContractID: "c2", Side: types.BUY, Price: 0.5, Qty: 1})
	if err != nil {
		t.Fatalf("reject is not an error: %v", err)
	}
	if fill != nil {
		t.Error("rejected order must not fill")
	}

	if got := len(m.PlacedOrders()); got != 4 {
		t.Errorf("placed order log has %d entries, want 4", got)
	}
}

func TestMockQuotesOmitUnknown(t *testing.T) {
	t.Parallel()
	m := NewMock(types.VenueKalshi, 0)
	m.SetQuote(types.Quote{ContractID: "a", BestBid: 0.4, BestAsk: 0.6})

	quotes, err := m.GetQuotes(context.Background(), []string{"a", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(quotes) != 1 || quotes[0].ContractID != "a" {
		t.Errorf("quotes = %+v", quotes)
	}
	if quotes[0].Venue != types.VenueKalshi {
		t.Error("mock must stamp its venue on quotes")
	}
}

func TestMockInjectedErrors(t *testing.T) {
	t.Parallel()
	m := NewMock(types.VenueKalshi, 0)
	sentinel := errors.New("venue down")

	m.SetListError(sentinel)
	if _, err := m.ListContracts(context.Background()); !errors.Is(err, sentinel) {
		t.Errorf("list error = %v", err)
	}
	m.SetListError(nil)
	if _, err := m.ListContracts(context.Background()); err != nil {
		t.Errorf("cleared error still fails: %v", err)
	}
}

func TestTokenBucketWait(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(2, 1000)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	// Two from the burst, two refilled at 1000/s: well under a second.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("waits took %v", elapsed)
	}
}

func TestTokenBucketHonorsCancel(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 0.001) // effectively never refills
	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	cancelled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := tb.Wait(cancelled); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want deadline exceeded, got %v", err)
	}
}
