package polymarket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pm-arb/internal/venue"
	"pm-arb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// jsonHandler labels stub responses as JSON, matching the real API's
// Content-Type, so the client's response decoding kicks in.
func jsonHandler(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		h(w, r)
	}
}

func newTestClient(t *testing.T, gamma, clob http.HandlerFunc) *Client {
	t.Helper()
	gammaSrv := httptest.NewServer(jsonHandler(gamma))
	clobSrv := httptest.NewServer(jsonHandler(clob))
	t.Cleanup(gammaSrv.Close)
	t.Cleanup(clobSrv.Close)
	return New(Config{GammaBaseURL: gammaSrv.URL, CLOBBaseURL: clobSrv.URL, FeeRateBps: 20}, newTestAuth(t), testLogger())
}

func TestClientImplementsVenue(t *testing.T) {
	t.Parallel()
	var _ venue.Client = New(Config{}, nil, testLogger())
}

func TestListContractsExpandsOutcomes(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{
				"question":     "Will Trump win the 2028 Presidential Election?",
				"conditionId":  "0xcond1",
				"clobTokenIds": `["111","222"]`,
				"outcomes":     `["Yes","No"]`,
				"endDate":      "2028-11-07T12:00:00Z",
				"liquidity":    "75000.5",
				"volume24hr":   12000.0,
				"category":     "Politics",
				"active":       true,
				"closed":       false,
			},
			{ // multi-outcome, must be skipped
				"question":     "Who wins the nomination?",
				"conditionId":  "0xcond2",
				"clobTokenIds": `["333","444"]`,
				"outcomes":     `["Smith","Jones"]`,
				"active":       true,
			},
			{ // closed, must be skipped
				"question":     "Old market",
				"conditionId":  "0xcond3",
				"clobTokenIds": `["555","666"]`,
				"outcomes":     `["Yes","No"]`,
				"active":       true,
				"closed":       true,
			},
		})
	}, http.NotFound)

	contracts, err := c.ListContracts(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(contracts) != 2 {
		t.Fatalf("got %d contracts, want 2", len(contracts))
	}

	yes, no := contracts[0], contracts[1]
	if yes.ID != "111" || yes.Side != types.YES {
		t.Errorf("yes leg = %q side %q", yes.ID, yes.Side)
	}
	if no.ID != "222" || no.Side != types.NO {
		t.Errorf("no leg = %q side %q", no.ID, no.Side)
	}
	if yes.Venue != types.VenuePolymarket || yes.MarketID != "0xcond1" {
		t.Errorf("contract = %+v", yes)
	}
	if yes.Meta.Liquidity != 75000.5 || yes.Meta.Volume24h != 12000 {
		t.Errorf("meta = %+v", yes.Meta)
	}
	if yes.Meta.EndDate != "2028-11-07T12:00:00Z" {
		t.Errorf("meta end date = %q, want the raw gamma string", yes.Meta.EndDate)
	}
	if !yes.Meta.CloseTime.Equal(yes.ExpiresAt) {
		t.Errorf("close time = %v, expiry = %v", yes.Meta.CloseTime, yes.ExpiresAt)
	}
	if yes.ExpiresAt.Year() != 2028 {
		t.Errorf("expiry = %v", yes.ExpiresAt)
	}
}

func TestGetQuotesTopOfBook(t *testing.T) {
	t.Parallel()

	books := map[string]map[string]any{
		"111": {
			"asset_id": "111",
			// Unsorted on purpose: top of book must scan all levels.
			"bids": []map[string]string{
				{"price": "0.40", "size": "200"},
				{"price": "0.42", "size": "150"},
				{"price": "0.35", "size": "900"},
			},
			"asks": []map[string]string{
				{"price": "0.50", "size": "80"},
				{"price": "0.44", "size": "120"},
			},
		},
	}

	c := newTestClient(t, http.NotFound, func(w http.ResponseWriter, r *http.Request) {
		tokenID := r.URL.Query().Get("token_id")
		book, ok := books[tokenID]
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(book)
	})

	quotes, err := c.GetQuotes(context.Background(), []string{"111", "no-book"})
	if err != nil {
		t.Fatalf("quotes: %v", err)
	}
	if len(quotes) != 1 {
		t.Fatalf("got %d quotes, want 1 (missing book omitted)", len(quotes))
	}

	q := quotes[0]
	if q.BestBid != 0.42 || q.BestBidSize != 150 {
		t.Errorf("best bid = %v x %v", q.BestBid, q.BestBidSize)
	}
	if q.BestAsk != 0.44 || q.BestAskSize != 120 {
		t.Errorf("best ask = %v x %v", q.BestAsk, q.BestAskSize)
	}
	if q.Venue != types.VenuePolymarket || q.ContractID != "111" {
		t.Errorf("quote = %+v", q)
	}
}

func TestGetQuotesPrefersStreamed(t *testing.T) {
	t.Parallel()

	var restHits atomic.Int32
	c := newTestClient(t, http.NotFound, func(w http.ResponseWriter, r *http.Request) {
		restHits.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"asset_id": r.URL.Query().Get("token_id"),
			"bids":     []map[string]string{{"price": "0.40", "size": "100"}},
			"asks":     []map[string]string{{"price": "0.44", "size": "100"}},
		})
	})

	c.cacheStreamed(types.Quote{
		Venue: types.VenuePolymarket, ContractID: "fresh",
		BestBid: 0.41, BestAsk: 0.43, BestBidSize: 50, BestAskSize: 60,
		TS: time.Now().UTC(),
	})
	c.cacheStreamed(types.Quote{
		Venue: types.VenuePolymarket, ContractID: "stale",
		BestBid: 0.10, BestAsk: 0.90,
		TS: time.Now().UTC().Add(-time.Minute),
	})

	quotes, err := c.GetQuotes(context.Background(), []string{"fresh", "stale"})
	if err != nil {
		t.Fatalf("quotes: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("got %d quotes, want 2", len(quotes))
	}

	byID := map[string]types.Quote{}
	for _, q := range quotes {
		byID[q.ContractID] = q
	}
	if q := byID["fresh"]; q.BestAsk != 0.43 {
		t.Errorf("fresh quote = %+v, want the streamed book", q)
	}
	if q := byID["stale"]; q.BestAsk != 0.44 {
		t.Errorf("stale quote = %+v, want the REST book", q)
	}
	if hits := restHits.Load(); hits != 1 {
		t.Errorf("REST hit %d times, want only the stale token fetched", hits)
	}
}

func TestStartFeedWithoutURLIsNoop(t *testing.T) {
	t.Parallel()
	c := New(Config{}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.StartFeed(ctx)
	if c.feed != nil {
		t.Error("feed started without a websocket url")
	}
}

func TestPlaceOrderMatched(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.NotFound, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/order" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("POLY_SIGNATURE") == "" || r.Header.Get("POLY_API_KEY") == "" {
			t.Error("order request must carry L2 headers")
		}
		var body struct {
			Order     signedOrder `json:"order"`
			OrderType string      `json:"orderType"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.OrderType != "FAK" {
			t.Errorf("IOC should map to FAK, got %s", body.OrderType)
		}
		if body.Order.Signature == "" || body.Order.TokenID != "111" {
			t.Errorf("order = %+v", body.Order)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true, "orderID": "0xorder1", "status": "matched",
			"makingAmount": "22.5", "takingAmount": "50",
		})
	})

	fill, err := c.PlaceOrder(context.Background(), types.OrderRequest{
		Venue: types.VenuePolymarket, ContractID: "111", Side: types.BUY,
		Price: 0.45, Qty: 50, TIF: types.TifIOC, ClientOrderID: "cid-1",
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if fill == nil {
		t.Fatal("expected a fill")
	}
	if fill.Qty != 50 || fill.AvgPrice != 0.45 {
		t.Errorf("fill = qty %v @ %v", fill.Qty, fill.AvgPrice)
	}
	if fill.FeePaid != 50*20/10000.0 {
		t.Errorf("fee = %v", fill.FeePaid)
	}
	if fill.VenueOrderID != "0xorder1" || fill.ClientOrderID != "cid-1" {
		t.Errorf("ids = %q / %q", fill.VenueOrderID, fill.ClientOrderID)
	}
}

func TestPlaceOrderResting(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.NotFound, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true, "orderID": "0xorder2", "status": "live",
		})
	})

	fill, err := c.PlaceOrder(context.Background(), types.OrderRequest{
		ContractID: "111", Side: types.BUY, Price: 0.45, Qty: 50,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if fill != nil {
		t.Errorf("resting order must return nil fill, got %+v", fill)
	}
}

func TestPlaceOrderVenueError(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.NotFound, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": false, "errorMsg": "not enough balance",
		})
	})

	if _, err := c.PlaceOrder(context.Background(), types.OrderRequest{
		ContractID: "111", Side: types.BUY, Price: 0.45, Qty: 50,
	}); err == nil {
		t.Error("want error when the venue reports failure")
	}
}

func TestPlaceOrderRequiresCredentials(t *testing.T) {
	t.Parallel()

	c := New(Config{}, nil, testLogger())
	if _, err := c.PlaceOrder(context.Background(), types.OrderRequest{ContractID: "111"}); err == nil {
		t.Error("want error without credentials")
	}
}

func TestFillFromAmounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		side           types.Side
		making, taking string
		qty, price     float64
	}{
		{"buy", types.BUY, "22.5", "50", 50, 0.45},
		{"sell", types.SELL, "50", "22.5", 50, 0.45},
		{"empty", types.BUY, "", "", 0, 0},
		{"zero", types.BUY, "0", "0", 0, 0},
	}
	for _, tt := range tests {
		qty, price := fillFromAmounts(tt.side, tt.making, tt.taking)
		if qty != tt.qty || price != tt.price {
			t.Errorf("%s: got (%v, %v), want (%v, %v)", tt.name, qty, price, tt.qty, tt.price)
		}
	}
}

func TestGetBalanceConvertsUnits(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.NotFound, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/balance-allowance" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("asset_type"); got != "COLLATERAL" {
			t.Errorf("asset_type = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"balance": "12345678900"})
	})

	balances, err := c.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	usdc, ok := balances["USDC"]
	if !ok {
		t.Fatal("missing USDC balance")
	}
	if usdc.Available != 12345.6789 {
		t.Errorf("balance = %v", usdc.Available)
	}
}

func TestCancelOrder(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.NotFound, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/order" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"canceled": []string{"0xorder1"}})
	})

	ok, err := c.CancelOrder(context.Background(), "0xorder1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !ok {
		t.Error("cancel should report success")
	}
}

func TestHealthcheck(t *testing.T) {
	t.Parallel()

	var status int
	c := newTestClient(t, http.NotFound, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})

	status = http.StatusOK
	if !c.Healthcheck(context.Background()) {
		t.Error("healthy endpoint reported unhealthy")
	}
	status = http.StatusServiceUnavailable
	if c.Healthcheck(context.Background()) {
		t.Error("503 endpoint reported healthy")
	}
}
