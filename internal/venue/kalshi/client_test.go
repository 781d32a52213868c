package kalshi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

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

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(jsonHandler(handler))
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "test-key"}, testLogger())
}

func TestClientImplementsVenue(t *testing.T) {
	t.Parallel()
	var _ venue.Client = New(Config{BaseURL: "http://localhost"}, testLogger())
}

func TestSplitContractID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id     string
		ticker string
		side   types.ContractSide
		ok     bool
	}{
		{"PRES-2028-TRUMP_YES", "PRES-2028-TRUMP", types.YES, true},
		{"PRES-2028-TRUMP_NO", "PRES-2028-TRUMP", types.NO, true},
		{"BTC-150K-2025_YES", "BTC-150K-2025", types.YES, true},
		{"no-suffix", "", "", false},
	}
	for _, tt := range tests {
		ticker, side, ok := SplitContractID(tt.id)
		if ticker != tt.ticker || side != tt.side || ok != tt.ok {
			t.Errorf("SplitContractID(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.id, ticker, side, ok, tt.ticker, tt.side, tt.ok)
		}
	}
}

func TestListContractsNormalizesCents(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"markets": []map[string]any{{
				"ticker":     "PRES-2028-TRUMP",
				"title":      "Will Trump win the 2028 Presidential Election?",
				"status":     "open",
				"close_time": "2028-11-07T12:00:00Z",
				"yes_bid":    42, "yes_ask": 44,
				"no_bid": 56, "no_ask": 58,
				"liquidity": 5000, "volume_24h": 1200,
				"category": "Politics", "tick_size": 1,
			}},
			"cursor": "",
		})
	})

	contracts, err := c.ListContracts(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(contracts) != 2 {
		t.Fatalf("got %d contracts, want 2 (YES and NO)", len(contracts))
	}

	yes, no := contracts[0], contracts[1]
	if yes.ID != "PRES-2028-TRUMP_YES" || yes.Side != types.YES {
		t.Errorf("yes leg = %q side %q", yes.ID, yes.Side)
	}
	if no.ID != "PRES-2028-TRUMP_NO" || no.Side != types.NO {
		t.Errorf("no leg = %q side %q", no.ID, no.Side)
	}
	if yes.Venue != types.VenueKalshi {
		t.Errorf("venue = %q", yes.Venue)
	}
	if yes.TickSize != 0.01 {
		t.Errorf("tick size = %v, want 0.01", yes.TickSize)
	}
	if yes.Meta.Liquidity != 5000 || yes.Meta.Category != "Politics" {
		t.Errorf("meta = %+v", yes.Meta)
	}
	if yes.ExpiresAt.Year() != 2028 {
		t.Errorf("expiry = %v", yes.ExpiresAt)
	}
}

func TestListContractsPaginates(t *testing.T) {
	t.Parallel()

	market := func(ticker string) map[string]any {
		return map[string]any{
			"ticker": ticker, "title": ticker, "status": "open",
			"close_time": "2027-01-01T00:00:00Z",
			"yes_bid":    40, "yes_ask": 60, "no_bid": 40, "no_ask": 60,
		}
	}

	// First page full (forces a cursor follow), second page short.
	pages := map[string][]map[string]any{
		"":   make([]map[string]any, 0, pageLimit),
		"p2": {market("LAST")},
	}
	for i := 0; i < pageLimit; i++ {
		pages[""] = append(pages[""], market("M"+string(rune('A'+i%26))+string(rune('0'+i%10))))
	}

	var calls int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		cursor := r.URL.Query().Get("cursor")
		next := ""
		if cursor == "" {
			next = "p2"
		}
		json.NewEncoder(w).Encode(map[string]any{"markets": pages[cursor], "cursor": next})
	})

	contracts, err := c.ListContracts(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if calls != 2 {
		t.Errorf("made %d requests, want 2", calls)
	}
	if want := (pageLimit + 1) * 2; len(contracts) != want {
		t.Errorf("got %d contracts, want %d", len(contracts), want)
	}
}

func TestGetQuotesProjectsSides(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("tickers"); got != "PRES-2028-TRUMP" {
			t.Errorf("tickers param = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"markets": []map[string]any{{
				"ticker":  "PRES-2028-TRUMP",
				"yes_bid": 42, "yes_ask": 44,
				"no_bid": 56, "no_ask": 58,
			}},
		})
	})

	quotes, err := c.GetQuotes(context.Background(), []string{
		"PRES-2028-TRUMP_YES", "PRES-2028-TRUMP_NO", "garbage-id",
	})
	if err != nil {
		t.Fatalf("quotes: %v", err)
	}
	if len(quotes) != 2 {
		t.Fatalf("got %d quotes, want 2", len(quotes))
	}

	yes, no := quotes[0], quotes[1]
	if yes.ContractID != "PRES-2028-TRUMP_YES" || yes.BestBid != 0.42 || yes.BestAsk != 0.44 {
		t.Errorf("yes quote = %+v", yes)
	}
	if no.ContractID != "PRES-2028-TRUMP_NO" || no.BestBid != 0.56 || no.BestAsk != 0.58 {
		t.Errorf("no quote = %+v", no)
	}
	if yes.BestBidSize != defaultSize || yes.BestAskSize != defaultSize {
		t.Errorf("sizes = %v/%v, want default %v", yes.BestBidSize, yes.BestAskSize, defaultSize)
	}
}

func TestGetQuotesEmptyInput(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty id list")
	})
	quotes, err := c.GetQuotes(context.Background(), []string{"malformed"})
	if err != nil || quotes != nil {
		t.Errorf("got (%v, %v), want (nil, nil)", quotes, err)
	}
}

func TestPlaceOrderFilled(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/portfolio/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body orderRequest
		json.NewDecoder(r.Body).Decode(&body)
		if body.Ticker != "PRES-2028-TRUMP" || body.Side != "no" || body.Action != "buy" {
			t.Errorf("order body = %+v", body)
		}
		if body.NoPriceCents != 57 || body.YesPriceCents != 0 {
			t.Errorf("prices = yes %d / no %d", body.YesPriceCents, body.NoPriceCents)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"order": map[string]any{
				"order_id": "ord-1", "status": "executed",
				"fill_count": 50, "avg_fill_price": 57, "taker_fees": 35,
			},
		})
	})

	fill, err := c.PlaceOrder(context.Background(), types.OrderRequest{
		Venue: types.VenueKalshi, ContractID: "PRES-2028-TRUMP_NO",
		Side: types.BUY, Price: 0.57, Qty: 50, TIF: types.TifIOC, ClientOrderID: "cid-1",
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if fill == nil {
		t.Fatal("expected a fill")
	}
	if fill.AvgPrice != 0.57 || fill.Qty != 50 || fill.FeePaid != 0.35 {
		t.Errorf("fill = %+v", fill)
	}
	if fill.VenueOrderID != "ord-1" || fill.ClientOrderID != "cid-1" {
		t.Errorf("ids = %q / %q", fill.VenueOrderID, fill.ClientOrderID)
	}
}

func TestPlaceOrderAcceptedNoFill(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"order": map[string]any{"order_id": "ord-2", "status": "resting", "fill_count": 0},
		})
	})

	fill, err := c.PlaceOrder(context.Background(), types.OrderRequest{
		ContractID: "PRES-2028-TRUMP_YES", Side: types.BUY, Price: 0.42, Qty: 10,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if fill != nil {
		t.Errorf("unfilled order must return nil fill, got %+v", fill)
	}
}

func TestPlaceOrderRejectsMalformedID(t *testing.T) {
	t.Parallel()

	c := New(Config{BaseURL: "http://localhost"}, testLogger())
	if _, err := c.PlaceOrder(context.Background(), types.OrderRequest{ContractID: "bad"}); err == nil {
		t.Error("want error for contract id without side suffix")
	}
}

func TestGetBalance(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/portfolio/balance" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"balance": 1234500})
	})

	balances, err := c.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	usd, ok := balances["USD"]
	if !ok {
		t.Fatal("missing USD balance")
	}
	if usd.Available != 12345 || usd.Total != 12345 {
		t.Errorf("balance = %+v", usd)
	}
}

func TestHealthcheck(t *testing.T) {
	t.Parallel()

	var status int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
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
