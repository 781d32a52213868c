// Package kalshi implements the venue.Client capability for the Kalshi
// elections exchange.
//
// Kalshi quotes prices in integer cents; everything here is normalized to
// dollars in [0, 1] at the edge so the rest of the system never sees cents.
// Each market yields two contracts, "{ticker}_YES" and "{ticker}_NO".
// Requests are rate-limited per endpoint category and retried on 5xx.
package kalshi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"pm-arb/internal/venue"
	"pm-arb/pkg/types"
)

const (
	requestTimeout = 30 * time.Second
	pageLimit      = 200

	// Sides are encoded in the contract id suffix.
	yesSuffix = "_YES"
	noSuffix  = "_NO"

	// defaultSize stands in when the venue omits book sizes; Kalshi's
	// market listing carries prices but not depth.
	defaultSize = 100.0
)

// Client talks to the Kalshi trade API.
type Client struct {
	http   *resty.Client
	rl     *venue.Limiter
	logger *slog.Logger
}

// Config carries the connector's settings.
type Config struct {
	BaseURL string
	APIKey  string // bearer token for portfolio endpoints; empty = read-only
}

// New creates a Kalshi client with rate limiting and retry.
func New(cfg Config, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(requestTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}

	return &Client{
		http:   httpClient,
		rl:     venue.NewLimiter(100, 100, 200),
		logger: logger.With("component", "kalshi"),
	}
}

// Venue implements venue.Client.
func (c *Client) Venue() types.Venue { return types.VenueKalshi }

// apiMarket is the JSON shape of one market in Kalshi responses.
type apiMarket struct {
	Ticker       string  `json:"ticker"`
	Title        string  `json:"title"`
	Subtitle     string  `json:"subtitle"`
	Status       string  `json:"status"`
	CloseTime    string  `json:"close_time"`
	YesBidCents  float64 `json:"yes_bid"`
	YesAskCents  float64 `json:"yes_ask"`
	NoBidCents   float64 `json:"no_bid"`
	NoAskCents   float64 `json:"no_ask"`
	Liquidity    float64 `json:"liquidity"`
	Volume24h    float64 `json:"volume_24h"`
	Category     string  `json:"category"`
	TickSizeCent float64 `json:"tick_size"`
}

type marketsResponse struct {
	Markets []apiMarket `json:"markets"`
	Cursor  string      `json:"cursor"`
}

// ListContracts pages through open markets and emits a YES and a NO
// contract per market.
func (c *Client) ListContracts(ctx context.Context) ([]types.Contract, error) {
	var contracts []types.Contract
	cursor := ""

	for {
		if err := c.rl.Market.Wait(ctx); err != nil {
			return nil, err
		}

		var page marketsResponse
		req := c.http.R().
			SetContext(ctx).
			SetQueryParam("limit", fmt.Sprintf("%d", pageLimit)).
			SetQueryParam("status", "open").
			SetResult(&page)
		if cursor != "" {
			req.SetQueryParam("cursor", cursor)
		}
		resp, err := req.Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("list markets: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("list markets: status %d: %s", resp.StatusCode(), resp.String())
		}

		for _, m := range page.Markets {
			contracts = append(contracts, c.toContracts(m)...)
		}

		if page.Cursor == "" || len(page.Markets) < pageLimit {
			break
		}
		cursor = page.Cursor
	}

	c.logger.Debug("contracts listed", "count", len(contracts))
	return contracts, nil
}

// toContracts converts one market into its YES and NO legs.
func (c *Client) toContracts(m apiMarket) []types.Contract {
	closeTime, _ := time.Parse(time.RFC3339, m.CloseTime)

	tick := m.TickSizeCent / 100.0
	if tick <= 0 {
		tick = 0.01
	}

	meta := types.ContractMeta{
		CloseTime: closeTime.UTC(),
		Liquidity: m.Liquidity,
		Volume24h: m.Volume24h,
		Category:  m.Category,
	}

	base := types.Contract{
		Venue:         types.VenueKalshi,
		MarketID:      m.Ticker,
		EventKey:      m.Title,
		TickSize:      tick,
		SettlementCcy: "USD",
		ExpiresAt:     closeTime.UTC(),
		MinSize:       1,
		Meta:          meta,
	}

	yes := base
	yes.ID = m.Ticker + yesSuffix
	yes.Side = types.YES

	no := base
	no.ID = m.Ticker + noSuffix
	no.Side = types.NO

	return []types.Contract{yes, no}
}

// SplitContractID strips the side suffix off a contract id, returning the
// underlying market ticker and side.
func SplitContractID(contractID string) (ticker string, side types.ContractSide, ok bool) {
	switch {
	case strings.HasSuffix(contractID, yesSuffix):
		return strings.TrimSuffix(contractID, yesSuffix), types.YES, true
	case strings.HasSuffix(contractID, noSuffix):
		return strings.TrimSuffix(contractID, noSuffix), types.NO, true
	}
	return "", "", false
}

// GetQuotes batch-fetches markets by ticker and projects the requested
// side's book out of each. Unknown ids are omitted.
func (c *Client) GetQuotes(ctx context.Context, contractIDs []string) ([]types.Quote, error) {
	sides := make(map[string][]types.ContractSide)
	tickers := make([]string, 0, len(contractIDs))
	for _, id := range contractIDs {
		ticker, side, ok := SplitContractID(id)
		if !ok {
			continue
		}
		if len(sides[ticker]) == 0 {
			tickers = append(tickers, ticker)
		}
		sides[ticker] = append(sides[ticker], side)
	}
	if len(tickers) == 0 {
		return nil, nil
	}

	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var page marketsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("tickers", strings.Join(tickers, ",")).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("get quotes: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get quotes: status %d: %s", resp.StatusCode(), resp.String())
	}

	now := time.Now().UTC()
	var quotes []types.Quote
	for _, m := range page.Markets {
		for _, side := range sides[m.Ticker] {
			quotes = append(quotes, marketQuote(m, side, now))
		}
	}
	return quotes, nil
}

// marketQuote projects one side's top of book, cents → dollars. Kalshi does
// not expose depth on this endpoint, so sizes default to a fixed floor.
func marketQuote(m apiMarket, side types.ContractSide, ts time.Time) types.Quote {
	bid, ask := m.YesBidCents, m.YesAskCents
	suffix := yesSuffix
	if side == types.NO {
		bid, ask = m.NoBidCents, m.NoAskCents
		suffix = noSuffix
	}
	return types.Quote{
		Venue:       types.VenueKalshi,
		ContractID:  m.Ticker + suffix,
		BestBid:     bid / 100.0,
		BestAsk:     ask / 100.0,
		BestBidSize: defaultSize,
		BestAskSize: defaultSize,
		TS:          ts,
	}
}

// orderRequest is the wire shape for POST /portfolio/orders.
type orderRequest struct {
	Ticker        string `json:"ticker"`
	Action        string `json:"action"` // buy | sell
	Side          string `json:"side"`   // yes | no
	Count         int    `json:"count"`
	Type          string `json:"type"`            // limit | market
	YesPriceCents int    `json:"yes_price,omitempty"`
	NoPriceCents  int    `json:"no_price,omitempty"`
	ClientOrderID string `json:"client_order_id"`
	TimeInForce   string `json:"time_in_force,omitempty"`
}

type orderResponse struct {
	Order struct {
		OrderID       string  `json:"order_id"`
		Status        string  `json:"status"`
		FillCount     float64 `json:"fill_count"`
		AvgPriceCents float64 `json:"avg_fill_price"`
		FeeCents      float64 `json:"taker_fees"`
	} `json:"order"`
}

// PlaceOrder submits a limit order. A response with zero fill count means
// the order reached the venue but nothing executed (nil fill, nil error).
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Fill, error) {
	ticker, side, ok := SplitContractID(req.ContractID)
	if !ok {
		return nil, fmt.Errorf("place order: malformed contract id %q", req.ContractID)
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	payload := orderRequest{
		Ticker:        ticker,
		Action:        strings.ToLower(string(req.Side)),
		Side:          strings.ToLower(string(side)),
		Count:         int(req.Qty),
		Type:          "limit",
		ClientOrderID: req.ClientOrderID,
		TimeInForce:   strings.ToLower(string(req.TIF)),
	}
	cents := int(req.Price*100 + 0.5)
	if side == types.YES {
		payload.YesPriceCents = cents
	} else {
		payload.NoPriceCents = cents
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&result).
		Post("/portfolio/orders")
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}

	if result.Order.FillCount == 0 {
		c.logger.Debug("order accepted, no fill", "ticker", ticker, "order_id", result.Order.OrderID)
		return nil, nil
	}

	return &types.Fill{
		Venue:         types.VenueKalshi,
		ContractID:    req.ContractID,
		Side:          req.Side,
		AvgPrice:      result.Order.AvgPriceCents / 100.0,
		Qty:           result.Order.FillCount,
		FeePaid:       result.Order.FeeCents / 100.0,
		TS:            time.Now().UTC(),
		VenueOrderID:  result.Order.OrderID,
		ClientOrderID: req.ClientOrderID,
	}, nil
}

// CancelOrder cancels a resting order.
func (c *Client) CancelOrder(ctx context.Context, venueOrderID string) (bool, error) {
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return false, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/portfolio/orders/" + venueOrderID)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return false, fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return true, nil
}

type balanceResponse struct {
	BalanceCents float64 `json:"balance"`
}

// GetBalance returns the USD account balance.
func (c *Client) GetBalance(ctx context.Context) (map[string]types.Balance, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var result balanceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/portfolio/balance")
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	usd := result.BalanceCents / 100.0
	return map[string]types.Balance{
		"USD": {Venue: types.VenueKalshi, Currency: "USD", Available: usd, Total: usd, TS: time.Now().UTC()},
	}, nil
}

// Healthcheck pings the exchange status endpoint.
func (c *Client) Healthcheck(ctx context.Context) bool {
	resp, err := c.http.R().SetContext(ctx).Get("/exchange/status")
	if err != nil {
		c.logger.Debug("healthcheck failed", "error", err)
		return false
	}
	return resp.StatusCode() == http.StatusOK
}
