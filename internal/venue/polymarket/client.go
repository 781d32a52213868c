// Package polymarket implements the venue.Client capability for Polymarket.
//
// Discovery reads the Gamma metadata API; quoting and trading go through the
// CLOB API. Contract ids are CLOB token ids (one per outcome). Orders are
// EIP-712 signed for the CTF Exchange contract and submitted with L2 HMAC
// headers; every request is rate-limited per category and retried on 5xx.
package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"pm-arb/internal/venue"
	"pm-arb/pkg/types"
)

const (
	requestTimeout = 30 * time.Second
	gammaPageLimit = 500

	// feedStaleAfter bounds how old a streamed quote may be before
	// GetQuotes falls back to a REST book fetch.
	feedStaleAfter = 10 * time.Second
)

// Client talks to the Polymarket Gamma and CLOB APIs.
type Client struct {
	gamma      *resty.Client
	clob       *resty.Client
	auth       *Auth
	rl         *venue.Limiter
	feeRateBps int
	wsURL      string
	logger     *slog.Logger

	// feed is set once by StartFeed, before the client sees traffic.
	feed *MarketFeed

	streamMu sync.RWMutex
	streamed map[string]types.Quote // token id → latest streamed top of book
}

// Config carries the connector's settings.
type Config struct {
	GammaBaseURL string
	CLOBBaseURL  string
	WSBaseURL    string // empty disables the market feed
	FeeRateBps   int
}

// New creates a Polymarket client. auth may be nil for read-only use
// (listing and quoting); trading methods then fail.
func New(cfg Config, auth *Auth, logger *slog.Logger) *Client {
	newHTTP := func(baseURL string) *resty.Client {
		return resty.New().
			SetBaseURL(baseURL).
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
	}

	return &Client{
		gamma:      newHTTP(cfg.GammaBaseURL),
		clob:       newHTTP(cfg.CLOBBaseURL),
		auth:       auth,
		rl:         venue.NewLimiter(50, 100, 200),
		feeRateBps: cfg.FeeRateBps,
		wsURL:      cfg.WSBaseURL,
		logger:     logger.With("component", "polymarket"),
		streamed:   make(map[string]types.Quote),
	}
}

// StartFeed attaches the market WebSocket feed and keeps it running until
// ctx is cancelled. While a token's streamed quote stays fresh, GetQuotes
// serves it instead of fetching the REST book. Call before the client sees
// traffic; a no-op without a configured websocket URL.
func (c *Client) StartFeed(ctx context.Context) {
	if c.wsURL == "" || c.feed != nil {
		return
	}
	c.feed = NewMarketFeed(c.wsURL, c.logger)

	go func() {
		if err := c.feed.Run(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("market feed stopped", "error", err)
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case q := <-c.feed.Quotes():
				c.cacheStreamed(q)
			}
		}
	}()
	c.logger.Info("market feed enabled", "url", c.wsURL)
}

func (c *Client) cacheStreamed(q types.Quote) {
	c.streamMu.Lock()
	c.streamed[q.ContractID] = q
	c.streamMu.Unlock()
}

// streamedQuote returns the streamed top of book for a token when fresh.
func (c *Client) streamedQuote(tokenID string) (types.Quote, bool) {
	c.streamMu.RLock()
	q, ok := c.streamed[tokenID]
	c.streamMu.RUnlock()
	if !ok || time.Since(q.TS) > feedStaleAfter {
		return types.Quote{}, false
	}
	return q, true
}

// Venue implements venue.Client.
func (c *Client) Venue() types.Venue { return types.VenuePolymarket }

// gammaMarket is one market in Gamma responses. Token ids and outcomes
// arrive as JSON-encoded strings inside the JSON.
type gammaMarket struct {
	Question     string  `json:"question"`
	ConditionID  string  `json:"conditionId"`
	ClobTokenIDs string  `json:"clobTokenIds"`
	Outcomes     string  `json:"outcomes"`
	EndDate      string  `json:"endDate"`
	Liquidity    string  `json:"liquidity"`
	Volume24hr   float64 `json:"volume24hr"`
	Category     string  `json:"category"`
	Active       bool    `json:"active"`
	Closed       bool    `json:"closed"`
}

// ListContracts pages through active Gamma markets and emits one contract
// per binary outcome token. Markets that are not strictly Yes/No binary are
// skipped.
func (c *Client) ListContracts(ctx context.Context) ([]types.Contract, error) {
	var contracts []types.Contract

	for offset := 0; ; offset += gammaPageLimit {
		if err := c.rl.Market.Wait(ctx); err != nil {
			return nil, err
		}

		var page []gammaMarket
		resp, err := c.gamma.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"active": "true",
				"closed": "false",
				"limit":  strconv.Itoa(gammaPageLimit),
				"offset": strconv.Itoa(offset),
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("list markets: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("list markets: status %d: %s", resp.StatusCode(), resp.String())
		}

		for _, m := range page {
			contracts = append(contracts, c.toContracts(m)...)
		}

		if len(page) < gammaPageLimit {
			break
		}
	}

	c.logger.Debug("contracts listed", "count", len(contracts))
	return contracts, nil
}

// toContracts expands one Gamma market into per-outcome contracts.
func (c *Client) toContracts(m gammaMarket) []types.Contract {
	if !m.Active || m.Closed {
		return nil
	}

	var tokenIDs, outcomes []string
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &tokenIDs); err != nil {
		return nil
	}
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err != nil {
		return nil
	}
	if len(tokenIDs) != 2 || len(outcomes) != 2 {
		return nil
	}

	endDate, _ := time.Parse(time.RFC3339, m.EndDate)
	liquidity, _ := strconv.ParseFloat(m.Liquidity, 64)

	meta := types.ContractMeta{
		CloseTime: endDate.UTC(),
		EndDate:   m.EndDate,
		Liquidity: liquidity,
		Volume24h: m.Volume24hr,
		Category:  m.Category,
	}

	out := make([]types.Contract, 0, 2)
	for i, tokenID := range tokenIDs {
		var side types.ContractSide
		switch strings.ToUpper(outcomes[i]) {
		case "YES":
			side = types.YES
		case "NO":
			side = types.NO
		default:
			return nil // multi-outcome market, not a binary contract
		}
		out = append(out, types.Contract{
			Venue:         types.VenuePolymarket,
			ID:            tokenID,
			MarketID:      m.ConditionID,
			EventKey:      m.Question,
			Side:          side,
			TickSize:      0.001,
			SettlementCcy: "USDC",
			ExpiresAt:     endDate.UTC(),
			MinSize:       5,
			Meta:          meta,
		})
	}
	return out
}

// bookLevel is one price level in a CLOB book, decimal strings on the wire.
type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	AssetID string      `json:"asset_id"`
	Bids    []bookLevel `json:"bids"`
	Asks    []bookLevel `json:"asks"`
}

// GetQuotes returns top of book per token: streamed quotes while fresh,
// otherwise one REST book fetch. Tokens with no book are omitted. REST
// misses are subscribed so the next call reads them from the stream.
func (c *Client) GetQuotes(ctx context.Context, contractIDs []string) ([]types.Quote, error) {
	quotes := make([]types.Quote, 0, len(contractIDs))
	missing := make([]string, 0, len(contractIDs))
	for _, tokenID := range contractIDs {
		if q, ok := c.streamedQuote(tokenID); ok {
			quotes = append(quotes, q)
			continue
		}
		missing = append(missing, tokenID)
	}
	if c.feed != nil && len(missing) > 0 {
		if err := c.feed.Subscribe(missing); err != nil {
			c.logger.Debug("feed subscribe failed", "error", err)
		}
	}

	for _, tokenID := range missing {
		if err := c.rl.Market.Wait(ctx); err != nil {
			return nil, err
		}

		var book bookResponse
		resp, err := c.clob.R().
			SetContext(ctx).
			SetQueryParam("token_id", tokenID).
			SetResult(&book).
			Get("/book")
		if err != nil {
			return nil, fmt.Errorf("get book %s: %w", tokenID, err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			continue
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("get book %s: status %d: %s", tokenID, resp.StatusCode(), resp.String())
		}

		q := topOfBook(tokenID, book)
		if q.BestBid == 0 && q.BestAsk == 0 {
			continue
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// topOfBook scans the book for the highest bid and lowest ask. Level order
// on the wire is not guaranteed, so every level is considered.
func topOfBook(tokenID string, book bookResponse) types.Quote {
	q := types.Quote{
		Venue:      types.VenuePolymarket,
		ContractID: tokenID,
		TS:         time.Now().UTC(),
	}
	for _, lvl := range book.Bids {
		price, _ := strconv.ParseFloat(lvl.Price, 64)
		size, _ := strconv.ParseFloat(lvl.Size, 64)
		if price > q.BestBid {
			q.BestBid, q.BestBidSize = price, size
		}
	}
	for _, lvl := range book.Asks {
		price, _ := strconv.ParseFloat(lvl.Price, 64)
		size, _ := strconv.ParseFloat(lvl.Size, 64)
		if q.BestAsk == 0 || price < q.BestAsk {
			q.BestAsk, q.BestAskSize = price, size
		}
	}
	return q
}

type orderResponse struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"`
	TakingAmount string `json:"takingAmount"`
	MakingAmount string `json:"makingAmount"`
}

// PlaceOrder signs and submits an order. IOC maps to the CLOB's FAK order
// type. A "live" response means the order rests (nil fill, nil error).
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.Fill, error) {
	if c.auth == nil || !c.auth.HasL2Credentials() {
		return nil, fmt.Errorf("place order: polymarket credentials not configured")
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	order, err := c.auth.SignOrder(req.ContractID, req.Side, req.Price, req.Qty, c.feeRateBps, 0)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}

	orderType := "GTC"
	if req.TIF == types.TifIOC {
		orderType = "FAK"
	}
	payload := struct {
		Order     *signedOrder `json:"order"`
		Owner     string       `json:"owner"`
		OrderType string       `json:"orderType"`
	}{Order: order, Owner: c.auth.creds.ApiKey, OrderType: orderType}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/order", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result orderResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return nil, fmt.Errorf("post order: %s", result.ErrorMsg)
	}

	if result.Status != "matched" {
		c.logger.Debug("order accepted, no fill", "order_id", result.OrderID, "status", result.Status)
		return nil, nil
	}

	qty, price := fillFromAmounts(req.Side, result.MakingAmount, result.TakingAmount)
	if qty == 0 {
		qty, price = req.Qty, req.Price
	}

	return &types.Fill{
		Venue:         types.VenuePolymarket,
		ContractID:    req.ContractID,
		Side:          req.Side,
		AvgPrice:      price,
		Qty:           qty,
		FeePaid:       qty * float64(c.feeRateBps) / 10000.0,
		TS:            time.Now().UTC(),
		VenueOrderID:  result.OrderID,
		ClientOrderID: req.ClientOrderID,
	}, nil
}

// fillFromAmounts recovers executed quantity and average price from the
// response amounts. For a BUY the maker side is cash and the taker side is
// tokens; a SELL is the reverse.
func fillFromAmounts(side types.Side, making, taking string) (qty, price float64) {
	makeAmt, err1 := decimal.NewFromString(making)
	takeAmt, err2 := decimal.NewFromString(taking)
	if err1 != nil || err2 != nil || makeAmt.IsZero() || takeAmt.IsZero() {
		return 0, 0
	}

	cash, tokens := makeAmt, takeAmt
	if side == types.SELL {
		cash, tokens = takeAmt, makeAmt
	}

	qty, _ = tokens.Float64()
	price, _ = cash.Div(tokens).Round(6).Float64()
	return qty, price
}

// CancelOrder cancels a resting order.
func (c *Client) CancelOrder(ctx context.Context, venueOrderID string) (bool, error) {
	if c.auth == nil || !c.auth.HasL2Credentials() {
		return false, fmt.Errorf("cancel order: polymarket credentials not configured")
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return false, err
	}

	body := fmt.Sprintf(`{"orderID":%q}`, venueOrderID)
	headers, err := c.auth.L2Headers("DELETE", "/order", body)
	if err != nil {
		return false, fmt.Errorf("l2 headers: %w", err)
	}

	var result struct {
		Canceled []string `json:"canceled"`
	}
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/order")
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return false, fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return len(result.Canceled) > 0, nil
}

// GetBalance returns the USDC collateral balance, base units → dollars.
func (c *Client) GetBalance(ctx context.Context) (map[string]types.Balance, error) {
	if c.auth == nil || !c.auth.HasL2Credentials() {
		return nil, fmt.Errorf("get balance: polymarket credentials not configured")
	}
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/balance-allowance"
	headers, err := c.auth.L2Headers("GET", path, "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result struct {
		Balance string `json:"balance"`
	}
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("asset_type", "COLLATERAL").
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	units, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance %q: %w", result.Balance, err)
	}
	usdc, _ := units.Div(usdcScale).Float64()

	return map[string]types.Balance{
		"USDC": {Venue: types.VenuePolymarket, Currency: "USDC", Available: usdc, Total: usdc, TS: time.Now().UTC()},
	}, nil
}

// DeriveAPIKey bootstraps L2 credentials from the L1 wallet signature.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	if c.auth == nil {
		return nil, fmt.Errorf("derive api key: no wallet configured")
	}
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

// Healthcheck pings the CLOB liveness endpoint.
func (c *Client) Healthcheck(ctx context.Context) bool {
	resp, err := c.clob.R().SetContext(ctx).Get("/ok")
	if err != nil {
		c.logger.Debug("healthcheck failed", "error", err)
		return false
	}
	return resp.StatusCode() == http.StatusOK
}
