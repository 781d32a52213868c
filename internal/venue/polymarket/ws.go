// ws.go implements the public market WebSocket feed.
//
// The feed subscribes by token id, maintains a local book per token from
// "book" snapshots and "price_change" deltas, and publishes top-of-book
// quotes on a buffered channel. Reconnects use exponential backoff
// (1s → 30s) and re-subscribe to every tracked token; a 90s read deadline
// catches silent server failures within about two missed pings.
package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"pm-arb/pkg/types"
)

const (
	wsPingInterval  = 50 * time.Second
	wsReadTimeout   = 90 * time.Second
	wsWriteTimeout  = 10 * time.Second
	wsMaxReconnect  = 30 * time.Second
	quoteBufferSize = 256
)

// MarketFeed streams top-of-book quotes for subscribed tokens.
type MarketFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	booksMu sync.Mutex
	books   map[string]*bookState

	quoteCh chan types.Quote
	logger  *slog.Logger
}

// bookState is the locally maintained book for one token, price → size.
type bookState struct {
	bids map[string]float64
	asks map[string]float64
}

// NewMarketFeed creates a feed for the public market channel.
func NewMarketFeed(wsURL string, logger *slog.Logger) *MarketFeed {
	return &MarketFeed{
		url:        wsURL,
		subscribed: make(map[string]bool),
		books:      make(map[string]*bookState),
		quoteCh:    make(chan types.Quote, quoteBufferSize),
		logger:     logger.With("component", "ws_market"),
	}
}

// Quotes returns the read-only quote stream.
func (f *MarketFeed) Quotes() <-chan types.Quote { return f.quoteCh }

// Run connects and maintains the connection with auto-reconnect. Blocks
// until ctx is cancelled.
func (f *MarketFeed) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = wsMaxReconnect

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that held for a while resets the backoff.
		if time.Since(start) > time.Minute {
			bo.Reset()
		}
		wait := bo.NextBackOff()

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", wait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Subscribe adds token ids to the feed. Safe to call before Run; the
// initial subscription on connect covers everything tracked.
func (f *MarketFeed) Subscribe(tokenIDs []string) error {
	f.subscribedMu.Lock()
	for _, id := range tokenIDs {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()

	f.connMu.Lock()
	connected := f.conn != nil
	f.connMu.Unlock()
	if !connected {
		return nil
	}

	return f.writeJSON(map[string]any{
		"operation":  "subscribe",
		"assets_ids": tokenIDs,
	})
}

// Unsubscribe drops token ids from the feed.
func (f *MarketFeed) Unsubscribe(tokenIDs []string) error {
	f.subscribedMu.Lock()
	for _, id := range tokenIDs {
		delete(f.subscribed, id)
	}
	f.subscribedMu.Unlock()

	f.booksMu.Lock()
	for _, id := range tokenIDs {
		delete(f.books, id)
	}
	f.booksMu.Unlock()

	f.connMu.Lock()
	connected := f.conn != nil
	f.connMu.Unlock()
	if !connected {
		return nil
	}

	return f.writeJSON(map[string]any{
		"operation":  "unsubscribe",
		"assets_ids": tokenIDs,
	})
}

// Close closes the underlying connection.
func (f *MarketFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *MarketFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	if err := f.writeJSON(map[string]any{
		"type":       "market",
		"assets_ids": ids,
	}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "tokens", len(ids))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

// wsBookEvent is a full book snapshot for one token.
type wsBookEvent struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Bids      []bookLevel `json:"bids"`
	Asks      []bookLevel `json:"asks"`
}

// wsPriceChange is an incremental level update.
type wsPriceChange struct {
	AssetID string          `json:"asset_id"`
	Changes []wsLevelChange `json:"changes"`
}

type wsLevelChange struct {
	Price string `json:"price"`
	Side  string `json:"side"` // BUY | SELL
	Size  string `json:"size"`
}

func (f *MarketFeed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "book":
		var evt wsBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		f.applySnapshot(evt)

	case "price_change":
		var evt wsPriceChange
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal price_change event", "error", err)
			return
		}
		f.applyDelta(evt)

	case "last_trade_price", "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (f *MarketFeed) applySnapshot(evt wsBookEvent) {
	book := &bookState{
		bids: make(map[string]float64, len(evt.Bids)),
		asks: make(map[string]float64, len(evt.Asks)),
	}
	for _, lvl := range evt.Bids {
		if size, _ := strconv.ParseFloat(lvl.Size, 64); size > 0 {
			book.bids[lvl.Price] = size
		}
	}
	for _, lvl := range evt.Asks {
		if size, _ := strconv.ParseFloat(lvl.Size, 64); size > 0 {
			book.asks[lvl.Price] = size
		}
	}

	f.booksMu.Lock()
	f.books[evt.AssetID] = book
	quote := book.top(evt.AssetID)
	f.booksMu.Unlock()

	f.publish(quote)
}

func (f *MarketFeed) applyDelta(evt wsPriceChange) {
	f.booksMu.Lock()
	book, ok := f.books[evt.AssetID]
	if !ok {
		// Delta before snapshot: ignore, the next snapshot seeds state.
		f.booksMu.Unlock()
		return
	}
	for _, change := range evt.Changes {
		size, _ := strconv.ParseFloat(change.Size, 64)
		levels := book.bids
		if change.Side == "SELL" {
			levels = book.asks
		}
		if size <= 0 {
			delete(levels, change.Price)
		} else {
			levels[change.Price] = size
		}
	}
	quote := book.top(evt.AssetID)
	f.booksMu.Unlock()

	f.publish(quote)
}

// top reduces the book to a quote: highest bid, lowest ask.
func (b *bookState) top(tokenID string) types.Quote {
	q := types.Quote{
		Venue:      types.VenuePolymarket,
		ContractID: tokenID,
		TS:         time.Now().UTC(),
	}
	for priceStr, size := range b.bids {
		price, _ := strconv.ParseFloat(priceStr, 64)
		if price > q.BestBid {
			q.BestBid, q.BestBidSize = price, size
		}
	}
	for priceStr, size := range b.asks {
		price, _ := strconv.ParseFloat(priceStr, 64)
		if q.BestAsk == 0 || price < q.BestAsk {
			q.BestAsk, q.BestAskSize = price, size
		}
	}
	return q
}

// publish drops the oldest quote when the buffer is full so the stream
// never blocks the read loop.
func (f *MarketFeed) publish(q types.Quote) {
	select {
	case f.quoteCh <- q:
	default:
		select {
		case <-f.quoteCh:
		default:
		}
		select {
		case f.quoteCh <- q:
		default:
		}
	}
}

func (f *MarketFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *MarketFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}

func (f *MarketFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteMessage(msgType, data)
}
