// Package store persists the trading record to sqlite: the trade ledger,
// open positions, quote history, and balance snapshots. A separate atomic
// JSON snapshot (snapshot.go) carries engine state across restarts.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"pm-arb/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id          TEXT PRIMARY KEY,
	event_id    TEXT NOT NULL,
	venue_a     TEXT NOT NULL,
	venue_b     TEXT NOT NULL,
	contract_a  TEXT NOT NULL,
	contract_b  TEXT NOT NULL,
	side_a      TEXT NOT NULL,
	side_b      TEXT NOT NULL,
	qty         REAL NOT NULL,
	price_a     REAL NOT NULL,
	price_b     REAL NOT NULL,
	fee_a       REAL NOT NULL,
	fee_b       REAL NOT NULL,
	edge_bps    REAL NOT NULL,
	pnl         REAL NOT NULL,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	filled_at   TEXT NOT NULL DEFAULT '',
	extra       TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_trades_event ON trades(event_id);
CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);

CREATE TABLE IF NOT EXISTS positions (
	venue        TEXT NOT NULL,
	contract_id  TEXT NOT NULL,
	event_id     TEXT NOT NULL,
	side         TEXT NOT NULL,
	qty          REAL NOT NULL,
	avg_price    REAL NOT NULL,
	realized_pnl REAL NOT NULL,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (venue, contract_id)
);

CREATE TABLE IF NOT EXISTS quotes (
	venue         TEXT NOT NULL,
	contract_id   TEXT NOT NULL,
	best_bid      REAL NOT NULL,
	best_ask      REAL NOT NULL,
	best_bid_size REAL NOT NULL,
	best_ask_size REAL NOT NULL,
	ts            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quotes_contract ON quotes(venue, contract_id, ts);

CREATE TABLE IF NOT EXISTS balance_snapshots (
	venue     TEXT NOT NULL,
	currency  TEXT NOT NULL,
	available REAL NOT NULL,
	total     REAL NOT NULL,
	ts        TEXT NOT NULL
);
`

// Store wraps the sqlite database. Safe for concurrent use; sqlite's own
// locking serializes writers.
type Store struct {
	db     *sql.DB
	dir    string
	logger *slog.Logger
}

// Open creates or opens the database at path, applying the schema
// idempotently.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time keeps modernc's file locking happy.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		db:     db,
		dir:    filepath.Dir(path),
		logger: logger.With("component", "store"),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SaveTrade inserts or replaces a trade by ID, so a trade can be written
// at creation and again at its terminal state.
func (s *Store) SaveTrade(trade types.Trade) error {
	extra := "{}"
	if len(trade.Extra) > 0 {
		data, err := json.Marshal(trade.Extra)
		if err != nil {
			return fmt.Errorf("marshal trade extra: %w", err)
		}
		extra = string(data)
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO trades
		(id, event_id, venue_a, venue_b, contract_a, contract_b, side_a, side_b,
		 qty, price_a, price_b, fee_a, fee_b, edge_bps, pnl, status,
		 created_at, filled_at, extra)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		trade.ID, trade.EventID,
		string(trade.VenueA), string(trade.VenueB),
		trade.ContractA, trade.ContractB,
		string(trade.SideA), string(trade.SideB),
		trade.Qty, trade.PriceA, trade.PriceB,
		trade.FeeA, trade.FeeB, trade.EdgeBps, trade.PnL,
		string(trade.Status),
		formatTime(trade.CreatedAt), formatTime(trade.FilledAt), extra,
	)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", trade.ID, err)
	}
	return nil
}

func scanTrade(rows *sql.Rows) (types.Trade, error) {
	var t types.Trade
	var venueA, venueB, sideA, sideB, status, createdAt, filledAt, extra string
	if err := rows.Scan(
		&t.ID, &t.EventID, &venueA, &venueB, &t.ContractA, &t.ContractB,
		&sideA, &sideB, &t.Qty, &t.PriceA, &t.PriceB, &t.FeeA, &t.FeeB,
		&t.EdgeBps, &t.PnL, &status, &createdAt, &filledAt, &extra,
	); err != nil {
		return t, err
	}
	t.VenueA, t.VenueB = types.Venue(venueA), types.Venue(venueB)
	t.SideA, t.SideB = types.ContractSide(sideA), types.ContractSide(sideB)
	t.Status = types.TradeStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.FilledAt = parseTime(filledAt)
	if extra != "" && extra != "{}" {
		if err := json.Unmarshal([]byte(extra), &t.Extra); err != nil {
			return t, fmt.Errorf("unmarshal trade extra: %w", err)
		}
	}
	return t, nil
}

const tradeColumns = `id, event_id, venue_a, venue_b, contract_a, contract_b,
	side_a, side_b, qty, price_a, price_b, fee_a, fee_b, edge_bps, pnl,
	status, created_at, filled_at, extra`

// Trades returns the most recent trades, oldest first, up to limit
// (0 = all).
func (s *Store) Trades(limit int) ([]types.Trade, error) {
	query := "SELECT " + tradeColumns + " FROM trades ORDER BY created_at"
	var args []any
	if limit > 0 {
		query = "SELECT * FROM (SELECT " + tradeColumns +
			" FROM trades ORDER BY created_at DESC LIMIT ?) ORDER BY created_at"
		args = append(args, limit)
	}
	return s.queryTrades(query, args...)
}

// TradesByEvent returns one event's trades, oldest first.
func (s *Store) TradesByEvent(eventID string) ([]types.Trade, error) {
	return s.queryTrades(
		"SELECT "+tradeColumns+" FROM trades WHERE event_id = ? ORDER BY created_at",
		eventID,
	)
}

func (s *Store) queryTrades(query string, args ...any) ([]types.Trade, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertPosition writes a position keyed by venue and contract.
func (s *Store) UpsertPosition(pos types.Position) error {
	_, err := s.db.Exec(`
		INSERT INTO positions
		(venue, contract_id, event_id, side, qty, avg_price, realized_pnl, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (venue, contract_id) DO UPDATE SET
			event_id = excluded.event_id,
			side = excluded.side,
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			realized_pnl = excluded.realized_pnl,
			updated_at = excluded.updated_at`,
		string(pos.Venue), pos.ContractID, pos.EventID, string(pos.Side),
		pos.Qty, pos.AvgPrice, pos.RealizedPnL, formatTime(pos.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", pos.Venue, pos.ContractID, err)
	}
	return nil
}

// Positions returns every stored position.
func (s *Store) Positions() ([]types.Position, error) {
	rows, err := s.db.Query(`
		SELECT venue, contract_id, event_id, side, qty, avg_price, realized_pnl, updated_at
		FROM positions ORDER BY venue, contract_id`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var p types.Position
		var venue, side, updatedAt string
		if err := rows.Scan(&venue, &p.ContractID, &p.EventID, &side,
			&p.Qty, &p.AvgPrice, &p.RealizedPnL, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Venue = types.Venue(venue)
		p.Side = types.ContractSide(side)
		p.UpdatedAt = parseTime(updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordQuotes appends top-of-book samples for later backtesting.
func (s *Store) RecordQuotes(quotes []types.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin quotes tx: %w", err)
	}
	for _, q := range quotes {
		if _, err := tx.Exec(`
			INSERT INTO quotes
			(venue, contract_id, best_bid, best_ask, best_bid_size, best_ask_size, ts)
			VALUES (?,?,?,?,?,?,?)`,
			string(q.Venue), q.ContractID, q.BestBid, q.BestAsk,
			q.BestBidSize, q.BestAskSize, formatTime(q.TS),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert quote: %w", err)
		}
	}
	return tx.Commit()
}

// QuoteCount reports the number of stored quote samples.
func (s *Store) QuoteCount() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM quotes").Scan(&n)
	return n, err
}

// RecordBalances appends a balance snapshot per venue and currency.
func (s *Store) RecordBalances(balances []types.Balance) error {
	for _, b := range balances {
		if _, err := s.db.Exec(`
			INSERT INTO balance_snapshots (venue, currency, available, total, ts)
			VALUES (?,?,?,?,?)`,
			string(b.Venue), b.Currency, b.Available, b.Total, formatTime(b.TS),
		); err != nil {
			return fmt.Errorf("insert balance: %w", err)
		}
	}
	return nil
}

// LatestBalances returns the newest snapshot per venue and currency.
func (s *Store) LatestBalances() ([]types.Balance, error) {
	rows, err := s.db.Query(`
		SELECT venue, currency, available, total, MAX(ts)
		FROM balance_snapshots GROUP BY venue, currency ORDER BY venue, currency`)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var out []types.Balance
	for rows.Next() {
		var b types.Balance
		var venue, ts string
		if err := rows.Scan(&venue, &b.Currency, &b.Available, &b.Total, &ts); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		b.Venue = types.Venue(venue)
		b.TS = parseTime(ts)
		out = append(out, b)
	}
	return out, rows.Err()
}
