// Package registry is the single source of truth mapping venue markets onto
// canonical events. Deterministic venue mappers write into it, discovery
// reads from it, and the whole thing persists as two CSV tables so coverage
// can be inspected and hand-edited between runs.
package registry

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"pm-arb/pkg/types"
)

// EventType categorizes canonical events.
type EventType string

const (
	EventElection EventType = "ELECTION"
	EventCrypto   EventType = "CRYPTO"
	EventAwards   EventType = "AWARDS"
	EventSports   EventType = "SPORTS"
	EventFinance  EventType = "FINANCE"
	EventEconomy  EventType = "ECONOMY"
	EventPolitics EventType = "POLITICS"
	EventOther    EventType = "OTHER"
)

// Scope is the geographic or contextual reach of an event.
type Scope string

const (
	ScopeUS     Scope = "US"
	ScopeGlobal Scope = "GLOBAL"
	ScopeEU     Scope = "EU"
	ScopeAsia   Scope = "ASIA"
	ScopeOther  Scope = "OTHER"
)

// Event is a canonical real-world event. Its ID is deterministic: the same
// type, scope, and descriptor components always produce the same string, so
// independent mappers on different venues converge on identical ids.
type Event struct {
	ID               string    `json:"event_id"`
	Type             EventType `json:"event_type"`
	Scope            Scope     `json:"scope"`
	CloseTime        time.Time `json:"close_time"`
	CanonicalUnits   string    `json:"canonical_units"`
	DisplayTitle     string    `json:"display_title"`
	ResolutionSource string    `json:"resolution_source"`
	Aliases          []string  `json:"aliases,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Mapping links one venue market to a canonical event. CloseTime and
// Liquidity snapshot the market attributes used for conflict tie-breaking.
type Mapping struct {
	Venue          types.Venue `json:"venue"`
	MarketID       string      `json:"market_id"`
	EventID        string      `json:"event_id"`
	TitleRaw       string      `json:"title_raw"`
	DescriptionRaw string      `json:"description_raw,omitempty"`
	Outcomes       []string    `json:"outcomes"`
	Confidence     float64     `json:"confidence"`
	Method         string      `json:"method"` // manual, deterministic, heuristic
	CloseTime      time.Time   `json:"close_time"`
	Liquidity      float64     `json:"liquidity"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// CoverageStats summarizes how much of the market universe is mapped.
type CoverageStats struct {
	TotalEvents          int            `json:"total_events"`
	TotalMappings        int            `json:"total_mappings"`
	EventsWithCrossVenue int            `json:"events_with_cross_venue"`
	ByVenue              map[string]int `json:"coverage_by_venue"`
	ByMethod             map[string]int `json:"coverage_by_method"`
}

// BuildEventID joins descriptor components into a canonical id. Components
// are upper-cased and trimmed; the colon is reserved as the separator.
func BuildEventID(components ...string) string {
	parts := make([]string, 0, len(components))
	for _, c := range components {
		parts = append(parts, strings.ToUpper(strings.TrimSpace(c)))
	}
	return strings.Join(parts, ":")
}

// InferType reads the event type back out of a canonical id.
func InferType(eventID string) EventType {
	head, _, _ := strings.Cut(eventID, ":")
	switch EventType(head) {
	case EventElection, EventCrypto, EventAwards, EventSports, EventFinance, EventEconomy, EventPolitics:
		return EventType(head)
	}
	return EventOther
}

// InferScope reads the scope component out of a canonical id, defaulting to
// OTHER for templates that omit one (e.g. ECONOMY).
func InferScope(eventID string) Scope {
	parts := strings.Split(eventID, ":")
	if len(parts) < 2 {
		return ScopeOther
	}
	switch Scope(parts[1]) {
	case ScopeUS, ScopeGlobal, ScopeEU, ScopeAsia:
		return Scope(parts[1])
	}
	return ScopeOther
}

const (
	eventsFile   = "events.csv"
	mappingsFile = "mappings.csv"
)

// Registry holds canonical events and venue mappings behind an RWMutex.
// All lookups are in-memory; Save/load move the tables to and from dir.
type Registry struct {
	mu       sync.RWMutex
	dir      string // "" = in-memory only
	logger   *slog.Logger
	events   map[string]Event
	mappings map[string]Mapping // key: "{venue}:{market_id}"
	aliases  map[string]string  // upper(alias) -> event id
}

// Open returns a Registry rooted at dir, loading any existing CSV tables.
// An empty dir yields an in-memory registry that cannot Save.
func Open(dir string, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		dir:      dir,
		logger:   logger.With("component", "registry"),
		events:   make(map[string]Event),
		mappings: make(map[string]Mapping),
		aliases:  make(map[string]string),
	}
	if dir == "" {
		return r, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	if err := r.loadEvents(filepath.Join(dir, eventsFile)); err != nil {
		return nil, err
	}
	if err := r.loadMappings(filepath.Join(dir, mappingsFile)); err != nil {
		return nil, err
	}
	return r, nil
}

// AddEvent inserts or refreshes a canonical event. The operation is
// idempotent by id: re-adding overwrites metadata but never changes the id
// or the original creation time.
func (r *Registry) AddEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if existing, ok := r.events[ev.ID]; ok {
		ev.CreatedAt = existing.CreatedAt
	}
	r.events[ev.ID] = ev

	for _, alias := range ev.Aliases {
		key := strings.ToUpper(alias)
		if owner, ok := r.aliases[key]; ok && owner != ev.ID {
			r.logger.Debug("alias already claimed", "alias", alias, "owner", owner, "event", ev.ID)
			continue
		}
		r.aliases[key] = ev.ID
	}
}

// Event returns the canonical event for an id.
func (r *Registry) Event(id string) (Event, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ev, ok := r.events[id]
	return ev, ok
}

// ResolveAlias finds an event by alias, case-insensitively.
func (r *Registry) ResolveAlias(alias string) (Event, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.aliases[strings.ToUpper(alias)]
	if !ok {
		return Event{}, false
	}
	ev, ok := r.events[id]
	return ev, ok
}

// AddMapping records that a venue market settles on a canonical event.
// Keyed by (venue, market id): re-adding updates the record and its
// timestamp. The referenced event must already exist.
func (r *Registry) AddMapping(m Mapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.events[m.EventID]; !ok {
		return fmt.Errorf("add mapping %s:%s: unknown event %q", m.Venue, m.MarketID, m.EventID)
	}

	key := mappingKey(m.Venue, m.MarketID)
	now := time.Now().UTC()
	if existing, ok := r.mappings[key]; ok {
		m.CreatedAt = existing.CreatedAt
	} else if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	r.mappings[key] = m
	return nil
}

// Lookup resolves a venue market to its canonical event id.
func (r *Registry) Lookup(venue types.Venue, marketID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[mappingKey(venue, marketID)]
	if !ok {
		return "", false
	}
	return m.EventID, true
}

// RemoveMapping deletes one venue mapping, used when a tie-break decides a
// different market represents the event.
func (r *Registry) RemoveMapping(venue types.Venue, marketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mappings, mappingKey(venue, marketID))
}

// MarketsFor lists every venue mapping for an event, ordered by venue then
// market id so output is stable.
func (r *Registry) MarketsFor(eventID string) []Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Mapping
	for _, m := range r.mappings {
		if m.EventID == eventID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].MarketID < out[j].MarketID
	})
	return out
}

// CoverageStats reports mapping totals, per-venue and per-method counts, and
// how many events are mapped on at least two venues.
func (r *Registry) CoverageStats() CoverageStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := CoverageStats{
		TotalEvents:   len(r.events),
		TotalMappings: len(r.mappings),
		ByVenue:       make(map[string]int),
		ByMethod:      make(map[string]int),
	}

	venuesByEvent := make(map[string]map[types.Venue]struct{})
	for _, m := range r.mappings {
		stats.ByVenue[string(m.Venue)]++
		stats.ByMethod[m.Method]++
		set, ok := venuesByEvent[m.EventID]
		if !ok {
			set = make(map[types.Venue]struct{})
			venuesByEvent[m.EventID] = set
		}
		set[m.Venue] = struct{}{}
	}
	for _, set := range venuesByEvent {
		if len(set) >= 2 {
			stats.EventsWithCrossVenue++
		}
	}
	return stats
}

// Save writes both CSV tables atomically (write to .tmp, then rename).
// Rows are sorted by key so successive saves of identical state are
// byte-identical.
func (r *Registry) Save() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.dir == "" {
		return fmt.Errorf("registry has no directory configured")
	}
	if err := r.saveEvents(filepath.Join(r.dir, eventsFile)); err != nil {
		return err
	}
	return r.saveMappings(filepath.Join(r.dir, mappingsFile))
}

func mappingKey(venue types.Venue, marketID string) string {
	return string(venue) + ":" + marketID
}

// ————————————————————————————————————————————————————————————————————————
// CSV persistence
// ————————————————————————————————————————————————————————————————————————

// Alias and outcome lists are pipe-delimited inside a single CSV field; the
// pipe never appears in canonical ids or outcome labels.
const listSep = "|"

var eventsHeader = []string{
	"event_id", "event_type", "scope", "close_time", "canonical_units",
	"display_title", "resolution_source", "aliases", "created_at",
}

var mappingsHeader = []string{
	"venue", "market_id", "event_id", "title_raw", "description_raw",
	"outcomes", "confidence", "method", "close_time", "liquidity",
	"created_at", "updated_at",
}

func (r *Registry) saveEvents(path string) error {
	ids := make([]string, 0, len(r.events))
	for id := range r.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([][]string, 0, len(ids)+1)
	rows = append(rows, eventsHeader)
	for _, id := range ids {
		ev := r.events[id]
		rows = append(rows, []string{
			ev.ID,
			string(ev.Type),
			string(ev.Scope),
			formatTime(ev.CloseTime),
			ev.CanonicalUnits,
			ev.DisplayTitle,
			ev.ResolutionSource,
			strings.Join(ev.Aliases, listSep),
			formatTime(ev.CreatedAt),
		})
	}
	return writeCSVAtomic(path, rows)
}

func (r *Registry) saveMappings(path string) error {
	keys := make([]string, 0, len(r.mappings))
	for k := range r.mappings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([][]string, 0, len(keys)+1)
	rows = append(rows, mappingsHeader)
	for _, k := range keys {
		m := r.mappings[k]
		rows = append(rows, []string{
			string(m.Venue),
			m.MarketID,
			m.EventID,
			m.TitleRaw,
			m.DescriptionRaw,
			strings.Join(m.Outcomes, listSep),
			strconv.FormatFloat(m.Confidence, 'f', -1, 64),
			m.Method,
			formatTime(m.CloseTime),
			strconv.FormatFloat(m.Liquidity, 'f', -1, 64),
			formatTime(m.CreatedAt),
			formatTime(m.UpdatedAt),
		})
	}
	return writeCSVAtomic(path, rows)
}

func (r *Registry) loadEvents(path string) error {
	rows, err := readCSV(path)
	if err != nil || rows == nil {
		return err
	}
	for i, row := range rows {
		if len(row) < len(eventsHeader) {
			r.logger.Warn("skipping malformed event row", "line", i+2)
			continue
		}
		ev := Event{
			ID:               row[0],
			Type:             EventType(row[1]),
			Scope:            Scope(row[2]),
			CloseTime:        parseTime(row[3]),
			CanonicalUnits:   row[4],
			DisplayTitle:     row[5],
			ResolutionSource: row[6],
			Aliases:          splitList(row[7]),
			CreatedAt:        parseTime(row[8]),
		}
		r.events[ev.ID] = ev
		for _, alias := range ev.Aliases {
			key := strings.ToUpper(alias)
			if _, taken := r.aliases[key]; !taken {
				r.aliases[key] = ev.ID
			}
		}
	}
	return nil
}

func (r *Registry) loadMappings(path string) error {
	rows, err := readCSV(path)
	if err != nil || rows == nil {
		return err
	}
	for i, row := range rows {
		if len(row) < len(mappingsHeader) {
			r.logger.Warn("skipping malformed mapping row", "line", i+2)
			continue
		}
		confidence, _ := strconv.ParseFloat(row[6], 64)
		liquidity, _ := strconv.ParseFloat(row[9], 64)
		m := Mapping{
			Venue:          types.Venue(row[0]),
			MarketID:       row[1],
			EventID:        row[2],
			TitleRaw:       row[3],
			DescriptionRaw: row[4],
			Outcomes:       splitList(row[5]),
			Confidence:     confidence,
			Method:         row[7],
			CloseTime:      parseTime(row[8]),
			Liquidity:      liquidity,
			CreatedAt:      parseTime(row[10]),
			UpdatedAt:      parseTime(row[11]),
		}
		if _, ok := r.events[m.EventID]; !ok {
			r.logger.Warn("dropping mapping with unknown event", "venue", m.Venue, "market", m.MarketID, "event", m.EventID)
			continue
		}
		r.mappings[mappingKey(m.Venue, m.MarketID)] = m
	}
	return nil
}

// writeCSVAtomic writes rows to path via a temp file and rename, so a crash
// mid-write never leaves a torn table behind.
func writeCSVAtomic(path string, rows [][]string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// readCSV returns the data rows of a headered CSV, or (nil, nil) when the
// file does not exist yet.
func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(rows) <= 1 {
		return nil, nil
	}
	return rows[1:], nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, listSep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
