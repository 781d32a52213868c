package registry

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"pm-arb/pkg/types"
)

// Deterministic venue mappers. Each venue gets a Mapper that parses market
// titles and ticker conventions into canonical event ids. The policy is
// deterministic-or-abstain: a mapper emits an id only when every component
// the template requires can be extracted from the text; anything short of
// that returns ("", false) and the contract is dropped from the trading
// universe. No fuzzy guesses.

const (
	// ConfidenceDeterministic marks mappings produced by template parsing.
	ConfidenceDeterministic = 0.95
	// ConfidenceManual marks operator-supplied mappings, which outrank
	// everything else.
	ConfidenceManual = 1.0
)

// farFutureClose is used when a venue provides no close time at all; the
// discovery expiry gate needs something monotone to compare against.
var farFutureClose = time.Date(2099, 12, 31, 0, 0, 0, 0, time.UTC)

// Mapper resolves one venue's markets onto canonical events, writing
// successful mappings into the shared Registry. The dependency is one-way:
// the registry never calls back into mappers.
type Mapper struct {
	venue  types.Venue
	reg    *Registry
	logger *slog.Logger
}

// NewMapper builds a deterministic mapper for a venue backed by reg.
func NewMapper(venue types.Venue, reg *Registry, logger *slog.Logger) *Mapper {
	return &Mapper{
		venue:  venue,
		reg:    reg,
		logger: logger.With("component", "mapper", "venue", string(venue)),
	}
}

// Venue returns the venue this mapper serves.
func (m *Mapper) Venue() types.Venue { return m.venue }

// Map attempts to resolve a venue market onto a canonical event id.
// Returns ("", false) to abstain. On success, the event is guaranteed to
// exist in the registry and the (venue, marketID) mapping is recorded with
// deterministic confidence.
func (m *Mapper) Map(marketID, title, description string, meta types.ContractMeta) (string, bool) {
	// Already mapped markets resolve from the registry without re-parsing.
	if id, ok := m.reg.Lookup(m.venue, marketID); ok {
		return id, true
	}

	eventID, display, ok := m.parse(marketID, title, meta)
	if !ok {
		m.logger.Debug("abstain", "market", marketID, "title", title)
		return "", false
	}

	closeTime := meta.CloseTime
	if closeTime.IsZero() && meta.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, meta.EndDate); err == nil {
			closeTime = t.UTC()
		}
	}

	if !m.ensureEvent(eventID, display, closeTime) {
		return "", false
	}
	if !m.record(marketID, eventID, title, description, meta, closeTime) {
		return "", false
	}
	return eventID, true
}

// MapManual records an operator-supplied mapping with full confidence,
// creating the event if needed.
func (m *Mapper) MapManual(marketID, eventID, title string) error {
	if _, ok := m.reg.Event(eventID); !ok {
		m.reg.AddEvent(Event{
			ID:           eventID,
			Type:         InferType(eventID),
			Scope:        InferScope(eventID),
			CloseTime:    farFutureClose,
			DisplayTitle: title,
		})
	}
	return m.reg.AddMapping(Mapping{
		Venue:      m.venue,
		MarketID:   marketID,
		EventID:    eventID,
		TitleRaw:   title,
		Confidence: ConfidenceManual,
		Method:     "manual",
	})
}

// parse runs the ticker parser first (structured conventions are the most
// reliable signal), then the per-category title parsers.
func (m *Mapper) parse(marketID, title string, meta types.ContractMeta) (eventID, display string, ok bool) {
	if id, ok := ParseTicker(marketID, meta.CloseTime); ok {
		return id, title, true
	}
	if id, ok := ParseTicker(title, meta.CloseTime); ok {
		return id, title, true
	}

	text := normalizeTitle(title)
	if text == "" {
		return "", "", false
	}

	if id, ok := parseElectionTitle(text); ok {
		return id, title, true
	}
	if id, ok := parseCryptoTitle(text, meta.CloseTime); ok {
		return id, title, true
	}
	if id, ok := parseAwardsTitle(text, title); ok {
		return id, title, true
	}
	if id, ok := parseEconomyTitle(text, meta.CloseTime); ok {
		return id, title, true
	}
	return "", "", false
}

// ensureEvent creates the canonical event on first sight. An existing event
// keeps its metadata; mapping a second venue must never rewrite it.
func (m *Mapper) ensureEvent(eventID, display string, closeTime time.Time) bool {
	if _, ok := m.reg.Event(eventID); ok {
		return true
	}
	if closeTime.IsZero() {
		closeTime = farFutureClose
	}
	m.reg.AddEvent(Event{
		ID:           eventID,
		Type:         InferType(eventID),
		Scope:        InferScope(eventID),
		CloseTime:    closeTime,
		DisplayTitle: display,
	})
	return true
}

// record writes the mapping, arbitrating when another market of the same
// venue already claims the event. Tie-break: same close day as the event
// wins, then the higher liquidity proxy; a dead heat keeps the incumbent
// and abstains for the newcomer.
func (m *Mapper) record(marketID, eventID, title, description string, meta types.ContractMeta, closeTime time.Time) bool {
	for _, existing := range m.reg.MarketsFor(eventID) {
		if existing.Venue != m.venue || existing.MarketID == marketID {
			continue
		}
		if existing.Method == "manual" {
			m.logger.Debug("event claimed by manual mapping", "event", eventID, "market", marketID)
			return false
		}
		if !m.beats(closeTime, meta.Liquidity, existing, eventID) {
			return false
		}
		m.reg.RemoveMapping(m.venue, existing.MarketID)
		m.logger.Debug("remapped event to better candidate",
			"event", eventID, "old", existing.MarketID, "new", marketID)
	}

	err := m.reg.AddMapping(Mapping{
		Venue:          m.venue,
		MarketID:       marketID,
		EventID:        eventID,
		TitleRaw:       title,
		DescriptionRaw: description,
		Confidence:     ConfidenceDeterministic,
		Method:         "deterministic",
		CloseTime:      closeTime,
		Liquidity:      meta.Liquidity,
	})
	if err != nil {
		m.logger.Warn("record mapping", "error", err)
		return false
	}
	return true
}

func (m *Mapper) beats(closeTime time.Time, liquidity float64, incumbent Mapping, eventID string) bool {
	ev, ok := m.reg.Event(eventID)
	if ok && !ev.CloseTime.IsZero() {
		day := ev.CloseTime.UTC().Truncate(24 * time.Hour)
		newSame := !closeTime.IsZero() && closeTime.UTC().Truncate(24*time.Hour).Equal(day)
		oldSame := !incumbent.CloseTime.IsZero() && incumbent.CloseTime.UTC().Truncate(24*time.Hour).Equal(day)
		if newSame != oldSame {
			return newSame
		}
	}
	return liquidity > incumbent.Liquidity
}

// ————————————————————————————————————————————————————————————————————————
// Ticker shorthand parser
// ————————————————————————————————————————————————————————————————————————

var tickerShapeRe = regexp.MustCompile(`^[A-Z][A-Z0-9]*(-[A-Z0-9.]+)+$`)

var tickerOffices = map[string]string{
	"PRES":      "PRESIDENT",
	"PRESIDENT": "PRESIDENT",
	"POTUS":     "PRESIDENT",
	"VP":        "VP",
	"SENATE":    "SENATE",
	"SEN":       "SENATE",
	"GOV":       "GOVERNOR",
	"GOVERNOR":  "GOVERNOR",
	"HOUSE":     "HOUSE",
}

var tickerSeries = map[string]string{
	"FED":       "FED_RATE",
	"FEDRATE":   "FED_RATE",
	"CPI":       "CPI",
	"INFLATION": "INFLATION",
}

// ParseTicker resolves structured ticker shorthand into a canonical id.
// Recognized forms:
//
//	PRES-2028-TRUMP            → ELECTION:US:PRESIDENT:2028:TRUMP
//	BTC-150K-2025              → CRYPTO:GLOBAL:BTC_TARGET:150000:2025-12-31
//	ETH-5000-2025-06-30        → CRYPTO:GLOBAL:ETH_TARGET:5000:2025-06-30
//	FED-2025-09-17             → ECONOMY:FED_RATE:2025-09-17
//
// Anything that does not fit a known shape abstains.
func ParseTicker(raw string, closeTime time.Time) (string, bool) {
	ticker := strings.ToUpper(strings.TrimSpace(raw))
	if !tickerShapeRe.MatchString(ticker) {
		return "", false
	}
	parts := strings.Split(ticker, "-")

	if office, ok := tickerOffices[parts[0]]; ok && len(parts) >= 3 {
		year := parts[1]
		if !isYear(year) {
			return "", false
		}
		candidate := strings.Join(parts[2:], "_")
		return BuildEventID("ELECTION", string(ScopeUS), office, year, candidate), true
	}

	if parts[0] == "BTC" || parts[0] == "ETH" || parts[0] == "SOL" {
		if len(parts) < 3 {
			return "", false
		}
		threshold, ok := parseTickerThreshold(parts[1])
		if !ok {
			return "", false
		}
		date, ok := parseTickerDate(parts[2:], closeTime)
		if !ok {
			return "", false
		}
		return BuildEventID("CRYPTO", string(ScopeGlobal), parts[0]+"_TARGET", strconv.Itoa(threshold), date), true
	}

	if series, ok := tickerSeries[parts[0]]; ok {
		if date, ok := parseTickerDate(parts[1:], closeTime); ok {
			return fmt.Sprintf("ECONOMY:%s:%s", series, date), true
		}
	}

	return "", false
}

// parseTickerThreshold reads a price component: "150K" → 150000, "5000" → 5000.
func parseTickerThreshold(s string) (int, bool) {
	mult := 1
	if strings.HasSuffix(s, "K") {
		mult = 1000
		s = strings.TrimSuffix(s, "K")
	}
	v, err := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
	if err != nil || v <= 0 {
		return 0, false
	}
	return v * mult, true
}

// parseTickerDate assembles a YYYY-MM-DD component from trailing ticker
// parts. A bare year expands to its December 31st; Y-M-D parts join as is.
func parseTickerDate(parts []string, closeTime time.Time) (string, bool) {
	switch len(parts) {
	case 1:
		if isYear(parts[0]) {
			return parts[0] + "-12-31", true
		}
	case 3:
		if isYear(parts[0]) && len(parts[1]) == 2 && len(parts[2]) == 2 {
			return parts[0] + "-" + parts[1] + "-" + parts[2], true
		}
	}
	if !closeTime.IsZero() {
		return closeTime.UTC().Format("2006-01-02"), true
	}
	return "", false
}

func isYear(s string) bool {
	if len(s) != 4 {
		return false
	}
	v, err := strconv.Atoi(s)
	return err == nil && v >= 2000 && v <= 2099
}

// ————————————————————————————————————————————————————————————————————————
// Title parsers, one per canonical template
// ————————————————————————————————————————————————————————————————————————

// parseElectionTitle requires office, year, and a candidate or party.
// "Will Donald Trump win the 2028 US Presidential Election?"
// → ELECTION:US:PRESIDENT:2028:TRUMP
func parseElectionTitle(text string) (string, bool) {
	if !strings.Contains(text, "ELECTION") && !strings.Contains(text, "WIN") && !strings.Contains(text, "NOMINEE") {
		return "", false
	}
	office, ok := extractOffice(text)
	if !ok {
		return "", false
	}
	year, ok := extractYear(text)
	if !ok {
		return "", false
	}
	who, ok := extractCandidate(text)
	if !ok {
		who, ok = extractParty(text)
	}
	if !ok {
		return "", false
	}
	return BuildEventID("ELECTION", extractScope(text), office, year, who), true
}

// parseCryptoTitle requires a supported ticker, a price threshold, and a
// resolvable date. "Will Bitcoin reach $150K in 2025?"
// → CRYPTO:GLOBAL:BTC_TARGET:150000:2025-12-31
func parseCryptoTitle(text string, closeTime time.Time) (string, bool) {
	ticker, ok := extractCryptoTicker(text)
	if !ok {
		return "", false
	}
	threshold, ok := extractThreshold(text)
	if !ok {
		return "", false
	}
	date, ok := extractDate(text, closeTime)
	if !ok {
		return "", false
	}
	return BuildEventID("CRYPTO", string(ScopeGlobal), ticker+"_TARGET", strconv.Itoa(threshold), date), true
}

// parseAwardsTitle requires ceremony, category, year, and a nominee name.
// The nominee is pulled from the original-cased title since casing is the
// only signal separating proper names from ordinary words.
func parseAwardsTitle(text, rawTitle string) (string, bool) {
	ceremony, ok := extractCeremony(text)
	if !ok {
		return "", false
	}
	category, ok := extractAwardCategory(text)
	if !ok {
		return "", false
	}
	year, ok := extractYear(text)
	if !ok {
		return "", false
	}
	nominee, ok := extractNominee(rawTitle)
	if !ok {
		return "", false
	}
	return BuildEventID("AWARDS", string(ScopeGlobal), ceremony, category, year, nominee), true
}

// parseEconomyTitle requires a recognized series and a date.
// "Will the Fed rate be cut at the September 17 2025 meeting?"
// → ECONOMY:FED_RATE:2025-09-17
func parseEconomyTitle(text string, closeTime time.Time) (string, bool) {
	series, ok := extractEconomySeries(text)
	if !ok {
		return "", false
	}
	date, ok := extractDate(text, closeTime)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("ECONOMY:%s:%s", series, date), true
}
