package registry

import (
	"testing"
	"time"

	"pm-arb/pkg/types"
)

func TestParseTicker(t *testing.T) {
	t.Parallel()

	close1 := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		ticker string
		close  time.Time
		want   string
		ok     bool
	}{
		{"election", "PRES-2028-TRUMP", time.Time{}, "ELECTION:US:PRESIDENT:2028:TRUMP", true},
		{"election lowercase", "pres-2028-trump", time.Time{}, "ELECTION:US:PRESIDENT:2028:TRUMP", true},
		{"senate", "SENATE-2026-OSSOFF", time.Time{}, "ELECTION:US:SENATE:2026:OSSOFF", true},
		{"crypto k suffix", "BTC-150K-2025", time.Time{}, "CRYPTO:GLOBAL:BTC_TARGET:150000:2025-12-31", true},
		{"crypto full date", "ETH-5000-2025-06-30", time.Time{}, "CRYPTO:GLOBAL:ETH_TARGET:5000:2025-06-30", true},
		{"crypto close fallback", "SOL-500-EOY", close1, "CRYPTO:GLOBAL:SOL_TARGET:500:2025-06-30", true},
		{"fed meeting", "FED-2025-09-17", time.Time{}, "ECONOMY:FED_RATE:2025-09-17", true},
		{"not a ticker", "Will Trump win?", time.Time{}, "", false},
		{"unknown prefix", "NBA-2025-LAKERS", time.Time{}, "", false},
		{"election missing candidate", "PRES-2028", time.Time{}, "", false},
		{"bad year", "PRES-1928-TRUMP", time.Time{}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseTicker(tt.ticker, tt.close)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ParseTicker(%q) = %q, %v; want %q, %v", tt.ticker, got, ok, tt.want, tt.ok)
			}
		})
	}
}

// Scenario: the Polymarket question and the Kalshi ticker describe the same
// election. Both mappers must converge on one canonical id, and coverage
// must see the event on two venues.
func TestCrossVenueDeterminism(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	poly := NewMapper(types.VenuePolymarket, r, testLogger())
	kalshi := NewMapper(types.VenueKalshi, r, testLogger())

	idA, ok := poly.Map("0xdeadbeef", "Will Trump win the 2028 Presidential Election?", "", types.ContractMeta{})
	if !ok {
		t.Fatal("polymarket title should map")
	}
	idB, ok := kalshi.Map("PRES-2028-TRUMP", "Presidential Election Winner 2028", "", types.ContractMeta{})
	if !ok {
		t.Fatal("kalshi ticker should map")
	}

	const want = "ELECTION:US:PRESIDENT:2028:TRUMP"
	if idA != want || idB != want {
		t.Errorf("ids diverged: polymarket %q, kalshi %q, want %q", idA, idB, want)
	}
	if stats := r.CoverageStats(); stats.EventsWithCrossVenue != 1 {
		t.Errorf("EventsWithCrossVenue = %d, want 1", stats.EventsWithCrossVenue)
	}
}

func TestMapIdempotent(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	m := NewMapper(types.VenueKalshi, r, testLogger())

	first, ok := m.Map("BTC-150K-2025", "Bitcoin above $150K by end of 2025?", "", types.ContractMeta{})
	if !ok {
		t.Fatal("should map")
	}
	second, ok := m.Map("BTC-150K-2025", "Bitcoin above $150K by end of 2025?", "", types.ContractMeta{})
	if !ok || second != first {
		t.Errorf("second map = %q, %v; want %q", second, ok, first)
	}
	if stats := r.CoverageStats(); stats.TotalMappings != 1 {
		t.Errorf("duplicate mapping created: %d", stats.TotalMappings)
	}
}

func TestMapAbstains(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	m := NewMapper(types.VenuePolymarket, r, testLogger())

	titles := []string{
		"Will it rain in London tomorrow?",     // no supported category
		"Will Bitcoin moon?",                   // crypto but no threshold
		"Presidential election",                // election but no year or candidate
		"Who wins Best Actress?",               // awards but no ceremony, year, nominee
		"",                                     // empty
	}
	for _, title := range titles {
		if id, ok := m.Map("m-"+title, title, "", types.ContractMeta{}); ok {
			t.Errorf("title %q should abstain, mapped to %q", title, id)
		}
	}
	if stats := r.CoverageStats(); stats.TotalMappings != 0 {
		t.Errorf("abstains must not write mappings, got %d", stats.TotalMappings)
	}
}

func TestMapTitleVariants(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	m := NewMapper(types.VenuePolymarket, r, testLogger())

	tests := []struct {
		title string
		meta  types.ContractMeta
		want  string
	}{
		{
			"Will Donald Trump win the 2028 US Presidential Election?",
			types.ContractMeta{},
			"ELECTION:US:PRESIDENT:2028:TRUMP",
		},
		{
			"Will Bitcoin reach $150K in 2025?",
			types.ContractMeta{},
			"CRYPTO:GLOBAL:BTC_TARGET:150000:2025-12-31",
		},
		{
			"Ethereum above $5,000 on 2025-06-30?",
			types.ContractMeta{},
			"CRYPTO:GLOBAL:ETH_TARGET:5000:2025-06-30",
		},
		{
			"Will Emma Stone win Best Actress at the 2026 Oscars?",
			types.ContractMeta{},
			"AWARDS:GLOBAL:OSCARS:BEST_ACTRESS:2026:EMMA_STONE",
		},
		{
			"Fed rate cut at the September 17, 2025 meeting?",
			types.ContractMeta{},
			"ECONOMY:FED_RATE:2025-09-17",
		},
		{
			"Will the Democratic nominee win the 2028 Presidential Election?",
			types.ContractMeta{},
			"ELECTION:US:PRESIDENT:2028:DEM",
		},
	}

	for i, tt := range tests {
		got, ok := m.Map(string(rune('a'+i)), tt.title, "", tt.meta)
		if !ok {
			t.Errorf("title %q should map", tt.title)
			continue
		}
		if got != tt.want {
			t.Errorf("title %q mapped to %q, want %q", tt.title, got, tt.want)
		}
	}
}

func TestMapCreatesEventWithFarFutureClose(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	m := NewMapper(types.VenueKalshi, r, testLogger())

	id, ok := m.Map("PRES-2028-TRUMP", "", "", types.ContractMeta{})
	if !ok {
		t.Fatal("should map")
	}
	ev, ok := r.Event(id)
	if !ok {
		t.Fatal("mapping must create the event")
	}
	if ev.CloseTime.Before(time.Now().AddDate(10, 0, 0)) {
		t.Errorf("missing close time should default far future, got %v", ev.CloseTime)
	}
	if ev.Type != EventElection || ev.Scope != ScopeUS {
		t.Errorf("inferred type/scope = %s/%s", ev.Type, ev.Scope)
	}
}

func TestMapTieBreakPrefersSameCloseDay(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	m := NewMapper(types.VenueKalshi, r, testLogger())

	eventClose := time.Date(2028, 11, 7, 12, 0, 0, 0, time.UTC)
	r.AddEvent(Event{
		ID: "ELECTION:US:PRESIDENT:2028:TRUMP", Type: EventElection,
		Scope: ScopeUS, CloseTime: eventClose,
	})

	// First candidate closes on a different day.
	offDay := types.ContractMeta{CloseTime: eventClose.AddDate(0, 0, 30), Liquidity: 9999}
	if _, ok := m.Map("KXPRES28-EARLY", "PRES-2028-TRUMP", "", offDay); !ok {
		t.Fatal("first candidate should map")
	}

	// Second candidate shares the event's close day and must displace it
	// despite lower liquidity.
	sameDay := types.ContractMeta{CloseTime: eventClose.Add(2 * time.Hour), Liquidity: 10}
	if _, ok := m.Map("KXPRES28-GE", "PRES-2028-TRUMP", "", sameDay); !ok {
		t.Fatal("same-close-day candidate should win the tie-break")
	}

	markets := r.MarketsFor("ELECTION:US:PRESIDENT:2028:TRUMP")
	if len(markets) != 1 {
		t.Fatalf("tie-break left %d mappings, want 1", len(markets))
	}
	if markets[0].MarketID != "KXPRES28-GE" {
		t.Errorf("winner = %q, want the same-close-day market", markets[0].MarketID)
	}

	// A third candidate with nothing better abstains; the incumbent stays.
	worse := types.ContractMeta{CloseTime: eventClose.AddDate(0, 1, 0), Liquidity: 1}
	if _, ok := m.Map("KXPRES28-LATE", "PRES-2028-TRUMP", "", worse); ok {
		t.Error("weaker duplicate should abstain")
	}
}

func TestMapManualOutranksDeterministic(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	m := NewMapper(types.VenueKalshi, r, testLogger())

	if err := m.MapManual("KXPRES-28", "ELECTION:US:PRESIDENT:2028:TRUMP", "Presidential winner"); err != nil {
		t.Fatalf("manual map: %v", err)
	}

	// Deterministic mapping of another market to the same event must yield.
	if _, ok := m.Map("PRES-2028-TRUMP", "PRES-2028-TRUMP", "", types.ContractMeta{Liquidity: 1e9}); ok {
		t.Error("deterministic mapping must not displace a manual one")
	}

	markets := r.MarketsFor("ELECTION:US:PRESIDENT:2028:TRUMP")
	if len(markets) != 1 || markets[0].Confidence != ConfidenceManual {
		t.Errorf("manual mapping lost: %+v", markets)
	}
}
