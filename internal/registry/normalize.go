package registry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Text normalization and feature extraction for the deterministic mappers.
// Every helper here is pure: same input text, same output, no registry state.

var (
	honorificRe     = regexp.MustCompile(`\b(mr|mrs|ms|dr|prof|sen|rep)\b\.?`)
	middleInitialRe = regexp.MustCompile(`\s+[a-z]\.\s+`)
	punctRe         = regexp.MustCompile(`[^\w\s-]`)
	spaceRe         = regexp.MustCompile(`\s+`)
	titleJunkRe     = regexp.MustCompile(`[^\w\s\-:.,?!$/]`)

	yearRe     = regexp.MustCompile(`\b(20\d{2})\b`)
	isoDateRe  = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	usDateRe   = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	longDateRe = regexp.MustCompile(`\b(JANUARY|JAN|FEBRUARY|FEB|MARCH|MAR|APRIL|APR|MAY|JUNE|JUN|JULY|JUL|AUGUST|AUG|SEPTEMBER|SEP|OCTOBER|OCT|NOVEMBER|NOV|DECEMBER|DEC)\s+(\d{1,2}),?\s+(\d{4})\b`)

	thousandsRe = regexp.MustCompile(`\$?([\d,]+)\s?[kK]\b`)
	dollarsRe   = regexp.MustCompile(`\$([\d,]+)`)
	plainNumRe  = regexp.MustCompile(`\b([\d,]+)\b`)

	vpRe       = regexp.MustCompile(`\bVP\b`)
	demRe      = regexp.MustCompile(`\b(DEMOCRAT|DEMOCRATIC|DEM)\b`)
	gopRe      = regexp.MustCompile(`\b(REPUBLICAN|GOP)\b`)
	indRe      = regexp.MustCompile(`\bINDEPENDENT\b`)
	usScopeRe  = regexp.MustCompile(`\b(US|USA|UNITED STATES|AMERICAN|FEDERAL|NATIONAL)\b`)
	euScopeRe  = regexp.MustCompile(`\b(EU|EUROPEAN UNION|UK|UNITED KINGDOM|FRANCE|FRENCH|GERMANY|GERMAN)\b`)
	btcRe      = regexp.MustCompile(`\b(BITCOIN|BTC)\b`)
	ethRe      = regexp.MustCompile(`\b(ETHEREUM|ETH)\b`)
	solRe      = regexp.MustCompile(`\b(SOLANA|SOL)\b`)
	cpiRe      = regexp.MustCompile(`\bCPI\b`)
)

// stripMarks removes diacritics: NFD decomposition, drop combining marks,
// recompose.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// FoldASCII converts accented text to its plain-ASCII skeleton, so "Beyoncé"
// and "Beyonce" normalize identically.
func FoldASCII(s string) string {
	out, _, err := transform.String(stripMarks, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeName canonicalizes a person name for id construction: fold
// accents, lowercase, strip honorifics and middle initials, drop punctuation
// except hyphens, collapse whitespace.
func NormalizeName(name string) string {
	if name == "" {
		return ""
	}
	s := strings.ToLower(FoldASCII(name))
	s = honorificRe.ReplaceAllString(s, "")
	s = middleInitialRe.ReplaceAllString(s, " ")
	s = punctRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// normalizeTitle flattens a venue title for pattern matching: fold accents,
// collapse whitespace, drop everything but word characters and light
// punctuation, uppercase.
func normalizeTitle(s string) string {
	if s == "" {
		return ""
	}
	out := FoldASCII(s)
	out = spaceRe.ReplaceAllString(strings.TrimSpace(out), " ")
	out = titleJunkRe.ReplaceAllString(out, "")
	return strings.ToUpper(out)
}

// knownCandidates maps political figures to their canonical id component.
// Order matters: first containment match wins, so multi-word aliases come
// before bare surnames that could shadow them.
var knownCandidates = []struct {
	canonical string
	aliases   []string
}{
	{"TRUMP", []string{"DONALD TRUMP", "TRUMP"}},
	{"BIDEN", []string{"JOE BIDEN", "BIDEN"}},
	{"HARRIS", []string{"KAMALA HARRIS", "HARRIS"}},
	{"DESANTIS", []string{"RON DESANTIS", "DESANTIS"}},
	{"NEWSOM", []string{"GAVIN NEWSOM", "NEWSOM"}},
	{"PENCE", []string{"MIKE PENCE", "PENCE"}},
	{"OBAMA", []string{"BARACK OBAMA", "OBAMA"}},
}

// extractCandidate finds a known political figure in uppercased text.
func extractCandidate(text string) (string, bool) {
	for _, c := range knownCandidates {
		for _, alias := range c.aliases {
			if strings.Contains(text, alias) {
				return c.canonical, true
			}
		}
	}
	return "", false
}

// extractOffice maps office mentions to their canonical component.
func extractOffice(text string) (string, bool) {
	switch {
	case strings.Contains(text, "PRESIDENT") || strings.Contains(text, "POTUS"):
		return "PRESIDENT", true
	case strings.Contains(text, "VICE PRESIDENT") || vpRe.MatchString(text):
		return "VP", true
	case strings.Contains(text, "SENAT"):
		return "SENATE", true
	case strings.Contains(text, "GOVERNOR"):
		return "GOVERNOR", true
	case strings.Contains(text, "HOUSE") || strings.Contains(text, "CONGRESS"):
		return "HOUSE", true
	}
	return "", false
}

// extractParty maps party mentions to their canonical component, used when
// a market names a party rather than a person.
func extractParty(text string) (string, bool) {
	switch {
	case demRe.MatchString(text):
		return "DEM", true
	case gopRe.MatchString(text):
		return "REPUBLICAN", true
	case indRe.MatchString(text):
		return "INDEPENDENT", true
	}
	return "", false
}

// extractScope determines the geographic scope of an election market.
// US is the default: the venues this system trades list American politics
// unless the title names another region outright.
func extractScope(text string) string {
	switch {
	case usScopeRe.MatchString(text):
		return string(ScopeUS)
	case euScopeRe.MatchString(text):
		return string(ScopeEU)
	case strings.Contains(text, "WORLD") || strings.Contains(text, "GLOBAL"):
		return string(ScopeGlobal)
	}
	return string(ScopeUS)
}

// extractYear returns the first four-digit 20xx year in the text.
func extractYear(text string) (string, bool) {
	m := yearRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// extractCryptoTicker recognizes the supported crypto assets.
func extractCryptoTicker(text string) (string, bool) {
	switch {
	case btcRe.MatchString(text):
		return "BTC", true
	case ethRe.MatchString(text):
		return "ETH", true
	case solRe.MatchString(text):
		return "SOL", true
	}
	return "", false
}

// extractThreshold finds a price target as an integer. "K" suffixes expand
// to thousands. Plain numbers only qualify when dollar-prefixed or clearly
// not a year, keeping deterministic mapping honest about ambiguity.
func extractThreshold(text string) (int, bool) {
	if m := thousandsRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", "")); err == nil {
			return v * 1000, true
		}
	}
	if m := dollarsRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", "")); err == nil {
			return v, true
		}
	}
	for _, m := range plainNumRe.FindAllStringSubmatch(text, -1) {
		v, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
		if err != nil || v < 1000 {
			continue
		}
		if v >= 2000 && v <= 2099 { // almost certainly a year
			continue
		}
		return v, true
	}
	return 0, false
}

// extractDate resolves a YYYY-MM-DD date component. Explicit dates in the
// text win; a bare year expands to its December 31st; otherwise the
// contract's close time is used when available.
func extractDate(text string, closeTime time.Time) (string, bool) {
	if m := isoDateRe.FindStringSubmatch(text); m != nil {
		return fmt.Sprintf("%s-%s-%s", m[1], m[2], m[3]), true
	}
	if m := usDateRe.FindStringSubmatch(text); m != nil {
		mo, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		return fmt.Sprintf("%s-%02d-%02d", m[3], mo, day), true
	}
	if m := longDateRe.FindStringSubmatch(text); m != nil {
		if mo, ok := monthNumber(m[1]); ok {
			day, _ := strconv.Atoi(m[2])
			return fmt.Sprintf("%s-%02d-%02d", m[3], mo, day), true
		}
	}
	if year, ok := extractYear(text); ok {
		return year + "-12-31", true
	}
	if !closeTime.IsZero() {
		return closeTime.UTC().Format("2006-01-02"), true
	}
	return "", false
}

func monthNumber(name string) (int, bool) {
	switch name[:3] {
	case "JAN":
		return 1, true
	case "FEB":
		return 2, true
	case "MAR":
		return 3, true
	case "APR":
		return 4, true
	case "MAY":
		return 5, true
	case "JUN":
		return 6, true
	case "JUL":
		return 7, true
	case "AUG":
		return 8, true
	case "SEP":
		return 9, true
	case "OCT":
		return 10, true
	case "NOV":
		return 11, true
	case "DEC":
		return 12, true
	}
	return 0, false
}

// awardCategories maps textual category mentions to id components.
// Longer phrases come first so "SUPPORTING ACTRESS" is not read as "ACTRESS".
var awardCategories = []struct {
	needle    string
	component string
}{
	{"SUPPORTING ACTRESS", "BEST_SUPPORTING_ACTRESS"},
	{"SUPPORTING ACTOR", "BEST_SUPPORTING_ACTOR"},
	{"ACTRESS", "BEST_ACTRESS"},
	{"ACTOR", "BEST_ACTOR"},
	{"DIRECTOR", "BEST_DIRECTOR"},
	{"PICTURE", "BEST_PICTURE"},
}

// extractAwardCategory finds the award category in uppercased text.
func extractAwardCategory(text string) (string, bool) {
	for _, c := range awardCategories {
		if strings.Contains(text, c.needle) {
			return c.component, true
		}
	}
	return "", false
}

// extractCeremony finds the awards ceremony in uppercased text.
func extractCeremony(text string) (string, bool) {
	switch {
	case strings.Contains(text, "OSCAR") || strings.Contains(text, "ACADEMY AWARD"):
		return "OSCARS", true
	case strings.Contains(text, "EMMY"):
		return "EMMYS", true
	case strings.Contains(text, "GRAMMY"):
		return "GRAMMYS", true
	}
	return "", false
}

// extractNominee looks for a two-word proper name in the original-cased
// title. It skips leading question words so "Will Emma Stone win" yields
// EMMA_STONE.
func extractNominee(rawTitle string) (string, bool) {
	skip := map[string]bool{
		"Will": true, "The": true, "Win": true, "Wins": true, "Best": true,
	}
	words := strings.Fields(punctRe.ReplaceAllString(FoldASCII(rawTitle), ""))
	var run []string
	flush := func() (string, bool) {
		if len(run) >= 2 {
			return strings.ToUpper(strings.Join(run, "_")), true
		}
		return "", false
	}
	for _, w := range words {
		if len(w) > 2 && unicode.IsUpper(rune(w[0])) && !skip[w] {
			run = append(run, w)
			continue
		}
		if name, ok := flush(); ok {
			return name, true
		}
		run = run[:0]
	}
	return flush()
}

// extractEconomySeries recognizes the supported macroeconomic series.
func extractEconomySeries(text string) (string, bool) {
	switch {
	case strings.Contains(text, "FED RATE") || strings.Contains(text, "FEDERAL RESERVE") || strings.Contains(text, "INTEREST RATE"):
		return "FED_RATE", true
	case cpiRe.MatchString(text):
		return "CPI", true
	case strings.Contains(text, "INFLATION"):
		return "INFLATION", true
	}
	return "", false
}
