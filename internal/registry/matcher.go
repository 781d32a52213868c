package registry

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"pm-arb/pkg/types"
)

// SimilarityMatcher is the opt-in fallback for pairing contracts the
// deterministic mappers abstain on. It is a reporting tool: the discover CLI
// uses it to surface unmapped cross-venue overlap for operators to review
// and promote to manual mappings. It never feeds trading decisions.
//
// Scoring: 0.6 × title token similarity + 0.4 × expiry proximity, where the
// expiry term decays linearly to zero over seven days of close-time
// difference. Pairs below MinConfidence are discarded.
type SimilarityMatcher struct {
	logger *slog.Logger

	// MinConfidence is the floor for emitted pairs.
	MinConfidence float64

	// manual holds operator overrides loaded from CSV, keyed in both
	// directions so either venue's id resolves the pair.
	manual map[string]string
}

// NewSimilarityMatcher builds a matcher with the default 0.7 confidence
// floor and no manual overrides.
func NewSimilarityMatcher(logger *slog.Logger) *SimilarityMatcher {
	return &SimilarityMatcher{
		logger:        logger.With("component", "matcher"),
		MinConfidence: 0.7,
		manual:        make(map[string]string),
	}
}

// LoadManualOverrides reads a two-column headered CSV of
// (venue_a_market_id, venue_b_market_id) pairs. Overrides are
// bidirectional and always match with full confidence.
func (sm *SimilarityMatcher) LoadManualOverrides(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open overrides %s: %w", path, err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return fmt.Errorf("read overrides %s: %w", path, err)
	}
	for i, row := range rows {
		if i == 0 || len(row) < 2 {
			continue
		}
		a, b := strings.TrimSpace(row[0]), strings.TrimSpace(row[1])
		if a == "" || b == "" {
			continue
		}
		sm.manual[a] = b
		sm.manual[b] = a
	}
	sm.logger.Info("manual overrides loaded", "pairs", len(sm.manual)/2)
	return nil
}

// Match pairs contracts across two venues by manual override first, then by
// similarity score. Each contract participates in at most one pair; reasons
// carry the side suffix so the two legs of a binary market stay separable.
func (sm *SimilarityMatcher) Match(contractsA, contractsB []types.Contract) []types.MatchedPair {
	var pairs []types.MatchedPair
	usedB := make(map[string]bool)

	byIDB := make(map[string]types.Contract, len(contractsB))
	for _, c := range contractsB {
		byIDB[c.ID] = c
	}

	for _, a := range contractsA {
		// Manual overrides win outright.
		if otherID, ok := sm.manual[a.ID]; ok {
			if b, ok := byIDB[otherID]; ok && !usedB[b.ID] && a.Side == b.Side {
				usedB[b.ID] = true
				pairs = append(pairs, types.MatchedPair{
					EventID:    a.EventID,
					ContractA:  a,
					ContractB:  b,
					Confidence: 1.0,
					Reason:     "manual_" + strings.ToLower(string(a.Side)),
				})
				continue
			}
		}

		best, bestScore := types.Contract{}, 0.0
		for _, b := range contractsB {
			if usedB[b.ID] || a.Side != b.Side {
				continue
			}
			score := sm.score(a, b)
			if score > bestScore {
				best, bestScore = b, score
			}
		}
		if bestScore < sm.MinConfidence {
			continue
		}

		usedB[best.ID] = true
		pairs = append(pairs, types.MatchedPair{
			EventID:    a.EventID,
			ContractA:  a,
			ContractB:  best,
			Confidence: bestScore,
			Reason:     fmt.Sprintf("similarity_%.2f_%s", bestScore, strings.ToLower(string(a.Side))),
		})
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Confidence > pairs[j].Confidence })
	return pairs
}

// score combines title similarity and expiry proximity on the 60/40 split.
func (sm *SimilarityMatcher) score(a, b types.Contract) float64 {
	title := TitleSimilarity(a.EventKey, b.EventKey)
	expiry := expiryProximity(a.ExpiresAt, b.ExpiresAt)
	return 0.6*title + 0.4*expiry
}

// expiryProximity is 1.0 for identical close times, decaying linearly to
// zero at seven days apart. Missing close times score zero so the title has
// to carry the whole match.
func expiryProximity(a, b time.Time) float64 {
	if a.IsZero() || b.IsZero() {
		return 0
	}
	diff := math.Abs(a.Sub(b).Hours()) / 24
	const decayDays = 7.0
	if diff >= decayDays {
		return 0
	}
	return 1 - diff/decayDays
}

// stopwords are dropped before token comparison; they carry no identity.
var stopwords = map[string]bool{
	"will": true, "the": true, "a": true, "an": true, "be": true, "to": true,
	"of": true, "in": true, "on": true, "at": true, "by": true, "for": true,
	"is": true, "win": true, "wins": true, "reach": true, "hit": true,
	"before": true, "above": true, "below": true, "or": true, "and": true,
}

// TitleSimilarity is a token-set ratio over normalized, stopword-filtered
// titles: 2·|A∩B| / (|A|+|B|). Identical token sets score 1.0; disjoint
// sets score 0.
func TitleSimilarity(a, b string) float64 {
	ta := titleTokens(a)
	tb := titleTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	var common int
	for tok := range ta {
		if tb[tok] {
			common++
		}
	}
	return 2 * float64(common) / float64(len(ta)+len(tb))
}

func titleTokens(s string) map[string]bool {
	out := make(map[string]bool)
	cleaned := punctRe.ReplaceAllString(strings.ToLower(FoldASCII(s)), "")
	for _, tok := range strings.Fields(cleaned) {
		if !stopwords[tok] {
			out[tok] = true
		}
	}
	return out
}
