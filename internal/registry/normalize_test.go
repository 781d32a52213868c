package registry

import (
	"testing"
	"time"
)

func TestFoldASCII(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"Beyoncé", "Beyonce"},
		{"Kamala Harris", "Kamala Harris"},
		{"Müller", "Muller"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := FoldASCII(tt.in); got != tt.want {
			t.Errorf("FoldASCII(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"Mr. Donald J. Trump", "donald trump"},
		{"Sen. Bernie Sanders", "bernie sanders"},
		{"  Gavin   Newsom ", "gavin newsom"},
		{"Beyoncé Knowles-Carter", "beyonce knowles-carter"},
	}
	for _, tt := range tests {
		if got := NormalizeName(tt.in); got != tt.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtractCandidateAliasOrder(t *testing.T) {
	t.Parallel()

	// Full names and bare surnames both resolve to the canonical component.
	for _, text := range []string{"WILL DONALD TRUMP WIN", "TRUMP 2028", "TRUMP VS NEWSOM"} {
		got, ok := extractCandidate(text)
		if !ok || got != "TRUMP" {
			t.Errorf("extractCandidate(%q) = %q, %v", text, got, ok)
		}
	}
	if _, ok := extractCandidate("SOMEBODY ELSE ENTIRELY"); ok {
		t.Error("unknown figures must not match")
	}
}

func TestExtractThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want int
		ok   bool
	}{
		{"REACH $150K BY", 150000, true},
		{"ABOVE $5,000", 5000, true},
		{"HITS 100K THIS YEAR", 100000, true},
		{"ABOVE 120000", 120000, true},
		{"IN 2025", 0, false},   // years are not price targets
		{"GOES UP", 0, false},
	}
	for _, tt := range tests {
		got, ok := extractThreshold(tt.text)
		if got != tt.want || ok != tt.ok {
			t.Errorf("extractThreshold(%q) = %d, %v; want %d, %v", tt.text, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExtractDate(t *testing.T) {
	t.Parallel()

	closeTime := time.Date(2025, 3, 15, 18, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		text  string
		close time.Time
		want  string
		ok    bool
	}{
		{"iso wins", "BY 2025-06-30 OR 2026", time.Time{}, "2025-06-30", true},
		{"us format", "BY 6/30/2025", time.Time{}, "2025-06-30", true},
		{"long form", "AT THE SEPTEMBER 17, 2025 MEETING", time.Time{}, "2025-09-17", true},
		{"bare year expands", "BY END OF 2025", time.Time{}, "2025-12-31", true},
		{"close time fallback", "SOON", closeTime, "2025-03-15", true},
		{"nothing", "SOON", time.Time{}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := extractDate(tt.text, tt.close)
			if got != tt.want || ok != tt.ok {
				t.Errorf("extractDate(%q) = %q, %v; want %q, %v", tt.text, got, ok, tt.want, tt.ok)
			}
		})
	}
}
