// Package risk gates every trade before execution.
//
// The manager tracks per-venue health (recent errors and latencies) in
// fixed-size ring buffers and a rolling PnL window, and evaluates five
// gates in a fixed order: venue circuit breakers, drawdown halt, per-event
// exposure cap, total open-risk cap, minimum edge. A tripped breaker
// latches for five minutes of wall time; the kill switch blocks everything
// until it expires or an operator resets it.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pm-arb/pkg/types"
)

const (
	// breakerWindow is how far back error and latency samples count.
	breakerWindow = 5 * time.Minute

	// breakerLatch is how long a tripped breaker or kill switch holds.
	breakerLatch = 5 * time.Minute

	// breakerMinErrors is the error count floor below which the error-rate
	// condition cannot trip, however small the buffer.
	breakerMinErrors = 10

	errorRingCap   = 100
	latencyRingCap = 100
	pnlRingCap     = 1000
)

// Stable rejection reasons returned by IsAllowed.
const (
	ReasonKillSwitch  = "kill_switch"
	ReasonDrawdown    = "drawdown"
	ReasonPerEventCap = "per_event_cap"
	ReasonTotalCap    = "total_risk_cap"
	ReasonMinEdge     = "min_edge"
)

// BreakerReason names a venue breaker rejection, e.g. "breaker_kalshi".
func BreakerReason(v types.Venue) string { return "breaker_" + string(v) }

type latencySample struct {
	ms float64
	ts time.Time
}

type pnlSample struct {
	pnl float64
	ts  time.Time
}

// venueHealth is the breaker state for one venue.
type venueHealth struct {
	errors    []time.Time
	latencies []latencySample
	tripped   bool
	until     time.Time
}

// Manager enforces the risk gates. All methods are safe for concurrent use.
type Manager struct {
	limits    types.RiskLimits
	errorRate float64 // breaker: errors/ring-capacity threshold
	latencyMs float64 // breaker: mean latency threshold

	logger *slog.Logger
	now    func() time.Time // injectable for tests

	mu     sync.RWMutex
	venues map[types.Venue]*venueHealth
	pnl    []pnlSample

	runningPnL float64
	peakPnL    float64

	killActive bool
	killReason string
	killUntil  time.Time
}

// NewManager creates a risk manager with the given limits and breaker
// thresholds.
func NewManager(limits types.RiskLimits, breakerErrorRate, breakerLatencyMs float64, logger *slog.Logger) *Manager {
	return &Manager{
		limits:    limits,
		errorRate: breakerErrorRate,
		latencyMs: breakerLatencyMs,
		logger:    logger.With("component", "risk"),
		now:       time.Now,
		venues:    make(map[types.Venue]*venueHealth),
	}
}

func (m *Manager) health(v types.Venue) *venueHealth {
	h, ok := m.venues[v]
	if !ok {
		h = &venueHealth{}
		m.venues[v] = h
	}
	return h
}

// RecordError notes a failed venue request.
func (m *Manager) RecordError(v types.Venue) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.health(v)
	h.errors = append(h.errors, m.now())
	if len(h.errors) > errorRingCap {
		h.errors = h.errors[len(h.errors)-errorRingCap:]
	}
}

// RecordLatency notes a venue request's round-trip time.
func (m *Manager) RecordLatency(v types.Venue, ms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.health(v)
	h.latencies = append(h.latencies, latencySample{ms: ms, ts: m.now()})
	if len(h.latencies) > latencyRingCap {
		h.latencies = h.latencies[len(h.latencies)-latencyRingCap:]
	}
}

// RecordPnL appends a realized trade PnL to the rolling window and advances
// the running total and peak used by the drawdown gate.
func (m *Manager) RecordPnL(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pnl = append(m.pnl, pnlSample{pnl: pnl, ts: m.now()})
	if len(m.pnl) > pnlRingCap {
		m.pnl = m.pnl[len(m.pnl)-pnlRingCap:]
	}

	m.runningPnL += pnl
	if m.runningPnL > m.peakPnL {
		m.peakPnL = m.runningPnL
	}
}

// Check reports whether a venue's breaker is open (trading blocked). An
// expired latch auto-resets; fresh samples can re-trip it immediately.
func (m *Manager) Check(v types.Venue) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(v)
}

func (m *Manager) checkLocked(v types.Venue) bool {
	h := m.health(v)
	now := m.now()

	if h.tripped {
		if now.Before(h.until) {
			return true
		}
		h.tripped = false
		m.logger.Info("circuit breaker reset", "venue", v)
	}

	cutoff := now.Add(-breakerWindow)

	errorCount := 0
	for _, ts := range h.errors {
		if ts.After(cutoff) {
			errorCount++
		}
	}
	// Error rate over the ring capacity, not the sample count: a short
	// history must not look like a high rate.
	errorCondition := errorCount >= breakerMinErrors &&
		float64(errorCount)/float64(errorRingCap) > m.errorRate

	var latencySum float64
	latencyCount := 0
	for _, s := range h.latencies {
		if s.ts.After(cutoff) {
			latencySum += s.ms
			latencyCount++
		}
	}
	latencyCondition := latencyCount > 0 && latencySum/float64(latencyCount) > m.latencyMs

	if errorCondition || latencyCondition {
		h.tripped = true
		h.until = now.Add(breakerLatch)
		m.logger.Warn("circuit breaker tripped",
			"venue", v,
			"errors_5m", errorCount,
			"mean_latency_ms", safeMean(latencySum, latencyCount),
			"until", h.until,
		)
		return true
	}
	return false
}

func safeMean(sum float64, n int) float64 {
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// ResetBreaker manually closes a venue's breaker and clears its history.
func (m *Manager) ResetBreaker(v types.Venue) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.health(v)
	h.tripped = false
	h.errors = nil
	h.latencies = nil
	m.logger.Info("circuit breaker manually reset", "venue", v)
}

// Trip engages the kill switch: all new trades are rejected until the
// latch expires or ResetKill is called.
func (m *Manager) Trip(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.killActive = true
	m.killReason = reason
	m.killUntil = m.now().Add(breakerLatch)
	m.logger.Error("KILL SWITCH", "reason", reason, "until", m.killUntil)
}

// ClearExpired releases the kill switch if its latch has run out.
func (m *Manager) ClearExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.killActive && m.now().After(m.killUntil) {
		m.killActive = false
		m.killReason = ""
		m.logger.Info("kill switch latch expired")
	}
}

// ResetKill releases the kill switch immediately (operator override).
func (m *Manager) ResetKill() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.killActive = false
	m.killReason = ""
	m.logger.Info("kill switch manually reset")
}

// killEngaged reports the kill state, auto-releasing an expired latch.
func (m *Manager) killEngaged() bool {
	if !m.killActive {
		return false
	}
	if m.now().After(m.killUntil) {
		m.killActive = false
		m.killReason = ""
		return false
	}
	return true
}

// drawdownExceeded applies the drawdown halt against the running PnL peak.
func (m *Manager) drawdownExceeded() bool {
	if m.peakPnL <= 0 {
		return false
	}
	drawdownPct := (m.peakPnL - m.runningPnL) / m.peakPnL * 100
	return drawdownPct > m.limits.MaxDrawdownPct
}

// IsAllowed decides whether an opportunity may trade given the current
// exposure on its event and the total open risk. Gates run in a fixed
// order and the first failure wins; the returned reason is a stable string.
func (m *Manager) IsAllowed(opp types.Opportunity, eventExposureUSD, totalOpenRiskUSD float64) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.killEngaged() {
		return false, ReasonKillSwitch
	}
	if m.checkLocked(opp.LegA.Venue) {
		return false, BreakerReason(opp.LegA.Venue)
	}
	if m.checkLocked(opp.LegB.Venue) {
		return false, BreakerReason(opp.LegB.Venue)
	}
	if m.drawdownExceeded() {
		return false, ReasonDrawdown
	}
	if eventExposureUSD+opp.Notional > m.limits.MaxPositionPerEventUSD {
		return false, ReasonPerEventCap
	}
	if totalOpenRiskUSD+opp.Notional > m.limits.MaxOpenRiskUSD {
		return false, ReasonTotalCap
	}
	if opp.EdgeBps < m.limits.MinEdgeBps {
		return false, ReasonMinEdge
	}
	return true, ""
}

// VenueSnapshot is one venue's health for the ops surface.
type VenueSnapshot struct {
	Venue         types.Venue `json:"venue"`
	Tripped       bool        `json:"tripped"`
	TrippedUntil  time.Time   `json:"tripped_until,omitempty"`
	Errors5m      int         `json:"errors_5m"`
	MeanLatencyMs float64     `json:"mean_latency_ms"`
}

// Snapshot is the full risk state for the ops surface.
type Snapshot struct {
	Venues      []VenueSnapshot `json:"venues"`
	KillActive  bool            `json:"kill_active"`
	KillReason  string          `json:"kill_reason,omitempty"`
	KillUntil   time.Time       `json:"kill_until,omitempty"`
	RunningPnL  float64         `json:"running_pnl"`
	PeakPnL     float64         `json:"peak_pnl"`
	DrawdownPct float64         `json:"drawdown_pct"`
}

// Snapshot returns the current risk state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.now().Add(-breakerWindow)

	snap := Snapshot{
		KillActive: m.killActive,
		KillReason: m.killReason,
		KillUntil:  m.killUntil,
		RunningPnL: m.runningPnL,
		PeakPnL:    m.peakPnL,
	}
	if m.peakPnL > 0 {
		snap.DrawdownPct = (m.peakPnL - m.runningPnL) / m.peakPnL * 100
	}

	for v, h := range m.venues {
		vs := VenueSnapshot{Venue: v, Tripped: h.tripped, TrippedUntil: h.until}
		for _, ts := range h.errors {
			if ts.After(cutoff) {
				vs.Errors5m++
			}
		}
		var sum float64
		n := 0
		for _, s := range h.latencies {
			if s.ts.After(cutoff) {
				sum += s.ms
				n++
			}
		}
		vs.MeanLatencyMs = safeMean(sum, n)
		snap.Venues = append(snap.Venues, vs)
	}
	return snap
}

// Describe renders a rejection reason with the limit that produced it, for
// log lines.
func (m *Manager) Describe(reason string) string {
	switch reason {
	case ReasonPerEventCap:
		return fmt.Sprintf("%s (cap %.0f USD)", reason, m.limits.MaxPositionPerEventUSD)
	case ReasonTotalCap:
		return fmt.Sprintf("%s (cap %.0f USD)", reason, m.limits.MaxOpenRiskUSD)
	case ReasonMinEdge:
		return fmt.Sprintf("%s (min %.0f bps)", reason, m.limits.MinEdgeBps)
	default:
		return reason
	}
}
