package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pm-arb/internal/portfolio"
	"pm-arb/internal/risk"
	"pm-arb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubProvider serves a canned status.
type stubProvider struct {
	status Status
	ready  bool
}

func (p *stubProvider) Status() Status { return p.status }
func (p *stubProvider) Ready() bool    { return p.ready }

func healthyStatus() Status {
	return Status{
		Mode:          "paper",
		StartedAt:     time.Now().UTC().Add(-time.Minute),
		UptimeSeconds: 60,
		Venues: []types.HealthStatus{
			{Venue: types.VenueKalshi, Healthy: true},
			{Venue: types.VenuePolymarket, Healthy: true},
		},
		Portfolio: portfolio.Summary{CurrentBalanceUSD: 10_003},
	}
}

func newTestServer(t *testing.T, provider StatusProvider) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(0, provider, testLogger())
	go s.hub.Run()
	t.Cleanup(s.hub.Stop)
	ts := httptest.NewServer(s.server.Handler)
	t.Cleanup(ts.Close)
	return s, ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	provider := &stubProvider{status: healthyStatus(), ready: true}
	_, ts := newTestServer(t, provider)

	var body map[string]any
	if code := getJSON(t, ts.URL+"/health", &body); code != http.StatusOK {
		t.Errorf("healthy status = %d", code)
	}
	if body["healthy"] != true || body["mode"] != "paper" {
		t.Errorf("body = %+v", body)
	}
}

func TestHealthUnhealthyVenue(t *testing.T) {
	t.Parallel()
	status := healthyStatus()
	status.Venues[1].Healthy = false
	_, ts := newTestServer(t, &stubProvider{status: status, ready: true})

	if code := getJSON(t, ts.URL+"/health", nil); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 with a venue down", code)
	}
}

func TestHealthKillSwitch(t *testing.T) {
	t.Parallel()
	status := healthyStatus()
	status.Risk = risk.Snapshot{KillActive: true, KillReason: "drill"}
	_, ts := newTestServer(t, &stubProvider{status: status, ready: true})

	if code := getJSON(t, ts.URL+"/health", nil); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 under kill switch", code)
	}
}

func TestReadyAndLive(t *testing.T) {
	t.Parallel()
	provider := &stubProvider{status: healthyStatus(), ready: false}
	_, ts := newTestServer(t, provider)

	if code := getJSON(t, ts.URL+"/ready", nil); code != http.StatusServiceUnavailable {
		t.Errorf("not-ready status = %d", code)
	}
	provider.ready = true
	if code := getJSON(t, ts.URL+"/ready", nil); code != http.StatusOK {
		t.Errorf("ready status = %d", code)
	}
	if code := getJSON(t, ts.URL+"/live", nil); code != http.StatusOK {
		t.Errorf("live status = %d", code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, &stubProvider{status: healthyStatus(), ready: true})

	var got Status
	if code := getJSON(t, ts.URL+"/api/status", &got); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.Mode != "paper" || got.Portfolio.CurrentBalanceUSD != 10_003 {
		t.Errorf("status = %+v", got)
	}
	if len(got.Venues) != 2 {
		t.Errorf("venues = %d", len(got.Venues))
	}
}

func TestWebSocketStream(t *testing.T) {
	t.Parallel()
	s, ts := newTestServer(t, &stubProvider{status: healthyStatus(), ready: true})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the hub a beat to register the client before publishing.
	time.Sleep(50 * time.Millisecond)
	s.Hub().Publish("opportunity", map[string]any{"edge_bps": 1000.0})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read: %v", err)
	}
	if evt.Type != "opportunity" {
		t.Errorf("event type = %q", evt.Type)
	}
	data, ok := evt.Data.(map[string]any)
	if !ok || data["edge_bps"] != 1000.0 {
		t.Errorf("event data = %+v", evt.Data)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.ObserveOpportunity(types.Opportunity{EdgeBps: 1000})
	m.ObserveRejection("per_event_cap")
	m.ObserveTrade(types.TradeFilled)
	m.SetBreaker(types.VenueKalshi, true)

	srv := NewMetricsServer(0, m, testLogger())
	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		"arb_opportunities_found_total 1",
		`arb_opportunities_rejected_total{reason="per_event_cap"} 1`,
		`arb_trades_total{status="filled"} 1`,
		`arb_breaker_open{venue="kalshi"} 1`,
		"arb_opportunity_edge_bps_bucket",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
