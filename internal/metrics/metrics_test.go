package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsRecord(t *testing.T) {
	m := New()
	m.ObserveProbe("1", "connected", 120*time.Millisecond)
	m.ObserveProbe("1", "degraded", 5*time.Second)
	m.AlertRaised("1", "temperature")
	m.FeedMessage("1", false)
	m.SetFeedState("1", "open")

	if got := testutil.ToFloat64(m.probes.WithLabelValues("1", "connected")); got != 1 {
		t.Fatalf("connected probes = %v", got)
	}
	if got := testutil.ToFloat64(m.connectionState.WithLabelValues("1", "degraded")); got != 1 {
		t.Fatalf("degraded gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.connectionState.WithLabelValues("1", "connected")); got != 0 {
		t.Fatalf("previous state should be cleared, got %v", got)
	}
	if got := testutil.ToFloat64(m.alerts.WithLabelValues("1", "temperature")); got != 1 {
		t.Fatalf("alerts = %v", got)
	}
	if got := testutil.ToFloat64(m.feedMessages.WithLabelValues("1", "undecodable")); got != 1 {
		t.Fatalf("undecodable = %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SetReading("2", "humidity", 61)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `roomwatch_sensor_reading{location="2",metric="humidity"} 61`) {
		t.Fatalf("exposition missing reading:\n%s", body)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveProbe("1", "failed", time.Second)
	m.AlertRaised("1", "temperature")
	m.LedgerWrite(false)
	m.SetDevice("fan", true)
	m.HistoryRequest("1h", "hit")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("nil handler status = %d", rec.Code)
	}
}
