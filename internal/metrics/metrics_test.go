package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	c.IncSteps()
	c.IncSteps()
	c.IncExchange(ExchangeCompleted)
	c.IncPacketDropped("decode")
	c.SetConnectedPeers(3)
	c.ObserveExchange(40 * time.Millisecond)

	if got := testutil.ToFloat64(c.Steps); got != 2 {
		t.Fatalf("pdr_steps_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Exchanges.WithLabelValues(ExchangeCompleted)); got != 1 {
		t.Fatalf("exchange_total{completed} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.PacketsDropped.WithLabelValues("decode")); got != 1 {
		t.Fatalf("exchange_packets_dropped_total{decode} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ConnectedPeers); got != 3 {
		t.Fatalf("exchange_connected_peers = %v, want 3", got)
	}
}

func TestCollectorRegisterTwiceReuses(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	second, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("second NewCollector: %v", err)
	}

	first.IncSteps()
	if got := testutil.ToFloat64(second.Steps); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.IncSteps()
	c.IncSamplesDropped()
	c.IncExchange(ExchangeStarted)
	c.ObserveExchange(time.Second)
	c.IncPacketReceived("ACK")
	c.IncPacketDropped("decode")
	c.SetConnectedPeers(1)
	c.SetPathLength(1)
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	c.IncExchange(ExchangeTimedOut)

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), `exchange_total{result="timeout"} 1`) {
		t.Fatalf("metrics output missing exchange counter:\n%s", body)
	}
}
