// Package metrics exposes the node's Prometheus metrics. A nil *Collector is
// valid and records nothing, so components can be built without metrics.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exchange outcomes used as the "result" label.
const (
	ExchangeStarted    = "started"
	ExchangeCompleted  = "completed"
	ExchangeTimedOut   = "timeout"
	ExchangeSuperseded = "superseded"
	ExchangeAnswered   = "answered"
)

// Collector bundles the PDR and peer exchange metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	Steps            prometheus.Counter
	SamplesDropped   prometheus.Counter
	Exchanges        *prometheus.CounterVec
	ExchangeDuration prometheus.Histogram
	PacketsReceived  *prometheus.CounterVec
	PacketsDropped   *prometheus.CounterVec
	ConnectedPeers   prometheus.Gauge
	PathLength       prometheus.Gauge
}

// NewCollector registers the metrics against reg, defaulting to the global
// Prometheus registry when nil. Registering twice on the same registry
// returns the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	steps, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pdr_steps_total",
		Help: "Steps detected by the step detector.",
	}), "pdr_steps_total")
	if err != nil {
		return nil, err
	}

	dropped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pdr_samples_dropped_total",
		Help: "Sensor samples dropped because the step detector queue was full.",
	}), "pdr_samples_dropped_total")
	if err != nil {
		return nil, err
	}

	exchanges, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_total",
		Help: "Position exchanges by result.",
	}, []string{"result"}), "exchange_total")
	if err != nil {
		return nil, err
	}

	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "exchange_duration_seconds",
		Help:    "Time from sending an estimate to receiving its ACK.",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}), "exchange_duration_seconds")
	if err != nil {
		return nil, err
	}

	received, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_packets_received_total",
		Help: "Valid packets received from peers, labeled by packet type.",
	}, []string{"type"}), "exchange_packets_received_total")
	if err != nil {
		return nil, err
	}

	pktDropped, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_packets_dropped_total",
		Help: "Packets dropped, labeled by reason.",
	}, []string{"reason"}), "exchange_packets_dropped_total")
	if err != nil {
		return nil, err
	}

	peers, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_connected_peers",
		Help: "Peers currently in the Connected state.",
	}), "exchange_connected_peers")
	if err != nil {
		return nil, err
	}

	pathLen, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pdr_path_entries",
		Help: "Entries in the current dead reckoning path.",
	}), "pdr_path_entries")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		Steps:            steps,
		SamplesDropped:   dropped,
		Exchanges:        exchanges,
		ExchangeDuration: duration,
		PacketsReceived:  received,
		PacketsDropped:   pktDropped,
		ConnectedPeers:   peers,
		PathLength:       pathLen,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) IncSteps() {
	if c == nil {
		return
	}
	c.Steps.Inc()
}

func (c *Collector) IncSamplesDropped() {
	if c == nil {
		return
	}
	c.SamplesDropped.Inc()
}

// IncExchange counts an exchange outcome (see the Exchange* constants).
func (c *Collector) IncExchange(result string) {
	if c == nil {
		return
	}
	c.Exchanges.WithLabelValues(result).Inc()
}

// ObserveExchange records estimate to ACK latency.
func (c *Collector) ObserveExchange(d time.Duration) {
	if c == nil {
		return
	}
	c.ExchangeDuration.Observe(d.Seconds())
}

func (c *Collector) IncPacketReceived(packetType string) {
	if c == nil {
		return
	}
	c.PacketsReceived.WithLabelValues(packetType).Inc()
}

func (c *Collector) IncPacketDropped(reason string) {
	if c == nil {
		return
	}
	c.PacketsDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) SetConnectedPeers(n int) {
	if c == nil {
		return
	}
	c.ConnectedPeers.Set(float64(n))
}

func (c *Collector) SetPathLength(n int) {
	if c == nil {
		return
	}
	c.PathLength.Set(float64(n))
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
