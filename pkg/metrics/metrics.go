// Package metrics exposes the engine's Prometheus instrumentation from an
// injected registry: event-driven counters, pull gauges for queue and book
// depth, and the HTTP duration histogram.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veilmarket/darkpool/pkg/engine"
	"github.com/veilmarket/darkpool/pkg/events"
)

const namespace = "darkpool"

// Metrics owns the registry and every instrument. Counters are fed from the
// event bus; gauges pull from the components at scrape time.
type Metrics struct {
	registry *prometheus.Registry

	ordersSubmitted prometheus.Counter
	matches         prometheus.Counter
	proofs          *prometheus.CounterVec
	settlements     *prometheus.CounterVec
	signatures      prometheus.Counter
	httpDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ordersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Orders accepted into a book.",
		}),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Crossed order pairs.",
		}),
		proofs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proofs_total",
			Help:      "Settlement proofs by outcome.",
		}, []string{"outcome"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_events_total",
			Help:      "Settlement lifecycle events by tag.",
		}, []string{"event"}),
		signatures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signatures_total",
			Help:      "Signatures accepted onto settlement envelopes.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "REST request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}

	m.registry.MustRegister(
		m.ordersSubmitted,
		m.matches,
		m.proofs,
		m.settlements,
		m.signatures,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the scrape endpoint for this registry only.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBus wires the counters to the event stream. The handler only
// increments counters and never blocks.
func (m *Metrics) ObserveBus(bus *events.Bus) {
	bus.SubscribeAll(func(ev events.Event) {
		switch ev.(type) {
		case events.OrderSubmitted:
			m.ordersSubmitted.Inc()
		case events.OrderMatched:
			m.matches.Inc()
		case events.ProofGenerated:
			m.proofs.WithLabelValues("success").Inc()
		case events.ProofFailed:
			m.proofs.WithLabelValues("failed").Inc()
		case events.SettlementQueued:
			m.settlements.WithLabelValues("queued").Inc()
		case events.SettlementTxBuilt:
			m.settlements.WithLabelValues("tx_built").Inc()
		case events.SettlementConfirmed:
			m.settlements.WithLabelValues("confirmed").Inc()
		case events.SettlementFailed:
			m.settlements.WithLabelValues("failed").Inc()
		case events.SignatureAdded:
			m.signatures.Inc()
		}
	})
}

// ObserveHTTP records one request into the duration histogram.
func (m *Metrics) ObserveHTTP(route, method string, status int, seconds float64) {
	m.httpDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(seconds)
}

// RegisterQueueDepth exposes the proof queue depth as a pull gauge.
func (m *Metrics) RegisterQueueDepth(depth func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "match_queue_depth",
		Help:      "Matches awaiting proof generation.",
	}, func() float64 { return float64(depth()) }))
}

// RegisterSessions exposes the live WebSocket session count.
func (m *Metrics) RegisterSessions(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "websocket_sessions",
		Help:      "Connected push-channel sessions.",
	}, func() float64 { return float64(count()) }))
}

// RegisterBookDepth walks every book at scrape time.
func (m *Metrics) RegisterBookDepth(eng *engine.Engine) {
	m.registry.MustRegister(&bookCollector{
		eng: eng,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "book_orders"),
			"Resting orders per asset and side.",
			[]string{"asset", "side"}, nil,
		),
	})
}

type bookCollector struct {
	eng  *engine.Engine
	desc *prometheus.Desc
}

func (c *bookCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *bookCollector) Collect(ch chan<- prometheus.Metric) {
	for _, asset := range c.eng.Assets() {
		snap := c.eng.BookSnapshot(asset)
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(snap.Buys), asset, "buy")
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(snap.Sells), asset, "sell")
	}
}
