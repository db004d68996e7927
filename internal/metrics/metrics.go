// Package metrics exposes transfer, publisher and HTTP counters to
// Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arloliu/go-dnc/event"
	"github.com/arloliu/go-dnc/transfer"
)

const namespace = "dnc"

// PublisherStats is implemented by publish.Publisher.
type PublisherStats interface {
	Published() uint64
	Throttled() uint64
	Failed() uint64
}

// Metrics owns a registry with every collector of the service.
type Metrics struct {
	registry *prometheus.Registry

	eventsTotal       *prometheus.CounterVec
	transfersFinished *prometheus.CounterVec
	transferDuration  prometheus.Histogram
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	mu      sync.Mutex
	started map[string]time.Time
}

// New creates the collectors. Engine counters are read from engine on
// every scrape.
func New(engine *transfer.TransferMetrics) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		started:  make(map[string]time.Time),

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Progress events by kind.",
		}, []string{"event"}),

		transfersFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_finished_total",
			Help:      "Finished transfers by final state.",
		}, []string{"state"}),

		transferDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Time from submission to the terminal state.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		m.eventsTotal,
		m.transfersFinished,
		m.transferDuration,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if engine != nil {
		m.registerEngine(engine)
	}

	return m
}

func (m *Metrics) registerEngine(e *transfer.TransferMetrics) {
	counter := func(name, help string, fn func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) })
	}

	m.registry.MustRegister(
		counter("lines_sent_total", "Lines written or acknowledged.", e.LinesSent.Load),
		counter("bytes_sent_total", "Payload bytes sent, terminators included.", e.BytesSent.Load),
		counter("block_writes_total", "Drip block write attempts.", e.BlockWriteCount.Load),
		counter("block_retries_total", "Drip block re-sends.", e.BlockRetryCount.Load),
		counter("naks_total", "NAK replies from controllers.", e.NAKCount.Load),
		counter("ack_timeouts_total", "Drip blocks without a reply in time.", e.AckTimeoutCount.Load),
		counter("flow_pauses_total", "XOFF pauses requested by controllers.", e.FlowPauseCount.Load),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "active_transfers",
			Help:      "Engines currently running.",
		}, func() float64 { return float64(e.ActiveTransfers.Load()) }),
	)
}

// RegisterPublisher exposes the bus publisher counters.
func (m *Metrics) RegisterPublisher(p PublisherStats) {
	counter := func(name, help string, fn func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) })
	}

	m.registry.MustRegister(
		counter("published_total", "Events delivered to the bus.", p.Published),
		counter("throttled_total", "Ack events skipped by rate limiting.", p.Throttled),
		counter("failed_total", "Events the bus rejected.", p.Failed),
	)
}

// Observe counts one progress event.
func (m *Metrics) Observe(ev event.ProgressEvent) {
	m.eventsTotal.WithLabelValues(string(ev.Kind)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !ev.Kind.IsTerminal() {
		if _, ok := m.started[ev.TransferID]; !ok {
			m.started[ev.TransferID] = ev.TS
		}

		return
	}

	m.transfersFinished.WithLabelValues(ev.State).Inc()
	if start, ok := m.started[ev.TransferID]; ok {
		m.transferDuration.Observe(ev.TS.Sub(start).Seconds())
		delete(m.started, ev.TransferID)
	}
}

// Run observes every event of sub until ctx is done or sub is closed.
func (m *Metrics) Run(ctx context.Context, sub *event.Subscription) error {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Registry returns the registry for custom collectors and tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
