// Package metrics exposes sync engine counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "catsync"

// Metrics is safe to use through a nil pointer; every method becomes a no-op.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	listingsTotal    *prometheus.CounterVec
	observations     *prometheus.CounterVec
	webhooksTotal    *prometheus.CounterVec
	triggersTotal    *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	binlogReconnects prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Finished sync runs by platform, kind and status.",
	}, []string{"platform", "kind", "status"})

	m.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_run_duration_seconds",
		Help:      "Wall time of sync runs.",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
	}, []string{"platform", "kind"})

	m.listingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "listings_processed_total",
		Help:      "Upstream listings processed by outcome.",
	}, []string{"platform", "outcome"})

	m.observations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "price_observations_total",
		Help:      "Price observations appended to the ledger.",
	}, []string{"store"})

	m.webhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhooks_total",
		Help:      "Webhook deliveries by platform and result.",
	}, []string{"platform", "result"})

	m.triggersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_triggers_total",
		Help:      "Sync trigger requests by source and result.",
	}, []string{"source", "result"})

	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "task_queue_depth",
		Help:      "Tasks waiting in the worker queue.",
	})

	m.binlogReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "binlog_restarts_total",
		Help:      "Times the catalog binlog listener was restarted.",
	})

	m.registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.listingsTotal,
		m.observations,
		m.webhooksTotal,
		m.triggersTotal,
		m.queueDepth,
		m.binlogReconnects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RunFinished(platform, kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(platform, kind, status).Inc()
	m.runDuration.WithLabelValues(platform, kind).Observe(elapsed.Seconds())
}

func (m *Metrics) ListingProcessed(platform, outcome string) {
	if m == nil {
		return
	}
	m.listingsTotal.WithLabelValues(platform, outcome).Inc()
}

func (m *Metrics) ObservationRecorded(storeID string) {
	if m == nil {
		return
	}
	m.observations.WithLabelValues(storeID).Inc()
}

func (m *Metrics) WebhookReceived(platform, result string) {
	if m == nil {
		return
	}
	m.webhooksTotal.WithLabelValues(platform, result).Inc()
}

func (m *Metrics) SyncTriggered(source, result string) {
	if m == nil {
		return
	}
	m.triggersTotal.WithLabelValues(source, result).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) BinlogRestarted() {
	if m == nil {
		return
	}
	m.binlogReconnects.Inc()
}
