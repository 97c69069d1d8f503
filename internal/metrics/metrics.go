package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cable"

// Metrics holds the Prometheus collectors for the server.
type Metrics struct {
	sessionsActive     prometheus.Gauge
	sessionsTotal      prometheus.Counter
	sessionsClosed     *prometheus.CounterVec
	envelopesReceived  *prometheus.CounterVec
	envelopesDropped   prometheus.Counter
	protocolErrors     prometheus.Counter
	joins              *prometheus.CounterVec
	publishes          prometheus.Counter
	deliveries         prometheus.Counter
	deliveryFailures   prometheus.Counter
	publishDuration    prometheus.Histogram
	feedDrops          prometheus.Counter
	archiveRows        *prometheus.CounterVec
	archiveFlushErrors prometheus.Counter
}

// New creates and registers all collectors with reg.
// Returns nil when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of currently open sessions",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "opened_total",
			Help:      "Total sessions accepted",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "closed_total",
			Help:      "Total sessions ended, by reason",
		}, []string{"reason"}),
		envelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "envelopes_received_total",
			Help:      "Envelopes received, by kind",
		}, []string{"kind"}),
		envelopesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "envelopes_dropped_total",
			Help:      "Envelopes whose topic matched no route",
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "protocol_errors_total",
			Help:      "Sessions terminated by a protocol violation",
		}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "joins_total",
			Help:      "Join attempts, by result",
		}, []string{"result"}),
		publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "publishes_total",
			Help:      "Events published",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "deliveries_total",
			Help:      "Events delivered to subscribers",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "delivery_failures_total",
			Help:      "Per-subscriber delivery failures",
		}),
		publishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "publish_duration_seconds",
			Help:      "Time to fan an event out to all subscribers",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		feedDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "feed_drops_total",
			Help:      "Events dropped because a subscribe feed was full",
		}),
		archiveRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "rows_total",
			Help:      "Archived rows, by result",
		}, []string{"result"}),
		archiveFlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "flush_errors_total",
			Help:      "Failed archive batch inserts",
		}),
	}

	reg.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.sessionsClosed,
		m.envelopesReceived,
		m.envelopesDropped,
		m.protocolErrors,
		m.joins,
		m.publishes,
		m.deliveries,
		m.deliveryFailures,
		m.publishDuration,
		m.feedDrops,
		m.archiveRows,
		m.archiveFlushErrors,
	)

	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) EnvelopeReceived(kind string) {
	if m == nil {
		return
	}
	m.envelopesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) EnvelopeDropped() {
	if m == nil {
		return
	}
	m.envelopesDropped.Inc()
}

func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) Join(result string) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(result).Inc()
}

// Published records one fan-out.
func (m *Metrics) Published(delivered, failed int, d time.Duration) {
	if m == nil {
		return
	}
	m.publishes.Inc()
	m.deliveries.Add(float64(delivered))
	m.deliveryFailures.Add(float64(failed))
	m.publishDuration.Observe(d.Seconds())
}

func (m *Metrics) FeedDropped() {
	if m == nil {
		return
	}
	m.feedDrops.Inc()
}

// Archived records the outcome of one archive flush.
func (m *Metrics) Archived(inserted, conflicts int) {
	if m == nil {
		return
	}
	m.archiveRows.WithLabelValues("inserted").Add(float64(inserted))
	m.archiveRows.WithLabelValues("conflict").Add(float64(conflicts))
}

func (m *Metrics) ArchiveFlushFailed() {
	if m == nil {
		return
	}
	m.archiveFlushErrors.Inc()
}
