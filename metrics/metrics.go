// Description: metrics package
// Prometheus collectors for sessions, proxied operations and transferred bytes.
// Every method is safe on a nil *Metrics, which is what callers get when metrics are disabled.

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ftpweb"

// transfer directions
const (
	DirectionDownload = "download"
	DirectionUpload   = "upload"
)

type Metrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	sessionsActive    *prometheus.GaugeVec
	sessionsOpened    *prometheus.CounterVec
	sessionsClosed    *prometheus.CounterVec
	bytesTransferred  *prometheus.CounterVec
}

// NewRegistry returns a registry holding the Go runtime and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of proxied operations by operation and result kind",
			},
			[]string{"operation", "result"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of proxied operations in seconds",
				Buckets: []float64{
					0.01, // cached listing on a close server
					0.05,
					0.1,
					0.5,
					1,
					5,
					30, // large transfers
					120,
				},
			},
			[]string{"operation"},
		),
		sessionsActive: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Current number of open remote sessions",
			},
			[]string{"protocol"},
		),
		sessionsOpened: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_opened_total",
				Help:      "Total number of remote sessions opened",
			},
			[]string{"protocol"},
		),
		sessionsClosed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_closed_total",
				Help:      "Total number of remote sessions closed by reason",
			},
			[]string{"protocol", "reason"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_transferred_total",
				Help:      "Total bytes moved between clients and remote servers",
			},
			[]string{"direction"},
		),
	}
}

func (m *Metrics) SessionOpened(protocol string) {
	if m == nil {
		return
	}
	m.sessionsOpened.WithLabelValues(protocol).Inc()
	m.sessionsActive.WithLabelValues(protocol).Inc()
}

func (m *Metrics) SessionClosed(protocol, reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(protocol, reason).Inc()
	m.sessionsActive.WithLabelValues(protocol).Dec()
}

// ObserveOperation records one proxied operation, result is "ok" or the error kind
func (m *Metrics) ObserveOperation(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, result).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) AddBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesTransferred.WithLabelValues(direction).Add(float64(n))
}

// Handler serves the metrics gathered by g in the Prometheus exposition format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
