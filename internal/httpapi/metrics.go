package httpapi

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/omnivia/importd/internal/admission"
)

const metricsNamespace = "importd"

type Metrics struct {
	requests       *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	rowsNormalized prometheus.Counter
	duplicates     prometheus.Counter
	duration       prometheus.Histogram
}

// NewMetrics registers the import metrics on reg. A nil reg yields working but
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer, controller *admission.Controller) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Import requests by response status code.",
		}, []string{"status"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "admission_rejections_total",
			Help:      "Requests refused by admission control, by limit scope.",
		}, []string{"scope"}),
		rowsNormalized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rows_normalized_total",
			Help:      "Rows normalized from merged batches.",
		}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "staging_duplicates_total",
			Help:      "Batches whose content was already staged.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Import request latency.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if controller != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "in_flight_requests",
			Help:      "Requests holding a global admission slot.",
		}, func() float64 {
			return float64(controller.Stats().GlobalInFlight)
		})
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rate_buckets",
			Help:      "Tenant token buckets currently tracked.",
		}, func() float64 {
			return float64(controller.Stats().Buckets)
		})
	}
	return m
}

func (m *Metrics) observeRequest(status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strconv.Itoa(status)).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeRejection(scope admission.Scope) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(string(scope)).Inc()
}

func (m *Metrics) observeMerged(rows int, duplicate bool) {
	if m == nil {
		return
	}
	m.rowsNormalized.Add(float64(rows))
	if duplicate {
		m.duplicates.Inc()
	}
}
