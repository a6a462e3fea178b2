package rbac

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for authorization decisions.
type Metrics struct {
	decisions *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  prometheus.Histogram
	dropped   prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// NewMetrics registers the decision metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultMetricsOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

func (m *Metrics) observe(d Decision, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(d.Action), strconv.FormatBool(d.Allowed), string(d.Reason)).Inc()
	m.duration.Observe(elapsed.Seconds())
}

func (m *Metrics) failure(action Action, kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(action), kind).Inc()
}

// AuditDropped counts audit events discarded by a sink.
func (m *Metrics) AuditDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_decisions_total",
		Help: "Authorization decisions partitioned by action, outcome and reason.",
	}, []string{"action", "allowed", "reason"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_failures_total",
		Help: "Authorization requests that could not be decided.",
	}, []string{"action", "kind"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "odyssey_authz_decision_duration_seconds",
		Help:    "Time spent resolving an authorization decision.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_authz_audit_dropped_total",
		Help: "Audit events dropped because the sink was saturated or failing.",
	})
	registerer.MustRegister(decisions, failures, duration, dropped)
	return &Metrics{decisions: decisions, failures: failures, duration: duration, dropped: dropped}
}
