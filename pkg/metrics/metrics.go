// Package metrics provides Prometheus collectors for endpoint lifecycle,
// event dispatch, auth refresh and job polling. A nil *Metrics is valid and
// records nothing, so callers never need to guard metric updates.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors of one registry. No session, job or request
// ids are used as labels.
type Metrics struct {
	State             prometheus.Gauge
	Transitions       *prometheus.CounterVec
	EventsDispatched  *prometheus.CounterVec
	HandlerFailures   *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	AuthRefreshes     *prometheus.CounterVec
	JobPolls          *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
}

// New registers the collectors on reg. Use prometheus.NewRegistry() for an
// isolated set or prometheus.DefaultRegisterer to expose them globally.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		State: f.NewGauge(prometheus.GaugeOpts{
			Name: "eyepop_endpoint_state",
			Help: "Current endpoint lifecycle state (0=idle 1=connecting 2=connected 3=reconnecting 4=disconnecting 5=disconnected 6=error).",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eyepop_endpoint_transitions_total",
			Help: "Total number of endpoint state transitions, by source and target state.",
		}, []string{"from", "to"}),
		EventsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eyepop_events_dispatched_total",
			Help: "Total number of handler deliveries, by scope kind and change type.",
		}, []string{"scope_kind", "change_type"}),
		HandlerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eyepop_handler_failures_total",
			Help: "Total number of event handler errors and panics, by scope kind.",
		}, []string{"scope_kind"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "eyepop_reconnect_attempts_total",
			Help: "Total number of reconnect attempts.",
		}),
		AuthRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eyepop_auth_refresh_total",
			Help: "Total number of credential exchanges/refreshes, by credential kind and result.",
		}, []string{"kind", "result"}),
		JobPolls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eyepop_job_polls_total",
			Help: "Total number of authoritative job state polls, by result.",
		}, []string{"result"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eyepop_request_duration_seconds",
			Help:    "Duration of API requests, by method, route and status class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// StateChanged records a lifecycle transition.
func (m *Metrics) StateChanged(from, to string, value int) {
	if m == nil {
		return
	}
	m.State.Set(float64(value))
	m.Transitions.WithLabelValues(from, to).Inc()
}

// EventDispatched records n deliveries of one event.
func (m *Metrics) EventDispatched(scopeKind, changeType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EventsDispatched.WithLabelValues(scopeKind, changeType).Add(float64(n))
}

// HandlerFailed records one failing handler invocation.
func (m *Metrics) HandlerFailed(scopeKind string) {
	if m == nil {
		return
	}
	m.HandlerFailures.WithLabelValues(scopeKind).Inc()
}

// ReconnectAttempt records one reconnect try.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// AuthRefreshed records a credential fetch outcome.
func (m *Metrics) AuthRefreshed(kind string, err error) {
	if m == nil {
		return
	}
	m.AuthRefreshes.WithLabelValues(kind, result(err)).Inc()
}

// JobPolled records a job poll outcome.
func (m *Metrics) JobPolled(err error) {
	if m == nil {
		return
	}
	m.JobPolls.WithLabelValues(result(err)).Inc()
}

// RequestObserved records the duration of one API request.
func (m *Metrics) RequestObserved(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
