package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "authsession"

const (
	resultSuccess          = "success"
	resultAuthFailure      = "auth_failure"
	resultTransportFailure = "transport_failure"
)

type Metrics struct {
	refreshCalls *prometheus.CounterVec
	waiters      prometheus.Gauge
	coalesced    prometheus.Counter
	transitions  *prometheus.CounterVec
}

// NewMetrics builds the session collectors and registers them with reg when
// it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_calls_total",
			Help:      "Refresh exchanges sent to the authentication service, by result.",
		}, []string{"result"}),
		waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "refresh_waiters",
			Help:      "Callers currently waiting on an in-flight refresh.",
		}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_coalesced_total",
			Help:      "Refresh calls that joined an in-flight exchange instead of starting one.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session state transitions.",
		}, []string{"from", "to"}),
	}

	if reg != nil {
		reg.MustRegister(m.refreshCalls, m.waiters, m.coalesced, m.transitions)
	}

	return m
}
