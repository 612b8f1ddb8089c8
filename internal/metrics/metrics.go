// Package metrics holds the Prometheus collectors of the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics groups the gateway counters. A nil *Metrics records nothing.
type Metrics struct {
	tokenOps      *prometheus.CounterVec
	authzDecision *prometheus.CounterVec
	logins        *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		tokenOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "authgw_token_operations_total",
			Help: "Token service operations by operation and outcome kind.",
		}, []string{"op", "outcome"}),
		authzDecision: f.NewCounterVec(prometheus.CounterOpts{
			Name: "authgw_authorization_decisions_total",
			Help: "Authorization gate decisions by outcome kind.",
		}, []string{"outcome"}),
		logins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "authgw_logins_total",
			Help: "Federated logins by provider and outcome.",
		}, []string{"provider", "outcome"}),
	}
}

// TokenOp counts one token operation.
func (m *Metrics) TokenOp(op, outcome string) {
	if m == nil {
		return
	}
	m.tokenOps.WithLabelValues(op, outcome).Inc()
}

// AuthzDecision counts one gate decision.
func (m *Metrics) AuthzDecision(outcome string) {
	if m == nil {
		return
	}
	m.authzDecision.WithLabelValues(outcome).Inc()
}

// Login counts one federated login attempt.
func (m *Metrics) Login(provider, outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(provider, outcome).Inc()
}
