// Package metrics exposes Prometheus counters for grants, federation and
// account linking on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Grant labels.
const (
	GrantTrusted   = "trusted"
	GrantConsent   = "consent"
	GrantJWTBearer = "jwt_bearer"
)

// Result labels.
const (
	ResultSuccess = "success"
	ResultDenied  = "denied"
	ResultFailure = "failure"
)

// Metrics holds every collector the service records to. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	tokensIssued       *prometheus.CounterVec
	federationAttempts *prometheus.CounterVec
	mergeApprovals     *prometheus.CounterVec
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "immer_tokens_issued_total",
			Help: "Access tokens issued, by grant.",
		}, []string{"grant"}),
		federationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "immer_federation_attempts_total",
			Help: "Outbound federation attempts, by peer kind and result.",
		}, []string{"kind", "result"}),
		mergeApprovals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "immer_merge_approvals_total",
			Help: "Account merge approval link clicks, by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.tokensIssued,
		m.federationAttempts,
		m.mergeApprovals,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// TokenIssued counts one issued token.
func (m *Metrics) TokenIssued(grant string) {
	if m == nil {
		return
	}

	m.tokensIssued.WithLabelValues(grant).Inc()
}

// FederationAttempt counts one outbound federation attempt.
func (m *Metrics) FederationAttempt(kind, result string) {
	if m == nil {
		return
	}

	m.federationAttempts.WithLabelValues(kind, result).Inc()
}

// MergeApproval counts one approval link click.
func (m *Metrics) MergeApproval(result string) {
	if m == nil {
		return
	}

	m.mergeApprovals.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
