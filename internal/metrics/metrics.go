// Package metrics holds the Prometheus counters of the auth flows. Counters
// live on a private registry so tests can build as many as they like.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeSuccess        = "success"
	OutcomeBadCredentials = "bad_credentials"
	OutcomeExpired        = "expired"
	OutcomeInvalid        = "invalid"
	OutcomeError          = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	Logins        *prometheus.CounterVec
	Reissues      *prometheus.CounterVec
	TokenFailures *prometheus.CounterVec
	Swept         prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_login_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		Reissues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_reissue_total",
			Help: "Access token re-issues by outcome.",
		}, []string{"outcome"}),
		TokenFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_token_failures_total",
			Help: "Rejected requests by token error code.",
		}, []string{"code"}),
		Swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_refresh_tokens_swept_total",
			Help: "Expired refresh tokens removed by the sweeper.",
		}),
	}
	reg.MustRegister(
		m.Logins, m.Reissues, m.TokenFailures, m.Swept,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Login, Reissue, TokenFailure and Sweep are nil-safe so components can run
// without metrics.

func (m *Metrics) Login(outcome string) {
	if m != nil {
		m.Logins.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Reissue(outcome string) {
	if m != nil {
		m.Reissues.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) TokenFailure(code string) {
	if m != nil {
		m.TokenFailures.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) Sweep(deleted int64) {
	if m != nil && deleted > 0 {
		m.Swept.Add(float64(deleted))
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
