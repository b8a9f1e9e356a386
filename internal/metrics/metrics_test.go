package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Login(OutcomeSuccess)
	m.Login(OutcomeSuccess)
	m.Login(OutcomeBadCredentials)
	m.TokenFailure("EXPIRED_ACCESS_TOKEN")
	m.Sweep(4)
	m.Sweep(0)

	require.Equal(t, 2.0, testutil.ToFloat64(m.Logins.WithLabelValues(OutcomeSuccess)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Logins.WithLabelValues(OutcomeBadCredentials)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.TokenFailures.WithLabelValues("EXPIRED_ACCESS_TOKEN")))
	require.Equal(t, 4.0, testutil.ToFloat64(m.Swept))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.Login(OutcomeSuccess)
		m.Reissue(OutcomeExpired)
		m.TokenFailure("UNKNOWN_ERROR")
		m.Sweep(3)
	})
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.Reissue(OutcomeSuccess)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `auth_reissue_total{outcome="success"} 1`)
}
