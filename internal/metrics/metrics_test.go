package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.TokenIssued(GrantTrusted)
	m.TokenIssued(GrantTrusted)
	m.TokenIssued(GrantJWTBearer)
	m.FederationAttempt("oidc", ResultFailure)
	m.MergeApproval(ResultSuccess)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tokensIssued.WithLabelValues(GrantTrusted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokensIssued.WithLabelValues(GrantJWTBearer)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.federationAttempts.WithLabelValues("oidc", ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mergeApprovals.WithLabelValues(ResultSuccess)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TokenIssued(GrantConsent)
		m.FederationAttempt("immers", ResultSuccess)
		m.MergeApproval(ResultDenied)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.TokenIssued(GrantConsent)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `immer_tokens_issued_total{grant="consent"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
