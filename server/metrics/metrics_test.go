package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.CacheLookups.WithLabelValues("row", "hit").Add(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(a.CacheLookups.WithLabelValues("row", "hit")))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.CacheLookups.WithLabelValues("row", "hit")))
}

func TestHandler_ExposesGatewayMetrics(t *testing.T) {
	m := NewMetrics()
	m.LLMTokens.WithLabelValues("cached").Add(42)
	m.Jobs.WithLabelValues("execute-cast-request", "success").Inc()

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `castgate_llm_tokens_total{kind="cached"} 42`)
	assert.Contains(t, body, `castgate_jobs_total{job="execute-cast-request",outcome="success"} 1`)
	assert.Contains(t, body, `castgate_cache_lookups_total{kind="value",outcome="miss"} 0`)
}
