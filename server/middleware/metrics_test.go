package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/nuabase/castgate/server/metrics"
	"github.com/nuabase/castgate/server/middleware"
)

func TestPrometheusMetrics(t *testing.T) {
	m := metrics.NewMetrics()

	r := chi.NewRouter()
	r.Use(middleware.PrometheusMetrics(m))
	r.Get("/requests/{id}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/cast/value/now", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	tests := []struct {
		name           string
		method         string
		path           string
		expectedCode   int
		expectedPath   string
		expectedStatus string
		errorKind      string
	}{
		{"success", http.MethodGet, "/requests/abc", http.StatusOK, "/requests/{id}", "200", ""},
		{"client error", http.MethodGet, "/requests/missing", http.StatusNotFound, "/requests/{id}", "404", "client_error"},
		{"server error", http.MethodPost, "/cast/value/now", http.StatusInternalServerError, "/cast/value/now", "500", "server_error"},
		{"unmatched", http.MethodGet, "/nope", http.StatusNotFound, "unmatched", "404", "client_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := float64(0)
			if tt.errorKind != "" {
				before = testutil.ToFloat64(m.ErrorsTotal.WithLabelValues(tt.errorKind))
			}

			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.expectedCode, rr.Code)
			assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues(tt.expectedPath, tt.expectedStatus)))
			assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveRequests.WithLabelValues(tt.method)))
			if tt.errorKind != "" {
				assert.Equal(t, before+1, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues(tt.errorKind)))
			}
		})
	}
}
