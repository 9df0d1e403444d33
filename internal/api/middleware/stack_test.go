package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/metrics"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStack_RecoversPanics(t *testing.T) {
	r := NewRouter(StackConfig{Surface: "test"})
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
	assert.Contains(t, w.Body.String(), "Internal server error")
}

func TestStack_RequestIDPropagates(t *testing.T) {
	r := NewRouter(StackConfig{Surface: "test"})
	var seen string
	r.Get("/id", func(w http.ResponseWriter, r *http.Request) {
		seen = log.RequestIDFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/id", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", w.Header().Get(HeaderRequestID))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/id", nil))
	assert.Len(t, w.Header().Get(HeaderRequestID), 36)
}

func TestStack_CORSPreflight(t *testing.T) {
	r := NewRouter(StackConfig{Surface: "test", EnableCORS: true, AllowedOrigins: []string{"https://player.example"}})
	r.Get("/live", func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodOptions, "/live", nil)
	req.Header.Set("Origin", "https://player.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://player.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/live", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", w.Header().Get("Vary"))
}

func TestStack_MetricsUseRoutePattern(t *testing.T) {
	r := NewRouter(StackConfig{Surface: "stacktest", EnableMetrics: true})
	r.Get("/live/{channel}/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	counter := metrics.HTTPRequestsTotal.WithLabelValues("stacktest", "/live/{channel}/master.m3u8", "4xx")
	before := promtest.ToFloat64(counter)
	for _, ch := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/live/"+ch+"/master.m3u8", nil))
		require.Equal(t, http.StatusNotFound, w.Code)
	}
	assert.Equal(t, before+2, promtest.ToFloat64(counter))
}
