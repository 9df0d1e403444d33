package problem

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ManuGH/xglive/internal/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/live/news/720p/9.ts", nil)
	req = req.WithContext(log.ContextWithRequestID(req.Context(), "req-1"))
	w := httptest.NewRecorder()

	Write(w, req, http.StatusServiceUnavailable, "live/store_unavailable", "Service Unavailable", "UNAVAILABLE", "store down",
		map[string]any{"seq": 9, "status": 200})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, ContentType, w.Header().Get("Content-Type"))
	assert.Equal(t, "req-1", w.Header().Get(HeaderRequestID))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "live/store_unavailable", body["type"])
	assert.Equal(t, float64(503), body["status"])
	assert.Equal(t, "req-1", body[JSONKeyRequestID])
	assert.Equal(t, "/live/news/720p/9.ts", body["instance"])
	assert.Equal(t, float64(9), body["seq"])
}

func TestUnavailableSetsRetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	Unavailable(w, httptest.NewRequest(http.MethodGet, "/", nil), "live/upstream_unavailable", "", 2)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
