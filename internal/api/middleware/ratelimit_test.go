// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func hit(h http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/live/news/master.m3u8", nil)
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_EnforcesLimit(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestLimit: 3, WindowSize: time.Minute})(okHandler())

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, hit(h, "192.168.1.1:12345").Code, "request %d", i+1)
	}
	w := hit(h, "192.168.1.1:12345")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}

func TestRateLimit_DifferentIPsIndependent(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestLimit: 2, WindowSize: time.Minute})(okHandler())

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, hit(h, "192.168.1.1:12345").Code)
	}
	assert.Equal(t, http.StatusOK, hit(h, "192.168.1.2:12345").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "192.168.1.1:12345").Code)
}

func TestPerSecondRateLimit_RetryAfterAtLeastOneSecond(t *testing.T) {
	h := PerSecondRateLimit(1)(okHandler())
	assert.Equal(t, http.StatusOK, hit(h, "10.0.0.1:1").Code)
	w := hit(h, "10.0.0.1:1")
	if w.Code == http.StatusTooManyRequests {
		assert.Equal(t, "1", w.Header().Get("Retry-After"))
	}
}
