// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/xglive/internal/config"
	"github.com/ManuGH/xglive/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChecker struct {
	name   string
	status Status
}

func (m *mockChecker) Name() string { return m.name }

func (m *mockChecker) Check(context.Context) CheckResult { return CheckResult{Status: m.status} }

func TestManager_Health(t *testing.T) {
	m := NewManager("v1.0.0")
	m.RegisterChecker(&mockChecker{name: "healthy", status: StatusHealthy})
	m.RegisterChecker(&mockChecker{name: "degraded", status: StatusDegraded})

	resp := m.Health(context.Background(), false)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "v1.0.0", resp.Version)
	assert.Nil(t, resp.Checks)

	resp = m.Health(context.Background(), true)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Len(t, resp.Checks, 2)
	assert.Equal(t, StatusDegraded, resp.Checks["degraded"].Status)
}

func TestManager_Ready(t *testing.T) {
	m := NewManager("v1")
	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusHealthy, resp.Status)

	m.RegisterChecker(&mockChecker{name: "cache", status: StatusDegraded})
	resp = m.Ready(context.Background())
	assert.True(t, resp.Ready, "degraded is still ready")

	m.RegisterChecker(&mockChecker{name: "store", status: StatusUnhealthy})
	resp = m.Ready(context.Background())
	assert.False(t, resp.Ready)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}

func TestManager_ServeReady(t *testing.T) {
	m := NewManager("v1")
	m.RegisterChecker(NewFuncChecker("store", true, func(context.Context) error { return errors.New("ping failed") }))

	w := httptest.NewRecorder()
	m.ServeReady(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Ready)
	assert.Equal(t, "ping failed", body.Checks["store"].Error)

	w = httptest.NewRecorder()
	m.ServeHealth(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code, "liveness ignores components")
}

func TestFuncChecker(t *testing.T) {
	fail := func(context.Context) error { return errors.New("down") }
	assert.Equal(t, StatusUnhealthy, NewFuncChecker("a", true, fail).Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, NewFuncChecker("b", false, fail).Check(context.Background()).Status)
	assert.Equal(t, StatusHealthy, NewFuncChecker("c", true, func(context.Context) error { return nil }).Check(context.Background()).Status)
}

func TestFuncChecker_BoundedByTimeout(t *testing.T) {
	m := NewManager("v1")
	m.RegisterChecker(NewFuncChecker("slow", true, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	start := time.Now()
	resp := m.Ready(context.Background())
	assert.False(t, resp.Ready)
	assert.Less(t, time.Since(start), checkTimeout+time.Second)
}

func TestBreakerChecker(t *testing.T) {
	states := map[string]resilience.State{"a": resilience.StateClosed, "b": resilience.StateClosed}
	c := NewBreakerChecker(func() map[string]resilience.State { return states })
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	states["a"] = resilience.StateOpen
	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)

	states["b"] = resilience.StateOpen
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
}

func TestPerformStartupChecks(t *testing.T) {
	cfg := config.Defaults()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Transcode.Encoder = "passthrough"
	cfg.Transcode.FFmpegBin = ""
	require.NoError(t, PerformStartupChecks(context.Background(), cfg))

	missing := cfg
	missing.Transcode.Encoder = "ffmpeg"
	missing.Transcode.FFmpegBin = filepath.Join(t.TempDir(), "no-ffmpeg")
	assert.ErrorContains(t, PerformStartupChecks(context.Background(), missing), "live encoder binary")
	assert.DirExists(t, cfg.DataDir)

	bad := cfg
	bad.Gateway.Addr = "8080"
	assert.Error(t, PerformStartupChecks(context.Background(), bad))

	edge := cfg
	edge.Gateway.Role = "edge"
	edge.Gateway.Origins = []string{"ftp://origin"}
	assert.Error(t, PerformStartupChecks(context.Background(), edge))
}
