// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/xglive/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogYAML = `channels:
  - id: news
    stream_key: news-key
    ladder:
      - preset: 720p
      - preset: 360p
`

func testConfig(t *testing.T) config.AppConfig {
	t.Helper()
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "channels.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(catalogYAML), 0o600))

	cfg := config.Defaults()
	cfg.Version = "test"
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Ingest.RTMP.Enabled = false
	cfg.Ingest.SRT.Enabled = false
	cfg.Ingest.WebRTC.Enabled = false
	cfg.Transcode.Encoder = "passthrough"
	cfg.Transcode.FFmpegBin = ""
	cfg.Catalog.Path = catalogPath
	cfg.Gateway.Addr = "127.0.0.1:0"
	cfg.API.Addr = "127.0.0.1:0"
	cfg.Telemetry.Enabled = false
	return cfg
}

func startDaemon(t *testing.T, cfg config.AppConfig) (*Daemon, context.CancelFunc, <-chan error) {
	t.Helper()
	d, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-d.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("daemon exited before ready: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("daemon not ready")
	}
	return d, cancel, done
}

func getURL(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestDaemon_ServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	d, cancel, done := startDaemon(t, cfg)

	admin := "http://" + d.Addr("admin").String()
	gw := "http://" + d.Addr("gateway").String()

	assert.Equal(t, http.StatusOK, getURL(t, admin+"/healthz").StatusCode)
	assert.Equal(t, http.StatusOK, getURL(t, admin+"/readyz").StatusCode)

	resp := getURL(t, admin+"/api/v1/ingest")
	require.Equal(t, http.StatusOK, resp.StatusCode, "loopback caller admitted without token")
	var status struct {
		Listeners map[string]bool `json:"listeners"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.False(t, status.Listeners["rtmp"])

	assert.Equal(t, http.StatusNotFound, getURL(t, gw+"/live/news/master.m3u8").StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("daemon did not shut down")
	}

	_, err := os.Stat(filepath.Join(cfg.DataDir, "sessions.db"))
	assert.NoError(t, err, "session journal created under the data dir")

	assert.ErrorIs(t, d.Run(context.Background()), ErrAlreadyStarted)
}

func TestNew_FailsOnMissingCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Catalog.Path = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog")
}

func TestRun_BindFailure(t *testing.T) {
	cfg := testConfig(t)
	d1, cancel, done := startDaemon(t, cfg)
	defer func() {
		cancel()
		<-done
	}()

	cfg2 := testConfig(t)
	cfg2.API.Addr = d1.Addr("admin").String()
	d2, err := New(context.Background(), cfg2)
	require.NoError(t, err)
	err = d2.Run(context.Background())
	assert.ErrorIs(t, err, ErrServerStartFailed)
}

func TestRunHooksLIFO(t *testing.T) {
	d := &Daemon{}
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		d.onShutdown(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	require.NoError(t, d.runHooks(context.Background()))
	assert.Equal(t, []string{"c", "b", "a"}, order)
	require.NoError(t, d.runHooks(context.Background()))
	assert.Len(t, order, 3, "hooks run once")
}
