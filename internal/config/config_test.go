package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_Precedence(t *testing.T) {
	path := writeFile(t, "xglive.yaml", `
catalog:
  path: /etc/xglive/channels.yaml
packager:
  segment_target: 4s
  dvr_window: 1m
registry:
  health_timeout: 8s
`)
	t.Setenv("XGLIVE_HEALTH_TIMEOUT", "6s")

	loader := NewLoader(path, "", "v1.2.3")
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, 4*time.Second, cfg.Packager.SegmentTarget, "file overrides default")
	assert.Equal(t, 6*time.Second, cfg.Registry.HealthTimeout, "env overrides file")
	assert.Equal(t, 3, cfg.Packager.PutRetries, "default kept")
	assert.Equal(t, "v1.2.3", cfg.Version)
	assert.Contains(t, loader.ConsumedEnvKeys, "XGLIVE_HEALTH_TIMEOUT")
}

func TestLoad_UnknownFieldIsRejected(t *testing.T) {
	path := writeFile(t, "xglive.yaml", "ingest:\n  rtmpp: {}\n")
	_, err := NewLoader(path, "", "").Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.True(t, errors.Is(err, ErrUnknownConfigField))
}

func TestLoad_RejectsNonYAML(t *testing.T) {
	path := writeFile(t, "xglive.json", "{}")
	_, err := NewLoader(path, "", "").Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_EnvFileDoesNotOverrideProcessEnv(t *testing.T) {
	envFile := writeFile(t, ".env", "XGLIVE_CATALOG_PATH=/from/envfile.yaml\nXGLIVE_SEGMENT_TARGET=6s\n")
	t.Setenv("XGLIVE_SEGMENT_TARGET", "3s")
	t.Cleanup(func() { _ = os.Unsetenv("XGLIVE_CATALOG_PATH") })

	cfg, err := NewLoader("", envFile, "").Load()
	require.NoError(t, err)
	assert.Equal(t, "/from/envfile.yaml", cfg.Catalog.Path)
	assert.Equal(t, 3*time.Second, cfg.Packager.SegmentTarget)
}

func TestValidate_JoinsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Backend = "tape"
	cfg.Gateway.Role = "edge"
	cfg.Packager.SegmentTarget = 0

	err := Validate(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	msg := err.Error()
	assert.Contains(t, msg, `store.backend "tape"`)
	assert.Contains(t, msg, "gateway.origins is required")
	assert.Contains(t, msg, "packager.segment_target")
	assert.Contains(t, msg, "catalog.path is required")
}

func TestParseHelpers(t *testing.T) {
	t.Setenv("XGLIVE_TEST_INT", "nope")
	t.Setenv("XGLIVE_TEST_DUR", "250ms")
	t.Setenv("XGLIVE_TEST_LIST", " a, ,b ")
	t.Setenv("XGLIVE_TEST_BOOL", "true")

	assert.Equal(t, 7, ParseInt("XGLIVE_TEST_INT", 7))
	assert.Equal(t, 250*time.Millisecond, ParseDuration("XGLIVE_TEST_DUR", time.Second))
	assert.Equal(t, []string{"a", "b"}, ParseList("XGLIVE_TEST_LIST", nil))
	assert.True(t, ParseBool("XGLIVE_TEST_BOOL", false))
	assert.Equal(t, "d", ParseString("XGLIVE_TEST_UNSET", "d"))
}

func TestManifestMaxAge(t *testing.T) {
	assert.Equal(t, time.Second, PackagerConfig{SegmentTarget: time.Second}.ManifestMaxAge())
	assert.Equal(t, 3*time.Second, PackagerConfig{SegmentTarget: 6 * time.Second}.ManifestMaxAge())
}
