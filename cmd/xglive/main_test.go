package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ManuGH/xglive/internal/api"
	"github.com/ManuGH/xglive/internal/config"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/session"
	"github.com/ManuGH/xglive/internal/version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopIngest struct{ running map[media.Protocol]bool }

func (n *nopIngest) Start(_ context.Context, p media.Protocol) error {
	if !p.Valid() {
		return fmt.Errorf("unknown ingest protocol %q: %w", p, media.ErrNotFound)
	}
	n.running[p] = true
	return nil
}

func (n *nopIngest) Stop(p media.Protocol) error {
	n.running[p] = false
	return nil
}

func (n *nopIngest) Status() map[media.Protocol]bool { return n.running }

func adminFixture(t *testing.T) (*session.Registry, string) {
	t.Helper()
	reg := session.NewRegistry(session.Options{HealthTimeout: time.Minute})
	t.Cleanup(reg.Close)
	srv := api.NewServer(api.Options{
		Sessions: reg,
		Ingest:   &nopIngest{running: map[media.Protocol]bool{}},
		Token:    "tok",
		Version:  "v9",
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return reg, ts.URL
}

func runCLI(args ...string) (int, string, string) {
	var out, errOut bytes.Buffer
	code := run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitConfig, exitCode(fmt.Errorf("load: %w", config.ErrInvalidConfig)))
	assert.Equal(t, exitOperational, exitCode(errors.New("boom")))
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI("version")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, out, version.Version)
}

func TestVersionRemote(t *testing.T) {
	_, url := adminFixture(t)
	code, out, _ := runCLI("version", "--remote", "--admin-url", url, "--token", "tok")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "server: v9")
}

func TestSessionsListAndTerminate(t *testing.T) {
	reg, url := adminFixture(t)
	s, err := reg.Register("news", session.Meta{Protocol: media.ProtocolSRT})
	require.NoError(t, err)

	code, out, errOut := runCLI("sessions", "list", "--admin-url", url, "--token", "tok")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "CHANNEL")
	assert.Contains(t, out, s.ID)
	assert.Contains(t, out, "srt")

	code, out, _ = runCLI("terminate", s.ID, "--admin-url", url, "--token", "tok")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "terminated")
	assert.Empty(t, reg.List())
}

func TestFailoverWithoutStandbyIsOperationalError(t *testing.T) {
	_, url := adminFixture(t)
	code, _, errOut := runCLI("failover", "news", "--admin-url", url, "--token", "tok")
	assert.Equal(t, exitOperational, code)
	assert.Contains(t, errOut, "NO_STANDBY")
}

func TestIngestCommands(t *testing.T) {
	_, url := adminFixture(t)
	code, out, _ := runCLI("ingest", "start", "rtmp", "--admin-url", url, "--token", "tok")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "rtmp listener started")

	code, out, _ = runCLI("ingest", "status", "--admin-url", url, "--token", "tok")
	require.Equal(t, exitOK, code)
	assert.Contains(t, out, "running")
	assert.True(t, strings.Contains(out, "srt") && strings.Contains(out, "stopped"))
}

func TestUnauthorizedIsOperationalError(t *testing.T) {
	_, url := adminFixture(t)
	code, _, errOut := runCLI("sessions", "list", "--admin-url", url, "--token", "nope")
	assert.Equal(t, exitOperational, code)
	assert.Contains(t, errOut, "401")
}

func TestServeWithBadConfigExitsTwo(t *testing.T) {
	code, _, _ := runCLI("serve", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--env-file", "")
	assert.Equal(t, exitConfig, code)
}

func TestParseLadder(t *testing.T) {
	ladder, err := parseLadder("360p, 720p")
	require.NoError(t, err)
	require.Len(t, ladder, 2)
	assert.Equal(t, "720p", ladder[0].Name)

	_, err = parseLadder("potato")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
