// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestConfigure_ServiceAndComponent(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "xglive-test", Version: "v0"})
	t.Cleanup(func() { Configure(Config{}) })

	l := WithComponent("ingest")
	l.Info().Str(FieldEvent, "test.component").Msg("hello")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "xglive-test", lines[0]["service"])
	assert.Equal(t, "v0", lines[0]["version"])
	assert.Equal(t, "ingest", lines[0][FieldComponent])
	assert.Equal(t, "test.component", lines[0][FieldEvent])
}

func TestConfigure_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "shouting", Output: &buf})
	t.Cleanup(func() { Configure(Config{}) })

	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
	L().Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
}

func TestWithContext_AddsRequestAndSessionIDs(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})
	t.Cleanup(func() { Configure(Config{}) })

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithSessionID(ctx, "sess-1")
	l := WithComponentFromContext(ctx, "registry")
	l.Info().Msg("x")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "req-1", lines[0][FieldRequestID])
	assert.Equal(t, "sess-1", lines[0][FieldSessionID])
}

func TestWithContext_NoIDsKeepsLogger(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})
	t.Cleanup(func() { Configure(Config{}) })

	l := WithComponentFromContext(context.Background(), "registry")
	l.Info().Msg("x")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Nil(t, lines[0][FieldRequestID])
	assert.Nil(t, lines[0][FieldSessionID])
	assert.Equal(t, "registry", lines[0][FieldComponent])
}

func TestFromContext_FallsBackToBase(t *testing.T) {
	//nolint:staticcheck // nil context is part of the contract
	assert.NotNil(t, FromContext(nil))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestMiddleware_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})
	t.Cleanup(func() { Configure(Config{}) })

	h := Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		FromContext(r.Context()).Info().Str(FieldEvent, "inner").Msg("inner")
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/live/x/master.m3u8", nil))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "inner", lines[0][FieldEvent])
	assert.Equal(t, "request.handled", lines[1][FieldEvent])
	assert.EqualValues(t, http.StatusTeapot, lines[1]["status"])
	assert.Equal(t, "/live/x/master.m3u8", lines[1][FieldPath])
}
