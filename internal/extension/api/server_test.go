package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbgbridge/dbgbridge/internal/common/config"
	"github.com/dbgbridge/dbgbridge/internal/common/logger"
	"github.com/dbgbridge/dbgbridge/internal/events/bus"
	"github.com/dbgbridge/dbgbridge/internal/extension"
	"github.com/dbgbridge/dbgbridge/internal/session"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

type testFixture struct {
	server   *Server
	registry *extension.Registry
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	log := newTestLogger()
	cfg := &config.Config{}
	sessions := session.NewManager(cfg, bus.NewMemoryBus(log), log)
	registry := extension.NewRegistry(extension.DefaultConfig(), log)
	return &testFixture{
		server:   NewServer(sessions, registry, 5*time.Minute, log),
		registry: registry,
	}
}

func (f *testFixture) do(method, path, remoteAddr, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = remoteAddr
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	f := newTestFixture(t)
	w := f.do(http.MethodGet, "/health", "127.0.0.1:1234", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNonLoopbackRejected(t *testing.T) {
	f := newTestFixture(t)
	token, err := f.registry.Create("s1", "c1")
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/extension-callback/log", "10.1.2.3:1234", token.Value,
		LogRequest{Message: "hello"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMissingTokenRejected(t *testing.T) {
	f := newTestFixture(t)
	w := f.do(http.MethodPost, "/extension-callback/log", "127.0.0.1:1234", "",
		LogRequest{Message: "hello"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestInvalidTokenRejected(t *testing.T) {
	f := newTestFixture(t)
	w := f.do(http.MethodPost, "/extension-callback/log", "127.0.0.1:1234", "ext_bogus",
		LogRequest{Message: "hello"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRevokedTokenRejected(t *testing.T) {
	f := newTestFixture(t)
	token, err := f.registry.Create("s1", "c1")
	require.NoError(t, err)
	f.registry.Revoke(token.Value)

	w := f.do(http.MethodPost, "/extension-callback/log", "127.0.0.1:1234", token.Value,
		LogRequest{Message: "hello"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogEndpoint(t *testing.T) {
	f := newTestFixture(t)
	token, err := f.registry.Create("s1", "c1")
	require.NoError(t, err)

	for _, level := range []string{"debug", "info", "warn", "error", "bogus", ""} {
		w := f.do(http.MethodPost, "/extension-callback/log", "127.0.0.1:1234", token.Value,
			LogRequest{Message: "hello", Level: level})
		assert.Equal(t, http.StatusOK, w.Code, "level %q", level)
	}
}

func TestExecuteRequiresCommand(t *testing.T) {
	f := newTestFixture(t)
	token, err := f.registry.Create("s1", "c1")
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/extension-callback/execute", "127.0.0.1:1234", token.Value,
		ExecuteRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteSessionGone(t *testing.T) {
	f := newTestFixture(t)
	token, err := f.registry.Create("never-opened", "c1")
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/extension-callback/execute", "127.0.0.1:1234", token.Value,
		ExecuteRequest{Command: "k"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReadSessionGone(t *testing.T) {
	f := newTestFixture(t)
	token, err := f.registry.Create("never-opened", "c1")
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/extension-callback/read", "127.0.0.1:1234", token.Value,
		ReadRequest{CommandID: "c9"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
