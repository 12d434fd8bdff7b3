package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dbgbridge/dbgbridge/internal/common/config"
	apperrors "github.com/dbgbridge/dbgbridge/internal/common/errors"
	"github.com/dbgbridge/dbgbridge/internal/common/logger"
)

// fakeDebuggerScript emulates the prompt-delimited debugger protocol.
const fakeDebuggerScript = `#!/bin/sh
echo "Fake Debugger Version 1.0"
printf '0:000> '
while IFS= read -r line; do
  case "$line" in
    q) exit 0 ;;
    .break) printf '0:000> ' ;;
    *) echo "echo:$line"; printf '0:000> ' ;;
  esac
done
`

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	script := filepath.Join(t.TempDir(), "fake-cdb.sh")
	if err := os.WriteFile(script, []byte(fakeDebuggerScript), 0o755); err != nil {
		t.Fatalf("failed to write fake debugger: %v", err)
	}
	return &config.Config{
		Debugger: config.DebuggerConfig{
			Path:                script,
			CommandTimeoutMs:    5000,
			HeartbeatIntervalMs: 600000,
		},
		Queue: config.QueueConfig{MaxSize: 10},
		Cache: config.CacheConfig{
			MaxMemoryBytes:          1024 * 1024,
			MaxResults:              100,
			MemoryPressureThreshold: 0.8,
		},
		Recovery: config.RecoveryConfig{
			CancellationTimeoutMs:     1000,
			RestartDelayMs:            1,
			HealthCheckIntervalMs:     60000,
			MaxRecoveryAttempts:       3,
			RecoveryAttemptCooldownMs: 0,
		},
	}
}

func TestOpenExecuteDispose(t *testing.T) {
	m := NewManager(testConfig(t), nil, newTestLogger())
	ctx := context.Background()

	id, err := m.Open(ctx, "/tmp/example.dmp", nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	inst, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !inst.IsActive() {
		t.Error("session should be active after Open")
	}

	commandID, err := inst.Commands().Enqueue("k")
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	resCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	output, err := inst.Commands().GetCommandResult(resCtx, commandID)
	if err != nil {
		t.Fatalf("GetCommandResult failed: %v", err)
	}
	if output != "echo:k" {
		t.Errorf("unexpected output %q", output)
	}

	infos := m.List()
	if len(infos) != 1 || infos[0].ID != id {
		t.Errorf("unexpected session list %+v", infos)
	}

	if err := m.Dispose(ctx, id); err != nil {
		t.Errorf("Dispose reported error: %v", err)
	}
	if _, err := m.Get(id); !apperrors.IsNotFound(err) {
		t.Errorf("expected not-found after Dispose, got %v", err)
	}
}

func TestOpenValidation(t *testing.T) {
	m := NewManager(testConfig(t), nil, newTestLogger())

	if _, err := m.Open(context.Background(), "  ", nil); !apperrors.IsInvalidArgument(err) {
		t.Errorf("expected invalid-argument for blank target, got %v", err)
	}
}

func TestOpenDebuggerStartFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Debugger.Path = "/nonexistent/fake-cdb"
	m := NewManager(cfg, nil, newTestLogger())

	if _, err := m.Open(context.Background(), "/tmp/example.dmp", nil); !apperrors.IsDebuggerUnavailable(err) {
		t.Errorf("expected debugger-unavailable, got %v", err)
	}
}

func TestDisposeUnknownSession(t *testing.T) {
	m := NewManager(testConfig(t), nil, newTestLogger())
	if err := m.Dispose(context.Background(), "missing"); !apperrors.IsNotFound(err) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestCloseRefusesNewSessions(t *testing.T) {
	m := NewManager(testConfig(t), nil, newTestLogger())
	ctx := context.Background()

	id, err := m.Open(ctx, "/tmp/example.dmp", nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	m.Close(ctx)
	m.Close(ctx)

	if _, err := m.Get(id); !apperrors.IsNotFound(err) {
		t.Errorf("expected sessions gone after Close, got %v", err)
	}
	if _, err := m.Open(ctx, "/tmp/example.dmp", nil); !apperrors.IsDisposed(err) {
		t.Errorf("expected disposed error after Close, got %v", err)
	}
}
