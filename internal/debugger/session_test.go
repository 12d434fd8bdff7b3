package debugger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/dbgbridge/dbgbridge/internal/common/errors"
	"github.com/dbgbridge/dbgbridge/internal/common/logger"
)

// fakeDebuggerScript emulates the prompt-delimited protocol: banner, prompt,
// then echo each command back followed by a fresh prompt.
const fakeDebuggerScript = `#!/bin/sh
echo "Fake Debugger Version 1.0"
printf '0:000> '
while IFS= read -r line; do
  case "$line" in
    q) exit 0 ;;
    .break) printf '0:000> ' ;;
    slow) sleep 30; printf '0:000> ' ;;
    multi) echo "line one"; echo "line two"; printf '0:000> ' ;;
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

func writeFakeDebugger(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cdb.sh")
	if err := os.WriteFile(path, []byte(fakeDebuggerScript), 0o755); err != nil {
		t.Fatalf("failed to write fake debugger: %v", err)
	}
	return path
}

func startedSession(t *testing.T, timeout time.Duration) *Session {
	t.Helper()
	s := NewSession(Config{
		Path:           writeFakeDebugger(t),
		CommandTimeout: timeout,
	}, newTestLogger())
	if err := s.Start(context.Background(), "", nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSessionStartExecuteStop(t *testing.T) {
	s := startedSession(t, 5*time.Second)

	if !s.IsActive() {
		t.Fatal("session should be active after Start")
	}

	out, err := s.Execute(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out != "echo:hello" {
		t.Errorf("unexpected output %q", out)
	}

	out, err = s.Execute(context.Background(), "multi")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out != "line one\nline two" {
		t.Errorf("unexpected multi-line output %q", out)
	}

	if !s.Stop() {
		t.Error("Stop should report a stopped process")
	}
	if s.IsActive() {
		t.Error("session should be inactive after Stop")
	}
}

func TestExecuteBeforeStart(t *testing.T) {
	s := NewSession(Config{Path: "/bin/sh"}, newTestLogger())
	if _, err := s.Execute(context.Background(), "hello"); !apperrors.IsDebuggerUnavailable(err) {
		t.Errorf("expected debugger-unavailable error, got %v", err)
	}
}

func TestStartMissingBinary(t *testing.T) {
	s := NewSession(Config{
		Path:           "/nonexistent/fake-cdb",
		CommandTimeout: time.Second,
	}, newTestLogger())
	err := s.Start(context.Background(), "", nil)
	if !apperrors.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestExecuteTimeoutDiscardsOutput(t *testing.T) {
	s := startedSession(t, 2*time.Second)

	// The configured timeout covers Start too, so the short deadline comes
	// from the caller context.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	out, err := s.Execute(ctx, "slow")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if out != CancelledOutput {
		t.Errorf("expected cancelled output marker, got %q", out)
	}
}

func TestStopIdempotent(t *testing.T) {
	s := startedSession(t, 5*time.Second)
	if !s.Stop() {
		t.Error("first Stop should stop the process")
	}
	if s.Stop() {
		t.Error("second Stop should be a no-op")
	}
	s.Close()
}
