package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected loopback default host, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 8474 {
		t.Errorf("unexpected default server port %d", cfg.Server.Port)
	}
	if !cfg.MCP.Enabled {
		t.Error("MCP should be enabled by default")
	}
	if cfg.NATS.URL != "" {
		t.Errorf("NATS should be disabled by default, got %q", cfg.NATS.URL)
	}
	if got := cfg.Debugger.CommandTimeout(); got != 3*time.Minute {
		t.Errorf("unexpected default command timeout %s", got)
	}
	if got := cfg.Debugger.HeartbeatInterval(); got != 10*time.Second {
		t.Errorf("unexpected default heartbeat interval %s", got)
	}
	if cfg.Queue.MaxSize != 100 {
		t.Errorf("unexpected default queue size %d", cfg.Queue.MaxSize)
	}
	if cfg.Cache.MemoryPressureThreshold != 0.8 {
		t.Errorf("unexpected default pressure threshold %v", cfg.Cache.MemoryPressureThreshold)
	}
	if got := cfg.Recovery.RecoveryAttemptCooldown(); got != 5*time.Minute {
		t.Errorf("unexpected default recovery cooldown %s", got)
	}
	if got := cfg.Extension.TokenTTL(); got != time.Hour {
		t.Errorf("unexpected default token TTL %s", got)
	}
	if got := cfg.Extension.RequestDeadline(); got != 5*time.Minute {
		t.Errorf("unexpected default request deadline %s", got)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9999
debugger:
  commandTimeoutMs: 60000
queue:
  maxSize: 5
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadWithPath(dir)
	if err != nil {
		t.Fatalf("LoadWithPath failed: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected file override for port, got %d", cfg.Server.Port)
	}
	if got := cfg.Debugger.CommandTimeout(); got != time.Minute {
		t.Errorf("expected file override for command timeout, got %s", got)
	}
	if cfg.Queue.MaxSize != 5 {
		t.Errorf("expected file override for queue size, got %d", cfg.Queue.MaxSize)
	}
	// Untouched sections keep their defaults.
	if cfg.Cache.MaxResults != 1000 {
		t.Errorf("expected default cache size, got %d", cfg.Cache.MaxResults)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DBGBRIDGE_DEBUGGER_COMMAND_TIMEOUT_MS", "45000")
	t.Setenv("CDB_PATH", "/opt/debugger/cdb")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := cfg.Debugger.CommandTimeout(); got != 45*time.Second {
		t.Errorf("expected env override for command timeout, got %s", got)
	}
	if cfg.Debugger.Path != "/opt/debugger/cdb" {
		t.Errorf("expected CDB_PATH alias honoured, got %q", cfg.Debugger.Path)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	yaml := `
queue:
  maxSize: -1
cache:
  memoryPressureThreshold: 2.0
logging:
  level: loud
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, err := LoadWithPath(dir)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"queue.maxSize", "memoryPressureThreshold", "logging.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %s, got %v", want, err)
		}
	}
}
