// Package session owns the per-session wiring: one debugger process, one
// bounded queue, one processor, one cache, one recovery manager per session,
// all created and torn down together.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dbgbridge/dbgbridge/internal/command"
	"github.com/dbgbridge/dbgbridge/internal/common/config"
	apperrors "github.com/dbgbridge/dbgbridge/internal/common/errors"
	"github.com/dbgbridge/dbgbridge/internal/common/logger"
	"github.com/dbgbridge/dbgbridge/internal/debugger"
	"github.com/dbgbridge/dbgbridge/internal/events/bus"
)

// Instance is one live debugging session: the debugger process plus its
// command pipeline. The processor goroutine runs from Open until Dispose.
type Instance struct {
	ID        string
	Target    string
	Args      []string
	CreatedAt time.Time

	debugger  *debugger.Session
	queue     *command.Queue
	tracker   *command.Tracker
	cache     *command.Cache
	processor *command.ResilientProcessor
	recovery  *command.RecoveryManager

	logger *logger.Logger
}

// Commands returns the session's command API.
func (s *Instance) Commands() *command.ResilientProcessor {
	return s.processor
}

// Cache returns the session's result cache.
func (s *Instance) Cache() *command.Cache {
	return s.cache
}

// IsActive reports whether the debugger process is running.
func (s *Instance) IsActive() bool {
	return s.debugger.IsActive()
}

// RecoverSession restarts the debugger against the session's original target.
// Called by the recovery manager after the backoff delay.
func (s *Instance) RecoverSession(ctx context.Context, reason string) error {
	s.logger.Warn("restarting debugger process", zap.String("reason", reason))
	s.debugger.Stop()
	return s.debugger.Start(ctx, s.Target, s.Args)
}

// dispose tears the session down in order: stop admitting and drain the
// pipeline, stop the debugger process, release the cache.
func (s *Instance) dispose(ctx context.Context) error {
	err := s.processor.Shutdown(ctx)
	s.debugger.Close()
	s.cache.Clear()
	return err
}

// Info is the external view of a session.
type Info struct {
	ID         string                  `json:"id"`
	Target     string                  `json:"target"`
	CreatedAt  time.Time               `json:"created_at"`
	Active     bool                    `json:"active"`
	QueueDepth int                     `json:"queue_depth"`
	Counters   command.Counters        `json:"counters"`
	Cache      command.CacheStatistics `json:"cache"`
}

// Manager creates, indexes and disposes sessions, and runs the periodic
// health sweep over all of them.
type Manager struct {
	cfg      *config.Config
	logger   *logger.Logger
	notifier bus.Notifier

	mu       sync.RWMutex
	sessions map[string]*Instance
	closed   bool

	sweepStop context.CancelFunc
	sweepDone chan struct{}
}

// NewManager creates a session manager. StartHealthSweep must be called
// separately if periodic health notifications are wanted.
func NewManager(cfg *config.Config, notifier bus.Notifier, log *logger.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		notifier: notifier,
		sessions: make(map[string]*Instance),
	}
}

// Open starts a debugger against the target and wires up its command
// pipeline. Returns the new session id.
func (m *Manager) Open(ctx context.Context, target string, args []string) (string, error) {
	if strings.TrimSpace(target) == "" {
		return "", apperrors.InvalidArgument("target must not be empty")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", apperrors.Disposed("session manager")
	}
	m.mu.Unlock()

	id := uuid.New().String()
	log := m.logger.WithSessionID(id)

	dbg := debugger.NewSession(debugger.Config{
		Path:                m.cfg.Debugger.Path,
		SymbolPath:          m.cfg.Debugger.SymbolPath,
		SymbolServerTimeout: time.Duration(m.cfg.Debugger.SymbolServerTimeoutMs) * time.Millisecond,
		SymbolServerRetries: m.cfg.Debugger.SymbolServerRetries,
		CommandTimeout:      m.cfg.Debugger.CommandTimeout(),
		StartupDelay:        m.cfg.Debugger.StartupDelay(),
	}, log)

	if err := dbg.Start(ctx, target, args); err != nil {
		return "", apperrors.DebuggerUnavailable("failed to start debugger session: " + err.Error())
	}

	queue := command.NewQueue(m.cfg.Queue.MaxSize)
	tracker := command.NewTracker()
	cache := command.NewCache(command.CacheConfig{
		MaxMemoryBytes:          m.cfg.Cache.MaxMemoryBytes,
		MaxResults:              m.cfg.Cache.MaxResults,
		MemoryPressureThreshold: m.cfg.Cache.MemoryPressureThreshold,
	}, log)

	proc := command.NewProcessor(command.ProcessorConfig{
		CommandTimeout:    m.cfg.Debugger.CommandTimeout(),
		HeartbeatInterval: m.cfg.Debugger.HeartbeatInterval(),
	}, id, queue, tracker, cache, dbg, m.notifier, log)

	inst := &Instance{
		ID:        id,
		Target:    target,
		Args:      args,
		CreatedAt: time.Now().UTC(),
		debugger:  dbg,
		queue:     queue,
		tracker:   tracker,
		cache:     cache,
		logger:    log,
	}

	recovery := command.NewRecoveryManager(command.RecoveryConfig{
		CancellationTimeout: m.cfg.Recovery.CancellationTimeout(),
		RestartDelay:        m.cfg.Recovery.RestartDelay(),
		HealthCheckInterval: m.cfg.Recovery.HealthCheckInterval(),
		MaxAttempts:         m.cfg.Recovery.MaxRecoveryAttempts,
		AttemptCooldown:     m.cfg.Recovery.RecoveryAttemptCooldown(),
	}, id, dbg, inst, m.notifier, log)

	inst.recovery = recovery
	inst.processor = command.NewResilientProcessor(proc, recovery)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		dbg.Close()
		return "", apperrors.Disposed("session manager")
	}
	m.sessions[id] = inst
	m.mu.Unlock()

	go inst.processor.Run()

	log.Info("session opened", zap.String("target", target))
	m.notify(ctx, "opened", inst)
	return id, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	return inst, nil
}

// List returns a snapshot of all sessions.
func (m *Manager) List() []Info {
	m.mu.RLock()
	instances := make([]*Instance, 0, len(m.sessions))
	for _, inst := range m.sessions {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(instances))
	for _, inst := range instances {
		infos = append(infos, m.describe(inst))
	}
	return infos
}

func (m *Manager) describe(inst *Instance) Info {
	return Info{
		ID:         inst.ID,
		Target:     inst.Target,
		CreatedAt:  inst.CreatedAt,
		Active:     inst.IsActive(),
		QueueDepth: inst.processor.QueueDepth(),
		Counters:   inst.processor.Counters(),
		Cache:      inst.cache.Statistics(),
	}
}

// Dispose tears down one session and removes it from the index.
func (m *Manager) Dispose(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return apperrors.NotFound("session", id)
	}

	err := inst.dispose(ctx)
	inst.logger.Info("session closed")
	m.notify(ctx, "closed", inst)
	return err
}

// Close disposes every session and refuses new ones. Idempotent.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	instances := make([]*Instance, 0, len(m.sessions))
	for _, inst := range m.sessions {
		instances = append(instances, inst)
	}
	m.sessions = make(map[string]*Instance)
	m.mu.Unlock()

	if m.sweepStop != nil {
		m.sweepStop()
		<-m.sweepDone
	}

	for _, inst := range instances {
		if err := inst.dispose(ctx); err != nil {
			m.logger.Warn("session teardown incomplete",
				zap.String("session_id", inst.ID),
				zap.Error(err))
		}
		m.notify(ctx, "closed", inst)
	}
	m.logger.Info("all sessions closed", zap.Int("count", len(instances)))
}

// StartHealthSweep launches the periodic responsiveness check over all
// sessions, publishing a serverHealth notification per sweep.
func (m *Manager) StartHealthSweep(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	m.sweepStop = cancel
	m.sweepDone = make(chan struct{})

	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(m.cfg.Recovery.HealthCheckInterval())
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				m.sweep(sweepCtx)
			}
		}
	}()
}

// sweep probes every session and publishes the aggregate verdict.
func (m *Manager) sweep(ctx context.Context) {
	m.mu.RLock()
	instances := make([]*Instance, 0, len(m.sessions))
	for _, inst := range m.sessions {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()

	healthy := true
	sessions := make([]map[string]interface{}, 0, len(instances))
	for _, inst := range instances {
		responsive := inst.recovery.IsResponsive(ctx)
		if !responsive {
			healthy = false
			inst.logger.Warn("session unresponsive")
		}
		sessions = append(sessions, map[string]interface{}{
			"sessionId":  inst.ID,
			"target":     inst.Target,
			"responsive": responsive,
			"queueDepth": inst.processor.QueueDepth(),
		})
	}

	if m.notifier != nil {
		m.notifier.Notify(ctx, bus.MethodServerHealth, map[string]interface{}{
			"healthy":  healthy,
			"sessions": sessions,
		})
	}
}

// notify publishes a sessionEvent for open/close transitions.
func (m *Manager) notify(ctx context.Context, event string, inst *Instance) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(ctx, bus.MethodSessionEvent, map[string]interface{}{
		"sessionId": inst.ID,
		"event":     event,
		"target":    inst.Target,
	})
}
