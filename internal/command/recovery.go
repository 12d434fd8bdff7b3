package command

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/dbgbridge/dbgbridge/internal/common/errors"
	"github.com/dbgbridge/dbgbridge/internal/common/logger"
	"github.com/dbgbridge/dbgbridge/internal/events/bus"
)

// healthCacheTTL bounds how often the recovery manager probes the session.
// Probes inside the window reuse the last verdict.
const healthCacheTTL = 30 * time.Second

// RecoveryConfig tunes restart policy for a lost debugger session.
type RecoveryConfig struct {
	CancellationTimeout time.Duration
	RestartDelay        time.Duration
	HealthCheckInterval time.Duration
	MaxAttempts         int
	AttemptCooldown     time.Duration
}

// DefaultRecoveryConfig matches the service defaults.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		CancellationTimeout: 5 * time.Second,
		RestartDelay:        2 * time.Second,
		HealthCheckInterval: time.Minute,
		MaxAttempts:         3,
		AttemptCooldown:     5 * time.Minute,
	}
}

// SessionRecoverer restarts a dead debugger session in place. The session
// manager provides it; the recovery manager only decides when to call it.
type SessionRecoverer interface {
	RecoverSession(ctx context.Context, reason string) error
}

// HealthSource answers whether the underlying debugger process is alive.
type HealthSource interface {
	IsActive() bool
}

// RecoveryManager owns restart policy for one session: health probing with a
// cached verdict, attempt budgeting with cooldown, and the delayed restart
// itself. It never restarts on its own; callers ask it to.
type RecoveryManager struct {
	cfg       RecoveryConfig
	sessionID string
	logger    *logger.Logger
	health    HealthSource
	recoverer SessionRecoverer
	notifier  bus.Notifier

	mu            sync.Mutex
	lastCheckAt   time.Time
	lastHealthy   bool
	attempts      int
	lastAttemptAt time.Time
}

// NewRecoveryManager builds a recovery manager for one session.
func NewRecoveryManager(cfg RecoveryConfig, sessionID string, health HealthSource, recoverer SessionRecoverer, notifier bus.Notifier, log *logger.Logger) *RecoveryManager {
	return &RecoveryManager{
		cfg:       cfg,
		sessionID: sessionID,
		logger:    log.WithFields(zap.String("component", "recovery-manager"), zap.String("session_id", sessionID)),
		health:    health,
		recoverer: recoverer,
		notifier:  notifier,
	}
}

// IsHealthy reports whether the session looks alive, probing at most once per
// healthCacheTTL. A probe that does not answer within the cancellation
// timeout counts as unhealthy.
func (m *RecoveryManager) IsHealthy(ctx context.Context) bool {
	m.mu.Lock()
	if !m.lastCheckAt.IsZero() && time.Since(m.lastCheckAt) < healthCacheTTL {
		healthy := m.lastHealthy
		m.mu.Unlock()
		return healthy
	}
	m.mu.Unlock()

	healthy := m.probe(ctx)

	m.mu.Lock()
	m.lastCheckAt = time.Now()
	m.lastHealthy = healthy
	m.mu.Unlock()
	return healthy
}

// probe runs the liveness check off the caller's goroutine so a wedged
// session cannot block the health path past the cancellation timeout.
func (m *RecoveryManager) probe(ctx context.Context) bool {
	done := make(chan bool, 1)
	go func() {
		done <- m.health.IsActive()
	}()

	select {
	case alive := <-done:
		return alive
	case <-time.After(m.cfg.CancellationTimeout):
		m.logger.Warn("health probe timed out",
			zap.Duration("timeout", m.cfg.CancellationTimeout))
		return false
	case <-ctx.Done():
		return false
	}
}

// IsResponsive is IsHealthy hardened against a panicking probe.
func (m *RecoveryManager) IsResponsive(ctx context.Context) (responsive bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health probe panicked", zap.Any("panic", r))
			responsive = false
		}
	}()
	return m.IsHealthy(ctx)
}

// InvalidateHealth discards the cached health verdict so the next check
// probes the session again.
func (m *RecoveryManager) InvalidateHealth() {
	m.mu.Lock()
	m.lastCheckAt = time.Time{}
	m.mu.Unlock()
}

// ShouldAttempt reports whether a recovery attempt is allowed: the attempt
// budget is not exhausted and the cooldown since the last attempt has passed.
func (m *RecoveryManager) ShouldAttempt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts >= m.cfg.MaxAttempts {
		return false
	}
	if !m.lastAttemptAt.IsZero() && time.Since(m.lastAttemptAt) < m.cfg.AttemptCooldown {
		return false
	}
	return true
}

// RestartDelay returns the backoff before the given 1-based attempt:
// restartDelay doubled per prior attempt.
func (m *RecoveryManager) RestartDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return m.cfg.RestartDelay << (attempt - 1)
}

// IsSessionLost classifies an execution error as a dead-session condition
// worth a restart, as opposed to a command-level failure.
func (m *RecoveryManager) IsSessionLost(err error) bool {
	if err == nil {
		return false
	}
	if apperrors.IsDebuggerUnavailable(err) || apperrors.IsTransient(err) {
		return true
	}
	return errors.Is(err, context.Canceled) && !m.health.IsActive()
}

// Recover restarts the session: record the attempt, cancel whatever is in
// flight, wait out the backoff, then delegate the restart. The outcome is
// published as a sessionRecovery notification either way. A successful
// recovery resets the attempt budget.
func (m *RecoveryManager) Recover(ctx context.Context, reason string, cancelInFlight func(), affectedCommands []string) error {
	m.mu.Lock()
	m.attempts++
	attempt := m.attempts
	m.lastAttemptAt = time.Now()
	m.mu.Unlock()

	m.logger.Warn("attempting session recovery",
		zap.String("reason", reason),
		zap.Int("attempt", attempt),
		zap.Strings("affected_commands", affectedCommands))

	if cancelInFlight != nil {
		cancelInFlight()
	}

	delay := m.RestartDelay(attempt)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	err := m.recoverer.RecoverSession(ctx, reason)

	m.mu.Lock()
	m.lastCheckAt = time.Time{}
	if err == nil {
		m.attempts = 0
	}
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.Notify(ctx, bus.MethodSessionRecovery, map[string]interface{}{
			"sessionId":        m.sessionID,
			"reason":           reason,
			"attempt":          attempt,
			"success":          err == nil,
			"affectedCommands": affectedCommands,
		})
	}

	if err != nil {
		m.logger.Error("session recovery failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		return apperrors.DebuggerUnavailable("session recovery failed: " + err.Error())
	}

	m.logger.Info("session recovered", zap.Int("attempt", attempt))
	return nil
}
