// Package extension implements the capability tokens that gate the loopback
// extension-callback API, and the registry that issues and validates them.
package extension

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/dbgbridge/dbgbridge/internal/common/errors"
	"github.com/dbgbridge/dbgbridge/internal/common/logger"
)

// TokenPrefix identifies extension capability tokens on the wire.
const TokenPrefix = "ext_"

// Config tunes token lifetime and the expiry sweep.
type Config struct {
	TokenTTL        time.Duration
	CleanupCooldown time.Duration
}

// DefaultConfig returns the documented defaults: 1 h TTL, 5 min sweep cooldown.
func DefaultConfig() Config {
	return Config{
		TokenTTL:        time.Hour,
		CleanupCooldown: 5 * time.Minute,
	}
}

// Token is one issued capability: it grants callback access to the session it
// was issued for, on behalf of the command that spawned the extension.
// Revocation marks the entry; the sweep removes it.
type Token struct {
	Value     string    `json:"-"`
	SessionID string    `json:"session_id"`
	CommandID string    `json:"command_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// Expired reports whether the token's lifetime has passed.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Registry issues, validates and revokes extension tokens. Dead entries are
// swept opportunistically on Create when the cleanup cooldown has elapsed.
type Registry struct {
	cfg    Config
	logger *logger.Logger

	mu        sync.RWMutex
	tokens    map[string]*Token          // value -> token
	bySession map[string]map[string]bool // sessionID -> set of values
	lastSweep time.Time
	closed    bool
}

// NewRegistry creates an empty token registry.
func NewRegistry(cfg Config, log *logger.Logger) *Registry {
	return &Registry{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "extension-registry")),
		tokens:    make(map[string]*Token),
		bySession: make(map[string]map[string]bool),
	}
}

// newTokenValue builds a fresh opaque token value.
func newTokenValue() string {
	entropy := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	return TokenPrefix + entropy
}

// Create issues a token bound to the session and the command that spawned the
// extension. Both ids are required.
func (r *Registry) Create(sessionID, commandID string) (*Token, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, apperrors.InvalidArgument("session id must not be empty")
	}
	if strings.TrimSpace(commandID) == "" {
		return nil, apperrors.InvalidArgument("command id must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, apperrors.Disposed("extension token registry")
	}
	r.sweepLocked(time.Now())

	now := time.Now().UTC()
	token := &Token{
		Value:     newTokenValue(),
		SessionID: sessionID,
		CommandID: commandID,
		IssuedAt:  now,
		ExpiresAt: now.Add(r.cfg.TokenTTL),
	}

	r.tokens[token.Value] = token
	set, ok := r.bySession[sessionID]
	if !ok {
		set = make(map[string]bool)
		r.bySession[sessionID] = set
	}
	set[token.Value] = true

	r.logger.Debug("token issued",
		zap.String("session_id", sessionID),
		zap.String("command_id", commandID),
		zap.Time("expires_at", token.ExpiresAt))
	return token, nil
}

// Validate resolves a token value to its binding. Empty, unknown, expired and
// revoked tokens all fail the same way.
func (r *Registry) Validate(value string) (sessionID, commandID string, ok bool) {
	if strings.TrimSpace(value) == "" || !strings.HasPrefix(value, TokenPrefix) {
		return "", "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	token, found := r.tokens[value]
	if !found || token.Revoked || token.Expired(time.Now()) {
		return "", "", false
	}
	return token.SessionID, token.CommandID, true
}

// Revoke marks one token revoked. Reports whether it existed.
func (r *Registry) Revoke(value string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.tokens[value]
	if !ok {
		return false
	}
	token.Revoked = true
	return true
}

// RevokeForSession revokes every token bound to the session. Returns how many
// were revoked.
func (r *Registry) RevokeForSession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	revoked := 0
	for value := range r.bySession[sessionID] {
		if token, ok := r.tokens[value]; ok && !token.Revoked {
			token.Revoked = true
			revoked++
		}
	}
	if revoked > 0 {
		r.logger.Debug("session tokens revoked",
			zap.String("session_id", sessionID),
			zap.Int("count", revoked))
	}
	return revoked
}

// Close revokes everything and refuses further issuance.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.tokens = make(map[string]*Token)
	r.bySession = make(map[string]map[string]bool)
}

// Count returns the number of registry entries, live or awaiting sweep.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}

// sweepLocked removes expired and revoked tokens if the cooldown since the
// last sweep has elapsed. Caller holds the write lock.
func (r *Registry) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.cfg.CleanupCooldown {
		return
	}
	r.lastSweep = now

	removed := 0
	for value, token := range r.tokens {
		if token.Revoked || token.Expired(now) {
			r.removeLocked(value)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("dead tokens swept", zap.Int("count", removed))
	}
}

// removeLocked deletes one token from both indexes. Caller holds the write lock.
func (r *Registry) removeLocked(value string) {
	token, ok := r.tokens[value]
	if !ok {
		return
	}
	delete(r.tokens, value)
	if set, ok := r.bySession[token.SessionID]; ok {
		delete(set, value)
		if len(set) == 0 {
			delete(r.bySession, token.SessionID)
		}
	}
}
