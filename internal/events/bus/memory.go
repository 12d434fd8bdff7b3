package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dbgbridge/dbgbridge/internal/common/logger"
)

// MemoryBus implements NotificationBus with in-process delivery.
//
// Handlers registered for the same pattern run sequentially, in registration
// order, on the publishing goroutine's dispatch goroutine. A failing or
// panicking handler never prevents the remaining handlers from running.
type MemoryBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

// memorySubscription represents an in-memory subscription.
type memorySubscription struct {
	bus     *MemoryBus
	pattern string
	regex   *regexp.Regexp // nil when the pattern has no wildcards
	handler Handler
	active  bool
	mu      sync.Mutex
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subscriptions[s.pattern]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.pattern] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryBus creates a new in-memory notification bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// Notify publishes a notification built from method and params, dropping any
// delivery error. This is the fire-and-forget path used by the command pipeline.
func (b *MemoryBus) Notify(ctx context.Context, method string, params map[string]interface{}) {
	if err := b.Publish(ctx, NewNotification(method, params)); err != nil {
		b.logger.Warn("notification dropped",
			zap.String("method", method),
			zap.Error(err))
	}
}

// Publish delivers the notification to all matching subscribers.
func (b *MemoryBus) Publish(ctx context.Context, n *Notification) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("notification bus is closed")
	}

	// Snapshot matching handlers under the read lock, dispatch outside it.
	var matched []*memorySubscription
	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			active := sub.active
			sub.mu.Unlock()
			if !active {
				continue
			}
			if matches(n.Method, pattern, sub.regex) {
				matched = append(matched, sub)
			}
		}
	}
	b.mu.RUnlock()

	if len(matched) > 0 {
		go b.dispatch(ctx, matched, n)
	}

	b.logger.Debug("published notification",
		zap.String("method", n.Method),
		zap.String("notification_id", n.ID))
	return nil
}

// dispatch runs the matched handlers sequentially, isolating failures.
func (b *MemoryBus) dispatch(ctx context.Context, subs []*memorySubscription, n *Notification) {
	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("notification handler panic",
						zap.String("method", n.Method),
						zap.Any("panic", r))
				}
			}()
			if err := sub.handler(ctx, n); err != nil {
				b.logger.Error("notification handler error",
					zap.String("method", n.Method),
					zap.Error(err))
			}
		}()
	}
}

// Subscribe registers a handler for a method pattern.
func (b *MemoryBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("notification bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: pattern,
		regex:   compilePattern(pattern),
		handler: handler,
		active:  true,
	}
	b.subscriptions[pattern] = append(b.subscriptions[pattern], sub)

	b.logger.Debug("subscribed", zap.String("pattern", pattern))
	return sub, nil
}

// Close closes the bus and deactivates all subscriptions.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)

	b.logger.Info("notification bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks if a method matches a pattern.
func matches(method, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return method == pattern
	}
	if regex != nil {
		return regex.MatchString(method)
	}
	return false
}

// compilePattern converts a slash-separated wildcard pattern to a regex.
// "*" matches a single token, ">" matches the remaining tokens.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^/]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}
