// Package bus provides the notification bus for dbgbridge.
//
// Notifications are topic-addressed records {method, params}. Producers publish
// to a method such as "notifications/commandStatus"; observers subscribe with
// optional wildcards ("notifications/*"). Handlers within a topic run
// sequentially and handler failures are isolated from each other.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Well-known notification methods.
const (
	MethodCommandStatus    = "notifications/commandStatus"
	MethodCommandHeartbeat = "notifications/commandHeartbeat"
	MethodSessionEvent     = "notifications/sessionEvent"
	MethodSessionRecovery  = "notifications/sessionRecovery"
	MethodServerHealth     = "notifications/serverHealth"
	MethodToolsListChanged = "notifications/toolsListChanged"
)

// Notification is a topic-addressed record delivered to subscribers.
type Notification struct {
	ID        string                 `json:"id"`
	Method    string                 `json:"method"`
	Timestamp time.Time              `json:"timestamp"`
	Params    map[string]interface{} `json:"params"`
}

// NewNotification creates a notification with a UUID and current timestamp.
func NewNotification(method string, params map[string]interface{}) *Notification {
	return &Notification{
		ID:        uuid.New().String(),
		Method:    method,
		Timestamp: time.Now().UTC(),
		Params:    params,
	}
}

// Handler processes a single notification.
type Handler func(ctx context.Context, n *Notification) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Notifier is the capability handed to the command pipeline. Components that
// only publish depend on this, not on the full bus.
type Notifier interface {
	Notify(ctx context.Context, method string, params map[string]interface{})
}

// NotificationBus is the full bus surface: publish plus subscription management.
type NotificationBus interface {
	Notifier

	// Publish delivers a notification to every matching subscriber.
	Publish(ctx context.Context, n *Notification) error

	// Subscribe registers a handler for a method pattern. Patterns use
	// slash-separated tokens with "*" matching one token and ">" matching
	// the rest ("notifications/*", "notifications/>").
	Subscribe(pattern string, handler Handler) (Subscription, error)

	// Close tears down the bus; subsequent publishes fail.
	Close()

	// IsConnected reports whether the bus can deliver.
	IsConnected() bool
}
