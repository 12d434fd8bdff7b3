package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/dbgbridge/dbgbridge/internal/common/config"
	"github.com/dbgbridge/dbgbridge/internal/common/logger"
)

// subjectPrefix namespaces every notification on the wire.
const subjectPrefix = "dbgbridge"

// NATSBus implements NotificationBus over a NATS connection. Notification
// methods map onto subjects by replacing "/" with "." under the dbgbridge
// prefix: "notifications/commandStatus" -> "dbgbridge.notifications.commandStatus".
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
	config config.NATSConfig
}

// NewNATSBus creates a NATS-backed notification bus with reconnection logic.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	bus := &NATSBus{
		logger: log,
		config: cfg,
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error",
				zap.Error(err),
				zap.String("subject", sub.Subject),
			)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	bus.conn = conn
	log.Info("connected to NATS", zap.String("url", cfg.URL))

	return bus, nil
}

// methodToSubject converts a notification method to a NATS subject.
func methodToSubject(method string) string {
	return subjectPrefix + "." + strings.ReplaceAll(method, "/", ".")
}

// patternToSubject converts a subscription pattern to a NATS subject pattern.
func patternToSubject(pattern string) string {
	return subjectPrefix + "." + strings.ReplaceAll(pattern, "/", ".")
}

// Notify publishes a notification built from method and params, dropping any
// delivery error.
func (b *NATSBus) Notify(ctx context.Context, method string, params map[string]interface{}) {
	if err := b.Publish(ctx, NewNotification(method, params)); err != nil {
		b.logger.Warn("notification dropped",
			zap.String("method", method),
			zap.Error(err))
	}
}

// Publish sends a notification to its method's subject.
func (b *NATSBus) Publish(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	subject := methodToSubject(n.Method)
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Error("failed to publish notification",
			zap.String("subject", subject),
			zap.String("method", n.Method),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	b.logger.Debug("published notification",
		zap.String("subject", subject),
		zap.String("notification_id", n.ID),
	)
	return nil
}

// Subscribe creates a subscription to a method pattern.
func (b *NATSBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	subject := patternToSubject(pattern)
	sub, err := b.conn.Subscribe(subject, b.createMsgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.logger.Debug("subscribed", zap.String("subject", subject))
	return &natsSubscription{sub: sub}, nil
}

// createMsgHandler creates a NATS message handler from a Handler.
func (b *NATSBus) createMsgHandler(handler Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			b.logger.Error("failed to unmarshal notification",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}

		if err := handler(context.Background(), &n); err != nil {
			b.logger.Error("notification handler failed",
				zap.String("subject", msg.Subject),
				zap.String("notification_id", n.ID),
				zap.Error(err),
			)
		}
	}
}

// Close drains and closes the NATS connection.
func (b *NATSBus) Close() {
	if b.conn != nil {
		// Drain processes pending messages before closing
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("error draining NATS connection", zap.Error(err))
			b.conn.Close()
		}
		b.logger.Info("NATS connection closed")
	}
}

// IsConnected returns whether the NATS connection is active.
func (b *NATSBus) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}

// natsSubscription wraps a NATS subscription.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}
