// Package bus publishes task lifecycle notifications to NATS so
// out-of-band consumers (dashboards, bots) can react to terminal task
// transitions without holding an SSE stream open.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/soulstream/soulstream/internal/common/config"
	"github.com/soulstream/soulstream/internal/common/logger"
)

// TaskNotification is the payload published on terminal transitions.
type TaskNotification struct {
	ID          string    `json:"id"`
	ClientID    string    `json:"client_id"`
	RequestID   string    `json:"request_id"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Notifier publishes task lifecycle notifications.
type Notifier interface {
	NotifyTaskFinished(n TaskNotification) error
	Close()
}

// NoopNotifier is the fallback when NATS is not configured.
type NoopNotifier struct{}

func (NoopNotifier) NotifyTaskFinished(TaskNotification) error { return nil }

func (NoopNotifier) Close() {}

// NATSNotifier publishes to soulstream.tasks.<client_id>.
type NATSNotifier struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNotifier connects to NATS when a URL is configured, otherwise
// returns the noop notifier.
func NewNotifier(cfg config.NATSConfig, log *logger.Logger) (Notifier, error) {
	if cfg.URL == "" {
		return NoopNotifier{}, nil
	}
	return NewNATSNotifier(cfg, log)
}

// NewNATSNotifier connects to NATS with reconnection handling.
func NewNATSNotifier(cfg config.NATSConfig, log *logger.Logger) (*NATSNotifier, error) {
	log = log.WithFields(zap.String("component", "bus"))

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			} else {
				log.Info("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("nats connection closed", zap.Error(err))
			} else {
				log.Info("nats connection closed")
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	log.Info("connected to nats", zap.String("url", cfg.URL))
	return &NATSNotifier{conn: conn, logger: log}, nil
}

// Subject returns the publish subject for a client.
func Subject(clientID string) string {
	return fmt.Sprintf("soulstream.tasks.%s", clientID)
}

// NotifyTaskFinished publishes a terminal task notification.
func (b *NATSNotifier) NotifyTaskFinished(n TaskNotification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CompletedAt.IsZero() {
		n.CompletedAt = time.Now().UTC()
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	subject := Subject(n.ClientID)
	if err := b.conn.Publish(subject, data); err != nil {
		b.logger.Error("failed to publish task notification",
			zap.String("subject", subject),
			zap.String("status", n.Status),
			zap.Error(err))
		return fmt.Errorf("failed to publish task notification: %w", err)
	}

	b.logger.Debug("published task notification",
		zap.String("subject", subject),
		zap.String("status", n.Status))
	return nil
}

// Close drains and closes the connection.
func (b *NATSNotifier) Close() {
	if b.conn != nil && !b.conn.IsClosed() {
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("nats drain failed", zap.Error(err))
			b.conn.Close()
		}
	}
}
