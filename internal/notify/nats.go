package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kandev/cdbsrv/internal/config"
	"github.com/kandev/cdbsrv/internal/logger"
	v1 "github.com/kandev/cdbsrv/pkg/api/v1"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBus implements Bus over a NATS connection, letting multiple cdbsrv
// instances share one notification stream (e.g. a REST replica and a
// WebSocket gateway replica subscribing to the same session). Grounded on
// the teacher's events/bus.NATSEventBus.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSBus connects to cfg.URL and returns a ready Bus.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &NATSBus{conn: conn, logger: log.WithFields(zap.String("component", "notify-bus-nats"))}, nil
}

func subject(sessionID string) string {
	return "cdbsrv.session." + sessionID + ".notify"
}

func (b *NATSBus) Publish(sessionID string, n v1.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := b.conn.Publish(subject(sessionID), data); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

type natsSubscription struct {
	sub    *nats.Subscription
	ch     chan v1.Notification
	logger *logger.Logger
}

func (b *NATSBus) Subscribe(sessionID string) (Subscription, error) {
	ch := make(chan v1.Notification, subscriberBuffer)
	sub, err := b.conn.Subscribe(subject(sessionID), func(msg *nats.Msg) {
		var n v1.Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			b.logger.Warn("dropping malformed notification", zap.Error(err))
			return
		}
		select {
		case ch <- n:
		default:
			b.logger.Warn("dropping notification for slow subscriber", zap.String("session_id", sessionID))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &natsSubscription{sub: sub, ch: ch, logger: b.logger}, nil
}

// Drop is a no-op for NATSBus: subscriptions for sessionID stay open.
func (b *NATSBus) Drop(sessionID string) {
	// No process-wide subscriber registry to scan; each Subscription is
	// torn down individually via Unsubscribe by its owner (the WebSocket
	// handler or the audit forwarder).
}

// Close closes the NATS connection. It does not close the channels of
// subscriptions that are still open.
func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}

func (s *natsSubscription) C() <-chan v1.Notification {
	return s.ch
}

func (s *natsSubscription) Unsubscribe() {
	_ = s.sub.Unsubscribe()
	close(s.ch)
}
