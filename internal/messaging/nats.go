// Package messaging provides a NATS client wrapper for the messenger event
// bus. The realtime server publishes routed messages, payments, read receipts
// and presence changes on it; the archiver consumes them for persistence.
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS subjects of the messenger event bus.
const (
	SubjectPrefix  = "messenger."
	SubjectMessage = SubjectPrefix + "message"
	SubjectPayment = SubjectPrefix + "payment"
	SubjectRead    = SubjectPrefix + "read"
	SubjectStatus  = SubjectPrefix + "status"

	// SubjectAll matches every bus subject.
	SubjectAll = SubjectPrefix + ">"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "messenger",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			zap.L().Warn("nats_disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			zap.L().Info("nats_reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			zap.L().Info("nats_closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	zap.L().Info("nats_connected", zap.String("url", nc.ConnectedUrl()))

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup. A non-empty queue joins a queue
// group so that several consumers share the load.
func (c *NATSClient) Subscribe(subject, queue string, handler func(subject string, data []byte)) error {
	cb := func(msg *nats.Msg) { handler(msg.Subject, msg.Data) }

	var (
		sub *nats.Subscription
		err error
	)
	if queue != "" {
		sub, err = c.conn.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = c.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			zap.L().Warn("nats_drain_failed", zap.String("subject", subject), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		zap.L().Warn("nats_connection_drain_failed", zap.Error(err))
	}

	zap.L().Info("nats_client_closed")
}
