package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/web3messenger/realtime/internal/messaging"
	"github.com/web3messenger/realtime/internal/metrics"
	"github.com/web3messenger/realtime/internal/sink"
)

// DefaultWriteTimeout bounds a single archive insert.
const DefaultWriteTimeout = 5 * time.Second

// Consumer decodes bus events and writes them to the Store.
type Consumer struct {
	store   *Store
	timeout time.Duration
}

// NewConsumer creates a Consumer. A non-positive timeout selects
// DefaultWriteTimeout.
func NewConsumer(store *Store, timeout time.Duration) *Consumer {
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return &Consumer{store: store, timeout: timeout}
}

// Handle is the bus subscription callback. Failures are logged; the bus is
// at-most-once so nothing is retried.
func (c *Consumer) Handle(subject string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	kind, err := c.archive(ctx, subject, data)
	if err != nil {
		zap.L().Warn("archive_failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	metrics.ArchivedTotal.WithLabelValues(kind).Inc()
}

func (c *Consumer) archive(ctx context.Context, subject string, data []byte) (string, error) {
	switch subject {
	case messaging.SubjectMessage:
		var m sink.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return "", fmt.Errorf("archive: decode message: %w", err)
		}
		return "message", c.store.InsertMessage(ctx, m)

	case messaging.SubjectPayment:
		var p sink.Payment
		if err := json.Unmarshal(data, &p); err != nil {
			return "", fmt.Errorf("archive: decode payment: %w", err)
		}
		return "payment", c.store.InsertPayment(ctx, p)

	case messaging.SubjectRead:
		var r sink.Read
		if err := json.Unmarshal(data, &r); err != nil {
			return "", fmt.Errorf("archive: decode read: %w", err)
		}
		return "read", c.store.InsertRead(ctx, r)

	case messaging.SubjectStatus:
		var st sink.Status
		if err := json.Unmarshal(data, &st); err != nil {
			return "", fmt.Errorf("archive: decode status: %w", err)
		}
		return "status", c.store.InsertStatus(ctx, st)

	default:
		return "", fmt.Errorf("archive: unexpected subject %q", subject)
	}
}
