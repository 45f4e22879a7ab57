package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/web3messenger/realtime/internal/messaging"
)

// Publisher is the subset of the NATS client the bus needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Bus publishes every event as JSON on its messenger bus subject.
type Bus struct {
	pub Publisher
}

func NewBus(pub Publisher) *Bus {
	return &Bus{pub: pub}
}

func (b *Bus) MessageRouted(_ context.Context, m Message) error {
	return b.publish(messaging.SubjectMessage, m)
}

func (b *Bus) PaymentRouted(_ context.Context, p Payment) error {
	return b.publish(messaging.SubjectPayment, p)
}

func (b *Bus) MessageRead(_ context.Context, r Read) error {
	return b.publish(messaging.SubjectRead, r)
}

func (b *Bus) StatusChanged(_ context.Context, s Status) error {
	return b.publish(messaging.SubjectStatus, s)
}

func (b *Bus) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sink: marshal %s: %w", subject, err)
	}
	if err := b.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("sink: publish %s: %w", subject, err)
	}
	return nil
}
