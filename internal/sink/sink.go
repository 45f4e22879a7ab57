// Package sink defines the advisory persistence hooks of the realtime
// coordinator. Routing decisions are final before a sink is called: sink
// failures are logged and never rolled back or retried.
package sink

import (
	"context"
	"errors"
	"time"
)

// Message is a routed chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Content        string    `json:"content"`
	Encrypted      bool      `json:"encrypted"`
	Timestamp      time.Time `json:"timestamp"`
	Delivered      bool      `json:"delivered"` // receiver was online
}

// Payment is a relayed payment notification.
type Payment struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	TxHash    string    `json:"txHash"`
	Timestamp time.Time `json:"timestamp"`
	Delivered bool      `json:"delivered"`
}

// Read is a read receipt.
type Read struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	ReadBy         string    `json:"readBy"`
	ReadAt         time.Time `json:"readAt"`
}

// Status is a presence change of an identity.
type Status struct {
	UserID string    `json:"userId"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// Sink receives coordinator events for persistence.
type Sink interface {
	MessageRouted(ctx context.Context, m Message) error
	PaymentRouted(ctx context.Context, p Payment) error
	MessageRead(ctx context.Context, r Read) error
	StatusChanged(ctx context.Context, s Status) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) MessageRouted(context.Context, Message) error { return nil }
func (Nop) PaymentRouted(context.Context, Payment) error { return nil }
func (Nop) MessageRead(context.Context, Read) error      { return nil }
func (Nop) StatusChanged(context.Context, Status) error  { return nil }

// Multi fans every event out to all of its sinks and joins their errors.
type Multi []Sink

func (m Multi) MessageRouted(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.MessageRouted(ctx, msg))
	}
	return errors.Join(errs...)
}

func (m Multi) PaymentRouted(ctx context.Context, p Payment) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.PaymentRouted(ctx, p))
	}
	return errors.Join(errs...)
}

func (m Multi) MessageRead(ctx context.Context, r Read) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.MessageRead(ctx, r))
	}
	return errors.Join(errs...)
}

func (m Multi) StatusChanged(ctx context.Context, st Status) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.StatusChanged(ctx, st))
	}
	return errors.Join(errs...)
}
