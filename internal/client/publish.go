package client

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/web3messenger/realtime/internal/protocol"
)

// Receipt resolves when the server echoes an optimistic send back to its
// sender, or fails when the server rejects it or the transport drops.
type Receipt[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newReceipt[T any]() *Receipt[T] {
	return &Receipt[T]{done: make(chan struct{})}
}

func (r *Receipt[T]) resolve(v T) {
	r.once.Do(func() {
		r.val = v
		close(r.done)
	})
}

func (r *Receipt[T]) reject(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed once the receipt settles.
func (r *Receipt[T]) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the receipt settles or ctx ends.
func (r *Receipt[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-r.done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// SendMessage publishes a chat message as the authenticated identity. The
// returned receipt resolves with the server confirmation.
func (c *Client) SendMessage(receiverID, conversationID, content string, encrypted bool) (*Receipt[protocol.MessageSent], error) {
	now := time.Now().UTC()
	msg := protocol.SendMessage{MessageEnvelope: protocol.MessageEnvelope{
		ID:             uuid.NewString(),
		SenderID:       c.cfg.UserID,
		ReceiverID:     receiverID,
		Content:        content,
		ConversationID: conversationID,
		Encrypted:      encrypted,
		Timestamp:      &now,
	}}
	data, err := protocol.NewClientMessage(msg)
	if err != nil {
		return nil, err
	}

	r := newReceipt[protocol.MessageSent]()
	err = c.publishTracked(data, func() { c.pendingMsgs = append(c.pendingMsgs, r) }, func() {
		c.pendingMsgs = removeReceipt(c.pendingMsgs, r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// SendPayment relays a submitted on-chain payment. Missing id and timestamp
// are filled in.
func (c *Client) SendPayment(p protocol.PaymentNotification) (*Receipt[protocol.PaymentConfirmed], error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Timestamp == nil {
		now := time.Now().UTC()
		p.Timestamp = &now
	}
	data, err := protocol.NewClientMessage(protocol.PaymentSent{PaymentNotification: p})
	if err != nil {
		return nil, err
	}

	r := newReceipt[protocol.PaymentConfirmed]()
	err = c.publishTracked(data, func() { c.pendingPays = append(c.pendingPays, r) }, func() {
		c.pendingPays = removeReceipt(c.pendingPays, r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// JoinConversation subscribes the connection to a conversation room.
func (c *Client) JoinConversation(conversationID string) error {
	return c.publish(protocol.JoinConversation{ConversationID: conversationID}, false)
}

// LeaveConversation unsubscribes from a conversation room.
func (c *Client) LeaveConversation(conversationID string) error {
	return c.publish(protocol.LeaveConversation{ConversationID: conversationID}, false)
}

func (c *Client) StartTyping(conversationID string) error {
	return c.publish(protocol.TypingStart{TypingIndicator: protocol.TypingIndicator{
		ConversationID: conversationID,
		UserID:         c.cfg.UserID,
	}}, true)
}

func (c *Client) StopTyping(conversationID string) error {
	return c.publish(protocol.TypingStop{TypingIndicator: protocol.TypingIndicator{
		ConversationID: conversationID,
		UserID:         c.cfg.UserID,
	}}, true)
}

// MarkAsRead acknowledges a message.
func (c *Client) MarkAsRead(messageID, conversationID string) error {
	return c.publish(protocol.MarkAsRead{MessageID: messageID, ConversationID: conversationID}, true)
}

// UpdateStatus announces a presence status to every connected user.
func (c *Client) UpdateStatus(status string) error {
	return c.publish(protocol.UpdateStatus{Status: status}, true)
}

// publish sends an untracked event. Nothing is sent when the precondition
// fails.
func (c *Client) publish(msg protocol.ClientMessage, needAuth bool) error {
	conn, err := c.ready(needAuth)
	if err != nil {
		return err
	}
	return c.write(conn, msg)
}

// publishTracked sends data and registers its receipt atomically with
// respect to other tracked sends, so that pending receipts are queued in wire
// order.
func (c *Client) publishTracked(data []byte, enqueue, dequeue func()) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn, err := c.ready(true)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return ErrConnectionLost
	}
	enqueue()
	c.mu.Unlock()

	if err := c.writeLocked(conn, data); err != nil {
		c.mu.Lock()
		dequeue()
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) ready(needAuth bool) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		if needAuth {
			return nil, ErrNotAuthenticated
		}
		return nil, ErrNotConnected
	}
	if needAuth && !c.authenticated {
		return nil, ErrNotAuthenticated
	}
	return c.conn, nil
}

func removeReceipt[T any](list []*Receipt[T], r *Receipt[T]) []*Receipt[T] {
	for i, x := range list {
		if x == r {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

func (c *Client) popMessage() *Receipt[protocol.MessageSent] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pendingMsgs) == 0 {
		return nil
	}
	r := c.pendingMsgs[0]
	c.pendingMsgs = c.pendingMsgs[1:]
	return r
}

func (c *Client) popPayment() *Receipt[protocol.PaymentConfirmed] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pendingPays) == 0 {
		return nil
	}
	r := c.pendingPays[0]
	c.pendingPays = c.pendingPays[1:]
	return r
}
