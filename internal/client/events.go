package client

import (
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/web3messenger/realtime/internal/protocol"
)

// Subscription detaches a registered callback.
type Subscription struct {
	once   sync.Once
	detach func()
}

// Unsubscribe removes the callback. Once it returns the callback is not
// invoked for frames decoded afterwards. Calling it again is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.detach)
}

type listener[T any] struct {
	id int
	fn func(T)
}

// listeners is an ordered callback list.
type listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  []listener[T]
}

func (l *listeners[T]) add(fn func(T)) *Subscription {
	l.mu.Lock()
	l.next++
	id := l.next
	l.fns = append(l.fns, listener[T]{id: id, fn: fn})
	l.mu.Unlock()

	return &Subscription{detach: func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, ln := range l.fns {
			if ln.id == id {
				l.fns = append(l.fns[:i:i], l.fns[i+1:]...)
				return
			}
		}
	}}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]listener[T], len(l.fns))
	copy(fns, l.fns)
	l.mu.Unlock()

	for _, ln := range fns {
		ln.fn(v)
	}
}

// OnMessage subscribes to messages addressed to this identity.
func (c *Client) OnMessage(fn func(protocol.NewMessage)) *Subscription {
	return c.messages.add(fn)
}

// OnPayment subscribes to payment notifications addressed to this wallet.
func (c *Client) OnPayment(fn func(protocol.PaymentReceived)) *Subscription {
	return c.payments.add(fn)
}

// OnTyping subscribes to typing changes in joined conversations.
func (c *Client) OnTyping(fn func(protocol.UserTyping)) *Subscription {
	return c.typingSubs.add(fn)
}

// OnStatusChange subscribes to presence changes. Disconnects arrive as an
// offline status.
func (c *Client) OnStatusChange(fn func(protocol.UserStatusChanged)) *Subscription {
	return c.statusSubs.add(fn)
}

// OnConnectionChange subscribes to transport and authentication changes.
func (c *Client) OnConnectionChange(fn func(ConnectionState)) *Subscription {
	return c.connSubs.add(fn)
}

// OnError subscribes to generic server errors and rate limit notices.
func (c *Client) OnError(fn func(*RejectedError)) *Subscription {
	return c.serverError.add(fn)
}

// TypingUsers returns the identities currently typing in a conversation,
// sorted.
func (c *Client) TypingUsers(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for k := range c.typing {
		if k.conversationID == conversationID {
			out = append(out, k.userID)
		}
	}
	sort.Strings(out)
	return out
}

// OnlineUsers returns the identities last seen online or away, sorted.
func (c *Client) OnlineUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.online))
	for id := range c.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// handleFrame decodes one server frame, updates derived state and notifies
// subscribers.
func (c *Client) handleFrame(data []byte) {
	f, err := protocol.ParseFrame(data)
	if err != nil {
		zap.L().Debug("client_bad_frame", zap.Error(err))
		return
	}

	switch f.Event {
	case protocol.EventAuthenticated:
		var p protocol.Authenticated
		if !decode(f, &p) {
			return
		}
		c.mu.Lock()
		c.authenticated = p.Success
		if !p.Success {
			c.lastErr = &RejectedError{Event: f.Event, Reason: p.Message}
		}
		c.mu.Unlock()
		c.connSubs.emit(ConnectionState{Connected: true, Authenticated: p.Success})

	case protocol.EventNewMessage:
		var p protocol.NewMessage
		if decode(f, &p) {
			c.messages.emit(p)
		}

	case protocol.EventMessageSent:
		var p protocol.MessageSent
		if decode(f, &p) {
			if r := c.popMessage(); r != nil {
				r.resolve(p)
			}
		}

	case protocol.EventMessageError:
		var p protocol.OperationError
		if decode(f, &p) {
			if r := c.popMessage(); r != nil {
				r.reject(&RejectedError{Event: f.Event, Reason: p.Error})
			}
		}

	case protocol.EventPaymentReceived:
		var p protocol.PaymentReceived
		if decode(f, &p) {
			c.payments.emit(p)
		}

	case protocol.EventPaymentSentConfirmed:
		var p protocol.PaymentConfirmed
		if decode(f, &p) {
			if r := c.popPayment(); r != nil {
				r.resolve(p)
			}
		}

	case protocol.EventPaymentError:
		var p protocol.OperationError
		if decode(f, &p) {
			if r := c.popPayment(); r != nil {
				r.reject(&RejectedError{Event: f.Event, Reason: p.Error})
			}
		}

	case protocol.EventUserTyping:
		var p protocol.UserTyping
		if !decode(f, &p) {
			return
		}
		k := typingKey{conversationID: p.ConversationID, userID: p.UserID}
		c.mu.Lock()
		if p.IsTyping {
			c.typing[k] = struct{}{}
		} else {
			delete(c.typing, k)
		}
		c.mu.Unlock()
		c.typingSubs.emit(p)

	case protocol.EventUserStatusChanged:
		var p protocol.UserStatusChanged
		if !decode(f, &p) {
			return
		}
		c.mu.Lock()
		if p.Status == protocol.StatusOffline {
			delete(c.online, p.UserID)
		} else {
			c.online[p.UserID] = p.Status
		}
		c.mu.Unlock()
		c.statusSubs.emit(p)

	case protocol.EventUserDisconnected:
		var p protocol.UserDisconnected
		if !decode(f, &p) {
			return
		}
		c.mu.Lock()
		delete(c.online, p.UserID)
		for k := range c.typing {
			if k.userID == p.UserID {
				delete(c.typing, k)
			}
		}
		c.mu.Unlock()
		c.statusSubs.emit(protocol.UserStatusChanged{
			UserID:    p.UserID,
			Status:    protocol.StatusOffline,
			Timestamp: p.Timestamp,
		})

	case protocol.EventRateLimited:
		var p protocol.RateLimited
		if !decode(f, &p) {
			return
		}
		rej := &RejectedError{Event: f.Event, Reason: p.Event}
		// A throttled send is never answered, so its receipt fails here.
		switch p.Event {
		case protocol.EventSendMessage:
			if r := c.popMessage(); r != nil {
				r.reject(rej)
			}
		case protocol.EventPaymentSent:
			if r := c.popPayment(); r != nil {
				r.reject(rej)
			}
		}
		c.serverError.emit(rej)

	case protocol.EventError:
		var p protocol.ServerError
		if !decode(f, &p) {
			return
		}
		rej := &RejectedError{Event: p.Code, Reason: p.Message}
		c.mu.Lock()
		c.lastErr = rej
		c.mu.Unlock()
		c.serverError.emit(rej)

	default:
		// welcome, pong, user_joined, conversation_update, message_read
	}
}

func decode(f protocol.Frame, v any) bool {
	if err := json.Unmarshal(f.Data, v); err != nil {
		zap.L().Debug("client_bad_payload", zap.String("event", f.Event), zap.Error(err))
		return false
	}
	return true
}
