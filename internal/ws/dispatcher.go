package ws

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/web3messenger/realtime/internal/metrics"
	"github.com/web3messenger/realtime/internal/protocol"
	"github.com/web3messenger/realtime/internal/ratelimit"
)

// EventHandler consumes decoded client events. The realtime coordinator
// implements it.
type EventHandler interface {
	Receive(sessionID string, msg protocol.ClientMessage)
}

// limitTimeout bounds a rate limit lookup on the read path.
const limitTimeout = 500 * time.Millisecond

// limitedEvents maps throttled events to their rule.
var limitedEvents = map[string]ratelimit.Rule{
	protocol.EventSendMessage: ratelimit.RuleMessage,
	protocol.EventPaymentSent: ratelimit.RulePayment,
}

// operationErrors maps events whose failures are answered with a dedicated
// error event instead of the generic one.
var operationErrors = map[string]string{
	protocol.EventSendMessage: protocol.EventMessageError,
	protocol.EventPaymentSent: protocol.EventPaymentError,
}

// MessageDispatcher decodes incoming WebSocket frames and hands them to the
// event handler. It answers the ping keepalive itself, throttles expensive
// events, and sends structured error responses for malformed or unsupported
// frames.
type MessageDispatcher struct {
	handler EventHandler
	server  *Server
	limiter Limiter
}

// NewMessageDispatcher creates a MessageDispatcher that forwards events to
// handler.
func NewMessageDispatcher(handler EventHandler) *MessageDispatcher {
	return &MessageDispatcher{handler: handler}
}

// SetServer assigns the Server reference on the dispatcher. This supports the
// initialization pattern where the dispatcher is created before the server
// (since NewServer requires the Dispatch callback).
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// SetHandler replaces the event handler.
func (d *MessageDispatcher) SetHandler(handler EventHandler) {
	d.handler = handler
}

// SetLimiter enables per-session throttling of message and payment relays.
func (d *MessageDispatcher) SetLimiter(l Limiter) {
	d.limiter = l
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and forwards everything else
// to the handler in the order frames were read.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		zap.L().Debug("dispatch_parse_error", zap.String("session", conn.ID), zap.Error(err))
		if errors.Is(err, protocol.ErrUnknownEvent) {
			metrics.ValidationErrors.WithLabelValues("unknown").Inc()
			d.sendError(conn, protocol.CodeUnknownEvent, err.Error())
			return
		}
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			if event, ok := operationErrors[de.Event]; ok {
				metrics.ValidationErrors.WithLabelValues(de.Event).Inc()
				d.send(conn, event, protocol.OperationError{Error: "invalid payload"})
				return
			}
		}
		metrics.ValidationErrors.WithLabelValues("malformed").Inc()
		d.sendError(conn, protocol.CodeBadFrame, "invalid message format")
		return
	}

	// Built-in ping handler: respond immediately without involving the
	// coordinator.
	if _, ok := msg.(protocol.Ping); ok {
		d.send(conn, protocol.EventPong, protocol.Pong{Timestamp: time.Now()})
		return
	}

	if rule, limited := limitedEvents[msg.EventName()]; limited && d.limiter != nil {
		if !d.allow(conn, msg.EventName(), rule) {
			return
		}
	}

	if d.handler == nil {
		zap.L().Warn("dispatch_without_handler", zap.String("event", msg.EventName()))
		return
	}
	d.handler.Receive(conn.ID, msg)
}

func (d *MessageDispatcher) allow(conn *Connection, event string, rule ratelimit.Rule) bool {
	ctx, cancel := context.WithTimeout(context.Background(), limitTimeout)
	defer cancel()

	allowed, _ := d.limiter.Allow(ctx, conn.ID, rule)
	if allowed {
		return true
	}

	metrics.RateLimited.WithLabelValues(event).Inc()
	retry := d.limiter.RetryAfter(ctx, conn.ID, rule)
	d.send(conn, protocol.EventRateLimited, protocol.RateLimited{
		Event:      event,
		RetryAfter: int((retry + time.Second - 1) / time.Second),
	})
	return false
}

// sendError sends a structured error message back to the client.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	d.send(conn, protocol.EventError, protocol.ServerError{
		Code:    code,
		Message: message,
	})
}

// send encodes and writes one event. Failures are logged but not propagated.
func (d *MessageDispatcher) send(conn *Connection, event string, payload any) {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		zap.L().Error("encode_failed", zap.String("event", event), zap.Error(err))
		return
	}
	if d.server == nil {
		return
	}
	if err := d.server.SendMessage(conn.ID, data); err != nil {
		zap.L().Debug("dispatch_send_failed",
			zap.String("session", conn.ID),
			zap.String("event", event),
			zap.Error(err))
	}
}
