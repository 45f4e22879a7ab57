// Package protocol defines the WebSocket messages exchanged between messenger
// clients and the realtime server. Every frame is a JSON object carrying an
// event name and its payload:
//
//	{"event": "send_message", "data": {...}}
//
// Inbound payloads are decoded eagerly into one concrete struct per event so
// that handlers never see loosely typed data.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	EventAuthenticate      = "authenticate"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventPaymentSent       = "payment_sent"
	EventMarkAsRead        = "mark_as_read"
	EventUpdateStatus      = "update_status"
	EventPing              = "ping"
)

// Server -> Client events.
const (
	EventWelcome              = "welcome"
	EventAuthenticated        = "authenticated"
	EventUserJoined           = "user_joined"
	EventNewMessage           = "new_message"
	EventMessageSent          = "message_sent"
	EventMessageError         = "message_error"
	EventConversationUpdate   = "conversation_update"
	EventUserTyping           = "user_typing"
	EventPaymentReceived      = "payment_received"
	EventPaymentSentConfirmed = "payment_sent_confirmed"
	EventPaymentError         = "payment_error"
	EventMessageRead          = "message_read"
	EventUserStatusChanged    = "user_status_changed"
	EventUserDisconnected     = "user_disconnected"
	EventRateLimited          = "rate_limited"
	EventError                = "error"
	EventPong                 = "pong"
)

// Presence statuses accepted by update_status.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// ErrUnknownEvent is returned by ParseClientMessage for event names the
// server does not accept.
var ErrUnknownEvent = errors.New("protocol: unknown event")

// DecodeError reports a known event whose payload has the wrong shape.
type DecodeError struct {
	Event string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: failed to decode %q payload: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Frame
// ---------------------------------------------------------------------------

// Frame is the envelope of every WebSocket text frame. Data is kept raw so
// that it can be decoded once the event name is known.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outFrame is the encoding side of Frame.
type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ParseFrame decodes the envelope of a frame without touching its payload.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: failed to unmarshal frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("protocol: missing or empty \"event\" field")
	}
	return f, nil
}

// ---------------------------------------------------------------------------
// Client -> Server messages
// ---------------------------------------------------------------------------

// ClientMessage is implemented by every inbound event variant.
type ClientMessage interface {
	EventName() string
}

// Authenticate binds the session to a user identity. WalletAddress is the
// externally verified address that payment notifications must originate
// from; when empty the user id is used.
type Authenticate struct {
	UserID        string `json:"userId" validate:"required"`
	WalletAddress string `json:"walletAddress,omitempty"`
}

func (Authenticate) EventName() string { return EventAuthenticate }

// JoinConversation subscribes the session to a conversation room. On the
// wire the payload is the bare conversation id; an object with a
// conversationId field is accepted as well.
type JoinConversation struct {
	ConversationID string `validate:"required"`
}

func (JoinConversation) EventName() string { return EventJoinConversation }

func (j *JoinConversation) UnmarshalJSON(data []byte) error {
	id, err := decodeConversationID(data)
	j.ConversationID = id
	return err
}

func (j JoinConversation) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.ConversationID)
}

// LeaveConversation unsubscribes the session from a conversation room. It
// accepts the same payload shapes as JoinConversation.
type LeaveConversation struct {
	ConversationID string `validate:"required"`
}

func (LeaveConversation) EventName() string { return EventLeaveConversation }

func (l *LeaveConversation) UnmarshalJSON(data []byte) error {
	id, err := decodeConversationID(data)
	l.ConversationID = id
	return err
}

func (l LeaveConversation) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.ConversationID)
}

// MessageEnvelope is the routing record of a chat message. Content is opaque
// to the server: it may be ciphertext or plain text.
type MessageEnvelope struct {
	ID             string     `json:"id"`
	SenderID       string     `json:"senderId" validate:"required"`
	ReceiverID     string     `json:"receiverId" validate:"required"`
	Content        string     `json:"content" validate:"required"`
	ConversationID string     `json:"conversationId" validate:"required"`
	Encrypted      bool       `json:"encrypted"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
}

// SendMessage carries a message envelope from its sender.
type SendMessage struct {
	MessageEnvelope
}

func (SendMessage) EventName() string { return EventSendMessage }

// TypingIndicator is the payload shared by typing_start and typing_stop.
type TypingIndicator struct {
	ConversationID string `json:"conversationId" validate:"required"`
	UserID         string `json:"userId,omitempty"`
}

// TypingStart marks the user as composing in a conversation.
type TypingStart struct {
	TypingIndicator
}

func (TypingStart) EventName() string { return EventTypingStart }

// TypingStop clears the composing mark.
type TypingStop struct {
	TypingIndicator
}

func (TypingStop) EventName() string { return EventTypingStop }

// PaymentNotification relays an already submitted on-chain transfer. Sender
// and Receiver are wallet addresses.
type PaymentNotification struct {
	ID        string     `json:"id"`
	Sender    string     `json:"sender" validate:"required"`
	Receiver  string     `json:"receiver" validate:"required"`
	Amount    Amount     `json:"amount" validate:"required,amount"`
	Currency  string     `json:"currency" validate:"required"`
	TxHash    string     `json:"txHash" validate:"required"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// PaymentSent is published by the paying client after its transaction was
// submitted.
type PaymentSent struct {
	PaymentNotification
}

func (PaymentSent) EventName() string { return EventPaymentSent }

// MarkAsRead acknowledges a message in a conversation.
type MarkAsRead struct {
	MessageID      string `json:"messageId" validate:"required"`
	ConversationID string `json:"conversationId" validate:"required"`
}

func (MarkAsRead) EventName() string { return EventMarkAsRead }

// UpdateStatus changes the user's presence status.
type UpdateStatus struct {
	Status string `json:"status" validate:"required,oneof=online away offline"`
}

func (UpdateStatus) EventName() string { return EventUpdateStatus }

// Ping is an application level keepalive.
type Ping struct{}

func (Ping) EventName() string { return EventPing }

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage decodes a raw frame into its typed client message.
// Unknown events wrap ErrUnknownEvent and payloads of the wrong shape return a
// *DecodeError naming the event. Only the shape is checked here; field
// rules are enforced by Validate so handlers can answer with the event
// specific error.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	f, err := ParseFrame(data)
	if err != nil {
		return nil, err
	}

	var msg ClientMessage
	switch f.Event {
	case EventAuthenticate:
		var m Authenticate
		err = decodeData(f.Data, &m)
		msg = m
	case EventJoinConversation:
		var m JoinConversation
		err = decodeData(f.Data, &m)
		msg = m
	case EventLeaveConversation:
		var m LeaveConversation
		err = decodeData(f.Data, &m)
		msg = m
	case EventSendMessage:
		var m SendMessage
		err = decodeData(f.Data, &m)
		msg = m
	case EventTypingStart:
		var m TypingStart
		err = decodeData(f.Data, &m)
		msg = m
	case EventTypingStop:
		var m TypingStop
		err = decodeData(f.Data, &m)
		msg = m
	case EventPaymentSent:
		var m PaymentSent
		err = decodeData(f.Data, &m)
		msg = m
	case EventMarkAsRead:
		var m MarkAsRead
		err = decodeData(f.Data, &m)
		msg = m
	case EventUpdateStatus:
		var m UpdateStatus
		err = decodeData(f.Data, &m)
		msg = m
	case EventPing:
		msg = Ping{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}

	if err != nil {
		return nil, &DecodeError{Event: f.Event, Err: err}
	}
	return msg, nil
}

// NewClientMessage encodes a client message into a frame.
func NewClientMessage(msg ClientMessage) ([]byte, error) {
	out, err := json.Marshal(outFrame{Event: msg.EventName(), Data: msg})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q: %w", msg.EventName(), err)
	}
	return out, nil
}

// NewServerMessage encodes an outbound event and its payload into a frame.
func NewServerMessage(event string, payload any) ([]byte, error) {
	out, err := json.Marshal(outFrame{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// decodeData unmarshals a payload; an absent or null payload leaves v zero.
func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func decodeConversationID(data []byte) (string, error) {
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return "", err
		}
		return id, nil
	}
	var obj struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", err
	}
	return obj.ConversationID, nil
}
