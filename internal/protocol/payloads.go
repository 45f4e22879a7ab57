package protocol

import "time"

// Error codes carried by the generic error event.
const (
	CodeBadFrame        = "bad_frame"
	CodeUnknownEvent    = "unknown_event"
	CodeInvalidPayload  = "invalid_payload"
	CodeUnauthenticated = "unauthenticated"
	CodeInternal        = "internal"
)

// Delivery statuses echoed back to senders.
const (
	DeliveryDelivered = "delivered"
	PaymentCompleted  = "completed"
)

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// Welcome is sent once per new transport connection.
type Welcome struct {
	Message   string    `json:"message"`
	Features  []string  `json:"features"`
	Timestamp time.Time `json:"timestamp"`
}

// Authenticated answers an authenticate request.
type Authenticated struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// UserJoined tells conversation members that a user joined the room.
type UserJoined struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewMessage delivers a routed message to its receiver.
type NewMessage struct {
	MessageEnvelope
	IsRealTime bool `json:"isRealTime"`
}

// MessageSent confirms delivery to the sender.
type MessageSent struct {
	MessageEnvelope
	Status string `json:"status"`
}

// OperationError is the payload of message_error and payment_error.
type OperationError struct {
	Error string `json:"error"`
}

// ConversationUpdate is the last-message summary fanned out to a
// conversation room.
type ConversationUpdate struct {
	ConversationID string    `json:"conversationId"`
	LastMessage    string    `json:"lastMessage"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	SenderID       string    `json:"senderId"`
}

// UserTyping announces a typing state change to a conversation room.
type UserTyping struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// PaymentReceived delivers a payment notification to its receiver.
type PaymentReceived struct {
	PaymentNotification
	IsRealTime bool `json:"isRealTime"`
}

// PaymentConfirmed confirms a relayed payment to its sender.
type PaymentConfirmed struct {
	PaymentNotification
	Status string `json:"status"`
}

// MessageRead tells the room a message was read.
type MessageRead struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	ReadBy         string    `json:"readBy"`
	ReadAt         time.Time `json:"readAt"`
}

// UserStatusChanged is broadcast to every session after update_status.
type UserStatusChanged struct {
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// UserDisconnected is broadcast when an identity goes offline.
type UserDisconnected struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerError reports a frame the server could not act on.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Pong answers ping.
type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

// RateLimited tells the client that an event was dropped and when the
// window reopens.
type RateLimited struct {
	Event      string `json:"event"`
	RetryAfter int    `json:"retryAfter"` // seconds
}
