package realtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/web3messenger/realtime/internal/metrics"
	"github.com/web3messenger/realtime/internal/presence"
	"github.com/web3messenger/realtime/internal/protocol"
	"github.com/web3messenger/realtime/internal/sink"
)

var welcomeFeatures = []string{
	"messaging",
	"payments",
	"typing_indicators",
	"read_receipts",
	"presence",
}

func (c *Coordinator) handleConnect(sessionID string) {
	if _, exists := c.sessions[sessionID]; exists {
		return
	}
	now := c.now()
	c.sessions[sessionID] = &Session{
		ID:          sessionID,
		State:       StateConnected,
		ConnectedAt: now,
	}
	c.emit(sessionID, protocol.EventWelcome, protocol.Welcome{
		Message:   "Connected to Web3 Messenger",
		Features:  welcomeFeatures,
		Timestamp: now,
	})
}

func (c *Coordinator) handleMessage(sessionID string, msg protocol.ClientMessage) {
	s, ok := c.sessions[sessionID]
	if !ok || s.State == StateClosed {
		zap.L().Debug("event_for_unknown_session",
			zap.String("session", sessionID),
			zap.String("event", msg.EventName()))
		return
	}

	event := msg.EventName()
	start := time.Now()
	defer func() {
		metrics.HandlerDuration.WithLabelValues(event).Observe(time.Since(start).Seconds())
	}()
	metrics.EventsTotal.WithLabelValues(event).Inc()

	switch m := msg.(type) {
	case protocol.Authenticate:
		c.handleAuthenticate(s, m)
	case protocol.JoinConversation:
		c.handleJoin(s, m)
	case protocol.LeaveConversation:
		c.handleLeave(s, m)
	case protocol.SendMessage:
		c.handleSendMessage(s, m)
	case protocol.TypingStart:
		c.handleTyping(s, m.TypingIndicator, true)
	case protocol.TypingStop:
		c.handleTyping(s, m.TypingIndicator, false)
	case protocol.PaymentSent:
		c.handlePayment(s, m)
	case protocol.MarkAsRead:
		c.handleMarkAsRead(s, m)
	case protocol.UpdateStatus:
		c.handleUpdateStatus(s, m)
	case protocol.Ping:
		c.emit(s.ID, protocol.EventPong, protocol.Pong{Timestamp: c.now()})
	default:
		c.reject(s, event, protocol.CodeUnknownEvent, fmt.Sprintf("unsupported event %q", event))
	}
}

// reject answers an event that failed a precondition with the generic error
// event.
func (c *Coordinator) reject(s *Session, event, code, message string) {
	metrics.ValidationErrors.WithLabelValues(event).Inc()
	c.emit(s.ID, protocol.EventError, protocol.ServerError{Code: code, Message: message})
}

// ---------------------------------------------------------------------------
// authenticate
// ---------------------------------------------------------------------------

func (c *Coordinator) handleAuthenticate(s *Session, m protocol.Authenticate) {
	if err := protocol.Validate(m); err != nil {
		metrics.ValidationErrors.WithLabelValues(protocol.EventAuthenticate).Inc()
		c.emit(s.ID, protocol.EventAuthenticated, protocol.Authenticated{
			Success:   false,
			Message:   err.Error(),
			Timestamp: c.now(),
		})
		return
	}

	// Switching identity on the same connection releases the old one.
	if s.authenticated() && s.UserID != m.UserID {
		c.rooms.Leave(s.ID, presence.MailboxRoom(s.UserID))
		c.releaseIdentity(s)
	}

	// Last writer wins: an older session for the same identity keeps its
	// connection but drops back to Connected and must authenticate again.
	prev, wasOnline := c.registry.Lookup(m.UserID)
	if wasOnline && prev != s.ID {
		c.supersede(prev, m.UserID)
		zap.L().Info("session_superseded",
			zap.String("user", m.UserID),
			zap.String("previous", prev),
			zap.String("session", s.ID))
	}

	c.registry.Register(m.UserID, s.ID)
	s.State = StateAuthenticated
	s.UserID = m.UserID
	s.WalletAddress = m.WalletAddress
	if s.WalletAddress == "" {
		s.WalletAddress = m.UserID
	}
	c.rooms.Join(s.ID, presence.MailboxRoom(m.UserID))
	metrics.OnlineUsers.Set(float64(c.registry.Count()))

	c.emit(s.ID, protocol.EventAuthenticated, protocol.Authenticated{
		Success:   true,
		Message:   "Authenticated as " + m.UserID,
		Timestamp: c.now(),
	})

	if !wasOnline {
		c.adviseStatus(m.UserID, protocol.StatusOnline)
	}
	zap.L().Debug("session_authenticated", zap.String("session", s.ID), zap.String("user", m.UserID))
}

// ---------------------------------------------------------------------------
// join / leave
// ---------------------------------------------------------------------------

func (c *Coordinator) handleJoin(s *Session, m protocol.JoinConversation) {
	if !s.authenticated() {
		c.reject(s, protocol.EventJoinConversation, protocol.CodeUnauthenticated,
			"authenticate before joining a conversation")
		return
	}
	if err := protocol.Validate(m); err != nil {
		c.reject(s, protocol.EventJoinConversation, protocol.CodeInvalidPayload, err.Error())
		return
	}

	room := presence.ConversationRoom(m.ConversationID)
	if !c.rooms.Join(s.ID, room) {
		return
	}
	c.emitRoom(room, s.ID, protocol.EventUserJoined, protocol.UserJoined{
		UserID:         s.UserID,
		ConversationID: m.ConversationID,
		Timestamp:      c.now(),
	})
}

func (c *Coordinator) handleLeave(s *Session, m protocol.LeaveConversation) {
	if err := protocol.Validate(m); err != nil {
		c.reject(s, protocol.EventLeaveConversation, protocol.CodeInvalidPayload, err.Error())
		return
	}
	c.rooms.Leave(s.ID, presence.ConversationRoom(m.ConversationID))
}

// ---------------------------------------------------------------------------
// send_message
// ---------------------------------------------------------------------------

func (c *Coordinator) handleSendMessage(s *Session, m protocol.SendMessage) {
	fail := func(reason string) {
		metrics.ValidationErrors.WithLabelValues(protocol.EventSendMessage).Inc()
		c.emit(s.ID, protocol.EventMessageError, protocol.OperationError{Error: reason})
	}

	if !s.authenticated() {
		fail("not authenticated")
		return
	}
	if err := protocol.Validate(m); err != nil {
		fail(err.Error())
		return
	}
	if err := protocol.ValidateContent(m.Content); err != nil {
		fail(err.Error())
		return
	}
	if m.SenderID != s.UserID {
		fail("senderId does not match the authenticated user")
		return
	}

	env := m.MessageEnvelope
	if env.ID == "" {
		env.ID = c.newID()
	}
	if env.Timestamp == nil {
		ts := c.now()
		env.Timestamp = &ts
	}

	receiver, online := c.registry.Lookup(env.ReceiverID)
	if online {
		c.emit(receiver, protocol.EventNewMessage, protocol.NewMessage{
			MessageEnvelope: env,
			IsRealTime:      true,
		})
	} else {
		metrics.RoutingMisses.WithLabelValues("message").Inc()
	}

	c.emit(s.ID, protocol.EventMessageSent, protocol.MessageSent{
		MessageEnvelope: env,
		Status:          protocol.DeliveryDelivered,
	})

	c.emitRoom(presence.ConversationRoom(env.ConversationID), "", protocol.EventConversationUpdate,
		protocol.ConversationUpdate{
			ConversationID: env.ConversationID,
			LastMessage:    env.Content,
			LastMessageAt:  *env.Timestamp,
			SenderID:       env.SenderID,
		})

	rec := sink.Message{
		ID:             env.ID,
		ConversationID: env.ConversationID,
		SenderID:       env.SenderID,
		ReceiverID:     env.ReceiverID,
		Content:        env.Content,
		Encrypted:      env.Encrypted,
		Timestamp:      *env.Timestamp,
		Delivered:      online,
	}
	c.advise("message", func(ctx context.Context) error { return c.sink.MessageRouted(ctx, rec) })
}

// ---------------------------------------------------------------------------
// typing_start / typing_stop
// ---------------------------------------------------------------------------

func (c *Coordinator) handleTyping(s *Session, m protocol.TypingIndicator, typing bool) {
	event := protocol.EventTypingStop
	if typing {
		event = protocol.EventTypingStart
	}
	if err := protocol.Validate(protocol.TypingStart{TypingIndicator: m}); err != nil {
		c.reject(s, event, protocol.CodeInvalidPayload, err.Error())
		return
	}

	// An authenticated session can only type as itself.
	userID := m.UserID
	if s.authenticated() {
		userID = s.UserID
	}
	if userID == "" {
		c.reject(s, event, protocol.CodeInvalidPayload, "userId is required")
		return
	}

	if typing {
		c.typing.Start(m.ConversationID, userID)
	} else {
		c.typing.Stop(m.ConversationID, userID)
	}
	c.emitRoom(presence.ConversationRoom(m.ConversationID), s.ID, protocol.EventUserTyping, protocol.UserTyping{
		UserID:         userID,
		ConversationID: m.ConversationID,
		IsTyping:       typing,
	})
}

// expireTyping clears indicators whose owner stopped refreshing them.
func (c *Coordinator) expireTyping() {
	for _, e := range c.typing.Expire(c.cfg.TypingTTL) {
		owner, _ := c.registry.Lookup(e.UserID)
		c.emitRoom(presence.ConversationRoom(e.ConversationID), owner, protocol.EventUserTyping, protocol.UserTyping{
			UserID:         e.UserID,
			ConversationID: e.ConversationID,
			IsTyping:       false,
		})
	}
}

// ---------------------------------------------------------------------------
// payment_sent
// ---------------------------------------------------------------------------

func (c *Coordinator) handlePayment(s *Session, m protocol.PaymentSent) {
	fail := func(reason string) {
		metrics.ValidationErrors.WithLabelValues(protocol.EventPaymentSent).Inc()
		c.emit(s.ID, protocol.EventPaymentError, protocol.OperationError{Error: reason})
	}

	if !s.authenticated() {
		fail("not authenticated")
		return
	}
	if err := protocol.Validate(m); err != nil {
		fail(err.Error())
		return
	}
	// Wallet addresses are hex and compared case-insensitively.
	if !strings.EqualFold(m.Sender, s.WalletAddress) {
		fail("sender does not match the authenticated wallet")
		return
	}

	n := m.PaymentNotification
	if n.ID == "" {
		n.ID = c.newID()
	}
	if n.Timestamp == nil {
		ts := c.now()
		n.Timestamp = &ts
	}

	receiver, online := c.registry.Lookup(n.Receiver)
	if online {
		c.emit(receiver, protocol.EventPaymentReceived, protocol.PaymentReceived{
			PaymentNotification: n,
			IsRealTime:          true,
		})
	} else {
		metrics.RoutingMisses.WithLabelValues("payment").Inc()
	}

	c.emit(s.ID, protocol.EventPaymentSentConfirmed, protocol.PaymentConfirmed{
		PaymentNotification: n,
		Status:              protocol.PaymentCompleted,
	})

	rec := sink.Payment{
		ID:        n.ID,
		Sender:    n.Sender,
		Receiver:  n.Receiver,
		Amount:    n.Amount.String(),
		Currency:  n.Currency,
		TxHash:    n.TxHash,
		Timestamp: *n.Timestamp,
		Delivered: online,
	}
	c.advise("payment", func(ctx context.Context) error { return c.sink.PaymentRouted(ctx, rec) })
}

// ---------------------------------------------------------------------------
// mark_as_read / update_status
// ---------------------------------------------------------------------------

func (c *Coordinator) handleMarkAsRead(s *Session, m protocol.MarkAsRead) {
	if err := protocol.Validate(m); err != nil {
		c.reject(s, protocol.EventMarkAsRead, protocol.CodeInvalidPayload, err.Error())
		return
	}

	read := protocol.MessageRead{
		MessageID:      m.MessageID,
		ConversationID: m.ConversationID,
		ReadBy:         s.UserID,
		ReadAt:         c.now(),
	}
	c.emitRoom(presence.ConversationRoom(m.ConversationID), s.ID, protocol.EventMessageRead, read)

	if s.UserID == "" {
		return
	}
	rec := sink.Read{
		MessageID:      read.MessageID,
		ConversationID: read.ConversationID,
		ReadBy:         read.ReadBy,
		ReadAt:         read.ReadAt,
	}
	c.advise("read", func(ctx context.Context) error { return c.sink.MessageRead(ctx, rec) })
}

func (c *Coordinator) handleUpdateStatus(s *Session, m protocol.UpdateStatus) {
	if !s.authenticated() {
		c.reject(s, protocol.EventUpdateStatus, protocol.CodeUnauthenticated,
			"authenticate before updating status")
		return
	}
	if err := protocol.Validate(m); err != nil {
		c.reject(s, protocol.EventUpdateStatus, protocol.CodeInvalidPayload, err.Error())
		return
	}

	// Global broadcast: every connected session, the sender included.
	c.broadcast("", protocol.EventUserStatusChanged, protocol.UserStatusChanged{
		UserID:    s.UserID,
		Status:    m.Status,
		Timestamp: c.now(),
	})
	c.adviseStatus(s.UserID, m.Status)
}

// ---------------------------------------------------------------------------
// disconnect
// ---------------------------------------------------------------------------

// handleDisconnect tears down a session. user_disconnected is broadcast only
// when the closing session still owns its identity; a superseded session has
// no identity left and closes silently.
func (c *Coordinator) handleDisconnect(sessionID string) {
	s, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	delete(c.sessions, sessionID)
	s.State = StateClosed
	c.rooms.RemoveSession(sessionID)

	if s.UserID != "" {
		c.releaseIdentity(s)
	}
	zap.L().Debug("session_closed", zap.String("session", sessionID), zap.String("user", s.UserID))
}

// supersede demotes the session that owned userID before a newer session
// claimed it. It leaves every room so it no longer receives the identity's
// traffic.
func (c *Coordinator) supersede(sessionID, userID string) {
	c.rooms.RemoveSession(sessionID)
	old, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	old.State = StateConnected
	old.UserID = ""
	old.WalletAddress = ""
	c.emit(sessionID, protocol.EventError, protocol.ServerError{
		Code:    protocol.CodeUnauthenticated,
		Message: userID + " signed in from another session",
	})
}

// releaseIdentity takes s.UserID offline if s is still the session the
// registry maps it to. An orphaned session releases nothing.
func (c *Coordinator) releaseIdentity(s *Session) {
	userID := s.UserID
	if owner, ok := c.registry.Lookup(userID); !ok || owner != s.ID {
		return
	}
	c.registry.Unregister(userID)
	metrics.OnlineUsers.Set(float64(c.registry.Count()))

	for _, e := range c.typing.RemoveUser(userID) {
		c.emitRoom(presence.ConversationRoom(e.ConversationID), s.ID, protocol.EventUserTyping, protocol.UserTyping{
			UserID:         userID,
			ConversationID: e.ConversationID,
			IsTyping:       false,
		})
	}

	c.broadcast(s.ID, protocol.EventUserDisconnected, protocol.UserDisconnected{
		UserID:    userID,
		Timestamp: c.now(),
	})
	c.adviseStatus(userID, protocol.StatusOffline)
}
