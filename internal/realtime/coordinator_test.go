package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3messenger/realtime/internal/presence"
	"github.com/web3messenger/realtime/internal/protocol"
	"github.com/web3messenger/realtime/internal/sink"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type sent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type fakeEmitter struct {
	mu     sync.Mutex
	frames map[string][]sent
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{frames: make(map[string][]sent)}
}

func (f *fakeEmitter) SendMessage(sessionID string, data []byte) error {
	var s sent
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames[sessionID] = append(f.frames[sessionID], s)
	f.mu.Unlock()
	return nil
}

// events returns the event names sent to a session, in order.
func (f *fakeEmitter) events(sessionID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []string{}
	for _, s := range f.frames[sessionID] {
		out = append(out, s.Event)
	}
	return out
}

// only returns the payloads of one event sent to a session.
func (f *fakeEmitter) only(sessionID, event string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, s := range f.frames[sessionID] {
		if s.Event == event {
			out = append(out, s.Data)
		}
	}
	return out
}

func (f *fakeEmitter) reset() {
	f.mu.Lock()
	f.frames = make(map[string][]sent)
	f.mu.Unlock()
}

type recordingSink struct {
	sink.Nop
	messages []sink.Message
	payments []sink.Payment
	reads    []sink.Read
	statuses []sink.Status
}

func (r *recordingSink) MessageRouted(_ context.Context, m sink.Message) error {
	r.messages = append(r.messages, m)
	return nil
}

func (r *recordingSink) PaymentRouted(_ context.Context, p sink.Payment) error {
	r.payments = append(r.payments, p)
	return nil
}

func (r *recordingSink) MessageRead(_ context.Context, rd sink.Read) error {
	r.reads = append(r.reads, rd)
	return nil
}

func (r *recordingSink) StatusChanged(_ context.Context, s sink.Status) error {
	r.statuses = append(r.statuses, s)
	return errors.New("redis unavailable")
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	c    *Coordinator
	em   *fakeEmitter
	sink *recordingSink
	now  time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{em: newFakeEmitter(), sink: &recordingSink{}, now: testNow}
	h.c = New(DefaultConfig(), h.em,
		WithSink(h.sink),
		WithClock(func() time.Time { return h.now }),
		WithIDGenerator(func() string { return "generated-id" }),
	)
	return h
}

func (h *harness) connect(sessionID string) {
	h.c.handleConnect(sessionID)
}

func (h *harness) login(sessionID, userID string) {
	h.c.handleConnect(sessionID)
	h.c.handleMessage(sessionID, protocol.Authenticate{UserID: userID})
}

func (h *harness) send(sessionID string, msg protocol.ClientMessage) {
	h.c.handleMessage(sessionID, msg)
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func message(sender, receiver, conv, content string) protocol.SendMessage {
	return protocol.SendMessage{MessageEnvelope: protocol.MessageEnvelope{
		ID:             "m1",
		SenderID:       sender,
		ReceiverID:     receiver,
		Content:        content,
		ConversationID: conv,
	}}
}

// ---------------------------------------------------------------------------
// Test: connect and authenticate
// ---------------------------------------------------------------------------

func TestConnect_SendsWelcome(t *testing.T) {
	h := newHarness(t)
	h.connect("s1")

	require.Equal(t, []string{protocol.EventWelcome}, h.em.events("s1"))
	w := decode[protocol.Welcome](t, h.em.only("s1", protocol.EventWelcome)[0])
	assert.NotEmpty(t, w.Message)
	assert.Contains(t, w.Features, "messaging")
	assert.True(t, w.Timestamp.Equal(testNow))
	assert.Equal(t, StateConnected, h.c.sessions["s1"].State)
}

func TestAuthenticate_RegistersAndJoinsMailbox(t *testing.T) {
	h := newHarness(t)
	h.login("s1", "alice")

	s := h.c.sessions["s1"]
	assert.Equal(t, StateAuthenticated, s.State)
	assert.Equal(t, "alice", s.UserID)
	assert.Equal(t, "alice", s.WalletAddress)
	assert.True(t, h.c.rooms.IsMember("s1", presence.MailboxRoom("alice")))

	auth := decode[protocol.Authenticated](t, h.em.only("s1", protocol.EventAuthenticated)[0])
	assert.True(t, auth.Success)
	require.Len(t, h.sink.statuses, 1)
	assert.Equal(t, protocol.StatusOnline, h.sink.statuses[0].Status)
}

func TestAuthenticate_MissingUserIDFails(t *testing.T) {
	h := newHarness(t)
	h.connect("s1")
	h.send("s1", protocol.Authenticate{})

	auth := decode[protocol.Authenticated](t, h.em.only("s1", protocol.EventAuthenticated)[0])
	assert.False(t, auth.Success)
	assert.Equal(t, "userId is required", auth.Message)
	assert.Equal(t, StateConnected, h.c.sessions["s1"].State)
	assert.Equal(t, 0, h.c.registry.Count())
}

func TestRegistryScenario_LastWriterWins(t *testing.T) {
	h := newHarness(t)

	h.login("s1", "alice")
	assert.Equal(t, 1, h.c.registry.Count())

	h.login("s2", "alice")
	assert.Equal(t, 1, h.c.registry.Count())
	id, ok := h.c.registry.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "s2", id)

	h.c.handleDisconnect("s1")
	assert.Equal(t, 1, h.c.registry.Count())
	id, _ = h.c.registry.Lookup("alice")
	assert.Equal(t, "s2", id)

	h.c.handleDisconnect("s2")
	assert.Equal(t, 0, h.c.registry.Count())
}

func TestAuthenticate_OrphanedSessionLosesMailbox(t *testing.T) {
	h := newHarness(t)
	h.login("s1", "alice")
	h.login("s2", "alice")
	h.login("s3", "bob")
	h.em.reset()

	h.send("s3", message("bob", "alice", "c1", "hi"))

	assert.Len(t, h.em.only("s2", protocol.EventNewMessage), 1)
	assert.Empty(t, h.em.only("s1", protocol.EventNewMessage))
	assert.False(t, h.c.rooms.IsMember("s1", presence.MailboxRoom("alice")))
}

func TestAuthenticate_SupersededSessionLosesSendRights(t *testing.T) {
	h := newHarness(t)
	h.login("s1", "alice")
	h.send("s1", protocol.JoinConversation{ConversationID: "c1"})
	h.login("s2", "alice")
	h.login("s3", "bob")

	old := h.c.sessions["s1"]
	assert.Equal(t, StateConnected, old.State)
	assert.Empty(t, old.UserID)
	assert.Empty(t, h.c.rooms.RoomsOf("s1"))

	errs := h.em.only("s1", protocol.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.CodeUnauthenticated, decode[protocol.ServerError](t, errs[0]).Code)
	h.em.reset()

	h.send("s1", message("alice", "bob", "c1", "still me"))
	h.send("s1", protocol.UpdateStatus{Status: protocol.StatusAway})

	fails := h.em.only("s1", protocol.EventMessageError)
	require.Len(t, fails, 1)
	assert.Equal(t, "not authenticated", decode[protocol.OperationError](t, fails[0]).Error)
	assert.Len(t, h.em.only("s1", protocol.EventError), 1)
	assert.Empty(t, h.em.events("s3"))
	assert.Empty(t, h.em.events("s2"))

	// Authenticating again takes the identity back.
	h.send("s1", protocol.Authenticate{UserID: "alice"})
	id, _ := h.c.registry.Lookup("alice")
	assert.Equal(t, "s1", id)
	assert.Equal(t, StateConnected, h.c.sessions["s2"].State)
}

func TestDisconnect_SupersededSessionDoesNotTakeIdentityOffline(t *testing.T) {
	h := newHarness(t)
	h.login("s1", "alice")
	h.login("s2", "alice")
	h.login("s3", "bob")
	h.em.reset()

	h.c.handleDisconnect("s1")

	_, ok := h.c.registry.Lookup("alice")
	assert.True(t, ok)
	assert.Empty(t, h.em.only("s3", protocol.EventUserDisconnected))
}

func TestAuthenticate_SwitchingIdentityReleasesOldOne(t *testing.T) {
	h := newHarness(t)
	h.login("s1", "alice")
	h.login("s2", "carol")
	h.em.reset()

	h.send("s1", protocol.Authenticate{UserID: "bob"})

	_, ok := h.c.registry.Lookup("alice")
	assert.False(t, ok)
	id, _ := h.c.registry.Lookup("bob")
	assert.Equal(t, "s1", id)
	assert.Equal(t, []string{presence.MailboxRoom("bob")}, h.c.rooms.RoomsOf("s1"))

	gone := decode[protocol.UserDisconnected](t, h.em.only("s2", protocol.EventUserDisconnected)[0])
	assert.Equal(t, "alice", gone.UserID)
}

// ---------------------------------------------------------------------------
// Test: conversation membership
// ---------------------------------------------------------------------------

func TestJoin_NotifiesOtherMembersOnce(t *testing.T) {
	h := newHarness(t)
	h.login("s1", "alice")
	h.login("s2", "bob")
	h.send("s1", protocol.JoinConversation{ConversationID: "c1"})
	h.em.reset()

	h.send("s2", protocol.JoinConversation{ConversationID: "c1"})
	h.send("s2", protocol.JoinConversation{ConversationID: "c1"})

	joined := h.em.only("s1", protocol.EventUserJoined)
	require.Len(t, joined, 1)
	uj := decode[protocol.UserJoined](t, joined[0])
	assert.Equal(t, "bob", uj.UserID)
	assert.Equal(t, "c1", uj.ConversationID)
	assert.Empty(t, h.em.events("s2"))
	assert.Equal(t, []string{"s1", "s2"}, h.c.rooms.MembersOf(presence.ConversationRoom("c1")))
}

func TestJoin_RequiresAuthentication(t *testing.T) {
	h := newHarness(t)
	h.connect("s1")
	h.em.reset()

	h.send("s1", protocol.JoinConversation{ConversationID: "c1"})

	errs := h.em.only("s1", protocol.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.CodeUnauthenticated, decode[protocol.ServerError](t, errs[0]).Code)
	assert.Equal(t, 0, h.c.rooms.Len())
}

func TestLeave_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.login("s1", "alice")
	h.send("s1", protocol.JoinConversation{ConversationID: "c1"})
	h.em.reset()

	h.send("s1", protocol.LeaveConversation{ConversationID: "c1"})
	h.send("s1", protocol.LeaveConversation{ConversationID: "c1"})

	assert.Empty(t, h.c.rooms.MembersOf(presence.ConversationRoom("c1")))
	assert.Empty(t, h.em.events("s1"))
}

// ---------------------------------------------------------------------------
// Test: send_message
// ---------------------------------------------------------------------------

func TestSendMessage_RoutesToReceiverSenderAndRoom(t *testing.T) {
	h := newHarness(t)
	h.login("a", "alice")
	h.login("b", "bob")
	h.send("a", protocol.JoinConversation{ConversationID: "c1"})
	h.send("b", protocol.JoinConversation{ConversationID: "c1"})
	h.em.reset()

	h.send("a", message("alice", "bob", "c1", "ciphertext"))

	assert.Equal(t, []string{protocol.EventMessageSent, protocol.EventConversationUpdate}, h.em.events("a"))
	assert.Equal(t, []string{protocol.EventNewMessage, protocol.EventConversationUpdate}, h.em.events("b"))

	nm := decode[protocol.NewMessage](t, h.em.only("b", protocol.EventNewMessage)[0])
	assert.True(t, nm.IsRealTime)
	assert.Equal(t, "ciphertext", nm.Content)
	require.NotNil(t, nm.Timestamp)
	assert.True(t, nm.Timestamp.Equal(testNow))

	ms := decode[protocol.MessageSent](t, h.em.only("a", protocol.EventMessageSent)[0])
	assert.Equal(t, protocol.DeliveryDelivered, ms.Status)
	assert.Equal(t, "m1", ms.ID)

	cu := decode[protocol.ConversationUpdate](t, h.em.only("b", protocol.EventConversationUpdate)[0])
	assert.Equal(t, "c1", cu.ConversationID)
	assert.Equal(t, "ciphertext", cu.LastMessage)
	assert.Equal(t, "alice", cu.SenderID)

	require.Len(t, h.sink.messages, 1)
	assert.True(t, h.sink.messages[0].Delivered)
}

func TestSendMessage_SenderMismatchRejected(t *testing.T) {
	h := newHarness(t)
	h.login("a", "alice")
	h.login("b", "bob")
	h.send("a", protocol.JoinConversation{ConversationID: "c1"})
	h.send("b", protocol.JoinConversation{ConversationID: "c1"})
	h.em.reset()

	h.send("a", message("mallory", "bob", "c1", "hi"))

	assert.Equal(t, []string{protocol.EventMessageError}, h.em.events("a"))
	assert.Empty(t, h.em.events("b"))
	assert.Empty(t, h.sink.messages)
	assert.Equal(t, 2, h.c.registry.Count())
	assert.Len(t, h.c.rooms.MembersOf(presence.ConversationRoom("c1")), 2)
}

func TestSendMessage_MissingFieldRejected(t *testing.T) {
	h := newHarness(t)
	h.login("a", "alice")
	h.em.reset()

	msg := message("alice", "", "c1", "hi")
	h.send("a", msg)

	errs := h.em.only("a", protocol.EventMessageError)
	require.Len(t, errs, 1)
	assert.Equal(t, "receiverId is required", decode[protocol.OperationError](t, errs[0]).Error)
	assert.Len(t, h.em.events("a"), 1)
}

func TestSendMessage_UnauthenticatedRejected(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.em.reset()

	h.send("a", message("alice", "bob", "c1", "hi"))
	assert.Equal(t, []string{protocol.EventMessageError}, h.em.events("a"))
}

func TestSendMessage_OfflineReceiverIsSilent(t *testing.T) {
	h := newHarness(t)
	h.login("a", "alice")
	h.send("a", protocol.JoinConversation{ConversationID: "c1"})
	h.em.reset()

	msg := message("alice", "bob", "c1", "hi")
	msg.ID = ""
	h.send("a", msg)

	assert.Equal(t, []string{protocol.EventMessageSent, protocol.EventConversationUpdate}, h.em.events("a"))
	ms := decode[protocol.MessageSent](t, h.em.only("a", protocol.EventMessageSent)[0])
	assert.Equal(t, "generated-id", ms.ID)
	require.Len(t, h.sink.messages, 1)
	assert.False(t, h.sink.messages[0].Delivered)
}

func TestSendMessage_KeepsClientTimestamp(t *testing.T) {
	h := newHarness(t)
	h.login("a", "alice")
	h.em.reset()

	ts := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := message("alice", "bob", "c1", "hi")
	msg.Timestamp = &ts
	h.send("a", msg)

	ms := decode[protocol.MessageSent](t, h.em.only("a", protocol.EventMessageSent)[0])
	assert.True(t, ms.Timestamp.Equal(ts))
}

// ---------------------------------------------------------------------------
// Test: typing
// ---------------------------------------------------------------------------

func TestTyping_ExcludesSelf(t *testing.T) {
	h := newHarness(t)
	h.login("a", "alice")
	h.login("b", "bob")
	h.login("c", "carol")
	for _, s := range []string{"a", "b", "c"} {
		h.send(s, protocol.JoinConversation{ConversationID: "c1"})
	}
	h.em.reset()

	h.send("a", protocol.TypingStart{TypingIndicator: protocol.TypingIndicator{ConversationID: "c1", UserID: "alice"}})

	assert.Empty(t, h.em.events("a"))
	for _, s := range []string{"b", "c"} {
		got := h.em.only(s, protocol.EventUserTyping)
		require.Len(t, got, 1)
		ut := decode[protocol.UserTyping](t, got[0])
		assert.Equal(t, "alice", ut.UserID)
		assert.True(t, ut.IsTyping)
	}
	assert.Equal(t, []string{"alice"}, h.c.typing.ActiveTypers("c1"))

	h.send("a", protocol.TypingStop{TypingIndicator: protocol.TypingIndicator{ConversationID: "c1", UserID: "alice"}})
	assert.Empty(t, h.c.typing.ActiveTypers("c1"))
	assert.Len(t, h.em.only("b", protocol.EventUserTyping), 2)
}

func TestTyping_AuthenticatedSessionTypesAsItself(t *testing.T) {
	h := newHarness(t)
	h.login("a", "alice")
	h.send("a", protocol.TypingStart{TypingIndicator: protocol.TypingIndicator{ConversationID: "c1", UserID: "bob"}})

	assert.Equal(t, []string{"alice"}, h.c.typing.ActiveTypers("c1"))
}

func TestTyping_ExpiresAfterTTL(t *testing.T) {
	h := newHarness(t)
	h.login("a", "alice")
	h.login("b", "bob")
	h.send("a", protocol.JoinConversation{ConversationID: "c1"})
	h.send("b", protocol.JoinConversation{ConversationID: "c1"})
	h.send("a", protocol.TypingStart{TypingIndicator: protocol.TypingIndicator{ConversationID: "c1"}})
	h.em.reset()

	h.now = h.now.Add(5 * time.Second)
	h.c.expireTyping()
	assert.Empty(t, h.em.events("b"))

	h.now = h.now.Add(5 * time.Second)
	h.c.expireTyping()

	got := h.em.only("b", protocol.EventUserTyping)
	require.Len(t, got, 1)
	assert.False(t, decode[protocol.UserTyping](t, got[0]).IsTyping)
	assert.Empty(t, h.em.events("a"))
	assert.Empty(t, h.c.typing.ActiveTypers("c1"))
}

// ---------------------------------------------------------------------------
// Test: payments
// ---------------------------------------------------------------------------

func payment(sender, receiver string) protocol.PaymentSent {
	return protocol.PaymentSent{PaymentNotification: protocol.PaymentNotification{
		ID:       "p1",
		Sender:   sender,
		Receiver: receiver,
		Amount:   "0.5",
		Currency: "ETH",
		TxHash:   "0xabc",
	}}
}

func TestPayment_RoutesToReceiverAndConfirms(t *testing.T) {
	h := newHarness(t)
	h.connect("a")
	h.send("a", protocol.Authenticate{UserID: "alice", WalletAddress: "0xAbCd"})
	h.login("b", "0xbeef")
	h.em.reset()

	h.send("a", payment("0xabcd", "0xbeef"))

	pr := h.em.only("b", protocol.EventPaymentReceived)
	require.Len(t, pr, 1)
	got := decode[protocol.PaymentReceived](t, pr[0])
	assert.True(t, got.IsRealTime)
	assert.Equal(t, protocol.Amount("0.5"), got.Amount)

	pc := h.em.only("a", protocol.EventPaymentSentConfirmed)
	require.Len(t, pc, 1)
	assert.Equal(t, protocol.PaymentCompleted, decode[protocol.PaymentConfirmed](t, pc[0]).Status)

	require.Len(t, h.sink.payments, 1)
	assert.True(t, h.sink.payments[0].Delivered)
}

func TestPayment_SenderMismatchRejected(t *testing.T) {
	h := newHarness(t)
	h.login("a", "0xaaaa")
	h.login("b", "0xbbbb")
	h.em.reset()

	h.send("a", payment("0xbbbb", "0xbbbb"))

	assert.Equal(t, []string{protocol.EventPaymentError}, h.em.events("a"))
	assert.Empty(t, h.em.events("b"))
	assert.Empty(t, h.sink.payments)
}

func TestPayment_InvalidAmountRejected(t *testing.T) {
	h := newHarness(t)
	h.login("a", "0xaaaa")
	h.em.reset()

	p := payment("0xaaaa", "0xbbbb")
	p.Amount = "-3"
	h.send("a", p)

	errs := h.em.only("a", protocol.EventPaymentError)
	require.Len(t, errs, 1)
	assert.Contains(t, decode[protocol.OperationError](t, errs[0]).Error, "amount")
}

// ---------------------------------------------------------------------------
// Test: read receipts and status
// ---------------------------------------------------------------------------

func TestMarkAsRead_NotifiesOtherMembers(t *testing.T) {
	h := newHarness(t)
	h.login("a", "alice")
	h.login("b", "bob")
	h.send("a", protocol.JoinConversation{ConversationID: "c1"})
	h.send("b", protocol.JoinConversation{ConversationID: "c1"})
	h.em.reset()

	h.send("b", protocol.MarkAsRead{MessageID: "m1", ConversationID: "c1"})

	assert.Empty(t, h.em.events("b"))
	got := h.em.only("a", protocol.EventMessageRead)
	require.Len(t, got, 1)
	mr := decode[protocol.MessageRead](t, got[0])
	assert.Equal(t, "bob", mr.ReadBy)
	assert.Equal(t, "m1", mr.MessageID)
	require.Len(t, h.sink.reads, 1)
}

func TestUpdateStatus_GlobalBroadcast(t *testing.T) {
	h := newHarness(t)
	h.login("a", "alice")
	h.login("b", "bob")
	h.connect("anon")
	h.em.reset()

	h.send("a", protocol.UpdateStatus{Status: protocol.StatusAway})

	for _, s := range []string{"a", "b", "anon"} {
		got := h.em.only(s, protocol.EventUserStatusChanged)
		require.Len(t, got, 1, s)
		usc := decode[protocol.UserStatusChanged](t, got[0])
		assert.Equal(t, "alice", usc.UserID)
		assert.Equal(t, protocol.StatusAway, usc.Status)
	}
	assert.Equal(t, protocol.StatusAway, h.sink.statuses[len(h.sink.statuses)-1].Status)
}

func TestUpdateStatus_RequiresAuthentication(t *testing.T) {
	h := newHarness(t)
	h.connect("anon")
	h.connect("other")
	h.em.reset()

	h.send("anon", protocol.UpdateStatus{Status: protocol.StatusOnline})

	assert.Equal(t, []string{protocol.EventError}, h.em.events("anon"))
	assert.Empty(t, h.em.events("other"))
}

// ---------------------------------------------------------------------------
// Test: disconnect
// ---------------------------------------------------------------------------

func TestDisconnect_CleansUpEverything(t *testing.T) {
	h := newHarness(t)
	h.login("a", "alice")
	h.login("b", "bob")
	h.send("a", protocol.JoinConversation{ConversationID: "c1"})
	h.send("a", protocol.JoinConversation{ConversationID: "c2"})
	h.send("b", protocol.JoinConversation{ConversationID: "c1"})
	h.send("a", protocol.TypingStart{TypingIndicator: protocol.TypingIndicator{ConversationID: "c1"}})
	h.em.reset()

	h.c.handleDisconnect("a")

	assert.Empty(t, h.c.rooms.RoomsOf("a"))
	assert.Equal(t, []string{"b"}, h.c.rooms.MembersOf(presence.ConversationRoom("c1")))
	assert.Empty(t, h.c.rooms.MembersOf(presence.ConversationRoom("c2")))
	_, ok := h.c.registry.Lookup("alice")
	assert.False(t, ok)
	assert.Empty(t, h.c.typing.ActiveTypers("c1"))
	assert.NotContains(t, h.c.sessions, "a")

	assert.Equal(t, []string{protocol.EventUserTyping, protocol.EventUserDisconnected}, h.em.events("b"))
	assert.Empty(t, h.em.events("a"))
	assert.Equal(t, protocol.StatusOffline, h.sink.statuses[len(h.sink.statuses)-1].Status)
}

func TestDisconnect_UnknownSessionIsNoop(t *testing.T) {
	h := newHarness(t)
	h.login("a", "alice")
	h.em.reset()

	h.c.handleDisconnect("ghost")
	h.c.handleDisconnect("ghost")

	assert.Equal(t, 1, h.c.registry.Count())
	assert.Empty(t, h.em.events("a"))
}

func TestEventsAfterDisconnectAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.login("a", "alice")
	h.c.handleDisconnect("a")
	h.em.reset()

	h.send("a", protocol.Authenticate{UserID: "alice"})
	assert.Equal(t, 0, h.c.registry.Count())
	assert.Empty(t, h.em.events("a"))
}

// ---------------------------------------------------------------------------
// Test: event loop
// ---------------------------------------------------------------------------

func TestRun_ProcessesEventsAndQueries(t *testing.T) {
	em := newFakeEmitter()
	cfg := DefaultConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	c := New(cfg, em)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	c.Connect("s1")
	c.Receive("s1", protocol.Authenticate{UserID: "alice"})
	c.Connect("s2")
	c.Receive("s2", protocol.Authenticate{UserID: "bob"})

	count, err := c.OnlineCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	users, err := c.OnlineUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)

	online, err := c.IsOnline(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, online)

	c.Disconnect("s2")
	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Sessions: 1, Online: 1, Rooms: 1}, stats)

	assert.Equal(t, []string{protocol.EventWelcome, protocol.EventAuthenticated}, em.events("s1")[:2])

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	_, err = c.OnlineCount(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}
