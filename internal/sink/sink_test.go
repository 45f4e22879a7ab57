package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3messenger/realtime/internal/messaging"
)

type recordingSink struct {
	Nop
	mu       sync.Mutex
	messages []Message
	statuses []Status
	err      error
	block    chan struct{}
}

func (r *recordingSink) MessageRouted(_ context.Context, m Message) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
	return r.err
}

func (r *recordingSink) StatusChanged(_ context.Context, s Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
	return r.err
}

// ---------------------------------------------------------------------------
// Async
// ---------------------------------------------------------------------------

func TestAsync_DeliversInOrder(t *testing.T) {
	rec := &recordingSink{}
	a := NewAsync(rec, 16, time.Second)

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, a.MessageRouted(context.Background(), Message{ID: id}))
	}
	a.Close()

	require.Len(t, rec.messages, 3)
	assert.Equal(t, "m1", rec.messages[0].ID)
	assert.Equal(t, "m3", rec.messages[2].ID)
}

func TestAsync_DropsWhenFull(t *testing.T) {
	rec := &recordingSink{block: make(chan struct{})}
	a := NewAsync(rec, 1, time.Second)

	// The worker takes the first job and blocks; the second fills the queue.
	require.NoError(t, a.MessageRouted(context.Background(), Message{ID: "m1"}))
	require.Eventually(t, func() bool { return len(a.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, a.MessageRouted(context.Background(), Message{ID: "m2"}))
	require.NoError(t, a.MessageRouted(context.Background(), Message{ID: "m3"}))

	close(rec.block)
	a.Close()

	ids := make([]string, 0, len(rec.messages))
	for _, m := range rec.messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m1", "m2"}, ids)
}

func TestAsync_ErrorsDoNotStopWorker(t *testing.T) {
	rec := &recordingSink{err: errors.New("db down")}
	a := NewAsync(rec, 4, time.Second)

	a.StatusChanged(context.Background(), Status{UserID: "alice", Status: "online"})
	a.StatusChanged(context.Background(), Status{UserID: "alice", Status: "offline"})
	a.Close()

	assert.Len(t, rec.statuses, 2)
}

func TestAsync_CallsAfterCloseAreDropped(t *testing.T) {
	rec := &recordingSink{}
	a := NewAsync(rec, 4, time.Second)
	a.Close()
	a.Close()

	assert.NotPanics(t, func() {
		a.MessageRouted(context.Background(), Message{ID: "late"})
	})
	assert.Empty(t, rec.messages)
}

// ---------------------------------------------------------------------------
// Multi
// ---------------------------------------------------------------------------

func TestMulti_CallsEverySinkAndJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("boom")}
	m := Multi{bad, ok}

	err := m.MessageRouted(context.Background(), Message{ID: "m1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, ok.messages, 1)
	assert.Len(t, bad.messages, 1)
}

// ---------------------------------------------------------------------------
// Bus
// ---------------------------------------------------------------------------

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return f.err
}

func TestBus_PublishesOnSubjects(t *testing.T) {
	pub := &fakePublisher{}
	b := NewBus(pub)
	ctx := context.Background()

	require.NoError(t, b.MessageRouted(ctx, Message{ID: "m1", ConversationID: "c1"}))
	require.NoError(t, b.PaymentRouted(ctx, Payment{ID: "p1", Amount: "1.5"}))
	require.NoError(t, b.MessageRead(ctx, Read{MessageID: "m1"}))
	require.NoError(t, b.StatusChanged(ctx, Status{UserID: "alice", Status: "away"}))

	assert.Equal(t, []string{
		messaging.SubjectMessage,
		messaging.SubjectPayment,
		messaging.SubjectRead,
		messaging.SubjectStatus,
	}, pub.subjects)

	var p Payment
	require.NoError(t, json.Unmarshal(pub.payloads[1], &p))
	assert.Equal(t, "1.5", p.Amount)
}

func TestBus_WrapsPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	err := NewBus(pub).StatusChanged(context.Background(), Status{UserID: "alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), messaging.SubjectStatus)
}

// ---------------------------------------------------------------------------
// StatusStore
// ---------------------------------------------------------------------------

func TestStatusStore_StatusChanged(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewStatusStore(db)

	at := time.Unix(1_700_000_000, 0)
	mock.ExpectHSet("presence:alice", "status", "online", "last_seen", at.Unix()).SetVal(2)
	mock.ExpectExpire("presence:alice", PresenceTTL).SetVal(true)

	err := store.StatusChanged(context.Background(), Status{UserID: "alice", Status: "online", At: at})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusStore_Get(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewStatusStore(db)

	mock.ExpectHGetAll("presence:alice").SetVal(map[string]string{
		"status":    "away",
		"last_seen": "1700000000",
	})
	rec, err := store.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "away", rec.Status)
	assert.Equal(t, int64(1_700_000_000), rec.LastSeen)

	mock.ExpectHGetAll("presence:bob").SetVal(map[string]string{})
	_, err = store.Get(context.Background(), "bob")
	assert.True(t, errors.Is(err, redis.Nil))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusStore_IgnoresOtherEvents(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewStatusStore(db)

	require.NoError(t, store.MessageRouted(context.Background(), Message{ID: "m1"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
