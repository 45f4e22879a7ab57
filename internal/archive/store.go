// Package archive persists messenger bus events in PostgreSQL. The realtime
// server never reads from it; it is the durable record of routed messages,
// payments, read receipts and presence changes.
package archive

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // postgres driver

	"github.com/web3messenger/realtime/internal/sink"
)

// Store writes archived events to PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new archive store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL with the given DSN and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	return db, nil
}

// InsertMessage archives a routed message. Redelivered messages are ignored.
func (s *Store) InsertMessage(ctx context.Context, m sink.Message) error {
	const query = `
		INSERT INTO archived_messages (id, conversation_id, sender_id, receiver_id, content, encrypted, delivered, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		m.ID,
		m.ConversationID,
		m.SenderID,
		m.ReceiverID,
		m.Content,
		m.Encrypted,
		m.Delivered,
		m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("archive: insert message: %w", err)
	}
	return nil
}

// InsertPayment archives a relayed payment notification. The amount is
// stored as NUMERIC from its decimal string.
func (s *Store) InsertPayment(ctx context.Context, p sink.Payment) error {
	const query = `
		INSERT INTO archived_payments (id, sender, receiver, amount, currency, tx_hash, delivered, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		p.ID,
		p.Sender,
		p.Receiver,
		p.Amount,
		p.Currency,
		p.TxHash,
		p.Delivered,
		p.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("archive: insert payment: %w", err)
	}
	return nil
}

// InsertRead archives a read receipt. The first receipt per reader wins.
func (s *Store) InsertRead(ctx context.Context, r sink.Read) error {
	const query = `
		INSERT INTO read_receipts (message_id, conversation_id, read_by, read_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, read_by) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query, r.MessageID, r.ConversationID, r.ReadBy, r.ReadAt)
	if err != nil {
		return fmt.Errorf("archive: insert read: %w", err)
	}
	return nil
}

// InsertStatus appends a presence change.
func (s *Store) InsertStatus(ctx context.Context, st sink.Status) error {
	const query = `
		INSERT INTO status_events (user_id, status, changed_at)
		VALUES ($1, $2, $3)`

	_, err := s.db.ExecContext(ctx, query, st.UserID, st.Status, st.At)
	if err != nil {
		return fmt.Errorf("archive: insert status: %w", err)
	}
	return nil
}
