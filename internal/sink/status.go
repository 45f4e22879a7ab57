package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for presence hashes.
	PresencePrefix = "presence:"

	// PresenceTTL bounds how long a presence record outlives its last update.
	PresenceTTL = 24 * time.Hour
)

// PresenceRecord is the stored presence of one identity.
type PresenceRecord struct {
	Status   string `redis:"status"`
	LastSeen int64  `redis:"last_seen"` // unix timestamp
}

// StatusStore keeps the last known status of each identity in Redis so that
// other services can show "last seen" for offline users. It only reacts to
// status changes; the other events are ignored.
type StatusStore struct {
	Nop
	client redis.Cmdable
	ttl    time.Duration
}

func NewStatusStore(client redis.Cmdable) *StatusStore {
	return &StatusStore{client: client, ttl: PresenceTTL}
}

// StatusChanged overwrites the presence hash and refreshes its TTL.
func (s *StatusStore) StatusChanged(ctx context.Context, st Status) error {
	key := PresencePrefix + st.UserID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "status", st.Status, "last_seen", st.At.Unix())
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("sink: store status %s: %w", st.UserID, err)
	}
	return nil
}

// Get returns the stored presence of an identity. A missing record returns
// redis.Nil.
func (s *StatusStore) Get(ctx context.Context, userID string) (*PresenceRecord, error) {
	res := s.client.HGetAll(ctx, PresencePrefix+userID)
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("sink: get status %s: %w", userID, err)
	}
	if len(res.Val()) == 0 {
		return nil, redis.Nil
	}

	var rec PresenceRecord
	if err := res.Scan(&rec); err != nil {
		return nil, fmt.Errorf("sink: scan status %s: %w", userID, err)
	}
	return &rec, nil
}
