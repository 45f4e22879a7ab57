package presence

import (
	"sort"
	"time"
)

// Entry identifies one user typing in one conversation.
type Entry struct {
	ConversationID string
	UserID         string
}

// Typing tracks who is composing in which conversation. Each entry remembers
// when it was last started so stale indicators can be expired.
type Typing struct {
	now     func() time.Time
	entries map[string]map[string]time.Time // conversation -> user -> last start
}

// NewTyping returns an empty tracker. A nil clock defaults to time.Now.
func NewTyping(clock func() time.Time) *Typing {
	if clock == nil {
		clock = time.Now
	}
	return &Typing{
		now:     clock,
		entries: make(map[string]map[string]time.Time),
	}
}

// Start marks userID as typing in conversationID and refreshes its expiry.
// It reports whether the entry is new.
func (t *Typing) Start(conversationID, userID string) bool {
	users, ok := t.entries[conversationID]
	if !ok {
		users = make(map[string]time.Time)
		t.entries[conversationID] = users
	}
	_, existed := users[userID]
	users[userID] = t.now()
	return !existed
}

// Stop clears the entry. It reports whether one was present.
func (t *Typing) Stop(conversationID, userID string) bool {
	users, ok := t.entries[conversationID]
	if !ok {
		return false
	}
	if _, in := users[userID]; !in {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.entries, conversationID)
	}
	return true
}

// ActiveTypers returns the users typing in conversationID, sorted.
func (t *Typing) ActiveTypers(conversationID string) []string {
	users := t.entries[conversationID]
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Expire removes and returns every entry last started more than ttl ago.
// A ttl of zero or less disables expiry.
func (t *Typing) Expire(ttl time.Duration) []Entry {
	if ttl <= 0 {
		return nil
	}
	cutoff := t.now().Add(-ttl)

	var expired []Entry
	for conv, users := range t.entries {
		for u, started := range users {
			if started.Before(cutoff) {
				expired = append(expired, Entry{ConversationID: conv, UserID: u})
			}
		}
	}
	for _, e := range expired {
		t.Stop(e.ConversationID, e.UserID)
	}
	sortEntries(expired)
	return expired
}

// RemoveUser clears every entry of userID and returns them.
func (t *Typing) RemoveUser(userID string) []Entry {
	var removed []Entry
	for conv, users := range t.entries {
		if _, ok := users[userID]; ok {
			removed = append(removed, Entry{ConversationID: conv, UserID: userID})
		}
	}
	for _, e := range removed {
		t.Stop(e.ConversationID, e.UserID)
	}
	sortEntries(removed)
	return removed
}

// Len returns the total number of entries.
func (t *Typing) Len() int {
	n := 0
	for _, users := range t.entries {
		n += len(users)
	}
	return n
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].ConversationID != es[j].ConversationID {
			return es[i].ConversationID < es[j].ConversationID
		}
		return es[i].UserID < es[j].UserID
	})
}
