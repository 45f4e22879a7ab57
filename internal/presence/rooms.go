package presence

import "sort"

const (
	mailboxPrefix      = "user:"
	conversationPrefix = "conversation:"
)

// MailboxRoom returns the personal room of an identity.
func MailboxRoom(identity string) string { return mailboxPrefix + identity }

// ConversationRoom returns the broadcast room of a conversation.
func ConversationRoom(conversationID string) string { return conversationPrefix + conversationID }

// Rooms tracks room membership in both directions so that a disconnecting
// session can be drained from every room it joined. A room exists only while
// it has members.
type Rooms struct {
	members map[string]map[string]struct{} // room -> sessions
	joined  map[string]map[string]struct{} // session -> rooms
}

func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
	}
}

// Join adds sessionID to roomID. It reports whether the session was not
// already a member.
func (r *Rooms) Join(sessionID, roomID string) bool {
	m, ok := r.members[roomID]
	if !ok {
		m = make(map[string]struct{})
		r.members[roomID] = m
	}
	if _, dup := m[sessionID]; dup {
		return false
	}
	m[sessionID] = struct{}{}

	j, ok := r.joined[sessionID]
	if !ok {
		j = make(map[string]struct{})
		r.joined[sessionID] = j
	}
	j[roomID] = struct{}{}
	return true
}

// Leave removes sessionID from roomID. It reports whether the session was a
// member.
func (r *Rooms) Leave(sessionID, roomID string) bool {
	m, ok := r.members[roomID]
	if !ok {
		return false
	}
	if _, in := m[sessionID]; !in {
		return false
	}
	delete(m, sessionID)
	if len(m) == 0 {
		delete(r.members, roomID)
	}

	if j, ok := r.joined[sessionID]; ok {
		delete(j, roomID)
		if len(j) == 0 {
			delete(r.joined, sessionID)
		}
	}
	return true
}

// IsMember reports whether sessionID has joined roomID.
func (r *Rooms) IsMember(sessionID, roomID string) bool {
	_, ok := r.members[roomID][sessionID]
	return ok
}

// MembersOf returns the sessions in roomID, sorted for deterministic fan-out.
func (r *Rooms) MembersOf(roomID string) []string {
	return sortedKeys(r.members[roomID])
}

// RoomsOf returns the rooms sessionID has joined, sorted.
func (r *Rooms) RoomsOf(sessionID string) []string {
	return sortedKeys(r.joined[sessionID])
}

// RemoveSession drains sessionID from every room it joined and returns
// those rooms.
func (r *Rooms) RemoveSession(sessionID string) []string {
	rooms := r.RoomsOf(sessionID)
	for _, room := range rooms {
		r.Leave(sessionID, room)
	}
	return rooms
}

// Len returns the number of non-empty rooms.
func (r *Rooms) Len() int {
	return len(r.members)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
