// Package presence holds the in-memory state of who is online, which rooms
// each session has joined and who is typing where. None of the types here are
// safe for concurrent use: they are owned by the realtime coordinator's event
// loop and mutated only from it.
package presence

import "sort"

// Registry maps a user identity to its single live session. A second
// registration for the same identity overwrites the first.
type Registry struct {
	sessions map[string]string // identity -> session id
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]string)}
}

// Register binds identity to sessionID, replacing any previous binding.
func (r *Registry) Register(identity, sessionID string) {
	r.sessions[identity] = sessionID
}

// Unregister removes the binding for identity. Unknown identities are a no-op.
func (r *Registry) Unregister(identity string) {
	delete(r.sessions, identity)
}

// Lookup returns the session currently bound to identity.
func (r *Registry) Lookup(identity string) (string, bool) {
	id, ok := r.sessions[identity]
	return id, ok
}

// Count returns the number of online identities.
func (r *Registry) Count() int {
	return len(r.sessions)
}

// Identities returns the online identities in lexical order.
func (r *Registry) Identities() []string {
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
