package realtime

import "time"

// State is the lifecycle stage of a session.
type State int

const (
	StateConnected State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the coordinator's view of one live transport connection.
type Session struct {
	ID            string
	State         State
	UserID        string // empty until authenticated
	WalletAddress string // address payment notifications must come from
	ConnectedAt   time.Time
}

func (s *Session) authenticated() bool {
	return s.State == StateAuthenticated
}
