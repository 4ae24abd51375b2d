package domain

type SessionID string

// Session is a collaboration session a set of clients attach to.
type Session struct {
	ID SessionID
}
