package core

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Connection is the session transport as one client sees it.
type Connection interface {
	ClientID() ClientID
	State() ConnectionState
	// OnStateChange registers fn for every subsequent transition. Connected is
	// reported exactly once per connect, after the client's view of the
	// session has caught up.
	OnStateChange(fn func(ConnectionState)) *Subscription
}
