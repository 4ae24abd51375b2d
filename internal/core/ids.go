package core

// ClientID identifies one connected client of a collaboration session.
type ClientID string

// ObjectID identifies a shared object attached to a session.
type ObjectID string

// ObjectType is the type descriptor a shared object is created from.
type ObjectType string

// Sequence is the transport-assigned global order of an op.
type Sequence uint64

// Handle references a shared object attached to the session. Handles are what
// the replicated map stores.
type Handle struct {
	ID   ObjectID   `json:"id"`
	Type ObjectType `json:"type"`
}

func (h Handle) IsZero() bool { return h.ID == "" }
