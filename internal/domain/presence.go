package domain

import "time"

type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceAway    PresenceState = "away"
	PresenceOffline PresenceState = "offline"
)

func (s PresenceState) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceOffline:
		return true
	}
	return false
}

// PresenceRecord is the full presence of one user. Records are replaced as a
// whole on every update, never merged field by field.
type PresenceRecord[T any] struct {
	UserID      UserID        `json:"userId"`
	DisplayName string        `json:"displayName,omitempty"`
	State       PresenceState `json:"state"`
	Data        T             `json:"data"`
	ClientID    string        `json:"clientId"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	Seq         uint64        `json:"-"`
	IsLocalUser bool          `json:"-"`
}
