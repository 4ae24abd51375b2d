package core

import (
	"encoding/json"
	"time"
)

type OpKind string

const (
	// OpAttach announces a newly created shared object.
	OpAttach OpKind = "attach"
	// OpMapSet writes a key unconditionally.
	OpMapSet OpKind = "map_set"
	// OpMapClaim writes a key only if it is absent.
	OpMapClaim OpKind = "map_claim"
	// OpSignal is a broadcast on a shared object.
	OpSignal OpKind = "signal"
	// OpJoin and OpLeave report audience changes.
	OpJoin  OpKind = "join"
	OpLeave OpKind = "leave"
	// OpSnapshot carries the session state a joining client starts from.
	OpSnapshot OpKind = "snapshot"
	// OpConnected ends the catch-up of a joining client.
	OpConnected OpKind = "connected"
	// OpReject tells a remote submitter its op was not sequenced.
	OpReject OpKind = "reject"
)

// Op is the unit the ordering service sequences and fans out. It is also the
// JSON wire format of the websocket transport.
type Op struct {
	Kind       OpKind          `json:"kind"`
	Seq        Sequence        `json:"seq,omitempty"`
	ClientID   ClientID        `json:"clientId,omitempty"`
	Timestamp  time.Time       `json:"timestamp,omitempty"`
	Key        string          `json:"key,omitempty"`
	Handle     Handle          `json:"handle,omitempty"`
	ObjectID   ObjectID        `json:"objectId,omitempty"`
	ObjectType ObjectType      `json:"objectType,omitempty"`
	Lane       string          `json:"lane,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Snapshot   *Snapshot       `json:"snapshot,omitempty"`
	Rejected   OpKind          `json:"rejected,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// Snapshot is the session state at sequence Seq.
type Snapshot struct {
	Seq      Sequence   `json:"seq"`
	Entries  []MapEntry `json:"entries"`
	Objects  []Handle   `json:"objects"`
	Retained []Op       `json:"retained"`
	Audience []ClientID `json:"audience"`
}
