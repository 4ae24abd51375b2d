package core

import "context"

// MapEntry is one applied write of the replicated map.
type MapEntry struct {
	Key    string   `json:"key"`
	Handle Handle   `json:"handle"`
	Seq    Sequence `json:"seq"`
	Writer ClientID `json:"writer"`
	// Accepted is false for a claim that lost to an earlier write.
	Accepted bool `json:"accepted"`
}

// ReplicatedMap is the persisted key to handle mapping shared by all clients.
// Writes are applied in transport order on every replica.
type ReplicatedMap interface {
	Get(key string) (Handle, bool)
	// Set writes key unconditionally; the last write in sequence order wins.
	Set(ctx context.Context, key string, h Handle) error
	// Claim writes key only if it is still absent when the write is sequenced.
	// It returns the entry that is current once the claim has been applied,
	// which is the caller's own handle only if the claim won.
	Claim(ctx context.Context, key string, h Handle) (MapEntry, error)
	// OnChange registers fn for every applied write, accepted or not.
	OnChange(fn func(MapEntry)) *Subscription
}
