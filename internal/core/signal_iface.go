package core

import "context"

// Frame is a raw encoded op.
type Frame []byte

// SignalConnection abstracts the downlink of one member of the ordering
// service. Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Op) error
	Close()
}

// Uplink submits ops from a client to the ordering service.
type Uplink interface {
	Submit(ctx context.Context, op Op) error
}
