package core

import (
	"context"
	"encoding/json"
	"time"
)

// Delivery is one broadcast as delivered to a client.
type Delivery struct {
	Seq       Sequence
	Sender    ClientID
	Timestamp time.Time
	Lane      string
	Payload   json.RawMessage
	IsLocal   bool
}

// SharedObject is the client-local instance of an attached object. It offers
// ordered broadcast to every connected client, the sender included.
type SharedObject interface {
	Handle() Handle
	// Broadcast submits payload for sequencing. A non-empty lane also makes the
	// payload the lane's retained value, handed to late joiners.
	Broadcast(ctx context.Context, lane string, payload json.RawMessage) error
	// OnDelivered registers fn for every subsequent delivery on this object.
	OnDelivered(fn func(Delivery)) *Subscription
	// Retained returns the latest value of every retained lane.
	Retained() map[string]Delivery
}

// ObjectFactory constructs and attaches shared objects.
type ObjectFactory interface {
	// Create attaches a new object of typ and returns it once the transport
	// has sequenced the attach.
	Create(ctx context.Context, typ ObjectType) (SharedObject, error)
	// Open returns the local instance for h.
	Open(ctx context.Context, h Handle) (SharedObject, error)
}

// Transport bundles what the core layer consumes from the session transport.
type Transport interface {
	Connection
	ReplicatedMap
	ObjectFactory
}
