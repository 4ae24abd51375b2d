package session

import (
	"context"
	"encoding/json"
	"maps"
	"sync"

	"github.com/dkeye/liveshare/internal/core"
)

// object is the local instance of an attached shared object. There is one
// per object ID per replica.
type object struct {
	r      *Replica
	handle core.Handle

	mu       sync.RWMutex
	retained map[string]core.Delivery

	listeners core.Listeners[core.Delivery]
}

func newObject(r *Replica, h core.Handle) *object {
	return &object{r: r, handle: h, retained: make(map[string]core.Delivery)}
}

func (o *object) Handle() core.Handle { return o.handle }

func (o *object) Broadcast(ctx context.Context, lane string, payload json.RawMessage) error {
	return o.r.broadcast(ctx, o.handle.ID, lane, payload)
}

func (o *object) OnDelivered(fn func(core.Delivery)) *core.Subscription {
	return o.listeners.Add(fn)
}

func (o *object) Retained() map[string]core.Delivery {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return maps.Clone(o.retained)
}

func (o *object) retain(d core.Delivery) {
	if d.Lane == "" {
		return
	}
	o.mu.Lock()
	o.retained[d.Lane] = d
	o.mu.Unlock()
}

func (o *object) resetRetained(ops []core.Op, self core.ClientID) {
	next := make(map[string]core.Delivery, len(ops))
	for _, op := range ops {
		next[op.Lane] = deliveryOf(op, self)
	}
	o.mu.Lock()
	o.retained = next
	o.mu.Unlock()
}
