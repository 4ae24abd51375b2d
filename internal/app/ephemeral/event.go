package ephemeral

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dkeye/liveshare/internal/app"
	"github.com/dkeye/liveshare/internal/core"
	"github.com/dkeye/liveshare/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	EventTag                  = "EphemeralEvent"
	EventType core.ObjectType = "liveshare/ephemeral-event"
)

// EventRecord is one delivered event. Delivery order is the transport order.
type EventRecord[T any] struct {
	Payload   T
	SenderID  core.ClientID
	Timestamp time.Time
	Seq       core.Sequence
	IsLocal   bool
}

// EventChannel broadcasts typed events to every client of the session, the
// sender included. Events are not retained for late joiners.
type EventChannel[T any] struct {
	base *Object

	mu     sync.Mutex
	latest *EventRecord[T]

	listeners core.Listeners[EventRecord[T]]
}

// NewEventChannel builds the channel keyed by name under the event tag.
func NewEventChannel[T any](rt *app.Runtime, name string) (*EventChannel[T], error) {
	key, err := domain.NewObjectKey(EventTag, name)
	if err != nil {
		return nil, err
	}
	c := &EventChannel[T]{}
	c.base = NewObject(rt, key, EventType, Hooks{Deliver: c.deliver})
	return c, nil
}

func (c *EventChannel[T]) Key() domain.ObjectKey { return c.base.Key() }
func (c *EventChannel[T]) State() State          { return c.base.State() }

// Start moves the channel to Started; only clients holding one of allowed
// may send afterwards. An empty allowed set admits everyone.
func (c *EventChannel[T]) Start(ctx context.Context, allowed ...domain.Role) error {
	_, err := c.base.Start(ctx, allowed)
	return err
}

func (c *EventChannel[T]) Send(ctx context.Context, payload T) error {
	return c.base.Send(ctx, "", payload)
}

// Subscribe registers fn for every subsequent event.
func (c *EventChannel[T]) Subscribe(fn func(EventRecord[T])) *core.Subscription {
	return c.listeners.Add(fn)
}

// Latest returns the most recent event received.
func (c *EventChannel[T]) Latest() (EventRecord[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return EventRecord[T]{}, false
	}
	return *c.latest, true
}

func (c *EventChannel[T]) Close() { c.base.Close() }

func (c *EventChannel[T]) deliver(d core.Delivery) {
	if d.Lane != "" {
		return
	}
	var payload T
	if err := json.Unmarshal(d.Payload, &payload); err != nil {
		log.Warn().Err(err).Str("module", "app.ephemeral").Str("key", string(c.base.Key())).Msg("dropping undecodable event")
		return
	}
	rec := EventRecord[T]{
		Payload:   payload,
		SenderID:  d.Sender,
		Timestamp: d.Timestamp,
		Seq:       d.Seq,
		IsLocal:   d.IsLocal,
	}
	c.mu.Lock()
	c.latest = &rec
	c.mu.Unlock()
	c.listeners.Emit(rec)
}
