package app

import (
	"context"
	"sync"

	"github.com/dkeye/liveshare/internal/core"
)

// AwaitConnected returns once conn is Connected. It subscribes before reading
// the current state, so a transition in between is never missed.
func AwaitConnected(ctx context.Context, conn core.Connection) error {
	if conn.State() == core.Connected {
		return nil
	}
	connected := make(chan struct{})
	var once sync.Once
	sub := conn.OnStateChange(func(s core.ConnectionState) {
		if s == core.Connected {
			once.Do(func() { close(connected) })
		}
	})
	defer sub.Dispose()

	if conn.State() == core.Connected {
		return nil
	}
	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
