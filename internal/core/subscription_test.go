package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubscriptionDisposeOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	s := NewSubscription(func() { calls++ })
	s.Dispose()
	s.Dispose()
	require.Equal(t, 1, calls)

	var nilSub *Subscription
	require.NotPanics(t, nilSub.Dispose)
}

func TestListenersEmitInRegistrationOrder(t *testing.T) {
	t.Parallel()

	var l Listeners[int]
	var got []string
	l.Add(func(v int) { got = append(got, "a") })
	l.Add(func(v int) { got = append(got, "b") })
	l.Add(func(v int) { got = append(got, "c") })

	l.Emit(1)
	require.Equal(t, []string{"a", "b", "c"}, got)
	require.Equal(t, 3, l.Len())
}

func TestListenersDisposeStopsDelivery(t *testing.T) {
	t.Parallel()

	var l Listeners[string]
	var first, second []string
	sub := l.Add(func(v string) { first = append(first, v) })
	l.Add(func(v string) { second = append(second, v) })

	l.Emit("x")
	sub.Dispose()
	l.Emit("y")

	require.Equal(t, []string{"x"}, first)
	require.Equal(t, []string{"x", "y"}, second)
	require.Equal(t, 1, l.Len())
}

func TestListenersDisposeFromCallback(t *testing.T) {
	t.Parallel()

	var l Listeners[int]
	var laterCalls int
	var later *Subscription
	l.Add(func(int) { later.Dispose() })
	later = l.Add(func(int) { laterCalls++ })

	l.Emit(1)
	require.Zero(t, laterCalls)
}
