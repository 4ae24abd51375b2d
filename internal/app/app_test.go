package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/liveshare/internal/adapters/memory"
	"github.com/dkeye/liveshare/internal/core"
	"github.com/dkeye/liveshare/internal/domain"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	t   *testing.T
	sid domain.SessionID
	net *memory.Network
}

func newFixture(t *testing.T) *fixture {
	return &fixture{t: t, sid: domain.SessionID(uuid.NewString()), net: memory.NewNetwork(nil)}
}

func (f *fixture) client(name string) *memory.Client {
	f.t.Helper()
	user, err := domain.NewUser(name)
	require.NoError(f.t, err)
	c, err := f.net.Connect(f.sid, user)
	require.NoError(f.t, err)
	f.t.Cleanup(c.Close)
	return c
}

func (f *fixture) runtime(name string) *Runtime {
	f.t.Helper()
	c := f.client(name)
	rt := NewRuntime(context.Background(), c, c.User(), NewStaticRoles())
	f.t.Cleanup(rt.Close)
	return rt
}

func mustKey(t *testing.T, name string) domain.ObjectKey {
	t.Helper()
	k, err := domain.NewObjectKey("Test", name)
	require.NoError(t, err)
	return k
}

// fakeConn is a Connection whose state the test drives.
type fakeConn struct {
	mu        sync.Mutex
	state     core.ConnectionState
	listeners core.Listeners[core.ConnectionState]
}

func (c *fakeConn) ClientID() core.ClientID { return "fake" }

func (c *fakeConn) State() core.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) OnStateChange(fn func(core.ConnectionState)) *core.Subscription {
	return c.listeners.Add(fn)
}

func (c *fakeConn) set(s core.ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.listeners.Emit(s)
}

func TestAwaitConnected(t *testing.T) {
	t.Parallel()

	t.Run("already connected returns at once", func(t *testing.T) {
		t.Parallel()
		conn := &fakeConn{state: core.Connected}
		require.NoError(t, AwaitConnected(context.Background(), conn))
		require.Zero(t, conn.listeners.Len())
	})

	t.Run("waits for the transition", func(t *testing.T) {
		t.Parallel()
		conn := &fakeConn{state: core.Connecting}
		errc := make(chan error, 1)
		go func() { errc <- AwaitConnected(context.Background(), conn) }()

		require.Eventually(t, func() bool { return conn.listeners.Len() == 1 }, waitFor, tick)
		conn.set(core.Disconnected)
		conn.set(core.Connected)
		require.NoError(t, <-errc)
		require.Zero(t, conn.listeners.Len(), "subscription disposed on return")
	})

	t.Run("gives up with the context", func(t *testing.T) {
		t.Parallel()
		conn := &fakeConn{state: core.Connecting}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, AwaitConnected(ctx, conn), context.DeadlineExceeded)
	})
}

func TestRegistryConvergesConcurrentCreators(t *testing.T) {
	t.Parallel()

	const n = 8
	f := newFixture(t)
	key := mustKey(t, "race")

	runtimes := make([]*Runtime, n)
	for i := range runtimes {
		runtimes[i] = f.runtime("client")
	}

	got := make([]core.Handle, n)
	var wg conc.WaitGroup
	for i, rt := range runtimes {
		wg.Go(func() {
			obj, err := rt.Registry.Resolve(context.Background(), key, "test/obj", nil)
			require.NoError(t, err)
			got[i] = obj.Handle()
		})
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Equal(t, got[0], got[i], "client %d resolved a different object", i)
	}
	for _, rt := range runtimes {
		require.Eventually(t, func() bool {
			obj, state := rt.Registry.Lookup(key)
			return state == Canonical && obj.Handle() == got[0]
		}, waitFor, tick)
		h, ok := rt.Transport.Get(string(key))
		require.True(t, ok)
		require.Equal(t, got[0], h)
	}
}

func TestRegistryReusesExistingMapping(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := mustKey(t, "warm")
	a := f.runtime("a")

	seeded := 0
	seed := func(context.Context, core.SharedObject) error {
		seeded++
		return nil
	}
	first, err := a.Registry.Resolve(context.Background(), key, "test/obj", seed)
	require.NoError(t, err)
	require.Equal(t, 1, seeded)

	again, err := a.Registry.Resolve(context.Background(), key, "test/obj", seed)
	require.NoError(t, err)
	require.Same(t, first, again, "one instance per key on a client")

	b := f.runtime("b")
	joined, err := b.Registry.Resolve(context.Background(), key, "test/obj", seed)
	require.NoError(t, err)
	require.Equal(t, first.Handle(), joined.Handle())
	require.Equal(t, 1, seeded, "a joiner never creates an existing key")
}

func TestRegistryLoserSwitchesToWinner(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := mustKey(t, "loser")
	a := f.runtime("a")
	b := f.runtime("b")
	require.NoError(t, AwaitConnected(context.Background(), b.Transport))

	// b's seed runs between creating its candidate and claiming the key.
	release := make(chan struct{})
	seeding := make(chan core.SharedObject, 1)
	seed := func(_ context.Context, obj core.SharedObject) error {
		seeding <- obj
		<-release
		return nil
	}

	var watched []core.Handle
	var mu sync.Mutex
	sub := b.Registry.Watch(key, func(obj core.SharedObject) {
		mu.Lock()
		watched = append(watched, obj.Handle())
		mu.Unlock()
	})
	defer sub.Dispose()

	done := make(chan core.SharedObject, 1)
	go func() {
		obj, err := b.Registry.Resolve(context.Background(), key, "test/obj", seed)
		require.NoError(t, err)
		done <- obj
	}()
	candidate := <-seeding
	_, state := b.Registry.Lookup(key)
	require.Equal(t, LocallyCreated, state)

	winner, err := a.Registry.Resolve(context.Background(), key, "test/obj", nil)
	require.NoError(t, err)
	require.NotEqual(t, candidate.Handle(), winner.Handle())

	require.Eventually(t, func() bool {
		_, state := b.Registry.Lookup(key)
		return state == Canonical
	}, waitFor, tick)
	close(release)

	resolved := <-done
	require.Equal(t, winner.Handle(), resolved.Handle())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []core.Handle{candidate.Handle(), winner.Handle()}, watched)
}

func TestRegistryNeverAnnouncesCandidateAfterWinner(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := mustKey(t, "overtaken")
	a := f.runtime("a")
	b := f.runtime("b")
	ctx := context.Background()
	require.NoError(t, AwaitConnected(ctx, a.Transport))
	require.NoError(t, AwaitConnected(ctx, b.Transport))

	// a claims the key while b is still announcing its candidate.
	var winner core.SharedObject
	var once sync.Once
	stall := b.Registry.Watch(key, func(core.SharedObject) {
		once.Do(func() {
			w, err := a.Registry.Resolve(ctx, key, "test/obj", nil)
			require.NoError(t, err)
			winner = w
			require.Eventually(t, func() bool {
				_, state := b.Registry.Lookup(key)
				return state == Canonical
			}, waitFor, tick)
		})
	})
	defer stall.Dispose()

	var watched []core.Handle
	var mu sync.Mutex
	sub := b.Registry.Watch(key, func(obj core.SharedObject) {
		mu.Lock()
		watched = append(watched, obj.Handle())
		mu.Unlock()
	})
	defer sub.Dispose()

	resolved, err := b.Registry.Resolve(ctx, key, "test/obj", nil)
	require.NoError(t, err)
	require.Equal(t, winner.Handle(), resolved.Handle())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(watched) == 2
	}, waitFor, tick)
	mu.Lock()
	defer mu.Unlock()
	require.NotEqual(t, winner.Handle(), watched[0])
	require.Equal(t, winner.Handle(), watched[1])
}

func TestRegistryRejectsEmptyKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rt := f.runtime("a")
	_, err := rt.Registry.Resolve(context.Background(), "", "test/obj", nil)
	require.ErrorIs(t, err, ErrEmptyKey)
}

type callbackLog struct {
	mu   sync.Mutex
	objs []core.Handle
	errs []error
}

func (l *callbackLog) cb(obj core.SharedObject, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.errs = append(l.errs, err)
		return
	}
	l.objs = append(l.objs, obj.Handle())
}

func (l *callbackLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.objs)
}

func TestTrackerRegistrationIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rt := f.runtime("a")
	key := mustKey(t, "idem")

	var first, second callbackLog
	rt.Tracker.Register(key, "test/obj", "consumer", first.cb, nil)
	rt.Tracker.Register(key, "test/obj", "consumer", second.cb, nil)
	require.Equal(t, 1, rt.Tracker.Registrations(key))

	require.Eventually(t, func() bool { return second.count() >= 1 }, waitFor, tick)
	obj, ok := rt.Tracker.Current(key)
	require.True(t, ok)
	require.Equal(t, second.objs[0], obj.Handle())

	rt.Tracker.Unregister(key, "consumer")
	require.Zero(t, rt.Tracker.Registrations(key))
	_, ok = rt.Tracker.Current(key)
	require.False(t, ok)
}

func TestTrackerLateRegistrationGetsCurrentObject(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rt := f.runtime("a")
	key := mustKey(t, "late")

	var early, late callbackLog
	rt.Tracker.Register(key, "test/obj", "early", early.cb, nil)
	require.Eventually(t, func() bool { return early.count() >= 1 }, waitFor, tick)

	rt.Tracker.Register(key, "test/obj", "late", late.cb, nil)
	require.Equal(t, 1, late.count(), "current object delivered on registration")
	require.Equal(t, early.objs[len(early.objs)-1], late.objs[0])
}

func TestTrackerReferenceCountTeardown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rt := f.runtime("a")
	key := mustKey(t, "refcount")

	var one, two callbackLog
	rt.Tracker.Register(key, "test/obj", "one", one.cb, nil)
	rt.Tracker.Register(key, "test/obj", "two", two.cb, nil)
	require.Eventually(t, func() bool { return one.count() >= 1 && two.count() >= 1 }, waitFor, tick)

	watchers := func() int {
		rt.Registry.mu.Lock()
		res := rt.Registry.keys[key]
		rt.Registry.mu.Unlock()
		return res.watchers.Len()
	}
	require.Equal(t, 1, watchers(), "one registry watch shared by all consumers")

	rt.Tracker.Unregister(key, "one")
	require.Equal(t, 1, rt.Tracker.Registrations(key))
	require.Equal(t, 1, watchers(), "remaining consumer keeps the watch")

	rt.Tracker.Unregister(key, "two")
	require.Zero(t, rt.Tracker.Registrations(key))
	require.Zero(t, watchers(), "last consumer tears the watch down")

	// A new registration starts over without side effects.
	var three callbackLog
	rt.Tracker.Register(key, "test/obj", "three", three.cb, nil)
	require.Eventually(t, func() bool { return three.count() >= 1 }, waitFor, tick)
	require.Equal(t, one.objs[0], three.objs[0])
}

func TestTrackerDeliversRebindToEveryConsumer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := mustKey(t, "rebind")
	a := f.runtime("a")
	b := f.runtime("b")
	require.NoError(t, AwaitConnected(context.Background(), b.Transport))

	release := make(chan struct{})
	seeding := make(chan struct{}, 1)
	seed := func(context.Context, core.SharedObject) error {
		seeding <- struct{}{}
		<-release
		return nil
	}

	var one, two callbackLog
	b.Tracker.Register(key, "test/obj", "one", one.cb, seed)
	<-seeding
	b.Tracker.Register(key, "test/obj", "two", two.cb, nil)

	winner, err := a.Registry.Resolve(context.Background(), key, "test/obj", nil)
	require.NoError(t, err)
	close(release)

	for _, l := range []*callbackLog{&one, &two} {
		require.Eventually(t, func() bool {
			l.mu.Lock()
			defer l.mu.Unlock()
			return len(l.objs) > 0 && l.objs[len(l.objs)-1] == winner.Handle()
		}, waitFor, tick)
	}
	require.Equal(t, 2, one.count(), "candidate, then winner")
}

func TestRolePolicy(t *testing.T) {
	t.Parallel()

	roles := NewStaticRoles(domain.RoleGuest)
	roles.Set("presenter", domain.RolePresenter)
	p := RolePolicy{Roles: roles}
	ctx := context.Background()

	ok, err := p.Allow(ctx, "presenter", []domain.Role{domain.RolePresenter, domain.RoleOrganizer})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = p.Allow(ctx, "someone", []domain.Role{domain.RolePresenter})
	require.NoError(t, err)
	require.False(t, ok, "default roles apply to unknown clients")

	ok, err = p.Allow(ctx, "someone", nil)
	require.NoError(t, err)
	require.True(t, ok, "an empty allowed set admits everyone")

	ok, err = RolePolicy{}.Allow(ctx, "presenter", []domain.Role{domain.RolePresenter})
	require.NoError(t, err)
	require.False(t, ok)
}
