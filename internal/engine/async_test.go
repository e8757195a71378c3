package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityevents/internal/event"
	"github.com/roach88/entityevents/internal/state"
	"github.com/roach88/entityevents/internal/testutil"
)

type asyncFixture struct {
	store    *state.Store
	clock    *testutil.ManualClock
	registry *Registry
	exec     *AsyncExecutor
	log      *calls
}

func newAsyncFixture(t *testing.T, handlers ...Handler) *asyncFixture {
	t.Helper()
	s, clock := createTestStore(t)
	log := &calls{}
	r := NewRegistry()
	if len(handlers) == 0 {
		handlers = []Handler{handlerFor("save", itemType, 0, log)}
	}
	r.MustRegister(handlers...)

	d := newTestDispatcher(r, WithChainLog(s))
	exec := NewAsyncExecutor(d, s, newTestCodec(t),
		WithAsyncLogger(quietLogger()),
		WithAsyncNow(clock.Now),
		WithPollInterval(time.Hour),
	)
	return &asyncFixture{store: s, clock: clock, registry: r, exec: exec, log: log}
}

// ranItems records the entity id of every item envelope that reaches a
// handler.
func ranItems(log *calls) *stubHandler {
	h := handlerFor("record", itemType, 0, nil)
	h.process = func(_ context.Context, env *event.Envelope) (Result, error) {
		log.add(env.EntityID())
		return Continue(), nil
	}
	return h
}

func TestAsync_PublishAndRunOnce(t *testing.T) {
	log := &calls{}
	var seen *record
	h := ranItems(log)
	h.process = func(_ context.Context, env *event.Envelope) (Result, error) {
		seen = env.Current().(*record)
		return Continue(), nil
	}
	f := newAsyncFixture(t, h)
	ctx := context.Background()

	env := event.New(event.Create, &record{Type: itemType, ID: "i-1", Title: "hello"}, event.WithID("evt-1"))
	env.Properties().SetBool(event.Force, true)
	require.NoError(t, f.exec.Publish(ctx, env))

	queued, err := f.store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, state.EventCreated, queued.Status)
	assert.Equal(t, state.ModeAsync, queued.Mode)

	n, err := f.exec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NotNil(t, seen)
	assert.Equal(t, "hello", seen.Title, "payload survives the codec")

	done, err := f.store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, state.EventExecuted, done.Status)
	assert.Contains(t, done.Properties, "force")

	n, err = f.exec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left to run")
}

func TestAsync_PropertiesKeepInsertionOrder(t *testing.T) {
	var keys []string
	h := handlerFor("record", itemType, 0, nil)
	h.process = func(_ context.Context, env *event.Envelope) (Result, error) {
		keys = env.Properties().Keys()
		return Continue(), nil
	}
	f := newAsyncFixture(t, h)
	ctx := context.Background()

	env := event.New(event.Create, item("i-1"), event.WithID("evt-1"))
	env.Properties().SetString("zeta", "1")
	env.Properties().SetBool(event.Force, true)
	env.Properties().SetString("alpha", "2")
	require.NoError(t, f.exec.Publish(ctx, env))

	queued, err := f.store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", event.Force, "alpha"}, queued.PropertyKeys)

	n, err := f.exec.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, []string{"zeta", event.Force, "alpha"}, keys)
}

func TestAsync_PublishTwiceIsNoop(t *testing.T) {
	f := newAsyncFixture(t)
	ctx := context.Background()

	env := event.New(event.Create, item("i-1"), event.WithID("evt-1"))
	require.NoError(t, f.exec.Publish(ctx, env))
	require.NoError(t, f.exec.Publish(ctx, env))

	n, err := f.exec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"save"}, f.log.list())
}

func TestAsync_HighPriorityFirst(t *testing.T) {
	log := &calls{}
	f := newAsyncFixture(t, ranItems(log))
	ctx := context.Background()

	require.NoError(t, f.exec.Publish(ctx, event.New(event.Create, item("n-1"), event.WithID("evt-1"))))
	require.NoError(t, f.exec.Publish(ctx, event.New(event.Create, item("n-2"), event.WithID("evt-2"))))
	require.NoError(t, f.exec.Publish(ctx, event.New(event.Create, item("h-1"), event.WithID("evt-3"), event.WithPriority(event.High))))

	n, err := f.exec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"h-1", "n-1", "n-2"}, log.list())
}

func TestAsync_SuperOwnerHeldWhileBlocked(t *testing.T) {
	log := &calls{}
	f := newAsyncFixture(t, ranItems(log))
	ctx := context.Background()

	rec, _, err := f.store.Create(ctx, state.NewRecord{
		OwnerType:  "identity",
		OwnerID:    "identity-1",
		ResultCode: "DIRTY_STATE",
	})
	require.NoError(t, err)

	require.NoError(t, f.exec.Publish(ctx, event.New(event.Update, item("held"),
		event.WithID("evt-1"), event.WithSuperOwner("identity-1"))))
	require.NoError(t, f.exec.Publish(ctx, event.New(event.Update, item("free"),
		event.WithID("evt-2"), event.WithSuperOwner("identity-2"))))

	n, err := f.exec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"free"}, log.list())

	held, err := f.store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, state.EventCreated, held.Status)

	require.NoError(t, f.store.Delete(ctx, rec.ID))

	n, err = f.exec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"free", "held"}, log.list())
}

func TestAsync_SuperOwnerEventsRunOneAtATime(t *testing.T) {
	log := &calls{}
	f := newAsyncFixture(t, ranItems(log))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.exec.Publish(ctx, event.New(event.Update, item(id),
			event.WithID("evt-"+id), event.WithSuperOwner("identity-1"))))
	}

	for i, want := range []string{"a", "b", "c"} {
		n, err := f.exec.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "pass %d", i)
		assert.Equal(t, want, log.list()[i])
	}
}

func TestAsync_FinalStatuses(t *testing.T) {
	failing := handlerFor("fail", itemType, 0, nil, event.Update)
	failing.process = func(context.Context, *event.Envelope) (Result, error) {
		return Result{}, errors.New("downstream down")
	}
	deferring := handlerFor("defer", itemType, 0, nil, event.Delete)
	deferring.process = func(context.Context, *event.Envelope) (Result, error) {
		return Defer("state-9"), nil
	}
	f := newAsyncFixture(t, failing, deferring)
	ctx := context.Background()

	require.NoError(t, f.exec.Publish(ctx, event.New(event.Update, item("i-1"), event.WithID("evt-fail"))))
	require.NoError(t, f.exec.Publish(ctx, event.New(event.Delete, nil, event.WithOriginal(item("i-2")), event.WithID("evt-defer"))))

	n, err := f.exec.RunOnce(ctx)
	require.NoError(t, err, "handler failures do not fail the pass")
	assert.Equal(t, 2, n)

	failed, err := f.store.GetEvent(ctx, "evt-fail")
	require.NoError(t, err)
	assert.Equal(t, state.EventException, failed.Status)
	assert.Equal(t, "downstream down", failed.Error)

	deferred, err := f.store.GetEvent(ctx, "evt-defer")
	require.NoError(t, err)
	assert.Equal(t, state.EventDeferred, deferred.Status)
}

func TestAsync_UndecodableEntity(t *testing.T) {
	f := newAsyncFixture(t)
	ctx := context.Background()

	_, err := f.store.EnqueueEvent(ctx, state.EventRecord{
		ID:         "evt-1",
		EntityType: "unknown",
		EntityID:   "u-1",
		EventType:  event.Create,
		Current:    []byte(`{"id":"u-1"}`),
	})
	require.NoError(t, err)

	n, err := f.exec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := f.store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, state.EventException, rec.Status)
	assert.NotEmpty(t, rec.Error)
}

func TestAsync_PropagatedChildKeepsLinkage(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	log := &calls{}

	var p *ChainPropagator
	r := NewRegistry()
	cascade := handlerFor("cascade", ownerType, 0, nil, event.Update)
	cascade.process = func(ctx context.Context, env *event.Envelope) (Result, error) {
		_, err := p.Propagate(ctx, env, event.Update, item("i-1"), Async())
		return Continue(), err
	}
	r.MustRegister(cascade, ranItems(log))

	d := newTestDispatcher(r, WithChainLog(s))
	exec := NewAsyncExecutor(d, s, newTestCodec(t), WithAsyncLogger(quietLogger()), WithAsyncNow(clock.Now))
	p = NewChainPropagator(d,
		WithAsyncExecutor(exec),
		WithPropagatorIDs(testutil.NewSequenceGenerator("child")),
	)

	parent := event.New(event.Update, owner("o-1"),
		event.WithID("evt-root"),
		event.WithPriority(event.High),
		event.WithSuperOwner("identity-1"),
	)
	_, err := d.Publish(ctx, parent)
	require.NoError(t, err)
	assert.Empty(t, log.list(), "async child does not run inline")

	queued, err := s.GetEvent(ctx, "child-1")
	require.NoError(t, err)
	assert.Equal(t, state.EventCreated, queued.Status)
	assert.Equal(t, "evt-root", queued.ParentID)
	assert.Equal(t, "evt-root", queued.RootID)
	assert.Equal(t, event.High, queued.Priority)
	assert.Equal(t, "identity-1", queued.SuperOwnerID)
	assert.Equal(t, 1, queued.Depth)

	n, err := exec.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"i-1"}, log.list())

	chain, err := s.ReadChain(ctx, "evt-root")
	require.NoError(t, err)
	assert.Len(t, chain, 2)
}

func TestAsync_RunWakesOnPublish(t *testing.T) {
	ran := make(chan string, 1)
	h := handlerFor("record", itemType, 0, nil)
	h.process = func(_ context.Context, env *event.Envelope) (Result, error) {
		ran <- env.EntityID()
		return Continue(), nil
	}
	f := newAsyncFixture(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.exec.Run(ctx) }()

	require.NoError(t, f.exec.Publish(context.Background(), event.New(event.Create, item("i-1"), event.WithID("evt-1"))))

	select {
	case id := <-ran:
		assert.Equal(t, "i-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not pick up the published event")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestAsync_StopEndsRun(t *testing.T) {
	f := newAsyncFixture(t)

	done := make(chan error, 1)
	go func() { done <- f.exec.Run(context.Background()) }()

	f.exec.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestAsync_RunRequeuesAbandoned(t *testing.T) {
	f := newAsyncFixture(t)
	ctx := context.Background()

	require.NoError(t, f.exec.Publish(ctx, event.New(event.Create, item("i-1"), event.WithID("evt-1"))))
	_, err := f.store.ClaimEvent(ctx, "evt-1")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- f.exec.Run(runCtx) }()

	require.Eventually(t, func() bool {
		rec, err := f.store.GetEvent(ctx, "evt-1")
		return err == nil && rec.Status == state.EventExecuted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
