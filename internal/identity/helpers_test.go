package identity

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/roach88/entityevents/internal/engine"
	"github.com/roach88/entityevents/internal/event"
	"github.com/roach88/entityevents/internal/state"
	"github.com/roach88/entityevents/internal/testutil"
)

type fixture struct {
	sys   *System
	clock *testutil.ManualClock
}

// newFixture wires a System on a fresh SQLite store with identities i-1
// (alice) and i-2 (bob). cfg fields other than Store, IDs and the option
// slices are kept.
func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clock := testutil.NewManualClock()
	store, err := state.Open(filepath.Join(t.TempDir(), "identity.db"),
		state.WithNow(clock.Now),
		state.WithIDGenerator(testutil.NewSequenceGenerator("state")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Store = store
	cfg.IDs = testutil.NewSequenceGenerator("chain")
	cfg.DispatcherOptions = []engine.DispatcherOption{engine.WithLogger(quiet)}
	cfg.AsyncOptions = []engine.AsyncOption{
		engine.WithAsyncNow(clock.Now),
		engine.WithAsyncLogger(quiet),
	}
	cfg.ResumerOptions = []engine.ResumerOption{
		engine.WithResumeRate(rate.Inf, 1),
		engine.WithResumerNow(clock.Now),
		engine.WithResumerLogger(quiet),
	}

	sys, err := NewSystem(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	for _, ident := range []*Identity{{ID: "i-1", Username: "alice"}, {ID: "i-2", Username: "bob"}} {
		_, err := sys.Repo.SaveInternal(ctx, ident)
		require.NoError(t, err)
	}
	return &fixture{sys: sys, clock: clock}
}

func contract(id, position string, guarantors ...string) *Contract {
	return &Contract{
		ID:           id,
		IdentityID:   "i-1",
		WorkPosition: position,
		Valid:        true,
		Guarantors:   guarantors,
	}
}

func (f *fixture) publish(t *testing.T, env *event.Envelope) engine.Outcome {
	t.Helper()
	outcome, err := f.sys.Dispatcher.Publish(context.Background(), env)
	require.NoError(t, err)
	return outcome
}

// create publishes a CREATE for c and returns the stored copy.
func (f *fixture) create(t *testing.T, c *Contract) *Contract {
	t.Helper()
	f.publish(t, event.New(event.Create, c, event.WithID("create-"+c.ID)))
	return f.contract(t, c.ID)
}

func (f *fixture) contract(t *testing.T, id string) *Contract {
	t.Helper()
	found, err := f.sys.Repo.Find(context.Background(), ContractType, id)
	require.NoError(t, err)
	return found.(*Contract)
}

func (f *fixture) exists(entityType event.EntityType, id string) bool {
	_, err := f.sys.Repo.Find(context.Background(), entityType, id)
	return err == nil
}

func (f *fixture) outstanding(t *testing.T, resultCode string) []state.Record {
	t.Helper()
	recs, err := f.sys.Store.Find(context.Background(), state.Filter{
		ResultCode: resultCode,
		States:     state.Outstanding(),
	})
	require.NoError(t, err)
	return recs
}

// stepStates renders outcome steps as "handler=STATE".
func stepStates(outcome engine.Outcome) []string {
	out := make([]string, len(outcome.Steps))
	for i, s := range outcome.Steps {
		out[i] = s.Handler + "=" + string(s.State)
	}
	return out
}
