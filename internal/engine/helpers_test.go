package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/roach88/entityevents/internal/event"
	"github.com/roach88/entityevents/internal/state"
	"github.com/roach88/entityevents/internal/testutil"
)

const (
	itemType  event.EntityType = "item"
	ownerType event.EntityType = "owner"
)

// record is a minimal entity for engine tests.
type record struct {
	Type  event.EntityType `json:"type"`
	ID    string           `json:"id"`
	Title string           `json:"title,omitempty"`
}

func (r *record) EntityType() event.EntityType {
	return r.Type
}

func (r *record) EntityID() string {
	return r.ID
}

func item(id string) *record {
	return &record{Type: itemType, ID: id}
}

func owner(id string) *record {
	return &record{Type: ownerType, ID: id}
}

func newTestCodec(t *testing.T) *event.Codec {
	t.Helper()
	codec := event.NewCodec()
	for _, et := range []event.EntityType{itemType, ownerType} {
		if err := codec.Register(et, func() event.Entity { return &record{Type: et} }); err != nil {
			t.Fatalf("codec.Register(%s) failed: %v", et, err)
		}
	}
	return codec
}

// calls collects handler invocations in order across goroutines.
type calls struct {
	mu    sync.Mutex
	names []string
}

func (c *calls) add(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
}

func (c *calls) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.names...)
}

// stubHandler is a configurable Handler. The zero value subscribes to
// nothing; set entityType and types.
type stubHandler struct {
	name       string
	module     string
	entityType event.EntityType
	types      []event.EventType
	order      int
	fixed      bool
	cond       func(env *event.Envelope) bool
	process    func(ctx context.Context, env *event.Envelope) (Result, error)
	emits      []event.Key
	log        *calls
}

func (h *stubHandler) Name() string {
	return h.name
}

func (h *stubHandler) Module() string {
	if h.module == "" {
		return "core"
	}
	return h.module
}

func (h *stubHandler) EntityType() event.EntityType {
	return h.entityType
}

func (h *stubHandler) SupportedTypes() []event.EventType {
	return h.types
}

func (h *stubHandler) Order() int {
	return h.order
}

func (h *stubHandler) Disableable() bool {
	return !h.fixed
}

func (h *stubHandler) Conditional(env *event.Envelope) bool {
	if h.cond == nil {
		return true
	}
	return h.cond(env)
}

func (h *stubHandler) Process(ctx context.Context, env *event.Envelope) (Result, error) {
	if h.log != nil {
		h.log.add(h.name)
	}
	if h.process == nil {
		return Continue(), nil
	}
	return h.process(ctx, env)
}

// emittingHandler adds Emitter to a stubHandler.
type emittingHandler struct {
	*stubHandler
}

func (h emittingHandler) Emits() []event.Key {
	return h.emits
}

func handlerFor(name string, et event.EntityType, order int, log *calls, types ...event.EventType) *stubHandler {
	if len(types) == 0 {
		types = []event.EventType{event.Create, event.Update, event.Delete}
	}
	return &stubHandler{name: name, entityType: et, types: types, order: order, log: log}
}

// mapGates is a ModuleGate and PropertyGate backed by maps.
type mapGates struct {
	modules map[string]bool
	props   map[string]string
}

func (g mapGates) ModuleEnabled(module string) bool {
	on, ok := g.modules[module]
	return !ok || on
}

func (g mapGates) Property(key string) (string, bool) {
	v, ok := g.props[key]
	return v, ok
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testIDs(prefix string) event.Option {
	return event.WithIDGenerator(testutil.NewSequenceGenerator(prefix))
}

func newTestDispatcher(reg *Registry, opts ...DispatcherOption) *Dispatcher {
	return NewDispatcher(reg, append([]DispatcherOption{WithLogger(quietLogger())}, opts...)...)
}

// createTestStore opens a fresh state store under t.TempDir().
func createTestStore(t *testing.T) (*state.Store, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock()
	s, err := state.Open(filepath.Join(t.TempDir(), "engine.db"),
		state.WithNow(clock.Now),
		state.WithIDGenerator(testutil.NewSequenceGenerator("state")),
	)
	if err != nil {
		t.Fatalf("state.Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clock
}
