package engine

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/entityevents/internal/event"
)

type registration struct {
	handler Handler
	seq     int64
}

type resolveKey struct {
	entityType event.EntityType
	eventType  event.EventType
}

// Registry holds the handlers of every entity type.
//
// It is built at startup from a compiled-in list (Register in a loop); no
// scanning or reflection is involved. Resolve is memoized per
// (entity type, event type); Register and Unregister drop the memo.
//
// Thread-safety: Registry is safe for concurrent use. Resolution takes a
// read lock; registration takes the write lock.
type Registry struct {
	mu      sync.RWMutex
	clock   *Clock
	byType  map[event.EntityType][]registration
	memo    map[resolveKey][]Handler
	modules ModuleGate
	props   PropertyGate
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithModuleGate sets the module gate (default: every module enabled).
func WithModuleGate(g ModuleGate) RegistryOption {
	return func(r *Registry) { r.modules = g }
}

// WithPropertyGate sets the property gate (default: no properties).
func WithPropertyGate(g PropertyGate) RegistryOption {
	return func(r *Registry) { r.props = g }
}

// WithRegistryClock sets the clock used to stamp registrations.
func WithRegistryClock(c *Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		clock:   NewClock(),
		byType:  make(map[event.EntityType][]registration),
		memo:    make(map[resolveKey][]Handler),
		modules: AllModules{},
		props:   NoProperties{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds h. Names must be unique per entity type and the
// subscription set must be non-empty and well formed.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("register handler: nil handler")
	}
	name := strings.TrimSpace(h.Name())
	if name == "" {
		return fmt.Errorf("register handler: name is required")
	}
	if h.EntityType() == "" {
		return fmt.Errorf("register handler %s: entity type is required", name)
	}
	types := h.SupportedTypes()
	if len(types) == 0 {
		return fmt.Errorf("register handler %s: at least one event type is required", name)
	}
	for _, t := range types {
		if !t.Valid() {
			return fmt.Errorf("register handler %s: invalid event type %q", name, t)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.byType[h.EntityType()] {
		if existing.handler.Name() == name {
			return fmt.Errorf("register handler %s: duplicate name for entity type %s", name, h.EntityType())
		}
	}
	r.byType[h.EntityType()] = append(r.byType[h.EntityType()], registration{handler: h, seq: r.clock.Next()})
	clear(r.memo)
	return nil
}

// MustRegister registers every handler and panics on the first error.
// Use only with compiled-in handler lists.
func (r *Registry) MustRegister(handlers ...Handler) {
	for _, h := range handlers {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
}

// Unregister removes the named handler. Returns false if it was not
// registered.
func (r *Registry) Unregister(entityType event.EntityType, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.byType[entityType]
	idx := slices.IndexFunc(regs, func(reg registration) bool { return reg.handler.Name() == name })
	if idx < 0 {
		return false
	}
	r.byType[entityType] = slices.Delete(regs, idx, idx+1)
	if len(r.byType[entityType]) == 0 {
		delete(r.byType, entityType)
	}
	clear(r.memo)
	return true
}

// Resolve returns the handlers of entityType subscribed to eventType in
// execution order: ascending Order, ties in registration order.
//
// The result is shared between callers and must not be modified.
func (r *Registry) Resolve(entityType event.EntityType, eventType event.EventType) []Handler {
	key := resolveKey{entityType: entityType, eventType: eventType}

	r.mu.RLock()
	cached, ok := r.memo[key]
	r.mu.RUnlock()
	if ok {
		return cached
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.memo[key]; ok {
		return cached
	}

	var matched []registration
	for _, reg := range r.byType[entityType] {
		if Supports(reg.handler, eventType) {
			matched = append(matched, reg)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		oi, oj := matched[i].handler.Order(), matched[j].handler.Order()
		if oi != oj {
			return oi < oj
		}
		return matched[i].seq < matched[j].seq
	})

	resolved := make([]Handler, len(matched))
	for i, reg := range matched {
		resolved[i] = reg.handler
	}
	r.memo[key] = resolved
	return resolved
}

// IsEnabled evaluates the module and property gates for h.
func (r *Registry) IsEnabled(h Handler) Enablement {
	r.mu.RLock()
	modules, props := r.modules, r.props
	r.mu.RUnlock()
	return evaluate(h, modules, props)
}

// Handlers returns every handler of entityType in registration order.
func (r *Registry) Handlers(entityType event.EntityType) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.byType[entityType]
	out := make([]Handler, len(regs))
	for i, reg := range regs {
		out[i] = reg.handler
	}
	return out
}

// EntityTypes returns the entity types with at least one handler, sorted.
func (r *Registry) EntityTypes() []event.EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]event.EntityType, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
