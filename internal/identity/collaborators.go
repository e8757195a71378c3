package identity

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/roach88/entityevents/internal/event"
	"github.com/roach88/entityevents/internal/state"
)

// ErrNotFound is returned by repositories for unknown entities.
var ErrNotFound = errors.New("identity: entity not found")

// Repository is the persistence boundary of the processors. The Internal
// methods write without triggering events; processors call them from
// inside a chain.
type Repository interface {
	Find(ctx context.Context, entityType event.EntityType, id string) (event.Entity, error)

	// SaveInternal stores entity and returns the stored copy.
	SaveInternal(ctx context.Context, entity event.Entity) (event.Entity, error)

	// DeleteInternal removes an entity. Deleting an unknown entity is a
	// no-op.
	DeleteInternal(ctx context.Context, entityType event.EntityType, id string) error

	// ContractsOf returns an identity's contracts ordered by id.
	ContractsOf(ctx context.Context, identityID string) ([]*Contract, error)

	// GuaranteesOf returns a contract's guarantees ordered by id.
	GuaranteesOf(ctx context.Context, contractID string) ([]*ContractGuarantee, error)
}

// Permission is an operation checked by the Authorizer.
type Permission string

const (
	PermissionCreate Permission = "CREATE"
	PermissionUpdate Permission = "UPDATE"
	PermissionDelete Permission = "DELETE"
)

// Authorizer evaluates whether the acting user may perform an operation.
type Authorizer interface {
	Evaluate(ctx context.Context, entity event.Entity, permission Permission) bool
}

// Cache holds derived values keyed by owner.
type Cache interface {
	EvictValue(cacheName, key string)
}

// ContractsCache caches an identity's contracts, keyed by identity id.
const ContractsCache = "identity-contracts"

// Notification describes one entity change.
type Notification struct {
	EventID    string           `json:"event_id"`
	RootID     string           `json:"root_id"`
	EntityType event.EntityType `json:"entity_type"`
	EventType  event.EventType  `json:"event_type"`
	EntityID   string           `json:"entity_id"`
}

// Notifier delivers change notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// PendingWork creates pending-work records. *state.Store implements it.
type PendingWork interface {
	Create(ctx context.Context, rec state.NewRecord) (state.Record, bool, error)
}

// AllowAll grants every permission.
type AllowAll struct{}

func (AllowAll) Evaluate(context.Context, event.Entity, Permission) bool {
	return true
}

// Grants is an Authorizer backed by an explicit set of (entity type,
// permission) grants.
type Grants struct {
	mu     sync.RWMutex
	grants map[event.EntityType][]Permission
}

// NewGrants returns an empty grant set; every evaluation is denied until
// Grant is called.
func NewGrants() *Grants {
	return &Grants{grants: make(map[event.EntityType][]Permission)}
}

// Grant allows permissions on entityType.
func (g *Grants) Grant(entityType event.EntityType, permissions ...Permission) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range permissions {
		if !slices.Contains(g.grants[entityType], p) {
			g.grants[entityType] = append(g.grants[entityType], p)
		}
	}
}

func (g *Grants) Evaluate(_ context.Context, entity event.Entity, permission Permission) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Contains(g.grants[entity.EntityType()], permission)
}

// MemoryCache records evictions. It holds no values; the log is what tests
// and the CLI inspect.
type MemoryCache struct {
	mu        sync.Mutex
	evictions []string
}

func (c *MemoryCache) EvictValue(cacheName, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictions = append(c.evictions, cacheName+":"+key)
}

// Evictions returns the evictions in order, as "cache:key".
func (c *MemoryCache) Evictions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.evictions)
}

// MemoryNotifier collects notifications.
type MemoryNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (n *MemoryNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

// Sent returns the notifications in delivery order.
func (n *MemoryNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.sent)
}
