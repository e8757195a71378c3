package identity

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/entityevents/internal/event"
)

// clone returns a deep copy of one of this package's entities.
func clone(entity event.Entity) (event.Entity, error) {
	switch v := entity.(type) {
	case *Identity:
		c := *v
		c.Positions = slices.Clone(v.Positions)
		return &c, nil
	case *Contract:
		c := *v
		c.Guarantors = slices.Clone(v.Guarantors)
		return &c, nil
	case *ContractGuarantee:
		c := *v
		return &c, nil
	default:
		return nil, fmt.Errorf("unsupported entity %T", entity)
	}
}

// reference returns the id an entity hangs off: an identity for contracts,
// a contract for guarantees.
func reference(entity event.Entity) string {
	switch v := entity.(type) {
	case *Contract:
		return v.IdentityID
	case *ContractGuarantee:
		return v.ContractID
	default:
		return ""
	}
}

// MemoryRepository keeps entities in maps. Stored values are copies; callers
// never share memory with the repository.
//
// Thread-safety: MemoryRepository is safe for concurrent use.
type MemoryRepository struct {
	mu       sync.RWMutex
	entities map[event.EntityType]map[string]event.Entity
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entities: make(map[event.EntityType]map[string]event.Entity)}
}

func (r *MemoryRepository) Find(_ context.Context, entityType event.EntityType, id string) (event.Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.entities[entityType][id]
	if !ok {
		return nil, fmt.Errorf("find %s %s: %w", entityType, id, ErrNotFound)
	}
	return clone(stored)
}

func (r *MemoryRepository) SaveInternal(_ context.Context, entity event.Entity) (event.Entity, error) {
	stored, err := clone(entity)
	if err != nil {
		return nil, fmt.Errorf("save: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byID, ok := r.entities[entity.EntityType()]
	if !ok {
		byID = make(map[string]event.Entity)
		r.entities[entity.EntityType()] = byID
	}
	byID[entity.EntityID()] = stored
	return clone(stored)
}

func (r *MemoryRepository) DeleteInternal(_ context.Context, entityType event.EntityType, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entities[entityType], id)
	return nil
}

func (r *MemoryRepository) ContractsOf(_ context.Context, identityID string) ([]*Contract, error) {
	var out []*Contract
	for _, e := range r.referencing(ContractType, identityID) {
		out = append(out, e.(*Contract))
	}
	return out, nil
}

func (r *MemoryRepository) GuaranteesOf(_ context.Context, contractID string) ([]*ContractGuarantee, error) {
	var out []*ContractGuarantee
	for _, e := range r.referencing(GuaranteeType, contractID) {
		out = append(out, e.(*ContractGuarantee))
	}
	return out, nil
}

// referencing returns copies of the entities of entityType that reference
// ref, ordered by id.
func (r *MemoryRepository) referencing(entityType event.EntityType, ref string) []event.Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []event.Entity
	for _, e := range r.entities[entityType] {
		if reference(e) == ref {
			c, _ := clone(e)
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b event.Entity) int {
		return strings.Compare(a.EntityID(), b.EntityID())
	})
	return out
}

//go:embed schema.sql
var schemaSQL string

// SQLRepository stores entities as JSON documents in the same SQLite
// database as the pending-work store, so the CLI sees one consistent file.
type SQLRepository struct {
	db    *sql.DB
	codec *event.Codec
}

// OpenSQLRepository creates the entity table if needed.
func OpenSQLRepository(db *sql.DB, codec *event.Codec) (*SQLRepository, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to apply identity schema: %w", err)
	}
	return &SQLRepository{db: db, codec: codec}, nil
}

func (r *SQLRepository) Find(ctx context.Context, entityType event.EntityType, id string) (event.Entity, error) {
	var data string
	err := r.db.QueryRowContext(ctx,
		"SELECT data FROM identity_entities WHERE entity_type = ? AND id = ?",
		string(entityType), id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find %s %s: %w", entityType, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find %s %s: %w", entityType, id, err)
	}
	return r.codec.Decode(entityType, []byte(data))
}

func (r *SQLRepository) SaveInternal(ctx context.Context, entity event.Entity) (event.Entity, error) {
	data, err := r.codec.Encode(entity)
	if err != nil {
		return nil, fmt.Errorf("save: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO identity_entities (entity_type, id, ref, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entity_type, id) DO UPDATE SET ref = excluded.ref, data = excluded.data
	`, string(entity.EntityType()), entity.EntityID(), reference(entity), string(data))
	if err != nil {
		return nil, fmt.Errorf("save %s %s: %w", entity.EntityType(), entity.EntityID(), err)
	}
	return r.codec.Decode(entity.EntityType(), data)
}

func (r *SQLRepository) DeleteInternal(ctx context.Context, entityType event.EntityType, id string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM identity_entities WHERE entity_type = ? AND id = ?",
		string(entityType), id,
	)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", entityType, id, err)
	}
	return nil
}

func (r *SQLRepository) ContractsOf(ctx context.Context, identityID string) ([]*Contract, error) {
	entities, err := r.referencing(ctx, ContractType, identityID)
	if err != nil {
		return nil, err
	}
	out := make([]*Contract, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.(*Contract))
	}
	return out, nil
}

func (r *SQLRepository) GuaranteesOf(ctx context.Context, contractID string) ([]*ContractGuarantee, error) {
	entities, err := r.referencing(ctx, GuaranteeType, contractID)
	if err != nil {
		return nil, err
	}
	out := make([]*ContractGuarantee, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.(*ContractGuarantee))
	}
	return out, nil
}

func (r *SQLRepository) referencing(ctx context.Context, entityType event.EntityType, ref string) ([]event.Entity, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT data FROM identity_entities WHERE entity_type = ? AND ref = ? ORDER BY id",
		string(entityType), ref,
	)
	if err != nil {
		return nil, fmt.Errorf("query %s by %s: %w", entityType, ref, err)
	}
	defer rows.Close()

	var out []event.Entity
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", entityType, err)
		}
		e, err := r.codec.Decode(entityType, []byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
