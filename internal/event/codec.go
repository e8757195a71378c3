package event

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// Factory returns a zero entity of one entity type, ready to be decoded into.
type Factory func() Entity

// Codec encodes and decodes entity payloads for persisted envelopes.
//
// Domain packages register one factory per entity type at startup.
// Thread-safety: Codec is safe for concurrent use.
type Codec struct {
	mu        sync.RWMutex
	factories map[EntityType]Factory
}

// NewCodec creates an empty codec.
func NewCodec() *Codec {
	return &Codec{factories: make(map[EntityType]Factory)}
}

// Register binds a factory to an entity type. Registering the same type
// twice is an error.
func (c *Codec) Register(entityType EntityType, factory Factory) error {
	if entityType == "" {
		return fmt.Errorf("register codec: entity type is required")
	}
	if factory == nil {
		return fmt.Errorf("register codec %s: factory is required", entityType)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.factories[entityType]; exists {
		return fmt.Errorf("register codec %s: already registered", entityType)
	}
	c.factories[entityType] = factory
	return nil
}

// Encode marshals an entity. A nil entity encodes to nil.
func (c *Codec) Encode(entity Entity) ([]byte, error) {
	if entity == nil {
		return nil, nil
	}
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", entity.EntityType(), entity.EntityID(), err)
	}
	return data, nil
}

// Decode unmarshals data into a fresh entity of entityType. Empty data
// decodes to nil.
func (c *Codec) Decode(entityType EntityType, data []byte) (Entity, error) {
	if len(data) == 0 {
		return nil, nil
	}

	c.mu.RLock()
	factory, ok := c.factories[entityType]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("decode %s: no codec registered", entityType)
	}

	entity := factory()
	if err := json.Unmarshal(data, entity); err != nil {
		return nil, fmt.Errorf("decode %s: %w", entityType, err)
	}
	return entity, nil
}

// EntityTypes returns the registered entity types in sorted order.
func (c *Codec) EntityTypes() []EntityType {
	c.mu.RLock()
	defer c.mu.RUnlock()

	types := make([]EntityType, 0, len(c.factories))
	for t := range c.factories {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
