package event

import (
	"errors"
	"slices"
)

// DefaultIDs generates ids for envelopes built without WithID or
// WithIDGenerator.
var DefaultIDs IDGenerator = UUIDv7Generator{}

// Envelope is the unit of dispatch: one lifecycle event for one entity.
//
// Current is the only mutable slot and only the executing handler replaces
// it (through its result). Original is fixed at construction and has no
// setter. The property bag is shared by reference across every handler of
// the chain.
type Envelope struct {
	id       string
	rootID   string
	parentID string

	entityType EntityType
	eventType  EventType

	current  Entity
	original Entity

	properties *Properties

	priority     Priority
	superOwnerID string

	depth int
	path  []Key
}

// Option configures an envelope at construction.
type Option func(*envelopeConfig)

type envelopeConfig struct {
	original     Entity
	priority     Priority
	superOwnerID string
	properties   *Properties
	id           string
	ids          IDGenerator
}

// WithOriginal sets the pre-change snapshot. Leave unset for CREATE.
func WithOriginal(original Entity) Option {
	return func(c *envelopeConfig) { c.original = original }
}

// WithPriority sets the envelope priority (default Normal).
func WithPriority(p Priority) Option {
	return func(c *envelopeConfig) { c.priority = p }
}

// WithSuperOwner tags the envelope with the aggregate root that serializes
// its asynchronous chains.
func WithSuperOwner(id string) Option {
	return func(c *envelopeConfig) { c.superOwnerID = id }
}

// WithProperties uses props as the envelope's bag. The bag is shared, not
// copied.
func WithProperties(props *Properties) Option {
	return func(c *envelopeConfig) { c.properties = props }
}

// WithID fixes the envelope id.
func WithID(id string) Option {
	return func(c *envelopeConfig) { c.id = id }
}

// WithIDGenerator draws the envelope id from gen.
func WithIDGenerator(gen IDGenerator) Option {
	return func(c *envelopeConfig) { c.ids = gen }
}

// New creates a root envelope for eventType.
//
// The entity type is taken from current, or from original when current is
// nil (a delete that only carries the snapshot).
func New(eventType EventType, current Entity, opts ...Option) *Envelope {
	cfg := envelopeConfig{ids: DefaultIDs}
	for _, opt := range opts {
		opt(&cfg)
	}

	id := cfg.id
	if id == "" {
		id = cfg.ids.Generate()
	}
	props := cfg.properties
	if props == nil {
		props = NewProperties()
	}

	env := &Envelope{
		id:           id,
		rootID:       id,
		eventType:    eventType,
		current:      current,
		original:     cfg.original,
		properties:   props,
		priority:     cfg.priority,
		superOwnerID: cfg.superOwnerID,
	}
	switch {
	case current != nil:
		env.entityType = current.EntityType()
	case cfg.original != nil:
		env.entityType = cfg.original.EntityType()
	}
	return env
}

// Header carries the chain bookkeeping of a persisted envelope.
type Header struct {
	ID           string
	RootID       string
	ParentID     string
	EntityType   EntityType
	EventType    EventType
	Priority     Priority
	SuperOwnerID string
	Depth        int
}

// Restore rebuilds an envelope loaded from storage. The ancestor path is
// not persisted; a restored envelope starts a fresh cycle-guard path at its
// stored depth.
func Restore(h Header, current, original Entity, props *Properties) *Envelope {
	if props == nil {
		props = NewProperties()
	}
	rootID := h.RootID
	if rootID == "" {
		rootID = h.ID
	}
	return &Envelope{
		id:           h.ID,
		rootID:       rootID,
		parentID:     h.ParentID,
		entityType:   h.EntityType,
		eventType:    h.EventType,
		current:      current,
		original:     original,
		properties:   props,
		priority:     h.Priority,
		superOwnerID: h.SuperOwnerID,
		depth:        h.Depth,
	}
}

// Link places e under parent in a chain: e shares the parent's root, gets
// the more urgent of both priorities, sits one level deeper and records the
// parent in its ancestor path. When nest is true and e has no super-owner,
// the parent's super-owner is inherited.
func (e *Envelope) Link(parent *Envelope, nest bool) {
	e.parentID = parent.id
	e.rootID = parent.rootID
	e.priority = Max(e.priority, parent.priority)
	e.depth = parent.depth + 1
	e.path = append(slices.Clone(parent.path), parent.Key())
	if nest && e.superOwnerID == "" {
		e.superOwnerID = parent.superOwnerID
	}
}

// Validate checks the fields the dispatcher relies on.
func (e *Envelope) Validate() error {
	if e.id == "" {
		return errors.New("envelope id is required")
	}
	if e.entityType == "" {
		return errors.New("envelope entity type is required (current or original must be set)")
	}
	if !e.eventType.Valid() {
		return errors.New("envelope event type is invalid: " + string(e.eventType))
	}
	return nil
}

// ID returns the envelope id.
func (e *Envelope) ID() string {
	return e.id
}

// RootID returns the id of the chain's first envelope.
func (e *Envelope) RootID() string {
	return e.rootID
}

// ParentID returns the direct parent's id, or "" for roots.
func (e *Envelope) ParentID() string {
	return e.parentID
}

func (e *Envelope) EntityType() EntityType {
	return e.entityType
}

func (e *Envelope) EventType() EventType {
	return e.eventType
}

// Current returns the payload after the operation.
func (e *Envelope) Current() Entity {
	return e.current
}

// Original returns the pre-change snapshot, nil for CREATE.
func (e *Envelope) Original() Entity {
	return e.original
}

// Properties returns the chain-shared bag.
func (e *Envelope) Properties() *Properties {
	return e.properties
}

func (e *Envelope) Priority() Priority {
	return e.priority
}

func (e *Envelope) SuperOwnerID() string {
	return e.superOwnerID
}

// Depth returns the number of ancestors (0 for roots).
func (e *Envelope) Depth() int {
	return e.depth
}

// Path returns the ancestor keys from the root down to the direct parent.
func (e *Envelope) Path() []Key {
	return slices.Clone(e.path)
}

// SetCurrent replaces the current payload. Only the dispatcher calls this,
// with the result of the handler that just returned.
func (e *Envelope) SetCurrent(current Entity) {
	e.current = current
}

// EntityID returns the id of current, falling back to original.
func (e *Envelope) EntityID() string {
	switch {
	case e.current != nil:
		return e.current.EntityID()
	case e.original != nil:
		return e.original.EntityID()
	default:
		return ""
	}
}

// Key returns the envelope's (entity type, event type, entity id) triple.
func (e *Envelope) Key() Key {
	return Key{EntityType: e.entityType, EventType: e.eventType, EntityID: e.EntityID()}
}

// IsRoot reports whether the envelope has no parent.
func (e *Envelope) IsRoot() bool {
	return e.parentID == ""
}
