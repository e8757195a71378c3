package event

import (
	"fmt"
	"strings"
)

// EntityType names the domain type an event concerns (e.g. "contract").
type EntityType string

// EventType is the lifecycle event kind.
//
// The core set is closed; domain packages may declare additional
// entity-specific types (e.g. identity RECALCULATE) as EventType constants.
type EventType string

const (
	Create     EventType = "CREATE"
	Update     EventType = "UPDATE"
	Delete     EventType = "DELETE"
	CustomSave EventType = "CUSTOM_SAVE"
	Notify     EventType = "NOTIFY"
)

// CoreTypes returns the lifecycle types every entity supports.
func CoreTypes() []EventType {
	return []EventType{Create, Update, Delete, CustomSave, Notify}
}

// Valid reports whether t is a well-formed event type name:
// non-empty, upper-case letters, digits and underscores.
func (t EventType) Valid() bool {
	if t == "" {
		return false
	}
	for _, r := range string(t) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}

// Priority orders deferred work. HIGH must be honored by every queue that
// defers envelopes.
type Priority int

const (
	Normal Priority = iota
	High
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case High:
		return "HIGH"
	default:
		return "NORMAL"
	}
}

// ParsePriority parses "NORMAL" or "HIGH" (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NORMAL", "":
		return Normal, nil
	case "HIGH":
		return High, nil
	default:
		return Normal, fmt.Errorf("unknown priority %q", s)
	}
}

// Max returns the more urgent of two priorities.
func Max(a, b Priority) Priority {
	if b > a {
		return b
	}
	return a
}

// Entity is the payload carried by an envelope.
type Entity interface {
	EntityType() EntityType
	EntityID() string
}

// Key identifies an (entity type, event type, entity id) triple.
// The dispatcher's cycle guard compares keys along a chain's ancestry.
type Key struct {
	EntityType EntityType
	EventType  EventType
	EntityID   string
}

// String renders the key as "entity:EVENT:id".
func (k Key) String() string {
	return string(k.EntityType) + ":" + string(k.EventType) + ":" + k.EntityID
}
