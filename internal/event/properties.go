package event

import (
	"slices"
	"strings"

	"github.com/roach88/entityevents/internal/value"
)

// Well-known control flags.
const (
	// SkipCascade suppresses cascading child events (e.g. guarantee deletes).
	SkipCascade = "skip-cascade"

	// SkipAuthorityCheck bypasses permission evaluation in handlers that
	// would otherwise consult the authorizer.
	SkipAuthorityCheck = "skip-authority-check"

	// Force requests the deferred (force) variant of an operation.
	Force = "force"
)

// Properties is the ordered string-keyed bag shared by every handler of one
// chain. Keys iterate in insertion order; overwriting a key keeps its
// original position.
//
// Properties is not safe for concurrent use. A chain runs on one goroutine.
type Properties struct {
	keys   []string
	values map[string]value.Value
}

// NewProperties creates an empty bag.
func NewProperties() *Properties {
	return &Properties{values: make(map[string]value.Value)}
}

// PropertiesFrom builds a bag from an object. Keys listed in order are
// inserted first, in that order; the rest follow in canonical order.
func PropertiesFrom(obj value.Object, order ...string) *Properties {
	p := NewProperties()
	for _, k := range order {
		if v, ok := obj[k]; ok {
			p.Set(k, v)
		}
	}
	for _, k := range obj.SortedKeys() {
		if _, done := p.values[k]; !done {
			p.Set(k, obj[k])
		}
	}
	return p
}

// Set stores v under key. A nil v stores value.Null.
func (p *Properties) Set(key string, v value.Value) {
	if v == nil {
		v = value.Null{}
	}
	if _, exists := p.values[key]; !exists {
		p.keys = append(p.keys, key)
	}
	p.values[key] = v
}

// SetBool is shorthand for Set(key, value.Bool(b)).
func (p *Properties) SetBool(key string, b bool) {
	p.Set(key, value.Bool(b))
}

// SetString is shorthand for Set(key, value.String(s)).
func (p *Properties) SetString(key, s string) {
	p.Set(key, value.String(s))
}

// Get returns the value under key, or nil when absent.
func (p *Properties) Get(key string) value.Value {
	return p.values[key]
}

// Lookup returns the value under key and whether it was present.
func (p *Properties) Lookup(key string) (value.Value, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Bool reports the flag under key. A boolean true or the string "true"
// (case-insensitive) count as set; anything else, including absence,
// counts as unset.
func (p *Properties) Bool(key string) bool {
	switch v := p.values[key].(type) {
	case value.Bool:
		return bool(v)
	case value.String:
		return strings.EqualFold(strings.TrimSpace(string(v)), "true")
	default:
		return false
	}
}

// String returns the string under key, or "" when absent or not a string.
func (p *Properties) String(key string) string {
	if s, ok := p.values[key].(value.String); ok {
		return string(s)
	}
	return ""
}

// Delete removes key. Deleting an absent key is a no-op.
func (p *Properties) Delete(key string) {
	if _, ok := p.values[key]; !ok {
		return
	}
	delete(p.values, key)
	p.keys = slices.DeleteFunc(p.keys, func(k string) bool { return k == key })
}

// Keys returns the keys in insertion order.
func (p *Properties) Keys() []string {
	return slices.Clone(p.keys)
}

// Len returns the number of entries.
func (p *Properties) Len() int {
	return len(p.keys)
}

// Copy returns a fresh bag holding the same entries, minus excluded keys.
// Values are immutable so the copy is shallow.
func (p *Properties) Copy(exclude ...string) *Properties {
	out := NewProperties()
	for _, k := range p.keys {
		if slices.Contains(exclude, k) {
			continue
		}
		out.Set(k, p.values[k])
	}
	return out
}

// Object returns the entries as a value.Object for persistence.
func (p *Properties) Object() value.Object {
	obj := make(value.Object, len(p.keys))
	for _, k := range p.keys {
		obj[k] = p.values[k]
	}
	return obj
}
