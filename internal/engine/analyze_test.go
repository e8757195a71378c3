package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityevents/internal/event"
)

func emitting(name string, et event.EntityType, types []event.EventType, emits ...event.Key) Handler {
	h := handlerFor(name, et, 0, nil, types...)
	h.emits = emits
	return emittingHandler{h}
}

func TestAnalyzeCycles_NoEmitters(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(handlerFor("save", itemType, 0, nil))
	assert.Empty(t, AnalyzeCycles(r))
	assert.NotNil(t, AnalyzeCycles(NewRegistry()))
}

func TestAnalyzeCycles_AcyclicCascade(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(
		emitting("cascade", ownerType, []event.EventType{event.Delete},
			event.Key{EntityType: itemType, EventType: event.Delete}),
		handlerFor("item-delete", itemType, 0, nil, event.Delete),
	)
	assert.Empty(t, AnalyzeCycles(r))
}

func TestAnalyzeCycles_TwoHandlerCycle(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(
		emitting("owner-sync", ownerType, []event.EventType{event.Update},
			event.Key{EntityType: itemType, EventType: event.Update}),
		emitting("item-sync", itemType, []event.EventType{event.Update},
			event.Key{EntityType: ownerType, EventType: event.Update}),
	)

	warnings := AnalyzeCycles(r)
	require.Len(t, warnings, 1)
	assert.Equal(t, []string{"item/item-sync", "owner/owner-sync", "item/item-sync"}, warnings[0].Path)
	assert.Equal(t, "warning", warnings[0].Level)
	assert.Contains(t, warnings[0].Message, "potential event cycle")
}

func TestAnalyzeCycles_SelfLoop(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(emitting("echo", itemType, []event.EventType{event.Update},
		event.Key{EntityType: itemType, EventType: event.Update}))

	warnings := AnalyzeCycles(r)
	require.Len(t, warnings, 1)
	assert.Equal(t, []string{"item/echo", "item/echo"}, warnings[0].Path)
	assert.Contains(t, warnings[0].Message, "handles itself")
}

func TestAnalyzeCycles_Deterministic(t *testing.T) {
	build := func() *Registry {
		r := NewRegistry()
		r.MustRegister(
			emitting("a", itemType, []event.EventType{event.Update},
				event.Key{EntityType: ownerType, EventType: event.Update}),
			emitting("b", ownerType, []event.EventType{event.Update},
				event.Key{EntityType: itemType, EventType: event.Update}),
			emitting("c", itemType, []event.EventType{event.Create},
				event.Key{EntityType: itemType, EventType: event.Create}),
		)
		return r
	}

	first := AnalyzeCycles(build())
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, AnalyzeCycles(build()))
	}
	assert.Len(t, first, 2)
}
