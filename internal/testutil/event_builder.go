package testutil

import (
	"time"

	"github.com/hupe1980/flowmesh/core"
)

// EventBuilder provides a fluent helper for constructing events in tests.
//
//	ev := NewEventBuilder("payment").ID("ev-1").Field("amount", 10).Build()
type EventBuilder struct {
	ev     core.Event
	fields map[string]any
}

// NewEventBuilder creates a builder for an event named name.
func NewEventBuilder(name string) *EventBuilder {
	return &EventBuilder{ev: core.Event{ID: core.NewID(), Name: name, CreatedAt: time.Now().UTC()}}
}

// ID overrides the generated id (chainable).
func (b *EventBuilder) ID(id string) *EventBuilder { b.ev.ID = id; return b }

// At sets the creation time (chainable).
func (b *EventBuilder) At(t time.Time) *EventBuilder { b.ev.CreatedAt = t; return b }

// Payload sets a raw payload (chainable). It replaces any fields.
func (b *EventBuilder) Payload(p any) *EventBuilder { b.ev.Payload = p; b.fields = nil; return b }

// Field adds a key to a map payload (chainable).
func (b *EventBuilder) Field(k string, v any) *EventBuilder {
	if b.fields == nil {
		b.fields = map[string]any{}
	}
	b.fields[k] = v
	return b
}

// Build returns the event.
func (b *EventBuilder) Build() core.Event {
	ev := b.ev
	if b.fields != nil {
		ev.Payload = b.fields
	}
	return ev
}
