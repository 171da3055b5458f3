// Package eventbus implements named-topic publish/subscribe for executions.
//
// Publishing an event persists it, closes every open Event wait registered
// for that name (each waiter transitions exactly once) and resumes the
// parked branches, then notifies subscribers such as WHEN triggers and the
// router. Publishing with no waiters and no subscribers succeeds.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
	"github.com/hupe1980/flowmesh/wait"
)

// Wildcard subscribes to every event name.
const Wildcard = "*"

// Handler receives published events.
type Handler func(ctx context.Context, ev core.Event) error

// Mirror forwards locally published events to a remote transport.
type Mirror interface {
	Mirror(ctx context.Context, ev core.Event) error
}

// Options configure a Bus.
type Options struct {
	Store   core.ExecutionStore
	Waits   *wait.Manager
	Resumer wait.Resumer
	Mirror  Mirror
	Logger  logging.Logger
	// OnPublish observes every publish with the number of deliveries.
	OnPublish func(ev core.Event, delivered int)
}

type subscription struct {
	id      uint64
	name    string
	handler Handler
}

// Bus is the event bus.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]subscription
	nextID  uint64
	resumer wait.Resumer
	mirror  Mirror

	store     core.ExecutionStore
	waits     *wait.Manager
	logger    logging.Logger
	onPublish func(core.Event, int)
}

// New creates an event bus.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Bus{
		subs:      make(map[string][]subscription),
		resumer:   opts.Resumer,
		mirror:    opts.Mirror,
		store:     opts.Store,
		waits:     opts.Waits,
		logger:    logging.OrNoOp(opts.Logger),
		onPublish: opts.OnPublish,
	}
}

// SetResumer installs the component that continues branches whose event
// wait was satisfied.
func (b *Bus) SetResumer(r wait.Resumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resumer = r
}

// SetMirror installs a remote mirror for local publishes.
func (b *Bus) SetMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// Subscribe registers h for events named name, or for every event when
// name is Wildcard. The returned function removes the subscription.
func (b *Bus) Subscribe(name string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, name: name, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[name]
		for i, s := range list {
			if s.id == id {
				b.subs[name] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish creates and delivers an event. It returns the number of waiters
// resumed plus subscribers notified.
func (b *Bus) Publish(ctx context.Context, name string, payload any) (int, error) {
	if name == "" {
		return 0, errors.New("publish: event name is required")
	}
	ev := core.NewEvent(name, payload)
	n, err := b.deliver(ctx, ev)
	if err != nil {
		return n, err
	}

	b.mu.RLock()
	mirror := b.mirror
	b.mu.RUnlock()
	if mirror != nil {
		if err := mirror.Mirror(ctx, ev); err != nil {
			b.logger.Warn("Failed to mirror event", "event", ev.Name, "id", ev.ID, "error", err)
		}
	}
	return n, nil
}

// Inject delivers an event received from a remote transport. It is not
// mirrored back.
func (b *Bus) Inject(ctx context.Context, ev core.Event) (int, error) {
	if ev.Name == "" {
		return 0, errors.New("inject: event name is required")
	}
	if ev.ID == "" {
		ev.ID = core.NewID()
	}
	return b.deliver(ctx, ev)
}

func (b *Bus) deliver(ctx context.Context, ev core.Event) (int, error) {
	if b.store != nil {
		if err := b.store.SaveEvent(ctx, ev); err != nil {
			return 0, fmt.Errorf("publish %s: %w", ev.Name, err)
		}
	}

	delivered := b.resumeWaiters(ctx, ev)
	delivered += b.notify(ctx, ev)

	if b.store != nil {
		if err := b.store.MarkEventProcessed(ctx, ev.ID); err != nil {
			b.logger.Warn("Failed to mark event processed", "event", ev.Name, "id", ev.ID, "error", err)
		}
	}
	b.logger.Debug("Event published", "event", ev.Name, "id", ev.ID, "delivered", delivered)
	if b.onPublish != nil {
		b.onPublish(ev, delivered)
	}
	return delivered, nil
}

func (b *Bus) resumeWaiters(ctx context.Context, ev core.Event) int {
	if b.waits == nil {
		return 0
	}
	b.mu.RLock()
	resumer := b.resumer
	b.mu.RUnlock()

	n := 0
	for _, w := range b.waits.EventWaiters(ev.Name) {
		closed, err := b.waits.Satisfy(ctx, w.Key(), ev.Payload)
		if err != nil {
			// Lost to a timeout or a concurrent publisher.
			b.logger.Debug("Event wait already closed", "wait", w.Key().String(), "error", err)
			continue
		}
		n++
		if resumer == nil {
			continue
		}
		if err := resumer.ResumeWait(ctx, closed); err != nil {
			b.logger.Warn("Failed to resume event waiter", "wait", closed.Key().String(), "error", err)
		}
	}
	return n
}

func (b *Bus) notify(ctx context.Context, ev core.Event) int {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs[ev.Name])+len(b.subs[Wildcard]))
	subs = append(subs, b.subs[ev.Name]...)
	if ev.Name != Wildcard {
		subs = append(subs, b.subs[Wildcard]...)
	}
	b.mu.RUnlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	for _, s := range subs {
		if err := s.handler(ctx, ev); err != nil {
			b.logger.Warn("Event subscriber failed", "event", ev.Name, "subscription", s.name, "error", err)
		}
	}
	return len(subs)
}
