// Package natsbridge connects an eventbus.Bus to NATS. Local publishes are
// mirrored to "<prefix>.<event>" subjects and messages received on
// "<prefix>.>" from other processes are injected into the local bus.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/eventbus"
	"github.com/hupe1980/flowmesh/logging"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "flowmesh.events"

// Conn is the subset of *nats.Conn used by the bridge.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Envelope is the wire form of an event.
type Envelope struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Payload   any       `json:"payload,omitempty"`
	Origin    string    `json:"origin"`
	CreatedAt time.Time `json:"created_at"`
}

// Options configure a Bridge.
type Options struct {
	Prefix string
	// Origin identifies this process; messages carrying it are not injected.
	Origin string
	Logger logging.Logger
}

// Bridge mirrors events between a local bus and NATS.
type Bridge struct {
	conn   Conn
	bus    *eventbus.Bus
	prefix string
	origin string
	logger logging.Logger

	mu      sync.Mutex
	started bool
	sub     *nats.Subscription
}

// Connect dials a NATS server.
func Connect(url string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("flowmesh"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", url, err)
	}
	return conn, nil
}

// New creates a bridge and installs it as bus's mirror.
func New(conn Conn, bus *eventbus.Bus, optFns ...func(o *Options)) *Bridge {
	opts := Options{Prefix: DefaultPrefix, Origin: core.NewID(), Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	b := &Bridge{
		conn:   conn,
		bus:    bus,
		prefix: strings.TrimSuffix(opts.Prefix, "."),
		origin: opts.Origin,
		logger: logging.OrNoOp(opts.Logger),
	}
	bus.SetMirror(b)
	return b
}

// Subject returns the subject an event is mirrored to.
func (b *Bridge) Subject(event string) string {
	return b.prefix + "." + event
}

// Mirror publishes ev to NATS.
func (b *Bridge) Mirror(ctx context.Context, ev core.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}
	data, err := json.Marshal(Envelope{
		ID:        ev.ID,
		Name:      ev.Name,
		Payload:   ev.Payload,
		Origin:    b.origin,
		CreatedAt: ev.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Name, err)
	}
	subject := b.Subject(ev.Name)
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Start subscribes to the prefix wildcard and injects inbound events into
// the bus until Stop is called.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return errors.New("bridge already started")
	}
	subject := b.prefix + ".>"
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		b.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	b.sub = sub
	b.started = true
	b.logger.Info("NATS bridge started", "subject", subject)
	return nil
}

// Stop removes the inbound subscription.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil
	}
	b.started = false
	sub := b.sub
	b.sub = nil
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (b *Bridge) handle(ctx context.Context, msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.logger.Warn("Dropping malformed event message", "subject", msg.Subject, "error", err)
		return
	}
	if env.Origin == b.origin {
		return
	}
	if env.Name == "" {
		env.Name = strings.TrimPrefix(msg.Subject, b.prefix+".")
	}
	ev := core.Event{ID: env.ID, Name: env.Name, Payload: env.Payload, CreatedAt: env.CreatedAt}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if _, err := b.bus.Inject(ctx, ev); err != nil {
		b.logger.Warn("Failed to inject remote event", "event", ev.Name, "error", err)
	}
}
