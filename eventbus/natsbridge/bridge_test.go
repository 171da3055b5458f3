package natsbridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/eventbus"
)

type fakeConn struct {
	mu        sync.Mutex
	published map[string][][]byte
	handler   nats.MsgHandler
	subject   string
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.published == nil {
		c.published = make(map[string][][]byte)
	}
	c.published[subj] = append(c.published[subj], data)
	return nil
}

func (c *fakeConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.subject = subj
	c.handler = cb
	return nil, nil
}

func (c *fakeConn) deliver(subj string, env Envelope) {
	data, _ := json.Marshal(env)
	c.handler(&nats.Msg{Subject: subj, Data: data})
}

func TestBridge_MirrorsLocalPublish(t *testing.T) {
	conn := &fakeConn{}
	bus := eventbus.New()
	New(conn, bus, func(o *Options) { o.Prefix = "test.events" })

	_, err := bus.Publish(context.Background(), "order_paid", map[string]any{"id": "o-1"})
	require.NoError(t, err)

	msgs := conn.published["test.events.order_paid"]
	require.Len(t, msgs, 1)
	var env Envelope
	require.NoError(t, json.Unmarshal(msgs[0], &env))
	assert.Equal(t, "order_paid", env.Name)
	assert.Equal(t, map[string]any{"id": "o-1"}, env.Payload)
}

func TestBridge_InjectsRemoteEvents(t *testing.T) {
	conn := &fakeConn{}
	bus := eventbus.New()
	br := New(conn, bus, func(o *Options) { o.Origin = "node-a" })
	require.NoError(t, br.Start(context.Background()))
	assert.Equal(t, DefaultPrefix+".>", conn.subject)
	assert.Error(t, br.Start(context.Background()))

	var got []core.Event
	bus.Subscribe(eventbus.Wildcard, func(_ context.Context, ev core.Event) error {
		got = append(got, ev)
		return nil
	})

	conn.deliver(DefaultPrefix+".shipped", Envelope{ID: "ev-1", Name: "shipped", Origin: "node-b"})
	// Own echoes are dropped.
	conn.deliver(DefaultPrefix+".shipped", Envelope{ID: "ev-2", Name: "shipped", Origin: "node-a"})
	// Name falls back to the subject.
	conn.deliver(DefaultPrefix+".refunded", Envelope{ID: "ev-3", Origin: "node-b"})

	require.Len(t, got, 2)
	assert.Equal(t, "ev-1", got[0].ID)
	assert.Equal(t, "refunded", got[1].Name)

	// Injected events are not mirrored back out.
	assert.Empty(t, conn.published)
}
