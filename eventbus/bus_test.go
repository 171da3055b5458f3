package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/internal/testutil"
	"github.com/hupe1980/flowmesh/store"
	"github.com/hupe1980/flowmesh/wait"
)

type recordingResumer struct {
	mu      sync.Mutex
	resumed []core.WaitState
}

func (r *recordingResumer) ResumeWait(_ context.Context, w core.WaitState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumed = append(r.resumed, w)
	return nil
}

type mirrorFunc func(ctx context.Context, ev core.Event) error

func (f mirrorFunc) Mirror(ctx context.Context, ev core.Event) error { return f(ctx, ev) }

func TestBus_PublishWithoutWaiters(t *testing.T) {
	st := store.NewMemory()
	bus := New(func(o *Options) {
		o.Store = st
		o.Waits = wait.NewManager()
	})

	n, err := bus.Publish(context.Background(), "order_processed", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	events := st.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "order_processed", events[0].Name)
	assert.True(t, events[0].Processed)
}

func TestBus_ResumesEachWaiterOnce(t *testing.T) {
	ctx := context.Background()
	waits := wait.NewManager()
	res := &recordingResumer{}
	bus := New(func(o *Options) {
		o.Waits = waits
		o.Resumer = res
	})

	require.NoError(t, waits.Register(ctx, core.WaitState{ExecutionID: "e1", Name: "payment", CursorID: core.MainCursor, Kind: core.WaitEvent}))
	require.NoError(t, waits.Register(ctx, core.WaitState{ExecutionID: "e2", Name: core.EventWaitName("payment", "main/0:b0"), Event: "payment", CursorID: "main/0:b0", Kind: core.WaitEvent}))
	require.NoError(t, waits.Register(ctx, core.WaitState{ExecutionID: "e3", Name: "refund", CursorID: core.MainCursor, Kind: core.WaitEvent}))

	n, err := bus.Publish(ctx, "payment", map[string]any{"amount": 42})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, res.resumed, 2)
	assert.Equal(t, map[string]any{"amount": 42}, res.resumed[0].Payload)

	// Duplicate delivery is a no-op.
	n, err = bus.Publish(ctx, "payment", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, res.resumed, 2)
	assert.Equal(t, 1, waits.Len())
}

func TestBus_SubscribersAndWildcard(t *testing.T) {
	bus := New()
	var got []string
	unsub := bus.Subscribe("signup", func(_ context.Context, ev core.Event) error {
		got = append(got, "named:"+ev.Name)
		return nil
	})
	bus.Subscribe(Wildcard, func(_ context.Context, ev core.Event) error {
		got = append(got, "any:"+ev.Name)
		return errors.New("ignored")
	})

	n, err := bus.Publish(context.Background(), "signup", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"named:signup", "any:signup"}, got)

	unsub()
	n, err = bus.Publish(context.Background(), "signup", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBus_MirrorsLocalPublishesOnly(t *testing.T) {
	var mirrored []string
	bus := New(func(o *Options) {
		o.Mirror = mirrorFunc(func(_ context.Context, ev core.Event) error {
			mirrored = append(mirrored, ev.Name)
			return nil
		})
	})

	_, err := bus.Publish(context.Background(), "local", nil)
	require.NoError(t, err)
	_, err = bus.Inject(context.Background(), core.Event{Name: "remote"})
	require.NoError(t, err)

	assert.Equal(t, []string{"local"}, mirrored)
}

func TestBus_RequiresName(t *testing.T) {
	_, err := New().Publish(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestBus_InjectKeepsRemoteIdentity(t *testing.T) {
	st := store.NewMemory()
	var got core.Event
	bus := New(func(o *Options) { o.Store = st })
	bus.Subscribe("stock_reserved", func(_ context.Context, ev core.Event) error {
		got = ev
		return nil
	})

	ev := testutil.NewEventBuilder("stock_reserved").ID("ev-remote-1").Field("sku", "X1").Field("qty", 2).Build()
	n, err := bus.Inject(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "ev-remote-1", got.ID)
	assert.Equal(t, map[string]any{"sku": "X1", "qty": 2}, got.Payload)

	events := st.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "ev-remote-1", events[0].ID)
	assert.True(t, events[0].Processed)
}
