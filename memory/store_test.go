package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowmesh/store"
)

func fixedClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestStore_WriteRead(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "sales", "customer", "acme"))
	v, ok := s.Read("sales", "customer")
	require.True(t, ok)
	assert.Equal(t, "acme", v)

	_, ok = s.Read("support", "customer")
	assert.False(t, ok)
}

func TestStore_ShareIsSnapshot(t *testing.T) {
	s := NewStore(func(o *Options) { o.Now = fixedClock() })
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "sales", "customer", map[string]any{"name": "acme"}))
	require.NoError(t, s.Share(ctx, "sales", "customer", "support"))

	v, ok := s.Read("support", "customer")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"name": "acme"}, v)

	// Later writes by the source stay invisible until shared again.
	require.NoError(t, s.Write(ctx, "sales", "customer", map[string]any{"name": "globex"}))
	v, _ = s.Read("support", "customer")
	assert.Equal(t, map[string]any{"name": "acme"}, v)

	require.NoError(t, s.Share(ctx, "sales", "customer", "support"))
	v, _ = s.Read("support", "customer")
	assert.Equal(t, map[string]any{"name": "globex"}, v)

	edges := s.Edges()
	require.Len(t, edges, 2)
	assert.Equal(t, "sales", edges[0].Source)
	assert.Equal(t, "support", edges[0].Target)
}

func TestStore_ShareMissingKey(t *testing.T) {
	s := NewStore()
	err := s.Share(context.Background(), "sales", "nope", "support")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStore_OwnValueWinsOverShared(t *testing.T) {
	s := NewStore(func(o *Options) { o.Now = fixedClock() })
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "sales", "tier", "gold"))
	require.NoError(t, s.Share(ctx, "sales", "tier", "support"))
	require.NoError(t, s.Write(ctx, "support", "tier", "silver"))

	v, _ := s.Read("support", "tier")
	assert.Equal(t, "silver", v)
}

func TestStore_GroupVisibility(t *testing.T) {
	s := NewStore(func(o *Options) { o.Now = fixedClock() })
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "sales", "region", "emea"))
	require.NoError(t, s.Share(ctx, "sales", "region", "team"))

	_, ok := s.Read("billing", "region")
	assert.False(t, ok)

	require.NoError(t, s.JoinGroup(ctx, "billing", "team"))
	v, ok := s.Read("billing", "region")
	require.True(t, ok)
	assert.Equal(t, "emea", v)
	assert.Equal(t, []string{"region"}, s.Keys("billing"))

	require.NoError(t, s.LeaveGroup(ctx, "billing", "team"))
	_, ok = s.Read("billing", "region")
	assert.False(t, ok)
}

func TestStore_RestoreFromPersist(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()

	s := NewStore(func(o *Options) {
		o.Persist = backend
		o.Now = fixedClock()
	})
	require.NoError(t, s.Write(ctx, "sales", "customer", "acme"))
	require.NoError(t, s.Share(ctx, "sales", "customer", "support"))

	restored := NewStore(func(o *Options) { o.Persist = backend })
	require.NoError(t, restored.Restore(ctx))

	v, ok := restored.Read("support", "customer")
	require.True(t, ok)
	assert.Equal(t, "acme", v)
	require.Len(t, restored.Edges(), 1)
}

func TestStore_RestoreGroupMembership(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()

	s := NewStore(func(o *Options) {
		o.Persist = backend
		o.Now = fixedClock()
	})
	require.NoError(t, s.Write(ctx, "sales", "region", "emea"))
	require.NoError(t, s.Share(ctx, "sales", "region", "team"))
	require.NoError(t, s.JoinGroup(ctx, "billing", "team"))
	require.NoError(t, s.JoinGroup(ctx, "audit", "team"))
	require.NoError(t, s.LeaveGroup(ctx, "audit", "team"))

	restored := NewStore(func(o *Options) { o.Persist = backend })
	require.NoError(t, restored.Restore(ctx))

	v, ok := restored.Read("billing", "region")
	require.True(t, ok)
	assert.Equal(t, "emea", v)
	_, ok = restored.Read("audit", "region")
	assert.False(t, ok)
}

func TestStore_ConcurrentWrites(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Write(ctx, "bot", "counter", i)
			_ = s.Share(ctx, "bot", "counter", "peer")
			_, _ = s.Read("peer", "counter")
		}(i)
	}
	wg.Wait()

	_, ok := s.Read("peer", "counter")
	assert.True(t, ok)
	assert.Len(t, s.Edges(), 50)
}
