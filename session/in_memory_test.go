package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/store"
)

func ticking() func() time.Time {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func TestInMemoryStore_JoinLeave(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore(func(o *Options) { o.Now = ticking() })

	first, err := s.Join(ctx, "s1", core.Bot{Name: "sales", Priority: 5})
	require.NoError(t, err)
	_, err = s.Join(ctx, "s1", core.Bot{Name: "support", Priority: 1})
	require.NoError(t, err)

	prio := 9
	again, err := s.Join(ctx, "s1", core.Bot{Name: "sales", Priority: 5}, func(o *JoinOptions) { o.Priority = &prio })
	require.NoError(t, err)
	assert.Equal(t, first.JoinedAt, again.JoinedAt)
	assert.Equal(t, 9, again.Priority)

	active, err := s.Active(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "sales", active[0].Name())

	require.NoError(t, s.Leave(ctx, "s1", "sales"))
	assert.ErrorIs(t, s.Leave(ctx, "s1", "sales"), ErrBotNotActive)

	active, err = s.Active(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "support", active[0].Name())

	rejoined, err := s.Join(ctx, "s1", core.Bot{Name: "sales"})
	require.NoError(t, err)
	assert.True(t, rejoined.JoinedAt.After(first.JoinedAt))
}

func TestInMemoryStore_PersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	s := NewInMemoryStore(func(o *Options) {
		o.Persist = backend
		o.Now = ticking()
	})
	override := &core.Trigger{Kind: core.TriggerKeyword, Keywords: []string{"refund"}}
	_, err := s.Join(ctx, "s1", core.Bot{Name: "billing", Trigger: core.Trigger{Kind: core.TriggerAlways}}, func(o *JoinOptions) { o.Trigger = override })
	require.NoError(t, err)

	reloaded := NewInMemoryStore(func(o *Options) { o.Persist = backend })
	active, err := reloaded.Active(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, core.TriggerKeyword, active[0].EffectiveTrigger().Kind)
}

func TestInMemoryStore_Transcript(t *testing.T) {
	s := NewInMemoryStore(func(o *Options) { o.MaxTranscript = 2 })
	s.AppendMessage(core.Message{SessionID: "s1", Author: "user", Text: "one"})
	s.AppendMessage(core.Message{SessionID: "s1", Author: "bot", Text: "two"})
	msg := s.AppendMessage(core.Message{SessionID: "s1", Author: "bot", Text: "three"})
	assert.NotEmpty(t, msg.ID)

	got := s.Transcript("s1")
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Text)
	assert.Equal(t, "three", got[1].Text)
	assert.Nil(t, s.Transcript("unknown"))
}
