// Package storetest holds a conformance suite every core.ExecutionStore
// backend must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowmesh/core"
)

// Run exercises newStore against the ExecutionStore contract.
func Run(t *testing.T, newStore func(t *testing.T) core.ExecutionStore) {
	t.Run("Executions", func(t *testing.T) { testExecutions(t, newStore(t)) })
	t.Run("Waits", func(t *testing.T) { testWaits(t, newStore(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, newStore(t)) })
	t.Run("Memory", func(t *testing.T) { testMemory(t, newStore(t)) })
	t.Run("Groups", func(t *testing.T) { testGroups(t, newStore(t)) })
	t.Run("SessionBots", func(t *testing.T) { testSessionBots(t, newStore(t)) })
}

var base = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func testExecutions(t *testing.T, s core.ExecutionStore) {
	ctx := context.Background()
	_, err := s.LoadExecution(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrExecutionNotFound))

	def := &core.ScriptDefinition{Name: "order", Source: "BOT \"a\" \"b\"", Main: core.MainBranch}
	e1 := core.NewExecution(def, core.MainBranch, "s1", map[string]any{"amount": float64(10), "who": "ana"}, base)
	e1.Cursors[core.MainCursor].Frames = append(e1.Cursors[core.MainCursor].Frames, core.Frame{Branch: "main/0:then", Index: 2})
	e1.Cursors["c1"] = &core.Cursor{ID: "c1", ParentID: core.MainCursor, Status: core.CursorWaiting, Wait: "approval_1", Frames: []core.Frame{{Branch: "main/1:A"}}}
	e1.Status = core.StatusWaiting
	require.NoError(t, s.SaveExecution(ctx, e1))

	e2 := core.NewExecution(def, core.MainBranch, "", nil, base.Add(time.Minute))
	e2.Status = core.StatusCompleted
	require.NoError(t, s.SaveExecution(ctx, e2))

	got, err := s.LoadExecution(ctx, e1.ID)
	require.NoError(t, err)
	assert.Equal(t, e1.ScriptName, got.ScriptName)
	assert.Equal(t, e1.ScriptSource, got.ScriptSource)
	assert.Equal(t, core.StatusWaiting, got.Status)
	assert.Equal(t, "ana", got.Variables["who"])
	assert.Equal(t, float64(10), got.Variables["amount"])
	require.Len(t, got.Cursors, 2)
	assert.Equal(t, []core.Frame{{Branch: core.MainBranch}, {Branch: "main/0:then", Index: 2}}, got.Cursors[core.MainCursor].Frames)
	assert.Equal(t, "approval_1", got.Cursors["c1"].Wait)
	assert.True(t, got.CreatedAt.Equal(base))

	e1.Status = core.StatusCompleted
	e1.Reason = "done"
	require.NoError(t, s.SaveExecution(ctx, e1))
	got, err = s.LoadExecution(ctx, e1.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, got.Status)
	assert.Equal(t, "done", got.Reason)

	all, err := s.ListExecutions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	e3 := core.NewExecution(def, core.MainBranch, "", nil, base.Add(2*time.Minute))
	require.NoError(t, s.SaveExecution(ctx, e3))
	live, err := s.ListExecutions(ctx, core.StatusRunning, core.StatusWaiting)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, e3.ID, live[0].ID)
}

func testWaits(t *testing.T, s core.ExecutionStore) {
	ctx := context.Background()
	w1 := core.WaitState{ExecutionID: "e1", Name: "payment@eu", Event: "payment@eu", CursorID: "main", Kind: core.WaitEvent, Deadline: base.Add(time.Hour), CreatedAt: base}
	w2 := core.WaitState{ExecutionID: "e1", Name: "approval_2", CursorID: "c1", Kind: core.WaitApproval, Deadline: base.Add(time.Minute), Approver: "boss@x", CreatedAt: base}
	w3 := core.WaitState{ExecutionID: "e2", Name: "email", CursorID: "main", Kind: core.WaitHear, MaxRetries: 3, InputType: "menu", Options: []string{"a", "b"}, CreatedAt: base}
	for _, w := range []core.WaitState{w1, w2, w3} {
		require.NoError(t, s.SaveWait(ctx, w))
	}

	open, err := s.ListOpenWaits(ctx)
	require.NoError(t, err)
	require.Len(t, open, 3)
	keys := map[string]core.WaitState{}
	for _, w := range open {
		keys[w.Key().String()] = w
	}
	assert.Equal(t, "payment@eu", keys["e1/payment@eu"].EventName())
	assert.Equal(t, core.WaitApproval, keys["e1/approval_2"].Kind)
	assert.Equal(t, "boss@x", keys["e1/approval_2"].Approver)
	assert.Equal(t, []string{"a", "b"}, keys["e2/email"].Options)
	assert.Equal(t, 3, keys["e2/email"].MaxRetries)

	w3.RetryCount = 2
	require.NoError(t, s.SaveWait(ctx, w3))
	w1.Completed = true
	w1.Resolution = core.ResolutionSatisfied
	require.NoError(t, s.SaveWait(ctx, w1))
	require.NoError(t, s.DeleteWait(ctx, w2.Key()))

	open, err = s.ListOpenWaits(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "email", open[0].Name)
	assert.Equal(t, 2, open[0].RetryCount)
}

func testEvents(t *testing.T, s core.ExecutionStore) {
	ctx := context.Background()
	ev := core.NewEvent("order_processed", map[string]any{"id": "o-1"})
	require.NoError(t, s.SaveEvent(ctx, ev))
	require.NoError(t, s.MarkEventProcessed(ctx, ev.ID))
	assert.Error(t, s.MarkEventProcessed(ctx, "missing"))
}

func testMemory(t *testing.T, s core.ExecutionStore) {
	ctx := context.Background()
	own := core.SharedMemoryEntry{Owner: "sales", Key: "lead", Value: "acme", SharedWith: []string{"support"}, UpdatedAt: base}
	cp := core.SharedMemoryEntry{Owner: "support", Key: "lead", Value: "acme", SharedFrom: "sales", UpdatedAt: base}
	require.NoError(t, s.SaveMemoryEntry(ctx, own))
	require.NoError(t, s.SaveMemoryEntry(ctx, cp))

	own.Value = "globex"
	require.NoError(t, s.SaveMemoryEntry(ctx, own))

	entries, err := s.ListMemoryEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "globex", entries[0].Value)
	assert.Equal(t, []string{"support"}, entries[0].SharedWith)
	assert.Equal(t, "acme", entries[1].Value)
	assert.Equal(t, "sales", entries[1].SharedFrom)
}

func testGroups(t *testing.T, s core.ExecutionStore) {
	ctx := context.Background()
	require.NoError(t, s.SaveGroupMembership(ctx, core.GroupMembership{Bot: "billing", Group: "team", JoinedAt: base}))
	require.NoError(t, s.SaveGroupMembership(ctx, core.GroupMembership{Bot: "audit", Group: "team", JoinedAt: base}))
	require.NoError(t, s.SaveGroupMembership(ctx, core.GroupMembership{Bot: "billing", Group: "team", JoinedAt: base.Add(time.Minute)}))

	groups, err := s.ListGroupMemberships(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "audit", groups[0].Bot)
	assert.Equal(t, base.Add(time.Minute), groups[1].JoinedAt.UTC())

	require.NoError(t, s.DeleteGroupMembership(ctx, "audit", "team"))
	require.NoError(t, s.DeleteGroupMembership(ctx, "nobody", "team"))
	groups, err = s.ListGroupMemberships(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "billing", groups[0].Bot)
}

func testSessionBots(t *testing.T, s core.ExecutionStore) {
	ctx := context.Background()
	a := core.SessionBot{SessionID: "s1", Bot: core.Bot{Name: "alpha", Trigger: core.Trigger{Kind: core.TriggerAlways}}, Priority: 5, JoinedAt: base, Active: true}
	b := core.SessionBot{SessionID: "s1", Bot: core.Bot{Name: "beta", Trigger: core.Trigger{Kind: core.TriggerKeyword, Keywords: []string{"price"}}}, Priority: 10, JoinedAt: base.Add(time.Second), Active: true}
	c := core.SessionBot{SessionID: "s2", Bot: core.Bot{Name: "alpha"}, JoinedAt: base, Active: true}
	for _, sb := range []core.SessionBot{a, b, c} {
		require.NoError(t, s.SaveSessionBot(ctx, sb))
	}
	a.JoinedAt = base.Add(time.Hour)
	a.Priority = 7
	require.NoError(t, s.SaveSessionBot(ctx, a))

	bots, err := s.ListSessionBots(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, bots, 2)
	assert.Equal(t, "beta", bots[0].Bot.Name)
	assert.Equal(t, []string{"price"}, bots[0].Bot.Trigger.Keywords)
	assert.Equal(t, "alpha", bots[1].Bot.Name)
	assert.Equal(t, 7, bots[1].Priority)
}
