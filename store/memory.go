package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/flowmesh/core"
)

type memoryKey struct {
	owner, key, from string
}

type groupKey struct {
	bot, group string
}

type sessionBotKey struct {
	session, bot string
}

// Memory is a volatile ExecutionStore keeping everything in process local
// maps. It is safe for concurrent access and best suited for tests or
// single-process deployments. Values are cloned on the way in and out.
type Memory struct {
	mu          sync.RWMutex
	executions  map[string]*core.Execution
	waits       map[core.WaitKey]core.WaitState
	events      map[string]core.Event
	eventOrder  []string
	memory      map[memoryKey]core.SharedMemoryEntry
	groups      map[groupKey]core.GroupMembership
	sessionBots map[sessionBotKey]core.SessionBot
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		executions:  make(map[string]*core.Execution),
		waits:       make(map[core.WaitKey]core.WaitState),
		events:      make(map[string]core.Event),
		memory:      make(map[memoryKey]core.SharedMemoryEntry),
		groups:      make(map[groupKey]core.GroupMembership),
		sessionBots: make(map[sessionBotKey]core.SessionBot),
	}
}

// SaveExecution stores a clone of e.
func (m *Memory) SaveExecution(_ context.Context, e *core.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[e.ID] = e.Clone()
	return nil
}

// LoadExecution returns a clone of the execution with the given id.
func (m *Memory) LoadExecution(_ context.Context, id string) (*core.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("load execution %s: %w", id, core.ErrExecutionNotFound)
	}
	return e.Clone(), nil
}

// ListExecutions returns executions filtered by status, oldest first.
func (m *Memory) ListExecutions(_ context.Context, statuses ...core.Status) ([]*core.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Execution, 0, len(m.executions))
	for _, e := range m.executions {
		if len(statuses) > 0 && !hasStatus(statuses, e.Status) {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SaveWait upserts a wait. Completed waits are removed from the open set.
func (m *Memory) SaveWait(_ context.Context, w core.WaitState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.Completed {
		delete(m.waits, w.Key())
		return nil
	}
	w.Options = append([]string(nil), w.Options...)
	m.waits[w.Key()] = w
	return nil
}

// DeleteWait removes a wait by key.
func (m *Memory) DeleteWait(_ context.Context, key core.WaitKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waits, key)
	return nil
}

// ListOpenWaits returns the open waits ordered by deadline then key.
func (m *Memory) ListOpenWaits(_ context.Context) ([]core.WaitState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.WaitState, 0, len(m.waits))
	for _, w := range m.waits {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	return out, nil
}

// SaveEvent records an event.
func (m *Memory) SaveEvent(_ context.Context, ev core.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; !ok {
		m.eventOrder = append(m.eventOrder, ev.ID)
	}
	m.events[ev.ID] = ev
	return nil
}

// MarkEventProcessed flags an event as processed.
func (m *Memory) MarkEventProcessed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return fmt.Errorf("mark event %s processed: not found", id)
	}
	ev.Processed = true
	m.events[id] = ev
	return nil
}

// Events returns all recorded events in publish order.
func (m *Memory) Events() []core.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Event, 0, len(m.eventOrder))
	for _, id := range m.eventOrder {
		out = append(out, m.events[id])
	}
	return out
}

// SaveMemoryEntry upserts a shared memory entry.
func (m *Memory) SaveMemoryEntry(_ context.Context, entry core.SharedMemoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.SharedWith = append([]string(nil), entry.SharedWith...)
	m.memory[memoryKey{owner: entry.Owner, key: entry.Key, from: entry.SharedFrom}] = entry
	return nil
}

// ListMemoryEntries returns all shared memory entries ordered by owner, key, source.
func (m *Memory) ListMemoryEntries(_ context.Context) ([]core.SharedMemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.SharedMemoryEntry, 0, len(m.memory))
	for _, e := range m.memory {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Owner != b.Owner {
			return a.Owner < b.Owner
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.SharedFrom < b.SharedFrom
	})
	return out, nil
}

// SaveGroupMembership records that a bot belongs to a group.
func (m *Memory) SaveGroupMembership(_ context.Context, gm core.GroupMembership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[groupKey{bot: gm.Bot, group: gm.Group}] = gm
	return nil
}

// DeleteGroupMembership removes a bot from a group.
func (m *Memory) DeleteGroupMembership(_ context.Context, bot, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, groupKey{bot: bot, group: group})
	return nil
}

// ListGroupMemberships returns all memberships ordered by bot, group.
func (m *Memory) ListGroupMemberships(_ context.Context) ([]core.GroupMembership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.GroupMembership, 0, len(m.groups))
	for _, gm := range m.groups {
		out = append(out, gm)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bot != out[j].Bot {
			return out[i].Bot < out[j].Bot
		}
		return out[i].Group < out[j].Group
	})
	return out, nil
}

// SaveSessionBot upserts a session bot keyed by (session, bot name).
func (m *Memory) SaveSessionBot(_ context.Context, sb core.SessionBot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionBots[sessionBotKey{session: sb.SessionID, bot: sb.Bot.Name}] = sb
	return nil
}

// ListSessionBots returns the bots recorded for a session ordered by join time.
func (m *Memory) ListSessionBots(_ context.Context, sessionID string) ([]core.SessionBot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.SessionBot
	for k, sb := range m.sessionBots {
		if k.session == sessionID {
			out = append(out, sb)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].Bot.Name < out[j].Bot.Name
	})
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func hasStatus(list []core.Status, s core.Status) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
