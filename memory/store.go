package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
)

// ErrKeyNotFound is returned by Share when the source bot has no value for the key.
var ErrKeyNotFound = errors.New("memory key not found")

const shardCount = 16

type entryKey struct {
	bot string
	key string
}

type shard struct {
	mu       sync.RWMutex
	own      map[entryKey]*core.SharedMemoryEntry
	received map[entryKey]map[string]*core.SharedMemoryEntry // source -> copy
}

// Options configure a Store.
type Options struct {
	// Persist receives every own write and every shared copy. Optional.
	Persist core.ExecutionStore
	Logger  logging.Logger
	Now     func() time.Time
}

// Store is the shared memory arena. Each bot has a private key/value
// space; Share copies the current value of one key into a target's view.
// Updates are atomic per (bot, key) shard and last-writer-wins.
type Store struct {
	shards [shardCount]*shard

	edgesMu sync.RWMutex
	edges   []core.ShareEdge

	groupsMu sync.RWMutex
	groups   map[string]map[string]bool // bot -> groups

	persist core.ExecutionStore
	logger  logging.Logger
	now     func() time.Time
}

// NewStore creates an empty shared memory store.
func NewStore(optFns ...func(o *Options)) *Store {
	opts := Options{Logger: logging.NoOpLogger{}, Now: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	s := &Store{
		groups:  make(map[string]map[string]bool),
		persist: opts.Persist,
		logger:  logging.OrNoOp(opts.Logger),
		now:     opts.Now,
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			own:      make(map[entryKey]*core.SharedMemoryEntry),
			received: make(map[entryKey]map[string]*core.SharedMemoryEntry),
		}
	}
	return s
}

func (s *Store) shardFor(k entryKey) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.bot))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.key))
	return s.shards[h.Sum32()%shardCount]
}

// Write stores value under (bot, key).
func (s *Store) Write(ctx context.Context, bot, key string, value any) error {
	k := entryKey{bot: bot, key: key}
	sh := s.shardFor(k)

	sh.mu.Lock()
	entry, ok := sh.own[k]
	if !ok {
		entry = &core.SharedMemoryEntry{Owner: bot, Key: key}
		sh.own[k] = entry
	}
	entry.Value = copyValue(value)
	entry.UpdatedAt = s.now()
	snapshot := cloneEntry(entry)
	sh.mu.Unlock()

	return s.save(ctx, snapshot)
}

// Share copies the current value of (bot, key) into target's view. Later
// writes by bot are not visible to target until shared again.
func (s *Store) Share(ctx context.Context, bot, key, target string) error {
	src := entryKey{bot: bot, key: key}
	srcShard := s.shardFor(src)

	srcShard.mu.Lock()
	entry, ok := srcShard.own[src]
	if !ok {
		srcShard.mu.Unlock()
		return fmt.Errorf("share %s/%s: %w", bot, key, ErrKeyNotFound)
	}
	value := copyValue(entry.Value)
	if !contains(entry.SharedWith, target) {
		entry.SharedWith = append(entry.SharedWith, target)
	}
	owner := cloneEntry(entry)
	srcShard.mu.Unlock()

	now := s.now()
	dst := entryKey{bot: target, key: key}
	dstShard := s.shardFor(dst)
	dstShard.mu.Lock()
	copies, ok := dstShard.received[dst]
	if !ok {
		copies = make(map[string]*core.SharedMemoryEntry)
		dstShard.received[dst] = copies
	}
	cp := &core.SharedMemoryEntry{Owner: target, Key: key, Value: value, SharedFrom: bot, UpdatedAt: now}
	copies[bot] = cp
	received := cloneEntry(cp)
	dstShard.mu.Unlock()

	s.edgesMu.Lock()
	s.edges = append(s.edges, core.ShareEdge{Source: bot, Key: key, Target: target, SharedAt: now})
	s.edgesMu.Unlock()

	if err := s.save(ctx, owner); err != nil {
		return err
	}
	return s.save(ctx, received)
}

// Read returns the value bot may see for key: its own write first, else the
// most recent copy shared directly to it, else the most recent copy shared
// to one of its groups.
func (s *Store) Read(bot, key string) (any, bool) {
	k := entryKey{bot: bot, key: key}
	sh := s.shardFor(k)
	sh.mu.RLock()
	if e, ok := sh.own[k]; ok {
		v := copyValue(e.Value)
		sh.mu.RUnlock()
		return v, true
	}
	sh.mu.RUnlock()

	if v, ok := s.latestReceived(k); ok {
		return v, true
	}

	var best *core.SharedMemoryEntry
	for _, g := range s.groupsOf(bot) {
		gk := entryKey{bot: g, key: key}
		gs := s.shardFor(gk)
		gs.mu.RLock()
		for _, cp := range gs.received[gk] {
			if best == nil || cp.UpdatedAt.After(best.UpdatedAt) {
				best = cloneEntry(cp)
			}
		}
		gs.mu.RUnlock()
	}
	if best == nil {
		return nil, false
	}
	return best.Value, true
}

func (s *Store) latestReceived(k entryKey) (any, bool) {
	sh := s.shardFor(k)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	var best *core.SharedMemoryEntry
	for _, cp := range sh.received[k] {
		if best == nil || cp.UpdatedAt.After(best.UpdatedAt) || (cp.UpdatedAt.Equal(best.UpdatedAt) && cp.SharedFrom > best.SharedFrom) {
			best = cp
		}
	}
	if best == nil {
		return nil, false
	}
	return copyValue(best.Value), true
}

// Keys returns the keys bot can read (own or shared), sorted.
func (s *Store) Keys(bot string) []string {
	seen := map[string]bool{}
	names := append([]string{bot}, s.groupsOf(bot)...)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.own {
			if k.bot == bot {
				seen[k.key] = true
			}
		}
		for k := range sh.received {
			if contains(names, k.bot) {
				seen[k.key] = true
			}
		}
		sh.mu.RUnlock()
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Edges returns every share operation recorded so far, oldest first.
func (s *Store) Edges() []core.ShareEdge {
	s.edgesMu.RLock()
	defer s.edgesMu.RUnlock()
	return append([]core.ShareEdge(nil), s.edges...)
}

// JoinGroup makes values shared to group visible to bot. The membership
// is persisted and survives Restore.
func (s *Store) JoinGroup(ctx context.Context, bot, group string) error {
	s.addGroup(bot, group)
	if s.persist == nil {
		return nil
	}
	gm := core.GroupMembership{Bot: bot, Group: group, JoinedAt: s.now()}
	if err := s.persist.SaveGroupMembership(ctx, gm); err != nil {
		return fmt.Errorf("persist group %s/%s: %w", bot, group, err)
	}
	return nil
}

// LeaveGroup removes bot from group.
func (s *Store) LeaveGroup(ctx context.Context, bot, group string) error {
	s.groupsMu.Lock()
	delete(s.groups[bot], group)
	s.groupsMu.Unlock()
	if s.persist == nil {
		return nil
	}
	if err := s.persist.DeleteGroupMembership(ctx, bot, group); err != nil {
		return fmt.Errorf("persist group %s/%s: %w", bot, group, err)
	}
	return nil
}

func (s *Store) addGroup(bot, group string) {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	if s.groups[bot] == nil {
		s.groups[bot] = make(map[string]bool)
	}
	s.groups[bot][group] = true
}

func (s *Store) groupsOf(bot string) []string {
	s.groupsMu.RLock()
	defer s.groupsMu.RUnlock()
	out := make([]string, 0, len(s.groups[bot]))
	for g := range s.groups[bot] {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Restore rebuilds the arena from the persistent store.
func (s *Store) Restore(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	entries, err := s.persist.ListMemoryEntries(ctx)
	if err != nil {
		return fmt.Errorf("restore shared memory: %w", err)
	}
	var edges []core.ShareEdge
	for i := range entries {
		e := entries[i]
		k := entryKey{bot: e.Owner, key: e.Key}
		sh := s.shardFor(k)
		sh.mu.Lock()
		if e.SharedFrom == "" {
			sh.own[k] = cloneEntry(&e)
		} else {
			if sh.received[k] == nil {
				sh.received[k] = make(map[string]*core.SharedMemoryEntry)
			}
			sh.received[k][e.SharedFrom] = cloneEntry(&e)
			edges = append(edges, core.ShareEdge{Source: e.SharedFrom, Key: e.Key, Target: e.Owner, SharedAt: e.UpdatedAt})
		}
		sh.mu.Unlock()
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].SharedAt.Before(edges[j].SharedAt) })
	s.edgesMu.Lock()
	s.edges = edges
	s.edgesMu.Unlock()

	groups, err := s.persist.ListGroupMemberships(ctx)
	if err != nil {
		return fmt.Errorf("restore memory groups: %w", err)
	}
	for _, gm := range groups {
		s.addGroup(gm.Bot, gm.Group)
	}
	s.logger.Debug("Shared memory restored", "entries", len(entries), "groups", len(groups))
	return nil
}

func (s *Store) save(ctx context.Context, e *core.SharedMemoryEntry) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.SaveMemoryEntry(ctx, *e); err != nil {
		return fmt.Errorf("persist memory %s/%s: %w", e.Owner, e.Key, err)
	}
	return nil
}

func cloneEntry(e *core.SharedMemoryEntry) *core.SharedMemoryEntry {
	ne := *e
	ne.Value = copyValue(e.Value)
	ne.SharedWith = append([]string(nil), e.SharedWith...)
	return &ne
}

// copyValue deep copies the JSON-shaped containers so shared snapshots
// never alias the source.
func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
