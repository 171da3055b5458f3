package wait

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
)

// Resumer continues the branch parked on a closed wait.
type Resumer interface {
	ResumeWait(ctx context.Context, w core.WaitState) error
}

// ResumerFunc adapts a function to Resumer.
type ResumerFunc func(ctx context.Context, w core.WaitState) error

// ResumeWait calls f.
func (f ResumerFunc) ResumeWait(ctx context.Context, w core.WaitState) error { return f(ctx, w) }

// Options configure a Manager.
type Options struct {
	// Store persists open waits. Optional.
	Store core.ExecutionStore
	// CheckInterval is the deadline sweep period used by Start.
	CheckInterval time.Duration
	Logger        logging.Logger
	Now           func() time.Time
	// OnResolve observes every closed wait.
	OnResolve func(w core.WaitState)
}

type entry struct {
	state  core.WaitState
	closed atomic.Bool
}

// Manager holds the open waits of all executions.
type Manager struct {
	mu        sync.RWMutex
	entries   map[core.WaitKey]*entry
	deadlines deadlineHeap

	store     core.ExecutionStore
	interval  time.Duration
	logger    logging.Logger
	now       func() time.Time
	onResolve func(core.WaitState)

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager creates an empty wait manager.
func NewManager(optFns ...func(o *Options)) *Manager {
	opts := Options{
		CheckInterval: time.Second,
		Logger:        logging.NoOpLogger{},
		Now:           time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		entries:   make(map[core.WaitKey]*entry),
		store:     opts.Store,
		interval:  opts.CheckInterval,
		logger:    logging.OrNoOp(opts.Logger),
		now:       opts.Now,
		onResolve: opts.OnResolve,
	}
}

// Register opens w. A second open wait under the same key is rejected with
// core.ErrWaitExists.
func (m *Manager) Register(ctx context.Context, w core.WaitState) error {
	if w.ExecutionID == "" || w.Name == "" {
		return fmt.Errorf("register wait %q: execution id and name are required", w.Key())
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = m.now()
	}
	w.Completed = false
	w.Resolution = core.ResolutionNone

	m.mu.Lock()
	if _, ok := m.entries[w.Key()]; ok {
		m.mu.Unlock()
		return fmt.Errorf("register wait %s: %w", w.Key(), core.ErrWaitExists)
	}
	m.insertLocked(w)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveWait(ctx, w); err != nil {
			m.mu.Lock()
			delete(m.entries, w.Key())
			m.mu.Unlock()
			return fmt.Errorf("persist wait %s: %w", w.Key(), err)
		}
	}
	m.logger.Debug("Wait registered", "wait", w.Key().String(), "kind", string(w.Kind), "deadline", w.Deadline)
	return nil
}

func (m *Manager) insertLocked(w core.WaitState) {
	e := &entry{state: w}
	m.entries[w.Key()] = e
	if w.HasDeadline() {
		heap.Push(&m.deadlines, deadlineItem{key: w.Key(), deadline: w.Deadline})
	}
}

// Satisfy closes the wait at key with payload as its resolution.
func (m *Manager) Satisfy(ctx context.Context, key core.WaitKey, payload any) (core.WaitState, error) {
	return m.resolve(ctx, key, core.ResolutionSatisfied, payload)
}

// Resolve closes the wait at key with an explicit resolution.
func (m *Manager) Resolve(ctx context.Context, key core.WaitKey, res core.Resolution, payload any) (core.WaitState, error) {
	return m.resolve(ctx, key, res, payload)
}

func (m *Manager) resolve(ctx context.Context, key core.WaitKey, res core.Resolution, payload any) (core.WaitState, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return core.WaitState{}, fmt.Errorf("resolve wait %s: %w", key, core.ErrWaitNotFound)
	}
	if !e.closed.CompareAndSwap(false, true) {
		return core.WaitState{}, fmt.Errorf("resolve wait %s: %w", key, core.ErrConcurrencyConflict)
	}

	m.mu.Lock()
	if cur, ok := m.entries[key]; ok && cur == e {
		delete(m.entries, key)
	}
	w := e.state
	m.mu.Unlock()

	w.Completed = true
	w.Resolution = res
	w.Payload = payload
	w.ResolvedAt = m.now()

	if m.store != nil {
		if err := m.store.DeleteWait(ctx, key); err != nil {
			m.logger.Warn("Failed to delete closed wait", "wait", key.String(), "error", err)
		}
	}
	m.logger.Debug("Wait resolved", "wait", key.String(), "resolution", string(res))
	if m.onResolve != nil {
		m.onResolve(w)
	}
	return w, nil
}

// RecordRetry increments the retry count of a HEAR wait after invalid
// input. exhausted reports whether MaxRetries has been reached.
func (m *Manager) RecordRetry(ctx context.Context, key core.WaitKey) (w core.WaitState, exhausted bool, err error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok || e.closed.Load() {
		m.mu.Unlock()
		return core.WaitState{}, false, fmt.Errorf("retry wait %s: %w", key, core.ErrWaitNotFound)
	}
	e.state.RetryCount++
	w = e.state
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveWait(ctx, w); err != nil {
			return w, false, fmt.Errorf("persist wait %s: %w", key, err)
		}
	}
	return w, w.MaxRetries > 0 && w.RetryCount >= w.MaxRetries, nil
}

// Expire closes every open wait whose deadline is not after now and returns
// them as timed out, ordered by deadline.
func (m *Manager) Expire(ctx context.Context, now time.Time) []core.WaitState {
	var due []core.WaitKey
	m.mu.Lock()
	for m.deadlines.Len() > 0 {
		top := m.deadlines[0]
		if top.deadline.After(now) {
			break
		}
		heap.Pop(&m.deadlines)
		e, ok := m.entries[top.key]
		if !ok || !e.state.Deadline.Equal(top.deadline) {
			continue
		}
		due = append(due, top.key)
	}
	m.mu.Unlock()

	out := make([]core.WaitState, 0, len(due))
	for _, key := range due {
		w, err := m.resolve(ctx, key, core.ResolutionTimedOut, nil)
		if err != nil {
			// Satisfied concurrently.
			m.logger.Debug("Deadline lost race", "wait", key.String(), "error", err)
			continue
		}
		out = append(out, w)
	}
	return out
}

// Cancel closes every open wait of an execution.
func (m *Manager) Cancel(ctx context.Context, executionID string) []core.WaitState {
	var keys []core.WaitKey
	m.mu.RLock()
	for k := range m.entries {
		if k.ExecutionID == executionID {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()
	sortKeys(keys)

	out := make([]core.WaitState, 0, len(keys))
	for _, k := range keys {
		w, err := m.resolve(ctx, k, core.ResolutionCancelled, nil)
		if err != nil {
			continue
		}
		out = append(out, w)
	}
	return out
}

// Get returns the open wait at key.
func (m *Manager) Get(key core.WaitKey) (core.WaitState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || e.closed.Load() {
		return core.WaitState{}, false
	}
	return e.state, true
}

// Open returns all open waits ordered by key.
func (m *Manager) Open() []core.WaitState {
	m.mu.RLock()
	out := make([]core.WaitState, 0, len(m.entries))
	for _, e := range m.entries {
		if !e.closed.Load() {
			out = append(out, e.state)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

// ForExecution returns the open waits of one execution ordered by name.
func (m *Manager) ForExecution(executionID string) []core.WaitState {
	var out []core.WaitState
	for _, w := range m.Open() {
		if w.ExecutionID == executionID {
			out = append(out, w)
		}
	}
	return out
}

// EventWaiters returns the open event waits for name, across executions.
func (m *Manager) EventWaiters(name string) []core.WaitState {
	var out []core.WaitState
	for _, w := range m.Open() {
		if w.Kind == core.WaitEvent && w.EventName() == name {
			out = append(out, w)
		}
	}
	return out
}

// NextDeadline returns the earliest pending deadline. Heap items left by
// resolved waits are discarded on the way.
func (m *Manager) NextDeadline() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.deadlines.Len() > 0 {
		top := m.deadlines[0]
		if e, ok := m.entries[top.key]; ok && !e.closed.Load() && e.state.Deadline.Equal(top.deadline) {
			return top.deadline, true
		}
		heap.Pop(&m.deadlines)
	}
	return time.Time{}, false
}

// Len returns the number of open waits.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Restore reloads open waits from the store, replacing in-memory state.
func (m *Manager) Restore(ctx context.Context) ([]core.WaitState, error) {
	if m.store == nil {
		return nil, nil
	}
	waits, err := m.store.ListOpenWaits(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore waits: %w", err)
	}
	m.mu.Lock()
	m.entries = make(map[core.WaitKey]*entry, len(waits))
	m.deadlines = nil
	for _, w := range waits {
		m.insertLocked(w)
	}
	m.mu.Unlock()
	m.logger.Info("Waits restored", "open", len(waits))
	return waits, nil
}

// Start runs the deadline sweep every CheckInterval, handing each expired
// wait to r. It returns immediately; Stop ends the sweep.
func (m *Manager) Start(ctx context.Context, r Resumer) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return errors.New("wait manager already running")
	}
	subCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.checkLoop(subCtx, r, m.done)

	m.logger.Info("Wait manager started", "check_interval", m.interval)
	return nil
}

// Stop ends the deadline sweep and waits for it to return.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.runMu.Unlock()

	cancel()
	<-done
}

func (m *Manager) checkLoop(ctx context.Context, r Resumer, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sweep(ctx, r)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx, r)
		}
	}
}

// Sweep expires due waits at the current time and resumes their branches.
func (m *Manager) Sweep(ctx context.Context, r Resumer) int {
	expired := m.Expire(ctx, m.now())
	for _, w := range expired {
		if err := r.ResumeWait(ctx, w); err != nil {
			m.logger.Warn("Failed to resume expired wait", "wait", w.Key().String(), "error", err)
		}
	}
	return len(expired)
}

func sortKeys(keys []core.WaitKey) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}
