package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/eventbus"
	"github.com/hupe1980/flowmesh/expr"
	"github.com/hupe1980/flowmesh/logging"
	"github.com/hupe1980/flowmesh/memory"
	"github.com/hupe1980/flowmesh/metrics"
	"github.com/hupe1980/flowmesh/model"
	"github.com/hupe1980/flowmesh/script"
	"github.com/hupe1980/flowmesh/session"
	"github.com/hupe1980/flowmesh/store"
	"github.com/hupe1980/flowmesh/wait"
)

// ErrClosed is returned when starting executions on a closed Engine.
var ErrClosed = errors.New("engine closed")

// Config defines tuning parameters for the scheduler.
//
// Example:
//
//	cfg := Config{
//	    MaxConcurrentBranches: 32,
//	    MaxLLMCalls:           20,
//	}
type Config struct {
	// MaxConcurrentBranches bounds the bot and LLM calls in flight across
	// all executions. Branches only hold a slot while such a call runs, so
	// suspended branches never consume capacity. Zero disables the bound.
	MaxConcurrentBranches int

	// MaxLLMCalls bounds the LLM steps a single execution may run. A step
	// over the limit fails its branch. Zero allows unlimited calls.
	MaxLLMCalls int
}

// DefaultConfig provides the default scheduler configuration.
var DefaultConfig = Config{
	MaxConcurrentBranches: 10,
}

// LLMRouter routes LLM steps to a model. *llmrouter.Router implements it.
type LLMRouter interface {
	Route(ctx context.Context, req core.LLMRoutingRequest) (model.Completion, core.LLMRoutingRequest, error)
}

// Options configures an Engine using the functional options pattern.
//
// Every collaborator has an in-memory default. When both Waits and Bus are
// supplied they must share the same wait manager, otherwise published
// events never reach suspended branches.
type Options struct {
	// Config contains the scheduler tuning. Defaults to DefaultConfig.
	Config Config

	// Store commits every execution transition. Defaults to store.NewMemory.
	Store core.ExecutionStore

	// Scripts resolves script names for Start and WHEN triggers.
	Scripts *script.Registry

	// Waits holds suspended branches.
	Waits *wait.Manager

	// Bus delivers PUBLISH EVENT steps and WHEN triggers.
	Bus *eventbus.Bus

	// Memory is the shared memory arena used by bot results and
	// SHARE MEMORY steps.
	Memory *memory.Store

	// Handler invokes bots. Without one every BOT step fails with a
	// DispatchError.
	Handler core.BotHandler

	// LLM routes LLM steps. Without one every LLM step fails with a
	// DispatchError.
	LLM LLMRouter

	// Transport delivers TALK messages and HEAR re-prompts. Optional.
	Transport core.Transport

	// Sessions records TALK messages in the session transcript. Optional.
	Sessions *session.InMemoryStore

	// Evaluator runs predicates, selectors and SET expressions.
	Evaluator *expr.Evaluator

	// Callbacks receives lifecycle hooks.
	Callbacks *CallbackManager

	// Metrics records step and execution metrics. Optional.
	Metrics *metrics.Metrics

	// Logger provides structured logging. Defaults to a no-op logger.
	Logger logging.Logger

	// Now is the clock used for deadlines and timestamps.
	Now func() time.Time
}

// Engine is the step scheduler. It walks compiled step graphs, forks and
// joins parallel branches, suspends branches on waits and commits every
// transition to the ExecutionStore before the next step runs.
//
// Concurrency model:
//   - one run state per live execution, guarded by its own mutex
//   - the mutex is never held while a bot, LLM, publish or transport call
//     runs, so resumes and cancellation are never blocked by slow work
//   - every parallel branch is driven by its own goroutine; the last child
//     to finish wakes and continues the joining parent
//   - Start, ResumeWait, Approve and SubmitInput return once every branch
//     they drove is suspended or finished
type Engine struct {
	config    Config
	store     core.ExecutionStore
	scripts   *script.Registry
	waits     *wait.Manager
	bus       *eventbus.Bus
	memory    *memory.Store
	handler   core.BotHandler
	llm       LLMRouter
	transport core.Transport
	sessions  *session.InMemoryStore
	eval      *expr.Evaluator
	callbacks *CallbackManager
	metrics   *metrics.Metrics
	logger    logging.Logger
	now       func() time.Time

	limiter *core.CallLimiter
	sem     chan struct{}
	baseCtx context.Context

	mu   sync.Mutex
	runs map[string]*runState

	unsubscribe func()
	triggers    sync.WaitGroup
	closed      atomic.Bool
}

// New creates an Engine. Collaborators not supplied through optFns get
// in-memory defaults.
//
// Examples:
//
//	// Everything in memory
//	eng := engine.New(func(o *engine.Options) {
//	    o.Handler = myBots
//	})
//
//	// Durable store and a routed LLM
//	eng := engine.New(func(o *engine.Options) {
//	    o.Store = sqliteStore
//	    o.LLM = llmRouter
//	    o.Logger = logger
//	})
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
		Now:    time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	logger := logging.OrNoOp(opts.Logger)
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Scripts == nil {
		opts.Scripts = script.NewRegistry()
	}
	if opts.Waits == nil {
		opts.Waits = wait.NewManager(func(o *wait.Options) {
			o.Store = opts.Store
			o.Logger = logger
			o.Now = opts.Now
		})
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New(func(o *eventbus.Options) {
			o.Store = opts.Store
			o.Waits = opts.Waits
			o.Logger = logger
		})
	}
	if opts.Memory == nil {
		opts.Memory = memory.NewStore(func(o *memory.Options) {
			o.Persist = opts.Store
			o.Logger = logger
			o.Now = opts.Now
		})
	}
	if opts.Handler == nil {
		opts.Handler = core.BotHandlerFunc(func(_ context.Context, call core.BotCall) (core.Output, error) {
			return core.Output{}, &core.DispatchError{Kind: "bot", Name: call.Bot}
		})
	}
	if opts.Evaluator == nil {
		opts.Evaluator = expr.New()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}

	e := &Engine{
		config:    opts.Config,
		store:     opts.Store,
		scripts:   opts.Scripts,
		waits:     opts.Waits,
		bus:       opts.Bus,
		memory:    opts.Memory,
		handler:   opts.Handler,
		llm:       opts.LLM,
		transport: opts.Transport,
		sessions:  opts.Sessions,
		eval:      opts.Evaluator,
		callbacks: opts.Callbacks,
		metrics:   opts.Metrics,
		logger:    logger,
		now:       opts.Now,
		limiter:   core.NewCallLimiter(opts.Config.MaxLLMCalls),
		baseCtx:   context.Background(),
		runs:      make(map[string]*runState),
	}
	if n := opts.Config.MaxConcurrentBranches; n > 0 {
		e.sem = make(chan struct{}, n)
	}

	e.bus.SetResumer(e)
	e.unsubscribe = e.bus.Subscribe(eventbus.Wildcard, e.onEvent)
	return e
}

// Store returns the execution store.
func (e *Engine) Store() core.ExecutionStore { return e.store }

// Scripts returns the script registry.
func (e *Engine) Scripts() *script.Registry { return e.scripts }

// Waits returns the wait manager.
func (e *Engine) Waits() *wait.Manager { return e.waits }

// Bus returns the event bus.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Memory returns the shared memory store.
func (e *Engine) Memory() *memory.Store { return e.memory }

// Callbacks returns the callback manager.
func (e *Engine) Callbacks() *CallbackManager { return e.callbacks }

// Register adds or replaces a compiled script.
func (e *Engine) Register(def *core.ScriptDefinition) error {
	return e.scripts.Register(def)
}

// Compile compiles and registers a script.
func (e *Engine) Compile(name, src string) (*core.ScriptDefinition, error) {
	return e.scripts.Compile(name, src)
}

// StartOptions parameterize a new execution.
type StartOptions struct {
	// SessionID ties TALK messages and bot calls to a conversation.
	SessionID string
	// Variables seed the execution variables.
	Variables map[string]any
}

// Start runs the registered script name from its main branch. It returns
// once the execution is suspended or finished; the execution id is
// returned even when the execution failed.
func (e *Engine) Start(ctx context.Context, name string, opts StartOptions) (string, error) {
	def, err := e.scripts.Get(name)
	if err != nil {
		return "", err
	}
	return e.start(ctx, def, def.Main, opts)
}

// StartDefinition runs def from its main branch without registering it.
func (e *Engine) StartDefinition(ctx context.Context, def *core.ScriptDefinition, opts StartOptions) (string, error) {
	return e.start(ctx, def, def.Main, opts)
}

// StartBranch runs a single branch of def, such as a WHEN EVENT block, as
// its own execution.
func (e *Engine) StartBranch(ctx context.Context, def *core.ScriptDefinition, branch core.BranchID, opts StartOptions) (string, error) {
	return e.start(ctx, def, branch, opts)
}

func (e *Engine) start(ctx context.Context, def *core.ScriptDefinition, entry core.BranchID, opts StartOptions) (string, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	if _, ok := def.Branch(entry); !ok {
		return "", fmt.Errorf("start %s: unknown branch %q", def.Name, entry)
	}

	exec := core.NewExecution(def, entry, opts.SessionID, opts.Variables, e.now())
	rs := e.newRunState(exec, def)

	rs.mu.Lock()
	change, err := e.commit(ctx, rs)
	rs.mu.Unlock()
	if err != nil {
		return "", err
	}
	e.track(rs)

	e.logger.Info("Execution started",
		"execution", exec.ID,
		"script", def.Name,
		"branch", string(entry),
		"session", opts.SessionID,
	)
	e.afterCommit(ctx, rs, change, nil)

	e.run(rs, core.MainCursor)
	return exec.ID, nil
}

// Get returns a snapshot of the execution.
func (e *Engine) Get(ctx context.Context, id string) (*core.Execution, error) {
	if rs, ok := e.tracked(id); ok {
		rs.mu.Lock()
		defer rs.mu.Unlock()
		return rs.exec.Clone(), nil
	}
	return e.store.LoadExecution(ctx, id)
}

// List returns persisted executions, optionally filtered by status.
func (e *Engine) List(ctx context.Context, statuses ...core.Status) ([]*core.Execution, error) {
	return e.store.ListExecutions(ctx, statuses...)
}

// OpenWaits returns the open waits of an execution ordered by name.
func (e *Engine) OpenWaits(id string) []core.WaitState {
	return e.waits.ForExecution(id)
}

// Publish hands an event to the bus. Suspended branches waiting for it
// are resumed before Publish returns.
func (e *Engine) Publish(ctx context.Context, name string, payload any) (int, error) {
	return e.bus.Publish(ctx, name, payload)
}

// Cancel terminates a live execution, closes its open waits and aborts
// in-flight bot and LLM calls.
func (e *Engine) Cancel(ctx context.Context, id, reason string) error {
	rs, err := e.load(ctx, id)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "cancelled"
	}

	rs.mu.Lock()
	if rs.exec.Terminal() {
		rs.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", id, core.ErrExecutionTerminal)
	}
	rs.exec.Status = core.StatusCancelled
	rs.exec.Reason = reason
	for _, c := range rs.exec.Cursors {
		if c.Live() {
			c.Status = core.CursorFailed
			c.Reason = reason
			c.Wait = ""
		}
	}
	change, err := e.commit(ctx, rs)
	rs.mu.Unlock()

	e.logger.Info("Execution cancelled", "execution", id, "reason", reason)
	e.afterCommit(ctx, rs, change, err)
	return err
}

// Close stops reacting to WHEN triggers and waits for trigger-started runs
// to settle. Persisted executions stay resumable through Recover.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.triggers.Wait()
	return nil
}

// onEvent starts one execution per WHEN EVENT trigger subscribed to ev.
// Runs are started in the background so a trigger that publishes its own
// event cannot recurse on the publisher's stack.
func (e *Engine) onEvent(ctx context.Context, ev core.Event) error {
	for _, def := range e.scripts.Subscribers(ev.Name) {
		for _, t := range def.TriggersFor(ev.Name) {
			if e.closed.Load() {
				return nil
			}
			def, branch := def, t.Branch
			e.triggers.Add(1)
			go func() {
				defer e.triggers.Done()
				vars := map[string]any{
					"event":      ev.Payload,
					"event_name": ev.Name,
					"event_id":   ev.ID,
				}
				id, err := e.StartBranch(context.WithoutCancel(ctx), def, branch, StartOptions{Variables: vars})
				if err != nil {
					e.logger.Warn("Failed to start triggered run", "script", def.Name, "event", ev.Name, "error", err)
					return
				}
				e.logger.Debug("Triggered run started", "script", def.Name, "event", ev.Name, "execution", id)
			}()
		}
	}
	return nil
}

// runState is the in-memory owner of one live execution.
type runState struct {
	mu     sync.Mutex
	exec   *core.Execution
	def    *core.ScriptDefinition
	status core.Status // last status reported to observers

	ctx    context.Context
	cancel context.CancelFunc
}

func (e *Engine) newRunState(exec *core.Execution, def *core.ScriptDefinition) *runState {
	ctx, cancel := context.WithCancel(e.baseCtx)
	return &runState{exec: exec, def: def, ctx: ctx, cancel: cancel}
}

// track registers rs as the owner of its execution and returns the owner
// that won when another goroutine adopted the same execution first.
func (e *Engine) track(rs *runState) *runState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.runs[rs.exec.ID]; ok {
		return existing
	}
	e.runs[rs.exec.ID] = rs
	return rs
}

func (e *Engine) tracked(id string) (*runState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.runs[id]
	return rs, ok
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, id)
}

// load returns the run state of id, adopting the persisted execution when
// it is not live in this process.
func (e *Engine) load(ctx context.Context, id string) (*runState, error) {
	if rs, ok := e.tracked(id); ok {
		return rs, nil
	}
	exec, err := e.store.LoadExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.adopt(exec)
}

func (e *Engine) adopt(exec *core.Execution) (*runState, error) {
	def, err := e.scripts.Resolve(exec.ScriptName, exec.ScriptSource)
	if err != nil {
		return nil, fmt.Errorf("resolve script for execution %s: %w", exec.ID, err)
	}
	rs := e.newRunState(exec, def)
	rs.status = exec.Status
	if exec.Terminal() {
		return rs, nil
	}
	return e.track(rs), nil
}

type statusChange struct {
	executionID string
	script      string
	session     string
	from, to    core.Status
	reason      string
}

// commit persists the execution. The caller holds rs.mu.
func (e *Engine) commit(ctx context.Context, rs *runState) (*statusChange, error) {
	exec := rs.exec
	exec.UpdatedAt = e.now()
	if !exec.Terminal() {
		exec.Status = exec.DeriveStatus()
	}
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("persist execution %s: %w", exec.ID, err)
	}
	if exec.Status == rs.status {
		return nil, nil
	}
	change := &statusChange{
		executionID: exec.ID,
		script:      exec.ScriptName,
		session:     exec.SessionID,
		from:        rs.status,
		to:          exec.Status,
		reason:      exec.Reason,
	}
	rs.status = exec.Status
	return change, nil
}

// afterCommit reports a status change outside the execution lock and
// releases the resources of finished executions.
func (e *Engine) afterCommit(ctx context.Context, rs *runState, change *statusChange, err error) {
	if err != nil {
		e.logger.Error("Failed to commit execution", "execution", rs.exec.ID, "error", err)
		return
	}
	if change == nil {
		return
	}

	e.metrics.ExecutionStatus(string(change.to))
	if change.to.Terminal() {
		e.logger.Info("Execution finished",
			"execution", change.executionID,
			"script", change.script,
			"status", string(change.to),
			"reason", change.reason,
		)
	} else {
		e.logger.Debug("Execution status changed",
			"execution", change.executionID,
			"from", string(change.from),
			"to", string(change.to),
		)
	}

	cc := &CallbackContext{
		ExecutionID:    change.executionID,
		ScriptName:     change.script,
		SessionID:      change.session,
		Status:         change.to,
		PreviousStatus: change.from,
	}
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackOnStatusChange, cc); err != nil {
		e.logger.Warn("Status change callback failed", "execution", change.executionID, "error", err)
	}

	if change.to.Terminal() {
		cleanup := context.WithoutCancel(ctx)
		if closed := e.waits.Cancel(cleanup, change.executionID); len(closed) > 0 {
			e.logger.Debug("Closed waits of finished execution", "execution", change.executionID, "waits", len(closed))
		}
		e.metrics.SetWaitsOpen(e.waits.Len())
		e.limiter.Forget(change.executionID)
		e.untrack(change.executionID)
		rs.cancel()
	}
}
