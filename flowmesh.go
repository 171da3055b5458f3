// Package flowmesh provides a high-level façade over the step scheduler and
// its collaborators (script registry, wait manager, event bus, shared
// memory, session router and LLM router). Most applications interact with
// this package by:
//  1. Creating a Mesh via New() or FromConfig()
//  2. Compiling or loading scripts (Compile, LoadDir)
//  3. Starting executions (Start) and feeding them events, approvals and
//     HEAR replies (Publish, Approve, SubmitInput)
//
// All defaults are in-memory and safe for local development and testing;
// production deployments typically use FromConfig with a SQLite store, a
// NATS bridge and a structured logger.
package flowmesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/flowmesh/config"
	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/engine"
	"github.com/hupe1980/flowmesh/eventbus"
	"github.com/hupe1980/flowmesh/eventbus/natsbridge"
	"github.com/hupe1980/flowmesh/input"
	"github.com/hupe1980/flowmesh/llmrouter"
	"github.com/hupe1980/flowmesh/logging"
	"github.com/hupe1980/flowmesh/memory"
	"github.com/hupe1980/flowmesh/metrics"
	"github.com/hupe1980/flowmesh/model"
	"github.com/hupe1980/flowmesh/model/anthropic"
	"github.com/hupe1980/flowmesh/model/openai"
	"github.com/hupe1980/flowmesh/router"
	"github.com/hupe1980/flowmesh/script"
	"github.com/hupe1980/flowmesh/session"
	"github.com/hupe1980/flowmesh/store"
	"github.com/hupe1980/flowmesh/store/sqlite"
	"github.com/hupe1980/flowmesh/wait"
)

// Options configures the Mesh.
type Options struct {
	// Engine tunes the step scheduler.
	Engine engine.Config

	// Compiler tunes script compilation defaults.
	Compiler script.Options

	// SweepInterval is how often Run checks wait deadlines.
	SweepInterval time.Duration

	// Store persists executions, waits, events, memory and session bots.
	// Defaults to an in-memory store.
	Store core.ExecutionStore

	// Handler invokes bots for BOT steps and router dispatch.
	Handler core.BotHandler

	// Transport delivers TALK messages and bot responses. Optional.
	Transport core.Transport

	// LLM routes LLM steps. Optional; without it LLM steps fail.
	LLM *llmrouter.Router

	// NATS enables the event bridge when set.
	NATS       natsbridge.Conn
	NATSPrefix string

	// Metrics records Prometheus metrics. Optional.
	Metrics *metrics.Metrics

	// Callbacks receives engine lifecycle hooks. Optional.
	Callbacks *engine.CallbackManager

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger

	// Now is the clock used throughout. Defaults to time.Now.
	Now func() time.Time

	closers []func() error
}

// Mesh is the high-level façade aggregating the engine and its services.
type Mesh struct {
	opts     Options
	store    core.ExecutionStore
	scripts  *script.Registry
	waits    *wait.Manager
	bus      *eventbus.Bus
	memory   *memory.Store
	sessions *session.InMemoryStore
	router   *router.Router
	engine   *engine.Engine
	bridge   *natsbridge.Bridge
	logger   logging.Logger

	mu      sync.Mutex
	running bool
	unsub   func()
}

// New creates a Mesh with optional overrides. Any unset service is
// replaced with an in-memory implementation.
//
// Example:
//
//	mesh, err := flowmesh.New(func(o *flowmesh.Options) {
//	    o.Handler = myBots
//	    o.Logger = logging.NewLogger(logging.DefaultLoggerConfig())
//	})
func New(optFns ...func(o *Options)) (*Mesh, error) {
	opts := Options{
		Engine:        engine.DefaultConfig,
		Compiler:      script.DefaultOptions(),
		SweepInterval: time.Second,
		Logger:        logging.NoOpLogger{},
		Now:           time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	if opts.Handler == nil {
		opts.Handler = core.BotHandlerFunc(func(_ context.Context, call core.BotCall) (core.Output, error) {
			return core.Output{}, &core.DispatchError{Kind: "bot", Name: call.Bot}
		})
	}
	logger := logging.OrNoOp(opts.Logger)
	met := opts.Metrics

	scripts := script.NewRegistry(func(o *script.Options) { *o = opts.Compiler })
	waits := wait.NewManager(func(o *wait.Options) {
		o.Store = opts.Store
		o.CheckInterval = opts.SweepInterval
		o.Logger = logger
		o.Now = opts.Now
		o.OnResolve = func(w core.WaitState) {
			met.WaitResolved(string(w.Kind), string(w.Resolution))
			if sl, ok := logger.(*logging.StructuredLogger); ok {
				sl.LogWaitResolution(w.Key().String(), string(w.Kind), string(w.Resolution))
			}
		}
	})
	bus := eventbus.New(func(o *eventbus.Options) {
		o.Store = opts.Store
		o.Waits = waits
		o.Logger = logger
		o.OnPublish = func(core.Event, int) { met.EventPublished() }
	})
	mem := memory.NewStore(func(o *memory.Options) {
		o.Persist = opts.Store
		o.Logger = logger
		o.Now = opts.Now
	})
	sessions := session.NewInMemoryStore(func(o *session.Options) {
		o.Persist = opts.Store
		o.Logger = logger
		o.Now = opts.Now
	})
	rt := router.New(sessions, opts.Handler, func(o *router.Options) {
		o.Transport = opts.Transport
		o.Logger = logger
		o.Now = opts.Now
		o.OnMatch = func(kind core.TriggerKind) { met.RouterMatch(string(kind)) }
	})
	eng := engine.New(func(o *engine.Options) {
		o.Config = opts.Engine
		o.Store = opts.Store
		o.Scripts = scripts
		o.Waits = waits
		o.Bus = bus
		o.Memory = mem
		o.Handler = opts.Handler
		if opts.LLM != nil {
			o.LLM = opts.LLM
		}
		o.Transport = opts.Transport
		o.Sessions = sessions
		o.Callbacks = opts.Callbacks
		o.Metrics = met
		o.Logger = logger
		o.Now = opts.Now
	})

	m := &Mesh{
		opts:     opts,
		store:    opts.Store,
		scripts:  scripts,
		waits:    waits,
		bus:      bus,
		memory:   mem,
		sessions: sessions,
		router:   rt,
		engine:   eng,
		logger:   logger,
	}
	m.unsub = bus.Subscribe(eventbus.Wildcard, rt.HandleEvent)
	if opts.NATS != nil {
		m.bridge = natsbridge.New(opts.NATS, bus, func(o *natsbridge.Options) {
			if opts.NATSPrefix != "" {
				o.Prefix = opts.NATSPrefix
			}
			o.Logger = logger
		})
	}
	return m, nil
}

// FromConfig builds a Mesh from a loaded configuration: the configured
// store backend, model catalog and providers, NATS bridge, metrics and
// logger. Scripts in cfg.Scripts.Dir are loaded. optFns run last and may
// override anything, typically Handler and Transport.
func FromConfig(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (*Mesh, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var closers []func() error
	fail := func(err error) (*Mesh, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	logger := logging.NewLogger(cfg.Log.LoggerConfig())

	var st core.ExecutionStore
	switch cfg.Store.Driver {
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.Store.Path)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, s.Close)
		st = s
	default:
		st = store.NewMemory()
	}

	var met *metrics.Metrics
	if cfg.Metrics.Enabled {
		met = metrics.New(prometheus.NewRegistry())
	}

	var llm *llmrouter.Router
	if len(cfg.LLM.Models) > 0 {
		r, err := newLLMRouter(cfg.LLM, logger, met)
		if err != nil {
			return fail(err)
		}
		llm = r
	}

	var conn natsbridge.Conn
	if cfg.NATS.URL != "" {
		nc, err := natsbridge.Connect(cfg.NATS.URL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() error { nc.Close(); return nil })
		conn = nc
	}

	m, err := New(func(o *Options) {
		o.Engine = engine.Config{
			MaxConcurrentBranches: cfg.Engine.MaxConcurrentBranches,
			MaxLLMCalls:           cfg.Engine.MaxLLMCalls,
		}
		o.Compiler = script.Options{
			DefaultApprovalTimeout: cfg.Engine.DefaultApprovalTimeout.Std(),
			DefaultHearRetries:     cfg.Engine.DefaultHearRetries,
		}
		o.SweepInterval = cfg.Wait.SweepInterval.Std()
		o.Store = st
		o.LLM = llm
		o.NATS = conn
		o.NATSPrefix = cfg.NATS.Prefix
		o.Metrics = met
		o.Logger = logger
		o.closers = closers
		for _, fn := range optFns {
			fn(o)
		}
	})
	if err != nil {
		return fail(err)
	}
	if cfg.Scripts.Dir != "" {
		n, err := m.LoadDir(cfg.Scripts.Dir, cfg.Scripts.Pattern)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		logger.Info("Scripts loaded", "dir", cfg.Scripts.Dir, "count", n)
	}
	return m, nil
}

func newLLMRouter(cfg config.LLMConfig, logger logging.Logger, met *metrics.Metrics) (*llmrouter.Router, error) {
	providers := make(map[string]model.Provider)
	for _, spec := range cfg.Models {
		if _, ok := providers[spec.Provider]; ok {
			continue
		}
		switch spec.Provider {
		case "openai":
			providers["openai"] = openai.NewProvider(func(o *openai.Options) {
				o.APIKey = cfg.OpenAI.APIKey
				o.BaseURL = cfg.OpenAI.BaseURL
			})
		case "anthropic":
			providers["anthropic"] = anthropic.NewProvider(func(o *anthropic.Options) {
				o.APIKey = cfg.Anthropic.APIKey
				o.BaseURL = cfg.Anthropic.BaseURL
			})
		default:
			return nil, fmt.Errorf("model %q: unknown provider %q", spec.Name, spec.Provider)
		}
	}
	return llmrouter.New(cfg.Catalog(), providers, func(o *llmrouter.Options) {
		o.Health = llmrouter.HealthConfig{
			FailureThreshold: cfg.FailureThreshold,
			RecoveryTimeout:  cfg.RecoveryTimeout.Std(),
		}
		if cfg.MaxAttempts > 0 {
			o.Retry.MaxAttempts = cfg.MaxAttempts
		}
		o.Logger = logger
		o.OnCall = met.LLMCall
	})
}

// Engine returns the step scheduler.
func (m *Mesh) Engine() *engine.Engine { return m.engine }

// Scripts returns the script registry.
func (m *Mesh) Scripts() *script.Registry { return m.scripts }

// Bus returns the event bus.
func (m *Mesh) Bus() *eventbus.Bus { return m.bus }

// Memory returns the shared memory store.
func (m *Mesh) Memory() *memory.Store { return m.memory }

// Sessions returns the session registry.
func (m *Mesh) Sessions() *session.InMemoryStore { return m.sessions }

// Router returns the multi-agent router.
func (m *Mesh) Router() *router.Router { return m.router }

// LLM returns the LLM router, or nil when none is configured.
func (m *Mesh) LLM() *llmrouter.Router { return m.opts.LLM }

// Metrics returns the metrics collectors, or nil when disabled.
func (m *Mesh) Metrics() *metrics.Metrics { return m.opts.Metrics }

// Store returns the execution store.
func (m *Mesh) Store() core.ExecutionStore { return m.store }

// Compile compiles and registers a script.
func (m *Mesh) Compile(name, src string) (*core.ScriptDefinition, error) {
	return m.engine.Compile(name, src)
}

// Register adds or replaces a compiled script.
func (m *Mesh) Register(def *core.ScriptDefinition) error {
	return m.engine.Register(def)
}

// LoadDir compiles and registers every script below dir matching pattern.
func (m *Mesh) LoadDir(dir, pattern string) (int, error) {
	return m.scripts.LoadDir(dir, pattern)
}

// Watch keeps the registry in sync with dir until ctx is done.
func (m *Mesh) Watch(ctx context.Context, dir, pattern string, onChange func(script.Change)) (*script.Watcher, error) {
	w, err := script.NewWatcher(dir, m.scripts, func(o *script.WatcherOptions) {
		if pattern != "" {
			o.Pattern = pattern
		}
		o.Logger = m.logger
		o.OnChange = onChange
	})
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		_ = w.Stop()
		return nil, err
	}
	return w, nil
}

// Start runs the registered script name with vars in sessionID.
func (m *Mesh) Start(ctx context.Context, name, sessionID string, vars map[string]any) (string, error) {
	return m.engine.Start(ctx, name, engine.StartOptions{SessionID: sessionID, Variables: vars})
}

// Get returns a snapshot of an execution.
func (m *Mesh) Get(ctx context.Context, id string) (*core.Execution, error) {
	return m.engine.Get(ctx, id)
}

// List returns persisted executions, optionally filtered by status.
func (m *Mesh) List(ctx context.Context, statuses ...core.Status) ([]*core.Execution, error) {
	return m.engine.List(ctx, statuses...)
}

// OpenWaits returns the open waits of an execution.
func (m *Mesh) OpenWaits(id string) []core.WaitState {
	return m.engine.OpenWaits(id)
}

// Publish publishes an event to waiting branches, WHEN triggers and
// event-triggered bots.
func (m *Mesh) Publish(ctx context.Context, name string, payload any) (int, error) {
	return m.engine.Publish(ctx, name, payload)
}

// Approve decides a pending HUMAN APPROVAL.
func (m *Mesh) Approve(ctx context.Context, id, name string, d core.Decision) error {
	return m.engine.Approve(ctx, id, name, d)
}

// SubmitInput answers a pending HEAR.
func (m *Mesh) SubmitInput(ctx context.Context, id, variable, text string) (input.Result, error) {
	return m.engine.SubmitInput(ctx, id, variable, text)
}

// Cancel terminates an execution.
func (m *Mesh) Cancel(ctx context.Context, id, reason string) error {
	return m.engine.Cancel(ctx, id, reason)
}

// Join activates bot in a session.
func (m *Mesh) Join(ctx context.Context, sessionID string, bot core.Bot, optFns ...func(o *session.JoinOptions)) (core.SessionBot, error) {
	return m.router.Join(ctx, sessionID, bot, optFns...)
}

// Leave deactivates a bot in a session.
func (m *Mesh) Leave(ctx context.Context, sessionID, botName string) error {
	return m.router.Leave(ctx, sessionID, botName)
}

// Route returns the bots that should respond to in, in response order.
func (m *Mesh) Route(ctx context.Context, in router.Inbound) ([]core.SessionBot, error) {
	return m.router.Route(ctx, in)
}

// Dispatch routes in and invokes every matched bot.
func (m *Mesh) Dispatch(ctx context.Context, in router.Inbound) ([]router.Response, error) {
	return m.router.Dispatch(ctx, in)
}

// Recover restores shared memory and open waits and resumes every
// non-terminal execution after a restart.
func (m *Mesh) Recover(ctx context.Context) (int, error) {
	if err := m.memory.Restore(ctx); err != nil {
		return 0, err
	}
	return m.engine.Recover(ctx)
}

// Run starts the background loops: the wait deadline sweep, the router's
// schedule triggers and, when configured, the NATS bridge. It returns
// once they are started; Close stops them.
func (m *Mesh) Run(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("mesh already running")
	}
	if err := m.waits.Start(ctx, m.engine); err != nil {
		return err
	}
	if err := m.router.StartScheduler(ctx); err != nil {
		m.waits.Stop()
		return err
	}
	if m.bridge != nil {
		if err := m.bridge.Start(ctx); err != nil {
			m.router.StopScheduler()
			m.waits.Stop()
			return err
		}
	}
	m.running = true
	m.logger.Info("Mesh running", "sweep_interval", m.opts.SweepInterval, "nats", m.bridge != nil)
	return nil
}

// Close stops the background loops, the engine and every resource the
// Mesh opened itself.
func (m *Mesh) Close() error {
	m.mu.Lock()
	running := m.running
	m.running = false
	m.mu.Unlock()

	var errs []error
	if running {
		m.waits.Stop()
		m.router.StopScheduler()
		if m.bridge != nil {
			errs = append(errs, m.bridge.Stop())
		}
	}
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	errs = append(errs, m.engine.Close())
	for i := len(m.opts.closers) - 1; i >= 0; i-- {
		errs = append(errs, m.opts.closers[i]())
	}
	m.opts.closers = nil
	return errors.Join(errs...)
}
