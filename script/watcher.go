package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/logging"
)

// ChangeOp describes what a watcher did with a changed file.
type ChangeOp string

const (
	ChangeCompiled ChangeOp = "compiled"
	ChangeRemoved  ChangeOp = "removed"
	ChangeFailed   ChangeOp = "failed"
)

// Change is reported for every file the watcher processes.
type Change struct {
	Path string
	Name string
	Op   ChangeOp
	Def  *core.ScriptDefinition
	Err  error
}

// WatcherOptions configure a Watcher.
type WatcherOptions struct {
	// Pattern selects script files relative to the watched directory.
	Pattern string
	// Debounce collects bursts of writes before recompiling.
	Debounce time.Duration
	Logger   logging.Logger
	// OnChange observes every processed change.
	OnChange func(Change)
}

// Watcher keeps a Registry in sync with a script directory. A script that
// fails to compile keeps its previous good definition.
type Watcher struct {
	dir      string
	registry *Registry
	opts     WatcherOptions
	logger   logging.Logger
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]fsnotify.Op
	names   map[string]string // path -> registered script name

	started bool
	done    chan struct{}
}

// NewWatcher creates a watcher for dir feeding registry.
func NewWatcher(dir string, registry *Registry, optFns ...func(o *WatcherOptions)) (*Watcher, error) {
	opts := WatcherOptions{
		Pattern:  DefaultPattern,
		Debounce: 200 * time.Millisecond,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{
		dir:      abs,
		registry: registry,
		opts:     opts,
		logger:   logging.OrNoOp(opts.Logger),
		fsw:      fsw,
		pending:  make(map[string]fsnotify.Op),
		names:    make(map[string]string),
		done:     make(chan struct{}),
	}, nil
}

// Start compiles the current directory contents, adds recursive watches
// and processes changes until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addWatchesRecursive(w.dir); err != nil {
		return err
	}
	if err := filepath.WalkDir(w.dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !w.matches(p) {
			return err
		}
		w.process(p, 0)
		return nil
	}); err != nil {
		return err
	}

	w.mu.Lock()
	w.started = true
	loaded := len(w.names)
	w.mu.Unlock()

	w.logger.Info("Script watcher started", "dir", w.dir, "pattern", w.opts.Pattern, "scripts", loaded)
	go w.run(ctx)
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	err := w.fsw.Close()
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
	return err
}

func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if base := d.Name(); strings.HasPrefix(base, ".") && p != root {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			w.logger.Warn("Failed to watch directory", "path", p, "error", err)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.opts.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Script watcher error", "error", err)
		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addWatchesRecursive(event.Name); err != nil {
				w.logger.Warn("Failed to watch new directory", "path", event.Name, "error", err)
			}
			// Files written before the watch was added produce no events.
			_ = filepath.WalkDir(event.Name, func(p string, d os.DirEntry, err error) error {
				if err == nil && !d.IsDir() && w.matches(p) {
					w.mu.Lock()
					w.pending[p] |= fsnotify.Create
					w.mu.Unlock()
				}
				return nil
			})
			return
		}
	}
	if !w.matches(event.Name) {
		return
	}
	w.mu.Lock()
	w.pending[event.Name] |= event.Op
	w.mu.Unlock()
}

func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.mu.Unlock()

	for p, op := range pending {
		w.process(p, op)
	}
}

// process recompiles or unregisters the script at p.
func (w *Watcher) process(p string, op fsnotify.Op) {
	change := Change{Path: p}

	_, statErr := os.Stat(p)
	if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) || errors.Is(statErr, os.ErrNotExist) {
		w.mu.Lock()
		name, ok := w.names[p]
		delete(w.names, p)
		w.mu.Unlock()
		if !ok {
			return
		}
		w.registry.Remove(name)
		change.Name = name
		change.Op = ChangeRemoved
		w.logger.Info("Script removed", "path", p, "script", name)
		w.notify(change)
		return
	}

	def, err := compileFile(p, w.registry.compile...)
	if err != nil {
		change.Name = NameFromPath(p)
		change.Op = ChangeFailed
		change.Err = err
		w.logger.Warn("Script failed to compile, keeping previous version", "path", p, "error", err)
		w.notify(change)
		return
	}
	if err := w.registry.Register(def); err != nil {
		change.Op = ChangeFailed
		change.Err = err
		w.notify(change)
		return
	}

	w.mu.Lock()
	prev, had := w.names[p]
	w.names[p] = def.Name
	w.mu.Unlock()
	if had && prev != def.Name {
		w.registry.Remove(prev)
	}

	change.Name = def.Name
	change.Op = ChangeCompiled
	change.Def = def
	w.logger.Info("Script compiled", "path", p, "script", def.Name, "steps", def.StepCount())
	w.notify(change)
}

func (w *Watcher) matches(p string) bool {
	rel, err := filepath.Rel(w.dir, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	return matchPattern(w.opts.Pattern, rel)
}

func (w *Watcher) notify(c Change) {
	if w.opts.OnChange != nil {
		w.opts.OnChange(c)
	}
}
