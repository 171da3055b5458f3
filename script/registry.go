package script

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/flowmesh/core"
)

// Registry is a thread-safe cache of compiled scripts keyed by name.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]*core.ScriptDefinition
	compile []func(o *Options)
}

// NewRegistry creates an empty registry. optFns apply to every Compile.
func NewRegistry(optFns ...func(o *Options)) *Registry {
	return &Registry{defs: make(map[string]*core.ScriptDefinition), compile: optFns}
}

// Compile compiles src and registers the result under its script name.
func (r *Registry) Compile(name, src string) (*core.ScriptDefinition, error) {
	def, err := Compile(name, src, r.compile...)
	if err != nil {
		return nil, err
	}
	if err := r.Register(def); err != nil {
		return nil, err
	}
	return def, nil
}

// Register adds or replaces def.
func (r *Registry) Register(def *core.ScriptDefinition) error {
	if def == nil || def.Name == "" {
		return errors.New("script name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	return nil
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (*core.ScriptDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrScriptNotFound, name)
	}
	return def, nil
}

// Remove drops name and reports whether it was registered.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.defs[name]
	delete(r.defs, name)
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribers returns every registered script with a WHEN EVENT trigger
// for event, ordered by script name.
func (r *Registry) Subscribers(event string) []*core.ScriptDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*core.ScriptDefinition
	for _, def := range r.defs {
		if len(def.TriggersFor(event)) > 0 {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve returns the definition an execution was started from. The
// registered definition is used while its source is unchanged; otherwise
// source is recompiled with the registry's options and not registered.
func (r *Registry) Resolve(name, source string) (*core.ScriptDefinition, error) {
	r.mu.RLock()
	def, ok := r.defs[name]
	r.mu.RUnlock()
	if ok && (source == "" || def.Source == source) {
		return def, nil
	}
	if source == "" {
		return nil, fmt.Errorf("%w: %s", core.ErrScriptNotFound, name)
	}
	return Compile(name, source, r.compile...)
}
