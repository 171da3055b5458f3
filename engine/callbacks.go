package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/flowmesh/core"
)

// CallbackType defines the lifecycle points where callbacks run.
//
// Callbacks hook into the scheduler without modifying it. They run
// synchronously on the goroutine driving the branch, never while the
// execution lock is held, so a callback may safely call back into the
// Engine (for example Get).
//
// Available callback types:
//   - BeforeStep/AfterStep: around every executed step
//   - OnStatusChange: when an execution's derived status changes
//   - OnError: when a branch fails
type CallbackType string

const (
	// CallbackBeforeStep is triggered before a step runs. Returning an error
	// fails the branch before the step has any effect.
	CallbackBeforeStep CallbackType = "before_step"

	// CallbackAfterStep is triggered after a step has been applied and
	// committed. Errors are logged and otherwise ignored.
	CallbackAfterStep CallbackType = "after_step"

	// CallbackOnStatusChange is triggered when an execution moves between
	// running, waiting and its terminal statuses.
	CallbackOnStatusChange CallbackType = "on_status_change"

	// CallbackOnError is triggered when a branch fails.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext describes the lifecycle point a callback is invoked for.
//
// Step-related fields are set for BeforeStep, AfterStep and OnError;
// Status and PreviousStatus are set for OnStatusChange.
type CallbackContext struct {
	// CallbackType indicates which callback type triggered this execution.
	CallbackType CallbackType

	ExecutionID string
	ScriptName  string
	SessionID   string

	// CursorID names the branch cursor that ran the step.
	CursorID string
	Step     core.Step
	Branch   core.BranchID
	Index    int

	// Duration is the time spent in the step (AfterStep only).
	Duration time.Duration
	// Err is the step or branch error, if any.
	Err error

	Status         core.Status
	PreviousStatus core.Status

	// Metadata provides extensible storage for custom callback data.
	Metadata map[string]any
}

// Callback defines the interface for execution lifecycle hooks.
//
// Implementations should be fast, since they run on the scheduler's
// goroutine, and safe for concurrent use, since parallel branches invoke
// them concurrently.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic with the provided context.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	audit := NewFunctionCallback(
//	    CallbackAfterStep,
//	    func(ctx context.Context, cc *CallbackContext) error {
//	        log.Printf("%s ran %s", cc.ExecutionID, cc.Step.Kind())
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager is a registry of callbacks keyed by type.
//
// Callbacks of one type run in registration order; the first error stops
// the chain and is returned. Registration and execution are safe for
// concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback for its type.
//
// Example:
//
//	manager := NewCallbackManager()
//	manager.RegisterCallback(NewLoggingCallback(CallbackAfterStep, logger.Info))
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks runs every callback registered for callbackType.
// A nil manager runs nothing.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	if cm == nil {
		return nil
	}
	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}

	return nil
}

// LoggingCallback forwards lifecycle points to a logging function.
//
// Example:
//
//	callback := NewLoggingCallback(CallbackOnStatusChange, func(msg string) {
//	    log.Printf("[FLOWMESH] %s", msg)
//	})
type LoggingCallback struct {
	callbackType CallbackType
	logger       func(message string)
}

// NewLoggingCallback creates a new logging callback.
func NewLoggingCallback(callbackType CallbackType, logger func(message string)) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the lifecycle point. A nil logger function is a no-op.
func (c *LoggingCallback) Execute(_ context.Context, cc *CallbackContext) error {
	if c.logger == nil {
		return nil
	}
	switch c.callbackType {
	case CallbackOnStatusChange:
		c.logger(fmt.Sprintf("[%s] execution %s: %s -> %s", c.callbackType, cc.ExecutionID, cc.PreviousStatus, cc.Status))
	default:
		kind := "-"
		if cc.Step != nil {
			kind = cc.Step.Kind().String()
		}
		msg := fmt.Sprintf("[%s] execution %s cursor %s step %s at %s[%d]",
			c.callbackType, cc.ExecutionID, cc.CursorID, kind, cc.Branch, cc.Index)
		if cc.Err != nil {
			msg += ": " + cc.Err.Error()
		}
		c.logger(msg)
	}
	return nil
}

// StepFilterCallback rejects steps of the given kinds before they run,
// for example to disable LLM calls in a sandboxed deployment.
type StepFilterCallback struct {
	denied map[core.StepKind]bool
}

// NewStepFilterCallback creates a BeforeStep callback denying kinds.
func NewStepFilterCallback(kinds ...core.StepKind) *StepFilterCallback {
	denied := make(map[core.StepKind]bool, len(kinds))
	for _, k := range kinds {
		denied[k] = true
	}
	return &StepFilterCallback{denied: denied}
}

// Type returns CallbackBeforeStep.
func (c *StepFilterCallback) Type() CallbackType {
	return CallbackBeforeStep
}

// Execute fails the branch when the step kind is denied.
func (c *StepFilterCallback) Execute(_ context.Context, cc *CallbackContext) error {
	if cc.Step != nil && c.denied[cc.Step.Kind()] {
		return fmt.Errorf("step %s is not allowed", cc.Step.Kind())
	}
	return nil
}
