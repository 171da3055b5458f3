package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrExecutionNotFound is returned when an execution id is unknown.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrScriptNotFound is returned when a script name is not registered.
	ErrScriptNotFound = errors.New("script not found")
	// ErrWaitNotFound is returned when no open wait matches a key.
	ErrWaitNotFound = errors.New("wait not found")
	// ErrWaitExists is returned when an open wait already holds a key.
	ErrWaitExists = errors.New("wait already registered")
	// ErrExecutionTerminal is returned when mutating a finished execution.
	ErrExecutionTerminal = errors.New("execution already terminal")
	// ErrConcurrencyConflict marks a lost compare-and-set on a WaitState.
	// Callers discard it; it is never surfaced as an execution failure.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// CompileError reports a syntax or structure problem in a script.
type CompileError struct {
	Script string
	Line   int
	Token  string
	Msg    string
}

func (e *CompileError) Error() string {
	var b strings.Builder
	if e.Script != "" {
		b.WriteString(e.Script)
		b.WriteString(":")
	}
	fmt.Fprintf(&b, "%d: %s", e.Line, e.Msg)
	if e.Token != "" {
		fmt.Fprintf(&b, " (near %q)", e.Token)
	}
	return b.String()
}

// DispatchError reports a bot, tool or event that is not registered.
type DispatchError struct {
	Kind string
	Name string
	Err  error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch %s %q: %v", e.Kind, e.Name, e.Err)
	}
	return fmt.Sprintf("dispatch %s %q: not registered", e.Kind, e.Name)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// TimeoutError reports a wait that expired without a declared timeout branch.
type TimeoutError struct {
	Key    WaitKey
	Kind   WaitKind
	Reason string
}

func (e *TimeoutError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s wait %s: %s", e.Kind, e.Key, e.Reason)
	}
	return fmt.Sprintf("%s wait %s timed out", e.Kind, e.Key)
}

// ModelRoutingError reports that every candidate model failed.
type ModelRoutingError struct {
	Objective Objective
	Attempts  []error
}

func (e *ModelRoutingError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no model available for objective %s", e.Objective)
	}
	return fmt.Sprintf("all models failed for objective %s: %v", e.Objective, errors.Join(e.Attempts...))
}

func (e *ModelRoutingError) Unwrap() []error { return e.Attempts }

// IsTimeout reports whether err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
