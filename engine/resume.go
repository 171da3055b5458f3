package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/input"
)

// ResumeWait continues the branch parked on a closed wait. It implements
// wait.Resumer and is called by the event bus, the deadline sweep, Approve
// and SubmitInput. Resolutions for branches that are no longer parked on
// w are ignored.
func (e *Engine) ResumeWait(ctx context.Context, w core.WaitState) error {
	rs, err := e.load(ctx, w.ExecutionID)
	if err != nil {
		return fmt.Errorf("resume %s: %w", w.Key(), err)
	}

	rs.mu.Lock()
	c, ok := rs.exec.Cursors[w.CursorID]
	if rs.exec.Terminal() || !ok || c.Status != core.CursorWaiting || c.Wait != w.Name {
		rs.mu.Unlock()
		e.logger.Debug("Ignoring stale wait resolution", "wait", w.Key().String(), "resolution", string(w.Resolution))
		return nil
	}

	var (
		next    string
		failErr error
	)
	switch w.Resolution {
	case core.ResolutionSatisfied:
		e.applySatisfied(rs, w)
		c.Status = core.CursorRunning
		c.Wait = ""
		next = c.ID
	case core.ResolutionTimedOut:
		next, failErr = e.applyTimeout(rs, c, w)
	default:
		rs.mu.Unlock()
		return nil
	}
	change, err := e.commit(ctx, rs)
	cc := &CallbackContext{
		ExecutionID: rs.exec.ID,
		ScriptName:  rs.exec.ScriptName,
		SessionID:   rs.exec.SessionID,
		CursorID:    w.CursorID,
		Err:         failErr,
	}
	rs.mu.Unlock()

	e.metrics.SetWaitsOpen(e.waits.Len())
	e.logger.Info("Wait resumed",
		"execution", w.ExecutionID,
		"wait", w.Name,
		"kind", string(w.Kind),
		"resolution", string(w.Resolution),
	)
	if failErr != nil {
		if cbErr := e.callbacks.ExecuteCallbacks(ctx, CallbackOnError, cc); cbErr != nil {
			e.logger.Warn("Error callback failed", "execution", cc.ExecutionID, "error", cbErr)
		}
	}
	e.afterCommit(ctx, rs, change, err)
	if err != nil {
		return err
	}
	if next != "" {
		e.run(rs, next)
	}
	return nil
}

// applySatisfied stores the wait payload in the execution variables. The
// caller holds rs.mu.
func (e *Engine) applySatisfied(rs *runState, w core.WaitState) {
	vars := rs.exec.Variables
	switch w.Kind {
	case core.WaitEvent:
		if w.Payload != nil {
			vars["event"] = w.Payload
			vars[w.EventName()] = w.Payload
		}
	case core.WaitApproval:
		d := decisionOf(w.Payload)
		vars[w.Name] = string(d.Status)
		vars[w.Name+"_by"] = d.DecidedBy
		if d.Comment != "" {
			vars[w.Name+"_comment"] = d.Comment
		}
	case core.WaitHear:
		vars[w.Name] = w.Payload
	}
}

// applyTimeout runs the declared timeout handling of the step that opened
// w, or fails the branch with a TimeoutError. The caller holds rs.mu.
func (e *Engine) applyTimeout(rs *runState, c *core.Cursor, w core.WaitState) (string, error) {
	c.Wait = ""
	top := c.Top()
	var step core.Step
	if top != nil {
		step, _ = rs.def.StepAt(top.Branch, top.Index-1)
	}

	var onTimeout core.BranchID
	reason := ""
	switch s := step.(type) {
	case *core.HumanApprovalStep:
		decision := s.TimeoutDecision
		if decision == "" {
			decision = core.ApprovalTimedOut
		}
		rs.exec.Variables[w.Name] = string(decision)
		rs.exec.Variables[w.Name+"_by"] = core.TimeoutDecider
		c.Status = core.CursorRunning
		if s.OnTimeout != "" {
			c.Push(s.OnTimeout)
		}
		return c.ID, nil
	case *core.WaitEventStep:
		onTimeout = s.OnTimeout
	case *core.HearStep:
		onTimeout = s.OnTimeout
		if w.MaxRetries > 0 && w.RetryCount >= w.MaxRetries {
			reason = fmt.Sprintf("no valid input after %d attempts", w.RetryCount)
		}
	}

	if onTimeout != "" {
		c.Status = core.CursorRunning
		c.Push(onTimeout)
		return c.ID, nil
	}
	err := &core.TimeoutError{Key: w.Key(), Kind: w.Kind, Reason: reason}
	return e.failCursor(rs, c, err.Error(), true), err
}

func decisionOf(payload any) core.Decision {
	switch v := payload.(type) {
	case core.Decision:
		return v
	case *core.Decision:
		if v != nil {
			return *v
		}
	case string:
		return core.Decision{Status: core.ApprovalStatus(v)}
	case map[string]any:
		d := core.Decision{}
		if s, ok := v["status"].(string); ok {
			d.Status = core.ApprovalStatus(s)
		}
		if s, ok := v["decided_by"].(string); ok {
			d.DecidedBy = s
		}
		if s, ok := v["comment"].(string); ok {
			d.Comment = s
		}
		return d
	}
	return core.Decision{Status: core.ApprovalApproved}
}

// Approve records an approver's decision on the approval wait name and
// resumes the branch. A decision arriving after the wait was closed by its
// deadline is discarded.
func (e *Engine) Approve(ctx context.Context, executionID, name string, d core.Decision) error {
	key := core.WaitKey{ExecutionID: executionID, Name: name}
	w, ok := e.waits.Get(key)
	if !ok && e.decided(ctx, executionID, name) {
		e.logger.Debug("Approval arrived after the wait closed", "wait", key.String())
		return nil
	}
	if !ok || w.Kind != core.WaitApproval {
		return fmt.Errorf("approve %s: %w", key, core.ErrWaitNotFound)
	}
	if d.Status == "" {
		d.Status = core.ApprovalApproved
	}
	switch d.Status {
	case core.ApprovalApproved, core.ApprovalRejected, core.ApprovalEscalated:
	default:
		return fmt.Errorf("approve %s: invalid decision %q", key, d.Status)
	}
	if d.DecidedBy == "" {
		d.DecidedBy = w.Approver
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = e.now()
	}

	closed, err := e.waits.Satisfy(ctx, key, d)
	if err != nil {
		if lostRace(err) {
			e.logger.Debug("Approval arrived after the wait closed", "wait", key.String(), "error", err)
			return nil
		}
		return err
	}
	return e.ResumeWait(ctx, closed)
}

// SubmitInput delivers a reply to the HEAR wait for variable. Invalid
// replies are answered with the validator's message and counted; once the
// retries are exhausted the wait resolves like a timeout. The returned
// Result describes the validation outcome.
func (e *Engine) SubmitInput(ctx context.Context, executionID, variable, text string) (input.Result, error) {
	key := core.WaitKey{ExecutionID: executionID, Name: variable}
	w, ok := e.waits.Get(key)
	if !ok || w.Kind != core.WaitHear {
		return input.Result{}, fmt.Errorf("input %s: %w", key, core.ErrWaitNotFound)
	}

	t, _ := input.ParseType(w.InputType)
	res := input.ValidateAt(text, t, w.Options, e.now())
	if res.Valid {
		closed, err := e.waits.Satisfy(ctx, key, res.Value)
		if err != nil {
			if lostRace(err) {
				e.logger.Debug("Input arrived after the wait closed", "wait", key.String(), "error", err)
				return res, nil
			}
			return res, err
		}
		return res, e.ResumeWait(ctx, closed)
	}

	retried, exhausted, err := e.waits.RecordRetry(ctx, key)
	if err != nil {
		if lostRace(err) {
			return res, nil
		}
		return res, err
	}
	if !exhausted {
		if err := e.say(ctx, e.sessionOf(ctx, executionID), res.Message); err != nil {
			e.logger.Warn("Failed to send input prompt", "wait", key.String(), "error", err)
		}
		e.logger.Debug("Invalid input", "wait", key.String(), "attempt", retried.RetryCount, "max_retries", retried.MaxRetries)
		return res, nil
	}

	closed, err := e.waits.Resolve(ctx, key, core.ResolutionTimedOut, nil)
	if err != nil {
		if lostRace(err) {
			return res, nil
		}
		return res, err
	}
	return res, e.ResumeWait(ctx, closed)
}

// decided reports whether the approval name of the execution already has a
// final decision.
func (e *Engine) decided(ctx context.Context, executionID, name string) bool {
	exec, err := e.Get(ctx, executionID)
	if err != nil {
		return false
	}
	v, ok := exec.Variables[name].(string)
	return ok && v != string(core.ApprovalPending) && exec.Variables[name+"_by"] != nil
}

func (e *Engine) sessionOf(ctx context.Context, executionID string) string {
	rs, err := e.load(ctx, executionID)
	if err != nil {
		return ""
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.exec.SessionID
}

// Recover reloads open waits and resumes every non-terminal execution from
// its last committed cursors, as after a process restart. Waiting branches
// stay parked on their restored waits. It returns the number of executions
// recovered.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if _, err := e.waits.Restore(ctx); err != nil {
		return 0, err
	}
	e.metrics.SetWaitsOpen(e.waits.Len())

	execs, err := e.store.ListExecutions(ctx, core.StatusRunning, core.StatusWaiting)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}

	var errs []error
	n := 0
	for _, exec := range execs {
		rs, err := e.adopt(exec)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		rs.mu.Lock()
		runnable := rs.exec.RunnableCursors()
		for _, c := range rs.exec.LiveCursors() {
			switch c.Status {
			case core.CursorJoining:
				// Every child finished before the restart.
				if id := e.join(rs, c.ID); id != "" {
					runnable = append(runnable, id)
				}
			case core.CursorWaiting:
				if _, open := e.waits.Get(core.WaitKey{ExecutionID: exec.ID, Name: c.Wait}); !open {
					e.logger.Warn("Waiting branch has no open wait", "execution", exec.ID, "cursor", c.ID, "wait", c.Wait)
				}
			}
		}
		change, err := e.commit(ctx, rs)
		rs.mu.Unlock()
		e.afterCommit(ctx, rs, change, err)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		n++
		e.logger.Info("Execution recovered", "execution", exec.ID, "script", exec.ScriptName, "runnable", len(runnable))
		if len(runnable) > 0 {
			e.run(rs, runnable...)
		}
	}
	return n, errors.Join(errs...)
}

func lostRace(err error) bool {
	return errors.Is(err, core.ErrConcurrencyConflict) || errors.Is(err, core.ErrWaitNotFound)
}
