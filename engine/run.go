package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/expr"
	"github.com/hupe1980/flowmesh/internal/util"
	"github.com/hupe1980/flowmesh/logging"
)

// talkAuthor is the author of messages the scheduler sends on behalf of a script.
const talkAuthor = "flowmesh"

// stepResult is what running a step produced. It is computed without the
// execution lock and applied under it.
type stepResult struct {
	vars map[string]any
	push core.BranchID
	jump *core.GotoStep
	fork []core.BranchID
	wait *core.WaitState
	err  error
}

// position identifies the step a cursor was at when its lock was released.
type position struct {
	depth  int
	branch core.BranchID
	index  int
}

func (p position) matches(c *core.Cursor) bool {
	top := c.Top()
	return top != nil && len(c.Frames) == p.depth && top.Branch == p.branch && top.Index == p.index
}

// run drives cursorIDs and every branch they fork until all of them are
// suspended or finished.
func (e *Engine) run(rs *runState, cursorIDs ...string) {
	var wg sync.WaitGroup
	var spawn func(id string)
	spawn = func(id string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for next := id; next != ""; {
				next = e.advance(rs, next, spawn)
			}
		}()
	}
	for _, id := range cursorIDs {
		spawn(id)
	}
	wg.Wait()
}

// advance executes one step of cursorID and returns the cursor to keep
// driving, or "" when this goroutine is done.
func (e *Engine) advance(rs *runState, cursorID string, spawn func(string)) string {
	ctx := rs.ctx

	rs.mu.Lock()
	c, ok := rs.exec.Cursors[cursorID]
	if !ok || rs.exec.Terminal() || c.Status != core.CursorRunning {
		rs.mu.Unlock()
		return ""
	}
	top := c.Top()
	if top == nil {
		next := e.completeCursor(rs, c)
		change, err := e.commit(ctx, rs)
		rs.mu.Unlock()
		e.afterCommit(ctx, rs, change, err)
		if err != nil {
			return ""
		}
		return next
	}
	step, ok := rs.def.StepAt(top.Branch, top.Index)
	if !ok {
		// End of a nested branch: continue with the enclosing frame.
		c.Pop()
		rs.mu.Unlock()
		return cursorID
	}
	pos := position{depth: len(c.Frames), branch: top.Branch, index: top.Index}
	vars := copyVars(rs.exec.Variables)
	cc := &CallbackContext{
		ExecutionID: rs.exec.ID,
		ScriptName:  rs.exec.ScriptName,
		SessionID:   rs.exec.SessionID,
		CursorID:    cursorID,
		Step:        step,
		Branch:      pos.branch,
		Index:       pos.index,
	}
	rs.mu.Unlock()

	started := time.Now()
	var res stepResult
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeStep, cc); err != nil {
		res.err = fmt.Errorf("before step: %w", err)
	} else {
		res = e.execute(ctx, cc, step, vars)
	}
	dur := time.Since(started)

	rs.mu.Lock()
	c, ok = rs.exec.Cursors[cursorID]
	if !ok || rs.exec.Terminal() || c.Status != core.CursorRunning || !pos.matches(c) {
		rs.mu.Unlock()
		e.logger.Debug("Discarding result of superseded step",
			"execution", cc.ExecutionID,
			"cursor", cursorID,
			"step", step.Kind().String(),
		)
		return ""
	}
	next, forks, stepErr := e.apply(ctx, rs, c, res)
	change, err := e.commit(ctx, rs)
	rs.mu.Unlock()

	e.observeStep(cc, dur, stepErr)
	cc.Duration = dur
	cc.Err = stepErr
	if cbErr := e.callbacks.ExecuteCallbacks(ctx, CallbackAfterStep, cc); cbErr != nil {
		e.logger.Warn("After step callback failed", "execution", cc.ExecutionID, "error", cbErr)
	}
	if stepErr != nil {
		if cbErr := e.callbacks.ExecuteCallbacks(ctx, CallbackOnError, cc); cbErr != nil {
			e.logger.Warn("Error callback failed", "execution", cc.ExecutionID, "error", cbErr)
		}
	}
	e.afterCommit(ctx, rs, change, err)
	if err != nil {
		return ""
	}

	for _, id := range forks {
		spawn(id)
	}
	return next
}

// apply folds a step result into the cursor. The caller holds rs.mu.
func (e *Engine) apply(ctx context.Context, rs *runState, c *core.Cursor, res stepResult) (string, []string, error) {
	if res.err != nil {
		return e.failCursor(rs, c, res.err.Error(), core.IsTimeout(res.err)), nil, res.err
	}

	for k, v := range res.vars {
		rs.exec.Variables[k] = v
	}

	if res.jump != nil {
		for len(c.Frames) > 1 && c.Top().Branch != res.jump.Branch {
			c.Pop()
		}
		c.Top().Index = res.jump.Index
	} else {
		c.Top().Index++
	}
	if res.push != "" {
		c.Push(res.push)
	}

	if len(res.fork) > 0 {
		return "", e.fork(rs, c, res.fork), nil
	}

	if res.wait != nil {
		w := *res.wait
		w.ExecutionID = rs.exec.ID
		w.CursorID = c.ID
		if err := e.waits.Register(ctx, w); err != nil {
			if !errors.Is(err, core.ErrWaitExists) || !e.ownsWait(w) {
				return e.failCursor(rs, c, err.Error(), false), nil, err
			}
			// Registered before a crash that lost the cursor commit.
			e.logger.Info("Adopting open wait", "execution", w.ExecutionID, "cursor", c.ID, "wait", w.Name)
		} else {
			e.metrics.WaitOpened()
			e.metrics.SetWaitsOpen(e.waits.Len())
		}
		c.Status = core.CursorWaiting
		c.Wait = w.Name
		return "", nil, nil
	}

	return c.ID, nil, nil
}

// ownsWait reports whether an open wait under w's key was left by the same
// cursor parking on the same kind of wait.
func (e *Engine) ownsWait(w core.WaitState) bool {
	cur, ok := e.waits.Get(w.Key())
	return ok && cur.CursorID == w.CursorID && cur.Kind == w.Kind
}

// fork creates one child cursor per branch and parks parent on the join.
// Children left over from an earlier pass through the same PARALLEL step
// are discarded.
func (e *Engine) fork(rs *runState, parent *core.Cursor, branches []core.BranchID) []string {
	for _, old := range parent.Children {
		e.removeCursor(rs, old)
	}
	parent.Children = nil

	ids := make([]string, 0, len(branches))
	for i, b := range branches {
		label := string(b)
		if br, ok := rs.def.Branch(b); ok && br.Label != "" {
			label = br.Label
		}
		id := parent.ID + "." + label
		if _, taken := rs.exec.Cursors[id]; taken {
			id = fmt.Sprintf("%s.%d", id, i)
		}
		rs.exec.Cursors[id] = &core.Cursor{
			ID:       id,
			ParentID: parent.ID,
			Frames:   []core.Frame{{Branch: b}},
			Status:   core.CursorRunning,
		}
		parent.Children = append(parent.Children, id)
		ids = append(ids, id)
	}
	parent.Status = core.CursorJoining
	return ids
}

func (e *Engine) removeCursor(rs *runState, id string) {
	c, ok := rs.exec.Cursors[id]
	if !ok {
		return
	}
	for _, child := range c.Children {
		e.removeCursor(rs, child)
	}
	delete(rs.exec.Cursors, id)
}

// completeCursor finishes a cursor whose frames are exhausted and returns
// the parent to continue when it completed a join.
func (e *Engine) completeCursor(rs *runState, c *core.Cursor) string {
	c.Status = core.CursorCompleted
	c.Wait = ""
	if c.ParentID == "" {
		rs.exec.Status = core.StatusCompleted
		rs.exec.Reason = ""
		return ""
	}
	return e.join(rs, c.ParentID)
}

// failCursor fails c. A failed root cursor fails the execution; a failed
// child is observed by its parent once every sibling has finished.
func (e *Engine) failCursor(rs *runState, c *core.Cursor, reason string, timedOut bool) string {
	c.Status = core.CursorFailed
	c.Reason = reason
	c.TimedOut = timedOut
	c.Wait = ""
	if c.ParentID == "" {
		if timedOut {
			rs.exec.Status = core.StatusTimedOut
		} else {
			rs.exec.Status = core.StatusFailed
		}
		rs.exec.Reason = reason
		return ""
	}
	return e.join(rs, c.ParentID)
}

// join is the all-of barrier of a PARALLEL step. It returns the parent id
// when the parent may continue.
func (e *Engine) join(rs *runState, parentID string) string {
	p, ok := rs.exec.Cursors[parentID]
	if !ok || p.Status != core.CursorJoining {
		return ""
	}
	var failed *core.Cursor
	for _, id := range p.Children {
		child, ok := rs.exec.Cursors[id]
		if !ok {
			continue
		}
		if child.Live() {
			return ""
		}
		if child.Status == core.CursorFailed && failed == nil {
			failed = child
		}
	}
	if failed != nil {
		reason := fmt.Sprintf("parallel branch %s failed: %s", failed.ID, failed.Reason)
		return e.failCursor(rs, p, reason, failed.TimedOut)
	}
	p.Status = core.CursorRunning
	return p.ID
}

// execute runs one step against a snapshot of the execution variables.
func (e *Engine) execute(ctx context.Context, cc *CallbackContext, step core.Step, vars map[string]any) stepResult {
	switch s := step.(type) {
	case *core.BotCallStep:
		return e.botCall(ctx, cc, s, vars)

	case *core.ConditionalStep:
		ok, err := e.eval.Bool(ctx, s.Predicate, vars)
		if err != nil {
			return stepResult{err: fmt.Errorf("line %d: evaluate %q: %w", s.Line, s.Predicate, err)}
		}
		if ok {
			return stepResult{push: s.Then}
		}
		return stepResult{push: s.Else}

	case *core.SwitchStep:
		v, err := e.eval.Value(ctx, s.Selector, vars)
		if err != nil {
			return stepResult{err: fmt.Errorf("line %d: evaluate %q: %w", s.Line, s.Selector, err)}
		}
		return stepResult{push: selectCase(s, expr.String(v))}

	case *core.ParallelStep:
		return stepResult{fork: s.Branches}

	case *core.WaitEventStep:
		return stepResult{wait: &core.WaitState{
			Name:     core.EventWaitName(s.Event, cc.CursorID),
			Event:    s.Event,
			Kind:     core.WaitEvent,
			Deadline: e.deadline(s.Timeout),
		}}

	case *core.HumanApprovalStep:
		return stepResult{
			vars: map[string]any{s.Name: string(core.ApprovalPending)},
			wait: &core.WaitState{
				Name:     s.Name,
				Kind:     core.WaitApproval,
				Approver: s.Approver,
				Deadline: e.deadline(s.Timeout),
			},
		}

	case *core.HearStep:
		return stepResult{wait: &core.WaitState{
			Name:       s.Variable,
			Kind:       core.WaitHear,
			InputType:  s.InputType,
			Options:    append([]string(nil), s.Options...),
			MaxRetries: s.MaxRetries,
			Deadline:   e.deadline(s.Timeout),
		}}

	case *core.PublishEventStep:
		var payload any
		if s.Payload != "" {
			v, err := e.eval.Value(ctx, s.Payload, vars)
			if err != nil {
				return stepResult{err: fmt.Errorf("line %d: evaluate payload %q: %w", s.Line, s.Payload, err)}
			}
			payload = v
		}
		if _, err := e.bus.Publish(ctx, s.Event, payload); err != nil {
			return stepResult{err: err}
		}
		return stepResult{}

	case *core.ShareMemoryStep:
		if err := e.memory.Share(ctx, s.SourceBot, s.Key, s.Target); err != nil {
			return stepResult{err: fmt.Errorf("share %q from %s with %s: %w", s.Key, s.SourceBot, s.Target, err)}
		}
		return stepResult{}

	case *core.LLMCallStep:
		return e.llmCall(ctx, cc, s, vars)

	case *core.SetStep:
		v, err := e.eval.Value(ctx, s.Expr, vars)
		if err != nil {
			return stepResult{err: fmt.Errorf("line %d: evaluate %q: %w", s.Line, s.Expr, err)}
		}
		return stepResult{vars: map[string]any{s.Variable: v}}

	case *core.TalkStep:
		text, err := render(s.Text, vars)
		if err != nil {
			return stepResult{err: fmt.Errorf("line %d: %w", s.Line, err)}
		}
		if err := e.say(ctx, cc.SessionID, text); err != nil {
			return stepResult{err: fmt.Errorf("talk: %w", err)}
		}
		return stepResult{}

	case *core.GotoStep:
		return stepResult{jump: s}

	default:
		return stepResult{err: fmt.Errorf("unsupported step kind %s", step.Kind())}
	}
}

func selectCase(s *core.SwitchStep, value string) core.BranchID {
	for _, c := range s.Cases {
		for _, v := range c.Values {
			if v == value {
				return c.Branch
			}
		}
	}
	return s.Default
}

func (e *Engine) botCall(ctx context.Context, cc *CallbackContext, s *core.BotCallStep, vars map[string]any) stepResult {
	task, err := render(s.Task, vars)
	if err != nil {
		return stepResult{err: fmt.Errorf("line %d: %w", s.Line, err)}
	}

	release, err := e.acquire(ctx)
	if err != nil {
		return stepResult{err: err}
	}
	out, err := e.handler.Invoke(ctx, core.BotCall{
		ExecutionID: cc.ExecutionID,
		SessionID:   cc.SessionID,
		Bot:         s.Bot,
		Task:        task,
		Variables:   vars,
	})
	release()
	if err != nil {
		var de *core.DispatchError
		if errors.As(err, &de) {
			return stepResult{err: err}
		}
		return stepResult{err: fmt.Errorf("bot %s: %w", s.Bot, err)}
	}

	res := stepResult{vars: make(map[string]any, len(out.Data)+1)}
	for k, v := range out.Data {
		res.vars[k] = v
		if err := e.memory.Write(ctx, s.Bot, k, v); err != nil {
			e.logger.Warn("Failed to record bot output in memory", "bot", s.Bot, "key", k, "error", err)
		}
	}
	res.vars[s.Bot+"_result"] = out.Text
	if out.Text != "" {
		if err := e.memory.Write(ctx, s.Bot, "result", out.Text); err != nil {
			e.logger.Warn("Failed to record bot output in memory", "bot", s.Bot, "key", "result", "error", err)
		}
	}
	return res
}

func (e *Engine) llmCall(ctx context.Context, cc *CallbackContext, s *core.LLMCallStep, vars map[string]any) stepResult {
	if e.llm == nil {
		return stepResult{err: &core.DispatchError{Kind: "llm", Name: s.Variable}}
	}
	if err := e.limiter.Increment(cc.ExecutionID); err != nil {
		return stepResult{err: err}
	}
	prompt, err := render(s.Prompt, vars)
	if err != nil {
		return stepResult{err: fmt.Errorf("line %d: %w", s.Line, err)}
	}

	release, err := e.acquire(ctx)
	if err != nil {
		return stepResult{err: err}
	}
	started := time.Now()
	completion, routed, err := e.llm.Route(ctx, core.LLMRoutingRequest{
		ExecutionID: cc.ExecutionID,
		Prompt:      prompt,
		Objective:   s.Objective,
		MaxLatency:  s.MaxLatency,
	})
	release()
	if sl, ok := e.logger.(*logging.StructuredLogger); ok {
		sl.WithExecution(cc.ExecutionID).LogLLMCall(routed.Model, completion.Usage.TotalTokens, time.Since(started), err)
	}
	if err != nil {
		return stepResult{err: fmt.Errorf("llm %s: %w", s.Variable, err)}
	}

	return stepResult{vars: map[string]any{
		s.Variable:            completion.Text,
		s.Variable + "_model": routed.Model,
	}}
}

// acquire takes a concurrency slot for a bot or LLM call.
func (e *Engine) acquire(ctx context.Context) (func(), error) {
	if e.sem == nil {
		return func() {}, nil
	}
	select {
	case e.sem <- struct{}{}:
		return func() { <-e.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// say delivers a scripted message to the session transcript and transport.
func (e *Engine) say(ctx context.Context, sessionID, text string) error {
	msg := core.Message{
		ID:        core.NewID(),
		SessionID: sessionID,
		Author:    talkAuthor,
		Text:      text,
		CreatedAt: e.now(),
	}
	if e.sessions != nil {
		msg = e.sessions.AppendMessage(msg)
	}
	if e.transport != nil {
		return e.transport.Send(ctx, msg)
	}
	if e.sessions == nil {
		e.logger.Info("Talk", "session", sessionID, "text", text)
	}
	return nil
}

func (e *Engine) deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return e.now().Add(timeout)
}

func (e *Engine) observeStep(cc *CallbackContext, dur time.Duration, err error) {
	kind := cc.Step.Kind().String()
	e.metrics.Step(kind, dur, err)
	if sl, ok := e.logger.(*logging.StructuredLogger); ok {
		sl.WithExecution(cc.ExecutionID).LogStep(kind, string(cc.Branch), cc.Index, dur, err)
		return
	}
	if err != nil {
		e.logger.Warn("Step failed",
			"execution", cc.ExecutionID,
			"cursor", cc.CursorID,
			"step", kind,
			"branch", string(cc.Branch),
			"index", cc.Index,
			"error", err,
		)
		return
	}
	e.logger.Debug("Step executed",
		"execution", cc.ExecutionID,
		"cursor", cc.CursorID,
		"step", kind,
		"branch", string(cc.Branch),
		"index", cc.Index,
		"duration", dur,
	)
}

// render expands ${var} placeholders and Go template markers.
func render(text string, vars map[string]any) (string, error) {
	return util.RenderTemplate(expr.Interpolate(text, vars), vars)
}

func copyVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
