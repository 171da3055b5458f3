package core

import (
	"sort"
	"time"
)

// Status is the lifecycle status of an Execution.
type Status string

const (
	// StatusRunning means at least one cursor is advancing.
	StatusRunning Status = "running"
	// StatusWaiting means every live cursor is suspended or joining.
	StatusWaiting Status = "waiting"
	// StatusCompleted means the main branch ran to its end.
	StatusCompleted Status = "completed"
	// StatusFailed means the main branch failed.
	StatusFailed Status = "failed"
	// StatusTimedOut means the main branch failed on an unhandled timeout.
	StatusTimedOut Status = "timed_out"
	// StatusCancelled means the execution was cancelled externally.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// CursorStatus is the status of a single branch cursor.
type CursorStatus string

const (
	CursorRunning   CursorStatus = "running"
	CursorWaiting   CursorStatus = "waiting"
	CursorJoining   CursorStatus = "joining"
	CursorCompleted CursorStatus = "completed"
	CursorFailed    CursorStatus = "failed"
)

// MainCursor is the ID of the cursor that walks a script's main branch.
const MainCursor = "main"

// Frame is one level of a cursor's branch stack. Index is the next step to run.
type Frame struct {
	Branch BranchID `json:"branch"`
	Index  int      `json:"index"`
}

// Cursor tracks the position of one live branch. Conditional and switch
// bodies push frames onto the same cursor; parallel branches get their own
// child cursors.
type Cursor struct {
	ID       string       `json:"id"`
	ParentID string       `json:"parent_id,omitempty"`
	Frames   []Frame      `json:"frames"`
	Status   CursorStatus `json:"status"`
	Wait     string       `json:"wait,omitempty"`
	Children []string     `json:"children,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	TimedOut bool         `json:"timed_out,omitempty"`
}

// Top returns the innermost frame, or nil once the cursor has unwound.
func (c *Cursor) Top() *Frame {
	if len(c.Frames) == 0 {
		return nil
	}
	return &c.Frames[len(c.Frames)-1]
}

// Push enters branch id at step 0.
func (c *Cursor) Push(id BranchID) {
	c.Frames = append(c.Frames, Frame{Branch: id})
}

// Pop leaves the innermost frame.
func (c *Cursor) Pop() {
	if len(c.Frames) > 0 {
		c.Frames = c.Frames[:len(c.Frames)-1]
	}
}

// Live reports whether the cursor has not reached a terminal state.
func (c *Cursor) Live() bool {
	return c.Status != CursorCompleted && c.Status != CursorFailed
}

func (c *Cursor) clone() *Cursor {
	nc := *c
	nc.Frames = append([]Frame(nil), c.Frames...)
	nc.Children = append([]string(nil), c.Children...)
	return &nc
}

// Execution is one running instance of a script.
type Execution struct {
	ID           string             `json:"id"`
	ScriptName   string             `json:"script_name"`
	ScriptSource string             `json:"script_source"`
	SessionID    string             `json:"session_id,omitempty"`
	Status       Status             `json:"status"`
	Reason       string             `json:"reason,omitempty"`
	Variables    map[string]any     `json:"variables"`
	Cursors      map[string]*Cursor `json:"cursors"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// NewExecution creates a running execution with a main cursor positioned at
// step 0 of entry.
func NewExecution(def *ScriptDefinition, entry BranchID, sessionID string, vars map[string]any, now time.Time) *Execution {
	v := make(map[string]any, len(vars))
	for k, val := range vars {
		v[k] = val
	}
	return &Execution{
		ID:           NewID(),
		ScriptName:   def.Name,
		ScriptSource: def.Source,
		SessionID:    sessionID,
		Status:       StatusRunning,
		Variables:    v,
		Cursors: map[string]*Cursor{
			MainCursor: {ID: MainCursor, Frames: []Frame{{Branch: entry}}, Status: CursorRunning},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of the execution's cursors and a shallow copy of
// its variable map.
func (e *Execution) Clone() *Execution {
	ne := *e
	ne.Variables = make(map[string]any, len(e.Variables))
	for k, v := range e.Variables {
		ne.Variables[k] = v
	}
	ne.Cursors = make(map[string]*Cursor, len(e.Cursors))
	for id, c := range e.Cursors {
		ne.Cursors[id] = c.clone()
	}
	return &ne
}

// Terminal reports whether the execution reached a final status.
func (e *Execution) Terminal() bool { return e.Status.Terminal() }

// Cursor returns the cursor with the given id.
func (e *Execution) Cursor(id string) (*Cursor, bool) {
	c, ok := e.Cursors[id]
	return c, ok
}

// LiveCursors returns the non-terminal cursors ordered by id.
func (e *Execution) LiveCursors() []*Cursor {
	out := make([]*Cursor, 0, len(e.Cursors))
	for _, c := range e.Cursors {
		if c.Live() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunnableCursors returns the ids of cursors in CursorRunning, ordered by id.
func (e *Execution) RunnableCursors() []string {
	var out []string
	for _, c := range e.LiveCursors() {
		if c.Status == CursorRunning {
			out = append(out, c.ID)
		}
	}
	return out
}

// DeriveStatus recomputes the non-terminal status from the live cursors.
// Terminal statuses are left untouched.
func (e *Execution) DeriveStatus() Status {
	if e.Status.Terminal() {
		return e.Status
	}
	for _, c := range e.Cursors {
		if c.Status == CursorRunning {
			return StatusRunning
		}
	}
	return StatusWaiting
}
