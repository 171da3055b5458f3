package core

import (
	"testing"
	"time"
)

func testDefinition() *ScriptDefinition {
	return &ScriptDefinition{
		Name:   "demo",
		Source: "BOT \"a\" \"b\"",
		Main:   MainBranch,
		Branches: map[BranchID]*Branch{
			MainBranch: {ID: MainBranch, Steps: []Step{&BotCallStep{Bot: "a", Task: "b"}}},
		},
	}
}

func TestNewExecution_MainCursor(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	e := NewExecution(testDefinition(), MainBranch, "sess-1", map[string]any{"x": 1}, now)
	if e.ID == "" || e.Status != StatusRunning || e.ScriptName != "demo" {
		t.Fatalf("unexpected execution: %+v", e)
	}
	c, ok := e.Cursor(MainCursor)
	if !ok || c.Top() == nil || c.Top().Branch != MainBranch || c.Top().Index != 0 {
		t.Fatalf("main cursor not positioned at main/0: %+v", c)
	}
	if e.Variables["x"] != 1 {
		t.Fatalf("variables not copied: %+v", e.Variables)
	}
}

func TestExecution_CloneIsolation(t *testing.T) {
	e := NewExecution(testDefinition(), MainBranch, "", nil, time.Now())
	clone := e.Clone()
	clone.Variables["y"] = 2
	clone.Cursors[MainCursor].Frames[0].Index = 5
	clone.Cursors[MainCursor].Push("main/0:then")

	if _, ok := e.Variables["y"]; ok {
		t.Fatal("original should not see clone variables")
	}
	if e.Cursors[MainCursor].Top().Index != 0 || len(e.Cursors[MainCursor].Frames) != 1 {
		t.Fatalf("original cursor mutated: %+v", e.Cursors[MainCursor])
	}
}

func TestExecution_DeriveStatus(t *testing.T) {
	e := NewExecution(testDefinition(), MainBranch, "", nil, time.Now())
	if got := e.DeriveStatus(); got != StatusRunning {
		t.Fatalf("want running, got %s", got)
	}
	e.Cursors[MainCursor].Status = CursorJoining
	e.Cursors["c1"] = &Cursor{ID: "c1", ParentID: MainCursor, Status: CursorWaiting}
	e.Cursors["c2"] = &Cursor{ID: "c2", ParentID: MainCursor, Status: CursorCompleted}
	if got := e.DeriveStatus(); got != StatusWaiting {
		t.Fatalf("want waiting, got %s", got)
	}
	if ids := e.RunnableCursors(); len(ids) != 0 {
		t.Fatalf("no cursor should be runnable: %v", ids)
	}
	if live := e.LiveCursors(); len(live) != 2 || live[0].ID != "c1" || live[1].ID != MainCursor {
		t.Fatalf("unexpected live cursors: %+v", live)
	}
	e.Status = StatusCancelled
	if got := e.DeriveStatus(); got != StatusCancelled {
		t.Fatalf("terminal status must stick, got %s", got)
	}
}

func TestCursor_PushPop(t *testing.T) {
	c := &Cursor{ID: "main"}
	if c.Top() != nil {
		t.Fatal("empty cursor has no top frame")
	}
	c.Push(MainBranch)
	c.Push("main/1:then")
	c.Top().Index = 3
	if c.Top().Branch != "main/1:then" || c.Top().Index != 3 {
		t.Fatalf("unexpected top: %+v", c.Top())
	}
	c.Pop()
	if c.Top().Branch != MainBranch {
		t.Fatalf("pop should return to main: %+v", c.Top())
	}
	c.Pop()
	c.Pop()
	if c.Top() != nil {
		t.Fatal("cursor should be unwound")
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusRunning, StatusWaiting} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
