package core

import (
	"fmt"
	"sort"
)

// BranchID identifies a branch within a ScriptDefinition. IDs are derived
// from the branch's position in the source so recompiling the same script
// yields the same IDs, which lets persisted cursors survive restarts.
type BranchID string

// MainBranch is the ID of a script's top-level branch.
const MainBranch BranchID = "main"

// ChildBranchID derives the ID of a nested branch opened by the step at
// index within parent.
func ChildBranchID(parent BranchID, index int, suffix string) BranchID {
	return BranchID(fmt.Sprintf("%s/%d:%s", parent, index, suffix))
}

// Branch is an ordered sequence of steps.
type Branch struct {
	ID     BranchID
	Label  string
	Parent BranchID
	Steps  []Step
}

// WhenTrigger starts a run of Branch every time Event is published.
type WhenTrigger struct {
	Event  string
	Branch BranchID
}

// ScriptDefinition is an immutable compiled step graph.
type ScriptDefinition struct {
	Name     string
	Source   string
	Main     BranchID
	Branches map[BranchID]*Branch
	Triggers []WhenTrigger
}

// Branch returns the branch with the given id.
func (d *ScriptDefinition) Branch(id BranchID) (*Branch, bool) {
	b, ok := d.Branches[id]
	return b, ok
}

// StepAt returns the step at index of branch id. ok is false when the branch
// does not exist or index is past its end.
func (d *ScriptDefinition) StepAt(id BranchID, index int) (Step, bool) {
	b, ok := d.Branches[id]
	if !ok || index < 0 || index >= len(b.Steps) {
		return nil, false
	}
	return b.Steps[index], true
}

// BranchIDs returns all branch ids in lexical order.
func (d *ScriptDefinition) BranchIDs() []BranchID {
	ids := make([]BranchID, 0, len(d.Branches))
	for id := range d.Branches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// StepCount returns the total number of steps across all branches.
func (d *ScriptDefinition) StepCount() int {
	n := 0
	for _, b := range d.Branches {
		n += len(b.Steps)
	}
	return n
}

// TriggersFor returns the WHEN triggers subscribed to event.
func (d *ScriptDefinition) TriggersFor(event string) []WhenTrigger {
	var out []WhenTrigger
	for _, t := range d.Triggers {
		if t.Event == event {
			out = append(out, t)
		}
	}
	return out
}
