package core

import (
	"fmt"
	"time"
)

// StepKind identifies the variant of a Step.
type StepKind int

const (
	// StepBotCall dispatches a task to a named bot handler.
	StepBotCall StepKind = iota + 1
	// StepConditional selects one of two branches by predicate.
	StepConditional
	// StepSwitch selects a case branch by exact value match.
	StepSwitch
	// StepParallel forks child branches and joins on all of them.
	StepParallel
	// StepWaitEvent suspends until a named event is published.
	StepWaitEvent
	// StepHumanApproval suspends until an approver decides.
	StepHumanApproval
	// StepPublishEvent publishes a named event.
	StepPublishEvent
	// StepShareMemory copies a bot memory value to a target.
	StepShareMemory
	// StepLLMCall routes a prompt to a model.
	StepLLMCall
	// StepHear suspends until user input is submitted.
	StepHear
	// StepSet assigns an execution variable.
	StepSet
	// StepTalk emits a message to the session transport.
	StepTalk
	// StepGoto jumps to a numbered step in the current or an enclosing branch.
	StepGoto
)

var stepKindNames = map[StepKind]string{
	StepBotCall:       "bot_call",
	StepConditional:   "conditional",
	StepSwitch:        "switch",
	StepParallel:      "parallel",
	StepWaitEvent:     "wait_event",
	StepHumanApproval: "human_approval",
	StepPublishEvent:  "publish_event",
	StepShareMemory:   "share_memory",
	StepLLMCall:       "llm_call",
	StepHear:          "hear",
	StepSet:           "set",
	StepTalk:          "talk",
	StepGoto:          "goto",
}

// String returns the snake_case name of the step kind.
func (k StepKind) String() string {
	if s, ok := stepKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("step_kind(%d)", int(k))
}

// Pos locates a step in its source script.
type Pos struct {
	// Line is the 1-based source line.
	Line int
	// Number is the declared STEP number, or 0 when the step is unnumbered.
	Number int
}

// Position returns the step's source position.
func (p Pos) Position() Pos { return p }

// Step is a single unit of orchestration. The set of implementations is
// closed; schedulers switch exhaustively over the concrete types.
type Step interface {
	Kind() StepKind
	Position() Pos
	isStep()
}

// BotCallStep dispatches Task to the bot named Bot.
type BotCallStep struct {
	Pos
	Bot  string
	Task string
}

// ConditionalStep runs Then when Predicate holds, else Else (which may be empty).
type ConditionalStep struct {
	Pos
	Predicate string
	Then      BranchID
	Else      BranchID
}

// SwitchCase maps one or more literal values to a branch.
type SwitchCase struct {
	Values []string
	Branch BranchID
}

// SwitchStep evaluates Selector and runs the first case whose value equals
// the result, else Default.
type SwitchStep struct {
	Pos
	Selector string
	Cases    []SwitchCase
	Default  BranchID
}

// ParallelStep forks one child cursor per branch and joins on all of them.
type ParallelStep struct {
	Pos
	Branches []BranchID
}

// WaitEventStep suspends the branch until Event is published or Timeout elapses.
type WaitEventStep struct {
	Pos
	Event     string
	Timeout   time.Duration
	OnTimeout BranchID
}

// HumanApprovalStep suspends until Approver decides or Timeout elapses.
// On timeout, TimeoutDecision is recorded under Name and OnTimeout runs.
type HumanApprovalStep struct {
	Pos
	Name            string
	Approver        string
	Timeout         time.Duration
	OnTimeoutAction string
	TimeoutDecision ApprovalStatus
	OnTimeout       BranchID
}

// PublishEventStep publishes Event with an optional payload expression.
type PublishEventStep struct {
	Pos
	Event   string
	Payload string
}

// ShareMemoryStep copies SourceBot's current value for Key to Target.
type ShareMemoryStep struct {
	Pos
	Key       string
	SourceBot string
	Target    string
}

// LLMCallStep routes Prompt under Objective and stores the completion in Variable.
type LLMCallStep struct {
	Pos
	Variable   string
	Prompt     string
	Objective  Objective
	MaxLatency time.Duration
}

// HearStep suspends until input for Variable is submitted and validated.
type HearStep struct {
	Pos
	Variable   string
	InputType  string
	Options    []string
	MaxRetries int
	Timeout    time.Duration
	OnTimeout  BranchID
}

// SetStep assigns the value of Expr to Variable.
type SetStep struct {
	Pos
	Variable string
	Expr     string
}

// TalkStep sends Text (with ${var} interpolation) to the session transport.
type TalkStep struct {
	Pos
	Text string
}

// GotoStep jumps to Index of Branch, which is the current branch or one of
// its enclosing branches.
type GotoStep struct {
	Pos
	Target int
	Branch BranchID
	Index  int
}

func (BotCallStep) Kind() StepKind       { return StepBotCall }
func (ConditionalStep) Kind() StepKind   { return StepConditional }
func (SwitchStep) Kind() StepKind        { return StepSwitch }
func (ParallelStep) Kind() StepKind      { return StepParallel }
func (WaitEventStep) Kind() StepKind     { return StepWaitEvent }
func (HumanApprovalStep) Kind() StepKind { return StepHumanApproval }
func (PublishEventStep) Kind() StepKind  { return StepPublishEvent }
func (ShareMemoryStep) Kind() StepKind   { return StepShareMemory }
func (LLMCallStep) Kind() StepKind       { return StepLLMCall }
func (HearStep) Kind() StepKind          { return StepHear }
func (SetStep) Kind() StepKind           { return StepSet }
func (TalkStep) Kind() StepKind          { return StepTalk }
func (GotoStep) Kind() StepKind          { return StepGoto }

func (BotCallStep) isStep()       {}
func (ConditionalStep) isStep()   {}
func (SwitchStep) isStep()        {}
func (ParallelStep) isStep()      {}
func (WaitEventStep) isStep()     {}
func (HumanApprovalStep) isStep() {}
func (PublishEventStep) isStep()  {}
func (ShareMemoryStep) isStep()   {}
func (LLMCallStep) isStep()       {}
func (HearStep) isStep()          {}
func (SetStep) isStep()           {}
func (TalkStep) isStep()          {}
func (GotoStep) isStep()          {}

// Suspends reports whether executing s parks the branch on a WaitState.
func Suspends(s Step) bool {
	switch s.(type) {
	case *WaitEventStep, *HumanApprovalStep, *HearStep:
		return true
	default:
		return false
	}
}
