package core

import "testing"

func TestStepKinds(t *testing.T) {
	steps := []Step{
		&BotCallStep{}, &ConditionalStep{}, &SwitchStep{}, &ParallelStep{},
		&WaitEventStep{}, &HumanApprovalStep{}, &PublishEventStep{}, &ShareMemoryStep{},
		&LLMCallStep{}, &HearStep{}, &SetStep{}, &TalkStep{}, &GotoStep{},
	}
	seen := map[StepKind]bool{}
	for _, s := range steps {
		if seen[s.Kind()] {
			t.Fatalf("duplicate kind %s", s.Kind())
		}
		seen[s.Kind()] = true
		if s.Kind().String() == "" {
			t.Fatalf("kind %d has no name", s.Kind())
		}
	}
	if StepKind(99).String() != "step_kind(99)" {
		t.Fatalf("unexpected unknown kind name %q", StepKind(99).String())
	}
}

func TestSuspends(t *testing.T) {
	if !Suspends(&WaitEventStep{}) || !Suspends(&HumanApprovalStep{}) || !Suspends(&HearStep{}) {
		t.Fatal("wait, approval and hear steps suspend")
	}
	if Suspends(&LLMCallStep{}) || Suspends(&BotCallStep{}) {
		t.Fatal("llm and bot steps do not park on a wait")
	}
}

func TestScriptDefinition_Lookup(t *testing.T) {
	then := ChildBranchID(MainBranch, 0, "then")
	if then != "main/0:then" {
		t.Fatalf("unexpected child id %q", then)
	}
	d := &ScriptDefinition{
		Main: MainBranch,
		Branches: map[BranchID]*Branch{
			MainBranch: {ID: MainBranch, Steps: []Step{&ConditionalStep{Then: then}}},
			then:       {ID: then, Parent: MainBranch, Steps: []Step{&TalkStep{Text: "hi"}}},
		},
		Triggers: []WhenTrigger{{Event: "ping", Branch: then}},
	}
	if s, ok := d.StepAt(then, 0); !ok || s.Kind() != StepTalk {
		t.Fatalf("StepAt failed: %v %v", s, ok)
	}
	if _, ok := d.StepAt(then, 1); ok {
		t.Fatal("index past end must not resolve")
	}
	if ids := d.BranchIDs(); len(ids) != 2 || ids[0] != MainBranch {
		t.Fatalf("unexpected ids %v", ids)
	}
	if d.StepCount() != 2 || len(d.TriggersFor("ping")) != 1 || len(d.TriggersFor("pong")) != 0 {
		t.Fatal("unexpected counts")
	}
}

func TestParseHelpers(t *testing.T) {
	if o, ok := ParseObjective(" Quality "); !ok || o != ObjectiveQuality {
		t.Fatalf("ParseObjective: %v %v", o, ok)
	}
	if _, ok := ParseObjective("speed"); ok {
		t.Fatal("speed is not an objective")
	}
	if k, ok := ParseTriggerKind("KEYWORD"); !ok || k != TriggerKeyword {
		t.Fatalf("ParseTriggerKind: %v %v", k, ok)
	}
	sb := SessionBot{Bot: Bot{Name: "a", Trigger: Trigger{Kind: TriggerAlways}}}
	if sb.EffectiveTrigger().Kind != TriggerAlways {
		t.Fatal("default trigger expected")
	}
	sb.Trigger = &Trigger{Kind: TriggerEvent, Event: "x"}
	if sb.EffectiveTrigger().Kind != TriggerEvent {
		t.Fatal("override trigger expected")
	}
}
