package script

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowmesh/core"
)

const orderScript = `
' Order processing workflow
ORCHESTRATE WORKFLOW "order-processing"
  STEP 1: BOT "fraud-detector" "score order ${order_id}"
  STEP 2: PARALLEL
    BRANCH inventory: BOT "inventory" "reserve items"
    BRANCH billing
      BOT "billing" "charge card"
      PUBLISH EVENT "payment_captured" WITH order_id
    END BRANCH
  END PARALLEL
  STEP 3: HUMAN APPROVAL FROM "security@example.com" TIMEOUT 900 ON TIMEOUT: REJECT ORDER
  IF approval_3 = "approved" THEN
    BOT "shipping" "ship order"
  ELSE
    TALK "Order ${order_id} rejected"
  END IF
END WORKFLOW
`

func TestCompile_OrderWorkflow(t *testing.T) {
	def, err := Compile("orders", orderScript)
	require.NoError(t, err)

	assert.Equal(t, "order-processing", def.Name)
	assert.Equal(t, core.MainBranch, def.Main)

	main, ok := def.Branch(core.MainBranch)
	require.True(t, ok)
	require.Len(t, main.Steps, 4)

	bot, ok := main.Steps[0].(*core.BotCallStep)
	require.True(t, ok)
	assert.Equal(t, "fraud-detector", bot.Bot)
	assert.Equal(t, "score order ${order_id}", bot.Task)
	assert.Equal(t, 1, bot.Number)
	assert.Equal(t, 4, bot.Line)

	par, ok := main.Steps[1].(*core.ParallelStep)
	require.True(t, ok)
	require.Equal(t, []core.BranchID{"main/1:branch:inventory", "main/1:branch:billing"}, par.Branches)

	inventory, _ := def.Branch(par.Branches[0])
	assert.Equal(t, "inventory", inventory.Label)
	require.Len(t, inventory.Steps, 1)
	billing, _ := def.Branch(par.Branches[1])
	require.Len(t, billing.Steps, 2)
	pub, ok := billing.Steps[1].(*core.PublishEventStep)
	require.True(t, ok)
	assert.Equal(t, "payment_captured", pub.Event)
	assert.Equal(t, "order_id", pub.Payload)

	approval, ok := main.Steps[2].(*core.HumanApprovalStep)
	require.True(t, ok)
	assert.Equal(t, "approval_3", approval.Name)
	assert.Equal(t, "security@example.com", approval.Approver)
	assert.Equal(t, 900*time.Second, approval.Timeout)
	assert.Equal(t, "REJECT ORDER", approval.OnTimeoutAction)
	assert.Equal(t, core.ApprovalRejected, approval.TimeoutDecision)
	timeout, ok := def.Branch(approval.OnTimeout)
	require.True(t, ok)
	require.Len(t, timeout.Steps, 1)
	assert.IsType(t, &core.TalkStep{}, timeout.Steps[0])

	cond, ok := main.Steps[3].(*core.ConditionalStep)
	require.True(t, ok)
	assert.Equal(t, `approval_3 = "approved"`, cond.Predicate)
	assert.NotEmpty(t, cond.Then)
	assert.NotEmpty(t, cond.Else)
	els, _ := def.Branch(cond.Else)
	talk := els.Steps[0].(*core.TalkStep)
	assert.Equal(t, "Order ${order_id} rejected", talk.Text)
}

func TestCompile_IsDeterministic(t *testing.T) {
	a, err := Compile("orders", orderScript)
	require.NoError(t, err)
	b, err := Compile("orders", orderScript)
	require.NoError(t, err)

	assert.Equal(t, a.BranchIDs(), b.BranchIDs())
	assert.Equal(t, a.StepCount(), b.StepCount())
}

func TestCompile_NameDefaultsToArgument(t *testing.T) {
	def, err := Compile("greeter", `TALK "hello"`)
	require.NoError(t, err)
	assert.Equal(t, "greeter", def.Name)
}

func TestCompile_Switch(t *testing.T) {
	def, err := Compile("s", `
SWITCH tier
  CASE "gold", "platinum"
    BOT "vip" "greet"
  CASE 3
    BOT "triage" "route"
  DEFAULT
    BOT "standard" "greet"
END SWITCH
`)
	require.NoError(t, err)

	main, _ := def.Branch(core.MainBranch)
	sw, ok := main.Steps[0].(*core.SwitchStep)
	require.True(t, ok)
	assert.Equal(t, "tier", sw.Selector)
	require.Len(t, sw.Cases, 2)
	assert.Equal(t, []string{"gold", "platinum"}, sw.Cases[0].Values)
	assert.Equal(t, []string{"3"}, sw.Cases[1].Values)
	assert.Equal(t, core.BranchID("main/0:default"), sw.Default)
}

func TestCompile_WaitAndHear(t *testing.T) {
	def, err := Compile("w", `
STEP 1: WAIT FOR EVENT "order_shipped" TIMEOUT 60 ON TIMEOUT: PUBLISH EVENT "shipping_late"
HEAR email AS EMAIL TIMEOUT 120 RETRIES 2
HEAR size AS "small", "medium", "large"
  ON TIMEOUT: SET size = "medium"
HEAR anything
`)
	require.NoError(t, err)

	main, _ := def.Branch(core.MainBranch)
	require.Len(t, main.Steps, 4)

	wait := main.Steps[0].(*core.WaitEventStep)
	assert.Equal(t, "order_shipped", wait.Event)
	assert.Equal(t, time.Minute, wait.Timeout)
	tb, ok := def.Branch(wait.OnTimeout)
	require.True(t, ok)
	assert.IsType(t, &core.PublishEventStep{}, tb.Steps[0])

	email := main.Steps[1].(*core.HearStep)
	assert.Equal(t, "email", email.Variable)
	assert.Equal(t, "email", email.InputType)
	assert.Equal(t, 2*time.Minute, email.Timeout)
	assert.Equal(t, 2, email.MaxRetries)

	size := main.Steps[2].(*core.HearStep)
	assert.Equal(t, "menu", size.InputType)
	assert.Equal(t, []string{"small", "medium", "large"}, size.Options)
	assert.Equal(t, 3, size.MaxRetries)
	assert.NotEmpty(t, size.OnTimeout)

	anything := main.Steps[3].(*core.HearStep)
	assert.Equal(t, "any", anything.InputType)
	assert.Zero(t, anything.Timeout)
}

func TestCompile_ApprovalContinuationLines(t *testing.T) {
	def, err := Compile("a", `
decision = HUMAN APPROVAL FROM "ops@example.com"
  TIMEOUT 30
  ON TIMEOUT: BOT "escalation" "page on-call"
`)
	require.NoError(t, err)

	main, _ := def.Branch(core.MainBranch)
	require.Len(t, main.Steps, 1)
	step := main.Steps[0].(*core.HumanApprovalStep)
	assert.Equal(t, "decision", step.Name)
	assert.Equal(t, 30*time.Second, step.Timeout)
	assert.Equal(t, core.ApprovalTimedOut, step.TimeoutDecision)
	tb, _ := def.Branch(step.OnTimeout)
	assert.IsType(t, &core.BotCallStep{}, tb.Steps[0])
}

func TestCompile_ApprovalDefaults(t *testing.T) {
	def, err := Compile("a", `HUMAN APPROVAL FROM "ops@example.com"`)
	require.NoError(t, err)
	main, _ := def.Branch(core.MainBranch)
	step := main.Steps[0].(*core.HumanApprovalStep)
	assert.Equal(t, "approval", step.Name)
	assert.Equal(t, time.Hour, step.Timeout)
	assert.Empty(t, step.OnTimeout)
}

func TestCompile_ApprovalNamesInParallel(t *testing.T) {
	def, err := Compile("a", `
PARALLEL
  BRANCH legal: HUMAN APPROVAL FROM "legal@x" TIMEOUT 60
  BRANCH "risk desk"
    PARALLEL
      BRANCH eu: HUMAN APPROVAL FROM "eu@x"
      BRANCH us: HUMAN APPROVAL FROM "us@x"
    END PARALLEL
  END BRANCH
END PARALLEL
HUMAN APPROVAL FROM "ceo@x"
`)
	require.NoError(t, err)

	var names []string
	for _, b := range def.Branches {
		for _, st := range b.Steps {
			if a, ok := st.(*core.HumanApprovalStep); ok {
				names = append(names, a.Name)
			}
		}
	}
	assert.ElementsMatch(t, []string{"approval_legal", "approval_risk_desk_eu", "approval_risk_desk_us", "approval"}, names)
}

func TestCompile_WaitNamesAcrossParallelBlocks(t *testing.T) {
	_, err := Compile("a", `
PARALLEL
  BRANCH a: ok = HUMAN APPROVAL FROM "a@x"
  BRANCH b: TALK "b"
END PARALLEL
PARALLEL
  BRANCH c: ok = HUMAN APPROVAL FROM "c@x"
  BRANCH d: HEAR ok
END PARALLEL
`)
	require.Error(t, err)
	var ce *core.CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 8, ce.Line)
	assert.Contains(t, ce.Msg, "parallel branch")

	// Sequential PARALLEL blocks never run their arms together.
	_, err = Compile("b", `
PARALLEL
  BRANCH a: ok = HUMAN APPROVAL FROM "a@x"
END PARALLEL
PARALLEL
  BRANCH c: ok = HUMAN APPROVAL FROM "c@x"
END PARALLEL
`)
	require.NoError(t, err)
}

func TestCompile_ApprovalDecisionWords(t *testing.T) {
	tests := map[string]core.ApprovalStatus{
		"APPROVE AUTOMATICALLY": core.ApprovalApproved,
		"REJECT ORDER":          core.ApprovalRejected,
		"ESCALATE TO MANAGER":   core.ApprovalEscalated,
		"NOTIFY SUPPORT":        core.ApprovalTimedOut,
	}
	for action, want := range tests {
		t.Run(action, func(t *testing.T) {
			def, err := Compile("a", `HUMAN APPROVAL FROM "x@y" TIMEOUT 5 ON TIMEOUT: `+action)
			require.NoError(t, err)
			main, _ := def.Branch(core.MainBranch)
			step := main.Steps[0].(*core.HumanApprovalStep)
			assert.Equal(t, want, step.TimeoutDecision)
			assert.Equal(t, action, step.OnTimeoutAction)
		})
	}
}

func TestCompile_LLMCall(t *testing.T) {
	def, err := Compile("l", `
summary = LLM "Summarize ${ticket}" WITH OPTIMIZE FOR "quality" WITH MAX_LATENCY 1500
cheap = LLM "Classify ${ticket}"
`)
	require.NoError(t, err)
	main, _ := def.Branch(core.MainBranch)

	q := main.Steps[0].(*core.LLMCallStep)
	assert.Equal(t, "summary", q.Variable)
	assert.Equal(t, "Summarize ${ticket}", q.Prompt)
	assert.Equal(t, core.ObjectiveQuality, q.Objective)
	assert.Equal(t, 1500*time.Millisecond, q.MaxLatency)

	c := main.Steps[1].(*core.LLMCallStep)
	assert.Equal(t, core.ObjectiveCost, c.Objective)
	assert.Zero(t, c.MaxLatency)
}

func TestCompile_ShareMemory(t *testing.T) {
	def, err := Compile("m", `
BOT "researcher" "collect facts"
BOT SHARE MEMORY "facts" WITH "writer"
BOT SHARE MEMORY "style" WITH "writer" FROM "editor"
`)
	require.NoError(t, err)
	main, _ := def.Branch(core.MainBranch)

	first := main.Steps[1].(*core.ShareMemoryStep)
	assert.Equal(t, "researcher", first.SourceBot)
	assert.Equal(t, "facts", first.Key)
	assert.Equal(t, "writer", first.Target)

	second := main.Steps[2].(*core.ShareMemoryStep)
	assert.Equal(t, "editor", second.SourceBot)
}

func TestCompile_SetTalkAndWhen(t *testing.T) {
	def, err := Compile("w", `
SET total = price * quantity
count = count + 1
WHEN total > 100 DO
  TALK "Big order"
END WHEN
WHEN EVENT "order_created" DO
  BOT "notifier" "announce ${event.id}"
END WHEN
`)
	require.NoError(t, err)
	main, _ := def.Branch(core.MainBranch)
	require.Len(t, main.Steps, 3)

	set := main.Steps[0].(*core.SetStep)
	assert.Equal(t, "total", set.Variable)
	assert.Equal(t, "price * quantity", set.Expr)
	assert.Equal(t, "count + 1", main.Steps[1].(*core.SetStep).Expr)

	guard := main.Steps[2].(*core.ConditionalStep)
	assert.Equal(t, "total > 100", guard.Predicate)
	assert.Empty(t, guard.Else)

	require.Len(t, def.Triggers, 1)
	trig := def.Triggers[0]
	assert.Equal(t, "order_created", trig.Event)
	tb, ok := def.Branch(trig.Branch)
	require.True(t, ok)
	assert.Len(t, tb.Steps, 1)
	assert.Len(t, def.TriggersFor("order_created"), 1)
}

func TestCompile_Goto(t *testing.T) {
	def, err := Compile("g", `
STEP 1: HEAR answer AS BOOLEAN
IF answer = false THEN
  GOTO STEP 1
END IF
STEP 2: TALK "done"
`)
	require.NoError(t, err)

	cond := def.Branches[core.MainBranch].Steps[1].(*core.ConditionalStep)
	then, _ := def.Branch(cond.Then)
	g := then.Steps[0].(*core.GotoStep)
	assert.Equal(t, core.MainBranch, g.Branch)
	assert.Equal(t, 0, g.Index)
	assert.Equal(t, 1, g.Target)
}

func TestCompile_CommentsAndCase(t *testing.T) {
	def, err := Compile("c", `
REM a comment line
bot "greeter" "say hi it's me" ' trailing comment
talk "ok"
`)
	require.NoError(t, err)
	main, _ := def.Branch(core.MainBranch)
	require.Len(t, main.Steps, 2)
	assert.Equal(t, "say hi it's me", main.Steps[0].(*core.BotCallStep).Task)
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		line int
	}{
		{"unclosed if", "IF x THEN\n  TALK \"a\"", 1},
		{"unclosed parallel", "PARALLEL\n  BRANCH a: TALK \"a\"", 1},
		{"unclosed switch", "SWITCH x\nCASE \"a\"\n  TALK \"a\"", 1},
		{"switch without default", "SWITCH x\nCASE \"a\"\n  TALK \"a\"\nEND SWITCH", 1},
		{"duplicate case", "SWITCH x\nCASE \"a\"\nCASE \"a\"\nDEFAULT\nEND SWITCH", 3},
		{"duplicate branch label", "PARALLEL\nBRANCH a: TALK \"x\"\nBRANCH A: TALK \"y\"\nEND PARALLEL", 3},
		{"empty parallel", "PARALLEL\nEND PARALLEL", 1},
		{"unknown objective", `x = LLM "p" WITH OPTIMIZE FOR "speed"`, 1},
		{"unknown hear type", "HEAR x AS COLOR", 1},
		{"duplicate step number", "STEP 1: TALK \"a\"\nSTEP 1: TALK \"b\"", 2},
		{"share without bot", `BOT SHARE MEMORY "k" WITH "b"`, 1},
		{"undefined goto", "GOTO STEP 9", 1},
		{"goto out of parallel branch", "STEP 1: TALK \"a\"\nPARALLEL\nBRANCH a: GOTO STEP 1\nEND PARALLEL", 3},
		{"unterminated string", `TALK "oops`, 1},
		{"unknown statement", "JUMP around", 1},
		{"stray end if", "END IF", 1},
		{"wait on timeout free form", `WAIT FOR EVENT "e" TIMEOUT 5 ON TIMEOUT: GIVE UP`, 1},
		{"wait on timeout without timeout", `WAIT FOR EVENT "e" ON TIMEOUT: TALK "late"`, 1},
		{"unclosed workflow", "ORCHESTRATE WORKFLOW \"w\"\nTALK \"a\"", 1},
		{"statement after workflow", "ORCHESTRATE WORKFLOW \"w\"\nTALK \"a\"\nEND WORKFLOW\nTALK \"b\"", 4},
		{"nested when event", "IF x THEN\nWHEN EVENT \"e\" DO\nEND WHEN\nEND IF", 2},
		{"empty script", "' nothing here", 1},
		{"approval shared by parallel branches", "PARALLEL\nBRANCH a: ok = HUMAN APPROVAL FROM \"a@x\"\nBRANCH b: ok = HUMAN APPROVAL FROM \"b@x\"\nEND PARALLEL", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile("bad", tt.src)
			require.Error(t, err)
			var ce *core.CompileError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.line, ce.Line, ce.Error())
			assert.Equal(t, "bad", ce.Script)
		})
	}
}

func TestCompile_ForwardGoto(t *testing.T) {
	def, err := Compile("f", `
GOTO STEP 5
TALK "skipped"
STEP 5: TALK "landed"
`)
	require.NoError(t, err)
	g := def.Branches[core.MainBranch].Steps[0].(*core.GotoStep)
	assert.Equal(t, 2, g.Index)
}

func TestCompile_Options(t *testing.T) {
	def, err := Compile("o", "HEAR x\nHUMAN APPROVAL FROM \"a@b\"", func(o *Options) {
		o.DefaultHearRetries = 5
		o.DefaultApprovalTimeout = time.Minute
	})
	require.NoError(t, err)
	main := def.Branches[core.MainBranch]
	assert.Equal(t, 5, main.Steps[0].(*core.HearStep).MaxRetries)
	assert.Equal(t, time.Minute, main.Steps[1].(*core.HumanApprovalStep).Timeout)
}

func TestMustCompile_Panics(t *testing.T) {
	assert.Panics(t, func() { MustCompile("bad", "IF x THEN") })
}
