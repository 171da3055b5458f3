package script

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/hupe1980/flowmesh/core"
	"github.com/hupe1980/flowmesh/input"
)

// statementKeywords start single-line steps; anything else in an approval
// ON TIMEOUT clause is a free-form action.
var statementKeywords = []string{"BOT", "PUBLISH", "SET", "TALK", "GOTO", "HEAR", "WAIT", "HUMAN"}

func startsStatement(toks []token) bool {
	if len(toks) == 0 {
		return false
	}
	for _, kw := range statementKeywords {
		if toks[0].is(kw) {
			return true
		}
	}
	return len(toks) > 1 && isIdent(toks[0]) && toks[1].text == "="
}

// simple compiles a single-line step. nested is set for the step of an
// ON TIMEOUT clause, which never reads continuation lines.
func (c *compiler) simple(b *core.Branch, l line, toks []token, pos core.Pos, nested bool) error {
	head := toks[0]
	switch {
	case hasPrefix(toks, "BOT", "SHARE", "MEMORY"):
		return c.shareMemory(b, l, toks, pos)
	case head.is("BOT"):
		return c.botCall(b, l, toks, pos)
	case hasPrefix(toks, "PUBLISH", "EVENT"):
		return c.publish(b, l, toks, pos)
	case hasPrefix(toks, "WAIT", "FOR", "EVENT"):
		return c.waitEvent(b, l, toks, pos, nested)
	case hasPrefix(toks, "HUMAN", "APPROVAL"):
		return c.approval(b, l, toks, "", pos, nested)
	case head.is("HEAR"):
		return c.hear(b, l, toks, pos, nested)
	case head.is("SET"):
		if len(toks) < 4 || !isIdent(toks[1]) || toks[2].text != "=" {
			return c.errorf(l, "SET", "expected SET <var> = <expr>")
		}
		return c.assign(b, l, toks[1:], pos, nested)
	case head.is("TALK"):
		return c.talk(b, l, toks, pos)
	case head.is("GOTO"):
		return c.gotoStep(b, l, toks, pos)
	case len(toks) > 2 && isIdent(head) && toks[1].text == "=":
		return c.assign(b, l, toks, pos, nested)
	case head.is("END") || head.is("ELSE") || head.is("CASE") || head.is("DEFAULT") || head.is("BRANCH"):
		return c.errorf(l, l.text, "unexpected %s", strings.ToUpper(head.text))
	default:
		return c.errorf(l, head.text, "unknown statement")
	}
}

func (c *compiler) botCall(b *core.Branch, l line, toks []token, pos core.Pos) error {
	if len(toks) < 2 || len(toks) > 3 || toks[1].kind != tokString || toks[1].text == "" {
		return c.errorf(l, "BOT", `expected BOT "<bot>" "<task>"`)
	}
	step := &core.BotCallStep{Pos: pos, Bot: toks[1].text}
	if len(toks) == 3 {
		if toks[2].kind != tokString {
			return c.errorf(l, toks[2].text, "task must be a string")
		}
		step.Task = toks[2].text
	}
	c.lastBot = step.Bot
	c.add(b, step)
	return nil
}

func (c *compiler) shareMemory(b *core.Branch, l line, toks []token, pos core.Pos) error {
	const usage = `expected BOT SHARE MEMORY "<key>" WITH "<target>" [FROM "<bot>"]`
	if len(toks) < 6 || toks[3].kind != tokString || !toks[4].is("WITH") || toks[5].kind != tokString {
		return c.errorf(l, "SHARE", usage)
	}
	step := &core.ShareMemoryStep{Pos: pos, Key: toks[3].text, Target: toks[5].text, SourceBot: c.lastBot}
	switch rest := toks[6:]; {
	case len(rest) == 0:
	case len(rest) == 2 && rest[0].is("FROM") && rest[1].kind == tokString:
		step.SourceBot = rest[1].text
	default:
		return c.errorf(l, rest[0].text, usage)
	}
	if step.Key == "" || step.Target == "" {
		return c.errorf(l, "SHARE", "memory key and target are required")
	}
	if step.SourceBot == "" {
		return c.errorf(l, "SHARE", "no source bot: call a BOT first or add FROM \"<bot>\"")
	}
	c.add(b, step)
	return nil
}

func (c *compiler) publish(b *core.Branch, l line, toks []token, pos core.Pos) error {
	if len(toks) < 3 || toks[2].kind != tokString || toks[2].text == "" {
		return c.errorf(l, "PUBLISH", `expected PUBLISH EVENT "<name>" [WITH <expr>]`)
	}
	step := &core.PublishEventStep{Pos: pos, Event: toks[2].text}
	if len(toks) > 3 {
		if !toks[3].is("WITH") || len(toks) == 4 {
			return c.errorf(l, toks[3].text, "expected WITH <expr>")
		}
		step.Payload = rawBetween(l, toks[3], len(l.text))
	}
	c.add(b, step)
	return nil
}

func (c *compiler) talk(b *core.Branch, l line, toks []token, pos core.Pos) error {
	if len(toks) < 2 {
		return c.errorf(l, "TALK", `expected TALK "<text>"`)
	}
	text := rawBetween(l, toks[0], len(l.text))
	if len(toks) == 2 && toks[1].kind == tokString {
		text = toks[1].text
	}
	c.add(b, &core.TalkStep{Pos: pos, Text: text})
	return nil
}

func (c *compiler) gotoStep(b *core.Branch, l line, toks []token, pos core.Pos) error {
	if len(toks) != 3 || !toks[1].is("STEP") {
		return c.errorf(l, "GOTO", "expected GOTO STEP <n>")
	}
	n, ok := intToken(toks[2])
	if !ok || n == 0 {
		return c.errorf(l, toks[2].text, "invalid step number")
	}
	step := &core.GotoStep{Pos: pos, Target: n}
	c.gotos = append(c.gotos, pendingGoto{step: step, from: b.ID, line: l})
	c.add(b, step)
	return nil
}

// assign compiles "<var> = ..." forms: LLM calls, named approvals and
// plain SET assignments.
func (c *compiler) assign(b *core.Branch, l line, toks []token, pos core.Pos, nested bool) error {
	name := toks[0].text
	rhs := toks[2:]
	switch {
	case len(rhs) > 0 && rhs[0].is("LLM"):
		return c.llmCall(b, l, name, rhs, pos)
	case hasPrefix(rhs, "HUMAN", "APPROVAL"):
		return c.approval(b, l, rhs, name, pos, nested)
	}
	expr := rawBetween(l, toks[1], len(l.text))
	if expr == "" {
		return c.errorf(l, name, "missing expression")
	}
	c.add(b, &core.SetStep{Pos: pos, Variable: name, Expr: expr})
	return nil
}

func (c *compiler) llmCall(b *core.Branch, l line, variable string, toks []token, pos core.Pos) error {
	if len(toks) < 2 || toks[1].kind != tokString {
		return c.errorf(l, "LLM", `expected <var> = LLM "<prompt>" WITH OPTIMIZE FOR "cost"|"quality"`)
	}
	step := &core.LLMCallStep{Pos: pos, Variable: variable, Prompt: toks[1].text, Objective: core.ObjectiveCost}
	for i := 2; i < len(toks); {
		switch t := toks[i]; {
		case t.is("WITH"):
			i++
		case t.is("OPTIMIZE"):
			if i+2 >= len(toks) || !toks[i+1].is("FOR") {
				return c.errorf(l, t.text, "expected OPTIMIZE FOR \"cost\"|\"quality\"")
			}
			obj, ok := core.ParseObjective(toks[i+2].text)
			if !ok {
				return c.errorf(l, toks[i+2].text, "unknown objective")
			}
			step.Objective = obj
			i += 3
		case t.is("MAX_LATENCY"):
			if i+1 >= len(toks) {
				return c.errorf(l, t.text, "expected MAX_LATENCY <ms>")
			}
			ms, ok := intToken(toks[i+1])
			if !ok {
				return c.errorf(l, toks[i+1].text, "invalid latency")
			}
			step.MaxLatency = time.Duration(ms) * time.Millisecond
			i += 2
		default:
			return c.errorf(l, t.text, "unexpected token in LLM call")
		}
	}
	c.add(b, step)
	return nil
}

// clauses holds the trailing options of a suspending step.
type clauses struct {
	timeout    time.Duration
	hasTimeout bool
	retries    int
	hasRetries bool
	onTimeout  []token
	actionLine line
	actionRaw  string
}

// parseClauses reads TIMEOUT, RETRIES and ON TIMEOUT clauses from toks and,
// unless nested, from continuation lines that start with those keywords.
func (c *compiler) parseClauses(l line, toks []token, allowRetries, nested bool) (clauses, error) {
	var cl clauses
	cur := l
	for {
		for i := 0; i < len(toks); {
			t := toks[i]
			switch {
			case t.is("TIMEOUT"):
				if i+1 >= len(toks) {
					return cl, c.errorf(cur, t.text, "expected TIMEOUT <seconds>")
				}
				secs, ok := intToken(toks[i+1])
				if !ok {
					return cl, c.errorf(cur, toks[i+1].text, "invalid timeout")
				}
				cl.timeout = time.Duration(secs) * time.Second
				cl.hasTimeout = true
				i += 2
			case t.is("RETRIES") && allowRetries:
				if i+1 >= len(toks) {
					return cl, c.errorf(cur, t.text, "expected RETRIES <n>")
				}
				n, ok := intToken(toks[i+1])
				if !ok {
					return cl, c.errorf(cur, toks[i+1].text, "invalid retry count")
				}
				cl.retries = n
				cl.hasRetries = true
				i += 2
			case hasPrefix(toks[i:], "ON", "TIMEOUT"):
				rest := toks[i+2:]
				if len(rest) > 0 && rest[0].text == ":" {
					rest = rest[1:]
				}
				if len(rest) == 0 {
					return cl, c.errorf(cur, "ON TIMEOUT", "missing ON TIMEOUT action")
				}
				if cl.onTimeout != nil {
					return cl, c.errorf(cur, "ON TIMEOUT", "duplicate ON TIMEOUT")
				}
				cl.onTimeout = rest
				cl.actionLine = cur
				cl.actionRaw = strings.TrimSpace(cur.text[rest[0].off:])
				i = len(toks)
			default:
				return cl, c.errorf(cur, t.text, "unexpected token")
			}
		}
		if nested || c.pos >= len(c.lines) {
			return cl, nil
		}
		next := c.lines[c.pos]
		if !next.toks[0].is("TIMEOUT") && !hasPrefix(next.toks, "ON", "TIMEOUT") && !(allowRetries && next.toks[0].is("RETRIES")) {
			return cl, nil
		}
		c.pos++
		cur = next
		toks = next.toks
	}
}

// timeoutBranch compiles the ON TIMEOUT step into a one-step branch.
func (c *compiler) timeoutBranch(b *core.Branch, index int, cl clauses) (core.BranchID, error) {
	tb := c.newBranch(core.ChildBranchID(b.ID, index, "timeout"), "timeout", b.ID, false)
	if err := c.statement(tb, cl.actionLine, cl.onTimeout, false); err != nil {
		return "", err
	}
	return tb.ID, nil
}

func (c *compiler) waitEvent(b *core.Branch, l line, toks []token, pos core.Pos, nested bool) error {
	if len(toks) < 4 || toks[3].kind != tokString || toks[3].text == "" {
		return c.errorf(l, "WAIT", `expected WAIT FOR EVENT "<name>" [TIMEOUT <seconds>]`)
	}
	cl, err := c.parseClauses(l, toks[4:], false, nested)
	if err != nil {
		return err
	}
	index := len(b.Steps)
	step := &core.WaitEventStep{Pos: pos, Event: toks[3].text, Timeout: cl.timeout}
	c.add(b, step)
	if cl.onTimeout != nil {
		if !cl.hasTimeout {
			return c.errorf(l, "ON TIMEOUT", "ON TIMEOUT requires a TIMEOUT")
		}
		if !startsStatement(cl.onTimeout) {
			return c.errorf(cl.actionLine, cl.actionRaw, "ON TIMEOUT expects a step")
		}
		if step.OnTimeout, err = c.timeoutBranch(b, index, cl); err != nil {
			return err
		}
	}
	return nil
}

func (c *compiler) approval(b *core.Branch, l line, toks []token, name string, pos core.Pos, nested bool) error {
	if len(toks) < 4 || !toks[2].is("FROM") || toks[3].kind != tokString || toks[3].text == "" {
		return c.errorf(l, "HUMAN APPROVAL", `expected HUMAN APPROVAL FROM "<address>"`)
	}
	cl, err := c.parseClauses(l, toks[4:], false, nested)
	if err != nil {
		return err
	}
	if name == "" {
		name = c.approvalName(b, pos)
	}
	if err := c.claimWait(l, name, b.ID); err != nil {
		return err
	}
	index := len(b.Steps)
	step := &core.HumanApprovalStep{
		Pos:             pos,
		Name:            name,
		Approver:        toks[3].text,
		Timeout:         c.opts.DefaultApprovalTimeout,
		TimeoutDecision: core.ApprovalTimedOut,
	}
	if cl.hasTimeout {
		step.Timeout = cl.timeout
	}
	c.add(b, step)

	if cl.onTimeout == nil {
		return nil
	}
	step.OnTimeoutAction = cl.actionRaw
	if startsStatement(cl.onTimeout) {
		step.OnTimeout, err = c.timeoutBranch(b, index, cl)
		return err
	}
	// A free-form action records a decision and announces it.
	step.TimeoutDecision = decisionFor(cl.onTimeout[0].text)
	tb := c.newBranch(core.ChildBranchID(b.ID, index, "timeout"), "timeout", b.ID, false)
	tb.Steps = append(tb.Steps, &core.TalkStep{
		Pos:  core.Pos{Line: cl.actionLine.no},
		Text: fmt.Sprintf("Approval %s timed out: %s", name, cl.actionRaw),
	})
	step.OnTimeout = tb.ID
	return nil
}

// approvalName names an unnamed approval after its step number, or after
// the labels of the PARALLEL branches around it.
func (c *compiler) approvalName(b *core.Branch, pos core.Pos) string {
	if pos.Number > 0 {
		return fmt.Sprintf("approval_%d", pos.Number)
	}
	name := "approval"
	for _, id := range c.forkPath(b.ID) {
		name += "_" + identSuffix(c.def.Branches[id].Label)
	}
	return name
}

func identSuffix(label string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '_'
	}, label)
}

func decisionFor(word string) core.ApprovalStatus {
	w := strings.ToUpper(word)
	switch {
	case strings.HasPrefix(w, "APPROVE"):
		return core.ApprovalApproved
	case strings.HasPrefix(w, "REJECT"), strings.HasPrefix(w, "DENY"):
		return core.ApprovalRejected
	case strings.HasPrefix(w, "ESCALATE"):
		return core.ApprovalEscalated
	default:
		return core.ApprovalTimedOut
	}
}

func (c *compiler) hear(b *core.Branch, l line, toks []token, pos core.Pos, nested bool) error {
	if len(toks) < 2 || !isIdent(toks[1]) {
		return c.errorf(l, "HEAR", "expected HEAR <var> [AS <type>]")
	}
	if err := c.claimWait(l, toks[1].text, b.ID); err != nil {
		return err
	}
	step := &core.HearStep{Pos: pos, Variable: toks[1].text, InputType: string(input.Any), MaxRetries: c.opts.DefaultHearRetries}
	rest := toks[2:]
	if len(rest) > 0 && rest[0].is("AS") {
		if len(rest) < 2 {
			return c.errorf(l, "AS", "missing input type")
		}
		i := 1
		if rest[1].is("MENU") {
			i = 2
		}
		if i < len(rest) && rest[i].kind == tokString {
			for ; i < len(rest); i++ {
				if rest[i].kind == tokString {
					step.Options = append(step.Options, rest[i].text)
					continue
				}
				if rest[i].text != "," {
					break
				}
			}
			step.InputType = string(input.Menu)
		} else {
			t, ok := input.ParseType(rest[1].text)
			if !ok || rest[1].kind != tokWord {
				return c.errorf(l, rest[1].text, "unknown input type")
			}
			if t == input.Menu {
				return c.errorf(l, rest[1].text, "menu needs options")
			}
			step.InputType = string(t)
			i = 2
		}
		rest = rest[i:]
	}

	cl, err := c.parseClauses(l, rest, true, nested)
	if err != nil {
		return err
	}
	step.Timeout = cl.timeout
	if cl.hasRetries {
		step.MaxRetries = cl.retries
	}
	index := len(b.Steps)
	c.add(b, step)
	if cl.onTimeout != nil {
		if !startsStatement(cl.onTimeout) {
			return c.errorf(cl.actionLine, cl.actionRaw, "ON TIMEOUT expects a step")
		}
		if step.OnTimeout, err = c.timeoutBranch(b, index, cl); err != nil {
			return err
		}
	}
	return nil
}

// resolveGotos binds GOTO targets. A target must be in the GOTO's own
// branch or an enclosing branch of the same cursor.
func (c *compiler) resolveGotos() error {
	for _, g := range c.gotos {
		ref, ok := c.numbers[g.step.Target]
		if !ok {
			return c.errorf(g.line, fmt.Sprintf("STEP %d", g.step.Target), "undefined step reference")
		}
		reachable := false
		for id := g.from; id != ""; {
			if id == ref.branch {
				reachable = true
				break
			}
			if c.roots[id] {
				break
			}
			id = c.def.Branches[id].Parent
		}
		if !reachable {
			return c.errorf(g.line, fmt.Sprintf("STEP %d", g.step.Target), "step is outside the enclosing branches")
		}
		g.step.Branch = ref.branch
		g.step.Index = ref.index
	}
	return nil
}
