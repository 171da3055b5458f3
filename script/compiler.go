package script

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/flowmesh/core"
)

// Options tune compilation defaults.
type Options struct {
	// DefaultApprovalTimeout applies to HUMAN APPROVAL steps without TIMEOUT.
	DefaultApprovalTimeout time.Duration
	// DefaultHearRetries applies to HEAR steps without RETRIES.
	DefaultHearRetries int
}

// DefaultOptions returns the compiler defaults.
func DefaultOptions() Options {
	return Options{
		DefaultApprovalTimeout: time.Hour,
		DefaultHearRetries:     3,
	}
}

type stepRef struct {
	branch core.BranchID
	index  int
}

type pendingGoto struct {
	step *core.GotoStep
	from core.BranchID
	line line
}

type compiler struct {
	opts  Options
	name  string
	lines []line
	pos   int
	def   *core.ScriptDefinition

	numbers map[int]stepRef
	gotos   []pendingGoto
	roots   map[core.BranchID]bool
	lastBot string

	// forks maps each PARALLEL branch to the step that forks it.
	forks map[core.BranchID]stepRef
	// waitSites lists the branches parking on each approval or HEAR name.
	waitSites map[string][]core.BranchID

	wrapperLine   *line
	wrapperClosed bool
	whenCount     int
}

// Compile parses src into a ScriptDefinition. name is used when the script
// has no ORCHESTRATE WORKFLOW header. Errors are *core.CompileError.
func Compile(name, src string, optFns ...func(o *Options)) (*core.ScriptDefinition, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	lines, err := lex(name, src)
	if err != nil {
		return nil, err
	}

	c := &compiler{
		opts:  opts,
		name:  name,
		lines: lines,
		def: &core.ScriptDefinition{
			Name:     name,
			Source:   src,
			Main:     core.MainBranch,
			Branches: make(map[core.BranchID]*core.Branch),
		},
		numbers:   make(map[int]stepRef),
		roots:     make(map[core.BranchID]bool),
		forks:     make(map[core.BranchID]stepRef),
		waitSites: make(map[string][]core.BranchID),
	}

	main := c.newBranch(core.MainBranch, "", "", true)
	if _, _, err := c.block(main, nil); err != nil {
		return nil, err
	}
	if c.wrapperLine != nil && !c.wrapperClosed {
		return nil, c.errorf(*c.wrapperLine, "ORCHESTRATE WORKFLOW", "workflow block is not closed with END WORKFLOW")
	}
	if err := c.resolveGotos(); err != nil {
		return nil, err
	}
	if c.def.StepCount() == 0 {
		return nil, &core.CompileError{Script: name, Line: 1, Msg: "script has no steps"}
	}
	return c.def, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(name, src string) *core.ScriptDefinition {
	def, err := Compile(name, src)
	if err != nil {
		panic(err)
	}
	return def
}

func (c *compiler) errorf(l line, tok string, format string, args ...any) *core.CompileError {
	return &core.CompileError{Script: c.name, Line: l.no, Token: tok, Msg: fmt.Sprintf(format, args...)}
}

func (c *compiler) newBranch(id core.BranchID, label string, parent core.BranchID, root bool) *core.Branch {
	b := &core.Branch{ID: id, Label: label, Parent: parent}
	c.def.Branches[id] = b
	if root {
		c.roots[id] = true
	}
	return b
}

// forkPath returns the PARALLEL branches enclosing id, outermost first.
func (c *compiler) forkPath(id core.BranchID) []core.BranchID {
	var path []core.BranchID
	for id != "" {
		if _, ok := c.forks[id]; ok {
			path = append(path, id)
		}
		b, ok := c.def.Branches[id]
		if !ok {
			break
		}
		id = b.Parent
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// concurrent reports whether branches a and b can be live at the same
// time, that is whether they sit in different arms of one PARALLEL step.
func (c *compiler) concurrent(a, b core.BranchID) bool {
	pa, pb := c.forkPath(a), c.forkPath(b)
	for i := 0; i < len(pa) && i < len(pb); i++ {
		if pa[i] != pb[i] {
			return c.forks[pa[i]] == c.forks[pb[i]]
		}
	}
	return false
}

// claimWait records that branch b parks on name. Two arms of a PARALLEL
// step cannot park on the same name.
func (c *compiler) claimWait(l line, name string, b core.BranchID) error {
	for _, other := range c.waitSites[name] {
		if c.concurrent(other, b) {
			return c.errorf(l, name, "%s is also awaited by a parallel branch", name)
		}
	}
	c.waitSites[name] = append(c.waitSites[name], b)
	return nil
}

// block compiles statements into b until a line starting with one of the
// closers. It returns the closing line and the closer it matched; at end of
// input ok is false.
func (c *compiler) block(b *core.Branch, closers []string) (line, string, error) {
	for c.pos < len(c.lines) {
		l := c.lines[c.pos]
		if closer := matchCloser(l, closers); closer != "" {
			c.pos++
			return l, closer, nil
		}
		c.pos++
		if err := c.statement(b, l, l.toks, true); err != nil {
			return line{}, "", err
		}
	}
	return line{}, "", nil
}

func matchCloser(l line, closers []string) string {
	for _, closer := range closers {
		if hasPrefix(l.toks, strings.Fields(closer)...) {
			return closer
		}
	}
	return ""
}

// statement compiles one statement whose tokens are toks. Block statements
// consume the following lines.
func (c *compiler) statement(b *core.Branch, l line, toks []token, allowBlocks bool) error {
	pos := core.Pos{Line: l.no}
	if hasPrefix(toks, "STEP") {
		if len(toks) < 3 || toks[2].text != ":" {
			return c.errorf(l, "STEP", "expected STEP <n>:")
		}
		n, ok := intToken(toks[1])
		if !ok || n == 0 {
			return c.errorf(l, toks[1].text, "invalid step number")
		}
		if _, dup := c.numbers[n]; dup {
			return c.errorf(l, toks[1].text, "duplicate step number %d", n)
		}
		pos.Number = n
		toks = toks[3:]
		if len(toks) == 0 {
			return c.errorf(l, "STEP", "step %d has no statement", n)
		}
	}

	head := toks[0]
	switch {
	case head.is("ORCHESTRATE"):
		return c.orchestrate(b, l, toks)
	case hasPrefix(toks, "END", "WORKFLOW"):
		if b.ID != core.MainBranch || c.wrapperLine == nil || c.wrapperClosed {
			return c.errorf(l, "END WORKFLOW", "END WORKFLOW without ORCHESTRATE WORKFLOW")
		}
		c.wrapperClosed = true
		return nil
	}

	if c.wrapperClosed && b.ID == core.MainBranch && !hasPrefix(toks, "WHEN", "EVENT") {
		return c.errorf(l, head.text, "statement after END WORKFLOW")
	}

	if head.is("IF") || head.is("SWITCH") || head.is("PARALLEL") || head.is("WHEN") {
		if !allowBlocks {
			return c.errorf(l, head.text, "block statement is not allowed here")
		}
		switch {
		case head.is("IF"):
			return c.ifBlock(b, l, toks, pos)
		case head.is("SWITCH"):
			return c.switchBlock(b, l, toks, pos)
		case head.is("PARALLEL"):
			return c.parallelBlock(b, l, toks, pos)
		default:
			return c.whenBlock(b, l, toks, pos)
		}
	}
	return c.simple(b, l, toks, pos, !allowBlocks)
}

func (c *compiler) add(b *core.Branch, s core.Step) {
	if n := s.Position().Number; n > 0 {
		c.numbers[n] = stepRef{branch: b.ID, index: len(b.Steps)}
	}
	b.Steps = append(b.Steps, s)
}

func (c *compiler) orchestrate(b *core.Branch, l line, toks []token) error {
	if !hasPrefix(toks, "ORCHESTRATE", "WORKFLOW") || len(toks) != 3 || toks[2].kind != tokString {
		return c.errorf(l, "ORCHESTRATE", `expected ORCHESTRATE WORKFLOW "<name>"`)
	}
	if b.ID != core.MainBranch || c.wrapperLine != nil || len(b.Steps) > 0 {
		return c.errorf(l, "ORCHESTRATE", "ORCHESTRATE WORKFLOW must be the first statement")
	}
	if toks[2].text == "" {
		return c.errorf(l, "ORCHESTRATE", "workflow name is empty")
	}
	c.def.Name = toks[2].text
	c.wrapperLine = &l
	return nil
}

// rawBetween returns the source text between two tokens, trimmed.
func rawBetween(l line, from token, to int) string {
	return strings.TrimSpace(l.text[from.end:to])
}

func (c *compiler) ifBlock(b *core.Branch, l line, toks []token, pos core.Pos) error {
	last := toks[len(toks)-1]
	if len(toks) < 3 || !last.is("THEN") {
		return c.errorf(l, "IF", "expected IF <condition> THEN")
	}
	cond := rawBetween(l, toks[0], last.off)
	if cond == "" {
		return c.errorf(l, "IF", "missing condition")
	}

	index := len(b.Steps)
	step := &core.ConditionalStep{Pos: pos, Predicate: cond}
	c.add(b, step)

	then := c.newBranch(core.ChildBranchID(b.ID, index, "then"), "then", b.ID, false)
	step.Then = then.ID
	end, closer, err := c.block(then, []string{"ELSE", "END IF"})
	if err != nil {
		return err
	}
	if closer == "ELSE" {
		if len(end.toks) != 1 {
			return c.errorf(end, end.text, "ELSE takes no arguments")
		}
		els := c.newBranch(core.ChildBranchID(b.ID, index, "else"), "else", b.ID, false)
		step.Else = els.ID
		end, closer, err = c.block(els, []string{"ELSE", "END IF"})
		if err != nil {
			return err
		}
		if closer == "ELSE" {
			return c.errorf(end, "ELSE", "duplicate ELSE")
		}
	}
	if closer == "" {
		return c.errorf(l, "IF", "IF block is not closed with END IF")
	}
	if len(end.toks) != 2 {
		return c.errorf(end, end.text, "END IF takes no arguments")
	}
	return nil
}

func (c *compiler) switchBlock(b *core.Branch, l line, toks []token, pos core.Pos) error {
	if len(toks) < 2 {
		return c.errorf(l, "SWITCH", "missing selector")
	}
	index := len(b.Steps)
	step := &core.SwitchStep{Pos: pos, Selector: rawBetween(l, toks[0], len(l.text))}
	c.add(b, step)

	closers := []string{"CASE", "DEFAULT", "END SWITCH"}
	if c.pos >= len(c.lines) {
		return c.errorf(l, "SWITCH", "SWITCH block is not closed with END SWITCH")
	}
	head := c.lines[c.pos]
	closer := matchCloser(head, closers)
	if closer == "" {
		return c.errorf(head, head.toks[0].text, "expected CASE or DEFAULT after SWITCH")
	}
	c.pos++

	seen := make(map[string]bool)
	for closer != "END SWITCH" {
		if closer == "" {
			return c.errorf(l, "SWITCH", "SWITCH block is not closed with END SWITCH")
		}
		var branch *core.Branch
		if closer == "CASE" {
			if step.Default != "" {
				return c.errorf(head, "CASE", "CASE after DEFAULT")
			}
			values, err := c.caseValues(head)
			if err != nil {
				return err
			}
			for _, v := range values {
				if seen[v] {
					return c.errorf(head, v, "duplicate CASE value")
				}
				seen[v] = true
			}
			suffix := "case" + strconv.Itoa(len(step.Cases))
			branch = c.newBranch(core.ChildBranchID(b.ID, index, suffix), suffix, b.ID, false)
			step.Cases = append(step.Cases, core.SwitchCase{Values: values, Branch: branch.ID})
		} else {
			if step.Default != "" {
				return c.errorf(head, "DEFAULT", "duplicate DEFAULT")
			}
			if len(head.toks) != 1 {
				return c.errorf(head, head.text, "DEFAULT takes no arguments")
			}
			branch = c.newBranch(core.ChildBranchID(b.ID, index, "default"), "default", b.ID, false)
			step.Default = branch.ID
		}
		var err error
		head, closer, err = c.block(branch, closers)
		if err != nil {
			return err
		}
	}
	if step.Default == "" {
		return c.errorf(l, "SWITCH", "SWITCH requires a DEFAULT case")
	}
	return nil
}

func (c *compiler) caseValues(l line) ([]string, error) {
	var values []string
	toks := l.toks[1:]
	for i, t := range toks {
		if i%2 == 1 {
			if t.text != "," {
				return nil, c.errorf(l, t.text, "expected , between CASE values")
			}
			continue
		}
		switch t.kind {
		case tokString, tokNumber:
			values = append(values, t.text)
		default:
			return nil, c.errorf(l, t.text, "CASE values must be literals")
		}
	}
	if len(values) == 0 || len(toks)%2 == 0 {
		return nil, c.errorf(l, "CASE", "expected CASE \"<value>\"")
	}
	return values, nil
}

func (c *compiler) parallelBlock(b *core.Branch, l line, toks []token, pos core.Pos) error {
	if len(toks) != 1 {
		return c.errorf(l, "PARALLEL", "PARALLEL takes no arguments")
	}
	index := len(b.Steps)
	step := &core.ParallelStep{Pos: pos}
	c.add(b, step)

	labels := make(map[string]bool)
	for {
		if c.pos >= len(c.lines) {
			return c.errorf(l, "PARALLEL", "PARALLEL block is not closed with END PARALLEL")
		}
		bl := c.lines[c.pos]
		c.pos++
		if hasPrefix(bl.toks, "END", "PARALLEL") {
			break
		}
		if !bl.toks[0].is("BRANCH") {
			return c.errorf(bl, bl.toks[0].text, "expected BRANCH or END PARALLEL")
		}
		if len(bl.toks) < 2 || (bl.toks[1].kind != tokWord && bl.toks[1].kind != tokString && bl.toks[1].kind != tokNumber) {
			return c.errorf(bl, "BRANCH", "branch label is required")
		}
		label := bl.toks[1].text
		if labels[strings.ToLower(label)] {
			return c.errorf(bl, label, "duplicate branch label")
		}
		labels[strings.ToLower(label)] = true

		branch := c.newBranch(core.ChildBranchID(b.ID, index, "branch:"+label), label, b.ID, true)
		c.forks[branch.ID] = stepRef{branch: b.ID, index: index}
		step.Branches = append(step.Branches, branch.ID)

		rest := bl.toks[2:]
		if len(rest) > 0 && rest[0].text == ":" {
			rest = rest[1:]
		}
		if len(rest) > 0 {
			if err := c.statement(branch, bl, rest, false); err != nil {
				return err
			}
			continue
		}
		_, closer, err := c.block(branch, []string{"END BRANCH"})
		if err != nil {
			return err
		}
		if closer == "" {
			return c.errorf(bl, label, "BRANCH block is not closed with END BRANCH")
		}
	}
	if len(step.Branches) == 0 {
		return c.errorf(l, "PARALLEL", "PARALLEL needs at least one BRANCH")
	}
	return nil
}

func (c *compiler) whenBlock(b *core.Branch, l line, toks []token, pos core.Pos) error {
	last := toks[len(toks)-1]
	if len(toks) < 3 || !last.is("DO") {
		return c.errorf(l, "WHEN", "expected WHEN <condition> DO")
	}

	if hasPrefix(toks, "WHEN", "EVENT") {
		if len(toks) != 4 || toks[2].kind != tokString || toks[2].text == "" {
			return c.errorf(l, "WHEN", `expected WHEN EVENT "<name>" DO`)
		}
		if b.ID != core.MainBranch {
			return c.errorf(l, "WHEN", "WHEN EVENT is only allowed at the top level")
		}
		if pos.Number > 0 {
			return c.errorf(l, "WHEN", "WHEN EVENT cannot be numbered")
		}
		event := toks[2].text
		c.whenCount++
		id := core.BranchID(fmt.Sprintf("when/%d:%s", c.whenCount, event))
		branch := c.newBranch(id, event, "", true)
		c.def.Triggers = append(c.def.Triggers, core.WhenTrigger{Event: event, Branch: id})
		_, closer, err := c.block(branch, []string{"END WHEN"})
		if err != nil {
			return err
		}
		if closer == "" {
			return c.errorf(l, "WHEN", "WHEN block is not closed with END WHEN")
		}
		return nil
	}

	cond := rawBetween(l, toks[0], last.off)
	index := len(b.Steps)
	step := &core.ConditionalStep{Pos: pos, Predicate: cond}
	c.add(b, step)
	then := c.newBranch(core.ChildBranchID(b.ID, index, "when"), "when", b.ID, false)
	step.Then = then.ID
	_, closer, err := c.block(then, []string{"END WHEN"})
	if err != nil {
		return err
	}
	if closer == "" {
		return c.errorf(l, "WHEN", "WHEN block is not closed with END WHEN")
	}
	return nil
}
