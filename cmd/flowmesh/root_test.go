package main

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const reviewScript = `
STEP 1: TALK "Reviewing ${order_id}"
STEP 2: HUMAN APPROVAL FROM "ops@x" TIMEOUT 3600
TALK "Decision: ${approval_2}"
`

// execute runs the CLI against the SQLite database db and returns its
// standard output.
func execute(t *testing.T, db string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--db", db, "--log-level", "error", "--log-format", "json"}, args...))
	err := root.Execute()
	return out.String(), err
}

func writeScript(t *testing.T, dir, name, src string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(src), 0o600))
	return p
}

func TestCompileCmd(t *testing.T) {
	dir := t.TempDir()
	good := writeScript(t, dir, "review.flow", reviewScript)
	bad := writeScript(t, dir, "broken.flow", "IF x > 1 THEN\n  TALK \"x\"\n")

	out, err := execute(t, filepath.Join(dir, "db.sqlite"), "compile", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (review,")

	out, err = execute(t, filepath.Join(dir, "db.sqlite"), "compile", good, bad)
	require.Error(t, err)
	assert.Contains(t, out, "review.flow: ok")
	assert.Contains(t, out, "broken.flow:")
}

func TestRunApproveAcrossInvocations(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "flowmesh.db")
	path := writeScript(t, dir, "review.flow", reviewScript)

	out, err := execute(t, db, "run", path, "--var", "order_id=A-17", "--session", "s1")
	require.NoError(t, err)
	assert.Contains(t, out, "Reviewing A-17")
	assert.Contains(t, out, "waiting: approval approval_2")

	m := regexp.MustCompile(`execution (\S+) waiting`).FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	id := m[1]

	out, err = execute(t, db, "status")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "waiting")

	out, err = execute(t, db, "approve", id, "approval_2", "--reject", "--by", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "Decision: rejected")
	assert.Contains(t, out, "execution "+id+" completed")

	out, err = execute(t, db, "status", id, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"approval_2_by": "alice"`)

	_, err = execute(t, db, "approve", id, "approval_2", "--reject", "--escalate")
	assert.Error(t, err)
}

func TestCancelCmd(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "flowmesh.db")
	path := writeScript(t, dir, "wait.flow", `WAIT FOR EVENT "never"`)

	out, err := execute(t, db, "run", path)
	require.NoError(t, err)
	m := regexp.MustCompile(`execution (\S+) waiting`).FindStringSubmatch(out)
	require.Len(t, m, 2, out)

	out, err = execute(t, db, "cancel", m[1], "--reason", "test")
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")
}

func TestJoinAndRouteCmd(t *testing.T) {
	db := filepath.Join(t.TempDir(), "flowmesh.db")

	_, err := execute(t, db, "join", "s1", "billing", "--trigger", "keyword", "--keyword", "invoice", "--priority", "5")
	require.NoError(t, err)
	_, err = execute(t, db, "join", "s1", "greeter")
	require.NoError(t, err)

	out, err := execute(t, db, "route", "s1", "where is my invoice?")
	require.NoError(t, err)
	assert.Equal(t, "1. billing (trigger keyword, priority 5)\n2. greeter (trigger always, priority 0)\n", out)

	_, err = execute(t, db, "join", "s1", "greeter", "--leave")
	require.NoError(t, err)
	out, err = execute(t, db, "route", "s1", "hello")
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = execute(t, db, "join", "s1", "x", "--trigger", "sometimes")
	assert.Error(t, err)
}

func TestPublishCmd(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "flowmesh.db")
	path := writeScript(t, dir, "ship.flow", "WAIT FOR EVENT \"shipped\"\nTALK \"Shipped by ${event.carrier}\"\n")

	_, err := execute(t, db, "run", path)
	require.NoError(t, err)

	out, err := execute(t, db, "publish", "shipped", "--payload", `{"carrier":"ups"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Shipped by ups")
	assert.Contains(t, out, "event shipped delivered to")
}

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"n=12", "ok=true", "name=A-17", "list=[1,2]", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"n":     float64(12),
		"ok":    true,
		"name":  "A-17",
		"list":  []any{float64(1), float64(2)},
		"empty": "",
	}, vars)

	_, err = parseVars([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseVars([]string{"=1"})
	assert.Error(t, err)
}
