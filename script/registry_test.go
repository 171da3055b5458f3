package script

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/flowmesh/core"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	def, err := r.Compile("hello", `TALK "hi"`)
	require.NoError(t, err)
	assert.Equal(t, "hello", def.Name)

	got, err := r.Get("hello")
	require.NoError(t, err)
	assert.Same(t, def, got)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, core.ErrScriptNotFound)

	_, err = r.Compile("broken", "IF x THEN")
	require.Error(t, err)
	assert.Equal(t, []string{"hello"}, r.Names())

	assert.True(t, r.Remove("hello"))
	assert.False(t, r.Remove("hello"))
	assert.Empty(t, r.Names())
}

func TestRegistry_RegisterRequiresName(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(&core.ScriptDefinition{}))
}

func TestRegistry_Subscribers(t *testing.T) {
	r := NewRegistry()
	_, err := r.Compile("b", "WHEN EVENT \"order_created\" DO\nTALK \"b\"\nEND WHEN")
	require.NoError(t, err)
	_, err = r.Compile("a", "WHEN EVENT \"order_created\" DO\nTALK \"a\"\nEND WHEN")
	require.NoError(t, err)
	_, err = r.Compile("c", `TALK "c"`)
	require.NoError(t, err)

	subs := r.Subscribers("order_created")
	require.Len(t, subs, 2)
	assert.Equal(t, "a", subs[0].Name)
	assert.Equal(t, "b", subs[1].Name)
	assert.Empty(t, r.Subscribers("other"))
}

func writeScript(t *testing.T, dir, rel, src string) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(src), 0o600))
	return p
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "greet.flow", `TALK "hi"`)
	writeScript(t, dir, "orders/ship.flow", "ORCHESTRATE WORKFLOW \"shipping\"\nBOT \"shipper\" \"ship\"\nEND WORKFLOW")
	writeScript(t, dir, "orders/broken.flow", "IF x THEN")
	writeScript(t, dir, "notes.txt", "not a script")

	defs, err := LoadDir(dir, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.flow")

	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	assert.ElementsMatch(t, []string{"greet", "shipping"}, names)

	r := NewRegistry()
	n, err := r.LoadDir(dir, "orders/*.flow")
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"shipping"}, r.Names())
}

func TestNameFromPath(t *testing.T) {
	assert.Equal(t, "orders", NameFromPath("/x/y/orders.flow"))
	assert.Equal(t, "plain", NameFromPath("plain"))
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()
	def, err := r.Compile("greet", `TALK "hi"`)
	require.NoError(t, err)

	got, err := r.Resolve("greet", def.Source)
	require.NoError(t, err)
	assert.Same(t, def, got)

	changed, err := r.Resolve("greet", `TALK "hello"`)
	require.NoError(t, err)
	assert.NotSame(t, def, changed)
	assert.Equal(t, `TALK "hello"`, changed.Source)

	got, err = r.Get("greet")
	require.NoError(t, err)
	assert.Same(t, def, got, "resolve does not register")

	_, err = r.Resolve("missing", "")
	assert.ErrorIs(t, err, core.ErrScriptNotFound)
}
