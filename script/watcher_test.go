package script

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) add(c Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) has(op ChangeOp, name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.changes {
		if c.Op == op && c.Name == name {
			return true
		}
	}
	return false
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "greet.flow", `TALK "hi"`)

	reg := NewRegistry()
	log := &changeLog{}
	w, err := NewWatcher(dir, reg, func(o *WatcherOptions) {
		o.Debounce = 20 * time.Millisecond
		o.OnChange = log.add
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	assert.Equal(t, []string{"greet"}, reg.Names(), "initial load")

	// New file.
	path := writeScript(t, dir, "farewell.flow", `TALK "bye"`)
	require.Eventually(t, func() bool { return log.has(ChangeCompiled, "farewell") }, 5*time.Second, 10*time.Millisecond)

	// A broken edit keeps the previous definition.
	before, err := reg.Get("farewell")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("IF x THEN"), 0o600))
	require.Eventually(t, func() bool { return log.has(ChangeFailed, "farewell") }, 5*time.Second, 10*time.Millisecond)
	after, err := reg.Get("farewell")
	require.NoError(t, err)
	assert.Same(t, before, after)

	// Removal unregisters.
	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return log.has(ChangeRemoved, "farewell") }, 5*time.Second, 10*time.Millisecond)
	_, err = reg.Get("farewell")
	assert.Error(t, err)

	// New subdirectories are watched.
	writeScript(t, dir, "nested/deep.flow", `TALK "deep"`)
	require.Eventually(t, func() bool {
		_, err := reg.Get("deep")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatcher_StopWithoutStart(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), NewRegistry())
	require.NoError(t, err)
	assert.NoError(t, w.Stop())
}
