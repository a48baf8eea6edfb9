package runbooks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/FairForge/bulwark/internal/incident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_Reload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "disk.yaml"), []byte(diskRunbook), 0o600))

	lib := NewLibrary(nil)
	w := NewWatcher(dir, lib, WithBuiltin(Defaults()))
	require.NoError(t, w.Reload())

	assert.Equal(t, 1, lib.Current().Revision())
	assert.Equal(t, len(Defaults())+1, lib.Current().Len())

	t.Run("invalid file keeps previous repository", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("id: x\n"), 0o600))
		assert.Error(t, w.Reload())
		assert.Equal(t, 1, lib.Current().Revision())
	})

	t.Run("duplicate of a builtin is rejected", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(dir, "bad.yaml")))
		dup := "id: circuit-open\ntitle: Dup\nincident_types: [x]\nsteps:\n  - action: a\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "dup.yaml"), []byte(dup), 0o600))
		assert.ErrorContains(t, w.Reload(), "duplicate")
	})
}

func TestWatcher_Run(t *testing.T) {
	dir := t.TempDir()
	lib := NewLibrary(nil)
	w := NewWatcher(dir, lib, WithDebounce(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// the watch is registered asynchronously, so keep rewriting until it lands
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, "disk.yaml"), []byte(diskRunbook), 0o600)
		return len(lib.FindApplicable("disk_full", incident.SeverityP2, map[string]string{"tier": "storage"})) == 1
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
