package log

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The logger is a process-wide singleton, so one test drives the whole
// lifecycle through subtests.
func TestLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ravel.log")
	cleanup, err := Init(path)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tail := Tail(ctx)
	require.NotNil(t, tail)

	t.Run("entries reach the file and the tail", func(t *testing.T) {
		Info(CatSolver, "node advanced", "node", "abc", "status", "EXECUTING")

		select {
		case entry := <-tail:
			assert.Contains(t, entry, "[INFO] [solver] node advanced")
			assert.Contains(t, entry, "node=abc status=EXECUTING")
		case <-time.After(time.Second):
			t.Fatal("tail never received the entry")
		}

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "node advanced node=abc")
	})

	t.Run("below the minimum level is dropped", func(t *testing.T) {
		SetMinLevel(LevelWarn)
		defer SetMinLevel(LevelDebug)

		Debug(CatGraph, "noise")
		Warn(CatGraph, "kept")

		select {
		case entry := <-tail:
			assert.Contains(t, entry, "kept")
			assert.NotContains(t, entry, "noise")
		case <-time.After(time.Second):
			t.Fatal("tail never received the warning")
		}
	})

	t.Run("odd field count marks the orphan key", func(t *testing.T) {
		Error(CatAgent, "call failed", "attempt")

		select {
		case entry := <-tail:
			assert.Contains(t, entry, "attempt=<missing>")
		case <-time.After(time.Second):
			t.Fatal("tail never received the entry")
		}
	})
}
