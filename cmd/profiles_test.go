package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/ravel/internal/profile"
)

// syncBuffer serializes writes from the watch loop goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPrintProfilesListsBuiltins(t *testing.T) {
	registry, err := profile.NewRegistry(t.TempDir())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printProfiles(&buf, registry))

	out := buf.String()
	assert.Contains(t, out, "NAME")
	for _, name := range []string{"default", "thorough", "swift"} {
		assert.Contains(t, out, name)
	}
}

func TestWatchProfilesReprintsOnChange(t *testing.T) {
	dir := t.TempDir()
	registry, err := profile.NewRegistry(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- watchProfiles(ctx, out, registry) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "watching")
	}, time.Second, 10*time.Millisecond)

	body := "name: nightly\nmax_depth: 9\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nightly.yml"), []byte(body), 0o644))

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "nightly")
	}, 5*time.Second, 25*time.Millisecond)

	p, err := registry.Get("nightly")
	require.NoError(t, err)
	assert.Equal(t, 9, p.MaxDepth)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch loop never returned after cancel")
	}
}
