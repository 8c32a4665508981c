// Package testutil provides test utilities for execution-log setup.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	recsqlite "github.com/zjrosen/ravel/internal/recorder/sqlite"
)

// NewTestDB creates a throwaway execution-log database under
// t.TempDir() with the schema applied. The database is closed when the
// test ends.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := recsqlite.NewDB(filepath.Join(t.TempDir(), "ravel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewTestRecorder creates a sqlite-backed recorder on a throwaway
// database.
func NewTestRecorder(t *testing.T) *recsqlite.Recorder {
	t.Helper()
	return recsqlite.New(NewTestDB(t))
}
