// Package sqlite provides the durable ExecutionRecorder backed by
// SQLite, using the ncruces WASM driver (no cgo).
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// schema is the transition/artifact log. Primary keys implement the
// idempotence contract: re-applying a record replaces it with identical
// content, leaving reconstructed state unchanged.
const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	profile TEXT NOT NULL DEFAULT '',
	experiment TEXT NOT NULL DEFAULT '',
	max_depth INTEGER NOT NULL,
	policy TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transitions (
	execution_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status TEXT NOT NULL,
	depth INTEGER NOT NULL DEFAULT 0,
	snapshot TEXT NOT NULL,
	recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (execution_id, node_id, seq),
	FOREIGN KEY (execution_id) REFERENCES executions(id)
);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	type TEXT NOT NULL,
	producer TEXT NOT NULL,
	payload TEXT NOT NULL,
	seq INTEGER NOT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY (execution_id) REFERENCES executions(id)
);

CREATE INDEX IF NOT EXISTS idx_transitions_execution ON transitions(execution_id);
CREATE INDEX IF NOT EXISTS idx_artifacts_execution ON artifacts(execution_id, seq);
`

// NewDB opens (or creates) the recorder database at path, creating
// parent directories as needed, and ensures the schema exists.
func NewDB(path string) (*sql.DB, error) {
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)", cleanPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return db, nil
}
