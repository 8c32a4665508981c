package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/ravel/internal/artifact"
	"github.com/zjrosen/ravel/internal/graph"
	"github.com/zjrosen/ravel/internal/log"
	"github.com/zjrosen/ravel/internal/recorder"
)

const (
	snapshotExpiration      = 5 * time.Minute
	snapshotCleanupInterval = 15 * time.Minute
)

// Recorder is the SQLite-backed ExecutionRecorder. The per-transition
// log is the sole ground truth; reconstructed graphs are held in a
// TTL cache as a derived, rebuildable snapshot, invalidated on every
// write and never authoritative.
type Recorder struct {
	db *sql.DB

	// snapshots caches LoadGraph results keyed by execution ID.
	snapshots *gocache.Cache
}

// Ensure Recorder implements recorder.ExecutionRecorder.
var _ recorder.ExecutionRecorder = (*Recorder)(nil)

// New creates a Recorder over an opened database (see NewDB).
func New(db *sql.DB) *Recorder {
	return &Recorder{
		db:        db,
		snapshots: gocache.New(snapshotExpiration, snapshotCleanupInterval),
	}
}

// CreateExecution registers an execution. Re-creating it is a no-op.
func (r *Recorder) CreateExecution(ctx context.Context, exec recorder.Execution) error {
	createdAt := exec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO executions (id, profile, experiment, max_depth, policy, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.Profile, exec.Experiment, exec.MaxDepth, exec.Policy.String(), createdAt,
	)
	if err != nil {
		return fmt.Errorf("creating execution: %w", err)
	}
	return nil
}

// PersistTransition appends one transition record. The (execution, node,
// seq) primary key makes re-application an identical replace.
func (r *Recorder) PersistTransition(ctx context.Context, execID string, rec recorder.TransitionRecord) error {
	snapJSON, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO transitions (execution_id, node_id, seq, from_status, to_status, depth, snapshot, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		execID, string(rec.NodeID), rec.Seq, string(rec.From), string(rec.To), rec.Snapshot.Depth, string(snapJSON), recordedAt,
	)
	if err != nil {
		return fmt.Errorf("persisting transition: %w", err)
	}

	r.snapshots.Delete(execID)
	return nil
}

// PersistArtifact appends one artifact; duplicates by ID are ignored.
func (r *Recorder) PersistArtifact(ctx context.Context, execID string, a artifact.Artifact) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO artifacts (id, execution_id, type, producer, payload, seq, attempt)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(a.ID), execID, string(a.Type), string(a.Producer), a.Payload, a.Seq, a.Attempt,
	)
	if err != nil {
		return fmt.Errorf("persisting artifact: %w", err)
	}

	r.snapshots.Delete(execID)
	return nil
}

// LoadGraph reconstructs the last durable state by replaying the log.
// Cached reconstructions are served until the next write.
func (r *Recorder) LoadGraph(ctx context.Context, execID string) (*recorder.LoadedExecution, error) {
	if cached, ok := r.snapshots.Get(execID); ok {
		log.Debug(log.CatRecorder, "Serving cached graph snapshot", "executionID", execID)
		return cached.(*recorder.LoadedExecution), nil
	}

	exec, err := r.execution(ctx, execID)
	if err != nil {
		return nil, err
	}

	restored, err := r.latestSnapshots(ctx, execID)
	if err != nil {
		return nil, err
	}
	recorder.SortRestored(restored)

	g, err := graph.Restore(exec.MaxDepth, exec.Policy, restored)
	if err != nil {
		return nil, fmt.Errorf("restoring graph for %s: %w", execID, err)
	}

	arts, err := r.artifactsOf(ctx, execID)
	if err != nil {
		return nil, err
	}

	loaded := &recorder.LoadedExecution{Execution: exec, Graph: g, Artifacts: arts}
	r.snapshots.Set(execID, loaded, gocache.DefaultExpiration)
	return loaded, nil
}

func (r *Recorder) execution(ctx context.Context, execID string) (recorder.Execution, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, profile, experiment, max_depth, policy, created_at FROM executions WHERE id = ?`, execID)

	var exec recorder.Execution
	var policy string
	err := row.Scan(&exec.ID, &exec.Profile, &exec.Experiment, &exec.MaxDepth, &policy, &exec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return recorder.Execution{}, fmt.Errorf("%w: %s", recorder.ErrUnknownExecution, execID)
	}
	if err != nil {
		return recorder.Execution{}, fmt.Errorf("loading execution: %w", err)
	}
	if policy == graph.Degraded.String() {
		exec.Policy = graph.Degraded
	}
	return exec, nil
}

// latestSnapshots returns, per node, the snapshot with the highest
// transition sequence.
func (r *Recorder) latestSnapshots(ctx context.Context, execID string) ([]graph.RestoredNode, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT t.seq, t.snapshot
		 FROM transitions t
		 JOIN (
			SELECT node_id, MAX(seq) AS max_seq FROM transitions WHERE execution_id = ? GROUP BY node_id
		 ) latest ON t.node_id = latest.node_id AND t.seq = latest.max_seq
		 WHERE t.execution_id = ?`,
		execID, execID)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	var restored []graph.RestoredNode
	for rows.Next() {
		var seq int
		var snapJSON string
		if err := rows.Scan(&seq, &snapJSON); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		var snap graph.Snapshot
		if err := json.Unmarshal([]byte(snapJSON), &snap); err != nil {
			return nil, fmt.Errorf("decoding snapshot: %w", err)
		}
		restored = append(restored, graph.RestoredNode{Snapshot: snap, Seq: seq})
	}
	return restored, rows.Err()
}

func (r *Recorder) artifactsOf(ctx context.Context, execID string) ([]artifact.Artifact, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, type, producer, payload, seq, attempt FROM artifacts WHERE execution_id = ? ORDER BY seq`, execID)
	if err != nil {
		return nil, fmt.Errorf("querying artifacts: %w", err)
	}
	defer rows.Close()

	var arts []artifact.Artifact
	for rows.Next() {
		var a artifact.Artifact
		var id, typ, producer string
		if err := rows.Scan(&id, &typ, &producer, &a.Payload, &a.Seq, &a.Attempt); err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		a.ID = artifact.ID(id)
		a.Type = artifact.Type(typ)
		a.Producer = graph.NodeID(producer)
		arts = append(arts, a)
	}
	return arts, rows.Err()
}

// Executions lists recorded executions, newest first.
func (r *Recorder) Executions(ctx context.Context) ([]recorder.Execution, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, profile, experiment, max_depth, policy, created_at FROM executions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var out []recorder.Execution
	for rows.Next() {
		var exec recorder.Execution
		var policy string
		if err := rows.Scan(&exec.ID, &exec.Profile, &exec.Experiment, &exec.MaxDepth, &policy, &exec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		if policy == graph.Degraded.String() {
			exec.Policy = graph.Degraded
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}
