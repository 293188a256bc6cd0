package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medrex/referral-sync/pkg/types"
)

// RunStore keeps the history of sync passes
type RunStore struct {
	store *Store
}

// RunAggregate summarizes finished sync passes
type RunAggregate struct {
	Finished          int
	LastSuccess       *time.Time
	ConflictsResolved int
	AverageDuration   time.Duration
}

const runColumns = `id, started_at, finished_at, duration_ns, pushed, pulled, conflicts_resolved,
	failed, status, error`

// Begin records the start of a sync pass
func (rs *RunStore) Begin(ctx context.Context) (*types.SyncRun, error) {
	run := &types.SyncRun{
		ID:        uuid.New().String(),
		StartedAt: rs.store.clock(),
		Status:    types.RunRunning,
	}

	_, err := rs.store.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, started_at, status) VALUES (?, ?, ?)`,
		run.ID, toNanos(run.StartedAt), run.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to begin sync run: %w", err)
	}
	return run, nil
}

// Finish stores the outcome of a sync pass
func (rs *RunStore) Finish(ctx context.Context, run *types.SyncRun) error {
	if run.FinishedAt == nil {
		finished := rs.store.clock()
		run.FinishedAt = &finished
	}
	if run.Duration == 0 {
		run.Duration = run.FinishedAt.Sub(run.StartedAt)
	}

	_, err := rs.store.db.ExecContext(ctx,
		`UPDATE sync_runs SET finished_at = ?, duration_ns = ?, pushed = ?, pulled = ?,
			conflicts_resolved = ?, failed = ?, status = ?, error = ?
		 WHERE id = ?`,
		nullableNanos(run.FinishedAt), int64(run.Duration), run.Pushed, run.Pulled,
		run.ConflictsResolved, run.Failed, run.Status, run.Error, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish sync run: %w", err)
	}
	return nil
}

// MarkInterrupted fails runs left in the running state by a process that
// stopped mid-pass, and returns how many there were
func (rs *RunStore) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := rs.store.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, error = ?, finished_at = ? WHERE status = ?`,
		types.RunFailed, "interrupted", toNanos(rs.store.clock()), types.RunRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted sync runs: %w", err)
	}
	return res.RowsAffected()
}

// Aggregate computes the statistics of all finished passes
func (rs *RunStore) Aggregate(ctx context.Context) (RunAggregate, error) {
	var (
		agg         RunAggregate
		lastSuccess sql.NullInt64
		avg         float64
	)

	err := rs.store.db.QueryRowContext(ctx,
		`SELECT MAX(finished_at) FROM sync_runs WHERE status = ?`, types.RunSucceeded,
	).Scan(&lastSuccess)
	if err != nil {
		return agg, fmt.Errorf("failed to query last successful sync: %w", err)
	}
	agg.LastSuccess = fromNullNanos(lastSuccess)

	err = rs.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(conflicts_resolved), 0), COALESCE(AVG(duration_ns), 0)
		 FROM sync_runs WHERE status != ?`,
		types.RunRunning,
	).Scan(&agg.Finished, &agg.ConflictsResolved, &avg)
	if err != nil {
		return agg, fmt.Errorf("failed to aggregate sync runs: %w", err)
	}
	agg.AverageDuration = time.Duration(avg)

	return agg, nil
}

// Recent returns the latest runs, newest first
func (rs *RunStore) Recent(ctx context.Context, limit int) ([]*types.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := rs.store.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM sync_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.SyncRun
	for rows.Next() {
		run := &types.SyncRun{}
		var (
			started  int64
			finished sql.NullInt64
			duration int64
		)
		if err := rows.Scan(
			&run.ID, &started, &finished, &duration, &run.Pushed, &run.Pulled,
			&run.ConflictsResolved, &run.Failed, &run.Status, &run.Error,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		run.StartedAt = fromNanos(started)
		run.FinishedAt = fromNullNanos(finished)
		run.Duration = time.Duration(duration)
		runs = append(runs, run)
	}

	return runs, rows.Err()
}
