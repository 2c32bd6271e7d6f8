package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"MetalFlow/internal/domain"
	"MetalFlow/internal/pipeline"
)

// EnsureRun inserts the run or, on an inputs_hash collision, returns
// the existing row. Unique constraint plus read-after-conflict: the
// losing writer of a race becomes a reader of the winner's row.
func (s *Store) EnsureRun(ctx context.Context, run pipeline.Run) (pipeline.Run, bool, error) {
	start := time.Now()
	filters, err := json.Marshal(run.ScopeFilters)
	if err != nil {
		return pipeline.Run{}, false, fmt.Errorf("marshal scope filters: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO finance.pipeline_runs
			(id, pipeline_version, as_of_date, scope_filters, mode, emit_exports,
			 inputs_hash, status, requested_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (inputs_hash) DO NOTHING`,
		run.ID, run.PipelineVersion, run.AsOf.Time(), filters, string(run.Mode),
		run.EmitExports, run.InputsHash, string(run.Status), run.RequestedBy, run.CreatedAt,
	)
	s.observe("ensure_run", start, err)
	if err != nil {
		return pipeline.Run{}, false, fmt.Errorf("insert run: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return pipeline.Run{}, false, err
	}
	if inserted == 1 {
		return run, true, nil
	}

	existing, err := s.RunByInputsHash(ctx, run.InputsHash)
	if err != nil {
		return pipeline.Run{}, false, err
	}
	if existing == nil {
		return pipeline.Run{}, false, fmt.Errorf("run %s vanished after conflict", run.InputsHash)
	}
	return *existing, false, nil
}

// UpdateRunStatus moves a run forward. The WHERE clause re-checks the
// forward-only rule against the stored row, so a stale caller cannot
// drag a terminal run back to running.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status pipeline.Status, errCode, errMsg string, at time.Time) error {
	start := time.Now()
	var res sql.Result
	var err error
	switch status {
	case pipeline.StatusRunning:
		res, err = s.db.ExecContext(ctx, `
			UPDATE finance.pipeline_runs
			SET status = $2, started_at = $3
			WHERE id = $1 AND status = 'queued'`,
			runID, string(status), at)
	case pipeline.StatusDone, pipeline.StatusFailed:
		res, err = s.db.ExecContext(ctx, `
			UPDATE finance.pipeline_runs
			SET status = $2, completed_at = $3, error_code = NULLIF($4, ''), error_message = NULLIF($5, '')
			WHERE id = $1 AND status IN ('queued', 'running')`,
			runID, string(status), at, errCode, errMsg)
	default:
		return fmt.Errorf("store: unsupported run status %q", status)
	}
	s.observe("update_run_status", start, err)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &pipeline.ErrBackwardTransition{From: pipeline.StatusDone, To: status}
	}
	return nil
}

// ResetRunForRetry re-queues a failed run. The only sanctioned
// exception to forward-only transitions, gated by run policy.
func (s *Store) ResetRunForRetry(ctx context.Context, runID string, at time.Time) error {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE finance.pipeline_runs
		SET status = 'queued', started_at = NULL, completed_at = NULL,
		    error_code = NULL, error_message = NULL, created_at = $2
		WHERE id = $1 AND status = 'failed'`,
		runID, at)
	s.observe("reset_run", start, err)
	if err != nil {
		return fmt.Errorf("reset run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: run %s is not failed, cannot retry", runID)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM finance.pipeline_steps WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("clear steps for %s: %w", runID, err)
	}
	return nil
}

// SaveStep upserts a step row keyed by (run_id, step_name).
func (s *Store) SaveStep(ctx context.Context, step pipeline.Step) error {
	start := time.Now()
	artifacts, err := step.Artifacts.JSON()
	if err != nil {
		return fmt.Errorf("marshal artifacts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO finance.pipeline_steps
			(run_id, step_name, status, started_at, completed_at, error_code, error_message, artifacts)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
		ON CONFLICT (run_id, step_name) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = COALESCE(EXCLUDED.started_at, finance.pipeline_steps.started_at),
			completed_at = EXCLUDED.completed_at,
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			artifacts = EXCLUDED.artifacts`,
		step.RunID, step.Name, string(step.Status), step.StartedAt, step.CompletedAt,
		step.ErrorCode, step.ErrorMessage, artifacts,
	)
	s.observe("save_step", start, err)
	if err != nil {
		return fmt.Errorf("save step %s/%s: %w", step.RunID, step.Name, err)
	}
	return nil
}

const runColumns = `id, pipeline_version, as_of_date, scope_filters, mode, emit_exports,
	inputs_hash, status, requested_by, started_at, completed_at,
	COALESCE(error_code, ''), COALESCE(error_message, ''), created_at`

// RunByID returns the run or nil when absent.
func (s *Store) RunByID(ctx context.Context, id string) (*pipeline.Run, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM finance.pipeline_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	s.observe("run_by_id", start, err)
	return run, err
}

// RunByInputsHash returns the run or nil when absent.
func (s *Store) RunByInputsHash(ctx context.Context, hash string) (*pipeline.Run, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM finance.pipeline_runs WHERE inputs_hash = $1`, hash)
	run, err := scanRun(row)
	s.observe("run_by_inputs_hash", start, err)
	return run, err
}

func scanRun(row *sql.Row) (*pipeline.Run, error) {
	var (
		run       pipeline.Run
		asOf      time.Time
		filters   []byte
		mode      string
		status    string
		startedAt sql.NullTime
		doneAt    sql.NullTime
	)
	err := row.Scan(
		&run.ID, &run.PipelineVersion, &asOf, &filters, &mode, &run.EmitExports,
		&run.InputsHash, &status, &run.RequestedBy, &startedAt, &doneAt,
		&run.ErrorCode, &run.ErrorMessage, &run.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.AsOf = domain.DateFromTime(asOf)
	run.Mode = pipeline.Mode(mode)
	run.Status = pipeline.Status(status)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if doneAt.Valid {
		run.CompletedAt = &doneAt.Time
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &run.ScopeFilters); err != nil {
			return nil, fmt.Errorf("unmarshal scope filters: %w", err)
		}
	}
	return &run, nil
}

// StepsByRun lists a run's steps in execution order.
func (s *Store) StepsByRun(ctx context.Context, runID string) ([]pipeline.Step, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_name, status, started_at, completed_at,
		       COALESCE(error_code, ''), COALESCE(error_message, ''), artifacts
		FROM finance.pipeline_steps
		WHERE run_id = $1`,
		runID)
	s.observe("steps_by_run", start, err)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	byName := map[string]pipeline.Step{}
	for rows.Next() {
		var (
			step      pipeline.Step
			status    string
			startedAt sql.NullTime
			doneAt    sql.NullTime
			artifacts []byte
		)
		if err := rows.Scan(&step.RunID, &step.Name, &status, &startedAt, &doneAt,
			&step.ErrorCode, &step.ErrorMessage, &artifacts); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.Status = pipeline.Status(status)
		if startedAt.Valid {
			step.StartedAt = &startedAt.Time
		}
		if doneAt.Valid {
			step.CompletedAt = &doneAt.Time
		}
		if len(artifacts) > 0 {
			if err := json.Unmarshal(artifacts, &step.Artifacts); err != nil {
				return nil, fmt.Errorf("unmarshal artifacts: %w", err)
			}
		}
		byName[step.Name] = step
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var steps []pipeline.Step
	for _, name := range pipeline.OrderedSteps() {
		if step, ok := byName[name]; ok {
			steps = append(steps, step)
		}
	}
	return steps, nil
}
