package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"MetalFlow/internal/pipeline"
)

// ExportJob is one persisted export request, keyed by a deterministic
// export_id derived from the run's inputs hash.
type ExportJob struct {
	ExportID   string
	InputsHash string
	ExportType string
	Status     pipeline.Status
	Artifacts  map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EnsureExportJob inserts the job or returns the existing one. Same
// conflict discipline as runs: unique key, losers read.
func (s *Store) EnsureExportJob(ctx context.Context, job ExportJob) (ExportJob, bool, error) {
	start := time.Now()
	artifacts, err := json.Marshal(job.Artifacts)
	if err != nil {
		return ExportJob{}, false, fmt.Errorf("marshal export artifacts: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO finance.export_jobs
			(export_id, inputs_hash, export_type, status, artifacts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (export_id) DO NOTHING`,
		job.ExportID, job.InputsHash, job.ExportType, string(job.Status), artifacts,
	)
	s.observe("ensure_export_job", start, err)
	if err != nil {
		return ExportJob{}, false, fmt.Errorf("insert export job: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return ExportJob{}, false, err
	}
	if inserted == 1 {
		return job, true, nil
	}
	existing, err := s.ExportJobByID(ctx, job.ExportID)
	if err != nil {
		return ExportJob{}, false, err
	}
	if existing == nil {
		return ExportJob{}, false, fmt.Errorf("export job %s vanished after conflict", job.ExportID)
	}
	return *existing, false, nil
}

// UpdateExportJobStatus moves a job forward; terminal rows stay put.
func (s *Store) UpdateExportJobStatus(ctx context.Context, exportID string, status pipeline.Status, artifacts map[string]any) error {
	start := time.Now()
	// SQL NULL, not jsonb null: COALESCE must keep the prior artifacts
	// when the caller has nothing to record.
	var blob any
	if artifacts != nil {
		b, err := json.Marshal(artifacts)
		if err != nil {
			return fmt.Errorf("marshal export artifacts: %w", err)
		}
		blob = b
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE finance.export_jobs
		SET status = $2, artifacts = COALESCE($3, artifacts), updated_at = now()
		WHERE export_id = $1 AND status IN ('queued', 'running')`,
		exportID, string(status), blob,
	)
	s.observe("update_export_job", start, err)
	if err != nil {
		return fmt.Errorf("update export job %s: %w", exportID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: export job %s is terminal", exportID)
	}
	return nil
}

// ExportJobByID returns the job or nil when absent.
func (s *Store) ExportJobByID(ctx context.Context, exportID string) (*ExportJob, error) {
	start := time.Now()
	var (
		job       ExportJob
		status    string
		artifacts []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT export_id, inputs_hash, export_type, status, artifacts, created_at, updated_at
		FROM finance.export_jobs
		WHERE export_id = $1`,
		exportID,
	).Scan(&job.ExportID, &job.InputsHash, &job.ExportType, &status, &artifacts, &job.CreatedAt, &job.UpdatedAt)
	s.observe("export_job_by_id", start, err)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read export job: %w", err)
	}
	job.Status = pipeline.Status(status)
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &job.Artifacts); err != nil {
			return nil, fmt.Errorf("unmarshal export artifacts: %w", err)
		}
	}
	return &job, nil
}
