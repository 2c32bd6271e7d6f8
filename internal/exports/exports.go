// Package exports creates downstream export jobs when a run completes.
// Jobs are keyed by an export_id derived from the run's inputs hash, so
// a rerun finds its existing job instead of enqueueing a duplicate.
package exports

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"MetalFlow/internal/pipeline"
	"MetalFlow/internal/store"
)

// JobStore persists export jobs.
type JobStore interface {
	EnsureExportJob(ctx context.Context, job store.ExportJob) (store.ExportJob, bool, error)
	UpdateExportJobStatus(ctx context.Context, exportID string, status pipeline.Status, artifacts map[string]any) error
}

// Service implements the pipeline's export hook: ensure the job row,
// upload the payload as a JSON artifact, mark the job done.
type Service struct {
	jobs   JobStore
	object *minio.Client
	bucket string
	log    zerolog.Logger
}

func NewService(jobs JobStore, object *minio.Client, bucket string, log zerolog.Logger) *Service {
	return &Service{
		jobs:   jobs,
		object: object,
		bucket: bucket,
		log:    log.With().Str("component", "exports").Logger(),
	}
}

// ExportID derives the deterministic job identity for a run.
func ExportID(inputsHash, exportType string) string {
	sum := sha256.Sum256([]byte("export:" + exportType + ":" + inputsHash))
	return hex.EncodeToString(sum[:16])
}

// EnsureJob creates (or finds) the export job for a completed run.
// Returns created=false when an earlier run already produced it; the
// existing job's artifact is left untouched.
func (s *Service) EnsureJob(ctx context.Context, inputsHash, exportType string, payload map[string]any) (string, bool, error) {
	exportID := ExportID(inputsHash, exportType)

	job, created, err := s.jobs.EnsureExportJob(ctx, store.ExportJob{
		ExportID:   exportID,
		InputsHash: inputsHash,
		ExportType: exportType,
		Status:     pipeline.StatusQueued,
	})
	if err != nil {
		return "", false, fmt.Errorf("ensure export job: %w", err)
	}
	if !created {
		s.log.Debug().Str("export_id", exportID).Msg("export job already exists")
		return job.ExportID, false, nil
	}

	if err := s.jobs.UpdateExportJobStatus(ctx, exportID, pipeline.StatusRunning, nil); err != nil {
		return exportID, true, err
	}

	artifacts, err := s.uploadArtifact(ctx, exportID, inputsHash, exportType, payload)
	if err != nil {
		if failErr := s.jobs.UpdateExportJobStatus(ctx, exportID, pipeline.StatusFailed, map[string]any{
			"error": err.Error(),
		}); failErr != nil {
			s.log.Error().Err(failErr).Str("export_id", exportID).Msg("mark export failed")
		}
		return exportID, true, fmt.Errorf("upload export artifact: %w", err)
	}

	if err := s.jobs.UpdateExportJobStatus(ctx, exportID, pipeline.StatusDone, artifacts); err != nil {
		return exportID, true, err
	}
	s.log.Info().Str("export_id", exportID).Str("export_type", exportType).Msg("export job done")
	return exportID, true, nil
}

func (s *Service) uploadArtifact(ctx context.Context, exportID, inputsHash, exportType string, payload map[string]any) (map[string]any, error) {
	if s.object == nil {
		// Object storage is optional; the job row alone is the export.
		return map[string]any{"payload": payload}, nil
	}

	body, err := json.Marshal(map[string]any{
		"export_id":   exportID,
		"export_type": exportType,
		"inputs_hash": inputsHash,
		"payload":     payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal artifact: %w", err)
	}
	sum := sha256.Sum256(body)
	key := fmt.Sprintf("exports/%s/%s.json", exportType, exportID)

	putCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err = s.object.PutObject(putCtx, s.bucket, key,
		bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"object_key":    key,
		"object_sha256": hex.EncodeToString(sum[:]),
		"size_bytes":    len(body),
	}, nil
}
