package exports_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"MetalFlow/internal/exports"
	"MetalFlow/internal/pipeline"
	"MetalFlow/internal/store"
)

type fakeJobStore struct {
	jobs     map[string]store.ExportJob
	statuses []pipeline.Status
	lastArt  map[string]any
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[string]store.ExportJob{}}
}

func (f *fakeJobStore) EnsureExportJob(_ context.Context, job store.ExportJob) (store.ExportJob, bool, error) {
	if existing, ok := f.jobs[job.ExportID]; ok {
		return existing, false, nil
	}
	f.jobs[job.ExportID] = job
	return job, true, nil
}

func (f *fakeJobStore) UpdateExportJobStatus(_ context.Context, exportID string, status pipeline.Status, artifacts map[string]any) error {
	job := f.jobs[exportID]
	job.Status = status
	f.jobs[exportID] = job
	f.statuses = append(f.statuses, status)
	f.lastArt = artifacts
	return nil
}

func TestExportIDIsDeterministic(t *testing.T) {
	a := exports.ExportID("abc123", "daily_finance_summary")
	b := exports.ExportID("abc123", "daily_finance_summary")
	if a != b {
		t.Errorf("same inputs produced %s and %s", a, b)
	}
	if len(a) != 32 {
		t.Errorf("export id length = %d, want 32 hex chars", len(a))
	}
	if exports.ExportID("abc124", "daily_finance_summary") == a {
		t.Error("hash change did not change the export id")
	}
	if exports.ExportID("abc123", "other_type") == a {
		t.Error("type change did not change the export id")
	}
}

func TestEnsureJobCreatesAndCompletesWithoutObjectStore(t *testing.T) {
	jobs := newFakeJobStore()
	svc := exports.NewService(jobs, nil, "", zerolog.Nop())

	payload := map[string]any{"snapshots": 3}
	id, created, err := svc.EnsureJob(context.Background(), "abc123", "daily_finance_summary", payload)
	if err != nil {
		t.Fatalf("ensure job: %v", err)
	}
	if !created {
		t.Error("created = false for a fresh job")
	}
	if id != exports.ExportID("abc123", "daily_finance_summary") {
		t.Errorf("id = %s", id)
	}

	want := []pipeline.Status{pipeline.StatusRunning, pipeline.StatusDone}
	if len(jobs.statuses) != len(want) {
		t.Fatalf("status updates = %v", jobs.statuses)
	}
	for i, status := range want {
		if jobs.statuses[i] != status {
			t.Errorf("status[%d] = %s, want %s", i, jobs.statuses[i], status)
		}
	}
	// Without object storage the payload itself is the artifact.
	inner, ok := jobs.lastArt["payload"].(map[string]any)
	if !ok || inner["snapshots"] != 3 {
		t.Errorf("artifact = %v", jobs.lastArt)
	}
}

func TestEnsureJobIsIdempotent(t *testing.T) {
	jobs := newFakeJobStore()
	svc := exports.NewService(jobs, nil, "", zerolog.Nop())

	first, _, err := svc.EnsureJob(context.Background(), "abc123", "daily_finance_summary", nil)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	updates := len(jobs.statuses)

	second, created, err := svc.EnsureJob(context.Background(), "abc123", "daily_finance_summary", nil)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if created {
		t.Error("replay reported created = true")
	}
	if second != first {
		t.Errorf("replay id = %s, want %s", second, first)
	}
	if len(jobs.statuses) != updates {
		t.Error("replay touched the existing job's status")
	}
}
