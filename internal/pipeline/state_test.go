package pipeline_test

import (
	"errors"
	"testing"

	"MetalFlow/internal/pipeline"
)

func TestStatusTransitionsForwardOnly(t *testing.T) {
	cases := []struct {
		from, to pipeline.Status
		ok       bool
	}{
		{pipeline.StatusQueued, pipeline.StatusRunning, true},
		{pipeline.StatusQueued, pipeline.StatusFailed, true}, // validation fails a run before start
		{pipeline.StatusQueued, pipeline.StatusDone, true},
		{pipeline.StatusRunning, pipeline.StatusDone, true},
		{pipeline.StatusRunning, pipeline.StatusFailed, true},

		{pipeline.StatusRunning, pipeline.StatusQueued, false},
		{pipeline.StatusDone, pipeline.StatusRunning, false},
		{pipeline.StatusDone, pipeline.StatusQueued, false},
		{pipeline.StatusFailed, pipeline.StatusRunning, false},
		{pipeline.StatusSkipped, pipeline.StatusRunning, false},
		{pipeline.StatusQueued, pipeline.StatusQueued, false},
		{pipeline.StatusDone, pipeline.StatusDone, false},
	}
	for _, tc := range cases {
		err := pipeline.CanTransition(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("%s -> %s: expected rejection", tc.from, tc.to)
				continue
			}
			var backward *pipeline.ErrBackwardTransition
			if !errors.As(err, &backward) {
				t.Errorf("%s -> %s: error %v is not ErrBackwardTransition", tc.from, tc.to, err)
			}
		}
	}
}

func TestStatusUnknownRejected(t *testing.T) {
	if err := pipeline.CanTransition("queued", "paused"); err == nil {
		t.Error("unknown target status accepted")
	}
	if pipeline.Status("paused").Valid() {
		t.Error("paused should not be a valid status")
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := map[pipeline.Status]bool{
		pipeline.StatusQueued:  false,
		pipeline.StatusRunning: false,
		pipeline.StatusDone:    true,
		pipeline.StatusFailed:  true,
		pipeline.StatusSkipped: true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestArtifactsJSON(t *testing.T) {
	var nilArtifacts pipeline.Artifacts
	raw, err := nilArtifacts.JSON()
	if err != nil || string(raw) != "{}" {
		t.Errorf("nil artifacts = %s, %v", raw, err)
	}

	raw, err = pipeline.Artifacts{"snapshots": 3}.JSON()
	if err != nil || string(raw) != `{"snapshots":3}` {
		t.Errorf("artifacts = %s, %v", raw, err)
	}
}
