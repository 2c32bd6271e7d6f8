// Package server exposes the pipeline over HTTP/JSON: run triggering,
// run status queries, the side-effect-free cashflow preview, and the
// operational endpoints (health, metrics).
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"MetalFlow/internal/canonical"
	"MetalFlow/internal/cashflow"
	"MetalFlow/internal/observability"
	"MetalFlow/internal/pipeline"
)

// API wires the handlers onto a mux.
type API struct {
	orch    *pipeline.Orchestrator
	preview *cashflow.Builder
	health  *observability.HealthChecker
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewAPI(orch *pipeline.Orchestrator, preview *cashflow.Builder, health *observability.HealthChecker, log zerolog.Logger, metrics *observability.Metrics) *API {
	return &API{
		orch:    orch,
		preview: preview,
		health:  health,
		log:     log.With().Str("component", "api").Logger(),
		metrics: metrics,
	}
}

// Register attaches all routes.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/pipeline/runs", a.instrument("trigger_run", a.handleTriggerRun))
	mux.HandleFunc("GET /v1/pipeline/runs/{run_id}", a.instrument("run_status", a.handleRunStatus))
	mux.HandleFunc("POST /v1/pipeline/runs/{run_id}/fail", a.instrument("fail_run", a.handleFailRun))
	mux.HandleFunc("GET /v1/pipeline/runs", a.instrument("run_by_hash", a.handleRunByHash))
	mux.HandleFunc("POST /v1/cashflow/preview", a.instrument("cashflow_preview", a.handleCashflowPreview))

	mux.HandleFunc("GET /healthz", a.health.LivenessHandler)
	mux.HandleFunc("GET /readyz", a.health.ReadinessHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
}

func (a *API) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		if a.metrics != nil {
			class := strconv.Itoa(sw.status/100) + "xx"
			a.metrics.HTTPRequests.WithLabelValues(route, class).Inc()
			a.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type stepView struct {
	StepName     string             `json:"step_name"`
	Status       pipeline.Status    `json:"status"`
	Artifacts    pipeline.Artifacts `json:"artifacts,omitempty"`
	ErrorCode    string             `json:"error_code,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

type runView struct {
	RunID        string          `json:"run_id,omitempty"`
	InputsHash   string          `json:"inputs_hash"`
	Status       pipeline.Status `json:"status,omitempty"`
	OrderedSteps []string        `json:"ordered_steps,omitempty"`
	Steps        []stepView      `json:"steps,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func runViewOf(result *pipeline.RunResult) runView {
	view := runView{InputsHash: result.Plan.InputsHash}
	if result.Run == nil {
		// Dry run: plan only.
		view.OrderedSteps = result.Plan.OrderedSteps
		return view
	}
	view.RunID = result.Run.ID
	view.Status = result.Run.Status
	view.ErrorCode = result.Run.ErrorCode
	view.ErrorMessage = result.Run.ErrorMessage
	for _, s := range result.Steps {
		view.Steps = append(view.Steps, stepView{
			StepName:     s.Name,
			Status:       s.Status,
			Artifacts:    s.Artifacts,
			ErrorCode:    s.ErrorCode,
			ErrorMessage: s.ErrorMessage,
		})
	}
	return view
}

func (a *API) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	// emit_exports defaults to true when absent; the shadow pointer
	// distinguishes "absent" from an explicit false.
	var raw struct {
		pipeline.RunRequest
		EmitExports *bool `json:"emit_exports"`
	}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	req := raw.RunRequest
	req.EmitExports = raw.EmitExports == nil || *raw.EmitExports

	result, err := a.orch.Execute(r.Context(), req)
	if err != nil {
		a.writeExecuteError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, runViewOf(result))
}

func (a *API) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	run, steps, err := a.orch.Status(r.Context(), runID, "")
	a.writeStatus(w, run, steps, err)
}

// handleFailRun is the operator escape hatch for a run a crashed
// process left in queued or running.
func (a *API) handleFailRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	var req struct {
		ErrorCode    string `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}

	run, steps, err := a.orch.MarkRunFailed(r.Context(), runID, req.ErrorCode, req.ErrorMessage)
	if err != nil {
		var backward *pipeline.ErrBackwardTransition
		switch {
		case errors.Is(err, pipeline.ErrValidation):
			a.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		case errors.As(err, &backward):
			a.writeError(w, http.StatusConflict, "run_terminal", err.Error())
		default:
			a.log.Error().Err(err).Str("run_id", runID).Msg("force-fail run")
			a.writeError(w, http.StatusInternalServerError, "internal_error", "force-fail failed")
		}
		return
	}
	if run == nil {
		a.writeError(w, http.StatusNotFound, "not_found", "no run for that identity")
		return
	}
	a.writeJSON(w, http.StatusOK, runViewOf(&pipeline.RunResult{
		Run:   run,
		Plan:  pipeline.Plan{InputsHash: run.InputsHash},
		Steps: steps,
	}))
}

func (a *API) handleRunByHash(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("inputs_hash")
	if hash == "" {
		a.writeError(w, http.StatusBadRequest, "validation_error", "inputs_hash query parameter required")
		return
	}
	run, steps, err := a.orch.Status(r.Context(), "", hash)
	a.writeStatus(w, run, steps, err)
}

func (a *API) writeStatus(w http.ResponseWriter, run *pipeline.Run, steps []pipeline.Step, err error) {
	if err != nil {
		if errors.Is(err, pipeline.ErrValidation) {
			a.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
			return
		}
		a.log.Error().Err(err).Msg("run status query failed")
		a.writeError(w, http.StatusInternalServerError, "internal_error", "run lookup failed")
		return
	}
	if run == nil {
		a.writeError(w, http.StatusNotFound, "not_found", "no run for that identity")
		return
	}
	a.writeJSON(w, http.StatusOK, runViewOf(&pipeline.RunResult{
		Run:   run,
		Plan:  pipeline.Plan{InputsHash: run.InputsHash},
		Steps: steps,
	}))
}

func (a *API) handleCashflowPreview(w http.ResponseWriter, r *http.Request) {
	var req cashflow.PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	start := time.Now()
	resp, err := a.preview.Preview(r.Context(), req)
	if err != nil {
		a.writeExecuteError(w, err)
		return
	}
	if a.metrics != nil {
		a.metrics.PreviewBuilds.Inc()
		a.metrics.PreviewLatency.Observe(time.Since(start).Seconds())
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) writeExecuteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrValidation), errors.Is(err, cashflow.ErrValidation):
		a.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, canonical.ErrCanonicalization):
		a.writeError(w, http.StatusBadRequest, "canonicalization_error", err.Error())
	default:
		a.log.Error().Err(err).Msg("request failed")
		a.writeError(w, http.StatusInternalServerError, "internal_error", "request failed")
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error().Err(err).Msg("encode response")
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, code, message string) {
	a.writeJSON(w, status, map[string]string{"error_code": code, "error_message": message})
}
