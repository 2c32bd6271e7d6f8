package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"MetalFlow/internal/cashflow"
	"MetalFlow/internal/domain"
	"MetalFlow/internal/marketdata"
	"MetalFlow/internal/observability"
	"MetalFlow/internal/pnl"
	"MetalFlow/internal/riskflags"
	"MetalFlow/internal/timeline"
	"MetalFlow/internal/valuation"
)

// Error codes persisted on failed runs/steps.
const (
	ErrCodeValidation       = "validation_error"
	ErrCodeCanonicalization = "canonicalization_error"
	ErrCodeStepExecution    = "step_execution_error"
	ErrCodeOperatorAbort    = "operator_abort"
)

// MtmSnapshot is one materialized valuation row. MtmValueUSD stays nil
// with flags when the value could not be computed: null, never zero.
type MtmSnapshot struct {
	ContractID string
	DealID     int64
	AsOf       domain.Date
	Currency   string

	MtmValueUSD *float64
	Methodology string
	References  cashflow.References
	Flags       []string
	InputsHash  string
}

// RunStore persists Run and Step rows. EnsureRun must resolve inputs
// hash collisions by returning the existing row (unique constraint +
// retry-on-conflict-then-read): concurrent callers with the same hash
// serialize on creation, the loser becomes a reader.
type RunStore interface {
	EnsureRun(ctx context.Context, run Run) (Run, bool, error)
	UpdateRunStatus(ctx context.Context, runID string, status Status, errCode, errMsg string, at time.Time) error
	ResetRunForRetry(ctx context.Context, runID string, at time.Time) error
	SaveStep(ctx context.Context, step Step) error
	RunByID(ctx context.Context, id string) (*Run, error)
	RunByInputsHash(ctx context.Context, hash string) (*Run, error)
	StepsByRun(ctx context.Context, runID string) ([]Step, error)
}

// ContractReader reads the contracts a run operates on. The pipeline
// never mutates contracts.
type ContractReader interface {
	ContractsInScope(ctx context.Context, f domain.ScopeFilters) ([]domain.Contract, error)
}

// ResultSink persists engine outputs. Every write is an idempotent
// upsert keyed by the row's natural unique constraint; LockRealizedPnl
// must leave already-locked rows untouched and report only new locks.
type ResultSink interface {
	UpsertMtmSnapshots(ctx context.Context, rows []MtmSnapshot) error
	UpsertPnlSnapshots(ctx context.Context, inputsHash string, rows []pnl.UnrealizedResult) error
	LockRealizedPnl(ctx context.Context, inputsHash string, rows []pnl.RealizedResult) (locked int, err error)
	UpsertBaselineItems(ctx context.Context, inputsHash string, items []cashflow.BaselineItem) error
	ReplaceRiskFlags(ctx context.Context, runID string, flags []riskflags.Flag) error
}

// EventEmitter publishes timeline events. Emission failures are
// non-fatal: the run's own rows are the source of truth.
type EventEmitter interface {
	Emit(ctx context.Context, ev timeline.Event) error
}

// ExportCreator ensures an export job keyed by the run's inputs hash.
type ExportCreator interface {
	EnsureJob(ctx context.Context, inputsHash, exportType string, payload map[string]any) (jobID string, created bool, err error)
}

// Config carries run-level policy and the baseline assumptions the
// materialized cashflow stage uses.
type Config struct {
	// ResumeFromFailed permits retrying a failed run by resetting its
	// row. When false, a failed run's stored failure is surfaced.
	ResumeFromFailed bool

	BaselineMethod      valuation.BaselineMethod
	BaselineAssumptions cashflow.Assumptions
	ExportType          string
}

// Orchestrator sequences the engines into the fixed step order and
// owns all Run/Step rows.
type Orchestrator struct {
	store     RunStore
	sink      ResultSink
	contracts ContractReader
	md        *marketdata.Accessor
	valuer    *valuation.Engine
	pnl       *pnl.Engine
	cashflow  *cashflow.Builder
	emitter   EventEmitter
	exports   ExportCreator
	cfg       Config

	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

func NewOrchestrator(
	store RunStore,
	sink ResultSink,
	contracts ContractReader,
	md *marketdata.Accessor,
	valuer *valuation.Engine,
	pnlEngine *pnl.Engine,
	cf *cashflow.Builder,
	emitter EventEmitter,
	exports ExportCreator,
	cfg Config,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Orchestrator {
	if cfg.ExportType == "" {
		cfg.ExportType = "finance_daily"
	}
	return &Orchestrator{
		store:     store,
		sink:      sink,
		contracts: contracts,
		md:        md,
		valuer:    valuer,
		pnl:       pnlEngine,
		cashflow:  cf,
		emitter:   emitter,
		exports:   exports,
		cfg:       cfg,
		log:       log.With().Str("component", "pipeline").Logger(),
		metrics:   metrics,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// WithClock overrides the time source. Test hook.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// WithIDGenerator overrides run ID generation. Test hook.
func (o *Orchestrator) WithIDGenerator(gen func() string) *Orchestrator {
	o.newID = gen
	return o
}

// RunResult is what a trigger call returns: the Run row (nil for dry
// runs) plus the plan.
type RunResult struct {
	Run   *Run
	Plan  Plan
	Steps []Step
}

// Execute handles one run request end to end. Identical requests
// resolve to the same Run row; a done run returns without recomputing.
func (o *Orchestrator) Execute(ctx context.Context, req RunRequest) (*RunResult, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	hash, err := req.InputsHash()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ErrCodeCanonicalization, err)
	}

	plan := Plan{InputsHash: hash, Mode: req.Mode, OrderedSteps: OrderedSteps()}

	if req.Mode == ModeDryRun {
		steps, err := o.executeSteps(ctx, req, hash, "", true)
		if err != nil {
			return nil, err
		}
		return &RunResult{Plan: plan, Steps: steps}, nil
	}

	now := o.now()
	run := Run{
		ID:              o.newID(),
		PipelineVersion: req.PipelineVersion,
		AsOf:            req.AsOf,
		ScopeFilters:    req.ScopeFilters,
		Mode:            req.Mode,
		EmitExports:     req.EmitExports,
		InputsHash:      hash,
		Status:          StatusQueued,
		RequestedBy:     req.RequestedBy,
		CreatedAt:       now,
	}

	run, created, err := o.store.EnsureRun(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("ensure run: %w", err)
	}
	if !created {
		if o.metrics != nil {
			o.metrics.RunsDeduped.Inc()
		}
		switch run.Status {
		case StatusDone, StatusRunning:
			// Done: idempotent no-op returning the stored result.
			// Running: an in-flight (or crashed) attempt owns the row;
			// observing it is the contract, never a duplicate execution.
			return o.resultFor(ctx, run, plan)
		case StatusFailed:
			if !o.cfg.ResumeFromFailed {
				return o.resultFor(ctx, run, plan)
			}
			if err := o.store.ResetRunForRetry(ctx, run.ID, o.now()); err != nil {
				return nil, fmt.Errorf("reset run: %w", err)
			}
			run.Status = StatusQueued
			run.ErrorCode, run.ErrorMessage = "", ""
		}
		// Queued: a prior attempt died before starting; executing it
		// here is the reconciliation path.
	}

	o.emit(ctx, timeline.RunEvent(timeline.EventRunRequested, run.ID, hash, o.now(), map[string]any{
		"as_of_date": req.AsOf.String(),
		"mode":       string(req.Mode),
	}))

	return o.materialize(ctx, run, plan)
}

func (o *Orchestrator) materialize(ctx context.Context, run Run, plan Plan) (*RunResult, error) {
	started := o.now()
	if err := o.store.UpdateRunStatus(ctx, run.ID, StatusRunning, "", "", started); err != nil {
		var backward *ErrBackwardTransition
		if errors.As(err, &backward) {
			// Lost the queued->running race: a concurrent caller with the
			// same inputs hash claimed the row between our conflict read
			// and this update. The loser observes the winner's row.
			current, readErr := o.store.RunByID(ctx, run.ID)
			if readErr != nil {
				return nil, fmt.Errorf("reread contested run: %w", readErr)
			}
			if current != nil {
				if o.metrics != nil {
					o.metrics.RunsDeduped.Inc()
				}
				return o.resultFor(ctx, *current, plan)
			}
		}
		return nil, fmt.Errorf("mark run running: %w", err)
	}
	run.Status = StatusRunning
	run.StartedAt = &started

	if o.metrics != nil {
		o.metrics.RunsStarted.WithLabelValues(string(run.Mode)).Inc()
		o.metrics.RunsInFlight.Inc()
		defer o.metrics.RunsInFlight.Dec()
	}
	o.log.Info().Str("run_id", run.ID).Str("inputs_hash", run.InputsHash).
		Str("as_of", run.AsOf.String()).Msg("run started")
	o.emit(ctx, timeline.RunEvent(timeline.EventRunStarted, run.ID, run.InputsHash, started, nil))

	req := RunRequest{
		PipelineVersion: run.PipelineVersion,
		AsOf:            run.AsOf,
		ScopeFilters:    run.ScopeFilters,
		Mode:            run.Mode,
		EmitExports:     run.EmitExports,
	}

	steps, stepErr := o.executeSteps(ctx, req, run.InputsHash, run.ID, false)
	finished := o.now()

	if stepErr != nil {
		var fe *stepError
		code, msg := ErrCodeStepExecution, stepErr.Error()
		if errors.As(stepErr, &fe) {
			code, msg = fe.code, fe.message
		}
		if err := o.store.UpdateRunStatus(ctx, run.ID, StatusFailed, code, msg, finished); err != nil {
			return nil, fmt.Errorf("mark run failed: %w", err)
		}
		run.Status = StatusFailed
		run.CompletedAt = &finished
		run.ErrorCode, run.ErrorMessage = code, msg

		o.log.Error().Str("run_id", run.ID).Str("error_code", code).Str("error", msg).Msg("run failed")
		o.observeFinish(run, started, finished)
		o.emit(ctx, timeline.RunEvent(timeline.EventRunFailed, run.ID, run.InputsHash, finished, map[string]any{
			"error_code": code, "error_message": msg,
		}))
		return &RunResult{Run: &run, Plan: plan, Steps: steps}, nil
	}

	if err := o.store.UpdateRunStatus(ctx, run.ID, StatusDone, "", "", finished); err != nil {
		return nil, fmt.Errorf("mark run done: %w", err)
	}
	run.Status = StatusDone
	run.CompletedAt = &finished

	o.log.Info().Str("run_id", run.ID).Dur("took", finished.Sub(started)).Msg("run done")
	o.observeFinish(run, started, finished)
	o.emit(ctx, timeline.RunEvent(timeline.EventRunCompleted, run.ID, run.InputsHash, finished, nil))

	return &RunResult{Run: &run, Plan: plan, Steps: steps}, nil
}

func (o *Orchestrator) observeFinish(run Run, started, finished time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.RunsFinished.WithLabelValues(string(run.Mode), string(run.Status)).Inc()
	o.metrics.RunDuration.WithLabelValues(string(run.Mode)).Observe(finished.Sub(started).Seconds())
}

// stepError carries the failing step's identity into the run row.
type stepError struct {
	step    string
	code    string
	message string
	cause   error
}

func (e *stepError) Error() string {
	return fmt.Sprintf("step %s: %s", e.step, e.message)
}

func (e *stepError) Unwrap() error { return e.cause }

// runState is the intermediate output handed from step to step.
type runState struct {
	contracts  []domain.Contract
	active     []domain.Contract
	mtm        []MtmSnapshot
	unrealized []pnl.UnrealizedResult
	realized   []pnl.RealizedResult
	baseline   []cashflow.BaselineItem
	flags      []riskflags.Flag
}

// executeSteps runs the fixed step sequence. In dry-run mode the full
// computation executes against the live reads but no Step rows, sink
// writes, or events are produced.
func (o *Orchestrator) executeSteps(ctx context.Context, req RunRequest, inputsHash, runID string, dry bool) ([]Step, error) {
	state := &runState{}
	type stepFunc func(ctx context.Context, req RunRequest, inputsHash, runID string, state *runState, dry bool) (Artifacts, error)

	stepFuncs := map[string]stepFunc{
		StepMarketSnapshotResolve: o.stepMarketSnapshotResolve,
		StepMtmSnapshot:           o.stepMtmSnapshot,
		StepPnlSnapshot:           o.stepPnlSnapshot,
		StepCashflowBaseline:      o.stepCashflowBaseline,
		StepRiskFlags:             o.stepRiskFlags,
		StepExports:               o.stepExports,
	}

	var steps []Step
	for _, name := range OrderedSteps() {
		if name == StepExports && !req.EmitExports {
			skipped := Step{RunID: runID, Name: name, Status: StatusSkipped}
			if !dry {
				if err := o.store.SaveStep(ctx, skipped); err != nil {
					return steps, fmt.Errorf("save step %s: %w", name, err)
				}
			}
			o.observeStep(name, StatusSkipped, 0)
			steps = append(steps, skipped)
			continue
		}

		startedAt := o.now()
		step := Step{RunID: runID, Name: name, Status: StatusRunning, StartedAt: &startedAt}
		if !dry {
			if err := o.store.SaveStep(ctx, step); err != nil {
				return steps, fmt.Errorf("save step %s: %w", name, err)
			}
		}

		artifacts, err := stepFuncs[name](ctx, req, inputsHash, runID, state, dry)
		completedAt := o.now()
		step.CompletedAt = &completedAt

		if err != nil {
			step.Status = StatusFailed
			step.ErrorCode = ErrCodeStepExecution
			step.ErrorMessage = err.Error()
			if !dry {
				if saveErr := o.store.SaveStep(ctx, step); saveErr != nil {
					return steps, fmt.Errorf("save failed step %s: %w", name, saveErr)
				}
			}
			o.observeStep(name, StatusFailed, completedAt.Sub(startedAt))
			steps = append(steps, step)
			return steps, &stepError{step: name, code: ErrCodeStepExecution, message: err.Error(), cause: err}
		}

		step.Status = StatusDone
		step.Artifacts = artifacts
		if !dry {
			if err := o.store.SaveStep(ctx, step); err != nil {
				return steps, fmt.Errorf("save step %s: %w", name, err)
			}
		}
		o.observeStep(name, StatusDone, completedAt.Sub(startedAt))
		steps = append(steps, step)
	}
	return steps, nil
}

func (o *Orchestrator) observeStep(name string, status Status, dur time.Duration) {
	if o.metrics == nil {
		return
	}
	o.metrics.StepsFinished.WithLabelValues(name, string(status)).Inc()
	if status == StatusDone || status == StatusFailed {
		o.metrics.StepDuration.WithLabelValues(name).Observe(dur.Seconds())
	}
}

// stepMarketSnapshotResolve loads the contract scope and resolves the
// market data reference dates the downstream engines will read.
func (o *Orchestrator) stepMarketSnapshotResolve(ctx context.Context, req RunRequest, _, _ string, state *runState, _ bool) (Artifacts, error) {
	contracts, err := o.contracts.ContractsInScope(ctx, req.ScopeFilters)
	if err != nil {
		return nil, fmt.Errorf("load contracts: %w", err)
	}
	state.contracts = contracts
	for _, c := range contracts {
		if c.Status == domain.ContractActive {
			state.active = append(state.active, c)
		}
	}

	artifacts := Artifacts{
		"contracts_in_scope": len(contracts),
		"contracts_active":   len(state.active),
	}
	if last, err := o.md.LatestCashPublishDate(ctx); err != nil {
		return nil, fmt.Errorf("resolve cash publish date: %w", err)
	} else if last != nil {
		artifacts["cash_last_published_date"] = last.String()
	}
	return artifacts, nil
}

// stepMtmSnapshot values every active contract as of the run date.
// Contracts whose value cannot be computed still get a row: null value
// plus flags, so the gap is visible rather than silently absent.
func (o *Orchestrator) stepMtmSnapshot(ctx context.Context, req RunRequest, inputsHash, _ string, state *runState, dry bool) (Artifacts, error) {
	rows := make([]MtmSnapshot, 0, len(state.active))
	computed := 0
	for _, c := range state.active {
		row := MtmSnapshot{
			ContractID:  c.ContractID,
			DealID:      c.DealID,
			AsOf:        req.AsOf,
			Currency:    "USD",
			Methodology: "not_available",
			InputsHash:  inputsHash,
		}
		res, err := o.valuer.MarkToMarket(ctx, c, req.AsOf)
		if err != nil {
			return nil, fmt.Errorf("mtm %s: %w", c.ContractID, err)
		}
		if res != nil {
			v := res.ValueUSD
			row.MtmValueUSD = &v
			row.Methodology = res.Methodology
			row.References.CashLastPublishedDate = res.LastPublishedCashDate
			computed++
		} else {
			row.Flags = []string{domain.FlagMtmNotAvailable}
		}
		rows = append(rows, row)
	}
	state.mtm = rows

	if !dry {
		if err := o.sink.UpsertMtmSnapshots(ctx, rows); err != nil {
			return nil, fmt.Errorf("persist mtm snapshots: %w", err)
		}
		if o.metrics != nil {
			o.metrics.SnapshotsWritten.WithLabelValues("mtm").Add(float64(len(rows)))
		}
		at := o.now()
		for _, row := range rows {
			o.emit(ctx, timeline.SnapshotEvent(timeline.EventMtmSnapshotCreated, row.ContractID, row.AsOf, inputsHash, at))
		}
	}
	return Artifacts{"snapshots": len(rows), "computed": computed}, nil
}

// stepPnlSnapshot derives unrealized P&L for active contracts and
// realized P&L for settled ones with a fully closed window. Already
// locked realized rows are never overwritten.
func (o *Orchestrator) stepPnlSnapshot(ctx context.Context, req RunRequest, inputsHash, _ string, state *runState, dry bool) (Artifacts, error) {
	for _, c := range state.active {
		res, err := o.pnl.Unrealized(ctx, c, req.AsOf)
		if err != nil {
			return nil, fmt.Errorf("unrealized pnl %s: %w", c.ContractID, err)
		}
		if res != nil {
			state.unrealized = append(state.unrealized, *res)
		}
	}
	for _, c := range state.contracts {
		if c.Status != domain.ContractSettled {
			continue
		}
		res, err := o.pnl.Realized(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("realized pnl %s: %w", c.ContractID, err)
		}
		if res != nil {
			state.realized = append(state.realized, *res)
		}
	}

	locked := 0
	if !dry {
		if err := o.sink.UpsertPnlSnapshots(ctx, inputsHash, state.unrealized); err != nil {
			return nil, fmt.Errorf("persist pnl snapshots: %w", err)
		}
		var err error
		locked, err = o.sink.LockRealizedPnl(ctx, inputsHash, state.realized)
		if err != nil {
			return nil, fmt.Errorf("persist realized pnl: %w", err)
		}
		if o.metrics != nil {
			o.metrics.SnapshotsWritten.WithLabelValues("pnl").Add(float64(len(state.unrealized)))
			o.metrics.RealizedLocked.Add(float64(locked))
		}
		at := o.now()
		for _, row := range state.unrealized {
			o.emit(ctx, timeline.SnapshotEvent(timeline.EventPnlSnapshotCreated, row.ContractID, row.AsOf, inputsHash, at))
		}
	}
	return Artifacts{
		"unrealized":   len(state.unrealized),
		"realized":     len(state.realized),
		"newly_locked": locked,
	}, nil
}

// stepCashflowBaseline materializes one baseline item per contract via
// the same calculation path the preview endpoint uses.
func (o *Orchestrator) stepCashflowBaseline(ctx context.Context, req RunRequest, inputsHash, _ string, state *runState, dry bool) (Artifacts, error) {
	items, err := o.cashflow.Baseline(ctx, cashflow.BaselineRequest{
		AsOf:           req.AsOf,
		BaselineMethod: o.cfg.BaselineMethod,
		Assumptions:    o.cfg.BaselineAssumptions,
	}, state.contracts)
	if err != nil {
		return nil, fmt.Errorf("cashflow baseline: %w", err)
	}
	state.baseline = items

	if !dry {
		if err := o.sink.UpsertBaselineItems(ctx, inputsHash, items); err != nil {
			return nil, fmt.Errorf("persist baseline items: %w", err)
		}
		if o.metrics != nil {
			o.metrics.SnapshotsWritten.WithLabelValues("cashflow_baseline").Add(float64(len(items)))
		}
	}
	return Artifacts{"items": len(items)}, nil
}

// stepRiskFlags derives flags from the upstream outputs only; nothing
// new is fetched.
func (o *Orchestrator) stepRiskFlags(ctx context.Context, _ RunRequest, _ string, runID string, state *runState, dry bool) (Artifacts, error) {
	flags := riskflags.Evaluate(runID, riskflags.Inputs{
		Unrealized: state.unrealized,
		Baseline:   state.baseline,
	})
	state.flags = flags

	if !dry {
		if err := o.sink.ReplaceRiskFlags(ctx, runID, flags); err != nil {
			return nil, fmt.Errorf("persist risk flags: %w", err)
		}
		if o.metrics != nil {
			for _, f := range flags {
				o.metrics.FlagsRaised.WithLabelValues(f.Code, string(f.Severity)).Inc()
			}
		}
	}
	return Artifacts{"flags": len(flags)}, nil
}

// stepExports ensures an export job keyed by the run's inputs hash.
func (o *Orchestrator) stepExports(ctx context.Context, req RunRequest, inputsHash, _ string, state *runState, dry bool) (Artifacts, error) {
	if dry || o.exports == nil {
		return Artifacts{"export_requested": !dry}, nil
	}
	jobID, created, err := o.exports.EnsureJob(ctx, inputsHash, o.cfg.ExportType, map[string]any{
		"as_of_date":     req.AsOf.String(),
		"contracts":      len(state.contracts),
		"baseline_items": len(state.baseline),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure export job: %w", err)
	}
	return Artifacts{"export_id": jobID, "created": created}, nil
}

func (o *Orchestrator) emit(ctx context.Context, ev timeline.Event) {
	if o.emitter == nil {
		return
	}
	if err := o.emitter.Emit(ctx, ev); err != nil {
		if o.metrics != nil {
			o.metrics.TimelineFailures.Inc()
		}
		o.log.Warn().Err(err).Str("event_type", ev.Type).Msg("timeline emit failed")
		return
	}
	if o.metrics != nil {
		o.metrics.TimelineEmitted.WithLabelValues(ev.Type).Inc()
	}
}

// resultFor returns an existing run with its steps, without executing.
func (o *Orchestrator) resultFor(ctx context.Context, run Run, plan Plan) (*RunResult, error) {
	steps, err := o.store.StepsByRun(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	return &RunResult{Run: &run, Plan: plan, Steps: steps}, nil
}

// MarkRunFailed force-fails a run left in queued or running, typically
// after a crash orphaned it mid-step. Forward-only still holds: a
// terminal run is rejected with ErrBackwardTransition. Returns nil when
// no run exists for the id.
func (o *Orchestrator) MarkRunFailed(ctx context.Context, runID, code, message string) (*Run, []Step, error) {
	if runID == "" {
		return nil, nil, fmt.Errorf("%w: run_id required", ErrValidation)
	}
	if code == "" {
		code = ErrCodeOperatorAbort
	}
	run, err := o.store.RunByID(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run == nil {
		return nil, nil, nil
	}

	finished := o.now()
	if err := o.store.UpdateRunStatus(ctx, runID, StatusFailed, code, message, finished); err != nil {
		return nil, nil, err
	}
	run.Status = StatusFailed
	run.CompletedAt = &finished
	run.ErrorCode, run.ErrorMessage = code, message

	o.log.Warn().Str("run_id", runID).Str("error_code", code).Msg("run force-failed")
	o.emit(ctx, timeline.RunEvent(timeline.EventRunFailed, runID, run.InputsHash, finished, map[string]any{
		"error_code": code, "error_message": message,
	}))

	steps, err := o.store.StepsByRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, steps, nil
}

// Status answers a run status query by id or inputs hash.
func (o *Orchestrator) Status(ctx context.Context, runID, inputsHash string) (*Run, []Step, error) {
	var (
		run *Run
		err error
	)
	switch {
	case runID != "":
		run, err = o.store.RunByID(ctx, runID)
	case inputsHash != "":
		run, err = o.store.RunByInputsHash(ctx, inputsHash)
	default:
		return nil, nil, fmt.Errorf("%w: run_id or inputs_hash required", ErrValidation)
	}
	if err != nil {
		return nil, nil, err
	}
	if run == nil {
		return nil, nil, nil
	}
	steps, err := o.store.StepsByRun(ctx, run.ID)
	if err != nil {
		return nil, nil, err
	}
	return run, steps, nil
}
