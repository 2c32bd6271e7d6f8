package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"MetalFlow/internal/cashflow"
	"MetalFlow/internal/domain"
	"MetalFlow/internal/marketdata"
	"MetalFlow/internal/pipeline"
	"MetalFlow/internal/pnl"
	"MetalFlow/internal/testutil"
	"MetalFlow/internal/timeline"
	"MetalFlow/internal/valuation"
)

type testEnv struct {
	store     *testutil.FakeRunStore
	sink      *testutil.FakeSink
	contracts *testutil.FakeContracts
	obs       *testutil.FakeObservationStore
	emitter   *testutil.FakeEmitter
	exporter  *testutil.FakeExporter
	orch      *pipeline.Orchestrator
}

func newTestEnv(cfg pipeline.Config) *testEnv {
	e := &testEnv{
		store:     testutil.NewFakeRunStore(),
		sink:      testutil.NewFakeSink(),
		contracts: &testutil.FakeContracts{},
		obs:       &testutil.FakeObservationStore{},
		emitter:   testutil.NewFakeEmitter(),
		exporter:  testutil.NewFakeExporter(),
	}
	md := marketdata.NewAccessor(e.obs, marketdata.Config{
		CashSettlementSymbol: "AL_CASH",
		Proxy3MSymbol:        "AL_3M",
		Proxy3MSource:        "LME",
	})
	valuer := valuation.NewEngine(md)
	pnlEngine := pnl.NewEngine(valuer)
	builder := cashflow.NewBuilder(md, valuer, e.contracts, e.sinkPnlReader(), nil)

	seq := 0
	e.orch = pipeline.NewOrchestrator(
		e.store, e.sink, e.contracts, md, valuer, pnlEngine, builder,
		e.emitter, e.exporter, cfg, zerolog.Nop(), nil,
	).WithClock(func() time.Time {
		return time.Date(2025, 3, 6, 12, 0, 0, 0, time.UTC)
	}).WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("run-%d", seq)
	})
	return e
}

// sinkPnlReader adapts the recorded unrealized rows into the preview's
// read interface. The orchestrator itself never uses it.
func (e *testEnv) sinkPnlReader() cashflow.UnrealizedSource {
	return &testutil.FakeUnrealized{Values: map[string]*float64{}}
}

func (e *testEnv) seedMarket() {
	for day := 1; day <= 10; day++ {
		d := domain.DateOf(2025, time.March, day)
		e.obs.Add(marketdata.Observation{
			Symbol:    "AL_CASH",
			Price:     2400,
			AsOf:      d.Time().Add(17 * time.Hour),
			Source:    "LME",
			PriceType: "official",
		})
	}
}

func (e *testEnv) seedContracts() {
	fixed, qty := 2450.0, 10.0
	activeSettle := domain.MustDate("2025-04-02")
	settledSettle := domain.MustDate("2025-03-12")
	snapshot := func(start, end string) domain.TradeSnapshot {
		return domain.TradeSnapshot{
			SchemaVersion: domain.TradeSnapshotSchemaV1,
			Legs: []domain.TradeLeg{
				{PriceType: domain.PriceFix, Side: domain.SideBuy, Price: &fixed, VolumeMT: &qty},
				{
					PriceType: domain.PriceAvgInter,
					StartDate: domain.MustDate(start),
					EndDate:   domain.MustDate(end),
				},
			},
		}
	}
	e.contracts.Contracts = []domain.Contract{
		{
			ContractID:     "C-ACT",
			DealID:         1,
			Status:         domain.ContractActive,
			Currency:       "USD",
			SettlementDate: &activeSettle,
			TradeSnapshot:  snapshot("2025-03-01", "2025-03-20"),
		},
		{
			ContractID:     "C-SET",
			DealID:         2,
			Status:         domain.ContractSettled,
			Currency:       "USD",
			SettlementDate: &settledSettle,
			// Window fully published: realized P&L is lockable.
			TradeSnapshot: snapshot("2025-03-01", "2025-03-10"),
		},
	}
}

func materializeRequest() pipeline.RunRequest {
	return pipeline.RunRequest{
		AsOf:        domain.MustDate("2025-03-06"),
		Mode:        pipeline.ModeMaterialize,
		EmitExports: true,
		RequestedBy: "scheduler",
	}
}

func TestExecuteMaterializesAllSteps(t *testing.T) {
	e := newTestEnv(pipeline.Config{})
	e.seedMarket()
	e.seedContracts()

	res, err := e.orch.Execute(context.Background(), materializeRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Run == nil || res.Run.Status != pipeline.StatusDone {
		t.Fatalf("run = %+v, want done", res.Run)
	}
	if len(res.Steps) != len(pipeline.OrderedSteps()) {
		t.Fatalf("steps = %d, want %d", len(res.Steps), len(pipeline.OrderedSteps()))
	}
	for i, step := range res.Steps {
		if step.Name != pipeline.OrderedSteps()[i] {
			t.Errorf("step[%d] = %s, want %s", i, step.Name, pipeline.OrderedSteps()[i])
		}
		if step.Status != pipeline.StatusDone {
			t.Errorf("step %s = %s, want done", step.Name, step.Status)
		}
	}

	// One MTM row per active contract, flagged rows included.
	if len(e.sink.Mtm) != 1 || e.sink.Mtm[0].ContractID != "C-ACT" {
		t.Errorf("mtm rows = %+v", e.sink.Mtm)
	}
	if e.sink.Mtm[0].MtmValueUSD == nil {
		t.Error("mtm value missing for a computable contract")
	}
	if len(e.sink.Unrealized) != 1 || len(e.sink.Realized) != 1 {
		t.Errorf("pnl rows = %d unrealized, %d realized", len(e.sink.Unrealized), len(e.sink.Realized))
	}
	if len(e.sink.Baseline) != 2 {
		t.Errorf("baseline items = %d, want one per contract", len(e.sink.Baseline))
	}
	if _, ok := e.sink.Flags[res.Run.ID]; !ok {
		t.Error("no risk flags recorded for the run")
	}
	if len(e.exporter.Jobs) != 1 {
		t.Errorf("export jobs = %v", e.exporter.Jobs)
	}

	types := e.emitter.Types()
	wantFirst := []string{timeline.EventRunRequested, timeline.EventRunStarted}
	for i, want := range wantFirst {
		if types[i] != want {
			t.Errorf("event[%d] = %s, want %s", i, types[i], want)
		}
	}
	if types[len(types)-1] != timeline.EventRunCompleted {
		t.Errorf("last event = %s, want completed", types[len(types)-1])
	}
}

func TestExecuteIdempotentReplay(t *testing.T) {
	e := newTestEnv(pipeline.Config{})
	e.seedMarket()
	e.seedContracts()
	ctx := context.Background()

	first, err := e.orch.Execute(ctx, materializeRequest())
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	mtmRows, events := len(e.sink.Mtm), len(e.emitter.Events)

	second, err := e.orch.Execute(ctx, materializeRequest())
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if second.Run.ID != first.Run.ID {
		t.Errorf("replay created a new run: %s vs %s", second.Run.ID, first.Run.ID)
	}
	if second.Run.Status != pipeline.StatusDone {
		t.Errorf("replayed run = %s, want done", second.Run.Status)
	}
	if len(second.Steps) != len(pipeline.OrderedSteps()) {
		t.Errorf("replay returned %d steps", len(second.Steps))
	}
	if len(e.sink.Mtm) != mtmRows {
		t.Error("replay recomputed and rewrote snapshots")
	}
	if len(e.emitter.Events) != events {
		t.Error("replay emitted new events")
	}
}

func TestExecuteHashDistinguishesRequests(t *testing.T) {
	a := materializeRequest()
	b := materializeRequest()
	b.AsOf = domain.MustDate("2025-03-07")

	ha, err := a.InputsHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	hb, _ := b.InputsHash()
	if ha == hb {
		t.Error("different as_of dates share an inputs hash")
	}

	// RequestedBy is audit metadata, not a run input.
	c := materializeRequest()
	c.RequestedBy = "someone-else"
	hc, _ := c.InputsHash()
	if ha != hc {
		t.Error("requested_by changed the inputs hash")
	}
}

func TestExecuteDryRunWritesNothing(t *testing.T) {
	e := newTestEnv(pipeline.Config{})
	e.seedMarket()
	e.seedContracts()

	req := materializeRequest()
	req.Mode = pipeline.ModeDryRun
	res, err := e.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if res.Run != nil {
		t.Errorf("dry run produced a run row: %+v", res.Run)
	}
	if len(res.Steps) != len(pipeline.OrderedSteps()) {
		t.Errorf("dry run steps = %d", len(res.Steps))
	}
	for _, step := range res.Steps {
		if step.Status != pipeline.StatusDone {
			t.Errorf("dry step %s = %s", step.Name, step.Status)
		}
	}

	if len(e.sink.Mtm)+len(e.sink.Unrealized)+len(e.sink.Realized)+len(e.sink.Baseline) != 0 {
		t.Error("dry run persisted engine outputs")
	}
	if len(e.emitter.Events) != 0 {
		t.Errorf("dry run emitted events: %v", e.emitter.Types())
	}
	if len(e.exporter.Jobs) != 0 {
		t.Error("dry run created export jobs")
	}
	if run, _ := e.store.RunByInputsHash(context.Background(), res.Plan.InputsHash); run != nil {
		t.Error("dry run created a run row in the store")
	}
}

func TestExecuteSkipsExportsWhenDisabled(t *testing.T) {
	e := newTestEnv(pipeline.Config{})
	e.seedMarket()
	e.seedContracts()

	req := materializeRequest()
	req.EmitExports = false
	res, err := e.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	last := res.Steps[len(res.Steps)-1]
	if last.Name != pipeline.StepExports || last.Status != pipeline.StatusSkipped {
		t.Errorf("exports step = %s/%s, want skipped", last.Name, last.Status)
	}
	if len(e.exporter.Jobs) != 0 {
		t.Error("export job created despite emit_exports=false")
	}
	if res.Run.Status != pipeline.StatusDone {
		t.Errorf("run = %s, want done", res.Run.Status)
	}
}

func TestExecuteStepFailureFailsRun(t *testing.T) {
	e := newTestEnv(pipeline.Config{})
	e.seedMarket()
	e.seedContracts()
	e.sink.FailOn = "pnl"

	res, err := e.orch.Execute(context.Background(), materializeRequest())
	if err != nil {
		t.Fatalf("execute returned error instead of failed run: %v", err)
	}
	if res.Run.Status != pipeline.StatusFailed {
		t.Fatalf("run = %s, want failed", res.Run.Status)
	}
	if res.Run.ErrorCode != pipeline.ErrCodeStepExecution {
		t.Errorf("error code = %s", res.Run.ErrorCode)
	}

	byName := map[string]pipeline.Step{}
	for _, s := range res.Steps {
		byName[s.Name] = s
	}
	if byName[pipeline.StepPnlSnapshot].Status != pipeline.StatusFailed {
		t.Errorf("pnl step = %s, want failed", byName[pipeline.StepPnlSnapshot].Status)
	}
	if _, ran := byName[pipeline.StepRiskFlags]; ran {
		t.Error("downstream step executed after a failure")
	}

	types := e.emitter.Types()
	if types[len(types)-1] != timeline.EventRunFailed {
		t.Errorf("last event = %s, want failed", types[len(types)-1])
	}
}

func TestExecuteFailedRunSurfacedWithoutResume(t *testing.T) {
	e := newTestEnv(pipeline.Config{})
	e.seedMarket()
	e.seedContracts()
	e.sink.FailOn = "mtm"
	ctx := context.Background()

	first, err := e.orch.Execute(ctx, materializeRequest())
	if err != nil || first.Run.Status != pipeline.StatusFailed {
		t.Fatalf("setup failed run: %+v, %v", first.Run, err)
	}

	e.sink.FailOn = ""
	second, err := e.orch.Execute(ctx, materializeRequest())
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if second.Run.Status != pipeline.StatusFailed {
		t.Errorf("run = %s; without resume_from_failed the stored failure is the answer", second.Run.Status)
	}
	if len(e.sink.Mtm) != 0 {
		t.Error("failed run was silently re-executed")
	}
}

func TestExecuteResumeFromFailedRetries(t *testing.T) {
	e := newTestEnv(pipeline.Config{ResumeFromFailed: true})
	e.seedMarket()
	e.seedContracts()
	e.sink.FailOn = "mtm"
	ctx := context.Background()

	first, err := e.orch.Execute(ctx, materializeRequest())
	if err != nil || first.Run.Status != pipeline.StatusFailed {
		t.Fatalf("setup failed run: %+v, %v", first.Run, err)
	}

	e.sink.FailOn = ""
	second, err := e.orch.Execute(ctx, materializeRequest())
	if err != nil {
		t.Fatalf("retry execute: %v", err)
	}
	if second.Run.ID != first.Run.ID {
		t.Errorf("retry created a new run: %s vs %s", second.Run.ID, first.Run.ID)
	}
	if second.Run.Status != pipeline.StatusDone {
		t.Errorf("retried run = %s, want done", second.Run.Status)
	}
	if second.Run.ErrorCode != "" {
		t.Errorf("retried run keeps error code %s", second.Run.ErrorCode)
	}
}

func TestExecuteRealizedLockNotOverwritten(t *testing.T) {
	e := newTestEnv(pipeline.Config{})
	e.seedMarket()
	e.seedContracts()
	// The settled contract was locked by an earlier run.
	e.sink.LockedAlready["C-SET"] = true

	res, err := e.orch.Execute(context.Background(), materializeRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(e.sink.Realized) != 0 {
		t.Errorf("locked rows rewritten: %+v", e.sink.Realized)
	}
	var pnlStep pipeline.Step
	for _, s := range res.Steps {
		if s.Name == pipeline.StepPnlSnapshot {
			pnlStep = s
		}
	}
	if got := pnlStep.Artifacts["newly_locked"]; got != 0 {
		t.Errorf("newly_locked = %v, want 0", got)
	}
}

func TestExecuteValidation(t *testing.T) {
	e := newTestEnv(pipeline.Config{})
	_, err := e.orch.Execute(context.Background(), pipeline.RunRequest{})
	if !errors.Is(err, pipeline.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}

	bad := materializeRequest()
	bad.Mode = "replay"
	if _, err := e.orch.Execute(context.Background(), bad); !errors.Is(err, pipeline.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation for unknown mode", err)
	}
}

func TestExecuteEmitFailureIsNonFatal(t *testing.T) {
	e := newTestEnv(pipeline.Config{})
	e.seedMarket()
	e.seedContracts()
	e.emitter.FailAll = true

	res, err := e.orch.Execute(context.Background(), materializeRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Run.Status != pipeline.StatusDone {
		t.Errorf("run = %s; timeline failures must not fail the run", res.Run.Status)
	}
}

func TestStatusLookup(t *testing.T) {
	e := newTestEnv(pipeline.Config{})
	e.seedMarket()
	e.seedContracts()
	ctx := context.Background()

	res, err := e.orch.Execute(ctx, materializeRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	run, steps, err := e.orch.Status(ctx, res.Run.ID, "")
	if err != nil || run == nil {
		t.Fatalf("status by id: %v, %v", run, err)
	}
	if len(steps) != len(pipeline.OrderedSteps()) {
		t.Errorf("steps = %d", len(steps))
	}

	run, _, err = e.orch.Status(ctx, "", res.Run.InputsHash)
	if err != nil || run == nil || run.ID != res.Run.ID {
		t.Fatalf("status by hash: %v, %v", run, err)
	}

	run, _, err = e.orch.Status(ctx, "missing", "")
	if err != nil || run != nil {
		t.Errorf("missing run: %v, %v", run, err)
	}

	if _, _, err := e.orch.Status(ctx, "", ""); !errors.Is(err, pipeline.ErrValidation) {
		t.Errorf("empty query err = %v", err)
	}
}

func TestExecuteObservesConcurrentWinner(t *testing.T) {
	e := newTestEnv(pipeline.Config{})
	e.seedMarket()
	e.seedContracts()
	ctx := context.Background()

	req := materializeRequest()
	req.Normalize()
	hash, err := req.InputsHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	// The winner's row exists and is still queued when the loser's
	// conflict read happens; the winner claims it before the loser's
	// own queued->running update.
	winner := pipeline.Run{
		ID:              "run-winner",
		PipelineVersion: req.PipelineVersion,
		AsOf:            req.AsOf,
		Mode:            req.Mode,
		EmitExports:     req.EmitExports,
		InputsHash:      hash,
		Status:          pipeline.StatusQueued,
		CreatedAt:       time.Now(),
	}
	if _, _, err := e.store.EnsureRun(ctx, winner); err != nil {
		t.Fatalf("seed winner: %v", err)
	}
	e.store.OnConflict = func() {
		if err := e.store.UpdateRunStatus(ctx, "run-winner", pipeline.StatusRunning, "", "", time.Now()); err != nil {
			t.Fatalf("winner claims run: %v", err)
		}
	}

	res, err := e.orch.Execute(ctx, materializeRequest())
	if err != nil {
		t.Fatalf("loser of the creation race must observe, got: %v", err)
	}
	if res.Run == nil || res.Run.ID != "run-winner" {
		t.Fatalf("result run = %+v, want the winner's row", res.Run)
	}
	if res.Run.Status != pipeline.StatusRunning {
		t.Errorf("status = %s, want running", res.Run.Status)
	}
	if len(e.sink.Mtm) != 0 || len(e.sink.Baseline) != 0 {
		t.Error("loser executed steps against the winner's run")
	}
}

func TestMarkRunFailedReconcilesOrphanedRun(t *testing.T) {
	e := newTestEnv(pipeline.Config{})
	ctx := context.Background()

	// A crash left this run in running with no process owning it.
	orphan := pipeline.Run{
		ID:         "run-orphan",
		AsOf:       domain.MustDate("2025-03-06"),
		Mode:       pipeline.ModeMaterialize,
		InputsHash: "deadhash",
		Status:     pipeline.StatusQueued,
	}
	if _, _, err := e.store.EnsureRun(ctx, orphan); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}
	if err := e.store.UpdateRunStatus(ctx, "run-orphan", pipeline.StatusRunning, "", "", time.Now()); err != nil {
		t.Fatalf("orphan to running: %v", err)
	}

	run, _, err := e.orch.MarkRunFailed(ctx, "run-orphan", "", "process crashed mid-step")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if run.Status != pipeline.StatusFailed {
		t.Errorf("status = %s, want failed", run.Status)
	}
	if run.ErrorCode != pipeline.ErrCodeOperatorAbort || run.ErrorMessage != "process crashed mid-step" {
		t.Errorf("error = %s/%s", run.ErrorCode, run.ErrorMessage)
	}
	types := e.emitter.Types()
	if len(types) == 0 || types[len(types)-1] != timeline.EventRunFailed {
		t.Errorf("events = %v, want trailing run-failed", types)
	}

	// Terminal now: a second force-fail is a forward-only violation.
	var backward *pipeline.ErrBackwardTransition
	if _, _, err := e.orch.MarkRunFailed(ctx, "run-orphan", "", "again"); !errors.As(err, &backward) {
		t.Errorf("second mark err = %v, want ErrBackwardTransition", err)
	}
}

func TestMarkRunFailedEdgeCases(t *testing.T) {
	e := newTestEnv(pipeline.Config{})
	ctx := context.Background()

	run, steps, err := e.orch.MarkRunFailed(ctx, "run-missing", "", "")
	if err != nil || run != nil || steps != nil {
		t.Errorf("missing run = %v, %v, %v, want all nil", run, steps, err)
	}

	if _, _, err := e.orch.MarkRunFailed(ctx, "", "", ""); !errors.Is(err, pipeline.ErrValidation) {
		t.Errorf("empty id err = %v", err)
	}
}
