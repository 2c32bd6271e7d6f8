package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"MetalFlow/internal/cashflow"
	"MetalFlow/internal/domain"
	"MetalFlow/internal/marketdata"
	"MetalFlow/internal/pipeline"
	"MetalFlow/internal/pnl"
	"MetalFlow/internal/riskflags"
	"MetalFlow/internal/timeline"
)

// FakeObservationStore serves market observations from memory.
type FakeObservationStore struct {
	Observations []marketdata.Observation
}

func (s *FakeObservationStore) Add(obs ...marketdata.Observation) {
	s.Observations = append(s.Observations, obs...)
}

func (s *FakeObservationStore) matches(obs marketdata.Observation, f marketdata.LookupFilter) bool {
	if f.Source != "" && obs.Source != f.Source {
		return false
	}
	if f.FXOnly && !obs.FX {
		return false
	}
	if len(f.PriceTypes) > 0 {
		ok := false
		for _, pt := range f.PriceTypes {
			if obs.PriceType == pt {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (s *FakeObservationStore) LatestAtOrBefore(_ context.Context, symbol string, cutoff time.Time, f marketdata.LookupFilter) (*marketdata.Observation, error) {
	var best *marketdata.Observation
	for i := range s.Observations {
		obs := s.Observations[i]
		if obs.Symbol != symbol || obs.AsOf.After(cutoff) || !s.matches(obs, f) {
			continue
		}
		if best == nil || obs.AsOf.After(best.AsOf) {
			best = &s.Observations[i]
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *FakeObservationStore) SeriesByDay(_ context.Context, symbol string, start, end domain.Date, priceTypes []string) (map[domain.Date]marketdata.Observation, error) {
	rank := func(pt string) int {
		for i, p := range priceTypes {
			if p == pt {
				return i
			}
		}
		return len(priceTypes)
	}
	out := make(map[domain.Date]marketdata.Observation)
	for _, obs := range s.Observations {
		if obs.Symbol != symbol {
			continue
		}
		day := obs.Day()
		if day.Before(start) || day.After(end) {
			continue
		}
		if len(priceTypes) > 0 && rank(obs.PriceType) == len(priceTypes) {
			continue
		}
		cur, ok := out[day]
		if !ok || rank(obs.PriceType) < rank(cur.PriceType) ||
			(rank(obs.PriceType) == rank(cur.PriceType) && obs.AsOf.After(cur.AsOf)) {
			out[day] = obs
		}
	}
	return out, nil
}

func (s *FakeObservationStore) LatestPublishDate(_ context.Context, symbol string, priceTypes []string) (*domain.Date, error) {
	var latest *domain.Date
	for _, obs := range s.Observations {
		if obs.Symbol != symbol {
			continue
		}
		if len(priceTypes) > 0 {
			ok := false
			for _, pt := range priceTypes {
				if obs.PriceType == pt {
					ok = true
					break
				}
			}
			if !ok {
				continue
			}
		}
		day := obs.Day()
		if latest == nil || day.After(*latest) {
			d := day
			latest = &d
		}
	}
	return latest, nil
}

// FakeContracts serves contracts from memory, implementing both the
// pipeline's scope reader and the cashflow preview's contract source.
type FakeContracts struct {
	Contracts []domain.Contract
}

func (s *FakeContracts) sorted(rows []domain.Contract) []domain.Contract {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		switch {
		case a.SettlementDate == nil && b.SettlementDate != nil:
			return false
		case a.SettlementDate != nil && b.SettlementDate == nil:
			return true
		case a.SettlementDate != nil && b.SettlementDate != nil && *a.SettlementDate != *b.SettlementDate:
			return a.SettlementDate.Before(*b.SettlementDate)
		}
		if a.DealID != b.DealID {
			return a.DealID < b.DealID
		}
		return a.ContractID < b.ContractID
	})
	return rows
}

func (s *FakeContracts) ContractsInScope(_ context.Context, f domain.ScopeFilters) ([]domain.Contract, error) {
	var out []domain.Contract
	for _, c := range s.Contracts {
		if f.Matches(c) {
			out = append(out, c)
		}
	}
	return s.sorted(out), nil
}

func (s *FakeContracts) ActiveWithSettlement(_ context.Context, f domain.ScopeFilters, limit int) ([]domain.Contract, error) {
	var out []domain.Contract
	for _, c := range s.Contracts {
		if c.Status != domain.ContractActive || c.SettlementDate == nil {
			continue
		}
		if !f.Matches(c) {
			continue
		}
		out = append(out, c)
	}
	out = s.sorted(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FakeUnrealized maps contract ID to a stored unrealized P&L value.
type FakeUnrealized struct {
	Values map[string]*float64
}

func (s *FakeUnrealized) UnrealizedPnlUSD(_ context.Context, contractID string, _ domain.Date, _ string) (*float64, error) {
	v, ok := s.Values[contractID]
	if !ok {
		return nil, nil
	}
	if v == nil {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

// FakeRunStore is an in-memory pipeline.RunStore with the same
// conflict semantics as the Postgres implementation.
type FakeRunStore struct {
	mu     sync.Mutex
	byID   map[string]pipeline.Run
	byHash map[string]string
	steps  map[string]map[string]pipeline.Step

	// FailSaveStep, when set, makes SaveStep fail for the named step.
	FailSaveStep string

	// OnConflict, when set, runs after a colliding EnsureRun reads the
	// existing row and before it is returned. Lets tests interleave a
	// concurrent writer between the conflict read and the caller's next
	// status update.
	OnConflict func()
}

func NewFakeRunStore() *FakeRunStore {
	return &FakeRunStore{
		byID:   make(map[string]pipeline.Run),
		byHash: make(map[string]string),
		steps:  make(map[string]map[string]pipeline.Step),
	}
}

func (s *FakeRunStore) EnsureRun(_ context.Context, run pipeline.Run) (pipeline.Run, bool, error) {
	s.mu.Lock()
	if id, ok := s.byHash[run.InputsHash]; ok {
		existing := s.byID[id]
		s.mu.Unlock()
		if s.OnConflict != nil {
			s.OnConflict()
		}
		return existing, false, nil
	}
	s.byID[run.ID] = run
	s.byHash[run.InputsHash] = run.ID
	s.mu.Unlock()
	return run, true, nil
}

func (s *FakeRunStore) UpdateRunStatus(_ context.Context, runID string, status pipeline.Status, errCode, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.byID[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	if err := pipeline.CanTransition(run.Status, status); err != nil {
		return err
	}
	run.Status = status
	switch status {
	case pipeline.StatusRunning:
		t := at
		run.StartedAt = &t
	case pipeline.StatusDone, pipeline.StatusFailed:
		t := at
		run.CompletedAt = &t
		run.ErrorCode = errCode
		run.ErrorMessage = errMsg
	}
	s.byID[runID] = run
	return nil
}

func (s *FakeRunStore) ResetRunForRetry(_ context.Context, runID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.byID[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	if run.Status != pipeline.StatusFailed {
		return fmt.Errorf("run %s is %s, not failed", runID, run.Status)
	}
	run.Status = pipeline.StatusQueued
	run.StartedAt = nil
	run.CompletedAt = nil
	run.ErrorCode = ""
	run.ErrorMessage = ""
	run.CreatedAt = at
	s.byID[runID] = run
	delete(s.steps, runID)
	return nil
}

func (s *FakeRunStore) SaveStep(_ context.Context, step pipeline.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSaveStep == step.Name {
		return fmt.Errorf("save step %s: induced failure", step.Name)
	}
	m, ok := s.steps[step.RunID]
	if !ok {
		m = make(map[string]pipeline.Step)
		s.steps[step.RunID] = m
	}
	m[step.Name] = step
	return nil
}

func (s *FakeRunStore) RunByID(_ context.Context, id string) (*pipeline.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	cp := run
	return &cp, nil
}

func (s *FakeRunStore) RunByInputsHash(_ context.Context, hash string) (*pipeline.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byHash[hash]
	if !ok {
		return nil, nil
	}
	cp := s.byID[id]
	return &cp, nil
}

func (s *FakeRunStore) StepsByRun(_ context.Context, runID string) ([]pipeline.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []pipeline.Step
	for _, name := range pipeline.OrderedSteps() {
		if st, ok := s.steps[runID][name]; ok {
			out = append(out, st)
		}
	}
	return out, nil
}

// FakeSink records everything the pipeline writes.
type FakeSink struct {
	mu            sync.Mutex
	Mtm           []pipeline.MtmSnapshot
	Unrealized    []pnl.UnrealizedResult
	Realized      []pnl.RealizedResult
	LockedAlready map[string]bool // keyed by contract ID, simulates prior locks
	Baseline      []cashflow.BaselineItem
	Flags         map[string][]riskflags.Flag

	// FailOn, when set, fails the named write ("mtm", "pnl",
	// "realized", "baseline", "flags").
	FailOn string
}

func NewFakeSink() *FakeSink {
	return &FakeSink{
		LockedAlready: make(map[string]bool),
		Flags:         make(map[string][]riskflags.Flag),
	}
}

func (s *FakeSink) UpsertMtmSnapshots(_ context.Context, rows []pipeline.MtmSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailOn == "mtm" {
		return fmt.Errorf("upsert mtm: induced failure")
	}
	s.Mtm = append(s.Mtm, rows...)
	return nil
}

func (s *FakeSink) UpsertPnlSnapshots(_ context.Context, _ string, rows []pnl.UnrealizedResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailOn == "pnl" {
		return fmt.Errorf("upsert pnl: induced failure")
	}
	s.Unrealized = append(s.Unrealized, rows...)
	return nil
}

func (s *FakeSink) LockRealizedPnl(_ context.Context, _ string, rows []pnl.RealizedResult) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailOn == "realized" {
		return 0, fmt.Errorf("lock realized: induced failure")
	}
	locked := 0
	for _, r := range rows {
		if s.LockedAlready[r.ContractID] {
			continue
		}
		s.LockedAlready[r.ContractID] = true
		s.Realized = append(s.Realized, r)
		locked++
	}
	return locked, nil
}

func (s *FakeSink) UpsertBaselineItems(_ context.Context, _ string, items []cashflow.BaselineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailOn == "baseline" {
		return fmt.Errorf("upsert baseline: induced failure")
	}
	s.Baseline = append(s.Baseline, items...)
	return nil
}

func (s *FakeSink) ReplaceRiskFlags(_ context.Context, runID string, flags []riskflags.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailOn == "flags" {
		return fmt.Errorf("replace flags: induced failure")
	}
	s.Flags[runID] = flags
	return nil
}

// FakeEmitter records emitted timeline events and dedupes on the
// idempotency key like the JetStream duplicates window would.
type FakeEmitter struct {
	mu     sync.Mutex
	Events []timeline.Event
	seen   map[string]bool

	FailAll bool
}

func NewFakeEmitter() *FakeEmitter {
	return &FakeEmitter{seen: make(map[string]bool)}
}

func (e *FakeEmitter) Emit(_ context.Context, ev timeline.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailAll {
		return fmt.Errorf("emit %s: induced failure", ev.Type)
	}
	if e.seen[ev.IdempotencyKey] {
		return nil
	}
	e.seen[ev.IdempotencyKey] = true
	e.Events = append(e.Events, ev)
	return nil
}

// Types returns the emitted event types in order.
func (e *FakeEmitter) Types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.Events))
	for i, ev := range e.Events {
		out[i] = ev.Type
	}
	return out
}

// FakeExporter records EnsureJob calls, keyed by inputs hash.
type FakeExporter struct {
	mu   sync.Mutex
	Jobs map[string]string // inputsHash -> jobID
}

func NewFakeExporter() *FakeExporter {
	return &FakeExporter{Jobs: make(map[string]string)}
}

func (e *FakeExporter) EnsureJob(_ context.Context, inputsHash, exportType string, _ map[string]any) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.Jobs[inputsHash]; ok {
		return id, false, nil
	}
	id := fmt.Sprintf("exp-%s-%d", exportType, len(e.Jobs)+1)
	e.Jobs[inputsHash] = id
	return id, true, nil
}

// Ptr returns a pointer to v. Test literal helper.
func Ptr[T any](v T) *T { return &v }
