package valuation_test

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"MetalFlow/internal/domain"
	"MetalFlow/internal/marketdata"
	"MetalFlow/internal/testutil"
	"MetalFlow/internal/valuation"
)

func newEngine(store *testutil.FakeObservationStore) *valuation.Engine {
	md := marketdata.NewAccessor(store, marketdata.Config{
		CashSettlementSymbol: "AL_CASH",
		Proxy3MSymbol:        "AL_3M",
		Proxy3MSource:        "LME",
		MaxLookbackDays:      30,
	})
	return valuation.NewEngine(md)
}

func cashObs(day string, price float64) marketdata.Observation {
	d := domain.MustDate(day)
	return marketdata.Observation{
		Symbol:    "AL_CASH",
		Price:     price,
		AsOf:      d.Time().Add(17 * time.Hour),
		Source:    "LME",
		PriceType: "official",
	}
}

// buyContract fixes a buy leg over the March 2025 averaging month.
func buyContract(price, qty float64) domain.Contract {
	settle := domain.MustDate("2025-04-02")
	return domain.Contract{
		ContractID:     "C-1",
		DealID:         1,
		Status:         domain.ContractActive,
		Currency:       "USD",
		SettlementDate: &settle,
		TradeSnapshot: domain.TradeSnapshot{
			SchemaVersion: domain.TradeSnapshotSchemaV1,
			Legs: []domain.TradeLeg{
				{PriceType: domain.PriceFix, Side: domain.SideBuy, Price: &price, VolumeMT: &qty},
				{PriceType: domain.PriceAvg, MonthName: "March", Year: 2025},
			},
		},
	}
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestRealizedAverageExcludesAsOfDay(t *testing.T) {
	store := &testutil.FakeObservationStore{}
	store.Add(
		cashObs("2025-03-01", 2400),
		cashObs("2025-03-02", 2410),
		cashObs("2025-03-03", 2450), // as-of day, must be excluded
	)
	eng := newEngine(store)

	avg, endUsed, lastPublished, err := eng.RealizedAverage(context.Background(),
		domain.MustDate("2025-03-01"), domain.MustDate("2025-03-31"), domain.MustDate("2025-03-03"))
	if err != nil {
		t.Fatalf("realized average: %v", err)
	}
	if avg == nil {
		t.Fatal("expected an average")
	}
	if !almostEqual(*avg, 2405) {
		t.Errorf("avg = %v, want 2405", *avg)
	}
	if *endUsed != domain.MustDate("2025-03-02") {
		t.Errorf("endUsed = %s, want 2025-03-02", endUsed)
	}
	if *lastPublished != domain.MustDate("2025-03-03") {
		t.Errorf("lastPublished = %s", lastPublished)
	}
}

func TestRealizedAverageEmptySeries(t *testing.T) {
	eng := newEngine(&testutil.FakeObservationStore{})
	avg, _, _, err := eng.RealizedAverage(context.Background(),
		domain.MustDate("2025-03-01"), domain.MustDate("2025-03-31"), domain.MustDate("2025-03-10"))
	if err != nil {
		t.Fatalf("realized average: %v", err)
	}
	if avg != nil {
		t.Errorf("avg = %v, want nil for empty series", *avg)
	}
}

func TestMarkToMarketBuySign(t *testing.T) {
	store := &testutil.FakeObservationStore{}
	store.Add(cashObs("2025-03-01", 2500), cashObs("2025-03-02", 2500))
	eng := newEngine(store)

	res, err := eng.MarkToMarket(context.Background(), buyContract(2400, 25), domain.MustDate("2025-03-05"))
	if err != nil {
		t.Fatalf("mtm: %v", err)
	}
	if res == nil {
		t.Fatal("expected a result")
	}
	// (2500 - 2400) * 25, buy side positive.
	if !almostEqual(res.ValueUSD, 2500) {
		t.Errorf("mtm = %v, want 2500", res.ValueUSD)
	}
	if res.Methodology != "contract.avg.realized_cash_settlement" {
		t.Errorf("methodology = %s", res.Methodology)
	}
}

func TestMarkToMarketSellSignFlips(t *testing.T) {
	store := &testutil.FakeObservationStore{}
	store.Add(cashObs("2025-03-01", 2500))
	eng := newEngine(store)

	c := buyContract(2400, 25)
	c.TradeSnapshot.Legs[0].Side = domain.SideSell
	res, err := eng.MarkToMarket(context.Background(), c, domain.MustDate("2025-03-05"))
	if err != nil {
		t.Fatalf("mtm: %v", err)
	}
	if res == nil {
		t.Fatal("expected a result")
	}
	if !almostEqual(res.ValueUSD, -2500) {
		t.Errorf("mtm = %v, want -2500", res.ValueUSD)
	}
}

func TestMarkToMarketSkipsInactiveAndMalformed(t *testing.T) {
	store := &testutil.FakeObservationStore{}
	store.Add(cashObs("2025-03-01", 2500))
	eng := newEngine(store)
	ctx := context.Background()
	asOf := domain.MustDate("2025-03-05")

	settled := buyContract(2400, 25)
	settled.Status = domain.ContractSettled
	if res, err := eng.MarkToMarket(ctx, settled, asOf); err != nil || res != nil {
		t.Errorf("settled contract: res=%v err=%v, want nil/nil", res, err)
	}

	noQty := buyContract(2400, 25)
	noQty.TradeSnapshot.Legs[0].VolumeMT = nil
	if res, err := eng.MarkToMarket(ctx, noQty, asOf); err != nil || res != nil {
		t.Errorf("no quantity: res=%v err=%v, want nil/nil", res, err)
	}
}

func TestSettlementValueRequiresFullWindow(t *testing.T) {
	store := &testutil.FakeObservationStore{}
	// Published only through mid-window.
	store.Add(cashObs("2025-03-10", 2450))
	eng := newEngine(store)

	res, err := eng.SettlementValue(context.Background(), buyContract(2400, 25))
	if err != nil {
		t.Fatalf("settlement value: %v", err)
	}
	if res != nil {
		t.Errorf("res = %v, want nil before window end is published", res)
	}

	// Publish through the window end; now computable.
	store.Add(cashObs("2025-03-31", 2470))
	res, err = eng.SettlementValue(context.Background(), buyContract(2400, 25))
	if err != nil {
		t.Fatalf("settlement value: %v", err)
	}
	if res == nil {
		t.Fatal("expected a result once window end is published")
	}
	// avg of 2450, 2470 = 2460; (2460-2400)*25 = 1500.
	if !almostEqual(res.ValueUSD, 1500) {
		t.Errorf("settlement = %v, want 1500", res.ValueUSD)
	}
	if res.Methodology != "contract.avg.final_cash_settlement" {
		t.Errorf("methodology = %s", res.Methodology)
	}
}

func TestExpectedSettlementBlendsObservedAndBaseline(t *testing.T) {
	store := &testutil.FakeObservationStore{}
	// March has 31 days; publish the first 5 at 2400.
	for day := 1; day <= 5; day++ {
		store.Add(cashObs(domain.DateOf(2025, time.March, day).String(), 2400))
	}
	eng := newEngine(store)

	fwd := 2500.0
	plan, flags, err := eng.ExpectedSettlement(context.Background(), valuation.ExpectedRequest{
		Contract:               buyContract(2450, 10),
		AsOf:                   domain.MustDate("2025-03-06"),
		BaselineMethod:         valuation.BaselineExplicitAssumption,
		ForwardPriceAssumption: &fwd,
		SensitivityPct:         0.05,
	})
	if err != nil {
		t.Fatalf("expected settlement: %v", err)
	}
	if plan == nil {
		t.Fatalf("plan nil, flags %v", flags)
	}

	// Observed 5 days at 2400; remaining 26 days at 2500*1.05=2625.
	blended := (2400*5 + 2625*26) / 31.0
	want := (blended - 2450) * 10
	if !almostEqual(plan.ExpectedSettlementValueUSD, want) {
		t.Errorf("expected = %v, want %v", plan.ExpectedSettlementValueUSD, want)
	}
	if !strings.Contains(plan.Methodology, "baseline.explicit_assumption") {
		t.Errorf("methodology = %s", plan.Methodology)
	}
	if !strings.Contains(plan.Methodology, "driver=AL_CASH") {
		t.Errorf("methodology missing driver tag: %s", plan.Methodology)
	}
	for _, f := range flags {
		if f == domain.FlagAssumptionsMissing {
			t.Error("explicit assumption should not flag assumptions_missing")
		}
	}
}

func TestExpectedSettlementSensitivityShiftsBaselineOnly(t *testing.T) {
	store := &testutil.FakeObservationStore{}
	for day := 1; day <= 5; day++ {
		store.Add(cashObs(domain.DateOf(2025, time.March, day).String(), 2400))
	}
	eng := newEngine(store)
	fwd := 2500.0

	run := func(pct float64) float64 {
		plan, _, err := eng.ExpectedSettlement(context.Background(), valuation.ExpectedRequest{
			Contract:               buyContract(2450, 10),
			AsOf:                   domain.MustDate("2025-03-06"),
			BaselineMethod:         valuation.BaselineExplicitAssumption,
			ForwardPriceAssumption: &fwd,
			SensitivityPct:         pct,
		})
		if err != nil || plan == nil {
			t.Fatalf("plan for pct %v: %v", pct, err)
		}
		return plan.ExpectedSettlementValueUSD
	}

	base := run(0)
	up := run(0.05)
	down := run(-0.05)

	// The shift applies to 26/31 of the window at 2500 and quantity 10.
	delta := 2500.0 * 0.05 * 26 / 31.0 * 10
	if !almostEqual(up-base, delta) {
		t.Errorf("up-base = %v, want %v", up-base, delta)
	}
	if !almostEqual(base-down, delta) {
		t.Errorf("base-down = %v, want %v", base-down, delta)
	}
}

func TestExpectedSettlementProxyFallbackFlagsSubstitution(t *testing.T) {
	store := &testutil.FakeObservationStore{}
	for day := 1; day <= 5; day++ {
		store.Add(cashObs(domain.DateOf(2025, time.March, day).String(), 2400))
	}
	store.Add(marketdata.Observation{
		Symbol:    "AL_3M",
		Price:     2520,
		AsOf:      domain.MustDate("2025-03-05").Time().Add(16 * time.Hour),
		Source:    "LME",
		PriceType: "close",
	})
	eng := newEngine(store)

	plan, flags, err := eng.ExpectedSettlement(context.Background(), valuation.ExpectedRequest{
		Contract:       buyContract(2450, 10),
		AsOf:           domain.MustDate("2025-03-06"),
		BaselineMethod: valuation.BaselineProxy3M,
	})
	if err != nil {
		t.Fatalf("expected settlement: %v", err)
	}
	if plan == nil {
		t.Fatalf("plan nil, flags %v", flags)
	}
	if !contains(flags, domain.FlagAssumptionsMissing) {
		t.Errorf("flags %v should mark the proxy substitution", flags)
	}
	if !strings.Contains(plan.Methodology, "baseline.proxy_3m.LME") {
		t.Errorf("methodology = %s", plan.Methodology)
	}
	if plan.Proxy3MLastPublished == nil || *plan.Proxy3MLastPublished != domain.MustDate("2025-03-05") {
		t.Errorf("proxy publish date = %v", plan.Proxy3MLastPublished)
	}
}

func TestExpectedSettlementNoBaselineNotComputable(t *testing.T) {
	store := &testutil.FakeObservationStore{}
	for day := 1; day <= 5; day++ {
		store.Add(cashObs(domain.DateOf(2025, time.March, day).String(), 2400))
	}
	eng := newEngine(store)

	// No assumption and no proxy series published.
	plan, flags, err := eng.ExpectedSettlement(context.Background(), valuation.ExpectedRequest{
		Contract:       buyContract(2450, 10),
		AsOf:           domain.MustDate("2025-03-06"),
		BaselineMethod: valuation.BaselineProxy3M,
	})
	if err != nil {
		t.Fatalf("expected settlement: %v", err)
	}
	if plan != nil {
		t.Errorf("plan = %+v, want nil", plan)
	}
	if !contains(flags, domain.FlagProjectedNotAvailable) {
		t.Errorf("flags = %v, want projected_not_available", flags)
	}
	if !contains(flags, domain.FlagProxy3MNotAvailable) {
		t.Errorf("flags = %v, want proxy_3m_not_available", flags)
	}
}

func TestExpectedSettlementRejectsNonUSDAssumption(t *testing.T) {
	eng := newEngine(&testutil.FakeObservationStore{})
	fwd := 2500.0
	plan, flags, err := eng.ExpectedSettlement(context.Background(), valuation.ExpectedRequest{
		Contract:               buyContract(2450, 10),
		AsOf:                   domain.MustDate("2025-03-06"),
		ForwardPriceAssumption: &fwd,
		ForwardPriceCurrency:   "eur",
	})
	if err != nil {
		t.Fatalf("expected settlement: %v", err)
	}
	if plan != nil {
		t.Error("non-USD assumption should not produce a plan")
	}
	if !contains(flags, domain.FlagCurrencyNotSupported) {
		t.Errorf("flags = %v", flags)
	}
}

func TestExpectedSettlementFlagsPublicationGaps(t *testing.T) {
	store := &testutil.FakeObservationStore{}
	// Days 1, 2, 4 published; day 3 missing inside the observed part.
	for _, day := range []string{"2025-03-01", "2025-03-02", "2025-03-04"} {
		store.Add(cashObs(day, 2400))
	}
	eng := newEngine(store)
	fwd := 2500.0

	plan, flags, err := eng.ExpectedSettlement(context.Background(), valuation.ExpectedRequest{
		Contract:               buyContract(2450, 10),
		AsOf:                   domain.MustDate("2025-03-06"),
		ForwardPriceAssumption: &fwd,
	})
	if err != nil {
		t.Fatalf("expected settlement: %v", err)
	}
	if plan == nil {
		t.Fatal("expected a plan despite the gap")
	}
	if !contains(flags, domain.FlagMarketDataMissingDays) {
		t.Errorf("flags = %v, want market_data_missing_days", flags)
	}
}

func TestWithBlendOverridesStrategy(t *testing.T) {
	store := &testutil.FakeObservationStore{}
	for day := 1; day <= 5; day++ {
		store.Add(cashObs(domain.DateOf(2025, time.March, day).String(), 2400))
	}
	// A blend that ignores the baseline entirely.
	eng := newEngine(store).WithBlend(func(realizedAvg float64, _ int, _ float64, _, _ int) float64 {
		return realizedAvg
	})
	fwd := 9999.0

	plan, _, err := eng.ExpectedSettlement(context.Background(), valuation.ExpectedRequest{
		Contract:               buyContract(2450, 10),
		AsOf:                   domain.MustDate("2025-03-06"),
		ForwardPriceAssumption: &fwd,
	})
	if err != nil || plan == nil {
		t.Fatalf("plan: %v err: %v", plan, err)
	}
	if !almostEqual(plan.ExpectedSettlementValueUSD, (2400-2450)*10) {
		t.Errorf("expected = %v, want blend override to pin realized avg", plan.ExpectedSettlementValueUSD)
	}
}

func contains(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
