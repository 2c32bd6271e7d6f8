package valuation

import (
	"context"
	"fmt"
	"strings"

	"MetalFlow/internal/domain"
)

// BaselineMethod selects how the unobserved portion of a settlement
// driver is projected.
type BaselineMethod string

const (
	BaselineExplicitAssumption BaselineMethod = "explicit_assumption"
	BaselineProxy3M            BaselineMethod = "proxy_3m"
)

// Valid reports whether the method is part of the supported catalog.
func (m BaselineMethod) Valid() bool {
	return m == BaselineExplicitAssumption || m == BaselineProxy3M
}

// baselineQuote is a resolved baseline price plus its lineage.
type baselineQuote struct {
	price       float64
	sourceTag   string
	publishDate *domain.Date
}

// BlendFunc computes the expected final reference from the observed
// average and the baseline projected over the remaining days. The exact
// day-weighting rule is a strategy: the default weighs by calendar
// days, but alternative weightings (trading days, decay) can be
// injected without touching the engine.
type BlendFunc func(realizedAvg float64, observedDays int, baseline float64, remainingDays, totalDays int) float64

// CalendarDayBlend weighs observed and projected portions by calendar
// day counts across the observation window.
func CalendarDayBlend(realizedAvg float64, observedDays int, baseline float64, remainingDays, totalDays int) float64 {
	return (realizedAvg*float64(observedDays) + baseline*float64(remainingDays)) / float64(totalDays)
}

// ExpectedRequest asks for a forward-looking expected settlement value
// for one contract under one sensitivity shift.
type ExpectedRequest struct {
	Contract               domain.Contract
	AsOf                   domain.Date
	BaselineMethod         BaselineMethod
	ForwardPriceAssumption *float64
	ForwardPriceCurrency   string

	// SensitivityPct shifts the baseline price only: the observed,
	// already cash-settled portion is never shifted.
	SensitivityPct float64
}

// ExpectedPlan is a computed expected settlement value with lineage.
type ExpectedPlan struct {
	ExpectedSettlementValueUSD float64
	Methodology                string
	Flags                      []string

	CashLastPublished    *domain.Date
	Proxy3MLastPublished *domain.Date
}

// ExpectedSettlement projects the final settlement value of an
// averaging contract: observed days at the realized average, remaining
// days at the (sensitivity-shifted) baseline, blended by the engine's
// blend strategy.
//
// When the projection is not computable the plan is nil and the
// returned flags say why; that is a data-quality outcome, not an error.
func (e *Engine) ExpectedSettlement(ctx context.Context, req ExpectedRequest) (*ExpectedPlan, []string, error) {
	var flags []string

	ccy := strings.ToUpper(req.ForwardPriceCurrency)
	if ccy != "" && ccy != "USD" {
		return nil, append(flags, domain.FlagCurrencyNotSupported), nil
	}

	terms, ok := contractTerms(req.Contract)
	if !ok {
		return nil, append(flags, domain.FlagProjectedNotAvailable), nil
	}

	realizedAvg, endUsed, lastPublished, err := e.RealizedAverage(ctx, terms.obsStart, terms.obsEnd, req.AsOf)
	if err != nil {
		return nil, nil, fmt.Errorf("expected settlement %s: %w", req.Contract.ContractID, err)
	}
	if realizedAvg == nil || endUsed == nil {
		return nil, append(flags, domain.FlagProjectedNotAvailable), nil
	}

	totalDays := terms.obsEnd.DaysSince(terms.obsStart) + 1
	observedDays := endUsed.DaysSince(terms.obsStart) + 1
	remainingDays := totalDays - observedDays
	if remainingDays < 0 {
		remainingDays = 0
	}

	quote, baselineFlags, err := e.resolveBaseline(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	flags = append(flags, baselineFlags...)

	if remainingDays > 0 && quote == nil {
		return nil, append(flags, domain.FlagProjectedNotAvailable), nil
	}

	// Data quality: detect publication gaps inside the observed part of
	// the calendar window.
	series, err := e.md.CashPriceByDay(ctx, terms.obsStart, *endUsed)
	if err != nil {
		return nil, nil, err
	}
	if len(series) < observedDays {
		flags = append(flags, domain.FlagMarketDataMissingDays)
	}

	plan := &ExpectedPlan{
		CashLastPublished: lastPublished,
	}

	expectedFinal := *realizedAvg
	baselineTag := ""
	if quote != nil {
		shifted := quote.price * (1.0 + req.SensitivityPct)
		expectedFinal = e.blend(*realizedAvg, observedDays, shifted, remainingDays, totalDays)
		baselineTag = quote.sourceTag
		if quote.publishDate != nil && strings.HasPrefix(quote.sourceTag, "baseline.proxy_3m") {
			plan.Proxy3MLastPublished = quote.publishDate
		}
	}

	plan.ExpectedSettlementValueUSD = payoff(expectedFinal, terms)
	plan.Methodology = methodologyTag(
		"contract.avg.expected_final_avg",
		baselineTag,
		"driver="+e.md.CashSettlementSymbol(),
	)
	plan.Flags = flags
	return plan, flags, nil
}

// resolveBaseline picks the baseline price for the unobserved portion.
// An explicit user assumption always wins; otherwise the configured
// proxy series may stand in, leaving an assumptions_missing marker so
// the substitution stays visible.
func (e *Engine) resolveBaseline(ctx context.Context, req ExpectedRequest) (*baselineQuote, []string, error) {
	if req.ForwardPriceAssumption != nil {
		return &baselineQuote{
			price:     *req.ForwardPriceAssumption,
			sourceTag: "baseline.explicit_assumption",
		}, nil, nil
	}

	flags := []string{domain.FlagAssumptionsMissing}
	if req.BaselineMethod != BaselineProxy3M {
		return nil, flags, nil
	}

	obs, err := e.md.Proxy3M(ctx, req.AsOf)
	if err != nil {
		return nil, nil, err
	}
	if obs == nil {
		return nil, append(flags, domain.FlagProxy3MNotAvailable), nil
	}
	day := obs.Day()
	return &baselineQuote{
		price:       obs.Price,
		sourceTag:   "baseline.proxy_3m." + obs.Source,
		publishDate: &day,
	}, flags, nil
}
