// Package valuation computes mark-to-market and settlement values for
// averaging contracts against the official cash settlement series.
//
// Institutional rule: MTM is computed for active contracts only, and
// settlement-derived values use the authoritative settlement series —
// no intraday proxies, no overrides.
package valuation

import (
	"context"
	"fmt"
	"strings"

	"MetalFlow/internal/domain"
	"MetalFlow/internal/marketdata"
)

// Result is a point-in-time valuation of one contract, with the market
// data lineage needed to reproduce it.
type Result struct {
	ValueUSD              float64
	AsOf                  domain.Date
	Methodology           string
	PriceUsed             float64
	ObservationStart      domain.Date
	ObservationEndUsed    domain.Date
	LastPublishedCashDate *domain.Date
}

// Engine values contracts against the observation store. Engines are
// stateless; all inputs arrive via the accessor and the contract.
type Engine struct {
	md    *marketdata.Accessor
	blend BlendFunc
}

func NewEngine(md *marketdata.Accessor) *Engine {
	return &Engine{md: md, blend: CalendarDayBlend}
}

// WithBlend overrides the observed/projected day-weighting strategy.
func (e *Engine) WithBlend(blend BlendFunc) *Engine {
	e.blend = blend
	return e
}

// RealizedAverage averages the published cash settlements from start
// through min(end, last published, asOf-1). The as-of day itself is
// excluded: its settlement is not final until published.
//
// Returns (nil, ...) when no observation is usable. endUsed is the last
// day actually included; lastPublished is the newest publish day of the
// whole series.
func (e *Engine) RealizedAverage(ctx context.Context, start, end, asOf domain.Date) (avg *float64, endUsed *domain.Date, lastPublished *domain.Date, err error) {
	lastPublished, err = e.md.LatestCashPublishDate(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	if lastPublished == nil {
		return nil, nil, nil, nil
	}

	used := domain.MinDate(end, *lastPublished, asOf.AddDays(-1))
	if used.Before(start) {
		return nil, nil, lastPublished, nil
	}

	series, err := e.md.CashPriceByDay(ctx, start, used)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(series) == 0 {
		return nil, &used, lastPublished, nil
	}

	mean := seriesMean(series)
	return &mean, &used, lastPublished, nil
}

// FinalAverage averages the full observation window. It is only
// computable once the series is published through the window end.
func (e *Engine) FinalAverage(ctx context.Context, start, end domain.Date) (avg *float64, lastPublished *domain.Date, err error) {
	lastPublished, err = e.md.LatestCashPublishDate(ctx)
	if err != nil {
		return nil, nil, err
	}
	if lastPublished == nil {
		return nil, nil, nil
	}
	if lastPublished.Before(end) {
		return nil, lastPublished, nil
	}

	series, err := e.md.CashPriceByDay(ctx, start, end)
	if err != nil {
		return nil, nil, err
	}
	if len(series) == 0 {
		return nil, lastPublished, nil
	}

	mean := seriesMean(series)
	return &mean, lastPublished, nil
}

// MarkToMarket values an active averaging contract as of asOf using the
// realized average of published settlements:
//
//	mtm = (realized_avg - fixed_price) * quantity * sign
//
// where sign is +1 when the fixed leg is a buy and -1 when it is a
// sell. Returns nil when the contract is not computable (inactive,
// malformed terms, or no usable observations).
func (e *Engine) MarkToMarket(ctx context.Context, c domain.Contract, asOf domain.Date) (*Result, error) {
	if c.Status != domain.ContractActive {
		return nil, nil
	}

	terms, ok := contractTerms(c)
	if !ok {
		return nil, nil
	}

	avg, endUsed, lastPublished, err := e.RealizedAverage(ctx, terms.obsStart, terms.obsEnd, asOf)
	if err != nil {
		return nil, fmt.Errorf("mtm %s: %w", c.ContractID, err)
	}
	if avg == nil {
		return nil, nil
	}

	return &Result{
		ValueUSD:              payoff(*avg, terms),
		AsOf:                  asOf,
		Methodology:           "contract.avg.realized_cash_settlement",
		PriceUsed:             *avg,
		ObservationStart:      terms.obsStart,
		ObservationEndUsed:    *endUsed,
		LastPublishedCashDate: lastPublished,
	}, nil
}

// SettlementValue values a contract at its final full-window average.
// Unlike MarkToMarket it accepts settled contracts: it is the input to
// realized P&L, which is recognized after settlement.
func (e *Engine) SettlementValue(ctx context.Context, c domain.Contract) (*Result, error) {
	terms, ok := contractTerms(c)
	if !ok {
		return nil, nil
	}

	avg, lastPublished, err := e.FinalAverage(ctx, terms.obsStart, terms.obsEnd)
	if err != nil {
		return nil, fmt.Errorf("settlement value %s: %w", c.ContractID, err)
	}
	if avg == nil {
		return nil, nil
	}

	return &Result{
		ValueUSD:              payoff(*avg, terms),
		Methodology:           "contract.avg.final_cash_settlement",
		PriceUsed:             *avg,
		ObservationStart:      terms.obsStart,
		ObservationEndUsed:    terms.obsEnd,
		LastPublishedCashDate: lastPublished,
	}, nil
}

type terms struct {
	obsStart   domain.Date
	obsEnd     domain.Date
	fixedPrice float64
	side       domain.Side
	quantity   float64
}

func contractTerms(c domain.Contract) (terms, bool) {
	if err := c.TradeSnapshot.Validate(); err != nil {
		return terms{}, false
	}
	start, end, ok := c.TradeSnapshot.ObservationWindow()
	if !ok {
		return terms{}, false
	}
	fixed, side, ok := c.TradeSnapshot.FixedLeg()
	if !ok {
		return terms{}, false
	}
	qty := c.TradeSnapshot.QuantityMT()
	if qty == 0 {
		return terms{}, false
	}
	return terms{obsStart: start, obsEnd: end, fixedPrice: fixed, side: side, quantity: qty}, true
}

// payoff applies the company payoff sign relative to the fixed leg:
// fixed BUY receives when avg > fixed, fixed SELL pays.
func payoff(avg float64, t terms) float64 {
	sign := 1.0
	if t.side == domain.SideSell {
		sign = -1.0
	}
	return (avg - t.fixedPrice) * t.quantity * sign
}

func seriesMean(series map[domain.Date]float64) float64 {
	sum := 0.0
	for _, p := range series {
		sum += p
	}
	return sum / float64(len(series))
}

// methodologyTag joins methodology components with the lineage
// separator used across read models.
func methodologyTag(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "|")
}
