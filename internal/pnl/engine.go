// Package pnl computes profit-and-loss for contracts. Unrealized and
// realized P&L are strictly separated: unrealized derives from the
// mark-to-market of active contracts, realized derives only from the
// final settlement observation of settled contracts and is immutable
// once locked. A total is always the explicit sum of the two, never a
// single ambiguous number.
package pnl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"MetalFlow/internal/domain"
	"MetalFlow/internal/valuation"
)

// UnrealizedResult is the P&L of one active contract as of one date.
// When the MTM is not computable the value stays zero and the flags say
// why; the row is still produced so the gap is visible.
type UnrealizedResult struct {
	ContractID       string
	DealID           int64
	AsOf             domain.Date
	UnrealizedPnlUSD float64
	Methodology      string
	Flags            []string
}

// RealizedResult is the final P&L of one settled contract. LockedAt is
// stamped at computation time; once persisted the row must never be
// recomputed.
type RealizedResult struct {
	ContractID     string
	DealID         int64
	SettlementDate domain.Date
	RealizedPnlUSD float64
	Methodology    string
	Flags          []string
	LockedAt       time.Time
	SourceHint     map[string]any
}

// Engine derives P&L from the valuation engine. It owns no state.
type Engine struct {
	valuer *valuation.Engine
	now    func() time.Time
}

func NewEngine(valuer *valuation.Engine) *Engine {
	return &Engine{valuer: valuer, now: time.Now}
}

// WithClock injects a deterministic clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Unrealized computes the unrealized P&L for an active contract as of
// asOf. Returns nil for contracts that are not active: inactive
// contracts never receive a new unrealized row.
func (e *Engine) Unrealized(ctx context.Context, c domain.Contract, asOf domain.Date) (*UnrealizedResult, error) {
	if c.Status != domain.ContractActive {
		return nil, nil
	}

	flags := currencyFlags(c)

	res, err := e.valuer.MarkToMarket(ctx, c, asOf)
	if err != nil {
		return nil, fmt.Errorf("unrealized pnl %s: %w", c.ContractID, err)
	}
	if res == nil {
		return &UnrealizedResult{
			ContractID: c.ContractID,
			DealID:     c.DealID,
			AsOf:       asOf,
			Flags:      append(flags, domain.FlagUnrealizedNotAvail),
		}, nil
	}

	return &UnrealizedResult{
		ContractID:       c.ContractID,
		DealID:           c.DealID,
		AsOf:             asOf,
		UnrealizedPnlUSD: res.ValueUSD,
		Methodology:      res.Methodology,
		Flags:            flags,
	}, nil
}

// Realized computes the final, lockable P&L of a settled contract from
// the full-window settlement average. Returns nil when the contract is
// not settled, has no settlement date, or the final average is not yet
// publishable — never a partial number.
func (e *Engine) Realized(ctx context.Context, c domain.Contract) (*RealizedResult, error) {
	if c.Status != domain.ContractSettled {
		return nil, nil
	}
	if c.SettlementDate == nil {
		return nil, nil
	}

	flags := currencyFlags(c)

	res, err := e.valuer.SettlementValue(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("realized pnl %s: %w", c.ContractID, err)
	}
	if res == nil {
		return nil, nil
	}

	hint := map[string]any{
		"observation_start":    res.ObservationStart.String(),
		"observation_end":      res.ObservationEndUsed.String(),
		"data_quality_flags":   flags,
		"final_price_used_usd": res.PriceUsed,
	}
	if res.LastPublishedCashDate != nil {
		hint["cash_last_published_date"] = res.LastPublishedCashDate.String()
	}

	return &RealizedResult{
		ContractID:     c.ContractID,
		DealID:         c.DealID,
		SettlementDate: *c.SettlementDate,
		RealizedPnlUSD: res.ValueUSD,
		Methodology:    res.Methodology,
		Flags:          flags,
		LockedAt:       e.now().UTC(),
		SourceHint:     hint,
	}, nil
}

// currencyFlags marks contracts denominated outside the supported
// native currency. Valuation stays USD-only; the flag keeps the
// exclusion visible instead of silently converting.
func currencyFlags(c domain.Contract) []string {
	cur := strings.ToUpper(c.Currency)
	if cur != "" && cur != "USD" {
		return []string{domain.FlagCurrencyNotSupported}
	}
	return nil
}
