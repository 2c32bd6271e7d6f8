package cashflow

import (
	"context"
	"fmt"

	"MetalFlow/internal/domain"
	"MetalFlow/internal/valuation"
)

// BaselineItem is one materialized cash movement for one contract as of
// one date. ProjectedValueUSD carries the base-scenario expectation;
// FinalValueUSD stays nil until the settlement window is fully
// observable.
type BaselineItem struct {
	ContractID     string       `json:"contract_id"`
	DealID         int64        `json:"deal_id"`
	CounterpartyID *int64       `json:"counterparty_id,omitempty"`
	AsOf           domain.Date  `json:"as_of_date"`
	SettlementDate *domain.Date `json:"settlement_date,omitempty"`
	Currency       string       `json:"currency"`

	ProjectedValueUSD *float64 `json:"projected_value_usd"`
	FinalValueUSD     *float64 `json:"final_value_usd"`

	Methodology string     `json:"methodology"`
	Flags       []string   `json:"flags"`
	References  References `json:"references"`
}

// BaselineRequest scopes one materialization pass. The assumptions are
// the run-level ones: the persisted baseline is always the unshifted
// base scenario.
type BaselineRequest struct {
	AsOf           domain.Date
	BaselineMethod valuation.BaselineMethod
	Assumptions    Assumptions
}

// Baseline materializes one item per contract. Same calculation path
// as Preview: projected values come from ExpectedSettlement at zero
// sensitivity, final values from the closed-window settlement value.
func (b *Builder) Baseline(ctx context.Context, req BaselineRequest, contracts []domain.Contract) ([]BaselineItem, error) {
	method := req.BaselineMethod
	if method == "" {
		method = valuation.BaselineExplicitAssumption
	}
	if !method.Valid() {
		return nil, fmt.Errorf("%w: unknown baseline_method %q", ErrValidation, method)
	}

	items := make([]BaselineItem, 0, len(contracts))
	for _, c := range contracts {
		item := BaselineItem{
			ContractID:     c.ContractID,
			DealID:         c.DealID,
			CounterpartyID: c.CounterpartyID,
			AsOf:           req.AsOf,
			SettlementDate: c.SettlementDate,
			Currency:       "USD",
			Methodology:    "not_available",
		}
		var flags []string

		if c.SettlementDate == nil {
			flags = append(flags, domain.FlagMissingSettlementDate)
		}

		switch c.Status {
		case domain.ContractActive:
			plan, planFlags, err := b.valuer.ExpectedSettlement(ctx, valuation.ExpectedRequest{
				Contract:               c,
				AsOf:                   req.AsOf,
				BaselineMethod:         method,
				ForwardPriceAssumption: req.Assumptions.ForwardPriceAssumption,
				ForwardPriceCurrency:   req.Assumptions.ForwardPriceCurrency,
			})
			if err != nil {
				return nil, err
			}
			flags = append(flags, planFlags...)
			if plan != nil {
				v := plan.ExpectedSettlementValueUSD
				item.ProjectedValueUSD = &v
				item.Methodology = plan.Methodology
				item.References.CashLastPublishedDate = plan.CashLastPublished
				item.References.Proxy3MLastPublishedDate = plan.Proxy3MLastPublished
			}

		case domain.ContractSettled:
			res, err := b.valuer.SettlementValue(ctx, c)
			if err != nil {
				return nil, err
			}
			if res != nil {
				v := res.ValueUSD
				item.FinalValueUSD = &v
				item.ProjectedValueUSD = &v
				item.Methodology = res.Methodology
				item.References.CashLastPublishedDate = res.LastPublishedCashDate
			} else {
				flags = append(flags, domain.FlagFinalNotAvailable)
			}
		}

		if item.ProjectedValueUSD == nil && item.FinalValueUSD == nil {
			flags = append(flags, domain.FlagDataIncomplete)
		}
		item.Flags = sortedUnique(flags)
		items = append(items, item)
	}
	return items, nil
}
