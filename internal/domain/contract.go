package domain

import (
	"fmt"
	"strings"
	"time"
)

// ContractStatus is the lifecycle state of a contract. Contracts are
// owned by the CRUD layer; the pipeline only ever reads them.
type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractSettled   ContractStatus = "settled"
	ContractCancelled ContractStatus = "cancelled"
)

// Side of the fixed leg relative to the company.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// PriceType of a trade leg.
type PriceType string

const (
	PriceFix      PriceType = "fix"
	PriceC2R      PriceType = "c2r"
	PriceAvg      PriceType = "avg"
	PriceAvgInter PriceType = "avg_inter"
)

// TradeSnapshotSchemaV1 is the only trade snapshot schema the pipeline
// accepts. Snapshots with an unknown schema are rejected at the read
// boundary, never interpreted best-effort.
const TradeSnapshotSchemaV1 = "trade_snapshot.v1"

// TradeLeg is one leg of a trade. Fixed legs carry Price and Side;
// averaging legs carry the observation window (either a named month or
// explicit start/end dates).
type TradeLeg struct {
	PriceType PriceType `json:"price_type"`
	Side      Side      `json:"side,omitempty"`
	Price     *float64  `json:"price,omitempty"`
	VolumeMT  *float64  `json:"volume_mt,omitempty"`

	// Averaging window, PriceAvg form.
	MonthName string `json:"month_name,omitempty"`
	Year      int    `json:"year,omitempty"`

	// Averaging window, PriceAvgInter form.
	StartDate Date `json:"start_date,omitempty"`
	EndDate   Date `json:"end_date,omitempty"`
}

// TradeSnapshot is the immutable record of trade terms captured at deal
// time. It is persisted as JSON and validated on load.
type TradeSnapshot struct {
	SchemaVersion string     `json:"schema_version"`
	Legs          []TradeLeg `json:"legs"`
}

// Validate checks the snapshot schema version and leg shape.
func (s TradeSnapshot) Validate() error {
	if s.SchemaVersion != TradeSnapshotSchemaV1 {
		return fmt.Errorf("unsupported trade snapshot schema %q", s.SchemaVersion)
	}
	if len(s.Legs) == 0 {
		return fmt.Errorf("trade snapshot has no legs")
	}
	return nil
}

// FixedLeg returns the fixed price and side of the snapshot. The FIX leg
// wins; a C2R leg is accepted as the fixed leg when no FIX leg exists.
func (s TradeSnapshot) FixedLeg() (price float64, side Side, ok bool) {
	for _, want := range []PriceType{PriceFix, PriceC2R} {
		for _, leg := range s.Legs {
			if leg.PriceType != want || leg.Price == nil {
				continue
			}
			sd := Side(strings.ToLower(string(leg.Side)))
			if sd != SideBuy && sd != SideSell {
				continue
			}
			return *leg.Price, sd, true
		}
	}
	return 0, "", false
}

// QuantityMT returns the volume in metric tonnes from the first leg that
// carries one, or 0 when absent.
func (s TradeSnapshot) QuantityMT() float64 {
	for _, leg := range s.Legs {
		if leg.VolumeMT != nil {
			return *leg.VolumeMT
		}
	}
	return 0
}

// ObservationWindow derives the averaging window from the AVG or
// AVGInter leg of the snapshot.
func (s TradeSnapshot) ObservationWindow() (start, end Date, ok bool) {
	for _, leg := range s.Legs {
		switch leg.PriceType {
		case PriceAvg:
			if leg.MonthName == "" || leg.Year == 0 {
				continue
			}
			m, err := monthFromName(leg.MonthName)
			if err != nil {
				continue
			}
			start, end = MonthBounds(leg.Year, m)
			return start, end, true
		case PriceAvgInter:
			if leg.StartDate.IsZero() || leg.EndDate.IsZero() {
				continue
			}
			return leg.StartDate, leg.EndDate, true
		}
	}
	return Date{}, Date{}, false
}

// Contract is the source-of-truth financial anchor for exactly one
// trade. Read-only from the pipeline's point of view.
type Contract struct {
	ContractID     string
	DealID         int64
	CounterpartyID *int64
	Status         ContractStatus
	Currency       string
	SettlementDate *Date
	TradeSnapshot  TradeSnapshot
}

var monthsEN = []string{
	"january", "february", "march", "april", "may", "june",
	"july", "august", "september", "october", "november", "december",
}

func monthFromName(name string) (time.Month, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range monthsEN {
		if s == n {
			return time.Month(i + 1), nil
		}
	}
	return 0, fmt.Errorf("invalid month name %q", name)
}
