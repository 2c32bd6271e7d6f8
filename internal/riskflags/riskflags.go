// Package riskflags derives per-subject data-quality flags from the
// intermediate outputs of a pipeline run. Evaluation is purely derived:
// it reads what the engines already produced and fetches nothing new,
// so the same upstream rows always yield the same flag set.
package riskflags

import (
	"fmt"
	"sort"

	"MetalFlow/internal/cashflow"
	"MetalFlow/internal/domain"
	"MetalFlow/internal/pnl"
)

const (
	SubjectContract = "contract"
	SubjectRun      = "run"
)

// Flag is one triggered predicate for one subject of a run.
type Flag struct {
	RunID       string              `json:"run_id"`
	SubjectType string              `json:"subject_type"`
	SubjectID   string              `json:"subject_id"`
	Code        string              `json:"flag_code"`
	Severity    domain.FlagSeverity `json:"severity"`
	Message     string              `json:"message"`
}

// catalog assigns a severity and message per flag code. Availability of
// a core valuation is an error; qualifying conditions on an otherwise
// usable value are warnings.
var catalog = map[string]struct {
	severity domain.FlagSeverity
	message  string
}{
	domain.FlagAssumptionsMissing:    {domain.SeverityWarning, "no forward price assumption supplied"},
	domain.FlagProxy3MNotAvailable:   {domain.SeverityWarning, "3M proxy series has no published observation"},
	domain.FlagProjectedNotAvailable: {domain.SeverityWarning, "projected settlement value could not be computed"},
	domain.FlagMtmNotAvailable:       {domain.SeverityError, "mark-to-market value could not be computed"},
	domain.FlagPnlNotAvailable:       {domain.SeverityError, "unrealized P&L is not available"},
	domain.FlagUnrealizedNotAvail:    {domain.SeverityError, "unrealized P&L is not available"},
	domain.FlagFinalNotAvailable:     {domain.SeverityWarning, "final settlement value is not yet observable"},
	domain.FlagFxNotAvailable:        {domain.SeverityWarning, "no FX rate resolved for reporting conversion"},
	domain.FlagCurrencyNotSupported:  {domain.SeverityWarning, "contract currency is outside the supported set"},
	domain.FlagMarketDataMissingDays: {domain.SeverityWarning, "observation window has unpublished days"},
	domain.FlagMissingSettlementDate: {domain.SeverityWarning, "contract has no settlement date"},
	domain.FlagDataIncomplete:        {domain.SeverityWarning, "neither projected nor final value available"},
}

// SeverityOf reports the catalog severity of a flag code. Unknown codes
// default to warning rather than being dropped.
func SeverityOf(code string) domain.FlagSeverity {
	if entry, ok := catalog[code]; ok {
		return entry.severity
	}
	return domain.SeverityWarning
}

// MessageOf reports the catalog message for a flag code.
func MessageOf(code string) string {
	if entry, ok := catalog[code]; ok {
		return entry.message
	}
	return code
}

// Inputs is the upstream state a run evaluation reads.
type Inputs struct {
	Unrealized []pnl.UnrealizedResult
	Baseline   []cashflow.BaselineItem
}

// Evaluate maps every flag raised upstream to one Risk Flag row per
// (subject_type, subject_id, flag_code). Rows are sorted by subject
// then code so reruns write identical sequences.
func Evaluate(runID string, in Inputs) []Flag {
	type key struct {
		subjectType string
		subjectID   string
		code        string
	}
	seen := map[key]struct{}{}

	add := func(subjectType, subjectID, code string) {
		seen[key{subjectType, subjectID, code}] = struct{}{}
	}

	for _, u := range in.Unrealized {
		for _, code := range u.Flags {
			add(SubjectContract, u.ContractID, code)
		}
	}
	for _, item := range in.Baseline {
		for _, code := range item.Flags {
			add(SubjectContract, item.ContractID, code)
		}
	}

	flags := make([]Flag, 0, len(seen))
	for k := range seen {
		flags = append(flags, Flag{
			RunID:       runID,
			SubjectType: k.subjectType,
			SubjectID:   k.subjectID,
			Code:        k.code,
			Severity:    SeverityOf(k.code),
			Message:     fmt.Sprintf("%s: %s", k.subjectID, MessageOf(k.code)),
		})
	}
	sort.Slice(flags, func(i, j int) bool {
		a, b := flags[i], flags[j]
		if a.SubjectType != b.SubjectType {
			return a.SubjectType < b.SubjectType
		}
		if a.SubjectID != b.SubjectID {
			return a.SubjectID < b.SubjectID
		}
		return a.Code < b.Code
	})
	return flags
}
