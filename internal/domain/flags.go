package domain

// Flag codes qualify numeric outputs with data-quality or policy
// conditions. They are machine-readable and always surfaced next to the
// value they qualify.
const (
	FlagAssumptionsMissing    = "assumptions_missing"
	FlagProxy3MNotAvailable   = "proxy_3m_not_available"
	FlagProjectedNotAvailable = "projected_not_available"
	FlagMtmNotAvailable       = "mtm_not_available"
	FlagPnlNotAvailable       = "pnl_not_available"
	FlagUnrealizedNotAvail    = "unrealized_not_available"
	FlagFinalNotAvailable     = "final_not_available"
	FlagFxNotAvailable        = "fx_not_available"
	FlagCurrencyNotSupported  = "currency_not_supported"
	FlagMarketDataMissingDays = "market_data_missing_days"
	FlagMissingSettlementDate = "missing_settlement_date"
	FlagDataIncomplete        = "data_incomplete"
)

// FlagSeverity classifies how a flag should be treated downstream.
type FlagSeverity string

const (
	SeverityError   FlagSeverity = "error"
	SeverityWarning FlagSeverity = "warning"
)
