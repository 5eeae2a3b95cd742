package types

type EngineStatus string

type HaltReason string

const (
	EngineStatusIdle     EngineStatus = "IDLE"
	EngineStatusStarting EngineStatus = "STARTING"
	EngineStatusRunning  EngineStatus = "RUNNING"
	EngineStatusStopping EngineStatus = "STOPPING"
	EngineStatusStopped  EngineStatus = "STOPPED"
	EngineStatusError    EngineStatus = "ERROR"
)

const (
	HaltReasonNone      HaltReason = ""
	HaltReasonStopLoss  HaltReason = "stop_loss"
	HaltReasonDrawdown  HaltReason = "drawdown"
	HaltReasonManual    HaltReason = "manual"
	HaltReasonInvariant HaltReason = "invariant_violation"
)

// Position is one pair's balances and P&L, mutated only by the accountant.
type Position struct {
	BaseBalance   float64 `yaml:"base_balance" json:"base_balance"`
	QuoteBalance  float64 `yaml:"quote_balance" json:"quote_balance"`
	AvgEntryPrice float64 `yaml:"avg_entry_price" json:"avg_entry_price"`
	RealizedPnL   float64 `yaml:"realized_pnl" json:"realized_pnl"`
	UnrealizedPnL float64 `yaml:"unrealized_pnl" json:"unrealized_pnl"`
	TotalFees     float64 `yaml:"total_fees" json:"total_fees"`
	TradeCount    int64   `yaml:"trade_count" json:"trade_count"`
}

// Equity is the position's total value at the given price.
func (p Position) Equity(price float64) float64 {
	return p.QuoteBalance + p.BaseBalance*price
}

// RiskState is the sticky halt flag for one pair.
type RiskState struct {
	Halted bool       `yaml:"halted" json:"halted"`
	Reason HaltReason `yaml:"reason" json:"reason"`
}

// PairSnapshot is the read-only view of one pair exposed to reporting
// collaborators.
type PairSnapshot struct {
	Symbol         string        `json:"symbol"`
	Status         EngineStatus  `json:"status"`
	Config         GridConfig    `json:"config"`
	CurrentPrice   float64       `json:"current_price"`
	GridLevels     []GridLevel   `json:"grid_levels"`
	Position       Position      `json:"position"`
	Trailing       TrailingState `json:"trailing"`
	RiskHalted     bool          `json:"risk_halted"`
	RiskReason     HaltReason    `json:"risk_reason"`
	OpenOrderCount int           `json:"open_order_count"`
}

// PoolSnapshot is the pool-wide view shared by all pairs.
type PoolSnapshot struct {
	AvailableUSD    float64 `json:"available_usd"`
	SecuredProfits  float64 `json:"secured_profits"`
	TotalFees       float64 `json:"total_fees"`
	TotalTradeCount int64   `json:"total_trade_count"`
	TotalEquity     float64 `json:"total_equity"`
}
