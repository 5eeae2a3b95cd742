// Package risk enforces the circuit breakers and exposure limits that sit
// between the strategy and the exchange.
package risk

import (
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/tern-labs/gridtrader/internal/logger"
	"github.com/tern-labs/gridtrader/internal/types"
	"github.com/tern-labs/gridtrader/pkg/errors"
	"go.uber.org/zap"
)

// Config holds the risk limits shared by every pair.
type Config struct {
	// StopLossPct halts a pair when its unrealized loss reaches this share
	// of the position's cost basis. Zero disables the check.
	StopLossPct float64 `json:"stop_loss_pct" yaml:"stop_loss_pct" validate:"gte=0,lte=100"`
	// TakeProfitPct triggers a position unwind when unrealized gains reach
	// this share of the cost basis. Zero disables the check.
	TakeProfitPct float64 `json:"take_profit_pct" yaml:"take_profit_pct" validate:"gte=0"`
	// MaxDrawdownPct halts all trading when equity falls this far below its
	// running peak.
	MaxDrawdownPct float64 `json:"max_drawdown_pct" yaml:"max_drawdown_pct" validate:"gt=0,lte=100"`
	// MaxOpenOrders caps a single pair's live orders.
	MaxOpenOrders int `json:"max_open_orders" yaml:"max_open_orders" validate:"gt=0"`
	// MaxPositionUSD caps total base inventory value across all pairs.
	MaxPositionUSD float64 `json:"max_position_usd" yaml:"max_position_usd" validate:"gt=0"`
	// MaxPositionUSDPerPair caps a single pair's base inventory value.
	MaxPositionUSDPerPair float64 `json:"max_position_usd_per_pair" yaml:"max_position_usd_per_pair" validate:"gt=0"`
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, "invalid risk config", err)
	}

	return nil
}

// Exposure is the account state a placement is judged against.
type Exposure struct {
	OpenOrders       int
	PairPositionUSD  float64
	TotalPositionUSD float64
}

// Guard is the shared risk gate. Halts are sticky: once tripped, trading
// stays blocked until Resume.
type Guard struct {
	mu          sync.Mutex
	cfg         Config
	peakEquity  float64
	halted      bool
	haltReason  types.HaltReason
	haltedPairs map[string]types.HaltReason
	log         *logger.Logger
}

func NewGuard(cfg Config, log *logger.Logger) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Guard{
		cfg:         cfg,
		haltedPairs: make(map[string]types.HaltReason),
		log:         log,
	}, nil
}

// CheckOrder approves or blocks a single placement. Limits only block the
// order in question; they never cancel anything already resting.
func (g *Guard) CheckOrder(intent types.OrderIntent, exposure Exposure) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.halted {
		return errors.Newf(errors.ErrCodeRiskHalted, "trading halted: %s", g.haltReason)
	}

	if reason, ok := g.haltedPairs[intent.Symbol]; ok {
		return errors.Newf(errors.ErrCodeRiskHalted, "pair %s halted: %s", intent.Symbol, reason)
	}

	if exposure.OpenOrders >= g.cfg.MaxOpenOrders {
		return errors.Newf(errors.ErrCodeOrderLimit, "open order limit %d reached", g.cfg.MaxOpenOrders)
	}

	if intent.Side != types.SideBuy {
		return nil
	}

	if exposure.PairPositionUSD >= g.cfg.MaxPositionUSDPerPair {
		return errors.Newf(errors.ErrCodePositionLimit, "pair %s position %.2f at per-pair limit %.2f", intent.Symbol, exposure.PairPositionUSD, g.cfg.MaxPositionUSDPerPair)
	}

	if exposure.TotalPositionUSD >= g.cfg.MaxPositionUSD {
		return errors.Newf(errors.ErrCodePositionLimit, "total position %.2f at limit %.2f", exposure.TotalPositionUSD, g.cfg.MaxPositionUSD)
	}

	return nil
}

// pnlRatio is unrealized P&L relative to the position's cost basis.
// Positions with no base inventory have no ratio.
func pnlRatio(pos types.Position) (float64, bool) {
	if pos.BaseBalance <= 0 || pos.AvgEntryPrice <= 0 {
		return 0, false
	}

	return pos.UnrealizedPnL / (pos.AvgEntryPrice * pos.BaseBalance), true
}

// CheckStopLoss halts the pair when its unrealized loss breaches the stop
// threshold. Reports whether the halt tripped on this call.
func (g *Guard) CheckStopLoss(symbol string, pos types.Position) bool {
	if g.cfg.StopLossPct <= 0 {
		return false
	}

	ratio, ok := pnlRatio(pos)
	if !ok || ratio > -g.cfg.StopLossPct/100 {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, already := g.haltedPairs[symbol]; already {
		return false
	}

	g.haltedPairs[symbol] = types.HaltReasonStopLoss

	g.log.Error("stop loss triggered",
		zap.String("symbol", symbol),
		zap.Float64("pnl_ratio", ratio),
		zap.Float64("unrealized_pnl", pos.UnrealizedPnL),
	)

	return true
}

// CheckTakeProfit reports whether unrealized gains have reached the
// take-profit threshold. It does not halt: the engine unwinds the position
// and keeps the strategy running.
func (g *Guard) CheckTakeProfit(symbol string, pos types.Position) bool {
	if g.cfg.TakeProfitPct <= 0 {
		return false
	}

	ratio, ok := pnlRatio(pos)
	if !ok || ratio < g.cfg.TakeProfitPct/100 {
		return false
	}

	g.log.Info("take profit triggered",
		zap.String("symbol", symbol),
		zap.Float64("pnl_ratio", ratio),
		zap.Float64("unrealized_pnl", pos.UnrealizedPnL),
	)

	return true
}

// CheckDrawdown advances the running equity peak and trips the global halt
// when the drop from peak exceeds the limit.
func (g *Guard) CheckDrawdown(equity float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if equity > g.peakEquity {
		g.peakEquity = equity
	}

	if g.peakEquity <= 0 || g.halted {
		return false
	}

	drawdownPct := (g.peakEquity - equity) / g.peakEquity * 100
	if drawdownPct < g.cfg.MaxDrawdownPct {
		return false
	}

	g.halted = true
	g.haltReason = types.HaltReasonDrawdown

	g.log.Error("drawdown halt",
		zap.Float64("drawdown_pct", drawdownPct),
		zap.Float64("peak_equity", g.peakEquity),
		zap.Float64("equity", equity),
	)

	return true
}

// Halt trips the global halt for an external reason, such as an operator
// stop or an accounting invariant failure.
func (g *Guard) Halt(reason types.HaltReason) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.halted = true
	g.haltReason = reason

	g.log.Warn("trading halted", zap.String("reason", string(reason)))
}

// Resume clears every halt. Explicit operator action only.
func (g *Guard) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.halted = false
	g.haltReason = types.HaltReasonNone
	g.haltedPairs = make(map[string]types.HaltReason)

	g.log.Info("risk halt cleared")
}

func (g *Guard) Halted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.halted
}

func (g *Guard) PairHalted(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.halted {
		return true
	}

	_, ok := g.haltedPairs[symbol]

	return ok
}

// State reports the guard's halt status for snapshots. A pair-level halt
// surfaces with the reason recorded when the pair tripped.
func (g *Guard) State(symbol string) types.RiskState {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.halted {
		return types.RiskState{Halted: true, Reason: g.haltReason}
	}

	if reason, ok := g.haltedPairs[symbol]; ok {
		return types.RiskState{Halted: true, Reason: reason}
	}

	return types.RiskState{}
}

func (g *Guard) Config() Config {
	return g.cfg
}
