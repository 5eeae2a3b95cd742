// Package engine orchestrates one trading pair: it composes the grid
// calculator, trailing controller, order ledger, accountant, capital pool,
// and risk guard, turning price and fill events into order intents.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tern-labs/gridtrader/internal/account"
	"github.com/tern-labs/gridtrader/internal/capital"
	"github.com/tern-labs/gridtrader/internal/exchange"
	"github.com/tern-labs/gridtrader/internal/grid"
	"github.com/tern-labs/gridtrader/internal/ledger"
	"github.com/tern-labs/gridtrader/internal/logger"
	"github.com/tern-labs/gridtrader/internal/risk"
	"github.com/tern-labs/gridtrader/internal/types"
	"github.com/tern-labs/gridtrader/pkg/errors"
	"go.uber.org/zap"
)

// baseDust is the residual below which a position counts as flat.
const baseDust = 1e-9

// Hooks are optional observers for durable side effects. They run inline on
// the engine's event path and must not block.
type Hooks struct {
	OnOrder func(types.Order)
	OnFill  func(types.Fill, types.Position)
	OnShift func(symbol string, shift grid.Shift)
}

// Deps are the shared collaborators an engine is wired with.
type Deps struct {
	Pool     *capital.Pool
	Guard    *risk.Guard
	Exchange exchange.Exchange
	Logger   *logger.Logger
	Hooks    Hooks
}

// Totals feeds pool-wide figures into per-pair risk checks. The default
// reports the engine's own pair, which is exact for single-pair runs; the
// multi-pair manager injects aggregated numbers.
type Totals func() (equity, positionUSD float64)

// Engine runs the grid strategy for a single pair. Event handlers are
// serialized: the live loop is the single consumer of the event queue, and
// the backtest runner calls handlers directly from one goroutine.
type Engine struct {
	mu sync.Mutex

	symbol     string
	cfg        types.GridConfig
	trailing   *grid.TrailingController
	ledger     *ledger.Ledger
	accountant *account.Accountant
	pool       *capital.Pool
	guard      *risk.Guard
	exch       exchange.Exchange
	hooks      Hooks
	log        *logger.Logger

	status    types.EngineStatus
	lastPrice float64
	totals    Totals

	// figuresMu guards the published equity and exposure figures. Injected
	// Totals implementations read them via Figures while the owning handler
	// still holds mu, so they must never require mu themselves.
	figuresMu         sync.Mutex
	cachedEquity      float64
	cachedPositionUSD float64

	// unwindOrders tracks take-profit liquidation orders, which live outside
	// the grid ledger.
	unwindOrders map[string]bool
	unwinding    bool

	events chan event
	stopCh chan struct{}
	stop   sync.Once
}

type eventKind int

const (
	eventPrice eventKind = iota
	eventFill
)

type event struct {
	kind  eventKind
	price float64
	fill  types.Fill
	now   time.Time
}

func New(cfg types.GridConfig, initialQuoteUSD float64, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		symbol:       cfg.Symbol,
		cfg:          cfg,
		trailing:     grid.NewTrailingController(cfg, deps.Logger),
		ledger:       ledger.NewLedger(cfg.Symbol, deps.Logger),
		accountant:   account.NewAccountant(initialQuoteUSD),
		pool:         deps.Pool,
		guard:        deps.Guard,
		exch:         deps.Exchange,
		hooks:        deps.Hooks,
		log:          deps.Logger,
		status:       types.EngineStatusIdle,
		unwindOrders: make(map[string]bool),
		events:       make(chan event, 1024),
		stopCh:       make(chan struct{}),
	}
	e.totals = e.ownTotals
	e.cachedEquity = initialQuoteUSD

	return e, nil
}

// publishFigures refreshes the equity and exposure numbers served by
// Figures. Call with mu held after any position or price change.
func (e *Engine) publishFigures() {
	pos := e.accountant.Position()

	e.figuresMu.Lock()
	e.cachedEquity = pos.Equity(e.lastPrice)
	e.cachedPositionUSD = pos.BaseBalance * pos.AvgEntryPrice
	e.figuresMu.Unlock()
}

// Figures reports the engine's last published equity and position value.
// Unlike Snapshot it does not take the engine lock, so pool-wide Totals
// built from it stay safe to call from inside another engine's handlers.
func (e *Engine) Figures() (equity, positionUSD float64) {
	e.figuresMu.Lock()
	defer e.figuresMu.Unlock()

	return e.cachedEquity, e.cachedPositionUSD
}

func (e *Engine) ownTotals() (float64, float64) {
	pos := e.accountant.Position()

	return pos.Equity(e.lastPrice), pos.BaseBalance * pos.AvgEntryPrice
}

// SetTotals overrides the pool-wide figures used for drawdown and global
// position checks. Call before Start.
func (e *Engine) SetTotals(totals Totals) {
	e.totals = totals
}

func (e *Engine) Symbol() string {
	return e.symbol
}

// Start builds the initial grid around the reference price and begins
// trading. Only valid from IDLE.
func (e *Engine) Start(ctx context.Context, reference float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != types.EngineStatusIdle {
		return errors.Newf(errors.ErrCodeInvalidTransition, "cannot start from %s", e.status)
	}

	e.status = types.EngineStatusStarting
	e.lastPrice = reference
	e.publishFigures()

	places, err := e.ledger.BuildGrid(e.cfg, reference)
	if err != nil {
		e.status = types.EngineStatusError
		return err
	}

	for _, intent := range places {
		e.submitPlacement(ctx, intent)
	}

	e.status = types.EngineStatusRunning

	e.log.Info("engine started",
		zap.String("symbol", e.symbol),
		zap.Float64("reference", reference),
		zap.Int("resting_orders", e.ledger.RestingOrderCount()),
	)

	return nil
}

// HandlePrice processes one price tick: mark the position, propagate any
// grid shift, then evaluate the risk breakers.
func (e *Engine) HandlePrice(ctx context.Context, price float64, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != types.EngineStatusRunning {
		return
	}

	e.lastPrice = price
	e.accountant.MarkPrice(price)
	e.publishFigures()

	if e.guard.PairHalted(e.symbol) {
		// Another pair may have tripped the global breaker since our last
		// event; pull our resting orders too.
		e.cancelAll(ctx, types.IntentReasonRiskHalt)
		return
	}

	if !e.unwinding {
		if shift := e.trailing.Evaluate(price, e.cfg.LowerPrice, e.cfg.UpperPrice, now); shift.IsSome() {
			e.applyShift(ctx, shift.Unwrap(), price, now)
		}
	}

	pos := e.accountant.Position()

	if e.guard.CheckStopLoss(e.symbol, pos) {
		e.cancelAll(ctx, types.IntentReasonRiskHalt)
		return
	}

	if !e.unwinding && e.guard.CheckTakeProfit(e.symbol, pos) {
		e.startUnwind(ctx)
		return
	}

	equity, _ := e.totals()
	if e.guard.CheckDrawdown(equity) {
		e.cancelAll(ctx, types.IntentReasonRiskHalt)
	}
}

// HandleFill reconciles one fill notification: ledger transition,
// accounting, capital settlement, then the opposite-side refill.
func (e *Engine) HandleFill(ctx context.Context, fill types.Fill) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == types.EngineStatusIdle || e.status == types.EngineStatusStopped {
		return errors.Newf(errors.ErrCodeEngineNotRunning, "fill %s arrived while %s", fill.OrderID, e.status)
	}

	if e.unwindOrders[fill.OrderID] {
		delete(e.unwindOrders, fill.OrderID)
		e.settleFill(fill)
		e.finishUnwindIfFlat(ctx)

		return nil
	}

	res, err := e.ledger.ApplyFill(fill)
	if err != nil {
		// Reconciliation failures are surfaced but do not stop trading.
		e.log.Error("fill reconciliation failed",
			zap.String("symbol", e.symbol),
			zap.String("order_id", fill.OrderID),
			zap.Error(err),
		)

		return err
	}

	if res.Duplicate {
		return nil
	}

	e.settleFill(fill)

	if err := e.pool.CheckInvariant(); err != nil {
		e.status = types.EngineStatusError
		e.guard.Halt(types.HaltReasonInvariant)
		e.cancelAll(ctx, types.IntentReasonRiskHalt)

		return err
	}

	if res.Replacement.IsSome() {
		intent := res.Replacement.Unwrap()

		if e.status != types.EngineStatusRunning || e.guard.PairHalted(e.symbol) {
			// The re-armed level must not sit PENDING with no order behind
			// it while the pair is halted.
			e.rejectLevel(intent.LevelIndex)
			return nil
		}

		e.submitPlacement(ctx, intent)
	}

	return nil
}

// settleFill records a fill with the accountant and settles its cash
// effects against the shared pool.
func (e *Engine) settleFill(fill types.Fill) {
	before := e.accountant.Position().RealizedPnL

	e.accountant.RecordFill(fill)
	e.accountant.MarkPrice(e.lastPrice)
	e.publishFigures()

	pos := e.accountant.Position()

	if fill.Side == types.SideSell {
		// Sale proceeds come back to the pool as allocable capital.
		e.pool.Release(e.symbol, fill.Amount*fill.Price-fill.Fee)
	}

	e.pool.Settle(e.symbol, pos.RealizedPnL-before, fill.Fee)

	if e.hooks.OnFill != nil {
		e.hooks.OnFill(fill, pos)
	}
}

// applyShift cancels the current grid, commits the trailing move, and
// rebuilds the level set inside the new bounds.
func (e *Engine) applyShift(ctx context.Context, shift grid.Shift, price float64, now time.Time) {
	for _, intent := range e.ledger.CancelAll(types.IntentReasonTrailingShift) {
		e.submitCancel(ctx, intent)
	}

	e.trailing.Commit(shift, now)
	e.cfg.LowerPrice = shift.NewLower
	e.cfg.UpperPrice = shift.NewUpper

	places, err := e.ledger.BuildGrid(e.cfg, price)
	if err != nil {
		// The shifted bounds came from a validated config and preserve
		// width, so this only fires on accounting bugs.
		e.status = types.EngineStatusError
		e.log.Error("grid rebuild after shift failed", zap.String("symbol", e.symbol), zap.Error(err))

		return
	}

	for _, intent := range places {
		e.submitPlacement(ctx, intent)
	}

	if e.hooks.OnShift != nil {
		e.hooks.OnShift(e.symbol, shift)
	}
}

// startUnwind liquidates the position after a take-profit trigger: pull
// the grid, sell the full base inventory at the current price, and keep
// running.
func (e *Engine) startUnwind(ctx context.Context) {
	e.cancelAll(ctx, types.IntentReasonTakeProfit)

	pos := e.accountant.Position()
	if pos.BaseBalance <= baseDust {
		return
	}

	intent := types.OrderIntent{
		ID:         uuid.New().String(),
		Kind:       types.IntentKindPlace,
		Symbol:     e.symbol,
		Side:       types.SideSell,
		Price:      e.lastPrice,
		Amount:     pos.BaseBalance,
		LevelIndex: -1,
		Reason:     types.Reason{Reason: types.IntentReasonTakeProfit, Message: "liquidating position at take profit"},
	}

	orderID, err := e.exch.PlaceLimitOrder(ctx, intent)
	if err != nil {
		e.log.Error("unwind order placement failed", zap.String("symbol", e.symbol), zap.Error(err))
		return
	}

	e.unwinding = true
	e.unwindOrders[orderID] = true

	e.log.Info("take profit unwind placed",
		zap.String("symbol", e.symbol),
		zap.String("order_id", orderID),
		zap.Float64("amount", pos.BaseBalance),
	)
}

// finishUnwindIfFlat rebuilds the grid once the liquidation completes.
func (e *Engine) finishUnwindIfFlat(ctx context.Context) {
	if len(e.unwindOrders) > 0 {
		return
	}

	if e.accountant.Position().BaseBalance > baseDust {
		return
	}

	e.unwinding = false

	if e.status != types.EngineStatusRunning {
		return
	}

	places, err := e.ledger.BuildGrid(e.cfg, e.lastPrice)
	if err != nil {
		e.log.Error("grid rebuild after unwind failed", zap.String("symbol", e.symbol), zap.Error(err))
		return
	}

	for _, intent := range places {
		e.submitPlacement(ctx, intent)
	}
}

// submitPlacement gates one placement through risk and capital, routes it
// to the venue, and acknowledges the resulting order id. Buy allocations
// roll back when the venue rejects the order.
func (e *Engine) submitPlacement(ctx context.Context, intent types.OrderIntent) {
	_, totalPositionUSD := e.totals()
	pos := e.accountant.Position()

	exposure := risk.Exposure{
		OpenOrders:       e.ledger.RestingOrderCount(),
		PairPositionUSD:  pos.BaseBalance * pos.AvgEntryPrice,
		TotalPositionUSD: totalPositionUSD,
	}

	if err := e.guard.CheckOrder(intent, exposure); err != nil {
		e.rejectLevel(intent.LevelIndex)
		e.log.Debug("placement blocked by risk",
			zap.String("symbol", e.symbol),
			zap.Int("level", intent.LevelIndex),
			zap.Error(err),
		)

		return
	}

	cost := intent.Price * intent.Amount

	if intent.Side == types.SideBuy {
		if err := e.pool.Allocate(e.symbol, cost); err != nil {
			e.rejectLevel(intent.LevelIndex)
			e.log.Warn("placement skipped, no capital",
				zap.String("symbol", e.symbol),
				zap.Int("level", intent.LevelIndex),
				zap.Error(err),
			)

			return
		}
	}

	orderID, err := e.exch.PlaceLimitOrder(ctx, intent)
	if err != nil {
		if intent.Side == types.SideBuy {
			e.pool.Release(e.symbol, cost)
		}

		e.rejectLevel(intent.LevelIndex)
		e.log.Error("placement rejected by venue",
			zap.String("symbol", e.symbol),
			zap.Int("level", intent.LevelIndex),
			zap.Error(err),
		)

		return
	}

	if err := e.ledger.Acknowledge(intent.LevelIndex, orderID); err != nil {
		e.log.Error("acknowledge failed", zap.String("order_id", orderID), zap.Error(err))
		return
	}

	if e.hooks.OnOrder != nil {
		e.hooks.OnOrder(types.Order{
			OrderID:    orderID,
			Symbol:     intent.Symbol,
			Side:       intent.Side,
			Price:      intent.Price,
			Amount:     intent.Amount,
			Status:     types.OrderStatusOpen,
			LevelIndex: intent.LevelIndex,
			CreatedAt:  time.Now(),
		})
	}
}

func (e *Engine) rejectLevel(levelIndex int) {
	if levelIndex < 0 {
		return
	}

	if err := e.ledger.Reject(levelIndex); err != nil {
		e.log.Error("reject failed", zap.Int("level", levelIndex), zap.Error(err))
	}
}

// submitCancel routes one cancel to the venue and releases the capital
// reserved for a cancelled buy. A miss means the fill raced the cancel;
// the fill event settles it.
func (e *Engine) submitCancel(ctx context.Context, intent types.OrderIntent) {
	if err := e.exch.CancelOrder(ctx, intent.Symbol, intent.OrderID); err != nil {
		e.log.Warn("cancel missed, order likely filled",
			zap.String("symbol", e.symbol),
			zap.String("order_id", intent.OrderID),
			zap.Error(err),
		)

		return
	}

	e.ledger.ApplyCancelAck(intent.OrderID)

	if intent.Side == types.SideBuy {
		e.pool.Release(e.symbol, intent.Price*intent.Amount)
	}
}

func (e *Engine) cancelAll(ctx context.Context, reason string) {
	for _, intent := range e.ledger.CancelAll(reason) {
		e.submitCancel(ctx, intent)
	}
}

// Stop pulls every resting order and ends the engine. Safe to call from
// any state.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status {
	case types.EngineStatusStopped, types.EngineStatusIdle:
		e.status = types.EngineStatusStopped
		return nil
	case types.EngineStatusError:
		e.cancelAll(ctx, types.IntentReasonStop)
		return nil
	}

	e.status = types.EngineStatusStopping
	e.cancelAll(ctx, types.IntentReasonStop)
	e.status = types.EngineStatusStopped

	e.log.Info("engine stopped", zap.String("symbol", e.symbol))

	return nil
}

// Reconfigure applies a partial config change atomically: validate the
// merged config first, then cancel, swap, and rebuild. State is untouched
// when the merged config is invalid.
func (e *Engine) Reconfigure(ctx context.Context, patch types.GridConfigPatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != types.EngineStatusRunning {
		return errors.Newf(errors.ErrCodeEngineNotRunning, "cannot reconfigure while %s", e.status)
	}

	merged := patch.Apply(e.cfg)
	if err := merged.Validate(); err != nil {
		return err
	}

	e.cancelAll(ctx, types.IntentReasonReconfigure)

	e.cfg = merged
	e.trailing.Reconfigure(merged)

	places, err := e.ledger.BuildGrid(merged, e.lastPrice)
	if err != nil {
		e.status = types.EngineStatusError
		return err
	}

	for _, intent := range places {
		e.submitPlacement(ctx, intent)
	}

	e.log.Info("engine reconfigured",
		zap.String("symbol", e.symbol),
		zap.Float64("lower", merged.LowerPrice),
		zap.Float64("upper", merged.UpperPrice),
		zap.Int("levels", merged.NumLevels),
	)

	return nil
}

// Resume clears a sticky risk halt and rebuilds the grid if the halt took
// the orders down.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.guard.Resume()

	if e.status != types.EngineStatusRunning || e.ledger.OpenOrderCount() > 0 {
		return nil
	}

	places, err := e.ledger.BuildGrid(e.cfg, e.lastPrice)
	if err != nil {
		return err
	}

	for _, intent := range places {
		e.submitPlacement(ctx, intent)
	}

	return nil
}

// Restore rehydrates a previously-running engine from persisted state and
// resumes trading against the orders still resting on the venue.
func (e *Engine) Restore(cfg types.GridConfig, pos types.Position, trailing types.TrailingState, openOrders []types.Order, lastPrice float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != types.EngineStatusIdle {
		return errors.Newf(errors.ErrCodeInvalidTransition, "cannot restore from %s", e.status)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := e.ledger.Restore(cfg, lastPrice, openOrders); err != nil {
		return err
	}

	e.cfg = cfg
	e.accountant.Restore(pos)
	e.trailing.Restore(trailing)
	e.trailing.Reconfigure(cfg)
	e.lastPrice = lastPrice
	e.status = types.EngineStatusRunning
	e.publishFigures()

	return nil
}

// Snapshot is the read-only view served to reporting collaborators.
func (e *Engine) Snapshot() types.PairSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	riskState := e.guard.State(e.symbol)

	return types.PairSnapshot{
		Symbol:         e.symbol,
		Status:         e.status,
		Config:         e.cfg,
		CurrentPrice:   e.lastPrice,
		GridLevels:     e.ledger.Levels(),
		Position:       e.accountant.Position(),
		Trailing:       e.trailing.State(),
		RiskHalted:     riskState.Halted,
		RiskReason:     riskState.Reason,
		OpenOrderCount: e.ledger.RestingOrderCount(),
	}
}

func (e *Engine) Status() types.EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.status
}

// EnqueuePrice queues a price tick for the live loop.
func (e *Engine) EnqueuePrice(price float64, now time.Time) {
	select {
	case e.events <- event{kind: eventPrice, price: price, now: now}:
	default:
		e.log.Warn("event queue full, dropping price tick", zap.String("symbol", e.symbol))
	}
}

// EnqueueFill queues a fill notification for the live loop. Fills are never
// dropped; the send blocks if the queue is full.
func (e *Engine) EnqueueFill(fill types.Fill) {
	e.events <- event{kind: eventFill, fill: fill}
}

// SignalStop asks the live loop to shut down. Stop takes priority over any
// queued events.
func (e *Engine) SignalStop() {
	e.stop.Do(func() { close(e.stopCh) })
}

// Run consumes the event queue until stopped. The loop is the queue's only
// consumer, so events apply strictly in arrival order.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-e.stopCh:
			return e.Stop(ctx)
		case <-ctx.Done():
			return e.Stop(ctx)
		default:
		}

		select {
		case <-e.stopCh:
			return e.Stop(ctx)
		case <-ctx.Done():
			return e.Stop(ctx)
		case ev := <-e.events:
			switch ev.kind {
			case eventPrice:
				e.HandlePrice(ctx, ev.price, ev.now)
			case eventFill:
				if err := e.HandleFill(ctx, ev.fill); err != nil && errors.GetCode(err) != errors.ErrCodeReconciliation {
					return err
				}
			}
		}
	}
}
