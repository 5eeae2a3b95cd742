// Package ledger tracks each grid level's resting order through its
// lifecycle and reconciles exchange fill notifications back to levels.
package ledger

import (
	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"github.com/tern-labs/gridtrader/internal/grid"
	"github.com/tern-labs/gridtrader/internal/logger"
	"github.com/tern-labs/gridtrader/internal/types"
	"github.com/tern-labs/gridtrader/pkg/errors"
	"go.uber.org/zap"
)

// Ledger owns one pair's grid levels. Level states move
// PENDING → OPEN → FILLED | CANCELLED and never leave a terminal state; a
// filled or cancelled slot is only reused by constructing a brand-new level
// for the same index.
type Ledger struct {
	symbol  string
	cfg     types.GridConfig
	levels  []*types.GridLevel
	byOrder map[string]int
	log     *logger.Logger
}

// FillResult reports the outcome of applying one fill notification.
type FillResult struct {
	// Level is the filled level after the transition.
	Level types.GridLevel
	// Replacement is the opposite-side refill intent at the adjacent index,
	// when the grid has room for one. Subject to risk and capital approval
	// by the engine before it is emitted.
	Replacement optional.Option[types.OrderIntent]
	// Duplicate is true when the fill repeated a notification for an
	// already-filled level and was ignored.
	Duplicate bool
}

func NewLedger(symbol string, log *logger.Logger) *Ledger {
	return &Ledger{
		symbol:  symbol,
		byOrder: make(map[string]int),
		log:     log,
	}
}

// BuildGrid derives the full level set for cfg around the reference price
// and returns a placement intent per level. Any previous level set is
// discarded; callers cancel the old grid first.
func (l *Ledger) BuildGrid(cfg types.GridConfig, reference float64) ([]types.OrderIntent, error) {
	prices, err := grid.ComputeLevels(cfg.LowerPrice, cfg.UpperPrice, cfg.NumLevels, cfg.Spacing)
	if err != nil {
		return nil, err
	}

	sides := grid.AssignSides(prices, reference)

	l.cfg = cfg
	l.levels = make([]*types.GridLevel, len(prices))
	l.byOrder = make(map[string]int)

	intents := make([]types.OrderIntent, 0, len(prices))

	for i, price := range prices {
		amount := grid.OrderAmount(cfg.OrderSizeUSD, price)
		l.levels[i] = &types.GridLevel{
			Index:  i,
			Price:  price,
			Side:   sides[i],
			Status: types.LevelStatusPending,
			Amount: amount,
		}

		intents = append(intents, types.OrderIntent{
			ID:         uuid.New().String(),
			Kind:       types.IntentKindPlace,
			Symbol:     l.symbol,
			Side:       sides[i],
			Price:      price,
			Amount:     amount,
			LevelIndex: i,
			Reason:     types.Reason{Reason: types.IntentReasonGrid, Message: "initial grid placement"},
		})
	}

	l.log.Info("grid built",
		zap.String("symbol", l.symbol),
		zap.Int("levels", len(prices)),
		zap.Float64("reference", reference),
	)

	return intents, nil
}

// Acknowledge moves a level from PENDING to OPEN once the exchange has
// accepted its placement and assigned an order id.
func (l *Ledger) Acknowledge(levelIndex int, orderID string) error {
	level, err := l.level(levelIndex)
	if err != nil {
		return err
	}

	if level.Status == types.LevelStatusCancelled {
		// The grid moved on while the placement was in flight. The engine
		// follows up with a cancel for the now-known order id.
		l.byOrder[orderID] = levelIndex
		level.OrderID = orderID

		return nil
	}

	if level.Status != types.LevelStatusPending {
		return errors.Newf(errors.ErrCodeInvalidTransition, "level %d is %s, cannot acknowledge", levelIndex, level.Status)
	}

	level.Status = types.LevelStatusOpen
	level.OrderID = orderID
	l.byOrder[orderID] = levelIndex

	return nil
}

// Reject marks a PENDING level CANCELLED after the exchange permanently
// refused its placement.
func (l *Ledger) Reject(levelIndex int) error {
	level, err := l.level(levelIndex)
	if err != nil {
		return err
	}

	if level.Status != types.LevelStatusPending {
		return errors.Newf(errors.ErrCodeInvalidTransition, "level %d is %s, cannot reject", levelIndex, level.Status)
	}

	level.Status = types.LevelStatusCancelled

	return nil
}

// ApplyFill reconciles one fill notification. Duplicate notifications for
// an already-filled level are idempotent no-ops. A fill for an order the
// ledger never placed is a reconciliation error: surfaced, not fatal.
func (l *Ledger) ApplyFill(fill types.Fill) (FillResult, error) {
	idx, ok := l.byOrder[fill.OrderID]
	if !ok {
		return FillResult{}, errors.Newf(errors.ErrCodeReconciliation, "fill for unknown order %s on %s", fill.OrderID, l.symbol)
	}

	level := l.levels[idx]

	switch level.Status {
	case types.LevelStatusFilled:
		return FillResult{Level: *level, Duplicate: true, Replacement: optional.None[types.OrderIntent]()}, nil
	case types.LevelStatusCancelled:
		return FillResult{}, errors.Newf(errors.ErrCodeReconciliation, "fill for cancelled order %s at level %d", fill.OrderID, idx)
	case types.LevelStatusOpen:
		// expected
	default:
		return FillResult{}, errors.Newf(errors.ErrCodeReconciliation, "fill for order %s at level %d in state %s", fill.OrderID, idx, level.Status)
	}

	level.Status = types.LevelStatusFilled

	return FillResult{
		Level:       *level,
		Replacement: l.replacementFor(level),
		Duplicate:   false,
	}, nil
}

// replacementFor builds the opposite-side refill for a just-filled level:
// a buy fill spawns a sell one level up, a sell fill a buy one level down.
// The target slot must be free; a live order already resting there wins.
func (l *Ledger) replacementFor(filled *types.GridLevel) optional.Option[types.OrderIntent] {
	opposite := types.SideSell

	targetIdx := filled.Index + 1
	if filled.Side == types.SideSell {
		opposite = types.SideBuy
		targetIdx = filled.Index - 1
	}

	if targetIdx < 0 || targetIdx >= len(l.levels) {
		return optional.None[types.OrderIntent]()
	}

	target := l.levels[targetIdx]
	if target.Status == types.LevelStatusPending || target.Status == types.LevelStatusOpen {
		return optional.None[types.OrderIntent]()
	}

	// The old slot is terminal; arm a brand-new level in its place.
	amount := grid.OrderAmount(l.cfg.OrderSizeUSD, target.Price)
	l.levels[targetIdx] = &types.GridLevel{
		Index:  targetIdx,
		Price:  target.Price,
		Side:   opposite,
		Status: types.LevelStatusPending,
		Amount: amount,
	}

	return optional.Some(types.OrderIntent{
		ID:         uuid.New().String(),
		Kind:       types.IntentKindPlace,
		Symbol:     l.symbol,
		Side:       opposite,
		Price:      target.Price,
		Amount:     amount,
		LevelIndex: targetIdx,
		Reason:     types.Reason{Reason: types.IntentReasonRefill, Message: "opposite side refill after fill"},
	})
}

// CancelAll marks every live level CANCELLED and returns cancel intents
// for the ones already resting on the exchange. PENDING levels without an
// order id are cancelled in place; their late acknowledgments are followed
// up with a cancel by the engine.
func (l *Ledger) CancelAll(reason string) []types.OrderIntent {
	var intents []types.OrderIntent

	for _, level := range l.levels {
		switch level.Status {
		case types.LevelStatusOpen:
			// Side, price, and amount ride along so the engine can release
			// the capital reserved for cancelled buys.
			intents = append(intents, types.OrderIntent{
				ID:         uuid.New().String(),
				Kind:       types.IntentKindCancel,
				Symbol:     l.symbol,
				Side:       level.Side,
				Price:      level.Price,
				Amount:     level.Amount,
				LevelIndex: level.Index,
				OrderID:    level.OrderID,
				Reason:     types.Reason{Reason: reason},
			})
			level.Status = types.LevelStatusCancelled
		case types.LevelStatusPending:
			level.Status = types.LevelStatusCancelled
		}
	}

	if len(intents) > 0 {
		l.log.Info("grid orders cancelled",
			zap.String("symbol", l.symbol),
			zap.Int("count", len(intents)),
			zap.String("reason", reason),
		)
	}

	return intents
}

// ApplyCancelAck forgets the order id of an acknowledged cancellation.
func (l *Ledger) ApplyCancelAck(orderID string) {
	delete(l.byOrder, orderID)
}

// OpenOrderCount counts levels with a live order: resting or awaiting
// placement acknowledgment.
func (l *Ledger) OpenOrderCount() int {
	count := 0

	for _, level := range l.levels {
		if level.Status == types.LevelStatusOpen || level.Status == types.LevelStatusPending {
			count++
		}
	}

	return count
}

// RestingOrderCount counts only orders confirmed resting on the venue.
func (l *Ledger) RestingOrderCount() int {
	count := 0

	for _, level := range l.levels {
		if level.Status == types.LevelStatusOpen {
			count++
		}
	}

	return count
}

// Levels returns a copy of the current level set for reporting.
func (l *Ledger) Levels() []types.GridLevel {
	out := make([]types.GridLevel, len(l.levels))
	for i, level := range l.levels {
		out[i] = *level
	}

	return out
}

// Config returns the grid config the current level set was derived from.
func (l *Ledger) Config() types.GridConfig {
	return l.cfg
}

// Restore rehydrates the ledger from persisted orders at startup. Every
// open order is rebound to the level at its recorded index.
func (l *Ledger) Restore(cfg types.GridConfig, reference float64, openOrders []types.Order) error {
	if _, err := l.BuildGrid(cfg, reference); err != nil {
		return err
	}

	// BuildGrid left every level PENDING awaiting placement; flip the ones
	// that already rest on the exchange to OPEN and park the rest as
	// CANCELLED so the engine re-places only what is missing.
	for _, level := range l.levels {
		level.Status = types.LevelStatusCancelled
	}

	for _, order := range openOrders {
		if order.LevelIndex < 0 || order.LevelIndex >= len(l.levels) {
			return errors.Newf(errors.ErrCodeUnknownLevel, "restored order %s references level %d outside grid of %d", order.OrderID, order.LevelIndex, len(l.levels))
		}

		level := l.levels[order.LevelIndex]
		level.Status = types.LevelStatusOpen
		level.Side = order.Side
		level.OrderID = order.OrderID
		level.Amount = order.Amount
		l.byOrder[order.OrderID] = order.LevelIndex
	}

	l.log.Info("ledger restored",
		zap.String("symbol", l.symbol),
		zap.Int("open_orders", len(openOrders)),
	)

	return nil
}

func (l *Ledger) level(idx int) (*types.GridLevel, error) {
	if idx < 0 || idx >= len(l.levels) {
		return nil, errors.Newf(errors.ErrCodeUnknownLevel, "level index %d outside grid of %d", idx, len(l.levels))
	}

	return l.levels[idx], nil
}

// OrderForLevel reports the order id resting at a level, if any.
func (l *Ledger) OrderForLevel(idx int) (string, bool) {
	if idx < 0 || idx >= len(l.levels) {
		return "", false
	}

	if l.levels[idx].OrderID == "" {
		return "", false
	}

	return l.levels[idx].OrderID, true
}

// NewCancelIntent builds a cancel for a single order id; used by the engine
// when a late acknowledgment lands on an already-cancelled level.
func NewCancelIntent(symbol, orderID string, levelIndex int, reason string) types.OrderIntent {
	return types.OrderIntent{
		ID:         uuid.New().String(),
		Kind:       types.IntentKindCancel,
		Symbol:     symbol,
		LevelIndex: levelIndex,
		OrderID:    orderID,
		Reason:     types.Reason{Reason: reason},
	}
}

// LevelStateAt reports a level's status; used by tests and the engine's
// stop bookkeeping.
func (l *Ledger) LevelStateAt(idx int) (types.LevelStatus, error) {
	level, err := l.level(idx)
	if err != nil {
		return "", err
	}

	return level.Status, nil
}
