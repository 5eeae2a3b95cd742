package grid

import (
	"time"

	"github.com/moznion/go-optional"
	"github.com/tern-labs/gridtrader/internal/logger"
	"github.com/tern-labs/gridtrader/internal/types"
	"go.uber.org/zap"
)

type ShiftDirection string

const (
	ShiftDirectionUp   ShiftDirection = "up"
	ShiftDirectionDown ShiftDirection = "down"
)

// Shift describes a proposed grid move. Range width is preserved.
type Shift struct {
	NewLower  float64
	NewUpper  float64
	Direction ShiftDirection
}

// TrailingController decides whether the grid should follow a price trend.
// One instance per pair. The cooldown is a hard gate: at most one shift per
// cooldown window even while the trigger condition stays true.
type TrailingController struct {
	enabled      bool
	triggerPct   float64
	rebalancePct float64
	cooldown     time.Duration
	shiftCount   int
	lastShiftAt  time.Time
	log          *logger.Logger
}

func NewTrailingController(cfg types.GridConfig, log *logger.Logger) *TrailingController {
	return &TrailingController{
		enabled:      cfg.TrailingEnabled,
		triggerPct:   cfg.TrailingTriggerPct,
		rebalancePct: cfg.TrailingRebalancePct,
		cooldown:     time.Duration(cfg.TrailingCooldownSecs * float64(time.Second)),
		shiftCount:   0,
		lastShiftAt:  time.Time{},
		log:          log,
	}
}

// Evaluate checks the trigger and cooldown conditions for the given price
// observation and returns the shift to apply, if any. The controller state
// is only advanced by Commit, so an evaluation that the engine cannot act
// on costs nothing.
func (t *TrailingController) Evaluate(price, lower, upper float64, now time.Time) optional.Option[Shift] {
	if !t.enabled {
		return optional.None[Shift]()
	}

	if !t.lastShiftAt.IsZero() && now.Sub(t.lastShiftAt) < t.cooldown {
		return optional.None[Shift]()
	}

	width := upper - lower
	if width <= 0 {
		return optional.None[Shift]()
	}

	positionPct := (price - lower) / width
	trigger := t.triggerPct / 100.0

	var amount float64

	var direction ShiftDirection

	switch {
	case positionPct >= trigger:
		amount = width * t.rebalancePct / 100.0
		direction = ShiftDirectionUp
	case positionPct <= 1.0-trigger:
		amount = -(width * t.rebalancePct / 100.0)
		direction = ShiftDirectionDown
	default:
		return optional.None[Shift]()
	}

	newLower := lower + amount
	newUpper := upper + amount

	// A downward shift must not push the range below zero.
	if newLower <= 0 {
		return optional.None[Shift]()
	}

	return optional.Some(Shift{
		NewLower:  newLower,
		NewUpper:  newUpper,
		Direction: direction,
	})
}

// Commit records an applied shift: bumps the monotonic shift count and
// starts the cooldown window.
func (t *TrailingController) Commit(shift Shift, now time.Time) {
	t.shiftCount++
	t.lastShiftAt = now

	t.log.Info("trailing grid shift",
		zap.String("direction", string(shift.Direction)),
		zap.Float64("new_lower", shift.NewLower),
		zap.Float64("new_upper", shift.NewUpper),
		zap.Int("shift_count", t.shiftCount),
	)
}

// Reconfigure swaps the trailing parameters for a new grid config. The
// shift count and cooldown window survive reconfiguration.
func (t *TrailingController) Reconfigure(cfg types.GridConfig) {
	t.enabled = cfg.TrailingEnabled
	t.triggerPct = cfg.TrailingTriggerPct
	t.rebalancePct = cfg.TrailingRebalancePct
	t.cooldown = time.Duration(cfg.TrailingCooldownSecs * float64(time.Second))
}

// Restore rehydrates the controller from persisted state at startup.
func (t *TrailingController) Restore(state types.TrailingState) {
	t.shiftCount = state.ShiftCount
	t.lastShiftAt = state.LastShiftAt
}

// State returns the current trailing state for reporting.
func (t *TrailingController) State() types.TrailingState {
	return types.TrailingState{
		Enabled:     t.enabled,
		ShiftCount:  t.shiftCount,
		LastShiftAt: t.lastShiftAt,
	}
}
