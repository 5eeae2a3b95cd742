package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/moznion/go-optional"
	"github.com/tern-labs/gridtrader/pkg/errors"
)

type Spacing string

type LevelStatus string

const (
	SpacingArithmetic Spacing = "ARITHMETIC"
	SpacingGeometric  Spacing = "GEOMETRIC"
)

const (
	LevelStatusPending   LevelStatus = "PENDING"
	LevelStatusOpen      LevelStatus = "OPEN"
	LevelStatusFilled    LevelStatus = "FILLED"
	LevelStatusCancelled LevelStatus = "CANCELLED"
)

// GridConfig describes one pair's grid. Immutable once constructed;
// reconfiguration produces a new GridConfig and a full re-grid.
type GridConfig struct {
	Symbol               string  `yaml:"symbol" json:"symbol" validate:"required" jsonschema:"title=Symbol,description=Trading pair symbol such as BTC/USD"`
	LowerPrice           float64 `yaml:"lower_price" json:"lower_price" validate:"required,gt=0" jsonschema:"title=Lower Price,minimum=0"`
	UpperPrice           float64 `yaml:"upper_price" json:"upper_price" validate:"required,gt=0" jsonschema:"title=Upper Price,minimum=0"`
	NumLevels            int     `yaml:"num_levels" json:"num_levels" validate:"required,gte=2,lte=200" jsonschema:"title=Number of Levels,minimum=2,maximum=200"`
	Spacing              Spacing `yaml:"spacing" json:"spacing" validate:"required,oneof=ARITHMETIC GEOMETRIC" jsonschema:"title=Spacing Mode"`
	OrderSizeUSD         float64 `yaml:"order_size_usd" json:"order_size_usd" validate:"required,gt=0" jsonschema:"title=Order Size USD,minimum=0"`
	TrailingEnabled      bool    `yaml:"trailing_enabled" json:"trailing_enabled" jsonschema:"title=Trailing Enabled"`
	TrailingTriggerPct   float64 `yaml:"trailing_trigger_pct" json:"trailing_trigger_pct" validate:"gte=50,lte=95" jsonschema:"title=Trailing Trigger Percent,minimum=50,maximum=95"`
	TrailingRebalancePct float64 `yaml:"trailing_rebalance_pct" json:"trailing_rebalance_pct" validate:"gte=10,lte=100" jsonschema:"title=Trailing Rebalance Percent,minimum=10,maximum=100"`
	TrailingCooldownSecs float64 `yaml:"trailing_cooldown_secs" json:"trailing_cooldown_secs" validate:"gte=0" jsonschema:"title=Trailing Cooldown Seconds,minimum=0"`
}

// GridLevel is one price point with its associated resting order. Owned
// exclusively by one ledger instance.
type GridLevel struct {
	Index   int         `yaml:"index" json:"index"`
	Price   float64     `yaml:"price" json:"price"`
	Side    Side        `yaml:"side" json:"side"`
	Status  LevelStatus `yaml:"status" json:"status"`
	OrderID string      `yaml:"order_id" json:"order_id"`
	Amount  float64     `yaml:"amount" json:"amount"`
}

// TrailingState reports the trailing controller's progress. ShiftCount is
// monotonic.
type TrailingState struct {
	Enabled     bool      `yaml:"enabled" json:"enabled"`
	ShiftCount  int       `yaml:"shift_count" json:"shift_count"`
	LastShiftAt time.Time `yaml:"last_shift_at" json:"last_shift_at"`
}

// GridConfigPatch carries the partial fields of a reconfigure command.
// Absent fields retain their previous value.
type GridConfigPatch struct {
	LowerPrice           optional.Option[float64] `yaml:"lower_price" json:"lower_price"`
	UpperPrice           optional.Option[float64] `yaml:"upper_price" json:"upper_price"`
	NumLevels            optional.Option[int]     `yaml:"num_levels" json:"num_levels"`
	Spacing              optional.Option[Spacing] `yaml:"spacing" json:"spacing"`
	OrderSizeUSD         optional.Option[float64] `yaml:"order_size_usd" json:"order_size_usd"`
	TrailingEnabled      optional.Option[bool]    `yaml:"trailing_enabled" json:"trailing_enabled"`
	TrailingTriggerPct   optional.Option[float64] `yaml:"trailing_trigger_pct" json:"trailing_trigger_pct"`
	TrailingRebalancePct optional.Option[float64] `yaml:"trailing_rebalance_pct" json:"trailing_rebalance_pct"`
	TrailingCooldownSecs optional.Option[float64] `yaml:"trailing_cooldown_secs" json:"trailing_cooldown_secs"`
}

// Validate validates the GridConfig struct, including the cross-field range
// invariant.
func (c *GridConfig) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, "invalid grid config", err)
	}

	if c.LowerPrice >= c.UpperPrice {
		return errors.Newf(errors.ErrCodeInvalidConfig, "lower price (%f) must be below upper price (%f)", c.LowerPrice, c.UpperPrice)
	}

	return nil
}

// Apply merges the patch into cfg and returns the resulting config. cfg is
// not modified.
func (p GridConfigPatch) Apply(cfg GridConfig) GridConfig {
	merged := cfg
	if p.LowerPrice.IsSome() {
		merged.LowerPrice = p.LowerPrice.Unwrap()
	}

	if p.UpperPrice.IsSome() {
		merged.UpperPrice = p.UpperPrice.Unwrap()
	}

	if p.NumLevels.IsSome() {
		merged.NumLevels = p.NumLevels.Unwrap()
	}

	if p.Spacing.IsSome() {
		merged.Spacing = p.Spacing.Unwrap()
	}

	if p.OrderSizeUSD.IsSome() {
		merged.OrderSizeUSD = p.OrderSizeUSD.Unwrap()
	}

	if p.TrailingEnabled.IsSome() {
		merged.TrailingEnabled = p.TrailingEnabled.Unwrap()
	}

	if p.TrailingTriggerPct.IsSome() {
		merged.TrailingTriggerPct = p.TrailingTriggerPct.Unwrap()
	}

	if p.TrailingRebalancePct.IsSome() {
		merged.TrailingRebalancePct = p.TrailingRebalancePct.Unwrap()
	}

	if p.TrailingCooldownSecs.IsSome() {
		merged.TrailingCooldownSecs = p.TrailingCooldownSecs.Unwrap()
	}

	return merged
}
