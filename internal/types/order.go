package types

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tern-labs/gridtrader/pkg/errors"
)

type Side string

type IntentKind string

type OrderStatus string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

const (
	IntentKindPlace  IntentKind = "PLACE"
	IntentKindCancel IntentKind = "CANCEL"
)

const (
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

const (
	IntentReasonGrid          string = "grid"
	IntentReasonRefill        string = "grid_refill"
	IntentReasonTrailingShift string = "trailing_shift"
	IntentReasonReconfigure   string = "reconfigure"
	IntentReasonStop          string = "stop"
	IntentReasonRiskHalt      string = "risk_halt"
	IntentReasonTakeProfit    string = "take_profit_unwind"
)

type Reason struct {
	Reason  string `yaml:"reason" json:"reason" validate:"required"`
	Message string `yaml:"message" json:"message"`
}

// OrderIntent is the single value type crossing the exchange boundary. The
// core emits intents; the exchange collaborator turns them into wire calls
// and reports outcomes back as events.
type OrderIntent struct {
	ID         string     `yaml:"id" json:"id" validate:"required,uuid"`
	Kind       IntentKind `yaml:"kind" json:"kind" validate:"required,oneof=PLACE CANCEL"`
	Symbol     string     `yaml:"symbol" json:"symbol" validate:"required"`
	Side       Side       `yaml:"side" json:"side" validate:"omitempty,oneof=BUY SELL"`
	Price      float64    `yaml:"price" json:"price" validate:"gte=0"`
	Amount     float64    `yaml:"amount" json:"amount" validate:"gte=0"`
	LevelIndex int        `yaml:"level_index" json:"level_index"`
	// OrderID is the exchange-assigned id of the order to cancel. Empty for
	// placements.
	OrderID string `yaml:"order_id" json:"order_id"`
	Reason  Reason `yaml:"reason" json:"reason" validate:"required"`
}

// Order is a resting exchange order bound to exactly one grid level.
type Order struct {
	OrderID    string      `yaml:"order_id" json:"order_id" validate:"required"`
	Symbol     string      `yaml:"symbol" json:"symbol" validate:"required"`
	Side       Side        `yaml:"side" json:"side" validate:"required,oneof=BUY SELL"`
	Price      float64     `yaml:"price" json:"price" validate:"required,gt=0"`
	Amount     float64     `yaml:"amount" json:"amount" validate:"required,gt=0"`
	Status     OrderStatus `yaml:"status" json:"status"`
	LevelIndex int         `yaml:"level_index" json:"level_index"`
	CreatedAt  time.Time   `yaml:"created_at" json:"created_at"`
}

// Fill is a fill notification from the exchange collaborator.
type Fill struct {
	OrderID   string    `yaml:"order_id" json:"order_id"`
	Symbol    string    `yaml:"symbol" json:"symbol"`
	Side      Side      `yaml:"side" json:"side"`
	Price     float64   `yaml:"price" json:"price"`
	Amount    float64   `yaml:"amount" json:"amount"`
	Fee       float64   `yaml:"fee" json:"fee"`
	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
}

// Validate validates the OrderIntent struct.
func (oi *OrderIntent) Validate() error {
	validate := validator.New()
	if err := validate.Struct(oi); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidIntent, "invalid order intent", err)
	}

	switch oi.Kind {
	case IntentKindPlace:
		if oi.Price <= 0 || oi.Amount <= 0 {
			return errors.Newf(errors.ErrCodeInvalidIntent, "placement requires positive price and amount, got price=%f amount=%f", oi.Price, oi.Amount)
		}

		if oi.Side != SideBuy && oi.Side != SideSell {
			return errors.New(errors.ErrCodeInvalidIntent, "placement requires a side")
		}
	case IntentKindCancel:
		if oi.OrderID == "" {
			return errors.New(errors.ErrCodeInvalidIntent, "cancel requires an order id")
		}
	}

	return nil
}

// Validate validates the Order struct.
func (o *Order) Validate() error {
	validate := validator.New()
	if err := validate.Struct(o); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidParameter, "invalid order", err)
	}

	return nil
}
