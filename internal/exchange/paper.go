package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tern-labs/gridtrader/internal/logger"
	"github.com/tern-labs/gridtrader/internal/types"
	"github.com/tern-labs/gridtrader/pkg/errors"
	"go.uber.org/zap"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	// FeeRate is the taker fee as a fraction of notional, e.g. 0.006.
	FeeRate float64 `json:"fee_rate" yaml:"fee_rate" validate:"gte=0,lt=1"`
	// SlippageBps worsens every fill price by this many basis points.
	SlippageBps float64 `json:"slippage_bps" yaml:"slippage_bps" validate:"gte=0"`
	// InitialQuoteUSD funds the venue-side quote balance. Orders that the
	// balance cannot cover rest unfilled.
	InitialQuoteUSD float64 `json:"initial_quote_usd" yaml:"initial_quote_usd" validate:"gte=0"`
}

// Validate validates the PaperConfig struct.
func (c *PaperConfig) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, "invalid paper exchange config", err)
	}

	return nil
}

// PaperExchange is an in-process venue. Orders rest until a price update
// crosses them; a crossed order only fills when the venue balance covers
// it, otherwise it stays resting. Fills are deterministic for a given
// event sequence.
type PaperExchange struct {
	mu sync.Mutex

	cfg     PaperConfig
	resting map[string]types.Order
	// seq preserves placement order so fills are deterministic for a given
	// event sequence.
	seq       []string
	lastPrice map[string]float64
	quote     float64
	base      map[string]float64
	nextID    int
	fills     chan types.Fill
	log       *logger.Logger
}

func NewPaperExchange(cfg PaperConfig, log *logger.Logger) *PaperExchange {
	return &PaperExchange{
		cfg:       cfg,
		resting:   make(map[string]types.Order),
		lastPrice: make(map[string]float64),
		quote:     cfg.InitialQuoteUSD,
		base:      make(map[string]float64),
		fills:     make(chan types.Fill, 256),
		log:       log,
	}
}

// Deposit seeds base inventory for a symbol; used when simulating an
// account that already holds the asset.
func (p *PaperExchange) Deposit(symbol string, amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.base[symbol] += amount
}

// Balances reports the venue-side quote and base holdings for a symbol.
func (p *PaperExchange) Balances(symbol string) (quote, base float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.quote, p.base[symbol]
}

func (p *PaperExchange) PlaceLimitOrder(_ context.Context, intent types.OrderIntent) (string, error) {
	if err := intent.Validate(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	orderID := fmt.Sprintf("paper-%d", p.nextID)

	p.seq = append(p.seq, orderID)
	p.resting[orderID] = types.Order{
		OrderID:    orderID,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Price:      intent.Price,
		Amount:     intent.Amount,
		Status:     types.OrderStatusOpen,
		LevelIndex: intent.LevelIndex,
		CreatedAt:  time.Now(),
	}

	return orderID, nil
}

func (p *PaperExchange) CancelOrder(_ context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.resting[orderID]
	if !ok || order.Symbol != symbol {
		return errors.Newf(errors.ErrCodeOrderNotFound, "order %s not resting on %s", orderID, symbol)
	}

	delete(p.resting, orderID)

	return nil
}

func (p *PaperExchange) OpenOrders(_ context.Context, symbol string) ([]types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []types.Order

	for _, order := range p.resting {
		if order.Symbol == symbol {
			out = append(out, order)
		}
	}

	return out, nil
}

func (p *PaperExchange) Ticker(_ context.Context, symbol string) (types.Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	last, ok := p.lastPrice[symbol]
	if !ok {
		return types.Ticker{}, errors.Newf(errors.ErrCodeExchangeTransient, "no price seen for %s yet", symbol)
	}

	return types.Ticker{Symbol: symbol, Last: last, Time: time.Now()}, nil
}

func (p *PaperExchange) Fills() <-chan types.Fill {
	return p.fills
}

// MarkPrice crosses resting orders against a traded price: buys fill at or
// below their limit, sells at or above. Fills are returned and also pushed
// to the notification channel for the live loop.
func (p *PaperExchange) MarkPrice(symbol string, price float64, now time.Time) []types.Fill {
	fills := p.match(symbol, price, price, price, now)

	for _, fill := range fills {
		select {
		case p.fills <- fill:
		default:
			p.log.Warn("fill channel full, dropping notification", zap.String("order_id", fill.OrderID))
		}
	}

	return fills
}

// AdvanceBar crosses resting orders against a full bar range: a buy fills
// when the low trades through its limit, a sell when the high does. Used by
// the backtest path, which consumes fills synchronously.
func (p *PaperExchange) AdvanceBar(symbol string, bar types.Bar) []types.Fill {
	return p.match(symbol, bar.High, bar.Low, bar.Close, bar.Time)
}

// match crosses the book against a traded range. last is the price the bar
// settled at, recorded for Ticker.
func (p *PaperExchange) match(symbol string, high, low, last float64, now time.Time) []types.Fill {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastPrice[symbol] = last

	var fills []types.Fill

	for _, orderID := range p.seq {
		order, ok := p.resting[orderID]
		if !ok || order.Symbol != symbol {
			continue
		}

		var fillPrice float64

		switch {
		case order.Side == types.SideBuy && low <= order.Price:
			fillPrice = order.Price * (1 + p.cfg.SlippageBps/10000)
		case order.Side == types.SideSell && high >= order.Price:
			fillPrice = order.Price * (1 - p.cfg.SlippageBps/10000)
		default:
			continue
		}

		fee := fillPrice * order.Amount * p.cfg.FeeRate

		// Balance gate: an uncovered order stays resting.
		if order.Side == types.SideBuy {
			cost := fillPrice*order.Amount + fee
			if p.quote < cost {
				continue
			}

			p.quote -= cost
			p.base[symbol] += order.Amount
		} else {
			if p.base[symbol] < order.Amount {
				continue
			}

			p.base[symbol] -= order.Amount
			p.quote += fillPrice*order.Amount - fee
		}

		delete(p.resting, orderID)

		fills = append(fills, types.Fill{
			OrderID:   orderID,
			Symbol:    symbol,
			Side:      order.Side,
			Price:     fillPrice,
			Amount:    order.Amount,
			Fee:       fee,
			Timestamp: now,
		})
	}

	// Drop ids no longer resting (filled above or cancelled earlier).
	live := p.seq[:0]

	for _, orderID := range p.seq {
		if _, ok := p.resting[orderID]; ok {
			live = append(live, orderID)
		}
	}

	p.seq = live

	return fills
}

// Close shuts the fill stream down.
func (p *PaperExchange) Close() {
	close(p.fills)
}
