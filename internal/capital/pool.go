// Package capital holds the single pool of allocable quote funds shared by
// all pairs. It is the only cross-pair shared-write state in the system,
// so every mutating operation runs under the pool mutex.
package capital

import (
	"sync"

	"github.com/shopspring/decimal"
	"github.com/tern-labs/gridtrader/internal/logger"
	"github.com/tern-labs/gridtrader/internal/types"
	"github.com/tern-labs/gridtrader/pkg/errors"
	"go.uber.org/zap"
)

// Pool is the shared capital ledger. Allocate, Release and Settle are
// atomic with respect to each other across all pairs; no interleaving can
// drive the available balance negative.
type Pool struct {
	mu         sync.Mutex
	available  float64
	secured    float64
	totalFees  float64
	tradeCount int64
	log        *logger.Logger
}

func NewPool(initialUSD float64, log *logger.Logger) *Pool {
	return &Pool{
		available: initialUSD,
		log:       log,
	}
}

// Allocate reserves usd for the given pair. It succeeds and debits the
// available balance iff the full amount is available; otherwise it fails
// with ErrCodeInsufficientCapital and changes nothing.
func (p *Pool) Allocate(pair string, usd float64) error {
	if usd <= 0 {
		return errors.Newf(errors.ErrCodeInvalidParameter, "allocation must be positive, got %f", usd)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if usd > p.available {
		return errors.Newf(errors.ErrCodeInsufficientCapital, "pair %s requested %.2f with %.2f available", pair, usd, p.available)
	}

	p.available = decimal.NewFromFloat(p.available).Sub(decimal.NewFromFloat(usd)).InexactFloat64()

	return nil
}

// Release credits usd back to the available balance: a cancelled order's
// reservation, or a sell fill's proceeds.
func (p *Pool) Release(pair string, usd float64) {
	if usd <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.available = decimal.NewFromFloat(p.available).Add(decimal.NewFromFloat(usd)).InexactFloat64()
}

// Settle records a fill's contribution to the pool-wide counters. Positive
// realized P&L accrues to secured profits, which are tracked separately
// from working capital for reporting and only ever grow.
func (p *Pool) Settle(pair string, realizedDelta, fee float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if realizedDelta > 0 {
		p.secured = decimal.NewFromFloat(p.secured).Add(decimal.NewFromFloat(realizedDelta)).InexactFloat64()
	}

	p.totalFees = decimal.NewFromFloat(p.totalFees).Add(decimal.NewFromFloat(fee)).InexactFloat64()
	p.tradeCount++
}

// CheckInvariant reports an invariant violation if the available balance
// has gone negative. Callers treat this as unrecoverable.
func (p *Pool) CheckInvariant() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.available < 0 {
		p.log.Error("capital pool overdraft", zap.Float64("available_usd", p.available))

		return errors.Newf(errors.ErrCodeOverdraft, "available balance is negative: %f", p.available)
	}

	return nil
}

// Snapshot returns the pool-wide counters. TotalEquity is filled in by the
// caller, which knows every pair's marked position.
func (p *Pool) Snapshot() types.PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return types.PoolSnapshot{
		AvailableUSD:    p.available,
		SecuredProfits:  p.secured,
		TotalFees:       p.totalFees,
		TotalTradeCount: p.tradeCount,
	}
}
