package engine

import (
	"context"
	"sync"
	"time"

	"github.com/tern-labs/gridtrader/internal/capital"
	"github.com/tern-labs/gridtrader/internal/exchange"
	"github.com/tern-labs/gridtrader/internal/logger"
	"github.com/tern-labs/gridtrader/internal/risk"
	"github.com/tern-labs/gridtrader/internal/types"
	"github.com/tern-labs/gridtrader/pkg/errors"
	"go.uber.org/zap"
)

// PriceSource delivers spot quotes to the live loop.
type PriceSource interface {
	Spot(ctx context.Context, symbol string) (types.Ticker, error)
}

// priceMarker is implemented by simulated venues that need price updates
// pushed at them to produce fills.
type priceMarker interface {
	MarkPrice(symbol string, price float64, now time.Time) []types.Fill
}

// ManagerOptions tune the live loop.
type ManagerOptions struct {
	// PollInterval is the spot-quote polling cadence.
	PollInterval time.Duration
	// SnapshotInterval is how often OnSnapshot fires. Zero disables it.
	SnapshotInterval time.Duration
	// OnSnapshot receives periodic pool-wide state for persistence.
	OnSnapshot func(types.PoolSnapshot, []types.PairSnapshot)
}

// Manager runs one engine goroutine per pair against a shared capital pool
// and risk guard, fanning venue fills out to the owning engine.
type Manager struct {
	engines []*Engine
	bySym   map[string]*Engine
	pool    *capital.Pool
	guard   *risk.Guard
	exch    exchange.Exchange
	prices  PriceSource
	opts    ManagerOptions
	log     *logger.Logger

	mu      sync.Mutex
	started bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewManager(cfgs []types.GridConfig, initialUSD float64, riskCfg risk.Config, exch exchange.Exchange, prices PriceSource, opts ManagerOptions, log *logger.Logger, hooks Hooks) (*Manager, error) {
	if len(cfgs) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "at least one pair is required")
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}

	pool := capital.NewPool(initialUSD, log)

	guard, err := risk.NewGuard(riskCfg, log)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		bySym:  make(map[string]*Engine),
		pool:   pool,
		guard:  guard,
		exch:   exch,
		prices: prices,
		opts:   opts,
		log:    log,
	}

	perPair := initialUSD / float64(len(cfgs))

	for _, cfg := range cfgs {
		if _, dup := m.bySym[cfg.Symbol]; dup {
			return nil, errors.Newf(errors.ErrCodeInvalidConfig, "duplicate pair %s", cfg.Symbol)
		}

		eng, err := New(cfg, perPair, Deps{
			Pool:     pool,
			Guard:    guard,
			Exchange: exch,
			Logger:   log,
			Hooks:    hooks,
		})
		if err != nil {
			return nil, err
		}

		eng.SetTotals(m.totals)

		m.engines = append(m.engines, eng)
		m.bySym[cfg.Symbol] = eng
	}

	return m, nil
}

// totals aggregates equity and deployed position value across every pair.
// It reads each engine's published figures rather than taking snapshots, so
// the engine calling it mid-handler never waits on its own lock.
func (m *Manager) totals() (float64, float64) {
	var equity, positionUSD float64

	for _, eng := range m.engines {
		pairEquity, pairPositionUSD := eng.Figures()
		equity += pairEquity
		positionUSD += pairPositionUSD
	}

	return equity, positionUSD
}

// Engine returns the engine owning a symbol.
func (m *Manager) Engine(symbol string) (*Engine, bool) {
	eng, ok := m.bySym[symbol]
	return eng, ok
}

// Pool exposes the shared capital pool for reporting.
func (m *Manager) Pool() *capital.Pool {
	return m.pool
}

// Start builds every pair's grid and launches the live loops. It blocks
// until every engine has started or one fails.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New(errors.ErrCodeInvalidTransition, "manager already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	for _, eng := range m.engines {
		ticker, err := m.prices.Spot(ctx, eng.Symbol())
		if err != nil {
			cancel()
			return errors.Wrapf(errors.GetCode(err), err, "no reference price for %s", eng.Symbol())
		}

		m.primeVenue(eng.Symbol(), ticker.Last)

		// A restored engine is already RUNNING with its grid rebound; only
		// fresh pairs build a grid here.
		if eng.Status() == types.EngineStatusIdle {
			if err := eng.Start(ctx, ticker.Last); err != nil {
				cancel()
				return err
			}
		}
	}

	for _, eng := range m.engines {
		m.wg.Add(1)

		go func(eng *Engine) {
			defer m.wg.Done()

			if err := eng.Run(runCtx); err != nil {
				m.log.Error("engine loop exited", zap.String("symbol", eng.Symbol()), zap.Error(err))
			}
		}(eng)
	}

	m.wg.Add(2)
	go m.fanOutFills(runCtx)
	go m.pollPrices(runCtx)

	if m.opts.SnapshotInterval > 0 && m.opts.OnSnapshot != nil {
		m.wg.Add(1)
		go m.snapshotLoop(runCtx)
	}

	m.started = true

	m.log.Info("manager started", zap.Int("pairs", len(m.engines)))

	return nil
}

// primeVenue seeds a simulated venue's last price so ticker reads work
// before the first poll.
func (m *Manager) primeVenue(symbol string, price float64) {
	if marker, ok := m.exch.(priceMarker); ok {
		marker.MarkPrice(symbol, price, time.Now())
	}
}

func (m *Manager) fanOutFills(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case fill, ok := <-m.exch.Fills():
			if !ok {
				return
			}

			eng, found := m.bySym[fill.Symbol]
			if !found {
				m.log.Error("fill for unmanaged pair", zap.String("symbol", fill.Symbol), zap.String("order_id", fill.OrderID))
				continue
			}

			eng.EnqueueFill(fill)
		}
	}
}

func (m *Manager) pollPrices(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, eng := range m.engines {
				quote, err := m.prices.Spot(ctx, eng.Symbol())
				if err != nil {
					if errors.IsTransient(err) {
						m.log.Warn("spot poll failed", zap.String("symbol", eng.Symbol()), zap.Error(err))
						continue
					}

					m.log.Error("spot poll failed permanently", zap.String("symbol", eng.Symbol()), zap.Error(err))
					continue
				}

				// Push the price through a simulated venue first so the
				// resulting fills are queued before the tick that observes
				// them.
				if marker, ok := m.exch.(priceMarker); ok {
					marker.MarkPrice(eng.Symbol(), quote.Last, now)
				}

				eng.EnqueuePrice(quote.Last, now)
			}
		}
	}
}

func (m *Manager) snapshotLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pool, pairs := m.Snapshots()
			m.opts.OnSnapshot(pool, pairs)
		}
	}
}

// Snapshots returns the pool-wide and per-pair state for reporting.
func (m *Manager) Snapshots() (types.PoolSnapshot, []types.PairSnapshot) {
	pairs := make([]types.PairSnapshot, 0, len(m.engines))

	var totalEquity float64

	for _, eng := range m.engines {
		snap := eng.Snapshot()
		totalEquity += snap.Position.Equity(snap.CurrentPrice)
		pairs = append(pairs, snap)
	}

	pool := m.pool.Snapshot()
	pool.TotalEquity = totalEquity

	return pool, pairs
}

// Resume clears the shared risk halt and re-arms every halted pair.
func (m *Manager) Resume(ctx context.Context) error {
	for _, eng := range m.engines {
		if err := eng.Resume(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Stop shuts every engine down, pulling resting orders, and waits for the
// loops to drain.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}

	for _, eng := range m.engines {
		eng.SignalStop()
	}

	m.cancel()
	m.wg.Wait()

	// Engines stop inside Run; a second Stop here is a no-op safety net for
	// loops that exited on error.
	for _, eng := range m.engines {
		if err := eng.Stop(ctx); err != nil {
			m.log.Error("engine stop failed", zap.String("symbol", eng.Symbol()), zap.Error(err))
		}
	}

	m.started = false

	m.log.Info("manager stopped")

	return nil
}
