package engine

import (
	"context"
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/stretchr/testify/suite"
	"github.com/tern-labs/gridtrader/internal/capital"
	"github.com/tern-labs/gridtrader/internal/exchange"
	"github.com/tern-labs/gridtrader/internal/logger"
	"github.com/tern-labs/gridtrader/internal/risk"
	"github.com/tern-labs/gridtrader/internal/types"
	"github.com/tern-labs/gridtrader/pkg/errors"
)

type EngineTestSuite struct {
	suite.Suite
	ctx    context.Context
	engine *Engine
	exch   *exchange.PaperExchange
	pool   *capital.Pool
	guard  *risk.Guard
	now    time.Time
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func baseConfig() types.GridConfig {
	return types.GridConfig{
		Symbol:               "BTC/USDT",
		LowerPrice:           55000,
		UpperPrice:           65000,
		NumLevels:            5,
		Spacing:              types.SpacingArithmetic,
		OrderSizeUSD:         100,
		TrailingEnabled:      false,
		TrailingTriggerPct:   75,
		TrailingRebalancePct: 50,
		TrailingCooldownSecs: 60,
	}
}

func (s *EngineTestSuite) SetupTest() {
	s.buildEngine(baseConfig(), risk.Config{
		StopLossPct:           10,
		TakeProfitPct:         0,
		MaxDrawdownPct:        50,
		MaxOpenOrders:         50,
		MaxPositionUSD:        10000,
		MaxPositionUSDPerPair: 5000,
	})
}

func (s *EngineTestSuite) buildEngine(cfg types.GridConfig, riskCfg risk.Config) {
	log := logger.NewNopLogger()

	s.ctx = context.Background()
	s.now = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s.exch = exchange.NewPaperExchange(exchange.PaperConfig{FeeRate: 0.001, InitialQuoteUSD: 1000}, log)
	s.pool = capital.NewPool(1000, log)

	guard, err := risk.NewGuard(riskCfg, log)
	s.Require().NoError(err)
	s.guard = guard

	eng, err := New(cfg, 1000, Deps{
		Pool:     s.pool,
		Guard:    guard,
		Exchange: s.exch,
		Logger:   log,
	})
	s.Require().NoError(err)
	s.engine = eng
}

// tick advances the venue and routes the resulting fills plus the price
// through the engine, the way the live loop orders events.
func (s *EngineTestSuite) tick(price float64) {
	s.now = s.now.Add(time.Second)

	for _, fill := range s.exch.MarkPrice("BTC/USDT", price, s.now) {
		s.Require().NoError(s.engine.HandleFill(s.ctx, fill))
	}

	s.engine.HandlePrice(s.ctx, price, s.now)
}

func (s *EngineTestSuite) start(reference float64) {
	s.Require().NoError(s.engine.Start(s.ctx, reference))
}

func (s *EngineTestSuite) TestStartPlacesFullGrid() {
	s.start(60000)

	s.Equal(types.EngineStatusRunning, s.engine.Status())

	snap := s.engine.Snapshot()
	s.Equal(5, snap.OpenOrderCount)

	// Two buys below the 60000 reference reserve 100 USD each.
	s.InDelta(800, s.pool.Snapshot().AvailableUSD, 1e-9)

	open, err := s.exch.OpenOrders(s.ctx, "BTC/USDT")
	s.Require().NoError(err)
	s.Len(open, 5)
}

func (s *EngineTestSuite) TestStartTwiceIsRejected() {
	s.start(60000)

	err := s.engine.Start(s.ctx, 60000)
	s.Equal(errors.ErrCodeInvalidTransition, errors.GetCode(err))
}

func (s *EngineTestSuite) TestBuyFillUpdatesAccounting() {
	s.start(60000)
	s.tick(57500)

	snap := s.engine.Snapshot()
	amount := 100.0 / 57500

	s.InDelta(amount, snap.Position.BaseBalance, 1e-12)
	s.InDelta(57500, snap.Position.AvgEntryPrice, 1e-9)
	s.InDelta(1000-100-0.1, snap.Position.QuoteBalance, 1e-9)
	s.Equal(int64(1), snap.Position.TradeCount)

	// The buy's allocation is spent, not returned.
	s.InDelta(800, s.pool.Snapshot().AvailableUSD, 1e-9)
}

func (s *EngineTestSuite) TestRoundTripSecuresProfit() {
	s.start(60000)

	// Buy at 57500, then trade back up through the 60000 sell.
	s.tick(57500)
	s.tick(60000)

	snap := s.engine.Snapshot()
	s.Positive(snap.Position.RealizedPnL)

	pool := s.pool.Snapshot()
	s.InDelta(snap.Position.RealizedPnL, pool.SecuredProfits, 1e-9)
	s.Equal(int64(2), pool.TotalTradeCount)

	// Sale proceeds flowed back: 800 after start, +99.9 net proceeds, then
	// the re-armed buy at 57500 reserved 100 again.
	s.InDelta(799.9, pool.AvailableUSD, 1e-9)
}

func (s *EngineTestSuite) TestSellFillRearmsBuyBelow() {
	s.start(60000)
	s.tick(57500)
	s.tick(60000)

	// The sell at index 2 filled and re-armed a buy at index 1.
	snap := s.engine.Snapshot()

	var rearmed bool

	for _, level := range snap.GridLevels {
		if level.Index == 1 && level.Side == types.SideBuy && level.Status == types.LevelStatusOpen {
			rearmed = true
		}
	}

	s.True(rearmed)
}

func (s *EngineTestSuite) TestFillDuringHaltLeavesNoPendingLevel() {
	s.start(60000)
	s.tick(57500)

	// The sell at 60000 fills on the venue, but a halt lands before the
	// engine sees the fill. The refill buy it would trigger must not stay
	// armed with no order behind it.
	s.now = s.now.Add(time.Second)
	fills := s.exch.MarkPrice("BTC/USDT", 60000, s.now)
	s.Require().Len(fills, 1)

	s.guard.Halt(types.HaltReasonManual)
	s.Require().NoError(s.engine.HandleFill(s.ctx, fills[0]))

	snap := s.engine.Snapshot()

	// Accounting still reconciled the fill.
	s.Positive(snap.Position.RealizedPnL)

	for _, level := range snap.GridLevels {
		s.NotEqual(types.LevelStatusPending, level.Status)

		if level.Index == 1 {
			s.Equal(types.LevelStatusCancelled, level.Status)
		}
	}
}

func (s *EngineTestSuite) TestInsufficientCapitalSkipsBuysWithoutOverdraft() {
	log := logger.NewNopLogger()
	s.pool = capital.NewPool(150, log)

	eng, err := New(baseConfig(), 150, Deps{
		Pool:     s.pool,
		Guard:    s.guard,
		Exchange: s.exch,
		Logger:   log,
	})
	s.Require().NoError(err)
	s.engine = eng

	s.start(60000)

	// Only one of the two buys fit the pool.
	s.InDelta(50, s.pool.Snapshot().AvailableUSD, 1e-9)
	s.NoError(s.pool.CheckInvariant())

	snap := s.engine.Snapshot()
	s.Equal(4, snap.OpenOrderCount)
}

func (s *EngineTestSuite) TestStopCancelsAndReleasesCapital() {
	s.start(60000)

	s.Require().NoError(s.engine.Stop(s.ctx))
	s.Equal(types.EngineStatusStopped, s.engine.Status())

	open, err := s.exch.OpenOrders(s.ctx, "BTC/USDT")
	s.Require().NoError(err)
	s.Empty(open)

	// Both buy reservations came back.
	s.InDelta(1000, s.pool.Snapshot().AvailableUSD, 1e-9)

	// Events after stop are refused.
	err = s.engine.HandleFill(s.ctx, types.Fill{OrderID: "x"})
	s.Equal(errors.ErrCodeEngineNotRunning, errors.GetCode(err))
}

func (s *EngineTestSuite) TestTrailingShiftRebuildsGrid() {
	cfg := baseConfig()
	cfg.TrailingEnabled = true

	s.buildEngine(cfg, risk.Config{
		StopLossPct: 50, MaxDrawdownPct: 90, MaxOpenOrders: 50,
		MaxPositionUSD: 10000, MaxPositionUSDPerPair: 5000,
	})
	s.start(60000)

	// 64750 sits at 97.5% of [55000,65000]: crosses the 75% trigger. The
	// grid recenters to [60000,70000].
	s.tick(64750)

	snap := s.engine.Snapshot()
	s.Equal(1, snap.Trailing.ShiftCount)

	levels := snap.GridLevels
	s.InDelta(60000, levels[0].Price, 1e-9)
	s.InDelta(70000, levels[len(levels)-1].Price, 1e-9)
}

func (s *EngineTestSuite) TestStopLossHaltsAndCancels() {
	s.start(60000)

	// Build inventory, then crash 15% below the 56250 average entry.
	s.tick(57500)
	s.tick(55000)
	s.tick(47000)

	snap := s.engine.Snapshot()
	s.True(snap.RiskHalted)
	s.Equal(types.HaltReasonStopLoss, snap.RiskReason)
	s.Zero(snap.OpenOrderCount)

	open, err := s.exch.OpenOrders(s.ctx, "BTC/USDT")
	s.Require().NoError(err)
	s.Empty(open)

	// Halt is sticky: recovery does not re-arm the grid.
	s.tick(60000)
	s.Zero(s.engine.Snapshot().OpenOrderCount)
}

func (s *EngineTestSuite) TestResumeRebuildsAfterHalt() {
	s.start(60000)
	s.tick(57500)
	s.tick(55000)
	s.tick(47000)
	s.Require().True(s.engine.Snapshot().RiskHalted)

	s.Require().NoError(s.engine.Resume(s.ctx))

	snap := s.engine.Snapshot()
	s.False(snap.RiskHalted)
	s.Positive(snap.OpenOrderCount)
}

func (s *EngineTestSuite) TestTakeProfitUnwindsWithoutHalting() {
	s.buildEngine(baseConfig(), risk.Config{
		StopLossPct: 50, TakeProfitPct: 5, MaxDrawdownPct: 90,
		MaxOpenOrders: 50, MaxPositionUSD: 10000, MaxPositionUSDPerPair: 5000,
	})
	s.start(60000)

	// Buy inventory at 57500 and 55000, then rally past +5% unrealized.
	s.tick(57500)
	s.tick(55000)
	s.tick(61000)

	// Grid pulled, one unwind sell resting at the trigger price.
	snap := s.engine.Snapshot()
	s.False(snap.RiskHalted)
	s.Zero(snap.OpenOrderCount)

	open, err := s.exch.OpenOrders(s.ctx, "BTC/USDT")
	s.Require().NoError(err)
	s.Require().Len(open, 1)
	s.Equal(types.SideSell, open[0].Side)
	s.InDelta(snap.Position.BaseBalance, open[0].Amount, 1e-12)

	// The unwind fills; the position goes flat and the grid re-arms.
	s.tick(61000)

	snap = s.engine.Snapshot()
	s.InDelta(0, snap.Position.BaseBalance, 1e-9)
	s.Positive(snap.Position.RealizedPnL)
	s.Positive(snap.OpenOrderCount)
	s.Equal(types.EngineStatusRunning, s.engine.Status())
}

func (s *EngineTestSuite) TestDrawdownHaltsEverything() {
	s.buildEngine(baseConfig(), risk.Config{
		StopLossPct: 90, MaxDrawdownPct: 5, MaxOpenOrders: 50,
		MaxPositionUSD: 10000, MaxPositionUSDPerPair: 5000,
	})
	s.start(60000)

	// Fill both buys, then sink the mark far enough to shave >5% off
	// equity.
	s.tick(57500)
	s.tick(55000)
	s.tick(26000)

	snap := s.engine.Snapshot()
	s.True(snap.RiskHalted)
	s.Equal(types.HaltReasonDrawdown, snap.RiskReason)
	s.Zero(snap.OpenOrderCount)
}

func (s *EngineTestSuite) TestReconfigureSwapsGridAtomically() {
	s.start(60000)

	patch := types.GridConfigPatch{
		LowerPrice: optional.Some(50000.0),
		UpperPrice: optional.Some(70000.0),
		NumLevels:  optional.Some(11),
	}

	s.Require().NoError(s.engine.Reconfigure(s.ctx, patch))

	snap := s.engine.Snapshot()
	s.Len(snap.GridLevels, 11)
	s.InDelta(50000, snap.GridLevels[0].Price, 1e-9)
	s.InDelta(70000, snap.GridLevels[10].Price, 1e-9)
}

func (s *EngineTestSuite) TestReconfigureRejectsInvalidPatchUnchanged() {
	s.start(60000)

	before := s.engine.Snapshot()

	patch := types.GridConfigPatch{LowerPrice: optional.Some(80000.0)} // above upper

	err := s.engine.Reconfigure(s.ctx, patch)
	s.Require().Error(err)
	s.Equal(errors.ErrCodeInvalidConfig, errors.GetCode(err))

	after := s.engine.Snapshot()
	s.Equal(before.GridLevels, after.GridLevels)
	s.Equal(before.OpenOrderCount, after.OpenOrderCount)
}

func (s *EngineTestSuite) TestRestoreResumesTrading() {
	log := logger.NewNopLogger()

	eng, err := New(baseConfig(), 1000, Deps{
		Pool:     s.pool,
		Guard:    s.guard,
		Exchange: s.exch,
		Logger:   log,
	})
	s.Require().NoError(err)

	pos := types.Position{BaseBalance: 0.002, QuoteBalance: 880, AvgEntryPrice: 57500, RealizedPnL: 3, TotalFees: 0.3, TradeCount: 3}
	open := []types.Order{
		{OrderID: "ex-restored", Symbol: "BTC/USDT", Side: types.SideSell, Price: 62500, Amount: 0.0016, Status: types.OrderStatusOpen, LevelIndex: 3},
	}

	s.Require().NoError(eng.Restore(baseConfig(), pos, types.TrailingState{ShiftCount: 2}, open, 60000))
	s.Equal(types.EngineStatusRunning, eng.Status())

	snap := eng.Snapshot()
	s.Equal(1, snap.OpenOrderCount)
	s.Equal(2, snap.Trailing.ShiftCount)
	s.InDelta(0.002, snap.Position.BaseBalance, 1e-12)

	// A fill against the restored order reconciles normally.
	s.Require().NoError(eng.HandleFill(s.ctx, types.Fill{
		OrderID: "ex-restored", Symbol: "BTC/USDT", Side: types.SideSell,
		Price: 62500, Amount: 0.0016, Fee: 0.1, Timestamp: s.now,
	}))
	s.Positive(eng.Snapshot().Position.RealizedPnL - 3)
}

func (s *EngineTestSuite) TestUnknownFillSurfacesReconciliationError() {
	s.start(60000)

	err := s.engine.HandleFill(s.ctx, types.Fill{OrderID: "ghost", Symbol: "BTC/USDT", Side: types.SideBuy, Price: 1, Amount: 1})
	s.Equal(errors.ErrCodeReconciliation, errors.GetCode(err))

	// Trading continues.
	s.Equal(types.EngineStatusRunning, s.engine.Status())
}

func (s *EngineTestSuite) TestRunLoopProcessesEventsAndStops() {
	s.start(60000)

	done := make(chan error, 1)
	go func() { done <- s.engine.Run(s.ctx) }()

	s.engine.EnqueuePrice(59000, s.now)
	s.engine.SignalStop()

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.Fail("run loop did not stop")
	}

	s.Equal(types.EngineStatusStopped, s.engine.Status())
}
