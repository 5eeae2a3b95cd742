package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"github.com/tern-labs/gridtrader/internal/logger"
	"github.com/tern-labs/gridtrader/internal/types"
	"github.com/tern-labs/gridtrader/pkg/errors"
)

type PaperExchangeTestSuite struct {
	suite.Suite
	exch *PaperExchange
	ctx  context.Context
}

func TestPaperExchangeSuite(t *testing.T) {
	suite.Run(t, new(PaperExchangeTestSuite))
}

func (s *PaperExchangeTestSuite) SetupTest() {
	s.exch = NewPaperExchange(PaperConfig{FeeRate: 0.001, SlippageBps: 0, InitialQuoteUSD: 100000}, logger.NewNopLogger())
	s.ctx = context.Background()
}

func (s *PaperExchangeTestSuite) place(side types.Side, price, amount float64) string {
	id, err := s.exch.PlaceLimitOrder(s.ctx, types.OrderIntent{
		ID:     uuid.New().String(),
		Kind:   types.IntentKindPlace,
		Symbol: "BTC/USDT",
		Side:   side,
		Price:  price,
		Amount: amount,
		Reason: types.Reason{Reason: types.IntentReasonGrid},
	})
	s.Require().NoError(err)

	return id
}

func (s *PaperExchangeTestSuite) TestBuyFillsWhenPriceTradesThrough() {
	id := s.place(types.SideBuy, 57500, 0.001)

	s.Empty(s.exch.MarkPrice("BTC/USDT", 58000, time.Now()))

	fills := s.exch.MarkPrice("BTC/USDT", 57500, time.Now())
	s.Require().Len(fills, 1)
	s.Equal(id, fills[0].OrderID)
	s.Equal(types.SideBuy, fills[0].Side)
	s.Equal(57500.0, fills[0].Price)
	s.InDelta(57500*0.001*0.001, fills[0].Fee, 1e-9)

	open, err := s.exch.OpenOrders(s.ctx, "BTC/USDT")
	s.Require().NoError(err)
	s.Empty(open)
}

func (s *PaperExchangeTestSuite) TestSellFillsAtOrAboveLimit() {
	s.exch.Deposit("BTC/USDT", 0.001)
	s.place(types.SideSell, 62500, 0.001)

	s.Empty(s.exch.MarkPrice("BTC/USDT", 62000, time.Now()))
	s.Len(s.exch.MarkPrice("BTC/USDT", 63000, time.Now()), 1)
}

func (s *PaperExchangeTestSuite) TestBarRangeCrossesBothSides() {
	s.exch.Deposit("BTC/USDT", 0.001)
	buyID := s.place(types.SideBuy, 57500, 0.001)
	sellID := s.place(types.SideSell, 62500, 0.001)

	fills := s.exch.AdvanceBar("BTC/USDT", types.Bar{
		Time: time.Now(), Open: 60000, High: 63000, Low: 57000, Close: 59000,
	})
	s.Require().Len(fills, 2)

	// Placement order is preserved.
	s.Equal(buyID, fills[0].OrderID)
	s.Equal(sellID, fills[1].OrderID)
}

func (s *PaperExchangeTestSuite) TestSlippageWorsensFillPrice() {
	exch := NewPaperExchange(PaperConfig{FeeRate: 0, SlippageBps: 5, InitialQuoteUSD: 1000}, logger.NewNopLogger())

	buyID, err := exch.PlaceLimitOrder(s.ctx, types.OrderIntent{
		ID: uuid.New().String(), Kind: types.IntentKindPlace,
		Symbol: "BTC/USDT", Side: types.SideBuy, Price: 57500, Amount: 0.001,
		Reason: types.Reason{Reason: types.IntentReasonGrid},
	})
	s.Require().NoError(err)

	fills := exch.AdvanceBar("BTC/USDT", types.Bar{High: 58000, Low: 57000})
	s.Require().Len(fills, 1)
	s.Equal(buyID, fills[0].OrderID)

	// Buys pay up by 5 bps.
	s.InDelta(57500*1.0005, fills[0].Price, 1e-6)
}

func (s *PaperExchangeTestSuite) TestCancelRemovesOrder() {
	id := s.place(types.SideBuy, 57500, 0.001)

	s.Require().NoError(s.exch.CancelOrder(s.ctx, "BTC/USDT", id))
	s.Empty(s.exch.MarkPrice("BTC/USDT", 57000, time.Now()))

	err := s.exch.CancelOrder(s.ctx, "BTC/USDT", id)
	s.Equal(errors.ErrCodeOrderNotFound, errors.GetCode(err))
}

func (s *PaperExchangeTestSuite) TestFillsArePushedToStream() {
	s.place(types.SideBuy, 57500, 0.001)
	s.exch.MarkPrice("BTC/USDT", 57000, time.Now())

	select {
	case fill := <-s.exch.Fills():
		s.Equal(types.SideBuy, fill.Side)
	default:
		s.Fail("expected a fill notification on the stream")
	}
}

func (s *PaperExchangeTestSuite) TestTickerReflectsLastMark() {
	_, err := s.exch.Ticker(s.ctx, "BTC/USDT")
	s.Equal(errors.ErrCodeExchangeTransient, errors.GetCode(err))
	s.True(errors.IsTransient(err))

	s.exch.MarkPrice("BTC/USDT", 60000, time.Now())

	ticker, err := s.exch.Ticker(s.ctx, "BTC/USDT")
	s.Require().NoError(err)
	s.Equal(60000.0, ticker.Last)
}

func (s *PaperExchangeTestSuite) TestTickerReflectsBarClose() {
	s.exch.AdvanceBar("BTC/USDT", types.Bar{
		Time: time.Now(), Open: 60000, High: 61000, Low: 58000, Close: 59500,
	})

	ticker, err := s.exch.Ticker(s.ctx, "BTC/USDT")
	s.Require().NoError(err)
	s.Equal(59500.0, ticker.Last)
}

func (s *PaperExchangeTestSuite) TestUncoveredSellRestsUnfilled() {
	// No base inventory: the crossed sell stays resting.
	s.place(types.SideSell, 62500, 0.001)
	s.Empty(s.exch.MarkPrice("BTC/USDT", 63000, time.Now()))

	open, err := s.exch.OpenOrders(s.ctx, "BTC/USDT")
	s.Require().NoError(err)
	s.Len(open, 1)

	// It fills once inventory arrives.
	s.exch.Deposit("BTC/USDT", 0.001)
	s.Len(s.exch.MarkPrice("BTC/USDT", 63000, time.Now()), 1)
}

func (s *PaperExchangeTestSuite) TestFillsMoveBalances() {
	s.place(types.SideBuy, 57500, 0.001)
	s.exch.MarkPrice("BTC/USDT", 57500, time.Now())

	quote, base := s.exch.Balances("BTC/USDT")
	s.InDelta(100000-57.5-0.0575, quote, 1e-9)
	s.InDelta(0.001, base, 1e-12)
}

func (s *PaperExchangeTestSuite) TestSymbolsAreIsolated() {
	s.place(types.SideBuy, 57500, 0.001)

	s.Empty(s.exch.MarkPrice("ETH/USDT", 100, time.Now()))
}
