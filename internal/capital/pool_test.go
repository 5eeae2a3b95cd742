package capital

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
	"github.com/tern-labs/gridtrader/internal/logger"
	"github.com/tern-labs/gridtrader/pkg/errors"
)

type PoolTestSuite struct {
	suite.Suite
}

func TestPoolSuite(t *testing.T) {
	suite.Run(t, new(PoolTestSuite))
}

func (suite *PoolTestSuite) TestAllocateAndRelease() {
	pool := NewPool(1000, logger.NewNopLogger())

	suite.NoError(pool.Allocate("BTC/USD", 400))
	suite.Equal(600.0, pool.Snapshot().AvailableUSD)

	pool.Release("BTC/USD", 400)
	suite.Equal(1000.0, pool.Snapshot().AvailableUSD)
}

func (suite *PoolTestSuite) TestAllocateRejectsOverdraft() {
	pool := NewPool(1000, logger.NewNopLogger())

	err := pool.Allocate("BTC/USD", 1000.01)
	suite.Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeInsufficientCapital))
	// failed allocation leaves state unchanged
	suite.Equal(1000.0, pool.Snapshot().AvailableUSD)
}

func (suite *PoolTestSuite) TestAllocateRejectsNonPositive() {
	pool := NewPool(1000, logger.NewNopLogger())
	suite.Error(pool.Allocate("BTC/USD", 0))
	suite.Error(pool.Allocate("BTC/USD", -5))
}

func (suite *PoolTestSuite) TestTwoConcurrentAllocationsOneWins() {
	pool := NewPool(1000, logger.NewNopLogger())

	var wg sync.WaitGroup

	results := make([]error, 2)

	for i := range results {
		wg.Add(1)

		go func(i int, pair string) {
			defer wg.Done()

			results[i] = pool.Allocate(pair, 700)
		}(i, fmt.Sprintf("PAIR-%d/USD", i))
	}

	wg.Wait()

	succeeded := 0

	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			suite.True(errors.HasCode(err, errors.ErrCodeInsufficientCapital))
		}
	}

	suite.Equal(1, succeeded)
	suite.Equal(300.0, pool.Snapshot().AvailableUSD)
}

func (suite *PoolTestSuite) TestNoOverdraftUnderRandomConcurrency() {
	const initial = 1000.0

	pool := NewPool(initial, logger.NewNopLogger())

	var wg sync.WaitGroup

	var mu sync.Mutex

	var granted float64

	// Randomized allocation requests from many pairs summing to far more
	// than the pool holds: total successful allocations never exceed the
	// initial balance.
	for worker := 0; worker < 16; worker++ {
		wg.Add(1)

		go func(worker int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(worker)))
			pair := fmt.Sprintf("PAIR-%d/USD", worker)

			for i := 0; i < 50; i++ {
				amount := 1 + rng.Float64()*200
				if err := pool.Allocate(pair, amount); err == nil {
					mu.Lock()
					granted += amount
					mu.Unlock()
				}
			}
		}(worker)
	}

	wg.Wait()

	suite.LessOrEqual(granted, initial+1e-6)
	suite.GreaterOrEqual(pool.Snapshot().AvailableUSD, 0.0)
	suite.NoError(pool.CheckInvariant())
}

func (suite *PoolTestSuite) TestSettleSecuresOnlyGains() {
	pool := NewPool(1000, logger.NewNopLogger())

	pool.Settle("BTC/USD", 25, 0.5)
	pool.Settle("BTC/USD", -40, 0.5)
	pool.Settle("ETH/USD", 10, 0.25)

	snap := pool.Snapshot()
	suite.Equal(35.0, snap.SecuredProfits)
	suite.Equal(1.25, snap.TotalFees)
	suite.Equal(int64(3), snap.TotalTradeCount)
}
