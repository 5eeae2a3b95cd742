// Package backtest replays historical bars through the same strategy
// engine the live loop drives, using the paper venue as the fill model.
package backtest

import (
	"context"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/tern-labs/gridtrader/internal/capital"
	"github.com/tern-labs/gridtrader/internal/engine"
	"github.com/tern-labs/gridtrader/internal/exchange"
	"github.com/tern-labs/gridtrader/internal/logger"
	"github.com/tern-labs/gridtrader/internal/risk"
	"github.com/tern-labs/gridtrader/internal/types"
	"github.com/tern-labs/gridtrader/pkg/errors"
	"go.uber.org/zap"
)

// PairSeries binds one pair's grid config to its bar history. In
// multi-pair runs the series are aligned by index: step i advances every
// pair by its i-th bar.
type PairSeries struct {
	Config types.GridConfig
	Bars   []types.Bar
}

// Options configure a run.
type Options struct {
	// InitialUSD funds the shared capital pool.
	InitialUSD float64
	Risk       risk.Config
	Paper      exchange.PaperConfig
	// Progress, when set, is called after every step.
	Progress func(done, total int)
	Logger   *logger.Logger
}

// PairReport is the per-pair outcome of a run.
type PairReport struct {
	Symbol     string         `json:"symbol"`
	Bars       int            `json:"bars"`
	Position   types.Position `json:"position"`
	FinalPrice float64        `json:"final_price"`
	ShiftCount int            `json:"shift_count"`
	RiskHalted bool           `json:"risk_halted"`
}

// Report is the aggregate outcome of a run.
type Report struct {
	Pairs       []PairReport       `json:"pairs"`
	Pool        types.PoolSnapshot `json:"pool"`
	InitialUSD  float64            `json:"initial_usd"`
	FinalEquity float64            `json:"final_equity"`
	ReturnPct   float64            `json:"return_pct"`
}

// LoadBars reads a bar series from a CSV file with time, open, high, low,
// close, volume columns. Timestamps are RFC 3339.
func LoadBars(path string) ([]types.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeInvalidParameter, err, "cannot open bar file %s", path)
	}
	defer f.Close()

	var bars []types.Bar
	if err := gocsv.UnmarshalFile(f, &bars); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeInvalidParameter, err, "cannot parse bar file %s", path)
	}

	if len(bars) == 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidParameter, "bar file %s is empty", path)
	}

	return bars, nil
}

// Run replays the series through freshly-built engines and returns the
// final accounting. The engines are driven synchronously: fills from a bar
// are applied before the bar's closing price tick, matching the event
// order of the live loop.
func Run(ctx context.Context, opts Options, series []PairSeries) (*Report, error) {
	if len(series) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidParameter, "no pair series given")
	}

	log := opts.Logger
	if log == nil {
		log = logger.NewNopLogger()
	}

	paperCfg := opts.Paper
	paperCfg.InitialQuoteUSD = opts.InitialUSD

	venue := exchange.NewPaperExchange(paperCfg, log)
	pool := capital.NewPool(opts.InitialUSD, log)

	guard, err := risk.NewGuard(opts.Risk, log)
	if err != nil {
		return nil, err
	}

	engines := make([]*engine.Engine, 0, len(series))
	perPair := opts.InitialUSD / float64(len(series))
	steps := 0

	for _, ps := range series {
		if len(ps.Bars) == 0 {
			return nil, errors.Newf(errors.ErrCodeInvalidParameter, "no bars for %s", ps.Config.Symbol)
		}

		if len(ps.Bars) > steps {
			steps = len(ps.Bars)
		}

		eng, err := engine.New(ps.Config, perPair, engine.Deps{
			Pool:     pool,
			Guard:    guard,
			Exchange: venue,
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}

		engines = append(engines, eng)
	}

	if len(engines) > 1 {
		// Published figures, not snapshots: the handler invoking this still
		// holds its own engine's lock.
		totals := func() (float64, float64) {
			var equity, positionUSD float64

			for _, eng := range engines {
				pairEquity, pairPositionUSD := eng.Figures()
				equity += pairEquity
				positionUSD += pairPositionUSD
			}

			return equity, positionUSD
		}

		for _, eng := range engines {
			eng.SetTotals(totals)
		}
	}

	for i, eng := range engines {
		if err := eng.Start(ctx, series[i].Bars[0].Open); err != nil {
			return nil, err
		}
	}

	for step := 0; step < steps; step++ {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(errors.ErrCodeEngineStopped, "backtest cancelled", ctx.Err())
		default:
		}

		for i, eng := range engines {
			if step >= len(series[i].Bars) {
				continue
			}

			bar := series[i].Bars[step]

			for _, fill := range venue.AdvanceBar(eng.Symbol(), bar) {
				if err := eng.HandleFill(ctx, fill); err != nil && errors.GetCode(err) != errors.ErrCodeReconciliation {
					return nil, err
				}
			}

			eng.HandlePrice(ctx, bar.Close, bar.Time)
		}

		if opts.Progress != nil {
			opts.Progress(step+1, steps)
		}
	}

	for _, eng := range engines {
		if err := eng.Stop(ctx); err != nil {
			log.Error("engine stop failed", zap.String("symbol", eng.Symbol()), zap.Error(err))
		}
	}

	report := &Report{InitialUSD: opts.InitialUSD}

	for i, eng := range engines {
		snap := eng.Snapshot()
		report.FinalEquity += snap.Position.Equity(snap.CurrentPrice)
		report.Pairs = append(report.Pairs, PairReport{
			Symbol:     snap.Symbol,
			Bars:       len(series[i].Bars),
			Position:   snap.Position,
			FinalPrice: snap.CurrentPrice,
			ShiftCount: snap.Trailing.ShiftCount,
			RiskHalted: snap.RiskHalted,
		})
	}

	report.Pool = pool.Snapshot()
	report.Pool.TotalEquity = report.FinalEquity

	if opts.InitialUSD > 0 {
		report.ReturnPct = (report.FinalEquity - opts.InitialUSD) / opts.InitialUSD * 100
	}

	return report, nil
}
