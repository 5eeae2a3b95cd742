package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/tern-labs/gridtrader/internal/backtest"
	"github.com/tern-labs/gridtrader/internal/config"
	"github.com/tern-labs/gridtrader/internal/dashboard"
	"github.com/tern-labs/gridtrader/internal/engine"
	"github.com/tern-labs/gridtrader/internal/exchange"
	"github.com/tern-labs/gridtrader/internal/logger"
	"github.com/tern-labs/gridtrader/internal/persistence"
	"github.com/tern-labs/gridtrader/internal/types"
	"github.com/tern-labs/gridtrader/internal/version"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func main() {
	cmd := &cli.Command{
		Name:    "gridtrader",
		Usage:   "Grid trading bot: paper trading loop, backtesting, config tooling",
		Version: version.GetVersion(),
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run the trading loop against the paper exchange",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Usage:    "Path to the YAML config file",
						Required: true,
					},
				},
				Action: runAction,
			},
			{
				Name:  "backtest",
				Usage: "Replay CSV bar files through the engine and print a report",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Usage:    "Path to the YAML config file",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "data",
						Aliases: []string{"d"},
						Usage:   "Directory holding one CSV bar file per pair (BTC-USDT.csv for BTC/USDT)",
						Value:   "data",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print the report as JSON instead of text",
					},
				},
				Action: backtestAction,
			},
			{
				Name:   "schema",
				Usage:  "Print the JSON schema for the config file",
				Action: schemaAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	logg, err := logger.NewLogger()
	if err != nil {
		return err
	}
	defer logg.Sync()

	paperCfg := cfg.Paper
	if paperCfg.InitialQuoteUSD == 0 {
		paperCfg.InitialQuoteUSD = cfg.InitialCapitalUSD
	}

	venue := exchange.NewPaperExchange(paperCfg, logg)
	feed := exchange.NewSpotFeed(cfg.Feed.BaseURL)

	var store *persistence.Store
	if cfg.Persistence.Enabled {
		store, err = persistence.NewStore(cfg.Persistence.Path, logg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Initialize(); err != nil {
			return err
		}
	}

	hooks := engine.Hooks{}
	if store != nil {
		hooks.OnOrder = func(order types.Order) {
			if err := store.SaveOrder(order); err != nil {
				logg.Error("failed to persist order", zap.Error(err))
			}
		}
		hooks.OnFill = func(fill types.Fill, pos types.Position) {
			if err := store.SaveTrade(fill, pos); err != nil {
				logg.Error("failed to persist trade", zap.Error(err))
			}
		}
	}

	opts := engine.ManagerOptions{
		PollInterval:     time.Duration(cfg.Feed.PollIntervalSecs * float64(time.Second)),
		SnapshotInterval: time.Duration(cfg.SnapshotSecs * float64(time.Second)),
	}
	if store != nil && opts.SnapshotInterval > 0 {
		opts.OnSnapshot = func(pool types.PoolSnapshot, pairs []types.PairSnapshot) {
			now := time.Now().UTC()
			if err := store.SaveSnapshot(pool, now); err != nil {
				logg.Error("failed to persist snapshot", zap.Error(err))
			}

			for _, pair := range pairs {
				if err := store.SavePairState(pair, now); err != nil {
					logg.Error("failed to persist pair state", zap.String("symbol", pair.Symbol), zap.Error(err))
				}
			}
		}
	}

	manager, err := engine.NewManager(cfg.Grids, cfg.InitialCapitalUSD, cfg.Risk, venue, feed, opts, logg, hooks)
	if err != nil {
		return err
	}

	if store != nil {
		if err := restorePairs(manager, store, cfg.Grids, logg); err != nil {
			return err
		}
	}

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		var history dashboard.HistorySource
		if store != nil {
			history = store
		}

		dash = dashboard.NewServer(manager, history, logg)
		if err := dash.Start(cfg.Dashboard.Address); err != nil {
			return err
		}
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(runCtx); err != nil {
		return err
	}

	<-runCtx.Done()

	logg.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if dash != nil {
		if err := dash.Stop(shutdownCtx); err != nil {
			logg.Error("dashboard shutdown failed", zap.Error(err))
		}
	}

	return manager.Stop(shutdownCtx)
}

// restorePairs rehydrates engines from the store where persisted state
// exists. Pairs without saved state start fresh.
func restorePairs(manager *engine.Manager, store *persistence.Store, grids []types.GridConfig, logg *logger.Logger) error {
	for _, grid := range grids {
		state, err := store.LoadState(grid.Symbol)
		if err != nil {
			return err
		}

		if state.IsNone() {
			continue
		}

		eng, ok := manager.Engine(grid.Symbol)
		if !ok {
			continue
		}

		saved := state.Unwrap()
		if err := eng.Restore(saved.Config, saved.Position, saved.Trailing, saved.OpenOrders, saved.LastPrice); err != nil {
			return err
		}

		logg.Info("restored pair state",
			zap.String("symbol", grid.Symbol),
			zap.Int("open_orders", len(saved.OpenOrders)),
			zap.Float64("last_price", saved.LastPrice))
	}

	return nil
}

func backtestAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}

	logg, err := logger.NewLogger()
	if err != nil {
		return err
	}
	defer logg.Sync()

	dataDir := cmd.String("data")

	series := make([]backtest.PairSeries, 0, len(cfg.Grids))

	for _, grid := range cfg.Grids {
		path := filepath.Join(dataDir, barFileName(grid.Symbol))

		bars, err := backtest.LoadBars(path)
		if err != nil {
			return err
		}

		series = append(series, backtest.PairSeries{Config: grid, Bars: bars})
	}

	var bar *progressbar.ProgressBar

	report, err := backtest.Run(ctx, backtest.Options{
		InitialUSD: cfg.InitialCapitalUSD,
		Risk:       cfg.Risk,
		Paper:      cfg.Paper,
		Progress: func(done, total int) {
			if bar == nil {
				bar = progressbar.Default(int64(total))
			}

			_ = bar.Set(done)
		},
	}, series)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		encoded, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}

		fmt.Println(string(encoded))

		return nil
	}

	printReport(report)

	return nil
}

func printReport(report *backtest.Report) {
	fmt.Println()
	fmt.Println("=== Backtest Report ===")
	fmt.Printf("Initial capital:  %.2f USD\n", report.InitialUSD)
	fmt.Printf("Final equity:     %.2f USD\n", report.FinalEquity)
	fmt.Printf("Return:           %.2f%%\n", report.ReturnPct)
	fmt.Printf("Secured profits:  %.2f USD\n", report.Pool.SecuredProfits)
	fmt.Printf("Total fees:       %.2f USD\n", report.Pool.TotalFees)
	fmt.Printf("Trades:           %d\n", report.Pool.TotalTradeCount)
	fmt.Println()

	for _, pair := range report.Pairs {
		fmt.Printf("--- %s ---\n", pair.Symbol)
		fmt.Printf("  bars:           %d\n", pair.Bars)
		fmt.Printf("  final price:    %.2f\n", pair.FinalPrice)
		fmt.Printf("  base balance:   %.8f\n", pair.Position.BaseBalance)
		fmt.Printf("  realized pnl:   %.2f\n", pair.Position.RealizedPnL)
		fmt.Printf("  unrealized pnl: %.2f\n", pair.Position.UnrealizedPnL)
		fmt.Printf("  trades:         %d\n", pair.Position.TradeCount)
		fmt.Printf("  grid shifts:    %d\n", pair.ShiftCount)

		if pair.RiskHalted {
			fmt.Println("  risk halted:    yes")
		}
	}
}

// barFileName maps a pair symbol to its CSV file name, BTC/USDT -> BTC-USDT.csv.
func barFileName(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-") + ".csv"
}

func schemaAction(_ context.Context, _ *cli.Command) error {
	cfg := config.BotConfig{}

	schemaJSON, err := cfg.GenerateSchemaJSON()
	if err != nil {
		return err
	}

	fmt.Println(schemaJSON)

	return nil
}
