package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"stablearb/internal/analytics"
	"stablearb/internal/arbitrage"
	"stablearb/internal/config"
	"stablearb/internal/database"
	"stablearb/internal/exchange"
	"stablearb/internal/execution"
	"stablearb/internal/history"
	"stablearb/internal/metrics"
	"stablearb/internal/risk"
	"stablearb/internal/state"
	"stablearb/internal/strategy"
)

const (
	modeLive     = "live"
	modeSimulate = "simulate"
	modeReport   = "report"
)

type options struct {
	configPath string
	mode       string
	runtime    time.Duration
	rangeName  string
	from, to   string
	exportDir  string
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", ".", "directory containing config.yaml")
	flag.StringVar(&opts.mode, "mode", modeLive, "live, simulate or report")
	flag.DurationVar(&opts.runtime, "runtime", 0, "stop the engine after this long (0 runs until interrupted)")
	flag.StringVar(&opts.rangeName, "range", analytics.RangeLast7Days, "report range: today, yesterday, last7days, last30days, thismonth, lastmonth, alltime, custom")
	flag.StringVar(&opts.from, "from", "", "custom range start date (YYYY-MM-DD)")
	flag.StringVar(&opts.to, "to", "", "custom range end date (YYYY-MM-DD), inclusive")
	flag.StringVar(&opts.exportDir, "export", "", "also write the report as CSV files into this directory")
	flag.Parse()

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, opts); err != nil {
		logger.Error("Exiting with error", "mode", opts.mode, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config, opts options) error {
	switch opts.mode {
	case modeReport:
		return report(ctx, cfg, opts)
	case modeSimulate:
		cfg.Exchange.Source = "simulated"
		if cfg.Database.Driver == "postgres" {
			logger.Info("Simulate mode: using in-memory history instead of postgres")
			cfg.Database.Driver = "memory"
		}
		return trade(ctx, logger, cfg, opts)
	case modeLive:
		return trade(ctx, logger, cfg, opts)
	default:
		return fmt.Errorf("unknown mode %q", opts.mode)
	}
}

func trade(ctx context.Context, logger *slog.Logger, cfg config.Config, opts options) error {
	loc, err := cfg.Arbitrage.Location()
	if err != nil {
		return err
	}

	repo, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer repo.Close()
	logger.Info("History store ready", "driver", cfg.Database.Driver)

	source, err := exchange.NewSource(logger, cfg.Exchange, cfg.Arbitrage.BaseAssets, cfg.Arbitrage.QuoteCurrencies)
	if err != nil {
		return err
	}
	if s, ok := source.(exchange.Streamer); ok {
		go func() {
			if err := s.StartStream(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Market data stream stopped", "source", source.GetName(), "error", err)
			}
		}()
	}
	if c, ok := source.(interface{ Close() error }); ok {
		defer c.Close()
	}
	logger.Info("Market data source ready", "source", source.GetName())

	strategies, err := strategy.Build(cfg.Strategies, cfg.Arbitrage)
	if err != nil {
		return err
	}
	pipeline, err := risk.Build(cfg.Risk, loc)
	if err != nil {
		return err
	}

	trader := exchange.NewPaperExchange(logger, source, cfg.Exchange.Simulation.FillProbability, cfg.Exchange.Simulation.Seed)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine := arbitrage.NewArbitrageEngine(logger, cfg.Arbitrage, cfg.Exchange.OrderBookDepth, arbitrage.Deps{
		MarketData: source,
		Strategies: strategies,
		Risk:       pipeline,
		Executor:   execution.NewExecutor(logger, trader, cfg.Execution),
		Recorder:   history.NewRecorder(logger, repo, loc, cfg.Execution),
		State:      state.New(loc, state.WithAttemptRetention(pipeline.AttemptWindow())),
		Metrics:    metrics.New(reg),
	})

	if cfg.Metrics.Enabled {
		metrics.Serve(ctx, cfg.Metrics.Addr, reg, engine, logger)
	}

	return engine.Run(ctx, opts.runtime)
}

func report(ctx context.Context, cfg config.Config, opts options) error {
	loc, err := cfg.Arbitrage.Location()
	if err != nil {
		return err
	}
	repo, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer repo.Close()

	tr, err := analytics.ParseRange(opts.rangeName, time.Now(), loc, opts.from, opts.to)
	if err != nil {
		return err
	}
	rep, err := analytics.NewAnalyzer(repo, loc).Report(ctx, tr)
	if err != nil {
		return err
	}
	if err := analytics.WriteJSON(os.Stdout, rep); err != nil {
		return err
	}
	if opts.exportDir != "" {
		return analytics.ExportCSV(opts.exportDir, rep)
	}
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
