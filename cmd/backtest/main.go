// Package main is the backtest CLI: it loads a Play definition and a bar
// fixture set, runs one deterministic backtest, writes the canonical run
// artifacts, and prints the run summary. Exit codes map 1-to-1 onto the
// engine's structured error codes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/quantlayer/perpbt/internal/artifacts"
	"github.com/quantlayer/perpbt/internal/funding"
	"github.com/quantlayer/perpbt/internal/montecarlo"
	"github.com/quantlayer/perpbt/internal/pricesource"
	"github.com/quantlayer/perpbt/internal/runner"
	"github.com/quantlayer/perpbt/pkg/play"
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var exitCodes = map[types.ErrorCode]int{
	types.ErrInsufficientEntryGate: 10,
	types.ErrEntriesDisabled:       11,
	types.ErrStrategyStarved:       12,
	types.ErrDataNotAvailable:      13,
	types.ErrInvariantViolation:    14,
	types.ErrRegistryUnknownType:   15,
	types.ErrValidationFailed:      16,
}

func main() {
	playPath := flag.String("play", "", "Play YAML file")
	dataDir := flag.String("data", "", "Bar fixture directory (overrides config)")
	outputDir := flag.String("out", "", "Artifact output directory (overrides config)")
	start := flag.String("start", "", "Window start (RFC3339)")
	end := flag.String("end", "", "Window end (RFC3339)")
	warmupBars := flag.Int64("warmup", 50, "Warmup bars before entries are allowed")
	fundingRate := flag.String("funding-rate", "", "Constant funding rate per settlement (empty = none)")
	writeEvents := flag.Bool("events", false, "Also write events.csv")
	withMonteCarlo := flag.Bool("montecarlo", false, "Run Monte Carlo resampling over the trade stream")
	compareWith := flag.String("compare", "", "Compare an existing run directory against this run")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	configPath := flag.String("config", "", "Optional config file (YAML)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg := loadConfig(logger, *configPath)
	if *dataDir == "" {
		*dataDir = cfg.GetString("data_dir")
	}
	if *outputDir == "" {
		*outputDir = cfg.GetString("output_dir")
	}

	if *playPath == "" || *dataDir == "" || *start == "" || *end == "" {
		fmt.Fprintln(os.Stderr, "usage: backtest -play strategy.yaml -data ./fixtures -start 2024-01-01T00:00:00Z -end 2024-02-01T00:00:00Z [-out ./runs]")
		os.Exit(2)
	}

	windowStart, err := time.Parse(time.RFC3339, *start)
	if err != nil {
		logger.Fatal("bad -start", zap.Error(err))
	}
	windowEnd, err := time.Parse(time.RFC3339, *end)
	if err != nil {
		logger.Fatal("bad -end", zap.Error(err))
	}

	raw, err := os.ReadFile(*playPath)
	if err != nil {
		logger.Fatal("read play", zap.Error(err))
	}
	p, err := play.Load(raw)
	if err != nil {
		logger.Error("play validation failed", zap.Error(err))
		os.Exit(exitCodes[types.ErrValidationFailed])
	}

	source, err := loadFixtures(logger, *dataDir, p)
	if err != nil {
		logger.Error("fixture load failed", zap.Error(err))
		os.Exit(exitCodes[types.ErrDataNotAvailable])
	}

	var fundingTable funding.Table = funding.EmptyTable{}
	if *fundingRate != "" {
		rate, err := decimal.NewFromString(*fundingRate)
		if err != nil {
			logger.Fatal("bad -funding-rate", zap.Error(err))
		}
		fundingTable = funding.ConstantTable{Rate: rate}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received, finishing current bar")
		cancel()
	}()

	r := runner.New(logger, nil, source, fundingTable)
	outcome, err := r.Run(ctx, p, runner.Options{
		OutputDir:      *outputDir,
		WindowStart:    windowStart,
		WindowEnd:      windowEnd,
		WarmupBars:     *warmupBars,
		StarvationBars: cfg.GetInt64("starvation_bars"),
		WriteEventsCSV: *writeEvents,
	})
	if err != nil {
		logger.Error("run failed", zap.Error(err))
		os.Exit(exitCodeFor(err))
	}

	printSummary(logger, outcome)

	if *withMonteCarlo && len(outcome.Result.Trades) > 0 {
		initial, _ := decimal.NewFromString(p.Account.InitialCapital)
		mc := montecarlo.New(logger, montecarlo.Config{Iterations: 1000, Seed: 42})
		mc.Run(outcome.Result.Trades, initial)
	}

	if *compareWith != "" && outcome.RunDir != "" {
		cmp, err := artifacts.CompareRuns(*compareWith, outcome.RunDir)
		if err != nil {
			logger.Error("comparison failed", zap.Error(err))
			os.Exit(1)
		}
		if !cmp.Equal {
			logger.Error("runs differ", zap.Strings("mismatches", cmp.Mismatches))
			os.Exit(1)
		}
		logger.Info("runs are hash-identical", zap.String("run_hash", outcome.RunHash))
	}

	for _, check := range outcome.Checks {
		if !check.Passed {
			logger.Error("audit check failed", zap.String("check", check.Name), zap.String("details", check.Details))
			os.Exit(exitCodes[types.ErrInvariantViolation])
		}
	}

	if code := outcome.Result.ErrorCode; code != "" && code != types.ErrStrategyStarved {
		os.Exit(exitCodes[code])
	}
}

func exitCodeFor(err error) int {
	msg := err.Error()
	for code, exit := range exitCodes {
		if strings.Contains(msg, string(code)) {
			return exit
		}
	}
	return 1
}

// loadFixtures registers every timeframe the Play needs from CSV files named
// <symbol>_<tf>.csv under dataDir.
func loadFixtures(logger *zap.Logger, dataDir string, p *play.Play) (*pricesource.FixtureSource, error) {
	source := pricesource.NewFixtureSource("fixtures:" + dataDir)

	tfs := map[string]bool{p.Timeframes.Exec: true}
	for _, tf := range p.Timeframes.HTF {
		tfs[tf] = true
	}
	for tf := range tfs {
		path := fmt.Sprintf("%s/%s_%s.csv", dataDir, p.Symbol, tf)
		if err := source.LoadCSV(path, p.Symbol, types.TFLabel(tf)); err != nil {
			return nil, err
		}
		logger.Debug("loaded fixture", zap.String("path", path))
	}
	return source, nil
}

func printSummary(logger *zap.Logger, o runner.Outcome) {
	logger.Info("backtest summary",
		zap.Bool("success", o.Result.Success),
		zap.String("stop_reason", string(o.Result.StopReason)),
		zap.Int64("bars_processed", o.Result.BarsProcessed),
		zap.Int("trades", o.Performance.TotalTrades),
		zap.String("win_rate", o.Performance.WinRate.String()),
		zap.String("total_return", o.Performance.TotalReturn.String()),
		zap.String("max_drawdown", o.Performance.MaxDrawdown.String()),
		zap.String("sharpe", o.Performance.SharpeRatio.String()),
		zap.String("run_hash", o.RunHash),
		zap.String("run_dir", o.RunDir),
	)
}

func loadConfig(logger *zap.Logger, path string) *viper.Viper {
	v := viper.New()
	v.SetDefault("data_dir", "./data")
	v.SetDefault("output_dir", "./runs")
	v.SetDefault("starvation_bars", int64(0))
	v.SetEnvPrefix("PERPBT")
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			logger.Fatal("read config", zap.Error(err))
		}
	}
	return v
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
