// Package main is the API server entry point: it exposes backtest
// submission, progress streaming over WebSocket, run comparison, and
// Prometheus metrics over a fixture-backed price source.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/quantlayer/perpbt/internal/api"
	"github.com/quantlayer/perpbt/internal/funding"
	"github.com/quantlayer/perpbt/internal/pricesource"
	"github.com/quantlayer/perpbt/internal/runner"
	"github.com/quantlayer/perpbt/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	host := flag.String("host", "localhost", "Server host")
	port := flag.Int("port", 8080, "Server port")
	dataDir := flag.String("data", "./data", "Bar fixture directory")
	outputDir := flag.String("out", "./runs", "Artifact output directory")
	fundingRate := flag.String("funding-rate", "", "Constant funding rate per settlement (empty = none)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	logger.Info("starting perpbt API server",
		zap.String("host", *host),
		zap.Int("port", *port),
		zap.String("data_dir", *dataDir),
		zap.String("output_dir", *outputDir),
	)

	source := pricesource.NewFixtureSource("fixtures:" + *dataDir)
	if err := loadAllFixtures(logger, source, *dataDir); err != nil {
		logger.Fatal("fixture load failed", zap.Error(err))
	}

	var fundingTable funding.Table = funding.EmptyTable{}
	if *fundingRate != "" {
		rate, err := decimal.NewFromString(*fundingRate)
		if err != nil {
			logger.Fatal("bad -funding-rate", zap.Error(err))
		}
		fundingTable = funding.ConstantTable{Rate: rate}
	}

	r := runner.New(logger, nil, source, fundingTable)

	hub := api.NewHub(logger)
	go hub.Run()

	server := api.NewServer(logger, api.ServerConfig{
		Host:          *host,
		Port:          *port,
		WebSocketPath: "/ws",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		OutputDir:     *outputDir,
	}, r, hub)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
		}
	}()

	<-sigChan
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

// loadAllFixtures registers every <symbol>_<tf>.csv under dataDir.
func loadAllFixtures(logger *zap.Logger, source *pricesource.FixtureSource, dataDir string) error {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".csv") {
			continue
		}
		base := strings.TrimSuffix(name, ".csv")
		us := strings.LastIndex(base, "_")
		if us <= 0 {
			continue
		}
		symbol, tf := base[:us], base[us+1:]
		if err := source.LoadCSV(filepath.Join(dataDir, name), symbol, types.TFLabel(tf)); err != nil {
			return err
		}
		logger.Debug("loaded fixture", zap.String("symbol", symbol), zap.String("tf", tf))
	}
	return nil
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
