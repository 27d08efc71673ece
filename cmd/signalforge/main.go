package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/signalforge/signalforge/internal/config"
	"github.com/signalforge/signalforge/internal/metrics"
	"github.com/signalforge/signalforge/internal/pipeline"
	"github.com/signalforge/signalforge/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./configs/config.yaml)")
	adminAddr := flag.String("admin", "127.0.0.1:9101", "Admin HTTP listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	log.Info().
		Str("environment", cfg.App.Environment).
		Strs("symbols", cfg.Generator.Symbols).
		Strs("timeframes", cfg.Generator.Timeframes).
		Str("sink", cfg.Dispatch.Sink).
		Msg("Starting signalforge")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// sigctl stop shares the same shutdown path as SIGTERM
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var deps pipeline.Deps
	if cfg.Store.Enabled {
		db, err := store.New(ctx, cfg.Store.GetDSN())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Database migration failed")
		}
		deps.DB = db
	}

	pipe, err := pipeline.New(cfg, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to assemble pipeline")
	}

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.GetMetricsAddr(), log.Logger)
		if err := metricsSrv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start metrics server")
		}
	}

	admin := newAdminServer(*adminAddr, pipe, cancel)
	admin.start()

	runErr := pipe.Run(ctx)

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := admin.shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Admin server shutdown error")
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error().Err(runErr).Msg("Pipeline exited with error")
		os.Exit(1)
	}
	log.Info().Msg("Shutdown complete")
}
