package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gungnir/internal/bus"
	"gungnir/internal/config"
	"gungnir/internal/exchange"
	"gungnir/internal/gateway"
	"gungnir/internal/money"
	"gungnir/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	money.SetPrecision(cfg.DecimalPrecision)

	store, err := storage.OpenSQLite(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to open storage")
	}
	defer store.Close()

	eventBus := bus.NewInProcess()

	// Setup the core and the TCP gateway in front of it.
	ex := exchange.New(cfg, store, eventBus, logger)
	if err := ex.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("unable to start exchange")
	}
	defer ex.Stop()

	gw := gateway.New(cfg.Listen, ex, eventBus, logger)
	go func() {
		if err := gw.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("gateway stopped")
			stop()
		}
	}()

	// Block on running the server.
	<-ctx.Done()
	gw.Shutdown()
}
