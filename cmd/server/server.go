package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"matchbook/internal/config"
	"matchbook/internal/engine"
	"matchbook/internal/httpapi"
	"matchbook/internal/logging"
	"matchbook/internal/net"
	"matchbook/internal/publish"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to load config: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logging.Setup(logging.Config{
		Level:      cfg.Logging.Level,
		Console:    cfg.Logging.Console,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped")
		logFile.Close()
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

// run starts the engine and its front ends, and blocks until ctx is done or
// one of them fails.
func run(ctx context.Context, cfg *config.Config) error {
	eng := engine.New()
	t, ctx := tomb.WithContext(ctx)

	// Setup the TCP server, it also reports fills back to order owners.
	srv := net.New(net.Config{
		Address:     cfg.TCP.Address,
		Port:        cfg.TCP.Port,
		Workers:     cfg.TCP.Workers,
		IdleTimeout: cfg.TCP.IdleTimeout,
	}, eng)
	eng.AddReporter(srv)
	t.Go(func() error {
		return srv.Run(ctx)
	})

	if cfg.HTTP.Enabled {
		api := httpapi.New(httpapi.Config{Address: cfg.HTTP.Address}, eng)
		t.Go(func() error {
			return api.Run(ctx)
		})
	}

	if cfg.Kafka.Enabled {
		publisher := publish.NewPublisher(publish.Config{
			Brokers:   cfg.Kafka.Brokers,
			Topic:     cfg.Kafka.Topic,
			QueueSize: cfg.Kafka.QueueSize,
		})
		eng.AddReporter(publisher)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing trades")
		t.Go(func() error {
			return publisher.Run(ctx)
		})
	}

	<-t.Dying()
	log.Info().Interface("stats", eng.Stats()).Msg("shutting down")
	if err := t.Wait(); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
