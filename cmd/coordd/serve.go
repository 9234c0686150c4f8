package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/propline/coord/internal/archive"
	"github.com/propline/coord/internal/bridge"
	"github.com/propline/coord/internal/config"
	"github.com/propline/coord/internal/engine"
	"github.com/propline/coord/internal/identity"
	"github.com/propline/coord/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordination engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		slog.SetDefault(logger)

		// Load configuration.
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		// Participant directory: Postgres when configured, otherwise
		// connections keep their declared roles.
		var directory identity.Directory
		if cfg.DatabaseURL != "" {
			dir, err := identity.NewPostgres(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			directory = dir
			logger.Info("participant directory enabled", "backend", "postgres")
		} else {
			logger.Info("participant directory disabled (COORD_DATABASE_URL not set)")
		}

		// Fan-out broker: NATS preferred, Redis as the alternative.
		var broker bridge.Broker
		switch {
		case cfg.NATSURL != "":
			b, err := bridge.NewNATSBroker(cfg.NATSURL)
			if err != nil {
				return err
			}
			broker = b
			logger.Info("fan-out enabled", "broker", "nats", "url", cfg.NATSURL)
		case cfg.RedisURL != "":
			b, err := bridge.NewRedisBroker(cmd.Context(), cfg.RedisURL)
			if err != nil {
				return err
			}
			broker = b
			logger.Info("fan-out enabled", "broker", "redis")
		default:
			logger.Info("fan-out disabled (no COORD_NATS_URL or COORD_REDIS_URL)")
		}

		// Archive destination for retired rooms.
		var dest archive.Destination
		if cfg.ArchiveS3Bucket != "" {
			s3Dest, err := archive.NewS3Destination(
				context.Background(),
				cfg.ArchiveS3Bucket,
				cfg.ArchiveS3Prefix,
				cfg.ArchiveS3Region,
				cfg.ArchiveS3Endpoint,
			)
			if err != nil {
				logger.Error("failed to create S3 archive destination", "err", err)
			} else {
				dest = s3Dest
				logger.Info("room archive enabled", "bucket", cfg.ArchiveS3Bucket, "prefix", cfg.ArchiveS3Prefix)
			}
		}

		eng, err := engine.New(engine.Options{
			Identity:          directory,
			Broker:            broker,
			Archive:           dest,
			Tuning:            cfg.Tuning,
			HeartbeatInterval: cfg.HeartbeatInterval,
			AwayThreshold:     cfg.AwayThreshold,
			RoomRetention:     cfg.RoomRetention,
			Logger:            logger,
		})
		if err != nil {
			return err
		}
		eng.Start()

		// Start HTTP server.
		httpServer := &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: server.New(eng).NewHTTPHandler(cfg.AuthToken),
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP server error", "err", err)
			}
		}()

		logger.Info("coordination engine started", "http_addr", cfg.HTTPAddr)

		// Wait for SIGINT or SIGTERM.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		// Graceful shutdown: stop accepting HTTP first, then tear down
		// the engine (which closes every live WebSocket).
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		eng.Stop()

		if directory != nil {
			if err := directory.Close(); err != nil {
				logger.Error("error closing participant directory", "err", err)
			}
		}

		logger.Info("shutdown complete")
		return nil
	},
}
