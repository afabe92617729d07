// Command routerd runs the event router HTTP service: it loads configuration,
// opens the SQLite store, wires OpenTelemetry, registers the routes, and runs
// the background loops (claim sweeper, rate-limit sweeper, session expiry,
// receipt purge) until the process receives SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaymesh/go-event-router/internal/config"
	httpapi "github.com/relaymesh/go-event-router/internal/http"
	"github.com/relaymesh/go-event-router/internal/observability"
	"github.com/relaymesh/go-event-router/internal/repo"
	"github.com/relaymesh/go-event-router/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	gin.SetMode(cfg.GinMode)

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate schema")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("setup otel")
	}

	r := gin.New()
	app := httpapi.RegisterRoutes(r, db, cfg)

	// Background loops share the signal context and stop with the server.
	go app.Coordinator.Run(ctx)
	go app.Limiter.Run(ctx)
	go app.Sessions.Run(ctx)
	go purgeReceipts(ctx, app)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("version", version).
			Str("instance", sysutil.Hostname()).
			Msg("event router listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("event router stopped")
}

// purgeReceipts drops expired ingest dedupe receipts on a fixed cadence.
func purgeReceipts(ctx context.Context, app *httpapi.App) {
	t := time.NewTicker(10 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := app.Ingest.PurgeReceipts(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("purge receipts")
				continue
			}
			if n > 0 {
				log.Debug().Int64("purged", n).Msg("expired receipts removed")
			}
		}
	}
}
