package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/clock"

	"github.com/PratikDhanave/position-stream-service/internal/config"
	"github.com/PratikDhanave/position-stream-service/internal/handlers"
	"github.com/PratikDhanave/position-stream-service/internal/httpserver"
	"github.com/PratikDhanave/position-stream-service/internal/logging"
	"github.com/PratikDhanave/position-stream-service/internal/store"
)

const shutdownTimeout = 10 * time.Second

// main boots the service: config → logging → DB → schema → HTTP server.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	// Connect to the position store using a connection pool.
	db, err := store.NewPostgresStore(cfg.Database.URL, store.Options{
		MaxConns:     cfg.Database.MaxConns,
		MaxListeners: cfg.Database.MaxListeners,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("connect database")
	}
	defer db.Close()

	if cfg.Database.EnsureSchema {
		if err := db.EnsureSchema(context.Background()); err != nil {
			logging.Fatal().Err(err).Msg("apply schema")
		}
		logging.Info().Msg("development schema applied")
	}

	gin.SetMode(gin.ReleaseMode)
	streams := handlers.NewStreamHandler(db, cfg, handlers.NewSignalFactory(cfg, db, clock.WallClock), clock.WallClock)
	router := httpserver.NewRouter(db, streams)

	// Streams never finish on their own; cancelling the base context ends them on shutdown.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		logging.Info().
			Str("addr", cfg.Server.Addr).
			Str("signal", cfg.Stream.Signal).
			Int("tables", len(cfg.Tables)).
			Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("serve")
		}
	}()

	quit := make(chan os.Signal, 1)
	ossignal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down")
	cancelStreams()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Error().Err(err).Msg("shutdown")
	}
	logging.Info().Msg("server stopped")
}
