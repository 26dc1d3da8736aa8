package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/voicehub/internal/adapters/http"
	"github.com/dkeye/voicehub/internal/app"
	"github.com/dkeye/voicehub/internal/config"
	"github.com/dkeye/voicehub/internal/media"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// The media worker comes up before the listener: no room can exist
	// without it, and its death is fatal for the whole process.
	engine, err := media.NewPionEngine(cfg.STUNServers)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start media engine")
	}
	engine.OnDied(func(err error) {
		log.Error().Err(err).Msg("media engine worker died")
		cancel()
	})

	registry := app.NewRegistry(engine)

	r := router.SetupRouter(ctx, cfg, registry)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("voicehub server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	registry.Shutdown()
	log.Info().Msg("Server exited gracefully")
}
