package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"mealcredits/internal/bootstrap"
	"mealcredits/internal/config"
	httpapi "mealcredits/internal/http"
	"mealcredits/internal/ledger"
	"mealcredits/internal/logging"
	"mealcredits/internal/metrics"
	"mealcredits/internal/services"
)

func main() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Warn().Err(err).Msg("load .env failed")
		}
	} else if !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("stat .env failed")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config failed")
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "api"})

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

// run serves until a signal arrives or a component fails. Deferred cleanup
// finishes before main decides the exit code.
func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backends, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open backends: %w", err)
	}
	defer func() {
		if err := backends.Close(); err != nil {
			log.Warn().Err(err).Msg("close backends failed")
		}
	}()

	authenticator, err := backends.Authenticator(ctx, cfg)
	if err != nil {
		return fmt.Errorf("auth setup: %w", err)
	}

	m := metrics.New()
	svc := services.New(cfg, ledger.Instrument(backends.Ledger, m), backends.Freebies, m)
	server := httpapi.NewServer(svc, cfg, authenticator, m)
	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ServerAddr).Str("ledger", cfg.LedgerBackend).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return backends.Listen(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
