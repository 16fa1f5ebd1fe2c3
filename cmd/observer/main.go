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

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/huddle/internal/adapters/http"
	"github.com/dkeye/huddle/internal/adapters/ingest"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadObserver(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("observer error")
		os.Exit(1)
	}
	log.Info().Msg("Observer exited gracefully")
}

func run(ctx context.Context, cfg *config.Observer) error {
	logger := log.Logger
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	aggregator := telemetry.NewAggregator(reg, logger)

	clk := clock.New()
	trackers := make([]*app.Tracker, 0, 2)
	for _, kind := range []app.Kind{app.KindClient, app.KindSfu} {
		t := app.NewTracker(app.TrackerConfig{
			Kind:               kind,
			Grace:              cfg.MaxDisconnectingTime,
			DefaultServiceID:   cfg.ServiceID,
			DefaultMediaUnitID: cfg.MediaUnitID,
		}, clk, app.ObserverFactory(aggregator, kind), logger)
		telemetry.RegisterTracker(reg, t)
		trackers = append(trackers, t)
	}
	defer func() {
		for _, t := range trackers {
			t.Clear()
			t.Close()
		}
	}()

	ctl := ingest.NewController(trackers[0], trackers[1], cfg.ReadLimit, cfg.PingPeriod, logger)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupObserverRouter(cfg.Mode, ctl, reg),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Huddle observer started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		ticker := clk.Ticker(cfg.CheckPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				for _, t := range trackers {
					if n := t.Check(); n > 0 {
						log.Info().Str("kind", string(t.Kind())).Int("evicted", n).Msg("presence check")
					}
				}
			}
		}
	})
	return g.Wait()
}
