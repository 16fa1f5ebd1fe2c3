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
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/huddle/internal/adapters/http"
	"github.com/dkeye/huddle/internal/adapters/link"
	"github.com/dkeye/huddle/internal/adapters/rtc"
	wsignal "github.com/dkeye/huddle/internal/adapters/signal"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadServer(os.Args[1:])
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
		log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func observerLink(c config.ObserverLink) link.Config {
	lc := link.DefaultConfig(c.URL)
	lc.MaxRetryAttempts = c.MaxRetryAttempts
	lc.RetryPace = c.RetryPace
	lc.ResendPace = c.ResendPace
	lc.MaxBufferSize = c.MaxBufferSize
	lc.MaxBufferAge = c.MaxBufferAge
	return lc
}

func run(ctx context.Context, cfg *config.Server) error {
	logger := log.Logger

	engine, err := rtc.NewEngine(rtc.Config{
		ListenIP:    cfg.ServerIP,
		AnnouncedIP: cfg.AnnouncedIP,
		MinPort:     cfg.RTCMinPort,
		MaxPort:     cfg.RTCMaxPort,
		ICEServers:  cfg.ICEServers,
	}, logger)
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}
	rooms := app.NewRoomManager(engine, logger)
	defer rooms.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), telemetry.NewRoomCollector(rooms))

	var observer core.Observer
	if cfg.Observer.URL != "" {
		observer = telemetry.NewForwarder(observerLink(cfg.Observer), logger)
	} else {
		observer = telemetry.NewAggregator(reg, logger)
	}

	o := &orch.Orchestrator{
		Rooms:       rooms,
		Observer:    observer,
		Policy:      app.PolicyByName(cfg.Backpressure),
		ServiceID:   cfg.ServiceID,
		MediaUnitID: cfg.MediaUnitID,
		Logger:      logger,
	}

	var limiter *wsignal.JoinRateLimiter
	if cfg.JoinLimit > 0 && cfg.JoinInterval > 0 {
		limiter = wsignal.NewJoinRateLimiter(cfg.JoinLimit, cfg.JoinInterval, clock.New())
	}
	ctl := wsignal.NewSignalWSController(o, limiter, wsignal.PumpConfig{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		SendQueue:  cfg.SendQueue,
	}, logger)

	sfuID := uuid.NewString()
	source, err := observer.CreateSfuSource(core.SfuSourceInfo{
		ServiceID:   cfg.ServiceID,
		MediaUnitID: cfg.MediaUnitID,
		SfuID:       sfuID,
	})
	if err != nil {
		return fmt.Errorf("sfu sample source: %w", err)
	}
	sampler := &orch.Sampler{Rooms: rooms, Source: source, SfuID: sfuID, Period: cfg.SamplePeriod, Logger: logger}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(ctx, cfg.Mode, ctl, o, reg),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("sfu_id", sfuID).Msg("Huddle server started")
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
	g.Go(func() error { return sampler.Run(gctx) })
	if limiter != nil {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.JoinInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					limiter.Prune()
				}
			}
		})
	}
	return g.Wait()
}
