package orch

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/telemetry"
	"github.com/rs/zerolog"
)

// Sampler periodically reports this SFU's room stats to an SFU sample source.
type Sampler struct {
	Rooms  *app.RoomManager
	Source core.SampleSource
	SfuID  string
	Period time.Duration
	Clock  clock.Clock
	Logger zerolog.Logger
}

// Run samples every Period until ctx is done, then closes the source.
func (s *Sampler) Run(ctx context.Context) error {
	clk := s.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := s.Logger.With().Str("module", "app.sampler").Str("sfu_id", s.SfuID).Logger()
	ticker := clk.Ticker(s.Period)
	defer func() {
		ticker.Stop()
		s.Source.Close()
	}()

	logger.Info().Dur("period", s.Period).Msg("sampler started")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("sampler stopped")
			return nil
		case <-ticker.C:
			if err := s.SampleOnce(clk.Now()); err != nil {
				logger.Warn().Err(err).Msg("sample dropped")
			}
		}
	}
}

func (s *Sampler) SampleOnce(now time.Time) error {
	data, err := telemetry.EncodeSfuSample(telemetry.SfuSample{
		SfuID:     s.SfuID,
		Timestamp: now.UnixMilli(),
		Rooms:     s.Rooms.List(),
	})
	if err != nil {
		return err
	}
	if err := s.Source.Accept(data); err != nil {
		return fmt.Errorf("accept sfu sample: %w", err)
	}
	return nil
}
