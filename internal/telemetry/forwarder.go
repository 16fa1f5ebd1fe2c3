package telemetry

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"

	"github.com/dkeye/huddle/internal/adapters/link"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog"
)

// Forwarder is an Observer backed by a remote observer service. Every source
// gets its own link, so samples survive observer restarts within the link's
// buffer limits.
type Forwarder struct {
	cfg    link.Config
	opts   []link.Option
	logger zerolog.Logger
}

func NewForwarder(cfg link.Config, logger zerolog.Logger, opts ...link.Option) *Forwarder {
	return &Forwarder{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With().Str("module", "telemetry.forwarder").Logger(),
	}
}

func (f *Forwarder) CreateClientSource(info core.ClientSourceInfo) (core.SampleSource, error) {
	q := url.Values{}
	q.Set("clientId", string(info.ClientID))
	q.Set("roomId", string(info.RoomID))
	q.Set("callId", string(info.CallID))
	q.Set("userId", string(info.UserID))
	q.Set("serviceId", info.ServiceID)
	q.Set("mediaUnitId", info.MediaUnitID)
	return f.open(protocol.SubprotocolClientSample, q), nil
}

func (f *Forwarder) CreateSfuSource(info core.SfuSourceInfo) (core.SampleSource, error) {
	q := url.Values{}
	q.Set("sfuId", info.SfuID)
	q.Set("serviceId", info.ServiceID)
	q.Set("mediaUnitId", info.MediaUnitID)
	return f.open(protocol.SubprotocolSfuSample, q), nil
}

func (f *Forwarder) open(subprotocol string, q url.Values) *linkSource {
	cfg := f.cfg
	cfg.Subprotocol = subprotocol
	logger := f.logger.With().Str("subprotocol", subprotocol).Logger()
	l := link.New(cfg, logger, f.opts...)

	go func() {
		if err := l.Connect(context.Background(), q); err != nil && !errors.Is(err, link.ErrLinkClosed) {
			logger.Warn().Err(err).Msg("observer unreachable, dropping source")
			_ = l.Close()
		}
	}()
	return &linkSource{link: l}
}

type linkSource struct {
	link *link.Link
}

// Accept queues sample on the link; it is buffered while the observer is away.
func (s *linkSource) Accept(sample []byte) error {
	frame := base64.StdEncoding.EncodeToString(sample)
	if err := s.link.Send([]byte(frame)); err != nil {
		if errors.Is(err, link.ErrLinkClosed) {
			return ErrSourceClosed
		}
		return err
	}
	return nil
}

func (s *linkSource) Close() {
	_ = s.link.Close()
}
