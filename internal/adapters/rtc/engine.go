// Package rtc implements the media engine on pion's ORTC API. Each router is
// a set of ICE/DTLS transports whose producers are relayed to consumers on
// the same router.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrRouterClosed     = errors.New("router closed")
	ErrTransportClosed  = errors.New("transport closed")
	ErrAlreadyConnected = errors.New("transport already connected")
	ErrMissingIce       = errors.New("ice parameters required")
	ErrWrongDirection   = errors.New("transport role does not allow this operation")
	ErrUnsupportedKind  = errors.New("unsupported media kind")
	ErrUnsupportedCodec = errors.New("unsupported codec")
	ErrMissingSsrc      = errors.New("rtp parameters carry no ssrc")
	ErrProducerNotFound = errors.New("producer not found")
	ErrCannotConsume    = errors.New("consumer capabilities do not match producer codec")
)

type Config struct {
	// ListenIP restricts candidates to one local address. Empty or an
	// unspecified address gathers on every interface.
	ListenIP string

	// AnnouncedIP replaces host candidate addresses, for servers behind 1:1 NAT.
	AnnouncedIP string
	MinPort     uint16
	MaxPort     uint16

	// ICEServers turns off ICE lite when set.
	ICEServers []string
}

// Codecs are the codecs every router offers.
var Codecs = map[domain.MediaKind][]webrtc.RTPCodecParameters{
	domain.MediaKindAudio: {{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}},
	domain.MediaKindVideo: {{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: []webrtc.RTCPFeedback{{Type: "nack"}, {Type: "nack", Parameter: "pli"}, {Type: "ccm", Parameter: "fir"}},
		},
		PayloadType: 96,
	}},
}

type Engine struct {
	api    *webrtc.API
	cfg    Config
	lite   bool
	caps   protocol.RtpCapabilities
	logger zerolog.Logger
}

func NewEngine(cfg Config, logger zerolog.Logger) (*Engine, error) {
	logger = logger.With().Str("module", "rtc").Logger()

	m := &webrtc.MediaEngine{}
	for kind, codecs := range Codecs {
		typ, _ := codecType(kind)
		for _, c := range codecs {
			if err := m.RegisterCodec(c, typ); err != nil {
				return nil, fmt.Errorf("register codec %s: %w", c.MimeType, err)
			}
		}
	}

	s := webrtc.SettingEngine{LoggerFactory: newLoggerFactory(logger)}
	if cfg.MinPort != 0 || cfg.MaxPort != 0 {
		if err := s.SetEphemeralUDPPortRange(cfg.MinPort, cfg.MaxPort); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}
	if cfg.AnnouncedIP != "" {
		s.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}
	if ip := net.ParseIP(cfg.ListenIP); ip != nil && !ip.IsUnspecified() {
		s.SetIPFilter(func(candidate net.IP) bool { return candidate.Equal(ip) })
	}
	lite := len(cfg.ICEServers) == 0
	s.SetLite(lite)

	return &Engine{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)),
		cfg:    cfg,
		lite:   lite,
		caps:   capabilitiesFrom(Codecs),
		logger: logger,
	}, nil
}

func (e *Engine) CreateRouter(ctx context.Context) (core.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := &Router{
		id:         uuid.NewString(),
		engine:     e,
		transports: make(map[domain.TransportID]*Transport),
		producers:  make(map[domain.ProducerID]*Producer),
	}
	r.logger = e.logger.With().Str("router_id", r.id).Logger()
	r.logger.Info().Msg("router created")
	return r, nil
}

func (e *Engine) gatherOptions() webrtc.ICEGatherOptions {
	if e.lite {
		return webrtc.ICEGatherOptions{}
	}
	return webrtc.ICEGatherOptions{ICEServers: []webrtc.ICEServer{{URLs: e.cfg.ICEServers}}}
}

// closeHooks runs registered functions once, or immediately once fired.
type closeHooks struct {
	mu    sync.Mutex
	fired bool
	fns   []func()
}

func (h *closeHooks) add(fn func()) {
	h.mu.Lock()
	if h.fired {
		h.mu.Unlock()
		fn()
		return
	}
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

func (h *closeHooks) fire() {
	h.mu.Lock()
	if h.fired {
		h.mu.Unlock()
		return
	}
	h.fired = true
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type Router struct {
	id      string
	engine  *Engine
	onClose closeHooks
	logger  zerolog.Logger

	mu         sync.Mutex
	closed     bool
	transports map[domain.TransportID]*Transport
	producers  map[domain.ProducerID]*Producer
}

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() protocol.RtpCapabilities { return r.engine.caps }

func (r *Router) CreateTransport(ctx context.Context, role domain.TransportRole) (core.Transport, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrRouterClosed
	}

	t, err := newTransport(ctx, r, role)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.Close()
		return nil, ErrRouterClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *Router) OnClose(fn func()) { r.onClose.add(fn) }

func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	r.logger.Info().Msg("router closed")
	r.onClose.fire()
}

func (r *Router) producer(id domain.ProducerID) *Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producers[id]
}

func (r *Router) addProducer(p *Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.producers[p.id] = p
}

func (r *Router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *Router) removeTransport(id domain.TransportID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}
