package rtc

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Transport is one ICE/DTLS association with a client. The server side is
// always ICE controlled; the DTLS role follows the client's.
type Transport struct {
	id     domain.TransportID
	role   domain.TransportRole
	router *Router
	logger zerolog.Logger

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   protocol.TransportParameters

	ctx    context.Context
	cancel context.CancelFunc

	// ready is closed once DTLS is up and SRTP keys exist.
	ready chan struct{}

	mu        sync.Mutex
	started   bool
	closed    bool
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
}

func gather(ctx context.Context, g *webrtc.ICEGatherer) error {
	done := make(chan struct{})
	var once sync.Once
	g.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if err := g.Gather(); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newTransport(ctx context.Context, r *Router, role domain.TransportRole) (*Transport, error) {
	api := r.engine.api
	gatherer, err := api.NewICEGatherer(r.engine.gatherOptions())
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	fail := func(what string, err error) (*Transport, error) {
		_ = gatherer.Close()
		return nil, fmt.Errorf("%s: %w", what, err)
	}

	if err := gather(ctx, gatherer); err != nil {
		return fail("gather", err)
	}
	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return fail("ice parameters", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return fail("ice candidates", err)
	}
	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		return fail("dtls transport", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return fail("dtls parameters", err)
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		id:       domain.TransportID(uuid.NewString()),
		role:     role,
		router:   r,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		params: protocol.TransportParameters{
			IceParameters:  iceParametersFrom(iceParams, r.engine.lite),
			IceCandidates:  iceCandidatesFrom(candidates),
			DtlsParameters: dtlsParametersFrom(dtlsParams),
		},
		ctx:       tctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
	t.logger = r.logger.With().Str("transport_id", string(t.id)).Str("role", string(role)).Logger()

	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		t.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
		if s == webrtc.ICETransportStateFailed {
			go t.Close()
		}
	})
	t.logger.Debug().Int("candidates", len(candidates)).Msg("transport created")
	return t, nil
}

func (t *Transport) ID() domain.TransportID { return t.id }

func (t *Transport) Parameters() protocol.TransportParameters { return t.params }

// Connect starts the ICE and DTLS handshakes in the background and returns
// once they are under way. A failed handshake closes the transport.
func (t *Transport) Connect(ctx context.Context, dtls protocol.DtlsParameters, ice *protocol.IceParameters) error {
	if ice == nil {
		return ErrMissingIce
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return ErrTransportClosed
	case t.started:
		return ErrAlreadyConnected
	}
	t.started = true
	go t.handshake(iceParametersTo(*ice), dtlsParametersTo(dtls))
	return nil
}

func (t *Transport) handshake(ice webrtc.ICEParameters, dtls webrtc.DTLSParameters) {
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, ice, &role); err != nil {
		if t.ctx.Err() == nil {
			t.logger.Warn().Err(err).Msg("ICE failed")
		}
		t.Close()
		return
	}
	if err := t.dtls.Start(dtls); err != nil {
		if t.ctx.Err() == nil {
			t.logger.Warn().Err(err).Msg("DTLS failed")
		}
		t.Close()
		return
	}
	close(t.ready)
	t.logger.Info().Msg("transport connected")
}

func (t *Transport) Produce(ctx context.Context, kind domain.MediaKind, params protocol.RtpParameters) (core.Producer, error) {
	if t.role != domain.RoleProducing {
		return nil, ErrWrongDirection
	}
	typ, ok := codecType(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	codec, err := matchCodec(kind, params)
	if err != nil {
		return nil, err
	}
	if len(params.Encodings) == 0 || params.Encodings[0].Ssrc == 0 {
		return nil, ErrMissingSsrc
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	receiver, err := t.router.engine.api.NewRTPReceiver(typ, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	pctx, cancel := context.WithCancel(t.ctx)
	p := &Producer{
		id:        domain.ProducerID(uuid.NewString()),
		kind:      kind,
		codec:     codec,
		transport: t,
		receiver:  receiver,
		relay:     newRelay(),
		cancel:    cancel,
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
	p.logger = t.logger.With().Str("producer_id", string(p.id)).Str("kind", string(kind)).Logger()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		_ = receiver.Stop()
		return nil, ErrTransportClosed
	}
	t.producers[p.id] = p
	t.mu.Unlock()
	t.router.addProducer(p)

	coding := webrtc.RTPCodingParameters{
		SSRC:        webrtc.SSRC(params.Encodings[0].Ssrc),
		PayloadType: webrtc.PayloadType(params.Codecs[0].PayloadType),
	}
	go p.run(pctx, webrtc.RTPReceiveParameters{Encodings: []webrtc.RTPDecodingParameters{{RTPCodingParameters: coding}}})

	p.logger.Info().Uint32("ssrc", params.Encodings[0].Ssrc).Msg("producer created")
	return p, nil
}

// matchCodec returns the router codec for the first codec the client sends.
func matchCodec(kind domain.MediaKind, params protocol.RtpParameters) (webrtc.RTPCodecParameters, error) {
	if len(params.Codecs) == 0 {
		return webrtc.RTPCodecParameters{}, ErrUnsupportedCodec
	}
	mime := params.Codecs[0].MimeType
	for _, c := range Codecs[kind] {
		if strings.EqualFold(c.MimeType, mime) {
			return c, nil
		}
	}
	return webrtc.RTPCodecParameters{}, fmt.Errorf("%w: %s", ErrUnsupportedCodec, mime)
}

func (t *Transport) Consume(ctx context.Context, producerID domain.ProducerID, caps protocol.RtpCapabilities) (core.Consumer, error) {
	if t.role != domain.RoleConsuming {
		return nil, ErrWrongDirection
	}
	p := t.router.producer(producerID)
	if p == nil {
		return nil, ErrProducerNotFound
	}
	if _, ok := caps.Codec(p.codec.MimeType); !ok {
		return nil, ErrCannotConsume
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := domain.ConsumerID(uuid.NewString())
	track, err := webrtc.NewTrackLocalStaticRTP(p.codec.RTPCodecCapability, string(id), string(producerID))
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.router.engine.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	ssrc := rand.Uint32()
	coding := webrtc.RTPCodingParameters{SSRC: webrtc.SSRC(ssrc), PayloadType: p.codec.PayloadType}
	if err := sender.Send(webrtc.RTPSendParameters{Encodings: []webrtc.RTPEncodingParameters{{RTPCodingParameters: coding}}}); err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("rtp send: %w", err)
	}

	c := &Consumer{
		id:        id,
		producer:  p,
		transport: t,
		sender:    sender,
		params: protocol.RtpParameters{
			Codecs:    []protocol.RtpCodecParameters{codecParametersFrom(p.codec)},
			Encodings: []protocol.RtpEncodingParameters{{Ssrc: ssrc}},
			Rtcp:      &protocol.RtcpParameters{Cname: string(producerID), ReducedSize: true},
		},
	}
	c.logger = t.logger.With().Str("consumer_id", string(id)).Str("producer_id", string(producerID)).Logger()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sender.Stop()
		return nil, ErrTransportClosed
	}
	t.consumers[id] = c
	t.mu.Unlock()

	if !p.addConsumer(c, track) {
		c.Close()
		return nil, ErrProducerNotFound
	}
	go c.readRTCP()

	c.logger.Info().Uint32("ssrc", ssrc).Msg("consumer created")
	return c, nil
}

// Close stops every producer and consumer, then the DTLS and ICE transports.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	t.cancel()
	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
	if err := t.dtls.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("dtls stop")
	}
	if err := t.ice.Stop(); err != nil {
		t.logger.Debug().Err(err).Msg("ice stop")
	}
	_ = t.gatherer.Close()
	t.router.removeTransport(t.id)
	t.logger.Debug().Msg("transport closed")
}

func (t *Transport) removeProducer(id domain.ProducerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

func (t *Transport) removeConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

type Producer struct {
	id        domain.ProducerID
	kind      domain.MediaKind
	codec     webrtc.RTPCodecParameters
	transport *Transport
	receiver  *webrtc.RTPReceiver
	relay     *relay
	cancel    context.CancelFunc
	onClose   closeHooks
	logger    zerolog.Logger

	mu        sync.Mutex
	closed    bool
	consumers map[domain.ConsumerID]*Consumer
}

func (p *Producer) ID() domain.ProducerID  { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }

// run waits for the transport to connect, then relays until closed.
func (p *Producer) run(ctx context.Context, params webrtc.RTPReceiveParameters) {
	select {
	case <-p.transport.ready:
	case <-ctx.Done():
		return
	}
	if err := p.receiver.Receive(params); err != nil {
		p.logger.Warn().Err(err).Msg("receive failed")
		p.Close()
		return
	}
	p.relay.loop(ctx, p.receiver.Track(), p.logger)
}

func (p *Producer) Pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.relay.setPaused(true)
	return nil
}

func (p *Producer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.relay.setPaused(false)
	return nil
}

func (p *Producer) OnClose(fn func()) { p.onClose.add(fn) }

func (p *Producer) addConsumer(c *Consumer, track *webrtc.TrackLocalStaticRTP) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	p.relay.add(c.id, track)
	return true
}

func (p *Producer) removeConsumer(id domain.ConsumerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
	p.relay.remove(id)
}

// Close stops the relay and closes every consumer of the producer.
func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	consumers := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		consumers = append(consumers, c)
	}
	p.mu.Unlock()

	p.cancel()
	if err := p.receiver.Stop(); err != nil {
		p.logger.Debug().Err(err).Msg("receiver stop")
	}
	p.relay.markAllDelete()
	for _, c := range consumers {
		c.Close()
	}
	p.transport.removeProducer(p.id)
	p.transport.router.removeProducer(p.id)
	p.logger.Info().Msg("producer closed")
	p.onClose.fire()
}

type Consumer struct {
	id        domain.ConsumerID
	producer  *Producer
	transport *Transport
	sender    *webrtc.RTPSender
	params    protocol.RtpParameters
	onClose   closeHooks
	logger    zerolog.Logger

	once sync.Once
}

func (c *Consumer) ID() domain.ConsumerID         { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind        { return c.producer.kind }

func (c *Consumer) RtpParameters() protocol.RtpParameters { return c.params }

func (c *Consumer) OnClose(fn func()) { c.onClose.add(fn) }

// readRTCP drains receiver reports so the interceptors keep working.
func (c *Consumer) readRTCP() {
	for {
		if _, _, err := c.sender.ReadRTCP(); err != nil {
			return
		}
	}
}

func (c *Consumer) Close() {
	c.once.Do(func() {
		c.producer.removeConsumer(c.id)
		c.transport.removeConsumer(c.id)
		if err := c.sender.Stop(); err != nil {
			c.logger.Debug().Err(err).Msg("sender stop")
		}
		c.logger.Debug().Msg("consumer closed")
		c.onClose.fire()
	})
}
