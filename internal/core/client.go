package core

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog"
)

type consumerEntry struct {
	consumer Consumer
	remote   domain.RemoteClient
	once     sync.Once
}

// ClientSession is one participant's state inside a Room.
type ClientSession struct {
	info    ClientInfo
	room    *Room
	channel *protocol.Channel
	source  SampleSource
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	caps       *protocol.RtpCapabilities
	transports map[domain.TransportRole]Transport
	creating   map[domain.TransportRole]bool
	producers  map[domain.ProducerID]Producer
	consumers  map[domain.ConsumerID]*consumerEntry
	consumed   map[domain.ProducerID]domain.ConsumerID
	inFlight   map[domain.ProducerID]struct{}
	closed     bool
}

func newClientSession(ctx context.Context, room *Room, info ClientInfo, ch *protocol.Channel, source SampleSource, logger zerolog.Logger) *ClientSession {
	ctx, cancel := context.WithCancel(ctx)
	return &ClientSession{
		info:       info,
		room:       room,
		channel:    ch,
		source:     source,
		ctx:        ctx,
		cancel:     cancel,
		transports: make(map[domain.TransportRole]Transport),
		creating:   make(map[domain.TransportRole]bool),
		producers:  make(map[domain.ProducerID]Producer),
		consumers:  make(map[domain.ConsumerID]*consumerEntry),
		consumed:   make(map[domain.ProducerID]domain.ConsumerID),
		inFlight:   make(map[domain.ProducerID]struct{}),
		logger: logger.With().
			Str("module", "core.client").
			Str("client_id", string(info.ClientID)).
			Logger(),
	}
}

func (s *ClientSession) ID() domain.ClientID { return s.info.ClientID }

func (s *ClientSession) UserID() domain.UserID { return s.info.UserID }

func (s *ClientSession) Channel() *protocol.Channel { return s.channel }

func (s *ClientSession) remote() domain.RemoteClient {
	return domain.RemoteClient{ClientID: s.info.ClientID, UserID: s.info.UserID}
}

func (s *ClientSession) bind() {
	ch := s.channel
	protocol.Handle(ch, protocol.TypeGetRouterCapabilitiesRequest, s.handleGetRouterCapabilities)
	protocol.Handle(ch, protocol.TypeClientRtpCapabilities, s.handleClientRtpCapabilities)
	protocol.Handle(ch, protocol.TypeCreateTransportRequest, s.handleCreateTransport)
	protocol.Handle(ch, protocol.TypeTransportConnectedNotification, s.handleTransportConnected)
	protocol.Handle(ch, protocol.TypeJoinCallRequest, s.handleJoinCall)
	protocol.Handle(ch, protocol.TypeCreateProducerRequest, s.handleCreateProducer)
	protocol.Handle(ch, protocol.TypePauseProducerRequest, s.handlePauseProducer)
	protocol.Handle(ch, protocol.TypeResumeProducerRequest, s.handleResumeProducer)
	protocol.Handle(ch, protocol.TypeObservedSampleNotification, s.handleObservedSample)
	ch.OnClose(s.close)
}

func (s *ClientSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *ClientSession) send(msg protocol.Message) {
	if err := s.channel.Send(msg); err != nil {
		s.logger.Warn().Err(err).Msg("send failed")
	}
}

func (s *ClientSession) handleGetRouterCapabilities(req protocol.GetRouterCapabilitiesRequest) {
	if s.isClosed() {
		return
	}
	s.send(&protocol.GetRouterCapabilitiesResponse{
		Header:          protocol.ReplyTo(req.Header),
		RtpCapabilities: s.room.RtpCapabilities(),
	})
}

func (s *ClientSession) handleClientRtpCapabilities(msg protocol.ClientRtpCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.caps != nil {
		s.logger.Warn().Err(ErrCapabilitiesSet).Msg("ignoring rtp capabilities")
		return
	}
	caps := msg.RtpCapabilities
	s.caps = &caps
}

func (s *ClientSession) handleCreateTransport(req protocol.CreateTransportRequest) {
	role := req.Role
	if !role.Valid() {
		s.logger.Warn().Err(ErrInvalidMessage).Str("role", string(role)).Msg("create transport")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.transports[role]; ok || s.creating[role] {
		s.mu.Unlock()
		s.logger.Warn().Err(ErrTransportExists).Str("role", string(role)).Msg("create transport")
		return
	}
	s.creating[role] = true
	s.mu.Unlock()

	t, err := s.room.router.CreateTransport(s.ctx, role)

	s.mu.Lock()
	delete(s.creating, role)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error().Err(err).Str("role", string(role)).Msg("engine create transport failed")
		return
	}
	if s.closed {
		s.mu.Unlock()
		t.Close()
		return
	}
	s.transports[role] = t
	s.mu.Unlock()

	s.logger.Debug().Str("role", string(role)).Str("transport_id", string(t.ID())).Msg("transport created")
	s.send(&protocol.CreateTransportResponse{
		Header:              protocol.ReplyTo(req.Header),
		ID:                  t.ID(),
		TransportParameters: t.Parameters(),
	})
}

func (s *ClientSession) transport(role domain.TransportRole) Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.transports[role]
}

func (s *ClientSession) handleTransportConnected(msg protocol.TransportConnectedNotification) {
	t := s.transport(msg.Role)
	if t == nil {
		s.logger.Warn().Err(ErrNoTransport).Str("role", string(msg.Role)).Msg("transport connected")
		return
	}
	if err := t.Connect(s.ctx, msg.DtlsParameters, msg.IceParameters); err != nil {
		s.logger.Error().Err(err).Str("role", string(msg.Role)).Msg("engine connect transport failed")
	}
}

func (s *ClientSession) handleJoinCall(req protocol.JoinCallRequest) {
	if s.isClosed() {
		return
	}
	s.room.reconcileClient(s.ctx, s)
	if s.isClosed() {
		return
	}
	s.send(&protocol.JoinCallResponse{Header: protocol.ReplyTo(req.Header), CallID: s.room.CallID()})
}

func (s *ClientSession) handleCreateProducer(req protocol.CreateProducerRequest) {
	if !req.Kind.Valid() {
		s.logger.Warn().Err(ErrInvalidMessage).Str("kind", string(req.Kind)).Msg("create producer")
		return
	}
	t := s.transport(domain.RoleProducing)
	if t == nil {
		s.logger.Warn().Err(ErrNoTransport).Msg("create producer")
		return
	}

	p, err := t.Produce(s.ctx, req.Kind, req.RtpParameters)
	if err != nil {
		s.logger.Error().Err(err).Msg("engine produce failed")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		p.Close()
		return
	}
	s.producers[p.ID()] = p
	s.mu.Unlock()

	pid := p.ID()
	p.OnClose(func() { s.room.producerClosed(s, pid) })

	s.logger.Info().Str("producer_id", string(pid)).Str("kind", string(p.Kind())).Msg("producer created")
	s.send(&protocol.CreateProducerResponse{Header: protocol.ReplyTo(req.Header), ProducerID: pid})
	s.room.reconcileProducer(s.ctx, s, p)
}

func (s *ClientSession) producer(id domain.ProducerID) Producer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.producers[id]
}

func (s *ClientSession) handlePauseProducer(req protocol.PauseProducerRequest) {
	p := s.producer(req.ProducerID)
	if p == nil {
		s.logger.Debug().Err(ErrUnknownProducer).Str("producer_id", string(req.ProducerID)).Msg("pause producer")
		return
	}
	if err := p.Pause(s.ctx); err != nil {
		s.logger.Error().Err(err).Str("producer_id", string(req.ProducerID)).Msg("engine pause failed")
		return
	}
	s.send(&protocol.PauseProducerResponse{Header: protocol.ReplyTo(req.Header), ProducerID: req.ProducerID})
}

func (s *ClientSession) handleResumeProducer(req protocol.ResumeProducerRequest) {
	p := s.producer(req.ProducerID)
	if p == nil {
		s.logger.Debug().Err(ErrUnknownProducer).Str("producer_id", string(req.ProducerID)).Msg("resume producer")
		return
	}
	if err := p.Resume(s.ctx); err != nil {
		s.logger.Error().Err(err).Str("producer_id", string(req.ProducerID)).Msg("engine resume failed")
		return
	}
	s.send(&protocol.ResumeProducerResponse{Header: protocol.ReplyTo(req.Header), ProducerID: req.ProducerID})
}

func (s *ClientSession) handleObservedSample(msg protocol.ObservedSampleNotification) {
	if s.source == nil || s.isClosed() {
		return
	}
	sample, err := base64.StdEncoding.DecodeString(msg.SampleBase64)
	if err != nil {
		s.logger.Warn().Err(err).Msg("undecodable sample")
		return
	}
	if err := s.source.Accept(sample); err != nil {
		s.logger.Warn().Err(err).Msg("sample rejected")
	}
}

func (s *ClientSession) hasProducer(id domain.ProducerID) bool {
	return s.producer(id) != nil
}

func (s *ClientSession) liveProducers() []Producer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	out := make([]Producer, 0, len(s.producers))
	for _, p := range s.producers {
		out = append(out, p)
	}
	return out
}

func (s *ClientSession) removeProducer(id domain.ProducerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.producers, id)
}

// reserveConsume marks pid as being consumed when every consume precondition
// holds and no consumer of pid exists or is being created.
func (s *ClientSession) reserveConsume(pid domain.ProducerID) (protocol.RtpCapabilities, Transport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.caps == nil {
		return protocol.RtpCapabilities{}, nil, false
	}
	t, ok := s.transports[domain.RoleConsuming]
	if !ok {
		return protocol.RtpCapabilities{}, nil, false
	}
	if _, ok := s.consumed[pid]; ok {
		return protocol.RtpCapabilities{}, nil, false
	}
	if _, ok := s.inFlight[pid]; ok {
		return protocol.RtpCapabilities{}, nil, false
	}
	s.inFlight[pid] = struct{}{}
	return *s.caps, t, true
}

func (s *ClientSession) releaseConsume(pid domain.ProducerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, pid)
}

// registerConsumer records e and clears the reservation. It refuses when the
// session closed meanwhile.
func (s *ClientSession) registerConsumer(e *consumerEntry) bool {
	pid := e.consumer.ProducerID()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, pid)
	if s.closed {
		return false
	}
	s.consumers[e.consumer.ID()] = e
	s.consumed[pid] = e.consumer.ID()
	return true
}

func (s *ClientSession) notifyConsumerCreated(e *consumerEntry) {
	c := e.consumer
	s.logger.Info().Str("consumer_id", string(c.ID())).Str("producer_id", string(c.ProducerID())).Msg("consumer created")
	s.send(&protocol.ConsumerCreatedNotification{
		Header:        protocol.NewHeader(protocol.TypeConsumerCreatedNotification),
		ConsumerID:    c.ID(),
		ProducerID:    c.ProducerID(),
		Kind:          c.Kind(),
		RtpParameters: c.RtpParameters(),
		RemoteClient:  e.remote,
	})
}

// consumerClosed runs at most once per consumer.
func (s *ClientSession) consumerClosed(e *consumerEntry) {
	e.once.Do(func() {
		id := e.consumer.ID()
		s.mu.Lock()
		delete(s.consumers, id)
		if cur, ok := s.consumed[e.consumer.ProducerID()]; ok && cur == id {
			delete(s.consumed, e.consumer.ProducerID())
		}
		s.mu.Unlock()

		if s.channel.Closed() {
			return
		}
		s.logger.Info().Str("consumer_id", string(id)).Msg("consumer closed")
		s.send(&protocol.ConsumerClosedNotification{
			Header:       protocol.NewHeader(protocol.TypeConsumerClosedNotification),
			ConsumerID:   id,
			RemoteClient: e.remote,
		})
	})
}

func (s *ClientSession) closeConsumersOf(pid domain.ProducerID) {
	s.mu.Lock()
	var e *consumerEntry
	if id, ok := s.consumed[pid]; ok {
		e = s.consumers[id]
	}
	s.mu.Unlock()
	if e == nil {
		return
	}
	e.consumer.Close()
	s.consumerClosed(e)
}

func (s *ClientSession) counts() (producers, consumers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.producers), len(s.consumers)
}

// close tears the session down once its channel has closed.
func (s *ClientSession) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	producers := make([]Producer, 0, len(s.producers))
	for _, p := range s.producers {
		producers = append(producers, p)
	}
	consumers := make([]*consumerEntry, 0, len(s.consumers))
	for _, e := range s.consumers {
		consumers = append(consumers, e)
	}
	transports := make([]Transport, 0, len(s.transports))
	for _, t := range s.transports {
		transports = append(transports, t)
	}
	s.mu.Unlock()

	s.cancel()
	for _, p := range producers {
		p.Close()
		s.room.producerClosed(s, p.ID())
	}
	for _, e := range consumers {
		e.consumer.Close()
		s.consumerClosed(e)
	}
	for _, t := range transports {
		t.Close()
	}
	if s.source != nil {
		s.source.Close()
	}
	s.room.remove(s)
	s.logger.Info().Msg("client session closed")
}
