package core

import (
	"context"
	"sync"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog"
)

// ClientInfo is the identity a connection was admitted with.
type ClientInfo struct {
	ClientID domain.ClientID
	UserID   domain.UserID
}

// Room owns one engine router and keeps every client consuming every other
// client's producers.
type Room struct {
	id       domain.RoomID
	router   Router
	logger   zerolog.Logger
	onClosed func(*Room)

	mu      sync.Mutex
	clients map[domain.ClientID]*ClientSession
	closed  bool
}

// NewRoom binds a room to router. onClosed runs once after the room is closed,
// whether it emptied out or the router closed underneath it.
func NewRoom(id domain.RoomID, router Router, logger zerolog.Logger, onClosed func(*Room)) *Room {
	r := &Room{
		id:       id,
		router:   router,
		onClosed: onClosed,
		clients:  make(map[domain.ClientID]*ClientSession),
		logger: logger.With().
			Str("module", "core.room").
			Str("room_id", string(id)).
			Str("call_id", router.ID()).
			Logger(),
	}
	router.OnClose(r.Close)
	return r
}

func (r *Room) ID() domain.RoomID { return r.id }

// CallID is the router id; clients use it to correlate their samples.
func (r *Room) CallID() domain.CallID { return domain.CallID(r.router.ID()) }

func (r *Room) RtpCapabilities() protocol.RtpCapabilities { return r.router.RtpCapabilities() }

func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Client returns the live session for id.
func (r *Room) Client(id domain.ClientID) (*ClientSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.clients[id]
	return s, ok
}

// Add creates the session for a newly admitted connection and binds its
// request handlers to ch. A live session with the same client id is replaced.
func (r *Room) Add(ctx context.Context, info ClientInfo, ch *protocol.Channel, source SampleSource) (*ClientSession, error) {
	s := newClientSession(ctx, r, info, ch, source, r.logger)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRoomClosed
	}
	prev := r.clients[info.ClientID]
	r.clients[info.ClientID] = s
	r.mu.Unlock()

	if prev != nil {
		r.logger.Info().Str("client_id", string(info.ClientID)).Msg("client reconnected, replacing session")
		prev.channel.CloseWithReason(protocol.CloseReplaced, "session replaced")
	}

	s.bind()
	r.logger.Info().Str("client_id", string(info.ClientID)).Str("user_id", string(info.UserID)).Msg("client added")
	return s, nil
}

// remove drops s and closes the room when it was the last client.
func (r *Room) remove(s *ClientSession) {
	r.mu.Lock()
	if cur, ok := r.clients[s.info.ClientID]; ok && cur == s {
		delete(r.clients, s.info.ClientID)
	}
	if r.closed || len(r.clients) > 0 {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.logger.Info().Msg("last client left")
	r.finishClose(nil)
}

// Close closes every remaining session and the router. Safe to call more than once.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*ClientSession, 0, len(r.clients))
	for _, s := range r.clients {
		sessions = append(sessions, s)
	}
	r.clients = make(map[domain.ClientID]*ClientSession)
	r.mu.Unlock()

	r.finishClose(sessions)
}

func (r *Room) finishClose(sessions []*ClientSession) {
	for _, s := range sessions {
		s.channel.Close()
	}
	r.router.Close()
	r.logger.Info().Msg("room closed")
	if r.onClosed != nil {
		r.onClosed(r)
	}
}

func (r *Room) others(self *ClientSession) []*ClientSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ClientSession, 0, len(r.clients))
	for _, s := range r.clients {
		if s != self {
			out = append(out, s)
		}
	}
	return out
}

// reconcileClient makes consumer consume every producer of every other client.
func (r *Room) reconcileClient(ctx context.Context, consumer *ClientSession) {
	for _, other := range r.others(consumer) {
		for _, p := range other.liveProducers() {
			r.consume(ctx, other, consumer, p)
		}
	}
}

// reconcileProducer makes every other client consume p.
func (r *Room) reconcileProducer(ctx context.Context, owner *ClientSession, p Producer) {
	for _, other := range r.others(owner) {
		r.consume(ctx, owner, other, p)
	}
}

// consume ensures consuming has exactly one consumer of p. Pairs that miss a
// precondition are skipped; a later pass picks them up.
func (r *Room) consume(ctx context.Context, producing, consuming *ClientSession, p Producer) {
	pid := p.ID()
	if !producing.hasProducer(pid) {
		return
	}
	caps, transport, ok := consuming.reserveConsume(pid)
	if !ok {
		return
	}

	c, err := transport.Consume(ctx, pid, caps)
	if err != nil {
		consuming.releaseConsume(pid)
		r.logger.Error().Err(err).
			Str("producer_id", string(pid)).
			Str("client_id", string(consuming.info.ClientID)).
			Msg("consume failed")
		return
	}

	entry := &consumerEntry{consumer: c, remote: producing.remote()}
	if !consuming.registerConsumer(entry) {
		c.Close()
		return
	}
	consuming.notifyConsumerCreated(entry)
	c.OnClose(func() { consuming.consumerClosed(entry) })

	// the producer may have gone while the engine call was in flight
	if !producing.hasProducer(pid) {
		c.Close()
		consuming.consumerClosed(entry)
	}
}

// producerClosed detaches a closed producer from its owner and closes every
// consumer of it in the room.
func (r *Room) producerClosed(owner *ClientSession, pid domain.ProducerID) {
	owner.removeProducer(pid)
	for _, other := range r.others(owner) {
		other.closeConsumersOf(pid)
	}
}

func (r *Room) Stats() domain.RoomStats {
	st := domain.RoomStats{RoomID: r.id, CallID: r.CallID()}
	r.mu.Lock()
	sessions := make([]*ClientSession, 0, len(r.clients))
	for _, s := range r.clients {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	st.Clients = len(sessions)
	for _, s := range sessions {
		producers, consumers := s.counts()
		st.Producers += producers
		st.Consumers += consumers
	}
	return st
}
