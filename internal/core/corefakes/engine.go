// Package corefakes provides in-memory implementations of the core engine and
// telemetry surfaces for tests.
package corefakes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
)

var ErrProducerNotFound = errors.New("producer not found")

var seq atomic.Uint64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, seq.Add(1))
}

// callbacks runs registered functions once, or immediately after firing.
type callbacks struct {
	mu    sync.Mutex
	fired bool
	fns   []func()
}

func (c *callbacks) add(fn func()) {
	c.mu.Lock()
	if c.fired {
		c.mu.Unlock()
		fn()
		return
	}
	c.fns = append(c.fns, fn)
	c.mu.Unlock()
}

// fire reports false when it already fired.
func (c *callbacks) fire() bool {
	c.mu.Lock()
	if c.fired {
		c.mu.Unlock()
		return false
	}
	c.fired = true
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return true
}

var Capabilities = protocol.RtpCapabilities{
	Codecs: []protocol.RtpCodecCapability{
		{Kind: domain.MediaKindAudio, MimeType: "audio/opus", PreferredPayloadType: 111, ClockRate: 48000, Channels: 2},
	},
}

type Engine struct {
	// CreateDelay stretches router creation so concurrent callers overlap.
	CreateDelay time.Duration
	CreateErr   error

	calls   atomic.Int32
	mu      sync.Mutex
	routers []*Router
}

func NewEngine() *Engine { return &Engine{} }

func (e *Engine) CreateRouter(ctx context.Context) (core.Router, error) {
	e.calls.Add(1)
	if e.CreateDelay > 0 {
		select {
		case <-time.After(e.CreateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	err := e.CreateErr
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	r := &Router{id: nextID("router"), producers: make(map[domain.ProducerID]*Producer)}
	e.mu.Lock()
	e.routers = append(e.routers, r)
	e.mu.Unlock()
	return r, nil
}

func (e *Engine) SetCreateErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CreateErr = err
}

func (e *Engine) CreateRouterCalls() int { return int(e.calls.Load()) }

func (e *Engine) Routers() []*Router {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Router(nil), e.routers...)
}

type Router struct {
	id      string
	onClose callbacks

	mu        sync.Mutex
	producers map[domain.ProducerID]*Producer
	closed    bool
}

func (r *Router) ID() string { return r.id }

func (r *Router) RtpCapabilities() protocol.RtpCapabilities { return Capabilities }

func (r *Router) CreateTransport(_ context.Context, role domain.TransportRole) (core.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("router closed")
	}
	return &Transport{id: domain.TransportID(nextID("transport")), role: role, router: r}, nil
}

func (r *Router) OnClose(fn func()) { r.onClose.add(fn) }

func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.onClose.fire()
}

func (r *Router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) producer(id domain.ProducerID) *Producer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producers[id]
}

type Transport struct {
	id     domain.TransportID
	role   domain.TransportRole
	router *Router

	// ConsumeHook runs inside Consume before the consumer is returned.
	ConsumeHook func()

	mu        sync.Mutex
	connected bool
	closed    bool
	producers []*Producer
	consumers []*Consumer
}

func (t *Transport) ID() domain.TransportID { return t.id }

func (t *Transport) Parameters() protocol.TransportParameters {
	return protocol.TransportParameters{
		IceParameters:  protocol.IceParameters{UsernameFragment: "ufrag", Password: "pwd", IceLite: true},
		IceCandidates:  []protocol.IceCandidate{{Foundation: "1", Priority: 1, IP: "127.0.0.1", Protocol: "udp", Port: 5000, Type: "host"}},
		DtlsParameters: protocol.DtlsParameters{Role: "auto", Fingerprints: []protocol.DtlsFingerprint{{Algorithm: "sha-256", Value: "00"}}},
	}
}

func (t *Transport) Connect(context.Context, protocol.DtlsParameters, *protocol.IceParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) Produce(_ context.Context, kind domain.MediaKind, params protocol.RtpParameters) (core.Producer, error) {
	p := &Producer{id: domain.ProducerID(nextID("producer")), kind: kind, params: params, router: t.router}
	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(_ context.Context, producerID domain.ProducerID, _ protocol.RtpCapabilities) (core.Consumer, error) {
	p := t.router.producer(producerID)
	if p == nil {
		return nil, ErrProducerNotFound
	}
	c := &Consumer{id: domain.ConsumerID(nextID("consumer")), producer: p}
	if t.ConsumeHook != nil {
		t.ConsumeHook()
	}
	p.addConsumer(c)
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers, consumers := t.producers, t.consumers
	t.mu.Unlock()
	for _, p := range producers {
		p.Close()
	}
	for _, c := range consumers {
		c.Close()
	}
}

type Producer struct {
	id      domain.ProducerID
	kind    domain.MediaKind
	params  protocol.RtpParameters
	router  *Router
	onClose callbacks

	mu        sync.Mutex
	paused    bool
	consumers []*Consumer
}

func (p *Producer) ID() domain.ProducerID  { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }

func (p *Producer) Pause(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *Producer) Resume(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) addConsumer(c *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers = append(p.consumers, c)
}

func (p *Producer) OnClose(fn func()) { p.onClose.add(fn) }

func (p *Producer) Close() {
	p.router.mu.Lock()
	delete(p.router.producers, p.id)
	p.router.mu.Unlock()

	p.mu.Lock()
	consumers := p.consumers
	p.consumers = nil
	p.mu.Unlock()
	for _, c := range consumers {
		c.Close()
	}
	p.onClose.fire()
}

type Consumer struct {
	id       domain.ConsumerID
	producer *Producer
	onClose  callbacks
}

func (c *Consumer) ID() domain.ConsumerID         { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind        { return c.producer.kind }

func (c *Consumer) RtpParameters() protocol.RtpParameters { return c.producer.params }

func (c *Consumer) OnClose(fn func()) { c.onClose.add(fn) }

func (c *Consumer) Close() { c.onClose.fire() }
