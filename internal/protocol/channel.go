package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrChannelClosed = errors.New("channel closed")
	ErrNotRequest    = errors.New("message is not a request")

	// ErrBackpressure is returned by a Conn whose outbound queue is full.
	ErrBackpressure = errors.New("backpressure: send queue full")
)

// Conn is the framed duplex connection under a Channel.
// Owned by the adapter; Channel.Close closes it.
type Conn interface {
	Send(frame []byte) error
	Close(code int, reason string)
}

type pendingRequest struct {
	responseType string
	result       chan []byte
}

// Channel serializes messages onto a Conn, dispatches inbound messages by type
// and resolves pending requests by requestId.
type Channel struct {
	conn   Conn
	logger zerolog.Logger

	mu          sync.Mutex
	handlers    map[string]func(raw []byte)
	pending     map[string]*pendingRequest
	onClose     []func()
	onSendError func(err error)
	closed      bool
}

func NewChannel(conn Conn, logger zerolog.Logger) *Channel {
	return &Channel{
		conn:     conn,
		logger:   logger.With().Str("module", "protocol.channel").Logger(),
		handlers: make(map[string]func([]byte)),
		pending:  make(map[string]*pendingRequest),
	}
}

// On registers the handler for msgType, replacing any previous one.
func (c *Channel) On(msgType string, fn func(raw []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.handlers[msgType] = fn
}

// Handle registers a handler that receives msgType decoded into T.
// Payloads that do not decode are logged and dropped.
func Handle[T any](c *Channel, msgType string, fn func(msg T)) {
	c.On(msgType, func(raw []byte) {
		var msg T
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn().Err(err).Str("type", msgType).Msg("malformed message")
			return
		}
		fn(msg)
	})
}

// OnClose registers fn to run once the channel closes. If it is already
// closed fn runs immediately.
func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// OnSendError installs a hook called whenever the underlying Conn rejects a frame.
func (c *Channel) OnSendError(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSendError = fn
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) Send(msg Message) error {
	h := msg.header()
	if h.Type == "" {
		return errors.New("message without type")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", h.Type, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	hook := c.onSendError
	c.mu.Unlock()

	if err := c.conn.Send(data); err != nil {
		if hook != nil {
			hook(err)
		}
		return fmt.Errorf("send %s: %w", h.Type, err)
	}
	return nil
}

// Receive handles one inbound frame. Responses go only to the pending request
// with the same requestId and expected type; everything else goes to the
// handler registered for its type.
func (c *Channel) Receive(raw []byte) {
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		c.logger.Warn().Err(err).Msg("undecodable frame")
		return
	}
	if h.Type == "" {
		c.logger.Warn().Msg("frame without type")
		return
	}

	if IsResponse(h.Type) {
		c.resolve(h, raw)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	fn, ok := c.handlers[h.Type]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn().Str("type", h.Type).Msg("no handler for message type")
		return
	}
	fn(raw)
}

func (c *Channel) resolve(h Header, raw []byte) {
	c.mu.Lock()
	p, ok := c.pending[h.RequestID]
	if ok && p.responseType != h.Type {
		ok = false
	}
	if ok {
		delete(c.pending, h.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn().Str("type", h.Type).Str("request_id", h.RequestID).Msg("unmatched response dropped")
		return
	}
	p.result <- raw
}

// Request sends req and waits for its response decoded into Resp.
// Do not call it from a handler running on the same Channel.
func Request[Resp any](ctx context.Context, c *Channel, req Message) (Resp, error) {
	var resp Resp
	raw, err := c.request(ctx, req)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return resp, fmt.Errorf("decode %s: %w", req.header().Type, err)
	}
	return resp, nil
}

func (c *Channel) request(ctx context.Context, req Message) ([]byte, error) {
	h := req.header()
	if !IsRequest(h.Type) {
		return nil, fmt.Errorf("%s: %w", h.Type, ErrNotRequest)
	}
	h.RequestID = uuid.NewString()
	p := &pendingRequest{
		responseType: ResponseTypeOf(h.Type),
		result:       make(chan []byte, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.pending[h.RequestID] = p
	c.mu.Unlock()

	if err := c.Send(req); err != nil {
		c.dropPending(h.RequestID)
		return nil, err
	}

	select {
	case raw, ok := <-p.result:
		if !ok {
			return nil, ErrChannelClosed
		}
		return raw, nil
	case <-ctx.Done():
		c.dropPending(h.RequestID)
		return nil, fmt.Errorf("%s: %w", h.Type, ctx.Err())
	}
}

func (c *Channel) dropPending(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, requestID)
}

// PendingCount reports requests still waiting for a response.
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close closes the channel with the normal self-initiated close code.
func (c *Channel) Close() {
	c.CloseWithReason(CloseSelfInitiated, "")
}

// CloseWithReason drops every handler, rejects pending requests, closes the
// Conn with code and runs the close callbacks. Safe to call more than once.
func (c *Channel) CloseWithReason(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.handlers = nil
	pending := c.pending
	c.pending = nil
	callbacks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	for _, p := range pending {
		close(p.result)
	}
	c.conn.Close(code, reason)
	for _, fn := range callbacks {
		fn()
	}
}
