// Package link is a websocket client connection that reconnects after
// unexpected closes and buffers outbound frames while disconnected.
package link

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrLinkClosed = errors.New("link closed")
	ErrMaxRetries = errors.New("max connect retries reached")

	errFlushFailed = errors.New("connection lost while flushing")
)

type Config struct {
	URL         string
	Subprotocol string
	Reconnect   bool

	// MaxRetryAttempts bounds retries after the first failed dial; <=0 retries forever.
	MaxRetryAttempts int
	RetryPace        time.Duration
	ResendPace       time.Duration

	// MaxBufferSize caps frames held while disconnected; <0 is unbounded.
	// MaxBufferAge drops frames older than this at flush time; <0 keeps them.
	MaxBufferSize int
	MaxBufferAge  time.Duration

	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

func DefaultConfig(rawURL string) Config {
	return Config{
		URL:              rawURL,
		Reconnect:        true,
		MaxRetryAttempts: -1,
		RetryPace:        time.Second,
		ResendPace:       200 * time.Millisecond,
		MaxBufferSize:    -1,
		MaxBufferAge:     -1,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

type Option func(*Link)

func WithClock(c clock.Clock) Option {
	return func(l *Link) { l.clock = c }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(l *Link) { l.dialer = d }
}

type buffered struct {
	payload []byte
	at      time.Time
}

type attempt struct {
	done chan struct{}
	err  error
}

type Link struct {
	cfg    Config
	dialer *websocket.Dialer
	clock  clock.Clock
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu keeps buffered frames ahead of newer ones on the wire.
	writeMu sync.Mutex

	mu            sync.Mutex
	conn          *websocket.Conn
	query         url.Values
	connecting    *attempt
	onMessage     func([]byte)
	onClose       []func(code int)
	buffer        []buffered
	dropped       int
	disconnecting bool
	closed        bool
}

func New(cfg Config, logger zerolog.Logger, opts ...Option) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		clock:  clock.New(),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With().Str("module", "adapters.link").Str("url", cfg.URL).Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cfg.ResendPace <= 0 {
		l.cfg.ResendPace = 200 * time.Millisecond
	}
	if l.cfg.WriteTimeout <= 0 {
		l.cfg.WriteTimeout = 5 * time.Second
	}
	if l.cfg.HandshakeTimeout <= 0 {
		l.cfg.HandshakeTimeout = 10 * time.Second
	}
	go l.resendLoop()
	return l
}

// OnMessage sets the receiver of inbound frames.
func (l *Link) OnMessage(fn func(data []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onMessage = fn
}

// OnClose registers fn to run once the link closes for good, with the close
// code that ended it. If the link is already closed fn never runs.
func (l *Link) OnClose(fn func(code int)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.onClose = append(l.onClose, fn)
	}
}

func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Buffered reports frames waiting for a connection.
func (l *Link) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}

// Dropped reports frames discarded because the buffer was full or too old.
func (l *Link) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Connect dials the configured URL with query merged in. Calls made while a
// connect is in flight wait for that same attempt. A nil query reuses the
// previous one.
func (l *Link) Connect(ctx context.Context, query url.Values) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	if query != nil {
		l.query = query
	}
	if l.conn != nil {
		l.mu.Unlock()
		return nil
	}
	l.disconnecting = false
	a := l.connecting
	if a == nil {
		a = &attempt{done: make(chan struct{})}
		l.connecting = a
		go l.dialLoop(a)
	}
	l.mu.Unlock()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) dialLoop(a *attempt) {
	finish := func(err error) {
		l.mu.Lock()
		if l.connecting == a {
			l.connecting = nil
		}
		l.mu.Unlock()
		a.err = err
		close(a.done)
	}

	retried := 0
	for {
		conn, err := l.dial()
		if err == nil {
			l.mu.Lock()
			if l.closed || l.disconnecting {
				l.mu.Unlock()
				closeConn(conn, protocol.CloseSelfInitiated, "link closed")
				finish(ErrLinkClosed)
				return
			}
			l.conn = conn
			l.mu.Unlock()

			l.logger.Info().Int("retried", retried).Msg("connected")
			l.flush()
			l.mu.Lock()
			live := l.conn == conn
			l.mu.Unlock()
			if live {
				go l.readLoop(conn)
				finish(nil)
				return
			}
			err = errFlushFailed
		}

		retried++
		if l.cfg.MaxRetryAttempts > 0 && retried > l.cfg.MaxRetryAttempts {
			l.logger.Error().Err(err).Int("retried", retried-1).Msg("giving up")
			finish(fmt.Errorf("%w: %w", ErrMaxRetries, err))
			return
		}
		l.logger.Warn().Err(err).Int("retried", retried).Msg("connect failed, retrying")

		select {
		case <-l.clock.After(l.cfg.RetryPace):
		case <-l.ctx.Done():
			finish(ErrLinkClosed)
			return
		}
		l.mu.Lock()
		stop := l.disconnecting
		l.mu.Unlock()
		if stop {
			finish(ErrLinkClosed)
			return
		}
	}
}

func (l *Link) dial() (*websocket.Conn, error) {
	u, err := url.Parse(l.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	l.mu.Lock()
	for k, vs := range l.query {
		q[k] = vs
	}
	l.mu.Unlock()
	u.RawQuery = q.Encode()

	d := *l.dialer
	if l.cfg.Subprotocol != "" {
		d.Subprotocols = []string{l.cfg.Subprotocol}
	}
	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.HandshakeTimeout)
	defer cancel()
	conn, _, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (l *Link) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.connectionLost(conn, err)
			return
		}
		l.mu.Lock()
		fn := l.onMessage
		l.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
}

func (l *Link) connectionLost(conn *websocket.Conn, err error) {
	code := websocket.CloseAbnormalClosure
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
	}

	l.mu.Lock()
	if l.conn != conn {
		// already handled by the failed write or read that came first
		l.mu.Unlock()
		_ = conn.Close()
		return
	}
	l.conn = nil
	stopped := l.closed || l.disconnecting
	l.mu.Unlock()
	_ = conn.Close()

	if stopped {
		return
	}
	if !l.cfg.Reconnect || !protocol.Reconnectable(code) {
		l.logger.Info().Int("code", code).Msg("connection closed, not reconnecting")
		_ = l.CloseWithReason(code, "")
		return
	}

	l.logger.Warn().Err(err).Int("code", code).Msg("connection lost, reconnecting")
	go func() {
		if err := l.Connect(l.ctx, nil); err != nil && !errors.Is(err, ErrLinkClosed) {
			l.logger.Error().Err(err).Msg("reconnect failed")
		}
	}()
}

// Send writes data, or buffers it while no connection is up. Frames buffered
// earlier always go out first.
func (l *Link) Send(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	conn := l.conn
	if conn == nil {
		l.enqueueLocked(data)
		l.mu.Unlock()
		return nil
	}
	pending := l.takeBufferLocked()
	l.mu.Unlock()

	pending = append(pending, buffered{payload: data, at: l.clock.Now()})
	l.writeAll(conn, pending)
	return nil
}

func (l *Link) enqueueLocked(data []byte) {
	if l.cfg.MaxBufferSize >= 0 && len(l.buffer) >= l.cfg.MaxBufferSize {
		l.dropped++
		l.logger.Debug().Int("buffered", len(l.buffer)).Msg("buffer full, dropping frame")
		return
	}
	l.buffer = append(l.buffer, buffered{payload: data, at: l.clock.Now()})
}

// takeBufferLocked empties the buffer, discarding frames past MaxBufferAge.
func (l *Link) takeBufferLocked() []buffered {
	if len(l.buffer) == 0 {
		return nil
	}
	now := l.clock.Now()
	out := make([]buffered, 0, len(l.buffer))
	for _, b := range l.buffer {
		if l.cfg.MaxBufferAge >= 0 && now.Sub(b.at) > l.cfg.MaxBufferAge {
			l.dropped++
			continue
		}
		out = append(out, b)
	}
	l.buffer = nil
	return out
}

// writeAll writes frames in order. On failure the unsent rest goes back to
// the head of the buffer, trimmed to MaxBufferSize, and the connection is
// dropped so the reconnect path takes over. Caller holds writeMu.
func (l *Link) writeAll(conn *websocket.Conn, frames []buffered) {
	for i, f := range frames {
		if err := l.write(conn, f.payload); err != nil {
			l.logger.Warn().Err(err).Int("requeued", len(frames)-i).Msg("write failed")
			l.mu.Lock()
			l.buffer = append(append([]buffered(nil), frames[i:]...), l.buffer...)
			if max := l.cfg.MaxBufferSize; max >= 0 && len(l.buffer) > max {
				l.dropped += len(l.buffer) - max
				l.buffer = l.buffer[:max]
			}
			l.mu.Unlock()
			l.connectionLost(conn, err)
			return
		}
	}
}

func (l *Link) write(conn *websocket.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (l *Link) flush() {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.Lock()
	conn := l.conn
	if conn == nil || l.closed {
		l.mu.Unlock()
		return
	}
	pending := l.takeBufferLocked()
	l.mu.Unlock()

	l.writeAll(conn, pending)
}

func (l *Link) resendLoop() {
	ticker := l.clock.Ticker(l.cfg.ResendPace)
	defer ticker.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.flush()
		}
	}
}

// Disconnect waits for an in-flight connect, then closes the connection
// without reconnecting. The link stays usable: Send buffers and Connect dials again.
func (l *Link) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	a := l.connecting
	l.mu.Unlock()
	if a != nil {
		select {
		case <-a.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.mu.Lock()
	l.disconnecting = true
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		closeConn(conn, protocol.CloseSelfInitiated, "disconnect")
	}
	return nil
}

// Close shuts the link down for good.
func (l *Link) Close() error {
	return l.CloseWithReason(protocol.CloseSelfInitiated, "")
}

func (l *Link) CloseWithReason(code int, reason string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conn := l.conn
	l.conn = nil
	hooks := l.onClose
	l.onClose = nil
	l.mu.Unlock()

	l.cancel()
	if conn != nil {
		closeConn(conn, code, reason)
	}
	l.logger.Debug().Int("code", code).Msg("link closed")
	for _, fn := range hooks {
		fn(code)
	}
	return nil
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
