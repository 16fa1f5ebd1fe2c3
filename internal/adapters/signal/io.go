package signal

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 5 * time.Second

var ErrConnClosed = errors.New("connection closed")

// PumpConfig tunes one signaling websocket.
type PumpConfig struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendQueue  int
}

func (c PumpConfig) pongWait() time.Duration {
	return c.PingPeriod * 10 / 9
}

// WsSignalConn is a protocol.Conn over a gorilla websocket. Writes go through
// a bounded queue drained by writePump; a full queue is backpressure.
type WsSignalConn struct {
	conn   *websocket.Conn
	send   chan []byte
	cfg    PumpConfig
	logger zerolog.Logger

	mu          sync.RWMutex
	closed      bool
	closeCode   int
	closeReason string
}

func newWsSignalConn(ws *websocket.Conn, cfg PumpConfig, logger zerolog.Logger) *WsSignalConn {
	queue := cfg.SendQueue
	if queue <= 0 {
		queue = 32
	}
	return &WsSignalConn{
		conn:   ws,
		send:   make(chan []byte, queue),
		cfg:    cfg,
		logger: logger,
	}
}

func (c *WsSignalConn) Send(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return protocol.ErrBackpressure
	}
}

// Close stops accepting frames; writePump flushes what is queued, then sends
// the close frame with code.
func (c *WsSignalConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}

func (c *WsSignalConn) closeFrame() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return websocket.FormatCloseMessage(c.closeCode, c.closeReason)
}

func (c *WsSignalConn) writePump() {
	var ping <-chan time.Time
	if c.cfg.PingPeriod > 0 {
		ticker := time.NewTicker(c.cfg.PingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, c.closeFrame(), time.Now().Add(writeWait))
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("writePump write error")
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Warn().Err(err).Msg("writePump ping error")
				return
			}
		}
	}
}

// readPump feeds inbound frames to ch until the socket fails, then closes ch.
func (c *WsSignalConn) readPump(ch *protocol.Channel) {
	defer ch.Close()

	if c.cfg.ReadLimit > 0 {
		c.conn.SetReadLimit(c.cfg.ReadLimit)
	}
	if c.cfg.PingPeriod > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.pongWait()))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(c.cfg.pongWait()))
		})
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, protocol.CloseSelfInitiated) {
				c.logger.Warn().Err(err).Msg("readPump read error")
			} else {
				c.logger.Debug().Err(err).Msg("readPump closed")
			}
			return
		}
		ch.Receive(data)
	}
}

// reject closes a freshly upgraded socket that was never admitted.
func reject(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = ws.Close()
}
