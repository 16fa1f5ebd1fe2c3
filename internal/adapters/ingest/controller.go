// Package ingest is the websocket endpoint of the observer service. Each
// connection carries base64 samples for one client or one SFU.
package ingest

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeWait = 5 * time.Second

type Controller struct {
	trackers   map[string]*app.Tracker
	readLimit  int64
	pingPeriod time.Duration
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewController routes client-sample connections to clients and sfu-sample
// connections to sfus. A connection that misses pongs for pingPeriod*10/9
// counts as disconnected; pingPeriod <= 0 turns the keepalive off.
func NewController(clients, sfus *app.Tracker, readLimit int64, pingPeriod time.Duration, logger zerolog.Logger) *Controller {
	return &Controller{
		trackers: map[string]*app.Tracker{
			protocol.SubprotocolClientSample: clients,
			protocol.SubprotocolSfuSample:    sfus,
		},
		readLimit:  readLimit,
		pingPeriod: pingPeriod,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{protocol.SubprotocolClientSample, protocol.SubprotocolSfuSample},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("module", "ingest").Logger(),
	}
}

func (ctl *Controller) HandleIngest(c *gin.Context) {
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ctl.logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	conn := &ingestConn{ws: ws}

	tracker, ok := ctl.trackers[ws.Subprotocol()]
	if !ok || tracker == nil {
		ctl.logger.Warn().Strs("offered", websocket.Subprotocols(c.Request)).Msg("unsupported subprotocol")
		conn.Close(protocol.CloseInvalidRequest, "unsupported subprotocol")
		return
	}

	id := identityFrom(tracker.Kind(), c.Request.URL.Query())
	binding, err := tracker.Accept(conn, id)
	if err != nil {
		ctl.logger.Warn().Err(err).Str("subprotocol", ws.Subprotocol()).Msg("rejected")
		return
	}

	logger := ctl.logger.With().Str("kind", string(tracker.Kind())).Str("id", id.ID).Logger()
	go ctl.readLoop(conn, binding, logger)
}

func (ctl *Controller) readLoop(conn *ingestConn, binding *app.Binding, logger zerolog.Logger) {
	stop := make(chan struct{})
	defer func() {
		close(stop)
		binding.Close()
		conn.Close(protocol.CloseSelfInitiated, "")
	}()
	if ctl.readLimit > 0 {
		conn.ws.SetReadLimit(ctl.readLimit)
	}
	if ctl.pingPeriod > 0 {
		pongWait := ctl.pingPeriod * 10 / 9
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		conn.ws.SetPongHandler(func(string) error {
			return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		go conn.keepalive(ctl.pingPeriod, stop, logger)
	}
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("ingest connection closed")
			return
		}
		if err := binding.Deliver(data); err != nil {
			logger.Warn().Err(err).Msg("sample dropped")
		}
	}
}

func identityFrom(kind app.Kind, q url.Values) app.Identity {
	id := app.Identity{
		ServiceID:   q.Get("serviceId"),
		MediaUnitID: q.Get("mediaUnitId"),
	}
	switch kind {
	case app.KindClient:
		id.ID = q.Get("clientId")
		id.RoomID = q.Get("roomId")
		id.CallID = q.Get("callId")
		id.UserID = q.Get("userId")
	case app.KindSfu:
		id.ID = q.Get("sfuId")
	}
	return id
}

type ingestConn struct {
	ws   *websocket.Conn
	once sync.Once
}

func (c *ingestConn) keepalive(period time.Duration, stop <-chan struct{}, logger zerolog.Logger) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (c *ingestConn) Close(code int, reason string) {
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}
