package signal

import (
	"context"
	"net/http"

	"github.com/dkeye/huddle/internal/app/orch"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type joinQuery struct {
	RoomID   string `form:"roomId" binding:"required"`
	ClientID string `form:"clientId" binding:"required"`
	UserID   string `form:"userId"`
}

type SignalWSController struct {
	orch     *orch.Orchestrator
	limiter  *JoinRateLimiter
	cfg      PumpConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewSignalWSController builds the client websocket endpoint. limiter may be nil.
func NewSignalWSController(o *orch.Orchestrator, limiter *JoinRateLimiter, cfg PumpConfig, logger zerolog.Logger) *SignalWSController {
	return &SignalWSController{
		orch:    o,
		limiter: limiter,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("module", "signal").Logger(),
	}
}

// HandleSignal upgrades the request and admits it into the room named by
// the query. ctx bounds the life of the resulting session.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ctl.logger.Error().Err(err).Msg("ws upgrade")
		return
	}

	var q joinQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		ctl.logger.Warn().Err(err).Msg("missing roomId or clientId")
		reject(ws, protocol.CloseInvalidRequest, "roomId and clientId are required")
		return
	}
	if err := validateQuery(q); err != nil {
		ctl.logger.Warn().Err(err).Msg("invalid query")
		reject(ws, protocol.CloseInvalidRequest, err.Error())
		return
	}

	logger := ctl.logger.With().Str("room_id", q.RoomID).Str("client_id", q.ClientID).Logger()
	info := core.ClientInfo{ClientID: domain.ClientID(q.ClientID), UserID: domain.UserID(q.UserID)}
	if ctl.limiter != nil && !ctl.limiter.Allow(info.ClientID) {
		logger.Warn().Msg("join rate limit exceeded")
		reject(ws, protocol.CloseInvalidRequest, "too many joins")
		return
	}

	conn := newWsSignalConn(ws, ctl.cfg, logger)
	go conn.writePump()

	session, err := ctl.orch.Admit(ctx, conn, info, domain.RoomID(q.RoomID))
	if err != nil {
		logger.Error().Err(err).Msg("admission failed")
		conn.Close(protocol.CloseRoomUnavailable, "room unavailable")
		return
	}
	logger.Info().Str("user_id", q.UserID).Msg("new WS connection")
	go conn.readPump(session.Channel())
}

func validateQuery(q joinQuery) error {
	if err := domain.ValidateID("roomId", q.RoomID); err != nil {
		return err
	}
	if err := domain.ValidateID("clientId", q.ClientID); err != nil {
		return err
	}
	if q.UserID == "" {
		return nil
	}
	return domain.ValidateID("userId", q.UserID)
}
