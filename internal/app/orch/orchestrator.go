package orch

import (
	"context"
	"errors"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog"
)

// Orchestrator admits signaling connections into rooms and applies the
// backpressure policy to their sessions.
type Orchestrator struct {
	Rooms       *app.RoomManager
	Observer    core.Observer
	Policy      app.Policy
	ServiceID   string
	MediaUnitID string
	Logger      zerolog.Logger
}

// Admit binds conn to the room roomID, creating the room if needed. A room
// that closes between lookup and add is looked up once more.
func (o *Orchestrator) Admit(ctx context.Context, conn protocol.Conn, info core.ClientInfo, roomID domain.RoomID) (*core.ClientSession, error) {
	logger := o.Logger.With().
		Str("module", "app.orch").
		Str("room_id", string(roomID)).
		Str("client_id", string(info.ClientID)).
		Logger()

	for attempt := 0; ; attempt++ {
		room, err := o.Rooms.GetOrCreate(ctx, roomID)
		if err != nil {
			return nil, err
		}

		source := o.clientSource(room, info, logger)
		ch := protocol.NewChannel(conn, o.Logger)
		session, err := room.Add(ctx, info, ch, source)
		if err != nil {
			if source != nil {
				source.Close()
			}
			if errors.Is(err, core.ErrRoomClosed) && attempt == 0 {
				logger.Debug().Msg("room closed during admission, retrying")
				continue
			}
			return nil, errors.Join(app.ErrRoomUnavailable, err)
		}

		o.watchBackpressure(room, session, logger)
		logger.Info().Str("call_id", string(room.CallID())).Msg("client admitted")
		return session, nil
	}
}

func (o *Orchestrator) clientSource(room *core.Room, info core.ClientInfo, logger zerolog.Logger) core.SampleSource {
	if o.Observer == nil {
		return nil
	}
	source, err := o.Observer.CreateClientSource(core.ClientSourceInfo{
		ServiceID:   o.ServiceID,
		MediaUnitID: o.MediaUnitID,
		RoomID:      room.ID(),
		CallID:      room.CallID(),
		ClientID:    info.ClientID,
		UserID:      info.UserID,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("client sample source unavailable")
		return nil
	}
	return source
}

func (o *Orchestrator) watchBackpressure(room *core.Room, session *core.ClientSession, logger zerolog.Logger) {
	if o.Policy == nil {
		return
	}
	ch := session.Channel()
	ch.OnSendError(func(err error) {
		if !errors.Is(err, protocol.ErrBackpressure) {
			return
		}
		action := o.Policy.OnBackpressure(room, session)
		logger.Warn().Stringer("action", action).Msg("send queue full")
		if action == app.KickClient {
			// the hook runs inside Send, possibly under a handler
			go ch.CloseWithReason(protocol.CloseKicked, "too slow")
		}
	})
}
