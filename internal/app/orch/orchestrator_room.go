package orch

import (
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
)

// Kick closes a client's signaling channel with CloseKicked. The session
// cascade then tears down its media.
func (o *Orchestrator) Kick(roomID domain.RoomID, clientID domain.ClientID) bool {
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return false
	}
	session, ok := room.Client(clientID)
	if !ok {
		return false
	}
	session.Channel().CloseWithReason(protocol.CloseKicked, "kicked")
	o.Logger.Info().
		Str("module", "app.orch").
		Str("room_id", string(roomID)).
		Str("client_id", string(clientID)).
		Msg("client kicked")
	return true
}

// EvictRoom closes a room with everyone in it.
func (o *Orchestrator) EvictRoom(roomID domain.RoomID) bool {
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return false
	}
	room.Close()
	o.Logger.Info().Str("module", "app.orch").Str("room_id", string(roomID)).Msg("room evicted")
	return true
}
