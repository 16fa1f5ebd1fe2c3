package domain

type (
	RoomID string
	// CallID is the engine-assigned id of a room's media session.
	CallID string
)

// RoomStats is a point-in-time view of one room.
type RoomStats struct {
	RoomID    RoomID `json:"roomId" cbor:"roomId"`
	CallID    CallID `json:"callId" cbor:"callId"`
	Clients   int    `json:"clients" cbor:"clients"`
	Producers int    `json:"producers" cbor:"producers"`
	Consumers int    `json:"consumers" cbor:"consumers"`
}
