package core

import "errors"

var (
	ErrRoomClosed      = errors.New("room closed")
	ErrTransportExists = errors.New("transport already exists for role")
	ErrNoTransport     = errors.New("no transport for role")
	ErrCapabilitiesSet = errors.New("rtp capabilities already set")
	ErrUnknownProducer = errors.New("unknown producer")
	ErrInvalidMessage  = errors.New("invalid message")
)
