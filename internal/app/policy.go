package app

import "github.com/dkeye/huddle/internal/core"

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	KickClient
)

func (a BackpressureAction) String() string {
	switch a {
	case DropFrame:
		return "drop"
	case KickClient:
		return "kick"
	default:
		return "unknown"
	}
}

// Policy decides what happens to a session whose outbound queue is full.
type Policy interface {
	OnBackpressure(room *core.Room, session *core.ClientSession) BackpressureAction
}

// SimplePolicy kicks any client that cannot keep up.
type SimplePolicy struct{}

func (SimplePolicy) OnBackpressure(*core.Room, *core.ClientSession) BackpressureAction {
	return KickClient
}

// DropPolicy keeps slow clients connected and loses the frame.
type DropPolicy struct{}

func (DropPolicy) OnBackpressure(*core.Room, *core.ClientSession) BackpressureAction {
	return DropFrame
}

// PolicyByName maps a config value to a Policy; unknown names fall back to kicking.
func PolicyByName(name string) Policy {
	if name == DropFrame.String() {
		return DropPolicy{}
	}
	return SimplePolicy{}
}
