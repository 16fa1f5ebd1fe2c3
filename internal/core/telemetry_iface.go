package core

import "github.com/dkeye/huddle/internal/domain"

// SampleSource is a handle on the telemetry service for one observed entity.
type SampleSource interface {
	Accept(sample []byte) error
	Close()
}

type ClientSourceInfo struct {
	ServiceID   string
	MediaUnitID string
	RoomID      domain.RoomID
	CallID      domain.CallID
	ClientID    domain.ClientID
	UserID      domain.UserID
}

type SfuSourceInfo struct {
	ServiceID   string
	MediaUnitID string
	SfuID       string
}

// Observer is the telemetry service.
type Observer interface {
	CreateClientSource(info ClientSourceInfo) (SampleSource, error)
	CreateSfuSource(info SfuSourceInfo) (SampleSource, error)
}
