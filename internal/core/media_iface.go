package core

import (
	"context"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
)

// Engine is the external media routing engine. Descriptors it takes and
// returns are opaque to the signaling core.
type Engine interface {
	CreateRouter(ctx context.Context) (Router, error)
}

// Router is one media session; a Room owns exactly one.
type Router interface {
	ID() string
	RtpCapabilities() protocol.RtpCapabilities
	CreateTransport(ctx context.Context, role domain.TransportRole) (Transport, error)
	// OnClose registers fn to run once when the router closes. If it is
	// already closed fn runs immediately.
	OnClose(fn func())
	Close()
}

type Transport interface {
	ID() domain.TransportID
	Parameters() protocol.TransportParameters
	Connect(ctx context.Context, dtls protocol.DtlsParameters, ice *protocol.IceParameters) error
	Produce(ctx context.Context, kind domain.MediaKind, params protocol.RtpParameters) (Producer, error)
	// Consume fails when producerID is not live on the transport's router.
	Consume(ctx context.Context, producerID domain.ProducerID, caps protocol.RtpCapabilities) (Consumer, error)
	// Close closes every producer and consumer created on the transport.
	Close()
}

// Producer closing must close every Consumer of it.
type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	OnClose(fn func())
	Close()
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	RtpParameters() protocol.RtpParameters
	OnClose(fn func())
	Close()
}
