// Package client is the signaling client: typed requests and notification
// hooks over a reconnecting websocket link.
package client

import (
	"context"
	"encoding/base64"
	"net/url"
	"time"

	"github.com/dkeye/huddle/internal/adapters/link"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog"
)

const DefaultRequestTimeout = 10 * time.Second

type Config struct {
	URL      string
	RoomID   domain.RoomID
	ClientID domain.ClientID
	UserID   domain.UserID

	// RequestTimeout bounds every request; zero means DefaultRequestTimeout.
	RequestTimeout time.Duration

	// Zero values keep the link defaults.
	MaxRetryAttempts int
	RetryPace        time.Duration
	ResendPace       time.Duration
	MaxBufferSize    int
	MaxBufferAge     time.Duration
}

func (c Config) linkConfig() link.Config {
	lc := link.DefaultConfig(c.URL)
	if c.MaxRetryAttempts != 0 {
		lc.MaxRetryAttempts = c.MaxRetryAttempts
	}
	if c.RetryPace > 0 {
		lc.RetryPace = c.RetryPace
	}
	if c.ResendPace > 0 {
		lc.ResendPace = c.ResendPace
	}
	if c.MaxBufferSize != 0 {
		lc.MaxBufferSize = c.MaxBufferSize
	}
	if c.MaxBufferAge != 0 {
		lc.MaxBufferAge = c.MaxBufferAge
	}
	return lc
}

// linkConn adapts a Link to protocol.Conn.
type linkConn struct {
	l *link.Link
}

func (c linkConn) Send(frame []byte) error { return c.l.Send(frame) }

func (c linkConn) Close(code int, reason string) { _ = c.l.CloseWithReason(code, reason) }

type Client struct {
	cfg     Config
	link    *link.Link
	ch      *protocol.Channel
	timeout time.Duration
	logger  zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger, opts ...link.Option) *Client {
	logger = logger.With().Str("module", "client").Str("client_id", string(cfg.ClientID)).Logger()
	l := link.New(cfg.linkConfig(), logger, opts...)
	ch := protocol.NewChannel(linkConn{l: l}, logger)
	l.OnMessage(ch.Receive)
	l.OnClose(func(code int) { ch.CloseWithReason(code, "") })

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{cfg: cfg, link: l, ch: ch, timeout: timeout, logger: logger}
}

// Connect dials the server with the room and client identity. Messages sent
// before it returns are buffered.
func (c *Client) Connect(ctx context.Context) error {
	q := url.Values{}
	q.Set("roomId", string(c.cfg.RoomID))
	q.Set("clientId", string(c.cfg.ClientID))
	if c.cfg.UserID != "" {
		q.Set("userId", string(c.cfg.UserID))
	}
	return c.link.Connect(ctx, q)
}

func (c *Client) Close() { c.ch.Close() }

func (c *Client) Closed() bool { return c.ch.Closed() }

// OnClose registers fn to run with the close code once the client is closed
// for good, by either side.
func (c *Client) OnClose(fn func(code int)) { c.link.OnClose(fn) }

// OnConsumerCreated sets the hook for consumer-created notifications.
// Notification hooks run on the connection's read goroutine and must not
// issue requests.
func (c *Client) OnConsumerCreated(fn func(protocol.ConsumerCreatedNotification)) {
	protocol.Handle(c.ch, protocol.TypeConsumerCreatedNotification, fn)
}

func (c *Client) OnConsumerClosed(fn func(protocol.ConsumerClosedNotification)) {
	protocol.Handle(c.ch, protocol.TypeConsumerClosedNotification, fn)
}

func request[Resp any](ctx context.Context, c *Client, req protocol.Message) (Resp, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return protocol.Request[Resp](ctx, c.ch, req)
}

func (c *Client) RouterCapabilities(ctx context.Context) (protocol.RtpCapabilities, error) {
	resp, err := request[protocol.GetRouterCapabilitiesResponse](ctx, c, &protocol.GetRouterCapabilitiesRequest{
		Header: protocol.NewHeader(protocol.TypeGetRouterCapabilitiesRequest),
	})
	return resp.RtpCapabilities, err
}

// SetCapabilities tells the server what the client can consume. Only the
// first call has an effect.
func (c *Client) SetCapabilities(caps protocol.RtpCapabilities) error {
	return c.ch.Send(&protocol.ClientRtpCapabilities{
		Header:          protocol.NewHeader(protocol.TypeClientRtpCapabilities),
		RtpCapabilities: caps,
	})
}

func (c *Client) CreateTransport(ctx context.Context, role domain.TransportRole) (protocol.CreateTransportResponse, error) {
	return request[protocol.CreateTransportResponse](ctx, c, &protocol.CreateTransportRequest{
		Header: protocol.NewHeader(protocol.TypeCreateTransportRequest),
		Role:   role,
	})
}

func (c *Client) ConnectTransport(role domain.TransportRole, dtls protocol.DtlsParameters, ice *protocol.IceParameters) error {
	return c.ch.Send(&protocol.TransportConnectedNotification{
		Header:         protocol.NewHeader(protocol.TypeTransportConnectedNotification),
		Role:           role,
		DtlsParameters: dtls,
		IceParameters:  ice,
	})
}

// JoinCall asks the server to consume every producer already in the room.
func (c *Client) JoinCall(ctx context.Context) (domain.CallID, error) {
	resp, err := request[protocol.JoinCallResponse](ctx, c, &protocol.JoinCallRequest{
		Header: protocol.NewHeader(protocol.TypeJoinCallRequest),
	})
	return resp.CallID, err
}

func (c *Client) CreateProducer(ctx context.Context, kind domain.MediaKind, params protocol.RtpParameters) (domain.ProducerID, error) {
	resp, err := request[protocol.CreateProducerResponse](ctx, c, &protocol.CreateProducerRequest{
		Header:        protocol.NewHeader(protocol.TypeCreateProducerRequest),
		Kind:          kind,
		RtpParameters: params,
	})
	return resp.ProducerID, err
}

func (c *Client) PauseProducer(ctx context.Context, id domain.ProducerID) error {
	_, err := request[protocol.PauseProducerResponse](ctx, c, &protocol.PauseProducerRequest{
		Header:     protocol.NewHeader(protocol.TypePauseProducerRequest),
		ProducerID: id,
	})
	return err
}

func (c *Client) ResumeProducer(ctx context.Context, id domain.ProducerID) error {
	_, err := request[protocol.ResumeProducerResponse](ctx, c, &protocol.ResumeProducerRequest{
		Header:     protocol.NewHeader(protocol.TypeResumeProducerRequest),
		ProducerID: id,
	})
	return err
}

// SendSample forwards a client stats sample to the server's observer.
func (c *Client) SendSample(sample []byte) error {
	return c.ch.Send(&protocol.ObservedSampleNotification{
		Header:       protocol.NewHeader(protocol.TypeObservedSampleNotification),
		SampleBase64: base64.StdEncoding.EncodeToString(sample),
	})
}
