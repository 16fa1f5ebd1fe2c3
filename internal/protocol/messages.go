// Package protocol holds the signaling message catalogue and the Channel that
// frames, dispatches and correlates those messages over a duplex connection.
package protocol

import (
	"strings"

	"github.com/dkeye/huddle/internal/domain"
)

const (
	TypeGetRouterCapabilitiesRequest   = "get-router-capabilities-request"
	TypeGetRouterCapabilitiesResponse  = "get-router-capabilities-response"
	TypeClientRtpCapabilities          = "client-rtp-capabilities"
	TypeCreateTransportRequest         = "create-transport-request"
	TypeCreateTransportResponse        = "create-transport-response"
	TypeTransportConnectedNotification = "transport-connected-notification"
	TypeJoinCallRequest                = "join-call-request"
	TypeJoinCallResponse               = "join-call-response"
	TypeCreateProducerRequest          = "create-producer-request"
	TypeCreateProducerResponse         = "create-producer-response"
	TypePauseProducerRequest           = "pause-producer-request"
	TypePauseProducerResponse          = "pause-producer-response"
	TypeResumeProducerRequest          = "resume-producer-request"
	TypeResumeProducerResponse         = "resume-producer-response"
	TypeObservedSampleNotification     = "observed-sample-notification"
	TypeConsumerCreatedNotification    = "consumer-created-notification"
	TypeConsumerClosedNotification     = "consumer-closed-notification"
)

const (
	requestSuffix  = "-request"
	responseSuffix = "-response"
)

func IsRequest(msgType string) bool  { return strings.HasSuffix(msgType, requestSuffix) }
func IsResponse(msgType string) bool { return strings.HasSuffix(msgType, responseSuffix) }

// ResponseTypeOf maps "x-request" to "x-response".
func ResponseTypeOf(requestType string) string {
	return strings.TrimSuffix(requestType, requestSuffix) + responseSuffix
}

// Header is the envelope every message carries.
type Header struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
}

func (h *Header) header() *Header { return h }

// Message is implemented by every catalogue type through its embedded Header.
type Message interface {
	header() *Header
}

func NewHeader(msgType string) Header { return Header{Type: msgType} }

// ReplyTo builds the header of the response paired with req.
func ReplyTo(req Header) Header {
	return Header{Type: ResponseTypeOf(req.Type), RequestID: req.RequestID}
}

type GetRouterCapabilitiesRequest struct {
	Header
}

type GetRouterCapabilitiesResponse struct {
	Header
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
}

type ClientRtpCapabilities struct {
	Header
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
}

type CreateTransportRequest struct {
	Header
	Role domain.TransportRole `json:"role"`
}

type CreateTransportResponse struct {
	Header
	ID domain.TransportID `json:"id"`
	TransportParameters
}

// TransportParameters is what a client needs to connect to a server transport.
type TransportParameters struct {
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

type TransportConnectedNotification struct {
	Header
	Role           domain.TransportRole `json:"role"`
	DtlsParameters DtlsParameters       `json:"dtlsParameters"`
	// IceParameters is required by engines that run full ICE credential checks.
	IceParameters *IceParameters `json:"iceParameters,omitempty"`
}

type JoinCallRequest struct {
	Header
}

type JoinCallResponse struct {
	Header
	CallID domain.CallID `json:"callId"`
}

type CreateProducerRequest struct {
	Header
	Kind          domain.MediaKind `json:"kind"`
	RtpParameters RtpParameters    `json:"rtpParameters"`
}

type CreateProducerResponse struct {
	Header
	ProducerID domain.ProducerID `json:"producerId"`
}

type PauseProducerRequest struct {
	Header
	ProducerID domain.ProducerID `json:"producerId"`
}

type PauseProducerResponse struct {
	Header
	ProducerID domain.ProducerID `json:"producerId"`
}

type ResumeProducerRequest struct {
	Header
	ProducerID domain.ProducerID `json:"producerId"`
}

type ResumeProducerResponse struct {
	Header
	ProducerID domain.ProducerID `json:"producerId"`
}

type ObservedSampleNotification struct {
	Header
	SampleBase64 string `json:"sampleBase64"`
}

type ConsumerCreatedNotification struct {
	Header
	ConsumerID    domain.ConsumerID   `json:"consumerId"`
	ProducerID    domain.ProducerID   `json:"producerId"`
	Kind          domain.MediaKind    `json:"kind"`
	RtpParameters RtpParameters       `json:"rtpParameters"`
	RemoteClient  domain.RemoteClient `json:"remoteClient"`
}

type ConsumerClosedNotification struct {
	Header
	ConsumerID   domain.ConsumerID   `json:"consumerId"`
	RemoteClient domain.RemoteClient `json:"remoteClient"`
}
