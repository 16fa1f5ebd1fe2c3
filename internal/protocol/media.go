package protocol

import (
	"strings"

	"github.com/dkeye/huddle/internal/domain"
)

// The types below describe media engine descriptors. The signaling core passes
// them through untouched; only the engine adapter interprets them.

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 domain.MediaKind `json:"kind"`
	MimeType             string           `json:"mimeType"`
	PreferredPayloadType uint8            `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32           `json:"clockRate"`
	Channels             uint16           `json:"channels,omitempty"`
	Parameters           map[string]any   `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback   `json:"rtcpFeedback,omitempty"`
}

type RtpHeaderExtension struct {
	Kind        domain.MediaKind `json:"kind,omitempty"`
	URI         string           `json:"uri"`
	PreferredID int              `json:"preferredId"`
}

type RtpCapabilities struct {
	Codecs           []RtpCodecCapability `json:"codecs,omitempty"`
	HeaderExtensions []RtpHeaderExtension `json:"headerExtensions,omitempty"`
}

// Codec returns the first capability with the given mime type, compared case-insensitively.
func (c RtpCapabilities) Codec(mimeType string) (RtpCodecCapability, bool) {
	for _, codec := range c.Codecs {
		if strings.EqualFold(codec.MimeType, mimeType) {
			return codec, true
		}
	}
	return RtpCodecCapability{}, false
}

type RtpCodecParameters struct {
	MimeType     string         `json:"mimeType"`
	PayloadType  uint8          `json:"payloadType"`
	ClockRate    uint32         `json:"clockRate"`
	Channels     uint16         `json:"channels,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback `json:"rtcpFeedback,omitempty"`
}

type RtpEncodingParameters struct {
	Ssrc       uint32 `json:"ssrc,omitempty"`
	Rid        string `json:"rid,omitempty"`
	MaxBitrate uint64 `json:"maxBitrate,omitempty"`
}

type RtcpParameters struct {
	Cname       string `json:"cname,omitempty"`
	ReducedSize bool   `json:"reducedSize,omitempty"`
}

type RtpParameters struct {
	Mid       string                  `json:"mid,omitempty"`
	Codecs    []RtpCodecParameters    `json:"codecs"`
	Encodings []RtpEncodingParameters `json:"encodings,omitempty"`
	Rtcp      *RtcpParameters         `json:"rtcp,omitempty"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}
