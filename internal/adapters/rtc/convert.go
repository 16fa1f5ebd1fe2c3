package rtc

import (
	"strconv"
	"strings"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/pion/webrtc/v4"
)

func codecType(kind domain.MediaKind) (webrtc.RTPCodecType, bool) {
	switch kind {
	case domain.MediaKindAudio:
		return webrtc.RTPCodecTypeAudio, true
	case domain.MediaKindVideo:
		return webrtc.RTPCodecTypeVideo, true
	}
	return 0, false
}

// fmtpParams parses "a=1;b=x" into {"a": 1, "b": "x"}.
func fmtpParams(line string) map[string]any {
	if line == "" {
		return nil
	}
	params := make(map[string]any)
	for _, kv := range strings.Split(line, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok || k == "" {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil {
			params[k] = n
		} else {
			params[k] = v
		}
	}
	return params
}

func feedbackFrom(fb []webrtc.RTCPFeedback) []protocol.RtcpFeedback {
	if len(fb) == 0 {
		return nil
	}
	out := make([]protocol.RtcpFeedback, len(fb))
	for i, f := range fb {
		out[i] = protocol.RtcpFeedback{Type: f.Type, Parameter: f.Parameter}
	}
	return out
}

func capabilitiesFrom(codecs map[domain.MediaKind][]webrtc.RTPCodecParameters) protocol.RtpCapabilities {
	var caps protocol.RtpCapabilities
	for _, kind := range []domain.MediaKind{domain.MediaKindAudio, domain.MediaKindVideo} {
		for _, c := range codecs[kind] {
			caps.Codecs = append(caps.Codecs, protocol.RtpCodecCapability{
				Kind:                 kind,
				MimeType:             c.MimeType,
				PreferredPayloadType: uint8(c.PayloadType),
				ClockRate:            c.ClockRate,
				Channels:             c.Channels,
				Parameters:           fmtpParams(c.SDPFmtpLine),
				RtcpFeedback:         feedbackFrom(c.RTCPFeedback),
			})
		}
	}
	return caps
}

func codecParametersFrom(c webrtc.RTPCodecParameters) protocol.RtpCodecParameters {
	return protocol.RtpCodecParameters{
		MimeType:     c.MimeType,
		PayloadType:  uint8(c.PayloadType),
		ClockRate:    c.ClockRate,
		Channels:     c.Channels,
		Parameters:   fmtpParams(c.SDPFmtpLine),
		RtcpFeedback: feedbackFrom(c.RTCPFeedback),
	}
}

func iceParametersFrom(p webrtc.ICEParameters, lite bool) protocol.IceParameters {
	return protocol.IceParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		IceLite:          lite,
	}
}

func iceParametersTo(p protocol.IceParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{
		UsernameFragment: p.UsernameFragment,
		Password:         p.Password,
		ICELite:          p.IceLite,
	}
}

func iceCandidatesFrom(cs []webrtc.ICECandidate) []protocol.IceCandidate {
	out := make([]protocol.IceCandidate, 0, len(cs))
	for _, c := range cs {
		out = append(out, protocol.IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func dtlsRoleTo(role string) webrtc.DTLSRole {
	switch role {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	}
	return webrtc.DTLSRoleAuto
}

func dtlsParametersFrom(p webrtc.DTLSParameters) protocol.DtlsParameters {
	out := protocol.DtlsParameters{Role: p.Role.String()}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, protocol.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func dtlsParametersTo(p protocol.DtlsParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: dtlsRoleTo(p.Role)}
	for _, fp := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}
