package rtc

import (
	"testing"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

func TestFmtpParams(t *testing.T) {
	require.Nil(t, fmtpParams(""))
	require.Equal(t, map[string]any{"minptime": 10, "useinbandfec": 1, "profile-level-id": "42e01f"},
		fmtpParams("minptime=10; useinbandfec=1;profile-level-id=42e01f;junk"))
}

func TestCapabilitiesFromCodecs(t *testing.T) {
	caps := capabilitiesFrom(Codecs)
	require.Len(t, caps.Codecs, 2)

	opus, ok := caps.Codec("AUDIO/OPUS")
	require.True(t, ok)
	require.Equal(t, domain.MediaKindAudio, opus.Kind)
	require.Equal(t, uint8(111), opus.PreferredPayloadType)
	require.Equal(t, uint16(2), opus.Channels)

	vp8, ok := caps.Codec("video/vp8")
	require.True(t, ok)
	require.Equal(t, uint32(90000), vp8.ClockRate)
	require.Contains(t, vp8.RtcpFeedback, protocol.RtcpFeedback{Type: "nack", Parameter: "pli"})
}

func TestDtlsParametersRoundTrip(t *testing.T) {
	in := protocol.DtlsParameters{
		Role:         "client",
		Fingerprints: []protocol.DtlsFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
	}
	out := dtlsParametersTo(in)
	require.Equal(t, webrtc.DTLSRoleClient, out.Role)
	require.Equal(t, in, dtlsParametersFrom(out))

	require.Equal(t, webrtc.DTLSRoleAuto, dtlsRoleTo(""))
	require.Equal(t, webrtc.DTLSRoleServer, dtlsRoleTo("server"))
}

func TestIceCandidatesFrom(t *testing.T) {
	got := iceCandidatesFrom([]webrtc.ICECandidate{{
		Foundation: "f1",
		Priority:   100,
		Address:    "203.0.113.7",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       40001,
		Typ:        webrtc.ICECandidateTypeHost,
	}})
	require.Equal(t, []protocol.IceCandidate{{
		Foundation: "f1", Priority: 100, IP: "203.0.113.7", Protocol: "udp", Port: 40001, Type: "host",
	}}, got)
}

func TestMatchCodec(t *testing.T) {
	params := protocol.RtpParameters{Codecs: []protocol.RtpCodecParameters{{MimeType: "audio/OPUS", PayloadType: 100}}}
	c, err := matchCodec(domain.MediaKindAudio, params)
	require.NoError(t, err)
	require.Equal(t, webrtc.PayloadType(111), c.PayloadType)

	_, err = matchCodec(domain.MediaKindVideo, params)
	require.ErrorIs(t, err, ErrUnsupportedCodec)
	_, err = matchCodec(domain.MediaKindAudio, protocol.RtpParameters{})
	require.ErrorIs(t, err, ErrUnsupportedCodec)
}
