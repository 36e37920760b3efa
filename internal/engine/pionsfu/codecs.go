package pionsfu

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voiceconf/internal/core"
	"github.com/dkeye/voiceconf/internal/domain"
)

var videoFeedback = []webrtc.RTCPFeedback{
	{Type: webrtc.TypeRTCPFBGoogREMB},
	{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
	{Type: webrtc.TypeRTCPFBNACK},
	{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
	{Type: webrtc.TypeRTCPFBTransportCC},
}

// routerCodecs is what every router offers. Payload types are fixed per worker.
var routerCodecs = []webrtc.RTPCodecParameters{
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 96,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP9,
			ClockRate:    90000,
			SDPFmtpLine:  "profile-id=0",
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 98,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			RTCPFeedback: videoFeedback,
		},
		PayloadType: 102,
	},
}

func codecKind(mime string) domain.MediaKind {
	if strings.HasPrefix(strings.ToLower(mime), "audio/") {
		return domain.KindAudio
	}
	return domain.KindVideo
}

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func capabilities() core.RTPCapabilities {
	codecs := make([]webrtc.RTPCodecParameters, len(routerCodecs))
	copy(codecs, routerCodecs)
	return core.RTPCapabilities{Codecs: codecs}
}

func sameCodec(a, b webrtc.RTPCodecCapability) bool {
	if !strings.EqualFold(a.MimeType, b.MimeType) || a.ClockRate != b.ClockRate {
		return false
	}
	// Unset channel counts match anything.
	return a.Channels == 0 || b.Channels == 0 || a.Channels == b.Channels
}

// routerCodec maps a codec announced by a client onto the router's own entry.
func routerCodec(c webrtc.RTPCodecCapability) (webrtc.RTPCodecParameters, bool) {
	for _, rc := range routerCodecs {
		if sameCodec(rc.RTPCodecCapability, c) {
			return rc, true
		}
	}
	return webrtc.RTPCodecParameters{}, false
}

// matchCodec reports whether caps can receive codec.
func matchCodec(codec webrtc.RTPCodecParameters, caps []webrtc.RTPCodecParameters) bool {
	for _, c := range caps {
		if sameCodec(codec.RTPCodecCapability, c.RTPCodecCapability) {
			return true
		}
	}
	return false
}
