package media

import (
	"net"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Kind identifies the media type of a producer.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Producer is a published media track registered with the media router.
// The router owns the underlying track; the bridge only references it.
type Producer interface {
	ID() string
	Kind() Kind
	// OnClose registers f to run once when the producer's transport closes.
	OnClose(f func())
}

// RTPEndpoint is the negotiated tuple for one plain RTP egress leg. It
// carries everything the session description synthesizer needs for a
// single media section.
type RTPEndpoint struct {
	IP          net.IP
	Port        int
	PayloadType uint8
	CodecName   string
	ClockRate   uint32
	Channels    uint16
	Parameters  string
}

// codecNameFromMime strips the type prefix from a mime type, e.g.
// "video/H264" -> "H264".
func codecNameFromMime(mime string) string {
	if idx := strings.IndexByte(mime, '/'); idx >= 0 {
		return mime[idx+1:]
	}
	return mime
}

// endpointFromCodec builds the RTP endpoint tuple from a consumer's
// negotiated codec. Channel count defaults to 2 for audio when the
// codec leaves it unspecified.
func endpointFromCodec(ip net.IP, port int, kind Kind, codec webrtc.RTPCodecParameters) RTPEndpoint {
	channels := codec.Channels
	if kind == KindAudio && channels == 0 {
		channels = 2
	}
	return RTPEndpoint{
		IP:          ip,
		Port:        port,
		PayloadType: uint8(codec.PayloadType),
		CodecName:   codecNameFromMime(codec.MimeType),
		ClockRate:   codec.ClockRate,
		Channels:    channels,
		Parameters:  codec.SDPFmtpLine,
	}
}
