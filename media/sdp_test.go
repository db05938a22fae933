package media

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEndpoints() (RTPEndpoint, RTPEndpoint) {
	video := RTPEndpoint{
		IP:          net.ParseIP("127.0.0.1"),
		Port:        5004,
		PayloadType: 102,
		CodecName:   "H264",
		ClockRate:   90000,
		Parameters:  "packetization-mode=1",
	}
	audio := RTPEndpoint{
		IP:          net.ParseIP("127.0.0.1"),
		Port:        5006,
		PayloadType: 111,
		CodecName:   "opus",
		ClockRate:   48000,
		Channels:    2,
	}
	return video, audio
}

func TestSynthesizeSDPContent(t *testing.T) {
	video, audio := testEndpoints()
	got := SynthesizeSDP(video, audio)

	for _, line := range []string{
		"v=0",
		"s=HLS Bridge",
		"t=0 0",
		"m=video 5004 RTP/AVP 102",
		"m=audio 5006 RTP/AVP 111",
		"c=IN IP4 127.0.0.1",
		"a=rtpmap:102 H264/90000",
		"a=fmtp:102 packetization-mode=1",
		"a=rtpmap:111 opus/48000/2",
		"a=recvonly",
	} {
		assert.Contains(t, got, line+"\r\n")
	}
	// video section comes first so ffmpeg's 0:v:0 mapping holds
	require.Less(t, strings.Index(got, "m=video"), strings.Index(got, "m=audio"))
}

func TestSynthesizeSDPDeterministic(t *testing.T) {
	video, audio := testEndpoints()
	first := SynthesizeSDP(video, audio)
	second := SynthesizeSDP(video, audio)
	assert.Equal(t, first, second)
}

func TestSynthesizeSDPAudioChannelsDefault(t *testing.T) {
	video, audio := testEndpoints()
	audio.Channels = 0
	got := SynthesizeSDP(video, audio)
	assert.Contains(t, got, "a=rtpmap:111 opus/48000/2\r\n")
}

func TestSynthesizeSDPNoFmtpWithoutParameters(t *testing.T) {
	video, audio := testEndpoints()
	video.Parameters = ""
	got := SynthesizeSDP(video, audio)
	assert.NotContains(t, got, "a=fmtp:102")
}
