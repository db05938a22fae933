package media

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// SynthesizeSDP builds the session description the transcoder reads as
// its input specification: one receive-only media section per track,
// with payload-type binding, rtpmap and optional fmtp lines taken
// verbatim from the negotiated endpoints. Pure function of its inputs;
// identical endpoints always produce byte-identical output.
func SynthesizeSDP(video, audio RTPEndpoint) string {
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      0,
			SessionVersion: 0,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: video.IP.String(),
		},
		SessionName: "HLS Bridge",
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			mediaSection("video", video),
			mediaSection("audio", audio),
		},
	}
	// Marshal cannot fail on a description built from valid endpoints
	buf, _ := desc.Marshal()
	return string(buf)
}

func mediaSection(mediaType string, e RTPEndpoint) *sdp.MediaDescription {
	pt := fmt.Sprintf("%d", e.PayloadType)
	rtpmap := fmt.Sprintf("%s %s/%d", pt, e.CodecName, e.ClockRate)
	channels := e.Channels
	if mediaType == "audio" && channels == 0 {
		channels = 2
	}
	if mediaType == "audio" {
		rtpmap = fmt.Sprintf("%s/%d", rtpmap, channels)
	}
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   mediaType,
			Port:    sdp.RangedPort{Value: e.Port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{pt},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: e.IP.String()},
		},
		Attributes: []sdp.Attribute{
			{Key: "rtpmap", Value: rtpmap},
		},
	}
	if e.Parameters != "" {
		md.Attributes = append(md.Attributes, sdp.Attribute{
			Key:   "fmtp",
			Value: fmt.Sprintf("%s %s", pt, e.Parameters),
		})
	}
	md.Attributes = append(md.Attributes, sdp.Attribute{Key: "recvonly"})
	return md
}
