package media

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	ch chan *rtp.Packet
}

func newStubSource() *stubSource {
	return &stubSource{ch: make(chan *rtp.Packet, 16)}
}

func (s *stubSource) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-s.ch
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

func (s *stubSource) send(seq uint16, payload []byte) {
	s.ch <- &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			SSRC:           1234,
		},
		Payload: payload,
	}
}

var h264Caps = webrtc.RTPCodecParameters{
	RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "packetization-mode=1"},
	PayloadType:        96,
}

func listenUDP(t *testing.T) (*net.UDPConn, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr).Port
}

func readPacket(t *testing.T, conn *net.UDPConn, timeout time.Duration) (*rtp.Packet, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 1500)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	pkt := &rtp.Packet{}
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	return pkt, nil
}

func TestLocalRouterForwardsAfterResume(t *testing.T) {
	router := NewLocalRouter()
	src := newStubSource()
	router.Produce("prod1", KindVideo, h264Caps, src)

	sink, port := listenUDP(t)
	egress, err := router.CreateEgressEndpoint(context.Background(), EndpointConfig{Port: port})
	require.NoError(t, err)
	defer egress.Close()

	consumer, err := egress.Consume(context.Background(), "prod1", webrtc.RTPCodecParameters{PayloadType: 102})
	require.NoError(t, err)

	// paused: nothing flows yet
	src.send(1, []byte("early"))
	_, err = readPacket(t, sink, 150*time.Millisecond)
	require.Error(t, err, "packet forwarded before Resume")

	require.NoError(t, consumer.Resume(context.Background()))
	src.send(2, []byte("hello"))

	// the packet queued while paused arrives first, then the live one
	pkt, err := readPacket(t, sink, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("early"), pkt.Payload)

	pkt, err = readPacket(t, sink, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint8(102), pkt.PayloadType, "payload type rewritten to consumer caps")
	assert.Equal(t, []byte("hello"), pkt.Payload)
	assert.Equal(t, uint32(1234), pkt.SSRC)
}

func TestConsumeUnknownProducer(t *testing.T) {
	router := NewLocalRouter()
	_, port := listenUDP(t)
	egress, err := router.CreateEgressEndpoint(context.Background(), EndpointConfig{Port: port})
	require.NoError(t, err)
	defer egress.Close()

	_, err = egress.Consume(context.Background(), "ghost", webrtc.RTPCodecParameters{})
	require.Error(t, err)
}

func TestCreateEgressEndpointBadPort(t *testing.T) {
	router := NewLocalRouter()
	_, err := router.CreateEgressEndpoint(context.Background(), EndpointConfig{Port: 0})
	assert.Error(t, err)
	_, err = router.CreateEgressEndpoint(context.Background(), EndpointConfig{Port: 70000})
	assert.Error(t, err)
}

func TestProducerCloseFiresObservers(t *testing.T) {
	router := NewLocalRouter()
	p := router.Produce("prod1", KindVideo, h264Caps, newStubSource())

	fired := 0
	p.OnClose(func() { fired++ })
	p.Close()
	p.Close()
	assert.Equal(t, 1, fired)

	// registering after close fires immediately
	p.OnClose(func() { fired++ })
	assert.Equal(t, 2, fired)

	assert.Nil(t, router.producer("prod1"), "closed producer removed from router")
}

func TestEndpointCloseCascadesToConsumers(t *testing.T) {
	router := NewLocalRouter()
	router.Produce("prod1", KindVideo, h264Caps, newStubSource())
	_, port := listenUDP(t)
	egress, err := router.CreateEgressEndpoint(context.Background(), EndpointConfig{Port: port})
	require.NoError(t, err)

	consumer, err := egress.Consume(context.Background(), "prod1", webrtc.RTPCodecParameters{})
	require.NoError(t, err)
	require.NoError(t, egress.Close())

	assert.Error(t, consumer.Resume(context.Background()), "consumer unusable after endpoint close")
	assert.NoError(t, egress.Close(), "idempotent")
}

type staticProducer struct {
	id   string
	kind Kind
}

func (p *staticProducer) ID() string       { return p.id }
func (p *staticProducer) Kind() Kind       { return p.kind }
func (p *staticProducer) OnClose(f func()) {}

func TestProvisionMapsNegotiatedCodec(t *testing.T) {
	router := NewLocalRouter()
	router.Produce("v1", KindVideo, h264Caps, newStubSource())
	opus := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000},
		PayloadType:        97,
	}
	router.Produce("a1", KindAudio, opus, newStubSource())

	prov := NewProvisioner(router, nil)

	_, videoPort := listenUDP(t)
	vLease, err := prov.Provision(context.Background(), &staticProducer{id: "v1", kind: KindVideo}, videoPort)
	require.NoError(t, err)
	defer vLease.Close()

	ep := vLease.Endpoint()
	assert.Equal(t, "127.0.0.1", ep.IP.String())
	assert.Equal(t, videoPort, ep.Port)
	assert.Equal(t, uint8(102), ep.PayloadType, "preferred receive payload type wins")
	assert.Equal(t, "H264", ep.CodecName)
	assert.Equal(t, uint32(90000), ep.ClockRate)
	assert.Equal(t, "packetization-mode=1", ep.Parameters)

	_, audioPort := listenUDP(t)
	aLease, err := prov.Provision(context.Background(), &staticProducer{id: "a1", kind: KindAudio}, audioPort)
	require.NoError(t, err)
	defer aLease.Close()

	ep = aLease.Endpoint()
	assert.Equal(t, uint8(111), ep.PayloadType)
	assert.Equal(t, "opus", ep.CodecName)
	assert.Equal(t, uint16(2), ep.Channels, "audio channel count defaults to stereo")
}

func TestProvisionUnknownProducer(t *testing.T) {
	router := NewLocalRouter()
	prov := NewProvisioner(router, nil)
	_, port := listenUDP(t)

	_, err := prov.Provision(context.Background(), &staticProducer{id: "ghost", kind: KindVideo}, port)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrEndpointProvision))
}
