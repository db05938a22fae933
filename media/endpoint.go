package media

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/hlsbridge/go-hlsbridge/clog"
	"github.com/pion/webrtc/v4"
)

var ErrEndpointProvision = errors.New("ErrEndpointProvision")

// Preferred receive parameters handed to the router when consuming.
// Payload types follow the usual WebRTC defaults for H.264 and Opus.
var (
	preferredVideoCaps = webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		PayloadType:        102,
	}
	preferredAudioCaps = webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}
)

// Provisioner asks the media router for plain RTP egress endpoints and
// paused consumers attached to them, one per track.
type Provisioner struct {
	router   Router
	listenIP net.IP
}

func NewProvisioner(router Router, listenIP net.IP) *Provisioner {
	if listenIP == nil {
		listenIP = net.IPv4(127, 0, 0, 1)
	}
	return &Provisioner{router: router, listenIP: listenIP}
}

// EndpointLease pairs a provisioned endpoint and its consumer so the
// pair can be torn down symmetrically on stop.
type EndpointLease struct {
	endpoint RTPEndpoint
	egress   EgressEndpoint
	consumer Consumer
}

// Endpoint returns the negotiated RTP endpoint tuple.
func (l *EndpointLease) Endpoint() RTPEndpoint { return l.endpoint }

// Resume unpauses the consumer so media starts flowing to the endpoint.
func (l *EndpointLease) Resume(ctx context.Context) error {
	return l.consumer.Resume(ctx)
}

// Close releases the consumer and the endpoint. Best effort; the first
// failure is reported but both are attempted.
func (l *EndpointLease) Close() error {
	cerr := l.consumer.Close()
	eerr := l.egress.Close()
	if cerr != nil {
		return fmt.Errorf("%w: closing consumer: %v", ErrTeardown, cerr)
	}
	if eerr != nil {
		return fmt.Errorf("%w: closing endpoint: %v", ErrTeardown, eerr)
	}
	return nil
}

// Provision creates the plain RTP egress leg for one producer on the
// given fixed port and attaches a paused consumer to it. The returned
// lease owns both until Close.
func (p *Provisioner) Provision(ctx context.Context, producer Producer, port int) (*EndpointLease, error) {
	// both legs provision concurrently off the same parent ctx
	ctx = clog.AddProducerID(clog.Clone(ctx, ctx), producer.ID())
	ctx = clog.AddKind(ctx, string(producer.Kind()))

	caps := preferredVideoCaps
	if producer.Kind() == KindAudio {
		caps = preferredAudioCaps
	}

	egress, err := p.router.CreateEgressEndpoint(ctx, EndpointConfig{
		ListenIP: p.listenIP,
		Port:     port,
		RTCPMux:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating endpoint for producer %s: %v", ErrEndpointProvision, producer.ID(), err)
	}

	consumer, err := egress.Consume(ctx, producer.ID(), caps)
	if err != nil {
		egress.Close()
		return nil, fmt.Errorf("%w: consuming producer %s: %v", ErrEndpointProvision, producer.ID(), err)
	}

	endpoint := endpointFromCodec(p.listenIP, port, producer.Kind(), consumer.Codec())
	clog.V(4).Infof(ctx, "Provisioned endpoint addr=%s:%d codec=%s/%d pt=%d",
		endpoint.IP, endpoint.Port, endpoint.CodecName, endpoint.ClockRate, endpoint.PayloadType)
	return &EndpointLease{
		endpoint: endpoint,
		egress:   egress,
		consumer: consumer,
	}, nil
}
