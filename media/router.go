package media

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/hlsbridge/go-hlsbridge/clog"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Router is the capability surface the bridge consumes from the
// media-routing engine. ICE/DTLS/SRTP and codec negotiation stay on the
// router's side of this boundary.
type Router interface {
	CreateEgressEndpoint(ctx context.Context, cfg EndpointConfig) (EgressEndpoint, error)
}

// EndpointConfig describes the plain RTP leg to create. Port is the
// fixed port the transcoder will bind and listen on.
type EndpointConfig struct {
	ListenIP net.IP
	Port     int
	RTCPMux  bool
}

// EgressEndpoint is a non-encrypted, non-ICE network endpoint that
// hands a producer's RTP to a local process.
type EgressEndpoint interface {
	// Consume attaches a paused consumer forwarding the given producer
	// through this endpoint. caps carries the preferred receive
	// parameters (payload type in particular).
	Consume(ctx context.Context, producerID string, caps webrtc.RTPCodecParameters) (Consumer, error)
	Addr() *net.UDPAddr
	Close() error
}

// Consumer forwards one producer's media to one egress endpoint.
// Created paused; no packets flow until Resume.
type Consumer interface {
	Codec() webrtc.RTPCodecParameters
	Resume(ctx context.Context) error
	Close() error
}

// RTPSource yields a producer's RTP packets. webrtc track readers are
// adapted to this with a small closure.
type RTPSource interface {
	ReadRTP() (*rtp.Packet, error)
}

// LocalRouter is the in-process Router used when the bridge and the
// producers live in the same binary. It registers producers with an RTP
// source and pumps their packets over UDP toward the transcoder's
// listen ports.
type LocalRouter struct {
	mu        sync.Mutex
	producers map[string]*LocalProducer
}

func NewLocalRouter() *LocalRouter {
	return &LocalRouter{
		producers: make(map[string]*LocalProducer),
	}
}

// Produce registers a new producer with the router. The returned
// producer is live until Close is called on it.
func (r *LocalRouter) Produce(id string, kind Kind, codec webrtc.RTPCodecParameters, src RTPSource) *LocalProducer {
	p := &LocalProducer{
		id:     id,
		kind:   kind,
		codec:  codec,
		src:    src,
		router: r,
	}
	r.mu.Lock()
	r.producers[id] = p
	r.mu.Unlock()
	return p
}

func (r *LocalRouter) producer(id string) *LocalProducer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producers[id]
}

func (r *LocalRouter) remove(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *LocalRouter) CreateEgressEndpoint(ctx context.Context, cfg EndpointConfig) (EgressEndpoint, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid endpoint port %d", cfg.Port)
	}
	ip := cfg.ListenIP
	if ip == nil {
		ip = net.IPv4(127, 0, 0, 1)
	}
	raddr := &net.UDPAddr{IP: ip, Port: cfg.Port}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial egress endpoint %s: %w", raddr, err)
	}
	return &plainEndpoint{
		router: r,
		conn:   conn,
		addr:   raddr,
	}, nil
}

// LocalProducer is a producer registered with the LocalRouter.
type LocalProducer struct {
	id     string
	kind   Kind
	codec  webrtc.RTPCodecParameters
	src    RTPSource
	router *LocalRouter

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

func (p *LocalProducer) ID() string                       { return p.id }
func (p *LocalProducer) Kind() Kind                       { return p.kind }
func (p *LocalProducer) Codec() webrtc.RTPCodecParameters { return p.codec }

func (p *LocalProducer) OnClose(f func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		f()
		return
	}
	p.onClose = append(p.onClose, f)
	p.mu.Unlock()
}

// Close marks the producer gone and fires closure observers. Safe to
// call more than once.
func (p *LocalProducer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	observers := p.onClose
	p.onClose = nil
	p.mu.Unlock()

	p.router.remove(p.id)
	for _, f := range observers {
		f()
	}
}

type plainEndpoint struct {
	router *LocalRouter
	conn   *net.UDPConn
	addr   *net.UDPAddr

	mu        sync.Mutex
	consumers []*plainConsumer
	closed    bool
}

func (e *plainEndpoint) Addr() *net.UDPAddr { return e.addr }

func (e *plainEndpoint) Consume(ctx context.Context, producerID string, caps webrtc.RTPCodecParameters) (Consumer, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errors.New("endpoint closed")
	}
	e.mu.Unlock()

	p := e.router.producer(producerID)
	if p == nil {
		return nil, fmt.Errorf("unknown producer %s", producerID)
	}

	codec := p.codec
	if caps.PayloadType != 0 {
		codec.PayloadType = caps.PayloadType
	}
	c := &plainConsumer{
		endpoint: e,
		producer: p,
		codec:    codec,
		done:     make(chan struct{}),
	}
	e.mu.Lock()
	e.consumers = append(e.consumers, c)
	e.mu.Unlock()
	return c, nil
}

func (e *plainEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	consumers := e.consumers
	e.consumers = nil
	e.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	return e.conn.Close()
}

type plainConsumer struct {
	endpoint *plainEndpoint
	producer *LocalProducer
	codec    webrtc.RTPCodecParameters

	mu      sync.Mutex
	resumed bool
	closed  bool
	done    chan struct{}
}

func (c *plainConsumer) Codec() webrtc.RTPCodecParameters { return c.codec }

// Resume starts the forwarding pump. Idempotent.
func (c *plainConsumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("consumer closed")
	}
	if c.resumed {
		return nil
	}
	c.resumed = true
	go c.pump(clog.Clone(context.Background(), ctx))
	return nil
}

func (c *plainConsumer) pump(ctx context.Context) {
	pt := uint8(c.codec.PayloadType)
	for {
		select {
		case <-c.done:
			return
		default:
		}
		pkt, err := c.producer.src.ReadRTP()
		if err != nil {
			clog.V(6).Infof(ctx, "Consumer pump done for producer=%s err=%q", c.producer.id, err)
			return
		}
		pkt.PayloadType = pt
		buf, err := pkt.Marshal()
		if err != nil {
			clog.Errorf(ctx, "Error marshaling RTP packet: %v", err)
			continue
		}
		if _, err := c.endpoint.conn.Write(buf); err != nil {
			select {
			case <-c.done:
			default:
				clog.V(6).Infof(ctx, "Error forwarding RTP packet: %v", err)
			}
			return
		}
	}
}

func (c *plainConsumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return nil
}
