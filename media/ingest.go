package media

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/hlsbridge/go-hlsbridge/clog"
)

const defaultIngestIdleTimeout = 5 * time.Second

// UDPIngestConfig describes one plain RTP ingest leg. Any RTP sender
// (e.g. another ffmpeg or gstreamer process) can publish to it.
type UDPIngestConfig struct {
	ListenIP    net.IP
	Port        int
	Kind        Kind
	Codec       webrtc.RTPCodecParameters
	IdleTimeout time.Duration
	// OnProducer runs when a publisher appears and its producer has
	// been registered with the router.
	OnProducer func(p *LocalProducer)
}

// UDPIngest listens for plain RTP on a fixed UDP port and turns a
// publishing burst into a router producer. The producer closes when the
// sender goes silent for longer than the idle timeout, mirroring a
// transport closure.
type UDPIngest struct {
	cfg    UDPIngestConfig
	router *LocalRouter
	conn   *net.UDPConn
}

func NewUDPIngest(router *LocalRouter, cfg UDPIngestConfig) *UDPIngest {
	if cfg.ListenIP == nil {
		cfg.ListenIP = net.IPv4(127, 0, 0, 1)
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIngestIdleTimeout
	}
	return &UDPIngest{cfg: cfg, router: router}
}

// Start binds the ingest port and begins accepting RTP. Runs until
// Close.
func (i *UDPIngest) Start(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: i.cfg.ListenIP, Port: i.cfg.Port})
	if err != nil {
		return fmt.Errorf("binding ingest port %d: %w", i.cfg.Port, err)
	}
	i.conn = conn
	ctx = clog.AddKind(clog.Clone(context.Background(), ctx), string(i.cfg.Kind))
	clog.Infof(ctx, "RTP ingest listening on %s", conn.LocalAddr())
	go i.readLoop(ctx)
	return nil
}

func (i *UDPIngest) Close() error {
	if i.conn == nil {
		return nil
	}
	return i.conn.Close()
}

func (i *UDPIngest) readLoop(ctx context.Context) {
	buf := make([]byte, 1500)
	var producer *LocalProducer
	var src *chanSource

	closeProducer := func() {
		if producer != nil {
			src.close()
			producer.Close()
			producer = nil
			src = nil
		}
	}
	defer closeProducer()

	for {
		i.conn.SetReadDeadline(time.Now().Add(i.cfg.IdleTimeout))
		n, _, err := i.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if producer != nil {
					clog.Infof(ctx, "Publisher went silent, closing producer id=%s", producer.ID())
					closeProducer()
				}
				continue
			}
			// listener closed
			return
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			clog.V(6).Infof(ctx, "Dropping malformed RTP packet: %v", err)
			continue
		}
		if producer == nil {
			id := uuid.NewString()[:8]
			src = newChanSource()
			producer = i.router.Produce(id, i.cfg.Kind, i.cfg.Codec, src)
			clog.Infof(ctx, "New publisher on port %d, producer id=%s ssrc=%d", i.cfg.Port, id, pkt.SSRC)
			if i.cfg.OnProducer != nil {
				i.cfg.OnProducer(producer)
			}
		}
		src.push(pkt)
	}
}

// chanSource adapts a packet channel to RTPSource.
type chanSource struct {
	ch   chan *rtp.Packet
	done chan struct{}
}

func newChanSource() *chanSource {
	return &chanSource{
		ch:   make(chan *rtp.Packet, 256),
		done: make(chan struct{}),
	}
}

func (s *chanSource) push(pkt *rtp.Packet) {
	select {
	case s.ch <- pkt:
	case <-s.done:
	default:
		// consumer is lagging, drop rather than block the read loop
	}
}

func (s *chanSource) ReadRTP() (*rtp.Packet, error) {
	select {
	case pkt := <-s.ch:
		return pkt, nil
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *chanSource) close() {
	close(s.done)
}
