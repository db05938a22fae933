// hlsbridge converts a pair of live RTP feeds (one video, one audio)
// into an HLS rendition served over HTTP. Publishers push plain RTP to
// the ingest ports; once both feeds are present the bridge spawns an
// ffmpeg transcoder and keeps it aligned with the live producers.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/pion/webrtc/v4"

	"github.com/hlsbridge/go-hlsbridge/clog"
	"github.com/hlsbridge/go-hlsbridge/core"
	"github.com/hlsbridge/go-hlsbridge/media"
	"github.com/hlsbridge/go-hlsbridge/monitor"
	"github.com/hlsbridge/go-hlsbridge/server"
)

const version = "0.1.0"

func main() {
	fs := flag.NewFlagSet("hlsbridge", flag.ExitOnError)

	httpAddr := fs.String("http", "0.0.0.0:8080", "Address to bind the HTTP server to")
	hlsDir := fs.String("hlsDir", "/tmp/hlsbridge", "Directory the transcoder writes HLS artifacts to")
	ffmpegPath := fs.String("ffmpeg", "ffmpeg", "Path to the ffmpeg binary")
	rtpIP := fs.String("rtpIP", "127.0.0.1", "Loopback address used for the RTP legs")
	videoPort := fs.Int("videoPort", 5004, "UDP port the transcoder receives video RTP on")
	audioPort := fs.Int("audioPort", 5006, "UDP port the transcoder receives audio RTP on")
	ingestVideoPort := fs.Int("ingestVideoPort", 6004, "UDP port publishers push video RTP to")
	ingestAudioPort := fs.Int("ingestAudioPort", 6006, "UDP port publishers push audio RTP to")
	segmentDuration := fs.Duration("segmentDuration", 2*time.Second, "HLS segment target duration")
	hlsWindow := fs.Int("hlsWindow", 5, "Number of segments kept in the live playlist")
	debounce := fs.Duration("debounce", 500*time.Millisecond, "Delay between a producer event and the start decision")
	nodeID := fs.String("nodeID", "", "Node identifier used in logs and metrics")
	mon := fs.Bool("monitor", false, "Enable Prometheus metrics on /metrics")
	verbosity := fs.String("v", "3", "Log verbosity. {4|5|6}")
	_ = fs.String("config", "", "Config file in the format 'key value'")

	err := ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("HLSBRIDGE"),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(2)
	}
	flag.Set("logtostderr", "true")
	if vFlag := flag.Lookup("v"); vFlag != nil {
		vFlag.Value.Set(*verbosity)
	}
	flag.CommandLine.Parse(nil)

	if *nodeID == "" {
		host, _ := os.Hostname()
		*nodeID = host
	}
	if *mon {
		monitor.InitCensus(*nodeID, version)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = clog.AddVal(ctx, "node", *nodeID)
	clog.Infof(ctx, "Starting hlsbridge version=%s http=%s hlsDir=%s", version, *httpAddr, *hlsDir)

	listenIP := net.ParseIP(*rtpIP)
	if listenIP == nil {
		clog.Fatalf(ctx, "Invalid rtpIP %q", *rtpIP)
	}
	absDir, err := filepath.Abs(*hlsDir)
	if err != nil {
		clog.Fatalf(ctx, "Invalid hlsDir %q: %v", *hlsDir, err)
	}

	router := media.NewLocalRouter()
	provisioner := media.NewProvisioner(router, listenIP)
	transcoder := media.NewTranscoder(media.TranscoderConfig{
		FFmpegPath:     *ffmpegPath,
		OutputDir:      absDir,
		SegmentSeconds: int(segmentDuration.Seconds()),
		WindowSize:     *hlsWindow,
		ListenIP:       listenIP,
		RTPPorts:       []int{*videoPort, *audioPort},
	})

	bridge := core.NewBridge(
		&provisionerAdapter{provisioner},
		media.SynthesizeSDP,
		&supervisorAdapter{transcoder},
		core.Config{
			StreamID:      *nodeID,
			VideoPort:     *videoPort,
			AudioPort:     *audioPort,
			DebounceDelay: *debounce,
		},
	)

	ingests := []*media.UDPIngest{
		media.NewUDPIngest(router, media.UDPIngestConfig{
			ListenIP: listenIP,
			Port:     *ingestVideoPort,
			Kind:     media.KindVideo,
			Codec: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
				PayloadType:        96,
			},
			OnProducer: func(p *media.LocalProducer) {
				bridge.SetProducer(ctx, p)
			},
		}),
		media.NewUDPIngest(router, media.UDPIngestConfig{
			ListenIP: listenIP,
			Port:     *ingestAudioPort,
			Kind:     media.KindAudio,
			Codec: webrtc.RTPCodecParameters{
				RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
				PayloadType:        97,
			},
			OnProducer: func(p *media.LocalProducer) {
				bridge.SetProducer(ctx, p)
			},
		}),
	}
	for _, ingest := range ingests {
		if err := ingest.Start(ctx); err != nil {
			clog.Fatalf(ctx, "Error starting ingest: %v", err)
		}
		defer ingest.Close()
	}
	clog.Infof(ctx, "RTP ingest listening video=%s:%d audio=%s:%d", *rtpIP, *ingestVideoPort, *rtpIP, *ingestAudioPort)

	srv := server.NewServer(*httpAddr, bridge, absDir)
	if err := srv.ListenAndServe(ctx); err != nil {
		clog.Errorf(ctx, "HTTP server exited: %v", err)
	}

	clog.Infof(ctx, "Shutting down")
	bridge.Stop(context.Background())
}

// provisionerAdapter narrows the concrete provisioner to the interface
// the bridge consumes.
type provisionerAdapter struct {
	p *media.Provisioner
}

func (a *provisionerAdapter) Provision(ctx context.Context, producer media.Producer, port int) (core.EndpointLease, error) {
	lease, err := a.p.Provision(ctx, producer, port)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

type supervisorAdapter struct {
	t *media.Transcoder
}

func (a *supervisorAdapter) Start(ctx context.Context, sessionDescription string) (core.ProcessHandle, error) {
	handle, err := a.t.Start(ctx, sessionDescription)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (a *supervisorAdapter) Stop(ctx context.Context, handle core.ProcessHandle) error {
	return a.t.Stop(ctx, toHandle(handle))
}

func (a *supervisorAdapter) AwaitReady(ctx context.Context, handle core.ProcessHandle) error {
	return a.t.AwaitReady(ctx, toHandle(handle))
}

func (a *supervisorAdapter) AwaitPlaylist(ctx context.Context, handle core.ProcessHandle) error {
	return a.t.AwaitPlaylist(ctx, toHandle(handle))
}

func toHandle(h core.ProcessHandle) *media.ProcessHandle {
	if h == nil {
		return nil
	}
	return h.(*media.ProcessHandle)
}
