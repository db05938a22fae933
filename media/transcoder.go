package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/livepeer/m3u8"

	"github.com/hlsbridge/go-hlsbridge/clog"
	"github.com/hlsbridge/go-hlsbridge/monitor"
)

var ErrSpawn = errors.New("ErrSpawn")
var ErrTeardown = errors.New("ErrTeardown")

const defaultStopGrace = 5 * time.Second

// TranscoderConfig controls the external transcoding subprocess and the
// segmented output it emits.
type TranscoderConfig struct {
	FFmpegPath     string
	OutputDir      string
	PlaylistName   string
	SegmentPattern string
	SDPName        string
	SegmentSeconds int
	WindowSize     int
	ListenIP       net.IP
	RTPPorts       []int
	StopGrace      time.Duration
}

// Transcoder spawns, monitors and terminates the external transcoding
// subprocess and manages its output directory. Restart policy belongs
// to the bridge controller, not here.
type Transcoder struct {
	cfg TranscoderConfig
}

func NewTranscoder(cfg TranscoderConfig) *Transcoder {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.PlaylistName == "" {
		cfg.PlaylistName = "index.m3u8"
	}
	if cfg.SegmentPattern == "" {
		cfg.SegmentPattern = "segment_%d.ts"
	}
	if cfg.SDPName == "" {
		cfg.SDPName = "session.sdp"
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 2
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 5
	}
	if cfg.ListenIP == nil {
		cfg.ListenIP = net.IPv4(127, 0, 0, 1)
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	return &Transcoder{cfg: cfg}
}

// ProcessHandle is the live subprocess plus its declared output paths.
type ProcessHandle struct {
	cmd          *exec.Cmd
	done         chan struct{}
	exitErr      error
	PlaylistPath string
	SDPPath      string
}

// Done is closed once the subprocess has exited.
func (h *ProcessHandle) Done() <-chan struct{} { return h.done }

// ExitErr reports the subprocess exit error. Only valid after Done.
func (h *ProcessHandle) ExitErr() error { return h.exitErr }

// Start writes the session description into the output directory,
// clears stale artifacts from a prior run and spawns the transcoder.
// The subprocess re-encodes both tracks with low-latency settings and
// emits a playlist with a bounded sliding window of segments, deleting
// expired ones.
func (t *Transcoder) Start(ctx context.Context, sessionDescription string) (*ProcessHandle, error) {
	dir := t.cfg.OutputDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: preparing output dir %s: %v", ErrSpawn, dir, err)
	}
	if err := clearStaleArtifacts(dir); err != nil {
		return nil, fmt.Errorf("%w: clearing output dir %s: %v", ErrSpawn, dir, err)
	}

	sdpPath := filepath.Join(dir, t.cfg.SDPName)
	if err := os.WriteFile(sdpPath, []byte(sessionDescription), 0o644); err != nil {
		return nil, fmt.Errorf("%w: writing session description: %v", ErrSpawn, err)
	}

	playlistPath := filepath.Join(dir, t.cfg.PlaylistName)
	args := t.buildArgs(sdpPath, playlistPath)
	cmd := exec.Command(t.cfg.FFmpegPath, args...)
	lw := newLogWriter(clog.Clone(context.Background(), ctx))
	cmd.Stdout = lw
	cmd.Stderr = lw

	clog.Infof(ctx, "Spawning transcoder bin=%s playlist=%s", t.cfg.FFmpegPath, playlistPath)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: launching %s: %v", ErrSpawn, t.cfg.FFmpegPath, err)
	}

	h := &ProcessHandle{
		cmd:          cmd,
		done:         make(chan struct{}),
		PlaylistPath: playlistPath,
		SDPPath:      sdpPath,
	}
	monitorCtx := clog.Clone(context.Background(), ctx)
	go func() {
		err := cmd.Wait()
		h.exitErr = err
		close(h.done)
		if err != nil {
			clog.Infof(monitorCtx, "Transcoder exited err=%q", err)
		} else {
			clog.Infof(monitorCtx, "Transcoder exited cleanly")
		}
		if monitor.Enabled {
			monitor.TranscoderExited(err)
		}
	}()
	return h, nil
}

// Stop terminates the subprocess and waits for exit, then for the OS to
// release the RTP listen ports. Idempotent; a nil or already-exited
// handle is a no-op.
func (t *Transcoder) Stop(ctx context.Context, h *ProcessHandle) error {
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
	default:
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			clog.V(4).Infof(ctx, "Error signaling transcoder: %v", err)
		}
		select {
		case <-h.done:
		case <-time.After(t.cfg.StopGrace):
			clog.Warningf(ctx, "Transcoder did not exit within %v, killing", t.cfg.StopGrace)
			h.cmd.Process.Kill()
			select {
			case <-h.done:
			case <-ctx.Done():
				return fmt.Errorf("%w: waiting for transcoder exit: %v", ErrTeardown, ctx.Err())
			}
		case <-ctx.Done():
			h.cmd.Process.Kill()
			return fmt.Errorf("%w: waiting for transcoder exit: %v", ErrTeardown, ctx.Err())
		}
	}
	// the OS may not release bound UDP ports instantaneously
	if err := t.awaitPorts(ctx, false); err != nil {
		return fmt.Errorf("%w: releasing RTP ports: %v", ErrTeardown, err)
	}
	return nil
}

// AwaitReady blocks until the subprocess has bound its RTP listen ports
// and is able to receive media, or fails if it exits first.
func (t *Transcoder) AwaitReady(ctx context.Context, h *ProcessHandle) error {
	select {
	case <-h.done:
		return fmt.Errorf("%w: transcoder exited before binding ports: %v", ErrSpawn, h.exitErr)
	default:
	}
	if err := t.awaitPorts(ctx, true); err != nil {
		return fmt.Errorf("%w: waiting for transcoder to bind ports: %v", ErrSpawn, err)
	}
	select {
	case <-h.done:
		return fmt.Errorf("%w: transcoder exited during startup: %v", ErrSpawn, h.exitErr)
	default:
	}
	return nil
}

// AwaitPlaylist blocks until the playlist file lists at least one live
// segment. Non-fatal diagnostics for callers; bounded by ctx.
func (t *Transcoder) AwaitPlaylist(ctx context.Context, h *ProcessHandle) error {
	probe := func() error {
		select {
		case <-h.done:
			return backoff.Permanent(fmt.Errorf("transcoder exited: %v", h.exitErr))
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		default:
		}
		f, err := os.Open(h.PlaylistPath)
		if err != nil {
			return err
		}
		defer f.Close()
		pl, listType, err := m3u8.DecodeFrom(f, true)
		if err != nil {
			return err
		}
		if listType != m3u8.MEDIA {
			return errors.New("playlist is not a media playlist")
		}
		if mediapl, ok := pl.(*m3u8.MediaPlaylist); !ok || mediapl.Count() == 0 {
			return errors.New("playlist has no segments yet")
		}
		return nil
	}
	boff := backoff.WithContext(backoff.NewConstantBackOff(250*time.Millisecond), ctx)
	return backoff.Retry(probe, boff)
}

func (t *Transcoder) awaitPorts(ctx context.Context, wantBound bool) error {
	probe := func() error {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		default:
		}
		bound, err := boundUDPPorts()
		if err != nil {
			// probe unsupported here; nothing better than a short grace
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		for _, port := range t.cfg.RTPPorts {
			if bound[port] != wantBound {
				return fmt.Errorf("port %d bound=%v, want %v", port, bound[port], wantBound)
			}
		}
		return nil
	}
	boff := backoff.WithContext(backoff.NewConstantBackOff(50*time.Millisecond), ctx)
	return backoff.Retry(probe, boff)
}

func (t *Transcoder) buildArgs(sdpPath, playlistPath string) []string {
	return []string{
		"-nostdin",
		"-protocol_whitelist", "file,udp,rtp",
		"-i", sdpPath,
		"-map", "0:v:0",
		"-map", "0:a:0",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "48000",
		"-ac", "2",
		"-f", "hls",
		"-hls_time", strconv.Itoa(t.cfg.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(t.cfg.WindowSize),
		"-hls_flags", "delete_segments",
		"-hls_segment_filename", filepath.Join(t.cfg.OutputDir, t.cfg.SegmentPattern),
		playlistPath,
	}
}

// clearStaleArtifacts removes leftover playlist, segment and session
// description files from a previous run.
func clearStaleArtifacts(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".ts", ".m3u8", ".sdp":
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// logWriter forwards the subprocess's diagnostic output line by line.
type logWriter struct {
	ctx context.Context
}

func newLogWriter(ctx context.Context) *logWriter {
	return &logWriter{ctx: ctx}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		clog.V(6).Infof(w.ctx, "ffmpeg: %s", string(line))
	}
	return total, nil
}
