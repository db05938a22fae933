package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hlsbridge/go-hlsbridge/clog"
	"github.com/hlsbridge/go-hlsbridge/media"
	"github.com/hlsbridge/go-hlsbridge/monitor"
)

// State is the bridge controller's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateArmed
	StatePendingStart
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StatePendingStart:
		return "pending_start"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

// Status is the operator-facing snapshot of the bridge.
type Status struct {
	State    string `json:"state"`
	Running  bool   `json:"running"`
	HasVideo bool   `json:"hasVideo"`
	HasAudio bool   `json:"hasAudio"`
	VideoID  string `json:"videoId,omitempty"`
	AudioID  string `json:"audioId,omitempty"`
}

// ProcessHandle is the bridge's view of a live transcoder subprocess.
type ProcessHandle interface {
	Done() <-chan struct{}
}

// Supervisor spawns and terminates the transcoder subprocess.
type Supervisor interface {
	Start(ctx context.Context, sessionDescription string) (ProcessHandle, error)
	Stop(ctx context.Context, handle ProcessHandle) error
	AwaitReady(ctx context.Context, handle ProcessHandle) error
	AwaitPlaylist(ctx context.Context, handle ProcessHandle) error
}

// EndpointLease is one provisioned egress endpoint plus its consumer.
type EndpointLease interface {
	Endpoint() media.RTPEndpoint
	Resume(ctx context.Context) error
	Close() error
}

// Provisioner creates the plain RTP egress leg for one producer.
type Provisioner interface {
	Provision(ctx context.Context, producer media.Producer, port int) (EndpointLease, error)
}

// Synthesizer derives the transcoder's session description from the
// two negotiated endpoints.
type Synthesizer func(video, audio media.RTPEndpoint) string

// Config carries the bridge controller's tunables.
type Config struct {
	StreamID      string
	VideoPort     int
	AudioPort     int
	DebounceDelay time.Duration
	RestartDelay  time.Duration
	StartTimeout  time.Duration
	StopTimeout   time.Duration
}

func (c *Config) defaults() {
	if c.StreamID == "" {
		c.StreamID = "live"
	}
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = 500 * time.Millisecond
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 15 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
}

type producerSlot struct {
	producer media.Producer
	id       string
}

// session is one live conversion: leases, subprocess handle and its
// watcher lifetime. Owned by the bridge; handed off exclusively to the
// stop path on teardown.
type session struct {
	attemptID string
	leases    []EndpointLease
	handle    ProcessHandle
	cancel    context.CancelFunc
	stopped   chan struct{}
}

// Bridge tracks which producers currently feed the single output
// stream and decides when the transcoding pipeline starts, restarts or
// stops. All state is guarded by mu; an in-flight start is represented
// by startDone, which the stop path waits on so a start attempt is
// never interrupted mid-way.
type Bridge struct {
	provisioner Provisioner
	synthesize  Synthesizer
	supervisor  Supervisor
	cfg         Config
	ctx         context.Context

	mu        sync.Mutex
	state     State
	video     producerSlot
	audio     producerSlot
	debounce  *time.Timer
	armed     bool
	startDone chan struct{}
	sess      *session
}

func NewBridge(provisioner Provisioner, synthesize Synthesizer, supervisor Supervisor, cfg Config) *Bridge {
	cfg.defaults()
	return &Bridge{
		provisioner: provisioner,
		synthesize:  synthesize,
		supervisor:  supervisor,
		cfg:         cfg,
		ctx:         clog.AddStreamID(context.Background(), cfg.StreamID),
		state:       StateIdle,
	}
}

// SetProducer records the producer for its kind and (re)arms the
// debounce timer. If a different producer already occupied the slot
// while a conversion was active, that conversion is fully stopped
// before the new producer is recorded.
func (b *Bridge) SetProducer(ctx context.Context, p media.Producer) {
	ctx = clog.AddProducerID(clog.Clone(ctx, b.ctx), p.ID())
	ctx = clog.AddKind(ctx, string(p.Kind()))

	// stop any conversion built on the producer being replaced; a
	// debounce fire may start another one while the lock is dropped
	// for the stop, so re-check until the slot can be recorded with
	// nothing active
	b.mu.Lock()
	for {
		prevID := b.slot(p.Kind()).id
		replacing := prevID != "" && prevID != p.ID()
		active := b.sess != nil || b.startDone != nil
		if !replacing || !active {
			break
		}
		b.mu.Unlock()
		clog.Infof(ctx, "Replacing %s producer %s, stopping current conversion first", p.Kind(), prevID)
		b.stop(ctx)
		b.mu.Lock()
	}
	s := b.slot(p.Kind())
	s.producer = p
	s.id = p.ID()
	kind, id := p.Kind(), p.ID()
	b.armDebounceLocked()
	b.mu.Unlock()

	// outside the lock: the observer fires synchronously when the
	// producer already closed, and it takes the lock itself
	p.OnClose(func() {
		b.handleProducerClosed(kind, id)
	})
	clog.Infof(ctx, "Producer set, debounce armed for %v", b.cfg.DebounceDelay)
}

func (b *Bridge) slot(kind media.Kind) *producerSlot {
	if kind == media.KindAudio {
		return &b.audio
	}
	return &b.video
}

// armDebounceLocked cancels and reschedules the single debounce slot.
// Caller holds mu.
func (b *Bridge) armDebounceLocked() {
	if b.debounce != nil {
		b.debounce.Stop()
	}
	b.armed = true
	b.debounce = time.AfterFunc(b.cfg.DebounceDelay, func() {
		b.mu.Lock()
		b.armed = false
		b.mu.Unlock()
		b.tryStart(b.ctx)
	})
	b.recomputeRestingLocked()
}

// recomputeRestingLocked refreshes the resting state from the tracked
// producers. No-op while a start, session or stop is active. Caller
// holds mu.
func (b *Bridge) recomputeRestingLocked() {
	if b.startDone != nil || b.sess != nil || b.state == StateStopping {
		return
	}
	b.state = b.restingStateLocked()
}

func (b *Bridge) restingStateLocked() State {
	hasVideo := b.video.producer != nil
	hasAudio := b.audio.producer != nil
	switch {
	case hasVideo && hasAudio && b.armed:
		return StatePendingStart
	case hasVideo || hasAudio:
		return StateArmed
	default:
		return StateIdle
	}
}

// tryStart attempts to begin a conversion. Only the debounce fire and
// forceStart reach it; both arrive in StatePendingStart, so anything
// else (including a debounce fire that raced a Stop) is a no-op.
func (b *Bridge) tryStart(ctx context.Context) {
	b.mu.Lock()
	if b.startDone != nil || b.sess != nil || b.state == StateStopping {
		b.mu.Unlock()
		return
	}
	if b.state != StatePendingStart {
		b.mu.Unlock()
		return
	}
	video := b.video.producer
	audio := b.audio.producer
	if video == nil || audio == nil {
		b.mu.Unlock()
		return
	}
	done := make(chan struct{})
	b.startDone = done
	b.state = StateStarting
	b.mu.Unlock()

	sess, err := b.startConversion(clog.Clone(ctx, b.ctx))

	b.mu.Lock()
	b.startDone = nil
	if err != nil {
		clog.Errorf(b.ctx, "Start attempt failed, producers stay tracked: %v", err)
		if monitor.Enabled {
			monitor.StartFailed()
		}
		b.recomputeRestingLocked()
	} else {
		b.sess = sess
		b.state = StateRunning
		clog.Infof(b.ctx, "Conversion running attemptID=%s video=%s audio=%s", sess.attemptID, b.video.id, b.audio.id)
		if monitor.Enabled {
			monitor.StreamStarted()
		}
	}
	close(done)
	b.mu.Unlock()
}

// startConversion provisions both endpoints, synthesizes the session
// description, spawns the transcoder and resumes the consumers once the
// subprocess is ready to receive.
func (b *Bridge) startConversion(ctx context.Context) (*session, error) {
	attemptID := uuid.NewString()[:8]
	ctx = clog.AddAttemptID(ctx, attemptID)
	ctx, cancel := context.WithTimeout(ctx, b.cfg.StartTimeout)
	defer cancel()
	if monitor.Enabled {
		monitor.StartAttempt()
	}

	b.mu.Lock()
	video := b.video.producer
	audio := b.audio.producer
	b.mu.Unlock()

	var vLease, aLease EndpointLease
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l, err := b.provisioner.Provision(gctx, video, b.cfg.VideoPort)
		if err != nil {
			return err
		}
		vLease = l
		return nil
	})
	g.Go(func() error {
		l, err := b.provisioner.Provision(gctx, audio, b.cfg.AudioPort)
		if err != nil {
			return err
		}
		aLease = l
		return nil
	})
	if err := g.Wait(); err != nil {
		closeLeases(ctx, vLease, aLease)
		return nil, err
	}

	desc := b.synthesize(vLease.Endpoint(), aLease.Endpoint())
	handle, err := b.supervisor.Start(ctx, desc)
	if err != nil {
		closeLeases(ctx, vLease, aLease)
		return nil, err
	}
	if err := b.supervisor.AwaitReady(ctx, handle); err != nil {
		b.supervisor.Stop(ctx, handle)
		closeLeases(ctx, vLease, aLease)
		return nil, err
	}
	for _, lease := range []EndpointLease{vLease, aLease} {
		if err := lease.Resume(ctx); err != nil {
			b.supervisor.Stop(ctx, handle)
			closeLeases(ctx, vLease, aLease)
			return nil, err
		}
	}

	watchCtx, watchCancel := context.WithCancel(clog.Clone(context.Background(), ctx))
	sess := &session{
		attemptID: attemptID,
		leases:    []EndpointLease{vLease, aLease},
		handle:    handle,
		cancel:    watchCancel,
		stopped:   make(chan struct{}),
	}
	go b.watchExit(watchCtx, sess)
	go func() {
		if err := b.supervisor.AwaitPlaylist(watchCtx, handle); err == nil {
			clog.Infof(watchCtx, "Playlist is live")
			if monitor.Enabled {
				monitor.PlaylistReady()
			}
		}
	}()
	return sess, nil
}

// watchExit observes asynchronous subprocess exit and cleans up if the
// session is still current. Restart stays manual: a later producer
// event or an explicit Restart.
func (b *Bridge) watchExit(ctx context.Context, sess *session) {
	select {
	case <-sess.stopped:
		return
	case <-ctx.Done():
		return
	case <-sess.handle.Done():
	}
	b.mu.Lock()
	current := b.sess == sess
	b.mu.Unlock()
	if !current {
		return
	}
	clog.Errorf(ctx, "Transcoder exited unexpectedly, tearing down attemptID=%s", sess.attemptID)
	// stop cancels the watch context; teardown needs one that outlives it
	b.stop(clog.Clone(context.Background(), ctx))
}

// Stop cancels any pending debounce, waits out an in-flight start and
// tears down the conversion. Idempotent.
func (b *Bridge) Stop(ctx context.Context) {
	b.stop(clog.Clone(ctx, b.ctx))
}

func (b *Bridge) stop(ctx context.Context) {
	b.mu.Lock()
	if b.debounce != nil {
		b.debounce.Stop()
		b.armed = false
	}
	// never interrupt a start attempt destructively: let it settle,
	// then tear its result down
	for b.startDone != nil {
		done := b.startDone
		b.mu.Unlock()
		<-done
		b.mu.Lock()
	}
	sess := b.sess
	b.sess = nil
	if sess != nil {
		b.state = StateStopping
	}
	b.mu.Unlock()

	if sess != nil {
		sctx, cancel := context.WithTimeout(ctx, b.cfg.StopTimeout)
		sess.cancel()
		close(sess.stopped)
		if err := b.supervisor.Stop(sctx, sess.handle); err != nil {
			clog.Errorf(ctx, "Error stopping transcoder: %v", err)
		}
		for _, lease := range sess.leases {
			if err := lease.Close(); err != nil {
				clog.Errorf(ctx, "Error releasing endpoint: %v", err)
			}
		}
		cancel()
		clog.Infof(ctx, "Conversion stopped attemptID=%s", sess.attemptID)
		if monitor.Enabled {
			monitor.StreamEnded()
		}
	}

	b.mu.Lock()
	if b.state == StateStopping {
		b.state = StateIdle
	}
	b.recomputeRestingLocked()
	b.mu.Unlock()
}

// Restart is the operator escape hatch: stop, settle, then force a
// start attempt regardless of debounce state.
func (b *Bridge) Restart(ctx context.Context) {
	ctx = clog.Clone(ctx, b.ctx)
	clog.Infof(ctx, "Restart requested")
	b.stop(ctx)

	b.mu.Lock()
	hasBoth := b.video.producer != nil && b.audio.producer != nil
	b.mu.Unlock()
	if !hasBoth {
		clog.Infof(ctx, "Nothing to restart, producers missing")
		return
	}
	if b.cfg.RestartDelay > 0 {
		time.Sleep(b.cfg.RestartDelay)
	}
	if monitor.Enabled {
		monitor.Restarted()
	}
	b.forceStart(ctx)
}

func (b *Bridge) forceStart(ctx context.Context) {
	b.mu.Lock()
	if b.startDone == nil && b.sess == nil && b.state != StateStopping &&
		b.video.producer != nil && b.audio.producer != nil {
		b.state = StatePendingStart
	}
	b.mu.Unlock()
	b.tryStart(ctx)
}

// Reset clears both producer slots unconditionally and stops. Full
// recovery hatch for unrecoverable errors.
func (b *Bridge) Reset(ctx context.Context) {
	ctx = clog.Clone(ctx, b.ctx)
	clog.Infof(ctx, "Reset requested")
	b.mu.Lock()
	b.video = producerSlot{}
	b.audio = producerSlot{}
	b.mu.Unlock()
	b.stop(ctx)
}

func (b *Bridge) handleProducerClosed(kind media.Kind, id string) {
	ctx := clog.AddProducerID(b.ctx, id)
	ctx = clog.AddKind(ctx, string(kind))

	b.mu.Lock()
	slot := b.slot(kind)
	if slot.id != id {
		// slot was already re-assigned to another producer
		b.mu.Unlock()
		return
	}
	*slot = producerSlot{}
	active := b.sess != nil || b.startDone != nil
	bothEmpty := b.video.producer == nil && b.audio.producer == nil
	b.recomputeRestingLocked()
	b.mu.Unlock()

	clog.Infof(ctx, "Producer closed")
	if active || bothEmpty {
		b.stop(ctx)
	}
}

// Status returns the operator-facing snapshot.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		State:    b.state.String(),
		Running:  b.state == StateRunning,
		HasVideo: b.video.producer != nil,
		HasAudio: b.audio.producer != nil,
		VideoID:  b.video.id,
		AudioID:  b.audio.id,
	}
}

func closeLeases(ctx context.Context, leases ...EndpointLease) {
	for _, lease := range leases {
		if lease == nil {
			continue
		}
		if err := lease.Close(); err != nil {
			clog.Errorf(ctx, "Error releasing endpoint after failed start: %v", err)
		}
	}
}
