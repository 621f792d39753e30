package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type State int

const (
	StateUninitialized State = iota
	StateReady
	StateCalling
	StateRingingIncoming
	StateInCall
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateCalling:
		return "calling"
	case StateRingingIncoming:
		return "ringing_incoming"
	case StateInCall:
		return "in_call"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// AcceptPolicy decides whether an incoming call from remoteAddress is
// answered. It should give up when ctx is done.
type AcceptPolicy func(ctx context.Context, remoteAddress string) bool

// AutoAnswer accepts every call.
func AutoAnswer(context.Context, string) bool {
	return true
}

// Hooks run on negotiator goroutines and must not call Close.
type Hooks struct {
	// OnAddress receives the local address once the transport is open.
	OnAddress     func(address string)
	OnStateChange func(state State)
	// OnError receives failures of calls that were not started by a blocking
	// method, such as incoming calls and calls dropped before media arrived.
	OnError func(err error)
}

type Config struct {
	Transport Transport
	Devices   MediaDevices
	Sink      MediaSink
	Hooks     Hooks
	// Accept defaults to AutoAnswer.
	Accept AcceptPolicy
	// RingTimeout bounds both the accept decision and the wait for remote
	// media. Zero waits forever.
	RingTimeout time.Duration
	// VideoOnStart enables video on the first call. Audio always starts on.
	VideoOnStart bool
	Logger       *slog.Logger
}

type Negotiator struct {
	transport   Transport
	devices     MediaDevices
	sink        MediaSink
	hooks       Hooks
	accept      AcceptPolicy
	ringTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	state   State
	address string
	audioOn bool
	videoOn bool
	stream  *Stream
	conn    Connection
	// gen identifies the current call attempt; watchers of older attempts
	// see a different value and back off.
	gen      uint64
	attached bool

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(cfg *Config) *Negotiator {
	n := &Negotiator{
		transport:   cfg.Transport,
		devices:     cfg.Devices,
		sink:        cfg.Sink,
		hooks:       cfg.Hooks,
		accept:      cfg.Accept,
		ringTimeout: cfg.RingTimeout,
		logger:      cfg.Logger,
		audioOn:     true,
		videoOn:     cfg.VideoOnStart,
		closed:      make(chan struct{}),
	}
	if n.accept == nil {
		n.accept = AutoAnswer
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}

	return n
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) Address() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.address
}

func (n *Negotiator) AudioEnabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.audioOn
}

func (n *Negotiator) VideoEnabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.videoOn
}

// Init opens the transport and starts answering incoming calls.
func (n *Negotiator) Init(ctx context.Context) (string, error) {
	n.mu.Lock()
	if n.state != StateUninitialized {
		address := n.address
		n.mu.Unlock()
		return address, nil
	}
	n.mu.Unlock()

	address, err := n.transport.Open(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: failed to open transport: %w", ErrSignaling, err)
	}

	n.mu.Lock()
	n.address = address
	n.state = StateReady
	n.mu.Unlock()

	n.wg.Add(1)
	go n.acceptLoop()

	n.logger.Info("call endpoint ready", "address", address)
	n.stateChanged(StateReady)
	if n.hooks.OnAddress != nil {
		n.hooks.OnAddress(address)
	}

	return address, nil
}

// PlaceCall calls address. It returns once the call is dialed; the call
// turns InCall when remote media arrives.
func (n *Negotiator) PlaceCall(ctx context.Context, address string) error {
	gen, err := n.reserve(StateCalling)
	if err != nil {
		return err
	}

	stream, err := n.acquireMedia(ctx)
	if err != nil {
		n.abort(gen, nil)
		return err
	}

	conn, err := n.transport.Dial(ctx, address, stream)
	if err != nil {
		n.abort(gen, stream)
		return fmt.Errorf("%w: failed to dial %s: %w", ErrSignaling, address, err)
	}

	bound, needVideo := n.bind(gen, conn, stream)
	if !bound {
		conn.Close()
		stream.Stop()
		return ErrHungUp
	}

	n.logger.Info("call placed", "remote_address", address)
	n.watch(gen, conn)
	if needVideo {
		n.lateVideo(ctx, gen, stream, conn)
	}

	return nil
}

// reserve moves a free negotiator to state and starts a new attempt.
func (n *Negotiator) reserve(state State) (uint64, error) {
	n.mu.Lock()
	switch n.state {
	case StateUninitialized:
		n.mu.Unlock()
		return 0, ErrNotReady
	case StateReady, StateEnded:
	default:
		n.mu.Unlock()
		return 0, ErrBusy
	}
	select {
	case <-n.closed:
		n.mu.Unlock()
		return 0, ErrClosed
	default:
	}

	n.gen++
	gen := n.gen
	n.state = state
	n.mu.Unlock()

	n.stateChanged(state)
	return gen, nil
}

// acquireMedia captures audio and video, falling back to audio only when the
// camera is unavailable. The tracks start in the toggled state.
func (n *Negotiator) acquireMedia(ctx context.Context) (*Stream, error) {
	tracks, err := n.devices.GetUserMedia(ctx, Constraints{Audio: true, Video: true})
	if err != nil {
		n.logger.Warn("audio+video capture failed, trying audio only", "error", err)
		tracks, err = n.devices.GetUserMedia(ctx, Constraints{Audio: true})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMediaAcquisition, err)
		}
	}

	n.mu.Lock()
	audioOn, videoOn := n.audioOn, n.videoOn
	n.mu.Unlock()

	for _, t := range tracks {
		switch t.Kind() {
		case KindAudio:
			t.SetEnabled(audioOn)
		case KindVideo:
			t.SetEnabled(videoOn)
		}
	}

	return NewStream(tracks...), nil
}

// bind publishes the attempt's connection and stream. Toggles made while the
// stream was unpublished only changed the preferences, so bind applies them
// to the tracks and reports whether video is wanted but was never captured.
func (n *Negotiator) bind(gen uint64, conn Connection, stream *Stream) (bool, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.gen != gen {
		return false, false
	}
	n.conn = conn
	n.stream = stream

	if t := stream.Track(KindAudio); t != nil {
		t.SetEnabled(n.audioOn)
	}
	video := stream.Track(KindVideo)
	if video != nil {
		video.SetEnabled(n.videoOn)
	}

	return true, n.videoOn && video == nil
}

// abort returns a failed attempt to Ready.
func (n *Negotiator) abort(gen uint64, stream *Stream) {
	if stream != nil {
		stream.Stop()
	}

	n.mu.Lock()
	if n.gen != gen {
		n.mu.Unlock()
		return
	}
	n.conn = nil
	n.stream = nil
	n.state = StateReady
	n.mu.Unlock()

	n.stateChanged(StateReady)
}

func (n *Negotiator) watch(gen uint64, conn Connection) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.watchConn(gen, conn)
	}()
}

func (n *Negotiator) watchConn(gen uint64, conn Connection) {
	var timeout <-chan time.Time
	if n.ringTimeout > 0 {
		t := time.NewTimer(n.ringTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case remote, ok := <-conn.RemoteStream():
		if !ok {
			n.fail(gen, conn, fmt.Errorf("%w: connection closed before media arrived", ErrSignaling))
			return
		}
		if !n.connected(gen, remote) {
			return
		}
	case <-conn.Done():
		err := conn.Err()
		if err == nil {
			err = ErrHungUp
		}
		n.fail(gen, conn, fmt.Errorf("%w: %w", ErrSignaling, err))
		return
	case <-timeout:
		n.fail(gen, conn, fmt.Errorf("%w: no remote media after %s", ErrSignaling, n.ringTimeout))
		return
	case <-n.closed:
		return
	}

	select {
	case <-conn.Done():
		n.finish(gen, conn.Err())
	case <-n.closed:
	}
}

func (n *Negotiator) connected(gen uint64, remote RemoteStream) bool {
	n.mu.Lock()
	if n.gen != gen {
		n.mu.Unlock()
		return false
	}
	n.state = StateInCall
	n.attached = true
	n.mu.Unlock()

	if n.sink != nil {
		n.sink.Attach(remote)
	}
	n.logger.Info("call connected", "remote_stream", remote.ID)
	n.stateChanged(StateInCall)

	return true
}

// fail ends an attempt that never got remote media.
func (n *Negotiator) fail(gen uint64, conn Connection, err error) {
	conn.Close()

	n.mu.Lock()
	if n.gen != gen {
		n.mu.Unlock()
		return
	}
	stream := n.stream
	n.mu.Unlock()

	n.abort(gen, stream)
	n.logger.Warn("call failed", "error", err)
	n.reportError(err)
}

// finish ends an established call that the remote side or the transport
// closed.
func (n *Negotiator) finish(gen uint64, err error) {
	n.mu.Lock()
	if n.gen != gen {
		n.mu.Unlock()
		return
	}
	n.gen++
	conn, stream, attached := n.takeCall()
	n.state = StateEnded
	n.mu.Unlock()

	n.teardown(conn, stream, attached)
	n.logger.Info("call ended", "error", err)
	n.stateChanged(StateEnded)
}

// takeCall detaches the current call. Callers hold mu.
func (n *Negotiator) takeCall() (Connection, *Stream, bool) {
	conn, stream, attached := n.conn, n.stream, n.attached
	n.conn, n.stream, n.attached = nil, nil, false
	return conn, stream, attached
}

func (n *Negotiator) teardown(conn Connection, stream *Stream, attached bool) {
	if conn != nil {
		conn.Close()
	}
	if stream != nil {
		stream.Stop()
	}
	if attached && n.sink != nil {
		n.sink.Detach()
	}
}

// Hangup ends the current call or call attempt.
func (n *Negotiator) Hangup() error {
	n.mu.Lock()
	switch n.state {
	case StateCalling, StateRingingIncoming, StateInCall:
	default:
		n.mu.Unlock()
		return ErrNoCall
	}
	n.gen++
	conn, stream, attached := n.takeCall()
	n.state = StateEnded
	n.mu.Unlock()

	n.teardown(conn, stream, attached)
	n.logger.Info("call hung up")
	n.stateChanged(StateEnded)

	return nil
}

// ToggleAudio flips the audio preference and the live audio track, and
// returns the new preference.
func (n *Negotiator) ToggleAudio() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.audioOn = !n.audioOn
	if n.stream != nil {
		if t := n.stream.Track(KindAudio); t != nil {
			t.SetEnabled(n.audioOn)
		}
	}

	return n.audioOn
}

// ToggleVideo flips the video preference and the live video track. Turning
// video on during a call that has no video track captures one and swaps it
// onto the connection.
func (n *Negotiator) ToggleVideo(ctx context.Context) (bool, error) {
	n.mu.Lock()
	n.videoOn = !n.videoOn
	videoOn := n.videoOn
	stream, conn, gen := n.stream, n.conn, n.gen

	if stream == nil || !videoOn {
		if stream != nil {
			if t := stream.Track(KindVideo); t != nil {
				t.SetEnabled(false)
			}
		}
		n.mu.Unlock()
		return videoOn, nil
	}
	if t := stream.Track(KindVideo); t != nil {
		t.SetEnabled(true)
		n.mu.Unlock()
		return videoOn, nil
	}
	n.mu.Unlock()

	if err := n.addVideo(ctx, gen, stream, conn); err != nil {
		return n.VideoEnabled(), err
	}

	return videoOn, nil
}

// lateVideo captures the video a toggle asked for before the call was bound.
// Failures turn video back off and go to OnError.
func (n *Negotiator) lateVideo(ctx context.Context, gen uint64, stream *Stream, conn Connection) {
	if err := n.addVideo(ctx, gen, stream, conn); err != nil {
		n.logger.Warn("failed to add video to call", "error", err)
		n.reportError(err)
	}
}

// addVideo captures a video track for an audio-only stream and swaps it
// onto conn. A failed capture turns the video preference off.
func (n *Negotiator) addVideo(ctx context.Context, gen uint64, stream *Stream, conn Connection) error {
	tracks, err := n.devices.GetUserMedia(ctx, Constraints{Video: true})
	if err != nil {
		n.videoOff(gen)
		return fmt.Errorf("%w: %w", ErrMediaAcquisition, err)
	}

	var video Track
	for _, t := range tracks {
		if t.Kind() == KindVideo && video == nil {
			video = t
			continue
		}
		t.Stop()
	}
	if video == nil {
		n.videoOff(gen)
		return fmt.Errorf("%w: no video track captured", ErrMediaAcquisition)
	}

	n.mu.Lock()
	if n.gen != gen || n.stream != stream || stream.Track(KindVideo) != nil {
		n.mu.Unlock()
		video.Stop()
		return nil
	}
	video.SetEnabled(n.videoOn)
	stream.AddTrack(video)
	n.mu.Unlock()

	if conn != nil {
		if err := conn.ReplaceTrack(ctx, KindVideo, video); err != nil {
			return fmt.Errorf("failed to replace video track: %w", err)
		}
	}

	return nil
}

func (n *Negotiator) videoOff(gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gen == gen {
		n.videoOn = false
	}
}

func (n *Negotiator) acceptLoop() {
	defer n.wg.Done()

	incoming := n.transport.Incoming()
	for {
		select {
		case inbound, ok := <-incoming:
			if !ok {
				return
			}
			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				n.handleIncoming(inbound)
			}()
		case <-n.closed:
			return
		}
	}
}

func (n *Negotiator) handleIncoming(inbound Inbound) {
	remote := inbound.RemoteAddress()

	gen, err := n.reserve(StateRingingIncoming)
	if err != nil {
		n.logger.Info("rejecting incoming call", "remote_address", remote, "error", err)
		inbound.Reject()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if n.ringTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, n.ringTimeout)
		defer cancel()
	}
	go func() {
		select {
		case <-n.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	if !n.decide(ctx, remote) {
		n.logger.Info("incoming call declined", "remote_address", remote)
		inbound.Reject()
		n.abort(gen, nil)
		return
	}

	stream, err := n.acquireMedia(ctx)
	if err != nil {
		inbound.Reject()
		n.abort(gen, nil)
		n.reportError(err)
		return
	}

	conn, err := inbound.Answer(ctx, stream)
	if err != nil {
		n.abort(gen, stream)
		n.reportError(fmt.Errorf("%w: failed to answer %s: %w", ErrSignaling, remote, err))
		return
	}

	bound, needVideo := n.bind(gen, conn, stream)
	if !bound {
		conn.Close()
		stream.Stop()
		return
	}

	n.logger.Info("incoming call answered", "remote_address", remote)
	n.watch(gen, conn)
	if needVideo {
		n.lateVideo(ctx, gen, stream, conn)
	}
}

func (n *Negotiator) decide(ctx context.Context, remote string) bool {
	result := make(chan bool, 1)
	go func() {
		result <- n.accept(ctx, remote)
	}()

	select {
	case ok := <-result:
		return ok && ctx.Err() == nil
	case <-ctx.Done():
		return false
	}
}

// Close ends any call and closes the transport.
func (n *Negotiator) Close() error {
	n.closeOnce.Do(func() {
		close(n.closed)
	})

	n.mu.Lock()
	n.gen++
	conn, stream, attached := n.takeCall()
	wasActive := n.state != StateUninitialized && n.state != StateEnded
	n.state = StateEnded
	n.mu.Unlock()

	n.teardown(conn, stream, attached)
	err := n.transport.Close()
	n.wg.Wait()

	if wasActive {
		n.stateChanged(StateEnded)
	}
	if err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}

	return nil
}

func (n *Negotiator) stateChanged(state State) {
	if n.hooks.OnStateChange != nil {
		n.hooks.OnStateChange(state)
	}
}

func (n *Negotiator) reportError(err error) {
	if n.hooks.OnError != nil {
		n.hooks.OnError(err)
	}
}
