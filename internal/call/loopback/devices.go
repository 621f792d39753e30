package loopback

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sharetube/cowatch/internal/call"
)

var ErrNoCamera = errors.New("no camera available")

// Devices hands out synthetic tracks and keeps every one it made.
type Devices struct {
	mu             sync.Mutex
	err            error
	videoAvailable bool
	tracks         []*Track
}

type DevicesOption func(*Devices)

// WithFailure makes every capture fail with err.
func WithFailure(err error) DevicesOption {
	return func(d *Devices) {
		d.err = err
	}
}

func WithoutVideo() DevicesOption {
	return func(d *Devices) {
		d.videoAvailable = false
	}
}

func NewDevices(opts ...DevicesOption) *Devices {
	d := &Devices{videoAvailable: true}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Devices) SetVideoAvailable(available bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.videoAvailable = available
}

func (d *Devices) GetUserMedia(ctx context.Context, constraints call.Constraints) ([]call.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}
	if constraints.Video && !d.videoAvailable {
		return nil, ErrNoCamera
	}

	var tracks []call.Track
	if constraints.Audio {
		tracks = append(tracks, d.newTrack(call.KindAudio))
	}
	if constraints.Video {
		tracks = append(tracks, d.newTrack(call.KindVideo))
	}

	return tracks, nil
}

func (d *Devices) newTrack(kind call.Kind) *Track {
	t := &Track{id: uuid.NewString(), kind: kind, enabled: true}
	d.tracks = append(d.tracks, t)
	return t
}

// Tracks returns every track captured so far, oldest first.
func (d *Devices) Tracks() []*Track {
	d.mu.Lock()
	defer d.mu.Unlock()

	tracks := make([]*Track, len(d.tracks))
	copy(tracks, d.tracks)
	return tracks
}

type Track struct {
	id   string
	kind call.Kind

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *Track) ID() string {
	return t.id
}

func (t *Track) Kind() call.Kind {
	return t.kind
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Sink records the remote stream it is showing.
type Sink struct {
	mu       sync.Mutex
	current  *call.RemoteStream
	attached int
	detached int
}

func NewSink() *Sink {
	return &Sink{}
}

func (s *Sink) Attach(stream call.RemoteStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = &stream
	s.attached++
}

func (s *Sink) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil
	s.detached++
}

// Current returns the attached stream, if any.
func (s *Sink) Current() (call.RemoteStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return call.RemoteStream{}, false
	}
	return *s.current, true
}

func (s *Sink) Counts() (attached, detached int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached, s.detached
}
