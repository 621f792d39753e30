package pionrtc

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/sharetube/cowatch/internal/call"
)

var (
	ErrNoCamera     = errors.New("no camera available")
	ErrForeignTrack = errors.New("track was not created by this package")
)

var (
	opusCapability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Capability  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// Devices hands out sample tracks. Encoded samples are fed to them with
// Track.WriteSample by whatever owns the capture hardware.
type Devices struct {
	mu             sync.Mutex
	streamID       string
	videoAvailable bool
}

func NewDevices(videoAvailable bool) *Devices {
	return &Devices{streamID: uuid.NewString(), videoAvailable: videoAvailable}
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
	videoAvailable := d.videoAvailable
	d.mu.Unlock()

	if constraints.Video && !videoAvailable {
		return nil, ErrNoCamera
	}

	var tracks []call.Track
	if constraints.Audio {
		t, err := newTrack(call.KindAudio, d.streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if constraints.Video {
		t, err := newTrack(call.KindVideo, d.streamID)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}

	return tracks, nil
}

// Track is a local sample track that drops samples while disabled or stopped.
type Track struct {
	kind  call.Kind
	local *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func newTrack(kind call.Kind, streamID string) (*Track, error) {
	capability := opusCapability
	if kind == call.KindVideo {
		capability = vp8Capability
	}

	local, err := webrtc.NewTrackLocalStaticSample(capability, kind.String()+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}

	return &Track{kind: kind, local: local, enabled: true}, nil
}

func (t *Track) ID() string {
	return t.local.ID()
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

func (t *Track) WriteSample(sample media.Sample) error {
	t.mu.Lock()
	live := t.enabled && !t.stopped
	t.mu.Unlock()

	if !live {
		return nil
	}
	return t.local.WriteSample(sample)
}

// Local returns the track handed to the peer connection.
func (t *Track) Local() webrtc.TrackLocal {
	return t.local
}

func localOf(track call.Track) (webrtc.TrackLocal, error) {
	t, ok := track.(*Track)
	if !ok {
		return nil, ErrForeignTrack
	}
	return t.local, nil
}
