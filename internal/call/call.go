// Package call negotiates a peer-to-peer audio/video call between two
// participants. The media transport and capture devices are pluggable.
package call

import "context"

type Kind int

const (
	KindAudio Kind = iota
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Track is a local capture track. A disabled track stays attached to the
// call but sends nothing.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

type Constraints struct {
	Audio bool
	Video bool
}

type MediaDevices interface {
	GetUserMedia(ctx context.Context, constraints Constraints) ([]Track, error)
}

// RemoteStream describes the media the remote side sends.
type RemoteStream struct {
	ID    string
	Kinds []Kind
}

type MediaSink interface {
	Attach(stream RemoteStream)
	Detach()
}

// Connection is one established or pending call.
type Connection interface {
	// RemoteStream yields the remote media once it arrives.
	RemoteStream() <-chan RemoteStream
	// Done is closed when the call ends, from either side.
	Done() <-chan struct{}
	// Err reports why the call ended. It is nil after a normal hangup.
	Err() error
	// ReplaceTrack swaps the track sent for kind without renegotiating.
	ReplaceTrack(ctx context.Context, kind Kind, track Track) error
	Close() error
}

// Inbound is a call placed to the local address that has not been answered.
type Inbound interface {
	RemoteAddress() string
	Answer(ctx context.Context, local *Stream) (Connection, error)
	Reject()
}

type Transport interface {
	// Open registers the local endpoint and returns its address.
	Open(ctx context.Context) (string, error)
	Dial(ctx context.Context, address string, local *Stream) (Connection, error)
	// Incoming is closed when the transport is closed.
	Incoming() <-chan Inbound
	Close() error
}
