package registry

import "context"

type EventKind int

const (
	EventSessionCreated EventKind = iota
	EventJoinAccepted
	EventParticipantJoined
	EventAddressUpdated
	EventPlay
	EventPause
	EventRewind
	EventFastForward
	EventCallRequested
	EventSessionClosed
)

func (k EventKind) String() string {
	switch k {
	case EventSessionCreated:
		return "session_created"
	case EventJoinAccepted:
		return "join_accepted"
	case EventParticipantJoined:
		return "participant_joined"
	case EventAddressUpdated:
		return "address_updated"
	case EventPlay:
		return "play"
	case EventPause:
		return "pause"
	case EventRewind:
		return "rewind"
	case EventFastForward:
		return "fast_forward"
	case EventCallRequested:
		return "call_requested"
	case EventSessionClosed:
		return "session_closed"
	default:
		return "unknown"
	}
}

// Event is an outbound notification produced by a registry operation.
// Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind
	// RequestId is set on replies to the connection that issued the request.
	RequestId       string
	SessionCode     string
	ResourceLocator string
	Address         *string
}

// iDispatcher delivers events to connections. Dispatch is called with the
// session lock held and must not block or call back into the registry.
type iDispatcher interface {
	Dispatch(ctx context.Context, connIds []string, event Event)
}
