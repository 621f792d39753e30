package registry

import (
	"context"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

type PlaybackCommand int

const (
	PlaybackPlay PlaybackCommand = iota
	PlaybackPause
	PlaybackRewind
	PlaybackFastForward
)

func (c PlaybackCommand) event() (EventKind, bool) {
	switch c {
	case PlaybackPlay:
		return EventPlay, true
	case PlaybackPause:
		return EventPause, true
	case PlaybackRewind:
		return EventRewind, true
	case PlaybackFastForward:
		return EventFastForward, true
	default:
		return 0, false
	}
}

type RelayPlaybackCommandParams struct {
	Command     PlaybackCommand
	SenderId    string
	SessionCode string
	// ResourceLocator is only used by PlaybackPlay.
	ResourceLocator string
}

// RelayPlaybackCommand broadcasts a playback command from the host to every
// member of the session, the host included. Rewind and fast forward carry no
// offset: receivers apply a fixed one.
func (r *Registry) RelayPlaybackCommand(ctx context.Context, params *RelayPlaybackCommandParams) error {
	s, err := r.lockHostSession(params.SessionCode, params.SenderId)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	kind, ok := params.Command.event()
	if !ok {
		return invalidInput(fmt.Errorf("unknown playback command %d", params.Command))
	}

	event := Event{
		Kind:        kind,
		SessionCode: s.code,
	}
	if params.Command == PlaybackPlay {
		if err := validation.ValidateStructWithContext(ctx, params,
			validation.Field(&params.ResourceLocator, ResourceLocatorRule...),
		); err != nil {
			return invalidInput(err)
		}
		event.ResourceLocator = params.ResourceLocator
	}

	r.dispatcher.Dispatch(ctx, s.memberIds(), event)

	return nil
}
