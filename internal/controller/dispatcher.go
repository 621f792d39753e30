package controller

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sharetube/cowatch/internal/protocol"
	"github.com/sharetube/cowatch/internal/registry"
	"github.com/sharetube/cowatch/pkg/wsconn"
)

// dispatcher turns registry events into frames and queues them on the
// recipients' connections.
type dispatcher struct {
	connRepo iConnectionRepo
	metrics  iMetrics
	logger   *slog.Logger
}

func NewDispatcher(connRepo iConnectionRepo, metrics iMetrics, logger *slog.Logger) *dispatcher {
	return &dispatcher{
		connRepo: connRepo,
		metrics:  metrics,
		logger:   logger,
	}
}

func (d *dispatcher) Dispatch(ctx context.Context, connIds []string, event registry.Event) {
	output := eventToOutput(event)

	for _, connId := range connIds {
		conn, err := d.connRepo.Get(connId)
		if err != nil {
			d.logger.DebugContext(ctx, "recipient is gone", "conn_id", connId, "event", event.Kind.String())
			continue
		}

		if err := conn.Send(output); err != nil {
			if errors.Is(err, wsconn.ErrSendBufferFull) {
				d.metrics.SendBufferOverrun()
			}
			d.logger.WarnContext(ctx, "failed to queue event", "conn_id", connId, "event", event.Kind.String(), "error", err)
		}
	}
}

func eventToOutput(event registry.Event) *protocol.Output {
	output := &protocol.Output{ID: event.RequestId}

	switch event.Kind {
	case registry.EventSessionCreated:
		output.Type = protocol.TypeSessionCreated
		output.Payload = protocol.SessionCreatedPayload{SessionCode: event.SessionCode}
	case registry.EventJoinAccepted:
		output.Type = protocol.TypeJoinResult
		output.Payload = protocol.JoinResultPayload{OK: true, PeerAddress: event.Address}
	case registry.EventParticipantJoined:
		output.Type = protocol.TypeParticipantJoined
		output.Payload = protocol.ParticipantJoinedPayload{SessionCode: event.SessionCode, Address: event.Address}
	case registry.EventAddressUpdated:
		output.Type = protocol.TypeAddressUpdated
		output.Payload = protocol.AddressUpdatedPayload{Address: deref(event.Address)}
	case registry.EventPlay:
		output.Type = protocol.TypePlay
		output.Payload = protocol.PlayPayload{ResourceLocator: event.ResourceLocator}
	case registry.EventPause:
		output.Type = protocol.TypePause
	case registry.EventRewind:
		output.Type = protocol.TypeRewind
	case registry.EventFastForward:
		output.Type = protocol.TypeFastForward
	case registry.EventCallRequested:
		output.Type = protocol.TypeCallRequested
		output.Payload = protocol.CallRequestedPayload{CallerAddress: deref(event.Address)}
	case registry.EventSessionClosed:
		output.Type = protocol.TypeSessionClosed
		output.Payload = protocol.SessionClosedPayload{SessionCode: event.SessionCode}
	}

	return output
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
