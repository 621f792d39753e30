package controller

import (
	"context"
	"errors"

	"github.com/sharetube/cowatch/internal/protocol"
	"github.com/sharetube/cowatch/internal/registry"
	"github.com/sharetube/cowatch/pkg/wsconn"
	"github.com/sharetube/cowatch/pkg/wsrouter"
)

func (c controller) getWSRouter() *wsrouter.WSRouter {
	mux := wsrouter.New()
	mux.Use(c.wsRequestIdWSMw(), c.loggerWSMw(), c.validationWSMw())
	mux.OnError(c.handleWSError)

	wsrouter.Handle(mux, protocol.TypeAlive, c.handleAlive)

	// session
	wsrouter.Handle(mux, protocol.TypeCreateSession, c.handleCreateSession)
	wsrouter.Handle(mux, protocol.TypeJoinSession, c.handleJoinSession)

	// playback
	wsrouter.Handle(mux, protocol.TypePlay, c.handlePlay)
	wsrouter.Handle(mux, protocol.TypePause, c.relayPlayback(registry.PlaybackPause))
	wsrouter.Handle(mux, protocol.TypeRewind, c.relayPlayback(registry.PlaybackRewind))
	wsrouter.Handle(mux, protocol.TypeFastForward, c.relayPlayback(registry.PlaybackFastForward))

	// call signaling
	wsrouter.Handle(mux, protocol.TypePublishAddress, c.handlePublishAddress)
	wsrouter.Handle(mux, protocol.TypeRequestCall, c.handleRequestCall)

	return mux
}

// handleWSError reports a failed message to its sender. Unauthorized messages
// are dropped without a reply.
func (c controller) handleWSError(ctx context.Context, conn *wsconn.Conn, err error) {
	messageType := wsrouter.GetMessageTypeFromCtx(ctx)

	var code, message string
	switch {
	case errors.Is(err, registry.ErrPermissionDenied):
		c.metrics.UnauthorizedDropped(messageType)
		c.logger.DebugContext(ctx, "dropped unauthorized message", "message_type", messageType)
		return
	case errors.Is(err, registry.ErrSessionNotFound):
		code, message = protocol.ErrCodeNotFound, registry.ErrSessionNotFound.Error()
	case errors.Is(err, ErrValidationError),
		errors.Is(err, registry.ErrInvalidInput),
		errors.Is(err, wsrouter.ErrMalformedMessage),
		errors.Is(err, wsrouter.ErrUnknownMessageType):
		code, message = protocol.ErrCodeBadRequest, err.Error()
	default:
		c.logger.ErrorContext(ctx, "failed to handle websocket message", "message_type", messageType, "error", err)
		code, message = protocol.ErrCodeInternal, "internal error"
	}

	c.logger.InfoContext(ctx, "websocket message rejected", "message_type", messageType, "code", code, "error", err)
	c.metrics.MessageFailed(code)

	if err := conn.Send(&protocol.Output{
		Type: protocol.TypeError,
		ID:   wsrouter.GetMessageIdFromCtx(ctx),
		Payload: protocol.ErrorPayload{
			Code:    code,
			Message: message,
		},
	}); err != nil {
		c.logger.WarnContext(ctx, "failed to write error", "error", err)
	}
}
