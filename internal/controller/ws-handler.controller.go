package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/sharetube/cowatch/internal/protocol"
	"github.com/sharetube/cowatch/internal/registry"
	"github.com/sharetube/cowatch/pkg/wsconn"
	"github.com/sharetube/cowatch/pkg/wsrouter"
)

func (c controller) handleAlive(_ context.Context, _ *wsconn.Conn, _ protocol.EmptyInput) error {
	return nil
}

func (c controller) handleCreateSession(ctx context.Context, conn *wsconn.Conn, _ protocol.EmptyInput) error {
	if _, err := c.registry.CreateSession(ctx, &registry.CreateSessionParams{
		ConnId:    conn.ID(),
		RequestId: wsrouter.GetMessageIdFromCtx(ctx),
	}); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

func (c controller) handleJoinSession(ctx context.Context, conn *wsconn.Conn, input protocol.JoinSessionInput) error {
	_, err := c.registry.JoinSession(ctx, &registry.JoinSessionParams{
		ConnId:      conn.ID(),
		RequestId:   wsrouter.GetMessageIdFromCtx(ctx),
		SessionCode: input.SessionCode,
		Address:     input.Address,
	})
	if errors.Is(err, registry.ErrSessionNotFound) {
		c.metrics.MessageFailed(protocol.ErrCodeNotFound)
		if err := conn.Send(&protocol.Output{
			Type: protocol.TypeJoinResult,
			ID:   wsrouter.GetMessageIdFromCtx(ctx),
			Payload: protocol.JoinResultPayload{
				OK:    false,
				Code:  protocol.ErrCodeNotFound,
				Error: registry.ErrSessionNotFound.Error(),
			},
		}); err != nil {
			return fmt.Errorf("failed to write join result: %w", err)
		}

		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to join session: %w", err)
	}

	return nil
}

func (c controller) handlePlay(ctx context.Context, conn *wsconn.Conn, input protocol.PlayInput) error {
	if err := c.registry.RelayPlaybackCommand(ctx, &registry.RelayPlaybackCommandParams{
		Command:         registry.PlaybackPlay,
		SenderId:        conn.ID(),
		SessionCode:     input.SessionCode,
		ResourceLocator: input.ResourceLocator,
	}); err != nil {
		return fmt.Errorf("failed to relay play: %w", err)
	}

	return nil
}

// relayPlayback handles the playback commands that carry nothing but the
// session code.
func (c controller) relayPlayback(command registry.PlaybackCommand) wsrouter.HandlerFunc[protocol.SessionInput] {
	return func(ctx context.Context, conn *wsconn.Conn, input protocol.SessionInput) error {
		if err := c.registry.RelayPlaybackCommand(ctx, &registry.RelayPlaybackCommandParams{
			Command:     command,
			SenderId:    conn.ID(),
			SessionCode: input.SessionCode,
		}); err != nil {
			return fmt.Errorf("failed to relay %s: %w", wsrouter.GetMessageTypeFromCtx(ctx), err)
		}

		return nil
	}
}

func (c controller) handlePublishAddress(ctx context.Context, conn *wsconn.Conn, input protocol.PublishAddressInput) error {
	if err := c.registry.SetHostAddress(ctx, &registry.SetHostAddressParams{
		SenderId:    conn.ID(),
		SessionCode: input.SessionCode,
		Address:     input.Address,
	}); err != nil {
		return fmt.Errorf("failed to set host address: %w", err)
	}

	return nil
}

func (c controller) handleRequestCall(ctx context.Context, conn *wsconn.Conn, input protocol.RequestCallInput) error {
	if err := c.registry.RequestCall(ctx, &registry.RequestCallParams{
		SenderId:      conn.ID(),
		SessionCode:   input.SessionCode,
		CallerAddress: input.CallerAddress,
	}); err != nil {
		return fmt.Errorf("failed to request call: %w", err)
	}

	return nil
}
