package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sharetube/cowatch/internal/protocol"
	"github.com/sharetube/cowatch/pkg/wsconn"
)

// Channel is the bidirectional event channel to the session server.
type Channel interface {
	Send(out *protocol.Output) error
	// Recv blocks until a frame arrives. It returns io.EOF once the channel
	// is closed.
	Recv(ctx context.Context) (protocol.Envelope, error)
	Close() error
}

type wsChannel struct {
	conn   *wsconn.Conn
	frames chan protocol.Envelope
	logger *slog.Logger
}

// DialWebsocket connects to the session server at url, e.g.
// ws://localhost:3000/api/v1/ws.
func DialWebsocket(ctx context.Context, url string, header http.Header, cfg wsconn.Config, logger *slog.Logger) (*wsChannel, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	ch := &wsChannel{
		conn:   wsconn.New(ws, cfg),
		frames: make(chan protocol.Envelope, 64),
		logger: logger,
	}
	go ch.conn.WritePump()
	go ch.readLoop()

	return ch, nil
}

func (ch *wsChannel) readLoop() {
	defer close(ch.frames)

	err := ch.conn.ReadPump(context.Background(), func(_ context.Context, data []byte) {
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ch.logger.Warn("dropping malformed frame", "error", err)
			return
		}

		select {
		case ch.frames <- env:
		case <-ch.conn.Done():
		}
	})
	if err != nil {
		ch.logger.Info("event channel closed", "error", err)
	}
}

func (ch *wsChannel) Send(out *protocol.Output) error {
	return ch.conn.Send(out)
}

func (ch *wsChannel) Recv(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env, ok := <-ch.frames:
		if !ok {
			return protocol.Envelope{}, io.EOF
		}
		return env, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (ch *wsChannel) Close() error {
	ch.conn.Close()
	return nil
}
