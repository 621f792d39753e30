package wsrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sharetube/cowatch/pkg/wsconn"
)

var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unknown message type")
)

type message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type HandlerFunc[T any] func(ctx context.Context, conn *wsconn.Conn, input T) error

type Middleware func(next HandlerFunc[any]) HandlerFunc[any]

type ErrorHandler func(ctx context.Context, conn *wsconn.Conn, err error)

type route func(ctx context.Context, conn *wsconn.Conn, payload json.RawMessage) error

type WSRouter struct {
	routes       map[string]route
	middlewares  []Middleware
	errorHandler ErrorHandler
}

func New() *WSRouter {
	return &WSRouter{
		routes: make(map[string]route),
		errorHandler: func(ctx context.Context, _ *wsconn.Conn, err error) {
			slog.WarnContext(ctx, "websocket message failed", "error", err)
		},
	}
}

// Use appends middlewares. They wrap every handler, including the ones
// registered before the call.
func (r *WSRouter) Use(mws ...Middleware) {
	r.middlewares = append(r.middlewares, mws...)
}

func (r *WSRouter) OnError(h ErrorHandler) {
	r.errorHandler = h
}

// Handle registers h for messageType. The payload is decoded into T before the
// middleware chain runs; an absent payload yields the zero T.
func Handle[T any](r *WSRouter, messageType string, h HandlerFunc[T]) {
	final := func(ctx context.Context, conn *wsconn.Conn, input any) error {
		return h(ctx, conn, input.(T))
	}

	r.routes[messageType] = func(ctx context.Context, conn *wsconn.Conn, payload json.RawMessage) error {
		var input T
		if len(payload) != 0 && string(payload) != "null" {
			if err := json.Unmarshal(payload, &input); err != nil {
				return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
			}
		}

		next := HandlerFunc[any](final)
		for i := len(r.middlewares) - 1; i >= 0; i-- {
			next = r.middlewares[i](next)
		}

		return next(ctx, conn, input)
	}
}

// ServeConn reads messages from conn until it is closed and dispatches them
// one at a time in arrival order.
func (r *WSRouter) ServeConn(ctx context.Context, conn *wsconn.Conn) error {
	return conn.ReadPump(ctx, func(ctx context.Context, data []byte) {
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			r.errorHandler(ctx, conn, fmt.Errorf("%w: %w", ErrMalformedMessage, err))
			return
		}

		ctx = context.WithValue(ctx, messageTypeKey, msg.Type)
		ctx = context.WithValue(ctx, messageIdKey, msg.ID)

		handler, exists := r.routes[msg.Type]
		if !exists {
			r.errorHandler(ctx, conn, fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type))
			return
		}

		if err := handler(ctx, conn, msg.Payload); err != nil {
			r.errorHandler(ctx, conn, err)
		}
	})
}
