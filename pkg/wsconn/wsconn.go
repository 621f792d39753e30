// Package wsconn wraps a gorilla websocket connection with a buffered,
// non-blocking outbound queue served by a single writer goroutine.
package wsconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrClosed          = errors.New("connection closed")
	ErrSendBufferFull  = errors.New("send buffer full")
	errInvalidInterval = errors.New("ping period must be shorter than pong wait")
)

type Config struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
	}
}

func (cfg Config) Validate() error {
	if cfg.WriteWait <= 0 || cfg.PongWait <= 0 || cfg.PingPeriod <= 0 {
		return fmt.Errorf("websocket timings must be positive")
	}
	if cfg.PingPeriod >= cfg.PongWait {
		return errInvalidInterval
	}
	if cfg.MaxMessageSize < 1 {
		return fmt.Errorf("max message size must be greater than 0")
	}
	if cfg.SendBuffer < 1 {
		return fmt.Errorf("send buffer must be greater than 0")
	}

	return nil
}

type Conn struct {
	id   string
	ws   *websocket.Conn
	cfg  Config
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func New(ws *websocket.Conn, cfg Config) *Conn {
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}

	return &Conn{
		id:   uuid.NewString(),
		ws:   ws,
		cfg:  cfg,
		send: make(chan []byte, cfg.SendBuffer),
		done: make(chan struct{}),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send queues v for writing as a JSON text frame. It never blocks: when the
// queue is full the connection is closed and ErrSendBufferFull returned.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.Close()
		return ErrSendBufferFull
	}
}

// Close stops the writer. The underlying socket is closed by WritePump after
// flushing what is already queued.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// ReadPump reads frames until the socket fails or ctx is done, calling handle
// for every text frame in arrival order. A normal close returns nil.
func (c *Conn) ReadPump(ctx context.Context, handle func(ctx context.Context, data []byte)) error {
	defer c.Close()

	if c.cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	}
	if c.cfg.PongWait > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		})
	}

	stop := context.AfterFunc(ctx, func() {
		c.ws.Close()
	})
	defer stop()

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			select {
			case <-c.done:
				return nil
			default:
			}

			return fmt.Errorf("failed to read message: %w", err)
		}

		if msgType != websocket.TextMessage {
			continue
		}

		handle(ctx, data)
	}
}

// WritePump owns every write to the socket. It returns after Close, once the
// queued frames have been flushed and the socket closed.
func (c *Conn) WritePump() {
	var ticker *time.Ticker
	var tick <-chan time.Time
	if c.cfg.PingPeriod > 0 {
		ticker = time.NewTicker(c.cfg.PingPeriod)
		tick = ticker.C
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}

		case <-tick:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.flush()
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	if c.cfg.WriteWait > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	}

	return c.ws.WriteMessage(messageType, data)
}
