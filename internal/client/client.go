// Package client is the participant side of a session: it issues session
// requests over the event channel and keeps the local player in line with the
// host's playback commands.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharetube/cowatch/internal/protocol"
)

const DefaultSeekStep = 10 * time.Second

// Player is the local video widget.
type Player interface {
	Play(resourceLocator string) error
	Pause() error
	CurrentTime() time.Duration
	SeekTo(position time.Duration) error
}

// Notifier shows dismissable messages to the user.
type Notifier interface {
	Notify(message string)
}

type State int

const (
	StateIdle State = iota
	StateJoined
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoined:
		return "joined"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type Role int

const (
	RoleNone Role = iota
	RoleHost
	RoleViewer
)

// Hooks are called from the Run goroutine and must not block on client
// requests.
type Hooks struct {
	OnParticipantJoined func(sessionCode string, address *string)
	OnAddressUpdated    func(address string)
	OnCallRequested     func(callerAddress string)
	OnSessionClosed     func(sessionCode string)
}

type Config struct {
	Player   Player
	Notifier Notifier
	Hooks    Hooks
	// SeekStep is the offset applied by rewind and fast forward.
	SeekStep time.Duration
	Logger   *slog.Logger
}

type pendingRequest struct {
	messageType string
	sessionCode string
	reply       chan protocol.Envelope
}

type Client struct {
	ch       Channel
	player   Player
	notifier Notifier
	hooks    Hooks
	seekStep time.Duration
	logger   *slog.Logger

	nextId atomic.Uint64

	mu          sync.Mutex
	state       State
	role        Role
	sessionCode string
	inflight    bool
	pending     map[string]*pendingRequest

	done      chan struct{}
	closeOnce sync.Once
}

func New(ch Channel, cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}

	c := &Client{
		ch:       ch,
		player:   cfg.Player,
		notifier: cfg.Notifier,
		hooks:    cfg.Hooks,
		seekStep: cfg.SeekStep,
		logger:   cfg.Logger,
		pending:  make(map[string]*pendingRequest),
		done:     make(chan struct{}),
	}
	if c.seekStep <= 0 {
		c.seekStep = DefaultSeekStep
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	return c
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Client) SessionCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionCode
}

// Run consumes inbound frames until the channel closes, ctx is done or Close
// is called. Every state transition happens here.
func (c *Client) Run(ctx context.Context) error {
	defer c.terminate()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		env, err := c.ch.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to receive: %w", err)
		}

		c.handle(ctx, env)
	}
}

// Close terminates the client and its channel.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.terminate()

	return c.ch.Close()
}

func (c *Client) terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateTerminated
	c.role = RoleNone
	for id, p := range c.pending {
		close(p.reply)
		delete(c.pending, id)
	}
}

// CreateSession creates a session hosted by this client and returns its code.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	env, err := c.request(ctx, protocol.TypeCreateSession, "", nil)
	if err != nil {
		return "", err
	}

	var payload protocol.SessionCreatedPayload
	if err := env.Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode reply: %w", err)
	}

	return payload.SessionCode, nil
}

// JoinSession joins an existing session as a viewer and returns the host's
// call address, which is nil while the host has not published one.
func (c *Client) JoinSession(ctx context.Context, sessionCode string, address *string) (*string, error) {
	env, err := c.request(ctx, protocol.TypeJoinSession, sessionCode, protocol.JoinSessionInput{
		SessionCode: sessionCode,
		Address:     address,
	})
	if err != nil {
		return nil, err
	}

	var payload protocol.JoinResultPayload
	if err := env.Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	if !payload.OK {
		return nil, ErrSessionNotFound
	}

	return payload.PeerAddress, nil
}

func (c *Client) request(ctx context.Context, messageType, sessionCode string, payload any) (protocol.Envelope, error) {
	id := strconv.FormatUint(c.nextId.Add(1), 10)
	p := &pendingRequest{
		messageType: messageType,
		sessionCode: sessionCode,
		reply:       make(chan protocol.Envelope, 1),
	}

	c.mu.Lock()
	switch {
	case c.state == StateTerminated:
		c.mu.Unlock()
		return protocol.Envelope{}, ErrClosed
	case c.state != StateIdle || c.inflight:
		c.mu.Unlock()
		return protocol.Envelope{}, ErrNotIdle
	}
	c.inflight = true
	c.pending[id] = p
	c.mu.Unlock()

	if err := c.ch.Send(&protocol.Output{Type: messageType, ID: id, Payload: payload}); err != nil {
		c.mu.Lock()
		c.inflight = false
		delete(c.pending, id)
		c.mu.Unlock()
		return protocol.Envelope{}, fmt.Errorf("failed to send %s: %w", messageType, err)
	}

	select {
	case env, ok := <-p.reply:
		if !ok {
			return protocol.Envelope{}, ErrClosed
		}
		if env.Type == protocol.TypeError {
			var e protocol.ErrorPayload
			_ = env.Decode(&e)
			return protocol.Envelope{}, fmt.Errorf("%w: %s: %s", ErrRequestFailed, e.Code, e.Message)
		}
		return env, nil
	case <-ctx.Done():
		// The request stays pending: the server may still act on it, and its
		// reply has to move the client along with the server.
		return protocol.Envelope{}, ctx.Err()
	}
}

func (c *Client) Play(resourceLocator string) error {
	return c.sendHostCommand(protocol.TypePlay, func(code string) any {
		return protocol.PlayInput{SessionCode: code, ResourceLocator: resourceLocator}
	})
}

func (c *Client) Pause() error {
	return c.sendHostCommand(protocol.TypePause, sessionInput)
}

func (c *Client) Rewind() error {
	return c.sendHostCommand(protocol.TypeRewind, sessionInput)
}

func (c *Client) FastForward() error {
	return c.sendHostCommand(protocol.TypeFastForward, sessionInput)
}

func sessionInput(code string) any {
	return protocol.SessionInput{SessionCode: code}
}

// sendHostCommand emits a playback command. Viewers never emit anything.
func (c *Client) sendHostCommand(messageType string, payload func(code string) any) error {
	c.mu.Lock()
	if c.state != StateJoined || c.role != RoleHost {
		c.mu.Unlock()
		return ErrNotHost
	}
	code := c.sessionCode
	c.mu.Unlock()

	if err := c.ch.Send(&protocol.Output{Type: messageType, Payload: payload(code)}); err != nil {
		return fmt.Errorf("failed to send %s: %w", messageType, err)
	}

	return nil
}

// PublishAddress announces the local call address to the session. The server
// only accepts it from the host.
func (c *Client) PublishAddress(address string) error {
	return c.sendJoined(protocol.TypePublishAddress, func(code string) any {
		return protocol.PublishAddressInput{SessionCode: code, Address: address}
	})
}

// RequestCall asks every member of the session to call callerAddress.
func (c *Client) RequestCall(callerAddress string) error {
	return c.sendJoined(protocol.TypeRequestCall, func(code string) any {
		return protocol.RequestCallInput{SessionCode: code, CallerAddress: callerAddress}
	})
}

func (c *Client) sendJoined(messageType string, payload func(code string) any) error {
	c.mu.Lock()
	if c.state != StateJoined {
		c.mu.Unlock()
		return ErrNotJoined
	}
	code := c.sessionCode
	c.mu.Unlock()

	if err := c.ch.Send(&protocol.Output{Type: messageType, Payload: payload(code)}); err != nil {
		return fmt.Errorf("failed to send %s: %w", messageType, err)
	}

	return nil
}

func (c *Client) handle(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeSessionCreated, protocol.TypeJoinResult, protocol.TypeError:
		c.handleReply(ctx, env)
	case protocol.TypePlay:
		var payload protocol.PlayPayload
		if !c.decode(ctx, env, &payload) {
			return
		}
		c.applyPlayback(ctx, env.Type, func(p Player) error {
			return p.Play(payload.ResourceLocator)
		})
	case protocol.TypePause:
		c.applyPlayback(ctx, env.Type, Player.Pause)
	case protocol.TypeRewind:
		c.applyPlayback(ctx, env.Type, func(p Player) error {
			return p.SeekTo(max(p.CurrentTime()-c.seekStep, 0))
		})
	case protocol.TypeFastForward:
		c.applyPlayback(ctx, env.Type, func(p Player) error {
			return p.SeekTo(p.CurrentTime() + c.seekStep)
		})
	case protocol.TypeParticipantJoined:
		var payload protocol.ParticipantJoinedPayload
		if c.decode(ctx, env, &payload) && c.hooks.OnParticipantJoined != nil {
			c.hooks.OnParticipantJoined(payload.SessionCode, payload.Address)
		}
	case protocol.TypeAddressUpdated:
		var payload protocol.AddressUpdatedPayload
		if c.decode(ctx, env, &payload) && c.hooks.OnAddressUpdated != nil {
			c.hooks.OnAddressUpdated(payload.Address)
		}
	case protocol.TypeCallRequested:
		var payload protocol.CallRequestedPayload
		if c.decode(ctx, env, &payload) && c.hooks.OnCallRequested != nil {
			c.hooks.OnCallRequested(payload.CallerAddress)
		}
	case protocol.TypeSessionClosed:
		var payload protocol.SessionClosedPayload
		if c.decode(ctx, env, &payload) {
			c.handleSessionClosed(payload.SessionCode)
		}
	default:
		c.logger.DebugContext(ctx, "ignoring frame", "type", env.Type)
	}
}

func (c *Client) decode(ctx context.Context, env protocol.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		c.logger.WarnContext(ctx, "failed to decode frame", "type", env.Type, "error", err)
		return false
	}

	return true
}

// handleReply applies the transition a reply implies before waking the
// requester, so the new state is visible when the request returns.
func (c *Client) handleReply(ctx context.Context, env protocol.Envelope) {
	c.mu.Lock()
	p, ok := c.pending[env.ID]
	if !ok {
		c.mu.Unlock()
		if env.Type == protocol.TypeError {
			var e protocol.ErrorPayload
			_ = env.Decode(&e)
			c.logger.WarnContext(ctx, "server reported an error", "code", e.Code, "message", e.Message)
		}
		return
	}
	delete(c.pending, env.ID)
	c.inflight = false

	var notFound bool
	switch env.Type {
	case protocol.TypeSessionCreated:
		var payload protocol.SessionCreatedPayload
		if err := env.Decode(&payload); err == nil {
			c.state, c.role, c.sessionCode = StateJoined, RoleHost, payload.SessionCode
		}
	case protocol.TypeJoinResult:
		var payload protocol.JoinResultPayload
		if err := env.Decode(&payload); err == nil {
			if payload.OK {
				c.state, c.role, c.sessionCode = StateJoined, RoleViewer, p.sessionCode
			} else {
				notFound = true
			}
		}
	}
	c.mu.Unlock()

	if notFound {
		c.notify(fmt.Sprintf("session %s not found", p.sessionCode))
	}
	p.reply <- env
}

func (c *Client) applyPlayback(ctx context.Context, messageType string, apply func(Player) error) {
	if c.State() != StateJoined || c.player == nil {
		return
	}

	if err := apply(c.player); err != nil {
		c.logger.WarnContext(ctx, "player failed", "command", messageType, "error", err)
	}
}

func (c *Client) handleSessionClosed(sessionCode string) {
	c.mu.Lock()
	if c.state != StateJoined || c.sessionCode != sessionCode {
		c.mu.Unlock()
		return
	}
	c.state, c.role, c.sessionCode = StateIdle, RoleNone, ""
	c.mu.Unlock()

	c.notify("the host closed the session")
	if c.hooks.OnSessionClosed != nil {
		c.hooks.OnSessionClosed(sessionCode)
	}
}

func (c *Client) notify(message string) {
	if c.notifier != nil {
		c.notifier.Notify(message)
	}
}
