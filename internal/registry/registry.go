// Package registry owns every live session: who hosts it, who is in it and
// the host's call endpoint address. It authorizes host-only commands and
// produces the events that keep session members in sync.
package registry

import (
	"context"
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sharetube/cowatch/pkg/randstr"
)

const defaultCodeAttempts = 16

type iGenerator interface {
	GenerateRandomString(length int) string
}

type Registry struct {
	sessions     *xsync.MapOf[string, *session]
	dispatcher   iDispatcher
	generator    iGenerator
	codeAttempts int
	logger       *slog.Logger
}

type Config struct {
	// Generator overrides the session code generator.
	Generator iGenerator
	// CodeAttempts bounds the number of codes tried before giving up.
	CodeAttempts int
	Logger       *slog.Logger
}

func New(dispatcher iDispatcher, cfg *Config) *Registry {
	if cfg == nil {
		cfg = &Config{}
	}

	r := &Registry{
		sessions:     xsync.NewMapOf[string, *session](),
		dispatcher:   dispatcher,
		generator:    cfg.Generator,
		codeAttempts: cfg.CodeAttempts,
		logger:       cfg.Logger,
	}
	if r.generator == nil {
		r.generator = randstr.New([]byte(SessionCodeAlphabet))
	}
	if r.codeAttempts < 1 {
		r.codeAttempts = defaultCodeAttempts
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}

	return r
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.sessions.Size()
}

func (r *Registry) Session(code string) (Session, error) {
	s, ok := r.sessions.Load(code)
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Session{}, ErrSessionNotFound
	}

	return s.snapshot(), nil
}

type CreateSessionParams struct {
	ConnId    string
	RequestId string
}

type CreateSessionResponse struct {
	SessionCode string
}

func (r *Registry) CreateSession(ctx context.Context, params *CreateSessionParams) (CreateSessionResponse, error) {
	for range r.codeAttempts {
		code := r.generator.GenerateRandomString(SessionCodeLength)
		s := newSession(code, params.ConnId)

		// lock before publishing so nobody observes the record ahead of the reply
		s.mu.Lock()
		if _, loaded := r.sessions.LoadOrStore(code, s); loaded {
			s.mu.Unlock()
			continue
		}

		r.dispatcher.Dispatch(ctx, []string{params.ConnId}, Event{
			Kind:        EventSessionCreated,
			RequestId:   params.RequestId,
			SessionCode: code,
		})
		s.mu.Unlock()

		r.logger.InfoContext(ctx, "session created", "session_code", code, "host_id", params.ConnId)
		return CreateSessionResponse{SessionCode: code}, nil
	}

	return CreateSessionResponse{}, ErrCodeSpaceExhausted
}

type JoinSessionParams struct {
	ConnId      string
	RequestId   string
	SessionCode string
	// Address is the joiner's call endpoint address, when already known.
	Address *string
}

type JoinSessionResponse struct {
	PeerAddress *string
}

func (r *Registry) JoinSession(ctx context.Context, params *JoinSessionParams) (JoinSessionResponse, error) {
	if err := validation.Validate(params.SessionCode, SessionCodeRule...); err != nil {
		return JoinSessionResponse{}, ErrSessionNotFound
	}

	s, ok := r.sessions.Load(params.SessionCode)
	if !ok {
		return JoinSessionResponse{}, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return JoinSessionResponse{}, ErrSessionNotFound
	}

	m, ok := s.members[params.ConnId]
	if !ok {
		m = &member{}
		s.members[params.ConnId] = m
	}
	if params.Address != nil {
		m.address = copyString(params.Address)
	}

	peerAddress := copyString(s.peerAddress)
	r.dispatcher.Dispatch(ctx, []string{params.ConnId}, Event{
		Kind:        EventJoinAccepted,
		RequestId:   params.RequestId,
		SessionCode: s.code,
		Address:     peerAddress,
	})
	r.dispatcher.Dispatch(ctx, s.memberIds(), Event{
		Kind:        EventParticipantJoined,
		SessionCode: s.code,
		Address:     copyString(m.address),
	})

	r.logger.InfoContext(ctx, "participant joined", "session_code", s.code, "conn_id", params.ConnId)
	return JoinSessionResponse{PeerAddress: peerAddress}, nil
}

type DisconnectParams struct {
	ConnId string
}

type DisconnectResponse struct {
	ClosedSessions []string
}

// Disconnect removes every session hosted by the connection and notifies the
// remaining members. Memberships in other sessions are dropped silently.
func (r *Registry) Disconnect(ctx context.Context, params *DisconnectParams) (DisconnectResponse, error) {
	var closed []string
	r.sessions.Range(func(code string, s *session) bool {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.closed {
			return true
		}

		if s.host != params.ConnId {
			delete(s.members, params.ConnId)
			return true
		}

		s.closed = true
		r.sessions.Delete(code)
		r.dispatcher.Dispatch(ctx, s.memberIdsExcept(params.ConnId), Event{
			Kind:        EventSessionClosed,
			SessionCode: code,
		})
		closed = append(closed, code)

		r.logger.InfoContext(ctx, "session closed", "session_code", code, "host_id", params.ConnId)
		return true
	})

	return DisconnectResponse{ClosedSessions: closed}, nil
}

// lockHostSession returns the session locked when connId hosts it. Unknown
// sessions are reported as ErrPermissionDenied so that non-hosts cannot tell
// them apart from sessions they do not own.
func (r *Registry) lockHostSession(code, connId string) (*session, error) {
	s, ok := r.sessions.Load(code)
	if !ok {
		return nil, ErrPermissionDenied
	}

	s.mu.Lock()
	if s.closed || s.host != connId {
		s.mu.Unlock()
		return nil, ErrPermissionDenied
	}

	return s, nil
}

func invalidInput(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidInput, err)
}
