// Package protocol defines the messages exchanged over the session event
// channel. Every frame is a JSON envelope; replies echo the request id.
package protocol

import "encoding/json"

// client -> server
const (
	TypeCreateSession  = "CREATE_SESSION"
	TypeJoinSession    = "JOIN_SESSION"
	TypePublishAddress = "PUBLISH_ADDRESS"
	TypeRequestCall    = "REQUEST_CALL"
	TypeAlive          = "ALIVE"
)

// playback commands, both directions
const (
	TypePlay        = "PLAY"
	TypePause       = "PAUSE"
	TypeRewind      = "REWIND"
	TypeFastForward = "FAST_FORWARD"
)

// server -> client
const (
	TypeSessionCreated    = "SESSION_CREATED"
	TypeJoinResult        = "JOIN_RESULT"
	TypeAddressUpdated    = "ADDRESS_UPDATED"
	TypeParticipantJoined = "PARTICIPANT_JOINED"
	TypeSessionClosed     = "SESSION_CLOSED"
	TypeCallRequested     = "CALL_REQUESTED"
	TypeError             = "ERROR"
)

// Error codes carried by ERROR and JOIN_RESULT.
const (
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeBadRequest = "BAD_REQUEST"
	ErrCodeInternal   = "INTERNAL_ERROR"
)

// Output is an outbound frame.
type Output struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Envelope is a frame whose payload has not been decoded yet.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}

	return json.Unmarshal(e.Payload, v)
}

type EmptyInput struct{}

// JoinSessionInput leaves the code format to the registry so a malformed
// code is answered like an unknown one.
type JoinSessionInput struct {
	SessionCode string  `json:"session_code" validate:"required"`
	Address     *string `json:"address,omitempty"`
}

type PlayInput struct {
	SessionCode     string `json:"session_code" validate:"required,len=6,alphanum,uppercase"`
	ResourceLocator string `json:"resource_locator" validate:"required"`
}

// SessionInput is the payload of PAUSE, REWIND and FAST_FORWARD.
type SessionInput struct {
	SessionCode string `json:"session_code" validate:"required,len=6,alphanum,uppercase"`
}

type PublishAddressInput struct {
	SessionCode string `json:"session_code" validate:"required,len=6,alphanum,uppercase"`
	Address     string `json:"address" validate:"required"`
}

type RequestCallInput struct {
	SessionCode   string `json:"session_code" validate:"required,len=6,alphanum,uppercase"`
	CallerAddress string `json:"caller_address" validate:"required"`
}

type SessionCreatedPayload struct {
	SessionCode string `json:"session_code"`
}

type JoinResultPayload struct {
	OK          bool    `json:"ok"`
	PeerAddress *string `json:"peer_address,omitempty"`
	Code        string  `json:"code,omitempty"`
	Error       string  `json:"error,omitempty"`
}

type PlayPayload struct {
	ResourceLocator string `json:"resource_locator"`
}

type AddressUpdatedPayload struct {
	Address string `json:"address"`
}

type ParticipantJoinedPayload struct {
	SessionCode string  `json:"session_code"`
	Address     *string `json:"address,omitempty"`
}

type SessionClosedPayload struct {
	SessionCode string `json:"session_code"`
}

type CallRequestedPayload struct {
	CallerAddress string `json:"caller_address"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
