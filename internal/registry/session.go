package registry

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

type member struct {
	address *string
}

type session struct {
	mu          sync.Mutex
	code        string
	host        string
	peerAddress *string
	members     map[string]*member
	createdAt   time.Time
	// closed is set once the record has been removed from the registry so
	// that operations holding a stale pointer fail as not found.
	closed bool
}

func newSession(code, hostId string) *session {
	return &session{
		code: code,
		host: hostId,
		members: map[string]*member{
			hostId: {},
		},
		createdAt: time.Now(),
	}
}

func (s *session) memberIds() []string {
	return maps.Keys(s.members)
}

func (s *session) memberIdsExcept(connId string) []string {
	ids := make([]string, 0, len(s.members))
	for id := range s.members {
		if id != connId {
			ids = append(ids, id)
		}
	}

	return ids
}

// Session is a read-only snapshot of a session record.
type Session struct {
	Code        string
	Host        string
	PeerAddress *string
	Members     []string
	CreatedAt   time.Time
}

func (s *session) snapshot() Session {
	return Session{
		Code:        s.code,
		Host:        s.host,
		PeerAddress: copyString(s.peerAddress),
		Members:     s.memberIds(),
		CreatedAt:   s.createdAt,
	}
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}

	v := *s
	return &v
}
