package inmemory

import (
	"log/slog"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sharetube/cowatch/internal/repository/connection"
	"github.com/sharetube/cowatch/pkg/wsconn"
)

type repo struct {
	conns *xsync.MapOf[string, *wsconn.Conn]
}

func NewRepo() *repo {
	return &repo{
		conns: xsync.NewMapOf[string, *wsconn.Conn](),
	}
}

func (r *repo) Add(conn *wsconn.Conn) error {
	funcName := "connection.inmemory.Add"

	slog.Debug(funcName, "conn_id", conn.ID())
	if _, loaded := r.conns.LoadOrStore(conn.ID(), conn); loaded {
		slog.Info(funcName, "error", connection.ErrAlreadyExists)
		return connection.ErrAlreadyExists
	}

	return nil
}

func (r *repo) Remove(connId string) error {
	funcName := "connection.inmemory.Remove"

	slog.Debug(funcName, "conn_id", connId)
	if _, loaded := r.conns.LoadAndDelete(connId); !loaded {
		slog.Info(funcName, "error", connection.ErrNotFound)
		return connection.ErrNotFound
	}

	return nil
}

func (r *repo) Get(connId string) (*wsconn.Conn, error) {
	conn, ok := r.conns.Load(connId)
	if !ok {
		return nil, connection.ErrNotFound
	}

	return conn, nil
}

func (r *repo) Len() int {
	return r.conns.Size()
}

// CloseAll closes every registered connection.
func (r *repo) CloseAll() {
	r.conns.Range(func(_ string, conn *wsconn.Conn) bool {
		conn.Close()
		return true
	})
}
