package wsrouter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sharetube/cowatch/pkg/wsconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type greetInput struct {
	Name string `json:"name"`
}

type recorder struct {
	mu    sync.Mutex
	lines []string
	errs  []error
	done  chan struct{}
	want  int
}

func (r *recorder) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines)+len(r.errs) == r.want {
		close(r.done)
	}
}

func (r *recorder) addErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	if len(r.lines)+len(r.errs) == r.want {
		close(r.done)
	}
}

func serve(t *testing.T, router *WSRouter) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := wsconn.New(ws, wsconn.DefaultConfig())
		go conn.WritePump()
		_ = router.ServeConn(context.Background(), conn)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client
}

func TestRoutingMiddlewareAndErrors(t *testing.T) {
	rec := &recorder{done: make(chan struct{}), want: 4}

	router := New()
	router.Use(func(next HandlerFunc[any]) HandlerFunc[any] {
		return func(ctx context.Context, conn *wsconn.Conn, input any) error {
			rec.add("mw:" + GetMessageTypeFromCtx(ctx) + ":" + GetMessageIdFromCtx(ctx))
			return next(ctx, conn, input)
		}
	})
	router.OnError(func(_ context.Context, _ *wsconn.Conn, err error) {
		rec.addErr(err)
	})
	Handle(router, "GREET", func(_ context.Context, _ *wsconn.Conn, input greetInput) error {
		rec.add("greet:" + input.Name)
		return nil
	})

	client := serve(t, router)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"GREET","id":"1","payload":{"name":"bob"}}`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"NOPE"}`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for messages")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"mw:GREET:1", "greet:bob"}, rec.lines)
	require.Len(t, rec.errs, 2)
	assert.ErrorIs(t, rec.errs[0], ErrUnknownMessageType)
	assert.ErrorIs(t, rec.errs[1], ErrMalformedMessage)
}

func TestAbsentPayloadDecodesToZeroValue(t *testing.T) {
	rec := &recorder{done: make(chan struct{}), want: 2}

	router := New()
	router.OnError(func(_ context.Context, _ *wsconn.Conn, err error) {
		rec.addErr(err)
	})
	Handle(router, "GREET", func(_ context.Context, _ *wsconn.Conn, input greetInput) error {
		rec.add("greet:" + input.Name)
		return nil
	})

	client := serve(t, router)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"GREET"}`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"GREET","payload":{"name":1}}`)))

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for messages")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"greet:"}, rec.lines)
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrMalformedMessage)
}
