package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sharetube/cowatch/internal/call"
	"github.com/sharetube/cowatch/internal/call/loopback"
	"github.com/sharetube/cowatch/internal/client"
	"github.com/sharetube/cowatch/pkg/ctxlogger"
	"github.com/sharetube/cowatch/pkg/wsconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

func testConfig() *AppConfig {
	conn := wsconn.DefaultConfig()
	return &AppConfig{
		Host:           "127.0.0.1",
		Port:           0,
		LogLevel:       "debug",
		AllowedOrigins: []string{"*"},
		WriteWait:      conn.WriteWait,
		PongWait:       conn.PongWait,
		PingPeriod:     conn.PingPeriod,
		MaxMessageSize: conn.MaxMessageSize,
		SendBuffer:     conn.SendBuffer,
		MetricsEnabled: true,
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	cfg := testConfig()
	cfg.LogLevel = "loud"
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.Port = 70000
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.AllowedOrigins = nil
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.PingPeriod = cfg.PongWait
	assert.Error(t, cfg.Validate())
}

func TestNewLoggerAppendsContext(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "info")
	require.NoError(t, err)

	ctx := ctxlogger.AppendCtx(context.Background(), slog.String("request_id", "r1"))
	logger.DebugContext(ctx, "hidden")
	logger.InfoContext(ctx, "shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "shown", record["msg"])
	assert.Equal(t, "r1", record["request_id"])
}

type player struct {
	mu       sync.Mutex
	locator  string
	playing  bool
	position time.Duration
}

func (p *player) Play(locator string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locator, p.playing = locator, true
	return nil
}

func (p *player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	return nil
}

func (p *player) CurrentTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *player) SeekTo(position time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = position
	return nil
}

func (p *player) state() (string, bool, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locator, p.playing, p.position
}

type participant struct {
	client     *client.Client
	negotiator *call.Negotiator
	player     *player
	sink       *loopback.Sink

	mu     sync.Mutex
	closed []string
}

func (p *participant) sessionsClosed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.closed...)
}

func newParticipant(t *testing.T, url string, ex *loopback.Exchange, logger *slog.Logger) *participant {
	t.Helper()

	ch, err := client.DialWebsocket(context.Background(), url, nil, wsconn.DefaultConfig(), logger)
	require.NoError(t, err)

	p := &participant{player: &player{}, sink: loopback.NewSink()}
	p.negotiator = call.New(&call.Config{
		Transport: ex.NewTransport(),
		Devices:   loopback.NewDevices(),
		Sink:      p.sink,
		Logger:    logger,
	})
	p.client = client.New(ch, &client.Config{
		Player: p.player,
		Logger: logger,
		Hooks: client.Hooks{
			OnSessionClosed: func(code string) {
				p.mu.Lock()
				defer p.mu.Unlock()
				p.closed = append(p.closed, code)
			},
			// Requests are fanned out to the caller too.
			OnCallRequested: func(callerAddress string) {
				if callerAddress == p.negotiator.Address() {
					return
				}
				go p.negotiator.PlaceCall(context.Background(), callerAddress)
			},
		},
	})

	go p.client.Run(context.Background())
	t.Cleanup(func() {
		p.negotiator.Close()
		p.client.Close()
	})

	return p
}

func TestWatchPartyWithCall(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewServer(testConfig(), logger)
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.CloseConnections()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	ex := loopback.NewExchange()
	ctx := context.Background()

	host := newParticipant(t, url, ex, logger)
	viewer := newParticipant(t, url, ex, logger)

	code, err := host.client.CreateSession(ctx)
	require.NoError(t, err)
	assert.Len(t, code, 6)
	assert.Equal(t, 1, s.Registry().Len())

	hostAddress, err := host.negotiator.Init(ctx)
	require.NoError(t, err)
	require.NoError(t, host.client.PublishAddress(hostAddress))

	viewerAddress, err := viewer.negotiator.Init(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		session, err := s.Registry().Session(code)
		return err == nil && session.PeerAddress != nil
	}, waitFor, 10*time.Millisecond)

	peerAddress, err := viewer.client.JoinSession(ctx, code, &viewerAddress)
	require.NoError(t, err)
	require.NotNil(t, peerAddress)
	assert.Equal(t, hostAddress, *peerAddress)
	assert.Equal(t, client.RoleViewer, viewer.client.Role())

	// Viewer playback stays local.
	assert.ErrorIs(t, viewer.client.Play("http://x/other.mp4"), client.ErrNotHost)

	require.NoError(t, host.client.Play("http://x/video.mp4"))
	require.Eventually(t, func() bool {
		locator, playing, _ := viewer.player.state()
		return locator == "http://x/video.mp4" && playing
	}, waitFor, 10*time.Millisecond)

	viewer.player.SeekTo(30 * time.Second)
	require.NoError(t, host.client.Rewind())
	require.Eventually(t, func() bool {
		_, _, position := viewer.player.state()
		return position == 20*time.Second
	}, waitFor, 10*time.Millisecond)
	require.NoError(t, host.client.FastForward())
	require.Eventually(t, func() bool {
		_, _, position := viewer.player.state()
		return position == 30*time.Second
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, host.client.Pause())
	require.Eventually(t, func() bool {
		_, playing, _ := viewer.player.state()
		return !playing
	}, waitFor, 10*time.Millisecond)

	// The viewer asks for a call and the host dials back.
	require.NoError(t, viewer.client.RequestCall(viewerAddress))
	require.Eventually(t, func() bool {
		return host.negotiator.State() == call.StateInCall && viewer.negotiator.State() == call.StateInCall
	}, waitFor, 10*time.Millisecond)

	_, ok := viewer.sink.Current()
	assert.True(t, ok)
	assert.True(t, viewer.negotiator.AudioEnabled())
	assert.False(t, viewer.negotiator.VideoEnabled())

	require.NoError(t, viewer.negotiator.Hangup())
	require.Eventually(t, func() bool {
		return host.negotiator.State() == call.StateEnded
	}, waitFor, 10*time.Millisecond)

	// Host leaves: the viewer is told once and the code is gone.
	require.NoError(t, host.client.Close())
	require.Eventually(t, func() bool {
		return len(viewer.sessionsClosed()) == 1
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, []string{code}, viewer.sessionsClosed())
	assert.Equal(t, client.StateIdle, viewer.client.State())
	assert.Equal(t, 0, s.Registry().Len())

	_, err = viewer.client.JoinSession(ctx, code, nil)
	assert.ErrorIs(t, err, client.ErrSessionNotFound)
}
