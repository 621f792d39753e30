package client

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sharetube/cowatch/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	out       chan *protocol.Output
	in        chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		out:  make(chan *protocol.Output, 16),
		in:   make(chan protocol.Envelope, 16),
		done: make(chan struct{}),
	}
}

func (ch *fakeChannel) Send(out *protocol.Output) error {
	ch.out <- out
	return nil
}

func (ch *fakeChannel) Recv(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-ch.in:
		return env, nil
	case <-ch.done:
		return protocol.Envelope{}, io.EOF
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (ch *fakeChannel) Close() error {
	ch.closeOnce.Do(func() { close(ch.done) })
	return nil
}

func (ch *fakeChannel) push(t *testing.T, messageType, id string, payload any) {
	t.Helper()

	env := protocol.Envelope{Type: messageType, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		env.Payload = data
	}
	ch.in <- env
}

func (ch *fakeChannel) next(t *testing.T) *protocol.Output {
	t.Helper()

	select {
	case out := <-ch.out:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an outbound frame")
		return nil
	}
}

func (ch *fakeChannel) assertSilent(t *testing.T) {
	t.Helper()

	select {
	case out := <-ch.out:
		t.Fatalf("unexpected frame %s", out.Type)
	default:
	}
}

type fakePlayer struct {
	mu       sync.Mutex
	locator  string
	playing  bool
	position time.Duration
}

func (p *fakePlayer) Play(locator string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locator, p.playing = locator, true
	return nil
}

func (p *fakePlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
	return nil
}

func (p *fakePlayer) CurrentTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

func (p *fakePlayer) SeekTo(position time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = position
	return nil
}

func (p *fakePlayer) snapshot() (string, bool, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locator, p.playing, p.position
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *fakeNotifier) Notify(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

type harness struct {
	ch       *fakeChannel
	client   *Client
	player   *fakePlayer
	notifier *fakeNotifier
}

func newHarness(t *testing.T, hooks Hooks) *harness {
	t.Helper()

	h := &harness{
		ch:       newFakeChannel(),
		player:   &fakePlayer{},
		notifier: &fakeNotifier{},
	}
	h.client = New(h.ch, &Config{Player: h.player, Notifier: h.notifier, Hooks: hooks})

	runErr := make(chan error, 1)
	go func() { runErr <- h.client.Run(context.Background()) }()
	t.Cleanup(func() {
		h.client.Close()
		<-runErr
	})

	return h
}

func (h *harness) createSession(t *testing.T, code string) {
	t.Helper()

	result := make(chan string, 1)
	go func() {
		got, err := h.client.CreateSession(context.Background())
		assert.NoError(t, err)
		result <- got
	}()

	out := h.ch.next(t)
	require.Equal(t, protocol.TypeCreateSession, out.Type)
	h.ch.push(t, protocol.TypeSessionCreated, out.ID, protocol.SessionCreatedPayload{SessionCode: code})
	require.Equal(t, code, <-result)
}

func (h *harness) joinSession(t *testing.T, code string, reply protocol.JoinResultPayload) (*string, error) {
	t.Helper()

	type joinResult struct {
		addr *string
		err  error
	}
	result := make(chan joinResult, 1)
	go func() {
		addr, err := h.client.JoinSession(context.Background(), code, nil)
		result <- joinResult{addr, err}
	}()

	out := h.ch.next(t)
	require.Equal(t, protocol.TypeJoinSession, out.Type)
	h.ch.push(t, protocol.TypeJoinResult, out.ID, reply)

	r := <-result
	return r.addr, r.err
}

func TestCreateSessionMakesHost(t *testing.T) {
	h := newHarness(t, Hooks{})

	h.createSession(t, "AB12C3")
	assert.Equal(t, StateJoined, h.client.State())
	assert.Equal(t, RoleHost, h.client.Role())
	assert.Equal(t, "AB12C3", h.client.SessionCode())

	_, err := h.client.CreateSession(context.Background())
	assert.ErrorIs(t, err, ErrNotIdle)

	require.NoError(t, h.client.Play("http://x/video.mp4"))
	out := h.ch.next(t)
	assert.Equal(t, protocol.TypePlay, out.Type)
	assert.Equal(t, protocol.PlayInput{SessionCode: "AB12C3", ResourceLocator: "http://x/video.mp4"}, out.Payload)

	for _, cmd := range []func() error{h.client.Pause, h.client.Rewind, h.client.FastForward} {
		require.NoError(t, cmd())
		assert.Equal(t, protocol.SessionInput{SessionCode: "AB12C3"}, h.ch.next(t).Payload)
	}
}

func TestJoinUnknownSessionStaysIdle(t *testing.T) {
	h := newHarness(t, Hooks{})

	_, err := h.joinSession(t, "ZZZZZZ", protocol.JoinResultPayload{OK: false, Code: protocol.ErrCodeNotFound})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, StateIdle, h.client.State())
	assert.Equal(t, 1, h.notifier.count())
}

func TestViewerCommandsAreInert(t *testing.T) {
	h := newHarness(t, Hooks{})

	addr, err := h.joinSession(t, "AB12C3", protocol.JoinResultPayload{OK: true, PeerAddress: stringPtr("peer-42")})
	require.NoError(t, err)
	require.NotNil(t, addr)
	assert.Equal(t, "peer-42", *addr)
	assert.Equal(t, RoleViewer, h.client.Role())

	assert.ErrorIs(t, h.client.Play("http://x/video.mp4"), ErrNotHost)
	assert.ErrorIs(t, h.client.Pause(), ErrNotHost)
	assert.ErrorIs(t, h.client.Rewind(), ErrNotHost)
	assert.ErrorIs(t, h.client.FastForward(), ErrNotHost)
	h.ch.assertSilent(t)

	require.NoError(t, h.client.RequestCall("viewer-addr"))
	assert.Equal(t, protocol.RequestCallInput{SessionCode: "AB12C3", CallerAddress: "viewer-addr"}, h.ch.next(t).Payload)
}

func TestIdleCommands(t *testing.T) {
	h := newHarness(t, Hooks{})

	assert.ErrorIs(t, h.client.Play("http://x/video.mp4"), ErrNotHost)
	assert.ErrorIs(t, h.client.PublishAddress("a"), ErrNotJoined)
	assert.ErrorIs(t, h.client.RequestCall("a"), ErrNotJoined)
	h.ch.assertSilent(t)
}

func TestInboundPlaybackDrivesPlayer(t *testing.T) {
	h := newHarness(t, Hooks{})
	_, err := h.joinSession(t, "AB12C3", protocol.JoinResultPayload{OK: true})
	require.NoError(t, err)

	h.ch.push(t, protocol.TypePlay, "", protocol.PlayPayload{ResourceLocator: "http://x/video.mp4"})
	require.Eventually(t, func() bool {
		locator, playing, _ := h.player.snapshot()
		return playing && locator == "http://x/video.mp4"
	}, 5*time.Second, 5*time.Millisecond)

	h.ch.push(t, protocol.TypePause, "", nil)
	require.Eventually(t, func() bool {
		_, playing, _ := h.player.snapshot()
		return !playing
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, h.player.SeekTo(30*time.Second))
	h.ch.push(t, protocol.TypeRewind, "", nil)
	require.Eventually(t, func() bool {
		_, _, pos := h.player.snapshot()
		return pos == 20*time.Second
	}, 5*time.Second, 5*time.Millisecond)

	h.ch.push(t, protocol.TypeFastForward, "", nil)
	require.Eventually(t, func() bool {
		_, _, pos := h.player.snapshot()
		return pos == 30*time.Second
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRewindClampsAtZero(t *testing.T) {
	h := newHarness(t, Hooks{})
	_, err := h.joinSession(t, "AB12C3", protocol.JoinResultPayload{OK: true})
	require.NoError(t, err)

	require.NoError(t, h.player.SeekTo(4*time.Second))
	h.ch.push(t, protocol.TypeRewind, "", nil)
	require.Eventually(t, func() bool {
		_, _, pos := h.player.snapshot()
		return pos == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSessionClosedReturnsToIdle(t *testing.T) {
	closed := make(chan string, 1)
	h := newHarness(t, Hooks{OnSessionClosed: func(code string) { closed <- code }})

	_, err := h.joinSession(t, "AB12C3", protocol.JoinResultPayload{OK: true})
	require.NoError(t, err)

	// a close for some other session is ignored
	h.ch.push(t, protocol.TypeSessionClosed, "", protocol.SessionClosedPayload{SessionCode: "OTHER0"})
	h.ch.push(t, protocol.TypeSessionClosed, "", protocol.SessionClosedPayload{SessionCode: "AB12C3"})

	select {
	case code := <-closed:
		assert.Equal(t, "AB12C3", code)
	case <-time.After(5 * time.Second):
		t.Fatal("session closed hook not called")
	}
	assert.Equal(t, StateIdle, h.client.State())
	assert.Equal(t, 1, h.notifier.count())
}

func TestSignalingHooks(t *testing.T) {
	joined := make(chan *string, 1)
	updated := make(chan string, 1)
	requested := make(chan string, 1)
	h := newHarness(t, Hooks{
		OnParticipantJoined: func(_ string, address *string) { joined <- address },
		OnAddressUpdated:    func(address string) { updated <- address },
		OnCallRequested:     func(address string) { requested <- address },
	})
	h.createSession(t, "AB12C3")

	require.NoError(t, h.client.PublishAddress("peer-42"))
	assert.Equal(t, protocol.PublishAddressInput{SessionCode: "AB12C3", Address: "peer-42"}, h.ch.next(t).Payload)

	h.ch.push(t, protocol.TypeParticipantJoined, "", protocol.ParticipantJoinedPayload{SessionCode: "AB12C3", Address: stringPtr("v")})
	h.ch.push(t, protocol.TypeAddressUpdated, "", protocol.AddressUpdatedPayload{Address: "peer-42"})
	h.ch.push(t, protocol.TypeCallRequested, "", protocol.CallRequestedPayload{CallerAddress: "v"})

	assert.Equal(t, "v", *<-joined)
	assert.Equal(t, "peer-42", <-updated)
	assert.Equal(t, "v", <-requested)
}

func TestErrorReplyFailsRequest(t *testing.T) {
	h := newHarness(t, Hooks{})

	result := make(chan error, 1)
	go func() {
		_, err := h.client.JoinSession(context.Background(), "abc", nil)
		result <- err
	}()

	out := h.ch.next(t)
	h.ch.push(t, protocol.TypeError, out.ID, protocol.ErrorPayload{Code: protocol.ErrCodeBadRequest, Message: "bad"})
	assert.ErrorIs(t, <-result, ErrRequestFailed)
	assert.Equal(t, StateIdle, h.client.State())
}

func TestCloseTerminates(t *testing.T) {
	h := newHarness(t, Hooks{})

	result := make(chan error, 1)
	go func() {
		_, err := h.client.CreateSession(context.Background())
		result <- err
	}()
	h.ch.next(t)

	require.NoError(t, h.client.Close())
	assert.ErrorIs(t, <-result, ErrClosed)
	assert.Equal(t, StateTerminated, h.client.State())

	_, err := h.client.CreateSession(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func stringPtr(s string) *string {
	return &s
}

func TestLateCreateReplyStillApplies(t *testing.T) {
	h := newHarness(t, Hooks{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.client.CreateSession(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	out := h.ch.next(t)
	require.Equal(t, protocol.TypeCreateSession, out.Type)

	// The server may still create the first session, so no second one.
	_, err = h.client.CreateSession(context.Background())
	assert.ErrorIs(t, err, ErrNotIdle)
	h.ch.assertSilent(t)

	h.ch.push(t, protocol.TypeSessionCreated, out.ID, protocol.SessionCreatedPayload{SessionCode: "AB12C3"})
	require.Eventually(t, func() bool {
		return h.client.State() == StateJoined
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, RoleHost, h.client.Role())
	assert.Equal(t, "AB12C3", h.client.SessionCode())
}

func TestLateJoinReplyStillApplies(t *testing.T) {
	h := newHarness(t, Hooks{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.client.JoinSession(ctx, "AB12C3", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	out := h.ch.next(t)
	require.Equal(t, protocol.TypeJoinSession, out.Type)

	h.ch.push(t, protocol.TypeJoinResult, out.ID, protocol.JoinResultPayload{OK: true})
	require.Eventually(t, func() bool {
		return h.client.State() == StateJoined
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, RoleViewer, h.client.Role())

	h.player.Play("http://x/video.mp4")
	h.ch.push(t, protocol.TypePause, "", nil)
	require.Eventually(t, func() bool {
		_, playing, _ := h.player.snapshot()
		return !playing
	}, time.Second, 5*time.Millisecond)
}
