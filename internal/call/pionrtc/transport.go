// Package pionrtc carries calls over WebRTC peer connections. Offers and
// answers travel through an in-process Exchange with full ICE gathering, so
// no trickle signaling is needed.
package pionrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/sharetube/cowatch/internal/call"
)

var ErrPeerFailed = errors.New("peer connection failed")

const incomingBuffer = 8

type Exchange struct {
	mu        sync.Mutex
	endpoints map[string]*Transport
}

func NewExchange() *Exchange {
	return &Exchange{endpoints: make(map[string]*Transport)}
}

func (e *Exchange) lookup(address string) (*Transport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.endpoints[address]
	return t, ok
}

type Config struct {
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

type Transport struct {
	exchange *Exchange
	api      *webrtc.API
	rtcCfg   webrtc.Configuration
	logger   *slog.Logger

	mu       sync.Mutex
	address  string
	incoming chan call.Inbound
	closed   bool
	conns    []*Conn
}

func NewTransport(exchange *Exchange, cfg Config) (*Transport, error) {
	api, err := newAPI()
	if err != nil {
		return nil, fmt.Errorf("failed to create webrtc api: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Transport{
		exchange: exchange,
		api:      api,
		rtcCfg:   webrtc.Configuration{ICEServers: cfg.ICEServers},
		logger:   logger,
		incoming: make(chan call.Inbound, incomingBuffer),
	}, nil
}

func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)), nil
}

func (t *Transport) Open(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", call.ErrClosed
	}
	if t.address != "" {
		return t.address, nil
	}

	t.address = uuid.NewString()
	t.exchange.mu.Lock()
	t.exchange.endpoints[t.address] = t
	t.exchange.mu.Unlock()

	return t.address, nil
}

func (t *Transport) Address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.address
}

func (t *Transport) Incoming() <-chan call.Inbound {
	return t.incoming
}

func (t *Transport) Dial(ctx context.Context, address string, local *call.Stream) (call.Connection, error) {
	from := t.Address()
	if from == "" {
		return nil, call.ErrNotReady
	}

	target, ok := t.exchange.lookup(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", call.ErrUnknownAddress, address)
	}

	conn, err := t.newConn(newPair())
	if err != nil {
		return nil, err
	}
	if err := conn.addTracks(local); err != nil {
		conn.Close()
		return nil, err
	}

	offer, err := conn.pc.CreateOffer(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := conn.setLocal(ctx, offer); err != nil {
		conn.Close()
		return nil, err
	}

	in := &inbound{
		from:   from,
		target: target,
		pair:   conn.pair,
		offer:  *conn.pc.LocalDescription(),
		answer: make(chan webrtc.SessionDescription, 1),
	}
	if err := target.deliver(in); err != nil {
		conn.Close()
		return nil, err
	}
	t.track(conn)

	go conn.awaitAnswer(in.answer)

	return conn, nil
}

func (t *Transport) deliver(in *inbound) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("%w: %s", call.ErrUnknownAddress, t.address)
	}
	select {
	case t.incoming <- in:
		return nil
	default:
		return call.ErrBusy
	}
}

func (t *Transport) track(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		c.pair.end(call.ErrClosed)
		return
	}
	t.conns = append(t.conns, c)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = nil
	close(t.incoming)
	address := t.address
	t.mu.Unlock()

	if address != "" {
		t.exchange.mu.Lock()
		delete(t.exchange.endpoints, address)
		t.exchange.mu.Unlock()
	}

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

type inbound struct {
	from   string
	target *Transport
	pair   *pair
	offer  webrtc.SessionDescription
	answer chan webrtc.SessionDescription
}

func (i *inbound) RemoteAddress() string {
	return i.from
}

func (i *inbound) Answer(ctx context.Context, local *call.Stream) (call.Connection, error) {
	select {
	case <-i.pair.done:
		return nil, call.ErrHungUp
	default:
	}

	conn, err := i.target.newConn(i.pair)
	if err != nil {
		i.pair.end(err)
		return nil, err
	}

	// Tracks are added after the offer so they bind to its transceivers.
	if err := conn.pc.SetRemoteDescription(i.offer); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set offer: %w", err)
	}
	if err := conn.addTracks(local); err != nil {
		conn.Close()
		return nil, err
	}

	answer, err := conn.pc.CreateAnswer(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := conn.setLocal(ctx, answer); err != nil {
		conn.Close()
		return nil, err
	}

	i.target.track(conn)
	i.answer <- *conn.pc.LocalDescription()

	return conn, nil
}

func (i *inbound) Reject() {
	i.pair.end(call.ErrRejected)
}

type pair struct {
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
}

func newPair() *pair {
	return &pair{done: make(chan struct{})}
}

func (p *pair) end(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *pair) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Conn is one side of a WebRTC call.
type Conn struct {
	pc     *webrtc.PeerConnection
	pair   *pair
	logger *slog.Logger
	remote chan call.RemoteStream

	remoteOnce sync.Once
	closeOnce  sync.Once

	mu      sync.Mutex
	senders map[call.Kind]*webrtc.RTPSender
}

func (t *Transport) newConn(p *pair) (*Conn, error) {
	pc, err := t.api.NewPeerConnection(t.rtcCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &Conn{
		pc:      pc,
		pair:    p,
		logger:  t.logger,
		remote:  make(chan call.RemoteStream, 1),
		senders: make(map[call.Kind]*webrtc.RTPSender),
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			c.announceRemote()
		case webrtc.PeerConnectionStateFailed:
			c.pair.end(ErrPeerFailed)
		case webrtc.PeerConnectionStateClosed:
			c.pair.end(nil)
		}
	})

	go func() {
		<-p.done
		c.closePC()
	}()

	return c, nil
}

// addTracks sends every local track and a silent placeholder for each
// missing kind, so both kinds always have a sender to replace later.
func (c *Conn) addTracks(local *call.Stream) error {
	var tracks []call.Track
	if local != nil {
		tracks = local.Tracks()
	}

	for _, kind := range []call.Kind{call.KindAudio, call.KindVideo} {
		var track call.Track
		for _, t := range tracks {
			if t.Kind() == kind {
				track = t
				break
			}
		}
		if track == nil {
			placeholder, err := newTrack(kind, "placeholder")
			if err != nil {
				return err
			}
			placeholder.SetEnabled(false)
			track = placeholder
		}

		tl, err := localOf(track)
		if err != nil {
			return err
		}
		sender, err := c.pc.AddTrack(tl)
		if err != nil {
			return fmt.Errorf("failed to add %s track: %w", kind, err)
		}
		go drainRTCP(sender)

		c.mu.Lock()
		c.senders[kind] = sender
		c.mu.Unlock()
	}

	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Conn) setLocal(ctx context.Context, desc webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) awaitAnswer(answers <-chan webrtc.SessionDescription) {
	select {
	case answer := <-answers:
		if err := c.pc.SetRemoteDescription(answer); err != nil {
			c.logger.Warn("failed to set answer", "error", err)
			c.pair.end(fmt.Errorf("failed to set answer: %w", err))
		}
	case <-c.pair.done:
	}
}

func (c *Conn) announceRemote() {
	c.remoteOnce.Do(func() {
		c.remote <- call.RemoteStream{
			ID:    uuid.NewString(),
			Kinds: remoteKinds(c.pc.RemoteDescription()),
		}
	})
}

// remoteKinds lists the media kinds the remote description sends.
func remoteKinds(desc *webrtc.SessionDescription) []call.Kind {
	if desc == nil {
		return nil
	}
	parsed, err := desc.Unmarshal()
	if err != nil {
		return nil
	}

	var kinds []call.Kind
	for _, md := range parsed.MediaDescriptions {
		var kind call.Kind
		switch md.MediaName.Media {
		case "audio":
			kind = call.KindAudio
		case "video":
			kind = call.KindVideo
		default:
			continue
		}
		if _, ok := md.Attribute("recvonly"); ok {
			continue
		}
		if _, ok := md.Attribute("inactive"); ok {
			continue
		}
		kinds = append(kinds, kind)
	}

	return kinds
}

func (c *Conn) RemoteStream() <-chan call.RemoteStream {
	return c.remote
}

func (c *Conn) Done() <-chan struct{} {
	return c.pair.done
}

func (c *Conn) Err() error {
	return c.pair.Err()
}

func (c *Conn) ReplaceTrack(_ context.Context, kind call.Kind, track call.Track) error {
	c.mu.Lock()
	sender, ok := c.senders[kind]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", call.ErrNoSender, kind)
	}

	tl, err := localOf(track)
	if err != nil {
		return err
	}
	if err := sender.ReplaceTrack(tl); err != nil {
		return fmt.Errorf("failed to replace %s track: %w", kind, err)
	}

	return nil
}

func (c *Conn) Close() error {
	c.pair.end(nil)
	return c.closePC()
}

func (c *Conn) closePC() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.pc.Close()
	})
	return err
}
