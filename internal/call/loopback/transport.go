// Package loopback is an in-process call transport. Endpoints opened on the
// same Exchange can call each other without any network.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sharetube/cowatch/internal/call"
)

var ErrIncomingFull = errors.New("incoming call queue is full")

const incomingBuffer = 8

type Exchange struct {
	mu        sync.Mutex
	endpoints map[string]*Transport
}

func NewExchange() *Exchange {
	return &Exchange{endpoints: make(map[string]*Transport)}
}

func (e *Exchange) NewTransport() *Transport {
	return &Transport{
		exchange: e,
		incoming: make(chan call.Inbound, incomingBuffer),
	}
}

func (e *Exchange) lookup(address string) (*Transport, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.endpoints[address]
	return t, ok
}

type Transport struct {
	exchange *Exchange

	mu       sync.Mutex
	address  string
	incoming chan call.Inbound
	closed   bool
	conns    []*Conn
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

func (t *Transport) Dial(ctx context.Context, address string, local *call.Stream) (call.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	from := t.Address()
	if from == "" {
		return nil, call.ErrNotReady
	}

	target, ok := t.exchange.lookup(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", call.ErrUnknownAddress, address)
	}

	p := newPair()
	caller := newConn(p, local)
	in := &inbound{
		pair:   p,
		caller: caller,
		from:   from,
		target: target,
		stream: local,
	}

	if err := target.deliver(in); err != nil {
		return nil, err
	}
	t.track(caller)

	return caller, nil
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
		return ErrIncomingFull
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

func (t *Transport) Incoming() <-chan call.Inbound {
	return t.incoming
}

// Close unregisters the endpoint and hangs up every call made through it.
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
	for _, c := range conns {
		c.pair.end(nil)
	}

	return nil
}

type inbound struct {
	pair   *pair
	caller *Conn
	from   string
	target *Transport
	stream *call.Stream
}

func (i *inbound) RemoteAddress() string {
	return i.from
}

func (i *inbound) Answer(ctx context.Context, local *call.Stream) (call.Connection, error) {
	if err := ctx.Err(); err != nil {
		i.pair.end(err)
		return nil, err
	}

	select {
	case <-i.pair.done:
		return nil, call.ErrHungUp
	default:
	}

	callee := newConn(i.pair, local)
	i.target.track(callee)

	callee.remote <- call.RemoteStream{ID: i.caller.id, Kinds: i.stream.Kinds()}
	i.caller.remote <- call.RemoteStream{ID: callee.id, Kinds: local.Kinds()}

	return callee, nil
}

func (i *inbound) Reject() {
	i.pair.end(call.ErrRejected)
}

// pair is the state both ends of one call share.
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

// Conn is one end of a loopback call.
type Conn struct {
	id     string
	pair   *pair
	remote chan call.RemoteStream

	mu      sync.Mutex
	senders map[call.Kind]call.Track
}

func newConn(p *pair, local *call.Stream) *Conn {
	c := &Conn{
		id:     uuid.NewString(),
		pair:   p,
		remote: make(chan call.RemoteStream, 1),
		// Both senders exist from the start so video can be added later.
		senders: map[call.Kind]call.Track{
			call.KindAudio: nil,
			call.KindVideo: nil,
		},
	}
	if local != nil {
		for _, track := range local.Tracks() {
			c.senders[track.Kind()] = track
		}
	}

	return c
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

func (c *Conn) ReplaceTrack(ctx context.Context, kind call.Kind, track call.Track) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.pair.done:
		return call.ErrClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.senders[kind]; !ok {
		return fmt.Errorf("%w: %s", call.ErrNoSender, kind)
	}
	c.senders[kind] = track

	return nil
}

// Sender returns the track currently sent for kind.
func (c *Conn) Sender(kind call.Kind) call.Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senders[kind]
}

func (c *Conn) Close() error {
	c.pair.end(nil)
	return nil
}
