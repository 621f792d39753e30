package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sharetube/cowatch/internal/call"
)

// consolePlayer prints what a video widget would do and keeps a playback
// clock so seeks have something to work from.
type consolePlayer struct {
	name string
	out  io.Writer

	mu      sync.Mutex
	locator string
	playing bool
	base    time.Duration
	since   time.Time
}

func newConsolePlayer(name string, out io.Writer) *consolePlayer {
	return &consolePlayer{name: name, out: out}
}

func (p *consolePlayer) Play(locator string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if locator != p.locator {
		p.base = 0
	} else {
		p.base = p.position()
	}
	p.locator, p.playing, p.since = locator, true, time.Now()
	fmt.Fprintf(p.out, "[%s] playing %s from %s\n", p.name, locator, p.base)
	return nil
}

func (p *consolePlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.base = p.position()
	p.playing = false
	fmt.Fprintf(p.out, "[%s] paused at %s\n", p.name, p.base.Truncate(time.Millisecond))
	return nil
}

func (p *consolePlayer) CurrentTime() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position()
}

func (p *consolePlayer) SeekTo(position time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.base, p.since = position, time.Now()
	fmt.Fprintf(p.out, "[%s] seeked to %s\n", p.name, position.Truncate(time.Millisecond))
	return nil
}

// position must be called with mu held.
func (p *consolePlayer) position() time.Duration {
	if !p.playing {
		return p.base
	}
	return p.base + time.Since(p.since)
}

type consoleNotifier struct {
	name string
	out  io.Writer
}

func (n consoleNotifier) Notify(message string) {
	fmt.Fprintf(n.out, "[%s] ! %s\n", n.name, message)
}

type consoleSink struct {
	name string
	out  io.Writer
}

func (s consoleSink) Attach(stream call.RemoteStream) {
	fmt.Fprintf(s.out, "[%s] showing remote stream %s %v\n", s.name, stream.ID, stream.Kinds)
}

func (s consoleSink) Detach() {
	fmt.Fprintf(s.out, "[%s] remote stream gone\n", s.name)
}
