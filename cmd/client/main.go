package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/sharetube/cowatch/internal/app"
	"github.com/sharetube/cowatch/internal/call"
	"github.com/sharetube/cowatch/internal/call/loopback"
	"github.com/sharetube/cowatch/internal/call/pionrtc"
	"github.com/sharetube/cowatch/internal/client"
	"github.com/sharetube/cowatch/pkg/wsconn"
)

const usage = `commands (prefix with a participant name when there is more than one):
  create                 start a session and host it
  join CODE              join a session
  play URL | pause | rewind | ff
  call                   ask the session for a call
  hangup | audio | video
  status | help | quit
`

type options struct {
	server       string
	participants []string
	logLevel     string
	seekStep     time.Duration
	ringTimeout  time.Duration
	transport    string
}

func parseOptions() options {
	var o options
	pflag.StringVar(&o.server, "server", "ws://localhost:3000/api/v1/ws", "Session server websocket url")
	pflag.StringSliceVar(&o.participants, "participants", []string{"me"}, "Participants run by this process; they share call endpoints")
	pflag.StringVar(&o.logLevel, "log-level", "WARN", "Logging level")
	pflag.DurationVar(&o.seekStep, "seek-step", client.DefaultSeekStep, "Rewind and fast forward offset")
	pflag.DurationVar(&o.ringTimeout, "ring-timeout", 0, "Give up on unanswered calls after this long, 0 waits forever")
	pflag.StringVar(&o.transport, "transport", "loopback", "Call transport: loopback or webrtc")
	pflag.Parse()

	return o
}

type participant struct {
	name       string
	client     *client.Client
	negotiator *call.Negotiator
	out        io.Writer
}

type transportFactory func() (call.Transport, call.MediaDevices, error)

func newTransportFactory(kind string, logger *slog.Logger) (transportFactory, error) {
	switch kind {
	case "loopback":
		ex := loopback.NewExchange()
		return func() (call.Transport, call.MediaDevices, error) {
			return ex.NewTransport(), loopback.NewDevices(), nil
		}, nil
	case "webrtc":
		ex := pionrtc.NewExchange()
		cfg := pionrtc.DefaultConfig()
		cfg.Logger = logger
		return func() (call.Transport, call.MediaDevices, error) {
			t, err := pionrtc.NewTransport(ex, cfg)
			if err != nil {
				return nil, nil, err
			}
			return t, pionrtc.NewDevices(true), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

func newParticipant(ctx context.Context, name string, o options, newTransport transportFactory, logger *slog.Logger, out io.Writer) (*participant, error) {
	transport, devices, err := newTransport()
	if err != nil {
		return nil, fmt.Errorf("failed to create call transport: %w", err)
	}

	ch, err := client.DialWebsocket(ctx, o.server, nil, wsconn.DefaultConfig(), logger.With("participant", name))
	if err != nil {
		transport.Close()
		return nil, err
	}

	p := &participant{name: name, out: out}
	p.negotiator = call.New(&call.Config{
		Transport:   transport,
		Devices:     devices,
		Sink:        consoleSink{name: name, out: out},
		RingTimeout: o.ringTimeout,
		Logger:      logger.With("participant", name),
		Hooks: call.Hooks{
			OnStateChange: func(state call.State) {
				fmt.Fprintf(out, "[%s] call %s\n", name, state)
			},
			OnError: func(err error) {
				fmt.Fprintf(out, "[%s] call error: %v\n", name, err)
			},
		},
	})
	p.client = client.New(ch, &client.Config{
		Player:   newConsolePlayer(name, out),
		Notifier: consoleNotifier{name: name, out: out},
		SeekStep: o.seekStep,
		Logger:   logger.With("participant", name),
		Hooks: client.Hooks{
			OnParticipantJoined: func(code string, address *string) {
				fmt.Fprintf(out, "[%s] someone joined %s\n", name, code)
			},
			OnAddressUpdated: func(address string) {
				fmt.Fprintf(out, "[%s] host call address is %s\n", name, address)
			},
			OnCallRequested: func(callerAddress string) {
				if callerAddress == p.negotiator.Address() {
					return
				}
				go func() {
					if err := p.negotiator.PlaceCall(context.Background(), callerAddress); err != nil && !errors.Is(err, call.ErrBusy) {
						fmt.Fprintf(out, "[%s] call failed: %v\n", name, err)
					}
				}()
			},
			OnSessionClosed: func(code string) {
				fmt.Fprintf(out, "[%s] session %s closed\n", name, code)
			},
		},
	})

	if _, err := p.negotiator.Init(ctx); err != nil {
		p.close()
		return nil, err
	}

	return p, nil
}

func (p *participant) close() {
	p.negotiator.Close()
	p.client.Close()
}

func (p *participant) exec(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "create":
		code, err := p.client.CreateSession(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(p.out, "[%s] hosting session %s\n", p.name, code)
		return p.client.PublishAddress(p.negotiator.Address())
	case "join":
		if len(args) != 1 {
			return errors.New("usage: join CODE")
		}
		address := p.negotiator.Address()
		peer, err := p.client.JoinSession(ctx, strings.ToUpper(args[0]), &address)
		if err != nil {
			return err
		}
		if peer != nil {
			fmt.Fprintf(p.out, "[%s] joined, host call address is %s\n", p.name, *peer)
		} else {
			fmt.Fprintf(p.out, "[%s] joined\n", p.name)
		}
		return nil
	case "play":
		if len(args) != 1 {
			return errors.New("usage: play URL")
		}
		return p.client.Play(args[0])
	case "pause":
		return p.client.Pause()
	case "rewind":
		return p.client.Rewind()
	case "ff":
		return p.client.FastForward()
	case "call":
		return p.client.RequestCall(p.negotiator.Address())
	case "hangup":
		return p.negotiator.Hangup()
	case "audio":
		fmt.Fprintf(p.out, "[%s] audio on: %t\n", p.name, p.negotiator.ToggleAudio())
		return nil
	case "video":
		on, err := p.negotiator.ToggleVideo(ctx)
		fmt.Fprintf(p.out, "[%s] video on: %t\n", p.name, on)
		return err
	case "status":
		fmt.Fprintf(p.out, "[%s] session %q state %s, call %s, address %s\n",
			p.name, p.client.SessionCode(), p.client.State(), p.negotiator.State(), p.negotiator.Address())
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func run(ctx context.Context, o options) error {
	logger, err := app.NewLogger(os.Stderr, o.logLevel)
	if err != nil {
		return err
	}

	newTransport, err := newTransportFactory(o.transport, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := os.Stdout
	g, gCtx := errgroup.WithContext(ctx)

	participants := make(map[string]*participant, len(o.participants))
	for _, name := range o.participants {
		p, err := newParticipant(ctx, name, o, newTransport, logger, out)
		if err != nil {
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		defer p.close()
		participants[name] = p
		g.Go(func() error {
			return p.client.Run(gCtx)
		})
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprint(out, usage)

	g.Go(func() error {
		defer stop()
		for {
			var line string
			select {
			case <-gCtx.Done():
				return nil
			case l, ok := <-lines:
				if !ok {
					return nil
				}
				line = l
			}

			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}

			target := participants[o.participants[0]]
			if p, ok := participants[fields[0]]; ok {
				target = p
				fields = fields[1:]
			} else if len(participants) > 1 {
				fmt.Fprintln(out, "which participant?", o.participants)
				continue
			}
			if len(fields) == 0 {
				continue
			}

			switch fields[0] {
			case "quit", "exit":
				return nil
			case "help":
				fmt.Fprint(out, usage)
				continue
			}

			cmdCtx, cancel := context.WithTimeout(gCtx, 10*time.Second)
			if err := target.exec(cmdCtx, fields[0], fields[1:]); err != nil {
				fmt.Fprintf(out, "[%s] error: %v\n", target.name, err)
			}
			cancel()
		}
	})

	return g.Wait()
}

func main() {
	if err := run(context.Background(), parseOptions()); err != nil {
		log.Fatal(err)
	}
}
