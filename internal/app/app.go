package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sharetube/cowatch/internal/controller"
	"github.com/sharetube/cowatch/internal/metrics"
	"github.com/sharetube/cowatch/internal/registry"
	"github.com/sharetube/cowatch/internal/repository/connection/inmemory"
	"github.com/sharetube/cowatch/pkg/ctxlogger"
	"github.com/sharetube/cowatch/pkg/wsconn"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

type AppConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	LogLevel       string        `json:"log_level"`
	AllowedOrigins []string      `json:"allowed_origins"`
	WriteWait      time.Duration `json:"write_wait"`
	PongWait       time.Duration `json:"pong_wait"`
	PingPeriod     time.Duration `json:"ping_period"`
	MaxMessageSize int64         `json:"max_message_size"`
	SendBuffer     int           `json:"send_buffer"`
	MetricsEnabled bool          `json:"metrics_enabled"`
}

func (cfg *AppConfig) connConfig() wsconn.Config {
	return wsconn.Config{
		WriteWait:      cfg.WriteWait,
		PongWait:       cfg.PongWait,
		PingPeriod:     cfg.PingPeriod,
		MaxMessageSize: cfg.MaxMessageSize,
		SendBuffer:     cfg.SendBuffer,
	}
}

func (cfg *AppConfig) Validate() error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535")
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return err
	}
	if len(cfg.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin is required")
	}
	if err := cfg.connConfig().Validate(); err != nil {
		return fmt.Errorf("invalid websocket config: %w", err)
	}

	return nil
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return l, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

// NewLogger returns a JSON logger that also writes the attributes stored in
// the context by ctxlogger.AppendCtx.
func NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	l, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     l,
			AddSource: true,
		}),
	}

	return slog.New(&h), nil
}

// Server is the wired session server.
type Server struct {
	handler  http.Handler
	registry *registry.Registry
	connRepo interface{ CloseAll() }
	logger   *slog.Logger
}

func NewServer(cfg *AppConfig, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	connRepo := inmemory.NewRepo()

	var reg *registry.Registry
	m := metrics.New(func() int { return reg.Len() })
	reg = registry.New(controller.NewDispatcher(connRepo, m, logger), &registry.Config{Logger: logger})

	ctrlCfg := controller.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		Conn:           cfg.connConfig(),
	}
	if cfg.MetricsEnabled {
		ctrlCfg.MetricsHandler = m.Handler()
	}
	ctrl := controller.NewController(reg, connRepo, m, logger, ctrlCfg)

	return &Server{
		handler:  ctrl.GetMux(),
		registry: reg,
		connRepo: connRepo,
		logger:   logger,
	}, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// CloseConnections closes every open websocket. http.Server.Shutdown does
// not track hijacked connections.
func (s *Server) CloseConnections() {
	s.connRepo.CloseAll()
}

func Run(ctx context.Context, cfg *AppConfig) error {
	logger, err := NewLogger(os.Stdout, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	s, err := NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.InfoContext(gCtx, "starting server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		s.CloseConnections()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}
