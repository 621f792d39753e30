package controller

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sharetube/cowatch/internal/registry"
	"github.com/sharetube/cowatch/pkg/validator"
	"github.com/sharetube/cowatch/pkg/wsconn"
	"github.com/sharetube/cowatch/pkg/wsrouter"
)

type iRegistry interface {
	CreateSession(context.Context, *registry.CreateSessionParams) (registry.CreateSessionResponse, error)
	JoinSession(context.Context, *registry.JoinSessionParams) (registry.JoinSessionResponse, error)
	SetHostAddress(context.Context, *registry.SetHostAddressParams) error
	RelayPlaybackCommand(context.Context, *registry.RelayPlaybackCommandParams) error
	RequestCall(context.Context, *registry.RequestCallParams) error
	Disconnect(context.Context, *registry.DisconnectParams) (registry.DisconnectResponse, error)
}

type iConnectionRepo interface {
	Add(conn *wsconn.Conn) error
	Remove(connId string) error
	Get(connId string) (*wsconn.Conn, error)
}

type iMetrics interface {
	ConnOpened()
	ConnClosed()
	MessageReceived(messageType string)
	MessageFailed(code string)
	UnauthorizedDropped(messageType string)
	SendBufferOverrun()
}

type Config struct {
	// AllowedOrigins lists the origins allowed by CORS and the websocket
	// upgrade. "*" allows any origin.
	AllowedOrigins []string
	Conn           wsconn.Config
	// MetricsHandler is served on /metrics when set.
	MetricsHandler http.Handler
}

type controller struct {
	registry iRegistry
	connRepo iConnectionRepo
	metrics  iMetrics
	upgrader websocket.Upgrader
	validate *validator.Validator
	wsRouter *wsrouter.WSRouter
	logger   *slog.Logger
	cfg      Config
}

func NewController(registry iRegistry, connRepo iConnectionRepo, metrics iMetrics, logger *slog.Logger, cfg Config) *controller {
	c := &controller{
		registry: registry,
		connRepo: connRepo,
		metrics:  metrics,
		validate: validator.NewValidator(),
		logger:   logger,
		cfg:      cfg,
	}
	c.upgrader = websocket.Upgrader{
		CheckOrigin: c.checkOrigin,
	}
	c.wsRouter = c.getWSRouter()

	return c
}
