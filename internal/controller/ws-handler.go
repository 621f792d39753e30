package controller

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sharetube/cowatch/internal/registry"
	"github.com/sharetube/cowatch/pkg/ctxlogger"
	"github.com/sharetube/cowatch/pkg/wsconn"
)

// serveWS upgrades the request and serves the connection until it closes.
// Every session the connection hosts is closed when it goes away.
func (c controller) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.InfoContext(r.Context(), "failed to upgrade connection", "error", err)
		return
	}

	conn := wsconn.New(ws, c.cfg.Conn)
	ctx := ctxlogger.AppendCtx(r.Context(), slog.String("conn_id", conn.ID()))

	if err := c.connRepo.Add(conn); err != nil {
		c.logger.ErrorContext(ctx, "failed to register connection", "error", err)
		ws.Close()
		return
	}
	c.metrics.ConnOpened()
	c.logger.InfoContext(ctx, "connection opened", "remote_addr", r.RemoteAddr)

	go conn.WritePump()

	if err := c.wsRouter.ServeConn(ctx, conn); err != nil {
		c.logger.InfoContext(ctx, "connection read failed", "error", err)
	}
	conn.Close()

	c.disconnect(context.WithoutCancel(ctx), conn.ID())
}

func (c controller) disconnect(ctx context.Context, connId string) {
	disconnectResp, err := c.registry.Disconnect(ctx, &registry.DisconnectParams{ConnId: connId})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to disconnect", "error", err)
	}

	if err := c.connRepo.Remove(connId); err != nil {
		c.logger.WarnContext(ctx, "failed to remove connection", "error", err)
	}
	c.metrics.ConnClosed()

	c.logger.InfoContext(ctx, "connection closed", "closed_sessions", disconnectResp.ClosedSessions)
}
