package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cory-johannsen/vrserver/internal/gameserver"
)

// SessionServer runs one client stream to completion.
// *gameserver.GameServiceServer implements it.
type SessionServer interface {
	Serve(stream gameserver.Stream) error
}

// Options configures the WebSocket handler.
type Options struct {
	WriteTimeout time.Duration
	// ReadLimit caps the size of one inbound frame in bytes.
	ReadLimit int64
}

// Handler upgrades HTTP requests to WebSocket and serves each connection
// as a game session.
type Handler struct {
	server   SessionServer
	opts     Options
	logger   *zap.Logger
	upgrader websocket.Upgrader

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a Handler.
//
// Precondition: server and logger must be non-nil.
func NewHandler(server SessionServer, opts Options, logger *zap.Logger) *Handler {
	base, cancel := context.WithCancel(context.Background())
	return &Handler{
		server: server,
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		base:   base,
		cancel: cancel,
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.base.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	if h.opts.ReadLimit > 0 {
		raw.SetReadLimit(h.opts.ReadLimit)
	}

	h.wg.Add(1)
	defer h.wg.Done()

	start := time.Now()
	conn := NewConn(h.base, raw, h.opts.WriteTimeout)
	stop := context.AfterFunc(h.base, func() {
		_ = conn.CloseWith(websocket.CloseGoingAway, "server shutting down")
	})
	defer stop()

	h.logger.Debug("websocket connected", zap.String("remote_addr", r.RemoteAddr))
	err = h.server.Serve(conn)
	if err != nil {
		st := status.Convert(err)
		code := websocket.CloseInternalServerErr
		switch st.Code() {
		case codes.Unauthenticated, codes.InvalidArgument, codes.AlreadyExists:
			code = websocket.ClosePolicyViolation
		case codes.Aborted:
			code = websocket.CloseNormalClosure
		}
		h.logger.Debug("websocket session ended",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		_ = conn.CloseWith(code, st.Message())
		return
	}
	h.logger.Info("websocket session ended cleanly",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Duration("duration", time.Since(start)),
	)
	_ = conn.CloseWith(websocket.CloseNormalClosure, "")
}

// Close ends every active session and waits for them to finish.
func (h *Handler) Close() {
	h.cancel()
	h.wg.Wait()
}
