// Package httpapi exposes read-only room and server state over HTTP and
// mounts the WebSocket session endpoint.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/cory-johannsen/vrserver/internal/game/matchmaking"
	"github.com/cory-johannsen/vrserver/internal/game/room"
	"github.com/cory-johannsen/vrserver/internal/game/voice"
)

// Rooms is the room registry view served by the API. *room.Registry
// implements it.
type Rooms interface {
	FindRooms(gameID string) []room.Info
	GetRoom(roomID string) (*room.Room, error)
	Stats() room.Stats
}

// Voice reports per-room voice routing. *voice.Relay implements it.
type Voice interface {
	Routes(roomID string) (voice.Routes, bool)
	ChannelCount() int
}

// Matchmaker reports queue statistics. *matchmaking.Engine implements it.
type Matchmaker interface {
	Stats() matchmaking.Stats
}

// Streams reports live client streams. *gameserver.GameServiceServer
// implements it.
type Streams interface {
	ActiveStreams() int64
}

// Deps are the components the API reads from. WS and LogLevel are optional;
// their routes are mounted only when set.
type Deps struct {
	Rooms      Rooms
	Voice      Voice
	Matchmaker Matchmaker
	Streams    Streams
	WS         http.Handler
	// LogLevel serves GET and PUT /v1/log-level, e.g. a zap.AtomicLevel.
	LogLevel http.Handler
}

// Server is the HTTP API server.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New builds the API server and registers its routes.
//
// Precondition: deps.Rooms, deps.Voice, deps.Matchmaker, deps.Streams and
// logger must be non-nil.
func New(deps Deps, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = errorHandler(e, logger)

	s := &Server{echo: e, deps: deps, logger: logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.health)
	v1 := s.echo.Group("/v1")
	v1.GET("/rooms", s.findRooms)
	v1.GET("/rooms/:id", s.roomInfo)
	v1.GET("/rooms/:id/voice", s.voiceRoutes)
	v1.GET("/stats", s.stats)
	if s.deps.LogLevel != nil {
		v1.GET("/log-level", echo.WrapHandler(s.deps.LogLevel))
		v1.PUT("/log-level", echo.WrapHandler(s.deps.LogLevel))
	}
	if s.deps.WS != nil {
		s.echo.GET("/ws", echo.WrapHandler(s.deps.WS))
	}
}

func errorHandler(e *echo.Echo, logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var he *echo.HTTPError
		if !errors.As(err, &he) || he.Code >= http.StatusInternalServerError {
			logger.Error("http request failed",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Request().URL.Path),
				zap.Error(err),
			)
		}
		e.DefaultHTTPErrorHandler(err, c)
	}
}

// Handler returns the router, for mounting under httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe binds addr and serves until Shutdown is called.
//
// Postcondition: Returns nil after a clean Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = lis
	s.echo.Listener = lis
	s.mu.Unlock()

	s.logger.Info("http api listening", zap.String("addr", lis.Addr().String()))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Addr returns the bound address, or "" before ListenAndServe has bound.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down http api: %w", err)
	}
	return nil
}
