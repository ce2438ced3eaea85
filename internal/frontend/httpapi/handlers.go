package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cory-johannsen/vrserver/internal/game/matchmaking"
	"github.com/cory-johannsen/vrserver/internal/game/room"
	"github.com/cory-johannsen/vrserver/internal/game/voice"
)

type roomsResponse struct {
	Rooms []room.Info `json:"rooms"`
}

type voiceResponse struct {
	RoomID string       `json:"room_id"`
	Routes voice.Routes `json:"routes"`
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Rooms         room.Stats        `json:"rooms"`
	Matchmaking   matchmaking.Stats `json:"matchmaking"`
	ActiveStreams int64             `json:"active_streams"`
	VoiceChannels int               `json:"voice_channels"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) findRooms(c echo.Context) error {
	rooms := s.deps.Rooms.FindRooms(c.QueryParam("game_id"))
	if rooms == nil {
		rooms = []room.Info{}
	}
	return c.JSON(http.StatusOK, roomsResponse{Rooms: rooms})
}

func (s *Server) roomInfo(c echo.Context) error {
	r, err := s.deps.Rooms.GetRoom(c.Param("id"))
	if errors.Is(err, room.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r.Info())
}

func (s *Server) voiceRoutes(c echo.Context) error {
	id := c.Param("id")
	routes, ok := s.deps.Voice.Routes(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no voice channel for room")
	}
	return c.JSON(http.StatusOK, voiceResponse{RoomID: id, Routes: routes})
}

func (s *Server) stats(c echo.Context) error {
	return c.JSON(http.StatusOK, StatsResponse{
		Rooms:         s.deps.Rooms.Stats(),
		Matchmaking:   s.deps.Matchmaker.Stats(),
		ActiveStreams: s.deps.Streams.ActiveStreams(),
		VoiceChannels: s.deps.Voice.ChannelCount(),
	})
}
