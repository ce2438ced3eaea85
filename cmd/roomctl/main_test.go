package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/vrserver/internal/frontend/httpapi"
	"github.com/cory-johannsen/vrserver/internal/game/catalog"
	"github.com/cory-johannsen/vrserver/internal/game/matchmaking"
	"github.com/cory-johannsen/vrserver/internal/game/room"
	"github.com/cory-johannsen/vrserver/internal/game/session"
	"github.com/cory-johannsen/vrserver/internal/game/voice"
	"github.com/cory-johannsen/vrserver/internal/identity"
)

type noStreams struct{}

func (noStreams) ActiveStreams() int64 { return 0 }

type testServer struct {
	url      string
	sessions *session.Manager
	rooms    *room.Registry
	level    zap.AtomicLevel
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	games, err := catalog.NewCatalog(catalog.Game{Capacity: 4, MatchSize: 2})
	require.NoError(t, err)
	sessions := session.NewManager(16)
	relay := voice.NewRelay(games, catalog.Voice{}, voice.LogPublisher{Logger: logger}, logger)
	rooms := room.NewRegistry(sessions, nil, room.Options{}, logger, relay)
	sessions.AttachLeaver(rooms)
	t.Cleanup(func() { _ = rooms.Shutdown(context.Background()) })
	level := zap.NewAtomicLevel()

	api := httpapi.New(httpapi.Deps{
		Rooms:      rooms,
		Voice:      relay,
		Matchmaker: matchmaking.NewEngine(sessions, rooms, games, matchmaking.Options{}, logger),
		Streams:    noStreams{},
		LogLevel:   level,
	}, logger)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL, sessions: sessions, rooms: rooms, level: level}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	return out.String(), err
}

func TestRoomsAndRoom(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.sessions.Bind("host", "Host")
	require.NoError(t, err)
	roomID, err := ts.rooms.CreateRoom(context.Background(), "arena", "host", 4)
	require.NoError(t, err)

	out, err := run(t, "--server", ts.url, "rooms", "--game", "arena")
	require.NoError(t, err)
	var listing struct {
		Rooms []room.Info `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &listing))
	require.Len(t, listing.Rooms, 1)
	assert.Equal(t, roomID, listing.Rooms[0].ID)

	out, err = run(t, "--server", ts.url, "-o", "yaml", "room", roomID)
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &info))
	assert.Equal(t, roomID, info["id"])
	assert.Equal(t, "host", info["host"])
}

func TestRoomNotFound(t *testing.T) {
	ts := newTestServer(t)
	_, err := run(t, "--server", ts.url, "room", "room_missing")
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status)
	assert.Equal(t, "room not found", apiErr.Message)
}

func TestStatsAndVoice(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.sessions.Bind("host", "Host")
	require.NoError(t, err)
	roomID, err := ts.rooms.CreateRoom(context.Background(), "arena", "host", 4)
	require.NoError(t, err)

	out, err := run(t, "--server", ts.url, "stats")
	require.NoError(t, err)
	var stats httpapi.StatsResponse
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.Rooms.Rooms)
	assert.Equal(t, 1, stats.VoiceChannels)

	out, err = run(t, "--server", ts.url, "voice", roomID)
	require.NoError(t, err)
	assert.Contains(t, out, roomID)
}

func TestLogLevel(t *testing.T) {
	ts := newTestServer(t)
	out, err := run(t, "--server", ts.url, "log-level", "warn")
	require.NoError(t, err)
	assert.Contains(t, out, "warn")
	assert.Equal(t, "warn", ts.level.String())

	out, err = run(t, "--server", ts.url, "log-level")
	require.NoError(t, err)
	assert.Contains(t, out, "warn")
}

func TestTokenVerifies(t *testing.T) {
	out, err := run(t, "--secret", "cli-secret", "--issuer", "platform", "token", "alice", "--name", "Alice")
	require.NoError(t, err)

	verifier, err := identity.NewVerifier("cli-secret", "platform")
	require.NoError(t, err)
	id, err := verifier.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", id.PlayerID)
	assert.Equal(t, "Alice", id.DisplayName)
}

func TestTokenRequiresSecret(t *testing.T) {
	_, err := run(t, "token", "alice")
	assert.Error(t, err)
}

func TestRejectsUnknownOutput(t *testing.T) {
	_, err := run(t, "-o", "xml", "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--output")
}
