package gameserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/cory-johannsen/vrserver/internal/game/catalog"
	"github.com/cory-johannsen/vrserver/internal/game/matchmaking"
	"github.com/cory-johannsen/vrserver/internal/game/room"
	"github.com/cory-johannsen/vrserver/internal/game/session"
	gamev1 "github.com/cory-johannsen/vrserver/internal/gameserver/gamev1"
	"github.com/cory-johannsen/vrserver/internal/identity"
)

const testSecret = "test-secret"

type testEnv struct {
	client   gamev1.GameServiceClient
	svc      *GameServiceServer
	sessions *session.Manager
	rooms    *room.Registry
	matcher  *matchmaking.Engine
	issuer   *identity.Issuer
}

// newTestEnv starts an in-process gRPC server and returns a connected client.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	sessions := session.NewManager(64)
	rooms := room.NewRegistry(sessions, nil, room.Options{}, logger)
	sessions.AttachLeaver(rooms)
	games, err := catalog.NewCatalog(catalog.Game{Capacity: 4, MatchSize: 2})
	require.NoError(t, err)
	matcher := matchmaking.NewEngine(sessions, rooms, games, matchmaking.Options{}, logger)

	verifier, err := identity.NewVerifier(testSecret, "")
	require.NoError(t, err)
	issuer, err := identity.NewIssuer(testSecret, "", time.Hour)
	require.NoError(t, err)

	svc := NewGameServiceServer(sessions, rooms, matcher, games, verifier,
		Options{HeartbeatTimeout: 8 * time.Second, ReapInterval: time.Second}, logger)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	grpcServer := grpc.NewServer()
	gamev1.RegisterGameServiceServer(grpcServer, svc)

	go func() { _ = grpcServer.Serve(lis) }()
	t.Cleanup(func() {
		grpcServer.Stop()
		_ = rooms.Shutdown(context.Background())
	})

	conn, err := grpc.NewClient(lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testEnv{
		client:   gamev1.NewGameServiceClient(conn),
		svc:      svc,
		sessions: sessions,
		rooms:    rooms,
		matcher:  matcher,
		issuer:   issuer,
	}
}

func (e *testEnv) token(t *testing.T, playerID string) string {
	t.Helper()
	token, err := e.issuer.Issue(playerID, "name-"+playerID)
	require.NoError(t, err)
	return token
}

// connect opens a session for playerID and consumes its Welcome.
func (e *testEnv) connect(t *testing.T, ctx context.Context, playerID string) gamev1.GameService_SessionClient {
	t.Helper()
	stream, err := e.client.Session(ctx)
	require.NoError(t, err)

	require.NoError(t, stream.Send(&gamev1.ClientMessage{
		RequestID: "hello",
		Hello:     &gamev1.Hello{Token: e.token(t, playerID)},
	}))
	resp, err := stream.Recv()
	require.NoError(t, err)
	require.NotNil(t, resp.Welcome, "expected Welcome after hello")
	assert.Equal(t, "hello", resp.RequestID)
	assert.Equal(t, playerID, resp.Welcome.PlayerID)
	return stream
}

// recvUntil reads events until match accepts one.
func recvUntil(t *testing.T, stream gamev1.GameService_SessionClient, match func(*gamev1.ServerEvent) bool) *gamev1.ServerEvent {
	t.Helper()
	for {
		ev, err := stream.Recv()
		require.NoError(t, err)
		if match(ev) {
			return ev
		}
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func createRoom(t *testing.T, stream gamev1.GameService_SessionClient, gameID string) string {
	t.Helper()
	require.NoError(t, stream.Send(&gamev1.ClientMessage{
		RequestID:  "create",
		CreateRoom: &gamev1.CreateRoomRequest{GameID: gameID},
	}))
	ack := recvUntil(t, stream, func(ev *gamev1.ServerEvent) bool { return ev.JoinAck != nil })
	created := recvUntil(t, stream, func(ev *gamev1.ServerEvent) bool { return ev.RoomCreated != nil })
	assert.Equal(t, "create", created.RequestID)
	assert.Equal(t, ack.JoinAck.RoomID, created.RoomCreated.RoomID)
	return created.RoomCreated.RoomID
}

func join(t *testing.T, stream gamev1.GameService_SessionClient, roomID string) *gamev1.JoinAck {
	t.Helper()
	require.NoError(t, stream.Send(&gamev1.ClientMessage{
		RequestID: "join",
		Join:      &gamev1.JoinRequest{RoomID: roomID},
	}))
	return recvUntil(t, stream, func(ev *gamev1.ServerEvent) bool { return ev.JoinAck != nil }).JoinAck
}

func TestGRPCService_Welcome(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, testCtx(t), "p1")

	sess, ok := env.sessions.Get("p1")
	require.True(t, ok)
	assert.Equal(t, "name-p1", sess.DisplayName)
	assert.Equal(t, int64(1), env.svc.ActiveStreams())
}

func TestGRPCService_RejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	stream, err := env.client.Session(testCtx(t))
	require.NoError(t, err)

	require.NoError(t, stream.Send(&gamev1.ClientMessage{Hello: &gamev1.Hello{Token: "forged"}}))
	_, err = stream.Recv()
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.Equal(t, 0, env.sessions.PlayerCount())
}

func TestGRPCService_FirstMessageMustBeHello(t *testing.T) {
	env := newTestEnv(t)
	stream, err := env.client.Session(testCtx(t))
	require.NoError(t, err)

	require.NoError(t, stream.Send(&gamev1.ClientMessage{Heartbeat: &gamev1.Heartbeat{}}))
	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCService_DuplicateSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)
	env.connect(t, ctx, "p1")

	stream, err := env.client.Session(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&gamev1.ClientMessage{Hello: &gamev1.Hello{Token: env.token(t, "p1")}}))
	_, err = stream.Recv()
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	// The original session survives the rejected duplicate.
	_, ok := env.sessions.Get("p1")
	assert.True(t, ok)
}

func TestGRPCService_CreateAndJoin(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)
	a := env.connect(t, ctx, "a")
	b := env.connect(t, ctx, "b")

	roomID := createRoom(t, a, "arena")
	ack := join(t, b, roomID)
	assert.Equal(t, roomID, ack.RoomID)
	assert.Equal(t, "a", ack.Snapshot.Host)
	require.Len(t, ack.Snapshot.Members, 2)

	joined := recvUntil(t, a, func(ev *gamev1.ServerEvent) bool { return ev.MemberJoined != nil })
	assert.Equal(t, "b", joined.MemberJoined.PlayerID)
	assert.Equal(t, "name-b", joined.MemberJoined.DisplayName)

	r, err := env.rooms.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, r.Info().Members)
	assert.True(t, r.Info().Public)
}

func TestGRPCService_RepeatedJoinReturnsAck(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)
	a := env.connect(t, ctx, "a")
	roomID := createRoom(t, a, "arena")

	ack := join(t, a, roomID)
	assert.Equal(t, roomID, ack.RoomID)
}

func TestGRPCService_JoinErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)
	a := env.connect(t, ctx, "a")

	require.NoError(t, a.Send(&gamev1.ClientMessage{
		RequestID: "j1",
		Join:      &gamev1.JoinRequest{RoomID: "room_missing"},
	}))
	ev := recvUntil(t, a, func(ev *gamev1.ServerEvent) bool { return ev.Error != nil })
	assert.Equal(t, "j1", ev.RequestID)
	assert.Equal(t, "not_found", ev.Error.Code)

	require.NoError(t, a.Send(&gamev1.ClientMessage{RequestID: "j2", Join: &gamev1.JoinRequest{}}))
	ev = recvUntil(t, a, func(ev *gamev1.ServerEvent) bool { return ev.Error != nil })
	assert.Equal(t, "bad_request", ev.Error.Code)

	require.NoError(t, a.Send(&gamev1.ClientMessage{RequestID: "empty"}))
	ev = recvUntil(t, a, func(ev *gamev1.ServerEvent) bool { return ev.Error != nil })
	assert.Equal(t, "empty", ev.RequestID)
}

func TestGRPCService_RoomFull(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)
	a := env.connect(t, ctx, "a")
	require.NoError(t, a.Send(&gamev1.ClientMessage{
		CreateRoom: &gamev1.CreateRoomRequest{GameID: "arena", Capacity: 2},
	}))
	roomID := recvUntil(t, a, func(ev *gamev1.ServerEvent) bool { return ev.RoomCreated != nil }).RoomCreated.RoomID

	join(t, env.connect(t, ctx, "b"), roomID)

	c := env.connect(t, ctx, "c")
	require.NoError(t, c.Send(&gamev1.ClientMessage{Join: &gamev1.JoinRequest{RoomID: roomID}}))
	ev := recvUntil(t, c, func(ev *gamev1.ServerEvent) bool { return ev.Error != nil })
	assert.Equal(t, "room_full", ev.Error.Code)
}

func TestGRPCService_StateUpdateReachesOtherMembers(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)
	a := env.connect(t, ctx, "a")
	b := env.connect(t, ctx, "b")
	roomID := createRoom(t, a, "arena")
	join(t, b, roomID)

	require.NoError(t, a.Send(&gamev1.ClientMessage{StateUpdate: &gamev1.StateUpdate{
		Sequence: 1,
		Transform: gamev1.Transform{
			Position:    gamev1.Vec3{X: 1, Y: 1.6, Z: -2},
			Orientation: gamev1.Quat{W: 1},
			Rig: &gamev1.AvatarRig{
				Head: gamev1.Pose{Position: gamev1.Vec3{Y: 1.7}, Orientation: gamev1.Quat{W: 1}},
			},
		},
	}}))
	// The error reply proves the update before it was dispatched.
	require.NoError(t, a.Send(&gamev1.ClientMessage{RequestID: "sync"}))
	recvUntil(t, a, func(ev *gamev1.ServerEvent) bool { return ev.RequestID == "sync" })

	r, err := env.rooms.GetRoom(roomID)
	require.NoError(t, err)
	require.NoError(t, r.Tick(ctx))

	snap := recvUntil(t, b, func(ev *gamev1.ServerEvent) bool { return ev.StateSnapshot != nil }).StateSnapshot
	require.Len(t, snap.Transforms, 1)
	got := snap.Transforms[0]
	assert.Equal(t, "a", got.PlayerID)
	assert.Equal(t, float32(-2), got.Transform.Position.Z)
	require.NotNil(t, got.Transform.Rig)
	assert.Equal(t, float32(1.7), got.Transform.Rig.Head.Position.Y)
}

func TestGRPCService_DisconnectMigratesHost(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)
	a := env.connect(t, ctx, "a")
	b := env.connect(t, ctx, "b")
	roomID := createRoom(t, a, "arena")
	join(t, b, roomID)

	require.NoError(t, a.CloseSend())

	left := recvUntil(t, b, func(ev *gamev1.ServerEvent) bool { return ev.MemberLeft != nil })
	assert.Equal(t, "a", left.MemberLeft.PlayerID)
	changed := recvUntil(t, b, func(ev *gamev1.ServerEvent) bool { return ev.HostChanged != nil })
	assert.Equal(t, "b", changed.HostChanged.NewHostID)

	r, err := env.rooms.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, room.StateOpen, r.Info().State)
	require.Eventually(t, func() bool {
		_, ok := env.sessions.Get("a")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestGRPCService_LeaveLastMemberDestroysRoom(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)
	a := env.connect(t, ctx, "a")
	roomID := createRoom(t, a, "arena")

	require.NoError(t, a.Send(&gamev1.ClientMessage{Leave: &gamev1.LeaveRequest{}}))
	require.NoError(t, a.Send(&gamev1.ClientMessage{RequestID: "sync"}))
	recvUntil(t, a, func(ev *gamev1.ServerEvent) bool { return ev.RequestID == "sync" })

	_, err := env.rooms.GetRoom(roomID)
	assert.ErrorIs(t, err, room.ErrNotFound)
}

func TestGRPCService_PlayModeAndGameState(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)
	a := env.connect(t, ctx, "a")
	b := env.connect(t, ctx, "b")
	roomID := createRoom(t, a, "arena")
	join(t, b, roomID)

	require.NoError(t, b.Send(&gamev1.ClientMessage{RequestID: "pm", SetPlayMode: &gamev1.SetPlayMode{Enabled: true}}))
	ev := recvUntil(t, b, func(ev *gamev1.ServerEvent) bool { return ev.Error != nil })
	assert.Equal(t, "not_authorized", ev.Error.Code)

	require.NoError(t, a.Send(&gamev1.ClientMessage{SetPlayMode: &gamev1.SetPlayMode{Enabled: true}}))
	mode := recvUntil(t, b, func(ev *gamev1.ServerEvent) bool { return ev.ModeChanged != nil })
	assert.Equal(t, gamev1.ModeInProgress, mode.ModeChanged.Mode)

	require.NoError(t, a.Send(&gamev1.ClientMessage{SetGameState: &gamev1.SetGameState{Key: "round", Value: "1"}}))
	changed := recvUntil(t, b, func(ev *gamev1.ServerEvent) bool { return ev.GameStateChanged != nil })
	assert.Equal(t, "round", changed.GameStateChanged.Key)
	assert.Equal(t, "1", changed.GameStateChanged.Value)
}

func TestGRPCService_CustomEventAndPresence(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)
	a := env.connect(t, ctx, "a")
	b := env.connect(t, ctx, "b")
	roomID := createRoom(t, a, "arena")
	join(t, b, roomID)

	require.NoError(t, b.Send(&gamev1.ClientMessage{CustomEvent: &gamev1.CustomEvent{EventName: "wave", Data: "left"}}))
	ev := recvUntil(t, a, func(ev *gamev1.ServerEvent) bool { return ev.CustomEvent != nil })
	assert.Equal(t, "b", ev.CustomEvent.PlayerID)
	assert.Equal(t, "wave", ev.CustomEvent.EventName)
	assert.Equal(t, "left", ev.CustomEvent.Data)

	require.NoError(t, b.Send(&gamev1.ClientMessage{SetPresence: &gamev1.SetPresence{Talking: true}}))
	upd := recvUntil(t, a, func(ev *gamev1.ServerEvent) bool { return ev.MemberUpdated != nil })
	assert.Equal(t, "b", upd.MemberUpdated.PlayerID)
	assert.True(t, upd.MemberUpdated.Talking)

	require.NoError(t, a.Send(&gamev1.ClientMessage{RequestID: "bad", CustomEvent: &gamev1.CustomEvent{}}))
	bad := recvUntil(t, a, func(ev *gamev1.ServerEvent) bool { return ev.Error != nil })
	assert.Equal(t, "bad", bad.RequestID)
	assert.Equal(t, "invalid_argument", bad.Error.Code)
}

func TestGRPCService_RoomOperationOutsideRoom(t *testing.T) {
	env := newTestEnv(t)
	a := env.connect(t, testCtx(t), "a")

	require.NoError(t, a.Send(&gamev1.ClientMessage{SetPlayMode: &gamev1.SetPlayMode{Enabled: true}}))
	ev := recvUntil(t, a, func(ev *gamev1.ServerEvent) bool { return ev.Error != nil })
	assert.Equal(t, "not_in_room", ev.Error.Code)
}

func TestGRPCService_Matchmaking(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)
	a := env.connect(t, ctx, "a")
	b := env.connect(t, ctx, "b")

	for _, s := range []gamev1.GameService_SessionClient{a, b} {
		require.NoError(t, s.Send(&gamev1.ClientMessage{
			RequestID:          "mm",
			MatchmakingEnqueue: &gamev1.MatchmakingEnqueue{GameID: "arena", Region: "eu"},
		}))
		queued := recvUntil(t, s, func(ev *gamev1.ServerEvent) bool { return ev.MatchmakingQueued != nil })
		assert.NotEmpty(t, queued.MatchmakingQueued.TicketID)
	}

	matches := env.matcher.Pass(ctx)
	require.Len(t, matches, 1)

	for _, s := range []gamev1.GameService_SessionClient{a, b} {
		found := recvUntil(t, s, func(ev *gamev1.ServerEvent) bool { return ev.MatchFound != nil })
		assert.Equal(t, matches[0].RoomID, found.MatchFound.RoomID)
	}
	r, err := env.rooms.GetRoom(matches[0].RoomID)
	require.NoError(t, err)
	assert.False(t, r.Info().Public)
}

func TestGRPCService_MatchmakingCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)
	a := env.connect(t, ctx, "a")
	b := env.connect(t, ctx, "b")

	require.NoError(t, a.Send(&gamev1.ClientMessage{MatchmakingEnqueue: &gamev1.MatchmakingEnqueue{GameID: "arena"}}))
	ticketID := recvUntil(t, a, func(ev *gamev1.ServerEvent) bool { return ev.MatchmakingQueued != nil }).MatchmakingQueued.TicketID

	// Another player cannot cancel a ticket they do not own.
	require.NoError(t, b.Send(&gamev1.ClientMessage{MatchmakingCancel: &gamev1.MatchmakingCancel{TicketID: ticketID}}))
	ev := recvUntil(t, b, func(ev *gamev1.ServerEvent) bool { return ev.Error != nil })
	assert.Equal(t, "ticket_not_found", ev.Error.Code)

	require.NoError(t, a.Send(&gamev1.ClientMessage{MatchmakingCancel: &gamev1.MatchmakingCancel{TicketID: ticketID}}))
	cancelled := recvUntil(t, a, func(ev *gamev1.ServerEvent) bool { return ev.MatchmakingCancelled != nil })
	assert.Equal(t, ticketID, cancelled.MatchmakingCancelled.TicketID)
	assert.Equal(t, 0, env.matcher.Stats().Pending)
}

func TestGRPCService_ReapIdleSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := testCtx(t)
	a := env.connect(t, ctx, "a")
	b := env.connect(t, ctx, "b")
	roomID := createRoom(t, a, "arena")
	join(t, b, roomID)

	// b keeps heartbeating; a goes quiet.
	require.NoError(t, b.Send(&gamev1.ClientMessage{Heartbeat: &gamev1.Heartbeat{}}))
	require.NoError(t, b.Send(&gamev1.ClientMessage{RequestID: "sync"}))
	recvUntil(t, b, func(ev *gamev1.ServerEvent) bool { return ev.RequestID == "sync" })

	sessA, ok := env.sessions.Get("a")
	require.True(t, ok)
	sessB, ok := env.sessions.Get("b")
	require.True(t, ok)
	cutoff := sessA.LastActivity().Add(env.svc.opts.HeartbeatTimeout + time.Millisecond)
	if sessB.LastActivity().Add(env.svc.opts.HeartbeatTimeout).Before(cutoff) {
		t.Skip("heartbeat landed within the same clock tick")
	}

	assert.Equal(t, []string{"a"}, env.svc.Reap(ctx, cutoff))

	left := recvUntil(t, b, func(ev *gamev1.ServerEvent) bool { return ev.MemberLeft != nil })
	assert.Equal(t, "a", left.MemberLeft.PlayerID)
	recvUntil(t, b, func(ev *gamev1.ServerEvent) bool { return ev.HostChanged != nil })

	for {
		_, err := a.Recv()
		if err != nil {
			assert.Equal(t, codes.Aborted, status.Code(err))
			break
		}
	}
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "room_full", ErrorCode(room.ErrRoomFull))
	assert.Equal(t, "already_in_room", ErrorCode(session.ErrAlreadyInRoom))
	assert.Equal(t, "unknown_game", ErrorCode(catalog.ErrUnknownGame))
	assert.Equal(t, "internal", ErrorCode(assert.AnError))
	assert.Equal(t, codes.ResourceExhausted, StatusCode(room.ErrRoomFull))
	assert.Equal(t, codes.Internal, StatusCode(assert.AnError))
}
