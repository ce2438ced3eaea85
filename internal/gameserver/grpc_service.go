package gameserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cory-johannsen/vrserver/internal/game/catalog"
	"github.com/cory-johannsen/vrserver/internal/game/matchmaking"
	"github.com/cory-johannsen/vrserver/internal/game/room"
	"github.com/cory-johannsen/vrserver/internal/game/session"
	gamev1 "github.com/cory-johannsen/vrserver/internal/gameserver/gamev1"
	"github.com/cory-johannsen/vrserver/internal/identity"
)

// Stream is one client connection. The gRPC session stream satisfies it, and
// the WebSocket frontend adapts its connections to it.
type Stream interface {
	Context() context.Context
	Send(*gamev1.ServerEvent) error
	Recv() (*gamev1.ClientMessage, error)
}

// Verifier turns a Hello token into a player identity.
type Verifier interface {
	Verify(token string) (identity.Identity, error)
}

// Games resolves game templates.
type Games interface {
	Resolve(id string) (catalog.Game, error)
}

// Options tunes the session service.
type Options struct {
	// HeartbeatTimeout is how long a session may go without an accepted
	// update or heartbeat before it is treated as disconnected.
	HeartbeatTimeout time.Duration
	// ReapInterval is how often idle sessions are looked for.
	ReapInterval time.Duration
}

// GameServiceServer implements the gRPC GameService with bidirectional streaming.
type GameServiceServer struct {
	gamev1.UnimplementedGameServiceServer
	sessions *session.Manager
	rooms    *room.Registry
	matcher  *matchmaking.Engine
	games    Games
	verifier Verifier
	opts     Options
	logger   *zap.Logger
	active   atomic.Int64
}

// NewGameServiceServer creates a GameServiceServer with the given dependencies.
//
// Precondition: every argument must be non-nil.
// Postcondition: Returns a fully initialised GameServiceServer.
func NewGameServiceServer(
	sessions *session.Manager,
	rooms *room.Registry,
	matcher *matchmaking.Engine,
	games Games,
	verifier Verifier,
	opts Options,
	logger *zap.Logger,
) *GameServiceServer {
	return &GameServiceServer{
		sessions: sessions,
		rooms:    rooms,
		matcher:  matcher,
		games:    games,
		verifier: verifier,
		opts:     opts,
		logger:   logger,
	}
}

// ActiveStreams returns the number of connected, authenticated streams.
func (s *GameServiceServer) ActiveStreams() int64 {
	return s.active.Load()
}

// Session implements the bidirectional streaming RPC.
func (s *GameServiceServer) Session(stream gamev1.GameService_SessionServer) error {
	return s.Serve(stream)
}

// Serve runs one client connection to completion.
// Flow:
//  1. Wait for Hello and verify its token
//  2. Bind the player session and queue Welcome
//  3. Spawn goroutine to forward outbox events to the stream
//  4. Main loop: read ClientMessage, dispatch, queue the reply
//  5. On disconnect: cancel tickets, unbind (which leaves the room)
func (s *GameServiceServer) Serve(stream Stream) error {
	first, err := stream.Recv()
	if err != nil {
		return fmt.Errorf("receiving hello: %w", err)
	}
	if first.Hello == nil {
		return status.Error(codes.InvalidArgument, "first message must be Hello")
	}

	id, err := s.verifier.Verify(first.Hello.Token)
	if err != nil {
		s.logger.Info("rejected hello", zap.Error(err))
		return status.Error(codes.Unauthenticated, "invalid token")
	}

	sess, err := s.sessions.Bind(id.PlayerID, id.DisplayName)
	if err != nil {
		return status.Error(StatusCode(err), err.Error())
	}
	defer s.disconnect(sess)

	s.active.Inc()
	defer s.active.Dec()

	s.logger.Info("player connected",
		zap.String("player_id", sess.ID),
		zap.String("display_name", sess.DisplayName),
		zap.String("conn_id", sess.ConnID),
	)
	s.reply(sess, first.RequestID, &gamev1.ServerEvent{
		Welcome: &gamev1.Welcome{PlayerID: sess.ID, DisplayName: sess.DisplayName},
	})

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		s.forwardEvents(ctx, sess, stream)
	}()

	err = s.commandLoop(ctx, sess, stream)

	cancel()
	wg.Wait()

	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case errors.Is(err, context.Canceled) && stream.Context().Err() == nil:
		// The outbox closed underneath us: reaped or replaced.
		return status.Error(codes.Aborted, "session ended")
	case stream.Context().Err() != nil:
		return nil
	default:
		return err
	}
}

// commandLoop processes incoming ClientMessages until the stream ends.
func (s *GameServiceServer) commandLoop(ctx context.Context, sess *session.PlayerSession, stream Stream) error {
	msgs := make(chan *gamev1.ClientMessage)
	errc := make(chan error, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				errc <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("receiving message: %w", err)
		case msg := <-msgs:
			ev, err := s.dispatch(ctx, sess, msg)
			if err != nil {
				s.logger.Debug("request rejected",
					zap.String("player_id", sess.ID),
					zap.String("request_id", msg.RequestID),
					zap.Error(err),
				)
				ev = &gamev1.ServerEvent{Error: &gamev1.ErrorEvent{Code: ErrorCode(err), Message: err.Error()}}
			}
			if ev != nil {
				s.reply(sess, msg.RequestID, ev)
			}
		}
	}
}

// forwardEvents is the only writer to the stream.
func (s *GameServiceServer) forwardEvents(ctx context.Context, sess *session.PlayerSession, stream Stream) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sess.Events():
			if !ok {
				return
			}
			if err := stream.Send(ev); err != nil {
				s.logger.Debug("forward event send failed", zap.String("player_id", sess.ID), zap.Error(err))
				return
			}
		}
	}
}

func (s *GameServiceServer) reply(sess *session.PlayerSession, requestID string, ev *gamev1.ServerEvent) {
	ev.RequestID = requestID
	if err := sess.Push(ev); err != nil {
		s.logger.Debug("dropping reply", zap.String("player_id", sess.ID), zap.Error(err))
	}
}

// dispatch routes a ClientMessage to its handler. A nil event means there is
// nothing to send back beyond what the room itself delivers.
func (s *GameServiceServer) dispatch(ctx context.Context, sess *session.PlayerSession, msg *gamev1.ClientMessage) (*gamev1.ServerEvent, error) {
	switch {
	case msg.Heartbeat != nil:
		sess.Touch()
		return nil, nil
	case msg.StateUpdate != nil:
		return s.handleStateUpdate(sess, msg.StateUpdate)
	case msg.Join != nil:
		return s.handleJoin(ctx, sess, msg.Join)
	case msg.Leave != nil:
		return s.handleLeave(ctx, sess)
	case msg.CreateRoom != nil:
		return s.handleCreateRoom(ctx, sess, msg.CreateRoom)
	case msg.MatchmakingEnqueue != nil:
		return s.handleEnqueue(sess, msg.MatchmakingEnqueue)
	case msg.MatchmakingCancel != nil:
		return s.handleCancel(sess, msg.MatchmakingCancel)
	case msg.SetPlayMode != nil:
		return s.handleSetPlayMode(ctx, sess, msg.SetPlayMode)
	case msg.SetGameState != nil:
		return s.handleSetGameState(ctx, sess, msg.SetGameState)
	case msg.CustomEvent != nil:
		return s.handleCustomEvent(ctx, sess, msg.CustomEvent)
	case msg.SetPresence != nil:
		return s.handleSetPresence(ctx, sess, msg.SetPresence)
	case msg.Hello != nil:
		return nil, fmt.Errorf("%w: already authenticated", ErrBadRequest)
	default:
		return nil, fmt.Errorf("%w: empty message", ErrBadRequest)
	}
}

// handleStateUpdate queues the update on the player's room. Updates sent
// outside a room are dropped like any other unusable update.
func (s *GameServiceServer) handleStateUpdate(sess *session.PlayerSession, req *gamev1.StateUpdate) (*gamev1.ServerEvent, error) {
	r, err := s.currentRoom(sess)
	if err != nil {
		return nil, nil
	}
	r.SubmitUpdate(sess.ID, req.Transform, req.Sequence)
	return nil, nil
}

func (s *GameServiceServer) handleJoin(ctx context.Context, sess *session.PlayerSession, req *gamev1.JoinRequest) (*gamev1.ServerEvent, error) {
	if req.RoomID == "" {
		return nil, fmt.Errorf("%w: room_id is required", ErrBadRequest)
	}
	ack, err := s.rooms.Join(ctx, req.RoomID, sess.ID)
	if errors.Is(err, room.ErrAlreadyMember) {
		// The room sends nothing for a repeated join; answer with the current state.
		return &gamev1.ServerEvent{JoinAck: ack}, nil
	}
	if err != nil {
		return nil, err
	}
	s.matcher.CancelPlayer(sess.ID)
	return nil, nil
}

func (s *GameServiceServer) handleLeave(ctx context.Context, sess *session.PlayerSession) (*gamev1.ServerEvent, error) {
	roomID := sess.RoomID()
	if roomID == "" {
		return nil, nil
	}
	return nil, s.rooms.Leave(ctx, roomID, sess.ID)
}

func (s *GameServiceServer) handleCreateRoom(ctx context.Context, sess *session.PlayerSession, req *gamev1.CreateRoomRequest) (*gamev1.ServerEvent, error) {
	game, err := s.games.Resolve(req.GameID)
	if err != nil {
		return nil, err
	}
	capacity := req.Capacity
	if capacity == 0 {
		capacity = game.Capacity
	}
	roomID, err := s.rooms.Create(ctx, room.CreateRequest{
		GameID:   game.ID,
		HostID:   sess.ID,
		Capacity: capacity,
		Public:   !req.Private,
	})
	if err != nil {
		return nil, err
	}
	s.matcher.CancelPlayer(sess.ID)
	return &gamev1.ServerEvent{RoomCreated: &gamev1.RoomCreated{RoomID: roomID}}, nil
}

func (s *GameServiceServer) handleEnqueue(sess *session.PlayerSession, req *gamev1.MatchmakingEnqueue) (*gamev1.ServerEvent, error) {
	ticketID, err := s.matcher.Enqueue(sess.ID, matchmaking.Criteria{
		GameID: req.GameID,
		Skill:  req.Skill,
		Region: req.Region,
	})
	if err != nil {
		return nil, err
	}
	return &gamev1.ServerEvent{MatchmakingQueued: &gamev1.MatchmakingQueued{TicketID: ticketID}}, nil
}

func (s *GameServiceServer) handleCancel(sess *session.PlayerSession, req *gamev1.MatchmakingCancel) (*gamev1.ServerEvent, error) {
	t, ok := s.matcher.Ticket(req.TicketID)
	if !ok || t.PlayerID != sess.ID {
		return nil, fmt.Errorf("%s: %w", req.TicketID, matchmaking.ErrTicketNotFound)
	}
	if err := s.matcher.Cancel(req.TicketID); err != nil {
		return nil, err
	}
	return &gamev1.ServerEvent{MatchmakingCancelled: &gamev1.MatchmakingCancelled{TicketID: req.TicketID}}, nil
}

func (s *GameServiceServer) handleSetPlayMode(ctx context.Context, sess *session.PlayerSession, req *gamev1.SetPlayMode) (*gamev1.ServerEvent, error) {
	r, err := s.currentRoom(sess)
	if err != nil {
		return nil, err
	}
	if req.Enabled {
		return nil, r.EnterPlayMode(ctx, sess.ID)
	}
	return nil, r.ExitPlayMode(ctx, sess.ID)
}

func (s *GameServiceServer) handleSetGameState(ctx context.Context, sess *session.PlayerSession, req *gamev1.SetGameState) (*gamev1.ServerEvent, error) {
	r, err := s.currentRoom(sess)
	if err != nil {
		return nil, err
	}
	return nil, r.SetGameState(ctx, sess.ID, req.Key, req.Value)
}

func (s *GameServiceServer) handleCustomEvent(ctx context.Context, sess *session.PlayerSession, req *gamev1.CustomEvent) (*gamev1.ServerEvent, error) {
	r, err := s.currentRoom(sess)
	if err != nil {
		return nil, err
	}
	return nil, r.SendCustomEvent(ctx, sess.ID, req.EventName, req.Data)
}

func (s *GameServiceServer) handleSetPresence(ctx context.Context, sess *session.PlayerSession, req *gamev1.SetPresence) (*gamev1.ServerEvent, error) {
	r, err := s.currentRoom(sess)
	if err != nil {
		return nil, err
	}
	return nil, r.SetPresence(ctx, sess.ID, req.AvatarURL, req.Talking)
}

func (s *GameServiceServer) currentRoom(sess *session.PlayerSession) (*room.Room, error) {
	roomID := sess.RoomID()
	if roomID == "" {
		return nil, ErrNotInRoom
	}
	return s.rooms.GetRoom(roomID)
}

// disconnect releases everything a connection holds. Only the connection
// that bound the session may unbind it.
func (s *GameServiceServer) disconnect(sess *session.PlayerSession) {
	if cur, ok := s.sessions.Get(sess.ID); ok && cur.ConnID == sess.ConnID {
		s.matcher.CancelPlayer(sess.ID)
	}
	s.sessions.UnbindConn(context.Background(), sess.ID, sess.ConnID)
	s.logger.Info("player disconnected",
		zap.String("player_id", sess.ID),
		zap.String("conn_id", sess.ConnID),
	)
}
