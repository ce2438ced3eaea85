package gameserver

import (
	"errors"

	"google.golang.org/grpc/codes"

	"github.com/cory-johannsen/vrserver/internal/game/catalog"
	"github.com/cory-johannsen/vrserver/internal/game/matchmaking"
	"github.com/cory-johannsen/vrserver/internal/game/room"
	"github.com/cory-johannsen/vrserver/internal/game/session"
)

var (
	// ErrNotInRoom is returned for room operations from a player outside any room.
	ErrNotInRoom = errors.New("not in a room")
	// ErrBadRequest is returned for malformed client messages.
	ErrBadRequest = errors.New("bad request")
)

type errorMapping struct {
	err    error
	code   string
	status codes.Code
}

var errorMappings = []errorMapping{
	{room.ErrRoomFull, "room_full", codes.ResourceExhausted},
	{room.ErrAlreadyMember, "already_member", codes.AlreadyExists},
	{room.ErrWrongState, "wrong_state", codes.FailedPrecondition},
	{room.ErrNotAuthorized, "not_authorized", codes.PermissionDenied},
	{room.ErrInvalidCapacity, "invalid_capacity", codes.InvalidArgument},
	{room.ErrInvalidKey, "invalid_argument", codes.InvalidArgument},
	{room.ErrInvalidEvent, "invalid_argument", codes.InvalidArgument},
	{room.ErrNotFound, "not_found", codes.NotFound},
	{room.ErrInvariant, "internal", codes.Internal},
	{session.ErrDuplicateSession, "duplicate_session", codes.AlreadyExists},
	{session.ErrAlreadyInRoom, "already_in_room", codes.FailedPrecondition},
	{session.ErrNoSession, "no_session", codes.FailedPrecondition},
	{matchmaking.ErrTicketNotFound, "ticket_not_found", codes.NotFound},
	{matchmaking.ErrAlreadyQueued, "already_queued", codes.AlreadyExists},
	{catalog.ErrUnknownGame, "unknown_game", codes.NotFound},
	{ErrNotInRoom, "not_in_room", codes.FailedPrecondition},
	{ErrBadRequest, "bad_request", codes.InvalidArgument},
}

// ErrorCode returns the stable wire code for err, as carried in ErrorEvent.
func ErrorCode(err error) string {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return "internal"
}

// StatusCode returns the gRPC status code for err.
func StatusCode(err error) codes.Code {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return codes.Internal
}
