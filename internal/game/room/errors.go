package room

import (
	"errors"
	"fmt"
)

// Rejections are returned synchronously to the request's originator only.
var (
	ErrRoomFull        = errors.New("room full")
	ErrAlreadyMember   = errors.New("already a member")
	ErrWrongState      = errors.New("wrong room state")
	ErrNotAuthorized   = errors.New("not authorized")
	ErrInvalidCapacity = errors.New("invalid capacity")
	ErrNotFound        = errors.New("room not found")
	ErrInvalidKey      = errors.New("invalid game state key")
	ErrInvalidEvent    = errors.New("invalid custom event")

	// ErrInvariant marks an internal consistency failure. A room that hits it
	// is force-closed.
	ErrInvariant = errors.New("room invariant violated")
)

// errStopped is returned when an operation reaches a room whose worker has exited.
var errStopped = fmt.Errorf("%w: room stopped", ErrWrongState)

// MaxCustomEventData bounds the payload of a relayed custom event, in bytes.
const MaxCustomEventData = 16 << 10

// Capacity bounds, inclusive.
const (
	MinCapacity = 2
	MaxCapacity = 32
)

// ValidateCapacity returns ErrInvalidCapacity when capacity is outside
// [MinCapacity, MaxCapacity].
func ValidateCapacity(capacity int) error {
	if capacity < MinCapacity || capacity > MaxCapacity {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrInvalidCapacity, capacity, MinCapacity, MaxCapacity)
	}
	return nil
}
