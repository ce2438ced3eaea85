package room

import (
	"time"

	gamev1 "github.com/cory-johannsen/vrserver/internal/gameserver/gamev1"
)

// State is a room's lifecycle state.
type State int

const (
	StateOpen State = iota
	StateInProgress
	StateClosing
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return gamev1.ModeOpen
	case StateInProgress:
		return gamev1.ModeInProgress
	case StateClosing:
		return gamev1.ModeClosing
	default:
		return "unknown"
	}
}

// EventKind identifies a room Event.
type EventKind int

const (
	EventMemberJoined EventKind = iota + 1
	EventMemberLeft
	EventHostChanged
	EventModeChanged
	EventSnapshot
	EventClosed
	// EventDestroyed is emitted by the Registry once a closed room's
	// resources have been released.
	EventDestroyed
)

// Event is a membership or sync change published to subscribers in the
// order the room's writer produced it.
type Event struct {
	Kind   EventKind
	RoomID string
	GameID string
	// PlayerID is the subject of member and host events.
	PlayerID string
	// ConnID is the subject's connection id for member events.
	ConnID string
	State  State
	Tick   uint64
	Full   bool
	// Transforms holds the snapshot contents for EventSnapshot.
	Transforms []gamev1.PlayerTransform
}

// Subscriber consumes room events. OnRoomEvent runs on the room's writer
// goroutine: it must be quick and must not call back into the same room.
type Subscriber interface {
	OnRoomEvent(Event)
}

// Info is a consistent, read-only copy of a room taken after the writer's
// most recent operation.
type Info struct {
	ID        string    `json:"id"`
	GameID    string    `json:"game_id"`
	Public    bool      `json:"public"`
	Capacity  int       `json:"capacity"`
	Members   []string  `json:"members"`
	Host      string    `json:"host"`
	State     State     `json:"-"`
	Mode      string    `json:"mode"`
	Tick      uint64    `json:"tick"`
	CreatedAt time.Time `json:"created_at"`
}

// Full reports whether the room is at capacity.
func (i Info) Full() bool {
	return len(i.Members) >= i.Capacity
}
