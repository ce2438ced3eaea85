// Package gamev1 defines the wire protocol spoken between VR clients and the
// game server. Every message is a plain struct tagged for both the msgpack
// gRPC codec and the JSON WebSocket transport.
//
// ClientMessage and ServerEvent are oneof envelopes: exactly one payload
// pointer is expected to be non-nil.
package gamev1

// Vec3 is a position or velocity in world space, metres.
type Vec3 struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// Quat is an orientation quaternion. The server forwards it unchanged and
// never renormalises it.
type Quat struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
	W float32 `json:"w"`
}

// Pose couples a position with an orientation.
type Pose struct {
	Position    Vec3 `json:"position"`
	Orientation Quat `json:"orientation"`
}

// AvatarRig carries the tracked head and hand poses of a VR avatar.
type AvatarRig struct {
	Head      Pose `json:"head"`
	LeftHand  Pose `json:"left_hand"`
	RightHand Pose `json:"right_hand"`
}

// Transform is the per-player state carried in updates and snapshots.
type Transform struct {
	Position    Vec3       `json:"position"`
	Orientation Quat       `json:"orientation"`
	Velocity    *Vec3      `json:"velocity,omitempty"`
	Rig         *AvatarRig `json:"rig,omitempty"`
}

// PlayerTransform pairs a player id with the player's latest Transform.
type PlayerTransform struct {
	PlayerID  string    `json:"player_id"`
	Transform Transform `json:"transform"`
}

// MemberInfo describes one room member in join order.
type MemberInfo struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Talking     bool   `json:"talking,omitempty"`
}

// Room modes as they appear on the wire.
const (
	ModeOpen       = "open"
	ModeInProgress = "in_progress"
	ModeClosing    = "closing"
)

// ---- inbound ----

// Hello must be the first message on every connection.
type Hello struct {
	Token string `json:"token"`
}

// JoinRequest asks to join an existing room.
type JoinRequest struct {
	RoomID string `json:"room_id"`
}

// LeaveRequest leaves the current room.
type LeaveRequest struct{}

// StateUpdate reports the sender's Transform. Sequence must increase strictly
// per player per room; stale updates are dropped without a reply.
type StateUpdate struct {
	Sequence  uint64    `json:"sequence"`
	Transform Transform `json:"transform"`
}

// Heartbeat keeps an otherwise idle session alive.
type Heartbeat struct{}

// MatchmakingEnqueue requests automatic placement into a room.
type MatchmakingEnqueue struct {
	GameID string `json:"game_id"`
	Skill  string `json:"skill,omitempty"`
	Region string `json:"region,omitempty"`
}

// MatchmakingCancel withdraws a pending ticket.
type MatchmakingCancel struct {
	TicketID string `json:"ticket_id"`
}

// CreateRoomRequest creates a room hosted by the sender. A zero Capacity
// selects the game's configured capacity.
type CreateRoomRequest struct {
	GameID   string `json:"game_id"`
	Capacity int    `json:"capacity,omitempty"`
	Private  bool   `json:"private,omitempty"`
}

// SetPlayMode toggles the room between open and in_progress. Host only.
type SetPlayMode struct {
	Enabled bool `json:"enabled"`
}

// SetGameState writes one key of the room's custom game state. Host only.
type SetGameState struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// CustomEvent is an application-defined event relayed to every other member
// of the sender's room in the order the room receives them.
type CustomEvent struct {
	EventName string `json:"event_name"`
	Data      string `json:"data,omitempty"`
}

// SetPresence replaces the sender's presence metadata in its room.
type SetPresence struct {
	AvatarURL string `json:"avatar_url,omitempty"`
	Talking   bool   `json:"talking"`
}

// ClientMessage is the envelope for everything a client sends.
type ClientMessage struct {
	RequestID string `json:"request_id,omitempty"`

	Hello              *Hello              `json:"hello,omitempty"`
	Join               *JoinRequest        `json:"join,omitempty"`
	Leave              *LeaveRequest       `json:"leave,omitempty"`
	StateUpdate        *StateUpdate        `json:"state_update,omitempty"`
	Heartbeat          *Heartbeat          `json:"heartbeat,omitempty"`
	MatchmakingEnqueue *MatchmakingEnqueue `json:"matchmaking_enqueue,omitempty"`
	MatchmakingCancel  *MatchmakingCancel  `json:"matchmaking_cancel,omitempty"`
	CreateRoom         *CreateRoomRequest  `json:"create_room,omitempty"`
	SetPlayMode        *SetPlayMode        `json:"set_play_mode,omitempty"`
	SetGameState       *SetGameState       `json:"set_game_state,omitempty"`
	CustomEvent        *CustomEvent        `json:"custom_event,omitempty"`
	SetPresence        *SetPresence        `json:"set_presence,omitempty"`
}

// ---- outbound ----

// Welcome confirms the authenticated identity bound to the connection.
type Welcome struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
}

// RoomSnapshot is the complete view of a room handed to a joining member.
type RoomSnapshot struct {
	RoomID     string            `json:"room_id"`
	GameID     string            `json:"game_id"`
	Host       string            `json:"host"`
	Mode       string            `json:"mode"`
	Capacity   int               `json:"capacity"`
	Tick       uint64            `json:"tick"`
	Members    []MemberInfo      `json:"members"`
	Transforms []PlayerTransform `json:"transforms,omitempty"`
	GameState  map[string]string `json:"game_state,omitempty"`
}

// JoinAck is sent only to the joining member, after MemberJoined has been
// delivered to everyone already present.
type JoinAck struct {
	RoomID   string        `json:"room_id"`
	Snapshot *RoomSnapshot `json:"snapshot"`
}

// MemberJoined announces a new member.
type MemberJoined struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
}

// MemberLeft announces a departed member.
type MemberLeft struct {
	PlayerID string `json:"player_id"`
}

// HostChanged announces host migration.
type HostChanged struct {
	NewHostID string `json:"new_host_id"`
}

// ModeChanged announces a play mode transition.
type ModeChanged struct {
	Mode string `json:"mode"`
}

// StateSnapshot carries either the Transforms changed since the previous
// tick (Full=false) or every member's Transform (Full=true).
type StateSnapshot struct {
	Tick       uint64            `json:"tick"`
	Full       bool              `json:"full"`
	Transforms []PlayerTransform `json:"transforms"`
	GameState  map[string]string `json:"game_state,omitempty"`
}

// GameStateChanged announces a custom game state write.
type GameStateChanged struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// CustomEventRelayed delivers another member's CustomEvent.
type CustomEventRelayed struct {
	PlayerID  string `json:"player_id"`
	EventName string `json:"event_name"`
	Data      string `json:"data,omitempty"`
}

// MemberUpdated announces a member's new presence metadata.
type MemberUpdated struct {
	PlayerID  string `json:"player_id"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Talking   bool   `json:"talking"`
}

// RoomClosed tells members the room no longer exists.
type RoomClosed struct {
	RoomID string `json:"room_id"`
	Reason string `json:"reason,omitempty"`
}

// RoomCreated confirms a CreateRoomRequest.
type RoomCreated struct {
	RoomID string `json:"room_id"`
}

// MatchmakingQueued confirms a ticket was accepted.
type MatchmakingQueued struct {
	TicketID string `json:"ticket_id"`
}

// MatchmakingCancelled confirms a ticket was withdrawn.
type MatchmakingCancelled struct {
	TicketID string `json:"ticket_id"`
}

// MatchFound tells a player which room the ticket resolved into.
type MatchFound struct {
	TicketID string `json:"ticket_id"`
	RoomID   string `json:"room_id"`
}

// MatchmakingExpired tells a player the ticket waited too long.
type MatchmakingExpired struct {
	TicketID string `json:"ticket_id"`
}

// ErrorEvent reports a rejected request to its originator only.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerEvent is the envelope for everything the server sends.
type ServerEvent struct {
	RequestID string `json:"request_id,omitempty"`

	Welcome              *Welcome              `json:"welcome,omitempty"`
	JoinAck              *JoinAck              `json:"join_ack,omitempty"`
	MemberJoined         *MemberJoined         `json:"member_joined,omitempty"`
	MemberLeft           *MemberLeft           `json:"member_left,omitempty"`
	HostChanged          *HostChanged          `json:"host_changed,omitempty"`
	ModeChanged          *ModeChanged          `json:"mode_changed,omitempty"`
	StateSnapshot        *StateSnapshot        `json:"state_snapshot,omitempty"`
	GameStateChanged     *GameStateChanged     `json:"game_state_changed,omitempty"`
	CustomEvent          *CustomEventRelayed   `json:"custom_event,omitempty"`
	MemberUpdated        *MemberUpdated        `json:"member_updated,omitempty"`
	RoomClosed           *RoomClosed           `json:"room_closed,omitempty"`
	RoomCreated          *RoomCreated          `json:"room_created,omitempty"`
	MatchmakingQueued    *MatchmakingQueued    `json:"matchmaking_queued,omitempty"`
	MatchmakingCancelled *MatchmakingCancelled `json:"matchmaking_cancelled,omitempty"`
	MatchFound           *MatchFound           `json:"match_found,omitempty"`
	MatchmakingExpired   *MatchmakingExpired   `json:"matchmaking_expired,omitempty"`
	Error                *ErrorEvent           `json:"error,omitempty"`
}
