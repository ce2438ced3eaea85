package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	gamev1 "github.com/cory-johannsen/vrserver/internal/gameserver/gamev1"
)

var (
	// ErrDuplicateSession is returned by Bind when the player is already bound.
	ErrDuplicateSession = errors.New("duplicate session")
	// ErrNoSession is returned when an operation names an unbound player.
	ErrNoSession = errors.New("no session")
	// ErrAlreadyInRoom is returned by ClaimRoom when the player is a member of
	// a different room.
	ErrAlreadyInRoom = errors.New("already in another room")
)

// RoomLeaver removes a player's connection from a room. The room registry
// implements it so that Unbind can trigger the leave side effect. A leave
// naming a connection the room no longer holds for the player is a no-op.
type RoomLeaver interface {
	LeaveRoom(ctx context.Context, roomID, playerID, connID string) error
}

// PlayerSession is one connected, authenticated player.
type PlayerSession struct {
	// ID is the externally issued player id.
	ID string
	// DisplayName is shown to other members.
	DisplayName string
	// ConnID identifies this connection; a reconnect gets a new one.
	ConnID string

	outbox       *Outbox
	roomID       atomic.String
	lastActivity atomic.Int64
	lastSequence atomic.Uint64
}

// Push queues ev for delivery to this player without blocking.
func (s *PlayerSession) Push(ev *gamev1.ServerEvent) error {
	return s.outbox.Push(ev)
}

// Events returns the outbound event channel, closed on Unbind.
func (s *PlayerSession) Events() <-chan *gamev1.ServerEvent {
	return s.outbox.Events()
}

// RoomID returns the room the player currently occupies, or "".
func (s *PlayerSession) RoomID() string {
	return s.roomID.Load()
}

// Touch records activity now.
func (s *PlayerSession) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last accepted update or heartbeat.
func (s *PlayerSession) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// AdvanceSequence accepts seq when it is strictly greater than the last
// accepted sequence number and reports whether it did. The stored value
// never moves backwards, so it survives leaving and rejoining rooms.
func (s *PlayerSession) AdvanceSequence(seq uint64) bool {
	for {
		last := s.lastSequence.Load()
		if seq <= last {
			return false
		}
		if s.lastSequence.CompareAndSwap(last, seq) {
			return true
		}
	}
}

// LastSequence returns the last accepted update sequence number.
func (s *PlayerSession) LastSequence() uint64 {
	return s.lastSequence.Load()
}

// Manager is the session registry. It owns the platform-wide membership
// index: a player id maps to at most one room at any instant.
// All methods are safe for concurrent use.
type Manager struct {
	mu         sync.RWMutex
	players    map[string]*PlayerSession // player id → session
	outboxSize int
	leaver     RoomLeaver
}

// NewManager creates an empty Manager whose outboxes buffer outboxSize events.
func NewManager(outboxSize int) *Manager {
	return &Manager{
		players:    make(map[string]*PlayerSession),
		outboxSize: outboxSize,
	}
}

// AttachLeaver sets the RoomLeaver used by Unbind.
//
// Precondition: called once during wiring, before sessions are bound.
func (m *Manager) AttachLeaver(l RoomLeaver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaver = l
}

// Bind registers a connection for playerID.
//
// Precondition: playerID must be non-empty.
// Postcondition: Returns the new session, or ErrDuplicateSession if the
// player is already bound.
func (m *Manager) Bind(playerID, displayName string) (*PlayerSession, error) {
	if playerID == "" {
		return nil, errors.New("player id must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.players[playerID]; exists {
		return nil, fmt.Errorf("player %q: %w", playerID, ErrDuplicateSession)
	}

	connID := uuid.New().String()
	sess := &PlayerSession{
		ID:          playerID,
		DisplayName: displayName,
		ConnID:      connID,
		outbox:      NewOutbox(connID, m.outboxSize),
	}
	sess.Touch()
	m.players[playerID] = sess
	return sess, nil
}

// Unbind releases the player's connection and, when the player is in a room,
// leaves it exactly once. Unbinding an unknown player is a no-op.
func (m *Manager) Unbind(ctx context.Context, playerID string) {
	m.unbind(ctx, playerID, "")
}

// UnbindConn is Unbind restricted to a specific connection, so a stale
// connection cannot tear down the player's newer session.
func (m *Manager) UnbindConn(ctx context.Context, playerID, connID string) {
	m.unbind(ctx, playerID, connID)
}

func (m *Manager) unbind(ctx context.Context, playerID, connID string) {
	m.mu.Lock()
	sess, exists := m.players[playerID]
	if !exists || (connID != "" && sess.ConnID != connID) {
		m.mu.Unlock()
		return
	}
	delete(m.players, playerID)
	roomID := sess.roomID.Load()
	leaver := m.leaver
	m.mu.Unlock()

	sess.outbox.Close()

	if roomID != "" && leaver != nil {
		// The leave path calls ReleaseRoom, which is a no-op for an unbound
		// player; the membership index entry went away with the session.
		_ = leaver.LeaveRoom(ctx, roomID, playerID, sess.ConnID)
	}
}

// Get returns the session bound to playerID.
func (m *Manager) Get(playerID string) (*PlayerSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.players[playerID]
	return sess, ok
}

// CurrentRoom returns the player's room, if any.
func (m *Manager) CurrentRoom(playerID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.players[playerID]
	if !ok {
		return "", false
	}
	roomID := sess.roomID.Load()
	return roomID, roomID != ""
}

// ClaimRoom records roomID as the player's single membership.
//
// Postcondition: Returns nil when the player now belongs to roomID (including
// when it already did), ErrNoSession when unbound, or ErrAlreadyInRoom when
// the player belongs to a different room.
func (m *Manager) ClaimRoom(playerID, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.players[playerID]
	if !ok {
		return fmt.Errorf("player %q: %w", playerID, ErrNoSession)
	}
	current := sess.roomID.Load()
	if current != "" && current != roomID {
		return fmt.Errorf("player %q in %s: %w", playerID, current, ErrAlreadyInRoom)
	}
	sess.roomID.Store(roomID)
	return nil
}

// ReleaseRoom clears the player's membership if it is roomID.
func (m *Manager) ReleaseRoom(playerID, roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.players[playerID]; ok {
		sess.roomID.CompareAndSwap(roomID, "")
	}
}

// Idle returns the ids of sessions whose last activity is older than
// timeout relative to now, sorted for deterministic reaping.
func (m *Manager) Idle(now time.Time, timeout time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var idle []string
	for id, sess := range m.players {
		if now.Sub(sess.LastActivity()) > timeout {
			idle = append(idle, id)
		}
	}
	sort.Strings(idle)
	return idle
}

// PlayerCount returns the number of bound sessions.
func (m *Manager) PlayerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.players)
}
