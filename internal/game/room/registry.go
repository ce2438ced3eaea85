package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/vrserver/internal/game/session"
	"github.com/cory-johannsen/vrserver/internal/game/tick"
	gamev1 "github.com/cory-johannsen/vrserver/internal/gameserver/gamev1"
)

// CreateRequest describes a room to create.
type CreateRequest struct {
	GameID   string
	HostID   string
	Capacity int
	Public   bool
}

// Stats summarises the registry.
type Stats struct {
	Rooms          int   `json:"rooms"`
	Players        int   `json:"players"`
	Sessions       int   `json:"sessions"`
	RoomsCreated   int64 `json:"rooms_created"`
	RoomsDestroyed int64 `json:"rooms_destroyed"`
}

// Registry creates, looks up and tears down rooms. It subscribes to every
// room it creates and forwards their events to its own subscribers.
// All methods are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[string]*Room
	sessions  *session.Manager
	ticks     *tick.Scheduler
	opts      Options
	subs      []Subscriber
	logger    *zap.Logger
	created   atomic.Int64
	destroyed atomic.Int64
	pending   sync.WaitGroup
}

// NewRegistry creates an empty Registry.
//
// Precondition: sessions and logger must be non-nil. ticks may be nil, in
// which case rooms only advance through Room.Tick.
func NewRegistry(sessions *session.Manager, ticks *tick.Scheduler, opts Options, logger *zap.Logger, subs ...Subscriber) *Registry {
	return &Registry{
		rooms:    make(map[string]*Room),
		sessions: sessions,
		ticks:    ticks,
		opts:     opts,
		subs:     subs,
		logger:   logger,
	}
}

// CreateRoom creates a public room for gameID and joins hostPlayerID to it.
func (g *Registry) CreateRoom(ctx context.Context, gameID, hostPlayerID string, capacity int) (string, error) {
	return g.Create(ctx, CreateRequest{GameID: gameID, HostID: hostPlayerID, Capacity: capacity, Public: true})
}

// Create creates an empty room, schedules its tick and performs the host's
// join.
//
// Postcondition: Returns the new room id with the host as sole member, or
// an error; a room whose host join fails is torn down before returning.
func (g *Registry) Create(ctx context.Context, req CreateRequest) (string, error) {
	if err := ValidateCapacity(req.Capacity); err != nil {
		return "", err
	}
	sess, ok := g.sessions.Get(req.HostID)
	if !ok {
		return "", fmt.Errorf("host %q: %w", req.HostID, session.ErrNoSession)
	}
	if current, in := g.sessions.CurrentRoom(req.HostID); in {
		return "", fmt.Errorf("host %q in %s: %w", req.HostID, current, session.ErrAlreadyInRoom)
	}

	opts := g.opts
	opts.Public = req.Public
	id := "room_" + uuid.New().String()
	r, err := New(id, req.GameID, req.Capacity, opts, g.sessions, g, g.logger)
	if err != nil {
		return "", err
	}

	g.mu.Lock()
	g.rooms[id] = r
	g.mu.Unlock()

	r.Start()
	if g.ticks != nil {
		g.ticks.Register(id, r.RequestTick)
	}
	g.created.Inc()

	if _, err := r.Join(ctx, sess); err != nil {
		if removed, ok := g.remove(id); ok {
			g.release(removed)
		}
		return "", fmt.Errorf("joining host to %s: %w", id, err)
	}

	g.logger.Info("room created",
		zap.String("room_id", id),
		zap.String("game_id", req.GameID),
		zap.String("host", req.HostID),
		zap.Int("capacity", req.Capacity),
		zap.Bool("public", req.Public),
	)
	return id, nil
}

// GetRoom returns the room with roomID or ErrNotFound.
func (g *Registry) GetRoom(roomID string) (*Room, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", roomID, ErrNotFound)
	}
	return r, nil
}

// Join adds a bound player to an existing room.
func (g *Registry) Join(ctx context.Context, roomID, playerID string) (*gamev1.JoinAck, error) {
	r, err := g.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	sess, ok := g.sessions.Get(playerID)
	if !ok {
		return nil, fmt.Errorf("player %q: %w", playerID, session.ErrNoSession)
	}
	return r.Join(ctx, sess)
}

// Leave removes playerID from roomID. Unknown rooms and absent players are
// no-ops. A room emptied by the departure is destroyed before Leave returns.
func (g *Registry) Leave(ctx context.Context, roomID, playerID string) error {
	return g.leave(ctx, roomID, playerID, "")
}

// LeaveRoom implements session.RoomLeaver. Only the membership held by
// connID is removed, so a disconnect that races a reconnect cannot evict the
// player's new connection.
func (g *Registry) LeaveRoom(ctx context.Context, roomID, playerID, connID string) error {
	return g.leave(ctx, roomID, playerID, connID)
}

func (g *Registry) leave(ctx context.Context, roomID, playerID, connID string) error {
	r, err := g.GetRoom(roomID)
	if err != nil {
		return nil
	}
	if err := r.LeaveConn(ctx, playerID, connID); err != nil {
		return err
	}
	if info := r.Info(); info.State == StateClosing && len(info.Members) == 0 {
		if err := g.DestroyRoom(roomID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// DestroyRoom releases a Closing room with no members: its tick is
// unscheduled, its worker stopped and EventDestroyed is emitted so the voice
// channel is released.
//
// Postcondition: Returns ErrNotFound for unknown rooms and ErrWrongState for
// rooms that are not Closing or still have members.
func (g *Registry) DestroyRoom(roomID string) error {
	g.mu.Lock()
	r, ok := g.rooms[roomID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%s: %w", roomID, ErrNotFound)
	}
	info := r.Info()
	if info.State != StateClosing || len(info.Members) > 0 {
		g.mu.Unlock()
		return fmt.Errorf("destroy %s in state %s with %d members: %w", roomID, info.State, len(info.Members), ErrWrongState)
	}
	delete(g.rooms, roomID)
	g.mu.Unlock()

	g.release(r)
	return nil
}

func (g *Registry) remove(roomID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomID]
	if ok {
		delete(g.rooms, roomID)
	}
	return r, ok
}

func (g *Registry) release(r *Room) {
	if g.ticks != nil {
		g.ticks.Unregister(r.id)
	}
	r.Stop()
	g.destroyed.Inc()
	g.forward(Event{Kind: EventDestroyed, RoomID: r.id, GameID: r.gameID, State: StateClosing})
	g.logger.Info("room destroyed", zap.String("room_id", r.id), zap.String("game_id", r.gameID))
}

// OnRoomEvent implements Subscriber for the rooms this registry owns.
func (g *Registry) OnRoomEvent(ev Event) {
	g.forward(ev)
	if ev.Kind == EventClosed {
		// Runs on the room's worker; destruction waits for that worker to
		// exit, so it must happen elsewhere.
		g.pending.Add(1)
		go func() {
			defer g.pending.Done()
			if err := g.DestroyRoom(ev.RoomID); err != nil && !errors.Is(err, ErrNotFound) {
				g.logger.Warn("destroying closed room", zap.String("room_id", ev.RoomID), zap.Error(err))
			}
		}()
	}
}

func (g *Registry) forward(ev Event) {
	for _, s := range g.subs {
		s.OnRoomEvent(ev)
	}
}

// FindRooms lists public rooms for gameID that can still be joined, oldest
// first. An empty gameID matches every game.
func (g *Registry) FindRooms(gameID string) []Info {
	var out []Info
	for _, info := range g.Rooms() {
		if !info.Public || info.State == StateClosing || len(info.Members) == 0 || info.Full() {
			continue
		}
		if gameID != "" && info.GameID != gameID {
			continue
		}
		out = append(out, info)
	}
	return out
}

// Rooms returns an Info for every live room, oldest first.
func (g *Registry) Rooms() []Info {
	g.mu.RLock()
	out := make([]Info, 0, len(g.rooms))
	for _, r := range g.rooms {
		out = append(out, r.Info())
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats returns registry counters.
func (g *Registry) Stats() Stats {
	rooms := g.Rooms()
	players := 0
	for _, info := range rooms {
		players += len(info.Members)
	}
	return Stats{
		Rooms:          len(rooms),
		Players:        players,
		Sessions:       g.sessions.PlayerCount(),
		RoomsCreated:   g.created.Load(),
		RoomsDestroyed: g.destroyed.Load(),
	}
}

// Shutdown closes every room in parallel, evicting members with RoomClosed,
// then releases them.
func (g *Registry) Shutdown(ctx context.Context) error {
	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.RUnlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, r := range rooms {
		eg.Go(func() error {
			if err := r.Close(egCtx, "server shutting down"); err != nil && !errors.Is(err, ErrWrongState) {
				return fmt.Errorf("closing %s: %w", r.id, err)
			}
			return nil
		})
	}
	err := eg.Wait()

	for _, r := range rooms {
		if removed, ok := g.remove(r.id); ok {
			g.release(removed)
		}
	}
	g.pending.Wait()
	return err
}
