// Package matchmaking groups waiting players into new rooms.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/cory-johannsen/vrserver/internal/game/catalog"
	"github.com/cory-johannsen/vrserver/internal/game/room"
	"github.com/cory-johannsen/vrserver/internal/game/session"
	gamev1 "github.com/cory-johannsen/vrserver/internal/gameserver/gamev1"
)

var (
	// ErrTicketNotFound is returned when a ticket is unknown or was already consumed.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrAlreadyQueued is returned when the player already holds a ticket.
	ErrAlreadyQueued = errors.New("already queued")
)

// Criteria selects the bucket a ticket waits in.
type Criteria struct {
	GameID string
	Skill  string
	Region string
}

// Ticket is a pending matchmaking request.
type Ticket struct {
	ID         string
	PlayerID   string
	Criteria   Criteria
	EnqueuedAt time.Time
}

// Match is a room formed by one pass.
type Match struct {
	RoomID  string
	GameID  string
	Tickets []Ticket
}

// Sessions is the subset of the session registry the engine consults.
type Sessions interface {
	Get(playerID string) (*session.PlayerSession, bool)
	CurrentRoom(playerID string) (string, bool)
}

// Placer creates rooms and moves players in and out of them. *room.Registry
// implements it.
type Placer interface {
	Create(ctx context.Context, req room.CreateRequest) (string, error)
	Join(ctx context.Context, roomID, playerID string) (*gamev1.JoinAck, error)
	Leave(ctx context.Context, roomID, playerID string) error
}

// Games resolves game templates. *catalog.Catalog implements it.
type Games interface {
	Resolve(id string) (catalog.Game, error)
}

// Options configures the matching pass.
type Options struct {
	// Interval between passes when driven by Run.
	Interval time.Duration
	// PartialAfter is how long the oldest ticket of a bucket waits before a
	// room is formed with fewer than the target size. Zero disables partial rooms.
	PartialAfter time.Duration
	// ExpireAfter removes tickets that waited this long without placement.
	// Zero disables expiry.
	ExpireAfter time.Duration
}

// Stats counts engine activity.
type Stats struct {
	Pending int   `json:"pending"`
	Matched int64 `json:"matched"`
	Expired int64 `json:"expired"`
}

// Engine is the matchmaking engine. All methods are safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	tickets  map[string]*Ticket // ticket id → ticket
	byPlayer map[string]string  // player id → ticket id

	sessions Sessions
	placer   Placer
	games    Games
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	matched atomic.Int64
	expired atomic.Int64
}

// NewEngine creates an Engine with an empty queue.
//
// Precondition: every argument must be non-nil.
func NewEngine(sessions Sessions, placer Placer, games Games, opts Options, logger *zap.Logger) *Engine {
	return &Engine{
		tickets:  make(map[string]*Ticket),
		byPlayer: make(map[string]string),
		sessions: sessions,
		placer:   placer,
		games:    games,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Enqueue creates a ticket for playerID.
//
// Postcondition: Returns the ticket id, or an error when the player is
// unbound (session.ErrNoSession), already in a room
// (session.ErrAlreadyInRoom), already queued (ErrAlreadyQueued) or asks for
// an unknown game (catalog.ErrUnknownGame).
func (e *Engine) Enqueue(playerID string, criteria Criteria) (string, error) {
	if _, ok := e.sessions.Get(playerID); !ok {
		return "", fmt.Errorf("player %q: %w", playerID, session.ErrNoSession)
	}
	if roomID, in := e.sessions.CurrentRoom(playerID); in {
		return "", fmt.Errorf("player %q in %s: %w", playerID, roomID, session.ErrAlreadyInRoom)
	}
	if _, err := e.games.Resolve(criteria.GameID); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.byPlayer[playerID]; ok {
		return "", fmt.Errorf("player %q holds %s: %w", playerID, id, ErrAlreadyQueued)
	}
	now := e.now()
	t := &Ticket{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		PlayerID:   playerID,
		Criteria:   criteria,
		EnqueuedAt: now,
	}
	e.tickets[t.ID] = t
	e.byPlayer[playerID] = t.ID

	e.logger.Debug("ticket enqueued",
		zap.String("ticket_id", t.ID),
		zap.String("player_id", playerID),
		zap.String("game_id", criteria.GameID),
		zap.String("skill", criteria.Skill),
		zap.String("region", criteria.Region),
	)
	return t.ID, nil
}

// Cancel removes a pending ticket. A ticket consumed by a pass is gone;
// cancelling it returns ErrTicketNotFound.
func (e *Engine) Cancel(ticketID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tickets[ticketID]
	if !ok {
		return fmt.Errorf("%s: %w", ticketID, ErrTicketNotFound)
	}
	e.removeLocked(t)
	return nil
}

// CancelPlayer removes the player's pending ticket, if any.
func (e *Engine) CancelPlayer(playerID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byPlayer[playerID]
	if !ok {
		return false
	}
	e.removeLocked(e.tickets[id])
	return true
}

// Ticket returns a pending ticket.
func (e *Engine) Ticket(ticketID string) (Ticket, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tickets[ticketID]
	if !ok {
		return Ticket{}, false
	}
	return *t, true
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	pending := len(e.tickets)
	e.mu.Unlock()
	return Stats{Pending: pending, Matched: e.matched.Load(), Expired: e.expired.Load()}
}

func (e *Engine) removeLocked(t *Ticket) {
	delete(e.tickets, t.ID)
	delete(e.byPlayer, t.PlayerID)
}

type bucket struct {
	criteria Criteria
	tickets  []*Ticket
}

// Pass runs one matching pass and returns the rooms it formed, in the order
// they were formed.
//
// Buckets are serviced oldest-ticket-first. Within a bucket tickets are
// placed in enqueue order. Tickets selected for a room are consumed before
// placement starts.
func (e *Engine) Pass(ctx context.Context) []Match {
	now := e.now()

	e.mu.Lock()
	groups := e.planLocked(now)
	expired := e.expireLocked(now)
	e.mu.Unlock()

	for _, t := range expired {
		e.expired.Inc()
		e.notify(t.PlayerID, &gamev1.ServerEvent{MatchmakingExpired: &gamev1.MatchmakingExpired{TicketID: t.ID}})
		e.logger.Info("ticket expired", zap.String("ticket_id", t.ID), zap.String("player_id", t.PlayerID))
	}

	var matches []Match
	for _, group := range groups {
		if ctx.Err() != nil {
			e.requeue(group)
			continue
		}
		if m, ok := e.place(ctx, group); ok {
			matches = append(matches, m)
		}
	}
	return matches
}

// planLocked selects the ticket groups to place this pass and removes them
// from the queue.
func (e *Engine) planLocked(now time.Time) [][]Ticket {
	byCriteria := make(map[Criteria]*bucket)
	var buckets []*bucket
	for _, t := range e.tickets {
		b, ok := byCriteria[t.Criteria]
		if !ok {
			b = &bucket{criteria: t.Criteria}
			byCriteria[t.Criteria] = b
			buckets = append(buckets, b)
		}
		b.tickets = append(b.tickets, t)
	}
	for _, b := range buckets {
		sort.Slice(b.tickets, func(i, j int) bool { return older(b.tickets[i], b.tickets[j]) })
	}
	sort.Slice(buckets, func(i, j int) bool { return older(buckets[i].tickets[0], buckets[j].tickets[0]) })

	var groups [][]Ticket
	for _, b := range buckets {
		target := e.targetSize(b.criteria.GameID)
		waiting := b.tickets
		for len(waiting) >= target {
			groups = append(groups, e.takeLocked(waiting[:target]))
			waiting = waiting[target:]
		}
		if e.opts.PartialAfter > 0 && len(waiting) >= 2 && now.Sub(waiting[0].EnqueuedAt) >= e.opts.PartialAfter {
			groups = append(groups, e.takeLocked(waiting))
		}
	}
	return groups
}

func (e *Engine) takeLocked(ts []*Ticket) []Ticket {
	out := make([]Ticket, len(ts))
	for i, t := range ts {
		out[i] = *t
		e.removeLocked(t)
	}
	return out
}

func (e *Engine) expireLocked(now time.Time) []Ticket {
	if e.opts.ExpireAfter <= 0 {
		return nil
	}
	var expired []*Ticket
	for _, t := range e.tickets {
		if now.Sub(t.EnqueuedAt) >= e.opts.ExpireAfter {
			expired = append(expired, t)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return older(expired[i], expired[j]) })
	return e.takeLocked(expired)
}

func (e *Engine) targetSize(gameID string) int {
	g, err := e.games.Resolve(gameID)
	if err != nil || g.MatchSize < 2 {
		return 2
	}
	return g.MatchSize
}

func older(a, b *Ticket) bool {
	if a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.ID < b.ID
	}
	return a.EnqueuedAt.Before(b.EnqueuedAt)
}

// place creates a private room for group. Players that disconnected or
// joined another room since enqueueing are dropped; when fewer than two
// remain, before or after the joins, the survivors go back into the queue
// with their original position.
func (e *Engine) place(ctx context.Context, group []Ticket) (Match, bool) {
	var ready []Ticket
	for _, t := range group {
		if _, ok := e.sessions.Get(t.PlayerID); !ok {
			e.logger.Debug("dropping ticket of disconnected player", zap.String("ticket_id", t.ID))
			continue
		}
		if _, in := e.sessions.CurrentRoom(t.PlayerID); in {
			e.logger.Debug("dropping ticket of player already in a room", zap.String("ticket_id", t.ID))
			continue
		}
		ready = append(ready, t)
	}
	if len(ready) < 2 {
		e.requeue(ready)
		return Match{}, false
	}

	game, err := e.games.Resolve(ready[0].Criteria.GameID)
	if err != nil {
		e.logger.Warn("game vanished from catalog", zap.String("game_id", ready[0].Criteria.GameID), zap.Error(err))
		return Match{}, false
	}

	var (
		roomID string
		placed []Ticket
		missed []Ticket
	)
	for i, t := range ready {
		if roomID == "" {
			id, err := e.placer.Create(ctx, room.CreateRequest{
				GameID:   game.ID,
				HostID:   t.PlayerID,
				Capacity: max(game.Capacity, len(ready)),
				Public:   false,
			})
			if err != nil {
				e.logger.Debug("creating match room", zap.String("host", t.PlayerID), zap.Error(err))
				if len(ready)-i-1 < 2 {
					e.requeue(ready[i+1:])
					return Match{}, false
				}
				continue
			}
			roomID = id
			placed = append(placed, t)
			continue
		}
		if _, err := e.placer.Join(ctx, roomID, t.PlayerID); err != nil {
			e.logger.Debug("joining match room",
				zap.String("room_id", roomID),
				zap.String("player_id", t.PlayerID),
				zap.Error(err),
			)
			missed = append(missed, t)
			continue
		}
		placed = append(placed, t)
	}
	e.requeue(e.waiting(missed))

	if len(placed) < 2 {
		// Only the host made it in: take it back out, which destroys the
		// room, and return its ticket to the queue.
		for _, t := range placed {
			if err := e.placer.Leave(ctx, roomID, t.PlayerID); err != nil {
				e.logger.Warn("abandoning match room",
					zap.String("room_id", roomID),
					zap.String("player_id", t.PlayerID),
					zap.Error(err),
				)
			}
		}
		e.requeue(placed)
		return Match{}, false
	}

	for _, t := range placed {
		e.notify(t.PlayerID, &gamev1.ServerEvent{MatchFound: &gamev1.MatchFound{TicketID: t.ID, RoomID: roomID}})
	}
	e.matched.Add(int64(len(placed)))
	e.logger.Info("match formed",
		zap.String("room_id", roomID),
		zap.String("game_id", game.ID),
		zap.Int("players", len(placed)),
		zap.Int("target", e.targetSize(game.ID)),
	)
	return Match{RoomID: roomID, GameID: game.ID, Tickets: placed}, true
}

// waiting filters ts down to players that are still connected and not in a
// room, so their tickets can go back into the queue.
func (e *Engine) waiting(ts []Ticket) []Ticket {
	var out []Ticket
	for _, t := range ts {
		if _, ok := e.sessions.Get(t.PlayerID); !ok {
			continue
		}
		if _, in := e.sessions.CurrentRoom(t.PlayerID); in {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (e *Engine) requeue(ts []Ticket) {
	if len(ts) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range ts {
		if _, queued := e.byPlayer[t.PlayerID]; queued {
			continue
		}
		e.tickets[t.ID] = &t
		e.byPlayer[t.PlayerID] = t.ID
	}
}

func (e *Engine) notify(playerID string, ev *gamev1.ServerEvent) {
	sess, ok := e.sessions.Get(playerID)
	if !ok {
		return
	}
	if err := sess.Push(ev); err != nil {
		e.logger.Debug("dropping matchmaking event", zap.String("player_id", playerID), zap.Error(err))
	}
}

// Run executes Pass every Interval until ctx is cancelled.
//
// Postcondition: Returns ctx.Err() when ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Pass(ctx)
		}
	}
}
