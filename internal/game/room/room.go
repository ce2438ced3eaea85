// Package room implements the authoritative per-room state-sync engine and
// the registry that owns room lifecycles.
//
// Every operation on a Room is executed by that room's single worker
// goroutine, strictly one at a time and in arrival order. Different rooms
// run fully in parallel.
package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/cory-johannsen/vrserver/internal/game/session"
	gamev1 "github.com/cory-johannsen/vrserver/internal/gameserver/gamev1"
)

// Options tunes room behaviour.
type Options struct {
	// Public rooms are listed by Registry.FindRooms.
	Public bool
	// FullSnapshotEvery sends a full snapshot every N ticks; <= 0 disables it.
	FullSnapshotEvery int
	// EchoToSource includes a recipient's own Transform in snapshots it receives.
	EchoToSource bool
	// QueueSize bounds the worker's inbound queue.
	QueueSize int
}

// Memberships is the platform-wide membership index consulted before a room
// admits a player. *session.Manager implements it.
type Memberships interface {
	ClaimRoom(playerID, roomID string) error
	ReleaseRoom(playerID, roomID string)
}

type member struct {
	sess         *session.PlayerSession
	transform    gamev1.Transform
	hasTransform bool
	dirty        bool
	avatarURL    string
	talking      bool
}

// Room is one isolated game instance.
type Room struct {
	id          string
	gameID      string
	capacity    int
	opts        Options
	createdAt   time.Time
	memberships Memberships
	subscriber  Subscriber
	logger      *zap.Logger

	inbox       chan func()
	quit        chan struct{}
	stopped     chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
	started     atomic.Bool
	tickPending atomic.Bool
	info        atomic.Pointer[Info]

	// Owned by the worker goroutine.
	order     []string
	members   map[string]*member
	host      string
	state     State
	tickCount uint64
	gameState map[string]string
}

// New creates a stopped, empty room in state Open.
//
// Precondition: memberships and logger must be non-nil; subscriber may be nil.
// Postcondition: Returns ErrInvalidCapacity when capacity is out of range.
func New(id, gameID string, capacity int, opts Options, memberships Memberships, subscriber Subscriber, logger *zap.Logger) (*Room, error) {
	if err := ValidateCapacity(capacity); err != nil {
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	r := &Room{
		id:          id,
		gameID:      gameID,
		capacity:    capacity,
		opts:        opts,
		createdAt:   time.Now(),
		memberships: memberships,
		subscriber:  subscriber,
		logger:      logger.With(zap.String("room_id", id), zap.String("game_id", gameID)),
		inbox:       make(chan func(), opts.QueueSize),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		members:     make(map[string]*member),
		state:       StateOpen,
		gameState:   make(map[string]string),
	}
	r.publishInfo()
	return r, nil
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// Info returns the latest consistent snapshot of the room.
func (r *Room) Info() Info {
	return *r.info.Load()
}

// Start launches the worker goroutine. Safe to call more than once.
func (r *Room) Start() {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.run()
	})
}

// Stop terminates the worker and waits for it to exit. Queued operations
// that have not run are discarded.
func (r *Room) Stop() {
	r.stopOnce.Do(func() { close(r.quit) })
	if r.started.Load() {
		<-r.stopped
	}
}

func (r *Room) run() {
	defer close(r.stopped)
	for {
		select {
		case <-r.quit:
			return
		case fn := <-r.inbox:
			fn()
		}
	}
}

// do runs fn on the worker and waits for it to finish.
func (r *Room) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case r.inbox <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return errStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		select {
		case <-done:
			return nil
		default:
			return errStopped
		}
	}
}

// Join admits sess as a member.
//
// Postcondition: On success the player is appended to the join order, every
// existing member has been sent MemberJoined, and then the new member has been
// sent its JoinAck. A player that is already a member on the same connection
// gets the current ack together with ErrAlreadyMember and nothing else
// changes; on a new connection the membership moves to that connection.
func (r *Room) Join(ctx context.Context, sess *session.PlayerSession) (*gamev1.JoinAck, error) {
	var (
		ack     *gamev1.JoinAck
		joinErr error
	)
	if err := r.do(ctx, func() { ack, joinErr = r.join(sess) }); err != nil {
		return nil, err
	}
	return ack, joinErr
}

func (r *Room) join(sess *session.PlayerSession) (*gamev1.JoinAck, error) {
	if r.state == StateClosing {
		return nil, fmt.Errorf("join %s: %w", r.id, ErrWrongState)
	}
	if m, ok := r.members[sess.ID]; ok {
		if m.sess.ConnID == sess.ConnID {
			return r.ack(), ErrAlreadyMember
		}
		return r.rebind(m, sess)
	}
	if len(r.order) >= r.capacity {
		return nil, fmt.Errorf("join %s: %w", r.id, ErrRoomFull)
	}
	if err := r.memberships.ClaimRoom(sess.ID, r.id); err != nil {
		return nil, err
	}

	r.broadcast(&gamev1.ServerEvent{
		MemberJoined: &gamev1.MemberJoined{PlayerID: sess.ID, DisplayName: sess.DisplayName},
	}, "")

	m := &member{sess: sess}
	r.order = append(r.order, sess.ID)
	r.members[sess.ID] = m
	if len(r.order) == 1 {
		r.host = sess.ID
		r.state = StateOpen
	}

	ack := r.ack()
	r.send(m, &gamev1.ServerEvent{JoinAck: ack})
	r.emit(Event{Kind: EventMemberJoined, PlayerID: sess.ID, ConnID: sess.ConnID})

	r.logger.Info("player joined room",
		zap.String("player_id", sess.ID),
		zap.Int("members", len(r.order)),
		zap.String("host", r.host),
	)
	if err := r.commit(); err != nil {
		return nil, err
	}
	return ack, nil
}

// rebind moves an existing member onto the player's new connection. Other
// members see no change; the old connection's pending leave no longer
// matches and is ignored.
func (r *Room) rebind(m *member, sess *session.PlayerSession) (*gamev1.JoinAck, error) {
	if err := r.memberships.ClaimRoom(sess.ID, r.id); err != nil {
		return nil, err
	}
	stale := m.sess.ConnID
	m.sess = sess
	ack := r.ack()
	r.send(m, &gamev1.ServerEvent{JoinAck: ack})
	r.emit(Event{Kind: EventMemberJoined, PlayerID: sess.ID, ConnID: sess.ConnID})
	r.logger.Info("player reconnected to room",
		zap.String("player_id", sess.ID),
		zap.String("stale_conn_id", stale),
		zap.String("conn_id", sess.ConnID),
	)
	if err := r.commit(); err != nil {
		return nil, err
	}
	return ack, nil
}

// Leave removes playerID. Leaving a room the player is not in is a no-op.
//
// Postcondition: Remaining members receive MemberLeft and then, if the host
// left, HostChanged naming the oldest remaining member. The last departure
// moves the room to Closing.
func (r *Room) Leave(ctx context.Context, playerID string) error {
	return r.LeaveConn(ctx, playerID, "")
}

// LeaveConn is Leave restricted to the member's connection connID; an empty
// connID matches any connection.
func (r *Room) LeaveConn(ctx context.Context, playerID, connID string) error {
	return r.do(ctx, func() { r.leave(playerID, connID) })
}

func (r *Room) leave(playerID, connID string) {
	m, ok := r.members[playerID]
	if !ok || (connID != "" && m.sess.ConnID != connID) {
		return
	}
	delete(r.members, playerID)
	for i, id := range r.order {
		if id == playerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.memberships.ReleaseRoom(playerID, r.id)

	r.broadcast(&gamev1.ServerEvent{MemberLeft: &gamev1.MemberLeft{PlayerID: playerID}}, "")
	r.emit(Event{Kind: EventMemberLeft, PlayerID: playerID, ConnID: m.sess.ConnID})

	if r.host == playerID {
		r.host = ""
		if len(r.order) > 0 {
			r.host = r.order[0]
			r.broadcast(&gamev1.ServerEvent{HostChanged: &gamev1.HostChanged{NewHostID: r.host}}, "")
			r.emit(Event{Kind: EventHostChanged, PlayerID: r.host})
		}
	}

	r.logger.Info("player left room",
		zap.String("player_id", playerID),
		zap.Int("members", len(r.order)),
		zap.String("host", r.host),
	)

	if len(r.order) == 0 {
		r.state = StateClosing
		r.emit(Event{Kind: EventClosed, State: StateClosing})
	}
	_ = r.commit()
}

// EnterPlayMode moves the room from Open to InProgress. Host only.
func (r *Room) EnterPlayMode(ctx context.Context, playerID string) error {
	return r.setMode(ctx, playerID, StateOpen, StateInProgress)
}

// ExitPlayMode moves the room from InProgress back to Open. Host only.
func (r *Room) ExitPlayMode(ctx context.Context, playerID string) error {
	return r.setMode(ctx, playerID, StateInProgress, StateOpen)
}

func (r *Room) setMode(ctx context.Context, playerID string, from, to State) error {
	var modeErr error
	err := r.do(ctx, func() {
		if r.state == StateClosing {
			modeErr = ErrWrongState
			return
		}
		if playerID != r.host {
			modeErr = fmt.Errorf("%s is not host of %s: %w", playerID, r.id, ErrNotAuthorized)
			return
		}
		if r.state != from {
			modeErr = fmt.Errorf("room %s is %s: %w", r.id, r.state, ErrWrongState)
			return
		}
		r.state = to
		r.broadcast(&gamev1.ServerEvent{ModeChanged: &gamev1.ModeChanged{Mode: to.String()}}, "")
		r.emit(Event{Kind: EventModeChanged, PlayerID: playerID, State: to})
		r.logger.Info("room mode changed", zap.String("mode", to.String()))
		modeErr = r.commit()
	})
	if err != nil {
		return err
	}
	return modeErr
}

// SetGameState writes key=value into the room's custom game state; an empty
// value deletes the key. Host only.
func (r *Room) SetGameState(ctx context.Context, playerID, key, value string) error {
	if key == "" {
		return ErrInvalidKey
	}
	var setErr error
	err := r.do(ctx, func() {
		if r.state == StateClosing {
			setErr = ErrWrongState
			return
		}
		if playerID != r.host {
			setErr = fmt.Errorf("%s is not host of %s: %w", playerID, r.id, ErrNotAuthorized)
			return
		}
		if value == "" {
			delete(r.gameState, key)
		} else {
			r.gameState[key] = value
		}
		r.broadcast(&gamev1.ServerEvent{GameStateChanged: &gamev1.GameStateChanged{Key: key, Value: value}}, "")
	})
	if err != nil {
		return err
	}
	return setErr
}

// SendCustomEvent relays an application event from playerID to every other
// member. Events from all members are delivered in the order the worker
// runs them.
func (r *Room) SendCustomEvent(ctx context.Context, playerID, name, data string) error {
	if name == "" || len(data) > MaxCustomEventData {
		return fmt.Errorf("%w: name %q with %d data bytes", ErrInvalidEvent, name, len(data))
	}
	var sendErr error
	err := r.do(ctx, func() {
		if sendErr = r.checkMember(playerID); sendErr != nil {
			return
		}
		r.broadcast(&gamev1.ServerEvent{CustomEvent: &gamev1.CustomEventRelayed{
			PlayerID:  playerID,
			EventName: name,
			Data:      data,
		}}, playerID)
	})
	if err != nil {
		return err
	}
	return sendErr
}

// SetPresence replaces playerID's avatar URL and talking flag and announces
// the change to the other members. Later joiners see it in their JoinAck.
func (r *Room) SetPresence(ctx context.Context, playerID, avatarURL string, talking bool) error {
	var setErr error
	err := r.do(ctx, func() {
		if setErr = r.checkMember(playerID); setErr != nil {
			return
		}
		m := r.members[playerID]
		if m.avatarURL == avatarURL && m.talking == talking {
			return
		}
		m.avatarURL = avatarURL
		m.talking = talking
		r.broadcast(&gamev1.ServerEvent{MemberUpdated: &gamev1.MemberUpdated{
			PlayerID:  playerID,
			AvatarURL: avatarURL,
			Talking:   talking,
		}}, playerID)
	})
	if err != nil {
		return err
	}
	return setErr
}

func (r *Room) checkMember(playerID string) error {
	if r.state == StateClosing {
		return ErrWrongState
	}
	if _, ok := r.members[playerID]; !ok {
		return fmt.Errorf("%s is not a member of %s: %w", playerID, r.id, ErrNotAuthorized)
	}
	return nil
}

// Close evicts every member with RoomClosed and moves the room to Closing.
func (r *Room) Close(ctx context.Context, reason string) error {
	return r.do(ctx, func() { r.closeAll(reason) })
}

func (r *Room) closeAll(reason string) {
	if r.state == StateClosing && len(r.order) == 0 {
		return
	}
	closed := &gamev1.ServerEvent{RoomClosed: &gamev1.RoomClosed{RoomID: r.id, Reason: reason}}
	for _, id := range r.order {
		m := r.members[id]
		r.send(m, closed)
		r.memberships.ReleaseRoom(id, r.id)
		r.emit(Event{Kind: EventMemberLeft, PlayerID: id, ConnID: m.sess.ConnID})
	}
	r.order = nil
	r.members = make(map[string]*member)
	r.host = ""
	r.state = StateClosing
	r.emit(Event{Kind: EventClosed, State: StateClosing})
	r.publishInfo()
}

// commit verifies the room invariants after a mutation and publishes a new
// Info snapshot. A violation force-closes the room.
func (r *Room) commit() error {
	if err := r.checkInvariants(); err != nil {
		r.logger.Error("internal consistency failure, force-closing room", zap.Error(err))
		r.closeAll("internal error")
		return err
	}
	r.publishInfo()
	return nil
}

func (r *Room) checkInvariants() error {
	if len(r.order) > r.capacity {
		return fmt.Errorf("%w: %d members exceed capacity %d", ErrInvariant, len(r.order), r.capacity)
	}
	if len(r.order) != len(r.members) {
		return fmt.Errorf("%w: order has %d entries, member set has %d", ErrInvariant, len(r.order), len(r.members))
	}
	if len(r.order) > 0 {
		if _, ok := r.members[r.host]; !ok {
			return fmt.Errorf("%w: host %q is not a member", ErrInvariant, r.host)
		}
	}
	return nil
}

func (r *Room) publishInfo() {
	members := make([]string, len(r.order))
	copy(members, r.order)
	r.info.Store(&Info{
		ID:        r.id,
		GameID:    r.gameID,
		Public:    r.opts.Public,
		Capacity:  r.capacity,
		Members:   members,
		Host:      r.host,
		State:     r.state,
		Mode:      r.state.String(),
		Tick:      r.tickCount,
		CreatedAt: r.createdAt,
	})
}

// broadcast sends ev to every member except the one named by except.
// A failing recipient never delays the others.
func (r *Room) broadcast(ev *gamev1.ServerEvent, except string) {
	for _, id := range r.order {
		if id == except {
			continue
		}
		r.send(r.members[id], ev)
	}
}

func (r *Room) send(m *member, ev *gamev1.ServerEvent) {
	if err := m.sess.Push(ev); err != nil {
		r.logger.Debug("dropping event for member",
			zap.String("player_id", m.sess.ID),
			zap.Error(err),
		)
	}
}

func (r *Room) emit(ev Event) {
	if r.subscriber == nil {
		return
	}
	ev.RoomID = r.id
	ev.GameID = r.gameID
	r.subscriber.OnRoomEvent(ev)
}

func (r *Room) ack() *gamev1.JoinAck {
	snap := &gamev1.RoomSnapshot{
		RoomID:   r.id,
		GameID:   r.gameID,
		Host:     r.host,
		Mode:     r.state.String(),
		Capacity: r.capacity,
		Tick:     r.tickCount,
		Members:  make([]gamev1.MemberInfo, 0, len(r.order)),
	}
	for _, id := range r.order {
		m := r.members[id]
		snap.Members = append(snap.Members, gamev1.MemberInfo{
			PlayerID:    id,
			DisplayName: m.sess.DisplayName,
			AvatarURL:   m.avatarURL,
			Talking:     m.talking,
		})
		if m.hasTransform {
			snap.Transforms = append(snap.Transforms, gamev1.PlayerTransform{PlayerID: id, Transform: m.transform})
		}
	}
	snap.GameState = r.copyGameState()
	return &gamev1.JoinAck{RoomID: r.id, Snapshot: snap}
}

func (r *Room) copyGameState() map[string]string {
	if len(r.gameState) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.gameState))
	for k, v := range r.gameState {
		out[k] = v
	}
	return out
}
