package room

import (
	"context"

	"go.uber.org/zap"

	gamev1 "github.com/cory-johannsen/vrserver/internal/gameserver/gamev1"
)

// SubmitUpdate queues a Transform update from playerID without blocking.
//
// The update is dropped silently when seq is not strictly greater than the
// session's last accepted sequence, when the player is not a member, or when
// the inbound queue is full. An accepted update is buffered until the next
// tick; it is never broadcast immediately.
func (r *Room) SubmitUpdate(playerID string, t gamev1.Transform, seq uint64) {
	op := func() { r.applyUpdate(playerID, t, seq) }
	select {
	case r.inbox <- op:
	default:
		r.logger.Debug("inbound queue full, dropping update",
			zap.String("player_id", playerID),
			zap.Uint64("sequence", seq),
		)
	}
}

func (r *Room) applyUpdate(playerID string, t gamev1.Transform, seq uint64) {
	m, ok := r.members[playerID]
	if !ok || !m.sess.AdvanceSequence(seq) {
		return
	}
	m.transform = t
	m.hasTransform = true
	m.dirty = true
	m.sess.Touch()
}

// RequestTick asks the worker to run a tick without blocking. Requests made
// while a tick is already queued are coalesced.
func (r *Room) RequestTick() {
	if !r.tickPending.CompareAndSwap(false, true) {
		return
	}
	op := func() {
		r.tickPending.Store(false)
		r.advance()
	}
	select {
	case r.inbox <- op:
	default:
		r.tickPending.Store(false)
	}
}

// Tick runs one tick and waits for it to complete.
func (r *Room) Tick(ctx context.Context) error {
	return r.do(ctx, r.advance)
}

// advance increments the tick counter and broadcasts the Transforms changed
// since the previous tick. Every FullSnapshotEvery ticks it broadcasts every
// member's Transform instead.
func (r *Room) advance() {
	if r.state == StateClosing || len(r.order) == 0 {
		return
	}
	r.tickCount++
	full := r.opts.FullSnapshotEvery > 0 && r.tickCount%uint64(r.opts.FullSnapshotEvery) == 0

	var changed []gamev1.PlayerTransform
	for _, id := range r.order {
		m := r.members[id]
		if m.hasTransform && (full || m.dirty) {
			changed = append(changed, gamev1.PlayerTransform{PlayerID: id, Transform: m.transform})
		}
		m.dirty = false
	}

	if !full && len(changed) == 0 {
		r.publishInfo()
		return
	}

	var gameState map[string]string
	if full {
		gameState = r.copyGameState()
	}
	for _, id := range r.order {
		transforms := changed
		if !r.opts.EchoToSource {
			transforms = withoutPlayer(changed, id)
		}
		if !full && len(transforms) == 0 {
			continue
		}
		r.send(r.members[id], &gamev1.ServerEvent{StateSnapshot: &gamev1.StateSnapshot{
			Tick:       r.tickCount,
			Full:       full,
			Transforms: transforms,
			GameState:  gameState,
		}})
	}

	r.emit(Event{Kind: EventSnapshot, Tick: r.tickCount, Full: full, State: r.state, Transforms: changed})
	r.publishInfo()
}

// withoutPlayer returns ts minus the entry for playerID, sharing ts when
// there is nothing to remove.
func withoutPlayer(ts []gamev1.PlayerTransform, playerID string) []gamev1.PlayerTransform {
	idx := -1
	for i, pt := range ts {
		if pt.PlayerID == playerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ts
	}
	out := make([]gamev1.PlayerTransform, 0, len(ts)-1)
	out = append(out, ts[:idx]...)
	return append(out, ts[idx+1:]...)
}
