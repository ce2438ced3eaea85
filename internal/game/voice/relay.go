// Package voice maintains per-room voice routing topology. It never touches
// audio payloads: it tells an external relay which connections should hear
// which other connections.
package voice

import (
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/vrserver/internal/game/catalog"
	"github.com/cory-johannsen/vrserver/internal/game/room"
	gamev1 "github.com/cory-johannsen/vrserver/internal/gameserver/gamev1"
)

// Routes maps a connection id to the sorted connection ids that receive its
// audio. A connection never routes to itself.
type Routes map[string][]string

// RoutePublisher receives refreshed routing tables.
type RoutePublisher interface {
	PublishRoutes(roomID string, routes Routes)
	ReleaseRoutes(roomID string)
}

// Games resolves per-game voice settings. *catalog.Catalog implements it.
type Games interface {
	Resolve(id string) (catalog.Game, error)
}

type channel struct {
	roomID string
	voice  catalog.Voice

	mu        sync.Mutex
	conns     map[string]string // player id → conn id
	positions map[string]gamev1.Vec3
	routes    Routes
}

// Relay is a room.Subscriber that mirrors room membership into voice
// channels. It is safe for concurrent use by many rooms: mu only guards the
// channel map, and each channel has its own lock, so one room's recompute or
// publish never stalls another room's worker.
type Relay struct {
	mu        sync.RWMutex
	channels  map[string]*channel
	games     Games
	defaults  catalog.Voice
	publisher RoutePublisher
	logger    *zap.Logger
}

// NewRelay creates a Relay. defaults applies to games the catalog cannot resolve.
func NewRelay(games Games, defaults catalog.Voice, publisher RoutePublisher, logger *zap.Logger) *Relay {
	return &Relay{
		channels:  make(map[string]*channel),
		games:     games,
		defaults:  defaults,
		publisher: publisher,
		logger:    logger,
	}
}

// OnRoomEvent implements room.Subscriber. Events of one room arrive from
// that room's worker in order, so publishes for a room stay ordered.
func (r *Relay) OnRoomEvent(ev room.Event) {
	switch ev.Kind {
	case room.EventMemberJoined:
		ch := r.open(ev.RoomID, ev.GameID)
		r.update(ch, func() bool {
			ch.conns[ev.PlayerID] = ev.ConnID
			return true
		})
	case room.EventMemberLeft:
		ch, ok := r.lookup(ev.RoomID)
		if !ok {
			return
		}
		r.update(ch, func() bool {
			delete(ch.conns, ev.PlayerID)
			delete(ch.positions, ev.PlayerID)
			return true
		})
	case room.EventSnapshot:
		ch, ok := r.lookup(ev.RoomID)
		if !ok {
			return
		}
		r.update(ch, func() bool {
			for _, pt := range ev.Transforms {
				ch.positions[pt.PlayerID] = pt.Transform.Position
			}
			return ch.voice.Proximity
		})
	case room.EventDestroyed:
		r.mu.Lock()
		_, ok := r.channels[ev.RoomID]
		delete(r.channels, ev.RoomID)
		r.mu.Unlock()
		if !ok {
			return
		}
		r.publisher.ReleaseRoutes(ev.RoomID)
		r.logger.Debug("voice channel released", zap.String("room_id", ev.RoomID))
	}
}

func (r *Relay) lookup(roomID string) (*channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[roomID]
	return ch, ok
}

func (r *Relay) open(roomID, gameID string) *channel {
	if ch, ok := r.lookup(roomID); ok {
		return ch
	}
	settings := r.defaults
	if g, err := r.games.Resolve(gameID); err == nil {
		settings = g.Voice
	}

	r.mu.Lock()
	if ch, ok := r.channels[roomID]; ok {
		r.mu.Unlock()
		return ch
	}
	ch := &channel{
		roomID:    roomID,
		voice:     settings,
		conns:     make(map[string]string),
		positions: make(map[string]gamev1.Vec3),
	}
	r.channels[roomID] = ch
	r.mu.Unlock()

	r.logger.Debug("voice channel opened",
		zap.String("room_id", roomID),
		zap.Bool("proximity", settings.Proximity),
		zap.Float64("threshold", settings.Threshold),
	)
	return ch
}

// update applies mutate under the channel lock and, when it reports a
// change, recomputes the routes and publishes them after unlocking.
func (r *Relay) update(ch *channel, mutate func() bool) {
	ch.mu.Lock()
	if !mutate() {
		ch.mu.Unlock()
		return
	}
	ch.routes = compute(ch)
	routes := ch.routes.clone()
	ch.mu.Unlock()

	r.publisher.PublishRoutes(ch.roomID, routes)
}

// compute builds the routing table. With proximity enabled two members hear
// each other when both positions are known and within the threshold; a
// member that has not reported a position yet hears and is heard by everyone.
func compute(ch *channel) Routes {
	players := make([]string, 0, len(ch.conns))
	for id := range ch.conns {
		players = append(players, id)
	}
	sort.Strings(players)

	routes := make(Routes, len(players))
	for _, src := range players {
		recipients := make([]string, 0, len(players)-1)
		for _, dst := range players {
			if dst == src || !audible(ch, src, dst) {
				continue
			}
			recipients = append(recipients, ch.conns[dst])
		}
		sort.Strings(recipients)
		routes[ch.conns[src]] = recipients
	}
	return routes
}

func audible(ch *channel, a, b string) bool {
	if !ch.voice.Proximity {
		return true
	}
	pa, okA := ch.positions[a]
	pb, okB := ch.positions[b]
	if !okA || !okB {
		return true
	}
	return distance(pa, pb) <= ch.voice.Threshold
}

func distance(a, b gamev1.Vec3) float64 {
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	dz := float64(a.Z - b.Z)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Routes returns a copy of the current routing table for roomID.
func (r *Relay) Routes(roomID string) (Routes, bool) {
	ch, ok := r.lookup(roomID)
	if !ok {
		return nil, false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.routes.clone(), true
}

// ChannelCount returns the number of open channels.
func (r *Relay) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

func (rt Routes) clone() Routes {
	out := make(Routes, len(rt))
	for k, v := range rt {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// LogPublisher is a RoutePublisher that logs each table. It stands in for
// the payload relay when none is attached.
type LogPublisher struct {
	Logger *zap.Logger
}

// PublishRoutes implements RoutePublisher.
func (p LogPublisher) PublishRoutes(roomID string, routes Routes) {
	p.Logger.Debug("voice routes", zap.String("room_id", roomID), zap.Any("routes", routes))
}

// ReleaseRoutes implements RoutePublisher.
func (p LogPublisher) ReleaseRoutes(roomID string) {
	p.Logger.Debug("voice routes released", zap.String("room_id", roomID))
}
