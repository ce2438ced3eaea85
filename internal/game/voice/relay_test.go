package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/vrserver/internal/game/catalog"
	"github.com/cory-johannsen/vrserver/internal/game/room"
	"github.com/cory-johannsen/vrserver/internal/game/session"
	gamev1 "github.com/cory-johannsen/vrserver/internal/gameserver/gamev1"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published map[string]Routes
	released  []string
	calls     int
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{published: make(map[string]Routes)}
}

func (p *recordingPublisher) PublishRoutes(roomID string, routes Routes) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[roomID] = routes
	p.calls++
}

func (p *recordingPublisher) ReleaseRoutes(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.published, roomID)
	p.released = append(p.released, roomID)
}

func (p *recordingPublisher) releasedRooms() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.released...)
}

func newTestRelay(t *testing.T, games ...*catalog.Game) (*Relay, *recordingPublisher) {
	t.Helper()
	cat, err := catalog.NewCatalog(catalog.Game{Capacity: 8, MatchSize: 2}, games...)
	require.NoError(t, err)
	pub := newRecordingPublisher()
	return NewRelay(cat, catalog.Voice{}, pub, zaptest.NewLogger(t)), pub
}

func joined(roomID, playerID string) room.Event {
	return room.Event{Kind: room.EventMemberJoined, RoomID: roomID, GameID: "g", PlayerID: playerID, ConnID: "c-" + playerID}
}

func left(roomID, playerID string) room.Event {
	return room.Event{Kind: room.EventMemberLeft, RoomID: roomID, GameID: "g", PlayerID: playerID, ConnID: "c-" + playerID}
}

func snapshot(roomID string, positions map[string]float32) room.Event {
	ev := room.Event{Kind: room.EventSnapshot, RoomID: roomID, GameID: "g"}
	for id, x := range positions {
		ev.Transforms = append(ev.Transforms, gamev1.PlayerTransform{
			PlayerID:  id,
			Transform: gamev1.Transform{Position: gamev1.Vec3{X: x}, Orientation: gamev1.Quat{W: 1}},
		})
	}
	return ev
}

func TestRelay_MirrorsMembership(t *testing.T) {
	relay, pub := newTestRelay(t)

	relay.OnRoomEvent(joined("r1", "a"))
	routes, ok := relay.Routes("r1")
	require.True(t, ok)
	assert.Equal(t, Routes{"c-a": {}}, routes)

	relay.OnRoomEvent(joined("r1", "b"))
	relay.OnRoomEvent(joined("r1", "c"))
	routes, _ = relay.Routes("r1")
	assert.Equal(t, Routes{
		"c-a": {"c-b", "c-c"},
		"c-b": {"c-a", "c-c"},
		"c-c": {"c-a", "c-b"},
	}, routes)
	assert.Equal(t, routes, pub.published["r1"])

	relay.OnRoomEvent(left("r1", "b"))
	routes, _ = relay.Routes("r1")
	assert.Equal(t, Routes{"c-a": {"c-c"}, "c-c": {"c-a"}}, routes)
}

func TestRelay_RoomsAreIsolated(t *testing.T) {
	relay, _ := newTestRelay(t)
	relay.OnRoomEvent(joined("r1", "a"))
	relay.OnRoomEvent(joined("r2", "b"))

	r1, _ := relay.Routes("r1")
	r2, _ := relay.Routes("r2")
	assert.Equal(t, Routes{"c-a": {}}, r1)
	assert.Equal(t, Routes{"c-b": {}}, r2)
	assert.Equal(t, 2, relay.ChannelCount())
}

func TestRelay_ReleasesOnDestroy(t *testing.T) {
	relay, pub := newTestRelay(t)
	relay.OnRoomEvent(joined("r1", "a"))
	relay.OnRoomEvent(left("r1", "a"))
	relay.OnRoomEvent(room.Event{Kind: room.EventDestroyed, RoomID: "r1"})
	relay.OnRoomEvent(room.Event{Kind: room.EventDestroyed, RoomID: "r1"})

	_, ok := relay.Routes("r1")
	assert.False(t, ok)
	assert.Equal(t, []string{"r1"}, pub.releasedRooms())
	assert.Equal(t, 0, relay.ChannelCount())
}

func TestRelay_EventsForUnknownRoomIgnored(t *testing.T) {
	relay, pub := newTestRelay(t)
	relay.OnRoomEvent(left("r1", "a"))
	relay.OnRoomEvent(snapshot("r1", map[string]float32{"a": 1}))
	assert.Equal(t, 0, relay.ChannelCount())
	assert.Equal(t, 0, pub.calls)
}

// stallingPublisher blocks every publish for one room until released.
type stallingPublisher struct {
	recordingPublisher
	stalled string
	entered chan struct{}
	release chan struct{}
}

func (p *stallingPublisher) PublishRoutes(roomID string, routes Routes) {
	if roomID == p.stalled {
		p.entered <- struct{}{}
		<-p.release
	}
	p.recordingPublisher.PublishRoutes(roomID, routes)
}

func TestRelay_SlowRoomDoesNotStallOthers(t *testing.T) {
	cat, err := catalog.NewCatalog(catalog.Game{Capacity: 8, MatchSize: 2})
	require.NoError(t, err)
	pub := &stallingPublisher{
		recordingPublisher: recordingPublisher{published: make(map[string]Routes)},
		stalled:            "slow",
		entered:            make(chan struct{}),
		release:            make(chan struct{}),
	}
	relay := NewRelay(cat, catalog.Voice{}, pub, zaptest.NewLogger(t))

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		relay.OnRoomEvent(joined("slow", "a"))
	}()
	<-pub.entered

	fastDone := make(chan struct{})
	go func() {
		defer close(fastDone)
		relay.OnRoomEvent(joined("fast", "b"))
	}()
	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("room fast blocked behind room slow's publish")
	}
	routes, ok := relay.Routes("fast")
	require.True(t, ok)
	assert.Equal(t, Routes{"c-b": {}}, routes)

	// The stalled room's table is already computed and readable.
	routes, ok = relay.Routes("slow")
	require.True(t, ok)
	assert.Equal(t, Routes{"c-a": {}}, routes)

	close(pub.release)
	<-slowDone
}

func TestRelay_SnapshotWithoutProximityDoesNotRepublish(t *testing.T) {
	relay, pub := newTestRelay(t)
	relay.OnRoomEvent(joined("r1", "a"))
	relay.OnRoomEvent(joined("r1", "b"))
	calls := pub.calls

	relay.OnRoomEvent(snapshot("r1", map[string]float32{"a": 100}))
	assert.Equal(t, calls, pub.calls)
}

func TestRelay_Proximity(t *testing.T) {
	relay, pub := newTestRelay(t, &catalog.Game{
		ID: "g", Capacity: 8, MatchSize: 2,
		Voice: catalog.Voice{Proximity: true, Threshold: 5},
	})
	for _, id := range []string{"a", "b", "c"} {
		relay.OnRoomEvent(joined("r1", id))
	}
	// Before any positions are known everyone hears everyone.
	routes, _ := relay.Routes("r1")
	assert.Len(t, routes["c-a"], 2)

	relay.OnRoomEvent(snapshot("r1", map[string]float32{"a": 0, "b": 3, "c": 20}))
	routes, _ = relay.Routes("r1")
	assert.Equal(t, Routes{
		"c-a": {"c-b"},
		"c-b": {"c-a"},
		"c-c": {},
	}, routes)
	assert.Equal(t, routes, pub.published["r1"])

	// Delta snapshots only carry movers; c walks over to b.
	relay.OnRoomEvent(snapshot("r1", map[string]float32{"c": 7}))
	routes, _ = relay.Routes("r1")
	assert.Equal(t, Routes{
		"c-a": {"c-b"},
		"c-b": {"c-a", "c-c"},
		"c-c": {"c-b"},
	}, routes)
}

func TestRelay_RoutesReturnsCopy(t *testing.T) {
	relay, _ := newTestRelay(t)
	relay.OnRoomEvent(joined("r1", "a"))
	relay.OnRoomEvent(joined("r1", "b"))

	routes, _ := relay.Routes("r1")
	routes["c-a"][0] = "tampered"
	again, _ := relay.Routes("r1")
	assert.Equal(t, []string{"c-b"}, again["c-a"])
}

func TestRelay_FollowsRegistry(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cat, err := catalog.NewCatalog(catalog.Game{Capacity: 8, MatchSize: 2})
	require.NoError(t, err)
	pub := newRecordingPublisher()
	relay := NewRelay(cat, catalog.Voice{}, pub, logger)

	sessions := session.NewManager(64)
	rooms := room.NewRegistry(sessions, nil, room.Options{}, logger, relay)
	sessions.AttachLeaver(rooms)

	a, err := sessions.Bind("a", "a")
	require.NoError(t, err)
	b, err := sessions.Bind("b", "b")
	require.NoError(t, err)

	roomID, err := rooms.CreateRoom(context.Background(), "g", "a", 4)
	require.NoError(t, err)
	_, err = rooms.Join(context.Background(), roomID, "b")
	require.NoError(t, err)

	routes, ok := relay.Routes(roomID)
	require.True(t, ok)
	assert.Equal(t, Routes{a.ConnID: {b.ConnID}, b.ConnID: {a.ConnID}}, routes)

	require.NoError(t, rooms.Leave(context.Background(), roomID, "a"))
	require.NoError(t, rooms.Leave(context.Background(), roomID, "b"))
	require.Eventually(t, func() bool {
		_, ok := relay.Routes(roomID)
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, pub.releasedRooms(), roomID)
}

func TestProperty_Relay_NeverRoutesToSelf(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cat, err := catalog.NewCatalog(catalog.Game{
			Capacity: 8, MatchSize: 2,
			Voice: catalog.Voice{Proximity: rapid.Bool().Draw(rt, "proximity"), Threshold: 10},
		})
		require.NoError(rt, err)
		relay := NewRelay(cat, catalog.Voice{}, newRecordingPublisher(), zaptest.NewLogger(t))

		players := []string{"a", "b", "c", "d"}
		members := map[string]bool{}
		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			p := rapid.SampledFrom(players).Draw(rt, "player")
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				if !members[p] {
					relay.OnRoomEvent(joined("r", p))
					members[p] = true
				}
			case 1:
				if members[p] {
					relay.OnRoomEvent(left("r", p))
					delete(members, p)
				}
			case 2:
				x := float32(rapid.IntRange(0, 30).Draw(rt, "x"))
				relay.OnRoomEvent(snapshot("r", map[string]float32{p: x}))
			}

			routes, _ := relay.Routes("r")
			if len(routes) != len(members) {
				rt.Fatalf("%d routes for %d members", len(routes), len(members))
			}
			for src, dsts := range routes {
				for _, dst := range dsts {
					if dst == src {
						rt.Fatalf("%s routes to itself", src)
					}
				}
			}
		}
	})
}
