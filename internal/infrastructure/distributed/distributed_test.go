package distributed

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"roomcast/internal/core/domain"
	redisrepo "roomcast/internal/infrastructure/repositories/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testChannel = "roomcast:events"

func newClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

type recordingDelivery struct {
	mu     sync.Mutex
	rooms  map[domain.RoomID][]string
	direct map[domain.ConnectionID][]string
}

func newRecordingDelivery() *recordingDelivery {
	return &recordingDelivery{
		rooms:  make(map[domain.RoomID][]string),
		direct: make(map[domain.ConnectionID][]string),
	}
}

func (d *recordingDelivery) DeliverRoom(roomID domain.RoomID, frame []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rooms[roomID] = append(d.rooms[roomID], string(frame))
}

func (d *recordingDelivery) DeliverDirect(connIDs []domain.ConnectionID, frame []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range connIDs {
		d.direct[id] = append(d.direct[id], string(frame))
	}
}

func (d *recordingDelivery) roomFrames(id domain.RoomID) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.rooms[id]...)
}

func (d *recordingDelivery) directFrames(id domain.ConnectionID) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.direct[id]...)
}

// subscribe starts bus.Subscribe in the background and waits until Redis
// has the subscription.
func subscribe(t *testing.T, mr *miniredis.Miniredis, bus *EventBus, handler func(*Event) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Subscribe(ctx, handler)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(testChannel)[testChannel] > 0
	}, time.Second, 5*time.Millisecond)
}

func TestEventBus_RelaysFramesBetweenNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t).Sugar()

	nodeA := NewEventBus(newClient(t, mr), testChannel, "node-a", logger)
	nodeB := NewEventBus(newClient(t, mr), testChannel, "node-b", logger)

	delivery := newRecordingDelivery()
	subscribe(t, mr, nodeB, Deliverer(delivery))

	ctx := context.Background()
	frame := []byte(`{"event":"roster-changed","data":{"total":1}}`)
	require.NoError(t, nodeA.PublishRoom(ctx, "room-1", frame))
	require.NoError(t, nodeA.PublishDirect(ctx, []domain.ConnectionID{"c1", "c2"}, frame))

	require.Eventually(t, func() bool {
		return len(delivery.roomFrames("room-1")) == 1 && len(delivery.directFrames("c2")) == 1
	}, time.Second, 5*time.Millisecond)

	assert.JSONEq(t, string(frame), delivery.roomFrames("room-1")[0])
	assert.JSONEq(t, string(frame), delivery.directFrames("c1")[0])
}

func TestEventBus_SkipsOwnEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t).Sugar()

	bus := NewEventBus(newClient(t, mr), testChannel, "node-a", logger)
	other := NewEventBus(newClient(t, mr), testChannel, "node-b", logger)

	var mu sync.Mutex
	var seen []EventType
	subscribe(t, mr, bus, func(e *Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, bus.PublishRoom(ctx, "room-1", []byte(`{}`)))
	require.NoError(t, other.PublishDisconnect(ctx, domain.PresenceNotification{
		PrincipalID: "v1",
		Kind:        domain.KindUser,
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventPrincipalOffline}, seen)
}

func TestEventBus_PublishDisconnectPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t).Sugar()
	client := newClient(t, mr)
	bus := NewEventBus(client, testChannel, "node-a", logger)

	ctx := context.Background()
	sub := client.Subscribe(ctx, testChannel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	at := time.UnixMilli(1_700_000_000_000).UTC()
	require.NoError(t, bus.PublishDisconnect(ctx, domain.PresenceNotification{
		PrincipalID: "p1",
		Kind:        domain.KindPerformer,
		At:          at,
	}))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var event Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
	assert.Equal(t, EventPrincipalOffline, event.Type)
	assert.Equal(t, "node-a", event.InstanceID)
	require.NotNil(t, event.Presence)
	assert.Equal(t, domain.PrincipalID("p1"), event.Presence.PrincipalID)
	assert.Equal(t, domain.KindPerformer, event.Presence.Kind)
	assert.True(t, at.Equal(event.Presence.At))
}

func TestEventBus_SubscribeTwice(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := NewEventBus(newClient(t, mr), testChannel, "node-a", zaptest.NewLogger(t).Sugar())
	subscribe(t, mr, bus, func(*Event) error { return nil })

	err := bus.Subscribe(context.Background(), func(*Event) error { return nil })
	assert.Error(t, err)
}

type localProbe map[domain.ConnectionID]bool

func (p localProbe) LiveConnections(ctx context.Context, candidates []domain.ConnectionID) (map[domain.ConnectionID]bool, error) {
	out := make(map[domain.ConnectionID]bool, len(candidates))
	for _, id := range candidates {
		out[id] = p[id]
	}
	return out, nil
}

func TestNodeRegistry_ClaimAndRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	keys := redisrepo.DefaultKeyspace()
	registry := NewNodeRegistry(newClient(t, mr), keys, "node-a", time.Second, zaptest.NewLogger(t).Sugar())

	require.NoError(t, registry.Claim(ctx, "c1"))
	require.NoError(t, registry.Claim(ctx, "c2"))
	assert.Equal(t, "node-a", mr.HGet(keys.ConnectionOwners(), "c1"))

	owners, err := registry.Owners(ctx, []domain.ConnectionID{"c1", "c2", "c3"})
	require.NoError(t, err)
	assert.Equal(t, map[domain.ConnectionID]string{"c1": "node-a", "c2": "node-a"}, owners)

	require.NoError(t, registry.Release(ctx, "c1"))
	owners, err = registry.Owners(ctx, []domain.ConnectionID{"c1", "c2"})
	require.NoError(t, err)
	assert.Equal(t, map[domain.ConnectionID]string{"c2": "node-a"}, owners)
}

func TestNodeRegistry_Heartbeat(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	keys := redisrepo.DefaultKeyspace()
	registry := NewNodeRegistry(newClient(t, mr), keys, "node-a", 30*time.Second, zaptest.NewLogger(t).Sugar())

	require.NoError(t, registry.Start(ctx))
	assert.True(t, mr.Exists(keys.NodeHeartbeat("node-a")))
	assert.Greater(t, mr.TTL(keys.NodeHeartbeat("node-a")), time.Duration(0))

	alive, err := registry.Alive(ctx, "node-a")
	require.NoError(t, err)
	assert.True(t, alive)

	require.NoError(t, registry.Stop(ctx))
	assert.False(t, mr.Exists(keys.NodeHeartbeat("node-a")))

	// Stop is idempotent.
	require.NoError(t, registry.Stop(ctx))
}

func TestNodeRegistry_ClusterProbe(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	keys := redisrepo.DefaultKeyspace()
	logger := zaptest.NewLogger(t).Sugar()

	nodeA := NewNodeRegistry(newClient(t, mr), keys, "node-a", 30*time.Second, logger)
	nodeB := NewNodeRegistry(newClient(t, mr), keys, "node-b", 30*time.Second, logger)
	require.NoError(t, nodeA.Start(ctx))
	require.NoError(t, nodeB.Start(ctx))
	t.Cleanup(func() {
		_ = nodeA.Stop(context.Background())
		_ = nodeB.Stop(context.Background())
	})

	// local: held by node-a's hub
	// stale-local: owned by node-a but no longer held
	// remote: held by node-b
	// orphan: never claimed
	require.NoError(t, nodeA.Claim(ctx, "local"))
	require.NoError(t, nodeA.Claim(ctx, "stale-local"))
	require.NoError(t, nodeB.Claim(ctx, "remote"))

	probe := nodeA.Probe(localProbe{"local": true})
	candidates := []domain.ConnectionID{"local", "stale-local", "remote", "orphan"}

	live, err := probe.LiveConnections(ctx, candidates)
	require.NoError(t, err)
	assert.Equal(t, map[domain.ConnectionID]bool{
		"local":       true,
		"stale-local": false,
		"remote":      true,
		"orphan":      false,
	}, live)

	// node-b disappears without cleaning up its connections.
	mr.Del(keys.NodeHeartbeat("node-b"))

	live, err = probe.LiveConnections(ctx, candidates)
	require.NoError(t, err)
	assert.False(t, live["remote"])
	assert.True(t, live["local"])
}

func TestNodeRegistry_SweepLock(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	keys := redisrepo.DefaultKeyspace()
	logger := zaptest.NewLogger(t).Sugar()

	a := NewNodeRegistry(newClient(t, mr), keys, "node-a", time.Second, logger).SweepLock(time.Second)
	b := NewNodeRegistry(newClient(t, mr), keys, "node-b", time.Second, logger).SweepLock(time.Second)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(keys.Lock("presence-sweep")))

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Unlock(ctx))
}
