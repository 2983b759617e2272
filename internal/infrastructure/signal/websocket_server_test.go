package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/services"
	"roomcast/internal/infrastructure/repositories/memory"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []domain.PresenceNotification
}

func (p *recordingPublisher) PublishDisconnect(ctx context.Context, n domain.PresenceNotification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
	return nil
}

func (p *recordingPublisher) notifications() []domain.PresenceNotification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.PresenceNotification(nil), p.sent...)
}

type hubFixture struct {
	hub       *Hub
	server    *httptest.Server
	identity  *services.IdentityService
	registry  *memory.MemoryConnectionRegistry
	directory *memory.MemoryRoomDirectory
	subs      *memory.MemorySubscriptionStore
	publisher *recordingPublisher
}

func newHubFixture(t *testing.T, cfg Config) *hubFixture {
	logger := zaptest.NewLogger(t).Sugar()
	f := &hubFixture{
		identity:  services.NewIdentityService("test-secret", time.Hour),
		registry:  memory.NewMemoryConnectionRegistry(),
		directory: memory.NewMemoryRoomDirectory(),
		subs:      memory.NewMemorySubscriptionStore(),
		publisher: &recordingPublisher{},
	}

	f.hub = NewHub(f.registry, f.identity, cfg, logger)
	coordinator := services.NewStreamCoordinator(
		f.directory,
		memory.NewMemoryStreamRepository(),
		memory.NewMemoryBindingRepository(),
		f.subs,
		f.hub,
		nil,
		logger,
	)
	f.hub.SetCoordinator(coordinator)
	f.hub.SetPublisher(f.publisher)

	f.server = httptest.NewServer(http.HandlerFunc(f.hub.HandleWebSocket))
	t.Cleanup(f.server.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.hub.Shutdown(ctx)
	})
	return f
}

func (f *hubFixture) token(t *testing.T, p domain.Principal) string {
	t.Helper()
	tok, err := f.identity.GenerateToken(p)
	require.NoError(t, err)
	return tok
}

func (f *hubFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Frame{Event: event, Data: data}))
}

// expect reads frames until one with the given event arrives.
func expect(t *testing.T, conn *websocket.Conn, event string) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var frame Frame
		require.NoError(t, conn.ReadJSON(&frame), "waiting for %s", event)
		if frame.Event == event {
			return frame
		}
	}
}

func expectError(t *testing.T, conn *websocket.Conn) errorPayload {
	t.Helper()
	frame := expect(t, conn, domain.EventError)
	var p errorPayload
	require.NoError(t, json.Unmarshal(frame.Data, &p))
	return p
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PingInterval = time.Second
	cfg.PongTimeout = 5 * time.Second
	cfg.WriteTimeout = time.Second
	return cfg
}

func (f *hubFixture) goLive(t *testing.T, conn *websocket.Conn, payload goLivePayload) sessionStarted {
	t.Helper()
	send(t, conn, domain.EventGoLive, payload)
	frame := expect(t, conn, EventSessionStarted)
	var started sessionStarted
	require.NoError(t, json.Unmarshal(frame.Data, &started))
	require.NotEmpty(t, started.ConversationID)
	return started
}

func TestHub_GoLiveJoinAndRoster(t *testing.T) {
	f := newHubFixture(t, testConfig())

	model := f.dial(t, f.token(t, domain.Principal{ID: "p1", Kind: domain.KindPerformer}))
	started := f.goLive(t, model, goLivePayload{Title: "Hi", IsFree: true})

	send(t, model, domain.EventJoinRoom, roomPayload{ConversationID: started.ConversationID})
	joined := expect(t, model, domain.EventModelJoined)
	var presence domain.ModelPresence
	require.NoError(t, json.Unmarshal(joined.Data, &presence))
	assert.Equal(t, domain.PrincipalID("p1"), presence.PerformerID)
	assert.Equal(t, started.SessionID, presence.SessionID)

	viewer := f.dial(t, f.token(t, domain.Principal{ID: "v1", Kind: domain.KindUser}))
	send(t, viewer, domain.EventJoinRoom, roomPayload{ConversationID: started.ConversationID})

	rosterFrame := expect(t, model, domain.EventRosterChanged)
	var roster domain.RosterChanged
	require.NoError(t, json.Unmarshal(rosterFrame.Data, &roster))
	for roster.Total != 1 {
		rosterFrame = expect(t, model, domain.EventRosterChanged)
		require.NoError(t, json.Unmarshal(rosterFrame.Data, &roster))
	}
	assert.Equal(t, started.ConversationID, roster.ConversationID)
	assert.Len(t, roster.Members, 2)

	// The viewer arrived after the broadcast started.
	expect(t, viewer, domain.EventModelJoined)
}

func TestHub_GuestConnections(t *testing.T) {
	f := newHubFixture(t, testConfig())

	model := f.dial(t, f.token(t, domain.Principal{ID: "p1", Kind: domain.KindPerformer}))
	free := f.goLive(t, model, goLivePayload{IsFree: true})

	guest := f.dial(t, "")
	send(t, guest, domain.EventJoinRoom, roomPayload{ConversationID: free.ConversationID})
	expect(t, guest, domain.EventRosterChanged)

	send(t, model, domain.EventGoLive, goLivePayload{ConversationID: free.ConversationID})
	expect(t, guest, domain.EventBroadcasterJoined)

	online, err := f.registry.ListOnlinePrincipals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.PrincipalID{"p1"}, online)

	send(t, guest, domain.EventGoLive, goLivePayload{})
	assert.Equal(t, "FORBIDDEN", expectError(t, guest).Code)
}

func TestHub_RejectsInvalidToken(t *testing.T) {
	f := newHubFixture(t, testConfig())

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_ErrorFrames(t *testing.T) {
	f := newHubFixture(t, testConfig())

	model := f.dial(t, f.token(t, domain.Principal{ID: "p1", Kind: domain.KindPerformer}))
	paid := f.goLive(t, model, goLivePayload{Price: 4.5})

	viewer := f.dial(t, f.token(t, domain.Principal{ID: "v2", Kind: domain.KindUser}))

	t.Run("unknown event", func(t *testing.T) {
		send(t, viewer, "dance", nil)
		p := expectError(t, viewer)
		assert.Equal(t, "INVALID_INPUT", p.Code)
		assert.Equal(t, "dance", p.Event)
	})

	t.Run("malformed room id", func(t *testing.T) {
		send(t, viewer, domain.EventJoinRoom, roomPayload{ConversationID: "bad room!"})
		assert.Equal(t, "INVALID_INPUT", expectError(t, viewer).Code)
	})

	t.Run("not subscribed", func(t *testing.T) {
		send(t, viewer, domain.EventJoinRoom, roomPayload{ConversationID: paid.ConversationID})
		assert.Equal(t, "FORBIDDEN", expectError(t, viewer).Code)

		roster, err := f.directory.RosterOf(context.Background(), paid.ConversationID)
		require.NoError(t, err)
		assert.NotContains(t, roster, domain.PrincipalID("v2"))
	})

	t.Run("admin only", func(t *testing.T) {
		send(t, viewer, domain.EventAdminEndSession, endSessionPayload{StreamID: paid.StreamID})
		assert.Equal(t, "FORBIDDEN", expectError(t, viewer).Code)
	})

	t.Run("ending an offline session", func(t *testing.T) {
		admin := f.dial(t, f.token(t, domain.Principal{ID: "ops", Kind: domain.KindUser, Admin: true}))
		send(t, admin, domain.EventAdminEndSession, endSessionPayload{StreamID: paid.StreamID})
		assert.Equal(t, "STREAM_OFFLINE", expectError(t, admin).Code)
	})
}

func TestHub_AdminEndSession(t *testing.T) {
	f := newHubFixture(t, testConfig())

	model := f.dial(t, f.token(t, domain.Principal{ID: "p1", Kind: domain.KindPerformer}))
	started := f.goLive(t, model, goLivePayload{IsFree: true})
	send(t, model, domain.EventJoinRoom, roomPayload{ConversationID: started.ConversationID})
	expect(t, model, domain.EventModelJoined)

	admin := f.dial(t, f.token(t, domain.Principal{ID: "ops", Kind: domain.KindUser, Admin: true}))
	send(t, admin, domain.EventAdminEndSession, endSessionPayload{StreamID: started.StreamID})

	frame := expect(t, model, domain.EventForcedSessionEnd)
	var ended domain.ForcedSessionEnd
	require.NoError(t, json.Unmarshal(frame.Data, &ended))
	assert.Equal(t, started.StreamID, ended.StreamID)
	assert.Equal(t, started.ConversationID, ended.ConversationID)
}

func TestHub_CloseLeavesRoomsAndDeregisters(t *testing.T) {
	f := newHubFixture(t, testConfig())
	ctx := context.Background()

	model := f.dial(t, f.token(t, domain.Principal{ID: "p1", Kind: domain.KindPerformer}))
	started := f.goLive(t, model, goLivePayload{IsFree: true})

	viewer := f.dial(t, f.token(t, domain.Principal{ID: "v1", Kind: domain.KindUser}))
	send(t, viewer, domain.EventJoinRoom, roomPayload{ConversationID: started.ConversationID})
	expect(t, viewer, domain.EventRosterChanged)

	_, err := f.directory.MembershipOf(ctx, started.ConversationID, "v1")
	require.NoError(t, err)

	require.NoError(t, viewer.Close())

	require.Eventually(t, func() bool {
		conns, err := f.registry.ConnectionsOf(ctx, "v1")
		return err == nil && len(conns) == 0
	}, 3*time.Second, 10*time.Millisecond)

	_, err = f.directory.MembershipOf(ctx, started.ConversationID, "v1")
	assert.ErrorIs(t, err, domain.ErrMembershipNotFound)

	require.Eventually(t, func() bool {
		return len(f.publisher.notifications()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	n := f.publisher.notifications()[0]
	assert.Equal(t, domain.PrincipalID("v1"), n.PrincipalID)
	assert.Equal(t, domain.KindUser, n.Kind)
}

func TestHub_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MessagesPerSecond = 0.5
	cfg.Burst = 1
	f := newHubFixture(t, cfg)

	conn := f.dial(t, f.token(t, domain.Principal{ID: "v1", Kind: domain.KindUser}))
	send(t, conn, "first", nil)
	send(t, conn, "second", nil)

	assert.Equal(t, "INVALID_INPUT", expectError(t, conn).Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", expectError(t, conn).Code)
}

func TestHub_LiveConnections(t *testing.T) {
	f := newHubFixture(t, testConfig())
	ctx := context.Background()

	f.dial(t, f.token(t, domain.Principal{ID: "v1", Kind: domain.KindUser}))
	require.Eventually(t, func() bool { return f.hub.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	conns, err := f.registry.ConnectionsOf(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, conns, 1)

	live, err := f.hub.LiveConnections(ctx, []domain.ConnectionID{conns[0], "elsewhere"})
	require.NoError(t, err)
	assert.True(t, live[conns[0]])
	assert.False(t, live["elsewhere"])
}

func TestHub_EmitToPrincipals(t *testing.T) {
	f := newHubFixture(t, testConfig())
	ctx := context.Background()

	a := f.dial(t, f.token(t, domain.Principal{ID: "a", Kind: domain.KindUser}))
	b := f.dial(t, f.token(t, domain.Principal{ID: "a", Kind: domain.KindUser}))
	require.Eventually(t, func() bool { return f.hub.ConnectionCount() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, f.hub.EmitToPrincipals(ctx, []domain.PrincipalID{"a"}, "notice", map[string]string{"hello": "world"}))
	expect(t, a, "notice")
	expect(t, b, "notice")
}

func TestHub_CheckOrigin(t *testing.T) {
	h := NewHub(memory.NewMemoryConnectionRegistry(), services.NewIdentityService("s", time.Hour), Config{
		AllowedOrigins: []string{"https://app.example.com"},
	}, zaptest.NewLogger(t).Sugar())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, h.checkOrigin(req))
}

// sweepingRegistry runs a reconciliation pass the moment a connection lands
// in the store, before the hub gets control back.
type sweepingRegistry struct {
	*memory.MemoryConnectionRegistry
	reconciler *services.PresenceReconciler

	mu      sync.Mutex
	results []services.SweepResult
}

func (r *sweepingRegistry) RegisterConnection(ctx context.Context, p domain.Principal, connID domain.ConnectionID) error {
	if err := r.MemoryConnectionRegistry.RegisterConnection(ctx, p, connID); err != nil {
		return err
	}
	res, err := r.reconciler.Sweep(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
	return nil
}

func (r *sweepingRegistry) sweeps() []services.SweepResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]services.SweepResult(nil), r.results...)
}

func TestHub_SweepDuringRegistrationKeepsConnection(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()
	ctx := context.Background()
	identity := services.NewIdentityService("test-secret", time.Hour)
	registry := &sweepingRegistry{MemoryConnectionRegistry: memory.NewMemoryConnectionRegistry()}
	publisher := &recordingPublisher{}

	hub := NewHub(registry, identity, testConfig(), logger)
	coordinator := services.NewStreamCoordinator(
		memory.NewMemoryRoomDirectory(),
		memory.NewMemoryStreamRepository(),
		memory.NewMemoryBindingRepository(),
		memory.NewMemorySubscriptionStore(),
		hub,
		nil,
		logger,
	)
	hub.SetCoordinator(coordinator)
	hub.SetPublisher(publisher)
	registry.reconciler = services.NewPresenceReconciler(
		registry, hub, coordinator, publisher, nil, nil,
		services.DefaultReconcilerConfig(), logger,
	)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(server.Close)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Shutdown(shutdownCtx)
	})

	tok, err := identity.GenerateToken(domain.Principal{ID: "v1", Kind: domain.KindUser})
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"?token="+tok, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return len(registry.sweeps()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, hub.ConnectionCount())

	sweeps := registry.sweeps()
	assert.Equal(t, 1, sweeps[0].Checked)
	assert.Zero(t, sweeps[0].Reaped)
	assert.Zero(t, sweeps[0].Retired)

	online, err := registry.ListOnlinePrincipals(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.PrincipalID{"v1"}, online)

	conns, err := registry.ConnectionsOf(ctx, "v1")
	require.NoError(t, err)
	assert.Len(t, conns, 1)
	assert.Empty(t, publisher.notifications())
}
