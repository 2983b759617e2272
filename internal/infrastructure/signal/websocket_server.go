package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	_ ports.Broadcaster   = (*Hub)(nil)
	_ ports.LivenessProbe = (*Hub)(nil)
)

type Config struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      25 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		SendBuffer:        64,
		MaxMessageSize:    16 * 1024,
		MessagesPerSecond: 20,
		Burst:             40,
	}
}

// Relay carries frames to connections held by other nodes.
type Relay interface {
	PublishRoom(ctx context.Context, roomID domain.RoomID, frame []byte) error
	PublishDirect(ctx context.Context, connIDs []domain.ConnectionID, frame []byte) error
}

// Ownership records which node holds a connection.
type Ownership interface {
	Claim(ctx context.Context, connID domain.ConnectionID) error
	Release(ctx context.Context, connID domain.ConnectionID) error
}

type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	SlowConsumerDropped()
	EventHandled(event string, err error)
	DisconnectNotified(kind domain.PrincipalKind)
}

// Frame is the envelope for every message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Hub owns this node's websocket connections and the transport rooms they
// are in.
type Hub struct {
	registry    ports.ConnectionRegistry
	identity    ports.IdentityResolver
	coordinator ports.StreamCoordinator
	publisher   ports.PresencePublisher
	relay       Relay
	ownership   Ownership
	metrics     Metrics

	config   Config
	upgrader websocket.Upgrader
	handlers map[string]eventHandler

	clients map[domain.ConnectionID]*client
	rooms   map[domain.RoomID]map[domain.ConnectionID]*client
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.SugaredLogger
}

type client struct {
	id        domain.ConnectionID
	principal *domain.Principal
	conn      *websocket.Conn
	send      chan []byte
	limiter   *rate.Limiter
	rooms     map[domain.RoomID]struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func (c *client) participant() domain.Participant {
	return domain.Participant{ConnectionID: c.id, Principal: c.principal}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func NewHub(
	registry ports.ConnectionRegistry,
	identity ports.IdentityResolver,
	config Config,
	logger *zap.SugaredLogger,
) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		registry: registry,
		identity: identity,
		metrics:  noopMetrics{},
		config:   config,
		clients:  make(map[domain.ConnectionID]*client),
		rooms:    make(map[domain.RoomID]map[domain.ConnectionID]*client),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	h.handlers = h.dispatchTable()
	return h
}

// SetCoordinator breaks the construction cycle: the coordinator needs the
// hub as its broadcaster.
func (h *Hub) SetCoordinator(coordinator ports.StreamCoordinator) {
	h.coordinator = coordinator
}

func (h *Hub) SetPublisher(publisher ports.PresencePublisher) {
	h.publisher = publisher
}

func (h *Hub) SetRelay(relay Relay) {
	h.relay = relay
}

func (h *Hub) SetOwnership(ownership Ownership) {
	h.ownership = ownership
}

func (h *Hub) SetMetrics(metrics Metrics) {
	if metrics != nil {
		h.metrics = metrics
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ""
}

// HandleWebSocket resolves the caller's identity, upgrades the connection
// and serves it until it closes. No token means a guest connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal, err := h.identity.ResolveIdentity(r.Context(), bearerToken(r))
	if err != nil {
		h.logger.Infow("rejected websocket connection", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if h.config.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.config.MessagesPerSecond), h.config.Burst)
	}
	c := &client{
		id:        domain.ConnectionID(uuid.NewString()),
		principal: principal,
		conn:      conn,
		send:      make(chan []byte, h.config.SendBuffer),
		limiter:   limiter,
		rooms:     make(map[domain.RoomID]struct{}),
		done:      make(chan struct{}),
	}

	if err := h.register(c); err != nil {
		h.logger.Warnw("failed to register connection", "connection_id", c.id, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "presence unavailable"),
			time.Now().Add(h.config.WriteTimeout))
		conn.Close()
		return
	}

	h.wg.Add(2)
	defer h.wg.Done()
	go h.writePump(c)
	h.readPump(c)
	h.unregister(c)
}

func (h *Hub) register(c *client) error {
	ctx := h.ctx

	// The hub and the ownership record must know the connection before the
	// store does, or a sweep in between would reap it as dead.
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	if h.ownership != nil {
		if err := h.ownership.Claim(ctx, c.id); err != nil {
			h.logger.Warnw("failed to claim connection", "connection_id", c.id, "error", err)
		}
	}

	if c.principal != nil {
		if err := h.registry.RegisterConnection(ctx, *c.principal, c.id); err != nil {
			h.mu.Lock()
			delete(h.clients, c.id)
			h.mu.Unlock()
			if h.ownership != nil {
				if relErr := h.ownership.Release(context.WithoutCancel(ctx), c.id); relErr != nil {
					h.logger.Warnw("failed to release connection", "connection_id", c.id, "error", relErr)
				}
			}
			return err
		}
	}

	h.metrics.ConnectionOpened()
	h.logger.Infow("connection opened",
		"connection_id", c.id,
		"principal_id", c.participant().PrincipalID(),
		"guest", c.principal == nil,
	)
	return nil
}

// unregister leaves every room the connection was in, then deregisters it.
// A principal left with no connection is reported offline right away
// rather than at the next sweep.
func (h *Hub) unregister(c *client) {
	c.close()
	ctx := context.WithoutCancel(h.ctx)

	h.mu.Lock()
	delete(h.clients, c.id)
	rooms := make([]domain.RoomID, 0, len(c.rooms))
	for roomID := range c.rooms {
		rooms = append(rooms, roomID)
		h.removeFromRoomLocked(c, roomID)
	}
	h.mu.Unlock()

	for _, roomID := range rooms {
		if h.coordinator == nil || h.principalStillInRoom(c, roomID) {
			continue
		}
		if err := h.coordinator.LeaveRoom(ctx, roomID, c.participant()); err != nil {
			h.logger.Warnw("failed to leave room on close",
				"connection_id", c.id,
				"room_id", roomID,
				"error", err,
			)
		}
	}

	if h.ownership != nil {
		if err := h.ownership.Release(ctx, c.id); err != nil {
			h.logger.Warnw("failed to release connection", "connection_id", c.id, "error", err)
		}
	}

	if c.principal != nil {
		remaining, err := h.registry.DeregisterConnection(ctx, c.principal.ID, c.id)
		if err != nil {
			// The sweep will retire it.
			h.logger.Warnw("failed to deregister connection",
				"connection_id", c.id,
				"principal_id", c.principal.ID,
				"error", err,
			)
		} else if remaining == 0 {
			h.notifyOffline(ctx, c.principal)
		}
	}

	h.metrics.ConnectionClosed()
	h.logger.Infow("connection closed", "connection_id", c.id, "principal_id", c.participant().PrincipalID())
}

// principalStillInRoom reports whether another local connection of the same
// principal remains in the room.
func (h *Hub) principalStillInRoom(c *client, roomID domain.RoomID) bool {
	if c.principal == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, other := range h.rooms[roomID] {
		if other.principal != nil && other.principal.ID == c.principal.ID {
			return true
		}
	}
	return false
}

func (h *Hub) notifyOffline(ctx context.Context, p *domain.Principal) {
	if h.publisher == nil {
		return
	}
	n := domain.PresenceNotification{PrincipalID: p.ID, Kind: p.Kind, At: time.Now()}
	if err := h.publisher.PublishDisconnect(ctx, n); err != nil {
		h.logger.Warnw("failed to publish disconnect", "principal_id", p.ID, "error", err)
		return
	}
	h.metrics.DisconnectNotified(p.Kind)
}

func (h *Hub) readPump(c *client) {
	defer c.conn.Close()

	if h.config.MaxMessageSize > 0 {
		c.conn.SetReadLimit(h.config.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Infow("error reading from connection", "connection_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))

		if !c.limiter.Allow() {
			h.sendError(c, "", errRateLimited)
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.sendError(c, "", errMalformedFrame)
			continue
		}
		h.dispatch(c, frame)
	}
}

func (h *Hub) writePump(c *client) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debugw("error writing to connection", "connection_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debugw("error sending ping", "connection_id", c.id, "error", err)
				return
			}

		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.config.WriteTimeout))
			return

		case <-h.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(h.config.WriteTimeout))
			return
		}
	}
}

func encodeFrame(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// deliver queues a frame without blocking. A connection whose buffer is
// full is closed.
func (h *Hub) deliver(c *client, frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		h.metrics.SlowConsumerDropped()
		h.logger.Warnw("send buffer full, closing connection", "connection_id", c.id)
		c.close()
	}
}

func (h *Hub) JoinTransportRoom(connID domain.ConnectionID, roomID domain.RoomID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[connID]
	if !ok {
		return
	}
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[domain.ConnectionID]*client)
		h.rooms[roomID] = members
	}
	members[connID] = c
	c.rooms[roomID] = struct{}{}
}

func (h *Hub) LeaveTransportRoom(connID domain.ConnectionID, roomID domain.RoomID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.clients[connID]; ok {
		h.removeFromRoomLocked(c, roomID)
	}
}

func (h *Hub) removeFromRoomLocked(c *client, roomID domain.RoomID) {
	delete(c.rooms, roomID)
	if members, ok := h.rooms[roomID]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *Hub) EmitToRoom(ctx context.Context, roomID domain.RoomID, event string, payload interface{}) error {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	h.DeliverRoom(roomID, frame)

	if h.relay != nil {
		if err := h.relay.PublishRoom(ctx, roomID, frame); err != nil {
			return fmt.Errorf("failed to relay room event: %w", err)
		}
	}
	return nil
}

func (h *Hub) EmitToConnection(ctx context.Context, connID domain.ConnectionID, event string, payload interface{}) error {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	if h.deliverLocal(connID, frame) {
		return nil
	}
	if h.relay != nil {
		return h.relay.PublishDirect(ctx, []domain.ConnectionID{connID}, frame)
	}
	return domain.ErrConnectionNotFound
}

// EmitToPrincipals sends to every registered connection of each principal,
// relaying the ones this node does not hold.
func (h *Hub) EmitToPrincipals(ctx context.Context, ids []domain.PrincipalID, event string, payload interface{}) error {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}

	var remote []domain.ConnectionID
	for _, id := range ids {
		conns, err := h.registry.ConnectionsOf(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to list connections of %s: %w", id, err)
		}
		for _, connID := range conns {
			if !h.deliverLocal(connID, frame) {
				remote = append(remote, connID)
			}
		}
	}

	if len(remote) > 0 && h.relay != nil {
		if err := h.relay.PublishDirect(ctx, remote, frame); err != nil {
			return fmt.Errorf("failed to relay direct event: %w", err)
		}
	}
	return nil
}

// DeliverRoom hands an encoded frame to this node's members of a room.
func (h *Hub) DeliverRoom(roomID domain.RoomID, frame []byte) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.rooms[roomID]))
	for _, c := range h.rooms[roomID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, frame)
	}
}

// DeliverDirect hands an encoded frame to whichever of the connections this
// node holds.
func (h *Hub) DeliverDirect(connIDs []domain.ConnectionID, frame []byte) {
	for _, connID := range connIDs {
		h.deliverLocal(connID, frame)
	}
}

func (h *Hub) deliverLocal(connID domain.ConnectionID, frame []byte) bool {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()

	if !ok {
		return false
	}
	h.deliver(c, frame)
	return true
}

// LiveConnections reports which candidates are held by this node.
func (h *Hub) LiveConnections(ctx context.Context, candidates []domain.ConnectionID) (map[domain.ConnectionID]bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	live := make(map[domain.ConnectionID]bool, len(candidates))
	for _, id := range candidates {
		_, ok := h.clients[id]
		live[id] = ok
	}
	return live, nil
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Shutdown closes every connection and waits until each one has been
// unregistered.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened() {}
func (noopMetrics) ConnectionClosed() {}
func (noopMetrics) SlowConsumerDropped() {}
func (noopMetrics) EventHandled(string, error) {}
func (noopMetrics) DisconnectNotified(domain.PrincipalKind) {}
