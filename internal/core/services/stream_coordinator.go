package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/pkg/tracing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var _ ports.StreamCoordinator = (*StreamCoordinator)(nil)

// StreamCoordinator drives the per-performer Idle -> Live -> Idle cycle
// and the room bookkeeping around it.
type StreamCoordinator struct {
	directory   ports.RoomDirectory
	streams     ports.StreamSessionRepository
	bindings    ports.RoomBindingRepository
	subs        ports.SubscriptionChecker
	broadcaster ports.Broadcaster
	metrics     ports.PresenceMetrics
	logger      *zap.SugaredLogger
	now         func() time.Time
}

func NewStreamCoordinator(
	directory ports.RoomDirectory,
	streams ports.StreamSessionRepository,
	bindings ports.RoomBindingRepository,
	subs ports.SubscriptionChecker,
	broadcaster ports.Broadcaster,
	metrics ports.PresenceMetrics,
	logger *zap.SugaredLogger,
) *StreamCoordinator {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &StreamCoordinator{
		directory:   directory,
		streams:     streams,
		bindings:    bindings,
		subs:        subs,
		broadcaster: broadcaster,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// WithClock replaces the clock used for elapsed-time accounting.
func (c *StreamCoordinator) WithClock(now func() time.Time) *StreamCoordinator {
	c.now = now
	return c
}

func (c *StreamCoordinator) GoLive(ctx context.Context, performerID domain.PrincipalID, req domain.GoLiveRequest) (*domain.StreamSession, domain.RoomID, error) {
	ctx, span := tracing.StartSpan(ctx, "stream.go_live")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.PrincipalIDKey.String(string(performerID)))

	now := c.now()
	session, err := c.streams.GetByPerformer(ctx, performerID)
	switch {
	case errors.Is(err, domain.ErrStreamNotFound):
		session = &domain.StreamSession{
			ID:          domain.StreamID(uuid.NewString()),
			PerformerID: performerID,
			CreatedAt:   now,
		}
	case err != nil:
		tracing.RecordError(ctx, err)
		return nil, "", fmt.Errorf("failed to load stream session: %w", err)
	}

	session.SessionID = domain.SessionID(uuid.NewString())
	session.IsStreaming = false
	session.StreamingTimeSeconds = 0
	session.Stats = domain.StreamStats{}
	session.Title = req.Title
	session.Description = req.Description
	session.Price = req.Price
	session.IsFree = req.IsFree
	session.UpdatedAt = now

	if err := c.streams.Save(ctx, session); err != nil {
		tracing.RecordError(ctx, err)
		return nil, "", fmt.Errorf("failed to save stream session: %w", err)
	}
	if err := c.streams.ResetStats(ctx, session.ID); err != nil {
		tracing.RecordError(ctx, err)
		return nil, "", fmt.Errorf("failed to reset stream stats: %w", err)
	}

	binding, err := c.ensureBinding(ctx, session, now)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, "", err
	}

	c.logger.Infow("performer went live",
		"principal_id", performerID,
		"stream_id", session.ID,
		"session_id", session.SessionID,
		"room_id", binding.RoomID,
	)
	return session, binding.RoomID, nil
}

func (c *StreamCoordinator) ensureBinding(ctx context.Context, session *domain.StreamSession, now time.Time) (*domain.RoomBinding, error) {
	binding, err := c.bindings.FindByStream(ctx, session.PerformerID, session.ID)
	if err == nil {
		return binding, nil
	}
	if !errors.Is(err, domain.ErrRoomNotFound) {
		return nil, fmt.Errorf("failed to find room binding: %w", err)
	}

	binding = &domain.RoomBinding{
		RoomID:      domain.RoomID(uuid.NewString()),
		PerformerID: session.PerformerID,
		Type:        domain.RoomTypeStream,
		StreamID:    session.ID,
		CreatedAt:   now,
	}
	if err := c.bindings.Bind(ctx, binding); err != nil {
		return nil, fmt.Errorf("failed to bind room: %w", err)
	}
	return binding, nil
}

// JoinRoom is a no-op for rooms that are not bound yet. Unauthorized
// participants are rejected before their connection joins the room.
func (c *StreamCoordinator) JoinRoom(ctx context.Context, roomID domain.RoomID, p domain.Participant) error {
	ctx, span := tracing.TraceRoomOperation(ctx, "join", string(roomID))
	defer span.End()

	binding, session, err := c.resolve(ctx, roomID)
	if errors.Is(err, domain.ErrRoomNotFound) || errors.Is(err, domain.ErrStreamNotFound) {
		return nil
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	if err := c.authorize(ctx, session, binding, p.Principal); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	role := roleFor(binding, p)
	tracing.AddSpanAttributes(ctx,
		tracing.PrincipalIDKey.String(string(p.PrincipalID())),
		tracing.RoleKey.String(string(role)),
	)
	wasStreaming := session.IsStreaming

	if role == domain.RoleModel {
		session.IsStreaming = true
		session.UpdatedAt = c.now()
		if err := c.streams.Save(ctx, session); err != nil {
			tracing.RecordError(ctx, err)
			return fmt.Errorf("failed to mark session streaming: %w", err)
		}
	}

	if role != domain.RoleGuest {
		prev, err := c.directory.MembershipOf(ctx, roomID, p.Principal.ID)
		if err != nil && !errors.Is(err, domain.ErrMembershipNotFound) {
			return fmt.Errorf("failed to read membership: %w", err)
		}
		if _, err := c.directory.Join(ctx, roomID, p.Principal.ID, role); err != nil {
			tracing.RecordError(ctx, err)
			return fmt.Errorf("failed to record membership: %w", err)
		}
		// A re-join overwrites the row; only count a member once.
		if role == domain.RoleMember && (prev == nil || prev.Role != domain.RoleMember) {
			if _, err := c.streams.AdjustMemberCount(ctx, session.ID, 1); err != nil {
				return fmt.Errorf("failed to count member: %w", err)
			}
		}
	}

	// The connection joins the transport room only after the store has it.
	c.broadcaster.JoinTransportRoom(p.ConnectionID, roomID)
	c.metrics.RoomJoined(role)

	if role == domain.RoleModel {
		if err := c.broadcaster.EmitToRoom(ctx, roomID, domain.EventModelJoined, c.modelPresence(roomID, session)); err != nil {
			c.logger.Warnw("failed to announce model", "room_id", roomID, "error", err)
		}
	}

	if err := c.broadcastRoster(ctx, roomID); err != nil {
		c.logger.Warnw("failed to broadcast roster", "room_id", roomID, "error", err)
	}

	if wasStreaming && role != domain.RoleModel {
		if err := c.broadcaster.EmitToConnection(ctx, p.ConnectionID, domain.EventModelJoined, c.modelPresence(roomID, session)); err != nil {
			c.logger.Warnw("failed to notify late joiner", "room_id", roomID, "connection_id", p.ConnectionID, "error", err)
		}
	}

	c.logger.Debugw("joined room",
		"room_id", roomID,
		"principal_id", p.PrincipalID(),
		"connection_id", p.ConnectionID,
		"role", role,
	)
	return nil
}

func (c *StreamCoordinator) LeaveRoom(ctx context.Context, roomID domain.RoomID, p domain.Participant) error {
	ctx, span := tracing.TraceRoomOperation(ctx, "leave", string(roomID))
	defer span.End()

	if p.ConnectionID != "" {
		c.broadcaster.LeaveTransportRoom(p.ConnectionID, roomID)
	}
	if p.IsGuest() {
		c.metrics.RoomLeft(domain.RoleGuest)
		return nil
	}

	if err := c.leave(ctx, roomID, p.Principal.ID); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

func (c *StreamCoordinator) leave(ctx context.Context, roomID domain.RoomID, id domain.PrincipalID) error {
	binding, session, err := c.resolve(ctx, roomID)
	if errors.Is(err, domain.ErrRoomNotFound) || errors.Is(err, domain.ErrStreamNotFound) {
		// Nothing to account against; still drop any stale row.
		return c.directory.Leave(ctx, roomID, id)
	}
	if err != nil {
		return err
	}

	m, err := c.directory.MembershipOf(ctx, roomID, id)
	if err != nil && !errors.Is(err, domain.ErrMembershipNotFound) {
		return fmt.Errorf("failed to read membership: %w", err)
	}

	if m != nil {
		now := c.now()
		elapsedMs := m.Elapsed(now)

		switch m.Role {
		case domain.RoleModel:
			session.StreamingTimeSeconds += elapsedMs / 1000
			session.IsStreaming = false
			session.LastStreamingAt = &now
			session.UpdatedAt = now
			if err := c.streams.Save(ctx, session); err != nil {
				return fmt.Errorf("failed to record streaming time: %w", err)
			}
			if err := c.broadcaster.EmitToRoom(ctx, roomID, domain.EventModelLeft, domain.ModelPresence{
				ConversationID: roomID,
				PerformerID:    binding.PerformerID,
				SessionID:      session.SessionID,
			}); err != nil {
				c.logger.Warnw("failed to announce model leaving", "room_id", roomID, "error", err)
			}
		case domain.RoleMember:
			if err := c.decrementMembers(ctx, session.ID); err != nil {
				return err
			}
		}
		c.metrics.RoomLeft(m.Role)
	}

	if err := c.directory.Leave(ctx, roomID, id); err != nil {
		return fmt.Errorf("failed to remove membership: %w", err)
	}

	if err := c.broadcastRoster(ctx, roomID); err != nil {
		c.logger.Warnw("failed to broadcast roster", "room_id", roomID, "error", err)
	}
	return nil
}

// decrementMembers lowers the member counter, flooring it at zero since a
// go-live can reset it while members are still in the room.
func (c *StreamCoordinator) decrementMembers(ctx context.Context, id domain.StreamID) error {
	n, err := c.streams.AdjustMemberCount(ctx, id, -1)
	if err != nil {
		return fmt.Errorf("failed to uncount member: %w", err)
	}
	if n < 0 {
		if _, err := c.streams.AdjustMemberCount(ctx, id, -n); err != nil {
			return fmt.Errorf("failed to floor member count: %w", err)
		}
	}
	return nil
}

// EndSession asks everyone in the stream's room to leave. Membership is
// left alone; clients leave on their own.
func (c *StreamCoordinator) EndSession(ctx context.Context, streamID domain.StreamID) error {
	ctx, span := tracing.StartSpan(ctx, "stream.end_session")
	defer span.End()
	tracing.AddSpanAttributes(ctx, tracing.StreamIDKey.String(string(streamID)))

	session, err := c.streams.GetByID(ctx, streamID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	if !session.IsStreaming {
		return domain.ErrStreamOffline
	}

	binding, err := c.bindings.FindByStream(ctx, session.PerformerID, session.ID)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	payload := domain.ForcedSessionEnd{
		StreamID:       session.ID,
		ConversationID: binding.RoomID,
		Timestamp:      c.now().UnixMilli(),
	}
	if err := c.broadcaster.EmitToRoom(ctx, binding.RoomID, domain.EventForcedSessionEnd, payload); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to broadcast session end: %w", err)
	}
	c.metrics.SessionEnded()

	c.logger.Infow("session ended by admin", "stream_id", streamID, "room_id", binding.RoomID)
	return nil
}

// AnnounceBroadcaster tells the room's occupants that its performer is
// (re)starting a broadcast. Only the bound performer may announce.
func (c *StreamCoordinator) AnnounceBroadcaster(ctx context.Context, roomID domain.RoomID, p domain.Participant) error {
	binding, session, err := c.resolve(ctx, roomID)
	if err != nil {
		return err
	}
	if p.PrincipalID() != binding.PerformerID {
		return domain.ErrUnauthorized
	}
	return c.broadcaster.EmitToRoom(ctx, roomID, domain.EventBroadcasterJoined, c.modelPresence(roomID, session))
}

// JoinPublicSession looks up a performer's current session for a viewer,
// applying the same access rules as JoinRoom.
func (c *StreamCoordinator) JoinPublicSession(ctx context.Context, performerID domain.PrincipalID, viewer *domain.Principal) (*domain.StreamSession, domain.RoomID, error) {
	session, err := c.streams.GetByPerformer(ctx, performerID)
	if err != nil {
		return nil, "", err
	}
	binding, err := c.bindings.FindByStream(ctx, performerID, session.ID)
	if err != nil {
		return nil, "", err
	}
	if err := c.authorize(ctx, session, binding, viewer); err != nil {
		return nil, "", err
	}
	return session, binding.RoomID, nil
}

func (c *StreamCoordinator) Roster(ctx context.Context, roomID domain.RoomID) (*domain.RosterChanged, error) {
	if _, err := c.bindings.GetByRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return c.roster(ctx, roomID)
}

// EvictPrincipal runs leave bookkeeping for every room the principal still
// has a membership in. Used once the principal has no live connection.
func (c *StreamCoordinator) EvictPrincipal(ctx context.Context, id domain.PrincipalID) error {
	rooms, err := c.directory.RoomsOf(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list rooms of %s: %w", id, err)
	}

	var firstErr error
	for _, roomID := range rooms {
		if err := c.leave(ctx, roomID, id); err != nil {
			c.logger.Warnw("failed to evict from room", "principal_id", id, "room_id", roomID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *StreamCoordinator) resolve(ctx context.Context, roomID domain.RoomID) (*domain.RoomBinding, *domain.StreamSession, error) {
	binding, err := c.bindings.GetByRoom(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	session, err := c.streams.GetByID(ctx, binding.StreamID)
	if err != nil {
		return nil, nil, err
	}
	return binding, session, nil
}

// authorize admits the performer, anyone to a free session, and
// authenticated viewers with an active subscription otherwise.
func (c *StreamCoordinator) authorize(ctx context.Context, session *domain.StreamSession, binding *domain.RoomBinding, p *domain.Principal) error {
	if p == nil {
		if session.IsFree {
			return nil
		}
		return domain.ErrUnauthorized
	}
	if p.ID == binding.PerformerID || session.IsFree {
		return nil
	}

	ok, err := c.subs.HasActiveSubscription(ctx, binding.PerformerID, p.ID)
	if err != nil {
		return fmt.Errorf("failed to check subscription: %w", err)
	}
	if !ok {
		return domain.ErrUnauthorized
	}
	return nil
}

func roleFor(binding *domain.RoomBinding, p domain.Participant) domain.Role {
	switch {
	case p.IsGuest():
		return domain.RoleGuest
	case p.Principal.ID == binding.PerformerID:
		return domain.RoleModel
	default:
		return domain.RoleMember
	}
}

func (c *StreamCoordinator) modelPresence(roomID domain.RoomID, session *domain.StreamSession) domain.ModelPresence {
	return domain.ModelPresence{
		ConversationID: roomID,
		PerformerID:    session.PerformerID,
		SessionID:      session.SessionID,
	}
}

func (c *StreamCoordinator) broadcastRoster(ctx context.Context, roomID domain.RoomID) error {
	roster, err := c.roster(ctx, roomID)
	if err != nil {
		return err
	}
	return c.broadcaster.EmitToRoom(ctx, roomID, domain.EventRosterChanged, roster)
}

func (c *StreamCoordinator) roster(ctx context.Context, roomID domain.RoomID) (*domain.RosterChanged, error) {
	rows, err := c.directory.RosterOf(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}

	total, err := c.directory.CountByRole(ctx, roomID, domain.RoleMember)
	if err != nil {
		return nil, fmt.Errorf("failed to count members: %w", err)
	}

	out := &domain.RosterChanged{
		ConversationID: roomID,
		Total:          total,
		Members:        make([]domain.RosterEntry, 0, len(rows)),
	}
	for id, m := range rows {
		out.Members = append(out.Members, domain.RosterEntry{
			PrincipalID: id,
			Role:        m.Role,
			JoinedAtMs:  m.JoinedAtMs,
		})
	}
	sort.Slice(out.Members, func(i, j int) bool {
		a, b := out.Members[i], out.Members[j]
		if a.JoinedAtMs != b.JoinedAtMs {
			return a.JoinedAtMs < b.JoinedAtMs
		}
		return a.PrincipalID < b.PrincipalID
	})
	return out, nil
}

type noopMetrics struct{}

func (noopMetrics) RoomJoined(domain.Role) {}
func (noopMetrics) RoomLeft(domain.Role) {}
func (noopMetrics) SessionEnded() {}
func (noopMetrics) SweepCompleted(float64, int, int) {}
func (noopMetrics) SweepSkipped() {}
