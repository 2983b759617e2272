package ports

import (
	"context"
	"time"

	"roomcast/internal/core/domain"
)

type StreamCoordinator interface {
	GoLive(ctx context.Context, performerID domain.PrincipalID, req domain.GoLiveRequest) (*domain.StreamSession, domain.RoomID, error)
	JoinRoom(ctx context.Context, roomID domain.RoomID, p domain.Participant) error
	LeaveRoom(ctx context.Context, roomID domain.RoomID, p domain.Participant) error
	EndSession(ctx context.Context, streamID domain.StreamID) error
	AnnounceBroadcaster(ctx context.Context, roomID domain.RoomID, p domain.Participant) error
	JoinPublicSession(ctx context.Context, performerID domain.PrincipalID, viewer *domain.Principal) (*domain.StreamSession, domain.RoomID, error)
	Roster(ctx context.Context, roomID domain.RoomID) (*domain.RosterChanged, error)
	EvictPrincipal(ctx context.Context, id domain.PrincipalID) error
}

// Broadcaster is the transport-facing fan-out used by the coordinator.
type Broadcaster interface {
	JoinTransportRoom(connID domain.ConnectionID, roomID domain.RoomID)
	LeaveTransportRoom(connID domain.ConnectionID, roomID domain.RoomID)
	EmitToRoom(ctx context.Context, roomID domain.RoomID, event string, payload interface{}) error
	EmitToConnection(ctx context.Context, connID domain.ConnectionID, event string, payload interface{}) error
	EmitToPrincipals(ctx context.Context, ids []domain.PrincipalID, event string, payload interface{}) error
}

// LivenessProbe reports which of the given connections the transport layer
// still considers alive.
type LivenessProbe interface {
	LiveConnections(ctx context.Context, candidates []domain.ConnectionID) (map[domain.ConnectionID]bool, error)
}

type IdentityResolver interface {
	// ResolveIdentity returns nil, nil for an empty token (guest).
	ResolveIdentity(ctx context.Context, token string) (*domain.Principal, error)
}

type PresencePublisher interface {
	PublishDisconnect(ctx context.Context, n domain.PresenceNotification) error
}

// PresenceMetrics is the subset of the Prometheus collector the core uses.
type PresenceMetrics interface {
	RoomJoined(role domain.Role)
	RoomLeft(role domain.Role)
	SessionEnded()
	SweepCompleted(seconds float64, reaped, retired int)
	SweepSkipped()
}

// JobScheduler runs named one-shot jobs; scheduling a pending name
// replaces it.
type JobScheduler interface {
	Schedule(name string, delay time.Duration, job func(ctx context.Context))
	Cancel(name string) bool
}

// SweepLock keeps a sweep to one node at a time.
type SweepLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}
