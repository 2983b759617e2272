package ports

import (
	"context"

	"roomcast/internal/core/domain"
)

// ConnectionRegistry tracks live transport connections per principal and
// the global online set.
type ConnectionRegistry interface {
	RegisterConnection(ctx context.Context, principal domain.Principal, connID domain.ConnectionID) error
	// DeregisterConnection returns how many connections the principal still
	// holds. At zero the principal has been removed from the online set.
	DeregisterConnection(ctx context.Context, id domain.PrincipalID, connID domain.ConnectionID) (int, error)
	ListOnlinePrincipals(ctx context.Context) ([]domain.PrincipalID, error)
	ConnectionsOf(ctx context.Context, id domain.PrincipalID) ([]domain.ConnectionID, error)
	KindOf(ctx context.Context, id domain.PrincipalID) (domain.PrincipalKind, error)
	MarkOffline(ctx context.Context, id domain.PrincipalID) error
}

// RoomDirectory keeps per-room rosters and the principal -> rooms index.
type RoomDirectory interface {
	Join(ctx context.Context, roomID domain.RoomID, id domain.PrincipalID, role domain.Role) (*domain.Membership, error)
	Leave(ctx context.Context, roomID domain.RoomID, id domain.PrincipalID) error
	MembershipOf(ctx context.Context, roomID domain.RoomID, id domain.PrincipalID) (*domain.Membership, error)
	RosterOf(ctx context.Context, roomID domain.RoomID) (map[domain.PrincipalID]domain.Membership, error)
	CountByRole(ctx context.Context, roomID domain.RoomID, role domain.Role) (int, error)
	RoomsOf(ctx context.Context, id domain.PrincipalID) ([]domain.RoomID, error)
}

// StreamSessionRepository persists stream sessions. Stats counters are
// adjusted in place and never overwritten by Save.
type StreamSessionRepository interface {
	GetByID(ctx context.Context, id domain.StreamID) (*domain.StreamSession, error)
	GetByPerformer(ctx context.Context, performerID domain.PrincipalID) (*domain.StreamSession, error)
	Save(ctx context.Context, session *domain.StreamSession) error
	ResetStats(ctx context.Context, id domain.StreamID) error
	AdjustMemberCount(ctx context.Context, id domain.StreamID, delta int64) (int64, error)
}

type RoomBindingRepository interface {
	Bind(ctx context.Context, binding *domain.RoomBinding) error
	GetByRoom(ctx context.Context, roomID domain.RoomID) (*domain.RoomBinding, error)
	FindByStream(ctx context.Context, performerID domain.PrincipalID, streamID domain.StreamID) (*domain.RoomBinding, error)
}

type SubscriptionChecker interface {
	HasActiveSubscription(ctx context.Context, performerID, userID domain.PrincipalID) (bool, error)
}
