package memory

import (
	"context"
	"sync"

	"roomcast/internal/core/domain"
)

type MemoryStreamRepository struct {
	streams     map[domain.StreamID]domain.StreamSession
	byPerformer map[domain.PrincipalID]domain.StreamID
	mu          sync.RWMutex
}

func NewMemoryStreamRepository() *MemoryStreamRepository {
	return &MemoryStreamRepository{
		streams:     make(map[domain.StreamID]domain.StreamSession),
		byPerformer: make(map[domain.PrincipalID]domain.StreamID),
	}
}

func (r *MemoryStreamRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.StreamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.streams[id]
	if !ok {
		return nil, domain.ErrStreamNotFound
	}
	return &s, nil
}

func (r *MemoryStreamRepository) GetByPerformer(ctx context.Context, performerID domain.PrincipalID) (*domain.StreamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byPerformer[performerID]
	if !ok {
		return nil, domain.ErrStreamNotFound
	}
	s := r.streams[id]
	return &s, nil
}

func (r *MemoryStreamRepository) Save(ctx context.Context, session *domain.StreamSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *session
	if existing, ok := r.streams[session.ID]; ok {
		stored.Stats = existing.Stats
	}
	r.streams[session.ID] = stored
	r.byPerformer[session.PerformerID] = session.ID
	return nil
}

func (r *MemoryStreamRepository) ResetStats(ctx context.Context, id domain.StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[id]
	if !ok {
		return domain.ErrStreamNotFound
	}
	s.Stats = domain.StreamStats{}
	r.streams[id] = s
	return nil
}

func (r *MemoryStreamRepository) AdjustMemberCount(ctx context.Context, id domain.StreamID, delta int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[id]
	if !ok {
		return 0, domain.ErrStreamNotFound
	}
	s.Stats.MemberCount += delta
	r.streams[id] = s
	return s.Stats.MemberCount, nil
}
