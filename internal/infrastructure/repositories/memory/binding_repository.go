package memory

import (
	"context"
	"sync"

	"roomcast/internal/core/domain"
)

type MemoryBindingRepository struct {
	byRoom   map[domain.RoomID]domain.RoomBinding
	byStream map[domain.StreamID]domain.RoomID
	mu       sync.RWMutex
}

func NewMemoryBindingRepository() *MemoryBindingRepository {
	return &MemoryBindingRepository{
		byRoom:   make(map[domain.RoomID]domain.RoomBinding),
		byStream: make(map[domain.StreamID]domain.RoomID),
	}
}

func (r *MemoryBindingRepository) Bind(ctx context.Context, binding *domain.RoomBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byRoom[binding.RoomID] = *binding
	r.byStream[binding.StreamID] = binding.RoomID
	return nil
}

func (r *MemoryBindingRepository) GetByRoom(ctx context.Context, roomID domain.RoomID) (*domain.RoomBinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.byRoom[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return &b, nil
}

func (r *MemoryBindingRepository) FindByStream(ctx context.Context, performerID domain.PrincipalID, streamID domain.StreamID) (*domain.RoomBinding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roomID, ok := r.byStream[streamID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	b := r.byRoom[roomID]
	if b.PerformerID != performerID {
		return nil, domain.ErrRoomNotFound
	}
	return &b, nil
}
