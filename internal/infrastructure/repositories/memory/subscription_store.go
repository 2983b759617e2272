package memory

import (
	"context"
	"sync"

	"roomcast/internal/core/domain"
)

// MemorySubscriptionStore is a stand-in for the subscription service when
// running without a shared store.
type MemorySubscriptionStore struct {
	subs map[domain.PrincipalID]map[domain.PrincipalID]struct{}
	mu   sync.RWMutex
}

func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{
		subs: make(map[domain.PrincipalID]map[domain.PrincipalID]struct{}),
	}
}

func (s *MemorySubscriptionStore) Subscribe(performerID, userID domain.PrincipalID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.subs[performerID]
	if !ok {
		set = make(map[domain.PrincipalID]struct{})
		s.subs[performerID] = set
	}
	set[userID] = struct{}{}
}

func (s *MemorySubscriptionStore) Unsubscribe(performerID, userID domain.PrincipalID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[performerID], userID)
}

func (s *MemorySubscriptionStore) HasActiveSubscription(ctx context.Context, performerID, userID domain.PrincipalID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.subs[performerID][userID]
	return ok, nil
}
