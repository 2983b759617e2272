package memory

import (
	"context"
	"sync"

	"roomcast/internal/core/domain"
)

type MemoryConnectionRegistry struct {
	conns  map[domain.PrincipalID]map[domain.ConnectionID]struct{}
	online map[domain.PrincipalID]struct{}
	kinds  map[domain.PrincipalID]domain.PrincipalKind
	mu     sync.RWMutex
}

func NewMemoryConnectionRegistry() *MemoryConnectionRegistry {
	return &MemoryConnectionRegistry{
		conns:  make(map[domain.PrincipalID]map[domain.ConnectionID]struct{}),
		online: make(map[domain.PrincipalID]struct{}),
		kinds:  make(map[domain.PrincipalID]domain.PrincipalKind),
	}
}

func (r *MemoryConnectionRegistry) RegisterConnection(ctx context.Context, principal domain.Principal, connID domain.ConnectionID) error {
	if principal.ID == "" || connID == "" {
		return domain.ErrInvalidPrincipal
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[principal.ID]
	if !ok {
		set = make(map[domain.ConnectionID]struct{})
		r.conns[principal.ID] = set
	}
	set[connID] = struct{}{}
	r.online[principal.ID] = struct{}{}
	if principal.Kind.Valid() {
		r.kinds[principal.ID] = principal.Kind
	}
	return nil
}

func (r *MemoryConnectionRegistry) DeregisterConnection(ctx context.Context, id domain.PrincipalID, connID domain.ConnectionID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.conns[id]
	delete(set, connID)
	remaining := len(set)
	if remaining == 0 {
		delete(r.conns, id)
		delete(r.online, id)
		delete(r.kinds, id)
	}
	return remaining, nil
}

func (r *MemoryConnectionRegistry) ListOnlinePrincipals(ctx context.Context) ([]domain.PrincipalID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]domain.PrincipalID, 0, len(r.online))
	for id := range r.online {
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *MemoryConnectionRegistry) ConnectionsOf(ctx context.Context, id domain.PrincipalID) ([]domain.ConnectionID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.conns[id]
	out := make([]domain.ConnectionID, 0, len(set))
	for connID := range set {
		out = append(out, connID)
	}
	return out, nil
}

func (r *MemoryConnectionRegistry) KindOf(ctx context.Context, id domain.PrincipalID) (domain.PrincipalKind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kinds[id], nil
}

func (r *MemoryConnectionRegistry) MarkOffline(ctx context.Context, id domain.PrincipalID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.online, id)
	delete(r.kinds, id)
	return nil
}
