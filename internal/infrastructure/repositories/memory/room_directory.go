package memory

import (
	"context"
	"sync"
	"time"

	"roomcast/internal/core/domain"
)

type MemoryRoomDirectory struct {
	rooms  map[domain.RoomID]map[domain.PrincipalID]domain.Membership
	joined map[domain.PrincipalID]map[domain.RoomID]struct{}
	now    func() time.Time
	mu     sync.RWMutex
}

func NewMemoryRoomDirectory() *MemoryRoomDirectory {
	return &MemoryRoomDirectory{
		rooms:  make(map[domain.RoomID]map[domain.PrincipalID]domain.Membership),
		joined: make(map[domain.PrincipalID]map[domain.RoomID]struct{}),
		now:    time.Now,
	}
}

// WithClock replaces the clock used to stamp join times.
func (d *MemoryRoomDirectory) WithClock(now func() time.Time) *MemoryRoomDirectory {
	d.now = now
	return d
}

func (d *MemoryRoomDirectory) Join(ctx context.Context, roomID domain.RoomID, id domain.PrincipalID, role domain.Role) (*domain.Membership, error) {
	if !role.Valid() {
		return nil, domain.ErrInvalidRole
	}

	m := domain.Membership{
		RoomID:      roomID,
		PrincipalID: id,
		Role:        role,
		JoinedAtMs:  d.now().UnixMilli(),
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	roster, ok := d.rooms[roomID]
	if !ok {
		roster = make(map[domain.PrincipalID]domain.Membership)
		d.rooms[roomID] = roster
	}
	roster[id] = m

	rooms, ok := d.joined[id]
	if !ok {
		rooms = make(map[domain.RoomID]struct{})
		d.joined[id] = rooms
	}
	rooms[roomID] = struct{}{}

	return &m, nil
}

func (d *MemoryRoomDirectory) Leave(ctx context.Context, roomID domain.RoomID, id domain.PrincipalID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if roster, ok := d.rooms[roomID]; ok {
		delete(roster, id)
		if len(roster) == 0 {
			delete(d.rooms, roomID)
		}
	}
	if rooms, ok := d.joined[id]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(d.joined, id)
		}
	}
	return nil
}

func (d *MemoryRoomDirectory) MembershipOf(ctx context.Context, roomID domain.RoomID, id domain.PrincipalID) (*domain.Membership, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.rooms[roomID][id]
	if !ok {
		return nil, domain.ErrMembershipNotFound
	}
	return &m, nil
}

func (d *MemoryRoomDirectory) RosterOf(ctx context.Context, roomID domain.RoomID) (map[domain.PrincipalID]domain.Membership, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	roster := make(map[domain.PrincipalID]domain.Membership, len(d.rooms[roomID]))
	for id, m := range d.rooms[roomID] {
		roster[id] = m
	}
	return roster, nil
}

func (d *MemoryRoomDirectory) CountByRole(ctx context.Context, roomID domain.RoomID, role domain.Role) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	count := 0
	for _, m := range d.rooms[roomID] {
		if m.Role == role {
			count++
		}
	}
	return count, nil
}

func (d *MemoryRoomDirectory) RoomsOf(ctx context.Context, id domain.PrincipalID) ([]domain.RoomID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]domain.RoomID, 0, len(d.joined[id]))
	for roomID := range d.joined[id] {
		out = append(out, roomID)
	}
	return out, nil
}
