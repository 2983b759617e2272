package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"roomcast/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// RedisRoomDirectory stores each roster as a hash of principalId to a JSON
// membership record {"role":..,"joined_at":..}.
type RedisRoomDirectory struct {
	client *redis.Client
	keys   Keyspace
	now    func() time.Time
}

func NewRedisRoomDirectory(client *redis.Client, keys Keyspace) *RedisRoomDirectory {
	return &RedisRoomDirectory{
		client: client,
		keys:   keys,
		now:    time.Now,
	}
}

// WithClock replaces the clock used to stamp join times.
func (d *RedisRoomDirectory) WithClock(now func() time.Time) *RedisRoomDirectory {
	d.now = now
	return d
}

func (d *RedisRoomDirectory) Join(ctx context.Context, roomID domain.RoomID, id domain.PrincipalID, role domain.Role) (*domain.Membership, error) {
	if !role.Valid() {
		return nil, domain.ErrInvalidRole
	}

	m := domain.Membership{
		RoomID:      roomID,
		PrincipalID: id,
		Role:        role,
		JoinedAtMs:  d.now().UnixMilli(),
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal membership: %w", err)
	}

	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, d.keys.Room(roomID), string(id), data)
		pipe.SAdd(ctx, d.keys.RoomsOf(id), string(roomID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to join room %s: %w", roomID, err)
	}
	return &m, nil
}

func (d *RedisRoomDirectory) Leave(ctx context.Context, roomID domain.RoomID, id domain.PrincipalID) error {
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, d.keys.Room(roomID), string(id))
		pipe.SRem(ctx, d.keys.RoomsOf(id), string(roomID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to leave room %s: %w", roomID, err)
	}
	return nil
}

func (d *RedisRoomDirectory) MembershipOf(ctx context.Context, roomID domain.RoomID, id domain.PrincipalID) (*domain.Membership, error) {
	raw, err := d.client.HGet(ctx, d.keys.Room(roomID), string(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}

	m, err := decodeMembership(roomID, id, raw)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (d *RedisRoomDirectory) RosterOf(ctx context.Context, roomID domain.RoomID) (map[domain.PrincipalID]domain.Membership, error) {
	entries, err := d.client.HGetAll(ctx, d.keys.Room(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get roster of %s: %w", roomID, err)
	}

	roster := make(map[domain.PrincipalID]domain.Membership, len(entries))
	for field, raw := range entries {
		id := domain.PrincipalID(field)
		m, err := decodeMembership(roomID, id, raw)
		if err != nil {
			// Skip rows this version cannot read
			continue
		}
		roster[id] = m
	}
	return roster, nil
}

func (d *RedisRoomDirectory) CountByRole(ctx context.Context, roomID domain.RoomID, role domain.Role) (int, error) {
	roster, err := d.RosterOf(ctx, roomID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, m := range roster {
		if m.Role == role {
			count++
		}
	}
	return count, nil
}

func (d *RedisRoomDirectory) RoomsOf(ctx context.Context, id domain.PrincipalID) ([]domain.RoomID, error) {
	members, err := d.client.SMembers(ctx, d.keys.RoomsOf(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get rooms of %s: %w", id, err)
	}

	rooms := make([]domain.RoomID, len(members))
	for i, m := range members {
		rooms[i] = domain.RoomID(m)
	}
	return rooms, nil
}

func decodeMembership(roomID domain.RoomID, id domain.PrincipalID, raw string) (domain.Membership, error) {
	var m domain.Membership
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return m, fmt.Errorf("failed to unmarshal membership: %w", err)
	}
	if !m.Role.Valid() {
		return m, domain.ErrInvalidRole
	}
	m.RoomID = roomID
	m.PrincipalID = id
	return m, nil
}
