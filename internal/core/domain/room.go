package domain

import "time"

type RoomID string

type Role string

const (
	RoleModel  Role = "model"
	RoleMember Role = "member"
	RoleGuest  Role = "guest"
)

func (r Role) Valid() bool {
	switch r {
	case RoleModel, RoleMember, RoleGuest:
		return true
	}
	return false
}

// Membership is one roster row of a room. Guests never get one.
type Membership struct {
	RoomID      RoomID      `json:"-"`
	PrincipalID PrincipalID `json:"-"`
	Role        Role        `json:"role"`
	JoinedAtMs  int64       `json:"joined_at"`
}

func (m Membership) JoinedAt() time.Time {
	return time.UnixMilli(m.JoinedAtMs)
}

// Elapsed is the wall-clock time since the join, in milliseconds.
func (m Membership) Elapsed(now time.Time) int64 {
	d := now.UnixMilli() - m.JoinedAtMs
	if d < 0 {
		return 0
	}
	return d
}

type RoomType string

const RoomTypeStream RoomType = "stream"

// RoomBinding ties a room (conversation) to the stream it belongs to.
type RoomBinding struct {
	RoomID      RoomID      `json:"room_id"`
	PerformerID PrincipalID `json:"performer_id"`
	Type        RoomType    `json:"type"`
	StreamID    StreamID    `json:"stream_id"`
	CreatedAt   time.Time   `json:"created_at"`
}
