package domain

import "time"

// Inbound event names (client -> server).
const (
	EventGoLive          = "go-live"
	EventJoinRoom        = "join-room"
	EventLeaveRoom       = "leave-room"
	EventAdminEndSession = "admin-end-session"
)

// Outbound event names (server -> room or targeted principals).
const (
	EventBroadcasterJoined = "broadcaster-joined"
	EventModelJoined       = "model-joined"
	EventModelLeft         = "model-left"
	EventRosterChanged     = "roster-changed"
	EventForcedSessionEnd  = "forced-session-end"
	EventError             = "error"
)

type RosterEntry struct {
	PrincipalID PrincipalID `json:"id"`
	Role        Role        `json:"role"`
	JoinedAtMs  int64       `json:"joined_at"`
}

type RosterChanged struct {
	ConversationID RoomID        `json:"conversationId"`
	Total          int           `json:"total"`
	Members        []RosterEntry `json:"members"`
}

type ModelPresence struct {
	ConversationID RoomID      `json:"conversationId"`
	PerformerID    PrincipalID `json:"performerId"`
	SessionID      SessionID   `json:"sessionId,omitempty"`
}

type ForcedSessionEnd struct {
	StreamID       StreamID `json:"streamId"`
	ConversationID RoomID   `json:"conversationId"`
	Timestamp      int64    `json:"timestamp"`
}

// PresenceNotification is published when a principal goes fully offline.
type PresenceNotification struct {
	PrincipalID PrincipalID   `json:"principal_id"`
	Kind        PrincipalKind `json:"kind"`
	At          time.Time     `json:"at"`
}
