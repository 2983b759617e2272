package redis

import (
	"roomcast/internal/core/domain"
)

// Keyspace builds the shared-store key layout. Every key lives under one
// prefix so several deployments can share an instance.
type Keyspace struct {
	Prefix string
}

func DefaultKeyspace() Keyspace {
	return Keyspace{Prefix: "roomcast:"}
}

func (k Keyspace) OnlinePrincipals() string {
	return k.Prefix + "online-principals"
}

func (k Keyspace) PrincipalKinds() string {
	return k.Prefix + "principal-kinds"
}

func (k Keyspace) Connections(id domain.PrincipalID) string {
	return k.Prefix + "conn:" + string(id)
}

func (k Keyspace) Room(roomID domain.RoomID) string {
	return k.Prefix + "room:" + string(roomID)
}

func (k Keyspace) RoomsOf(id domain.PrincipalID) string {
	return k.Prefix + "rooms-of:" + string(id)
}

func (k Keyspace) Stream(id domain.StreamID) string {
	return k.Prefix + "stream:" + string(id)
}

func (k Keyspace) StreamStats(id domain.StreamID) string {
	return k.Prefix + "stream:" + string(id) + ":stats"
}

func (k Keyspace) PerformerStream(id domain.PrincipalID) string {
	return k.Prefix + "performer-stream:" + string(id)
}

func (k Keyspace) Binding(roomID domain.RoomID) string {
	return k.Prefix + "binding:" + string(roomID)
}

func (k Keyspace) StreamRoom(id domain.StreamID) string {
	return k.Prefix + "stream-room:" + string(id)
}

func (k Keyspace) Subscribers(performerID domain.PrincipalID) string {
	return k.Prefix + "subscribers:" + string(performerID)
}

func (k Keyspace) SchemaVersion() string {
	return k.Prefix + "schema:version"
}

// ConnectionOwners maps connection id -> id of the node holding it.
func (k Keyspace) ConnectionOwners() string {
	return k.Prefix + "conn-owner"
}

func (k Keyspace) NodeHeartbeat(nodeID string) string {
	return k.Prefix + "node:" + nodeID
}

func (k Keyspace) Lock(name string) string {
	return k.Prefix + "lock:" + name
}
