package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventRoomFrame        EventType = "room.frame"
	EventDirectFrame      EventType = "direct.frame"
	EventPrincipalOffline EventType = "principal.offline"
)

// Event is one message on the shared channel.
type Event struct {
	Type        EventType                    `json:"type"`
	InstanceID  string                       `json:"instance_id"`
	Timestamp   time.Time                    `json:"timestamp"`
	RoomID      domain.RoomID                `json:"room_id,omitempty"`
	Connections []domain.ConnectionID        `json:"connections,omitempty"`
	Frame       json.RawMessage              `json:"frame,omitempty"`
	Presence    *domain.PresenceNotification `json:"presence,omitempty"`
}

// LocalDelivery is what the bus hands relayed frames to.
type LocalDelivery interface {
	DeliverRoom(roomID domain.RoomID, frame []byte)
	DeliverDirect(connIDs []domain.ConnectionID, frame []byte)
}

var _ ports.PresencePublisher = (*EventBus)(nil)

// EventBus relays gateway frames between nodes over Redis pub/sub and
// carries disconnect notifications for other subsystems.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewEventBus(
	client *redis.Client,
	channel string,
	instanceID string,
	logger *zap.SugaredLogger,
) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
	}
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room_id", event.RoomID,
	)
	return nil
}

func (eb *EventBus) PublishRoom(ctx context.Context, roomID domain.RoomID, frame []byte) error {
	return eb.Publish(ctx, &Event{
		Type:   EventRoomFrame,
		RoomID: roomID,
		Frame:  frame,
	})
}

func (eb *EventBus) PublishDirect(ctx context.Context, connIDs []domain.ConnectionID, frame []byte) error {
	return eb.Publish(ctx, &Event{
		Type:        EventDirectFrame,
		Connections: connIDs,
		Frame:       frame,
	})
}

func (eb *EventBus) PublishDisconnect(ctx context.Context, n domain.PresenceNotification) error {
	return eb.Publish(ctx, &Event{
		Type:     EventPrincipalOffline,
		Presence: &n,
	})
}

// Subscribe subscribes to events and calls handler for each event from
// another instance until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()
	defer pubsub.Close()

	// The confirmation must arrive before any event is expected.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			// Skip events from this instance
			if event.InstanceID == eb.instanceID {
				continue
			}

			if err := handler(&event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

// Deliverer routes relayed frames to local connections.
func Deliverer(local LocalDelivery) func(*Event) error {
	return func(event *Event) error {
		switch event.Type {
		case EventRoomFrame:
			local.DeliverRoom(event.RoomID, event.Frame)
		case EventDirectFrame:
			local.DeliverDirect(event.Connections, event.Frame)
		}
		return nil
	}
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
