package signal

import (
	"context"
	"encoding/json"

	"roomcast/internal/core/domain"
	apperrors "roomcast/pkg/errors"
	"roomcast/pkg/tracing"
	"roomcast/pkg/validation"
)

type eventHandler func(ctx context.Context, c *client, data json.RawMessage) error

var (
	errRateLimited    = apperrors.NewRateLimitError()
	errMalformedFrame = apperrors.NewInvalidInputError("malformed frame")
	errUnknownEvent   = apperrors.NewInvalidInputError("unknown event")
	errAdminOnly      = apperrors.NewForbiddenError("admin privileges required")
	errPerformerOnly  = apperrors.NewForbiddenError("only performers can go live")
	errNoCoordinator  = apperrors.NewServiceUnavailableError("room coordination unavailable")
)

// EventSessionStarted acknowledges a go-live that created or refreshed a session.
const EventSessionStarted = "session-started"

type roomPayload struct {
	ConversationID domain.RoomID `json:"conversationId"`
}

type goLivePayload struct {
	ConversationID domain.RoomID `json:"conversationId"`
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	Price          float64       `json:"price"`
	IsFree         bool          `json:"is_free"`
}

type endSessionPayload struct {
	StreamID domain.StreamID `json:"streamId"`
}

type sessionStarted struct {
	ConversationID domain.RoomID    `json:"conversationId"`
	StreamID       domain.StreamID  `json:"streamId"`
	SessionID      domain.SessionID `json:"sessionId"`
}

type errorPayload struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Hub) dispatchTable() map[string]eventHandler {
	return map[string]eventHandler{
		domain.EventGoLive:          h.handleGoLive,
		domain.EventJoinRoom:        h.handleJoinRoom,
		domain.EventLeaveRoom:       h.handleLeaveRoom,
		domain.EventAdminEndSession: h.handleAdminEndSession,
	}
}

func (h *Hub) dispatch(c *client, frame Frame) {
	handler, ok := h.handlers[frame.Event]
	if !ok {
		h.sendError(c, frame.Event, errUnknownEvent)
		return
	}

	ctx, span := tracing.TraceGatewayEvent(h.ctx, frame.Event, string(c.id))
	defer span.End()

	err := handler(ctx, c, frame.Data)
	h.metrics.EventHandled(frame.Event, err)
	if err != nil {
		tracing.RecordError(ctx, err)
		h.logger.Infow("error handling event",
			"event", frame.Event,
			"connection_id", c.id,
			"principal_id", c.participant().PrincipalID(),
			"error", err,
		)
		h.sendError(c, frame.Event, err)
	}
}

func (h *Hub) sendError(c *client, event string, err error) {
	appErr := apperrors.FromDomain(err)
	frame, encErr := encodeFrame(domain.EventError, errorPayload{
		Event:   event,
		Code:    string(appErr.Code),
		Message: appErr.Message,
	})
	if encErr != nil {
		return
	}
	h.deliver(c, frame)
}

func decodeRoom(data json.RawMessage) (domain.RoomID, error) {
	var p roomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", errMalformedFrame
	}
	if err := validation.ValidateRoomID(p.ConversationID); err != nil {
		return "", apperrors.NewInvalidInputError(err.Error())
	}
	return p.ConversationID, nil
}

func (h *Hub) handleJoinRoom(ctx context.Context, c *client, data json.RawMessage) error {
	roomID, err := decodeRoom(data)
	if err != nil {
		return err
	}
	if h.coordinator == nil {
		return errNoCoordinator
	}
	return h.coordinator.JoinRoom(ctx, roomID, c.participant())
}

func (h *Hub) handleLeaveRoom(ctx context.Context, c *client, data json.RawMessage) error {
	roomID, err := decodeRoom(data)
	if err != nil {
		return err
	}
	if h.coordinator == nil {
		return errNoCoordinator
	}
	return h.coordinator.LeaveRoom(ctx, roomID, c.participant())
}

// handleGoLive announces the broadcaster to a room it names. Without a room
// it starts a fresh session first and acknowledges it to the sender.
func (h *Hub) handleGoLive(ctx context.Context, c *client, data json.RawMessage) error {
	if c.principal == nil || c.principal.Kind != domain.KindPerformer {
		return errPerformerOnly
	}
	if h.coordinator == nil {
		return errNoCoordinator
	}

	var p goLivePayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return errMalformedFrame
		}
	}

	roomID := p.ConversationID
	if roomID == "" {
		req := &domain.GoLiveRequest{
			Title:       p.Title,
			Description: p.Description,
			Price:       p.Price,
			IsFree:      p.IsFree,
		}
		if err := validation.ValidateGoLiveRequest(req); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}

		session, boundRoom, err := h.coordinator.GoLive(ctx, c.principal.ID, *req)
		if err != nil {
			return err
		}
		roomID = boundRoom

		ack, err := encodeFrame(EventSessionStarted, sessionStarted{
			ConversationID: roomID,
			StreamID:       session.ID,
			SessionID:      session.SessionID,
		})
		if err != nil {
			return err
		}
		h.deliver(c, ack)
	} else if err := validation.ValidateRoomID(roomID); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}

	return h.coordinator.AnnounceBroadcaster(ctx, roomID, c.participant())
}

func (h *Hub) handleAdminEndSession(ctx context.Context, c *client, data json.RawMessage) error {
	if c.principal == nil || !c.principal.Admin {
		return errAdminOnly
	}
	if h.coordinator == nil {
		return errNoCoordinator
	}

	var p endSessionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return errMalformedFrame
	}
	if err := validation.ValidateStreamID(p.StreamID); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return h.coordinator.EndSession(ctx, p.StreamID)
}
