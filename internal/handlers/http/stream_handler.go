package http

import (
	"net/http"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/internal/infrastructure/middleware"
	"roomcast/pkg/errors"
	"roomcast/pkg/validation"

	"github.com/gin-gonic/gin"
)

type StreamHandler struct {
	coordinator ports.StreamCoordinator
	resolver    ports.IdentityResolver
}

func NewStreamHandler(
	coordinator ports.StreamCoordinator,
	resolver ports.IdentityResolver,
) *StreamHandler {
	return &StreamHandler{
		coordinator: coordinator,
		resolver:    resolver,
	}
}

func (h *StreamHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/streams/live",
			middleware.AuthMiddleware(h.resolver),
			middleware.RequirePerformer(),
			h.GoLive,
		)
		api.GET("/performers/:id/session", middleware.OptionalAuthMiddleware(h.resolver), h.JoinPublicSession)
		api.GET("/rooms/:id/roster", middleware.OptionalAuthMiddleware(h.resolver), h.GetRoster)

		admin := api.Group("/admin", middleware.AuthMiddleware(h.resolver), middleware.RequireAdmin())
		admin.POST("/streams/:id/end", h.EndSession)
	}
}

type sessionResponse struct {
	ConversationID domain.RoomID         `json:"conversationId"`
	Session        *domain.StreamSession `json:"session"`
}

// GoLive starts a fresh session for the calling performer. The client
// then joins the returned room over the websocket gateway.
func (h *StreamHandler) GoLive(c *gin.Context) {
	var req domain.GoLiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateGoLiveRequest(&req); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	performer := middleware.PrincipalFromContext(c)
	session, roomID, err := h.coordinator.GoLive(c.Request.Context(), performer.ID, req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, sessionResponse{
		ConversationID: roomID,
		Session:        session,
	})
}

func (h *StreamHandler) JoinPublicSession(c *gin.Context) {
	performerID := domain.PrincipalID(c.Param("id"))
	if err := validation.ValidatePrincipalID(performerID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	session, roomID, err := h.coordinator.JoinPublicSession(c.Request.Context(), performerID, middleware.PrincipalFromContext(c))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, sessionResponse{
		ConversationID: roomID,
		Session:        session,
	})
}

func (h *StreamHandler) GetRoster(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	roster, err := h.coordinator.Roster(c.Request.Context(), roomID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, roster)
}

func (h *StreamHandler) EndSession(c *gin.Context) {
	streamID := domain.StreamID(c.Param("id"))
	if err := validation.ValidateStreamID(streamID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.coordinator.EndSession(c.Request.Context(), streamID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "ended",
		"streamId": streamID,
	})
}
