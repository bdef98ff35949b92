package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/griefhaven/callcore/internal/dispatch"
	"github.com/griefhaven/callcore/internal/proto"
	"github.com/griefhaven/callcore/internal/utils"
)

// NotifyHandlers serves the dispatcher endpoint: callers post an invite
// here and the relay forwards it over the callee's signaling connection.
type NotifyHandlers struct {
	hub *dispatch.Hub
	log *zerolog.Logger
}

// NewNotifyHandlers builds the dispatcher endpoint handlers.
func NewNotifyHandlers(hub *dispatch.Hub, logger *zerolog.Logger) *NotifyHandlers {
	return &NotifyHandlers{hub: hub, log: logger}
}

// InviteRequest is the dispatcher endpoint's request body.
type InviteRequest struct {
	ToUserID       string `json:"to_user_id" binding:"required"`
	FromUserID     string `json:"from_user_id" binding:"required"`
	FromUserName   string `json:"from_user_name"`
	RoomName       string `json:"room_name" binding:"required"`
	CallType       string `json:"call_type" binding:"required"`
	ConversationID string `json:"conversation_id"`
}

// InviteResponse reports whether the recipient was reachable. A recipient
// without a signaling connection is a normal outcome, not an error.
type InviteResponse struct {
	Delivered bool   `json:"delivered"`
	Message   string `json:"message,omitempty"`
}

// Notify forwards an incoming-call invite to the recipient's signaling
// connection, if one exists.
func (h *NotifyHandlers) Notify(c *gin.Context) {
	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := utils.ValidateUserID(req.ToUserID); err != nil {
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "invalid to_user_id"})
		return
	}
	if req.CallType != "audio" && req.CallType != "video" {
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "call_type must be audio or video"})
		return
	}

	// The authenticated identity, when present, must match the claimed
	// caller. Dev mode (no secret) skips auth entirely.
	if authID, ok := c.Get(ContextKeyUserID); ok {
		if id, _ := authID.(string); id != "" && id != req.FromUserID {
			c.JSON(stdhttp.StatusForbidden, ErrorResponse{Error: "from_user_id does not match token"})
			return
		}
	}

	delivered, err := h.hub.PushInvite(c.Request.Context(), req.ToUserID, proto.IncomingCall{
		RoomName:       req.RoomName,
		FromUserID:     req.FromUserID,
		FromUserName:   req.FromUserName,
		CallType:       req.CallType,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		h.log.Error().Err(err).Str("to_user_id", req.ToUserID).Msg("push invite")
		c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "failed to deliver invite"})
		return
	}

	resp := InviteResponse{Delivered: delivered}
	if !delivered {
		resp.Message = "recipient not connected"
	}
	c.JSON(stdhttp.StatusOK, resp)
}
