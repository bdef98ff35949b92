package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/livekit/protocol/auth"
	"github.com/rs/zerolog"

	"github.com/griefhaven/callcore/internal/config"
	"github.com/griefhaven/callcore/internal/utils"
)

// TokenHandlers mints media server access tokens. The relay holds the
// media server API secret; clients never see it.
type TokenHandlers struct {
	cfg *config.Config
	log *zerolog.Logger
}

// NewTokenHandlers builds the media token endpoint handlers.
func NewTokenHandlers(cfg *config.Config, logger *zerolog.Logger) *TokenHandlers {
	return &TokenHandlers{cfg: cfg, log: logger}
}

// TokenRequest asks for room join credentials.
type TokenRequest struct {
	RoomName    string `json:"room_name" binding:"required"`
	Identity    string `json:"identity" binding:"required"`
	DisplayName string `json:"display_name"`
}

// TokenResponse carries the join token and the media server to dial.
type TokenResponse struct {
	Token          string `json:"token"`
	MediaServerURL string `json:"media_server_url"`
}

// MediaToken mints a room-scoped join token for the requesting identity.
func (h *TokenHandlers) MediaToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := utils.ValidateUserID(req.Identity); err != nil {
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "invalid identity"})
		return
	}

	// Tokens are only minted for the authenticated identity; a token for
	// someone else's identity would let a caller impersonate them in the
	// room. Dev mode (no secret) skips auth entirely.
	if authID, ok := c.Get(ContextKeyUserID); ok {
		if id, _ := authID.(string); id != "" && id != req.Identity {
			c.JSON(stdhttp.StatusForbidden, ErrorResponse{Error: "identity does not match token"})
			return
		}
	}

	at := auth.NewAccessToken(h.cfg.LiveKitAPIKey, h.cfg.LiveKitAPISecret)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     req.RoomName,
	}
	at.SetVideoGrant(grant).
		SetIdentity(req.Identity).
		SetName(req.DisplayName).
		SetValidFor(h.cfg.MediaTokenTTL)

	token, err := at.ToJWT()
	if err != nil {
		h.log.Error().Err(err).Str("room", req.RoomName).Msg("mint media token")
		c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "failed to generate token"})
		return
	}

	c.JSON(stdhttp.StatusOK, TokenResponse{
		Token:          token,
		MediaServerURL: h.cfg.LiveKitURL,
	})
}
