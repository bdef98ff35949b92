package http

import (
	"errors"
	stdhttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/griefhaven/callcore/internal/store"
	"github.com/griefhaven/callcore/internal/utils"
)

// SessionHandlers provides HTTP handlers for shared session rows. Clients
// coordinate call state against these rows; the relay never drives the
// call itself.
type SessionHandlers struct {
	store store.Store
	log   *zerolog.Logger
}

// NewSessionHandlers creates a new session handlers instance.
func NewSessionHandlers(st store.Store, logger *zerolog.Logger) *SessionHandlers {
	return &SessionHandlers{
		store: st,
		log:   logger,
	}
}

// CreateSessionRequest represents the create session request body.
type CreateSessionRequest struct {
	SessionType      string   `json:"session_type" binding:"required,oneof=one_on_one group"`
	ParticipantLimit int      `json:"participant_limit"`
	Title            string   `json:"title" binding:"max=128"`
	GriefTypes       []string `json:"grief_types"`
}

// SessionResponse represents a session in API responses.
type SessionResponse struct {
	ID               string   `json:"id"`
	SessionType      string   `json:"session_type"`
	Status           string   `json:"status"`
	HostID           string   `json:"host_id"`
	ParticipantLimit int      `json:"participant_limit"`
	Title            string   `json:"title,omitempty"`
	GriefTypes       []string `json:"grief_types,omitempty"`
	CreatedAt        string   `json:"created_at"`
	EndedAt          *string  `json:"ended_at,omitempty"`
}

// ParticipantResponse represents one roster row in API responses.
type ParticipantResponse struct {
	UserID   string  `json:"user_id"`
	JoinedAt string  `json:"joined_at"`
	LeftAt   *string `json:"left_at,omitempty"`
}

func sessionResponse(s *store.Session) SessionResponse {
	resp := SessionResponse{
		ID:               s.ID,
		SessionType:      string(s.SessionType),
		Status:           string(s.Status),
		HostID:           s.HostID,
		ParticipantLimit: s.ParticipantLimit,
		Title:            s.Title,
		GriefTypes:       s.GriefTypes,
		CreatedAt:        s.CreatedAt.Format(time.RFC3339),
	}
	if s.EndedAt != nil {
		ended := s.EndedAt.Format(time.RFC3339)
		resp.EndedAt = &ended
	}
	return resp
}

// CreateSession handles session creation.
// POST /api/sessions
func (h *SessionHandlers) CreateSession(c *gin.Context) {
	userID, exists := c.Get(ContextKeyUserID)
	if !exists {
		h.log.Error().Msg("user_id not found in context")
		c.JSON(stdhttp.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	uid, ok := userID.(string)
	if !ok || uid == "" {
		h.log.Error().Msg("invalid user_id type in context")
		c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create session request")
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	sessionType := store.SessionType(req.SessionType)
	limit := req.ParticipantLimit
	switch sessionType {
	case store.SessionOneOnOne:
		// A healing call always seats exactly two people.
		limit = 2
	case store.SessionGroup:
		if limit < 2 || limit > 64 {
			c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "participant_limit must be between 2 and 64"})
			return
		}
	}

	session := &store.Session{
		ID:               utils.NewID(),
		SessionType:      sessionType,
		Status:           store.SessionPending,
		HostID:           uid,
		ParticipantLimit: limit,
		Title:            req.Title,
		GriefTypes:       req.GriefTypes,
		CreatedAt:        time.Now().UTC(),
	}
	if err := h.store.CreateSession(c.Request.Context(), session); err != nil {
		h.log.Error().Err(err).Str("host_id", uid).Msg("failed to create session")
		c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	h.log.Info().
		Str("session_id", session.ID).
		Str("session_type", string(session.SessionType)).
		Str("host_id", uid).
		Msg("session created")
	c.JSON(stdhttp.StatusCreated, sessionResponse(session))
}

// GetSession handles fetching one session row.
// GET /api/sessions/:id
func (h *SessionHandlers) GetSession(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "session id required"})
		return
	}

	session, err := h.store.GetSession(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(stdhttp.StatusNotFound, ErrorResponse{Error: "session not found"})
		default:
			h.log.Error().Err(err).Str("session_id", id).Msg("failed to get session")
			c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}

	c.JSON(stdhttp.StatusOK, sessionResponse(session))
}

// ListParticipants handles fetching a session's roster.
// GET /api/sessions/:id/participants
func (h *SessionHandlers) ListParticipants(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "session id required"})
		return
	}

	if _, err := h.store.GetSession(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(stdhttp.StatusNotFound, ErrorResponse{Error: "session not found"})
		default:
			h.log.Error().Err(err).Str("session_id", id).Msg("failed to get session")
			c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		}
		return
	}

	participants, err := h.store.ListParticipants(c.Request.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", id).Msg("failed to list participants")
		c.JSON(stdhttp.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	resp := make([]ParticipantResponse, 0, len(participants))
	for _, p := range participants {
		pr := ParticipantResponse{
			UserID:   p.UserID,
			JoinedAt: p.JoinedAt.Format(time.RFC3339),
		}
		if p.LeftAt != nil {
			left := p.LeftAt.Format(time.RFC3339)
			pr.LeftAt = &left
		}
		resp = append(resp, pr)
	}
	c.JSON(stdhttp.StatusOK, resp)
}
