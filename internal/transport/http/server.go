package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/griefhaven/callcore/internal/auth"
	"github.com/griefhaven/callcore/internal/config"
	"github.com/griefhaven/callcore/internal/dispatch"
	"github.com/griefhaven/callcore/internal/store"
)

// ErrorResponse is the uniform error body for API responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewServer builds the relay HTTP server: the signaling WebSocket endpoint,
// the dispatcher endpoint, the media token endpoint and session reads.
func NewServer(hub *dispatch.Hub, st store.Store, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	jwtCfg := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})

	ws := NewWSHandler(hub, jwtCfg, logger)
	router.GET("/ws", ws.Handle)

	sessions := NewSessionHandlers(st, logger)
	tokens := NewTokenHandlers(cfg, logger)
	notify := NewNotifyHandlers(hub, logger)

	stop := make(chan struct{})

	api := router.Group("/api", AuthMiddleware(jwtCfg, logger))
	api.POST("/notify", notifyRateLimit(cfg.NotifyRateLimit, stop), notify.Notify)
	api.POST("/token", tokens.MediaToken)
	api.POST("/sessions", sessions.CreateSession)
	api.GET("/sessions/:id", sessions.GetSession)
	api.GET("/sessions/:id/participants", sessions.ListParticipants)

	srv := &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	srv.RegisterOnShutdown(func() { close(stop) })
	return srv
}
