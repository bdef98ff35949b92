package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/griefhaven/callcore/internal/auth"
	"github.com/griefhaven/callcore/internal/dispatch"
	"github.com/griefhaven/callcore/internal/proto"
	"github.com/griefhaven/callcore/internal/utils"
)

const (
	helloTimeout      = 10 * time.Second
	keepaliveInterval = 30 * time.Second
)

// WSHandler upgrades signaling connections and bridges them to the hub.
type WSHandler struct {
	hub    *dispatch.Hub
	jwtCfg *auth.JWTConfig
	log    *zerolog.Logger
}

// NewWSHandler builds a new signaling WebSocket handler.
func NewWSHandler(hub *dispatch.Hub, jwtCfg *auth.JWTConfig, logger *zerolog.Logger) *WSHandler {
	return &WSHandler{hub: hub, jwtCfg: jwtCfg, log: logger}
}

// Handle accepts one signaling connection. The first frame must be a hello
// binding the connection to a user identity; invalid identities are
// rejected before any registration happens.
func (h *WSHandler) Handle(c *gin.Context) {
	ctx := c.Request.Context()

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	userID, err := h.readHello(ctx, conn)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws hello rejected")
		conn.Close(websocket.StatusPolicyViolation, "invalid hello")
		return
	}

	if err := h.authorize(c.Query("token"), userID); err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("ws auth rejected")
		conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	client := dispatch.NewClient(userID, utils.NewID())
	if err := h.hub.Register(ctx, client); err != nil {
		h.log.Error().Err(err).Str("user_id", userID).Msg("register signaling client")
		conn.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	defer h.hub.Unregister(context.Background(), client)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client)
	}()
	go h.keepalive(ctx, conn, client)

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != 0 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			h.log.Warn().Err(err).Str("user_id", userID).Msg("ws connection closed with error")
		}
	}

	conn.Close(status, reason)
}

// authorize verifies that the token presented on the upgrade request belongs
// to the identity claimed in the hello frame. With no secret configured the
// server runs in dev mode and every identity is accepted.
func (h *WSHandler) authorize(token, userID string) error {
	if len(h.jwtCfg.Secret) == 0 {
		return nil
	}
	if token == "" {
		return errors.New("missing token")
	}
	claims, err := auth.ValidateToken(h.jwtCfg, token)
	if err != nil {
		return err
	}
	if claims.UserID != userID {
		return errors.New("token identity does not match hello")
	}
	return nil
}

// readHello consumes the first frame and returns the validated identity.
func (h *WSHandler) readHello(ctx context.Context, conn *websocket.Conn) (string, error) {
	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	var inbound proto.Inbound
	if err := wsjson.Read(helloCtx, conn, &inbound); err != nil {
		return "", err
	}
	if inbound.Type != proto.InboundTypeHello {
		return "", errors.New("first frame is not hello")
	}

	var hello proto.HelloData
	if err := json.Unmarshal(inbound.Data, &hello); err != nil {
		return "", err
	}
	if err := utils.ValidateUserID(hello.UserID); err != nil {
		return "", err
	}
	return hello.UserID, nil
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *dispatch.Client) error {
	for {
		var inbound proto.Inbound
		if err := wsjson.Read(ctx, conn, &inbound); err != nil {
			return err
		}

		switch inbound.Type {
		case proto.InboundTypeDecline:
			var decline proto.DeclineData
			if err := json.Unmarshal(inbound.Data, &decline); err != nil {
				h.log.Warn().Err(err).Str("user_id", client.UserID).Msg("malformed decline")
				continue
			}
			if decline.ToUserID == "" {
				continue
			}
			// Relay the decline to the caller so they learn of it even
			// before their media join completes. Best-effort.
			if _, err := h.hub.PushDecline(ctx, decline.ToUserID, proto.CallDeclined{
				RoomName: decline.RoomName,
				By:       client.UserID,
			}); err != nil {
				h.log.Warn().Err(err).Str("to_user_id", decline.ToUserID).Msg("relay decline failed")
			}
		case proto.InboundTypeHello:
			// Duplicate hello; identity is fixed for the connection.
			continue
		default:
			if err := wsjson.Write(ctx, conn, proto.Outbound{
				Type: proto.OutboundTypeError,
				Data: proto.Error{Code: "invalid_message", Msg: "unknown message type"},
			}); err != nil {
				return err
			}
		}
	}
}

// keepalive pings the peer and renews the registry lease so shared
// registries with expiring entries keep the connection visible.
func (h *WSHandler) keepalive(ctx context.Context, conn *websocket.Conn, client *dispatch.Client) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
			h.hub.Refresh(ctx, client)
		case <-ctx.Done():
			return
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *dispatch.Client) error {
	for {
		select {
		case msg, ok := <-client.Send:
			if !ok {
				// Replaced by a newer connection for the same user.
				return nil
			}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				h.log.Error().Err(err).Str("user_id", client.UserID).Msg("write ws event")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
