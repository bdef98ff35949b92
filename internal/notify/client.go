// Package notify is the caller-side client of the dispatcher's invite
// endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/griefhaven/callcore/internal/media"
)

// InviteRequest is the dispatcher wire contract.
type InviteRequest struct {
	ToUserID       string `json:"to_user_id"`
	FromUserID     string `json:"from_user_id"`
	FromUserName   string `json:"from_user_name"`
	RoomName       string `json:"room_name"`
	CallType       string `json:"call_type"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// InviteResponse reports delivery. "recipient not connected" arrives as a
// successful response with Delivered=false.
type InviteResponse struct {
	Delivered bool   `json:"delivered"`
	Message   string `json:"message,omitempty"`
}

// Client posts invites to the dispatcher endpoint.
type Client struct {
	endpoint  string
	authToken string
	httpc     *http.Client
	log       *zerolog.Logger
}

// NewClient creates a dispatcher client.
func NewClient(endpoint, authToken string, logger *zerolog.Logger) *Client {
	return &Client{
		endpoint:  endpoint,
		authToken: authToken,
		httpc:     &http.Client{Timeout: 10 * time.Second},
		log:       logger,
	}
}

// PushInvite asks the dispatcher to forward an invite to the callee's
// signaling connection. delivered=false with a nil error means the
// recipient was not connected; the invite is silently lost and the caller
// keeps ringing until they hang up.
func (c *Client) PushInvite(ctx context.Context, toUserID, fromUserID, fromUserName, roomName string, mode media.CallMode, conversationID string) (bool, error) {
	body, err := json.Marshal(InviteRequest{
		ToUserID:       toUserID,
		FromUserID:     fromUserID,
		FromUserName:   fromUserName,
		RoomName:       roomName,
		CallType:       string(mode),
		ConversationID: conversationID,
	})
	if err != nil {
		return false, fmt.Errorf("marshal invite: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build invite request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return false, fmt.Errorf("push invite: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("push invite: status %d: %s", resp.StatusCode, payload)
	}

	var out InviteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode invite response: %w", err)
	}

	if !out.Delivered {
		c.log.Info().Str("to_user_id", toUserID).Str("room", roomName).Msg(out.Message)
	}
	return out.Delivered, nil
}
