// Package signal maintains the out-of-band signaling connection used to
// deliver call invites. It is independent of the media transport so invites
// work before any media connection exists.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/griefhaven/callcore/internal/proto"
	"github.com/griefhaven/callcore/internal/utils"
)

// Invite is an incoming call notification surfaced to the state machine.
// It is consumed once: accept, decline, or auto-decline timeout.
type Invite struct {
	RoomName       string
	CallerID       string
	CallerName     string
	CallType       string
	ConversationID string
}

// EventKind discriminates channel events.
type EventKind int

const (
	// EventInvite carries an incoming call invite.
	EventInvite EventKind = iota
	// EventDeclined reports that a callee declined our outgoing call.
	EventDeclined
)

// Event is what the channel surfaces to its consumer. When the connection
// is lost the events channel is closed instead of delivering a final event.
type Event struct {
	Kind       EventKind
	Invite     *Invite
	DeclinedBy string
	RoomName   string
}

const writeTimeout = 5 * time.Second

// Channel holds one persistent signaling connection for one identity.
// It is an owned, constructor-injected component: the application opens it
// when a user session starts and closes it when the session ends.
type Channel struct {
	baseURL string
	token   string
	log     *zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	identity string
	events   chan Event
	cancel   context.CancelFunc
}

// NewChannel creates a channel pointed at the relay's /ws endpoint.
func NewChannel(baseURL string, logger *zerolog.Logger) *Channel {
	return &Channel{
		baseURL: baseURL,
		log:     logger,
	}
}

// SetToken installs the bearer token presented on the next Connect. Relays
// running without an auth secret accept connections with no token.
func (c *Channel) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Connect opens the signaling connection for userID. Malformed ids are
// rejected before any network I/O. Connecting again for the same identity
// is a no-op; connecting for a different identity closes the previous
// connection first, so at most one logical connection exists per process.
func (c *Channel) Connect(ctx context.Context, userID string) error {
	if err := utils.ValidateUserID(userID); err != nil {
		return fmt.Errorf("connect %q: %w", userID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if c.identity == userID {
			return nil
		}
		c.teardownLocked(websocket.StatusNormalClosure, "switching identity")
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse relay url: %w", err)
	}
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	hello, err := json.Marshal(proto.HelloData{UserID: userID, Protocol: proto.ProtocolVersion})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "marshal hello")
		return fmt.Errorf("marshal hello: %w", err)
	}
	writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
	err = wsjson.Write(writeCtx, conn, proto.Inbound{Type: proto.InboundTypeHello, Data: hello})
	writeCancel()
	if err != nil {
		conn.Close(websocket.StatusInternalError, "hello failed")
		return fmt.Errorf("send hello: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.identity = userID
	c.events = make(chan Event, 8)
	c.cancel = cancel

	go c.readLoop(readCtx, conn, c.events)

	c.log.Info().Str("user_id", userID).Msg("signaling connected")
	return nil
}

// Events returns the channel invites and declines arrive on. It is closed
// when the connection is lost; no events are queued while disconnected.
func (c *Channel) Events() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// Identity returns the connected user id, or "" when disconnected.
func (c *Channel) Identity() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.identity
}

// Decline sends a call_declined notice. Purely advisory and best-effort:
// a send failure is logged and swallowed, never blocking the decline flow.
func (c *Channel) Decline(ctx context.Context, roomName, callerID string) {
	c.mu.Lock()
	conn := c.conn
	identity := c.identity
	c.mu.Unlock()

	if conn == nil {
		return
	}

	data, err := json.Marshal(proto.DeclineData{
		RoomName: roomName,
		By:       identity,
		ToUserID: callerID,
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("marshal decline")
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, proto.Inbound{Type: proto.InboundTypeDecline, Data: data}); err != nil {
		c.log.Warn().Err(err).Str("room", roomName).Msg("decline notice not delivered")
	}
}

// Close tears down the connection and local bookkeeping. Safe to call when
// never connected.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked(websocket.StatusNormalClosure, "closing")
}

func (c *Channel) teardownLocked(status websocket.StatusCode, reason string) {
	if c.conn == nil {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.conn.Close(status, reason)
	c.conn = nil
	c.identity = ""
	c.cancel = nil
}

// readLoop delivers inbound frames until the connection dies, then clears
// bookkeeping. Reconnecting is a policy decision left to the caller.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, events chan Event) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.teardownLocked(websocket.StatusGoingAway, "read loop ended")
		}
		c.mu.Unlock()
		close(events)
	}()

	for {
		var frame proto.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("signaling connection lost")
			}
			return
		}

		switch frame.Type {
		case proto.OutboundTypeIncomingCall:
			var ic proto.IncomingCall
			if err := json.Unmarshal(frame.Data, &ic); err != nil {
				c.log.Warn().Err(err).Msg("malformed incoming_call")
				continue
			}
			ev := Event{Kind: EventInvite, Invite: &Invite{
				RoomName:       ic.RoomName,
				CallerID:       ic.FromUserID,
				CallerName:     ic.FromUserName,
				CallType:       ic.CallType,
				ConversationID: ic.ConversationID,
			}}
			// Close must stay able to unwind a loop stuck on a consumer
			// that stopped draining.
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		case proto.OutboundTypeCallDeclined:
			var cd proto.CallDeclined
			if err := json.Unmarshal(frame.Data, &cd); err != nil {
				c.log.Warn().Err(err).Msg("malformed call_declined")
				continue
			}
			select {
			case events <- Event{Kind: EventDeclined, DeclinedBy: cd.By, RoomName: cd.RoomName}:
			case <-ctx.Done():
				return
			}
		case proto.OutboundTypeError:
			c.log.Warn().RawJSON("data", frame.Data).Msg("signaling error frame")
		default:
			c.log.Debug().Str("type", frame.Type).Msg("ignoring unknown signaling frame")
		}
	}
}
