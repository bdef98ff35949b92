package proto

import "encoding/json"

// Inbound is the envelope for messages coming from a signaling client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeHello   = "hello"
	InboundTypeDecline = "decline"

	OutboundTypeIncomingCall = "incoming_call"
	OutboundTypeCallDeclined = "call_declined"
	OutboundTypeError        = "error"
)

// HelloData is sent by the client right after connecting to bind the
// connection to a user identity.
type HelloData struct {
	UserID   string `json:"user_id"`
	Protocol int    `json:"protocol,omitempty"`
}

// DeclineData tells the relay the local user declined an invite.
// ToUserID is the original caller, so the relay can forward the decline
// even before the caller's media join completes.
type DeclineData struct {
	RoomName string `json:"room_name"`
	By       string `json:"by"`
	ToUserID string `json:"to_user_id,omitempty"`
}

// Outbound is the envelope for messages the relay sends to a client.
type Outbound struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Frame is the receive-side envelope; Data stays raw until Type is known.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// IncomingCall is pushed to the callee's signaling connection.
type IncomingCall struct {
	RoomName       string `json:"room_name"`
	FromUserID     string `json:"from_user_id"`
	FromUserName   string `json:"from_user_name"`
	CallType       string `json:"call_type"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// CallDeclined is forwarded to the caller when the callee declines.
type CallDeclined struct {
	RoomName string `json:"room_name"`
	By       string `json:"by"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// ChatMessage rides the media room's data channel, not the signaling
// connection. Chat is never persisted and does not survive the call.
type ChatMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

const (
	DataTypeChat    = "chat"
	DataTypeGoodbye = "goodbye"
)
