package dispatch

import (
	"context"

	"github.com/griefhaven/callcore/internal/proto"
)

// Push forwards an outbound envelope to the user's current signaling
// connection. The boolean reports whether the recipient was connected;
// a disconnected recipient is a valid outcome, never an error. Delivery
// is at-most-once: nothing is queued for offline users.
func (h *Hub) Push(ctx context.Context, toUserID string, msg proto.Outbound) (bool, error) {
	connID, ok, err := h.registry.Get(ctx, toUserID)
	if err != nil {
		return false, err
	}
	if !ok {
		h.log.Info().Str("to_user_id", toUserID).Msg("recipient not connected")
		return false, nil
	}

	client := h.lookup(toUserID)
	if client == nil || client.ConnID != connID {
		// Registered on another relay node or already gone. With the
		// memory registry this cannot happen; with redis it means the
		// connection lives elsewhere and this node cannot reach it.
		h.log.Info().
			Str("to_user_id", toUserID).
			Str("conn_id", connID).
			Msg("recipient connection not local")
		return false, nil
	}

	select {
	case client.Send <- msg:
		return true, nil
	default:
		// Slow consumer; invite delivery is best-effort.
		h.log.Warn().
			Str("to_user_id", toUserID).
			Str("type", msg.Type).
			Msg("dropping signaling message for slow consumer")
		return false, nil
	}
}

// PushInvite delivers an incoming_call event to the callee.
func (h *Hub) PushInvite(ctx context.Context, toUserID string, invite proto.IncomingCall) (bool, error) {
	return h.Push(ctx, toUserID, proto.Outbound{
		Type: proto.OutboundTypeIncomingCall,
		Data: invite,
	})
}

// PushDecline relays a decline notice to the original caller so a decline
// issued before the caller's room join completes still reaches them.
func (h *Hub) PushDecline(ctx context.Context, toUserID string, declined proto.CallDeclined) (bool, error) {
	return h.Push(ctx, toUserID, proto.Outbound{
		Type: proto.OutboundTypeCallDeclined,
		Data: declined,
	})
}
