package gateway

import (
	"context"
	"fmt"

	"github.com/harmonychat/harmony/internal/v1/events"
	"github.com/harmonychat/harmony/internal/v1/registry"
	"github.com/harmonychat/harmony/internal/v1/store"
)

// buildRoutes binds every client event to its handler. The table must cover
// the full inbound vocabulary accepted by events.Decode.
func (h *Hub) buildRoutes() map[string]handlerFunc {
	return map[string]handlerFunc{
		events.EvtJoinConversation:   h.handleJoin,
		events.EvtLeaveConversation:  h.handleLeave,
		events.EvtCreateConversation: h.handleCreateConversation,
		events.EvtUpdateGroup:        h.handleUpdateGroup,
		events.EvtAddMember:          h.handleAddMember,
		events.EvtRemoveMember:       h.handleRemoveMember,
		events.EvtPromoteMember:      h.handlePromoteMember,
		events.EvtPinConversation:    h.handlePin,
		events.EvtMuteConversation:   h.handleMute,
		events.EvtFetchHistory:       h.handleFetchHistory,
		events.EvtSendMessage:        h.handleSendMessage,
		events.EvtEditMessage:        h.handleEditMessage,
		events.EvtDeleteMessage:      h.handleDeleteMessage,
		events.EvtMessageReaction:    h.handleReaction,
		events.EvtMessageRead:        h.handleRead,
		events.EvtMessageDelivered:   h.handleDelivered,
		events.EvtTypingStart:        h.handleTypingStart,
		events.EvtTypingStop:         h.handleTypingStop,
		events.EvtStopGeneration:     h.handleStopGeneration,
		events.EvtRegenerateResponse: h.handleRegenerate,
		events.EvtCallInitiate:       h.handleCallInitiate,
		events.EvtCallAccept:         h.handleCallAccept,
		events.EvtCallReject:         h.handleCallReject,
		events.EvtCallEnd:            h.handleCallEnd,
		events.EvtCallOffer:          h.handleCallSignal,
		events.EvtCallAnswer:         h.handleCallSignal,
		events.EvtCallICECandidate:   h.handleCallSignal,
	}
}

func (h *Hub) handleJoin(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	p := payload.(*events.JoinConversationPayload)
	if _, err := h.store.GetMembership(ctx, p.ConversationID, c.userID); err != nil {
		return err
	}
	h.registry.JoinRoom(c.socketID, registry.RoomConversation(p.ConversationID))
	return nil
}

func (h *Hub) handleLeave(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	p := payload.(*events.LeaveConversationPayload)
	h.registry.LeaveRoom(c.socketID, registry.RoomConversation(p.ConversationID))
	return nil
}

func (h *Hub) handleCreateConversation(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	_, err := h.chat.CreateConversation(ctx, c.userID, payload.(*events.CreateConversationPayload))
	return err
}

func (h *Hub) handleUpdateGroup(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	_, err := h.chat.UpdateGroup(ctx, c.userID, payload.(*events.UpdateGroupPayload))
	return err
}

func (h *Hub) handleAddMember(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	return h.chat.AddMember(ctx, c.userID, payload.(*events.MemberPayload))
}

func (h *Hub) handleRemoveMember(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	return h.chat.RemoveMember(ctx, c.userID, payload.(*events.MemberPayload))
}

func (h *Hub) handlePromoteMember(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	return h.chat.PromoteMember(ctx, c.userID, payload.(*events.PromoteMemberPayload))
}

func (h *Hub) handlePin(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	return h.chat.Pin(ctx, c.userID, payload.(*events.PinConversationPayload))
}

func (h *Hub) handleMute(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	return h.chat.Mute(ctx, c.userID, payload.(*events.MuteConversationPayload))
}

func (h *Hub) handleFetchHistory(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	p := payload.(*events.FetchHistoryPayload)
	msgs, err := h.chat.History(ctx, c.userID, p)
	if err != nil {
		return err
	}

	limit := p.Limit
	if limit <= 0 {
		limit = store.DefaultHistoryLimit
	}
	// History goes only to the socket that asked for it.
	h.registry.EmitToSocket(c.socketID, events.New(events.EvtHistory, events.HistoryEvent{
		ConversationID: p.ConversationID,
		Messages:       msgs,
		HasMore:        len(msgs) == limit,
	}))
	return nil
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	_, err := h.chat.Send(ctx, c.userID, c.socketID, payload.(*events.SendMessagePayload))
	return err
}

func (h *Hub) handleEditMessage(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	_, err := h.chat.Edit(ctx, c.userID, payload.(*events.EditMessagePayload))
	return err
}

func (h *Hub) handleDeleteMessage(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	return h.chat.Delete(ctx, c.userID, payload.(*events.DeleteMessagePayload))
}

func (h *Hub) handleReaction(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	return h.chat.React(ctx, c.userID, payload.(*events.MessageReactionPayload))
}

func (h *Hub) handleRead(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	return h.chat.MarkRead(ctx, c.userID, payload.(*events.MessageReadPayload))
}

func (h *Hub) handleDelivered(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	return h.chat.MarkDelivered(ctx, c.userID, payload.(*events.MessageDeliveredPayload))
}

func (h *Hub) handleTypingStart(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	p := payload.(*events.TypingPayload)
	if _, err := h.store.GetMembership(ctx, p.ConversationID, c.userID); err != nil {
		return err
	}
	// The typist's own sockets do not need their indicator echoed back.
	h.presence.TypingStart(ctx, p.ConversationID, c.userID, c.socketID)
	return nil
}

func (h *Hub) handleTypingStop(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	p := payload.(*events.TypingPayload)
	if _, err := h.store.GetMembership(ctx, p.ConversationID, c.userID); err != nil {
		return err
	}
	h.presence.TypingStop(ctx, p.ConversationID, c.userID, c.socketID)
	return nil
}

func (h *Hub) handleStopGeneration(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	p := payload.(*events.StopGenerationPayload)
	if h.ai == nil {
		return fmt.Errorf("%w: assistant is not configured", store.ErrInvalidArgument)
	}
	if _, err := h.store.GetMembership(ctx, p.ConversationID, c.userID); err != nil {
		return err
	}
	h.ai.Cancel(ctx, p.ConversationID)
	return nil
}

func (h *Hub) handleRegenerate(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	p := payload.(*events.RegenerateResponsePayload)
	if h.ai == nil {
		return fmt.Errorf("%w: assistant is not configured", store.ErrInvalidArgument)
	}
	if _, err := h.store.GetMembership(ctx, p.ConversationID, c.userID); err != nil {
		return err
	}
	return h.ai.Regenerate(ctx, p.ConversationID, c.userID)
}

func (h *Hub) handleCallInitiate(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	_, err := h.calls.Initiate(ctx, c.userID, payload.(*events.CallInitiatePayload))
	return err
}

func (h *Hub) handleCallAccept(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	return h.calls.Accept(ctx, c.userID, payload.(*events.CallActionPayload).CallID)
}

func (h *Hub) handleCallReject(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	return h.calls.Reject(ctx, c.userID, payload.(*events.CallActionPayload).CallID)
}

func (h *Hub) handleCallEnd(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	return h.calls.End(ctx, c.userID, payload.(*events.CallActionPayload).CallID)
}

// handleCallSignal relays SDP and ICE frames. The payload is forwarded
// verbatim; only the call id is read to resolve the peer.
func (h *Hub) handleCallSignal(ctx context.Context, c *Client, env events.Envelope, payload any) error {
	var callID string
	switch p := payload.(type) {
	case *events.CallOfferPayload:
		callID = p.CallID
	case *events.CallAnswerPayload:
		callID = p.CallID
	case *events.CallICECandidatePayload:
		callID = p.CallID
	default:
		return fmt.Errorf("%w: unexpected signaling payload", store.ErrInvalidArgument)
	}
	return h.calls.Relay(ctx, c.userID, callID, env.Type, env.Data)
}
