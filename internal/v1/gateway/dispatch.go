package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/harmonychat/harmony/internal/v1/ai"
	"github.com/harmonychat/harmony/internal/v1/events"
	"github.com/harmonychat/harmony/internal/v1/logging"
	"github.com/harmonychat/harmony/internal/v1/metrics"
	"github.com/harmonychat/harmony/internal/v1/ratelimit"
	"github.com/harmonychat/harmony/internal/v1/store"
)

// handlerFunc processes one decoded inbound event. The payload is the typed
// struct produced by events.Decode for the envelope's type.
type handlerFunc func(ctx context.Context, c *Client, env events.Envelope, payload any) error

// dispatch routes one inbound envelope. Events carrying a messageId are
// acknowledged with event:ack; a retry with a messageId seen before replays
// the recorded outcome instead of re-executing the handler.
func (h *Hub) dispatch(ctx context.Context, c *Client, env events.Envelope) {
	start := time.Now()

	if env.MessageID != "" {
		if cached, ok := c.acks.Get(env.MessageID); ok {
			c.Send(events.NewAck(cached.MessageID, cached.Success, cached.Error))
			metrics.WebsocketEvents.WithLabelValues(env.Type, "replayed").Inc()
			return
		}
	}

	if err := h.limiter.AllowEvent(ctx, c.userID); err != nil {
		h.respondError(c, env, events.ErrorPayload{Kind: events.KindRateLimited, Message: "slow down", Ref: env.MessageID})
		metrics.WebsocketEvents.WithLabelValues(env.Type, "rate_limited").Inc()
		return
	}

	payload, err := events.Decode(env)
	if err != nil {
		h.respondError(c, env, events.ErrorPayload{Kind: events.KindInvalidArgument, Message: err.Error(), Ref: env.MessageID})
		metrics.WebsocketEvents.WithLabelValues(env.Type, "invalid").Inc()
		return
	}

	handler := h.routes[env.Type]
	if handler == nil {
		// Decode accepted it, so the vocabulary and the route table drifted.
		logging.Error(ctx, "No handler for known event", zap.String("event", env.Type))
		h.respondError(c, env, events.ErrorPayload{Kind: events.KindInternal, Ref: env.MessageID})
		return
	}

	err = handler(ctx, c, env, payload)
	metrics.EventProcessingDuration.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())

	if err != nil {
		kind, msg := classifyError(err)
		logging.Debug(ctx, "Event rejected",
			zap.String("event", env.Type),
			zap.String("userId", c.userID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		h.respondError(c, env, events.ErrorPayload{Kind: kind, Message: msg, Ref: env.MessageID})
		metrics.WebsocketEvents.WithLabelValues(env.Type, "error").Inc()
		return
	}

	if env.MessageID != "" {
		ack := events.AckPayload{MessageID: env.MessageID, Success: true}
		c.acks.Put(env.MessageID, ack)
		c.Send(events.NewAck(env.MessageID, true, nil))
	}
	metrics.WebsocketEvents.WithLabelValues(env.Type, "ok").Inc()
}

// respondError sends a targeted error event and, when the inbound event was
// ack-style, a failed ack that is also recorded for retry replay.
func (h *Hub) respondError(c *Client, env events.Envelope, ep events.ErrorPayload) {
	c.Send(events.NewError(ep.Kind, ep.Message, ep.Ref))
	if env.MessageID != "" {
		ack := events.AckPayload{MessageID: env.MessageID, Success: false, Error: &ep}
		c.acks.Put(env.MessageID, ack)
		c.Send(events.NewAck(env.MessageID, false, &ep))
	}
}

// classifyError maps domain errors onto the wire error vocabulary. Unmatched
// errors become internal with no detail leaked to the client.
func classifyError(err error) (events.ErrorKind, string) {
	switch {
	case errors.Is(err, store.ErrNotMember), errors.Is(err, store.ErrForbidden):
		return events.KindUnauthorized, "not allowed"
	case errors.Is(err, store.ErrNotFound):
		return events.KindNotFound, "not found"
	case errors.Is(err, store.ErrInvalidArgument), errors.Is(err, store.ErrLastOwner), errors.Is(err, events.ErrInvalidPayload):
		return events.KindInvalidArgument, err.Error()
	case errors.Is(err, store.ErrInvalidTransition):
		return events.KindInvalidCallState, "call is not in the required state"
	case errors.Is(err, store.ErrUserBusy):
		return events.KindUserBusy, "user is in another call"
	case errors.Is(err, ai.ErrStreamBusy):
		return events.KindAIStreamBusy, "assistant is already responding"
	case errors.Is(err, ratelimit.ErrLimited):
		return events.KindRateLimited, "slow down"
	default:
		return events.KindInternal, "internal error"
	}
}
