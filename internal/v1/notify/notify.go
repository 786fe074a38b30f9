// Package notify creates in-app notifications and pushes them to recipients'
// personal rooms. It decides who should be notified about an event; the
// realtime event itself is fanned out by the chat, ai, and calls services.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/harmonychat/harmony/internal/v1/events"
	"github.com/harmonychat/harmony/internal/v1/logging"
	"github.com/harmonychat/harmony/internal/v1/metrics"
	"github.com/harmonychat/harmony/internal/v1/registry"
	"github.com/harmonychat/harmony/internal/v1/store"
)

// Emitter is the slice of the registry this service needs: personal-room
// delivery plus the subscription check used to skip active viewers.
type Emitter interface {
	EmitToUser(ctx context.Context, userID string, env events.Envelope)
	RoomHasUser(roomID, userID string) bool
}

// Service builds and delivers notifications.
type Service struct {
	reg   Emitter
	store *store.Store
}

// New creates the notification service.
func New(reg Emitter, st *store.Store) *Service {
	return &Service{reg: reg, store: st}
}

// MessageFanout notifies conversation members about a new message. Skipped:
// the sender, muted members, and members with a socket subscribed to the
// conversation room (they are watching it live). A member whose name is
// @-mentioned in the content gets a MENTION instead of NEW_MESSAGE.
func (s *Service) MessageFanout(ctx context.Context, conv *store.Conversation, msg *store.Message, senderName string) {
	memberships, err := s.store.ListMemberships(ctx, conv.ID)
	if err != nil {
		logging.Error(ctx, "Failed to list memberships for notification fanout",
			zap.String("conversationId", conv.ID), zap.Error(err))
		return
	}

	room := registry.RoomConversation(conv.ID)
	for _, m := range memberships {
		if msg.SenderID != nil && m.UserID == *msg.SenderID {
			continue
		}
		if m.IsMuted {
			continue
		}
		if s.reg.RoomHasUser(room, m.UserID) {
			continue
		}

		kind := store.NotifyNewMessage
		title := senderName
		if conv.Kind == store.ConversationGroup && conv.Title != "" {
			title = fmt.Sprintf("%s in %s", senderName, conv.Title)
		}
		if s.isMentioned(ctx, m.UserID, msg.Content) {
			kind = store.NotifyMention
			title = fmt.Sprintf("%s mentioned you", senderName)
		}

		s.deliver(ctx, m.UserID, kind, title, preview(msg.Content), map[string]string{
			"conversationId": conv.ID,
			"messageId":      msg.ID,
		})
	}
}

// CallMissed notifies the callee about a call that rang out or was placed
// while they were offline.
func (s *Service) CallMissed(ctx context.Context, call *store.Call, callerName string) {
	s.deliver(ctx, call.CalleeID, store.NotifyCallMissed,
		fmt.Sprintf("Missed %s call", strings.ToLower(string(call.Kind))),
		fmt.Sprintf("%s tried to call you", callerName),
		map[string]string{
			"callId":         call.ID,
			"conversationId": call.ConversationID,
		})
}

// AIComplete notifies the conversation owner that an assistant response
// finished while they were away from the conversation.
func (s *Service) AIComplete(ctx context.Context, conv *store.Conversation, msg *store.Message) {
	memberships, err := s.store.ListMemberships(ctx, conv.ID)
	if err != nil {
		logging.Error(ctx, "Failed to list memberships for AI notification",
			zap.String("conversationId", conv.ID), zap.Error(err))
		return
	}

	room := registry.RoomConversation(conv.ID)
	for _, m := range memberships {
		if m.IsMuted || s.reg.RoomHasUser(room, m.UserID) {
			continue
		}
		s.deliver(ctx, m.UserID, store.NotifyAIComplete, "Assistant replied", preview(msg.Content), map[string]string{
			"conversationId": conv.ID,
			"messageId":      msg.ID,
		})
	}
}

func (s *Service) deliver(ctx context.Context, userID string, kind store.NotificationKind, title, body string, data map[string]string) {
	raw, err := json.Marshal(data)
	if err != nil {
		logging.Error(ctx, "Failed to marshal notification data", zap.Error(err))
		raw = nil
	}

	n, err := s.store.CreateNotification(ctx, userID, kind, title, body, raw)
	if err != nil {
		logging.Error(ctx, "Failed to persist notification",
			zap.String("userId", userID), zap.Error(err))
		return
	}

	metrics.NotificationsCreated.WithLabelValues(string(kind)).Inc()
	s.reg.EmitToUser(ctx, userID, events.New(events.EvtNewNotification, n))
}

// isMentioned checks for "@Name" in the content with a word boundary after
// the name, case-insensitively.
func (s *Service) isMentioned(ctx context.Context, userID, content string) bool {
	if !strings.Contains(content, "@") {
		return false
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil || u.Name == "" {
		return false
	}
	re, err := regexp.Compile(`(?i)@` + regexp.QuoteMeta(u.Name) + `\b`)
	if err != nil {
		return false
	}
	return re.MatchString(content)
}

// preview truncates content for a notification body, backing up to a rune
// boundary so a multi-byte character is never split.
func preview(content string) string {
	const max = 120
	if len(content) <= max {
		return content
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "…"
}
