// Package chat implements messaging inside conversations: send, edit,
// delete, reactions, read/delivery receipts, and history. Append and fan-out
// happen under a per-conversation lock so every member observes messages in
// the same order.
package chat

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/harmonychat/harmony/internal/v1/ai"
	"github.com/harmonychat/harmony/internal/v1/events"
	"github.com/harmonychat/harmony/internal/v1/logging"
	"github.com/harmonychat/harmony/internal/v1/registry"
	"github.com/harmonychat/harmony/internal/v1/store"
)

// aiMention triggers the assistant in group and direct conversations.
var aiMention = regexp.MustCompile(`(?i)@ai\b`)

// Emitter is the slice of the registry chat needs.
type Emitter interface {
	EmitToRoom(ctx context.Context, roomID string, env events.Envelope, excludeSocketIDs ...string)
	EmitToSocket(socketID string, env events.Envelope)
	RemoveUserFromRoom(roomID, userID string)
}

// AITrigger starts an assistant response for a conversation. Implemented by
// the ai orchestrator; a no-op in deployments without a provider.
type AITrigger interface {
	Enqueue(ctx context.Context, convID, userID string) error
}

// Notifier fans notifications out to members not watching the conversation.
type Notifier interface {
	MessageFanout(ctx context.Context, conv *store.Conversation, msg *store.Message, senderName string)
}

// Service coordinates message operations.
type Service struct {
	store  *store.Store
	reg    Emitter
	notify Notifier
	ai     AITrigger

	policy *bluemonday.Policy

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the chat service. ai may be nil when no provider is configured.
func New(st *store.Store, reg Emitter, notifier Notifier, ai AITrigger) *Service {
	return &Service{
		store:  st,
		reg:    reg,
		notify: notifier,
		ai:     ai,
		policy: bluemonday.StrictPolicy(),
		locks:  make(map[string]*sync.Mutex),
	}
}

// SetAI wires the assistant trigger after construction; the ai service and
// chat reference each other, so one side is attached late.
func (s *Service) SetAI(ai AITrigger) { s.ai = ai }

// LockConversation serializes append+emit for a conversation. The ai
// orchestrator takes the same lock when it persists a finished response so
// assistant messages interleave cleanly with user messages.
func (s *Service) LockConversation(convID string) func() {
	return s.lockConversation(convID)
}

// lockConversation serializes append+emit per conversation. The lock map is
// never pruned; it is bounded by the number of active conversations.
func (s *Service) lockConversation(convID string) func() {
	s.mu.Lock()
	l, ok := s.locks[convID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[convID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Send appends a message and broadcasts new-message to the conversation
// room. Content is sanitized before persistence. An @AI mention, or any
// message in an AI_CHAT conversation, triggers an assistant response after
// the user message is out. socketID identifies the sender's connection for
// targeted errors; it may be empty for server-originated sends.
func (s *Service) Send(ctx context.Context, userID, socketID string, p *events.SendMessagePayload) (*store.Message, error) {
	conv, err := s.store.GetConversation(ctx, p.ConversationID)
	if err != nil {
		return nil, err
	}

	content := strings.TrimSpace(s.policy.Sanitize(p.Content))
	if content == "" && p.Attachment == "" {
		return nil, store.ErrInvalidArgument
	}

	kind := store.MessageKind(p.Kind)
	if kind == "" {
		kind = store.MessageText
	}

	msg := &store.Message{
		ConversationID: conv.ID,
		SenderID:       &userID,
		Kind:           kind,
		Content:        content,
		Attachment:     p.Attachment,
	}
	if p.ReplyToID != "" {
		msg.ReplyToID = &p.ReplyToID
	}

	unlock := s.lockConversation(conv.ID)
	msg, err = s.store.AppendMessage(ctx, msg)
	if err != nil {
		unlock()
		return nil, err
	}
	s.reg.EmitToRoom(ctx, registry.RoomConversation(conv.ID), events.New(events.EvtNewMessage, msg))
	unlock()

	if s.ai != nil && (conv.Kind == store.ConversationAIChat || aiMention.MatchString(content)) {
		if err := s.ai.Enqueue(ctx, conv.ID, userID); err != nil {
			if errors.Is(err, ai.ErrStreamBusy) && socketID != "" {
				s.reg.EmitToSocket(socketID, events.NewError(events.KindAIStreamBusy, "assistant is already responding", ""))
			} else {
				logging.Debug(ctx, "AI trigger declined", zap.String("conversationId", conv.ID), zap.Error(err))
			}
		}
	}

	s.emitConversationUpdate(ctx, conv.ID)
	s.notify.MessageFanout(ctx, conv, msg, s.senderName(ctx, userID))
	return msg, nil
}

// emitConversationUpdate pushes the conversation's current state to each
// member's personal room with that member's own unread count, so sidebars
// reorder and badge without a refetch.
func (s *Service) emitConversationUpdate(ctx context.Context, convID string) {
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return
	}
	memberships, err := s.store.ListMemberships(ctx, convID)
	if err != nil {
		return
	}
	for _, m := range memberships {
		s.reg.EmitToRoom(ctx, registry.RoomUser(m.UserID), events.New(events.EvtConversationUpdated, events.ConversationUpdateEvent{
			Conversation: conv,
			UnreadCount:  m.UnreadCount,
		}))
	}
}

// Edit updates a message's content, sender only, and broadcasts
// message-updated.
func (s *Service) Edit(ctx context.Context, userID string, p *events.EditMessagePayload) (*store.Message, error) {
	content := strings.TrimSpace(s.policy.Sanitize(p.Content))
	if content == "" {
		return nil, store.ErrInvalidArgument
	}

	msg, err := s.store.EditMessage(ctx, p.MessageID, userID, content)
	if err != nil {
		return nil, err
	}
	s.reg.EmitToRoom(ctx, registry.RoomConversation(msg.ConversationID), events.New(events.EvtMessageUpdated, msg))
	return msg, nil
}

// Delete tombstones a message and broadcasts message-deleted.
func (s *Service) Delete(ctx context.Context, userID string, p *events.DeleteMessagePayload) error {
	msg, err := s.store.DeleteMessage(ctx, p.MessageID, userID)
	if err != nil {
		return err
	}
	s.reg.EmitToRoom(ctx, registry.RoomConversation(msg.ConversationID), events.New(events.EvtMessageDeleted, events.MessageDeletedEvent{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	}))
	return nil
}

// React toggles a reaction and broadcasts the message's resulting reaction
// set.
func (s *Service) React(ctx context.Context, userID string, p *events.MessageReactionPayload) error {
	msg, err := s.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		return err
	}
	if _, err := s.store.GetMembership(ctx, msg.ConversationID, userID); err != nil {
		return err
	}

	reactions, err := s.store.ToggleReaction(ctx, p.MessageID, userID, p.Emoji)
	if err != nil {
		return err
	}

	entries := make([]events.ReactionEntry, 0, len(reactions))
	for _, r := range reactions {
		entries = append(entries, events.ReactionEntry{UserID: r.UserID, Emoji: r.Emoji})
	}
	s.reg.EmitToRoom(ctx, registry.RoomConversation(msg.ConversationID), events.New(events.EvtMessageReactionUpdated, events.ReactionUpdateEvent{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Reactions:      entries,
	}))
	return nil
}

// MarkRead advances the reader's watermark and broadcasts a READ status
// update for every message that just reached full readership.
func (s *Service) MarkRead(ctx context.Context, userID string, p *events.MessageReadPayload) error {
	upTo := timeOrNow(p)
	_, nowRead, err := s.store.MarkRead(ctx, p.ConversationID, userID, upTo)
	if err != nil {
		return err
	}

	room := registry.RoomConversation(p.ConversationID)
	for _, m := range nowRead {
		s.reg.EmitToRoom(ctx, room, events.New(events.EvtMessageStatusUpdate, events.MessageStatusEvent{
			ConversationID: m.ConversationID,
			MessageID:      m.ID,
			Status:         string(store.StatusRead),
		}))
	}
	return nil
}

// MarkDelivered advances a message to DELIVERED and broadcasts the change
// when the status actually moved. A sender acking their own message is
// ignored; delivery means it reached someone else.
func (s *Service) MarkDelivered(ctx context.Context, userID string, p *events.MessageDeliveredPayload) error {
	msg, err := s.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		return err
	}
	if _, err := s.store.GetMembership(ctx, msg.ConversationID, userID); err != nil {
		return err
	}
	if msg.SenderID != nil && *msg.SenderID == userID {
		return nil
	}

	msg, changed, err := s.store.MarkDelivered(ctx, p.MessageID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	s.reg.EmitToRoom(ctx, registry.RoomConversation(msg.ConversationID), events.New(events.EvtMessageStatusUpdate, events.MessageStatusEvent{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Status:         string(store.StatusDelivered),
	}))
	return nil
}

// History returns a page of messages before the cursor, oldest first.
func (s *Service) History(ctx context.Context, userID string, p *events.FetchHistoryPayload) ([]store.Message, error) {
	if _, err := s.store.GetMembership(ctx, p.ConversationID, userID); err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, p.ConversationID, p.Before, p.Limit)
}

func (s *Service) senderName(ctx context.Context, userID string) string {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil || u.Name == "" {
		return "Someone"
	}
	return u.Name
}

func timeOrNow(p *events.MessageReadPayload) time.Time {
	if p.UpTo != nil {
		return *p.UpTo
	}
	return time.Now().UTC()
}
