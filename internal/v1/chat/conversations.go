package chat

import (
	"context"

	"github.com/harmonychat/harmony/internal/v1/events"
	"github.com/harmonychat/harmony/internal/v1/registry"
	"github.com/harmonychat/harmony/internal/v1/store"
)

// CreateConversation creates a DIRECT, GROUP, or AI_CHAT conversation and
// pushes conversation-created to every initial member's personal sockets.
func (s *Service) CreateConversation(ctx context.Context, creatorID string, p *events.CreateConversationPayload) (*store.Conversation, error) {
	conv, err := s.store.CreateConversation(ctx, store.ConversationKind(p.Kind), creatorID, p.MemberIDs, p.Title, p.SystemPrompt)
	if err != nil {
		return nil, err
	}

	memberIDs, err := s.store.ListMemberIDs(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	env := events.New(events.EvtConversationCreated, conv)
	for _, id := range memberIDs {
		s.reg.EmitToRoom(ctx, registry.RoomUser(id), env)
	}
	return conv, nil
}

// UpdateGroup renames a group or changes its avatar. OWNER or ADMIN only.
func (s *Service) UpdateGroup(ctx context.Context, actorID string, p *events.UpdateGroupPayload) (*store.Conversation, error) {
	if err := s.requireRole(ctx, p.ConversationID, actorID, store.RoleOwner, store.RoleAdmin); err != nil {
		return nil, err
	}

	conv, err := s.store.UpdateGroup(ctx, p.ConversationID, p.Title, p.AvatarURL)
	if err != nil {
		return nil, err
	}
	s.reg.EmitToRoom(ctx, registry.RoomConversation(conv.ID), events.New(events.EvtGroupUpdated, conv))
	s.emitConversationUpdate(ctx, conv.ID)
	return conv, nil
}

// AddMember adds a user to a group. OWNER or ADMIN only. The new member gets
// conversation-created on their personal sockets so their client can render
// the conversation immediately.
func (s *Service) AddMember(ctx context.Context, actorID string, p *events.MemberPayload) error {
	if err := s.requireRole(ctx, p.ConversationID, actorID, store.RoleOwner, store.RoleAdmin); err != nil {
		return err
	}
	if _, err := s.store.GetUser(ctx, p.UserID); err != nil {
		return err
	}

	if err := s.store.AddMember(ctx, p.ConversationID, p.UserID); err != nil {
		return err
	}

	s.reg.EmitToRoom(ctx, registry.RoomConversation(p.ConversationID), events.New(events.EvtGroupMemberAdded, events.GroupMemberEvent{
		ConversationID: p.ConversationID,
		UserID:         p.UserID,
		ActorID:        actorID,
	}))

	if conv, err := s.store.GetConversation(ctx, p.ConversationID); err == nil {
		s.reg.EmitToRoom(ctx, registry.RoomUser(p.UserID), events.New(events.EvtConversationCreated, conv))
	}
	return nil
}

// RemoveMember removes a user from a group. Members may remove themselves
// (leave); removing someone else requires OWNER or ADMIN.
func (s *Service) RemoveMember(ctx context.Context, actorID string, p *events.MemberPayload) error {
	if actorID != p.UserID {
		if err := s.requireRole(ctx, p.ConversationID, actorID, store.RoleOwner, store.RoleAdmin); err != nil {
			return err
		}
	}

	if err := s.store.RemoveMember(ctx, p.ConversationID, p.UserID); err != nil {
		return err
	}

	s.reg.EmitToRoom(ctx, registry.RoomConversation(p.ConversationID), events.New(events.EvtGroupMemberRemoved, events.GroupMemberEvent{
		ConversationID: p.ConversationID,
		UserID:         p.UserID,
		ActorID:        actorID,
	}))

	// Evict the removed member's live sockets so they stop receiving room
	// broadcasts the moment their membership ends.
	s.reg.RemoveUserFromRoom(registry.RoomConversation(p.ConversationID), p.UserID)
	return nil
}

// PromoteMember changes a member's role. OWNER only.
func (s *Service) PromoteMember(ctx context.Context, actorID string, p *events.PromoteMemberPayload) error {
	if err := s.requireRole(ctx, p.ConversationID, actorID, store.RoleOwner); err != nil {
		return err
	}

	if err := s.store.PromoteMember(ctx, p.ConversationID, p.UserID, store.Role(p.Role)); err != nil {
		return err
	}

	s.reg.EmitToRoom(ctx, registry.RoomConversation(p.ConversationID), events.New(events.EvtGroupUpdated, events.GroupMemberEvent{
		ConversationID: p.ConversationID,
		UserID:         p.UserID,
		ActorID:        actorID,
		Role:           p.Role,
	}))
	return nil
}

// Pin toggles the caller's pinned flag for a conversation.
func (s *Service) Pin(ctx context.Context, userID string, p *events.PinConversationPayload) error {
	return s.store.SetPinned(ctx, p.ConversationID, userID, p.Pinned)
}

// Mute toggles the caller's muted flag for a conversation.
func (s *Service) Mute(ctx context.Context, userID string, p *events.MuteConversationPayload) error {
	return s.store.SetMuted(ctx, p.ConversationID, userID, p.Muted)
}

func (s *Service) requireRole(ctx context.Context, convID, userID string, roles ...store.Role) error {
	m, err := s.store.GetMembership(ctx, convID, userID)
	if err != nil {
		return err
	}
	for _, r := range roles {
		if m.Role == r {
			return nil
		}
	}
	return store.ErrForbidden
}
