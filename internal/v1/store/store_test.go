package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonychat/harmony/internal/v1/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logging.Initialize(true)
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUsers(t *testing.T, s *Store, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		require.NoError(t, s.UpsertUser(ctx, id, id+"@example.com", "user "+id, ""))
	}
}

func strp(s string) *string { return &s }

func TestUpsertUser_IsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, "u1", "old@example.com", "Old Name", ""))
	require.NoError(t, s.UpsertUser(ctx, "u1", "new@example.com", "New Name", "https://cdn/a.png"))

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", u.Email)
	assert.Equal(t, "New Name", u.Name)
	assert.Equal(t, "https://cdn/a.png", u.AvatarURL)
}

func TestGetUser_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetUser(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateConversation_DirectDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1", "u2")

	first, err := s.CreateConversation(ctx, ConversationDirect, "u1", []string{"u2"}, "", "")
	require.NoError(t, err)

	// Same pair from either side returns the existing conversation.
	again, err := s.CreateConversation(ctx, ConversationDirect, "u2", []string{"u1"}, "", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestCreateConversation_ShapeInvariants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1", "u2", "u3")

	_, err := s.CreateConversation(ctx, ConversationDirect, "u1", []string{"u2", "u3"}, "", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.CreateConversation(ctx, ConversationDirect, "u1", nil, "", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.CreateConversation(ctx, ConversationAIChat, "u1", []string{"u2"}, "", "")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	ai, err := s.CreateConversation(ctx, ConversationAIChat, "u1", nil, "Assistant", "be terse")
	require.NoError(t, err)
	assert.Equal(t, "be terse", ai.SystemPrompt)
}

func TestCreateConversation_GroupCreatorIsOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1", "u2", "u3")

	conv, err := s.CreateConversation(ctx, ConversationGroup, "u1", []string{"u2", "u3"}, "team", "")
	require.NoError(t, err)

	m, err := s.GetMembership(ctx, conv.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, m.Role)

	m, err = s.GetMembership(ctx, conv.ID, "u2")
	require.NoError(t, err)
	assert.Equal(t, RoleMember, m.Role)

	ids, err := s.ListMemberIDs(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestRemoveMember_LastOwnerBlocked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1", "u2")

	conv, err := s.CreateConversation(ctx, ConversationGroup, "u1", []string{"u2"}, "team", "")
	require.NoError(t, err)

	err = s.RemoveMember(ctx, conv.ID, "u1")
	assert.ErrorIs(t, err, ErrLastOwner)

	// Promote a second owner, then the first may leave.
	require.NoError(t, s.PromoteMember(ctx, conv.ID, "u2", RoleOwner))
	require.NoError(t, s.RemoveMember(ctx, conv.ID, "u1"))

	ok, err := s.IsMember(ctx, conv.ID, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppendMessage_BumpsUnreadForOthers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1", "u2", "u3")

	conv, err := s.CreateConversation(ctx, ConversationGroup, "u1", []string{"u2", "u3"}, "team", "")
	require.NoError(t, err)

	msg, err := s.AppendMessage(ctx, &Message{
		ConversationID: conv.ID,
		SenderID:       strp("u1"),
		Content:        "hello",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, StatusSent, msg.Status)

	sender, err := s.GetMembership(ctx, conv.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, sender.UnreadCount)

	other, err := s.GetMembership(ctx, conv.ID, "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, other.UnreadCount)
}

func TestAppendMessage_NonMemberRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1", "u2", "u9")

	conv, err := s.CreateConversation(ctx, ConversationDirect, "u1", []string{"u2"}, "", "")
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, &Message{
		ConversationID: conv.ID,
		SenderID:       strp("u9"),
		Content:        "intruder",
	})
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestAppendMessage_ReplyMustBeSameConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1", "u2", "u3")

	convA, err := s.CreateConversation(ctx, ConversationDirect, "u1", []string{"u2"}, "", "")
	require.NoError(t, err)
	convB, err := s.CreateConversation(ctx, ConversationDirect, "u1", []string{"u3"}, "", "")
	require.NoError(t, err)

	parent, err := s.AppendMessage(ctx, &Message{ConversationID: convA.ID, SenderID: strp("u1"), Content: "root"})
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, &Message{
		ConversationID: convB.ID,
		SenderID:       strp("u1"),
		Content:        "cross-conversation reply",
		ReplyToID:      &parent.ID,
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEditMessage_OnlySender(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1", "u2")

	conv, err := s.CreateConversation(ctx, ConversationDirect, "u1", []string{"u2"}, "", "")
	require.NoError(t, err)
	msg, err := s.AppendMessage(ctx, &Message{ConversationID: conv.ID, SenderID: strp("u1"), Content: "typo"})
	require.NoError(t, err)

	_, err = s.EditMessage(ctx, msg.ID, "u2", "hijack")
	assert.ErrorIs(t, err, ErrForbidden)

	edited, err := s.EditMessage(ctx, msg.ID, "u1", "fixed")
	require.NoError(t, err)
	assert.Equal(t, "fixed", edited.Content)
	assert.True(t, edited.IsEdited)
	require.NotNil(t, edited.EditedAt)
}

func TestDeleteMessage_Tombstone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1", "u2", "u3")

	conv, err := s.CreateConversation(ctx, ConversationGroup, "u1", []string{"u2", "u3"}, "team", "")
	require.NoError(t, err)
	msg, err := s.AppendMessage(ctx, &Message{ConversationID: conv.ID, SenderID: strp("u2"), Content: "oops"})
	require.NoError(t, err)

	// A plain member cannot delete someone else's message.
	_, err = s.DeleteMessage(ctx, msg.ID, "u3")
	assert.ErrorIs(t, err, ErrForbidden)

	// The group owner can.
	deleted, err := s.DeleteMessage(ctx, msg.ID, "u1")
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Empty(t, deleted.Content)

	// The row survives as a tombstone.
	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted)

	// Tombstones cannot be edited.
	_, err = s.EditMessage(ctx, msg.ID, "u2", "resurrect")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTombstoneMessage_NoAuthorCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1")

	conv, err := s.CreateConversation(ctx, ConversationAIChat, "u1", nil, "", "")
	require.NoError(t, err)
	msg, err := s.AppendMessage(ctx, &Message{ConversationID: conv.ID, Kind: MessageAIResponse, Content: "answer"})
	require.NoError(t, err)

	// Senderless messages tombstone without an actor.
	deleted, err := s.TombstoneMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Empty(t, deleted.Content)

	// Idempotent on a tombstone.
	again, err := s.TombstoneMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, again.IsDeleted)

	_, err = s.TombstoneMessage(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestToggleReaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1", "u2")

	conv, err := s.CreateConversation(ctx, ConversationDirect, "u1", []string{"u2"}, "", "")
	require.NoError(t, err)
	msg, err := s.AppendMessage(ctx, &Message{ConversationID: conv.ID, SenderID: strp("u1"), Content: "hi"})
	require.NoError(t, err)

	reactions, err := s.ToggleReaction(ctx, msg.ID, "u2", "👍")
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.Equal(t, "u2", reactions[0].UserID)

	// Second user, different emoji coexists.
	reactions, err = s.ToggleReaction(ctx, msg.ID, "u1", "🎉")
	require.NoError(t, err)
	assert.Len(t, reactions, 2)

	// Toggling the same pair again removes it.
	reactions, err = s.ToggleReaction(ctx, msg.ID, "u2", "👍")
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.Equal(t, "🎉", reactions[0].Emoji)
}

func TestMarkRead_WatermarkIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1", "u2")

	conv, err := s.CreateConversation(ctx, ConversationDirect, "u1", []string{"u2"}, "", "")
	require.NoError(t, err)
	msg, err := s.AppendMessage(ctx, &Message{ConversationID: conv.ID, SenderID: strp("u1"), Content: "hi"})
	require.NoError(t, err)

	mark, nowRead, err := s.MarkRead(ctx, conv.ID, "u2", msg.CreatedAt)
	require.NoError(t, err)
	require.Len(t, nowRead, 1)
	assert.Equal(t, StatusRead, nowRead[0].Status)

	// A stale upTo does not move the watermark backwards.
	older := msg.CreatedAt.Add(-time.Hour)
	mark2, nowRead2, err := s.MarkRead(ctx, conv.ID, "u2", older)
	require.NoError(t, err)
	assert.Empty(t, nowRead2)
	assert.False(t, mark2.Before(mark))

	m, err := s.GetMembership(ctx, conv.ID, "u2")
	require.NoError(t, err)
	assert.Equal(t, 0, m.UnreadCount)
}

func TestMarkRead_GroupNeedsAllReaders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1", "u2", "u3")

	conv, err := s.CreateConversation(ctx, ConversationGroup, "u1", []string{"u2", "u3"}, "team", "")
	require.NoError(t, err)
	msg, err := s.AppendMessage(ctx, &Message{ConversationID: conv.ID, SenderID: strp("u1"), Content: "hi all"})
	require.NoError(t, err)

	// One of two recipients read it: not aggregate-READ yet.
	_, nowRead, err := s.MarkRead(ctx, conv.ID, "u2", msg.CreatedAt)
	require.NoError(t, err)
	assert.Empty(t, nowRead)

	// The second recipient completes the set.
	_, nowRead, err = s.MarkRead(ctx, conv.ID, "u3", msg.CreatedAt)
	require.NoError(t, err)
	require.Len(t, nowRead, 1)
	assert.Equal(t, msg.ID, nowRead[0].ID)
}

func TestMarkDelivered_NeverRegresses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1", "u2")

	conv, err := s.CreateConversation(ctx, ConversationDirect, "u1", []string{"u2"}, "", "")
	require.NoError(t, err)
	msg, err := s.AppendMessage(ctx, &Message{ConversationID: conv.ID, SenderID: strp("u1"), Content: "hi"})
	require.NoError(t, err)

	m, changed, err := s.MarkDelivered(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StatusDelivered, m.Status)

	// Repeat is a no-op.
	_, changed, err = s.MarkDelivered(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	// READ is not demoted back to DELIVERED.
	_, _, err = s.MarkRead(ctx, conv.ID, "u2", msg.CreatedAt)
	require.NoError(t, err)
	m, changed, err = s.MarkDelivered(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, StatusRead, m.Status)
}

func TestListHistory_Pagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1", "u2")

	conv, err := s.CreateConversation(ctx, ConversationDirect, "u1", []string{"u2"}, "", "")
	require.NoError(t, err)

	var all []Message
	for i := 0; i < 5; i++ {
		m, err := s.AppendMessage(ctx, &Message{ConversationID: conv.ID, SenderID: strp("u1"), Content: "msg"})
		require.NoError(t, err)
		all = append(all, *m)
	}

	// Latest page, oldest first within the page.
	page, err := s.ListHistory(ctx, conv.ID, nil, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[3].ID, page[0].ID)
	assert.Equal(t, all[4].ID, page[1].ID)

	// Cursor walks backwards without overlap.
	prev, err := s.ListHistory(ctx, conv.ID, &page[0].CreatedAt, 2)
	require.NoError(t, err)
	require.Len(t, prev, 2)
	assert.Equal(t, all[1].ID, prev[0].ID)
	assert.Equal(t, all[2].ID, prev[1].ID)
}

func TestLastAIResponse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1")

	conv, err := s.CreateConversation(ctx, ConversationAIChat, "u1", nil, "", "")
	require.NoError(t, err)

	_, err = s.LastAIResponse(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.AppendMessage(ctx, &Message{ConversationID: conv.ID, SenderID: strp("u1"), Content: "question"})
	require.NoError(t, err)
	first, err := s.AppendMessage(ctx, &Message{ConversationID: conv.ID, Kind: MessageAIResponse, Content: "answer one"})
	require.NoError(t, err)
	second, err := s.AppendMessage(ctx, &Message{ConversationID: conv.ID, Kind: MessageAIResponse, Content: "answer two"})
	require.NoError(t, err)

	got, err := s.LastAIResponse(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	// Tombstoning the latest answer exposes the previous one.
	_, err = s.DeleteMessage(ctx, second.ID, "u1")
	require.NoError(t, err)
	got, err = s.LastAIResponse(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestTransitionCall_CompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1", "u2")

	conv, err := s.CreateConversation(ctx, ConversationDirect, "u1", []string{"u2"}, "", "")
	require.NoError(t, err)
	call, err := s.CreateCall(ctx, conv.ID, "u1", "u2", CallVideo)
	require.NoError(t, err)
	assert.Equal(t, CallInitiated, call.State)

	ringing, err := s.TransitionCall(ctx, call.ID, CallInitiated, CallRinging)
	require.NoError(t, err)
	assert.Equal(t, CallRinging, ringing.State)
	require.NotNil(t, ringing.RingingAt)

	// Accept and reject race: only the first CAS wins.
	active, err := s.TransitionCall(ctx, call.ID, CallRinging, CallActive)
	require.NoError(t, err)
	assert.Equal(t, CallActive, active.State)

	_, err = s.TransitionCall(ctx, call.ID, CallRinging, CallRejected)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.TransitionCall(ctx, "missing", CallRinging, CallActive)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateCall_BusyParticipantRefused(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1", "u2", "u3")

	conv, err := s.CreateConversation(ctx, ConversationDirect, "u1", []string{"u2"}, "", "")
	require.NoError(t, err)
	conv2, err := s.CreateConversation(ctx, ConversationDirect, "u3", []string{"u2"}, "", "")
	require.NoError(t, err)

	first, err := s.CreateCall(ctx, conv.ID, "u1", "u2", CallAudio)
	require.NoError(t, err)

	// Caller busy, then callee busy.
	_, err = s.CreateCall(ctx, conv.ID, "u1", "u2", CallAudio)
	assert.ErrorIs(t, err, ErrUserBusy)
	_, err = s.CreateCall(ctx, conv2.ID, "u3", "u2", CallAudio)
	assert.ErrorIs(t, err, ErrUserBusy)

	// A settled call frees both parties.
	_, err = s.TransitionCall(ctx, first.ID, CallInitiated, CallMissed)
	require.NoError(t, err)
	_, err = s.CreateCall(ctx, conv2.ID, "u3", "u2", CallAudio)
	assert.NoError(t, err)
}

func TestActiveCallForUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1", "u2")

	conv, err := s.CreateConversation(ctx, ConversationDirect, "u1", []string{"u2"}, "", "")
	require.NoError(t, err)

	_, err = s.ActiveCallForUser(ctx, "u2")
	assert.ErrorIs(t, err, ErrNotFound)

	call, err := s.CreateCall(ctx, conv.ID, "u1", "u2", CallAudio)
	require.NoError(t, err)

	got, err := s.ActiveCallForUser(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, call.ID, got.ID)

	_, err = s.TransitionCall(ctx, call.ID, CallInitiated, CallMissed)
	require.NoError(t, err)
	_, err = s.ActiveCallForUser(ctx, "u2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNotifications_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1")

	n, err := s.CreateNotification(ctx, "u1", NotifyMention, "mention", "you were mentioned", nil)
	require.NoError(t, err)
	assert.False(t, n.IsRead)

	list, err := s.ListNotifications(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, s.MarkNotificationRead(ctx, n.ID, "u1"))
	assert.ErrorIs(t, s.MarkNotificationRead(ctx, n.ID, "someone-else"), ErrNotFound)
}

func TestSetPinnedAndMuted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUsers(t, s, "u1", "u2")

	conv, err := s.CreateConversation(ctx, ConversationDirect, "u1", []string{"u2"}, "", "")
	require.NoError(t, err)

	require.NoError(t, s.SetPinned(ctx, conv.ID, "u1", true))
	require.NoError(t, s.SetMuted(ctx, conv.ID, "u1", true))

	m, err := s.GetMembership(ctx, conv.ID, "u1")
	require.NoError(t, err)
	assert.True(t, m.IsPinned)
	assert.True(t, m.IsMuted)

	assert.ErrorIs(t, s.SetPinned(ctx, conv.ID, "stranger", true), ErrNotMember)
}
