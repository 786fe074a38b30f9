package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonychat/harmony/internal/v1/events"
	"github.com/harmonychat/harmony/internal/v1/registry"
	"github.com/harmonychat/harmony/internal/v1/store"
)

func TestCreateConversation_NotifiesMembers(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	conv, err := f.svc.CreateConversation(ctx, "alice", &events.CreateConversationPayload{
		Kind:      "GROUP",
		MemberIDs: []string{"bob"},
		Title:     "team",
	})
	require.NoError(t, err)

	created := f.emitter.ofType(events.EvtConversationCreated)
	require.Len(t, created, 2)

	rooms := []string{created[0].room, created[1].room}
	assert.Contains(t, rooms, registry.RoomUser("alice"))
	assert.Contains(t, rooms, registry.RoomUser("bob"))
	assert.Equal(t, store.ConversationGroup, conv.Kind)
}

func TestUpdateGroup_RequiresRole(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	conv, err := f.svc.CreateConversation(ctx, "alice", &events.CreateConversationPayload{
		Kind:      "GROUP",
		MemberIDs: []string{"bob"},
		Title:     "team",
	})
	require.NoError(t, err)

	_, err = f.svc.UpdateGroup(ctx, "bob", &events.UpdateGroupPayload{ConversationID: conv.ID, Title: "renamed"})
	assert.ErrorIs(t, err, store.ErrForbidden)

	updated, err := f.svc.UpdateGroup(ctx, "alice", &events.UpdateGroupPayload{ConversationID: conv.ID, Title: "renamed"})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Title)
	assert.Len(t, f.emitter.ofType(events.EvtGroupUpdated), 1)
	assert.Len(t, f.emitter.ofType(events.EvtConversationUpdated), 2, "each member gets the refreshed conversation")
}

func TestAddAndRemoveMember(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	conv, err := f.svc.CreateConversation(ctx, "alice", &events.CreateConversationPayload{
		Kind:      "GROUP",
		MemberIDs: []string{"bob"},
		Title:     "team",
	})
	require.NoError(t, err)

	// A plain member cannot add people.
	err = f.svc.AddMember(ctx, "bob", &events.MemberPayload{ConversationID: conv.ID, UserID: "cara"})
	assert.ErrorIs(t, err, store.ErrForbidden)

	require.NoError(t, f.svc.AddMember(ctx, "alice", &events.MemberPayload{ConversationID: conv.ID, UserID: "cara"}))
	assert.Len(t, f.emitter.ofType(events.EvtGroupMemberAdded), 1)

	ok, err := f.store.IsMember(ctx, conv.ID, "cara")
	require.NoError(t, err)
	assert.True(t, ok)

	// Members can remove themselves, but not others.
	err = f.svc.RemoveMember(ctx, "bob", &events.MemberPayload{ConversationID: conv.ID, UserID: "cara"})
	assert.ErrorIs(t, err, store.ErrForbidden)

	require.NoError(t, f.svc.RemoveMember(ctx, "cara", &events.MemberPayload{ConversationID: conv.ID, UserID: "cara"}))
	assert.Len(t, f.emitter.ofType(events.EvtGroupMemberRemoved), 1)

	evicted := f.emitter.evicted()
	require.Len(t, evicted, 1, "the removed member's sockets leave the room immediately")
	assert.Equal(t, registry.RoomConversation(conv.ID), evicted[0].room)
	assert.Equal(t, "cara", evicted[0].userID)
}

func TestPromoteMember_OwnerOnly(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	conv, err := f.svc.CreateConversation(ctx, "alice", &events.CreateConversationPayload{
		Kind:      "GROUP",
		MemberIDs: []string{"bob", "cara"},
		Title:     "team",
	})
	require.NoError(t, err)

	err = f.svc.PromoteMember(ctx, "bob", &events.PromoteMemberPayload{ConversationID: conv.ID, UserID: "cara", Role: "ADMIN"})
	assert.ErrorIs(t, err, store.ErrForbidden)

	require.NoError(t, f.svc.PromoteMember(ctx, "alice", &events.PromoteMemberPayload{ConversationID: conv.ID, UserID: "bob", Role: "ADMIN"}))

	m, err := f.store.GetMembership(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, store.RoleAdmin, m.Role)

	// Admins can now manage the group.
	_, err = f.svc.UpdateGroup(ctx, "bob", &events.UpdateGroupPayload{ConversationID: conv.ID, Title: "ops"})
	assert.NoError(t, err)
}

func TestPinAndMute(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	conv := f.direct(t)

	require.NoError(t, f.svc.Pin(ctx, "alice", &events.PinConversationPayload{ConversationID: conv.ID, Pinned: true}))
	require.NoError(t, f.svc.Mute(ctx, "alice", &events.MuteConversationPayload{ConversationID: conv.ID, Muted: true}))

	m, err := f.store.GetMembership(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.True(t, m.IsPinned)
	assert.True(t, m.IsMuted)

	err = f.svc.Pin(ctx, "cara", &events.PinConversationPayload{ConversationID: conv.ID, Pinned: true})
	assert.ErrorIs(t, err, store.ErrNotMember)
}
