package notify

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonychat/harmony/internal/v1/events"
	"github.com/harmonychat/harmony/internal/v1/logging"
	"github.com/harmonychat/harmony/internal/v1/registry"
	"github.com/harmonychat/harmony/internal/v1/store"
)

type fakeEmitter struct {
	mu         sync.Mutex
	byUser     map[string][]events.Envelope
	subscribed map[string]map[string]bool // room -> user -> present
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{
		byUser:     make(map[string][]events.Envelope),
		subscribed: make(map[string]map[string]bool),
	}
}

func (f *fakeEmitter) EmitToUser(ctx context.Context, userID string, env events.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byUser[userID] = append(f.byUser[userID], env)
}

func (f *fakeEmitter) RoomHasUser(roomID, userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[roomID][userID]
}

func (f *fakeEmitter) subscribe(roomID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribed[roomID] == nil {
		f.subscribed[roomID] = make(map[string]bool)
	}
	f.subscribed[roomID][userID] = true
}

func (f *fakeEmitter) sentTo(userID string) []events.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.Envelope(nil), f.byUser[userID]...)
}

func setup(t *testing.T) (*Service, *fakeEmitter, *store.Store) {
	t.Helper()
	logging.Initialize(true)
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.UpsertUser(ctx, "alice", "a@example.com", "Alice", ""))
	require.NoError(t, st.UpsertUser(ctx, "bob", "b@example.com", "Bob", ""))
	require.NoError(t, st.UpsertUser(ctx, "cara", "c@example.com", "Cara", ""))

	emitter := newFakeEmitter()
	return New(emitter, st), emitter, st
}

func decodeNotification(t *testing.T, env events.Envelope) store.Notification {
	t.Helper()
	require.Equal(t, events.EvtNewNotification, env.Type)
	var n store.Notification
	require.NoError(t, json.Unmarshal(env.Data, &n))
	return n
}

func TestMessageFanout_SkipsSenderMutedAndViewers(t *testing.T) {
	svc, emitter, st := setup(t)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, store.ConversationGroup, "alice", []string{"bob", "cara"}, "team", "")
	require.NoError(t, err)
	require.NoError(t, st.SetMuted(ctx, conv.ID, "cara", true))

	sender := "alice"
	msg, err := st.AppendMessage(ctx, &store.Message{ConversationID: conv.ID, SenderID: &sender, Content: "standup in 5"})
	require.NoError(t, err)

	svc.MessageFanout(ctx, conv, msg, "Alice")

	assert.Empty(t, emitter.sentTo("alice"), "sender is never notified")
	assert.Empty(t, emitter.sentTo("cara"), "muted member is not notified")

	got := emitter.sentTo("bob")
	require.Len(t, got, 1)
	n := decodeNotification(t, got[0])
	assert.Equal(t, store.NotifyNewMessage, n.Kind)
	assert.Contains(t, n.Title, "Alice in team")

	// A persisted copy exists for later retrieval.
	list, err := st.ListNotifications(ctx, "bob", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMessageFanout_SkipsActiveViewer(t *testing.T) {
	svc, emitter, st := setup(t)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, store.ConversationDirect, "alice", []string{"bob"}, "", "")
	require.NoError(t, err)

	emitter.subscribe(registry.RoomConversation(conv.ID), "bob")

	sender := "alice"
	msg, err := st.AppendMessage(ctx, &store.Message{ConversationID: conv.ID, SenderID: &sender, Content: "hi"})
	require.NoError(t, err)

	svc.MessageFanout(ctx, conv, msg, "Alice")
	assert.Empty(t, emitter.sentTo("bob"), "member viewing the conversation is not notified")
}

func TestMessageFanout_MentionUpgradesKind(t *testing.T) {
	svc, emitter, st := setup(t)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, store.ConversationGroup, "alice", []string{"bob", "cara"}, "team", "")
	require.NoError(t, err)

	sender := "alice"
	msg, err := st.AppendMessage(ctx, &store.Message{ConversationID: conv.ID, SenderID: &sender, Content: "ping @Bob can you review?"})
	require.NoError(t, err)

	svc.MessageFanout(ctx, conv, msg, "Alice")

	bob := emitter.sentTo("bob")
	require.Len(t, bob, 1)
	assert.Equal(t, store.NotifyMention, decodeNotification(t, bob[0]).Kind)

	cara := emitter.sentTo("cara")
	require.Len(t, cara, 1)
	assert.Equal(t, store.NotifyNewMessage, decodeNotification(t, cara[0]).Kind)
}

func TestMention_IsCaseInsensitiveWithBoundary(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	assert.True(t, svc.isMentioned(ctx, "bob", "hey @bob!"))
	assert.True(t, svc.isMentioned(ctx, "bob", "hey @BOB, hi"))
	assert.False(t, svc.isMentioned(ctx, "bob", "hey @bobby"))
	assert.False(t, svc.isMentioned(ctx, "bob", "no mention here"))
}

func TestPreview_KeepsRuneBoundaries(t *testing.T) {
	assert.Equal(t, "short", preview("short"))

	long := "a" + strings.Repeat("é", 100)
	got := preview(long)
	assert.True(t, utf8.ValidString(got), "truncation must not split a multi-byte rune")
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.LessOrEqual(t, len(got), 120+len("…"))
}

func TestCallMissed(t *testing.T) {
	svc, emitter, st := setup(t)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, store.ConversationDirect, "alice", []string{"bob"}, "", "")
	require.NoError(t, err)
	call, err := st.CreateCall(ctx, conv.ID, "alice", "bob", store.CallVideo)
	require.NoError(t, err)

	svc.CallMissed(ctx, call, "Alice")

	got := emitter.sentTo("bob")
	require.Len(t, got, 1)
	n := decodeNotification(t, got[0])
	assert.Equal(t, store.NotifyCallMissed, n.Kind)
	assert.Contains(t, n.Title, "video")
}

func TestAIComplete_SkipsViewers(t *testing.T) {
	svc, emitter, st := setup(t)
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, store.ConversationAIChat, "alice", nil, "", "")
	require.NoError(t, err)

	msg, err := st.AppendMessage(ctx, &store.Message{ConversationID: conv.ID, Kind: store.MessageAIResponse, Content: "here is the answer"})
	require.NoError(t, err)

	svc.AIComplete(ctx, conv, msg)
	got := emitter.sentTo("alice")
	require.Len(t, got, 1)
	assert.Equal(t, store.NotifyAIComplete, decodeNotification(t, got[0]).Kind)

	// When the user is looking at the conversation, stay quiet.
	emitter.subscribe(registry.RoomConversation(conv.ID), "alice")
	svc.AIComplete(ctx, conv, msg)
	assert.Len(t, emitter.sentTo("alice"), 1)
}
