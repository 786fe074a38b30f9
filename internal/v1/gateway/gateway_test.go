package gateway

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harmonychat/harmony/internal/v1/auth"
	"github.com/harmonychat/harmony/internal/v1/calls"
	"github.com/harmonychat/harmony/internal/v1/chat"
	"github.com/harmonychat/harmony/internal/v1/config"
	"github.com/harmonychat/harmony/internal/v1/events"
	"github.com/harmonychat/harmony/internal/v1/logging"
	"github.com/harmonychat/harmony/internal/v1/presence"
	"github.com/harmonychat/harmony/internal/v1/ratelimit"
	"github.com/harmonychat/harmony/internal/v1/registry"
	"github.com/harmonychat/harmony/internal/v1/store"
)

type noopNotifier struct{}

func (noopNotifier) MessageFanout(ctx context.Context, conv *store.Conversation, msg *store.Message, senderName string) {
}
func (noopNotifier) CallMissed(ctx context.Context, call *store.Call, callerName string) {}

// fakeConn feeds queued frames to the read pump and records writes.
type fakeConn struct {
	mu     sync.Mutex
	wrote  [][]byte
	frames chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.frames
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, data, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wrote = append(f.wrote, data)
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

type fixture struct {
	hub    *Hub
	store  *store.Store
	reg    *registry.Registry
	convID string
}

func setup(t *testing.T, eventRate string) *fixture {
	t.Helper()
	logging.Initialize(true)

	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.UpsertUser(ctx, "alice", "a@example.com", "Alice", ""))
	require.NoError(t, st.UpsertUser(ctx, "bob", "b@example.com", "Bob", ""))
	require.NoError(t, st.UpsertUser(ctx, "carol", "c@example.com", "Carol", ""))
	conv, err := st.CreateConversation(ctx, store.ConversationDirect, "alice", []string{"bob"}, "", "")
	require.NoError(t, err)

	reg := registry.New(nil)
	pres := presence.New(reg, st, nil, time.Minute, time.Minute)
	chatSvc := chat.New(st, reg, noopNotifier{}, nil)
	callSvc := calls.New(st, reg, noopNotifier{}, time.Minute, time.Minute)

	limiter, err := ratelimit.NewRateLimiter(&config.Config{
		RateLimitWsIP:     "100-M",
		RateLimitWsUser:   "100-M",
		RateLimitWsEvents: eventRate,
	}, nil)
	require.NoError(t, err)

	hub := NewHub(&auth.MockValidator{}, reg, pres, chatSvc, nil, callSvc, st,
		limiter, []string{"http://localhost:3000"}, 5*time.Second)
	return &fixture{hub: hub, store: st, reg: reg, convID: conv.ID}
}

// connect registers a dispatch-level client without running the pumps.
func (f *fixture) connect(t *testing.T, socketID, userID string) *Client {
	t.Helper()
	c := newClient(f.hub, newFakeConn(), socketID, userID)
	f.reg.Register(socketID, userID, c)
	return c
}

// drain collects everything currently queued for the client.
func drain(c *Client) []events.Envelope {
	var out []events.Envelope
	for {
		select {
		case env := <-c.send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func ofType(envs []events.Envelope, eventType string) []events.Envelope {
	var out []events.Envelope
	for _, env := range envs {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestDispatch_SendMessage_AcksAndBroadcasts(t *testing.T) {
	f := setup(t, "100-M")
	c := f.connect(t, "sock-1", "alice")
	ctx := context.Background()

	f.hub.dispatch(ctx, c, events.Envelope{
		Type: events.EvtJoinConversation,
		Data: raw(t, events.JoinConversationPayload{ConversationID: f.convID}),
	})
	drain(c)

	f.hub.dispatch(ctx, c, events.Envelope{
		Type:      events.EvtSendMessage,
		Data:      raw(t, events.SendMessagePayload{ConversationID: f.convID, Content: "hello"}),
		MessageID: "m1",
	})

	got := drain(c)
	require.Len(t, ofType(got, events.EvtNewMessage), 1)

	acks := ofType(got, events.EvtAck)
	require.Len(t, acks, 1)
	var ack events.AckPayload
	require.NoError(t, json.Unmarshal(acks[0].Data, &ack))
	assert.True(t, ack.Success)
	assert.Equal(t, "m1", ack.MessageID)
}

func TestDispatch_RetryReplaysAck(t *testing.T) {
	f := setup(t, "100-M")
	c := f.connect(t, "sock-1", "alice")
	ctx := context.Background()

	env := events.Envelope{
		Type:      events.EvtSendMessage,
		Data:      raw(t, events.SendMessagePayload{ConversationID: f.convID, Content: "once"}),
		MessageID: "retry-1",
	}
	f.hub.dispatch(ctx, c, env)
	drain(c)

	f.hub.dispatch(ctx, c, env)
	got := drain(c)
	require.Len(t, ofType(got, events.EvtAck), 1)

	// The handler did not run twice.
	msgs, err := f.store.ListHistory(ctx, f.convID, nil, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestDispatch_NonMemberGetsUnauthorized(t *testing.T) {
	f := setup(t, "100-M")
	c := f.connect(t, "sock-1", "carol")
	ctx := context.Background()

	f.hub.dispatch(ctx, c, events.Envelope{
		Type:      events.EvtSendMessage,
		Data:      raw(t, events.SendMessagePayload{ConversationID: f.convID, Content: "hi"}),
		MessageID: "m1",
	})

	got := drain(c)
	errs := ofType(got, events.EvtError)
	require.Len(t, errs, 1)
	var ep events.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[0].Data, &ep))
	assert.Equal(t, events.KindUnauthorized, ep.Kind)
	assert.Equal(t, "m1", ep.Ref)

	acks := ofType(got, events.EvtAck)
	require.Len(t, acks, 1)
	var ack events.AckPayload
	require.NoError(t, json.Unmarshal(acks[0].Data, &ack))
	assert.False(t, ack.Success)
	require.NotNil(t, ack.Error)
	assert.Equal(t, events.KindUnauthorized, ack.Error.Kind)
}

func TestDispatch_UnknownEvent(t *testing.T) {
	f := setup(t, "100-M")
	c := f.connect(t, "sock-1", "alice")

	f.hub.dispatch(context.Background(), c, events.Envelope{Type: "no-such-event"})

	got := drain(c)
	errs := ofType(got, events.EvtError)
	require.Len(t, errs, 1)
	var ep events.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[0].Data, &ep))
	assert.Equal(t, events.KindInvalidArgument, ep.Kind)
}

func TestDispatch_InvalidPayload(t *testing.T) {
	f := setup(t, "100-M")
	c := f.connect(t, "sock-1", "alice")

	// Missing required conversationId.
	f.hub.dispatch(context.Background(), c, events.Envelope{
		Type: events.EvtJoinConversation,
		Data: json.RawMessage(`{}`),
	})

	got := drain(c)
	errs := ofType(got, events.EvtError)
	require.Len(t, errs, 1)
	var ep events.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[0].Data, &ep))
	assert.Equal(t, events.KindInvalidArgument, ep.Kind)
}

func TestDispatch_FetchHistory(t *testing.T) {
	f := setup(t, "100-M")
	c := f.connect(t, "sock-1", "alice")
	ctx := context.Background()

	sender := "alice"
	for _, content := range []string{"one", "two", "three"} {
		_, err := f.store.AppendMessage(ctx, &store.Message{
			ConversationID: f.convID, SenderID: &sender, Content: content,
		})
		require.NoError(t, err)
	}

	f.hub.dispatch(ctx, c, events.Envelope{
		Type: events.EvtFetchHistory,
		Data: raw(t, events.FetchHistoryPayload{ConversationID: f.convID, Limit: 10}),
	})

	got := drain(c)
	pages := ofType(got, events.EvtHistory)
	require.Len(t, pages, 1)
	var page events.HistoryEvent
	require.NoError(t, json.Unmarshal(pages[0].Data, &page))
	assert.Equal(t, f.convID, page.ConversationID)
	assert.False(t, page.HasMore)
	msgs, ok := page.Messages.([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 3)
}

func TestDispatch_TypingExcludesSenderSocket(t *testing.T) {
	f := setup(t, "100-M")
	alice := f.connect(t, "sock-a", "alice")
	bob := f.connect(t, "sock-b", "bob")
	ctx := context.Background()

	room := raw(t, events.JoinConversationPayload{ConversationID: f.convID})
	f.hub.dispatch(ctx, alice, events.Envelope{Type: events.EvtJoinConversation, Data: room})
	f.hub.dispatch(ctx, bob, events.Envelope{Type: events.EvtJoinConversation, Data: room})
	drain(alice)
	drain(bob)

	f.hub.dispatch(ctx, alice, events.Envelope{
		Type: events.EvtTypingStart,
		Data: raw(t, events.TypingPayload{ConversationID: f.convID}),
	})

	assert.Empty(t, ofType(drain(alice), events.EvtTyping))
	bobGot := ofType(drain(bob), events.EvtTyping)
	require.Len(t, bobGot, 1)
	var typing events.TypingEvent
	require.NoError(t, json.Unmarshal(bobGot[0].Data, &typing))
	assert.Equal(t, "alice", typing.UserID)
	assert.True(t, typing.IsTyping)
}

func TestDispatch_EventRateLimit(t *testing.T) {
	f := setup(t, "2-M")
	c := f.connect(t, "sock-1", "alice")
	ctx := context.Background()

	env := events.Envelope{
		Type: events.EvtFetchHistory,
		Data: raw(t, events.FetchHistoryPayload{ConversationID: f.convID}),
	}
	f.hub.dispatch(ctx, c, env)
	f.hub.dispatch(ctx, c, env)
	drain(c)

	f.hub.dispatch(ctx, c, env)
	got := drain(c)
	errs := ofType(got, events.EvtError)
	require.Len(t, errs, 1)
	var ep events.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[0].Data, &ep))
	assert.Equal(t, events.KindRateLimited, ep.Kind)
}

func TestDispatch_StopGenerationWithoutAssistant(t *testing.T) {
	f := setup(t, "100-M")
	c := f.connect(t, "sock-1", "alice")

	f.hub.dispatch(context.Background(), c, events.Envelope{
		Type: events.EvtStopGeneration,
		Data: raw(t, events.StopGenerationPayload{ConversationID: f.convID}),
	})

	got := drain(c)
	errs := ofType(got, events.EvtError)
	require.Len(t, errs, 1)
	var ep events.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[0].Data, &ep))
	assert.Equal(t, events.KindInvalidArgument, ep.Kind)
}

func TestDispatch_RemovedMemberStopsReceiving(t *testing.T) {
	f := setup(t, "100-M")
	alice := f.connect(t, "sock-a", "alice")
	bob := f.connect(t, "sock-b", "bob")
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, store.ConversationGroup, "alice", []string{"bob"}, "team", "")
	require.NoError(t, err)

	room := raw(t, events.JoinConversationPayload{ConversationID: conv.ID})
	f.hub.dispatch(ctx, alice, events.Envelope{Type: events.EvtJoinConversation, Data: room})
	f.hub.dispatch(ctx, bob, events.Envelope{Type: events.EvtJoinConversation, Data: room})
	drain(alice)
	drain(bob)

	f.hub.dispatch(ctx, alice, events.Envelope{
		Type: events.EvtRemoveMember,
		Data: raw(t, events.MemberPayload{ConversationID: conv.ID, UserID: "bob"}),
	})
	// Bob sees his own removal, announced before the eviction.
	require.Len(t, ofType(drain(bob), events.EvtGroupMemberRemoved), 1)

	f.hub.dispatch(ctx, alice, events.Envelope{
		Type: events.EvtSendMessage,
		Data: raw(t, events.SendMessagePayload{ConversationID: conv.ID, Content: "secret"}),
	})

	require.Len(t, ofType(drain(alice), events.EvtNewMessage), 1)
	assert.Empty(t, ofType(drain(bob), events.EvtNewMessage), "removed member must not receive room traffic")
}

func TestClientSend_ConcurrentWithClose(t *testing.T) {
	f := setup(t, "100-M")
	env := events.New(events.EvtTyping, events.TypingEvent{})

	// Hammer Send against a racing Close: a send on the closed channel
	// would panic and fail the test.
	for i := 0; i < 25; i++ {
		c := newClient(f.hub, newFakeConn(), "sock-race", "alice")

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					c.Send(env)
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close()
		}()
		wg.Wait()

		assert.False(t, c.Send(env), "send after close must report failure")
	}
}

func TestClientSend_OverflowClosesSocket(t *testing.T) {
	f := setup(t, "100-M")
	c := newClient(f.hub, newFakeConn(), "sock-1", "alice")

	env := events.New(events.EvtTyping, events.TypingEvent{})
	for i := 0; i < sendBuffer; i++ {
		require.True(t, c.Send(env))
	}

	// Buffer full with no pump draining it: the socket is closed.
	assert.False(t, c.Send(env))
	assert.False(t, c.Send(env))
}

func TestHandleConnection_PumpsAndDisconnect(t *testing.T) {
	f := setup(t, "100-M")
	conn := newFakeConn()

	claims := &auth.CustomClaims{Name: "Dave", Email: "d@example.com"}
	claims.Subject = "dave"
	f.hub.HandleConnection(context.Background(), conn, claims)

	// Profile mirrored from the token.
	assert.Eventually(t, func() bool {
		u, err := f.store.GetUser(context.Background(), "dave")
		return err == nil && u.Name == "Dave"
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.reg.IsUserOnline("dave"))

	// A frame flows through dispatch to the write pump.
	frame, err := json.Marshal(events.Envelope{Type: "bogus"})
	require.NoError(t, err)
	conn.frames <- frame

	assert.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.wrote) > 0
	}, time.Second, 5*time.Millisecond)

	// Closing the read side unregisters the client.
	close(conn.frames)
	assert.Eventually(t, func() bool {
		return !f.reg.IsUserOnline("dave")
	}, time.Second, 5*time.Millisecond)
}
