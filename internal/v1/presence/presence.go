// Package presence maintains online/offline status and typing indicators.
// Online state is derived from live sockets: the first socket broadcasts
// user-online, and the last disconnect starts a grace timer so brief
// reconnects (page refresh, network blip) do not flap presence.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harmonychat/harmony/internal/v1/bus"
	"github.com/harmonychat/harmony/internal/v1/events"
	"github.com/harmonychat/harmony/internal/v1/logging"
	"github.com/harmonychat/harmony/internal/v1/registry"
	"github.com/harmonychat/harmony/internal/v1/store"
)

// onlineSetKey is the cluster-wide Redis set of online user ids.
const onlineSetKey = "chat:online"

// Emitter is the slice of the registry presence needs.
type Emitter interface {
	EmitToRoom(ctx context.Context, roomID string, env events.Envelope, excludeSocketIDs ...string)
}

type typingKey struct {
	convID string
	userID string
}

// Service tracks presence and typing state. All mutations of the timer and
// typing maps go through one mutex so per-user transitions are serialized.
type Service struct {
	reg   Emitter
	store *store.Store
	bus   *bus.Service

	grace        time.Duration
	typingExpiry time.Duration

	mu      sync.Mutex
	offline map[string]*time.Timer
	typing  map[typingKey]time.Time
}

// New creates the presence service. busSvc may be nil.
func New(reg Emitter, st *store.Store, busSvc *bus.Service, grace, typingExpiry time.Duration) *Service {
	return &Service{
		reg:          reg,
		store:        st,
		bus:          busSvc,
		grace:        grace,
		typingExpiry: typingExpiry,
		offline:      make(map[string]*time.Timer),
		typing:       make(map[typingKey]time.Time),
	}
}

// HandleConnect is called when a user's first socket registers. A pending
// offline timer means the user reconnected within the grace period: cancel
// it silently, the offline broadcast never went out. Otherwise announce
// user-online to every conversation the user belongs to.
func (s *Service) HandleConnect(ctx context.Context, userID string) {
	s.mu.Lock()
	timer, pending := s.offline[userID]
	if pending {
		timer.Stop()
		delete(s.offline, userID)
	}
	s.mu.Unlock()

	if err := s.bus.SetAdd(ctx, onlineSetKey, userID); err != nil {
		logging.Warn(ctx, "Failed to add user to online set", zap.Error(err))
	}

	if pending {
		logging.Debug(ctx, "User reconnected within grace period", zap.String("userId", userID))
		return
	}

	s.broadcastPresence(ctx, userID, events.PresenceEvent{
		UserID:   userID,
		IsOnline: true,
	}, events.EvtUserOnline)
}

// HandleDisconnect is called when a user's last socket unregisters. It arms
// the grace timer; if it expires without a reconnect the user goes offline,
// lastSeenAt is persisted, and user-offline is broadcast.
func (s *Service) HandleDisconnect(ctx context.Context, userID string) {
	s.mu.Lock()
	if timer, ok := s.offline[userID]; ok {
		timer.Stop()
	}
	s.offline[userID] = time.AfterFunc(s.grace, func() {
		s.goOffline(userID)
	})
	s.mu.Unlock()
}

func (s *Service) goOffline(userID string) {
	s.mu.Lock()
	delete(s.offline, userID)
	// Any typing indicators the user left behind expire with them.
	for key := range s.typing {
		if key.userID == userID {
			delete(s.typing, key)
		}
	}
	s.mu.Unlock()

	// Detached from the connection context; the socket is long gone.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	if err := s.store.TouchLastSeen(ctx, userID, now); err != nil {
		logging.Error(ctx, "Failed to persist last seen", zap.String("userId", userID), zap.Error(err))
	}
	if err := s.bus.SetRem(ctx, onlineSetKey, userID); err != nil {
		logging.Warn(ctx, "Failed to remove user from online set", zap.Error(err))
	}

	s.broadcastPresence(ctx, userID, events.PresenceEvent{
		UserID:     userID,
		IsOnline:   false,
		LastSeenAt: &now,
	}, events.EvtUserOffline)
}

func (s *Service) broadcastPresence(ctx context.Context, userID string, payload events.PresenceEvent, eventType string) {
	convIDs, err := s.store.ListUserConversationIDs(ctx, userID)
	if err != nil {
		logging.Error(ctx, "Failed to list conversations for presence broadcast",
			zap.String("userId", userID), zap.Error(err))
		return
	}

	env := events.New(eventType, payload)
	for _, convID := range convIDs {
		s.reg.EmitToRoom(ctx, registry.RoomConversation(convID), env)
	}
}

// TypingStart marks the user as typing in the conversation and tells the
// other members. Repeated calls refresh the expiry.
func (s *Service) TypingStart(ctx context.Context, convID, userID string, excludeSocketIDs ...string) {
	key := typingKey{convID: convID, userID: userID}

	s.mu.Lock()
	_, already := s.typing[key]
	s.typing[key] = time.Now().Add(s.typingExpiry)
	s.mu.Unlock()

	if already {
		return // refresh only, members already know
	}

	s.reg.EmitToRoom(ctx, registry.RoomConversation(convID), events.New(events.EvtTyping, events.TypingEvent{
		ConversationID: convID,
		UserID:         userID,
		IsTyping:       true,
	}), excludeSocketIDs...)
}

// TypingStop clears the typing indicator immediately.
func (s *Service) TypingStop(ctx context.Context, convID, userID string, excludeSocketIDs ...string) {
	key := typingKey{convID: convID, userID: userID}

	s.mu.Lock()
	_, active := s.typing[key]
	delete(s.typing, key)
	s.mu.Unlock()

	if !active {
		return
	}

	s.reg.EmitToRoom(ctx, registry.RoomConversation(convID), events.New(events.EvtTyping, events.TypingEvent{
		ConversationID: convID,
		UserID:         userID,
		IsTyping:       false,
	}), excludeSocketIDs...)
}

// Run sweeps expired typing indicators until the context is cancelled.
// Clients that vanish mid-keystroke stop "typing" within a second of expiry.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(ctx, now)
		}
	}
}

func (s *Service) sweep(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var expired []typingKey
	for key, deadline := range s.typing {
		if now.After(deadline) {
			expired = append(expired, key)
			delete(s.typing, key)
		}
	}
	s.mu.Unlock()

	for _, key := range expired {
		s.reg.EmitToRoom(ctx, registry.RoomConversation(key.convID), events.New(events.EvtTyping, events.TypingEvent{
			ConversationID: key.convID,
			UserID:         key.userID,
			IsTyping:       false,
		}))
	}
}

// IsTyping reports whether the user currently has an unexpired typing
// indicator in the conversation.
func (s *Service) IsTyping(convID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.typing[typingKey{convID: convID, userID: userID}]
	return ok && time.Now().Before(deadline)
}
