// Package registry tracks live websocket connections and their room
// subscriptions. It is the single local routing table: every server-to-client
// event goes out through EmitToRoom, EmitToUser, or EmitToSocket. When a bus
// is configured, room and user emissions are mirrored to Redis so members
// connected to other nodes receive them too.
package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/harmonychat/harmony/internal/v1/bus"
	"github.com/harmonychat/harmony/internal/v1/events"
	"github.com/harmonychat/harmony/internal/v1/logging"
	"github.com/harmonychat/harmony/internal/v1/metrics"
)

// Sender is the transport half of a connection as seen by the registry.
// The gateway's client implements it; tests use lightweight fakes.
type Sender interface {
	Send(env events.Envelope) bool
	Close()
}

// RoomConversation names the shared room for a conversation.
func RoomConversation(convID string) string { return "conv:" + convID }

// RoomUser names a user's personal room, joined automatically on register.
func RoomUser(userID string) string { return "user:" + userID }

type socket struct {
	id     string
	userID string
	sender Sender
	rooms  map[string]struct{}
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	sockets map[string]*socket
	users   map[string]map[string]*socket
	rooms   map[string]map[string]*socket

	bus *bus.Service
}

// New creates a registry. busSvc may be nil for single-instance deployments.
func New(busSvc *bus.Service) *Registry {
	return &Registry{
		sockets: make(map[string]*socket),
		users:   make(map[string]map[string]*socket),
		rooms:   make(map[string]map[string]*socket),
		bus:     busSvc,
	}
}

// Register adds a connection and joins its personal room. Returns whether
// this is the user's first live socket.
func (r *Registry) Register(socketID, userID string, sender Sender) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &socket{
		id:     socketID,
		userID: userID,
		sender: sender,
		rooms:  make(map[string]struct{}),
	}
	r.sockets[socketID] = s

	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]*socket)
		r.users[userID] = set
		metrics.OnlineUsers.Inc()
	}
	first = len(set) == 0
	set[socketID] = s

	r.joinLocked(s, RoomUser(userID))
	return first
}

// Unregister removes a connection from every index. Returns the owning user
// and whether that was the user's last socket.
func (r *Registry) Unregister(socketID string) (userID string, wasLast bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sockets[socketID]
	if !ok {
		return "", false
	}
	delete(r.sockets, socketID)

	for roomID := range s.rooms {
		r.leaveLocked(s, roomID)
	}

	userID = s.userID
	if set, ok := r.users[userID]; ok {
		delete(set, socketID)
		if len(set) == 0 {
			delete(r.users, userID)
			metrics.OnlineUsers.Dec()
			wasLast = true
		}
	}
	return userID, wasLast
}

// RemoveUserFromRoom evicts every socket of a user from a room. Membership
// revocation uses this so a removed member stops receiving room broadcasts
// immediately, not at their next reconnect.
func (r *Registry) RemoveUserFromRoom(roomID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.users[userID] {
		r.leaveLocked(s, roomID)
	}
}

// JoinRoom subscribes a socket to a room.
func (r *Registry) JoinRoom(socketID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sockets[socketID]; ok {
		r.joinLocked(s, roomID)
	}
}

// LeaveRoom unsubscribes a socket from a room.
func (r *Registry) LeaveRoom(socketID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sockets[socketID]; ok {
		r.leaveLocked(s, roomID)
	}
}

func (r *Registry) joinLocked(s *socket, roomID string) {
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]*socket)
		r.rooms[roomID] = members
	}
	members[s.id] = s
	s.rooms[roomID] = struct{}{}
}

func (r *Registry) leaveLocked(s *socket, roomID string) {
	delete(s.rooms, roomID)
	if members, ok := r.rooms[roomID]; ok {
		delete(members, s.id)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

// EmitToRoom sends an envelope to every socket in the room, optionally
// skipping some socket ids, and mirrors it to other nodes.
func (r *Registry) EmitToRoom(ctx context.Context, roomID string, env events.Envelope, excludeSocketIDs ...string) {
	r.emitRoomLocal(roomID, env, excludeSocketIDs...)

	if r.bus != nil {
		if convID, ok := conversationOf(roomID); ok {
			if err := r.bus.PublishConversation(ctx, convID, env.Type, env.Data); err != nil {
				logging.Warn(ctx, "Bus publish failed", zap.String("room", roomID), zap.Error(err))
			}
		}
	}
}

// EmitToUser sends an envelope to all of a user's sockets and mirrors it to
// other nodes.
func (r *Registry) EmitToUser(ctx context.Context, userID string, env events.Envelope) {
	r.emitUserLocal(userID, env)

	if r.bus != nil {
		if err := r.bus.PublishUser(ctx, userID, env.Type, env.Data); err != nil {
			logging.Warn(ctx, "Bus publish failed", zap.String("user", userID), zap.Error(err))
		}
	}
}

// EmitToSocket sends an envelope to one specific connection.
func (r *Registry) EmitToSocket(socketID string, env events.Envelope) {
	r.mu.RLock()
	s, ok := r.sockets[socketID]
	r.mu.RUnlock()
	if ok {
		s.sender.Send(env)
		metrics.MessagesRouted.WithLabelValues("socket").Inc()
	}
}

func (r *Registry) emitRoomLocal(roomID string, env events.Envelope, excludeSocketIDs ...string) {
	r.mu.RLock()
	targets := make([]*socket, 0, len(r.rooms[roomID]))
	for id, s := range r.rooms[roomID] {
		if contains(excludeSocketIDs, id) {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.sender.Send(env)
	}
	if len(targets) > 0 {
		metrics.MessagesRouted.WithLabelValues("room").Add(float64(len(targets)))
	}
}

func (r *Registry) emitUserLocal(userID string, env events.Envelope) {
	r.mu.RLock()
	targets := make([]*socket, 0, len(r.users[userID]))
	for _, s := range r.users[userID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s.sender.Send(env)
	}
	if len(targets) > 0 {
		metrics.MessagesRouted.WithLabelValues("user").Add(float64(len(targets)))
	}
}

// RoomHasUser reports whether any of the user's sockets is subscribed to the
// room. Notification fan-out uses this to skip members actively viewing the
// conversation.
func (r *Registry) RoomHasUser(roomID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.rooms[roomID] {
		if s.userID == userID {
			return true
		}
	}
	return false
}

// IsUserOnline reports whether the user has at least one live socket on this
// node.
func (r *Registry) IsUserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// SocketUser returns the user owning a socket, if registered.
func (r *Registry) SocketUser(socketID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sockets[socketID]
	if !ok {
		return "", false
	}
	return s.userID, true
}

// StartBridge subscribes to the cluster channels and replays remote events
// to local sockets. No-op without a bus.
func (r *Registry) StartBridge(ctx context.Context, wg *sync.WaitGroup) {
	if r.bus == nil {
		return
	}

	r.bus.Subscribe(ctx, "chat:conv:*", wg, func(p bus.PubSubPayload) {
		env := events.Envelope{Type: p.Event, Data: p.Payload}
		r.emitRoomLocal(RoomConversation(p.ConversationID), env)
	})
	r.bus.Subscribe(ctx, "chat:user:*", wg, func(p bus.PubSubPayload) {
		env := events.Envelope{Type: p.Event, Data: p.Payload}
		r.emitUserLocal(p.TargetUserID, env)
	})
}

func conversationOf(roomID string) (string, bool) {
	const prefix = "conv:"
	if len(roomID) > len(prefix) && roomID[:len(prefix)] == prefix {
		return roomID[len(prefix):], true
	}
	return "", false
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
