// Package calls manages two-party call lifecycle and relays WebRTC
// signaling between the participants. The server never inspects SDP or ICE
// payloads; it only enforces who may exchange them and when. All state
// transitions go through the store's compare-and-swap so timer, disconnect,
// and user actions cannot double-fire.
package calls

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harmonychat/harmony/internal/v1/events"
	"github.com/harmonychat/harmony/internal/v1/logging"
	"github.com/harmonychat/harmony/internal/v1/metrics"
	"github.com/harmonychat/harmony/internal/v1/store"
)

// Emitter is the slice of the registry calls need: call events always
// target the two participants directly, never a room.
type Emitter interface {
	EmitToUser(ctx context.Context, userID string, env events.Envelope)
}

// Notifier records missed calls.
type Notifier interface {
	CallMissed(ctx context.Context, call *store.Call, callerName string)
}

// Service owns call timers and delegates state to the store.
type Service struct {
	store  *store.Store
	reg    Emitter
	notify Notifier

	ringTimeout    time.Duration
	reconnectGrace time.Duration

	mu        sync.Mutex
	ringing   map[string]*time.Timer // callID -> ring timeout
	reconnect map[string]*time.Timer // callID -> disconnect grace
}

// New creates the call service.
func New(st *store.Store, reg Emitter, notifier Notifier, ringTimeout, reconnectGrace time.Duration) *Service {
	return &Service{
		store:          st,
		reg:            reg,
		notify:         notifier,
		ringTimeout:    ringTimeout,
		reconnectGrace: reconnectGrace,
		ringing:        make(map[string]*time.Timer),
		reconnect:      make(map[string]*time.Timer),
	}
}

// Initiate starts a call: both parties must be members of the conversation
// and free of other live calls. The busy check rides inside CreateCall's
// transaction, so racing initiates cannot both land. The call rings until
// answered or the ring timeout marks it missed.
func (s *Service) Initiate(ctx context.Context, callerID string, p *events.CallInitiatePayload) (*store.Call, error) {
	if callerID == p.CalleeID {
		return nil, store.ErrInvalidArgument
	}

	for _, id := range []string{callerID, p.CalleeID} {
		if _, err := s.store.GetMembership(ctx, p.ConversationID, id); err != nil {
			return nil, err
		}
	}

	call, err := s.store.CreateCall(ctx, p.ConversationID, callerID, p.CalleeID, store.CallKind(p.Kind))
	if err != nil {
		return nil, err
	}
	call, err = s.store.TransitionCall(ctx, call.ID, store.CallInitiated, store.CallRinging)
	if err != nil {
		return nil, err
	}

	metrics.ActiveCalls.Inc()

	s.mu.Lock()
	s.ringing[call.ID] = time.AfterFunc(s.ringTimeout, func() {
		s.onRingTimeout(call.ID)
	})
	s.mu.Unlock()

	s.emitToBoth(ctx, call, events.New(events.EvtCallRinging, events.CallRingingEvent{
		CallID:         call.ID,
		ConversationID: call.ConversationID,
		CallerID:       call.CallerID,
		CalleeID:       call.CalleeID,
		Kind:           string(call.Kind),
	}))
	return call, nil
}

// Accept answers a ringing call. Callee only.
func (s *Service) Accept(ctx context.Context, userID, callID string) error {
	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if call.CalleeID != userID {
		return store.ErrForbidden
	}

	call, err = s.store.TransitionCall(ctx, callID, store.CallRinging, store.CallActive)
	if err != nil {
		return err
	}
	s.stopRingTimer(callID)

	s.emitToBoth(ctx, call, events.New(events.EvtCallAccepted, events.CallStateEvent{
		CallID: call.ID,
		State:  string(call.State),
	}))
	return nil
}

// Reject declines a ringing call. Callee only.
func (s *Service) Reject(ctx context.Context, userID, callID string) error {
	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if call.CalleeID != userID {
		return store.ErrForbidden
	}

	call, err = s.store.TransitionCall(ctx, callID, store.CallRinging, store.CallRejected)
	if err != nil {
		return err
	}
	s.finishCall(call.ID)

	s.emitToBoth(ctx, call, events.New(events.EvtCallRejected, events.CallStateEvent{
		CallID: call.ID,
		State:  string(call.State),
	}))
	return nil
}

// End hangs up. While ringing only the caller may end (the callee rejects);
// once active either participant may.
func (s *Service) End(ctx context.Context, userID, callID string) error {
	call, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if call.PeerOf(userID) == "" {
		return store.ErrForbidden
	}

	switch call.State {
	case store.CallRinging:
		if call.CallerID != userID {
			return store.ErrForbidden
		}
		call, err = s.store.TransitionCall(ctx, callID, store.CallRinging, store.CallEnded)
	case store.CallActive:
		call, err = s.store.TransitionCall(ctx, callID, store.CallActive, store.CallEnded)
	default:
		return store.ErrInvalidTransition
	}
	if err != nil {
		return err
	}
	s.finishCall(call.ID)

	s.emitToBoth(ctx, call, events.New(events.EvtCallEnded, events.CallStateEvent{
		CallID: call.ID,
		State:  string(call.State),
	}))
	return nil
}

// Relay forwards an opaque signaling payload to the other participant.
// Unknown call ids are dropped with a warning rather than erroring: stale
// candidates routinely arrive after a call ends.
func (s *Service) Relay(ctx context.Context, userID, callID, eventType string, payload json.RawMessage) error {
	call, err := s.store.GetCall(ctx, callID)
	if errors.Is(err, store.ErrNotFound) {
		logging.Warn(ctx, "Dropping signal for unknown call", zap.String("callId", callID))
		return nil
	}
	if err != nil {
		return err
	}

	peer := call.PeerOf(userID)
	if peer == "" {
		return store.ErrForbidden
	}

	if call.State != store.CallRinging && call.State != store.CallActive {
		logging.Debug(ctx, "Dropping signal for settled call",
			zap.String("callId", callID), zap.String("state", string(call.State)))
		return nil
	}

	metrics.SignalsRelayed.WithLabelValues(eventType).Inc()
	s.reg.EmitToUser(ctx, peer, events.Envelope{Type: eventType, Data: payload})
	return nil
}

// HandleDisconnect reacts to a participant's last socket dropping. A ringing
// call is settled immediately; an active call gets a grace period for the
// peer connection to survive a page refresh before the call is ended.
func (s *Service) HandleDisconnect(ctx context.Context, userID string) {
	call, err := s.store.ActiveCallForUser(ctx, userID)
	if err != nil {
		return
	}

	switch call.State {
	case store.CallRinging:
		if call.CallerID == userID {
			// Caller vanished mid-ring: the callee missed nothing, end it.
			if ended, err := s.store.TransitionCall(ctx, call.ID, store.CallRinging, store.CallEnded); err == nil {
				s.finishCall(call.ID)
				s.emitToBoth(ctx, ended, events.New(events.EvtCallEnded, events.CallStateEvent{
					CallID: ended.ID, State: string(ended.State),
				}))
			}
		} else {
			s.settleMissed(ctx, call.ID)
		}
	case store.CallActive:
		s.mu.Lock()
		if _, pending := s.reconnect[call.ID]; !pending {
			s.reconnect[call.ID] = time.AfterFunc(s.reconnectGrace, func() {
				s.onReconnectTimeout(call.ID)
			})
		}
		s.mu.Unlock()
	}
}

// HandleReconnect cancels a pending disconnect grace timer when a
// participant comes back.
func (s *Service) HandleReconnect(ctx context.Context, userID string) {
	call, err := s.store.ActiveCallForUser(ctx, userID)
	if err != nil {
		return
	}

	s.mu.Lock()
	if timer, ok := s.reconnect[call.ID]; ok {
		timer.Stop()
		delete(s.reconnect, call.ID)
	}
	s.mu.Unlock()
}

func (s *Service) onRingTimeout(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.settleMissed(ctx, callID)
}

func (s *Service) settleMissed(ctx context.Context, callID string) {
	call, err := s.store.TransitionCall(ctx, callID, store.CallRinging, store.CallMissed)
	if err != nil {
		// Lost the CAS to an accept, reject, or hangup.
		return
	}
	s.finishCall(call.ID)

	metrics.CallOutcomes.WithLabelValues(string(store.CallMissed)).Inc()
	s.emitToBoth(ctx, call, events.New(events.EvtCallEnded, events.CallStateEvent{
		CallID: call.ID,
		State:  string(call.State),
	}))

	callerName := "Someone"
	if u, err := s.store.GetUser(ctx, call.CallerID); err == nil && u.Name != "" {
		callerName = u.Name
	}
	s.notify.CallMissed(ctx, call, callerName)
}

func (s *Service) onReconnectTimeout(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	call, err := s.store.TransitionCall(ctx, callID, store.CallActive, store.CallEnded)
	if err != nil {
		return
	}
	s.finishCall(call.ID)

	metrics.CallOutcomes.WithLabelValues(string(store.CallEnded)).Inc()
	s.emitToBoth(ctx, call, events.New(events.EvtCallEnded, events.CallStateEvent{
		CallID: call.ID,
		State:  string(call.State),
	}))
}

// finishCall stops timers and updates gauges once a call reaches a terminal
// state.
func (s *Service) finishCall(callID string) {
	s.stopRingTimer(callID)

	s.mu.Lock()
	if timer, ok := s.reconnect[callID]; ok {
		timer.Stop()
		delete(s.reconnect, callID)
	}
	s.mu.Unlock()

	metrics.ActiveCalls.Dec()
}

func (s *Service) stopRingTimer(callID string) {
	s.mu.Lock()
	if timer, ok := s.ringing[callID]; ok {
		timer.Stop()
		delete(s.ringing, callID)
	}
	s.mu.Unlock()
}

func (s *Service) emitToBoth(ctx context.Context, call *store.Call, env events.Envelope) {
	s.reg.EmitToUser(ctx, call.CallerID, env)
	s.reg.EmitToUser(ctx, call.CalleeID, env)
}
