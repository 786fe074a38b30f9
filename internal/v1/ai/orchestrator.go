package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harmonychat/harmony/internal/v1/events"
	"github.com/harmonychat/harmony/internal/v1/logging"
	"github.com/harmonychat/harmony/internal/v1/metrics"
	"github.com/harmonychat/harmony/internal/v1/registry"
	"github.com/harmonychat/harmony/internal/v1/store"
)

// ErrStreamBusy is returned when a conversation already has a live stream.
var ErrStreamBusy = errors.New("assistant is already responding in this conversation")

const (
	// Token batching: chunks go out every flush interval or once enough
	// tokens accumulate, whichever comes first.
	chunkFlushInterval = 50 * time.Millisecond
	chunkFlushTokens   = 32

	// contextWindow bounds how many recent messages form the prompt.
	contextWindow = 50
)

// Emitter is the slice of the registry the orchestrator needs.
type Emitter interface {
	EmitToRoom(ctx context.Context, roomID string, env events.Envelope, excludeSocketIDs ...string)
}

// Notifier delivers the completion notification.
type Notifier interface {
	AIComplete(ctx context.Context, conv *store.Conversation, msg *store.Message)
}

// Locker serializes message append+emit per conversation; implemented by the
// chat service so assistant messages use the same ordering lock as user
// messages.
type Locker interface {
	LockConversation(convID string) func()
}

type activeStream struct {
	messageID string
	cancel    context.CancelFunc
}

// Service orchestrates assistant streams, at most one per conversation.
type Service struct {
	store    *store.Store
	reg      Emitter
	notify   Notifier
	locker   Locker
	provider Provider

	streamCap time.Duration
	readIdle  time.Duration

	mu     sync.Mutex
	active map[string]*activeStream
	wg     sync.WaitGroup
}

// New creates the orchestrator. streamCap bounds a whole stream's wall-clock
// time; readIdle bounds the gap between consecutive tokens.
func New(st *store.Store, reg Emitter, notifier Notifier, locker Locker, provider Provider, streamCap, readIdle time.Duration) *Service {
	return &Service{
		store:     st,
		reg:       reg,
		notify:    notifier,
		locker:    locker,
		provider:  provider,
		streamCap: streamCap,
		readIdle:  readIdle,
		active:    make(map[string]*activeStream),
	}
}

// Enqueue starts a stream for the conversation. One stream per conversation:
// a second trigger while one is live gets ErrStreamBusy; the caller decides
// how to surface it so the rest of the room is not disturbed.
func (s *Service) Enqueue(ctx context.Context, convID, userID string) error {
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return err
	}

	turns, err := s.promptWindow(ctx, convID)
	if err != nil {
		return err
	}

	messageID := uuid.NewString()

	s.mu.Lock()
	if _, busy := s.active[convID]; busy {
		s.mu.Unlock()
		return ErrStreamBusy
	}
	streamCtx, cancel := context.WithTimeout(context.Background(), s.streamCap)
	s.active[convID] = &activeStream{messageID: messageID, cancel: cancel}
	s.mu.Unlock()

	metrics.ActiveAIStreams.Inc()
	s.reg.EmitToRoom(ctx, registry.RoomConversation(convID), events.New(events.EvtAIStreamStart, events.AIStreamStartEvent{
		ConversationID: convID,
		MessageID:      messageID,
	}))

	s.wg.Add(1)
	go s.run(streamCtx, cancel, conv, messageID, turns)
	return nil
}

// Cancel stops the conversation's live stream, discarding the partial
// response. Cancelling with no live stream is a no-op.
func (s *Service) Cancel(ctx context.Context, convID string) {
	s.mu.Lock()
	stream, ok := s.active[convID]
	s.mu.Unlock()
	if ok {
		stream.cancel()
	}
}

// Regenerate tombstones the last assistant response and streams a new one.
// Any member of the conversation may regenerate; assistant messages have no
// sender, so the tombstone skips the author check.
func (s *Service) Regenerate(ctx context.Context, convID, userID string) error {
	if _, err := s.store.GetConversation(ctx, convID); err != nil {
		return err
	}
	if _, err := s.store.GetMembership(ctx, convID, userID); err != nil {
		return err
	}

	last, err := s.store.LastAIResponse(ctx, convID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if last != nil {
		if _, err := s.store.TombstoneMessage(ctx, last.ID); err != nil {
			return err
		}
		s.reg.EmitToRoom(ctx, registry.RoomConversation(convID), events.New(events.EvtMessageDeleted, events.MessageDeletedEvent{
			ConversationID: convID,
			MessageID:      last.ID,
		}))
	}

	return s.Enqueue(ctx, convID, userID)
}

// Wait blocks until all live streams finish, used on shutdown and by tests.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) run(ctx context.Context, cancel context.CancelFunc, conv *store.Conversation, messageID string, turns []Turn) {
	defer s.wg.Done()
	defer cancel()
	defer metrics.ActiveAIStreams.Dec()
	defer func() {
		s.mu.Lock()
		delete(s.active, conv.ID)
		s.mu.Unlock()
	}()

	tokens, errs := s.provider.Stream(ctx, conv.SystemPrompt, turns)

	var (
		full          strings.Builder
		pending       strings.Builder
		pendingTokens int
		tokenCount    int
	)

	flush := func() {
		if pending.Len() == 0 {
			return
		}
		s.reg.EmitToRoom(ctx, registry.RoomConversation(conv.ID), events.New(events.EvtAIStreamChunk, events.AIStreamChunkEvent{
			ConversationID: conv.ID,
			MessageID:      messageID,
			Chunk:          pending.String(),
		}))
		pending.Reset()
		pendingTokens = 0
	}

	ticker := time.NewTicker(chunkFlushInterval)
	defer ticker.Stop()
	idle := time.NewTimer(s.readIdle)
	defer idle.Stop()

	for {
		select {
		case tok, ok := <-tokens:
			if !ok {
				flush()
				s.finish(conv, messageID, full.String(), tokenCount)
				return
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(s.readIdle)

			full.WriteString(tok)
			pending.WriteString(tok)
			tokenCount++
			pendingTokens++
			if pendingTokens >= chunkFlushTokens {
				flush()
			}

		case <-ticker.C:
			flush()

		case err := <-errs:
			metrics.AIStreamOutcomes.WithLabelValues("error").Inc()
			logging.Error(ctx, "AI stream failed", zap.String("conversationId", conv.ID), zap.Error(err))
			s.emitError(context.Background(), conv.ID, messageID, "assistant response failed")
			return

		case <-ctx.Done():
			// Either a stop-generation cancel or the wall-clock cap. The
			// partial response is discarded in both cases.
			outcome, msg := "cancelled", "cancelled"
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				outcome, msg = "timeout", "assistant response timed out"
			}
			metrics.AIStreamOutcomes.WithLabelValues(outcome).Inc()
			s.emitError(context.Background(), conv.ID, messageID, msg)
			return

		case <-idle.C:
			metrics.AIStreamOutcomes.WithLabelValues("timeout").Inc()
			logging.Warn(ctx, "AI stream idle timeout", zap.String("conversationId", conv.ID))
			s.emitError(context.Background(), conv.ID, messageID, "assistant stopped responding")
			return
		}
	}
}

// finish persists the response under the conversation lock and announces it:
// ai-stream-end closes the stream for clients, then new-message carries the
// durable record.
func (s *Service) finish(conv *store.Conversation, messageID, content string, tokenCount int) {
	ctx, cancelStore := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStore()

	unlock := s.locker.LockConversation(conv.ID)
	msg, err := s.store.AppendMessage(ctx, &store.Message{
		ID:             messageID,
		ConversationID: conv.ID,
		Kind:           store.MessageAIResponse,
		Content:        content,
		TokenCount:     &tokenCount,
	})
	if err != nil {
		unlock()
		metrics.AIStreamOutcomes.WithLabelValues("error").Inc()
		logging.Error(ctx, "Failed to persist AI response", zap.String("conversationId", conv.ID), zap.Error(err))
		s.emitError(ctx, conv.ID, messageID, "failed to save assistant response")
		return
	}

	room := registry.RoomConversation(conv.ID)
	s.reg.EmitToRoom(ctx, room, events.New(events.EvtAIStreamEnd, events.AIStreamEndEvent{
		ConversationID: conv.ID,
		MessageID:      messageID,
		FullContent:    content,
	}))
	s.reg.EmitToRoom(ctx, room, events.New(events.EvtNewMessage, msg))
	unlock()

	metrics.AIStreamOutcomes.WithLabelValues("completed").Inc()
	s.notify.AIComplete(ctx, conv, msg)
}

func (s *Service) emitError(ctx context.Context, convID, messageID, message string) {
	s.reg.EmitToRoom(ctx, registry.RoomConversation(convID), events.New(events.EvtAIStreamError, events.AIStreamErrorEvent{
		ConversationID: convID,
		MessageID:      messageID,
		Error:          message,
	}))
}

// promptWindow builds the provider prompt from recent history. Tombstones
// are excluded; assistant messages map to the assistant role.
func (s *Service) promptWindow(ctx context.Context, convID string) ([]Turn, error) {
	history, err := s.store.ListContext(ctx, convID, contextWindow)
	if err != nil {
		return nil, err
	}

	turns := make([]Turn, 0, len(history))
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		role := "user"
		if m.Kind == store.MessageAIResponse {
			role = "assistant"
		}
		turns = append(turns, Turn{Role: role, Content: m.Content})
	}
	return turns, nil
}
