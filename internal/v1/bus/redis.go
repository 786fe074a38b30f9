// Package bus bridges gateway instances over Redis Pub/Sub so that events
// reach members connected to other nodes. Every method degrades gracefully:
// with no Redis configured the service is nil and all calls are no-ops, and
// a circuit breaker sheds load when Redis misbehaves.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/harmonychat/harmony/internal/v1/metrics"
)

// PubSubPayload is the container for events moving between nodes.
type PubSubPayload struct {
	ConversationID string          `json:"conversationId,omitempty"`
	TargetUserID   string          `json:"targetUserId,omitempty"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	OriginID       string          `json:"originId"` // publishing node, used to prevent echo
}

// Service handles all interaction with Redis.
type Service struct {
	client   *redis.Client
	cb       *gobreaker.CircuitBreaker
	originID string
}

// Client returns the underlying Redis client, used by the rate limiter to
// share state across nodes.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// OriginID identifies this node in published payloads.
func (s *Service) OriginID() string {
	if s == nil {
		return ""
	}
	return s.originID
}

// NewService connects to Redis and wraps it in a circuit breaker. originID
// identifies this node; subscribers drop payloads carrying their own origin.
func NewService(addr, password, originID string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to Redis Pub/Sub", "addr", addr)
	return &Service{
		client:   rdb,
		cb:       gobreaker.NewCircuitBreaker(st),
		originID: originID,
	}, nil
}

// PublishConversation broadcasts an event to other nodes holding members of
// the conversation. Channel schema: "chat:conv:{id}".
func (s *Service) PublishConversation(ctx context.Context, convID, event string, payload any) error {
	if s == nil || s.client == nil {
		return nil // single-instance mode
	}
	return s.publish(ctx, fmt.Sprintf("chat:conv:%s", convID), PubSubPayload{
		ConversationID: convID,
		Event:          event,
		OriginID:       s.originID,
	}, payload)
}

// PublishUser sends an event to a specific user's sockets on other nodes.
// Channel schema: "chat:user:{id}".
func (s *Service) PublishUser(ctx context.Context, userID, event string, payload any) error {
	if s == nil || s.client == nil {
		return nil // single-instance mode
	}
	return s.publish(ctx, fmt.Sprintf("chat:user:%s", userID), PubSubPayload{
		TargetUserID: userID,
		Event:        event,
		OriginID:     s.originID,
	}, payload)
}

func (s *Service) publish(ctx context.Context, channel string, msg PubSubPayload, payload any) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inner payload: %w", err)
		}
		msg.Payload = innerBytes

		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pubsub envelope: %w", err)
		}

		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: dropping publish", "channel", channel)
			return nil // graceful degradation: local delivery still happened
		}
		slog.Error("Redis Publish Failed", "channel", channel, "error", err)
		return err
	}

	return nil
}

// Subscribe starts a background goroutine listening on a channel pattern.
// Payloads originating from this node are dropped before reaching handler.
func (s *Service) Subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func(PubSubPayload)) {
	if s == nil || s.client == nil {
		return // single-instance mode
	}

	pubsub := s.client.PSubscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		slog.Info("Subscribed to Redis channel", "channel", channel)

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					slog.Warn("Redis subscription channel closed", "channel", channel)
					return
				}

				var payload PubSubPayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					slog.Error("Failed to unmarshal Redis message", "error", err, "raw", msg.Payload)
					continue
				}

				if payload.OriginID == s.originID {
					continue // our own publish echoed back
				}

				handler(payload)
			}
		}
	}()
}

// Ping checks Redis connectivity, used by the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil // single-instance mode
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// SetAdd adds a member to a Redis set. Presence uses this to keep the
// cluster-wide online-user set.
func (s *Service) SetAdd(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping SetAdd", "key", key)
			return nil // graceful degradation
		}
		slog.Error("Redis SetAdd failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

// SetRem removes a member from a Redis set.
func (s *Service) SetRem(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: skipping SetRem", "key", key)
			return nil // graceful degradation
		}
		slog.Error("Redis SetRem failed", "key", key, "member", member, "error", err)
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

// SetMembers retrieves all members of a Redis set.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Redis Circuit Breaker Open: returning empty set members", "key", key)
			return nil, nil // graceful degradation
		}
		slog.Error("Redis SetMembers failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}
