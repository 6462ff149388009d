package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyralabs/companion-gateway/internal/config"
	"github.com/lyralabs/companion-gateway/internal/logger"
)

// HistoryStore persists conversation history between requests.
type HistoryStore interface {
	// Load returns the stored messages for a conversation, oldest first.
	// A missing conversation returns an empty slice.
	Load(ctx context.Context, conversationID string) ([]Message, error)
	// Append adds messages to the end of a conversation, trimming the
	// oldest entries beyond the retention limit.
	Append(ctx context.Context, conversationID string, messages ...Message) error
}

const historyKeyPrefix = "chat:history:"

// RedisHistory stores conversation history in a Redis list, one JSON
// message per element.
type RedisHistory struct {
	client     *redis.Client
	maxHistory int64
	ttl        time.Duration
	logger     *logger.ComponentLogger
}

// NewRedisHistory creates a Redis-backed history store and verifies
// connectivity.
func NewRedisHistory(ctx context.Context, cfg *config.ChatConfig) (*RedisHistory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	maxHistory := int64(cfg.MaxHistory)
	if maxHistory <= 0 {
		maxHistory = 20
	}

	return &RedisHistory{
		client:     client,
		maxHistory: maxHistory,
		ttl:        cfg.HistoryTTL,
		logger:     logger.Get().WithComponent("chat.history"),
	}, nil
}

func historyKey(conversationID string) string {
	return historyKeyPrefix + conversationID
}

// Load returns the conversation's messages, oldest first.
func (s *RedisHistory) Load(ctx context.Context, conversationID string) ([]Message, error) {
	raw, err := s.client.LRange(ctx, historyKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation history: %w", err)
	}

	messages := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			s.logger.Warn("skipping malformed history entry", logger.Fields{
				"conversation_id": conversationID,
				"error":           err.Error(),
			})
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Append adds messages to the conversation, trims the list to the
// retention limit, and refreshes the TTL.
func (s *RedisHistory) Append(ctx context.Context, conversationID string, messages ...Message) error {
	if len(messages) == 0 {
		return nil
	}

	key := historyKey(conversationID)
	values := make([]interface{}, 0, len(messages))
	for _, msg := range messages {
		encoded, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode history entry: %w", err)
		}
		values = append(values, encoded)
	}

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, -s.maxHistory, -1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append conversation history: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (s *RedisHistory) Close() error {
	return s.client.Close()
}
