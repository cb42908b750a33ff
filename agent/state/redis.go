package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	contractx "github.com/opentender-lab/tenderdesk/agent/contract"
	"github.com/redis/go-redis/v9"
)

// RedisStore persists conversation threads over a pooled Redis connection.
// Preferred over the REST store when the process is long-lived.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

var _ contractx.CheckpointStore = (*RedisStore)(nil)

type RedisConfig struct {
	Addr     string        `envconfig:"ADDR" split_words:"true" default:"localhost:6379"`
	Password string        `envconfig:"PASSWORD" split_words:"true"`
	DB       int           `envconfig:"DB" split_words:"true" default:"0"`
	TTL      time.Duration `envconfig:"TTL" split_words:"true" default:"168h"`
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping redis: %v", contractx.ErrTransient, err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultStoreTTL
	}

	return &RedisStore{
		client:    client,
		keyPrefix: defaultStoreKeyPrefix,
		ttl:       ttl,
	}, nil
}

func (s *RedisStore) Get(ctx context.Context, threadID string) (*contractx.Thread, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, ErrInvalidThreadID
	}

	raw, err := s.client.Get(ctx, s.keyPrefix+threadID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", contractx.ErrThreadNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis get: %v", contractx.ErrTransient, err)
	}

	var thread contractx.Thread
	if err := json.Unmarshal(raw, &thread); err != nil {
		return nil, fmt.Errorf("unmarshal thread: %w", err)
	}
	if strings.TrimSpace(thread.ThreadID) == "" {
		thread.ThreadID = threadID
	}
	return &thread, nil
}

func (s *RedisStore) Put(ctx context.Context, thread *contractx.Thread) error {
	if thread == nil {
		return ErrNilThread
	}
	if strings.TrimSpace(thread.ThreadID) == "" {
		return ErrInvalidThreadID
	}
	if thread.UpdatedAt.IsZero() {
		thread.UpdatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("marshal thread: %w", err)
	}

	if err := s.client.Set(ctx, s.keyPrefix+thread.ThreadID, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", contractx.ErrTransient, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return ErrInvalidThreadID
	}
	if err := s.client.Del(ctx, s.keyPrefix+threadID).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", contractx.ErrTransient, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
