package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"

	"conclave/pkg/config"
	"conclave/pkg/logx"
)

const defaultRedisPrefix = "conclave"

// RedisStore keeps one JSON value per agent under <prefix>:agent:<id> plus
// a set of known ids under <prefix>:agents.
type RedisStore struct {
	client *redis.Client
	logger *logx.Logger
	prefix string
}

// OpenRedis connects to the server described by cfg and verifies it with a ping.
func OpenRedis(ctx context.Context, cfg *config.RedisConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}
	return NewRedisStore(rdb, cfg.KeyPrefix), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	logger := logx.NewLogger("persistence")
	logger.Info("📦 Snapshot store using redis (prefix %s)", prefix)
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

func (s *RedisStore) agentKey(agentID string) string {
	return s.prefix + ":agent:" + agentID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":agents"
}

// Save writes the snapshot and indexes its id in one transaction.
func (s *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.agentKey(snap.AgentID), data, 0)
		pipe.SAdd(ctx, s.indexKey(), snap.AgentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", snap.AgentID, err)
	}
	return nil
}

// Load returns the snapshot saved for agentID.
func (s *RedisStore) Load(ctx context.Context, agentID string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, s.agentKey(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", agentID, err)
	}
	return decodeSnapshot(data)
}

// Delete removes the snapshot and its index entry.
func (s *RedisStore) Delete(ctx context.Context, agentID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.agentKey(agentID))
		pipe.SRem(ctx, s.indexKey(), agentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", agentID, err)
	}
	return nil
}

// List returns the indexed agent ids, sorted.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}
