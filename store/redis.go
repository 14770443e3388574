package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flhub/flhub/types"
)

// RedisConfig holds connection settings for the Redis-backed store.
type RedisConfig struct {
	Addr       string        `yaml:"addr" json:"addr"`
	Password   string        `yaml:"password" json:"password"`
	DB         int           `yaml:"db" json:"db"`
	KeyPrefix  string        `yaml:"key_prefix" json:"key_prefix"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	PoolSize   int           `yaml:"pool_size" json:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// DefaultRedisConfig returns sensible defaults for a local Redis.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:        "localhost:6379",
		KeyPrefix:   "flhub",
		MaxRetries:  3,
		PoolSize:    10,
		DialTimeout: 5 * time.Second,
	}
}

// RedisStore keeps session records as JSON values under
// "<prefix>:session:<node_id>", with a companion set "<prefix>:sessions"
// holding the known node IDs for listing.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:        config.Addr,
		Password:    config.Password,
		DB:          config.DB,
		MaxRetries:  config.MaxRetries,
		PoolSize:    config.PoolSize,
		DialTimeout: config.DialTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "flhub"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "redis_store")),
	}, nil
}

// NewRedisStoreFromClient wraps an existing client, mainly for tests.
func NewRedisStoreFromClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "flhub"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "redis_store")),
	}
}

func (s *RedisStore) recordKey(nodeID string) string {
	return s.prefix + ":session:" + nodeID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":sessions"
}

// Insert creates a new record, failing with ErrRecordExists on conflict.
func (s *RedisStore) Insert(ctx context.Context, record *types.NodeSessionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.recordKey(record.NodeID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	if !ok {
		return ErrRecordExists
	}
	if err := s.client.SAdd(ctx, s.indexKey(), record.NodeID).Err(); err != nil {
		return fmt.Errorf("failed to index record: %w", err)
	}
	return nil
}

// Update replaces an existing record.
func (s *RedisStore) Update(ctx context.Context, record *types.NodeSessionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.recordKey(record.NodeID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if !ok {
		return ErrRecordNotFound
	}
	return nil
}

// GetByNodeID returns the record for nodeID.
func (s *RedisStore) GetByNodeID(ctx context.Context, nodeID string) (*types.NodeSessionRecord, error) {
	data, err := s.client.Get(ctx, s.recordKey(nodeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	var record types.NodeSessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &record, nil
}

// Delete removes the record for nodeID; absent records are no-ops.
func (s *RedisStore) Delete(ctx context.Context, nodeID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.recordKey(nodeID))
	pipe.SRem(ctx, s.indexKey(), nodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// ListAll returns every record, ordered by node ID.
func (s *RedisStore) ListAll(ctx context.Context) ([]*types.NodeSessionRecord, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list record ids: %w", err)
	}
	out := make([]*types.NodeSessionRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.GetByNodeID(ctx, id)
		if errors.Is(err, ErrRecordNotFound) {
			// Set member without a value: a half-finished delete.
			// Drop the stale member and move on.
			if err := s.client.SRem(ctx, s.indexKey(), id).Err(); err != nil {
				s.logger.Warn("failed to drop stale index member",
					zap.String("node_id", id), zap.Error(err))
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	sortRecords(out)
	return out, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ RecordStore = (*RedisStore)(nil)
