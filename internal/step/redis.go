package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis checkpoint store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	// Prefix namespaces every key written by the store. Default "kodo:step".
	Prefix string
}

// RedisStore keeps checkpoints in Redis. Each checkpoint is a string key
// written with SET NX; a per-run set and a global sorted set (scored by
// creation time) index them for DeleteRun and Purge.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type redisCheckpoint struct {
	RunID     string    `json:"run_id"`
	Output    []byte    `json:"output"`
	CreatedAt time.Time `json:"created_at"`
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "kodo:step"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) checkpointKey(key string) string { return s.prefix + ":cp:" + key }
func (s *RedisStore) runKey(runID string) string     { return s.prefix + ":run:" + runID }
func (s *RedisStore) indexKey() string               { return s.prefix + ":index" }

func (s *RedisStore) Load(ctx context.Context, key string) (*Checkpoint, error) {
	raw, err := s.client.Get(ctx, s.checkpointKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var rc redisCheckpoint
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, fmt.Errorf("decoding redis checkpoint: %w", err)
	}
	return &Checkpoint{RunID: rc.RunID, Key: key, Output: rc.Output, CreatedAt: rc.CreatedAt}, nil
}

func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(redisCheckpoint{RunID: cp.RunID, Output: cp.Output, CreatedAt: cp.CreatedAt})
	if err != nil {
		return fmt.Errorf("encoding redis checkpoint: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.checkpointKey(cp.Key), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return ErrDuplicate
	}
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.runKey(cp.RunID), cp.Key)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(cp.CreatedAt.Unix()), Member: cp.RunID + "\x00" + cp.Key})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis index checkpoint: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteRun(ctx context.Context, runID string) error {
	keys, err := s.client.SMembers(ctx, s.runKey(runID)).Result()
	if err != nil {
		return fmt.Errorf("redis smembers: %w", err)
	}
	pipe := s.client.TxPipeline()
	for _, k := range keys {
		pipe.Del(ctx, s.checkpointKey(k))
		pipe.ZRem(ctx, s.indexKey(), runID+"\x00"+k)
	}
	pipe.Del(ctx, s.runKey(runID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete run: %w", err)
	}
	return nil
}

func (s *RedisStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	members, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zrangebyscore: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}
	pipe := s.client.TxPipeline()
	for _, m := range members {
		runID, key := splitMember(m)
		pipe.Del(ctx, s.checkpointKey(key))
		pipe.SRem(ctx, s.runKey(runID), key)
		pipe.ZRem(ctx, s.indexKey(), m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis purge: %w", err)
	}
	return int64(len(members)), nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func splitMember(m string) (runID, key string) {
	for i := 0; i < len(m); i++ {
		if m[i] == 0 {
			return m[:i], m[i+1:]
		}
	}
	return "", m
}

var _ Store = (*RedisStore)(nil)
