package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisStorage 在共享 redis 客户端上构建一个站点命名空间。键布局：
//
//	<prefix><namespace>:stores          ZSET，member=缓存名称，score=创建时间
//	<prefix><namespace>:store:<name>    HASH，field=Key.String()，value=快照 JSON
func NewRedisStorage(client redis.UniversalClient, prefix, namespace string) (Storage, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	if namespace == "" {
		return nil, errors.New("redis namespace required")
	}
	return &redisStorage{
		client: client,
		prefix: prefix + namespace + ":",
		now:    time.Now,
	}, nil
}

type redisStorage struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

type redisStore struct {
	storage *redisStorage
	name    string
}

func (s *redisStorage) namesKey() string {
	return s.prefix + "stores"
}

func (s *redisStorage) storeKey(name string) string {
	return s.prefix + "store:" + name
}

func (s *redisStorage) register(ctx context.Context, pipe redis.Cmdable, name string) {
	pipe.ZAddNX(ctx, s.namesKey(), redis.Z{
		Score:  float64(s.now().UnixNano()),
		Member: name,
	})
}

func (s *redisStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := validateStoreName(name); err != nil {
		return nil, err
	}
	if err := s.client.ZAddNX(ctx, s.namesKey(), redis.Z{
		Score:  float64(s.now().UnixNano()),
		Member: name,
	}).Err(); err != nil {
		return nil, fmt.Errorf("redis open %s: %w", name, err)
	}
	return &redisStore{storage: s, name: name}, nil
}

func (s *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := s.client.ZScore(ctx, s.namesKey(), name).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	default:
		return false, err
	}
}

func (s *redisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.ZRange(ctx, s.namesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list stores: %w", err)
	}
	return names, nil
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.storeKey(name))
		removed = pipe.ZRem(ctx, s.namesKey(), name)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete store %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (r *redisStore) Name() string {
	return r.name
}

func (r *redisStore) Match(ctx context.Context, key Key) (*Snapshot, error) {
	raw, err := r.storage.client.HGet(ctx, r.storage.storeKey(r.name), key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis match: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snapshot, nil
}

func (r *redisStore) Put(ctx context.Context, key Key, snapshot *Snapshot) error {
	if snapshot == nil {
		return errors.New("nil snapshot")
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = r.storage.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.storage.register(ctx, pipe, r.name)
		pipe.HSet(ctx, r.storage.storeKey(r.name), key.String(), encoded)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (r *redisStore) Delete(ctx context.Context, key Key) (bool, error) {
	removed, err := r.storage.client.HDel(ctx, r.storage.storeKey(r.name), key.String()).Result()
	if err != nil {
		return false, fmt.Errorf("redis delete: %w", err)
	}
	return removed > 0, nil
}

func (r *redisStore) Keys(ctx context.Context) ([]Key, error) {
	fields, err := r.storage.client.HKeys(ctx, r.storage.storeKey(r.name)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}
	keys := make([]Key, 0, len(fields))
	for _, field := range fields {
		if key, ok := parseKey(field); ok {
			keys = append(keys, key)
		}
	}
	sortKeys(keys)
	return keys, nil
}

// NewRedisClient 解析 redis URL 并在 5s 内完成 ping。
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}
