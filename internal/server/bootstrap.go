package server

import (
	"fmt"
	"path/filepath"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
)

// NewStorageFactory 按 StoreBackend 选择缓存后端，每个站点独占一个命名空间：
// fs 使用 <StoragePath>/<site>，redis 使用 <RedisKeyPrefix><site>:，memory 每站点一个实例。
// 返回的 closer 用于释放共享连接。
func NewStorageFactory(global config.GlobalConfig) (StorageFactory, func() error, error) {
	noop := func() error { return nil }

	switch global.StoreBackend {
	case config.BackendMemory:
		return func(string) (cache.Storage, error) {
			return cache.NewMemoryStorage(), nil
		}, noop, nil
	case config.BackendRedis:
		client, err := cache.NewRedisClient(global.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return func(site string) (cache.Storage, error) {
			return cache.NewRedisStorage(client, global.RedisKeyPrefix, site)
		}, client.Close, nil
	case config.BackendFS, "":
		return func(site string) (cache.Storage, error) {
			if err := config.ValidateSiteName(site); err != nil {
				return nil, err
			}
			return cache.NewFileStorage(filepath.Join(global.StoragePath, site))
		}, noop, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", global.StoreBackend)
	}
}
