package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrStoreUnavailable 表示写入器未注入缓存实例。
var ErrStoreUnavailable = errors.New("cache store unavailable")

// SnapshotWriter 在 Store 之上落实持久化规则：仅 GET 且状态码 200 的响应才会写入。
type SnapshotWriter struct {
	store Store
	now   func() time.Time
}

// NewSnapshotWriter 构造写入器，默认使用 time.Now 记录写入时间。
func NewSnapshotWriter(store Store) SnapshotWriter {
	return SnapshotWriter{
		store: store,
		now:   time.Now,
	}
}

// Enabled 返回当前是否具备缓存写入能力。
func (w SnapshotWriter) Enabled() bool {
	return w.store != nil
}

// Cacheable 判断请求方法与响应是否满足写入条件。
func Cacheable(method string, snapshot *Snapshot) bool {
	return method == http.MethodGet && snapshot.OK()
}

// Put 写入快照副本并回填 StoredAt；不满足写入条件时返回 false 且不触碰缓存。
func (w SnapshotWriter) Put(ctx context.Context, key Key, snapshot *Snapshot) (bool, error) {
	if w.store == nil {
		return false, ErrStoreUnavailable
	}
	if !Cacheable(key.Method, snapshot) {
		return false, nil
	}
	stored := snapshot.Clone()
	stored.StoredAt = w.now().UTC()
	if err := w.store.Put(ctx, key, stored); err != nil {
		return false, err
	}
	return true, nil
}
