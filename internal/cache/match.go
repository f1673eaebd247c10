package cache

import (
	"context"
	"errors"
	"fmt"
)

// MatchAny 按 Keys 顺序在所有已存在的缓存中查找请求，返回首个命中及其缓存名称。
// 单个缓存读取失败不会中断查找；全部未命中时，若出现过读取错误则返回合并后的错误，否则返回 ErrNotFound。
func MatchAny(ctx context.Context, storage Storage, key Key) (*Snapshot, string, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, "", err
	}
	var errs []error
	for _, name := range names {
		snapshot, err := MatchIn(ctx, storage, name, key)
		if err == nil {
			return snapshot, name, nil
		}
		if !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("match %s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return nil, "", errors.Join(errs...)
	}
	return nil, "", ErrNotFound
}

// MatchIn 仅在名称已存在时查找，避免查询过程顺带创建空缓存。
func MatchIn(ctx context.Context, storage Storage, name string, key Key) (*Snapshot, error) {
	exists, err := storage.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}
	store, err := storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return store.Match(ctx, key)
}
