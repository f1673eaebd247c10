package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
)

// networkFirst 优先走网络；失败时依次回退 runtime 缓存、壳缓存中的引导文档。
func (d *Dispatcher) networkFirst(ctx context.Context, req Request) (*cache.Snapshot, Source, error) {
	snapshot, fetchErr := d.fetcher.Fetch(ctx, req)
	if fetchErr == nil {
		d.storeRuntime(ctx, req.Key(), snapshot)
		return snapshot, SourceNetwork, nil
	}

	if cached := d.lookup(ctx, d.cfg.RuntimeStoreName(), req.Key()); cached != nil {
		return cached, SourceRuntime, nil
	}

	bootstrap, err := d.cfg.BootstrapURL()
	if err == nil {
		key := cache.NewKey(req.Method, bootstrap)
		for _, name := range []string{d.cfg.ShellStoreName(), d.cfg.RuntimeStoreName()} {
			if cached := d.lookup(ctx, name, key); cached != nil {
				return cached, SourceBootstrap, nil
			}
		}
	}
	return nil, "", errors.Join(fetchErr, ErrNoCachedResponse)
}

// staleWhileRevalidate 命中缓存时立即解决 pending，网络请求在后台继续并刷新 runtime 缓存。
func (d *Dispatcher) staleWhileRevalidate(ctx context.Context, req Request) (*cache.Snapshot, Source, error) {
	key := req.Key()
	cached, source := d.lookup(ctx, d.cfg.RuntimeStoreName(), key), SourceRuntime
	if cached == nil {
		cached, source = d.lookup(ctx, d.cfg.ShellStoreName(), key), SourceShell
	}

	type fetched struct {
		snapshot *cache.Snapshot
		err      error
	}
	network := make(chan fetched, 1)
	revalidateCtx := context.WithoutCancel(ctx)
	d.revalidations.Add(1)
	go func() {
		defer d.revalidations.Done()
		snapshot, err := d.fetcher.Fetch(revalidateCtx, req)
		if err == nil {
			d.storeRuntime(revalidateCtx, key, snapshot)
		} else if cached != nil {
			d.fields().WithError(err).WithField("url", key.URL).Debug("revalidate_failed")
		}
		network <- fetched{snapshot: snapshot, err: err}
	}()

	if cached != nil {
		return cached, source, nil
	}
	result := <-network
	if result.err != nil {
		return nil, "", errors.Join(result.err, ErrNoCachedResponse)
	}
	return result.snapshot, SourceNetwork, nil
}

// passthrough 原样请求网络，传输失败时在站点全部缓存中查找。
func (d *Dispatcher) passthrough(ctx context.Context, req Request) (*cache.Snapshot, Source, error) {
	snapshot, fetchErr := d.fetcher.Fetch(ctx, req)
	if fetchErr == nil {
		return snapshot, SourceNetwork, nil
	}

	cached, _, err := cache.MatchAny(ctx, d.storage, req.Key())
	if err == nil {
		return cached, SourceCache, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		d.fields().WithError(err).WithField("url", req.URL.String()).Warn("cache_match_failed")
	}
	return nil, "", errors.Join(fetchErr, ErrNoCachedResponse)
}

// lookup 仅在缓存已存在时查找，读取失败记录日志并按未命中处理。
func (d *Dispatcher) lookup(ctx context.Context, name string, key cache.Key) *cache.Snapshot {
	snapshot, err := cache.MatchIn(ctx, d.storage, name, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			d.fields().WithError(err).WithFields(logrus.Fields{
				"store": name,
				"url":   key.URL,
			}).Warn("cache_match_failed")
		}
		return nil
	}
	return snapshot
}

// storeRuntime 将 GET 200 快照写入 runtime 缓存，写入失败仅记录日志。
func (d *Dispatcher) storeRuntime(ctx context.Context, key cache.Key, snapshot *cache.Snapshot) {
	if !cache.Cacheable(key.Method, snapshot) {
		return
	}
	err := d.put(ctx, d.cfg.RuntimeStoreName(), PurposeRuntime, key, snapshot)
	switch {
	case errors.Is(err, errRetired):
		d.fields().WithField("url", key.URL).Debug("cache_put_skipped")
	case err != nil:
		d.fields().WithError(err).WithField("url", key.URL).Warn("cache_put_failed")
	}
}

// errRetired 表示分发器已被新版本取代，其缓存可能已被回收。
var errRetired = errors.New("dispatcher retired")

func (d *Dispatcher) put(ctx context.Context, name, purpose string, key cache.Key, snapshot *cache.Snapshot) error {
	d.writes.RLock()
	defer d.writes.RUnlock()
	if d.State() == StateRedundant {
		return errRetired
	}

	store, err := d.storage.Open(ctx, name)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	written, err := cache.NewSnapshotWriter(store).Put(ctx, key, snapshot)
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	if written {
		d.metrics.cacheWrites.WithLabelValues(d.cfg.Site, purpose).Inc()
	}
	return nil
}
