package policy

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/shellcache/internal/cache"
)

// ErrInvalidState 表示生命周期事件到达的顺序不合法。
var ErrInvalidState = errors.New("invalid lifecycle state")

// OnInstall 并发拉取全部壳资源，全部成功后才创建 <version>-shell 并写入；
// 任一失败则不写入任何内容，分发器进入 redundant。
func (d *Dispatcher) OnInstall(ctx context.Context) error {
	if err := d.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	logger := d.fields().WithField("action", "install")

	snapshots, urls, err := d.fetchShell(ctx)
	if err == nil {
		err = d.writeShell(ctx, urls, snapshots)
	}
	if err != nil {
		d.setState(StateRedundant)
		d.metrics.lifecycleEvents.WithLabelValues(d.cfg.Site, "install", "failure").Inc()
		logger.WithError(err).Error("install_failed")
		return err
	}

	d.setState(StateInstalled)
	d.metrics.lifecycleEvents.WithLabelValues(d.cfg.Site, "install", "success").Inc()
	logger.WithField("assets", len(urls)).Info("install_completed")
	return nil
}

func (d *Dispatcher) fetchShell(ctx context.Context) ([]*cache.Snapshot, []string, error) {
	assets, err := d.cfg.ShellAssetURLs()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	snapshots := make([]*cache.Snapshot, len(assets))
	urls := make([]string, len(assets))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, asset := range assets {
		urls[i] = asset.String()
		group.Go(func() error {
			snapshot, err := d.fetcher.Fetch(groupCtx, NewRequest(http.MethodGet, asset, ModeNoCORS))
			if err != nil {
				return fmt.Errorf("%w: fetch %s: %w", ErrInstallFailed, asset, err)
			}
			if !snapshot.OK() {
				return fmt.Errorf("%w: fetch %s: status %d", ErrInstallFailed, asset, snapshot.Status)
			}
			snapshots[i] = snapshot
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	return snapshots, urls, nil
}

func (d *Dispatcher) writeShell(ctx context.Context, urls []string, snapshots []*cache.Snapshot) error {
	name := d.cfg.ShellStoreName()
	for i, snapshot := range snapshots {
		key := cache.Key{Method: http.MethodGet, URL: urls[i]}
		if err := d.put(ctx, name, PurposeShell, key, snapshot); err != nil {
			if _, delErr := d.storage.Delete(context.WithoutCancel(ctx), name); delErr != nil {
				d.fields().WithError(delErr).WithField("store", name).Warn("cache_delete_failed")
			}
			return fmt.Errorf("%w: %w", ErrInstallFailed, err)
		}
	}
	return nil
}

// OnActivate 删除当前 shell/runtime 以外的全部缓存，随后接管客户端。
func (d *Dispatcher) OnActivate(ctx context.Context) error {
	if err := d.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	logger := d.fields().WithField("action", "activate")

	deleted, err := d.collectStale(ctx)
	if err == nil && d.clients != nil {
		err = d.clients.Claim(ctx, d)
		if err == nil {
			// 旧版本在 claim 之前完成的写入可能重建了已删除的缓存，退役后再清理一次。
			var late []string
			late, err = d.collectStale(ctx)
			deleted = append(deleted, late...)
		}
	}
	if err != nil {
		d.setState(StateRedundant)
		d.metrics.lifecycleEvents.WithLabelValues(d.cfg.Site, "activate", "failure").Inc()
		logger.WithError(err).Error("activate_failed")
		return err
	}

	d.setState(StateActivated)
	d.metrics.lifecycleEvents.WithLabelValues(d.cfg.Site, "activate", "success").Inc()
	logger.WithField("deleted", deleted).Info("activate_completed")
	return nil
}

func (d *Dispatcher) collectStale(ctx context.Context) ([]string, error) {
	names, err := d.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	keep := map[string]struct{}{
		d.cfg.ShellStoreName():   {},
		d.cfg.RuntimeStoreName(): {},
	}
	deleted := make([]string, 0, len(names))
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		if _, err := d.storage.Delete(ctx, name); err != nil {
			return deleted, fmt.Errorf("delete store %s: %w", name, err)
		}
		deleted = append(deleted, name)
	}
	if _, err := d.storage.Open(ctx, d.cfg.RuntimeStoreName()); err != nil {
		return deleted, fmt.Errorf("open runtime store: %w", err)
	}
	return deleted, nil
}

func (d *Dispatcher) transition(from, to State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidState, from, to, d.state)
	}
	d.state = to
	return nil
}

// Resume 用于进程重启：当前版本的壳缓存已存在时跳过 install，直接进入 activate。
func (d *Dispatcher) Resume(ctx context.Context) error {
	exists, err := d.storage.Has(ctx, d.cfg.ShellStoreName())
	if err != nil {
		return fmt.Errorf("check shell store: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: shell store %s missing", ErrInstallFailed, d.cfg.ShellStoreName())
	}
	if err := d.transition(StateParsed, StateInstalled); err != nil {
		return err
	}
	d.fields().WithField("action", "resume").Info("install_skipped")
	return d.OnActivate(ctx)
}

// Retire 在新版本接管后将旧分发器标记为 redundant，并等待其在途写入结束。
func (d *Dispatcher) Retire() {
	d.writes.Lock()
	defer d.writes.Unlock()
	d.setState(StateRedundant)
}
