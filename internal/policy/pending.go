package policy

import (
	"context"
	"sync"

	"github.com/any-hub/shellcache/internal/cache"
)

// Source 标记响应来自网络还是某个缓存。
type Source string

const (
	SourceNetwork   Source = "network"
	SourceRuntime   Source = "runtime"
	SourceShell     Source = "shell"
	SourceBootstrap Source = "bootstrap"
	SourceCache     Source = "cache"
)

// Result 是一次拦截请求的最终结果。
type Result struct {
	Snapshot *cache.Snapshot
	Source   Source
	Strategy Strategy
}

// Pending 是 OnFetch 同步返回的“稍后给出响应”承诺，只会被解决一次。
type Pending struct {
	strategy Strategy
	done     chan struct{}
	once     sync.Once
	result   Result
	err      error
}

func newPending(strategy Strategy) *Pending {
	return &Pending{
		strategy: strategy,
		done:     make(chan struct{}),
	}
}

// Strategy 返回该请求被分派到的策略。
func (p *Pending) Strategy() Strategy {
	return p.strategy
}

// Done 在结果就绪后关闭。
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait 阻塞至策略给出结果或 ctx 结束。
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Pending) resolve(snapshot *cache.Snapshot, source Source) {
	p.once.Do(func() {
		p.result = Result{Snapshot: snapshot, Source: source, Strategy: p.strategy}
		close(p.done)
	})
}

func (p *Pending) reject(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}
