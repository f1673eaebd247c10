package policy

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
)

// Handler 是生命周期事件与请求拦截的显式入口。
type Handler interface {
	OnInstall(ctx context.Context) error
	OnActivate(ctx context.Context) error
	OnFetch(ctx context.Context, req Request) (*Pending, bool)
	OnMessage(ctx context.Context, msg Message) error
}

// Fetcher 抽象网络请求；error 仅代表传输失败，HTTP 错误状态码以快照形式返回。
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*cache.Snapshot, error)
}

// Clients 抽象客户端控制：激活完成后由新版本接管后续请求。
type Clients interface {
	Claim(ctx context.Context, d *Dispatcher) error
}

// State 描述分发器所处的生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var _ Handler = (*Dispatcher)(nil)

// Dispatcher 持有单个站点单个版本的缓存策略。
type Dispatcher struct {
	cfg     Config
	storage cache.Storage
	fetcher Fetcher
	clients Clients
	logger  *logrus.Logger
	metrics *dispatcherMetrics

	mu    sync.RWMutex
	state State

	// writes 与 Retire 互斥：退役后不再向已被回收的缓存写入。
	writes sync.RWMutex

	revalidations sync.WaitGroup
}

// New 构造分发器，clients 可为 nil（不执行 claim）。
func New(cfg Config, storage cache.Storage, fetcher Fetcher, clients Clients, logger *logrus.Logger) (*Dispatcher, error) {
	if storage == nil {
		return nil, errors.New("cache storage required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if cfg.Origin == nil {
		return nil, errors.New("origin required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		cfg:     cfg,
		storage: storage,
		fetcher: fetcher,
		clients: clients,
		logger:  logger,
		metrics: getMetrics(),
		state:   StateParsed,
	}, nil
}

// Config 返回只读配置副本。
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Version 返回分发器对应的版本号。
func (d *Dispatcher) Version() string {
	return d.cfg.Version
}

// Storage 返回分发器使用的站点缓存集合。
func (d *Dispatcher) Storage() cache.Storage {
	return d.storage
}

// State 返回当前生命周期阶段。
func (d *Dispatcher) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Dispatcher) setState(state State) {
	d.mu.Lock()
	d.state = state
	d.mu.Unlock()
}

// WaitRevalidations 阻塞至所有后台刷新结束，用于优雅退出与测试。
func (d *Dispatcher) WaitRevalidations() {
	d.revalidations.Wait()
}

// OnFetch 对 GET 请求承诺给出响应；其它方法返回 false，由调用方走默认处理。
func (d *Dispatcher) OnFetch(ctx context.Context, req Request) (*Pending, bool) {
	if req.Method != http.MethodGet || req.URL == nil {
		return nil, false
	}

	strategy := d.cfg.Classify(req)
	pending := newPending(strategy)
	go func() {
		var (
			snapshot *cache.Snapshot
			source   Source
			err      error
		)
		switch strategy {
		case StrategyNetworkFirst:
			snapshot, source, err = d.networkFirst(ctx, req)
		case StrategyStaleWhileRevalidate:
			snapshot, source, err = d.staleWhileRevalidate(ctx, req)
		default:
			snapshot, source, err = d.passthrough(ctx, req)
		}
		if err != nil {
			d.metrics.fetchFailures.WithLabelValues(d.cfg.Site, string(strategy)).Inc()
			pending.reject(err)
			return
		}
		d.metrics.fetches.WithLabelValues(d.cfg.Site, string(strategy), string(source)).Inc()
		pending.resolve(snapshot, source)
	}()
	return pending, true
}

func (d *Dispatcher) fields() *logrus.Entry {
	return d.logger.WithFields(logging.SiteFields(d.cfg.Site, d.cfg.Version))
}
