package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/policy"
)

// Site 将站点配置、缓存命名空间与当前生效的分发器聚合在一起。
// 版本升级（install → activate → claim）按站点串行执行。
type Site struct {
	// Config 是 config.toml 中声明的站点字段副本，Version 为启动时的初始版本。
	Config config.SiteConfig
	// ListenPort 记录当前监听端口，用于 X-Forwarded-Port。
	ListenPort int
	// OriginURL/ProxyURL 在构造 Registry 时提前解析完成。
	OriginURL *url.URL
	ProxyURL  *url.URL

	storage cache.Storage
	fetcher policy.Fetcher
	logger  *logrus.Logger

	active atomic.Pointer[policy.Dispatcher]
	mu     sync.Mutex
}

var _ policy.Clients = (*Site)(nil)

// Storage 返回站点的缓存命名空间。
func (s *Site) Storage() cache.Storage {
	return s.storage
}

// Fetcher 返回站点的回源 fetcher，供默认处理（未被分发器接管的请求）复用。
func (s *Site) Fetcher() policy.Fetcher {
	return s.fetcher
}

// Active 返回当前生效的分发器，站点尚未完成首次激活时为 nil。
func (s *Site) Active() *policy.Dispatcher {
	return s.active.Load()
}

// Version 返回当前生效的版本，尚未激活时返回配置中的版本。
func (s *Site) Version() string {
	if d := s.Active(); d != nil {
		return d.Version()
	}
	return s.Config.Version
}

// Claim 让新版本分发器立即接管后续请求，旧分发器标记为 redundant。
func (s *Site) Claim(_ context.Context, d *policy.Dispatcher) error {
	if d == nil {
		return errors.New("dispatcher required")
	}
	previous := s.active.Swap(d)
	if previous != nil && previous != d {
		previous.Retire()
	}
	fields := logging.SiteFields(s.Config.Name, d.Version())
	if previous != nil {
		fields["previous_version"] = previous.Version()
	}
	s.logger.WithFields(fields).Info("clients_claimed")
	return nil
}

// Start 在进程启动时激活配置中的版本：壳缓存已存在则直接 activate，否则完整 install。
func (s *Site) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.newDispatcher(s.Config.Version)
	if err != nil {
		return err
	}
	err = d.Resume(ctx)
	if err == nil || !errors.Is(err, policy.ErrInstallFailed) || d.State() != policy.StateParsed {
		return err
	}
	return s.install(ctx, d)
}

// Update 安装并激活新版本；install 失败时旧版本保持生效。
func (s *Site) Update(ctx context.Context, version string) (*policy.Dispatcher, error) {
	version = strings.TrimSpace(version)
	if err := config.ValidateVersion(version); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.newDispatcher(version)
	if err != nil {
		return nil, err
	}
	if err := s.install(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Site) install(ctx context.Context, d *policy.Dispatcher) error {
	if err := d.OnInstall(ctx); err != nil {
		return err
	}
	// skip waiting：install 成功后立即 activate，不等待旧版本的在途请求。
	return d.OnActivate(ctx)
}

func (s *Site) newDispatcher(version string) (*policy.Dispatcher, error) {
	cfg, err := policy.NewConfig(
		s.Config.Name,
		version,
		s.OriginURL.String(),
		s.Config.ShellAssets,
		s.Config.BootstrapDocument,
		s.Config.StaticExtensions,
	)
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", s.Config.Name, err)
	}
	return policy.New(cfg, s.storage, s.fetcher, s, s.logger)
}

// StorageFactory 为每个站点构建独立的缓存命名空间。
type StorageFactory func(site string) (cache.Storage, error)

// SiteRegistry 提供 Host/Host:port 到 Site 的查询能力，所有站点共享同一个监听端口。
type SiteRegistry struct {
	sites   map[string]*Site
	byName  map[string]*Site
	ordered []*Site
}

// NewSiteRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewSiteRegistry(cfg *config.Config, storages StorageFactory, client *http.Client, logger *logrus.Logger) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if storages == nil {
		return nil, errors.New("storage factory is required")
	}
	if client == nil {
		client = NewUpstreamClient(cfg)
	}
	if logger == nil {
		logger = logging.Discard()
	}

	registry := &SiteRegistry{
		sites:  make(map[string]*Site, len(cfg.Sites)),
		byName: make(map[string]*Site, len(cfg.Sites)),
	}

	for _, siteCfg := range cfg.Sites {
		siteCfg.ApplyDefaults()
		normalizedHost := normalizeDomain(siteCfg.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for site %s", siteCfg.Name)
		}
		if _, exists := registry.sites[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}
		if _, exists := registry.byName[siteCfg.Name]; exists {
			return nil, fmt.Errorf("duplicate site name %s", siteCfg.Name)
		}

		site, err := buildSite(cfg, siteCfg, storages, client, logger)
		if err != nil {
			return nil, err
		}

		registry.sites[normalizedHost] = site
		registry.byName[siteCfg.Name] = site
		registry.ordered = append(registry.ordered, site)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 Site。
func (r *SiteRegistry) Lookup(host string) (*Site, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	site, ok := r.sites[normalizedHost]
	return site, ok
}

// Site 按名称查找站点。
func (r *SiteRegistry) Site(name string) (*Site, bool) {
	if r == nil {
		return nil, false
	}
	site, ok := r.byName[name]
	return site, ok
}

// List 返回按配置顺序排列的站点列表，用于诊断输出。
func (r *SiteRegistry) List() []*Site {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*Site(nil), r.ordered...)
}

// StartAll 依次激活所有站点；单个站点失败不影响其它站点，错误合并返回。
func (r *SiteRegistry) StartAll(ctx context.Context) error {
	var errs []error
	for _, site := range r.List() {
		if err := site.Start(ctx); err != nil {
			site.logger.WithFields(logging.SiteFields(site.Config.Name, site.Config.Version)).
				WithError(err).Error("site_start_failed")
			errs = append(errs, fmt.Errorf("site %s: %w", site.Config.Name, err))
		}
	}
	return errors.Join(errs...)
}

// WaitRevalidations 等待所有站点当前分发器的后台刷新结束。
func (r *SiteRegistry) WaitRevalidations() {
	for _, site := range r.List() {
		if d := site.Active(); d != nil {
			d.WaitRevalidations()
		}
	}
}

func buildSite(cfg *config.Config, siteCfg config.SiteConfig, storages StorageFactory, client *http.Client, logger *logrus.Logger) (*Site, error) {
	originURL, err := url.Parse(siteCfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin for site %s: %w", siteCfg.Name, err)
	}

	var proxyURL *url.URL
	if siteCfg.Proxy != "" {
		proxyURL, err = url.Parse(siteCfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for site %s: %w", siteCfg.Name, err)
		}
	}

	fetcher, err := NewOriginFetcher(client, proxyURL)
	if err != nil {
		return nil, err
	}

	storage, err := storages(siteCfg.Name)
	if err != nil {
		return nil, fmt.Errorf("storage for site %s: %w", siteCfg.Name, err)
	}

	return &Site{
		Config:     siteCfg,
		ListenPort: cfg.Global.ListenPort,
		OriginURL:  originURL,
		ProxyURL:   proxyURL,
		storage:    storage,
		fetcher:    fetcher,
		logger:     logger,
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
