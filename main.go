package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/policy"
	"github.com/any-hub/shellcache/internal/proxy"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/server/routes"
	"github.com/any-hub/shellcache/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = len(cfg.Sites)
		fields["site_versions"] = config.SiteVersions(cfg.Sites)
		fields["store_backend"] = cfg.Global.StoreBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// CLI 启动遵循“配置 → 日志 → 缓存后端 → 站点注册表（install/activate）→ Fiber server”顺序，
	// 保证首个请求到达时每个站点都已有生效的分发器。
	storages, closeStorage, err := server.NewStorageFactory(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存后端失败: %v\n", err)
		return 1
	}
	defer closeStorage()

	httpClient := server.NewUpstreamClient(cfg)
	registry, err := server.NewSiteRegistry(cfg, storages, httpClient, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点注册表失败: %v\n", err)
		return 1
	}

	policy.InitMetrics(nil)
	if err := registry.StartAll(context.Background()); err != nil {
		// 激活失败的站点按默认处理直接回源，待后续 /-/sites/:name/update 恢复。
		logger.WithFields(logging.BaseFields("startup", opts.configPath)).
			WithError(err).Warn("site_start_incomplete")
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = len(cfg.Sites)
	fields["site_versions"] = config.SiteVersions(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["store_backend"] = cfg.Global.StoreBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, registry, proxy.NewHandler(logger), logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	registry.WaitRevalidations()
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(cfg *config.Config, registry *server.SiteRegistry, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	app, err := newHTTPApp(cfg, registry, proxyHandler, logger)
	if err != nil {
		return err
	}

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}

// newHTTPApp 组装 Host 路由、事件总线适配层与 /-/ 诊断接口。
func newHTTPApp(cfg *config.Config, registry *server.SiteRegistry, proxyHandler server.ProxyHandler, logger *logrus.Logger) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterSiteRoutes(app, registry)
	routes.RegisterMessageRoutes(app, registry)
	routes.RegisterMetricsRoutes(app)
	return app, nil
}
