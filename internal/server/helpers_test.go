package server

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
)

// testOrigin 模拟源站：index.html 与根路径返回固定内容，offline 置位后全部返回 503。
// gate 非空时 app.css 请求在 release 关闭前阻塞。
type testOrigin struct {
	*httptest.Server
	version atomic.Value
	offline atomic.Bool
	gate    atomic.Pointer[originGate]
}

type originGate struct {
	entered chan struct{}
	release chan struct{}
}

// hold 让后续 app.css 请求阻塞，返回的 gate 用于等待请求到达与放行。
func (o *testOrigin) hold() *originGate {
	gate := &originGate{entered: make(chan struct{}, 1), release: make(chan struct{})}
	o.gate.Store(gate)
	return gate
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	origin := &testOrigin{}
	origin.version.Store("v1")
	origin.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin.offline.Load() {
			http.Error(w, "offline", http.StatusServiceUnavailable)
			return
		}
		switch r.URL.Path {
		case "/", "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>" + origin.version.Load().(string) + "</html>"))
		case "/app.css":
			if gate := origin.gate.Load(); gate != nil {
				select {
				case gate.entered <- struct{}{}:
				default:
				}
				<-gate.release
			}
			w.Header().Set("Content-Type", "text/css")
			_, _ = w.Write([]byte("body{/*" + origin.version.Load().(string) + "*/}"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)
	return origin
}

func testSiteConfig(origin string) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort:   5000,
			StoreBackend: config.BackendMemory,
		},
		Sites: []config.SiteConfig{
			{
				Name:    "uc",
				Domain:  "uc.local",
				Origin:  origin + "/",
				Version: "v1",
			},
		},
	}
}

func memoryFactory(string) (cache.Storage, error) {
	return cache.NewMemoryStorage(), nil
}

func newTestRegistry(t *testing.T, cfg *config.Config) *SiteRegistry {
	t.Helper()
	registry, err := NewSiteRegistry(cfg, memoryFactory, NewUpstreamClient(cfg), logging.Discard())
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	return registry
}
