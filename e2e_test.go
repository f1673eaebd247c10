package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/proxy"
	"github.com/any-hub/shellcache/internal/server"
)

// versionedOrigin 返回带版本号的页面，offline 置位后直接断开连接。
type versionedOrigin struct {
	*httptest.Server
	version atomic.Value
	offline atomic.Bool
	hits    atomic.Int64
}

func newVersionedOrigin(t *testing.T) *versionedOrigin {
	t.Helper()
	origin := &versionedOrigin{}
	origin.version.Store("v1")
	origin.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin.offline.Load() {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		origin.hits.Add(1)
		switch r.URL.Path {
		case "/", "/index.html":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprintf(w, "<html>%s</html>", origin.version.Load())
		case "/app.css":
			w.Header().Set("Content-Type", "text/css")
			fmt.Fprintf(w, "body{/*%s*/}", origin.version.Load())
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)
	return origin
}

func newE2EApp(t *testing.T, origin *versionedOrigin, storagePath, siteVersion string) (*fiber.App, *server.SiteRegistry) {
	t.Helper()
	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:   5000,
			StoragePath:  storagePath,
			StoreBackend: config.BackendFS,
		},
		Sites: []config.SiteConfig{{
			Name:    "uc",
			Domain:  "uc.local",
			Origin:  origin.URL + "/",
			Version: siteVersion,
		}},
	}
	storages, closeStorage, err := server.NewStorageFactory(cfg.Global)
	if err != nil {
		t.Fatalf("storage factory error: %v", err)
	}
	t.Cleanup(func() { _ = closeStorage() })

	logger := logging.Discard()
	registry, err := server.NewSiteRegistry(cfg, storages, server.NewUpstreamClient(cfg), logger)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	if err := registry.StartAll(context.Background()); err != nil {
		t.Fatalf("start error: %v", err)
	}
	t.Cleanup(registry.WaitRevalidations)

	app, err := newHTTPApp(cfg, registry, proxy.NewHandler(logger), logger)
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	return app, registry
}

func doSiteRequest(t *testing.T, app *fiber.App, method, path, mode string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, "http://uc.local"+path, nil)
	req.Host = "uc.local"
	if mode != "" {
		req.Header.Set("Sec-Fetch-Mode", mode)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, string(body)
}

func TestEndToEndOfflineFallback(t *testing.T) {
	origin := newVersionedOrigin(t)
	app, registry := newE2EApp(t, origin, t.TempDir(), "v1")

	resp, body := doSiteRequest(t, app, http.MethodGet, "/", "navigate")
	if resp.StatusCode != fiber.StatusOK || body != "<html>v1</html>" {
		t.Fatalf("unexpected online navigation: %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get(proxy.HeaderSource) != "network" {
		t.Fatalf("expected network source, got %s", resp.Header.Get(proxy.HeaderSource))
	}

	resp, _ = doSiteRequest(t, app, http.MethodGet, "/app.css", "no-cors")
	if resp.Header.Get(proxy.HeaderSource) != "network" {
		t.Fatalf("first static request should hit network, got %s", resp.Header.Get(proxy.HeaderSource))
	}
	registry.WaitRevalidations()

	origin.offline.Store(true)

	resp, body = doSiteRequest(t, app, http.MethodGet, "/app.css", "no-cors")
	if resp.StatusCode != fiber.StatusOK || body != "body{/*v1*/}" {
		t.Fatalf("offline static request should be served from cache: %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get(proxy.HeaderSource) != "runtime" {
		t.Fatalf("expected runtime source, got %s", resp.Header.Get(proxy.HeaderSource))
	}

	resp, body = doSiteRequest(t, app, http.MethodGet, "/deep/link", "navigate")
	if resp.StatusCode != fiber.StatusOK || body != "<html>v1</html>" {
		t.Fatalf("offline navigation should fall back to bootstrap: %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get(proxy.HeaderSource) != "bootstrap" {
		t.Fatalf("expected bootstrap source, got %s", resp.Header.Get(proxy.HeaderSource))
	}
	if resp.Header.Get(proxy.HeaderVersion) != "v1" {
		t.Fatalf("expected version header v1, got %s", resp.Header.Get(proxy.HeaderVersion))
	}

	resp, body = doSiteRequest(t, app, http.MethodPost, "/api/data", "")
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("offline POST should fail upstream, got %d %q", resp.StatusCode, body)
	}
}

func TestEndToEndVersionUpdateAndRestart(t *testing.T) {
	origin := newVersionedOrigin(t)
	storagePath := t.TempDir()
	app, registry := newE2EApp(t, origin, storagePath, "v1")

	doSiteRequest(t, app, http.MethodGet, "/app.css", "no-cors")
	registry.WaitRevalidations()

	origin.version.Store("v2")
	req := httptest.NewRequest(http.MethodPost, "http://uc.local/-/sites/uc/update?version=v2", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("update request error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("update should succeed, got %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "http://uc.local/-/sites/uc/stores", nil))
	if err != nil {
		t.Fatalf("stores request error: %v", err)
	}
	var payload struct {
		Version string `json:"version"`
		Stores  []struct {
			Name string `json:"name"`
		} `json:"stores"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode stores: %v", err)
	}
	resp.Body.Close()
	names := make([]string, 0, len(payload.Stores))
	for _, store := range payload.Stores {
		names = append(names, store.Name)
	}
	sort.Strings(names)
	if payload.Version != "v2" || len(names) != 2 || names[0] != "v2-runtime" || names[1] != "v2-shell" {
		t.Fatalf("old version stores should be purged: %s %v", payload.Version, names)
	}

	// 重启后壳缓存已在磁盘上，离线也能直接激活。
	origin.offline.Store(true)
	restarted, _ := newE2EApp(t, origin, storagePath, "v2")
	resp2, body := doSiteRequest(t, restarted, http.MethodGet, "/", "navigate")
	if resp2.StatusCode != fiber.StatusOK || body != "<html>v2</html>" {
		t.Fatalf("restarted site should serve cached shell: %d %q", resp2.StatusCode, body)
	}
	if src := resp2.Header.Get(proxy.HeaderSource); src != "shell" && src != "bootstrap" {
		t.Fatalf("expected shell-backed response, got %s", src)
	}
}
