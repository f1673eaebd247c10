package policy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
)

const testOrigin = "https://origin.example.com/app/"

var errOffline = errors.New("network offline")

// stubFetcher 按 URL 返回预置快照或错误，未登记的 URL 视为离线。
type stubFetcher struct {
	mu        sync.Mutex
	responses map[string]*cache.Snapshot
	failures  map[string]error
	gates     map[string]chan struct{}
	calls     map[string]int
	methods   []string
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		responses: make(map[string]*cache.Snapshot),
		failures:  make(map[string]error),
		gates:     make(map[string]chan struct{}),
		calls:     make(map[string]int),
	}
}

func (f *stubFetcher) respond(rawURL string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, rawURL)
	f.responses[rawURL] = &cache.Snapshot{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
		URL:    rawURL,
	}
}

func (f *stubFetcher) fail(rawURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.responses, rawURL)
	f.failures[rawURL] = errOffline
}

// block 让该 URL 的请求阻塞到返回的 release 被调用。
func (f *stubFetcher) block(rawURL string) (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[rawURL] = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (f *stubFetcher) Fetch(ctx context.Context, req Request) (*cache.Snapshot, error) {
	rawURL := req.URL.String()
	f.mu.Lock()
	f.calls[rawURL]++
	f.methods = append(f.methods, req.Method)
	gate := f.gates[rawURL]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[rawURL]; err != nil {
		return nil, err
	}
	if snapshot := f.responses[rawURL]; snapshot != nil {
		return snapshot.Clone(), nil
	}
	return nil, errOffline
}

func (f *stubFetcher) callCount(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

type recordingClients struct {
	mu      sync.Mutex
	claimed []*Dispatcher
	err     error
}

func (c *recordingClients) Claim(_ context.Context, d *Dispatcher) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.claimed = append(c.claimed, d)
	return nil
}

func testConfig(t *testing.T, version string) Config {
	t.Helper()
	cfg, err := NewConfig("uc", version, testOrigin,
		[]string{"./", "./index.html"},
		"./index.html",
		[]string{"css", "js", "png", "jpg", "jpeg", "svg", "webp", "avif", "ico", "json"},
	)
	if err != nil {
		t.Fatalf("config error: %v", err)
	}
	return cfg
}

func newTestDispatcher(t *testing.T, version string, storage cache.Storage, fetcher Fetcher) *Dispatcher {
	t.Helper()
	d, err := New(testConfig(t, version), storage, fetcher, nil, logging.Discard())
	if err != nil {
		t.Fatalf("new dispatcher error: %v", err)
	}
	return d
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url %s: %v", raw, err)
	}
	return u
}

func getRequest(t *testing.T, raw string, mode Mode) Request {
	t.Helper()
	return NewRequest(http.MethodGet, mustURL(t, raw), mode)
}

func waitResult(t *testing.T, pending *Pending) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return pending.Wait(ctx)
}

func storeNames(t *testing.T, storage cache.Storage) []string {
	t.Helper()
	names, err := storage.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	return names
}

func matchBody(t *testing.T, storage cache.Storage, store, rawURL string) (string, bool) {
	t.Helper()
	snapshot, err := cache.MatchIn(context.Background(), storage, store, cache.NewKey(http.MethodGet, mustURL(t, rawURL)))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return "", false
		}
		t.Fatalf("match error: %v", err)
	}
	return string(snapshot.Body), true
}

func openStore(t *testing.T, storage cache.Storage, name string) cache.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s error: %v", name, err)
	}
	return store
}

func seed(t *testing.T, storage cache.Storage, store, rawURL, body string) {
	t.Helper()
	key := cache.NewKey(http.MethodGet, mustURL(t, rawURL))
	snapshot := &cache.Snapshot{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
		URL:    rawURL,
	}
	if err := openStore(t, storage, store).Put(context.Background(), key, snapshot); err != nil {
		t.Fatalf("seed error: %v", err)
	}
}
