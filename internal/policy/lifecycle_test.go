package policy

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sort"
	"testing"

	"github.com/any-hub/shellcache/internal/cache"
)

func TestInstallCachesShellAssets(t *testing.T) {
	storage := cache.NewMemoryStorage()
	fetcher := newStubFetcher()
	fetcher.respond(testOrigin, http.StatusOK, "root")
	fetcher.respond(testOrigin+"index.html", http.StatusOK, "<html>shell</html>")

	d := newTestDispatcher(t, "v4", storage, fetcher)
	if err := d.OnInstall(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if d.State() != StateInstalled {
		t.Fatalf("unexpected state: %s", d.State())
	}

	if body, ok := matchBody(t, storage, "v4-shell", testOrigin); !ok || body != "root" {
		t.Fatalf("root asset missing: %q %v", body, ok)
	}
	if body, ok := matchBody(t, storage, "v4-shell", testOrigin+"index.html"); !ok || body != "<html>shell</html>" {
		t.Fatalf("index asset missing: %q %v", body, ok)
	}
}

func TestInstallFailureLeavesNoShellStore(t *testing.T) {
	storage := cache.NewMemoryStorage()
	fetcher := newStubFetcher()
	fetcher.respond(testOrigin, http.StatusOK, "root")
	fetcher.fail(testOrigin + "index.html")

	d := newTestDispatcher(t, "v4", storage, fetcher)
	err := d.OnInstall(context.Background())
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	if d.State() != StateRedundant {
		t.Fatalf("unexpected state: %s", d.State())
	}
	exists, err := storage.Has(context.Background(), "v4-shell")
	if err != nil {
		t.Fatalf("has error: %v", err)
	}
	if exists {
		t.Fatalf("shell store should be absent after failed install")
	}
}

func TestInstallRejectsNonOKAsset(t *testing.T) {
	storage := cache.NewMemoryStorage()
	fetcher := newStubFetcher()
	fetcher.respond(testOrigin, http.StatusOK, "root")
	fetcher.respond(testOrigin+"index.html", http.StatusNotFound, "missing")

	d := newTestDispatcher(t, "v4", storage, fetcher)
	if err := d.OnInstall(context.Background()); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	if names := storeNames(t, storage); len(names) != 0 {
		t.Fatalf("no store expected, got %v", names)
	}
}

func TestActivateDeletesStaleStores(t *testing.T) {
	storage := cache.NewMemoryStorage()
	for _, name := range []string{"v3-shell", "v3-runtime", "v4-shell"} {
		openStore(t, storage, name)
	}
	fetcher := newStubFetcher()
	fetcher.respond(testOrigin, http.StatusOK, "root")
	fetcher.respond(testOrigin+"index.html", http.StatusOK, "index")

	clients := &recordingClients{}
	d, err := New(testConfig(t, "v4"), storage, fetcher, clients, nil)
	if err != nil {
		t.Fatalf("new dispatcher error: %v", err)
	}
	if err := d.OnInstall(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := d.OnActivate(context.Background()); err != nil {
		t.Fatalf("activate error: %v", err)
	}

	names := storeNames(t, storage)
	sort.Strings(names)
	if !reflect.DeepEqual(names, []string{"v4-runtime", "v4-shell"}) {
		t.Fatalf("unexpected stores after activate: %v", names)
	}
	if d.State() != StateActivated {
		t.Fatalf("unexpected state: %s", d.State())
	}
	if len(clients.claimed) != 1 || clients.claimed[0] != d {
		t.Fatalf("dispatcher should claim clients once, got %d", len(clients.claimed))
	}
}

func TestActivateRequiresInstall(t *testing.T) {
	d := newTestDispatcher(t, "v4", cache.NewMemoryStorage(), newStubFetcher())
	if err := d.OnActivate(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestActivateClaimFailureMarksRedundant(t *testing.T) {
	storage := cache.NewMemoryStorage()
	fetcher := newStubFetcher()
	fetcher.respond(testOrigin, http.StatusOK, "root")
	fetcher.respond(testOrigin+"index.html", http.StatusOK, "index")
	claimErr := errors.New("claim refused")

	d, err := New(testConfig(t, "v4"), storage, fetcher, &recordingClients{err: claimErr}, nil)
	if err != nil {
		t.Fatalf("new dispatcher error: %v", err)
	}
	if err := d.OnInstall(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := d.OnActivate(context.Background()); !errors.Is(err, claimErr) {
		t.Fatalf("expected claim error, got %v", err)
	}
	if d.State() != StateRedundant {
		t.Fatalf("unexpected state: %s", d.State())
	}
}

func TestInstallTwiceIsRejected(t *testing.T) {
	fetcher := newStubFetcher()
	fetcher.respond(testOrigin, http.StatusOK, "root")
	fetcher.respond(testOrigin+"index.html", http.StatusOK, "index")
	d := newTestDispatcher(t, "v4", cache.NewMemoryStorage(), fetcher)
	if err := d.OnInstall(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := d.OnInstall(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestResumeSkipsInstallWhenShellExists(t *testing.T) {
	storage := cache.NewMemoryStorage()
	seed(t, storage, "v4-shell", testOrigin+"index.html", "shell")
	openStore(t, storage, "v3-runtime")
	fetcher := newStubFetcher()

	d := newTestDispatcher(t, "v4", storage, fetcher)
	if err := d.Resume(context.Background()); err != nil {
		t.Fatalf("resume error: %v", err)
	}
	if d.State() != StateActivated {
		t.Fatalf("unexpected state: %s", d.State())
	}
	if fetcher.callCount(testOrigin+"index.html") != 0 {
		t.Fatalf("resume should not fetch shell assets")
	}
	names := storeNames(t, storage)
	sort.Strings(names)
	if !reflect.DeepEqual(names, []string{"v4-runtime", "v4-shell"}) {
		t.Fatalf("unexpected stores after resume: %v", names)
	}
}

func TestResumeWithoutShellFails(t *testing.T) {
	d := newTestDispatcher(t, "v4", cache.NewMemoryStorage(), newStubFetcher())
	if err := d.Resume(context.Background()); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	if d.State() != StateParsed {
		t.Fatalf("failed resume should leave state untouched, got %s", d.State())
	}
}
