package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Storage 管理一个站点下所有具名缓存（对应浏览器的 CacheStorage）。
// 名称按 "<version>-<purpose>" 组织，例如 v4-shell / v4-runtime。
type Storage interface {
	// Open 打开指定名称的缓存，不存在时创建。
	Open(ctx context.Context, name string) (Store, error)

	// Has 判断指定名称的缓存是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Keys 返回全部缓存名称；后端能记录创建顺序时按创建顺序，否则按字典序。
	Keys(ctx context.Context) ([]string, error)

	// Delete 整体删除一个缓存，返回该缓存此前是否存在。
	Delete(ctx context.Context, name string) (bool, error)
}

// Store 是单个具名缓存，Key → Snapshot。通过句柄写入已被删除的缓存会重新创建它，
// 由下一次 activate 负责回收。
type Store interface {
	Name() string

	// Match 返回请求对应的快照副本，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Snapshot, error)

	// Put 覆盖写入请求对应的快照，实现需保证同一 Key 的写入原子可见。
	Put(ctx context.Context, key Key, snapshot *Snapshot) error

	// Delete 删除单个条目，返回条目此前是否存在。
	Delete(ctx context.Context, key Key) (bool, error)

	// Keys 列出缓存中的全部请求 Key，供诊断端使用。
	Keys(ctx context.Context) ([]Key, error)
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")

	// ErrInvalidStoreName 表示缓存名称无法安全映射到后端。
	ErrInvalidStoreName = errors.New("invalid cache store name")
)

// Key 唯一定位一个缓存条目（请求方法 + 绝对 URL，不含 fragment）。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 根据请求方法与 URL 构造 Key，方法统一为大写，空方法视为 GET。
func NewKey(method string, u *url.URL) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if u == nil {
		return Key{Method: method}
	}
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return Key{Method: method, URL: clean.String()}
}

// String 输出 "GET https://origin/app.css" 形式，同时作为 redis hash field。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Hash 返回 Key 的 sha256 十六进制摘要，用作磁盘文件名。
func (k Key) Hash() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

// parseKey 是 String 的逆操作。
func parseKey(raw string) (Key, bool) {
	method, rawURL, ok := strings.Cut(raw, " ")
	if !ok || method == "" {
		return Key{}, false
	}
	return Key{Method: method, URL: rawURL}, true
}

// Snapshot 是一次上游响应的不可变副本（状态码、头、正文），可被复制后反复回放。
type Snapshot struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	URL      string      `json:"url"`
	StoredAt time.Time   `json:"stored_at"`
}

// OK 判断快照是否满足持久化条件（状态码 200）。
func (s *Snapshot) OK() bool {
	return s != nil && s.Status == http.StatusOK
}

// Clone 返回与原快照互不共享底层切片的副本。
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cloned := *s
	cloned.Header = s.Header.Clone()
	if s.Body != nil {
		cloned.Body = append([]byte(nil), s.Body...)
	}
	return &cloned
}

// validateStoreName 拒绝可能逃逸目录或与内部标记冲突的名称。
func validateStoreName(name string) error {
	switch {
	case name == "",
		strings.HasPrefix(name, "."),
		strings.ContainsAny(name, "/\\"),
		strings.Contains(name, ".."):
		return ErrInvalidStoreName
	}
	return nil
}
