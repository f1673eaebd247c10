package policy

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/shellcache/internal/cache"
)

// Mode 区分顶层导航与子资源请求，取值与 Sec-Fetch-Mode 保持一致。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// ParseMode 将 Sec-Fetch-Mode 头解析为 Mode，未知值按 no-cors 处理。
func ParseMode(raw string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeNavigate:
		return ModeNavigate
	case ModeSameOrigin:
		return ModeSameOrigin
	case ModeCORS:
		return ModeCORS
	default:
		return ModeNoCORS
	}
}

// Request 是只读的被拦截请求描述。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Mode   Mode
	Body   []byte
}

// NewRequest 构造不带请求体的 GET/HEAD 类请求。
func NewRequest(method string, u *url.URL, mode Mode) Request {
	return Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: http.Header{},
		Mode:   mode,
	}
}

// Key 返回请求在缓存中的定位键。
func (r Request) Key() cache.Key {
	return cache.NewKey(r.Method, r.URL)
}

// IsNavigation 判断是否为顶层导航请求。
func (r Request) IsNavigation() bool {
	return r.Mode == ModeNavigate
}

// Strategy 是请求被分派到的取数策略。
type Strategy string

const (
	StrategyNetworkFirst         Strategy = "network-first-navigation"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
	StrategyPassthrough          Strategy = "passthrough-with-cache-fallback"
)

// Strategies 返回全部策略及说明，供诊断端展示分派表。
func Strategies() map[Strategy]string {
	return map[Strategy]string{
		StrategyNetworkFirst:         "navigation: network first, runtime cache then bootstrap document on failure",
		StrategyStaleWhileRevalidate: "same-origin static asset: cached copy immediately, refresh in background",
		StrategyPassthrough:          "anything else: network unmodified, any cache entry on failure",
	}
}

// Classify 按导航 / 同源静态资源 / 其它 三类返回策略。
func (c Config) Classify(req Request) Strategy {
	switch {
	case req.IsNavigation():
		return StrategyNetworkFirst
	case c.SameOrigin(req.URL) && c.IsStaticAsset(req.URL):
		return StrategyStaleWhileRevalidate
	default:
		return StrategyPassthrough
	}
}
