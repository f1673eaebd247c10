package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"time"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/policy"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client，用于所有回源请求；Timeout 即 pending fetch 的上限。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := hopByHopHeaders[canonical]; ok {
		return true
	}

	return false
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	return isHopByHopHeader(key)
}

// OriginFetcher 是 policy.Fetcher 的 HTTP 实现：转发请求到源站并把完整响应读入快照。
// 仅传输层错误返回 error，任何状态码都以快照形式返回。
type OriginFetcher struct {
	client *http.Client
}

var _ policy.Fetcher = (*OriginFetcher)(nil)

// NewOriginFetcher 基于共享 client 构建 fetcher，proxyURL 非空时使用独立 Transport 走出站代理。
func NewOriginFetcher(client *http.Client, proxyURL *url.URL) (*OriginFetcher, error) {
	if client == nil {
		return nil, errors.New("http client required")
	}
	if proxyURL == nil {
		return &OriginFetcher{client: client}, nil
	}
	transport := defaultTransport.Clone()
	if base, ok := client.Transport.(*http.Transport); ok && base != nil {
		transport = base.Clone()
	}
	transport.Proxy = http.ProxyURL(proxyURL)
	proxied := *client
	proxied.Transport = transport
	return &OriginFetcher{client: &proxied}, nil
}

// Fetch 发起回源请求。Accept-Encoding 被移除，使快照保存未压缩正文。
func (f *OriginFetcher) Fetch(ctx context.Context, req policy.Request) (*cache.Snapshot, error) {
	if req.URL == nil {
		return nil, errors.New("request url required")
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	upstream, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	CopyHeaders(upstream.Header, req.Header)
	upstream.Header.Del("Accept-Encoding")
	upstream.Header.Del("Host")
	upstream.Host = req.URL.Host

	resp, err := f.client.Do(upstream)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &cache.Snapshot{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
		URL:    req.URL.String(),
	}, nil
}
