package policy

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// 缓存用途后缀，缓存名称为 <version>-<purpose>。
const (
	PurposeShell   = "shell"
	PurposeRuntime = "runtime"
)

// Config 是分发器的不可变配置，构造后只读，测试可为每个用例注入不同版本。
type Config struct {
	Site              string
	Version           string
	Origin            *url.URL
	ShellAssets       []string
	BootstrapDocument string
	StaticPattern     *regexp.Regexp
}

// NewConfig 校验并构造 Config，extensions 为空时不匹配任何静态资源。
func NewConfig(site, version, origin string, assets []string, bootstrap string, extensions []string) (Config, error) {
	if strings.TrimSpace(version) == "" {
		return Config{}, errors.New("version required")
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return Config{}, fmt.Errorf("invalid origin: %w", err)
	}
	if originURL.Scheme == "" || originURL.Host == "" {
		return Config{}, fmt.Errorf("origin must be absolute: %s", origin)
	}
	if bootstrap == "" {
		return Config{}, errors.New("bootstrap document required")
	}
	pattern, err := StaticPattern(extensions)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Site:              site,
		Version:           version,
		Origin:            originURL,
		ShellAssets:       append([]string(nil), assets...),
		BootstrapDocument: bootstrap,
		StaticPattern:     pattern,
	}, nil
}

// WithVersion 返回仅版本不同的副本，供运行时升级使用。
func (c Config) WithVersion(version string) Config {
	c.Version = version
	c.ShellAssets = append([]string(nil), c.ShellAssets...)
	return c
}

// StaticPattern 将扩展名列表编译为大小写不敏感的路径后缀正则。
func StaticPattern(extensions []string) (*regexp.Regexp, error) {
	quoted := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
		if ext == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(ext))
	}
	if len(quoted) == 0 {
		return regexp.MustCompile(`$^`), nil
	}
	pattern, err := regexp.Compile(`(?i)\.(` + strings.Join(quoted, "|") + `)$`)
	if err != nil {
		return nil, fmt.Errorf("compile static pattern: %w", err)
	}
	return pattern, nil
}

// ShellStoreName 返回当前版本的壳缓存名称。
func (c Config) ShellStoreName() string {
	return c.Version + "-" + PurposeShell
}

// RuntimeStoreName 返回当前版本的运行时缓存名称。
func (c Config) RuntimeStoreName() string {
	return c.Version + "-" + PurposeRuntime
}

// Resolve 以 Origin 为基准解析相对地址，例如 "./index.html"。
func (c Config) Resolve(ref string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	return c.Origin.ResolveReference(parsed), nil
}

// ShellAssetURLs 按配置顺序解析壳资源清单。
func (c Config) ShellAssetURLs() ([]*url.URL, error) {
	result := make([]*url.URL, 0, len(c.ShellAssets))
	for _, asset := range c.ShellAssets {
		u, err := c.Resolve(asset)
		if err != nil {
			return nil, fmt.Errorf("invalid shell asset %q: %w", asset, err)
		}
		result = append(result, u)
	}
	return result, nil
}

// BootstrapURL 返回离线导航兜底文档的绝对地址。
func (c Config) BootstrapURL() (*url.URL, error) {
	return c.Resolve(c.BootstrapDocument)
}

// Target 将入站请求路径映射到源站地址。
func (c Config) Target(requestPath, rawQuery string) *url.URL {
	return TargetURL(c.Origin, requestPath, rawQuery)
}

// TargetURL 将请求路径拼接在源站路径前缀之后，并清理 ".." 等片段。
func TargetURL(origin *url.URL, requestPath, rawQuery string) *url.URL {
	clean := path.Clean("/" + requestPath)
	if strings.HasSuffix(requestPath, "/") && clean != "/" {
		clean += "/"
	}
	target := *origin
	target.Path = strings.TrimSuffix(origin.Path, "/") + clean
	target.RawPath = ""
	target.RawQuery = rawQuery
	target.Fragment = ""
	return &target
}

// SameOrigin 判断 URL 与源站是否同源（scheme + host + port）。
func (c Config) SameOrigin(u *url.URL) bool {
	if u == nil {
		return false
	}
	return strings.EqualFold(u.Scheme, c.Origin.Scheme) &&
		strings.EqualFold(hostWithPort(u), hostWithPort(c.Origin))
}

// IsStaticAsset 判断 URL 路径是否命中静态资源扩展名。
func (c Config) IsStaticAsset(u *url.URL) bool {
	if u == nil || c.StaticPattern == nil {
		return false
	}
	return c.StaticPattern.MatchString(u.Path)
}

func hostWithPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		case "http":
			port = "80"
		}
	}
	return u.Hostname() + ":" + port
}
