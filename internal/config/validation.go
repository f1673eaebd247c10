package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// versionPattern 限制版本号字符集，版本号会直接拼接进缓存名称。
var versionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._]*$`)

// siteNamePattern 约束站点名称：它会成为磁盘子目录与 redis key 的命名空间。
var siteNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var extensionPattern = regexp.MustCompile(`^[a-z0-9]+$`)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch g.StoreBackend {
	case BackendFS:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(g.RedisURL) == "" {
			return newFieldError("Global.RedisURL", "redis 后端必须配置 RedisURL")
		}
	default:
		return newFieldError("Global.StoreBackend", "仅支持 fs|memory|redis")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if err := ValidateSiteName(site.Name); err != nil {
			return newFieldError(siteField(site.Name, "Name"), err.Error())
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		domain := strings.ToLower(site.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(siteField(site.Name, "Domain"), "重复")
		}
		seenDomains[domain] = struct{}{}

		if err := ValidateVersion(site.Version); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Version"), err)
		}
		if err := validateUpstream(site.Origin); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Origin"), err)
		}
		if site.Proxy != "" {
			if err := validateUpstream(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}
		for _, asset := range site.ShellAssets {
			if err := validateAsset(asset); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "ShellAssets"), err)
			}
		}
		if err := validateAsset(site.BootstrapDocument); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "BootstrapDocument"), err)
		}
		for _, ext := range site.StaticExtensions {
			if !extensionPattern.MatchString(ext) {
				return newFieldError(siteField(site.Name, "StaticExtensions"), fmt.Sprintf("非法扩展名: %q", ext))
			}
		}
	}

	return nil
}

// ValidateSiteName 校验站点名称能否安全地用作缓存命名空间。
func ValidateSiteName(name string) error {
	if !siteNamePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("站点名称须以字母或数字开头，仅允许字母、数字、点、下划线与连字符，且不能包含 ..: %q", name)
	}
	return nil
}

// ErrInvalidVersion 表示版本号无法用作缓存名称前缀。
var ErrInvalidVersion = errors.New("invalid version")

// ValidateVersion 校验版本号能否安全地拼接为缓存名称，运行时升级也复用该规则。
func ValidateVersion(version string) error {
	if version == "" {
		return fmt.Errorf("%w: Version 不能为空", ErrInvalidVersion)
	}
	if !versionPattern.MatchString(version) || strings.Contains(version, "..") {
		return fmt.Errorf("%w: Version 仅允许字母、数字、点与下划线: %s", ErrInvalidVersion, version)
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

func validateAsset(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return errors.New("资源路径不能为空")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("非法资源路径 %q: %w", raw, err)
	}
	if parsed.IsAbs() || parsed.Host != "" {
		return fmt.Errorf("资源路径必须是相对地址: %s", raw)
	}
	return nil
}
