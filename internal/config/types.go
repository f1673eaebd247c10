package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 缓存后端类型。
const (
	BackendFS     = "fs"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StoreBackend    string   `mapstructure:"StoreBackend"`
	RedisURL        string   `mapstructure:"RedisURL"`
	RedisKeyPrefix  string   `mapstructure:"RedisKeyPrefix"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// SiteConfig 决定单个站点的源站、版本与壳资源清单。
type SiteConfig struct {
	Name              string   `mapstructure:"Name"`
	Domain            string   `mapstructure:"Domain"`
	Origin            string   `mapstructure:"Origin"`
	Proxy             string   `mapstructure:"Proxy"`
	Version           string   `mapstructure:"Version"`
	ShellAssets       []string `mapstructure:"ShellAssets"`
	BootstrapDocument string   `mapstructure:"BootstrapDocument"`
	StaticExtensions  []string `mapstructure:"StaticExtensions"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// DefaultStaticExtensions 是同源静态资源的默认扩展名集合。
var DefaultStaticExtensions = []string{
	"css", "js", "png", "jpg", "jpeg", "svg", "webp", "avif", "ico", "json",
}

// SiteVersions 返回所有站点的版本摘要，例如 uc:v4，供日志字段使用。
func SiteVersions(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.Version)
	}
	return result
}
