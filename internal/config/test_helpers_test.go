package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeSiteConfig 在 global 段之后追加一个最小可用的 uc 站点，siteExtra 为该站点的附加键。
func writeSiteConfig(t *testing.T, global, siteExtra string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString(strings.TrimSpace(global))
	b.WriteString("\n\n[[Site]]\nName = \"uc\"\nDomain = \"uc.local\"\nOrigin = \"https://origin.example.com\"\nVersion = \"v1\"\n")
	if extra := strings.TrimSpace(siteExtra); extra != "" {
		b.WriteString(extra)
		b.WriteString("\n")
	}

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
