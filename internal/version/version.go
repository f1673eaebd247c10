// Package version 保存构建期注入的版本标识。
package version

import "fmt"

// Version/Commit 通过 -ldflags "-X github.com/any-hub/shellcache/internal/version.Version=..." 注入。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回 "shellcache <version> (<commit>)"，同时用作启动日志的 version 字段。
func Full() string {
	return fmt.Sprintf("shellcache %s (%s)", Version, Commit)
}
