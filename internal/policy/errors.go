package policy

import "errors"

var (
	// ErrInstallFailed 表示壳资源预缓存失败，上一版本保持生效。
	ErrInstallFailed = errors.New("install failed")

	// ErrNoCachedResponse 表示网络失败且缓存中没有可回退的响应。
	ErrNoCachedResponse = errors.New("no cached response")

	// ErrInvalidMessage 表示客户端消息缺少类型。
	ErrInvalidMessage = errors.New("invalid message")
)
