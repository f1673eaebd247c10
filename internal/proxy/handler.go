package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/policy"
	"github.com/any-hub/shellcache/internal/server"
)

// 响应头，标记本次响应的来源与生效版本。
const (
	HeaderSource  = "X-Shellcache-Source"
	HeaderVersion = "X-Shellcache-Version"

	// SourcePassthrough 表示请求未被分发器接管，按默认处理直接回源。
	SourcePassthrough = "passthrough"
)

// Handler 是事件总线适配层：把 Fiber 请求转换为 fetch 事件交给当前分发器，
// 分发器不接管时直接回源且不触碰缓存。
type Handler struct {
	logger *logrus.Logger
}

var _ server.ProxyHandler = (*Handler)(nil)

// NewHandler constructs the fetch adapter.
func NewHandler(logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{logger: logger}
}

// Handle 将请求投递给站点当前分发器，等待 pending 结果后写回快照。
func (h *Handler) Handle(c fiber.Ctx, site *server.Site) error {
	started := time.Now()
	requestID := server.RequestID(c)
	req := buildRequest(c, site)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	d := site.Active()
	if d != nil {
		if pending, ok := d.OnFetch(ctx, req); ok {
			result, err := pending.Wait(ctx)
			strategy := string(pending.Strategy())
			if err != nil {
				h.logResult(site, d.Version(), strategy, "", req, requestID, 0, started, err)
				return h.writeError(c, requestID, fiber.StatusBadGateway, "upstream_failed")
			}
			h.logResult(site, d.Version(), strategy, string(result.Source), req, requestID, result.Snapshot.Status, started, nil)
			return h.writeSnapshot(c, result.Snapshot, string(result.Source), d.Version(), requestID)
		}
	}

	snapshot, err := site.Fetcher().Fetch(ctx, req)
	if err != nil {
		h.logResult(site, site.Version(), SourcePassthrough, "", req, requestID, 0, started, err)
		return h.writeError(c, requestID, fiber.StatusBadGateway, "upstream_failed")
	}
	h.logResult(site, site.Version(), SourcePassthrough, SourcePassthrough, req, requestID, snapshot.Status, started, nil)
	return h.writeSnapshot(c, snapshot, SourcePassthrough, site.Version(), requestID)
}

// buildRequest 将入站请求映射为指向源站的只读 policy.Request，并附加 X-Forwarded 头。
func buildRequest(c fiber.Ctx, site *server.Site) policy.Request {
	target := policy.TargetURL(site.OriginURL, requestPath(c), string(c.Request().URI().QueryString()))

	header := fiberHeadersAsHTTP(c)
	header.Del("Host")
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Protocol())
	header.Set("X-Forwarded-Port", sitePort(site))

	req := policy.Request{
		Method: strings.ToUpper(c.Method()),
		URL:    target,
		Header: header,
		Mode:   requestMode(header),
	}
	if body := c.Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	return req
}

// requestMode 优先读取 Sec-Fetch-Mode；缺失时把接受 HTML 的 GET 视为导航。
func requestMode(header http.Header) policy.Mode {
	if raw := header.Get("Sec-Fetch-Mode"); raw != "" {
		return policy.ParseMode(raw)
	}
	if strings.Contains(header.Get("Accept"), "text/html") {
		return policy.ModeNavigate
	}
	return policy.ModeNoCORS
}

func (h *Handler) writeSnapshot(c fiber.Ctx, snapshot *cache.Snapshot, source, version, requestID string) error {
	for key, values := range snapshot.Header {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
	c.Set(HeaderSource, source)
	c.Set(HeaderVersion, version)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(snapshot.Status).Send(snapshot.Body)
}

func (h *Handler) writeError(c fiber.Ctx, requestID string, status int, code string) error {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	site *server.Site,
	version string,
	strategy string,
	source string,
	req policy.Request,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(site.Config.Name, site.Config.Domain, version, strategy, source)
	fields["action"] = "fetch"
	fields["method"] = req.Method
	fields["url"] = redactedURL(req.URL)
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func requestPath(c fiber.Ctx) string {
	if raw := string(c.Request().URI().Path()); raw != "" {
		return raw
	}
	return "/"
}

func sitePort(site *server.Site) string {
	if site == nil || site.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", site.ListenPort)
}

func redactedURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Redacted()
}
