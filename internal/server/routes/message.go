package routes

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/shellcache/internal/policy"
	"github.com/any-hub/shellcache/internal/server"
)

// RegisterMessageRoutes 暴露 POST /-/message，由 Host 选择站点后投递给当前分发器。
func RegisterMessageRoutes(app *fiber.App, registry *server.SiteRegistry) {
	if app == nil || registry == nil {
		return
	}

	app.Post("/-/message", func(c fiber.Ctx) error {
		host := strings.TrimSpace(server.HostHeader(c))
		site, ok := registry.Lookup(host)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "host_unmapped"})
		}
		d := site.Active()
		if d == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "site_inactive"})
		}

		var msg policy.Message
		if err := c.Bind().JSON(&msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		if err := d.OnMessage(requestContext(c), msg); err != nil {
			if errors.Is(err, policy.ErrInvalidMessage) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
			}
			return err
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
	})
}
