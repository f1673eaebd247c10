package routes

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/policy"
	"github.com/any-hub/shellcache/internal/server"
)

// RegisterSiteRoutes 暴露 /-/sites 诊断与升级接口，供运维查询缓存状态或触发版本切换。
func RegisterSiteRoutes(app *fiber.App, registry *server.SiteRegistry) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/sites", func(c fiber.Ctx) error {
		ctx := requestContext(c)
		sites := registry.List()
		payload := make([]sitePayload, 0, len(sites))
		for _, site := range sites {
			item, err := encodeSite(ctx, site)
			if err != nil {
				return err
			}
			payload = append(payload, item)
		}
		return c.JSON(fiber.Map{
			"sites":      payload,
			"strategies": policy.Strategies(),
		})
	})

	app.Get("/-/sites/:name/stores", func(c fiber.Ctx) error {
		site, ok := registry.Site(strings.TrimSpace(c.Params("name")))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		stores, err := encodeStores(requestContext(c), site.Storage())
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"site":    site.Config.Name,
			"version": site.Version(),
			"stores":  stores,
		})
	})

	app.Post("/-/sites/:name/update", func(c fiber.Ctx) error {
		site, ok := registry.Site(strings.TrimSpace(c.Params("name")))
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		version := strings.TrimSpace(c.Query("version"))
		if version == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "version_required"})
		}

		d, err := site.Update(requestContext(c), version)
		switch {
		case err == nil:
		case errors.Is(err, config.ErrInvalidVersion):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_version", "detail": err.Error()})
		case errors.Is(err, policy.ErrInstallFailed):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":   "install_failed",
				"detail":  err.Error(),
				"version": site.Version(),
			})
		default:
			return err
		}
		return c.JSON(fiber.Map{
			"site":    site.Config.Name,
			"version": d.Version(),
			"state":   d.State(),
		})
	})
}

type sitePayload struct {
	Name     string   `json:"name"`
	Domain   string   `json:"domain"`
	Origin   string   `json:"origin"`
	Version  string   `json:"version"`
	State    string   `json:"state"`
	Stores   []string `json:"stores"`
	Proxy    string   `json:"proxy,omitempty"`
	Assets   []string `json:"shell_assets"`
	Fallback string   `json:"bootstrap_document"`
}

type storePayload struct {
	Name string      `json:"name"`
	Keys []cache.Key `json:"keys"`
}

func encodeSite(ctx context.Context, site *server.Site) (sitePayload, error) {
	names, err := site.Storage().Keys(ctx)
	if err != nil {
		return sitePayload{}, err
	}
	state := "inactive"
	if d := site.Active(); d != nil {
		state = string(d.State())
	}
	proxy := ""
	if site.ProxyURL != nil {
		proxy = site.ProxyURL.Redacted()
	}
	return sitePayload{
		Name:     site.Config.Name,
		Domain:   site.Config.Domain,
		Origin:   site.OriginURL.String(),
		Version:  site.Version(),
		State:    state,
		Stores:   names,
		Proxy:    proxy,
		Assets:   append([]string(nil), site.Config.ShellAssets...),
		Fallback: site.Config.BootstrapDocument,
	}, nil
}

func encodeStores(ctx context.Context, storage cache.Storage) ([]storePayload, error) {
	names, err := storage.Keys(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]storePayload, 0, len(names))
	for _, name := range names {
		store, err := storage.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return nil, err
		}
		if keys == nil {
			keys = []cache.Key{}
		}
		result = append(result, storePayload{Name: name, Keys: keys})
	}
	return result, nil
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
