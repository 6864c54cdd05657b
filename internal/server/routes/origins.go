package routes

import (
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/csproxy/internal/metrics"
	"github.com/any-hub/csproxy/internal/server"
)

// RegisterOriginRoutes 暴露 /-/origins 诊断接口，供 SRE 查询 Origin 绑定、协议上限与锁预算。
func RegisterOriginRoutes(app *fiber.App, rt *server.Runtime) {
	if app == nil || rt == nil || rt.Registry == nil {
		return
	}

	app.Get("/-/origins", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"origins":  encodeOrigins(rt.Registry.List(), endpoints(rt)),
			"lock_cap": rt.Cache.LockCap(),
		}
		return c.JSON(payload)
	})

	app.Get("/-/origins/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if name == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "origin_name_required"})
		}
		route, ok := rt.Registry.Get(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "origin_not_found"})
		}
		return c.JSON(encodeOrigin(*route, endpoints(rt)))
	})
}

// RegisterMetricsRoute 通过 /-/metrics 暴露 Prometheus 指标。
func RegisterMetricsRoute(app *fiber.App, m *metrics.Metrics) {
	if app == nil || m == nil {
		return
	}
	app.Get("/-/metrics", adaptor.HTTPHandler(m.Handler()))
}

type originPayload struct {
	Name        string `json:"name"`
	Domain      string `json:"domain"`
	Port        int    `json:"port"`
	Upstream    string `json:"upstream"`
	LocalTarget string `json:"local_target,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	MaxProtocol int    `json:"max_protocol,omitempty"`
	SingleJob   bool   `json:"single_job"`
	AuthMode    string `json:"auth_mode"`
	Proxy       bool   `json:"via_proxy"`
}

func endpoints(rt *server.Runtime) map[string]string {
	if rt.Factory == nil {
		return nil
	}
	return rt.Factory.Endpoints()
}

func encodeOrigins(routes []server.OriginRoute, endpoints map[string]string) []originPayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]originPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, encodeOrigin(route, endpoints))
	}
	return result
}

func encodeOrigin(route server.OriginRoute, endpoints map[string]string) originPayload {
	cfg := route.Config
	return originPayload{
		Name:        cfg.Name,
		Domain:      cfg.Domain,
		Port:        route.ListenPort,
		Upstream:    cfg.Upstream,
		LocalTarget: cfg.LocalTarget(),
		Endpoint:    endpoints[cfg.Name],
		MaxProtocol: cfg.MaxProtocol,
		SingleJob:   cfg.SingleJob,
		AuthMode:    cfg.AuthMode(),
		Proxy:       route.ProxyURL != nil,
	}
}
