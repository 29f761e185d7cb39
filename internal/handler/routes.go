package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fatsecret-proxy-go/internal/config"
	"fatsecret-proxy-go/internal/metrics"
	"fatsecret-proxy-go/internal/route"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Proxied
// routes accept any method so the method check answers with the proxy's
// own 405 envelope. m may be nil when metrics are disabled.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, table *route.Table, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	for _, d := range table.Descriptors() {
		e.Any(d.Path, proxy.Handler(d))
	}

	if m != nil && cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(metricsHandler(m)))
	}
}

func metricsHandler(m *metrics.Metrics) http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
