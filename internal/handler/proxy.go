package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"fatsecret-proxy-go/internal/metrics"
	"fatsecret-proxy-go/internal/middleware"
	"fatsecret-proxy-go/internal/model"
	"fatsecret-proxy-go/internal/route"
	"fatsecret-proxy-go/internal/service"
)

// ProxyHandler serves every proxied route from its descriptor.
type ProxyHandler struct {
	service *service.ProxyService
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. m may be nil when metrics are disabled.
func NewProxyHandler(svc *service.ProxyService, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		metrics: m,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handler returns the echo handler for d.
func (h *ProxyHandler) Handler(d *route.Descriptor) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Set(middleware.RouteKey, d.Name)
		req := c.Request()

		body, err := io.ReadAll(req.Body)
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return he
			}
			h.logger.Warn("reading request body", "route", d.Name, "err", err)
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Failed to read request body"})
		}

		pr := &model.ProxyRequest{
			Ctx:           req.Context(),
			Method:        req.Method,
			Suffix:        c.Param("*"),
			ContentType:   req.Header.Get(echo.HeaderContentType),
			Authorization: req.Header.Get(echo.HeaderAuthorization),
			Query:         req.URL.Query(),
			Body:          body,
		}

		resp, err := h.service.Forward(d, pr)
		if err != nil {
			return h.mapError(c, d, err)
		}
		return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, resp.Body)
	}
}

func (h *ProxyHandler) mapError(c echo.Context, d *route.Descriptor, err error) error {
	var pe *service.ProxyError
	if !errors.As(err, &pe) {
		h.logger.Error("unclassified proxy error", "route", d.Name, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}

	if h.metrics != nil {
		h.metrics.ProxyErrors.WithLabelValues(d.Name, string(pe.Kind)).Inc()
	}

	switch pe.Kind {
	case service.KindUpstreamUnreachable:
		h.logger.Error("upstream request failed", "route", d.Name, "details", pe.Details)
		return c.JSON(pe.Status, map[string]string{
			"error":   pe.Message,
			"details": pe.Details,
		})

	case service.KindUpstreamError:
		if pe.Passthrough {
			ct := pe.Upstream.ContentType
			if ct == "" {
				ct = echo.MIMEApplicationJSON
			}
			return c.Blob(pe.Status, ct, pe.Upstream.Body)
		}
		return c.JSON(pe.Status, map[string]any{
			"error":       pe.Message,
			"status_code": pe.Upstream.StatusCode,
			"response":    string(pe.Upstream.Body),
		})

	case service.KindBadUpstreamResponse:
		h.logger.Error("invalid upstream response", "route", d.Name, "err", err)
		envelope := map[string]any{"error": pe.Message}
		if pe.Upstream != nil {
			envelope["status_code"] = pe.Upstream.StatusCode
		}
		return c.JSON(pe.Status, envelope)

	case service.KindServerMisconfiguration, service.KindInternal:
		h.logger.Error("route misconfigured", "route", d.Name, "err", err)
	}

	return c.JSON(pe.Status, map[string]string{"error": pe.Message})
}
