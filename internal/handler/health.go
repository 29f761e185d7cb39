package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"fatsecret-proxy-go/internal/route"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	table   *route.Table
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(table *route.Table, v Version) *HealthHandler {
	return &HealthHandler{table: table, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type routeStatus struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Configured bool   `json:"configured"`
}

type statusResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Routes  []routeStatus `json:"routes"`
}

// Status reports the build version and whether each route has the target and
// credential it needs. Credential values are never included.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{Status: "ok", Version: string(h.version)}
	for _, d := range h.table.Descriptors() {
		resp.Routes = append(resp.Routes, routeStatus{
			Name:       d.Name,
			Path:       d.Path,
			Configured: d.Configured(),
		})
	}
	return c.JSON(http.StatusOK, resp)
}
