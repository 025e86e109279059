package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (a *API) registerRoutes(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"ok":        true,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
	if a.cfg.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}
	e.GET("/ws", a.handler.Socket, a.auth.Middleware)

	v1 := e.Group("/api/v1")
	a.registerAuthV1Routes(v1)
	a.registerInternalRoutes(e)
}

func (a *API) registerAuthV1Routes(v1 *echo.Group) {
	v1Auth := v1.Group("")
	v1Auth.Use(a.auth.Middleware)
	v1Auth.POST("/uploads", a.handler.StartUpload)
	v1Auth.POST("/uploads/single", a.handler.UploadSingle)
	v1Auth.GET("/uploads/:taskId", a.handler.UploadStatus)
	v1Auth.POST("/uploads/:taskId/chunks", a.handler.UploadChunk)
	v1Auth.GET("/files", a.handler.ListFiles)
	v1Auth.GET("/files/:linkId/content", a.handler.FileContent)
}

func (a *API) registerInternalRoutes(e *echo.Echo) {
	internal := e.Group("/api/internal")
	internal.Use(a.auth.Middleware)
	internal.POST("/tokens", a.handler.CreateToken)
}
