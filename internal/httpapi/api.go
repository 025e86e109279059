package httpapi

import (
	"net/http"
	"time"

	"filevault/internal/auth"
	"filevault/internal/config"
	"filevault/internal/httpapi/handlers"
	"filevault/internal/realtime"
	"filevault/internal/storage"
	"filevault/internal/upload"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

type API struct {
	cfg     config.Config
	auth    *auth.Authenticator
	handler *handlers.Handler
	logger  zerolog.Logger
}

func New(cfg config.Config, authn *auth.Authenticator, engine *upload.Engine, catalog handlers.Catalog, blobs storage.BlobStorage, registry *realtime.Registry, logger zerolog.Logger) *API {
	return &API{
		cfg:     cfg,
		auth:    authn,
		handler: handlers.New(cfg, engine, catalog, blobs, registry, logger),
		logger:  logger,
	}
}

func (a *API) NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			ev := a.logger.Info()
			if v.Error != nil {
				ev = a.logger.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("path", v.URIPath).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: a.cfg.CORSAllowedOrigins,
		AllowMethods: []string{
			http.MethodGet,
			http.MethodHead,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderAccept,
			echo.HeaderContentType,
			echo.HeaderAuthorization,
			"X-API-Token",
		},
		ExposeHeaders: []string{
			echo.HeaderContentDisposition,
			"ETag",
		},
		MaxAge: 600,
	}))

	a.registerRoutes(e)
	return e
}

func (a *API) NewServer(e *echo.Echo) *http.Server {
	return &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       a.cfg.HTTPReadTimeout,
		WriteTimeout:      a.cfg.HTTPWriteTimeout,
		IdleTimeout:       a.cfg.HTTPIdleTimeout,
	}
}
