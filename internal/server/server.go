package server

import (
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/arman-rafiee/turnpipe/config"
	"github.com/arman-rafiee/turnpipe/internal/pipeline"
	"github.com/arman-rafiee/turnpipe/internal/search"
	"github.com/arman-rafiee/turnpipe/internal/store"
	"github.com/arman-rafiee/turnpipe/internal/telemetry"
	"github.com/arman-rafiee/turnpipe/internal/turn"
)

// Deps are the wired services the API serves. DB is optional; everything
// else is required.
type Deps struct {
	Config    *config.Config
	Orch      *pipeline.Orchestrator
	Alloc     turn.Allocator
	Archive   *store.FSArchive
	DB        *store.Store
	Index     *search.Index
	Telemetry *telemetry.Telemetry
	Logger    *log.Logger
}

// New builds the echo instance with all routes registered.
func New(d Deps) (*echo.Echo, error) {
	if d.Config == nil || d.Orch == nil || d.Alloc == nil || d.Archive == nil {
		return nil, fmt.Errorf("server: config, orchestrator, allocator and archive are required")
	}
	if d.Logger == nil {
		d.Logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		d.Logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if d.Telemetry != nil {
		e.GET("/metrics", echo.WrapHandler(d.Telemetry.Handler()))
	}

	secret := []byte(d.Config.Server.JWTSecret)
	api := e.Group("/api")

	auth := &AuthHandler{Users: d.Config.Server.Users, Secret: secret}
	auth.Register(api.Group("/auth"))

	th := &TurnsHandler{
		Orch:        d.Orch,
		Alloc:       d.Alloc,
		Archive:     d.Archive,
		DB:          d.DB,
		EventBuffer: d.Config.Server.EventBuffer,
		Logger:      d.Logger,
	}
	th.Register(api.Group("/turns"), secret)

	if d.Index != nil {
		sh := &SearchHandler{Index: d.Index}
		sh.Register(api.Group("/search"), secret)
	}
	if d.Telemetry != nil {
		ch := &CostsHandler{Telemetry: d.Telemetry}
		ch.Register(api.Group("/costs"), secret)
	}
	return e, nil
}
