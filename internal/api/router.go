package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datallboy/usenetd/internal/api/controllers"
	"github.com/datallboy/usenetd/internal/app"
	"github.com/datallboy/usenetd/internal/control"
	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/infra/config"
)

// APIKeyHeader carries the caller's key; the apikey query parameter is
// accepted as well.
const APIKeyHeader = "X-Api-Key"

func RegisterRoutes(e *echo.Echo, app *app.Context) {
	svc, log := app.Service, app.Logger

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	jobs := &controllers.JobsController{Service: svc}
	sys := &controllers.SystemController{Service: svc, Logger: log}

	g := e.Group("/api/v1", Sessions(app.Config))
	g.GET("/jobs", jobs.List)
	g.POST("/jobs", jobs.Add)
	g.POST("/nzb", jobs.AddNZB)
	g.POST("/url", jobs.AddURL)
	g.GET("/jobs/:id", jobs.Detail)
	g.DELETE("/jobs/:id", jobs.Remove)
	g.POST("/jobs/:id/pause", jobs.Pause)
	g.POST("/jobs/:id/resume", jobs.Resume)
	g.PUT("/jobs/:id/priority", jobs.SetPriority)
	g.PUT("/jobs/:id/position", jobs.Reorder)
	g.POST("/queue/pause", jobs.PauseAll)
	g.POST("/queue/resume", jobs.ResumeAll)

	g.GET("/servers", sys.Servers)
	g.GET("/alarms", sys.Alarms)
	g.DELETE("/alarms", sys.ClearAlarms)
	g.POST("/config/reload", sys.Reload)
	g.POST("/shutdown", sys.Shutdown)
}

// Sessions attaches the session of the request's API key. With no keys
// configured every caller is trusted with full access.
func Sessions(cfg *config.Provider) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			keys := cfg.Current().API.Keys
			sess := control.Internal
			if len(keys) > 0 {
				var ok bool
				if sess, ok = lookup(keys, requestKey(c)); !ok {
					return c.JSON(http.StatusUnauthorized, controllers.ErrorResponse{Error: "missing or unknown api key", Kind: domain.KindForbidden})
				}
			}
			req := c.Request()
			c.SetRequest(req.WithContext(control.WithSession(req.Context(), sess)))
			return next(c)
		}
	}
}

func requestKey(c *echo.Context) string {
	if k := c.Request().Header.Get(APIKeyHeader); k != "" {
		return k
	}
	return c.QueryParam("apikey")
}

func lookup(keys []config.APIKey, key string) (control.Session, bool) {
	if key == "" {
		return control.Session{}, false
	}
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(key)) == 1 {
			// Capability names were checked when the config loaded.
			s, err := control.SessionFor(k)
			return s, err == nil
		}
	}
	return control.Session{}, false
}
