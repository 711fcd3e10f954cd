package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/usenetd/internal/control"
	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/infra/logger"
)

type SystemController struct {
	Service *control.Service
	Logger  *logger.Logger
}

func (ctrl *SystemController) Servers(c *echo.Context) error {
	statuses, err := ctrl.Service.Servers(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, statuses)
}

func (ctrl *SystemController) Alarms(c *echo.Context) error {
	alarms, err := ctrl.Service.Alarms(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	if alarms == nil {
		alarms = []control.Alarm{}
	}
	return c.JSON(http.StatusOK, alarms)
}

func (ctrl *SystemController) ClearAlarms(c *echo.Context) error {
	n, err := ctrl.Service.ClearAlarms(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, CountResponse{Count: n})
}

// Reload handles POST /config/reload. A rejected file leaves the running
// config in place and is reported as 422.
func (ctrl *SystemController) Reload(c *echo.Context) error {
	cs, err := ctrl.Service.ReloadConfig(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, ReloadResponse{
		LogLevel:       cs.LogLevel,
		Bandwidth:      cs.Bandwidth,
		ServersAdded:   cs.ServersAdded,
		ServersRemoved: cs.ServersRemoved,
		ServersChanged: cs.ServersChanged,
		Restart:        cs.Restart,
	})
}

// Shutdown handles POST /shutdown. The drain runs after the response is
// written.
func (ctrl *SystemController) Shutdown(c *echo.Context) error {
	ctx := c.Request().Context()
	if !control.SessionFrom(ctx).Can(control.CapAdmin) {
		return fail(c, domain.Errorf(domain.KindForbidden, "", "admin capability required"))
	}
	var req ShutdownRequest
	if err := c.Bind(&req); err != nil {
		return invalid(c, "invalid request: %v", err)
	}
	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d < 0 {
			return invalid(c, "invalid timeout %q", req.Timeout)
		}
		timeout = d
	}

	go func(ctx context.Context) {
		if err := ctrl.Service.Shutdown(ctx, timeout); err != nil {
			ctrl.Logger.Error("Shutdown: %v", err)
		}
	}(context.WithoutCancel(ctx))
	return c.NoContent(http.StatusAccepted)
}
