package controllers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/usenetd/internal/domain"
)

// -- REQUESTS ---
type PriorityRequest struct {
	Priority string `json:"priority"`
}

type PositionRequest struct {
	Position int `json:"position"`
}

// URLRequest adds a job from an http(s) URL or an "indexer:id" reference.
type URLRequest struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Priority string `json:"priority"`
	PP       *int   `json:"pp"`
	Script   string `json:"script"`
	Password string `json:"password"`
	Force    bool   `json:"force"`
}

type ShutdownRequest struct {
	// Timeout is a Go duration such as "30s"; empty uses the configured default.
	Timeout string `json:"timeout"`
}

// -- RESPONSES ---
type ErrorResponse struct {
	Error string      `json:"error"`
	Kind  domain.Kind `json:"kind,omitempty"`
	Code  string      `json:"code,omitempty"`
}

type IDResponse struct {
	ID uint64 `json:"id"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type JobsResponse struct {
	Jobs []domain.JobSummary `json:"jobs"`
}

type ReloadResponse struct {
	LogLevel       bool     `json:"log_level"`
	Bandwidth      bool     `json:"bandwidth"`
	ServersAdded   []string `json:"servers_added,omitempty"`
	ServersRemoved []string `json:"servers_removed,omitempty"`
	ServersChanged []string `json:"servers_changed,omitempty"`
	Restart        []string `json:"restart_required,omitempty"`
}

// statusOf maps an error kind to the HTTP status reported for it.
func statusOf(err error) int {
	var e *domain.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case domain.KindInvalid:
		return http.StatusBadRequest
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConfig:
		return http.StatusUnprocessableEntity
	case domain.KindTransient:
		return http.StatusBadGateway
	case domain.KindAdmission:
		switch e.Code {
		case domain.CodeDuplicate:
			return http.StatusConflict
		case domain.CodeDiskFull:
			return http.StatusInsufficientStorage
		}
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(c *echo.Context, err error) error {
	resp := ErrorResponse{Error: err.Error()}
	var e *domain.Error
	if errors.As(err, &e) {
		resp.Kind, resp.Code = e.Kind, e.Code
	}
	return c.JSON(statusOf(err), resp)
}

func invalid(c *echo.Context, format string, args ...any) error {
	return fail(c, domain.Errorf(domain.KindInvalid, "", format, args...))
}
