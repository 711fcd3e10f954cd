package controllers

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/usenetd/internal/control"
	"github.com/datallboy/usenetd/internal/domain"
	"github.com/datallboy/usenetd/internal/indexer"
)

type JobsController struct {
	Service *control.Service
}

func jobID(c *echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, domain.Errorf(domain.KindInvalid, "", "invalid job id %q", c.Param("id"))
	}
	return id, nil
}

func boolParam(c *echo.Context, name string) bool {
	v, _ := strconv.ParseBool(c.QueryParam(name))
	return v
}

// List handles GET /jobs?state=a,b&category=tv&history=true&limit=n
func (ctrl *JobsController) List(c *echo.Context) error {
	var f domain.ListFilter
	if states := c.QueryParam("state"); states != "" {
		for _, name := range strings.Split(states, ",") {
			st, ok := domain.ParseJobState(strings.TrimSpace(name))
			if !ok {
				return invalid(c, "unknown state %q", name)
			}
			f.States = append(f.States, st)
		}
	}
	f.Category = c.QueryParam("category")
	f.IncludeHistory = boolParam(c, "history")
	if limit := c.QueryParam("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return invalid(c, "invalid limit %q", limit)
		}
		f.Limit = n
	}

	jobs, err := ctrl.Service.ListJobs(c.Request().Context(), f)
	if err != nil {
		return fail(c, err)
	}
	if jobs == nil {
		jobs = []domain.JobSummary{}
	}
	return c.JSON(http.StatusOK, JobsResponse{Jobs: jobs})
}

// Add handles POST /jobs with a JSON job spec.
func (ctrl *JobsController) Add(c *echo.Context) error {
	var spec domain.JobSpec
	if err := c.Bind(&spec); err != nil {
		return invalid(c, "invalid job spec: %v", err)
	}
	id, err := ctrl.Service.AddJob(c.Request().Context(), spec)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

// AddNZB handles POST /nzb with the raw NZB document as body. Query
// parameters override the NZB head.
func (ctrl *JobsController) AddNZB(c *echo.Context) error {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, indexer.MaxNZBSize+1))
	if err != nil {
		return invalid(c, "reading nzb: %v", err)
	}
	if len(data) > indexer.MaxNZBSize {
		return invalid(c, "nzb larger than %d bytes", indexer.MaxNZBSize)
	}

	opts := control.NZBOptions{
		Name:     c.QueryParam("name"),
		Category: c.QueryParam("category"),
		Priority: c.QueryParam("priority"),
		Script:   c.QueryParam("script"),
		Password: c.QueryParam("password"),
		Force:    boolParam(c, "force"),
	}
	if v := c.QueryParam("pp"); v != "" {
		n, err := strconv.Atoi(v)
		level := domain.PPLevel(n)
		if err != nil || !level.Valid() {
			return invalid(c, "invalid pp level %q", v)
		}
		opts.PP = &level
	}

	id, err := ctrl.Service.AddNZB(c.Request().Context(), data, opts)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

// AddURL handles POST /url
func (ctrl *JobsController) AddURL(c *echo.Context) error {
	var req URLRequest
	if err := c.Bind(&req); err != nil {
		return invalid(c, "invalid request: %v", err)
	}
	if req.URL == "" {
		return invalid(c, "url is required")
	}
	opts := control.NZBOptions{
		Name:     req.Name,
		Category: req.Category,
		Priority: req.Priority,
		Script:   req.Script,
		Password: req.Password,
		Force:    req.Force,
	}
	if req.PP != nil {
		level := domain.PPLevel(*req.PP)
		if !level.Valid() {
			return invalid(c, "invalid pp level %d", *req.PP)
		}
		opts.PP = &level
	}

	id, err := ctrl.Service.AddURL(c.Request().Context(), req.URL, opts)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, IDResponse{ID: id})
}

// Detail handles GET /jobs/:id
func (ctrl *JobsController) Detail(c *echo.Context) error {
	id, err := jobID(c)
	if err != nil {
		return fail(c, err)
	}
	d, err := ctrl.Service.JobDetail(c.Request().Context(), id)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

// Remove handles DELETE /jobs/:id?delete_files=true
func (ctrl *JobsController) Remove(c *echo.Context) error {
	id, err := jobID(c)
	if err != nil {
		return fail(c, err)
	}
	if err := ctrl.Service.RemoveJob(c.Request().Context(), id, boolParam(c, "delete_files")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (ctrl *JobsController) Pause(c *echo.Context) error {
	id, err := jobID(c)
	if err != nil {
		return fail(c, err)
	}
	if err := ctrl.Service.Pause(c.Request().Context(), id); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (ctrl *JobsController) Resume(c *echo.Context) error {
	id, err := jobID(c)
	if err != nil {
		return fail(c, err)
	}
	if err := ctrl.Service.Resume(c.Request().Context(), id); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (ctrl *JobsController) PauseAll(c *echo.Context) error {
	n, err := ctrl.Service.PauseAll(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, CountResponse{Count: n})
}

func (ctrl *JobsController) ResumeAll(c *echo.Context) error {
	n, err := ctrl.Service.ResumeAll(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, CountResponse{Count: n})
}

// SetPriority handles PUT /jobs/:id/priority
func (ctrl *JobsController) SetPriority(c *echo.Context) error {
	id, err := jobID(c)
	if err != nil {
		return fail(c, err)
	}
	var req PriorityRequest
	if err := c.Bind(&req); err != nil {
		return invalid(c, "invalid request: %v", err)
	}
	p, err := domain.ParsePriority(req.Priority)
	if err != nil {
		return fail(c, err)
	}
	if err := ctrl.Service.SetPriority(c.Request().Context(), id, p); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Reorder handles PUT /jobs/:id/position
func (ctrl *JobsController) Reorder(c *echo.Context) error {
	id, err := jobID(c)
	if err != nil {
		return fail(c, err)
	}
	var req PositionRequest
	if err := c.Bind(&req); err != nil {
		return invalid(c, "invalid request: %v", err)
	}
	if err := ctrl.Service.Reorder(c.Request().Context(), id, req.Position); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
