package jobs

import (
	"context"
	"errors"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lissto-dev/imagewatch/internal/api/common"
	"github.com/lissto-dev/imagewatch/internal/middleware"
	"github.com/lissto-dev/imagewatch/pkg/batch"
	"github.com/lissto-dev/imagewatch/pkg/logging"
	"github.com/lissto-dev/imagewatch/pkg/response"
)

// Scheduler is the part of *batch.Scheduler the handlers use
type Scheduler interface {
	StartJob(ctx context.Context, jobType batch.JobType, isManual bool) (batch.StartResult, error)
	LatestRun(ctx context.Context, jobType batch.JobType) (*batch.Run, error)
	LatestRunsByJobType(ctx context.Context) (map[batch.JobType]batch.Run, error)
	RecentRuns(ctx context.Context, limit int) ([]batch.Run, error)
}

// Handler handles job HTTP requests
type Handler struct {
	scheduler Scheduler
}

// NewHandler creates a new jobs handler
func NewHandler(scheduler Scheduler) *Handler {
	return &Handler{scheduler: scheduler}
}

// StartJob handles POST /jobs/:type/start. A job already in progress is
// reported with 409 and the id of the running run.
func (h *Handler) StartJob(c echo.Context) error {
	jobType := batch.JobType(c.Param("type"))

	res, err := h.scheduler.StartJob(c.Request().Context(), jobType, true)
	if errors.Is(err, batch.ErrUnknownJobType) {
		return response.NotFound(c, "Unknown job type: "+string(jobType))
	}
	if err != nil {
		logging.Logger.Error("Failed to start job",
			zap.String("job_type", string(jobType)),
			zap.Error(err))
		return response.InternalServerError(c, "Failed to start job")
	}

	if res.AlreadyRunning {
		return response.Conflict(c, "Job already running", res)
	}

	var by string
	if user, ok := middleware.GetUserFromContext(c); ok {
		by = user.Name
	}
	logging.Logger.Info("Job started manually",
		zap.String("job_type", string(jobType)),
		zap.Int64("run_id", res.RunID),
		zap.String("user", by))

	return response.Accepted(c, "Job started", res)
}

// GetLatest handles GET /jobs/latest. With ?type= it returns that type's
// latest run, otherwise the latest run of every type.
func (h *Handler) GetLatest(c echo.Context) error {
	ctx := c.Request().Context()

	if jobType := c.QueryParam("type"); jobType != "" {
		run, err := h.scheduler.LatestRun(ctx, batch.JobType(jobType))
		if err != nil {
			logging.Logger.Error("Failed to load latest run", zap.Error(err))
			return response.InternalServerError(c, "Failed to load latest run")
		}
		if run == nil {
			return response.NotFound(c, "No runs for job type: "+jobType)
		}
		return response.OK(c, "", run)
	}

	runs, err := h.scheduler.LatestRunsByJobType(ctx)
	if err != nil {
		logging.Logger.Error("Failed to load latest runs", zap.Error(err))
		return response.InternalServerError(c, "Failed to load latest runs")
	}
	return response.OK(c, "", runs)
}

// ListRuns handles GET /jobs/runs?limit=&format=
func (h *Handler) ListRuns(c echo.Context) error {
	limit, ok := common.ParseLimit(c)
	if !ok {
		return response.BadRequest(c, "limit must be a positive integer")
	}

	runs, err := h.scheduler.RecentRuns(c.Request().Context(), limit)
	if err != nil {
		logging.Logger.Error("Failed to list runs", zap.Error(err))
		return response.InternalServerError(c, "Failed to list runs")
	}
	return common.HandleFormatResponse(c, "", common.FormattableRuns(runs))
}
