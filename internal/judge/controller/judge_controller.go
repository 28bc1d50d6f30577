package controller

import (
	"context"
	"net/http"
	"sort"
	"time"

	"tiger/internal/judge/model"
	"tiger/internal/judge/service"
	"tiger/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const healthTimeout = 2 * time.Second

// TaskReader loads task snapshots.
type TaskReader interface {
	Get(ctx context.Context, taskID string) (model.TaskSnapshot, error)
}

// ActiveLister lists the jobs running on this worker.
type ActiveLister interface {
	Active() []service.ActiveTask
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// JudgeController serves task state and worker health.
type JudgeController struct {
	tasks  TaskReader
	active ActiveLister
	checks map[string]HealthCheck
}

// NewJudgeController creates a new controller.
func NewJudgeController(tasks TaskReader, active ActiveLister, checks map[string]HealthCheck) *JudgeController {
	return &JudgeController{tasks: tasks, active: active, checks: checks}
}

// Register mounts the routes on r.
func (h *JudgeController) Register(r gin.IRouter) {
	api := r.Group("/api/v1")
	api.GET("/tasks", h.ListActive)
	api.GET("/tasks/:id", h.GetTask)
	r.GET("/healthz", h.Health)
}

// GetTask returns the latest snapshot of one task.
func (h *JudgeController) GetTask(c *gin.Context) {
	taskID := c.Param("id")
	if taskID == "" {
		response.BadRequest(c, "Invalid task id")
		return
	}
	snap, err := h.tasks.Get(c.Request.Context(), taskID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, snap)
}

// ListActive returns the jobs running on this worker.
func (h *JudgeController) ListActive(c *gin.Context) {
	if h.active == nil {
		response.Success(c, []service.ActiveTask{})
		return
	}
	response.Success(c, h.active.Active())
}

// Health runs every dependency check, each under its own timeout. Any
// failure answers 503 with the failing checks listed.
func (h *JudgeController) Health(c *gin.Context) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		if err := runCheck(c.Request.Context(), h.checks[name]); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "checks": status})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": status})
}

func runCheck(parent context.Context, check HealthCheck) error {
	ctx, cancel := context.WithTimeout(parent, healthTimeout)
	defer cancel()
	return check(ctx)
}
