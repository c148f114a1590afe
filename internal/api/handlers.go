package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rancher/deployd/internal/daemon"
)

const defaultHistoryLimit = 50

type handlers struct {
	repos     Repositories
	scheduler Scheduler
	hist      History
}

type repositoryView struct {
	Name             string    `json:"name"`
	DeploymentBranch string    `json:"deployment_branch"`
	RemoteName       string    `json:"remote_name"`
	NeedsUpdate      bool      `json:"needs_update"`
	NeedsBuild       bool      `json:"needs_build"`
	NeedsDeployment  bool      `json:"needs_deployment"`
	LastCheckedAt    time.Time `json:"last_checked_at"`
	NextCheckAt      time.Time `json:"next_check_at"`
}

type statusView struct {
	Repositories  []repositoryView `json:"repositories"`
	NextCheckTime *time.Time       `json:"next_check_time,omitempty"`
	Daemon        daemon.Status    `json:"daemon"`
}

type historyView struct {
	ID         string    `json:"id"`
	Repository string    `json:"repository"`
	Stage      string    `json:"stage"`
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (h *handlers) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) status(c echo.Context) error {
	repos := h.repos.AllRepositories()
	view := statusView{Repositories: make([]repositoryView, 0, len(repos))}
	for _, r := range repos {
		view.Repositories = append(view.Repositories, repositoryView{
			Name:             r.Name,
			DeploymentBranch: r.DeploymentBranch,
			RemoteName:       r.RemoteName,
			NeedsUpdate:      r.NeedsUpdate,
			NeedsBuild:       r.NeedsBuild,
			NeedsDeployment:  r.NeedsDeployment,
			LastCheckedAt:    r.LastCheckedAt,
			NextCheckAt:      r.NextCheckAt(),
		})
	}
	if next, ok := h.repos.NextCheckTime(); ok {
		view.NextCheckTime = &next
	}
	if h.scheduler != nil {
		view.Daemon = h.scheduler.Status()
	}
	return c.JSON(http.StatusOK, view)
}

func (h *handlers) cycle(c echo.Context) error {
	if h.scheduler == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "scheduler not running"})
	}
	h.scheduler.AskForCycle()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "cycle requested"})
}

func (h *handlers) listHistory(c echo.Context) error {
	if h.hist == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "history is disabled"})
	}
	limit := defaultHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = n
	}

	entries, err := h.hist.Recent(c.Request().Context(), c.QueryParam("repository"), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	out := make([]historyView, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyView{
			ID:         e.ID,
			Repository: e.Repository,
			Stage:      e.Stage,
			Success:    e.Success,
			Message:    e.Message,
			StartedAt:  e.StartedAt,
			FinishedAt: e.FinishedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}
