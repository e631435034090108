package aggregate

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"karaoke/internal/cancel"
	"karaoke/internal/core/job"
	"karaoke/internal/core/schedule"
	"karaoke/internal/logger"
	"karaoke/internal/platform/tasks"
	"karaoke/internal/utils/parser"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

type Enqueuer interface {
	Enqueue(task *asynq.Task, queue string, maxRetries int) error
}

type Runs interface {
	InitPending(ctx context.Context, runID string, target schedule.SourceTarget) error
	GetJobStatus(ctx context.Context, runID string) (*job.Run, error)
}

type Handler struct {
	runs       Runs
	tasks      Enqueuer
	cancel     *cancel.Service
	maxRetries int
	log        *logger.Logger
}

func NewHandler(runs Runs, tasks Enqueuer, svc *cancel.Service, maxRetries int) *Handler {
	return &Handler{runs: runs, tasks: tasks, cancel: svc, maxRetries: maxRetries, log: logger.New("SourcesHandler")}
}

type sourceInput struct {
	URL  string        `json:"url"`
	Kind schedule.Kind `json:"kind,omitempty"`
}

type submitRequest struct {
	Sources []sourceInput `json:"sources"`
}

type submittedRun struct {
	RunID string        `json:"run_id"`
	URL   string        `json:"url"`
	Kind  schedule.Kind `json:"kind"`
}

// HandleSubmit handles POST /v1/sources
func (h *Handler) HandleSubmit(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "Invalid request body"})
	}
	if len(req.Sources) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "at least one source is required"})
	}

	targets := make([]schedule.SourceTarget, 0, len(req.Sources))
	var invalid []string
	for _, s := range req.Sources {
		if !validURL(s.URL) {
			invalid = append(invalid, s.URL)
			continue
		}
		targets = append(targets, schedule.NewTarget(s.URL, s.Kind))
	}
	if len(invalid) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid source url", "invalid": invalid})
	}

	ctx := c.UserContext()
	runs := make([]submittedRun, 0, len(targets))
	for _, t := range targets {
		runID := uuid.NewString()
		if err := h.runs.InitPending(ctx, runID, t); err != nil {
			h.log.LogErrorf("init run for %s: %v", t.URL, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "could not record run"})
		}
		task, err := tasks.NewProcessSourceTask(tasks.ProcessSourcePayload{RunID: runID, Target: t})
		if err == nil {
			err = h.tasks.Enqueue(task, tasks.QueueDefault, h.maxRetries)
		}
		if err != nil {
			h.log.LogErrorf("enqueue %s: %v", t.URL, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": "could not enqueue run"})
		}
		runs = append(runs, submittedRun{RunID: runID, URL: t.URL, Kind: t.Kind})
	}
	h.log.LogInfof("enqueued %d source runs", len(runs))
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true, "runs": runs})
}

// HandleGetRun handles GET /v1/runs/:id
func (h *Handler) HandleGetRun(c *fiber.Ctx) error {
	run, err := h.runs.GetJobStatus(c.UserContext(), c.Params("id"))
	if errors.Is(err, job.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "error": "run not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	return c.JSON(run)
}

// HandleCancel handles POST /v1/cancel. New work is accepted again right
// away unless ?hold=true, in which case POST /v1/resume re-arms it.
func (h *Handler) HandleCancel(c *fiber.Ctx) error {
	var q cancelParams
	if err := parser.ParseQuery(c, &q); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	report := h.cancel.CancelAll(c.UserContext())
	if !q.Hold {
		h.cancel.Reset()
	}
	h.log.LogInfof("cancel all: %d terminated, %d forced, hold=%t", len(report.Terminated), len(report.Forced), q.Hold)
	return c.JSON(fiber.Map{"success": true, "held": q.Hold, "report": report})
}

type cancelParams struct {
	Hold bool `form:"hold"`
}

// HandleResume handles POST /v1/resume
func (h *Handler) HandleResume(c *fiber.Ctx) error {
	h.cancel.Reset()
	return c.JSON(fiber.Map{"success": true})
}

func validURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
