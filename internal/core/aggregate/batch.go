package aggregate

import (
	"context"
	"encoding/json"
	"fmt"

	"karaoke/internal/cancel"
	"karaoke/internal/core/job"
	"karaoke/internal/core/schedule"
	"karaoke/internal/platform/tasks"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"
)

type Outcome struct {
	RunID  string                `json:"runId"`
	Target schedule.SourceTarget `json:"target"`
	Result job.Result            `json:"result"`
	Err    error                 `json:"-"`
}

// ProcessBatch runs targets concurrently up to the configured pool size. A
// failing target does not stop the others; outcomes keep input order.
func (c *Controller) ProcessBatch(ctx context.Context, targets []schedule.SourceTarget) []Outcome {
	out := make([]Outcome, len(targets))
	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for i, t := range targets {
		g.Go(func() error {
			id := uuid.NewString()
			res, err := c.Run(ctx, id, t)
			out[i] = Outcome{RunID: id, Target: t, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// HandleTask is the asynq entry point. Pipeline failures are never retried
// as a whole: retries already happened per image, per batch and per login.
func (c *Controller) HandleTask(ctx context.Context, t *asynq.Task) error {
	var p tasks.ProcessSourcePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	if p.RunID == "" || p.Target.URL == "" {
		return fmt.Errorf("payload missing run id or url: %w", asynq.SkipRetry)
	}
	_, err := c.Run(ctx, p.RunID, schedule.NewTarget(p.Target.URL, p.Target.Kind))
	switch {
	case err == nil, cancel.IsCancellation(err):
		return nil
	default:
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
}
