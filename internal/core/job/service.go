package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"karaoke/internal/core/schedule"
	"karaoke/internal/logger"
	rds "karaoke/internal/platform/redis"
	"karaoke/internal/worker"

	redisv8 "github.com/go-redis/redis/v8"
)

var ErrNotFound = errors.New("run not found")

const (
	activeTTL   = 2 * time.Hour
	finishedTTL = 24 * time.Hour
)

type JobService struct {
	redis *rds.Service
	now   func() time.Time
	log   *logger.Logger
}

func NewJobService(redis *rds.Service) *JobService {
	return &JobService{redis: redis, now: time.Now, log: logger.New("JobService")}
}

func (s *JobService) GetJobStatus(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := s.redis.CacheGet(ctx, key(runID), &run); err != nil {
		if errors.Is(err, redisv8.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, err
	}
	return &run, nil
}

func (s *JobService) InitPending(ctx context.Context, runID string, target schedule.SourceTarget) error {
	now := s.now().UTC()
	run := Run{RunID: runID, Target: target, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	return s.save(ctx, run)
}

func (s *JobService) SetProcessing(ctx context.Context, runID string, target schedule.SourceTarget) error {
	return s.update(ctx, runID, target, func(r *Run) { r.Status = StatusProcessing })
}

// Finish records a terminal status. A nil result keeps whatever partial
// result was stored before.
func (s *JobService) Finish(ctx context.Context, runID string, target schedule.SourceTarget, status Status, result *Result, runErr error) error {
	return s.update(ctx, runID, target, func(r *Run) {
		r.Status = status
		if result != nil {
			r.Result = result
		}
		if runErr != nil {
			r.Error = runErr.Error()
		}
	})
}

func (s *JobService) update(ctx context.Context, runID string, target schedule.SourceTarget, fn func(*Run)) error {
	run, err := s.GetJobStatus(ctx, runID)
	if errors.Is(err, ErrNotFound) {
		// Tasks enqueued by another process may arrive before or without InitPending.
		run = &Run{RunID: runID, Target: target, CreatedAt: s.now().UTC()}
	} else if err != nil {
		return err
	}
	fn(run)
	run.UpdatedAt = s.now().UTC()
	return s.save(ctx, *run)
}

func (s *JobService) save(ctx context.Context, run Run) error {
	ttl := activeTTL
	if run.Status.Terminal() {
		ttl = finishedTTL
	}
	if err := s.redis.CacheSet(ctx, key(run.RunID), run, ttl); err != nil {
		return err
	}
	return s.publish(ctx, run.RunID, Event{Type: "status", Status: run.Status})
}

// Publish forwards an advisory worker message to the run channel.
func (s *JobService) Publish(ctx context.Context, runID string, m worker.Message) {
	ev := Event{Type: worker.Type(m)}
	switch v := m.(type) {
	case worker.Progress:
		ev.Message = v.Text
	case worker.Log:
		ev.Level, ev.Message = string(v.Level), v.Text
	case worker.CredentialsRequest:
		ev.Message = v.RequestID
	}
	if err := s.publish(ctx, runID, ev); err != nil {
		s.log.Debug().Err(err).Str("run_id", runID).Msg("publish failed")
	}
}

func (s *JobService) publish(ctx context.Context, runID string, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.redis.Client().Publish(ctx, Channel(runID), b).Err()
}

// Channel is the pub/sub channel carrying a run's events.
func Channel(runID string) string { return key(runID) }

func key(id string) string { return "run:" + id }
