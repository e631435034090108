package tasks

import (
	"encoding/json"

	"karaoke/internal/core/schedule"
	"karaoke/internal/platform/redis"

	"github.com/hibiken/asynq"
)

const (
	TaskTypeProcessSource = "source:process"
	QueueDefault          = "default"
)

// ProcessSourcePayload is one SourceTarget run handed to the worker pool.
type ProcessSourcePayload struct {
	RunID  string                `json:"run_id"`
	Target schedule.SourceTarget `json:"target"`
}

func NewProcessSourceTask(p ProcessSourcePayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeProcessSource, b), nil
}

type Client struct{ c *asynq.Client }

func New(r *redis.Service) *Client { return &Client{c: asynq.NewClient(r.AsynqRedisOpt())} }

func (t *Client) Enqueue(task *asynq.Task, queue string, maxRetries int) error {
	_, err := t.c.Enqueue(task, asynq.Queue(queue), asynq.MaxRetry(maxRetries))
	return err
}

func (t *Client) Close() error { return t.c.Close() }
