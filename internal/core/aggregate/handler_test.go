package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"karaoke/internal/cancel"
	"karaoke/internal/core/job"
	"karaoke/internal/core/schedule"
	"karaoke/internal/logger"
	rds "karaoke/internal/platform/redis"
	"karaoke/internal/platform/tasks"

	"github.com/alicebob/miniredis/v2"
	redisv8 "github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingQueue struct {
	tasks []*asynq.Task
	err   error
}

func (q *recordingQueue) Enqueue(task *asynq.Task, queue string, maxRetries int) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func newTestApp(t *testing.T, q Enqueuer) (*fiber.App, *job.JobService, *cancel.Service) {
	mr := miniredis.RunT(t)
	client := redisv8.NewClient(&redisv8.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	jobs := job.NewJobService(rds.NewFromClient(client))
	svc := cancel.New(time.Second, logger.Discard("test"))

	h := NewHandler(jobs, q, svc, 0)
	app := fiber.New()
	app.Post("/v1/sources", h.HandleSubmit)
	app.Get("/v1/runs/:id", h.HandleGetRun)
	app.Post("/v1/cancel", h.HandleCancel)
	app.Post("/v1/resume", h.HandleResume)
	return app, jobs, svc
}

func post(t *testing.T, app *fiber.App, path, body string) (int, map[string]any) {
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestSubmitEnqueuesOneTaskPerSource(t *testing.T) {
	q := &recordingQueue{}
	app, jobs, _ := newTestApp(t, q)

	code, body := post(t, app, "/v1/sources", `{"sources":[{"url":"https://karaoke.example/venues","kind":"directory"},{"url":"https://www.facebook.com/groups/ohkaraoke"}]}`)
	require.Equal(t, fiber.StatusAccepted, code)
	require.Len(t, q.tasks, 2)

	var p tasks.ProcessSourcePayload
	require.NoError(t, json.Unmarshal(q.tasks[1].Payload(), &p))
	assert.Equal(t, schedule.KindSocialGroup, p.Target.Kind, "kind is inferred when omitted")

	runs := body["runs"].([]any)
	runID := runs[0].(map[string]any)["run_id"].(string)
	run, err := jobs.GetJobStatus(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, run.Status)
	assert.Equal(t, schedule.KindDirectory, run.Target.Kind)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/runs/"+runID, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestSubmitRejectsMalformedURLs(t *testing.T) {
	q := &recordingQueue{}
	app, _, _ := newTestApp(t, q)

	code, body := post(t, app, "/v1/sources", `{"sources":[{"url":"https://ok.example"},{"url":"ftp://nope"},{"url":"not a url"}]}`)
	assert.Equal(t, fiber.StatusBadRequest, code)
	assert.Len(t, body["invalid"], 2)
	assert.Empty(t, q.tasks, "nothing is enqueued when any source is invalid")

	code, _ = post(t, app, "/v1/sources", `{"sources":[]}`)
	assert.Equal(t, fiber.StatusBadRequest, code)
}

func TestSubmitEnqueueFailure(t *testing.T) {
	app, _, _ := newTestApp(t, &recordingQueue{err: errors.New("redis down")})
	code, _ := post(t, app, "/v1/sources", `{"sources":[{"url":"https://ok.example"}]}`)
	assert.Equal(t, fiber.StatusInternalServerError, code)
}

func TestGetUnknownRun(t *testing.T) {
	app, _, _ := newTestApp(t, &recordingQueue{})
	resp, err := app.Test(httptest.NewRequest("GET", "/v1/runs/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	app, _, svc := newTestApp(t, &recordingQueue{})
	_, release := svc.Scope(context.Background(), "run-x", "run", 0)
	defer release()

	code, body := post(t, app, "/v1/cancel?hold=true", ``)
	assert.Equal(t, fiber.StatusOK, code)
	report := body["report"].(map[string]any)
	assert.Contains(t, report["terminated"], "run-x")
	assert.True(t, svc.IsCancelled())

	code, _ = post(t, app, "/v1/resume", ``)
	assert.Equal(t, fiber.StatusOK, code)
	assert.False(t, svc.IsCancelled())

	post(t, app, "/v1/cancel", ``)
	assert.False(t, svc.IsCancelled(), "without hold new work is accepted again")
}
