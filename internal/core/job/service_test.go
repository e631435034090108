package job

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"karaoke/internal/core/schedule"
	rds "karaoke/internal/platform/redis"
	"karaoke/internal/worker"

	"github.com/alicebob/miniredis/v2"
	redisv8 "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var target = schedule.SourceTarget{URL: "https://www.facebook.com/groups/ohkaraoke", Kind: schedule.KindSocialGroup}

func newService(t *testing.T) (*JobService, *miniredis.Miniredis, *redisv8.Client) {
	mr := miniredis.RunT(t)
	c := redisv8.NewClient(&redisv8.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return NewJobService(rds.NewFromClient(c)), mr, c
}

func TestRunLifecycle(t *testing.T) {
	s, mr, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, s.InitPending(ctx, "r1", target))
	run, err := s.GetJobStatus(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, run.Status)
	assert.Equal(t, activeTTL, mr.TTL("run:r1"))

	require.NoError(t, s.SetProcessing(ctx, "r1", target))
	require.NoError(t, s.Finish(ctx, "r1", target, StatusCompleted, &Result{RecordID: "rec-1", Shows: 3}, nil))

	run, err = s.GetJobStatus(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Equal(t, "rec-1", run.Result.RecordID)
	assert.Equal(t, target, run.Target)
	assert.Equal(t, finishedTTL, mr.TTL("run:r1"))
}

func TestFinishKeepsErrorText(t *testing.T) {
	s, _, _ := newService(t)
	ctx := context.Background()
	require.NoError(t, s.Finish(ctx, "r2", target, StatusFailed, nil, errors.New("auth required")))

	run, err := s.GetJobStatus(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "auth required", run.Error)
	assert.Nil(t, run.Result)
}

func TestGetUnknownRun(t *testing.T) {
	s, _, _ := newService(t)
	_, err := s.GetJobStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPublishForwardsWorkerMessages(t *testing.T) {
	s, _, c := newService(t)
	ctx := context.Background()
	sub := c.Subscribe(ctx, Channel("r3"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	s.Publish(ctx, "r3", worker.Log{Level: worker.LevelWarn, Text: "dropped 4 images"})

	select {
	case msg := <-sub.Channel():
		var ev Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, "log", ev.Type)
		assert.Equal(t, "warn", ev.Level)
		assert.Equal(t, "dropped 4 images", ev.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
	}
}
