package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"karaoke/internal/cancel"
	"karaoke/internal/logger"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCancel() *cancel.Service { return cancel.New(time.Second, logger.Discard("Cancel")) }

func TestSpawnCompletes(t *testing.T) {
	svc := newCancel()
	ch := Spawn(context.Background(), svc, Unit{ID: "w1", Description: "test"}, func(ctx context.Context, emit Emit) ([]string, error) {
		emit.Progressf("step %d", 1)
		emit.Logf(LevelInfo, "hello")
		return []string{"a", "b"}, nil
	})

	var advisory []string
	data, err := Await[[]string](ch, func(m Message) { advisory = append(advisory, Type(m)) })

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, data)
	assert.Equal(t, []string{"progress", "log"}, advisory)
	assert.Empty(t, svc.Active())
}

func TestSpawnErrorCarriesPartialData(t *testing.T) {
	boom := errors.New("nav failed")
	ch := Spawn(context.Background(), newCancel(), Unit{ID: "w2"}, func(ctx context.Context, emit Emit) (int, error) {
		return 3, boom
	})
	data, err := Await[int](ch, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, data)
}

func TestSpawnRecoversPanic(t *testing.T) {
	ch := Spawn(context.Background(), newCancel(), Unit{ID: "w3"}, func(ctx context.Context, emit Emit) (int, error) {
		panic("bad source")
	})
	_, err := Await[int](ch, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad source")
}

func TestSpawnTimeoutIsTerminalError(t *testing.T) {
	ch := Spawn(context.Background(), newCancel(), Unit{ID: "w4", Description: "slow", Timeout: 20 * time.Millisecond}, func(ctx context.Context, emit Emit) (int, error) {
		<-ctx.Done()
		return 0, nil
	})
	_, err := Await[int](ch, nil)
	assert.ErrorIs(t, err, cancel.ErrTimeout)
}

func TestCancelAllStopsProgress(t *testing.T) {
	svc := newCancel()
	const workers = 5
	var cancelled atomic.Bool
	started := make(chan struct{}, workers)

	chans := make([]<-chan Message, 0, workers)
	for i := 0; i < workers; i++ {
		chans = append(chans, Spawn(context.Background(), svc, Unit{ID: "loop-" + string(rune('a'+i))}, func(ctx context.Context, emit Emit) (int, error) {
			started <- struct{}{}
			for n := 0; ; n++ {
				tag := "pre"
				if cancelled.Load() {
					tag = "post"
				}
				emit(Progress{Text: tag})
				if ctx.Err() != nil {
					// Keep talking for a bit; none of it may get through.
					for j := 0; j < 3; j++ {
						emit(Progress{Text: "post"})
					}
					return n, svc.ThrowIfCancelled("loop")
				}
				time.Sleep(2 * time.Millisecond)
			}
		}))
	}
	for i := 0; i < workers; i++ {
		<-started
	}
	require.Len(t, svc.Active(), workers)

	report := svc.CancelAll(context.Background())
	cancelled.Store(true)
	assert.Len(t, report.Terminated, workers)
	assert.Empty(t, svc.Active())

	var post int
	for _, ch := range chans {
		_, err := Await[int](ch, func(m Message) {
			if p, ok := m.(Progress); ok && p.Text == "post" {
				post++
			}
		})
		assert.True(t, cancel.IsCancellation(err))
	}
	assert.Zero(t, post)
}

func TestTypeTags(t *testing.T) {
	assert.Equal(t, "progress", Type(Progress{}))
	assert.Equal(t, "log", Type(Log{}))
	assert.Equal(t, "request-facebook-credentials", Type(CredentialsRequest{}))
	assert.Equal(t, "complete", Type(Complete[int]{}))
	assert.Equal(t, "error", Type(Error[int]{}))
}

func TestMuxLogsAndForwardsErrors(t *testing.T) {
	m := NewMux()
	boom := errors.New("boom")
	m.HandleFunc("source:process", func(context.Context, *asynq.Task) error { return boom })
	err := m.Mux().ProcessTask(context.Background(), asynq.NewTask("source:process", nil))
	assert.ErrorIs(t, err, boom)
}
