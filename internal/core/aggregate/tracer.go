package aggregate

import (
	"context"
	"time"

	"karaoke/internal/core/schedule"
	"karaoke/internal/logger"
	"karaoke/internal/worker"

	"github.com/cloudwego/eino/callbacks"
)

var stageNames = map[string]bool{
	stageDiscover: true,
	stageExtract:  true,
	stageImages:   true,
	stageValidate: true,
	stageMerge:    true,
}

type stageStartKey struct{ name string }

// EinoTracer mirrors pipeline stage boundaries into the run log and the run
// channel. Graph level and nested component callbacks are ignored.
type EinoTracer struct {
	runID   string
	runLog  *schedule.RunLog
	publish func(worker.Message)
	log     *logger.Logger
	now     func() time.Time
}

func NewEinoTracer(runID string, runLog *schedule.RunLog, publish func(worker.Message)) *EinoTracer {
	return &EinoTracer{
		runID:   runID,
		runLog:  runLog,
		publish: publish,
		log:     logger.New("EinoTracer").WithRun(runID),
		now:     time.Now,
	}
}

func (t *EinoTracer) CreateGlobalHandler() callbacks.Handler {
	return callbacks.NewHandlerBuilder().
		OnStartFn(t.onNodeStart).
		OnEndFn(t.onNodeEnd).
		OnErrorFn(t.onNodeError).
		Build()
}

func (t *EinoTracer) onNodeStart(ctx context.Context, info *callbacks.RunInfo, _ callbacks.CallbackInput) context.Context {
	name, ok := t.stage(info)
	if !ok {
		return ctx
	}
	t.log.LogDebugf("stage %s started", name)
	t.send(worker.Progress{Text: "stage " + name + " started"})
	return context.WithValue(ctx, stageStartKey{name}, t.now())
}

func (t *EinoTracer) onNodeEnd(ctx context.Context, info *callbacks.RunInfo, _ callbacks.CallbackOutput) context.Context {
	name, ok := t.stage(info)
	if !ok {
		return ctx
	}
	msg := "stage " + name + " finished"
	if d, ok := t.elapsed(ctx, name); ok {
		msg += " in " + d.String()
	}
	t.runLog.Add(msg)
	t.send(worker.Progress{Text: msg})
	return ctx
}

func (t *EinoTracer) onNodeError(ctx context.Context, info *callbacks.RunInfo, err error) context.Context {
	name, ok := t.stage(info)
	if !ok {
		return ctx
	}
	t.log.Error().Err(err).Str("stage", name).Msg("stage failed")
	t.send(worker.Log{Level: worker.LevelError, Text: "stage " + name + " failed: " + err.Error()})
	return ctx
}

func (t *EinoTracer) stage(info *callbacks.RunInfo) (string, bool) {
	if info == nil || !stageNames[info.Name] {
		return "", false
	}
	return info.Name, true
}

func (t *EinoTracer) elapsed(ctx context.Context, name string) (time.Duration, bool) {
	start, ok := ctx.Value(stageStartKey{name}).(time.Time)
	if !ok {
		return 0, false
	}
	return t.now().Sub(start).Round(time.Millisecond), true
}

func (t *EinoTracer) send(m worker.Message) {
	if t.publish != nil {
		t.publish(m)
	}
}
