package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"karaoke/internal/cancel"
)

// Message is the closed set of things a worker can tell its controller.
// Complete and Error are terminal; everything else is advisory.
type Message interface{ message() }

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Progress struct {
	Text string `json:"message"`
}

type Log struct {
	Level Level  `json:"level"`
	Text  string `json:"message"`
}

// CredentialsRequest asks the operator for a login. The reply carries the
// same RequestID.
type CredentialsRequest struct {
	RequestID string `json:"requestId"`
}

type Complete[T any] struct {
	Data T `json:"data"`
}

// Error carries whatever partial result the worker had when it failed.
type Error[T any] struct {
	Err  error `json:"-"`
	Data T     `json:"data,omitempty"`
}

func (Progress) message()           {}
func (Log) message()                {}
func (CredentialsRequest) message() {}
func (Complete[T]) message()        {}
func (Error[T]) message()           {}

// Type returns the wire tag for a message.
func Type(m Message) string {
	switch m.(type) {
	case Progress:
		return "progress"
	case Log:
		return "log"
	case CredentialsRequest:
		return "request-facebook-credentials"
	}
	if isTerminalError(m) {
		return "error"
	}
	return "complete"
}

func isTerminalError(m Message) bool {
	_, ok := m.(interface{ terminalErr() error })
	return ok
}

func (e Error[T]) terminalErr() error { return e.Err }

var ErrNoTerminal = errors.New("worker exited without a terminal message")

// Emit sends advisory messages from inside a worker. It never blocks past
// cancellation, and drops everything once the worker's context is done. The
// helpers are no-ops on a nil Emit.
type Emit func(Message)

func (e Emit) Progressf(format string, args ...any) {
	if e == nil {
		return
	}
	e(Progress{Text: fmt.Sprintf(format, args...)})
}

func (e Emit) Logf(level Level, format string, args ...any) {
	if e == nil {
		return
	}
	e(Log{Level: level, Text: fmt.Sprintf(format, args...)})
}

type Unit struct {
	ID          string
	Description string
	Timeout     time.Duration
}

// Spawn runs fn as an isolated worker registered with the cancellation
// service. The returned channel yields advisory messages followed by exactly
// one Complete or Error, then closes.
func Spawn[T any](ctx context.Context, svc *cancel.Service, unit Unit, fn func(ctx context.Context, emit Emit) (T, error)) <-chan Message {
	out := make(chan Message, 32)
	wctx, release := svc.Scope(ctx, unit.ID, unit.Description, unit.Timeout)

	emit := Emit(func(m Message) {
		if wctx.Err() != nil || svc.IsCancelled() {
			return
		}
		select {
		case out <- m:
		case <-wctx.Done():
		}
	})

	go func() {
		defer close(out)

		data, err := run(wctx, fn, emit)
		if err == nil && wctx.Err() != nil {
			err = cancel.Cause(wctx)
		}
		// Unregister before the terminal message so a controller that has
		// seen it never finds the worker still registered.
		release()
		if err != nil {
			out <- Error[T]{Err: err, Data: data}
			return
		}
		out <- Complete[T]{Data: data}
	}()
	return out
}

func run[T any](ctx context.Context, fn func(context.Context, Emit) (T, error), emit Emit) (data T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx, emit)
}

// Await drains a worker channel, handing advisory messages to onMessage, and
// returns the terminal payload.
func Await[T any](ch <-chan Message, onMessage func(Message)) (T, error) {
	var zero T
	for m := range ch {
		switch v := m.(type) {
		case Complete[T]:
			return v.Data, nil
		case Error[T]:
			return v.Data, v.Err
		case Progress, Log, CredentialsRequest:
			if onMessage != nil {
				onMessage(v)
			}
		default:
			return zero, fmt.Errorf("unexpected worker message %T", m)
		}
	}
	return zero, ErrNoTerminal
}
