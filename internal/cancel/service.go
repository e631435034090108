package cancel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"karaoke/internal/logger"
	"karaoke/internal/metrics"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrCancelled is the cause attached to work stopped by CancelAll. It is
	// not a failure and must not be retried.
	ErrCancelled = errors.New("cancelled")
	// ErrTimeout is the cause attached to a Scope whose deadline fired.
	ErrTimeout = errors.New("timed out")
)

type Kind string

const (
	KindBrowser Kind = "browser"
	KindWorker  Kind = "worker"
	KindTimer   Kind = "timer"
	KindFlag    Kind = "flag"
)

// Handle is anything the service can stop: a browser session, a worker, a
// cooperative flag.
type Handle interface {
	Terminate(ctx context.Context) error
}

type HandleFunc func(ctx context.Context) error

func (f HandleFunc) Terminate(ctx context.Context) error { return f(ctx) }

type Registration struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Description  string    `json:"description"`
	RegisteredAt time.Time `json:"registeredAt"`
}

type entry struct {
	Registration
	handle Handle
}

type CancelReport struct {
	Terminated []string `json:"terminated"`
	Failed     []string `json:"failed"`
	Forced     []string `json:"forced"`
	Timers     int      `json:"timers"`
}

// Service is the kill switch shared by every worker of one process. It is
// passed explicitly to constructors; there is no package level instance.
type Service struct {
	mu      sync.Mutex
	handles map[string]entry
	timers  map[string]*time.Timer

	cancelled  atomic.Bool
	root       context.Context
	rootCancel context.CancelCauseFunc

	grace time.Duration
	log   *logger.Logger
}

func New(grace time.Duration, log *logger.Logger) *Service {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	if log == nil {
		log = logger.New("Cancel")
	}
	root, rootCancel := context.WithCancelCause(context.Background())
	return &Service{
		handles:    make(map[string]entry),
		timers:     make(map[string]*time.Timer),
		root:       root,
		rootCancel: rootCancel,
		grace:      grace,
		log:        log,
	}
}

// Context is cancelled with ErrCancelled when CancelAll runs.
func (s *Service) Context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// Register records a handle under id. Registering an existing id replaces it.
func (s *Service) Register(id string, h Handle, kind Kind, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[id] = entry{
		Registration: Registration{ID: id, Kind: kind, Description: description, RegisteredAt: time.Now()},
		handle:       h,
	}
}

func (s *Service) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, id)
}

// AfterFunc schedules f and tracks the timer so CancelAll can clear it.
func (s *Service) AfterFunc(id string, d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[id]; ok {
		old.Stop()
	}
	s.timers[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		f()
	})
}

func (s *Service) StopTimer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Service) IsCancelled() bool { return s.cancelled.Load() }

// ThrowIfCancelled returns an error wrapping ErrCancelled once CancelAll has
// run. Long loops call it once per iteration.
func (s *Service) ThrowIfCancelled(where string) error {
	if s.cancelled.Load() {
		return fmt.Errorf("%s: %w", where, ErrCancelled)
	}
	return nil
}

// Active lists current registrations ordered by id.
func (s *Service) Active() []Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Registration, 0, len(s.handles))
	for _, e := range s.handles {
		out = append(out, e.Registration)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CancelAll flips the global flag, clears every timer and terminates every
// registered handle concurrently. Handles still running after the grace
// period are dropped from the registry and reported as forced.
func (s *Service) CancelAll(ctx context.Context) CancelReport {
	s.cancelled.Store(true)

	s.mu.Lock()
	s.rootCancel(ErrCancelled)
	timers := len(s.timers)
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	snapshot := make(map[string]entry, len(s.handles))
	for id, e := range s.handles {
		snapshot[id] = e
	}
	s.mu.Unlock()

	s.log.LogWarnf("cancel-all: terminating %d handles, cleared %d timers", len(snapshot), timers)

	gctx, cancel := context.WithTimeout(ctx, s.grace)
	defer cancel()

	var (
		mu     sync.Mutex
		report = CancelReport{Timers: timers}
	)
	// A plain group: one failing handle must not cancel the others.
	var g errgroup.Group
	for id, e := range snapshot {
		g.Go(func() error {
			err := e.handle.Terminate(gctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Error().Err(err).Str("id", id).Str("kind", string(e.Kind)).Msg("terminate failed")
				report.Failed = append(report.Failed, id)
				metrics.CancelHandles.WithLabelValues("failed").Inc()
			} else {
				report.Terminated = append(report.Terminated, id)
				metrics.CancelHandles.WithLabelValues("terminated").Inc()
			}
			s.Unregister(id)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-gctx.Done():
		s.log.LogWarnf("cancel-all: grace period of %v elapsed, forcing", s.grace)
	}

	mu.Lock()
	defer mu.Unlock()
	s.mu.Lock()
	for id := range snapshot {
		if _, ok := s.handles[id]; ok {
			delete(s.handles, id)
			report.Forced = append(report.Forced, id)
			metrics.CancelHandles.WithLabelValues("forced").Inc()
		}
	}
	s.mu.Unlock()

	out := CancelReport{
		Terminated: append([]string(nil), report.Terminated...),
		Failed:     append([]string(nil), report.Failed...),
		Forced:     append([]string(nil), report.Forced...),
		Timers:     timers,
	}
	sort.Strings(out.Terminated)
	sort.Strings(out.Failed)
	sort.Strings(out.Forced)
	return out
}

// Reset re-arms the service after CancelAll so new work can be accepted.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root, s.rootCancel = context.WithCancelCause(context.Background())
	s.cancelled.Store(false)
}

// Scope derives a context for one unit of work. It is registered as a
// cancellable handle under id, and when timeout > 0 a tracked timer cancels
// it with ErrTimeout. release must be called when the work ends.
func (s *Service) Scope(parent context.Context, id, description string, timeout time.Duration) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	if s.IsCancelled() {
		cancel(ErrCancelled)
		return ctx, func() {}
	}

	root := s.Context()
	stop := context.AfterFunc(root, func() { cancel(ErrCancelled) })

	s.Register(id, HandleFunc(func(context.Context) error {
		cancel(ErrCancelled)
		return nil
	}), KindWorker, description)

	timerID := id + ":timeout"
	if timeout > 0 {
		s.AfterFunc(timerID, timeout, func() { cancel(fmt.Errorf("%s: %w", description, ErrTimeout)) })
	}

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			stop()
			s.StopTimer(timerID)
			s.Unregister(id)
			cancel(nil)
		})
	}
}

// Cause returns ErrCancelled or ErrTimeout (wrapped) for a context produced
// by Scope, or the plain context error otherwise.
func Cause(ctx context.Context) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

// IsCancellation reports whether err came from an operator cancel.
func IsCancellation(err error) bool { return errors.Is(err, ErrCancelled) }
