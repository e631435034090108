package aggregate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"karaoke/internal/cancel"
	"karaoke/internal/core/discovery"
	"karaoke/internal/core/extraction"
	"karaoke/internal/core/job"
	"karaoke/internal/core/records"
	"karaoke/internal/core/schedule"
	"karaoke/internal/core/session"
	"karaoke/internal/core/validation"
	"karaoke/internal/logger"
	"karaoke/internal/metrics"
	"karaoke/internal/worker"

	"github.com/cloudwego/eino/compose"
)

// ErrSinkUnavailable is fatal: the run is not retried, since retrying a
// broken deployment only burns completion quota.
var ErrSinkUnavailable = errors.New("persistence sink unavailable")

const (
	summaryPerLeaf = 500
	summaryMax     = 8000
	mergeLockTTL   = 2 * time.Minute
	flushTimeout   = 30 * time.Second
)

const (
	stageDiscover = "discover"
	stageExtract  = "extract"
	stageImages   = "resolve_images"
	stageValidate = "validate"
	stageMerge    = "merge"
)

type Discoverer interface {
	Discover(ctx context.Context, root string, emit worker.Emit) (discovery.Result, error)
}

type Extractor interface {
	Extract(ctx context.Context, target schedule.SourceTarget, emit worker.Emit) (extraction.Result, error)
	InterpretImages(ctx context.Context, sourceURL string, refs []schedule.MediaReference, emit worker.Emit) (schedule.Candidates, error)
}

type ImageResolver interface {
	ResolveAll(ctx context.Context, urls []string) ([]schedule.MediaReference, error)
}

type GeoCompleter interface {
	Complete(ctx context.Context, shows []schedule.CandidateShow) ([]schedule.CandidateShow, validation.GeoReport, error)
}

// Locker serializes merges per source URL across processes.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RunStatus receives lifecycle updates and advisory messages for a run.
type RunStatus interface {
	SetProcessing(ctx context.Context, runID string, target schedule.SourceTarget) error
	Finish(ctx context.Context, runID string, target schedule.SourceTarget, status job.Status, result *job.Result, runErr error) error
	Publish(ctx context.Context, runID string, m worker.Message)
}

type Deps struct {
	Discoverer Discoverer
	Extractor  Extractor
	Images     ImageResolver
	Geo        GeoCompleter
	Sink       records.Sink
	// Locker and Status are optional; a process local lock and no status
	// tracking are used when nil.
	Locker Locker
	Status RunStatus
	Cancel *cancel.Service
}

// Options bound a run as a whole and the discovery render. Extraction and
// image workers are bounded by their own navigation, credential and retry
// limits plus the run timeout.
type Options struct {
	RunTimeout       time.Duration
	DiscoveryTimeout time.Duration
	// Concurrency bounds ProcessBatch.
	Concurrency int
}

// Controller runs the per source pipeline: discovery, extraction, image
// resolution, validation, merge. Stages run in that order for one target;
// separate targets run independently.
type Controller struct {
	deps     Deps
	opts     Options
	log      *logger.Logger
	workflow compose.Runnable[*runState, *runState]
}

func New(d Deps, opts Options) (*Controller, error) {
	if d.Locker == nil {
		d.Locker = newLocalLocker()
	}
	if d.Status == nil {
		d.Status = noopStatus{}
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	c := &Controller{deps: d, opts: opts, log: logger.New("Aggregate")}
	wf, err := c.buildWorkflow()
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}
	c.workflow = wf
	return c, nil
}

func (c *Controller) buildWorkflow() (compose.Runnable[*runState, *runState], error) {
	wf := compose.NewWorkflow[*runState, *runState]()
	stages := []struct {
		name string
		fn   func(context.Context, *runState) (*runState, error)
	}{
		{stageDiscover, c.discover},
		{stageExtract, c.extract},
		{stageImages, c.resolveImages},
		{stageValidate, c.validate},
		{stageMerge, c.merge},
	}
	prev := compose.START
	for _, s := range stages {
		wf.AddLambdaNode(s.name, compose.InvokableLambda(guard(s.fn)), compose.WithNodeName(s.name)).AddInput(prev)
		prev = s.name
	}
	wf.End().AddInput(prev)
	return wf.Compile(context.Background())
}

// guard keeps the first stage error on the state so classification does not
// depend on how the workflow wraps it.
func guard(fn func(context.Context, *runState) (*runState, error)) func(context.Context, *runState) (*runState, error) {
	return func(ctx context.Context, st *runState) (*runState, error) {
		out, err := fn(ctx, st)
		if err != nil && st.err == nil {
			st.err = err
		}
		return out, err
	}
}

// Run processes one target to completion and returns the run summary. The
// run log always reaches the record unless the operator cancelled the run or
// the sink itself is down.
func (c *Controller) Run(ctx context.Context, runID string, target schedule.SourceTarget) (job.Result, error) {
	start := time.Now()
	log := c.log.WithRun(runID)
	rctx, release := c.deps.Cancel.Scope(ctx, runID, "run "+target.URL, c.opts.RunTimeout)
	defer release()

	if err := c.deps.Status.SetProcessing(rctx, runID, target); err != nil {
		log.Warn().Err(err).Msg("could not mark run as processing")
	}

	st := c.newState(rctx, runID, target)
	st.log.Addf("run %s started for %s (%s)", runID, target.URL, target.Kind)
	log.Info().Str("url", target.URL).Str("kind", string(target.Kind)).Msg("run started")

	tracer := NewEinoTracer(runID, st.log, st.publish)
	_, err := c.workflow.Invoke(rctx, st, compose.WithCallbacks(tracer.CreateGlobalHandler()))
	if err != nil && st.err == nil {
		st.err = err
	}
	err = st.err

	status, outcome := job.StatusCompleted, "completed"
	switch {
	case err == nil:
		log.Success().Str("record_id", st.result.RecordID).Int("shows", st.result.Shows).Msg("run completed")
	case cancel.IsCancellation(err):
		status, outcome = job.StatusCancelled, "cancelled"
		log.Warn().Msg("run cancelled")
	default:
		status, outcome = job.StatusFailed, "failed"
		log.Error().Err(err).Msg("run failed")
		if !st.merged && !errors.Is(err, ErrSinkUnavailable) {
			c.flush(ctx, st, err)
		}
	}
	metrics.RunsTotal.WithLabelValues(string(target.Kind), outcome).Inc()
	metrics.RunDuration.WithLabelValues(string(target.Kind)).Observe(time.Since(start).Seconds())

	finishCtx, cancelFinish := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelFinish()
	result := st.result
	if ferr := c.deps.Status.Finish(finishCtx, runID, target, status, &result, err); ferr != nil {
		log.Warn().Err(ferr).Msg("could not record run status")
	}
	return result, err
}

// flush persists whatever a failed run collected, with its log, so reviewers
// can see why it failed.
func (c *Controller) flush(ctx context.Context, st *runState, runErr error) {
	st.log.Addf("run failed: %v", runErr)
	fctx, cancelFlush := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancelFlush()
	if err := c.persist(fctx, st); err != nil {
		c.log.WithRun(st.runID).Error().Err(err).Msg("could not flush run log")
	}
}

func (c *Controller) discover(ctx context.Context, st *runState) (*runState, error) {
	if err := c.deps.Cancel.ThrowIfCancelled(stageDiscover); err != nil {
		return st, err
	}
	if st.target.Kind != schedule.KindDirectory {
		st.leaves = []schedule.SourceTarget{st.target}
		st.result.LeafURLs = 1
		return st, nil
	}

	ch := worker.Spawn(ctx, c.deps.Cancel, worker.Unit{
		ID:          st.runID + ":discover",
		Description: "discover " + st.target.URL,
		Timeout:     c.opts.DiscoveryTimeout,
	}, func(wctx context.Context, emit worker.Emit) (discovery.Result, error) {
		return c.deps.Discoverer.Discover(wctx, st.target.URL, emit)
	})
	res, err := worker.Await[discovery.Result](ch, st.onMessage)
	if err != nil {
		return st, fmt.Errorf("discover %s: %w", st.target.URL, err)
	}
	for _, leaf := range res.LeafURLs {
		st.leaves = append(st.leaves, schedule.NewTarget(leaf, ""))
	}
	st.result.LeafURLs = len(st.leaves)
	st.log.Addf("discovery kept %d leaf pages of %d links", len(res.LeafURLs), res.Candidates)
	if res.UsedFallback {
		st.log.Add("discovery used same-site links because the completion reply was unusable")
	}
	return st, nil
}

func (c *Controller) extract(ctx context.Context, st *runState) (*runState, error) {
	for i, leaf := range st.leaves {
		if err := c.deps.Cancel.ThrowIfCancelled(stageExtract); err != nil {
			return st, err
		}
		if leaf.Kind.Social() && st.authErr != nil {
			st.log.Addf("skipping %s: %v", leaf.URL, st.authErr)
			continue
		}

		res, err := c.extractLeaf(ctx, st, i, leaf)
		if ctx.Err() != nil {
			return st, cancel.Cause(ctx)
		}
		if cancel.IsCancellation(err) {
			return st, err
		}

		st.extracted = append(st.extracted, res)
		st.candidates.Append(res.Candidates)
		st.addSummary(leaf.URL, res.Text)
		if res.Screenshot != "" {
			st.log.Addf("screenshot of %s saved to %s", leaf.URL, res.Screenshot)
		}
		if err != nil {
			st.log.Addf("extraction of %s failed: %v", leaf.URL, err)
			if errors.Is(err, session.ErrAuthRequired) {
				st.authErr = err
			}
			if st.firstErr == nil {
				st.firstErr = err
			}
			continue
		}
		st.okLeaves++
		st.log.Addf("extracted %s (%s): %d shows, %d djs, %d vendors, %d images",
			leaf.URL, res.Mode, len(res.Candidates.Shows), len(res.Candidates.DJs), len(res.Candidates.Vendors), len(res.ImageURLs))
	}

	if st.okLeaves == 0 && st.firstErr != nil {
		if st.authErr != nil {
			return st, st.authErr
		}
		return st, fmt.Errorf("no page could be extracted: %w", st.firstErr)
	}
	return st, nil
}

// extractLeaf retries once when the session expired mid run. A credential
// timeout or rejected login is final: asking again would prompt twice.
func (c *Controller) extractLeaf(ctx context.Context, st *runState, i int, leaf schedule.SourceTarget) (extraction.Result, error) {
	for attempt := 1; ; attempt++ {
		ch := worker.Spawn(ctx, c.deps.Cancel, worker.Unit{
			ID:          fmt.Sprintf("%s:extract:%d:%d", st.runID, i, attempt),
			Description: "extract " + leaf.URL,
		}, func(wctx context.Context, emit worker.Emit) (extraction.Result, error) {
			return c.deps.Extractor.Extract(wctx, leaf, emit)
		})
		res, err := worker.Await[extraction.Result](ch, st.onMessage)
		if err == nil || attempt == 2 || !retryAuth(err) {
			return res, err
		}
		st.log.Addf("session expired while reading %s, logging in again", leaf.URL)
	}
}

func retryAuth(err error) bool {
	return errors.Is(err, session.ErrAuthRequired) &&
		!errors.Is(err, session.ErrCredentialsTimeout) &&
		!errors.Is(err, session.ErrLoginRejected)
}

type imageBatch struct {
	Refs       []schedule.MediaReference
	Candidates schedule.Candidates
}

func (c *Controller) resolveImages(ctx context.Context, st *runState) (*runState, error) {
	for i, res := range st.extracted {
		if len(res.ImageURLs) == 0 {
			continue
		}
		if err := c.deps.Cancel.ThrowIfCancelled(stageImages); err != nil {
			return st, err
		}

		ch := worker.Spawn(ctx, c.deps.Cancel, worker.Unit{
			ID:          fmt.Sprintf("%s:images:%d", st.runID, i),
			Description: "images " + res.SourceURL,
		}, func(wctx context.Context, emit worker.Emit) (imageBatch, error) {
			var out imageBatch
			refs, err := c.deps.Images.ResolveAll(wctx, res.ImageURLs)
			out.Refs = refs
			if err != nil {
				return out, err
			}
			emit.Progressf("resolved %d images for %s", len(refs), res.SourceURL)
			out.Candidates, err = c.deps.Extractor.InterpretImages(wctx, res.SourceURL, refs, emit)
			return out, err
		})
		batch, err := worker.Await[imageBatch](ch, st.onMessage)

		for _, ref := range batch.Refs {
			st.result.Images++
			switch {
			case ref.Failed:
				st.result.ImageFailures++
				st.log.Addf("image %s could not be downloaded: %s", ref.ThumbnailURL, ref.Error)
			case ref.UsedFallback:
				st.result.ImageFallbacks++
				st.log.Addf("image %s: full size %s unavailable, used the thumbnail", ref.ThumbnailURL, ref.FullsizeURL)
			}
		}
		st.candidates.Append(batch.Candidates)

		if ctx.Err() != nil {
			return st, cancel.Cause(ctx)
		}
		if cancel.IsCancellation(err) {
			return st, err
		}
		if err != nil {
			st.log.Addf("image pass for %s failed: %v", res.SourceURL, err)
		}
	}
	return st, nil
}

func (c *Controller) validate(ctx context.Context, st *runState) (*runState, error) {
	shows, report, err := c.deps.Geo.Complete(ctx, st.candidates.Shows)
	if err != nil {
		return st, err
	}
	st.log.Addf("geo: %d shows already complete, %d filled of %d incomplete, %d of %d batches failed",
		report.Complete, report.Filled, report.Incomplete, report.FailedBatches, report.Batches)

	before := st.candidates
	st.candidates = validation.Dedup(schedule.Candidates{Shows: shows, DJs: before.DJs, Vendors: before.Vendors})
	st.log.Addf("dedup kept %d of %d shows, %d of %d djs, %d of %d vendors",
		len(st.candidates.Shows), len(before.Shows), len(st.candidates.DJs), len(before.DJs),
		len(st.candidates.Vendors), len(before.Vendors))
	return st, nil
}

func (c *Controller) merge(ctx context.Context, st *runState) (*runState, error) {
	if err := c.deps.Cancel.ThrowIfCancelled(stageMerge); err != nil {
		return st, err
	}
	if st.firstErr != nil {
		st.log.Addf("%d of %d pages extracted, continuing with partial data", st.okLeaves, len(st.leaves))
	}
	return st, c.persist(ctx, st)
}

// persist writes the run under the per URL lock.
func (c *Controller) persist(ctx context.Context, st *runState) error {
	lockCtx, cancelLock := context.WithTimeout(ctx, mergeLockTTL)
	defer cancelLock()
	release, err := c.deps.Locker.Lock(lockCtx, "source:"+st.target.URL, mergeLockTTL)
	if err != nil {
		if ctx.Err() != nil {
			return cancel.Cause(ctx)
		}
		return fmt.Errorf("%w: lock %s: %w", ErrSinkUnavailable, st.target.URL, err)
	}
	defer release()

	st.log.Add("writing parsed schedule")
	res, err := c.deps.Sink.UpsertParsedSchedule(ctx, records.Upsert{
		SourceURL:         st.target.URL,
		RawContentSummary: st.rawSummary(),
		Candidates:        st.candidates,
		Logs:              st.log.Lines(),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}
	st.merged = true
	st.result.RecordID = res.ID
	st.result.Created = res.Created
	st.result.Shows, st.result.DJs, st.result.Vendors = res.Shows, res.DJs, res.Vendors
	return nil
}

// runState travels through the workflow. Only the controller goroutine for
// the run touches it.
type runState struct {
	runID   string
	target  schedule.SourceTarget
	log     *schedule.RunLog
	publish func(worker.Message)

	leaves     []schedule.SourceTarget
	extracted  []extraction.Result
	candidates schedule.Candidates
	summary    []string
	result     job.Result

	okLeaves int
	firstErr error
	authErr  error
	err      error
	merged   bool
}

func (c *Controller) newState(ctx context.Context, runID string, target schedule.SourceTarget) *runState {
	return &runState{
		runID:   runID,
		target:  target,
		log:     schedule.NewRunLog(),
		publish: func(m worker.Message) { c.deps.Status.Publish(ctx, runID, m) },
	}
}

func (st *runState) onMessage(m worker.Message) {
	switch v := m.(type) {
	case worker.Progress:
		st.log.Add(v.Text)
	case worker.Log:
		st.log.Addf("[%s] %s", v.Level, v.Text)
	case worker.CredentialsRequest:
		st.log.Addf("waiting for credentials (request %s)", v.RequestID)
	}
	st.publish(m)
}

func (st *runState) addSummary(sourceURL, text string) {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return
	}
	if r := []rune(text); len(r) > summaryPerLeaf {
		text = string(r[:summaryPerLeaf]) + "..."
	}
	st.summary = append(st.summary, sourceURL+"\n"+text)
}

func (st *runState) rawSummary() string {
	s := strings.Join(st.summary, "\n\n")
	if r := []rune(s); len(r) > summaryMax {
		s = string(r[:summaryMax])
	}
	return s
}

type noopStatus struct{}

func (noopStatus) SetProcessing(context.Context, string, schedule.SourceTarget) error { return nil }
func (noopStatus) Finish(context.Context, string, schedule.SourceTarget, job.Status, *job.Result, error) error {
	return nil
}
func (noopStatus) Publish(context.Context, string, worker.Message) {}
