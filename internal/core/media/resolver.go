package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"karaoke/internal/cancel"
	"karaoke/internal/core/schedule"
	"karaoke/internal/logger"
	"karaoke/internal/metrics"
	"karaoke/internal/platform/browser"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/sync/errgroup"
)

// ErrNoBytes marks a reference for which neither URL produced data.
var ErrNoBytes = errors.New("no image bytes")

type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("GET %s: status %d", e.URL, e.Code) }

// Retryable: timeouts, throttling and server errors. Other 4xx are final.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests || e.Code >= 500
}

type Options struct {
	Attempts    int
	Delay       time.Duration
	MaxBytes    int64
	Concurrency int
	Client      *http.Client
}

type Resolver struct {
	log      *logger.Logger
	client   *http.Client
	cancel   *cancel.Service
	opts     Options
	executor failsafe.Executor[payload]
}

type payload struct {
	data []byte
	mime string
}

func NewResolver(svc *cancel.Service, opts Options) *Resolver {
	if opts.Attempts < 1 {
		opts.Attempts = 3
	}
	if opts.Delay <= 0 {
		opts.Delay = 750 * time.Millisecond
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 15 << 20
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	policy := retrypolicy.NewBuilder[payload]().
		HandleIf(func(_ payload, err error) bool { return retryable(err) }).
		WithDelay(opts.Delay).
		WithMaxAttempts(opts.Attempts).
		ReturnLastFailure().
		Build()
	return &Resolver{
		log:      logger.New("ImageResolver"),
		client:   client,
		cancel:   svc,
		opts:     opts,
		executor: failsafe.With[payload](policy),
	}
}

func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNoBytes) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

// Resolve fetches the reconstructed full size URL first and falls back to
// the thumbnail. FullsizeURL always records the reconstruction; UsedFallback
// records that the bytes came from the thumbnail instead.
func (r *Resolver) Resolve(ctx context.Context, thumbnail string) schedule.MediaReference {
	full, rewritten := Reconstruct(thumbnail)
	ref := schedule.MediaReference{ThumbnailURL: thumbnail, FullsizeURL: full}

	if rewritten {
		p, err := r.fetch(ctx, full)
		if err == nil {
			ref.ResolvedBytes, ref.MimeType = p.data, p.mime
			metrics.ImageResolutions.WithLabelValues("fullsize").Inc()
			return ref
		}
		r.log.Debug().Str("url", full).Err(err).Msg("full size fetch failed, falling back to thumbnail")
		if ctx.Err() != nil {
			return r.fail(ref, cancel.Cause(ctx))
		}
	}

	p, err := r.fetch(ctx, thumbnail)
	if err != nil {
		return r.fail(ref, err)
	}
	ref.ResolvedBytes, ref.MimeType = p.data, p.mime
	ref.UsedFallback = rewritten
	if rewritten {
		metrics.ImageResolutions.WithLabelValues("fallback").Inc()
	} else {
		metrics.ImageResolutions.WithLabelValues("passthrough").Inc()
	}
	return ref
}

func (r *Resolver) fail(ref schedule.MediaReference, err error) schedule.MediaReference {
	ref.Failed = true
	ref.Error = fmt.Errorf("%w: %v", ErrNoBytes, err).Error()
	metrics.ImageResolutions.WithLabelValues("failed").Inc()
	return ref
}

// ResolveAll resolves every URL with bounded concurrency. Output order
// matches input order; a failed image never fails the batch. It stops
// starting new downloads once cancel-all has run.
func (r *Resolver) ResolveAll(ctx context.Context, urls []string) ([]schedule.MediaReference, error) {
	refs := make([]schedule.MediaReference, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for i, u := range urls {
		if err := r.cancel.ThrowIfCancelled("image resolution"); err != nil {
			_ = g.Wait()
			return refs, err
		}
		g.Go(func() error {
			refs[i] = r.Resolve(gctx, u)
			return nil
		})
	}
	_ = g.Wait()
	if err := r.cancel.ThrowIfCancelled("image resolution"); err != nil {
		return refs, err
	}
	return refs, nil
}

func (r *Resolver) fetch(ctx context.Context, u string) (payload, error) {
	return r.executor.WithContext(ctx).Get(func() (payload, error) {
		return r.get(ctx, u)
	})
}

func (r *Resolver) get(ctx context.Context, u string) (payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return payload{}, err
	}
	profile := browser.GetHeaderProfile(browser.StrategyModernBrowser)
	req.Header.Set("User-Agent", profile.UserAgent)
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")

	resp, err := r.client.Do(req)
	if err != nil {
		return payload{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return payload{}, &StatusError{URL: u, Code: resp.StatusCode}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, r.opts.MaxBytes+1))
	if err != nil {
		return payload{}, err
	}
	if int64(len(data)) > r.opts.MaxBytes {
		return payload{}, fmt.Errorf("%w: %s exceeds %d bytes", ErrNoBytes, u, r.opts.MaxBytes)
	}
	if len(data) == 0 {
		return payload{}, fmt.Errorf("%w: empty body from %s", ErrNoBytes, u)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || strings.HasPrefix(mime, "application/octet-stream") {
		mime = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return payload{data: data, mime: mime}, nil
}
