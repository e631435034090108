package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"karaoke/internal/cancel"
	"karaoke/internal/core/completion"
	"karaoke/internal/core/schedule"
	"karaoke/internal/logger"
	"karaoke/internal/metrics"
	"karaoke/prompts"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/sync/errgroup"
)

type GeoOptions struct {
	BatchSize   int
	Concurrency int
	Attempts    int
	Delay       time.Duration
}

// GeoReport summarises one Complete call.
type GeoReport struct {
	Complete      int `json:"complete"`
	Incomplete    int `json:"incomplete"`
	Batches       int `json:"batches"`
	FailedBatches int `json:"failedBatches"`
	Filled        int `json:"filled"`
}

// GeoCompleter fills missing address and coordinate fields through the
// completion service, a fixed-size batch at a time.
type GeoCompleter struct {
	completer completion.Completer
	cancel    *cancel.Service
	template  prompt.ChatTemplate
	opts      GeoOptions
	executor  failsafe.Executor[string]
	log       *logger.Logger
}

func NewGeoCompleter(c completion.Completer, svc *cancel.Service, tmpl prompt.ChatTemplate, opts GeoOptions) *GeoCompleter {
	if opts.BatchSize < 1 {
		opts.BatchSize = 5
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 2
	}
	if opts.Attempts < 1 {
		opts.Attempts = 2
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	policy := retrypolicy.NewBuilder[string]().
		HandleIf(func(_ string, err error) bool {
			return err != nil && !cancel.IsCancellation(err) && !errors.Is(err, context.Canceled)
		}).
		WithDelay(opts.Delay).
		WithMaxAttempts(opts.Attempts).
		ReturnLastFailure().
		Build()
	return &GeoCompleter{
		completer: c,
		cancel:    svc,
		template:  tmpl,
		opts:      opts,
		executor:  failsafe.With[string](policy),
		log:       logger.New("GeoCompleter"),
	}
}

type geoInput struct {
	Index     int      `json:"index"`
	VenueName string   `json:"venueName"`
	Address   string   `json:"address,omitempty"`
	City      string   `json:"city,omitempty"`
	State     string   `json:"state,omitempty"`
	Zip       string   `json:"zip,omitempty"`
	Lat       *float64 `json:"lat,omitempty"`
	Lng       *float64 `json:"lng,omitempty"`
}

type geoFill struct {
	Index     *int     `json:"index"`
	VenueName string   `json:"venueName"`
	Address   string   `json:"address"`
	City      string   `json:"city"`
	State     string   `json:"state"`
	Zip       string   `json:"zip"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
}

type geoReply struct {
	Shows []geoFill `json:"shows"`
}

// Complete returns a copy of shows in the same order. Shows that already
// carry all six location fields are never sent and never modified. A
// failed batch leaves its shows as they were. The only error is
// cancellation.
func (g *GeoCompleter) Complete(ctx context.Context, shows []schedule.CandidateShow) ([]schedule.CandidateShow, GeoReport, error) {
	out := make([]schedule.CandidateShow, len(shows))
	copy(out, shows)

	var report GeoReport
	var pending []int
	for i, s := range out {
		if s.GeoComplete() {
			report.Complete++
			continue
		}
		pending = append(pending, i)
	}
	report.Incomplete = len(pending)
	if len(pending) == 0 {
		return out, report, nil
	}

	var batches [][]int
	for start := 0; start < len(pending); start += g.opts.BatchSize {
		end := min(start+g.opts.BatchSize, len(pending))
		batches = append(batches, pending[start:end])
	}
	report.Batches = len(batches)

	filled := make([]int, len(batches))
	failed := make([]bool, len(batches))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(g.opts.Concurrency)
	for b, idx := range batches {
		if err := g.cancel.ThrowIfCancelled("geo completion"); err != nil {
			_ = grp.Wait()
			return out, report, err
		}
		grp.Go(func() error {
			n, err := g.completeBatch(gctx, out, idx)
			if err != nil {
				failed[b] = true
				metrics.GeoBatches.WithLabelValues("failed").Inc()
				g.log.Warn().Err(err).Int("batch", b).Int("size", len(idx)).Msg("geo batch failed, shows left unchanged")
				return nil
			}
			filled[b] = n
			metrics.GeoBatches.WithLabelValues("success").Inc()
			return nil
		})
	}
	_ = grp.Wait()

	for b := range batches {
		report.Filled += filled[b]
		if failed[b] {
			report.FailedBatches++
		}
	}
	if err := g.cancel.ThrowIfCancelled("geo completion"); err != nil {
		return out, report, err
	}
	return out, report, nil
}

// completeBatch writes only to out[idx...]; batches never share indexes.
func (g *GeoCompleter) completeBatch(ctx context.Context, out []schedule.CandidateShow, idx []int) (int, error) {
	inputs := make([]geoInput, len(idx))
	for j, i := range idx {
		s := out[i]
		inputs[j] = geoInput{
			Index: j, VenueName: s.VenueName, Address: s.Address, City: s.City,
			State: s.State, Zip: s.Zip, Lat: s.Lat, Lng: s.Lng,
		}
	}
	body, err := json.MarshalIndent(inputs, "", "  ")
	if err != nil {
		return 0, err
	}
	text, err := prompts.Render(ctx, g.template, map[string]any{"shows_json": string(body)})
	if err != nil {
		return 0, err
	}

	resp, err := g.executor.WithContext(ctx).Get(func() (string, error) {
		return g.completer.Complete(ctx, text, nil)
	})
	if err != nil {
		return 0, fmt.Errorf("geo completion: %w", err)
	}
	var reply geoReply
	if err := completion.DecodeJSON(resp, &reply); err != nil {
		return 0, err
	}

	byVenue := make(map[string]int, len(idx))
	for j, i := range idx {
		if _, dup := byVenue[Normalize(out[i].VenueName)]; !dup {
			byVenue[Normalize(out[i].VenueName)] = j
		}
	}
	n := 0
	for _, f := range reply.Shows {
		j := -1
		if f.Index != nil && *f.Index >= 0 && *f.Index < len(idx) {
			j = *f.Index
		} else if v, ok := byVenue[Normalize(f.VenueName)]; ok && f.VenueName != "" {
			j = v
		}
		if j < 0 {
			continue
		}
		if fillMissing(&out[idx[j]], f) {
			n++
		}
	}
	return n, nil
}

// fillMissing sets fields that are empty on s. Populated fields win over
// whatever the completion service claims.
func fillMissing(s *schedule.CandidateShow, f geoFill) bool {
	changed := false
	set := func(dst *string, v string) {
		if strings.TrimSpace(*dst) == "" && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
			changed = true
		}
	}
	set(&s.Address, f.Address)
	set(&s.City, f.City)
	set(&s.State, f.State)
	set(&s.Zip, f.Zip)
	if s.Lat == nil && f.Lat != nil {
		lat := *f.Lat
		s.Lat = &lat
		changed = true
	}
	if s.Lng == nil && f.Lng != nil {
		lng := *f.Lng
		s.Lng = &lng
		changed = true
	}
	return changed
}
