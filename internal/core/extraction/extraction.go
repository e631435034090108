package extraction

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"karaoke/internal/cancel"
	"karaoke/internal/core/completion"
	"karaoke/internal/core/schedule"
	"karaoke/internal/core/session"
	"karaoke/internal/logger"
	"karaoke/internal/platform/browser"
	"karaoke/internal/platform/eino"
	"karaoke/internal/utils/markdown"
	"karaoke/internal/worker"
	"karaoke/prompts"
)

const (
	pageTextLimit = 30000
	minImageSize  = 200
)

// Sessions is the part of the session broker extraction needs.
type Sessions interface {
	Ensure(ctx context.Context, emit worker.Emit) ([]browser.Cookie, error)
	Invalidate(ctx context.Context)
}

// Artifacts stores screenshots for reviewers.
type Artifacts interface {
	Save(ctx context.Context, kind, sourceURL, ext string, data []byte) (string, error)
}

type Options struct {
	NavigationTimeout time.Duration
	ScrollIterations  int
	ScrollPause       time.Duration
	// MaxImages caps image URLs per source; 0 keeps every image.
	MaxImages int
}

// Result is always returned, even alongside an error, so one bad source
// never takes a batch down with it.
type Result struct {
	SourceURL     string              `json:"sourceUrl"`
	Kind          schedule.Kind       `json:"kind"`
	Mode          string              `json:"mode"`
	Title         string              `json:"title,omitempty"`
	Text          string              `json:"-"`
	Candidates    schedule.Candidates `json:"candidates"`
	ImageURLs     []string            `json:"imageUrls"`
	ImagesTrimmed int                 `json:"imagesTrimmed,omitempty"`
	Screenshot    string              `json:"screenshot,omitempty"`
}

type Worker struct {
	browser   browser.Browser
	sessions  Sessions
	completer completion.Completer
	prompts   *prompts.SystemPrompts
	artifacts Artifacts
	cancel    *cancel.Service
	opts      Options
	log       *logger.Logger
}

func New(b browser.Browser, sessions Sessions, c completion.Completer, sp *prompts.SystemPrompts, artifacts Artifacts, svc *cancel.Service, opts Options) *Worker {
	if opts.ScrollPause <= 0 {
		opts.ScrollPause = time.Second
	}
	return &Worker{
		browser:   b,
		sessions:  sessions,
		completer: c,
		prompts:   sp,
		artifacts: artifacts,
		cancel:    svc,
		opts:      opts,
		log:       logger.New("Extraction"),
	}
}

// Mode picks how a kind is read: flyers for groups and bare images, page
// text for everything else.
func Mode(kind schedule.Kind) string {
	switch kind {
	case schedule.KindSocialGroup, schedule.KindSingleImage:
		return "media-first"
	default:
		return "text-first"
	}
}

func (w *Worker) Extract(ctx context.Context, target schedule.SourceTarget, emit worker.Emit) (res Result, err error) {
	res = Result{SourceURL: target.URL, Kind: target.Kind, Mode: Mode(target.Kind), ImageURLs: []string{}}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extraction panic: %v\n%s", r, debug.Stack())
		}
	}()
	if err := w.cancel.ThrowIfCancelled("extraction"); err != nil {
		return res, err
	}

	if target.Kind == schedule.KindSingleImage {
		res.ImageURLs = []string{target.URL}
		return res, nil
	}

	var cookies []browser.Cookie
	if target.Kind.Social() {
		emit.Progressf("Checking Facebook session")
		if cookies, err = w.sessions.Ensure(ctx, emit); err != nil {
			return res, err
		}
	}

	url := target.URL
	if target.Kind == schedule.KindSocialGroup {
		url = mediaURL(url)
	}
	emit.Progressf("Opening %s", url)
	page, err := w.browser.Open(ctx, url, browser.OpenOptions{Cookies: cookies, Strategy: browser.StrategyModernBrowser, Timeout: w.opts.NavigationTimeout})
	if err != nil {
		return res, fmt.Errorf("navigate %s: %w", url, err)
	}
	defer page.Close()

	if target.Kind.Social() && session.IsLoginPage(page) {
		w.sessions.Invalidate(ctx)
		return res, fmt.Errorf("%w: %s redirected to the login page", session.ErrAuthRequired, url)
	}
	if st := page.Status(); st >= 400 {
		return res, fmt.Errorf("navigate %s: status %d", url, st)
	}

	if w.opts.ScrollIterations > 0 {
		emit.Progressf("Scrolling %d times to load more content", w.opts.ScrollIterations)
		if err := page.Scroll(ctx, w.opts.ScrollIterations, w.opts.ScrollPause); err != nil {
			if cerr := w.cancel.ThrowIfCancelled("extraction scroll"); cerr != nil {
				return res, cerr
			}
			emit.Logf(worker.LevelWarn, "Scrolling stopped early: %v", err)
		}
	}

	res.Title, _ = page.Title()
	res.Text = pageText(page)
	shot := w.screenshot(ctx, page, target.URL, emit, &res)

	if res.Mode == "media-first" || target.Kind.Social() {
		images, err := page.ImageURLs(minImageSize)
		if err != nil {
			emit.Logf(worker.LevelWarn, "Could not list images: %v", err)
		}
		res.ImageURLs = w.capImages(filterImages(images), emit, &res)
		emit.Progressf("Found %d images", len(res.ImageURLs))
	}

	if res.Mode == "text-first" {
		c, err := w.interpretText(ctx, target.URL, res.Title, res.Text, shot)
		if err != nil {
			if cerr := w.cancel.ThrowIfCancelled("extraction"); cerr != nil {
				return res, cerr
			}
			emit.Logf(worker.LevelWarn, "No candidates extracted from page text: %v", err)
		}
		res.Candidates = c
		emit.Progressf("Extracted %d shows, %d DJs, %d vendors from page text", len(c.Shows), len(c.DJs), len(c.Vendors))
	}
	return res, nil
}

func (w *Worker) screenshot(ctx context.Context, page browser.Page, sourceURL string, emit worker.Emit, res *Result) []byte {
	shot, err := page.Screenshot()
	if err != nil || len(shot) == 0 {
		if err != nil {
			emit.Logf(worker.LevelWarn, "Screenshot failed: %v", err)
		}
		return nil
	}
	if w.artifacts != nil {
		ref, err := w.artifacts.Save(ctx, "screenshots", sourceURL, "png", shot)
		if err != nil {
			emit.Logf(worker.LevelWarn, "Screenshot not stored: %v", err)
		} else {
			res.Screenshot = ref
			emit.Progressf("Saved screenshot %s", ref)
		}
	}
	return shot
}

func (w *Worker) capImages(images []string, emit worker.Emit, res *Result) []string {
	if w.opts.MaxImages > 0 && len(images) > w.opts.MaxImages {
		res.ImagesTrimmed = len(images) - w.opts.MaxImages
		emit.Logf(worker.LevelWarn, "Image cap %d reached: dropped %d of %d images", w.opts.MaxImages, res.ImagesTrimmed, len(images))
		w.log.Warn().Int("cap", w.opts.MaxImages).Int("dropped", res.ImagesTrimmed).Str("url", res.SourceURL).Msg("image cap applied")
		images = images[:w.opts.MaxImages]
	}
	return images
}

// interpretText sends page text and the screenshot in one completion call.
// An unparseable reply yields empty candidates and a soft error.
func (w *Worker) interpretText(ctx context.Context, sourceURL, title, text string, shot []byte) (schedule.Candidates, error) {
	empty := emptyCandidates()
	if strings.TrimSpace(text) == "" && len(shot) == 0 {
		return empty, nil
	}
	prompt, err := prompts.Render(ctx, w.prompts.Extraction, map[string]any{
		"source_url": sourceURL,
		"page_title": title,
		"page_text":  eino.CleanText(text, pageTextLimit),
	})
	if err != nil {
		return empty, err
	}
	resp, err := w.completer.Complete(ctx, prompt, shot)
	if err != nil {
		return empty, err
	}
	var c schedule.Candidates
	if err := completion.DecodeJSON(resp, &c); err != nil {
		return empty, err
	}
	return Clean(c, sourceURL), nil
}

// InterpretImages reads each resolved flyer with one completion call. Failed
// or unreadable images are skipped; only cancellation stops the loop.
func (w *Worker) InterpretImages(ctx context.Context, sourceURL string, refs []schedule.MediaReference, emit worker.Emit) (schedule.Candidates, error) {
	out := emptyCandidates()
	for i, ref := range refs {
		if err := w.cancel.ThrowIfCancelled("image interpretation"); err != nil {
			return out, err
		}
		if !ref.Resolved() {
			continue
		}
		emit.Progressf("Reading image %d of %d", i+1, len(refs))
		prompt, err := prompts.Render(ctx, w.prompts.Flyer, map[string]any{"source_url": sourceURL})
		if err != nil {
			return out, err
		}
		resp, err := w.completer.Complete(ctx, prompt, ref.ResolvedBytes)
		if err != nil {
			if cerr := w.cancel.ThrowIfCancelled("image interpretation"); cerr != nil {
				return out, cerr
			}
			emit.Logf(worker.LevelWarn, "Image %s not interpreted: %v", ref.FullsizeURL, err)
			continue
		}
		var c schedule.Candidates
		if err := completion.DecodeJSON(resp, &c); err != nil {
			emit.Logf(worker.LevelDebug, "Image %s held no schedule", ref.FullsizeURL)
			continue
		}
		out.Append(Clean(c, sourceURL))
	}
	return out, nil
}

func pageText(page browser.Page) string {
	if html, err := page.HTML(); err == nil && html != "" {
		if md := markdown.ConvertHTMLToMarkdown(html); strings.TrimSpace(md) != "" {
			return md
		}
	}
	text, _ := page.Text()
	return text
}

func mediaURL(group string) string {
	u := strings.TrimRight(group, "/")
	if strings.HasSuffix(u, "/media") || strings.Contains(u, "/media/") {
		return u
	}
	return u + "/media"
}

func filterImages(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, u := range in {
		if !strings.HasPrefix(u, "http") || seen[u] {
			continue
		}
		lower := strings.ToLower(u)
		if strings.Contains(lower, "rsrc.php") || strings.HasSuffix(lower, ".svg") || strings.Contains(lower, "/emoji") {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

func emptyCandidates() schedule.Candidates {
	return schedule.Candidates{Shows: []schedule.CandidateShow{}, DJs: []schedule.CandidateDJ{}, Vendors: []schedule.CandidateVendor{}}
}

// Clean drops nameless candidates, stamps provenance and clamps confidence.
func Clean(c schedule.Candidates, sourceURL string) schedule.Candidates {
	out := emptyCandidates()
	for _, s := range c.Shows {
		if strings.TrimSpace(s.VenueName) == "" {
			continue
		}
		if s.SourceURL == "" {
			s.SourceURL = sourceURL
		}
		s.VenueName = strings.TrimSpace(s.VenueName)
		s.Day = strings.ToLower(strings.TrimSpace(s.Day))
		s.Confidence = clamp(s.Confidence)
		out.Shows = append(out.Shows, s)
	}
	for _, d := range c.DJs {
		if strings.TrimSpace(d.Name) == "" {
			continue
		}
		if d.SourceURL == "" {
			d.SourceURL = sourceURL
		}
		d.Confidence = clamp(d.Confidence)
		out.DJs = append(out.DJs, d)
	}
	for _, v := range c.Vendors {
		if strings.TrimSpace(v.Name) == "" {
			continue
		}
		if v.SourceURL == "" {
			v.SourceURL = sourceURL
		}
		v.Confidence = clamp(v.Confidence)
		out.Vendors = append(out.Vendors, v)
	}
	return out
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
