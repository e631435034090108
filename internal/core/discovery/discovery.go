package discovery

import (
	"context"
	"fmt"
	"strings"

	"karaoke/internal/cancel"
	"karaoke/internal/core/completion"
	"karaoke/internal/logger"
	"karaoke/internal/metrics"
	"karaoke/internal/platform/eino"
	"karaoke/internal/worker"
	"karaoke/prompts"

	"github.com/cloudwego/eino/components/prompt"
)

const pageTextLimit = 12000

type Options struct {
	// MaxURLs caps the leaf list; 0 keeps every leaf.
	MaxURLs int
}

type Result struct {
	RootURL  string   `json:"rootUrl"`
	LeafURLs []string `json:"leafUrls"`
	// Candidates is the number of distinct links the root page offered.
	Candidates   int  `json:"candidates"`
	Trimmed      int  `json:"trimmed"`
	UsedFallback bool `json:"usedFallback"`
}

type Worker struct {
	loader    PageLoader
	completer completion.Completer
	template  prompt.ChatTemplate
	cancel    *cancel.Service
	opts      Options
	log       *logger.Logger
}

func New(loader PageLoader, c completion.Completer, tmpl prompt.ChatTemplate, svc *cancel.Service, opts Options) *Worker {
	return &Worker{loader: loader, completer: c, template: tmpl, cancel: svc, opts: opts, log: logger.New("Discovery")}
}

type leafReply struct {
	LeafURLs []string `json:"leafUrls"`
}

// Discover loads root once and asks the completion service which of its
// links are leaf content pages. A load failure is returned as is; retrying
// is the caller's decision.
func (w *Worker) Discover(ctx context.Context, root string, emit worker.Emit) (Result, error) {
	res := Result{RootURL: root, LeafURLs: []string{}}
	if err := w.cancel.ThrowIfCancelled("discovery"); err != nil {
		return res, err
	}

	emit.Progressf("Loading directory page %s", root)
	snap, err := w.loader.Load(ctx, root)
	if err != nil {
		return res, fmt.Errorf("discovery: load %s: %w", root, err)
	}

	links := candidates(root, snap.Links)
	res.Candidates = len(links)
	emit.Progressf("Found %d links on %s", len(links), root)
	if len(links) == 0 {
		return res, nil
	}
	nav := navLinks(snap.HTML, snap.URL)

	leaves, err := w.classify(ctx, root, snap, links, nav)
	if err != nil {
		if cancel.IsCancellation(err) || ctx.Err() != nil {
			return res, err
		}
		emit.Logf(worker.LevelWarn, "Link classification failed (%v); using same-site content links", err)
		w.log.Warn().Err(err).Str("url", root).Msg("discovery fallback")
		leaves = fallbackLeaves(root, links, nav)
		res.UsedFallback = true
	}

	if w.opts.MaxURLs > 0 && len(leaves) > w.opts.MaxURLs {
		res.Trimmed = len(leaves) - w.opts.MaxURLs
		leaves = leaves[:w.opts.MaxURLs]
		emit.Logf(worker.LevelWarn, "Discovery cap %d reached: dropped %d of %d leaf URLs", w.opts.MaxURLs, res.Trimmed, res.Trimmed+len(leaves))
		w.log.Warn().Int("cap", w.opts.MaxURLs).Int("dropped", res.Trimmed).Str("url", root).Msg("discovery cap applied")
	}
	res.LeafURLs = leaves
	metrics.DiscoveredURLs.Observe(float64(len(leaves)))
	emit.Progressf("Discovered %d leaf pages under %s", len(leaves), root)
	return res, nil
}

// classify returns the links the completion service chose, in its order,
// restricted to links that were actually on the page.
func (w *Worker) classify(ctx context.Context, root string, snap Snapshot, links []string, nav map[string]bool) ([]string, error) {
	var b strings.Builder
	for _, l := range links {
		b.WriteString(l)
		if nav[l] {
			b.WriteString(" [nav]")
		}
		b.WriteByte('\n')
	}
	text, err := prompts.Render(ctx, w.template, map[string]any{
		"root_url":   root,
		"page_text":  eino.CleanText(snap.Title+"\n"+snap.Text, pageTextLimit),
		"link_count": len(links),
		"links":      b.String(),
	})
	if err != nil {
		return nil, err
	}
	resp, err := w.completer.Complete(ctx, text, nil)
	if err != nil {
		return nil, err
	}
	var reply leafReply
	if err := completion.DecodeJSON(resp, &reply); err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(links))
	for _, l := range links {
		allowed[l] = true
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(reply.LeafURLs))
	base := snap.URL
	if base == "" {
		base = root
	}
	for _, u := range reply.LeafURLs {
		// The model often answers with the hrefs as written on the page.
		n := resolve(base, u)
		if !allowed[n] || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}
