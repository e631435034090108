package discovery

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"karaoke/internal/platform/browser"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly"
)

// Snapshot is what discovery needs from the root page.
type Snapshot struct {
	URL   string
	Title string
	Text  string
	HTML  string
	Links []string
}

type PageLoader interface {
	Load(ctx context.Context, url string) (Snapshot, error)
}

// BrowserLoader renders the root page in headless Chromium so links built
// by client side scripts are visible.
type BrowserLoader struct {
	browser browser.Browser
	timeout time.Duration
}

func NewBrowserLoader(b browser.Browser, timeout time.Duration) *BrowserLoader {
	return &BrowserLoader{browser: b, timeout: timeout}
}

func (l *BrowserLoader) Load(ctx context.Context, url string) (Snapshot, error) {
	page, err := l.browser.Open(ctx, url, browser.OpenOptions{Strategy: browser.StrategyModernBrowser, Timeout: l.timeout})
	if err != nil {
		return Snapshot{}, err
	}
	defer page.Close()

	if st := page.Status(); st >= 400 {
		return Snapshot{}, fmt.Errorf("status %d", st)
	}
	_ = page.WaitForIdle(l.timeout)

	snap := Snapshot{URL: page.URL()}
	if snap.Title, err = page.Title(); err != nil {
		return Snapshot{}, err
	}
	if snap.HTML, err = page.HTML(); err != nil {
		return Snapshot{}, err
	}
	if snap.Text, err = page.Text(); err != nil {
		return Snapshot{}, err
	}
	if snap.Links, err = page.Links(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// StaticLoader fetches the root page with colly and no JavaScript. It is the
// cheap path for plain HTML directories.
type StaticLoader struct {
	timeout   time.Duration
	userAgent string
}

func NewStaticLoader(timeout time.Duration) *StaticLoader {
	ua := browser.GetHeaderProfile(browser.StrategyBotFriendly).UserAgent
	return &StaticLoader{timeout: timeout, userAgent: ua}
}

func (l *StaticLoader) Load(ctx context.Context, url string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	c := colly.NewCollector(colly.MaxDepth(1))
	c.UserAgent = l.userAgent
	if l.timeout > 0 {
		c.SetRequestTimeout(l.timeout)
	}

	snap := Snapshot{URL: url}
	seen := map[string]bool{}
	var loadErr error

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		loadErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
	})
	c.OnResponse(func(r *colly.Response) {
		if r.StatusCode >= http.StatusBadRequest {
			loadErr = fmt.Errorf("status %d", r.StatusCode)
			return
		}
		snap.URL = r.Request.URL.String()
		snap.HTML = string(r.Body)
	})
	c.OnHTML("title", func(e *colly.HTMLElement) {
		if snap.Title == "" {
			snap.Title = strings.TrimSpace(e.Text)
		}
	})
	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := normalize(e.Request.AbsoluteURL(e.Attr("href")))
		if link == "" || seen[link] {
			return
		}
		seen[link] = true
		snap.Links = append(snap.Links, link)
	})

	if err := c.Visit(url); err != nil && loadErr == nil {
		loadErr = err
	}
	c.Wait()
	if loadErr != nil {
		return Snapshot{}, loadErr
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	snap.Text = bodyText(snap.HTML)
	return snap, nil
}

func bodyText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script,style,noscript").Remove()
	return strings.Join(strings.Fields(doc.Find("body").Text()), " ")
}
