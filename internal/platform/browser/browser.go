package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"karaoke/internal/cancel"
	"karaoke/internal/logger"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"
)

type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

type OpenOptions struct {
	Cookies  []Cookie
	Strategy HeaderStrategy
	// Timeout for the initial navigation. Zero uses the browser default.
	Timeout time.Duration
}

// Page is one rendered tab. Every method is safe to call after Close and
// returns an error there.
type Page interface {
	URL() string
	Status() int
	Title() (string, error)
	HTML() (string, error)
	Text() (string, error)
	Links() ([]string, error)
	ImageURLs(minSize int) ([]string, error)
	Scroll(ctx context.Context, iterations int, pause time.Duration) error
	Screenshot() ([]byte, error)
	Cookies() ([]Cookie, error)
	Goto(url string) error
	Fill(selector, value string) error
	Click(selector string) error
	Exists(selector string) (bool, error)
	WaitForIdle(timeout time.Duration) error
	Close() error
}

type Browser interface {
	Open(ctx context.Context, url string, opts OpenOptions) (Page, error)
}

// Playwright is a lazily launched headless Chromium shared by every worker.
// Each Open gets its own browser context registered with the cancellation
// service so cancel-all can close it.
type Playwright struct {
	log        *logger.Logger
	cancel     *cancel.Service
	navTimeout time.Duration

	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
}

func NewPlaywright(svc *cancel.Service, navTimeout time.Duration) *Playwright {
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	return &Playwright{log: logger.New("Browser"), cancel: svc, navTimeout: navTimeout}
}

func (b *Playwright) launch() (playwright.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil && b.browser.IsConnected() {
		return b.browser, nil
	}
	if b.pw == nil {
		pw, err := playwright.Run()
		if err != nil {
			return nil, fmt.Errorf("playwright run: %w", err)
		}
		b.pw = pw
	}
	br, err := b.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--no-sandbox",
			"--disable-dev-shm-usage",
			"--disable-blink-features=AutomationControlled",
			"--no-first-run",
			"--disable-default-apps",
			"--disable-extensions",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("launch: %w", err)
	}
	b.browser = br
	return br, nil
}

func (b *Playwright) Open(ctx context.Context, url string, opts OpenOptions) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancel.Cause(ctx)
	}
	br, err := b.launch()
	if err != nil {
		return nil, err
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyModernBrowser
	}
	profile := GetHeaderProfile(strategy)
	bctx, err := br.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:        playwright.String(profile.UserAgent),
		ExtraHttpHeaders: profile.Headers(),
	})
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	if len(opts.Cookies) > 0 {
		if err := bctx.AddCookies(toPlaywrightCookies(opts.Cookies)); err != nil {
			_ = bctx.Close()
			return nil, fmt.Errorf("add cookies: %w", err)
		}
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}

	id := "browser:" + uuid.NewString()
	p := &pwPage{page: page, bctx: bctx}
	b.cancel.Register(id, cancel.HandleFunc(func(context.Context) error { return p.Close() }), cancel.KindBrowser, url)
	stop := context.AfterFunc(ctx, func() { _ = p.Close() })
	p.release = func() {
		stop()
		b.cancel.Unregister(id)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.navTimeout
	}
	if err := p.navigate(url, timeout); err != nil {
		_ = p.Close()
		if ctx.Err() != nil {
			return nil, cancel.Cause(ctx)
		}
		return nil, err
	}
	return p, nil
}

func (b *Playwright) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		_ = b.browser.Close()
		b.browser = nil
	}
	if b.pw != nil {
		err := b.pw.Stop()
		b.pw = nil
		return err
	}
	return nil
}

type pwPage struct {
	page    playwright.Page
	bctx    playwright.BrowserContext
	status  int
	release func()

	closeOnce sync.Once
	closeErr  error
}

func (p *pwPage) navigate(url string, timeout time.Duration) error {
	ms := float64(timeout.Milliseconds())
	resp, err := p.page.Goto(url, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateDomcontentloaded, Timeout: playwright.Float(ms)})
	if err != nil {
		// Some sites never fire DOMContentLoaded in time; a full load with a
		// longer budget usually gets there.
		resp, err = p.page.Goto(url, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateLoad, Timeout: playwright.Float(2 * ms)})
		if err != nil {
			return fmt.Errorf("goto %s: %w", url, err)
		}
	}
	p.status = 200
	if resp != nil {
		p.status = resp.Status()
	}
	return nil
}

func (p *pwPage) URL() string { return p.page.URL() }
func (p *pwPage) Status() int { return p.status }
func (p *pwPage) Goto(url string) error {
	return p.navigate(url, 30*time.Second)
}

func (p *pwPage) Title() (string, error) { return p.page.Title() }
func (p *pwPage) HTML() (string, error)  { return p.page.Content() }

func (p *pwPage) Text() (string, error) {
	return p.page.Locator("body").InnerText()
}

func (p *pwPage) Links() ([]string, error) {
	result, err := p.page.Evaluate(`() => {
		const out = new Set();
		for (const a of document.querySelectorAll('a[href]')) {
			const href = a.getAttribute('href') || '';
			if (!href || href.startsWith('javascript:') || href.startsWith('mailto:') || href.startsWith('#')) continue;
			try {
				const abs = new URL(href, document.baseURI).toString();
				if (abs.startsWith('http://') || abs.startsWith('https://')) out.add(abs);
			} catch (_) {}
		}
		return Array.from(out);
	}`)
	if err != nil {
		return nil, err
	}
	return toStrings(result), nil
}

func (p *pwPage) ImageURLs(minSize int) ([]string, error) {
	result, err := p.page.Evaluate(`(min) => {
		const out = new Set();
		for (const img of document.querySelectorAll('img')) {
			const src = img.currentSrc || img.src || img.getAttribute('data-src') || '';
			if (!src || src.startsWith('data:')) continue;
			const w = img.naturalWidth || img.width || 0;
			const h = img.naturalHeight || img.height || 0;
			if (min > 0 && w < min && h < min) continue;
			out.add(src);
		}
		return Array.from(out);
	}`, minSize)
	if err != nil {
		return nil, err
	}
	return toStrings(result), nil
}

// Scroll pages down to trigger lazy loading, checking ctx between steps.
func (p *pwPage) Scroll(ctx context.Context, iterations int, pause time.Duration) error {
	for i := 0; i < iterations; i++ {
		if ctx.Err() != nil {
			return cancel.Cause(ctx)
		}
		if _, err := p.page.Evaluate(`() => window.scrollBy(0, document.body.scrollHeight)`); err != nil {
			return fmt.Errorf("scroll %d: %w", i, err)
		}
		select {
		case <-ctx.Done():
			return cancel.Cause(ctx)
		case <-time.After(pause):
		}
	}
	return nil
}

func (p *pwPage) Screenshot() ([]byte, error) {
	return p.page.Screenshot(playwright.PageScreenshotOptions{FullPage: playwright.Bool(true)})
}

func (p *pwPage) Cookies() ([]Cookie, error) {
	raw, err := p.bctx.Cookies()
	if err != nil {
		return nil, err
	}
	out := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, Cookie{
			Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
			Expires: c.Expires, HTTPOnly: c.HttpOnly, Secure: c.Secure,
		})
	}
	return out, nil
}

func (p *pwPage) Fill(selector, value string) error { return p.page.Locator(selector).Fill(value) }
func (p *pwPage) Click(selector string) error       { return p.page.Locator(selector).Click() }

func (p *pwPage) Exists(selector string) (bool, error) {
	n, err := p.page.Locator(selector).Count()
	return n > 0, err
}

func (p *pwPage) WaitForIdle(timeout time.Duration) error {
	return p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
}

func (p *pwPage) Close() error {
	p.closeOnce.Do(func() {
		if p.release != nil {
			p.release()
		}
		p.closeErr = p.bctx.Close()
	})
	return p.closeErr
}

func toPlaywrightCookies(in []Cookie) []playwright.OptionalCookie {
	out := make([]playwright.OptionalCookie, 0, len(in))
	for _, c := range in {
		oc := playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(c.Path),
			HttpOnly: playwright.Bool(c.HTTPOnly),
			Secure:   playwright.Bool(c.Secure),
		}
		if c.Path == "" {
			oc.Path = playwright.String("/")
		}
		if c.Expires > 0 {
			oc.Expires = playwright.Float(c.Expires)
		}
		out = append(out, oc)
	}
	return out
}

func toStrings(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
