// Package browsertest provides an in-memory Browser for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"karaoke/internal/platform/browser"

	"github.com/PuerkitoBio/goquery"
)

// Site describes what a fake page renders.
type Site struct {
	HTML       string
	Text       string
	Title      string
	Status     int
	Images     []string
	Screenshot []byte
	// Selectors that Exists reports as present.
	Selectors []string
	// OpenErr fails navigation.
	OpenErr error
}

type Browser struct {
	mu     sync.Mutex
	Sites  map[string]Site
	Opened []string
	// Cookies seen by each Open, in order.
	CookieSets [][]browser.Cookie
	// OnOpen, when set, can rewrite the site served for a URL per call.
	OnOpen func(url string, cookies []browser.Cookie) (Site, bool)
	open   int
}

func New(sites map[string]Site) *Browser {
	if sites == nil {
		sites = map[string]Site{}
	}
	return &Browser{Sites: sites}
}

func (b *Browser) Open(ctx context.Context, url string, opts browser.OpenOptions) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Opened = append(b.Opened, url)
	b.CookieSets = append(b.CookieSets, opts.Cookies)
	site, ok := b.Sites[url]
	if b.OnOpen != nil {
		if s, handled := b.OnOpen(url, opts.Cookies); handled {
			site, ok = s, true
		}
	}
	if !ok {
		return nil, fmt.Errorf("goto %s: net::ERR_NAME_NOT_RESOLVED", url)
	}
	if site.OpenErr != nil {
		return nil, site.OpenErr
	}
	b.open++
	return &Page{b: b, url: url, site: site}, nil
}

// OpenPages returns how many pages are still open.
func (b *Browser) OpenPages() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

type Page struct {
	b      *Browser
	url    string
	site   Site
	closed bool
	Filled map[string]string
	Clicks []string
}

var errClosed = errors.New("page closed")

func (p *Page) URL() string { return p.url }

func (p *Page) Status() int {
	if p.site.Status == 0 {
		return 200
	}
	return p.site.Status
}

func (p *Page) Title() (string, error) { return p.site.Title, p.err() }
func (p *Page) HTML() (string, error)  { return p.site.HTML, p.err() }

func (p *Page) Text() (string, error) {
	if p.site.Text != "" || p.site.HTML == "" {
		return p.site.Text, p.err()
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.site.HTML))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(doc.Find("body").Text()), p.err()
}

func (p *Page) Links() ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.site.HTML))
	if err != nil {
		return nil, err
	}
	var out []string
	seen := map[string]bool{}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if strings.HasPrefix(href, "http") && !seen[href] {
			seen[href] = true
			out = append(out, href)
		}
	})
	return out, p.err()
}

func (p *Page) ImageURLs(int) ([]string, error) { return p.site.Images, p.err() }

func (p *Page) Scroll(ctx context.Context, iterations int, pause time.Duration) error {
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return p.err()
}

func (p *Page) Screenshot() ([]byte, error) { return p.site.Screenshot, p.err() }

func (p *Page) Cookies() ([]browser.Cookie, error) {
	return []browser.Cookie{{Name: "c_user", Value: "1", Domain: ".facebook.com", Path: "/"}}, p.err()
}

func (p *Page) Goto(url string) error {
	p.b.mu.Lock()
	site, ok := p.b.Sites[url]
	p.b.mu.Unlock()
	if !ok {
		return fmt.Errorf("goto %s: not found", url)
	}
	p.url, p.site = url, site
	return p.err()
}

func (p *Page) Fill(selector, value string) error {
	if p.Filled == nil {
		p.Filled = map[string]string{}
	}
	p.Filled[selector] = value
	return p.err()
}

func (p *Page) Click(selector string) error {
	p.Clicks = append(p.Clicks, selector)
	return p.err()
}

func (p *Page) Exists(selector string) (bool, error) {
	for _, s := range p.site.Selectors {
		if s == selector {
			return true, p.err()
		}
	}
	return false, p.err()
}

func (p *Page) WaitForIdle(time.Duration) error { return p.err() }

func (p *Page) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.b.mu.Lock()
	p.b.open--
	p.b.mu.Unlock()
	return nil
}

func (p *Page) err() error {
	if p.closed {
		return errClosed
	}
	return nil
}
