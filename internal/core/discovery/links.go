package discovery

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Containers whose anchors are site chrome rather than content.
const navSelector = `nav, header, footer, [role="navigation"], [role="banner"], [role="contentinfo"], .menu, .nav, .navbar, .breadcrumb, .pagination`

var skipSchemes = []string{"mailto:", "tel:", "javascript:", "sms:"}

func normalize(u string) string {
	for _, s := range skipSchemes {
		if strings.HasPrefix(strings.ToLower(u), s) {
			return ""
		}
	}
	p, err := url.Parse(strings.TrimSpace(u))
	if err != nil || (p.Scheme != "http" && p.Scheme != "https") || p.Host == "" {
		return ""
	}
	p.Fragment = ""
	if p.Path == "/" {
		p.Path = ""
	}
	return p.String()
}

func extractDomain(u string) string {
	p, _ := url.Parse(u)
	if p != nil {
		return p.Hostname()
	}
	return ""
}

func domainsMatch(a, b string) bool {
	a = strings.TrimPrefix(a, "www.")
	b = strings.TrimPrefix(b, "www.")
	return a == b || strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a)
}

// navLinks returns the absolute links found inside navigation chrome.
func navLinks(html, base string) map[string]bool {
	out := map[string]bool{}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return out
	}
	doc.Find(navSelector).Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if link := resolve(base, href); link != "" {
			out[link] = true
		}
	})
	return out
}

// resolve makes href absolute against base and normalizes it. Empty means
// the link is unusable.
func resolve(base, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	if baseURL, err := url.Parse(base); err == nil && baseURL.Host != "" {
		ref = baseURL.ResolveReference(ref)
	}
	return normalize(ref.String())
}

// candidates normalizes and dedupes the page links, dropping the root page
// itself. Order is page order.
func candidates(root string, links []string) []string {
	self := normalize(root)
	seen := map[string]bool{self: true}
	out := make([]string, 0, len(links))
	for _, l := range links {
		n := normalize(l)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// fallbackLeaves is used when the completion service gives nothing usable:
// same-site links outside navigation chrome.
func fallbackLeaves(root string, links []string, nav map[string]bool) []string {
	dom := extractDomain(root)
	var out []string
	for _, l := range links {
		if nav[l] || !domainsMatch(extractDomain(l), dom) {
			continue
		}
		out = append(out, l)
	}
	return out
}
