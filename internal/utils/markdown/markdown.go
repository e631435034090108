package markdown

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

var (
	blankRuns   = regexp.MustCompile(`\n{3,}`)
	imageOnly   = regexp.MustCompile(`!\[[^\]]*\]\([^\)]+\)`)
	controlChar = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)
	invisible   = strings.NewReplacer(
		"​", "", "‌", "", "‍", "", "‎", "", "‏", "",
		" ", "", " ", "", "\uFEFF", "", "�", "", "￿", "",
	)
)

// Class and id fragments of page chrome. Header and login are absent on
// purpose: venue pages often put the weekly schedule in a header block.
var boilerplate = []string{
	"cookie", "consent", "navbar", "nav-", "menu-", "pagination", "share",
	"search-", "signup", "newsletter", "ad-", "advert", "promo", "modal",
	"popup", "breadcrumb", "sidebar",
}

// ConvertHTMLToMarkdown reduces a page to the markdown of its main content,
// which is what the extraction prompt reads.
func ConvertHTMLToMarkdown(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	content := doc.Find("body")
	for _, sel := range []string{"main", `[role="main"]`, "#content", "#main"} {
		if found := doc.Find(sel); found.Length() > 0 {
			content = found.First()
			break
		}
	}

	content.Find("script, style, noscript, nav, aside, form, iframe, svg, button, input").Remove()
	content.Find(`[role="navigation"], [role="contentinfo"], [aria-label*="cookie" i], [aria-modal]`).Remove()
	content.Find("[class], [id]").Each(func(_ int, sel *goquery.Selection) {
		class, _ := sel.Attr("class")
		id, _ := sel.Attr("id")
		lower := strings.ToLower(class + " " + id)
		for _, kw := range boilerplate {
			if strings.Contains(lower, kw) {
				sel.Remove()
				return
			}
		}
	})

	body, err := content.Html()
	if err != nil {
		return ""
	}
	out, err := md.NewConverter("", true, nil).ConvertString(body)
	if err != nil {
		return ""
	}
	return Clean(out)
}

// Clean drops image-only lines and blank lines and strips characters that
// confuse the completion service. Repeated text lines are kept: a listing
// legitimately repeats "Friday 9pm" for every venue.
func Clean(mdText string) string {
	lines := strings.Split(strings.ReplaceAll(mdText, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		line := strings.TrimSpace(l)
		if line == "" {
			continue
		}
		if imageOnly.MatchString(line) && strings.TrimSpace(imageOnly.ReplaceAllString(line, "")) == "" {
			continue
		}
		line = invisible.Replace(controlChar.ReplaceAllString(line, ""))
		out = append(out, line)
	}
	return strings.TrimSpace(blankRuns.ReplaceAllString(strings.Join(out, "\n"), "\n\n"))
}
