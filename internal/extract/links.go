package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DiscoverLinks returns absolute detail-page URLs linked from page whose
// path starts with one of prefixes, on the page's own host. Results keep
// document order, drop fragments and duplicates, and stop at limit.
func DiscoverLinks(page *Page, prefixes []string, limit int) []string {
	doc, err := page.Doc()
	if err != nil || len(prefixes) == 0 {
		return nil
	}
	base, err := url.Parse(page.URL)
	if err != nil {
		return nil
	}

	seen := map[string]bool{page.URL: true}
	var out []string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		u := base.ResolveReference(ref)
		u.Fragment = ""
		if (u.Scheme != "http" && u.Scheme != "https") || !strings.EqualFold(u.Hostname(), base.Hostname()) {
			return true
		}
		if !hasAnyPrefix(u.Path, prefixes) {
			return true
		}
		abs := u.String()
		if seen[abs] {
			return true
		}
		seen[abs] = true
		out = append(out, abs)
		return limit <= 0 || len(out) < limit
	})
	return out
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
