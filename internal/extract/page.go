// Package extract resolves listing fields from fetched pages through a
// selector tier, a pattern model tier and a generative tier.
package extract

import (
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/sells-group/dealerscope/internal/model"
)

// Page is one compliant, redacted document handed to the extractor. The
// parsed DOM and visible text are computed once and shared by every tier.
type Page struct {
	URL       string
	HTML      string
	ClusterID string
	Site      model.Site

	once sync.Once
	doc  *goquery.Document
	text string
	err  error
}

// NewPage creates a Page and derives its cluster id from rawURL.
func NewPage(rawURL, body string, site model.Site) *Page {
	return &Page{
		URL:       rawURL,
		HTML:      body,
		ClusterID: ClusterID(rawURL),
		Site:      site,
	}
}

func (p *Page) parse() {
	p.once.Do(func() {
		p.doc, p.err = goquery.NewDocumentFromReader(strings.NewReader(p.HTML))
		if p.err != nil {
			return
		}
		var b strings.Builder
		for _, n := range p.doc.Nodes {
			visibleText(&b, n)
		}
		p.text = strings.Join(strings.Fields(b.String()), " ")
	})
}

// Doc returns the parsed document.
func (p *Page) Doc() (*goquery.Document, error) {
	p.parse()
	return p.doc, p.err
}

// Text returns visible page text with one space between text runs.
func (p *Page) Text() string {
	p.parse()
	return p.text
}

// Title returns the <title> or first <h1>.
func (p *Page) Title() string {
	doc, err := p.Doc()
	if err != nil {
		return ""
	}
	if h := strings.TrimSpace(doc.Find("h1").First().Text()); h != "" {
		return collapse(h)
	}
	return collapse(doc.Find("title").First().Text())
}

// visibleText writes text nodes outside script/style, separating element
// boundaries so "<td>Year</td><td>2015</td>" reads as "Year 2015".
func visibleText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		b.WriteByte(' ')
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Template:
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		visibleText(b, c)
	}
	if n.Type == html.ElementNode {
		b.WriteByte(' ')
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
