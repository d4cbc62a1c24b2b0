package compliance

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/sells-group/dealerscope/internal/model"
)

type piiDetector struct {
	typ   model.PIIType
	re    *regexp.Regexp
	valid func(string) bool
}

// detectors run in this order; each sees the output of the previous one.
var detectors = []piiDetector{
	{typ: model.PIIEmail, re: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
	{typ: model.PIIPhone, re: regexp.MustCompile(`(?:\+1[\-.\s]?)?(?:\([2-9]\d{2}\)\s?|\b[2-9]\d{2}[\-.\s])\d{3}[\-.\s]\d{4}\b`)},
	{typ: model.PIISSN, re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{typ: model.PIICreditCard, re: regexp.MustCompile(`\b\d(?:[ \-]?\d){12,18}\b`), valid: luhnValid},
	{typ: model.PIIIPv4, re: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`)},
}

// RedactionMarker returns the replacement text for a PII match.
func RedactionMarker(t model.PIIType) string {
	return "[REDACTED:" + string(t) + "]"
}

// PIIScan is the result of scrubbing one document.
type PIIScan struct {
	Redacted string
	Found    []model.PIIType
	Count    int
}

// ScanPII replaces every PII match in doc with a redaction marker.
func ScanPII(doc string) PIIScan {
	counts := make(map[model.PIIType]int)
	return newScan(scrub(doc, counts), counts)
}

// scrub runs every detector over s in order, adding matches to counts.
func scrub(s string, counts map[model.PIIType]int) string {
	for _, d := range detectors {
		s = d.re.ReplaceAllStringFunc(s, func(m string) string {
			if d.valid != nil && !d.valid(m) {
				return m
			}
			counts[d.typ]++
			return RedactionMarker(d.typ)
		})
	}
	return s
}

func newScan(redacted string, counts map[model.PIIType]int) PIIScan {
	scan := PIIScan{Redacted: redacted}
	for _, d := range detectors {
		if n := counts[d.typ]; n > 0 {
			scan.Found = append(scan.Found, d.typ)
			scan.Count += n
		}
	}
	return scan
}

// ScanHTML scrubs PII from an HTML document. Detectors see entity-decoded
// text and attribute values, so `jane&#64;example.com` is caught the same
// as the literal address. Tokens without a match are written back verbatim.
func ScanHTML(doc string) PIIScan {
	var (
		b       strings.Builder
		counts  = make(map[model.PIIType]int)
		rawText bool
	)
	b.Grow(len(doc))

	z := html.NewTokenizer(strings.NewReader(doc))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		raw := string(z.Raw())
		switch tt {
		case html.TextToken:
			if rawText {
				// script and style bodies are not entity-decoded.
				b.WriteString(scrub(raw, counts))
				continue
			}
			text := string(z.Text())
			if clean := scrub(text, counts); clean != text {
				b.WriteString(html.EscapeString(clean))
			} else {
				b.WriteString(raw)
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			changed := false
			for i, a := range tok.Attr {
				if clean := scrub(a.Val, counts); clean != a.Val {
					tok.Attr[i].Val = clean
					changed = true
				}
			}
			if changed {
				b.WriteString(tok.String())
			} else {
				b.WriteString(raw)
			}
			rawText = tt == html.StartTagToken && rawTextElement(tok.DataAtom)
		case html.EndTagToken:
			rawText = false
			b.WriteString(raw)
		case html.CommentToken:
			text := html.UnescapeString(string(z.Text()))
			if clean := scrub(text, counts); clean != text {
				b.WriteString("<!--" + html.EscapeString(clean) + "-->")
			} else {
				b.WriteString(raw)
			}
		default:
			b.WriteString(raw)
		}
	}

	return newScan(b.String(), counts)
}

// rawTextElement reports whether the tokenizer returns the element's
// content without decoding entities.
func rawTextElement(a atom.Atom) bool {
	switch a {
	case atom.Script, atom.Style, atom.Iframe, atom.Noembed, atom.Noframes, atom.Noscript, atom.Plaintext, atom.Xmp:
		return true
	}
	return false
}

// RedactListing scrubs PII from the free-text fields of an extracted
// listing and its provenance values. It returns the number of matches.
func RedactListing(l *model.Listing) int {
	n := 0
	for _, f := range []*string{&l.Make, &l.Model, &l.Trim, &l.Location, &l.TitleStatus, &l.PhotoURL, &l.Description} {
		n += redactInPlace(f)
	}
	if l.Provenance != nil {
		for i := range l.Provenance.Fields {
			n += redactInPlace(&l.Provenance.Fields[i].Value)
		}
	}
	return n
}

func redactInPlace(s *string) int {
	if *s == "" {
		return 0
	}
	scan := ScanPII(*s)
	if scan.Count > 0 {
		*s = scan.Redacted
	}
	return scan.Count
}

// ContainsPII reports whether any detector matches doc.
func ContainsPII(doc string) bool {
	return ScanPII(doc).Count > 0
}

// luhnValid checks the Luhn checksum of the digits in s.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
