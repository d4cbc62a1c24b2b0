package fetcher

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"mime"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
	"golang.org/x/text/encoding/htmlindex"
)

var isoTimestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(?::\d{2}(?:\.\d+)?)?(?:Z|[+-]\d{2}:?\d{2})?`)

// Normalize strips volatile content from an HTML document: comments,
// ISO-8601 timestamps and whitespace differences. Tags are re-rendered so
// attribute quoting and spacing are canonical; text runs are trimmed and
// collapsed, and whitespace-only runs are dropped.
func Normalize(doc []byte) string {
	var b strings.Builder
	b.Grow(len(doc))

	z := html.NewTokenizer(bytes.NewReader(doc))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return b.String()
		case html.CommentToken:
			continue
		case html.TextToken:
			if text := canonicalText(string(z.Text())); text != "" {
				b.WriteString(html.EscapeString(text))
			}
		default:
			tok := z.Token()
			for i, a := range tok.Attr {
				tok.Attr[i].Val = canonicalText(a.Val)
			}
			b.WriteString(tok.String())
		}
	}
}

// canonicalText collapses whitespace and drops timestamps from s.
func canonicalText(s string) string {
	s = isoTimestampRe.ReplaceAllString(strings.Join(strings.Fields(s), " "), "")
	return strings.Join(strings.Fields(s), " ")
}

// ContentHash returns the hex sha256 of the normalized document.
func ContentHash(doc []byte) string {
	sum := sha256.Sum256([]byte(Normalize(doc)))
	return hex.EncodeToString(sum[:])
}

// decodeBody converts body to UTF-8 using the charset named in the
// Content-Type header. Unknown charsets are passed through unchanged.
func decodeBody(body []byte, contentType string) ([]byte, error) {
	if contentType == "" {
		return body, nil
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return body, nil
	}
	charset := strings.ToLower(strings.TrimSpace(params["charset"]))
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		return body, nil
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return body, nil
	}
	decoded, err := io.ReadAll(enc.NewDecoder().Reader(bytes.NewReader(body)))
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: decode %s body", charset)
	}
	return decoded, nil
}
