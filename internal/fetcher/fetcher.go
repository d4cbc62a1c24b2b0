// Package fetcher retrieves auction pages over HTTP with SSRF protection,
// cache revalidation and content hashing.
package fetcher

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/dealerscope/internal/config"
)

// Fetcher defines the interface for retrieving remote pages.
type Fetcher interface {
	// Fetch retrieves req.URL. A 304 yields an Outcome with NotModified set
	// and no body.
	Fetch(ctx context.Context, req Request) (*Outcome, error)

	// FetchRobots retrieves /robots.txt for the given origin. A non-2xx
	// response is returned as a status code, not an error.
	FetchRobots(ctx context.Context, origin string) ([]byte, int, error)
}

// CacheHeaders are the revalidation validators from a previous fetch.
type CacheHeaders struct {
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// Empty reports whether no validator is set.
func (c CacheHeaders) Empty() bool {
	return c.ETag == "" && c.LastModified == ""
}

// Request describes one page fetch.
type Request struct {
	URL            string
	AllowedDomains []string
	Cache          CacheHeaders
	Proxy          *config.ProxyConfig
}

// Outcome is the result of a fetch that reached the target.
type Outcome struct {
	URL          string
	NotModified  bool
	StatusCode   int
	Body         []byte
	Truncated    bool
	ContentHash  string
	ETag         string
	LastModified string
	Elapsed      time.Duration
}

// Validators returns the cache headers to send on the next fetch.
func (o *Outcome) Validators() CacheHeaders {
	return CacheHeaders{ETag: o.ETag, LastModified: o.LastModified}
}

// notSentError marks a failure that happened before any bytes left the
// process, so the request must not be charged against a budget.
type notSentError struct {
	err error
}

func (e *notSentError) Error() string { return e.err.Error() }
func (e *notSentError) Unwrap() error { return e.err }

// Sent reports whether err occurred after the request was put on the wire.
func Sent(err error) bool {
	if err == nil {
		return true
	}
	var ns *notSentError
	return !errors.As(err, &ns)
}
