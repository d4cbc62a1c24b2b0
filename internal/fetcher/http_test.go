package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dealerscope/internal/config"
	"github.com/sells-group/dealerscope/internal/resilience"
)

func newTestFetcher(t *testing.T) *HTTPFetcher {
	t.Helper()
	return NewHTTPFetcher(HTTPOptions{
		UserAgent:    "test-agent",
		Timeout:      2 * time.Second,
		MaxBodyBytes: 1 << 20,
		HostRate:     1000,
		HostBurst:    100,
		Policy:       &URLPolicy{allowLoopback: true},
	})
}

func loopbackRequest(t *testing.T, raw string) Request {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return Request{URL: raw, AllowedDomains: []string{u.Hostname()}}
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.Write([]byte("<html><body><p>2015 Ford F-150</p></body></html>"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	out, err := f.Fetch(context.Background(), loopbackRequest(t, srv.URL+"/lot/1"))
	require.NoError(t, err)

	assert.False(t, out.NotModified)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.Contains(t, string(out.Body), "Ford F-150")
	assert.Equal(t, `"v1"`, out.ETag)
	assert.Len(t, out.ContentHash, 64)
	assert.Equal(t, CacheHeaders{ETag: `"v1"`, LastModified: "Mon, 02 Jan 2006 15:04:05 GMT"}, out.Validators())
}

func TestFetch_NotModifiedWithValidators(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("<p>unchanged</p>"))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	req := loopbackRequest(t, srv.URL)

	first, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.NotModified)

	req.Cache = first.Validators()
	second, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.NotModified)
	assert.Nil(t, second.Body)
	assert.Equal(t, `"v1"`, second.ETag)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetch_IfModifiedSinceSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", r.Header.Get("If-Modified-Since"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	req := loopbackRequest(t, srv.URL)
	req.Cache = CacheHeaders{LastModified: "Mon, 02 Jan 2006 15:04:05 GMT"}
	out, err := newTestFetcher(t).Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.NotModified)
}

func TestFetch_WhitespaceOnlyChangeSameHash(t *testing.T) {
	pages := []string{
		"<html><body><p>2015 Ford F-150</p><p>$4,500</p></body></html>",
		"<html>\n  <body>\n    <p>2015   Ford F-150</p>\n\n    <p>$4,500</p>\n  </body>\n</html>",
	}
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(pages[n.Add(1)-1]))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	a, err := f.Fetch(context.Background(), loopbackRequest(t, srv.URL))
	require.NoError(t, err)
	b, err := f.Fetch(context.Background(), loopbackRequest(t, srv.URL))
	require.NoError(t, err)

	assert.NotEqual(t, string(a.Body), string(b.Body))
	assert.Equal(t, a.ContentHash, b.ContentHash)
}

func TestFetch_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		blocking  bool
		transient bool
	}{
		{"forbidden", http.StatusForbidden, true, false},
		{"too many requests", http.StatusTooManyRequests, true, false},
		{"bad gateway", http.StatusBadGateway, false, true},
		{"service unavailable", http.StatusServiceUnavailable, false, true},
		{"request timeout", http.StatusRequestTimeout, false, true},
		{"not found", http.StatusNotFound, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestFetcher(t).Fetch(context.Background(), loopbackRequest(t, srv.URL))
			require.Error(t, err)
			assert.Equal(t, tt.blocking, resilience.IsBlocking(err))
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
			assert.True(t, Sent(err))
		})
	}
}

func TestFetch_RateLimitSlowsHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	req := loopbackRequest(t, srv.URL)
	_, err := f.Fetch(context.Background(), req)
	require.Error(t, err)

	u, _ := url.Parse(srv.URL)
	assert.InDelta(t, 500.0, float64(f.limiterFor(u.Host).Limit()), 0.1)
}

func TestFetch_ChallengePageIsBlocking(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><div class="g-recaptcha" data-sitekey="x"></div></html>`))
	}))
	defer srv.Close()

	_, err := newTestFetcher(t).Fetch(context.Background(), loopbackRequest(t, srv.URL))
	be, ok := resilience.AsBlocking(err)
	require.True(t, ok)
	assert.Equal(t, string(BlockCaptcha), be.Hint)
}

func TestFetch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	f.opts.Timeout = 50 * time.Millisecond

	_, err := f.Fetch(context.Background(), loopbackRequest(t, srv.URL))
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestFetch_CancelledIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := newTestFetcher(t).Fetch(ctx, loopbackRequest(t, srv.URL))
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestFetch_BodyCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	f.opts.MaxBodyBytes = 1024

	out, err := f.Fetch(context.Background(), loopbackRequest(t, srv.URL))
	require.NoError(t, err)
	assert.Len(t, out.Body, 1024)
	assert.True(t, out.Truncated)
}

func TestFetch_Latin1Decoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		w.Write([]byte{'<', 'p', '>', 'C', 'i', 't', 'r', 0xeb, 'n', '<', '/', 'p', '>'})
	}))
	defer srv.Close()

	out, err := newTestFetcher(t).Fetch(context.Background(), loopbackRequest(t, srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "<p>Citroën</p>", string(out.Body))
}

func TestFetch_PolicyRejectedNotSent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	f := newTestFetcher(t)
	_, err := f.Fetch(context.Background(), Request{URL: srv.URL, AllowedDomains: []string{"auctions.example.gov"}})
	require.Error(t, err)
	assert.True(t, resilience.IsPolicy(err))
	assert.False(t, Sent(err))
	assert.Zero(t, hits.Load())
}

func TestFetch_RedirectRevalidated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data", http.StatusFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher(t).Fetch(context.Background(), loopbackRequest(t, srv.URL))
	require.Error(t, err)
	assert.True(t, resilience.IsPolicy(err))
}

func TestFetch_InvalidProxy(t *testing.T) {
	f := newTestFetcher(t)
	req := loopbackRequest(t, "http://127.0.0.1:1/x")
	req.Proxy = &config.ProxyConfig{ID: "bad", URL: "://nope"}

	_, err := f.Fetch(context.Background(), req)
	require.Error(t, err)
	assert.False(t, Sent(err))
}

func TestFetch_ProxyUsed(t *testing.T) {
	var proxied atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied.Add(1)
		w.Write([]byte("<p>via proxy</p>"))
	}))
	defer proxy.Close()

	f := newTestFetcher(t)
	req := Request{URL: "http://127.0.0.1:9/lot", AllowedDomains: []string{"127.0.0.1"}}
	req.Proxy = &config.ProxyConfig{ID: "p1", URL: proxy.URL}

	out, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "<p>via proxy</p>", string(out.Body))
	assert.Equal(t, int32(1), proxied.Load())
}

func TestFetchRobots(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	body, status, err := newTestFetcher(t).FetchRobots(context.Background(), srv.URL+"/some/page")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "Disallow: /private")
}

func TestFetchRobots_Missing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	body, status, err := newTestFetcher(t).FetchRobots(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Nil(t, body)
}

func TestSent(t *testing.T) {
	assert.True(t, Sent(nil))
	assert.True(t, Sent(assert.AnError))
	assert.False(t, Sent(&notSentError{err: assert.AnError}))
}

// --- AdaptiveLimiter Tests ---

func TestAdaptiveLimiter_OnSuccess_IncreasesRate(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 10)

	lim.OnSuccess()
	assert.InDelta(t, 12.0, float64(lim.Limit()), 0.1)

	lim.OnSuccess()
	assert.InDelta(t, 14.4, float64(lim.Limit()), 0.1)
}

func TestAdaptiveLimiter_OnRateLimit_DecreasesRate(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 10)

	lim.OnRateLimit()
	assert.InDelta(t, 5.0, float64(lim.Limit()), 0.1)

	lim.OnRateLimit()
	assert.InDelta(t, 2.5, float64(lim.Limit()), 0.1)
}

func TestAdaptiveLimiter_Bounds(t *testing.T) {
	lim := NewAdaptiveLimiter(10, 10)
	for range 20 {
		lim.OnSuccess()
	}
	assert.InDelta(t, 20.0, float64(lim.Limit()), 0.1)

	for range 20 {
		lim.OnRateLimit()
	}
	assert.InDelta(t, 2.5, float64(lim.Limit()), 0.1)
}

func TestAdaptiveLimiter_Wait_ContextCancelled(t *testing.T) {
	lim := NewAdaptiveLimiter(0.001, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, lim.Wait(ctx))
}
