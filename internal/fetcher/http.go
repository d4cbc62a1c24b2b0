package fetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/dealerscope/internal/config"
	"github.com/sells-group/dealerscope/internal/resilience"
)

const (
	maxRedirects    = 5
	maxRobotsBytes  = 512 << 10
	defaultBodyCap  = 5 << 20
	defaultTimeout  = 10 * time.Second
	defaultHostRate = 2
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	HostRate     rate.Limit
	HostBurst    int
	Policy       *URLPolicy
}

// OptionsFromConfig maps fetch configuration onto HTTPOptions.
func OptionsFromConfig(cfg config.FetchConfig) HTTPOptions {
	return HTTPOptions{
		UserAgent:    cfg.UserAgent,
		Timeout:      time.Duration(cfg.TimeoutSecs) * time.Second,
		MaxBodyBytes: cfg.MaxBodyBytes,
		HostRate:     rate.Limit(cfg.RatePerSec),
		HostBurst:    cfg.Burst,
	}
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("fetcher: reducing host rate after 429",
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

type allowedDomainsKey struct{}

// HTTPFetcher implements Fetcher using net/http with per-host adaptive
// rate limiting.
type HTTPFetcher struct {
	client    *http.Client
	transport *http.Transport
	opts      HTTPOptions
	policy    *URLPolicy

	mu           sync.Mutex
	limiters     map[string]*AdaptiveLimiter
	proxyClients map[string]*http.Client
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultBodyCap
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "DealerScopeBot/1.0"
	}
	if opts.HostRate <= 0 {
		opts.HostRate = defaultHostRate
	}
	if opts.HostBurst <= 0 {
		opts.HostBurst = 1
	}
	if opts.Policy == nil {
		opts.Policy = NewURLPolicy()
	}

	transport := &http.Transport{
		Proxy:               nil,
		DialContext:         opts.Policy.DialContext,
		MaxIdleConnsPerHost: 4,
		MaxConnsPerHost:     8,
		IdleConnTimeout:     90 * time.Second,
	}
	f := &HTTPFetcher{
		transport:    transport,
		opts:         opts,
		policy:       opts.Policy,
		limiters:     make(map[string]*AdaptiveLimiter),
		proxyClients: make(map[string]*http.Client),
	}
	f.client = f.newClient(transport)
	return f
}

func (f *HTTPFetcher) newClient(rt http.RoundTripper) *http.Client {
	return &http.Client{
		Transport:     rt,
		CheckRedirect: f.checkRedirect,
	}
}

// checkRedirect re-validates every redirect target against the policy and
// the allowlist of the originating request.
func (f *HTTPFetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return eris.Errorf("fetcher: stopped after %d redirects", maxRedirects)
	}
	allowed, _ := req.Context().Value(allowedDomainsKey{}).([]string)
	if _, err := f.policy.Check(req.Context(), req.URL.String(), allowed); err != nil {
		return err
	}
	if len(via) > 0 && req.URL.Host != via[0].URL.Host {
		req.Header.Del("If-None-Match")
		req.Header.Del("If-Modified-Since")
	}
	return nil
}

// limiterFor returns the adaptive limiter for host, creating it on first use.
func (f *HTTPFetcher) limiterFor(host string) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = NewAdaptiveLimiter(f.opts.HostRate, f.opts.HostBurst)
		f.limiters[host] = lim
	}
	return lim
}

// clientFor returns a client routing through p, or the direct client.
func (f *HTTPFetcher) clientFor(p *config.ProxyConfig) (*http.Client, error) {
	if p == nil || p.URL == "" {
		return f.client, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.proxyClients[p.ID]; ok {
		return c, nil
	}
	proxyURL, err := url.Parse(p.URL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse proxy %s", p.ID)
	}
	t := f.transport.Clone()
	t.Proxy = http.ProxyURL(proxyURL)
	// The proxy resolves the target; its own address comes from configuration.
	t.DialContext = dialer.DialContext
	c := f.newClient(t)
	f.proxyClients[p.ID] = c
	return c, nil
}

// Fetch retrieves a page, honouring cache validators.
func (f *HTTPFetcher) Fetch(ctx context.Context, r Request) (*Outcome, error) {
	start := time.Now()

	u, err := f.policy.Check(ctx, r.URL, r.AllowedDomains)
	if err != nil {
		zap.L().Warn("fetcher: url rejected by policy",
			zap.String("url", r.URL),
			zap.Error(err),
		)
		return nil, &notSentError{err: err}
	}

	client, err := f.clientFor(r.Proxy)
	if err != nil {
		return nil, &notSentError{err: err}
	}

	lim := f.limiterFor(u.Host)
	if err := lim.Wait(ctx); err != nil {
		return nil, &notSentError{err: eris.Wrap(err, "fetcher: rate limiter wait")}
	}

	parent := ctx
	reqCtx, cancel := context.WithTimeout(context.WithValue(ctx, allowedDomainsKey{}, r.AllowedDomains), f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &notSentError{err: eris.Wrap(err, "fetcher: create request")}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	if r.Cache.ETag != "" {
		req.Header.Set("If-None-Match", r.Cache.ETag)
	}
	if r.Cache.LastModified != "" {
		req.Header.Set("If-Modified-Since", r.Cache.LastModified)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyError(parent, err, r.URL)
	}
	defer resp.Body.Close() //nolint:errcheck

	out := &Outcome{
		URL:          resp.Request.URL.String(),
		StatusCode:   resp.StatusCode,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		out.NotModified = true
		if out.ETag == "" {
			out.ETag = r.Cache.ETag
		}
		if out.LastModified == "" {
			out.LastModified = r.Cache.LastModified
		}
		out.Elapsed = time.Since(start)
		lim.OnSuccess()
		return out, nil

	case resilience.IsBlockingHTTPStatus(resp.StatusCode):
		if resp.StatusCode == http.StatusTooManyRequests {
			lim.OnRateLimit()
		}
		_, hint := DetectBlock(resp, nil)
		return nil, &resilience.BlockingError{StatusCode: resp.StatusCode, Hint: string(hint), URL: r.URL}

	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			eris.Errorf("fetcher: http %d from %s", resp.StatusCode, r.URL), resp.StatusCode)

	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, r.URL)
	}

	body, truncated, err := readCapped(resp.Body, f.opts.MaxBodyBytes)
	if err != nil {
		return nil, classifyError(parent, err, r.URL)
	}
	if truncated {
		zap.L().Warn("fetcher: body truncated at cap",
			zap.String("url", r.URL),
			zap.Int64("cap", f.opts.MaxBodyBytes),
		)
	}

	body, err = decodeBody(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}

	if blocked, bt := DetectBlock(resp, body); blocked {
		return nil, &resilience.BlockingError{StatusCode: resp.StatusCode, Hint: string(bt), URL: r.URL}
	}

	lim.OnSuccess()
	out.Body = body
	out.Truncated = truncated
	out.ContentHash = ContentHash(body)
	out.Elapsed = time.Since(start)
	return out, nil
}

// FetchRobots retrieves origin's robots.txt. Only the host of origin is
// allowed as a redirect target.
func (f *HTTPFetcher) FetchRobots(ctx context.Context, origin string) ([]byte, int, error) {
	base, err := url.Parse(origin)
	if err != nil || base.Host == "" {
		return nil, 0, resilience.NewPolicyError("malformed origin", origin)
	}
	robotsURL := base.Scheme + "://" + base.Host + "/robots.txt"

	u, err := f.policy.checkPublic(ctx, robotsURL)
	if err != nil {
		return nil, 0, err
	}
	if err := f.limiterFor(u.Host).Wait(ctx); err != nil {
		return nil, 0, eris.Wrap(err, "fetcher: rate limiter wait")
	}

	reqCtx, cancel := context.WithTimeout(context.WithValue(ctx, allowedDomainsKey{}, []string{u.Hostname()}), f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, 0, eris.Wrap(err, "fetcher: create robots request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, classifyError(ctx, err, robotsURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, nil
	}
	body, _, err := readCapped(resp.Body, maxRobotsBytes)
	if err != nil {
		return nil, resp.StatusCode, classifyError(ctx, err, robotsURL)
	}
	return body, resp.StatusCode, nil
}

// readCapped reads at most limit bytes and reports whether more remained.
func readCapped(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}

// classifyError maps a transport failure onto the resilience taxonomy.
// Cancellation by the caller is returned as-is and is not retryable.
func classifyError(parent context.Context, err error, rawURL string) error {
	if resilience.IsPolicy(err) {
		return err
	}
	if parent.Err() != nil && errors.Is(parent.Err(), context.Canceled) {
		return eris.Wrapf(parent.Err(), "fetcher: request cancelled %s", rawURL)
	}
	if errors.Is(err, context.DeadlineExceeded) || resilience.IsTransient(err) {
		return resilience.NewTransientError(eris.Wrapf(err, "fetcher: request %s", rawURL), 0)
	}
	return eris.Wrapf(err, "fetcher: request %s", rawURL)
}
