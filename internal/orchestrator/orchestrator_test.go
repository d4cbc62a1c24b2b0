package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dealerscope/internal/compliance"
	"github.com/sells-group/dealerscope/internal/config"
	"github.com/sells-group/dealerscope/internal/cost"
	"github.com/sells-group/dealerscope/internal/extract"
	"github.com/sells-group/dealerscope/internal/fetcher"
	"github.com/sells-group/dealerscope/internal/model"
	"github.com/sells-group/dealerscope/internal/resilience"
)

// --- fakes ---

type memStore struct {
	mu            sync.Mutex
	sites         []model.Site
	health        map[string]model.SiteHealth
	budgets       map[string]model.SiteBudget
	docs          []model.StoredDocument
	listings      map[string]model.Listing
	upsertCalls   int
	failUpsertAt  int
	opportunities map[string]model.Opportunity
}

func newMemStore(sites ...model.Site) *memStore {
	return &memStore{
		sites:         sites,
		health:        make(map[string]model.SiteHealth),
		budgets:       make(map[string]model.SiteBudget),
		listings:      make(map[string]model.Listing),
		opportunities: make(map[string]model.Opportunity),
	}
}

func (m *memStore) ListSites(context.Context) ([]model.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Site(nil), m.sites...), nil
}

func (m *memStore) UpdateSiteHealth(_ context.Context, h model.SiteHealth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health[h.SiteID] = h
	return nil
}

func (m *memStore) SaveBudget(_ context.Context, b model.SiteBudget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budgets[b.SiteID] = b
	return nil
}

func (m *memStore) SaveDocument(_ context.Context, d model.StoredDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, d)
	return nil
}

func (m *memStore) LatestDocument(_ context.Context, url string) (*model.StoredDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.docs) - 1; i >= 0; i-- {
		if m.docs[i].URL == url {
			d := m.docs[i]
			return &d, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpsertListings(_ context.Context, ls []model.Listing) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertCalls++
	if m.failUpsertAt == m.upsertCalls {
		return 0, errors.New("disk full")
	}
	for _, l := range ls {
		m.listings[l.ListingURL] = l
	}
	return int64(len(ls)), nil
}

func (m *memStore) UpsertOpportunity(_ context.Context, o model.Opportunity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := o.Listing.ListingURL + "|" + o.ContentHash
	if _, ok := m.opportunities[key]; ok {
		return false, nil
	}
	m.opportunities[key] = o
	return true, nil
}

type fetchResponse struct {
	body string
	etag string
	err  error
}

type fakeFetcher struct {
	mu       sync.Mutex
	pages    map[string][]fetchResponse
	calls    map[string]int
	onFetch  func(url string)
	requests []fetcher.Request
	// ctxAware fails fetches whose context is already done.
	ctxAware bool
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: make(map[string][]fetchResponse), calls: make(map[string]int)}
}

// serve queues responses for url; the last one repeats.
func (f *fakeFetcher) serve(url string, rs ...fetchResponse) {
	f.pages[url] = rs
}

func (f *fakeFetcher) Fetch(ctx context.Context, req fetcher.Request) (*fetcher.Outcome, error) {
	f.mu.Lock()
	rs := f.pages[req.URL]
	n := f.calls[req.URL]
	f.calls[req.URL]++
	f.requests = append(f.requests, req)
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook(req.URL)
	}
	if f.ctxAware && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(rs) == 0 {
		return nil, fmt.Errorf("no route for %s", req.URL)
	}
	r := rs[min(n, len(rs)-1)]
	if r.err != nil {
		return nil, r.err
	}
	if r.etag != "" && req.Cache.ETag == r.etag {
		return &fetcher.Outcome{URL: req.URL, NotModified: true, StatusCode: 304}, nil
	}
	return &fetcher.Outcome{
		URL:         req.URL,
		StatusCode:  200,
		Body:        []byte(r.body),
		ContentHash: fetcher.ContentHash([]byte(r.body)),
		ETag:        r.etag,
	}, nil
}

func (f *fakeFetcher) FetchRobots(context.Context, string) ([]byte, int, error) {
	return nil, 404, nil
}

func (f *fakeFetcher) callsTo(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fakeGate struct {
	disallow map[string]bool
}

func (g fakeGate) Evaluate(_ context.Context, rawURL string, html []byte, _ string) compliance.Evaluation {
	return compliance.Evaluation{
		Verdict: model.ComplianceVerdict{
			RobotsAllowed:   !g.disallow[rawURL],
			RetentionExpiry: scoreNow.Add(30 * 24 * time.Hour),
		},
		RedactedHTML: string(html),
	}
}

// fakeExtractor reads "make model year bid" from the page's <title>.
type fakeExtractor struct{}

func (fakeExtractor) ExtractListing(_ context.Context, page *extract.Page, docID string) (model.Listing, model.ProvenanceRecord) {
	l := model.Listing{ListingURL: page.URL, SourceSite: page.Site.ID, ScrapedAt: scoreNow}
	var bid float64
	_, _ = fmt.Sscanf(page.Title(), "%s %s %d %f", &l.Make, &l.Model, &l.Year, &bid)
	l.CurrentBid = bid
	return l, model.ProvenanceRecord{DocumentID: docID, URL: page.URL}
}

// leakyExtractor copies the page's visible text into the description and
// location, the way a generative tier might echo seller contact details.
type leakyExtractor struct{ fakeExtractor }

func (e leakyExtractor) ExtractListing(ctx context.Context, page *extract.Page, docID string) (model.Listing, model.ProvenanceRecord) {
	l, prov := e.fakeExtractor.ExtractListing(ctx, page, docID)
	l.Description = page.Text()
	l.Location = "Columbus, call 614-555-1234"
	prov.Fields = append(prov.Fields, model.FieldExtraction{Field: model.FieldLocation, Value: l.Location})
	return l, prov
}

// fakeScorer marks every listing whose model is "Hot" as a hot opportunity.
type fakeScorer struct{}

func (fakeScorer) Evaluate(_ context.Context, l model.Listing, _ model.Site) (*model.Opportunity, error) {
	if l.Model != "Hot" {
		return nil, nil
	}
	return &model.Opportunity{
		ID: "opp-" + l.ListingURL, Listing: l, Status: model.OpportunityHot, Active: true,
		ContentHash: l.ContentHash, ScoredAt: scoreNow,
		Metrics: model.DealMetrics{ROI: 32, Profit: 7000, Recommendation: "STRONG BUY"},
	}, nil
}

type memorySink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *memorySink) Emit(_ context.Context, e model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memorySink) ofType(t model.EventType) []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// --- harness ---

var scoreNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	o       *Orchestrator
	store   *memStore
	fetch   *fakeFetcher
	sink    *memorySink
	budget  *cost.Controller
	proxies *StaticProxyPool
	gate    fakeGate
}

func testSite(id string, paths ...string) model.Site {
	return model.Site{
		ID:           id,
		Name:         strings.ToUpper(id),
		BaseURL:      "https://" + id + ".example.gov/auctions",
		Category:     model.SiteCategoryState,
		Priority:     5,
		Enabled:      true,
		ListingPaths: paths,
	}
}

func vehiclePage(title string) string {
	return "<html><head><title>" + title + "</title></head><body><p>" + title + "</p></body></html>"
}

func indexPage(links ...string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, l := range links {
		b.WriteString(`<a href="` + l + `">lot</a>`)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func newHarness(t *testing.T, budgetCfg config.BudgetConfig, sites ...model.Site) *harness {
	t.Helper()
	h := &harness{
		store:   newMemStore(sites...),
		fetch:   newFakeFetcher(),
		sink:    &memorySink{},
		proxies: NewStaticProxyPool(nil),
		gate:    fakeGate{disallow: map[string]bool{}},
	}
	h.budget = cost.NewController(budgetCfg, nil, h.sink)

	cfg := &config.Config{}
	cfg.Orchestrator.BatchSize = 3
	cfg.Orchestrator.InterBatchDelayMs = 1
	cfg.Fetch.UserAgent = "dealerscope-test"
	h.o = New(cfg, Deps{
		Store:     h.store,
		Fetcher:   h.fetch,
		Gate:      h.gate,
		Extractor: fakeExtractor{},
		Scorer:    fakeScorer{},
		Budget:    h.budget,
		Sink:      h.sink,
		Proxies:   h.proxies,
	})
	h.o.retry = resilience.RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	h.o.nowFunc = func() time.Time { return scoreNow }
	return h
}

func resultFor(t *testing.T, s *Summary, siteID string) SiteResult {
	t.Helper()
	for _, r := range s.Results {
		if r.SiteID == siteID {
			return r
		}
	}
	t.Fatalf("no result for site %s", siteID)
	return SiteResult{}
}

// --- tests ---

func TestStart_BatchIsolation(t *testing.T) {
	h := newHarness(t, config.BudgetConfig{}, testSite("a"), testSite("b"), testSite("c"))
	h.fetch.serve("https://a.example.gov/auctions", fetchResponse{body: vehiclePage("Ford F-150 2018 9000")})
	h.fetch.serve("https://b.example.gov/auctions", fetchResponse{err: errors.New("connection exploded")})
	h.fetch.serve("https://c.example.gov/auctions", fetchResponse{body: vehiclePage("Honda Civic 2019 7000")})

	summary, err := h.o.Start(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalSites)
	assert.Equal(t, 2, summary.SuccessfulSites)
	assert.Equal(t, 1, summary.FailedSites)
	assert.Equal(t, 2, summary.TotalVehicles)
	assert.Equal(t, SiteSuccess, resultFor(t, summary, "a").Status)
	assert.Equal(t, SiteFailed, resultFor(t, summary, "b").Status)
	assert.Contains(t, resultFor(t, summary, "b").Error, "connection exploded")
	assert.Equal(t, SiteSuccess, resultFor(t, summary, "c").Status)

	assert.Equal(t, model.SiteStatusError, h.store.health["b"].Status)
	assert.Equal(t, model.SiteStatusActive, h.store.health["a"].Status)
	assert.Equal(t, 1, h.store.health["a"].VehiclesFound)
	assert.Len(t, h.store.budgets, 3)

	last, ok := h.o.LastSummary()
	require.True(t, ok)
	assert.Equal(t, summary.RunID, last.RunID)
	assert.Equal(t, StateIdle, h.o.State())
}

func TestStart_DiscoversDetailPages(t *testing.T) {
	h := newHarness(t, config.BudgetConfig{}, testSite("a", "/lot/"))
	h.fetch.serve("https://a.example.gov/auctions", fetchResponse{
		body: indexPage("/lot/1", "/lot/2", "/about", "https://evil.example.com/lot/3"),
	})
	h.fetch.serve("https://a.example.gov/lot/1", fetchResponse{body: vehiclePage("Ford Hot 2018 9000")})
	h.fetch.serve("https://a.example.gov/lot/2", fetchResponse{body: vehiclePage("Toyota Camry 2017 6000")})

	summary, err := h.o.Start(context.Background(), nil)
	require.NoError(t, err)

	r := resultFor(t, summary, "a")
	assert.Equal(t, SiteSuccess, r.Status)
	assert.Equal(t, 3, r.Pages)
	assert.Equal(t, 2, r.Vehicles)
	assert.Equal(t, 1, r.Opportunities)
	assert.Zero(t, h.fetch.callsTo("https://a.example.gov/about"))

	stored := h.store.listings["https://a.example.gov/lot/1"]
	assert.Equal(t, "Ford", stored.Make)
	assert.NotEmpty(t, stored.ContentHash)
	require.NotNil(t, stored.Provenance)
	assert.NotEmpty(t, stored.Provenance.DocumentID)

	b, ok := h.budget.Status("a")
	require.True(t, ok)
	assert.InDelta(t, 3, b.Usage.HTTPRequests, 0.001)
}

func TestStart_ExtractedPIIRedactedBeforeStore(t *testing.T) {
	h := newHarness(t, config.BudgetConfig{}, testSite("a"))
	h.o.deps.Extractor = leakyExtractor{}
	h.fetch.serve("https://a.example.gov/auctions", fetchResponse{
		body: vehiclePage("Ford F-150 2018 9000") + "<p>seller jane.doe@example.com</p>",
	})

	summary, err := h.o.Start(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, resultFor(t, summary, "a").Vehicles)

	stored := h.store.listings["https://a.example.gov/auctions"]
	assert.Equal(t, "Ford", stored.Make)
	assert.NotContains(t, stored.Description, "jane.doe@example.com")
	assert.Contains(t, stored.Description, compliance.RedactionMarker(model.PIIEmail))
	assert.Equal(t, "Columbus, call [REDACTED:phone]", stored.Location)
	require.NotNil(t, stored.Provenance)
	for _, fe := range stored.Provenance.Fields {
		assert.False(t, compliance.ContainsPII(fe.Value), fe.Field)
	}
}

func TestStart_BlockedSite(t *testing.T) {
	h := newHarness(t, config.BudgetConfig{}, testSite("a"))
	h.proxies = NewStaticProxyPool([]config.ProxyConfig{{ID: "p1", URL: "http://proxy.local:8080"}})
	h.o.deps.Proxies = h.proxies
	h.fetch.serve("https://a.example.gov/auctions", fetchResponse{
		err: &resilience.BlockingError{StatusCode: 403, URL: "https://a.example.gov/auctions"},
	})

	summary, err := h.o.Start(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.BlockedSites)
	assert.Equal(t, 1, h.fetch.callsTo("https://a.example.gov/auctions"), "blocking responses are not retried")
	assert.Zero(t, h.proxies.Available())
	assert.Equal(t, model.SiteStatusBlocked, h.store.health["a"].Status)

	b, _ := h.budget.Status("a")
	assert.Equal(t, model.BudgetBlocked, b.Status)
	assert.Len(t, h.sink.ofType(model.EventSiteBlocked), 1)

	events := h.sink.ofType(model.EventRunSummary)
	require.Len(t, events, 1)
	assert.Equal(t, "high", events[0].Severity, "zero-success run is high severity")
}

func TestStart_TransientRetried(t *testing.T) {
	h := newHarness(t, config.BudgetConfig{}, testSite("a"))
	h.fetch.serve("https://a.example.gov/auctions",
		fetchResponse{err: resilience.NewTransientError(errors.New("bad gateway"), 502)},
		fetchResponse{body: vehiclePage("Ford F-150 2018 9000")},
	)

	summary, err := h.o.Start(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, SiteSuccess, resultFor(t, summary, "a").Status)
	assert.Equal(t, 2, h.fetch.callsTo("https://a.example.gov/auctions"))
	b, _ := h.budget.Status("a")
	assert.InDelta(t, 2, b.Usage.HTTPRequests, 0.001, "both attempts were sent")
}

func TestStart_BudgetExhaustedSkipsSite(t *testing.T) {
	zero := model.ResourceAmounts{}
	h := newHarness(t, config.BudgetConfig{Tiers: map[string]model.ResourceAmounts{
		"high": zero, "medium": zero, "low": zero,
	}}, testSite("a"))
	h.fetch.serve("https://a.example.gov/auctions", fetchResponse{body: vehiclePage("Ford F-150 2018 9000")})

	summary, err := h.o.Start(context.Background(), nil)
	require.NoError(t, err)

	r := resultFor(t, summary, "a")
	assert.Equal(t, SiteSkipped, r.Status)
	assert.Contains(t, r.Error, "budget denied")
	assert.Zero(t, h.fetch.callsTo("https://a.example.gov/auctions"))
	_, touched := h.store.health["a"]
	assert.False(t, touched, "skipped sites keep their previous health")
}

func TestStart_HeadlessDeniedDowngrades(t *testing.T) {
	site := testSite("a")
	site.Strategy = model.ScrapeHeadless
	h := newHarness(t, config.BudgetConfig{Tiers: map[string]model.ResourceAmounts{
		"medium": {HTTPRequests: 10},
	}}, site)
	h.fetch.serve("https://a.example.gov/auctions", fetchResponse{body: vehiclePage("Ford F-150 2018 9000")})

	summary, err := h.o.Start(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, SiteSuccess, resultFor(t, summary, "a").Status)
	assert.Equal(t, model.ScrapeHybrid, h.budget.Strategy("a"))
	assert.Len(t, h.sink.ofType(model.EventStrategyDowngraded), 1)
}

func TestStart_NotModifiedUsesValidators(t *testing.T) {
	h := newHarness(t, config.BudgetConfig{}, testSite("a"))
	h.fetch.serve("https://a.example.gov/auctions", fetchResponse{body: vehiclePage("Ford F-150 2018 9000"), etag: `"v1"`})

	_, err := h.o.Start(context.Background(), nil)
	require.NoError(t, err)

	summary, err := h.o.Start(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, SiteNotModified, resultFor(t, summary, "a").Status)
	assert.Equal(t, 1, summary.SuccessfulSites)
	last := h.fetch.requests[len(h.fetch.requests)-1]
	assert.Equal(t, `"v1"`, last.Cache.ETag)
}

func TestStart_RobotsDisallowedIndexIsAuditOnly(t *testing.T) {
	h := newHarness(t, config.BudgetConfig{}, testSite("a"))
	h.gate.disallow["https://a.example.gov/auctions"] = true
	h.o.deps.Gate = h.gate
	h.fetch.serve("https://a.example.gov/auctions", fetchResponse{body: vehiclePage("Ford F-150 2018 9000")})

	summary, err := h.o.Start(context.Background(), nil)
	require.NoError(t, err)

	r := resultFor(t, summary, "a")
	assert.Equal(t, SiteFailed, r.Status)
	assert.Contains(t, r.Error, "robots.txt")
	assert.Zero(t, r.Vehicles)
	require.Len(t, h.store.docs, 1)
	assert.True(t, h.store.docs[0].AuditOnly)
	assert.Empty(t, h.store.docs[0].RedactedHTML)
}

func TestStart_HotEventOncePerListingVersion(t *testing.T) {
	h := newHarness(t, config.BudgetConfig{}, testSite("a"))
	h.fetch.serve("https://a.example.gov/auctions", fetchResponse{body: vehiclePage("Ford Hot 2018 9000")})

	first, err := h.o.Start(context.Background(), nil)
	require.NoError(t, err)
	second, err := h.o.Start(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, first.TotalOpportunities)
	assert.Zero(t, second.TotalOpportunities)
	hot := h.sink.ofType(model.EventHotOpportunity)
	require.Len(t, hot, 1)
	assert.Equal(t, "a", hot[0].SiteID)
	assert.Equal(t, "https://a.example.gov/auctions", hot[0].Details["listing_url"])
}

func TestStart_UpsertBatchFailureContinues(t *testing.T) {
	h := newHarness(t, config.BudgetConfig{}, testSite("a", "/lot/"))
	h.o.upsertBatchSize = 2
	h.store.failUpsertAt = 1

	var links []string
	for i := range 5 {
		link := fmt.Sprintf("/lot/%d", i)
		links = append(links, link)
		h.fetch.serve("https://a.example.gov"+link, fetchResponse{body: vehiclePage(fmt.Sprintf("Ford F-150 %d 9000", 2010+i))})
	}
	h.fetch.serve("https://a.example.gov/auctions", fetchResponse{body: indexPage(links...)})

	summary, err := h.o.Start(context.Background(), nil)
	require.NoError(t, err)

	r := resultFor(t, summary, "a")
	assert.Equal(t, SiteSuccess, r.Status)
	assert.Equal(t, 5, r.Vehicles)
	assert.Equal(t, 1, r.UpsertErrors)
	assert.Equal(t, 3, h.store.upsertCalls)
	assert.Len(t, h.store.listings, 3)
}

func TestStart_DisabledSiteSkipped(t *testing.T) {
	site := testSite("a")
	site.Enabled = false
	h := newHarness(t, config.BudgetConfig{}, site, testSite("b"))
	h.fetch.serve("https://b.example.gov/auctions", fetchResponse{body: vehiclePage("Ford F-150 2018 9000")})

	summary, err := h.o.Start(context.Background(), []string{"a"})
	require.NoError(t, err)

	require.Len(t, summary.Results, 1)
	assert.Equal(t, SiteSkipped, summary.Results[0].Status)
	assert.Equal(t, 1, summary.SkippedSites)
}

func TestStart_AlreadyRunning(t *testing.T) {
	h := newHarness(t, config.BudgetConfig{}, testSite("a"))
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	h.fetch.onFetch = func(string) {
		once.Do(func() { close(entered) })
		<-release
	}
	h.fetch.serve("https://a.example.gov/auctions", fetchResponse{body: vehiclePage("Ford F-150 2018 9000")})

	done := make(chan error, 1)
	go func() {
		_, err := h.o.Start(context.Background(), nil)
		done <- err
	}()

	<-entered
	assert.Equal(t, StateRunning, h.o.State())
	_, err := h.o.Start(context.Background(), nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, h.o.State())
}

func TestStop_HonouredAtBatchBoundary(t *testing.T) {
	h := newHarness(t, config.BudgetConfig{}, testSite("a"), testSite("b"), testSite("c"))
	h.o.batchSize = 1
	for _, id := range []string{"a", "b", "c"} {
		h.fetch.serve("https://"+id+".example.gov/auctions", fetchResponse{body: vehiclePage("Ford F-150 2018 9000")})
	}
	h.fetch.onFetch = func(url string) {
		if strings.Contains(url, "a.example.gov") {
			assert.True(t, h.o.Stop())
		}
	}

	summary, err := h.o.Start(context.Background(), nil)
	require.NoError(t, err)

	assert.True(t, summary.Stopped)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, SiteSuccess, summary.Results[0].Status, "in-flight site finishes")
	assert.Zero(t, h.fetch.callsTo("https://b.example.gov/auctions"))
	assert.False(t, h.o.Stop(), "no run in progress")
}

func TestStart_CancelHonouredAtBatchBoundary(t *testing.T) {
	h := newHarness(t, config.BudgetConfig{}, testSite("a"), testSite("b"))
	h.o.batchSize = 1
	for _, id := range []string{"a", "b"} {
		h.fetch.serve("https://"+id+".example.gov/auctions", fetchResponse{body: vehiclePage("Ford F-150 2018 9000")})
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.fetch.onFetch = func(url string) {
		if strings.Contains(url, "a.example.gov") {
			cancel()
		}
	}
	h.fetch.ctxAware = true

	summary, err := h.o.Start(ctx, nil)
	require.NoError(t, err)

	assert.True(t, summary.Stopped)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, SiteSuccess, summary.Results[0].Status, "in-flight site finishes")
	assert.Contains(t, h.store.listings, "https://a.example.gov/auctions")
	assert.Equal(t, model.SiteStatusActive, h.store.health["a"].Status)
	assert.Zero(t, h.fetch.callsTo("https://b.example.gov/auctions"))
	assert.Equal(t, StateIdle, h.o.State())
}

func TestSummarize(t *testing.T) {
	results := []SiteResult{
		{SiteID: "a", Status: SiteSuccess, Vehicles: 4, Opportunities: 1, Elapsed: 2 * time.Second},
		{SiteID: "b", Status: SiteNotModified, Elapsed: time.Second},
		{SiteID: "c", Status: SiteBlocked, Elapsed: 3 * time.Second},
		{SiteID: "d", Status: SiteFailed, Elapsed: 2 * time.Second},
		{SiteID: "e", Status: SiteSkipped},
	}
	s := summarize("run-1", scoreNow, scoreNow.Add(time.Minute), results)

	assert.Equal(t, 5, s.TotalSites)
	assert.Equal(t, 2, s.SuccessfulSites)
	assert.Equal(t, 1, s.BlockedSites)
	assert.Equal(t, 1, s.FailedSites)
	assert.Equal(t, 1, s.SkippedSites)
	assert.Equal(t, 4, s.TotalVehicles)
	assert.Equal(t, 1, s.TotalOpportunities)
	assert.Equal(t, 1600*time.Millisecond, s.AvgElapsed)

	e := s.Event()
	assert.Equal(t, model.EventRunSummary, e.Type)
	assert.Equal(t, "info", e.Severity)
	assert.Equal(t, 2, e.Details["successful_sites"])
}

func TestHealthStatus(t *testing.T) {
	tests := []struct {
		in   SiteOutcome
		want model.SiteStatus
		ok   bool
	}{
		{SiteSuccess, model.SiteStatusActive, true},
		{SiteNotModified, model.SiteStatusActive, true},
		{SiteBlocked, model.SiteStatusBlocked, true},
		{SiteFailed, model.SiteStatusError, true},
		{SiteSkipped, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			got, ok := healthStatus(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllowedDomains(t *testing.T) {
	got, err := allowedDomains(model.Site{ID: "a", BaseURL: "https://lots.example.gov/x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"lots.example.gov"}, got)

	got, err = allowedDomains(model.Site{ID: "a", AllowedDomains: []string{"x.gov"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"x.gov"}, got)

	_, err = allowedDomains(model.Site{ID: "a", BaseURL: "not a url"})
	require.Error(t, err)
}
