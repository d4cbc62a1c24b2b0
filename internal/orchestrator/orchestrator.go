// Package orchestrator runs scrape passes over the configured auction
// sites in cooperative concurrent batches.
package orchestrator

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/dealerscope/internal/compliance"
	"github.com/sells-group/dealerscope/internal/config"
	"github.com/sells-group/dealerscope/internal/cost"
	"github.com/sells-group/dealerscope/internal/extract"
	"github.com/sells-group/dealerscope/internal/fetcher"
	"github.com/sells-group/dealerscope/internal/model"
	"github.com/sells-group/dealerscope/internal/notify"
	"github.com/sells-group/dealerscope/internal/resilience"
)

// ErrAlreadyRunning is returned by Start while a run is in progress.
var ErrAlreadyRunning = eris.New("orchestrator: already running")

// State is the run state machine position.
type State string

const (
	StateIdle        State = "idle"
	StateRunning     State = "running"
	StateAggregating State = "aggregating"
)

const (
	defaultBatchSize          = 3
	defaultInterBatchDelay    = 2 * time.Second
	defaultUpsertBatchSize    = 100
	defaultMaxListingsPerSite = 50
	defaultHeadlessMinutes    = 0.5
)

// Store is the persistence the orchestrator writes through.
type Store interface {
	ListSites(ctx context.Context) ([]model.Site, error)
	UpdateSiteHealth(ctx context.Context, h model.SiteHealth) error
	SaveBudget(ctx context.Context, b model.SiteBudget) error
	SaveDocument(ctx context.Context, doc model.StoredDocument) error
	LatestDocument(ctx context.Context, url string) (*model.StoredDocument, error)
	UpsertListings(ctx context.Context, listings []model.Listing) (int64, error)
	UpsertOpportunity(ctx context.Context, opp model.Opportunity) (bool, error)
}

// Gate screens fetched documents before extraction.
type Gate interface {
	Evaluate(ctx context.Context, rawURL string, html []byte, userAgent string) compliance.Evaluation
}

// Extractor turns a compliant page into a listing.
type Extractor interface {
	ExtractListing(ctx context.Context, page *extract.Page, documentID string) (model.Listing, model.ProvenanceRecord)
}

// Scorer materializes an opportunity from a listing, or returns nil.
type Scorer interface {
	Evaluate(ctx context.Context, l model.Listing, site model.Site) (*model.Opportunity, error)
}

// Budget is the per-site cost controller.
type Budget interface {
	Register(site model.Site)
	Authorize(ctx context.Context, siteID string, op cost.Operation) cost.Decision
	Release(ctx context.Context, siteID string, op cost.Operation)
	Block(ctx context.Context, siteID, reason string)
	Downgrade(ctx context.Context, siteID, reason string) (model.ScrapeStrategy, bool)
	Strategy(siteID string) model.ScrapeStrategy
	Status(siteID string) (model.SiteBudget, bool)
}

// CaptchaSolver clears a challenge page so the fetch can be repeated.
type CaptchaSolver interface {
	Solve(ctx context.Context, siteID, rawURL string) error
}

// Deps are the collaborators of an Orchestrator. Proxies and Solver are
// optional; Sink defaults to a LogSink.
type Deps struct {
	Store     Store
	Fetcher   fetcher.Fetcher
	Gate      Gate
	Extractor Extractor
	Scorer    Scorer
	Budget    Budget
	Sink      notify.Sink
	Proxies   ProxyPool
	Solver    CaptchaSolver
}

// Orchestrator schedules scrape runs. It holds no state across runs other
// than the last summary.
type Orchestrator struct {
	deps Deps

	batchSize       int
	interBatchDelay time.Duration
	upsertBatchSize int
	maxListings     int
	headlessMinutes float64
	userAgent       string
	retry           resilience.RetryConfig
	nowFunc         func() time.Time

	mu      sync.Mutex
	state   State
	stop    chan struct{}
	stopped bool
	last    *Summary
}

// New creates an Orchestrator.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	o := &Orchestrator{
		deps:            deps,
		batchSize:       cfg.Orchestrator.BatchSize,
		interBatchDelay: time.Duration(cfg.Orchestrator.InterBatchDelayMs) * time.Millisecond,
		upsertBatchSize: cfg.Orchestrator.UpsertBatchSize,
		maxListings:     cfg.Extract.MaxListingsPerSite,
		headlessMinutes: cfg.Extract.HeadlessMinutesPerPg,
		userAgent:       cfg.Fetch.UserAgent,
		retry:           resilience.DefaultRetryConfig(),
		nowFunc:         time.Now,
		state:           StateIdle,
	}
	if o.batchSize <= 0 {
		o.batchSize = defaultBatchSize
	}
	if cfg.Orchestrator.InterBatchDelayMs <= 0 {
		o.interBatchDelay = defaultInterBatchDelay
	}
	if o.upsertBatchSize <= 0 {
		o.upsertBatchSize = defaultUpsertBatchSize
	}
	if o.maxListings <= 0 {
		o.maxListings = defaultMaxListingsPerSite
	}
	if o.headlessMinutes <= 0 {
		o.headlessMinutes = defaultHeadlessMinutes
	}
	o.retry.OnRetry = resilience.RetryLogger("orchestrator", "fetch")
	if o.deps.Sink == nil {
		o.deps.Sink = notify.LogSink{}
	}
	if o.deps.Proxies == nil {
		o.deps.Proxies = NewStaticProxyPool(nil)
	}
	return o
}

// State returns the current run state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// LastSummary returns the summary of the most recent finished run.
func (o *Orchestrator) LastSummary() (Summary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Summary{}, false
	}
	return *o.last, true
}

// Stop asks the current run to end at the next batch boundary. In-flight
// site pipelines finish. It reports whether a run was in progress.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRunning || o.stopped {
		return o.state == StateRunning
	}
	o.stopped = true
	close(o.stop)
	zap.L().Info("orchestrator: stop requested")
	return true
}

// Start runs one scrape pass over the enabled sites, or over siteIDs when
// given, and blocks until it finishes. Cancelling ctx acts like Stop: the
// run ends at the next batch boundary, and sites already in flight finish
// under a context that is not cancelled with ctx.
func (o *Orchestrator) Start(ctx context.Context, siteIDs []string) (*Summary, error) {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	o.state = StateRunning
	o.stop = make(chan struct{})
	o.stopped = false
	stop := o.stop
	o.mu.Unlock()

	defer o.setState(StateIdle)

	runID := uuid.NewString()
	started := o.nowFunc().UTC()
	log := zap.L().With(zap.String("run_id", runID))

	sites, err := o.selectSites(ctx, siteIDs)
	if err != nil {
		return nil, err
	}
	log.Info("orchestrator: run started",
		zap.Int("sites", len(sites)),
		zap.Int("batch_size", o.batchSize),
	)

	work := context.WithoutCancel(ctx)
	var results []SiteResult
	halted := false
	for i := 0; i < len(sites); i += o.batchSize {
		if o.halted(ctx, stop) {
			halted = true
			break
		}
		if i > 0 && !o.sleep(ctx, stop) {
			halted = true
			break
		}

		batch := sites[i:min(i+o.batchSize, len(sites))]
		batchResults := o.runBatch(work, batch)
		o.recordBatch(work, batch, batchResults)
		results = append(results, batchResults...)

		log.Info("orchestrator: batch complete",
			zap.Int("batch", i/o.batchSize+1),
			zap.Int("sites", len(batch)),
		)
	}

	o.setState(StateAggregating)
	summary := summarize(runID, started, o.nowFunc().UTC(), results)
	summary.Stopped = halted

	fields := []zap.Field{
		zap.Int("total_sites", summary.TotalSites),
		zap.Int("successful", summary.SuccessfulSites),
		zap.Int("failed", summary.FailedSites),
		zap.Int("blocked", summary.BlockedSites),
		zap.Int("skipped", summary.SkippedSites),
		zap.Int("vehicles", summary.TotalVehicles),
		zap.Int("opportunities", summary.TotalOpportunities),
		zap.Duration("avg_elapsed", summary.AvgElapsed),
	}
	if summary.TotalSites > 0 && summary.SuccessfulSites == 0 {
		log.Error("orchestrator: run finished with no successful sites", fields...)
	} else {
		log.Info("orchestrator: run finished", fields...)
	}
	o.emit(work, summary.Event())

	o.mu.Lock()
	o.last = &summary
	o.mu.Unlock()
	return &summary, nil
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// selectSites returns enabled sites, filtered to ids when given, highest
// priority first.
func (o *Orchestrator) selectSites(ctx context.Context, ids []string) ([]model.Site, error) {
	all, err := o.deps.Store.ListSites(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: list sites")
	}
	var out []model.Site
	for _, s := range all {
		if len(ids) > 0 && !slices.Contains(ids, s.ID) {
			continue
		}
		out = append(out, s)
	}
	slices.SortStableFunc(out, func(a, b model.Site) int { return b.Priority - a.Priority })
	return out, nil
}

func (o *Orchestrator) halted(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// sleep waits out the inter-batch delay. It returns false if the run was
// stopped or cancelled meanwhile.
func (o *Orchestrator) sleep(ctx context.Context, stop <-chan struct{}) bool {
	t := time.NewTimer(o.interBatchDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	}
}

// runBatch processes sites concurrently. Every goroutine returns nil so one
// site's failure never cancels its siblings.
func (o *Orchestrator) runBatch(ctx context.Context, batch []model.Site) []SiteResult {
	results := make([]SiteResult, len(batch))
	var g errgroup.Group
	for i, site := range batch {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					zap.L().Error("orchestrator: site pipeline panicked",
						zap.String("site", site.ID),
						zap.Any("panic", r),
					)
					results[i] = SiteResult{SiteID: site.ID, Status: SiteFailed, Error: "panic during site pipeline"}
				}
			}()
			results[i] = o.runSite(ctx, site)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// recordBatch writes health and budget snapshots for the finished batch.
func (o *Orchestrator) recordBatch(ctx context.Context, batch []model.Site, results []SiteResult) {
	now := o.nowFunc().UTC()
	for i, r := range results {
		site := batch[i]
		if status, ok := healthStatus(r.Status); ok {
			h := model.SiteHealth{
				SiteID:        site.ID,
				Status:        status,
				LastScrapedAt: now,
				VehiclesFound: site.VehiclesFound + r.Vehicles,
			}
			if err := o.deps.Store.UpdateSiteHealth(ctx, h); err != nil {
				zap.L().Warn("orchestrator: failed to update site health",
					zap.String("site", site.ID),
					zap.Error(err),
				)
			}
		}
		if b, ok := o.deps.Budget.Status(site.ID); ok {
			if err := o.deps.Store.SaveBudget(ctx, b); err != nil {
				zap.L().Warn("orchestrator: failed to save budget",
					zap.String("site", site.ID),
					zap.Error(err),
				)
			}
		}
	}
}

func (o *Orchestrator) emit(ctx context.Context, e model.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = o.nowFunc().UTC()
	}
	if err := o.deps.Sink.Emit(ctx, e); err != nil {
		zap.L().Warn("orchestrator: event delivery failed",
			zap.String("type", string(e.Type)),
			zap.Error(err),
		)
	}
}
