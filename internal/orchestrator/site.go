package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealerscope/internal/compliance"
	"github.com/sells-group/dealerscope/internal/config"
	"github.com/sells-group/dealerscope/internal/cost"
	"github.com/sells-group/dealerscope/internal/extract"
	"github.com/sells-group/dealerscope/internal/fetcher"
	"github.com/sells-group/dealerscope/internal/model"
	"github.com/sells-group/dealerscope/internal/resilience"
)

// errBudgetDenied marks a fetch the cost controller refused.
var errBudgetDenied = errors.New("budget denied")

// sitePipeline is the sequential fetch → gate → extract → persist → score
// flow for one site within a run.
type sitePipeline struct {
	o       *Orchestrator
	site    model.Site
	allowed []string
	proxy   *config.ProxyConfig
	log     *zap.Logger
	result  SiteResult
}

// page is one fetched and gated document.
type page struct {
	url         string
	notModified bool
	contentHash string
	docID       string
	eval        compliance.Evaluation
}

func (o *Orchestrator) runSite(ctx context.Context, site model.Site) SiteResult {
	start := o.nowFunc()
	p := &sitePipeline{
		o:      o,
		site:   site,
		log:    zap.L().With(zap.String("site", site.ID)),
		result: SiteResult{SiteID: site.ID},
	}
	p.run(ctx)
	p.result.Elapsed = o.nowFunc().Sub(start)
	return p.result
}

func (p *sitePipeline) run(ctx context.Context) {
	if !p.site.Enabled {
		p.result.Status = SiteSkipped
		p.result.Error = "site disabled"
		return
	}
	allowed, err := allowedDomains(p.site)
	if err != nil {
		p.fail(err)
		return
	}
	p.allowed = allowed
	p.o.deps.Budget.Register(p.site)
	p.proxy = p.o.deps.Proxies.Next(p.site.ID)

	index, err := p.fetch(ctx, p.site.BaseURL, true)
	if err != nil {
		p.handleFetchError(ctx, err)
		return
	}
	if index.notModified {
		p.result.Status = SiteNotModified
		return
	}
	if !index.eval.Extractable() {
		p.fail(resilience.NewPolicyError("robots.txt disallows listing index", p.site.BaseURL))
		return
	}

	indexPage := extract.NewPage(index.url, index.eval.RedactedHTML, p.site)
	links := extract.DiscoverLinks(indexPage, p.site.ListingPaths, p.o.maxListings)

	var listings []model.Listing
	if len(links) == 0 {
		// Single-page sites list the vehicle on the index itself.
		if l, ok := p.extract(ctx, indexPage, index); ok {
			listings = append(listings, l)
		}
	}
	for _, link := range links {
		detail, err := p.fetch(ctx, link, false)
		if err != nil {
			if resilience.IsBlocking(err) || errors.Is(err, errBudgetDenied) || ctx.Err() != nil {
				p.handleFetchError(ctx, err)
				break
			}
			p.log.Warn("orchestrator: detail fetch failed", zap.String("url", link), zap.Error(err))
			continue
		}
		if detail.notModified || !detail.eval.Extractable() {
			continue
		}
		if l, ok := p.extract(ctx, extract.NewPage(detail.url, detail.eval.RedactedHTML, p.site), detail); ok {
			listings = append(listings, l)
		}
	}

	p.result.Vehicles = len(listings)
	p.persist(ctx, listings)
	p.score(ctx, listings)

	if p.result.Status == "" {
		p.result.Status = SiteSuccess
	}
}

func allowedDomains(site model.Site) ([]string, error) {
	if len(site.AllowedDomains) > 0 {
		return site.AllowedDomains, nil
	}
	u, err := url.Parse(site.BaseURL)
	if err != nil || u.Hostname() == "" {
		return nil, eris.Errorf("orchestrator: invalid base url %q for site %s", site.BaseURL, site.ID)
	}
	return []string{u.Hostname()}, nil
}

func (p *sitePipeline) fail(err error) {
	p.result.Status = SiteFailed
	p.result.Error = err.Error()
	p.log.Error("orchestrator: site failed", zap.Error(err))
}

// handleFetchError records a terminal fetch error. A blocking response
// blocks the site and its proxy; a budget denial skips the rest of the site.
func (p *sitePipeline) handleFetchError(ctx context.Context, err error) {
	switch {
	case resilience.IsBlocking(err):
		p.result.Status = SiteBlocked
		p.result.Error = err.Error()
		if p.proxy != nil {
			p.o.deps.Proxies.MarkBlocked(p.proxy.ID)
		}
		p.o.deps.Budget.Block(ctx, p.site.ID, err.Error())
	case errors.Is(err, errBudgetDenied):
		if p.result.Pages == 0 {
			p.result.Status = SiteSkipped
		}
		p.result.Error = err.Error()
		p.log.Warn("orchestrator: budget exhausted", zap.Error(err))
	default:
		p.fail(err)
	}
}

// fetch retrieves rawURL under budget, gates it and stores the redacted
// document. Headless time is metered for the index on hybrid sites and for
// every page on headless sites.
func (p *sitePipeline) fetch(ctx context.Context, rawURL string, index bool) (*page, error) {
	req := fetcher.Request{
		URL:            rawURL,
		AllowedDomains: p.allowed,
		Proxy:          p.proxy,
	}
	if prev, err := p.o.deps.Store.LatestDocument(ctx, rawURL); err != nil {
		p.log.Warn("orchestrator: validator lookup failed", zap.String("url", rawURL), zap.Error(err))
	} else if prev != nil && !prev.AuditOnly {
		req.Cache = fetcher.CacheHeaders{ETag: prev.ETag, LastModified: prev.LastModified}
	}

	out, err := p.fetchWithRetry(ctx, req, index)
	if err != nil {
		if be, ok := resilience.AsBlocking(err); ok && be.Hint == "captcha" && p.solveCaptcha(ctx, rawURL) {
			out, err = p.fetchWithRetry(ctx, req, index)
		}
		if err != nil {
			return nil, err
		}
	}
	p.result.Pages++

	pg := &page{url: rawURL, notModified: out.NotModified, contentHash: out.ContentHash}
	if out.NotModified {
		return pg, nil
	}

	pg.eval = p.o.deps.Gate.Evaluate(ctx, rawURL, out.Body, p.o.userAgent)
	pg.docID = uuid.NewString()
	doc := model.StoredDocument{
		ID:           pg.docID,
		SiteID:       p.site.ID,
		URL:          rawURL,
		ContentHash:  out.ContentHash,
		ETag:         out.ETag,
		LastModified: out.LastModified,
		Verdict:      pg.eval.Verdict,
		AuditOnly:    !pg.eval.Extractable(),
		FetchedAt:    p.o.nowFunc().UTC(),
		ExpiresAt:    pg.eval.Verdict.RetentionExpiry,
	}
	if !doc.AuditOnly {
		doc.RedactedHTML = pg.eval.RedactedHTML
	}
	if err := p.o.deps.Store.SaveDocument(ctx, doc); err != nil {
		p.log.Warn("orchestrator: failed to save document", zap.String("url", rawURL), zap.Error(err))
	}
	return pg, nil
}

func (p *sitePipeline) usesHeadless(index bool) bool {
	switch p.o.deps.Budget.Strategy(p.site.ID) {
	case model.ScrapeHeadless:
		return true
	case model.ScrapeHybrid:
		return index
	}
	return false
}

// fetchWithRetry authorizes and performs each attempt. Reservations for an
// attempt that never reached the wire are released.
func (p *sitePipeline) fetchWithRetry(ctx context.Context, req fetcher.Request, index bool) (*fetcher.Outcome, error) {
	res := resilience.Retry(ctx, p.o.retry, func(ctx context.Context) (*fetcher.Outcome, error) {
		ops, err := p.authorize(ctx, index)
		if err != nil {
			return nil, err
		}
		out, err := p.o.deps.Fetcher.Fetch(ctx, req)
		if err != nil && !fetcher.Sent(err) {
			for _, op := range ops {
				p.o.deps.Budget.Release(ctx, p.site.ID, op)
			}
		}
		return out, err
	})
	if !res.OK() {
		return nil, res.Err
	}
	return res.Value, nil
}

// authorize reserves the budget for one page fetch. A denied headless
// reservation downgrades the site and falls back to plain HTTP.
func (p *sitePipeline) authorize(ctx context.Context, index bool) ([]cost.Operation, error) {
	var ops []cost.Operation
	if p.usesHeadless(index) {
		op := cost.Operation{Resource: model.ResourceHeadless, Amount: p.o.headlessMinutes}
		if d := p.o.deps.Budget.Authorize(ctx, p.site.ID, op); d.Allowed {
			ops = append(ops, op)
		} else {
			p.o.deps.Budget.Downgrade(ctx, p.site.ID, d.Reason)
		}
	}

	op := cost.Operation{Resource: model.ResourceHTTP, Amount: 1}
	d := p.o.deps.Budget.Authorize(ctx, p.site.ID, op)
	if !d.Allowed {
		for _, held := range ops {
			p.o.deps.Budget.Release(ctx, p.site.ID, held)
		}
		return nil, fmt.Errorf("%w: %s", errBudgetDenied, d.Reason)
	}
	return append(ops, op), nil
}

// solveCaptcha spends one CAPTCHA solve on a challenge page when a solver
// is configured and the budget allows it.
func (p *sitePipeline) solveCaptcha(ctx context.Context, rawURL string) bool {
	if p.o.deps.Solver == nil {
		return false
	}
	op := cost.Operation{Resource: model.ResourceCaptcha, Amount: 1}
	if d := p.o.deps.Budget.Authorize(ctx, p.site.ID, op); !d.Allowed {
		p.log.Info("orchestrator: captcha budget denied", zap.String("reason", d.Reason))
		return false
	}
	if err := p.o.deps.Solver.Solve(ctx, p.site.ID, rawURL); err != nil {
		p.log.Warn("orchestrator: captcha solve failed", zap.String("url", rawURL), zap.Error(err))
		return false
	}
	return true
}

func (p *sitePipeline) extract(ctx context.Context, pg *extract.Page, fetched *page) (model.Listing, bool) {
	l, prov := p.o.deps.Extractor.ExtractListing(ctx, pg, fetched.docID)
	if !hasVehicleData(l) {
		return model.Listing{}, false
	}
	l.ContentHash = fetched.contentHash
	l.Provenance = &prov
	if n := compliance.RedactListing(&l); n > 0 {
		p.log.Warn("orchestrator: redacted pii from extracted listing",
			zap.String("url", l.ListingURL),
			zap.Int("count", n),
		)
	}
	return l, true
}

func hasVehicleData(l model.Listing) bool {
	return l.Make != "" || l.VIN != "" || l.Year > 0 || l.CurrentBid > 0
}

// persist upserts listings in batches, continuing past a failed batch.
func (p *sitePipeline) persist(ctx context.Context, listings []model.Listing) {
	size := p.o.upsertBatchSize
	for i := 0; i < len(listings); i += size {
		batch := listings[i:min(i+size, len(listings))]
		if _, err := p.o.deps.Store.UpsertListings(ctx, batch); err != nil {
			p.result.UpsertErrors++
			p.log.Error("orchestrator: listing upsert failed",
				zap.Int("offset", i),
				zap.Int("count", len(batch)),
				zap.Error(err),
			)
		}
	}
}

// score evaluates every listing and records new opportunities. A hot
// opportunity emits an event only the first time it is stored.
func (p *sitePipeline) score(ctx context.Context, listings []model.Listing) {
	for _, l := range listings {
		opp, err := p.o.deps.Scorer.Evaluate(ctx, l, p.site)
		if err != nil {
			p.log.Warn("orchestrator: scoring failed", zap.String("url", l.ListingURL), zap.Error(err))
			continue
		}
		if opp == nil {
			continue
		}
		created, err := p.o.deps.Store.UpsertOpportunity(ctx, *opp)
		if err != nil {
			p.log.Error("orchestrator: opportunity upsert failed", zap.String("url", l.ListingURL), zap.Error(err))
			continue
		}
		if !created {
			continue
		}
		p.result.Opportunities++
		if opp.Status == model.OpportunityHot {
			p.o.emit(ctx, hotEvent(*opp))
		}
	}
}

func hotEvent(opp model.Opportunity) model.Event {
	l := opp.Listing
	return model.Event{
		Type:     model.EventHotOpportunity,
		Severity: "high",
		SiteID:   l.SourceSite,
		Message: fmt.Sprintf("hot opportunity: %d %s %s at $%.0f (ROI %.1f%%)",
			l.Year, l.Make, l.Model, l.CurrentBid, opp.Metrics.ROI),
		Details: map[string]any{
			"opportunity_id": opp.ID,
			"listing_url":    l.ListingURL,
			"roi":            opp.Metrics.ROI,
			"profit":         opp.Metrics.Profit,
			"risk_score":     opp.Metrics.RiskScore,
			"score":          opp.Metrics.Score,
			"recommendation": opp.Metrics.Recommendation,
		},
	}
}
