package extract

import (
	"context"
	"strconv"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealerscope/internal/config"
	"github.com/sells-group/dealerscope/internal/model"
	"github.com/sells-group/dealerscope/internal/resilience"
)

// TierOutcome is how one tier's bounded retry loop ended.
type TierOutcome string

const (
	TierSuccess   TierOutcome = "success"
	TierFailed    TierOutcome = "failed"
	TierExhausted TierOutcome = "retries_exhausted"
	TierSkipped   TierOutcome = "skipped"
)

// TierResult records one tier's attempt at one field.
type TierResult struct {
	Strategy  model.ExtractionStrategy
	Candidate Candidate
	Outcome   TierOutcome
	Retries   int
	Elapsed   time.Duration
	Err       error
}

// Engine runs the tier chain for each requested field.
type Engine struct {
	tiers     []Tier
	threshold float64
	retry     resilience.RetryConfig
	nowFunc   func() time.Time
}

// NewEngine creates an Engine over tiers, tried in the given order.
func NewEngine(cfg config.ExtractConfig, tiers ...Tier) *Engine {
	threshold := cfg.TierThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	retry := resilience.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	return &Engine{tiers: tiers, threshold: threshold, retry: retry, nowFunc: time.Now}
}

// Versions returns the version string of every tier keyed by strategy.
func (e *Engine) Versions() map[model.ExtractionStrategy]string {
	out := make(map[model.ExtractionStrategy]string, len(e.tiers))
	for _, t := range e.tiers {
		out[t.Strategy()] = t.Version()
	}
	return out
}

// ExtractField resolves one field. A result is always returned: on total
// failure the value is empty, confidence is 0 and Strategy is none.
func (e *Engine) ExtractField(ctx context.Context, page *Page, field model.Field) model.FieldExtraction {
	fe, _ := e.Resolve(ctx, page, field)
	return fe
}

// Resolve is ExtractField plus the per-tier trace. Later tiers run only
// while the best confidence so far is below the threshold, and a later
// tier replaces the best result only with strictly higher confidence.
func (e *Engine) Resolve(ctx context.Context, page *Page, field model.Field) (model.FieldExtraction, []TierResult) {
	best := model.FieldExtraction{Field: field, Strategy: model.StrategyNone, Attempted: true}
	var trace []TierResult

	for _, tier := range e.tiers {
		if ctx.Err() != nil {
			break
		}
		res := e.runTier(ctx, tier, page, field)
		trace = append(trace, res)
		best.Retries += res.Retries
		best.Elapsed += res.Elapsed

		if res.Outcome == TierSuccess && res.Candidate.Value != "" && res.Candidate.Confidence > best.Confidence {
			best.Value = res.Candidate.Value
			best.Confidence = res.Candidate.Confidence
			best.Strategy = res.Strategy
		}
		if best.Confidence >= e.threshold {
			break
		}
	}
	return best, trace
}

func (e *Engine) runTier(ctx context.Context, tier Tier, page *Page, field model.Field) TierResult {
	start := e.nowFunc()
	cfg := e.retry
	cfg.OnRetry = resilience.RetryLogger("extract", string(tier.Strategy())+":"+string(field))

	r := resilience.Retry(ctx, cfg, func(ctx context.Context) (c Candidate, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = eris.Errorf("extract: %s tier panicked: %v", tier.Strategy(), p)
			}
		}()
		return tier.Extract(ctx, page, field)
	})

	res := TierResult{
		Strategy:  tier.Strategy(),
		Candidate: r.Value,
		Retries:   r.Retries,
		Elapsed:   e.nowFunc().Sub(start),
		Err:       r.Err,
	}
	switch {
	case r.OK():
		res.Outcome = TierSuccess
	case IsSkipped(r.Err):
		res.Outcome = TierSkipped
	case r.Outcome == resilience.OutcomeExhausted:
		res.Outcome = TierExhausted
	default:
		res.Outcome = TierFailed
	}

	if res.Outcome != TierSuccess {
		zap.L().Debug("extract: tier did not succeed",
			zap.String("tier", string(res.Strategy)),
			zap.String("field", string(field)),
			zap.String("outcome", string(res.Outcome)),
			zap.Int("retries", res.Retries),
			zap.Error(res.Err),
		)
	}
	return res
}

// ExtractListing resolves every field of page into a listing and its
// provenance record.
func (e *Engine) ExtractListing(ctx context.Context, page *Page, documentID string) (model.Listing, model.ProvenanceRecord) {
	now := e.nowFunc()
	prov := model.ProvenanceRecord{
		DocumentID: documentID,
		ClusterID:  page.ClusterID,
		URL:        page.URL,
		Versions:   e.Versions(),
		CreatedAt:  now,
	}

	l := model.Listing{
		ListingURL: page.URL,
		SourceSite: page.Site.ID,
		ScrapedAt:  now,
	}
	for _, f := range model.AllFields() {
		fe := e.ExtractField(ctx, page, f)
		prov.Fields = append(prov.Fields, fe)
		if fe.Found() {
			applyField(&l, fe)
		}
	}

	if l.State == "" && l.Location != "" {
		if code, ok := NormalizeState(l.Location); ok {
			l.State = code
		}
	}
	if doc, err := page.Doc(); err == nil {
		l.PhotoURL = metaContent(doc, "og:image")
		l.Description = metaContent(doc, "og:description")
		if l.Description == "" {
			l.Description, _ = doc.Find(`meta[name="description"]`).Attr("content")
		}
	}
	return l, prov
}

func applyField(l *model.Listing, fe model.FieldExtraction) {
	switch fe.Field {
	case model.FieldPrice:
		l.CurrentBid, _ = strconv.ParseFloat(fe.Value, 64)
	case model.FieldYear:
		l.Year, _ = strconv.Atoi(fe.Value)
	case model.FieldMake:
		l.Make = fe.Value
	case model.FieldModel:
		l.Model = fe.Value
	case model.FieldTrim:
		l.Trim = fe.Value
	case model.FieldMileage:
		l.Mileage, _ = strconv.Atoi(fe.Value)
	case model.FieldVIN:
		l.VIN = fe.Value
	case model.FieldLocation:
		l.Location = fe.Value
	case model.FieldState:
		l.State = fe.Value
	case model.FieldTitleStatus:
		l.TitleStatus = fe.Value
	case model.FieldAuctionEnd:
		if t, err := time.Parse(time.RFC3339, fe.Value); err == nil {
			l.AuctionEnd = &t
		}
	}
}

func metaContent(doc *goquery.Document, property string) string {
	v, _ := doc.Find(`meta[property="` + property + `"]`).Attr("content")
	return v
}
