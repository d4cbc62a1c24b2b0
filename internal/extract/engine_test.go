package extract

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dealerscope/internal/compliance"
	"github.com/sells-group/dealerscope/internal/config"
	"github.com/sells-group/dealerscope/internal/model"
	"github.com/sells-group/dealerscope/internal/resilience"
)

type stubTier struct {
	strategy model.ExtractionStrategy
	results  map[model.Field]Candidate
	err      error
	failFor  int32
	panics   bool
	calls    atomic.Int32
}

func (s *stubTier) Strategy() model.ExtractionStrategy { return s.strategy }
func (s *stubTier) Version() string                    { return string(s.strategy) + "-test" }

func (s *stubTier) Extract(_ context.Context, _ *Page, field model.Field) (Candidate, error) {
	n := s.calls.Add(1)
	if s.panics {
		panic("selector exploded")
	}
	if n <= s.failFor {
		return Candidate{}, resilience.NewTransientError(errors.New("timeout"), 0)
	}
	if s.err != nil {
		return Candidate{}, s.err
	}
	return s.results[field], nil
}

func newTestEngine(tiers ...Tier) *Engine {
	e := NewEngine(config.ExtractConfig{TierThreshold: 0.5, MaxRetries: 2}, tiers...)
	e.retry.InitialBackoff = time.Millisecond
	e.retry.MaxBackoff = time.Millisecond
	return e
}

var testPage = NewPage("https://a.gov/lot/1", "<p>lot</p>", model.Site{ID: "a"})

func TestEngine_TierOneAboveThresholdStops(t *testing.T) {
	t.Parallel()
	t1 := &stubTier{strategy: model.StrategySelector, results: map[model.Field]Candidate{model.FieldYear: {"2015", 0.6}}}
	t2 := &stubTier{strategy: model.StrategyModel, results: map[model.Field]Candidate{model.FieldYear: {"2016", 0.85}}}
	e := newTestEngine(t1, t2)

	fe, trace := e.Resolve(context.Background(), testPage, model.FieldYear)
	assert.Equal(t, "2015", fe.Value)
	assert.Equal(t, model.StrategySelector, fe.Strategy)
	assert.Len(t, trace, 1)
	assert.Zero(t, t2.calls.Load())
}

func TestEngine_EscalatesBelowThreshold(t *testing.T) {
	t.Parallel()
	t1 := &stubTier{strategy: model.StrategySelector, results: map[model.Field]Candidate{model.FieldMake: {"Ford", 0.3}}}
	t2 := &stubTier{strategy: model.StrategyModel, results: map[model.Field]Candidate{model.FieldMake: {"Lincoln", 0.7}}}
	t3 := &stubTier{strategy: model.StrategyGenerative}
	e := newTestEngine(t1, t2, t3)

	fe, trace := e.Resolve(context.Background(), testPage, model.FieldMake)
	assert.Equal(t, "Lincoln", fe.Value)
	assert.InDelta(t, 0.7, fe.Confidence, 1e-9)
	assert.Equal(t, model.StrategyModel, fe.Strategy)
	assert.Len(t, trace, 2)
	assert.Zero(t, t3.calls.Load())
}

func TestEngine_LaterLowerConfidenceNeverWins(t *testing.T) {
	t.Parallel()
	t1 := &stubTier{strategy: model.StrategySelector, results: map[model.Field]Candidate{model.FieldVIN: {"1M8GDM9AXKP042788", 0.4}}}
	t2 := &stubTier{strategy: model.StrategyModel, results: map[model.Field]Candidate{model.FieldVIN: {"1M8GDM9A1KP042788", 0.2}}}
	t3 := &stubTier{strategy: model.StrategyGenerative, results: map[model.Field]Candidate{model.FieldVIN: {"11111111111111111", 0.4}}}
	e := newTestEngine(t1, t2, t3)

	fe, trace := e.Resolve(context.Background(), testPage, model.FieldVIN)
	assert.Equal(t, "1M8GDM9AXKP042788", fe.Value)
	assert.Equal(t, model.StrategySelector, fe.Strategy, "ties keep the earlier tier")
	assert.Len(t, trace, 3)
}

func TestEngine_TotalFailureStillEmits(t *testing.T) {
	t.Parallel()
	t1 := &stubTier{strategy: model.StrategySelector, err: errors.New("parse failed")}
	t2 := &stubTier{strategy: model.StrategyModel}
	t3 := &stubTier{strategy: model.StrategyGenerative, err: skipped("no budget")}
	e := newTestEngine(t1, t2, t3)

	fe, trace := e.Resolve(context.Background(), testPage, model.FieldTrim)
	assert.True(t, fe.Attempted)
	assert.Empty(t, fe.Value)
	assert.Zero(t, fe.Confidence)
	assert.Equal(t, model.StrategyNone, fe.Strategy)
	assert.False(t, fe.Found())

	require.Len(t, trace, 3)
	assert.Equal(t, TierFailed, trace[0].Outcome)
	assert.Equal(t, TierSuccess, trace[1].Outcome)
	assert.Equal(t, TierSkipped, trace[2].Outcome)
}

func TestEngine_RetriesTransientFailures(t *testing.T) {
	t.Parallel()
	flaky := &stubTier{
		strategy: model.StrategySelector,
		failFor:  2,
		results:  map[model.Field]Candidate{model.FieldPrice: {"4500", 0.9}},
	}
	e := newTestEngine(flaky)

	fe, trace := e.Resolve(context.Background(), testPage, model.FieldPrice)
	assert.Equal(t, "4500", fe.Value)
	assert.Equal(t, 2, fe.Retries)
	assert.Equal(t, TierSuccess, trace[0].Outcome)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestEngine_RetriesExhausted(t *testing.T) {
	t.Parallel()
	down := &stubTier{strategy: model.StrategySelector, failFor: 100}
	fallback := &stubTier{strategy: model.StrategyModel, results: map[model.Field]Candidate{model.FieldPrice: {"100", 0.6}}}
	e := newTestEngine(down, fallback)

	fe, trace := e.Resolve(context.Background(), testPage, model.FieldPrice)
	assert.Equal(t, TierExhausted, trace[0].Outcome)
	assert.Equal(t, 2, trace[0].Retries)
	assert.Equal(t, int32(3), down.calls.Load())
	assert.Equal(t, model.StrategyModel, fe.Strategy)
	assert.Equal(t, 2, fe.Retries)
}

func TestEngine_PanickingTierIsContained(t *testing.T) {
	t.Parallel()
	bad := &stubTier{strategy: model.StrategySelector, panics: true}
	good := &stubTier{strategy: model.StrategyModel, results: map[model.Field]Candidate{model.FieldYear: {"2019", 0.8}}}
	e := newTestEngine(bad, good)

	fe, trace := e.Resolve(context.Background(), testPage, model.FieldYear)
	assert.Equal(t, "2019", fe.Value)
	assert.Equal(t, TierFailed, trace[0].Outcome)
	assert.Contains(t, trace[0].Err.Error(), "panicked")
}

func TestEngine_ExtractListing(t *testing.T) {
	t.Parallel()
	html := `<html><head>
<meta property="og:image" content="https://a.gov/img/1.jpg">
<meta name="description" content="County surplus pickup">
</head><body>
<table>
<tr><th>Year</th><td>2015</td></tr><tr><th>Make</th><td>ford</td></tr>
<tr><th>Model</th><td>F-150</td></tr><tr><th>Mileage</th><td>98,000</td></tr>
<tr><th>Current Bid</th><td>$4,500</td></tr><tr><th>Location</th><td>Tulsa, OK</td></tr>
<tr><th>Auction Ends</th><td>2024-03-05 17:00</td></tr>
</table></body></html>`
	page := NewPage("https://a.gov/lot/77", html, model.Site{ID: "a"})
	e := newTestEngine(NewSelectorStrategy(), NewPatternModel())
	fixed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	e.nowFunc = func() time.Time { return fixed }

	l, prov := e.ExtractListing(context.Background(), page, "doc-1")

	assert.Equal(t, "https://a.gov/lot/77", l.ListingURL)
	assert.Equal(t, "a", l.SourceSite)
	assert.Equal(t, 2015, l.Year)
	assert.Equal(t, "Ford", l.Make)
	assert.Equal(t, "F-150", l.Model)
	assert.Equal(t, 98000, l.Mileage)
	assert.InDelta(t, 4500, l.CurrentBid, 1e-9)
	assert.Equal(t, "Tulsa, OK", l.Location)
	assert.Equal(t, "OK", l.State)
	require.NotNil(t, l.AuctionEnd)
	assert.Equal(t, time.Date(2024, 3, 5, 17, 0, 0, 0, time.UTC), *l.AuctionEnd)
	assert.Equal(t, "https://a.gov/img/1.jpg", l.PhotoURL)
	assert.Equal(t, "County surplus pickup", l.Description)
	assert.True(t, l.HasRequired())

	assert.Equal(t, "doc-1", prov.DocumentID)
	assert.Equal(t, page.ClusterID, prov.ClusterID)
	assert.Equal(t, "selector-v1", prov.Versions[model.StrategySelector])
	assert.Equal(t, "pattern-v1", prov.Versions[model.StrategyModel])
	assert.Len(t, prov.Fields, len(model.AllFields()))
	for _, fe := range prov.Fields {
		assert.True(t, fe.Attempted, fe.Field)
	}
	assert.Equal(t, model.StrategySelector, prov.Field(model.FieldYear).Strategy)
	assert.Equal(t, model.StrategyNone, prov.Field(model.FieldVIN).Strategy)
}

func TestEngine_ExtractListing_GatedPageHasNoPII(t *testing.T) {
	t.Parallel()
	raw := `<html><head>
<meta property="og:description" content="2015 Ford F-150, ask jane.doe&#64;example.com or 614&#45;555&#45;1234">
</head><body>
<table><tr><th>Make</th><td>Ford</td></tr><tr><th>Year</th><td>2015</td></tr></table>
<p>Keys with bob&#x40;dmv.ca.gov</p>
</body></html>`
	scan := compliance.ScanHTML(raw)
	require.Equal(t, 3, scan.Count)

	page := NewPage("https://a.gov/lot/9", scan.Redacted, model.Site{ID: "a"})
	l, _ := newTestEngine(NewSelectorStrategy(), NewPatternModel()).ExtractListing(context.Background(), page, "doc-9")

	assert.Equal(t, "Ford", l.Make)
	assert.NotEmpty(t, l.Description)
	assert.False(t, compliance.ContainsPII(l.Description), l.Description)
	assert.False(t, compliance.ContainsPII(page.Text()))
}
