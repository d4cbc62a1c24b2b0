package scorer

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealerscope/internal/config"
	"github.com/sells-group/dealerscope/internal/model"
)

// Composite score weights. Risk subtracts.
const (
	weightMargin     = 0.4
	weightROI        = 0.3
	weightConfidence = 0.2
	weightRisk       = -0.3
	weightTime       = 0.1
)

const (
	missingFieldPenalty = 10.0
	badVINPenalty       = 5.0
	highTrustBonus      = 5.0
)

var popularMakes = []string{"toyota", "honda", "ford", "chevrolet"}

// Engine scores listings against market data and the configured policy.
type Engine struct {
	cfg     config.ScoringConfig
	pricer  *MarketPricer
	nowFunc func() time.Time
}

// NewEngine creates an Engine. Zero-valued fields of cfg take their
// defaults before validation.
func NewEngine(cfg config.ScoringConfig, store MarketStore) (*Engine, error) {
	cfg = cloneConfig(withDefaults(cfg))
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     cfg,
		pricer:  NewMarketPricer(store, cfg),
		nowFunc: time.Now,
	}, nil
}

// Config returns the effective scoring configuration.
func (e *Engine) Config() config.ScoringConfig {
	return cloneConfig(e.cfg)
}

// Score computes deal metrics for l. It returns (nil, nil) when l lacks a
// make, model, year or current bid.
func (e *Engine) Score(ctx context.Context, l model.Listing, site model.Site) (*model.DealMetrics, error) {
	if !l.HasRequired() {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "scorer: score")
	}

	now := e.nowFunc()
	mp := e.pricer.Price(ctx, l)
	sale := mp.AvgPrice * e.mileageFactor(l.Mileage) * e.titleMultiplier(l.TitleStatus)

	costs := model.CostBreakdown{
		Bid:          l.CurrentBid,
		BuyerPremium: l.CurrentBid * site.BuyerPremium,
		DocFee:       site.DocFee,
		Transport:    e.transport(l.State, sale),
	}
	total := costs.Total()
	profit := sale - total

	var roi, margin float64
	if total > 0 {
		roi = profit / total * 100
	}
	if sale > 0 {
		margin = profit / sale
	}

	risk, factors := e.risk(l, mp, now)
	conf := e.confidence(l, mp, site)
	bonus := TimeBonus(l.AuctionEnd, now)
	composite := CompositeScore(margin, roi/100, conf/100, risk/100, bonus)

	return &model.DealMetrics{
		EstimatedSalePrice: sale,
		MarketPrice:        mp.AvgPrice,
		MarketSource:       mp.Source,
		MarketSamples:      mp.Samples,
		TotalCost:          total,
		Profit:             profit,
		ROI:                roi,
		RiskScore:          risk,
		RiskFactors:        factors,
		ConfidenceScore:    conf,
		Costs:              costs,
		ProfitMargin:       margin * 100,
		TimeBonus:          bonus,
		Score:              composite,
		DaysToSell:         DaysToSell(l, margin, now),
		Recommendation:     Recommendation(composite, margin, risk/100),
	}, nil
}

// Evaluate scores l and materializes an Opportunity when every threshold
// holds. It returns (nil, nil) when l cannot be scored or does not qualify.
func (e *Engine) Evaluate(ctx context.Context, l model.Listing, site model.Site) (*model.Opportunity, error) {
	m, err := e.Score(ctx, l, site)
	if err != nil || m == nil {
		return nil, err
	}

	status, ok := e.Classify(m.ROI, m.Profit, m.RiskScore, m.ConfidenceScore)
	if !ok {
		zap.L().Debug("scorer: listing below thresholds",
			zap.String("url", l.ListingURL),
			zap.Float64("roi", m.ROI),
			zap.Float64("profit", m.Profit),
			zap.Float64("risk", m.RiskScore),
			zap.Float64("confidence", m.ConfidenceScore),
		)
		return nil, nil
	}

	return &model.Opportunity{
		ID:          uuid.NewString(),
		Listing:     l,
		Metrics:     *m,
		Status:      status,
		Active:      true,
		ContentHash: l.ContentHash,
		ScoredAt:    e.nowFunc().UTC(),
	}, nil
}

// Classify applies the materialization thresholds. ok is false unless ROI,
// profit, risk and confidence all pass; status is then hot, good or
// moderate.
func (e *Engine) Classify(roi, profit, risk, confidence float64) (model.OpportunityStatus, bool) {
	c := e.cfg
	if roi < c.MinROI || profit < c.MinProfit || risk > c.MaxRisk || confidence < c.MinConfidence {
		return "", false
	}
	switch {
	case roi >= c.HotROI && risk <= c.HotMaxRisk:
		return model.OpportunityHot, true
	case roi >= c.GoodROI && risk <= c.GoodMaxRisk:
		return model.OpportunityGood, true
	default:
		return model.OpportunityModerate, true
	}
}

func (e *Engine) mileageFactor(mileage int) float64 {
	if mileage <= 0 {
		return 1
	}
	return max(e.cfg.MileageFloor, 1-e.cfg.MileagePenaltyPer1K*float64(mileage)/1000)
}

func (e *Engine) titleMultiplier(status string) float64 {
	if m, ok := e.cfg.TitleMultipliers[strings.ToLower(status)]; ok {
		return m
	}
	return 1
}

func (e *Engine) transport(state string, value float64) float64 {
	band := e.cfg.DefaultTransport
	switch {
	case slices.Contains(e.cfg.LowCostTransport.States, state):
		band = e.cfg.LowCostTransport
	case slices.Contains(e.cfg.RustBeltTransport.States, state):
		band = e.cfg.RustBeltTransport
	}
	return band.Base + band.Rate*value
}

func (e *Engine) risk(l model.Listing, mp model.MarketPrice, now time.Time) (float64, []string) {
	var score float64
	var factors []string
	add := func(points float64, factor string) {
		score += points
		factors = append(factors, factor)
	}

	switch age := now.Year() - l.Year; {
	case age > 15:
		add(30, fmt.Sprintf("vehicle age %d years", age))
	case age > 10:
		add(20, fmt.Sprintf("vehicle age %d years", age))
	case age > 5:
		add(10, fmt.Sprintf("vehicle age %d years", age))
	}

	switch {
	case l.Mileage > 150_000:
		add(25, "very high mileage")
	case l.Mileage > 100_000:
		add(15, "high mileage")
	case l.Mileage > 60_000:
		add(5, "above average mileage")
	}

	title := strings.ToLower(l.TitleStatus)
	if pts, ok := e.cfg.TitleRisk[title]; ok {
		add(pts, title+" title")
	}

	switch {
	case mp.Samples < 5:
		add(15, fmt.Sprintf("limited market data (%d sales)", mp.Samples))
	case mp.Samples < 10:
		add(8, fmt.Sprintf("thin market data (%d sales)", mp.Samples))
	}

	if slices.Contains(e.cfg.RustBeltTransport.States, l.State) {
		add(e.cfg.RustBeltRisk, "corrosion-prone state "+l.State)
	}
	if slices.Contains(e.cfg.RemoteStates, l.State) {
		add(e.cfg.RemoteStateRisk, "remote state "+l.State)
	}

	return clamp(score, 0, 100), factors
}

func (e *Engine) confidence(l model.Listing, mp model.MarketPrice, site model.Site) float64 {
	conf := mp.Confidence * 100
	if l.Mileage <= 0 {
		conf -= missingFieldPenalty
	}
	if l.VIN == "" {
		conf -= missingFieldPenalty
	} else if len(l.VIN) != 17 {
		conf -= badVINPenalty
	}
	if l.TitleStatus == "" {
		conf -= missingFieldPenalty
	}
	if site.Trust == model.TrustHigh {
		conf += highTrustBonus
	}
	return clamp(conf, 0, 100)
}

// TimeBonus rewards auctions closing soon, but not within the hour.
func TimeBonus(end *time.Time, now time.Time) float64 {
	if end == nil {
		return 0
	}
	hours := end.Sub(now).Hours()
	switch {
	case hours < 1:
		return 0
	case hours < 6:
		return 0.3
	case hours < 24:
		return 0.2
	case hours < 72:
		return 0.1
	default:
		return 0
	}
}

// CompositeScore blends normalized components into [0,1]. margin and roi
// are fractions; confidence and risk are on [0,1].
func CompositeScore(margin, roi, confidence, risk, timeBonus float64) float64 {
	s := normalizeMargin(margin)*weightMargin +
		normalizeROI(roi)*weightROI +
		confidence*weightConfidence +
		risk*weightRisk +
		timeBonus*weightTime
	return clamp(s, 0, 1)
}

// normalizeMargin maps a 20% margin or better to 1.
func normalizeMargin(m float64) float64 {
	return clamp(m*5, 0, 1)
}

// normalizeROI maps a 50% return or better to 1.
func normalizeROI(r float64) float64 {
	return clamp(r*2, 0, 1)
}

// Recommendation turns a composite score into buyer guidance. risk is on [0,1].
func Recommendation(score, margin, risk float64) string {
	switch {
	case score >= 0.8:
		return "STRONG BUY - Excellent opportunity with high profit potential"
	case score >= 0.6:
		if risk < 0.3 {
			return "BUY - Good opportunity with acceptable risk"
		}
		return "CONSIDER - Good profits but higher risk"
	case score >= 0.4:
		if margin > 0.15 {
			return "WATCH - Moderate opportunity, monitor for better price"
		}
		return "PASS - Limited profit potential"
	case score >= 0.2:
		return "PASS - Poor opportunity with low returns"
	default:
		return "AVOID - High risk or negative returns"
	}
}

// DaysToSell estimates resale time in days, bounded to [7, 180].
func DaysToSell(l model.Listing, margin float64, now time.Time) int {
	days := 45
	if slices.Contains(popularMakes, strings.ToLower(l.Make)) {
		days -= 10
	}

	switch age := now.Year() - l.Year; {
	case age < 5:
		days -= 15
	case age > 15:
		days += 15
	}

	switch {
	case l.Mileage < 50_000:
		days -= 10
	case l.Mileage > 150_000:
		days += 20
	}

	switch {
	case margin > 0.25:
		days += 10
	case margin < 0.1:
		days -= 5
	}

	switch strings.ToLower(l.TitleStatus) {
	case model.TitleSalvage, model.TitleRebuilt, model.TitleFlood:
		days += 30
	}

	return max(7, min(180, days))
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
