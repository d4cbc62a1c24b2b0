package cost

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dealerscope/internal/config"
	"github.com/sells-group/dealerscope/internal/model"
)

// llmInputShare is the assumed prompt share of logged LLM tokens; the usage
// log records a single token total per call.
const llmInputShare = 0.8

// Calculator converts resource usage into USD.
type Calculator struct {
	pricing config.PricingConfig
	model   string
}

// NewCalculator creates a Calculator. Token usage is priced at llmModel's
// rates; zero rates fall back to DefaultPricing.
func NewCalculator(pricing config.PricingConfig, llmModel string) *Calculator {
	def := DefaultPricing()
	if len(pricing.Anthropic) == 0 {
		pricing.Anthropic = def.Anthropic
	}
	if pricing.HTTPPerRequest <= 0 {
		pricing.HTTPPerRequest = def.HTTPPerRequest
	}
	if pricing.HeadlessPerMinute <= 0 {
		pricing.HeadlessPerMinute = def.HeadlessPerMinute
	}
	if pricing.CaptchaPerSolve <= 0 {
		pricing.CaptchaPerSolve = def.CaptchaPerSolve
	}
	return &Calculator{pricing: pricing, model: llmModel}
}

// DefaultPricing returns the default pricing rates.
func DefaultPricing() config.PricingConfig {
	return config.PricingConfig{
		Anthropic: map[string]config.ModelPricing{
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		},
		HTTPPerRequest:    0.0001,
		HeadlessPerMinute: 0.01,
		CaptchaPerSolve:   0.003,
	}
}

// Claude computes the cost for a single Claude API call.
func (c *Calculator) Claude(model string, input, output int64) float64 {
	rate, ok := c.pricing.Anthropic[model]
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// Tokens prices a logged token total with a blended input/output rate.
func (c *Calculator) Tokens(tokens float64) float64 {
	rate, ok := c.pricing.Anthropic[c.model]
	if !ok {
		return 0
	}
	blended := llmInputShare*rate.Input + (1-llmInputShare)*rate.Output
	return tokens / 1e6 * blended
}

// Usage prices a set of resource amounts.
func (c *Calculator) Usage(a model.ResourceAmounts) float64 {
	return a.HTTPRequests*c.pricing.HTTPPerRequest +
		a.HeadlessMinutes*c.pricing.HeadlessPerMinute +
		c.Tokens(a.LLMTokens) +
		a.CaptchaSolves*c.pricing.CaptchaPerSolve
}

// SiteCost is one site's usage and spend for a period.
type SiteCost struct {
	SiteID string                `json:"site_id"`
	Usage  model.ResourceAmounts `json:"usage"`
	USD    float64               `json:"usd"`
}

// MonthlyReport summarizes spend for a calendar month.
type MonthlyReport struct {
	Month    string     `json:"month"`
	Sites    []SiteCost `json:"sites"`
	TotalUSD float64    `json:"total_usd"`
	Events   int        `json:"events"`
}

// MonthlyReport aggregates the usage log for the UTC month containing month.
func (c *Calculator) MonthlyReport(ctx context.Context, log UsageLog, month time.Time) (*MonthlyReport, error) {
	y, m, _ := month.UTC().Date()
	start := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	events, err := log.UsageSince(ctx, start)
	if err != nil {
		return nil, eris.Wrap(err, "cost: monthly report")
	}

	bySite := make(map[string]*SiteCost)
	report := &MonthlyReport{Month: start.Format("2006-01")}
	for _, e := range events {
		if !e.RecordedAt.Before(end) {
			continue
		}
		sc, ok := bySite[e.SiteID]
		if !ok {
			sc = &SiteCost{SiteID: e.SiteID}
			bySite[e.SiteID] = sc
		}
		sc.Usage.Add(e.Resource, e.Amount)
		report.Events++
	}

	for _, sc := range bySite {
		sc.USD = c.Usage(sc.Usage)
		report.TotalUSD += sc.USD
		report.Sites = append(report.Sites, *sc)
	}
	sort.Slice(report.Sites, func(i, j int) bool { return report.Sites[i].SiteID < report.Sites[j].SiteID })
	return report, nil
}

// MonthlyCap is the USD ceiling implied by a site's daily caps over 30 days.
func (c *Calculator) MonthlyCap(caps model.ResourceAmounts) float64 {
	return c.Usage(caps) * 30
}
