package model

import "time"

// ResourceType is a metered resource tracked by the cost controller.
type ResourceType string

const (
	ResourceHTTP     ResourceType = "http"
	ResourceHeadless ResourceType = "headless"
	ResourceLLM      ResourceType = "llm"
	ResourceCaptcha  ResourceType = "captcha"
)

// AllResources returns the tracked resource types.
func AllResources() []ResourceType {
	return []ResourceType{ResourceHTTP, ResourceHeadless, ResourceLLM, ResourceCaptcha}
}

// ScrapeStrategy is a site's cost tier for fetching pages.
type ScrapeStrategy string

const (
	ScrapeHTTP     ScrapeStrategy = "http"
	ScrapeHybrid   ScrapeStrategy = "hybrid"
	ScrapeHeadless ScrapeStrategy = "headless"
)

// BudgetTier is the daily cap bracket assigned from site priority.
type BudgetTier string

const (
	BudgetTierHigh   BudgetTier = "high"
	BudgetTierMedium BudgetTier = "medium"
	BudgetTierLow    BudgetTier = "low"
)

// BudgetStatus is derived from the highest utilisation ratio.
type BudgetStatus string

const (
	BudgetUnder   BudgetStatus = "under_budget"
	BudgetNear    BudgetStatus = "near_limit"
	BudgetOver    BudgetStatus = "over_budget"
	BudgetBlocked BudgetStatus = "blocked"
)

// ResourceAmounts holds one number per metered resource.
type ResourceAmounts struct {
	HTTPRequests    float64 `json:"http_requests" mapstructure:"http_requests"`
	HeadlessMinutes float64 `json:"headless_minutes" mapstructure:"headless_minutes"`
	LLMTokens       float64 `json:"llm_tokens" mapstructure:"llm_tokens"`
	CaptchaSolves   float64 `json:"captcha_solves" mapstructure:"captcha_solves"`
}

// Get returns the amount for r.
func (a ResourceAmounts) Get(r ResourceType) float64 {
	switch r {
	case ResourceHTTP:
		return a.HTTPRequests
	case ResourceHeadless:
		return a.HeadlessMinutes
	case ResourceLLM:
		return a.LLMTokens
	case ResourceCaptcha:
		return a.CaptchaSolves
	}
	return 0
}

// Add increments the amount for r.
func (a *ResourceAmounts) Add(r ResourceType, v float64) {
	switch r {
	case ResourceHTTP:
		a.HTTPRequests += v
	case ResourceHeadless:
		a.HeadlessMinutes += v
	case ResourceLLM:
		a.LLMTokens += v
	case ResourceCaptcha:
		a.CaptchaSolves += v
	}
}

// SiteBudget is a site's daily caps and usage.
type SiteBudget struct {
	SiteID    string          `json:"site_id"`
	Tier      BudgetTier      `json:"tier"`
	Caps      ResourceAmounts `json:"caps"`
	Usage     ResourceAmounts `json:"usage"`
	Strategy  ScrapeStrategy  `json:"strategy"`
	Status    BudgetStatus    `json:"status"`
	Day       time.Time       `json:"day"`
	NearAlert bool            `json:"near_alert"`
}

// Remaining returns caps minus usage, floored at zero.
func (b SiteBudget) Remaining() ResourceAmounts {
	var out ResourceAmounts
	for _, r := range AllResources() {
		left := b.Caps.Get(r) - b.Usage.Get(r)
		if left < 0 {
			left = 0
		}
		out.Add(r, left)
	}
	return out
}

// Utilization is the highest usage/cap ratio across resources.
func (b SiteBudget) Utilization() float64 {
	var maxRatio float64
	for _, r := range AllResources() {
		c := b.Caps.Get(r)
		if c <= 0 {
			continue
		}
		if ratio := b.Usage.Get(r) / c; ratio > maxRatio {
			maxRatio = ratio
		}
	}
	return maxRatio
}

// UsageEvent is one append-only entry in the usage log.
type UsageEvent struct {
	ID         string         `json:"id"`
	SiteID     string         `json:"site_id"`
	Resource   ResourceType   `json:"resource"`
	Amount     float64        `json:"amount"`
	Strategy   ScrapeStrategy `json:"strategy"`
	RecordedAt time.Time      `json:"recorded_at"`
}
