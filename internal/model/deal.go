package model

import "time"

// OpportunityStatus tags a materialized opportunity.
type OpportunityStatus string

const (
	OpportunityHot      OpportunityStatus = "hot"
	OpportunityGood     OpportunityStatus = "good"
	OpportunityModerate OpportunityStatus = "moderate"
)

// CostBreakdown itemizes total acquisition cost.
type CostBreakdown struct {
	Bid          float64 `json:"bid"`
	BuyerPremium float64 `json:"buyer_premium"`
	DocFee       float64 `json:"doc_fee"`
	Transport    float64 `json:"transport"`
}

// Total sums the breakdown.
func (c CostBreakdown) Total() float64 {
	return c.Bid + c.BuyerPremium + c.DocFee + c.Transport
}

// DealMetrics is the derived profitability view of one listing.
type DealMetrics struct {
	EstimatedSalePrice float64       `json:"estimated_sale_price"`
	MarketPrice        float64       `json:"market_price"`
	MarketSource       string        `json:"market_source"`
	MarketSamples      int           `json:"market_samples"`
	TotalCost          float64       `json:"total_cost"`
	Profit             float64       `json:"profit"`
	ROI                float64       `json:"roi"`
	RiskScore          float64       `json:"risk_score"`
	RiskFactors        []string      `json:"risk_factors,omitempty"`
	ConfidenceScore    float64       `json:"confidence_score"`
	Costs              CostBreakdown `json:"costs"`
	ProfitMargin       float64       `json:"profit_margin"`
	TimeBonus          float64       `json:"time_bonus"`
	Score              float64       `json:"score"`
	DaysToSell         int           `json:"days_to_sell"`
	Recommendation     string        `json:"recommendation"`
}

// Opportunity is a listing that met every profitability threshold. It is
// immutable once scored; a changed listing yields a new record.
type Opportunity struct {
	ID          string            `json:"id"`
	Listing     Listing           `json:"listing"`
	Metrics     DealMetrics       `json:"metrics"`
	Status      OpportunityStatus `json:"status"`
	Active      bool              `json:"active"`
	ContentHash string            `json:"content_hash"`
	ScoredAt    time.Time         `json:"scored_at"`
}
