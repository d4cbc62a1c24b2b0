package model

import "time"

// SiteCategory classifies the operator of an auction site.
type SiteCategory string

const (
	SiteCategoryFederal SiteCategory = "federal"
	SiteCategoryState   SiteCategory = "state"
	SiteCategoryLocal   SiteCategory = "local"
	SiteCategoryDealer  SiteCategory = "dealer"
)

// SiteStatus is the current health of a site.
type SiteStatus string

const (
	SiteStatusActive      SiteStatus = "active"
	SiteStatusBlocked     SiteStatus = "blocked"
	SiteStatusMaintenance SiteStatus = "maintenance"
	SiteStatusError       SiteStatus = "error"
)

// TrustLevel describes how reliable a source's listings tend to be.
type TrustLevel string

const (
	TrustHigh   TrustLevel = "high"
	TrustNormal TrustLevel = "normal"
)

// Site is a configured auction source.
type Site struct {
	ID             string       `json:"id" yaml:"id"`
	Name           string       `json:"name" yaml:"name"`
	BaseURL        string       `json:"base_url" yaml:"base_url"`
	Category       SiteCategory `json:"category" yaml:"category"`
	Priority       int          `json:"priority" yaml:"priority"`
	Enabled        bool         `json:"enabled" yaml:"enabled"`
	AllowedDomains []string     `json:"allowed_domains,omitempty" yaml:"allowed_domains"`
	ListingPaths   []string     `json:"listing_paths,omitempty" yaml:"listing_paths"`
	BuyerPremium   float64      `json:"buyer_premium" yaml:"buyer_premium"`
	DocFee         float64      `json:"doc_fee" yaml:"doc_fee"`
	Trust          TrustLevel   `json:"trust,omitempty" yaml:"trust"`
	// Strategy is the scraping cost tier the site starts the day on.
	Strategy ScrapeStrategy `json:"strategy,omitempty" yaml:"strategy"`

	// Selectors are hand-written CSS selectors for this site's detail pages.
	Selectors map[Field]string `json:"selectors,omitempty" yaml:"selectors"`

	Status        SiteStatus `json:"status" yaml:"-"`
	LastScrapedAt *time.Time `json:"last_scraped_at,omitempty" yaml:"-"`
	VehiclesFound int        `json:"vehicles_found" yaml:"-"`
}

// SiteHealth is the per-run bookkeeping written back to a site after a batch.
type SiteHealth struct {
	SiteID        string     `json:"site_id"`
	Status        SiteStatus `json:"status"`
	LastScrapedAt time.Time  `json:"last_scraped_at"`
	VehiclesFound int        `json:"vehicles_found"`
}
