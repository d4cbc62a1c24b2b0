package store

import (
	"context"
	"time"

	"github.com/sells-group/dealerscope/internal/model"
)

// ListingFilter specifies criteria for listing vehicles.
type ListingFilter struct {
	SiteID string `json:"site_id,omitempty"`
	Make   string `json:"make,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// OpportunityFilter specifies criteria for listing opportunities.
type OpportunityFilter struct {
	Status     model.OpportunityStatus `json:"status,omitempty"`
	ActiveOnly bool                    `json:"active_only,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// ListingStore persists normalized listings keyed by listing URL.
type ListingStore interface {
	// UpsertListings inserts or replaces listings by ListingURL and returns
	// the number of rows written.
	UpsertListings(ctx context.Context, listings []model.Listing) (int64, error)
	// GetListing returns (nil, nil) when no listing has that URL.
	GetListing(ctx context.Context, listingURL string) (*model.Listing, error)
	ListListings(ctx context.Context, filter ListingFilter) ([]model.Listing, error)
}

// MarketStore holds cached reference prices and historical sales.
type MarketStore interface {
	// GetMarketPrice returns the cached record for the exact key, expired or
	// not, or (nil, nil).
	GetMarketPrice(ctx context.Context, vehicleMake, vehicleModel string, year int, state string) (*model.MarketPrice, error)
	SetMarketPrice(ctx context.Context, price model.MarketPrice) error
	// RecentSales returns up to limit sales newest first within the year range.
	RecentSales(ctx context.Context, vehicleMake, vehicleModel string, minYear, maxYear, limit int) ([]model.SaleRecord, error)
	AddSales(ctx context.Context, sales []model.SaleRecord) (int64, error)
}

// UsageLog is the append-only record of authorized resource usage.
type UsageLog interface {
	AppendUsage(ctx context.Context, e model.UsageEvent) error
	UsageSince(ctx context.Context, since time.Time) ([]model.UsageEvent, error)
}

// SiteStore holds the site registry, per-run health and budget snapshots.
type SiteStore interface {
	// SaveSites upserts configuration fields without touching health.
	SaveSites(ctx context.Context, sites []model.Site) error
	ListSites(ctx context.Context) ([]model.Site, error)
	UpdateSiteHealth(ctx context.Context, h model.SiteHealth) error
	SaveBudget(ctx context.Context, b model.SiteBudget) error
	// LoadBudgets returns the snapshots recorded for the given UTC day.
	LoadBudgets(ctx context.Context, day time.Time) ([]model.SiteBudget, error)
}

// DocumentStore holds redacted fetched documents until retention expiry.
type DocumentStore interface {
	SaveDocument(ctx context.Context, doc model.StoredDocument) error
	// LatestDocument returns the newest document fetched from url, or (nil, nil).
	LatestDocument(ctx context.Context, url string) (*model.StoredDocument, error)
	DeleteExpiredDocuments(ctx context.Context, before time.Time) (int64, error)
}

// OpportunityStore holds scored opportunities. Records are immutable: a
// changed listing adds a new record and deactivates older ones.
type OpportunityStore interface {
	// UpsertOpportunity reports whether a new record was created. An
	// opportunity for the same listing URL and content hash is a no-op.
	UpsertOpportunity(ctx context.Context, opp model.Opportunity) (bool, error)
	ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]model.Opportunity, error)
}

// Store composes every persistence concern of the ingestion core.
type Store interface {
	ListingStore
	MarketStore
	UsageLog
	SiteStore
	DocumentStore
	OpportunityStore

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func limitOrDefault(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

// dayStart truncates t to midnight UTC.
func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
