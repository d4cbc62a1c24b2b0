package model

import "time"

// TitleStatus values recognised by scoring.
const (
	TitleClean   = "clean"
	TitleSalvage = "salvage"
	TitleRebuilt = "rebuilt"
	TitleFlood   = "flood"
	TitleLemon   = "lemon"
)

// Listing is a normalized vehicle record, unique by ListingURL.
type Listing struct {
	ListingURL  string     `json:"listing_url"`
	SourceSite  string     `json:"source_site"`
	VIN         string     `json:"vin,omitempty"`
	Make        string     `json:"make"`
	Model       string     `json:"model"`
	Trim        string     `json:"trim,omitempty"`
	Year        int        `json:"year"`
	Mileage     int        `json:"mileage,omitempty"`
	CurrentBid  float64    `json:"current_bid"`
	Location    string     `json:"location,omitempty"`
	State       string     `json:"state,omitempty"`
	TitleStatus string     `json:"title_status,omitempty"`
	AuctionEnd  *time.Time `json:"auction_end,omitempty"`
	PhotoURL    string     `json:"photo_url,omitempty"`
	Description string     `json:"description,omitempty"`

	ContentHash string            `json:"content_hash"`
	Provenance  *ProvenanceRecord `json:"provenance,omitempty"`
	ScrapedAt   time.Time         `json:"scraped_at"`
}

// HasRequired reports whether the fields scoring cannot work without are present.
func (l Listing) HasRequired() bool {
	return l.Make != "" && l.Model != "" && l.Year > 0 && l.CurrentBid > 0
}

// SaleRecord is a historical sale used to derive a market reference price.
type SaleRecord struct {
	Make      string    `json:"make"`
	Model     string    `json:"model"`
	Year      int       `json:"year"`
	Mileage   int       `json:"mileage"`
	State     string    `json:"state,omitempty"`
	SalePrice float64   `json:"sale_price"`
	SoldAt    time.Time `json:"sold_at"`
}

// MarketPrice is a cached reference price for a make/model/year[/state].
type MarketPrice struct {
	Make       string    `json:"make"`
	Model      string    `json:"model"`
	Year       int       `json:"year"`
	State      string    `json:"state,omitempty"`
	AvgPrice   float64   `json:"avg_price"`
	LowPrice   float64   `json:"low_price"`
	HighPrice  float64   `json:"high_price"`
	Samples    int       `json:"samples"`
	Confidence float64   `json:"confidence"`
	Source     string    `json:"source"`
	ExpiresAt  time.Time `json:"expires_at"`
}
