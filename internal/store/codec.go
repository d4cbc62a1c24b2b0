package store

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dealerscope/internal/model"
)

// listingColumns is the column order shared by both backends.
var listingColumns = []string{
	"listing_url", "source_site", "vin", "make", "model", "trim", "year", "mileage", "current_bid",
	"location", "state", "title_status", "auction_end", "photo_url", "description", "content_hash",
	"provenance", "scraped_at",
}

// listingRow flattens l in listingColumns order. auction_end is a
// *time.Time and provenance is nil or a JSON string.
func listingRow(l model.Listing) ([]any, error) {
	var provenance any
	if l.Provenance != nil {
		b, err := json.Marshal(l.Provenance)
		if err != nil {
			return nil, eris.Wrapf(err, "store: marshal provenance for %s", l.ListingURL)
		}
		provenance = string(b)
	}
	var auctionEnd *time.Time
	if l.AuctionEnd != nil {
		t := l.AuctionEnd.UTC()
		auctionEnd = &t
	}
	return []any{
		l.ListingURL, l.SourceSite, l.VIN, l.Make, l.Model, l.Trim, l.Year, l.Mileage, l.CurrentBid,
		l.Location, l.State, l.TitleStatus, auctionEnd, l.PhotoURL, l.Description, l.ContentHash,
		provenance, l.ScrapedAt.UTC(),
	}, nil
}

func decodeSite(cfg []byte, status string, last time.Time, lastValid bool, found int) (model.Site, error) {
	var site model.Site
	if err := json.Unmarshal(cfg, &site); err != nil {
		return model.Site{}, eris.Wrap(err, "store: unmarshal site")
	}
	site.Status = model.SiteStatus(status)
	if lastValid {
		t := last.UTC()
		site.LastScrapedAt = &t
	}
	site.VehiclesFound = found
	return site, nil
}

func marshalOpportunity(opp model.Opportunity) (listing, metrics []byte, err error) {
	listing, err = json.Marshal(opp.Listing)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal opportunity listing")
	}
	metrics, err = json.Marshal(opp.Metrics)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal opportunity metrics")
	}
	return listing, metrics, nil
}

func unmarshalOpportunity(o *model.Opportunity, listing, metrics []byte) error {
	if err := json.Unmarshal(listing, &o.Listing); err != nil {
		return eris.Wrap(err, "store: unmarshal opportunity listing")
	}
	if err := json.Unmarshal(metrics, &o.Metrics); err != nil {
		return eris.Wrap(err, "store: unmarshal opportunity metrics")
	}
	return nil
}
