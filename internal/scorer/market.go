package scorer

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dealerscope/internal/config"
	"github.com/sells-group/dealerscope/internal/model"
)

// Market price sources.
const (
	SourceCache     = "cache"
	SourceSales     = "sales"
	SourceBaseTable = "base_table"
)

const (
	baseKnownConfidence   = 0.3
	baseUnknownConfidence = 0.2
	baseRangeLow          = 0.85
	baseRangeHigh         = 1.15
	salesPerFullTrust     = 20.0
)

// MarketStore reads and caches market reference data.
// GetMarketPrice returns (nil, nil) when no record exists.
type MarketStore interface {
	GetMarketPrice(ctx context.Context, vehicleMake, vehicleModel string, year int, state string) (*model.MarketPrice, error)
	SetMarketPrice(ctx context.Context, price model.MarketPrice) error
	RecentSales(ctx context.Context, vehicleMake, vehicleModel string, minYear, maxYear, limit int) ([]model.SaleRecord, error)
}

// MarketPricer resolves a reference price for a make/model/year with a
// cache, then historical sales, then a static table.
type MarketPricer struct {
	store   MarketStore
	cfg     config.ScoringConfig
	nowFunc func() time.Time
}

// NewMarketPricer creates a MarketPricer. store may be nil, in which case
// only the base table is consulted.
func NewMarketPricer(store MarketStore, cfg config.ScoringConfig) *MarketPricer {
	return &MarketPricer{store: store, cfg: withDefaults(cfg), nowFunc: time.Now}
}

// Price returns the best available reference price. Store failures degrade
// to the next source rather than failing the lookup.
func (p *MarketPricer) Price(ctx context.Context, l model.Listing) model.MarketPrice {
	if p.store != nil {
		if mp, ok := p.cached(ctx, l); ok {
			return mp
		}
		if mp, ok := p.fromSales(ctx, l); ok {
			return mp
		}
	}
	return p.fromBaseTable(l)
}

func (p *MarketPricer) cached(ctx context.Context, l model.Listing) (model.MarketPrice, bool) {
	now := p.nowFunc()
	states := []string{l.State}
	if l.State != "" {
		states = append(states, "")
	}
	for _, st := range states {
		mp, err := p.store.GetMarketPrice(ctx, l.Make, l.Model, l.Year, st)
		if err != nil {
			zap.L().Warn("scorer: market cache lookup failed",
				zap.String("make", l.Make),
				zap.String("model", l.Model),
				zap.Error(err),
			)
			return model.MarketPrice{}, false
		}
		if mp != nil && mp.AvgPrice > 0 && now.Before(mp.ExpiresAt) {
			out := *mp
			out.Source = SourceCache
			return out, true
		}
	}
	return model.MarketPrice{}, false
}

func (p *MarketPricer) fromSales(ctx context.Context, l model.Listing) (model.MarketPrice, bool) {
	w := p.cfg.SalesYearWindow
	sales, err := p.store.RecentSales(ctx, l.Make, l.Model, l.Year-w, l.Year+w, p.cfg.MaxSales)
	if err != nil {
		zap.L().Warn("scorer: recent sales lookup failed",
			zap.String("make", l.Make),
			zap.String("model", l.Model),
			zap.Error(err),
		)
		return model.MarketPrice{}, false
	}

	var sum float64
	low, high := math.MaxFloat64, 0.0
	n := 0
	for _, s := range sales {
		if s.SalePrice <= 0 {
			continue
		}
		sum += s.SalePrice
		low = min(low, s.SalePrice)
		high = max(high, s.SalePrice)
		n++
	}
	if n == 0 {
		return model.MarketPrice{}, false
	}

	mp := model.MarketPrice{
		Make:       l.Make,
		Model:      l.Model,
		Year:       l.Year,
		State:      l.State,
		AvgPrice:   sum / float64(n),
		LowPrice:   low,
		HighPrice:  high,
		Samples:    n,
		Confidence: min(p.cfg.SalesConfidenceCap, float64(n)/salesPerFullTrust),
		Source:     SourceSales,
		ExpiresAt:  p.nowFunc().Add(time.Duration(p.cfg.MarketCacheTTLHours) * time.Hour),
	}
	if err := p.store.SetMarketPrice(ctx, mp); err != nil {
		zap.L().Warn("scorer: market cache write failed", zap.Error(eris.Wrap(err, "set market price")))
	}
	return mp, true
}

func (p *MarketPricer) fromBaseTable(l model.Listing) model.MarketPrice {
	base, known := p.cfg.BasePrices[strings.ToLower(l.Make)]
	conf := baseKnownConfidence
	if !known {
		base = p.cfg.DefaultBasePrice
		conf = baseUnknownConfidence
	}

	age := max(0, p.nowFunc().Year()-l.Year)
	factor := max(p.cfg.DepreciationFloor, 1-p.cfg.DepreciationPerYear*float64(age))
	avg := base * factor

	return model.MarketPrice{
		Make:       l.Make,
		Model:      l.Model,
		Year:       l.Year,
		State:      l.State,
		AvgPrice:   avg,
		LowPrice:   avg * baseRangeLow,
		HighPrice:  avg * baseRangeHigh,
		Confidence: conf,
		Source:     SourceBaseTable,
	}
}
