package scorer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/sells-group/dealerscope/internal/config"
	"github.com/sells-group/dealerscope/internal/model"
)

func newTestPricer(store MarketStore) *MarketPricer {
	p := NewMarketPricer(store, config.ScoringConfig{})
	p.nowFunc = func() time.Time { return scoreNow }
	return p
}

func TestMarketPricer_StateFallsBackToNational(t *testing.T) {
	t.Parallel()

	store := &mockMarketStore{}
	store.On("GetMarketPrice", mock.Anything, "Toyota", "Camry", 2020, "TX").Return(nil, nil)
	store.On("GetMarketPrice", mock.Anything, "Toyota", "Camry", 2020, "").Return(&model.MarketPrice{
		AvgPrice: 19_000, Samples: 12, Confidence: 0.6, Source: SourceSales, ExpiresAt: scoreNow.Add(time.Hour),
	}, nil)

	mp := newTestPricer(store).Price(context.Background(), camry())
	assert.Equal(t, SourceCache, mp.Source)
	assert.InDelta(t, 19_000, mp.AvgPrice, 0.001)
	assert.Equal(t, 12, mp.Samples)
	store.AssertExpectations(t)
}

func TestMarketPricer_ExpiredCacheDerivesFromSales(t *testing.T) {
	t.Parallel()

	store := &mockMarketStore{}
	store.On("GetMarketPrice", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&model.MarketPrice{AvgPrice: 99_999, ExpiresAt: scoreNow.Add(-time.Minute)}, nil)
	store.On("RecentSales", mock.Anything, "Toyota", "Camry", 2018, 2022, 50).Return([]model.SaleRecord{
		{SalePrice: 10_000},
		{SalePrice: 12_000},
		{SalePrice: 14_000},
		{SalePrice: 0},
	}, nil)
	store.On("SetMarketPrice", mock.Anything, mock.MatchedBy(func(mp model.MarketPrice) bool {
		return mp.Samples == 3 && mp.State == "TX" && mp.ExpiresAt.Equal(scoreNow.Add(24*time.Hour))
	})).Return(nil)

	mp := newTestPricer(store).Price(context.Background(), camry())

	assert.Equal(t, SourceSales, mp.Source)
	assert.InDelta(t, 12_000, mp.AvgPrice, 0.001)
	assert.InDelta(t, 10_000, mp.LowPrice, 0.001)
	assert.InDelta(t, 14_000, mp.HighPrice, 0.001)
	assert.InDelta(t, 0.15, mp.Confidence, 0.0001)
	store.AssertExpectations(t)
}

func TestMarketPricer_SalesConfidenceCapped(t *testing.T) {
	t.Parallel()

	sales := make([]model.SaleRecord, 40)
	for i := range sales {
		sales[i] = model.SaleRecord{SalePrice: 15_000}
	}
	store := &mockMarketStore{}
	store.On("GetMarketPrice", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, nil)
	store.On("RecentSales", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(sales, nil)
	store.On("SetMarketPrice", mock.Anything, mock.Anything).Return(errors.New("read-only"))

	mp := newTestPricer(store).Price(context.Background(), camry())
	assert.InDelta(t, 0.9, mp.Confidence, 0.0001)
	assert.Equal(t, 40, mp.Samples)
}

func TestMarketPricer_StoreErrorsFallBackToBaseTable(t *testing.T) {
	t.Parallel()

	store := &mockMarketStore{}
	store.On("GetMarketPrice", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset"))
	store.On("RecentSales", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset"))

	mp := newTestPricer(store).Price(context.Background(), camry())
	assert.Equal(t, SourceBaseTable, mp.Source)
}

func TestMarketPricer_BaseTable(t *testing.T) {
	t.Parallel()

	p := newTestPricer(nil)

	tests := []struct {
		name       string
		listing    model.Listing
		avg        float64
		confidence float64
	}{
		{"known make", model.Listing{Make: "Toyota", Year: 2020}, 25_000 * 0.6, 0.3},
		{"case insensitive", model.Listing{Make: "TOYOTA", Year: 2024}, 25_000, 0.3},
		{"unknown make", model.Listing{Make: "Saab", Year: 2019}, 20_000 * 0.5, 0.2},
		{"depreciation floor", model.Listing{Make: "Kia", Year: 2004}, 20_000 * 0.2, 0.3},
		{"future model year", model.Listing{Make: "Ford", Year: 2025}, 28_000, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mp := p.Price(context.Background(), tt.listing)
			assert.InDelta(t, tt.avg, mp.AvgPrice, 0.01)
			assert.InDelta(t, tt.avg*0.85, mp.LowPrice, 0.01)
			assert.InDelta(t, tt.avg*1.15, mp.HighPrice, 0.01)
			assert.InDelta(t, tt.confidence, mp.Confidence, 0.0001)
			assert.Zero(t, mp.Samples)
		})
	}
}
