package scorer

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/dealerscope/internal/model"
)

// --- MarketStore Mock ---

type mockMarketStore struct {
	mock.Mock
}

func (m *mockMarketStore) GetMarketPrice(ctx context.Context, vehicleMake, vehicleModel string, year int, state string) (*model.MarketPrice, error) {
	args := m.Called(ctx, vehicleMake, vehicleModel, year, state)
	mp, _ := args.Get(0).(*model.MarketPrice)
	return mp, args.Error(1)
}

func (m *mockMarketStore) SetMarketPrice(ctx context.Context, price model.MarketPrice) error {
	return m.Called(ctx, price).Error(0)
}

func (m *mockMarketStore) RecentSales(ctx context.Context, vehicleMake, vehicleModel string, minYear, maxYear, limit int) ([]model.SaleRecord, error) {
	args := m.Called(ctx, vehicleMake, vehicleModel, minYear, maxYear, limit)
	sales, _ := args.Get(0).([]model.SaleRecord)
	return sales, args.Error(1)
}
