// Package scorer turns extracted listings into deal metrics and decides
// which of them become opportunities.
package scorer

import (
	"fmt"
	"maps"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dealerscope/internal/config"
	"github.com/sells-group/dealerscope/internal/model"
)

// DefaultScoringConfig returns a config.ScoringConfig with the policy
// values scoring was tuned against.
func DefaultScoringConfig() config.ScoringConfig {
	return config.ScoringConfig{
		// Materialization thresholds.
		MinROI:        15,
		MinProfit:     3000,
		MaxRisk:       70,
		MinConfidence: 40,
		HotROI:        25,
		HotMaxRisk:    40,
		GoodROI:       20,
		GoodMaxRisk:   50,

		// Market reference.
		MarketCacheTTLHours: 24,
		SalesYearWindow:     2,
		MaxSales:            50,
		SalesConfidenceCap:  0.9,

		BasePrices: map[string]float64{
			"toyota":        25000,
			"honda":         24000,
			"ford":          28000,
			"chevrolet":     27000,
			"nissan":        22000,
			"bmw":           40000,
			"mercedes-benz": 45000,
			"audi":          38000,
			"dodge":         26000,
			"jeep":          30000,
			"ram":           35000,
			"gmc":           34000,
			"subaru":        25000,
			"hyundai":       21000,
			"kia":           20000,
			"volkswagen":    23000,
			"lexus":         42000,
			"tesla":         45000,
		},
		DefaultBasePrice:    20000,
		DepreciationPerYear: 0.10,
		DepreciationFloor:   0.2,
		MileagePenaltyPer1K: 0.002,
		MileageFloor:        0.4,
		TitleMultipliers: map[string]float64{
			model.TitleSalvage: 0.6,
			model.TitleRebuilt: 0.8,
			model.TitleFlood:   0.5,
			model.TitleLemon:   0.7,
		},
		TitleRisk: map[string]float64{
			model.TitleSalvage: 30,
			model.TitleFlood:   35,
			model.TitleRebuilt: 15,
			model.TitleLemon:   25,
		},

		// Transport bands: base + rate·value.
		LowCostTransport: config.TransportBand{
			States: []string{"TX", "OK", "AR", "LA", "MS", "AL", "GA", "TN"},
			Base:   200,
			Rate:   0.01,
		},
		RustBeltTransport: config.TransportBand{
			States: []string{"MI", "OH", "PA", "NY", "IL", "IN", "WI", "MN"},
			Base:   400,
			Rate:   0.02,
		},
		DefaultTransport: config.TransportBand{Base: 300, Rate: 0.015},
		RustBeltRisk:     10,
		RemoteStates:     []string{"AK", "HI", "MT", "WY", "ND", "SD"},
		RemoteStateRisk:  5,
	}
}

// withDefaults fills every zero-valued field of c from DefaultScoringConfig.
func withDefaults(c config.ScoringConfig) config.ScoringConfig {
	d := DefaultScoringConfig()
	setf := func(v *float64, def float64) {
		if *v == 0 {
			*v = def
		}
	}
	seti := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}

	setf(&c.MinROI, d.MinROI)
	setf(&c.MinProfit, d.MinProfit)
	setf(&c.MaxRisk, d.MaxRisk)
	setf(&c.MinConfidence, d.MinConfidence)
	setf(&c.HotROI, d.HotROI)
	setf(&c.HotMaxRisk, d.HotMaxRisk)
	setf(&c.GoodROI, d.GoodROI)
	setf(&c.GoodMaxRisk, d.GoodMaxRisk)
	seti(&c.MarketCacheTTLHours, d.MarketCacheTTLHours)
	seti(&c.SalesYearWindow, d.SalesYearWindow)
	seti(&c.MaxSales, d.MaxSales)
	setf(&c.SalesConfidenceCap, d.SalesConfidenceCap)
	setf(&c.DefaultBasePrice, d.DefaultBasePrice)
	setf(&c.DepreciationPerYear, d.DepreciationPerYear)
	setf(&c.DepreciationFloor, d.DepreciationFloor)
	setf(&c.MileagePenaltyPer1K, d.MileagePenaltyPer1K)
	setf(&c.MileageFloor, d.MileageFloor)
	setf(&c.RustBeltRisk, d.RustBeltRisk)
	setf(&c.RemoteStateRisk, d.RemoteStateRisk)

	if len(c.BasePrices) == 0 {
		c.BasePrices = d.BasePrices
	} else {
		c.BasePrices = lowerKeys(c.BasePrices)
	}
	if len(c.TitleMultipliers) == 0 {
		c.TitleMultipliers = d.TitleMultipliers
	}
	if len(c.TitleRisk) == 0 {
		c.TitleRisk = d.TitleRisk
	}
	if len(c.LowCostTransport.States) == 0 && c.LowCostTransport.Base == 0 {
		c.LowCostTransport = d.LowCostTransport
	}
	if len(c.RustBeltTransport.States) == 0 && c.RustBeltTransport.Base == 0 {
		c.RustBeltTransport = d.RustBeltTransport
	}
	if c.DefaultTransport.Base == 0 && c.DefaultTransport.Rate == 0 {
		c.DefaultTransport = d.DefaultTransport
	}
	if len(c.RemoteStates) == 0 {
		c.RemoteStates = d.RemoteStates
	}
	return c
}

func lowerKeys(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

// ValidateConfig checks that a ScoringConfig is internally consistent.
// It expects defaults to have been applied.
func ValidateConfig(c config.ScoringConfig) error {
	var errs []string

	if c.MinConfidence < 0 || c.MinConfidence > 100 {
		errs = append(errs, fmt.Sprintf("min_confidence (%.0f) must be within [0, 100]", c.MinConfidence))
	}
	for name, risk := range map[string]float64{
		"max_risk":      c.MaxRisk,
		"hot_max_risk":  c.HotMaxRisk,
		"good_max_risk": c.GoodMaxRisk,
	} {
		if risk < 0 || risk > 100 {
			errs = append(errs, fmt.Sprintf("%s (%.0f) must be within [0, 100]", name, risk))
		}
	}

	// Tags are only meaningful when stricter than the base gate.
	if c.HotROI < c.GoodROI {
		errs = append(errs, fmt.Sprintf("hot_roi (%.1f) must be >= good_roi (%.1f)", c.HotROI, c.GoodROI))
	}
	if c.GoodROI < c.MinROI {
		errs = append(errs, fmt.Sprintf("good_roi (%.1f) must be >= min_roi (%.1f)", c.GoodROI, c.MinROI))
	}
	if c.HotMaxRisk > c.GoodMaxRisk {
		errs = append(errs, fmt.Sprintf("hot_max_risk (%.0f) must be <= good_max_risk (%.0f)", c.HotMaxRisk, c.GoodMaxRisk))
	}

	if c.SalesConfidenceCap <= 0 || c.SalesConfidenceCap > 1 {
		errs = append(errs, "sales_confidence_cap must be within (0, 1]")
	}
	if c.DepreciationFloor <= 0 || c.DepreciationFloor > 1 {
		errs = append(errs, "depreciation_floor must be within (0, 1]")
	}
	if c.MileageFloor <= 0 || c.MileageFloor > 1 {
		errs = append(errs, "mileage_floor must be within (0, 1]")
	}
	for status, mult := range c.TitleMultipliers {
		if mult <= 0 || mult > 1 {
			errs = append(errs, fmt.Sprintf("title_multipliers[%s] (%.2f) must be within (0, 1]", status, mult))
		}
	}
	for mk, price := range c.BasePrices {
		if price <= 0 {
			errs = append(errs, fmt.Sprintf("base_prices[%s] must be > 0", mk))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// cloneConfig copies the maps of c so callers cannot mutate engine state.
func cloneConfig(c config.ScoringConfig) config.ScoringConfig {
	c.BasePrices = maps.Clone(c.BasePrices)
	c.TitleMultipliers = maps.Clone(c.TitleMultipliers)
	c.TitleRisk = maps.Clone(c.TitleRisk)
	return c
}
