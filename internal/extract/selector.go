package extract

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/sells-group/dealerscope/internal/model"
)

// Confidence assigned by the kind of structural evidence found.
const (
	ConfidenceClusterRule = 0.9
	ConfidenceMarkup      = 0.75
	ConfidenceLabel       = 0.6
)

// Rule is a CSS selector and optional attribute to read instead of text.
type Rule struct {
	Selector string `json:"selector" yaml:"selector"`
	Attr     string `json:"attr,omitempty" yaml:"attr"`
}

// RuleSet maps fields to the rules tried in order.
type RuleSet map[model.Field][]Rule

var itemprops = map[model.Field][]string{
	model.FieldPrice:      {"price"},
	model.FieldYear:       {"vehicleModelDate", "modelDate", "productionDate"},
	model.FieldMake:       {"brand", "manufacturer"},
	model.FieldModel:      {"model"},
	model.FieldTrim:       {"vehicleConfiguration"},
	model.FieldMileage:    {"mileageFromOdometer"},
	model.FieldVIN:        {"vehicleIdentificationNumber", "vin"},
	model.FieldLocation:   {"addressLocality", "availableAtOrFrom"},
	model.FieldState:      {"addressRegion"},
	model.FieldAuctionEnd: {"availabilityEnds", "priceValidUntil"},
}

var labels = map[model.Field][]string{
	model.FieldPrice:       {"current bid", "high bid", "winning bid", "price", "bid", "starting bid"},
	model.FieldYear:        {"year", "model year"},
	model.FieldMake:        {"make", "manufacturer"},
	model.FieldModel:       {"model"},
	model.FieldTrim:        {"trim", "series", "style"},
	model.FieldMileage:     {"mileage", "odometer", "miles", "odometer reading"},
	model.FieldVIN:         {"vin", "vin #", "vin number", "vehicle identification number"},
	model.FieldLocation:    {"location", "city", "item location", "pickup location"},
	model.FieldState:       {"state"},
	model.FieldTitleStatus: {"title", "title status", "title type", "title brand"},
	model.FieldAuctionEnd:  {"auction ends", "auction end", "end time", "ends", "closes", "closing date", "close date"},
}

// SelectorStrategy is the structural tier. It tries, in order, rules
// registered for the page's cluster, the site's configured selectors,
// data-field and itemprop markup, JSON-LD, and label/value tables.
type SelectorStrategy struct {
	mu       sync.RWMutex
	clusters map[string]RuleSet
}

// NewSelectorStrategy creates an empty rule registry.
func NewSelectorStrategy() *SelectorStrategy {
	return &SelectorStrategy{clusters: make(map[string]RuleSet)}
}

// Register adds rules for field on pages of clusterID.
func (s *SelectorStrategy) Register(clusterID string, field model.Field, rules ...Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.clusters[clusterID]
	if !ok {
		rs = make(RuleSet)
		s.clusters[clusterID] = rs
	}
	rs[field] = append(rs[field], rules...)
}

func (s *SelectorStrategy) clusterRules(clusterID string, field model.Field) []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.clusters[clusterID][field])
}

func (s *SelectorStrategy) Strategy() model.ExtractionStrategy { return model.StrategySelector }
func (s *SelectorStrategy) Version() string                    { return "selector-v1" }

// Extract resolves field from the page structure.
func (s *SelectorStrategy) Extract(_ context.Context, page *Page, field model.Field) (Candidate, error) {
	doc, err := page.Doc()
	if err != nil {
		return Candidate{}, err
	}

	rules := s.clusterRules(page.ClusterID, field)
	if sel, ok := page.Site.Selectors[field]; ok && sel != "" {
		rules = append(rules, Rule{Selector: sel})
	}
	for _, r := range rules {
		if v, ok := applyRule(doc, r, field); ok {
			return Candidate{Value: v, Confidence: ConfidenceClusterRule}, nil
		}
	}

	if v, ok := fromMarkup(doc, field); ok {
		return Candidate{Value: v, Confidence: ConfidenceMarkup}, nil
	}
	if v, ok := fromJSONLD(doc, field); ok {
		return Candidate{Value: v, Confidence: ConfidenceMarkup}, nil
	}
	if v, ok := fromLabels(doc, field); ok {
		return Candidate{Value: v, Confidence: ConfidenceLabel}, nil
	}
	return Candidate{}, nil
}

func applyRule(doc *goquery.Document, r Rule, field model.Field) (string, bool) {
	var found string
	var ok bool
	doc.Find(r.Selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		raw := sel.Text()
		if r.Attr != "" {
			raw, _ = sel.Attr(r.Attr)
		}
		found, ok = NormalizeValue(field, raw)
		return !ok
	})
	return found, ok
}

func fromMarkup(doc *goquery.Document, field model.Field) (string, bool) {
	if v, ok := applyRule(doc, Rule{Selector: `[data-field="` + string(field) + `"]`}, field); ok {
		return v, true
	}
	for _, prop := range itemprops[field] {
		sel := `[itemprop="` + prop + `"]`
		if v, ok := applyRule(doc, Rule{Selector: "meta" + sel, Attr: "content"}, field); ok {
			return v, true
		}
		if v, ok := applyRule(doc, Rule{Selector: "time" + sel, Attr: "datetime"}, field); ok {
			return v, true
		}
		if v, ok := applyRule(doc, Rule{Selector: sel}, field); ok {
			return v, true
		}
	}
	return "", false
}

func fromLabels(doc *goquery.Document, field model.Field) (string, bool) {
	want := labels[field]
	var found string
	var ok bool

	match := func(label string) bool {
		label = strings.ToLower(strings.TrimRight(collapse(label), ":# "))
		for _, w := range want {
			if label == w {
				return true
			}
		}
		return false
	}

	doc.Find("tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		cells := row.Children()
		if cells.Length() < 2 || !match(cells.First().Text()) {
			return true
		}
		found, ok = NormalizeValue(field, cells.Eq(1).Text())
		return !ok
	})
	if ok {
		return found, true
	}

	doc.Find("dt").EachWithBreak(func(_ int, dt *goquery.Selection) bool {
		if !match(dt.Text()) {
			return true
		}
		found, ok = NormalizeValue(field, dt.NextFiltered("dd").Text())
		return !ok
	})
	return found, ok
}

var jsonLDTypes = map[string]bool{
	"vehicle": true, "car": true, "motorizedbicycle": true, "product": true, "individualproduct": true,
}

func fromJSONLD(doc *goquery.Document, field model.Field) (string, bool) {
	var found string
	var ok bool
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		var raw any
		if err := json.Unmarshal([]byte(sel.Text()), &raw); err != nil {
			zap.L().Debug("extract: skipping malformed json-ld", zap.Error(err))
			return true
		}
		for _, obj := range jsonLDObjects(raw) {
			if !isVehicleType(obj["@type"]) {
				continue
			}
			for _, path := range jsonLDPaths(field) {
				if v, exists := lookupPath(obj, path); exists {
					if found, ok = NormalizeValue(field, v); ok {
						return false
					}
				}
			}
		}
		return true
	})
	return found, ok
}

func jsonLDObjects(raw any) []map[string]any {
	var out []map[string]any
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			out = append(out, jsonLDObjects(item)...)
		}
	case map[string]any:
		out = append(out, v)
		if graph, ok := v["@graph"]; ok {
			out = append(out, jsonLDObjects(graph)...)
		}
	}
	return out
}

func isVehicleType(t any) bool {
	switch v := t.(type) {
	case string:
		return jsonLDTypes[strings.ToLower(v)]
	case []any:
		for _, item := range v {
			if isVehicleType(item) {
				return true
			}
		}
	}
	return false
}

func jsonLDPaths(field model.Field) [][]string {
	switch field {
	case model.FieldPrice:
		return [][]string{{"offers", "price"}, {"offers", "lowPrice"}, {"price"}}
	case model.FieldYear:
		return [][]string{{"vehicleModelDate"}, {"modelDate"}, {"productionDate"}}
	case model.FieldMake:
		return [][]string{{"brand"}, {"manufacturer"}}
	case model.FieldModel:
		return [][]string{{"model"}}
	case model.FieldTrim:
		return [][]string{{"vehicleConfiguration"}}
	case model.FieldMileage:
		return [][]string{{"mileageFromOdometer"}}
	case model.FieldVIN:
		return [][]string{{"vehicleIdentificationNumber"}, {"vin"}, {"sku"}}
	case model.FieldLocation:
		return [][]string{{"offers", "availableAtOrFrom", "address", "addressLocality"}}
	case model.FieldState:
		return [][]string{{"offers", "availableAtOrFrom", "address", "addressRegion"}}
	case model.FieldAuctionEnd:
		return [][]string{{"offers", "availabilityEnds"}, {"offers", "priceValidUntil"}}
	}
	return nil
}

// lookupPath walks nested objects. Objects at the leaf resolve through
// their "name" or "value" key; arrays use their first element.
func lookupPath(obj map[string]any, path []string) (string, bool) {
	var cur any = obj
	for _, key := range path {
		cur = first(cur)
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		if cur, ok = m[key]; !ok {
			return "", false
		}
	}
	return scalar(first(cur))
}

func first(v any) any {
	if arr, ok := v.([]any); ok && len(arr) > 0 {
		return arr[0]
	}
	return v
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		b, _ := json.Marshal(t)
		return string(b), true
	case map[string]any:
		for _, k := range []string{"name", "value"} {
			if inner, ok := t[k]; ok {
				return scalar(inner)
			}
		}
	}
	return "", false
}
