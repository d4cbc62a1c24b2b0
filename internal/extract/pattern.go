package extract

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/sells-group/dealerscope/internal/model"
)

// PatternConfidenceCap bounds what the pattern model may claim.
const PatternConfidenceCap = 0.85

// feature proposes values for a field from page text or title.
type feature struct {
	weight float64
	find   func(page *Page) []string
}

// PatternModel is the learned-model tier. The default implementation is a
// weighted pattern scorer: each feature votes for candidate values and the
// best-supported value wins, with agreement between features raising
// confidence.
type PatternModel struct {
	features map[model.Field][]feature
}

// KnownMakes is the make dictionary used by the pattern model.
var KnownMakes = []string{
	"Acura", "Audi", "BMW", "Buick", "Cadillac", "Chevrolet", "Chevy", "Chrysler", "Dodge",
	"Ford", "GMC", "Honda", "Hyundai", "Infiniti", "International", "Isuzu", "Jeep", "Kia",
	"Land Rover", "Lexus", "Lincoln", "Mazda", "Mercedes-Benz", "Mercedes", "Mercury",
	"Mitsubishi", "Nissan", "Pontiac", "Porsche", "Ram", "Saturn", "Subaru", "Tesla",
	"Toyota", "Volkswagen", "VW", "Volvo", "Freightliner",
}

var (
	makeAlt     = makeAlternation()
	ymmRe       = regexp.MustCompile(`(?i)\b(19[5-9]\d|20[0-3]\d)\s+(` + makeAlt + `)\s+([A-Za-z0-9][A-Za-z0-9\-]*)`)
	makeWordRe  = regexp.MustCompile(`(?i)\b(` + makeAlt + `)\b`)
	vinTextRe   = regexp.MustCompile(`\b[A-HJ-NPR-Z0-9]{17}\b`)
	bidRe       = regexp.MustCompile(`(?i)\b(?:current bid|high bid|winning bid|bid|price|sold for)\b[^$\d]{0,20}\$\s?(\d[\d,]*(?:\.\d{2})?)`)
	dollarRe    = regexp.MustCompile(`\$\s?(\d{1,3}(?:,\d{3})+|\d{3,6})(?:\.\d{2})?`)
	milesRe     = regexp.MustCompile(`(?i)\b(\d[\d,]{0,8})\s*(?:miles|mi\.?)\b`)
	odometerRe  = regexp.MustCompile(`(?i)(?:odometer|mileage)[^\d]{0,15}(\d[\d,]{0,8})`)
	zipStateRe  = regexp.MustCompile(`,\s*([A-Z]{2})\s+\d{5}\b`)
	cityStateRe = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s[A-Z][a-z]+)?),\s*([A-Z]{2})\b`)
	locationRe  = regexp.MustCompile(`(?i)location\s*:?\s*([A-Za-z][A-Za-z .'\-]+,\s*[A-Za-z]{2})\b`)
	titleRe     = regexp.MustCompile(`(?i)title(?:\s+status|\s+type|\s+brand)?\s*:?\s*(clean|clear|salvage|rebuilt|reconstructed|flood|lemon|buyback)`)
	brandRe     = regexp.MustCompile(`(?i)\b(salvage|rebuilt|flood[- ]damaged|lemon law)\b`)
	endsRe      = regexp.MustCompile(`(?i)(?:auction ends|ends|closes|closing|end time)\s*:?\s*(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}(?::\d{2})?(?:Z|[+\-]\d{2}:\d{2})?|\d{1,2}/\d{1,2}/\d{4}(?:\s+\d{1,2}:\d{2}\s?(?:AM|PM)?)?)`)
)

func makeAlternation() string {
	sorted := append([]string(nil), KnownMakes...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	quoted := make([]string, len(sorted))
	for i, m := range sorted {
		quoted[i] = regexp.QuoteMeta(m)
	}
	return strings.Join(quoted, "|")
}

func textGroup(re *regexp.Regexp, group int) func(*Page) []string {
	return func(p *Page) []string { return submatches(re, p.Text(), group) }
}

func titleGroup(re *regexp.Regexp, group int) func(*Page) []string {
	return func(p *Page) []string { return submatches(re, p.Title(), group) }
}

func submatches(re *regexp.Regexp, s string, group int) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(s, 5) {
		out = append(out, m[group])
	}
	return out
}

// NewPatternModel creates the default weighted pattern scorer.
func NewPatternModel() *PatternModel {
	return &PatternModel{features: map[model.Field][]feature{
		model.FieldVIN: {
			{weight: 0.8, find: func(p *Page) []string {
				var out []string
				for _, v := range vinTextRe.FindAllString(p.Text(), 5) {
					if ValidVINCheckDigit(v) {
						out = append(out, v)
					}
				}
				return out
			}},
			{weight: 0.4, find: func(p *Page) []string { return vinTextRe.FindAllString(p.Text(), 5) }},
		},
		model.FieldYear: {
			{weight: 0.7, find: titleGroup(ymmRe, 1)},
			{weight: 0.55, find: textGroup(ymmRe, 1)},
		},
		model.FieldMake: {
			{weight: 0.7, find: titleGroup(ymmRe, 2)},
			{weight: 0.55, find: textGroup(ymmRe, 2)},
			{weight: 0.35, find: titleGroup(makeWordRe, 1)},
		},
		model.FieldModel: {
			{weight: 0.65, find: titleGroup(ymmRe, 3)},
			{weight: 0.5, find: textGroup(ymmRe, 3)},
		},
		model.FieldPrice: {
			{weight: 0.7, find: textGroup(bidRe, 1)},
			{weight: 0.35, find: textGroup(dollarRe, 1)},
		},
		model.FieldMileage: {
			{weight: 0.65, find: textGroup(odometerRe, 1)},
			{weight: 0.6, find: textGroup(milesRe, 1)},
		},
		model.FieldState: {
			{weight: 0.6, find: textGroup(zipStateRe, 1)},
			{weight: 0.4, find: textGroup(cityStateRe, 2)},
		},
		model.FieldLocation: {
			{weight: 0.6, find: textGroup(locationRe, 1)},
			{weight: 0.35, find: textGroup(cityStateRe, 0)},
		},
		model.FieldTitleStatus: {
			{weight: 0.65, find: textGroup(titleRe, 1)},
			{weight: 0.4, find: textGroup(brandRe, 1)},
		},
		model.FieldAuctionEnd: {
			{weight: 0.6, find: textGroup(endsRe, 1)},
		},
	}}
}

func (m *PatternModel) Strategy() model.ExtractionStrategy { return model.StrategyModel }
func (m *PatternModel) Version() string                    { return "pattern-v1" }

// Extract scores candidate values for field. The winning value's
// confidence is its strongest feature weight plus 0.1 for every other
// feature that agrees, capped at PatternConfidenceCap.
func (m *PatternModel) Extract(_ context.Context, page *Page, field model.Field) (Candidate, error) {
	if _, err := page.Doc(); err != nil {
		return Candidate{}, err
	}

	type vote struct {
		best   float64
		agrees int
		seq    int
	}
	votes := make(map[string]*vote)
	for _, f := range m.features[field] {
		seen := make(map[string]bool)
		for _, raw := range f.find(page) {
			v, ok := NormalizeValue(field, raw)
			if !ok || seen[v] {
				continue
			}
			seen[v] = true
			cur, exists := votes[v]
			if !exists {
				cur = &vote{seq: len(votes)}
				votes[v] = cur
			}
			cur.agrees++
			cur.best = max(cur.best, f.weight)
		}
	}

	// Ties go to the value discovered first.
	var winner string
	var best float64
	bestSeq := -1
	for v, vt := range votes {
		conf := min(PatternConfidenceCap, vt.best+0.1*float64(vt.agrees-1))
		if conf > best || (conf == best && vt.seq < bestSeq) {
			winner, best, bestSeq = v, conf, vt.seq
		}
	}
	if winner == "" {
		return Candidate{}, nil
	}
	return Candidate{Value: winner, Confidence: best}, nil
}

var vinTranslit = map[rune]int{
	'A': 1, 'B': 2, 'C': 3, 'D': 4, 'E': 5, 'F': 6, 'G': 7, 'H': 8,
	'J': 1, 'K': 2, 'L': 3, 'M': 4, 'N': 5, 'P': 7, 'R': 9,
	'S': 2, 'T': 3, 'U': 4, 'V': 5, 'W': 6, 'X': 7, 'Y': 8, 'Z': 9,
}

var vinWeights = [17]int{8, 7, 6, 5, 4, 3, 2, 10, 0, 9, 8, 7, 6, 5, 4, 3, 2}

// ValidVINCheckDigit verifies the North American position-9 check digit.
func ValidVINCheckDigit(vin string) bool {
	if len(vin) != 17 {
		return false
	}
	sum := 0
	for i, r := range strings.ToUpper(vin) {
		var v int
		switch {
		case r >= '0' && r <= '9':
			v = int(r - '0')
		default:
			var ok bool
			if v, ok = vinTranslit[r]; !ok {
				return false
			}
		}
		sum += v * vinWeights[i]
	}
	check := sum % 11
	want := byte('0' + check)
	if check == 10 {
		want = 'X'
	}
	return strings.ToUpper(vin)[8] == want
}
