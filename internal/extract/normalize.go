package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/dealerscope/internal/model"
)

var (
	numberRe   = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)
	yearRe     = regexp.MustCompile(`\b(19[0-9]{2}|20[0-9]{2})\b`)
	vinRe      = regexp.MustCompile(`^[A-HJ-NPR-Z0-9]{17}$`)
	stateTail  = regexp.MustCompile(`,\s*([A-Za-z]{2})(?:\s+\d{5}(?:-\d{4})?)?\s*$`)
)

// makeAliases maps common shorthand to the canonical make.
var makeAliases = map[string]string{
	"chevy":         "Chevrolet",
	"vw":            "Volkswagen",
	"mercedes":      "Mercedes-Benz",
	"mercedes benz": "Mercedes-Benz",
	"mercedes-benz": "Mercedes-Benz",
	"bmw":           "BMW",
	"gmc":           "GMC",
	"ram":           "RAM",
}

var usStates = map[string]string{
	"alabama": "AL", "alaska": "AK", "arizona": "AZ", "arkansas": "AR", "california": "CA",
	"colorado": "CO", "connecticut": "CT", "delaware": "DE", "district of columbia": "DC",
	"florida": "FL", "georgia": "GA", "hawaii": "HI", "idaho": "ID", "illinois": "IL",
	"indiana": "IN", "iowa": "IA", "kansas": "KS", "kentucky": "KY", "louisiana": "LA",
	"maine": "ME", "maryland": "MD", "massachusetts": "MA", "michigan": "MI", "minnesota": "MN",
	"mississippi": "MS", "missouri": "MO", "montana": "MT", "nebraska": "NE", "nevada": "NV",
	"new hampshire": "NH", "new jersey": "NJ", "new mexico": "NM", "new york": "NY",
	"north carolina": "NC", "north dakota": "ND", "ohio": "OH", "oklahoma": "OK", "oregon": "OR",
	"pennsylvania": "PA", "rhode island": "RI", "south carolina": "SC", "south dakota": "SD",
	"tennessee": "TN", "texas": "TX", "utah": "UT", "vermont": "VT", "virginia": "VA",
	"washington": "WA", "west virginia": "WV", "wisconsin": "WI", "wyoming": "WY",
}

var stateCodes = func() map[string]bool {
	m := make(map[string]bool, len(usStates))
	for _, code := range usStates {
		m[code] = true
	}
	return m
}()

var auctionEndLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"01/02/2006 15:04",
	"01/02/2006 3:04 PM",
	"01/02/2006 3:04PM",
	"Jan 2, 2006 3:04 PM",
	"January 2, 2006 3:04 PM",
	"Jan 2, 2006",
	"January 2, 2006",
	"2006-01-02",
	"01/02/2006",
}

// NormalizeValue converts a raw extracted string into the canonical form
// for field. It returns false when raw is not a plausible value.
func NormalizeValue(field model.Field, raw string) (string, bool) {
	raw = collapse(raw)
	if raw == "" {
		return "", false
	}

	switch field {
	case model.FieldPrice:
		v, ok := parseAmount(raw)
		if !ok || v <= 0 {
			return "", false
		}
		return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64), true

	case model.FieldYear:
		m := yearRe.FindString(raw)
		if m == "" {
			return "", false
		}
		y, _ := strconv.Atoi(m)
		if y < 1950 || y > time.Now().Year()+1 {
			return "", false
		}
		return m, true

	case model.FieldMake:
		return NormalizeMake(raw), true

	case model.FieldModel:
		if strings.ToLower(raw) == raw {
			return cases.Title(language.English).String(raw), true
		}
		return raw, true

	case model.FieldMileage:
		v, ok := parseMileage(raw)
		if !ok {
			return "", false
		}
		return strconv.Itoa(v), true

	case model.FieldVIN:
		v := strings.ToUpper(strings.NewReplacer(" ", "", "-", "").Replace(raw))
		if !vinRe.MatchString(v) {
			return "", false
		}
		return v, true

	case model.FieldState:
		return NormalizeState(raw)

	case model.FieldTitleStatus:
		return normalizeTitle(raw)

	case model.FieldAuctionEnd:
		t, ok := parseAuctionEnd(raw)
		if !ok {
			return "", false
		}
		return t.UTC().Format(time.RFC3339), true

	default:
		return raw, true
	}
}

// NormalizeMake title-cases a make and resolves common aliases.
func NormalizeMake(raw string) string {
	key := cases.Fold().String(collapse(raw))
	if canon, ok := makeAliases[key]; ok {
		return canon
	}
	return cases.Title(language.English).String(key)
}

// NormalizeState returns a two-letter code from a code, a full state name,
// or a trailing ", ST 12345" in an address.
func NormalizeState(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if len(s) == 2 {
		code := strings.ToUpper(s)
		return code, stateCodes[code]
	}
	if code, ok := usStates[strings.ToLower(s)]; ok {
		return code, true
	}
	if m := stateTail.FindStringSubmatch(s); m != nil {
		code := strings.ToUpper(m[1])
		return code, stateCodes[code]
	}
	return "", false
}

func normalizeTitle(raw string) (string, bool) {
	s := strings.ToLower(raw)
	switch {
	case strings.Contains(s, "salvage"):
		return model.TitleSalvage, true
	case strings.Contains(s, "rebuilt"), strings.Contains(s, "reconstructed"):
		return model.TitleRebuilt, true
	case strings.Contains(s, "flood"):
		return model.TitleFlood, true
	case strings.Contains(s, "lemon"), strings.Contains(s, "buyback"):
		return model.TitleLemon, true
	case strings.Contains(s, "clean"), strings.Contains(s, "clear"):
		return model.TitleClean, true
	}
	return "", false
}

func parseAmount(raw string) (float64, bool) {
	m := numberRe.FindString(raw)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseMileage(raw string) (int, bool) {
	loc := numberRe.FindStringIndex(raw)
	if loc == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(raw[loc[0]:loc[1]], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	rest := strings.ToLower(strings.TrimSpace(raw[loc[1]:]))
	if strings.HasPrefix(rest, "k") && !strings.HasPrefix(rest, "km") {
		v *= 1000
	}
	if v > 2_000_000 {
		return 0, false
	}
	return int(math.Round(v)), true
}

func parseAuctionEnd(raw string) (time.Time, bool) {
	s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "UTC"))
	for _, layout := range auctionEndLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
