package pricing

import (
	"strings"

	"github.com/rtcheap/call-manager/internal/models"
	"golang.org/x/text/language"
)

var (
	india = language.MustParseRegion("IN")

	indianTimezones = map[string]bool{
		"asia/kolkata":  true,
		"asia/calcutta": true,
	}

	indicLanguages = map[string]bool{
		"as": true,
		"bn": true,
		"gu": true,
		"hi": true,
		"kn": true,
		"ml": true,
		"mr": true,
		"or": true,
		"pa": true,
		"ta": true,
		"te": true,
	}
)

// Locale the hints used to pick a currency for a user.
type Locale struct {
	// Country stored on the profile of an authenticated user.
	Country   string   `json:"country,omitempty"`
	Timezone  string   `json:"timezone,omitempty"`
	Languages []string `json:"locales,omitempty"`
}

// ResolveCurrency picks the billing currency of a user. A known profile country
// wins, otherwise the timezone and locale tags of the client are used.
func ResolveCurrency(l Locale) models.Currency {
	if country := strings.TrimSpace(l.Country); country != "" {
		if isIndia(country) {
			return models.CurrencyINR
		}
		return models.CurrencyUSD
	}

	if indianTimezones[strings.ToLower(strings.TrimSpace(l.Timezone))] {
		return models.CurrencyINR
	}

	for _, tag := range l.Languages {
		if isIndicLocale(tag) {
			return models.CurrencyINR
		}
	}

	return models.CurrencyUSD
}

func isIndia(country string) bool {
	switch strings.ToLower(country) {
	case "in", "ind", "india":
		return true
	default:
		return false
	}
}

func isIndicLocale(s string) bool {
	tag, err := language.Parse(strings.ReplaceAll(strings.TrimSpace(s), "_", "-"))
	if err != nil {
		return false
	}

	base, _ := tag.Base()
	if indicLanguages[base.String()] {
		return true
	}

	region, conf := tag.Region()
	return conf == language.Exact && region == india
}
