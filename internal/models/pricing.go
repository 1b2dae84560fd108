package models

import "fmt"

// Currency ISO 4217 code.
type Currency string

// Supported currencies.
const (
	CurrencyINR Currency = "INR"
	CurrencyUSD Currency = "USD"
)

// Pricing scopes.
const (
	ScopeExpert   = "expert"
	ScopeCategory = "category"
	ScopeFallback = "fallback"
)

// PricingTier price of a session bucket for an expert or a category.
type PricingTier struct {
	Scope           string
	Key             string
	DurationMinutes int
	PriceINR        float64
	PriceUSD        float64
}

// Price returns the tier price in the given currency.
func (t PricingTier) Price(c Currency) float64 {
	if c == CurrencyINR {
		return t.PriceINR
	}

	return t.PriceUSD
}

func (t PricingTier) String() string {
	return fmt.Sprintf(
		"PricingTier(scope=%s, key=%s, minutes=%d, inr=%.2f, usd=%.2f)",
		t.Scope,
		t.Key,
		t.DurationMinutes,
		t.PriceINR,
		t.PriceUSD,
	)
}

// Rate resolved per-minute price of a call.
type Rate struct {
	PerMinute float64  `json:"perMinute"`
	Currency  Currency `json:"currency"`
	Source    string   `json:"source"`
}

func (r Rate) String() string {
	return fmt.Sprintf("Rate(perMinute=%.2f, currency=%s, source=%s)", r.PerMinute, r.Currency, r.Source)
}

// Wallet prepaid balance of a user.
type Wallet struct {
	UserID   string
	Country  string
	Currency Currency
	Balance  float64
}

// Charge shortfall handed to the payment provider.
type Charge struct {
	ID        string   `json:"paymentId"`
	OrderID   string   `json:"orderId"`
	SessionID string   `json:"sessionId"`
	UserID    string   `json:"userId"`
	Amount    float64  `json:"amount"`
	Currency  Currency `json:"currency"`
}
