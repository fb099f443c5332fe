package transport

import (
	"time"

	"github.com/google/uuid"
)

// Selections is the structured input the calculator prices.
type Selections struct {
	PrimaryType string     `json:"primaryType"`
	Features    []string   `json:"features,omitempty"`
	Rush        bool       `json:"rush"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// LineItem is one labeled amount of a quote breakdown.
type LineItem struct {
	Code        string `json:"code"`
	Label       string `json:"label"`
	AmountCents int64  `json:"amountCents"`
	Display     string `json:"display"`
}

// QuoteResult is an issued price. Amounts are minor currency units and
// Total always equals Base + Addons + RushFee.
type QuoteResult struct {
	PricingVersion string     `json:"pricingVersion"`
	Currency       string     `json:"currency"`
	PrimaryType    string     `json:"primaryType"`
	AsOf           time.Time  `json:"asOf"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	RushApplied    bool       `json:"rushApplied"`
	Base           int64      `json:"base"`
	Addons         int64      `json:"addons"`
	RushFee        int64      `json:"rushFee"`
	Total          int64      `json:"total"`
	Deposit        int64      `json:"deposit"`
	TotalDisplay   string     `json:"totalDisplay"`
	DepositDisplay string     `json:"depositDisplay"`
	Breakdown      []LineItem `json:"breakdown"`
}

// ── Requests ──────────────────────────────────────────────────────────────────

// ComputeQuoteRequest is the request body for pricing a selection set.
type ComputeQuoteRequest struct {
	PrimaryType    string     `json:"primaryType" validate:"required,max=100"`
	Features       []string   `json:"features" validate:"omitempty,max=50,dive,required,max=100"`
	Rush           bool       `json:"rush"`
	Deadline       *time.Time `json:"deadline"`
	AsOf           *time.Time `json:"asOf"`
	PricingVersion string     `json:"pricingVersion" validate:"omitempty,max=20"`
}

// Selections converts the request into calculator input.
func (r ComputeQuoteRequest) Selections() Selections {
	return Selections{
		PrimaryType: r.PrimaryType,
		Features:    r.Features,
		Rush:        r.Rush,
		Deadline:    r.Deadline,
	}
}

// ── Responses ─────────────────────────────────────────────────────────────────

// AttachQuoteResponse is returned after a quote is priced and attached.
type AttachQuoteResponse struct {
	EntityID uuid.UUID   `json:"entityId"`
	Kind     string      `json:"kind"`
	Quote    QuoteResult `json:"quote"`
}

// RateCardsResponse lists known pricing versions.
type RateCardsResponse struct {
	Current  string            `json:"current"`
	Versions map[string]string `json:"versions"`
}
