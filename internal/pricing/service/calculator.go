package service

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"lifecycle_backend/internal/pricing/transport"
	"lifecycle_backend/platform/apperr"

	"github.com/Rhymond/go-money"
	"gopkg.in/yaml.v3"
)

//go:embed ratecards.yaml
var defaultRateCards []byte

const bpsDenominator = 10000

type rateCardFile struct {
	Current  string     `yaml:"current"`
	Versions []rateCard `yaml:"versions"`
}

type priceLine struct {
	Code  string `yaml:"code"`
	Label string `yaml:"label"`
	Cents int64  `yaml:"cents"`
}

type rateCard struct {
	Version         string      `yaml:"version"`
	Currency        string      `yaml:"currency"`
	RushWindowDays  int         `yaml:"rush_window_days"`
	RushRateBps     int64       `yaml:"rush_rate_bps"`
	DepositRateBps  int64       `yaml:"deposit_rate_bps"`
	MinDepositCents int64       `yaml:"min_deposit_cents"`
	PrimaryTypes    []priceLine `yaml:"primary_types"`
	Features        []priceLine `yaml:"features"`
}

// Calculator prices selections against versioned rate cards. It performs
// no I/O and never reads the clock: the as-of date is always an input.
type Calculator struct {
	current  string
	versions map[string]rateCard
}

// NewCalculator loads the rate cards shipped with the binary.
func NewCalculator() (*Calculator, error) {
	return LoadCalculator(defaultRateCards)
}

// LoadCalculator parses and validates YAML rate cards.
func LoadCalculator(data []byte) (*Calculator, error) {
	var file rateCardFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rate cards: %w", err)
	}

	c := &Calculator{current: file.Current, versions: make(map[string]rateCard, len(file.Versions))}
	for _, card := range file.Versions {
		if err := validateCard(card); err != nil {
			return nil, err
		}
		if _, dup := c.versions[card.Version]; dup {
			return nil, fmt.Errorf("rate card %s defined twice", card.Version)
		}
		c.versions[card.Version] = card
	}
	if _, ok := c.versions[c.current]; !ok {
		return nil, fmt.Errorf("current rate card %q is not defined", c.current)
	}
	return c, nil
}

func validateCard(card rateCard) error {
	switch {
	case card.Version == "":
		return fmt.Errorf("rate card without version")
	case money.GetCurrency(card.Currency) == nil:
		return fmt.Errorf("rate card %s: unknown currency %q", card.Version, card.Currency)
	case card.RushWindowDays <= 0:
		return fmt.Errorf("rate card %s: rush window must be positive", card.Version)
	case card.RushRateBps < 0 || card.DepositRateBps < 0 || card.MinDepositCents < 0:
		return fmt.Errorf("rate card %s: rates must not be negative", card.Version)
	case len(card.PrimaryTypes) == 0:
		return fmt.Errorf("rate card %s: no primary types", card.Version)
	}
	seen := make(map[string]bool)
	for _, line := range append(append([]priceLine{}, card.PrimaryTypes...), card.Features...) {
		if line.Code == "" || line.Cents < 0 {
			return fmt.Errorf("rate card %s: invalid line %+v", card.Version, line)
		}
		if seen[line.Code] {
			return fmt.Errorf("rate card %s: duplicate code %s", card.Version, line.Code)
		}
		seen[line.Code] = true
	}
	return nil
}

// CurrentVersion returns the rate card version new quotes are priced with.
func (c *Calculator) CurrentVersion() string {
	return c.current
}

// Versions returns the currency of every known rate card keyed by version.
func (c *Calculator) Versions() map[string]string {
	out := make(map[string]string, len(c.versions))
	for v, card := range c.versions {
		out[v] = card.Currency
	}
	return out
}

// ComputeQuote prices selections with the current rate card.
func (c *Calculator) ComputeQuote(sel transport.Selections, asOf time.Time) (transport.QuoteResult, error) {
	return c.ComputeQuoteVersion(c.current, sel, asOf)
}

// ComputeQuoteVersion prices selections with a specific rate card so that
// historical quotes can be reproduced.
//
// The rush fee applies when the deadline is less than the rush window away
// from asOf (a deadline exactly on the window boundary is not rush) or when
// the caller sets Rush explicitly.
func (c *Calculator) ComputeQuoteVersion(version string, sel transport.Selections, asOf time.Time) (transport.QuoteResult, error) {
	const op = "pricing.ComputeQuote"

	card, ok := c.versions[version]
	if !ok {
		return transport.QuoteResult{}, apperr.UnsupportedSelection(fmt.Sprintf("unknown pricing version %q", version)).WithOp(op)
	}

	primaryType := strings.TrimSpace(sel.PrimaryType)
	if primaryType == "" {
		return transport.QuoteResult{}, apperr.UnsupportedSelection("a primary project type is required").WithOp(op)
	}
	base, ok := findLine(card.PrimaryTypes, primaryType)
	if !ok {
		return transport.QuoteResult{}, apperr.UnsupportedSelection(fmt.Sprintf("unsupported primary type %q", primaryType)).
			WithOp(op).WithDetails(map[string]any{"supportedPrimaryTypes": codes(card.PrimaryTypes)})
	}

	requested := make(map[string]bool, len(sel.Features))
	var unknown []string
	for _, f := range sel.Features {
		code := strings.TrimSpace(f)
		if _, ok := findLine(card.Features, code); !ok {
			unknown = append(unknown, code)
			continue
		}
		requested[code] = true
	}
	if len(unknown) > 0 {
		return transport.QuoteResult{}, apperr.UnsupportedSelection(fmt.Sprintf("unsupported features %v", unknown)).
			WithOp(op).WithDetails(map[string]any{"unsupportedFeatures": unknown, "supportedFeatures": codes(card.Features)})
	}

	breakdown := []transport.LineItem{newLineItem(card.Currency, "base:"+base.Code, base.Label, base.Cents)}

	var addons int64
	for _, feature := range card.Features {
		if !requested[feature.Code] {
			continue
		}
		addons += feature.Cents
		breakdown = append(breakdown, newLineItem(card.Currency, "addon:"+feature.Code, feature.Label, feature.Cents))
	}

	subtotal := base.Cents + addons
	rushApplied := sel.Rush || isRush(sel.Deadline, asOf, card.RushWindowDays)
	var rushFee int64
	if rushApplied {
		rushFee = roundBps(subtotal, card.RushRateBps)
		breakdown = append(breakdown, newLineItem(card.Currency, "rush", "Rush delivery", rushFee))
	}

	total := base.Cents + addons + rushFee
	deposit := max(card.MinDepositCents, roundBps(total, card.DepositRateBps))

	return transport.QuoteResult{
		PricingVersion: card.Version,
		Currency:       card.Currency,
		PrimaryType:    base.Code,
		AsOf:           asOf.UTC(),
		Deadline:       utcPtr(sel.Deadline),
		RushApplied:    rushApplied,
		Base:           base.Cents,
		Addons:         addons,
		RushFee:        rushFee,
		Total:          total,
		Deposit:        deposit,
		TotalDisplay:   money.New(total, card.Currency).Display(),
		DepositDisplay: money.New(deposit, card.Currency).Display(),
		Breakdown:      breakdown,
	}, nil
}

func isRush(deadline *time.Time, asOf time.Time, windowDays int) bool {
	if deadline == nil {
		return false
	}
	window := time.Duration(windowDays) * 24 * time.Hour
	return deadline.Sub(asOf) < window
}

// roundBps returns round(amount * bps / 10000) with halves rounded up,
// computed in integers.
func roundBps(amount, bps int64) int64 {
	return (amount*bps + bpsDenominator/2) / bpsDenominator
}

func findLine(lines []priceLine, code string) (priceLine, bool) {
	for _, line := range lines {
		if line.Code == code {
			return line, true
		}
	}
	return priceLine{}, false
}

func codes(lines []priceLine) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, line.Code)
	}
	return out
}

func newLineItem(currency, code, label string, cents int64) transport.LineItem {
	return transport.LineItem{
		Code:        code,
		Label:       label,
		AmountCents: cents,
		Display:     money.New(cents, currency).Display(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
