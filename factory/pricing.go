/*
Package factory converts pricing documents into billing.PricingSettings.

PURPOSE:
  Price tables are edited by admins (JSON over the API) and seeded by ops
  (YAML file at startup). The factory validates both and produces the
  same Go structs, so nothing downstream knows the source format.

JSON SCHEMA (admin API, one type per document):
  {
    "inspection_type": "routine",
    "currency": "GBP",
    "bedroom_pricing": {"0": 80, "1": 100, "2": 120, "3": 150, "4": 180, "5": 210}
  }

YAML SCHEMA (seed file, many types):
  currency: GBP
  pricing:
    - inspection_type: fire_safety
      bedroom_pricing:
        0: 90
        5: "220.00"

  Prices may be numbers or strings; they are parsed as decimals, never
  floats. Buckets run 0..5; 5 prices every larger property.

USAGE:
  f := factory.NewPricingFactory(billing.CurrencyGBP)
  ps, err := f.ParsePricing(jsonBytes)
  seed, err := f.ParseSeedFile("pricing.seed.yaml")

SEE ALSO:
  - billing/pricing.go: PricingSettings and the resolver
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/settlement-engine/billing"
)

// =============================================================================
// SCHEMA TYPES
// =============================================================================

// Amount is a decimal that decodes from JSON or YAML numbers and strings.
type Amount struct {
	decimal.Decimal
}

func (a *Amount) UnmarshalYAML(node *yaml.Node) error {
	d, err := decimal.NewFromString(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid amount %q", node.Line, node.Value)
	}
	a.Decimal = d
	return nil
}

func (a Amount) MarshalYAML() (any, error) {
	return a.StringFixed(billing.PennyPlaces), nil
}

// PricingJSON is one inspection type's table.
type PricingJSON struct {
	InspectionType string         `json:"inspection_type" yaml:"inspection_type"`
	Currency       string         `json:"currency,omitempty" yaml:"currency,omitempty"`
	BedroomPricing map[int]Amount `json:"bedroom_pricing" yaml:"bedroom_pricing"`
}

// SeedFile is the YAML document loaded at startup.
type SeedFile struct {
	Currency string        `yaml:"currency"`
	Pricing  []PricingJSON `yaml:"pricing"`
}

// =============================================================================
// FACTORY
// =============================================================================

type PricingFactory struct {
	currency billing.Currency
}

// NewPricingFactory uses currency when a document doesn't name one and
// rejects documents that name any other.
func NewPricingFactory(currency billing.Currency) *PricingFactory {
	if currency == "" {
		currency = billing.DefaultCurrency
	}
	return &PricingFactory{currency: currency}
}

// ParsePricing parses one JSON pricing document.
func (f *PricingFactory) ParsePricing(data []byte) (billing.PricingSettings, error) {
	var doc PricingJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return billing.PricingSettings{}, fmt.Errorf("%w: invalid pricing JSON: %v", billing.ErrValidation, err)
	}
	return f.Build(doc, "")
}

// ParseSeed parses a YAML seed document.
func (f *PricingFactory) ParseSeed(data []byte) ([]billing.PricingSettings, error) {
	var doc SeedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid pricing YAML: %v", billing.ErrValidation, err)
	}
	seen := make(map[billing.InspectionType]bool, len(doc.Pricing))
	out := make([]billing.PricingSettings, 0, len(doc.Pricing))
	for _, p := range doc.Pricing {
		ps, err := f.Build(p, billing.Currency(doc.Currency))
		if err != nil {
			return nil, err
		}
		if seen[ps.InspectionType] {
			return nil, fmt.Errorf("%w: %s listed twice", billing.ErrValidation, ps.InspectionType)
		}
		seen[ps.InspectionType] = true
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InspectionType < out[j].InspectionType })
	return out, nil
}

// ParseSeedFile reads and parses a YAML seed file.
func (f *PricingFactory) ParseSeedFile(path string) ([]billing.PricingSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing seed %s: %w", path, err)
	}
	return f.ParseSeed(data)
}

// Build validates a decoded document. fallback is the document-level
// currency of a seed file.
func (f *PricingFactory) Build(doc PricingJSON, fallback billing.Currency) (billing.PricingSettings, error) {
	t := billing.InspectionType(strings.TrimSpace(doc.InspectionType))
	if !t.Valid() {
		return billing.PricingSettings{}, &billing.ConfigurationError{InspectionType: t, Detail: "unknown inspection type"}
	}
	if len(doc.BedroomPricing) == 0 {
		return billing.PricingSettings{}, fmt.Errorf("%w: %s has no bedroom pricing", billing.ErrValidation, t)
	}

	currency := billing.Currency(strings.ToUpper(strings.TrimSpace(doc.Currency)))
	if currency == "" {
		currency = billing.Currency(strings.ToUpper(strings.TrimSpace(string(fallback))))
	}
	if currency == "" {
		currency = f.currency
	}
	// Money arithmetic does not convert, so every price shares one currency.
	if currency != f.currency {
		return billing.PricingSettings{}, fmt.Errorf("%w: %s priced in %s, deployment currency is %s",
			billing.ErrValidation, t, currency, f.currency)
	}

	ps := billing.PricingSettings{InspectionType: t, BedroomPricing: make(map[int]billing.Money, len(doc.BedroomPricing))}
	for bedrooms, amount := range doc.BedroomPricing {
		ps.BedroomPricing[bedrooms] = billing.Money{Value: amount.Decimal, Currency: currency}
	}
	if err := ps.Validate(); err != nil {
		return billing.PricingSettings{}, err
	}
	return ps, nil
}

// ToJSON renders a table in the admin API schema.
func ToJSON(ps billing.PricingSettings) PricingJSON {
	doc := PricingJSON{
		InspectionType: string(ps.InspectionType),
		BedroomPricing: make(map[int]Amount, len(ps.BedroomPricing)),
	}
	for bedrooms, price := range ps.BedroomPricing {
		doc.BedroomPricing[bedrooms] = Amount{price.Value}
		doc.Currency = string(price.Currency)
	}
	return doc
}
