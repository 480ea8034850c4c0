package billing

import (
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// PRICING SETTINGS - Admin-editable price table per inspection type
// =============================================================================

// MaxBedroomBucket is the ceiling bucket: 5 or more bedrooms share a price.
const MaxBedroomBucket = 5

// PricingSettings is the active price table for one inspection type.
// Records are overwritten or reset, never deleted.
type PricingSettings struct {
	InspectionType InspectionType
	BedroomPricing map[int]Money // keys 0..MaxBedroomBucket
	LastUpdated    time.Time
	UpdatedBy      UserID
}

// BedroomBucket clamps a bedroom count to the table's key range.
func BedroomBucket(bedrooms int) int {
	if bedrooms > MaxBedroomBucket {
		return MaxBedroomBucket
	}
	return bedrooms
}

// Validate checks that every bucket holds a non-negative price.
func (ps PricingSettings) Validate() error {
	if !ps.InspectionType.Valid() {
		return &ConfigurationError{InspectionType: ps.InspectionType, Detail: "unknown inspection type"}
	}
	for bedrooms, price := range ps.BedroomPricing {
		if bedrooms < 0 || bedrooms > MaxBedroomBucket {
			return fmt.Errorf("%w: bedroom bucket %d out of range 0..%d", ErrValidation, bedrooms, MaxBedroomBucket)
		}
		if price.IsNegative() {
			return fmt.Errorf("%w: negative price for %d bedrooms", ErrValidation, bedrooms)
		}
	}
	return nil
}

// Buckets returns the populated bedroom keys in ascending order.
func (ps PricingSettings) Buckets() []int {
	keys := make([]int, 0, len(ps.BedroomPricing))
	for k := range ps.BedroomPricing {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// =============================================================================
// DEFAULT PRICING
// =============================================================================

func table(currency Currency, prices ...float64) map[int]Money {
	m := make(map[int]Money, len(prices))
	for bedrooms, p := range prices {
		m[bedrooms] = NewMoney(p, currency)
	}
	return m
}

// DefaultPricing returns the built-in price tables used when no override
// exists. Index is bedroom count 0..5.
func DefaultPricing(currency Currency) map[InspectionType]PricingSettings {
	return map[InspectionType]PricingSettings{
		InspectionRoutine:    {InspectionType: InspectionRoutine, BedroomPricing: table(currency, 80, 100, 120, 150, 180, 210)},
		InspectionFireSafety: {InspectionType: InspectionFireSafety, BedroomPricing: table(currency, 90, 110, 130, 160, 190, 220)},
		InspectionCheckIn:    {InspectionType: InspectionCheckIn, BedroomPricing: table(currency, 100, 120, 145, 175, 205, 240)},
		InspectionCheckOut:   {InspectionType: InspectionCheckOut, BedroomPricing: table(currency, 100, 120, 145, 175, 205, 240)},
	}
}

// =============================================================================
// PRICING RESOLVER
// =============================================================================

// PricingResolver resolves an inspection price from overrides and defaults.
// It is called once per booking; the result is snapshotted into the
// inspection, so admin edits only affect future bookings.
type PricingResolver struct {
	overrides map[InspectionType]PricingSettings
	defaults  map[InspectionType]PricingSettings
}

// NewPricingResolver builds a resolver over an explicit override list.
func NewPricingResolver(overrides []PricingSettings, defaults map[InspectionType]PricingSettings) *PricingResolver {
	r := &PricingResolver{
		overrides: make(map[InspectionType]PricingSettings, len(overrides)),
		defaults:  defaults,
	}
	for _, o := range overrides {
		r.overrides[o.InspectionType] = o
	}
	return r
}

// Resolve returns the price for (type, bedrooms). Bedroom counts above 5
// use the 5 bucket. An override missing a bucket falls back to the default
// table for that bucket. Fails with ConfigurationError when neither table
// prices the type.
func (r *PricingResolver) Resolve(t InspectionType, bedrooms int) (Money, error) {
	if bedrooms < 0 {
		return Money{}, fmt.Errorf("%w: %d", ErrInvalidBedrooms, bedrooms)
	}
	bucket := BedroomBucket(bedrooms)

	if o, ok := r.overrides[t]; ok {
		if price, ok := o.BedroomPricing[bucket]; ok {
			return price, nil
		}
	}
	if d, ok := r.defaults[t]; ok {
		if price, ok := d.BedroomPricing[bucket]; ok {
			return price, nil
		}
	}

	detail := "no pricing for inspection type"
	if t.Valid() {
		detail = "pricing table has no entry for bedroom bucket"
	}
	return Money{}, &ConfigurationError{InspectionType: t, Bedrooms: bedrooms, Detail: detail}
}

// Effective returns the merged table for a type (override buckets win).
func (r *PricingResolver) Effective(t InspectionType) (PricingSettings, error) {
	d, hasDefault := r.defaults[t]
	o, hasOverride := r.overrides[t]
	if !hasDefault && !hasOverride {
		return PricingSettings{}, &ConfigurationError{InspectionType: t, Detail: "no pricing for inspection type"}
	}

	merged := PricingSettings{InspectionType: t, BedroomPricing: make(map[int]Money)}
	for k, v := range d.BedroomPricing {
		merged.BedroomPricing[k] = v
	}
	if hasOverride {
		for k, v := range o.BedroomPricing {
			merged.BedroomPricing[k] = v
		}
		merged.LastUpdated = o.LastUpdated
		merged.UpdatedBy = o.UpdatedBy
	}
	return merged, nil
}
