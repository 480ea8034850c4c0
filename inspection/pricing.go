package inspection

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/settlement-engine/billing"
)

// =============================================================================
// PRICING ADMIN
// =============================================================================

// Resolver builds a pricing resolver over the stored overrides.
func (s *Service) Resolver(ctx context.Context) (*billing.PricingResolver, error) {
	overrides, err := s.pricing.ListPricing(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pricing overrides: %w", err)
	}
	return billing.NewPricingResolver(overrides, s.defaults), nil
}

// Quote resolves a price without booking.
func (s *Service) Quote(ctx context.Context, t billing.InspectionType, bedrooms int) (billing.Money, error) {
	r, err := s.Resolver(ctx)
	if err != nil {
		return billing.Money{}, err
	}
	return r.Resolve(t, bedrooms)
}

// Pricing returns the effective table for a type (override over defaults).
func (s *Service) Pricing(ctx context.Context, t billing.InspectionType) (billing.PricingSettings, error) {
	r, err := s.Resolver(ctx)
	if err != nil {
		return billing.PricingSettings{}, err
	}
	return r.Effective(t)
}

// AllPricing returns the effective table of every known type.
func (s *Service) AllPricing(ctx context.Context) ([]billing.PricingSettings, error) {
	r, err := s.Resolver(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]billing.PricingSettings, 0, len(billing.InspectionTypes))
	for _, t := range billing.InspectionTypes {
		ps, err := r.Effective(t)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, nil
}

// UpdatePricing overwrites the override for a type. Existing inspections
// keep the price they were booked with.
func (s *Service) UpdatePricing(ctx context.Context, ps billing.PricingSettings, updatedBy billing.UserID) (billing.PricingSettings, error) {
	if err := ps.Validate(); err != nil {
		return billing.PricingSettings{}, err
	}
	ps.LastUpdated = s.Now()
	ps.UpdatedBy = updatedBy
	if err := s.pricing.SavePricing(ctx, ps); err != nil {
		return billing.PricingSettings{}, fmt.Errorf("save pricing %s: %w", ps.InspectionType, err)
	}
	s.logger.Info("pricing updated",
		zap.String("type", string(ps.InspectionType)),
		zap.String("updated_by", string(updatedBy)))
	return s.Pricing(ctx, ps.InspectionType)
}

// ResetPricing drops the override so the defaults apply again.
func (s *Service) ResetPricing(ctx context.Context, t billing.InspectionType) (billing.PricingSettings, error) {
	if !t.Valid() {
		return billing.PricingSettings{}, &billing.ConfigurationError{InspectionType: t, Detail: "unknown inspection type"}
	}
	if err := s.pricing.ResetPricing(ctx, t); err != nil {
		return billing.PricingSettings{}, fmt.Errorf("reset pricing %s: %w", t, err)
	}
	s.logger.Info("pricing reset to defaults", zap.String("type", string(t)))
	return s.Pricing(ctx, t)
}

// SeedPricing saves overrides only for types that have none yet, so a
// restart never clobbers admin edits.
func (s *Service) SeedPricing(ctx context.Context, seed []billing.PricingSettings) (int, error) {
	seeded := 0
	for _, ps := range seed {
		existing, err := s.pricing.GetPricing(ctx, ps.InspectionType)
		if err != nil {
			return seeded, err
		}
		if existing != nil {
			continue
		}
		if _, err := s.UpdatePricing(ctx, ps, "seed"); err != nil {
			return seeded, err
		}
		seeded++
	}
	return seeded, nil
}
