// Package inspection books inspections and drives their lifecycle.
//
// Booking resolves the price exactly once and stores it on the inspection;
// every later read (dashboards, accrual, invoices) uses that snapshot.
package inspection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/settlement-engine/billing"
)

// =============================================================================
// SERVICE
// =============================================================================

// Service coordinates inspection, user and pricing stores.
type Service struct {
	inspections billing.InspectionStore
	users       billing.UserStore
	pricing     billing.PricingStore
	defaults    map[billing.InspectionType]billing.PricingSettings
	logger      *zap.Logger

	Now   func() time.Time
	NewID func() string
}

// NewService wires a Service. defaults are the built-in price tables.
func NewService(inspections billing.InspectionStore, users billing.UserStore, pricing billing.PricingStore,
	defaults map[billing.InspectionType]billing.PricingSettings, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		inspections: inspections,
		users:       users,
		pricing:     pricing,
		defaults:    defaults,
		logger:      logger.Named("inspection"),
		Now:         func() time.Time { return time.Now().UTC() },
		NewID:       uuid.NewString,
	}
}

// BookRequest is the input to Book.
type BookRequest struct {
	PropertyID      billing.PropertyID
	PropertyAddress string
	Bedrooms        int
	AgentID         billing.UserID
	Type            billing.InspectionType
	ScheduledDate   time.Time
}

// Book creates a scheduled inspection with its price snapshotted from the
// pricing table active right now.
func (s *Service) Book(ctx context.Context, req BookRequest) (billing.Inspection, error) {
	if strings.TrimSpace(string(req.PropertyID)) == "" {
		return billing.Inspection{}, fmt.Errorf("%w: property id is required", billing.ErrValidation)
	}
	if req.ScheduledDate.IsZero() {
		return billing.Inspection{}, fmt.Errorf("%w: scheduled date is required", billing.ErrValidation)
	}
	if err := s.requireRole(ctx, req.AgentID, billing.UserAgent); err != nil {
		return billing.Inspection{}, err
	}

	resolver, err := s.Resolver(ctx)
	if err != nil {
		return billing.Inspection{}, err
	}
	price, err := resolver.Resolve(req.Type, req.Bedrooms)
	if err != nil {
		return billing.Inspection{}, err
	}

	now := s.Now()
	insp := billing.Inspection{
		ID:              billing.InspectionID(s.NewID()),
		PropertyID:      req.PropertyID,
		PropertyAddress: strings.TrimSpace(req.PropertyAddress),
		Bedrooms:        req.Bedrooms,
		AgentID:         req.AgentID,
		Type:            req.Type,
		Price:           price,
		Status:          billing.StatusScheduled,
		ScheduledDate:   req.ScheduledDate.UTC(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.inspections.CreateInspection(ctx, insp); err != nil {
		return billing.Inspection{}, fmt.Errorf("create inspection: %w", err)
	}

	s.logger.Info("inspection booked",
		zap.String("inspection_id", string(insp.ID)),
		zap.String("type", string(insp.Type)),
		zap.Int("bedrooms", insp.Bedrooms),
		zap.String("price", insp.Price.String()))
	return insp, nil
}

// Assign sets the clerk. Re-assigning an assigned inspection is allowed.
func (s *Service) Assign(ctx context.Context, id billing.InspectionID, clerkID billing.UserID) (billing.Inspection, error) {
	if err := s.requireRole(ctx, clerkID, billing.UserClerk); err != nil {
		return billing.Inspection{}, err
	}
	return s.transition(ctx, id, ActionAssign, func(insp *billing.Inspection) {
		insp.ClerkID = clerkID
	})
}

// Start marks the inspection in progress.
func (s *Service) Start(ctx context.Context, id billing.InspectionID) (billing.Inspection, error) {
	return s.transition(ctx, id, ActionStart, nil)
}

// Complete moves the inspection to completed and stamps CompletedDate in
// the same write. A zero completedAt means now.
func (s *Service) Complete(ctx context.Context, id billing.InspectionID, completedAt time.Time) (billing.Inspection, error) {
	if completedAt.IsZero() {
		completedAt = s.Now()
	}
	completedAt = completedAt.UTC()
	return s.transition(ctx, id, ActionComplete, func(insp *billing.Inspection) {
		insp.CompletedDate = &completedAt
	})
}

// Cancel cancels a non-terminal inspection.
func (s *Service) Cancel(ctx context.Context, id billing.InspectionID) (billing.Inspection, error) {
	return s.transition(ctx, id, ActionCancel, nil)
}

func (s *Service) transition(ctx context.Context, id billing.InspectionID, action Action, apply func(*billing.Inspection)) (billing.Inspection, error) {
	insp, err := s.inspections.GetInspection(ctx, id)
	if err != nil {
		return billing.Inspection{}, err
	}
	next, err := Next(*insp, action)
	if err != nil {
		return billing.Inspection{}, err
	}

	from := insp.Status
	insp.Status = next
	if apply != nil {
		apply(insp)
	}
	insp.UpdatedAt = s.Now()
	if err := s.inspections.UpdateInspection(ctx, *insp); err != nil {
		return billing.Inspection{}, fmt.Errorf("update inspection %s: %w", id, err)
	}

	s.logger.Debug("inspection transitioned",
		zap.String("inspection_id", string(id)),
		zap.String("from", string(from)),
		zap.String("to", string(next)))
	return *insp, nil
}

// =============================================================================
// ADMIN OPERATIONS
// =============================================================================

// ReassignRequest changes the agent and/or clerk. Empty fields are left
// unchanged.
type ReassignRequest struct {
	AgentID billing.UserID
	ClerkID billing.UserID
}

// Reassign changes billers on an inspection. Settled payouts are not
// affected: they were written to the ledger when their period closed.
func (s *Service) Reassign(ctx context.Context, id billing.InspectionID, req ReassignRequest) (billing.Inspection, error) {
	if req.AgentID == "" && req.ClerkID == "" {
		return billing.Inspection{}, fmt.Errorf("%w: agent or clerk is required", billing.ErrValidation)
	}
	insp, err := s.inspections.GetInspection(ctx, id)
	if err != nil {
		return billing.Inspection{}, err
	}
	if insp.Status == billing.StatusCancelled {
		return billing.Inspection{}, &billing.TransitionError{InspectionID: id, From: insp.Status, To: insp.Status}
	}
	if req.AgentID != "" {
		if err := s.requireRole(ctx, req.AgentID, billing.UserAgent); err != nil {
			return billing.Inspection{}, err
		}
		insp.AgentID = req.AgentID
	}
	if req.ClerkID != "" {
		if err := s.requireRole(ctx, req.ClerkID, billing.UserClerk); err != nil {
			return billing.Inspection{}, err
		}
		insp.ClerkID = req.ClerkID
		if insp.Status == billing.StatusScheduled {
			insp.Status = billing.StatusAssigned
		}
	}
	insp.UpdatedAt = s.Now()
	if err := s.inspections.UpdateInspection(ctx, *insp); err != nil {
		return billing.Inspection{}, fmt.Errorf("update inspection %s: %w", id, err)
	}
	s.logger.Info("inspection reassigned",
		zap.String("inspection_id", string(id)),
		zap.String("agent_id", string(insp.AgentID)),
		zap.String("clerk_id", string(insp.ClerkID)))
	return *insp, nil
}

// BulkClear deletes every inspection. The ledger and invoices are kept.
func (s *Service) BulkClear(ctx context.Context) (int, error) {
	n, err := s.inspections.ClearInspections(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear inspections: %w", err)
	}
	s.logger.Warn("all inspections cleared", zap.Int("count", n))
	return n, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Get(ctx context.Context, id billing.InspectionID) (billing.Inspection, error) {
	insp, err := s.inspections.GetInspection(ctx, id)
	if err != nil {
		return billing.Inspection{}, err
	}
	return *insp, nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	AgentID billing.UserID
	ClerkID billing.UserID
	Status  billing.InspectionStatus
}

func (s *Service) List(ctx context.Context, f Filter) ([]billing.Inspection, error) {
	all, err := s.inspections.ListInspections(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]billing.Inspection, 0, len(all))
	for _, insp := range all {
		if f.AgentID != "" && insp.AgentID != f.AgentID {
			continue
		}
		if f.ClerkID != "" && insp.ClerkID != f.ClerkID {
			continue
		}
		if f.Status != "" && insp.Status != f.Status {
			continue
		}
		out = append(out, insp)
	}
	return out, nil
}

func (s *Service) requireRole(ctx context.Context, id billing.UserID, role billing.UserRole) error {
	if id == "" {
		return fmt.Errorf("%w: %s id is required", billing.ErrValidation, role)
	}
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if u.Role != role {
		return fmt.Errorf("%w: user %s is a %s, not a %s", billing.ErrValidation, id, u.Role, role)
	}
	return nil
}
