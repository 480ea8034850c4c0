package inspection

import (
	"context"
	"fmt"
	"strings"

	"github.com/warp/settlement-engine/billing"
)

// RegisterUser creates an agent, clerk or admin.
func (s *Service) RegisterUser(ctx context.Context, u billing.User) (billing.User, error) {
	u.Name = strings.TrimSpace(u.Name)
	if u.Name == "" {
		return billing.User{}, fmt.Errorf("%w: name is required", billing.ErrValidation)
	}
	switch u.Role {
	case billing.UserAgent, billing.UserClerk, billing.UserAdmin:
	default:
		return billing.User{}, fmt.Errorf("%w: unknown user role %q", billing.ErrValidation, u.Role)
	}
	if u.ID == "" {
		u.ID = billing.UserID(s.NewID())
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.Now()
	}
	if err := s.users.SaveUser(ctx, u); err != nil {
		return billing.User{}, fmt.Errorf("save user: %w", err)
	}
	return u, nil
}

func (s *Service) Users(ctx context.Context) ([]billing.User, error) {
	return s.users.ListUsers(ctx)
}

func (s *Service) User(ctx context.Context, id billing.UserID) (billing.User, error) {
	u, err := s.users.GetUser(ctx, id)
	if err != nil {
		return billing.User{}, err
	}
	return *u, nil
}
