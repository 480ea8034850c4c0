package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BILLER ROLE - Agent (cashback) or Clerk (commission)
// =============================================================================

// BillerRole is a closed variant: the only values are RoleAgent and
// RoleClerk. Each binds its payout rate and the inspection field that
// names the biller, so call sites never branch on role themselves.
type BillerRole string

const (
	RoleAgent BillerRole = "agent"
	RoleClerk BillerRole = "clerk"
)

var (
	agentCashbackRate   = decimal.RequireFromString("0.15")
	clerkCommissionRate = decimal.RequireFromString("0.30")
)

// Roles lists every role in settlement order.
var Roles = []BillerRole{RoleAgent, RoleClerk}

func ParseRole(s string) (BillerRole, error) {
	switch BillerRole(s) {
	case RoleAgent, RoleClerk:
		return BillerRole(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Rate is the share of the inspection price paid to the biller.
func (r BillerRole) Rate() decimal.Decimal {
	switch r {
	case RoleAgent:
		return agentCashbackRate
	case RoleClerk:
		return clerkCommissionRate
	}
	return decimal.Zero
}

// BillerOf returns the biller of an inspection for this role. ok is false
// when none is set (e.g., no clerk assigned yet).
func (r BillerRole) BillerOf(i Inspection) (BillerID, bool) {
	var id UserID
	switch r {
	case RoleAgent:
		id = i.AgentID
	case RoleClerk:
		id = i.ClerkID
	}
	return id, id != ""
}

// PayoutKind names what the role receives.
func (r BillerRole) PayoutKind() string {
	if r == RoleClerk {
		return "commission"
	}
	return "cashback"
}

// Contribution is price * rate, unrounded.
func (r BillerRole) Contribution(price Money) Money {
	return price.Mul(r.Rate())
}
