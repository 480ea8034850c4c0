/*
store.go - Persistence interfaces for the settlement core

PURPOSE:
  Defines the boundary between settlement logic and the database. The
  core never queries storage itself: the settlement service fetches data
  through these interfaces and passes snapshots into pure functions.

KEY INTERFACES:
  InspectionStore: Inspection records (booking, lifecycle, bulk clear)
  UserStore:       Agents, clerks and admins
  PricingStore:    Price overrides per inspection type
  InvoiceStore:    Immutable invoices, insert-if-absent by id
  Ledger:          Processed periods (ledger.go)

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for testing/dev
  - store/sqlite/sqlite.go:  SQLite
  - store/postgres:          PostgreSQL (pgx)

SEE ALSO:
  - ledger.go: Ledger interface and PutIfAbsent contract
*/
package billing

import "context"

// InspectionStore persists inspections. Price is written once on create;
// Update must never change it.
type InspectionStore interface {
	CreateInspection(ctx context.Context, insp Inspection) error
	UpdateInspection(ctx context.Context, insp Inspection) error
	GetInspection(ctx context.Context, id InspectionID) (*Inspection, error)
	ListInspections(ctx context.Context) ([]Inspection, error)
	GetInspections(ctx context.Context, ids []InspectionID) ([]Inspection, error)
	ClearInspections(ctx context.Context) (int, error)
}

// UserStore persists users.
type UserStore interface {
	SaveUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id UserID) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)
}

// PricingStore persists price overrides. Reset removes the override so the
// defaults apply again.
type PricingStore interface {
	SavePricing(ctx context.Context, ps PricingSettings) error
	GetPricing(ctx context.Context, t InspectionType) (*PricingSettings, error)
	ListPricing(ctx context.Context) ([]PricingSettings, error)
	ResetPricing(ctx context.Context, t InspectionType) error
}

// InvoiceFilter narrows ListInvoices. Zero fields match everything.
type InvoiceFilter struct {
	PeriodNumber *int
	BillerID     *BillerID
	Role         *BillerRole
}

// InvoiceStore persists invoices. CreateInvoice is insert-if-absent by id:
// it returns created=false when an invoice with that id already exists.
type InvoiceStore interface {
	CreateInvoice(ctx context.Context, inv Invoice) (bool, error)
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error)
}

// Store bundles every interface; sqlite, postgres and memory implement it.
type Store interface {
	InspectionStore
	UserStore
	PricingStore
	InvoiceStore
	Ledger
}

// Matches reports whether an invoice passes the filter.
func (f InvoiceFilter) Matches(inv Invoice) bool {
	if f.PeriodNumber != nil && inv.PeriodNumber != *f.PeriodNumber {
		return false
	}
	if f.BillerID != nil && inv.BillerID != *f.BillerID {
		return false
	}
	if f.Role != nil && inv.Role != *f.Role {
		return false
	}
	return true
}
