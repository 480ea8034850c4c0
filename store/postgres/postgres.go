/*
Package postgres provides a PostgreSQL implementation of billing.Store
on a pgx connection pool.

The schema mirrors store/sqlite. Differences:
  - money columns are NUMERIC(14,4), read back as text into decimal
  - timestamps are TIMESTAMPTZ
  - payout source ids are TEXT[]; payout and invoice lines are JSONB

Multiple server replicas may share one database. PutIfAbsent relies on
the primary keys of processed_periods and period_inspections, so two
replicas closing the same period cannot both commit.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/billing"
)

const uniqueViolation = "23505"

// Store implements billing.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ billing.Store = (*Store)(nil)

// New connects, pings and migrates.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	config.MaxConns = 10
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		role TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS inspections (
		id TEXT PRIMARY KEY,
		property_id TEXT NOT NULL,
		property_address TEXT NOT NULL DEFAULT '',
		bedrooms INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		clerk_id TEXT NOT NULL DEFAULT '',
		inspection_type TEXT NOT NULL,
		price_value NUMERIC(14,4) NOT NULL,
		price_currency TEXT NOT NULL,
		status TEXT NOT NULL,
		scheduled_date TIMESTAMPTZ NOT NULL,
		completed_date TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_inspections_status_completed ON inspections(status, completed_date);

	CREATE TABLE IF NOT EXISTS pricing_settings (
		inspection_type TEXT PRIMARY KEY,
		bedroom_pricing JSONB NOT NULL,
		currency TEXT NOT NULL,
		last_updated TIMESTAMPTZ NOT NULL,
		updated_by TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS processed_periods (
		period_number INTEGER PRIMARY KEY,
		period_start TIMESTAMPTZ NOT NULL,
		period_end TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS period_inspections (
		inspection_id TEXT PRIMARY KEY,
		period_number INTEGER NOT NULL REFERENCES processed_periods(period_number)
	);
	CREATE INDEX IF NOT EXISTS idx_period_inspections_period ON period_inspections(period_number);

	CREATE TABLE IF NOT EXISTS payouts (
		period_number INTEGER NOT NULL REFERENCES processed_periods(period_number),
		role TEXT NOT NULL,
		biller_id TEXT NOT NULL,
		amount_value NUMERIC(14,4) NOT NULL,
		currency TEXT NOT NULL,
		source_ids TEXT[] NOT NULL,
		lines JSONB NOT NULL DEFAULT '[]'::jsonb,
		PRIMARY KEY (period_number, role, biller_id)
	);
	ALTER TABLE payouts ADD COLUMN IF NOT EXISTS lines JSONB NOT NULL DEFAULT '[]'::jsonb;

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		period_number INTEGER NOT NULL,
		period_start TIMESTAMPTZ NOT NULL,
		period_end TIMESTAMPTZ NOT NULL,
		role TEXT NOT NULL,
		biller_id TEXT NOT NULL,
		biller_name TEXT NOT NULL DEFAULT '',
		total_value NUMERIC(14,2) NOT NULL,
		currency TEXT NOT NULL,
		line_items JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invoices_biller ON invoices(biller_id, period_number);
	`)
	return err
}

// =============================================================================
// USERS
// =============================================================================

func (s *Store) SaveUser(ctx context.Context, u billing.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, email, role, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, email = EXCLUDED.email, role = EXCLUDED.role
	`, string(u.ID), u.Name, u.Email, string(u.Role), u.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id billing.UserID) (*billing.User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, COALESCE(email, ''), role, created_at FROM users WHERE id = $1`, string(id))
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", billing.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]billing.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, COALESCE(email, ''), role, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var out []billing.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanUser(row pgx.Row) (billing.User, error) {
	var (
		u         billing.User
		id, role  string
		createdAt time.Time
	)
	if err := row.Scan(&id, &u.Name, &u.Email, &role, &createdAt); err != nil {
		return billing.User{}, err
	}
	u.ID = billing.UserID(id)
	u.Role = billing.UserRole(role)
	u.CreatedAt = createdAt.UTC()
	return u, nil
}

// =============================================================================
// INSPECTIONS
// =============================================================================

const inspectionColumns = `id, property_id, property_address, bedrooms, agent_id, clerk_id,
	inspection_type, price_value::text, price_currency, status, scheduled_date, completed_date,
	created_at, updated_at`

func (s *Store) CreateInspection(ctx context.Context, insp billing.Inspection) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO inspections (id, property_id, property_address, bedrooms, agent_id, clerk_id,
			inspection_type, price_value, price_currency, status, scheduled_date, completed_date,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13, $14)
	`,
		string(insp.ID), string(insp.PropertyID), insp.PropertyAddress, insp.Bedrooms,
		string(insp.AgentID), string(insp.ClerkID), string(insp.Type),
		insp.Price.Value.String(), string(insp.Price.Currency), string(insp.Status),
		insp.ScheduledDate.UTC(), utcPtr(insp.CompletedDate), insp.CreatedAt.UTC(), insp.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: inspection %s already exists", billing.ErrValidation, insp.ID)
		}
		return fmt.Errorf("failed to create inspection: %w", err)
	}
	return nil
}

// UpdateInspection never writes the price columns.
func (s *Store) UpdateInspection(ctx context.Context, insp billing.Inspection) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE inspections SET
			property_address = $2, bedrooms = $3, agent_id = $4, clerk_id = $5,
			status = $6, scheduled_date = $7, completed_date = $8, updated_at = $9
		WHERE id = $1
	`,
		string(insp.ID), insp.PropertyAddress, insp.Bedrooms, string(insp.AgentID), string(insp.ClerkID),
		string(insp.Status), insp.ScheduledDate.UTC(), utcPtr(insp.CompletedDate), insp.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update inspection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: inspection %s", billing.ErrNotFound, insp.ID)
	}
	return nil
}

func (s *Store) GetInspection(ctx context.Context, id billing.InspectionID) (*billing.Inspection, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+inspectionColumns+` FROM inspections WHERE id = $1`, string(id))
	insp, err := scanInspection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: inspection %s", billing.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inspection: %w", err)
	}
	return &insp, nil
}

func (s *Store) ListInspections(ctx context.Context) ([]billing.Inspection, error) {
	return s.queryInspections(ctx, `SELECT `+inspectionColumns+` FROM inspections ORDER BY id`)
}

func (s *Store) GetInspections(ctx context.Context, ids []billing.InspectionID) ([]billing.Inspection, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryInspections(ctx,
		`SELECT `+inspectionColumns+` FROM inspections WHERE id = ANY($1) ORDER BY id`, toStrings(ids))
}

func (s *Store) ClearInspections(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM inspections`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear inspections: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) queryInspections(ctx context.Context, query string, args ...any) ([]billing.Inspection, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query inspections: %w", err)
	}
	defer rows.Close()

	var out []billing.Inspection
	for rows.Next() {
		insp, err := scanInspection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, insp)
	}
	return out, rows.Err()
}

func scanInspection(row pgx.Row) (billing.Inspection, error) {
	var (
		insp                                        billing.Inspection
		id, propertyID, agentID, clerkID, typ, stat string
		price, currency                             string
		scheduled, createdAt, updatedAt             time.Time
		completed                                   *time.Time
	)
	err := row.Scan(&id, &propertyID, &insp.PropertyAddress, &insp.Bedrooms, &agentID, &clerkID,
		&typ, &price, &currency, &stat, &scheduled, &completed, &createdAt, &updatedAt)
	if err != nil {
		return billing.Inspection{}, err
	}
	insp.ID = billing.InspectionID(id)
	insp.PropertyID = billing.PropertyID(propertyID)
	insp.AgentID = billing.UserID(agentID)
	insp.ClerkID = billing.UserID(clerkID)
	insp.Type = billing.InspectionType(typ)
	insp.Status = billing.InspectionStatus(stat)
	if insp.Price, err = parseMoney(price, currency); err != nil {
		return billing.Inspection{}, fmt.Errorf("inspection %s: %w", id, err)
	}
	insp.ScheduledDate = scheduled.UTC()
	insp.CompletedDate = utcPtr(completed)
	insp.CreatedAt = createdAt.UTC()
	insp.UpdatedAt = updatedAt.UTC()
	return insp, nil
}

// =============================================================================
// PRICING
// =============================================================================

func (s *Store) SavePricing(ctx context.Context, ps billing.PricingSettings) error {
	table := make(map[int]string, len(ps.BedroomPricing))
	currency := billing.DefaultCurrency
	for bedrooms, price := range ps.BedroomPricing {
		table[bedrooms] = price.Value.String()
		if price.Currency != "" {
			currency = price.Currency
		}
	}
	data, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("failed to encode pricing: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO pricing_settings (inspection_type, bedroom_pricing, currency, last_updated, updated_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (inspection_type) DO UPDATE SET
			bedroom_pricing = EXCLUDED.bedroom_pricing,
			currency = EXCLUDED.currency,
			last_updated = EXCLUDED.last_updated,
			updated_by = EXCLUDED.updated_by
	`, string(ps.InspectionType), data, string(currency), ps.LastUpdated.UTC(), string(ps.UpdatedBy))
	if err != nil {
		return fmt.Errorf("failed to save pricing: %w", err)
	}
	return nil
}

func (s *Store) GetPricing(ctx context.Context, t billing.InspectionType) (*billing.PricingSettings, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT inspection_type, bedroom_pricing, currency, last_updated, updated_by
		FROM pricing_settings WHERE inspection_type = $1`, string(t))
	ps, err := scanPricing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pricing: %w", err)
	}
	return &ps, nil
}

func (s *Store) ListPricing(ctx context.Context) ([]billing.PricingSettings, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT inspection_type, bedroom_pricing, currency, last_updated, updated_by
		FROM pricing_settings ORDER BY inspection_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pricing: %w", err)
	}
	defer rows.Close()

	var out []billing.PricingSettings
	for rows.Next() {
		ps, err := scanPricing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

func (s *Store) ResetPricing(ctx context.Context, t billing.InspectionType) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM pricing_settings WHERE inspection_type = $1`, string(t)); err != nil {
		return fmt.Errorf("failed to reset pricing: %w", err)
	}
	return nil
}

func scanPricing(row pgx.Row) (billing.PricingSettings, error) {
	var (
		ps                billing.PricingSettings
		typ, currency, by string
		data              []byte
		lastUpdated       time.Time
	)
	if err := row.Scan(&typ, &data, &currency, &lastUpdated, &by); err != nil {
		return billing.PricingSettings{}, err
	}
	var table map[int]string
	if err := json.Unmarshal(data, &table); err != nil {
		return billing.PricingSettings{}, fmt.Errorf("pricing %s: %w", typ, err)
	}
	ps.InspectionType = billing.InspectionType(typ)
	ps.BedroomPricing = make(map[int]billing.Money, len(table))
	for bedrooms, value := range table {
		m, err := parseMoney(value, currency)
		if err != nil {
			return billing.PricingSettings{}, fmt.Errorf("pricing %s: %w", typ, err)
		}
		ps.BedroomPricing[bedrooms] = m
	}
	ps.LastUpdated = lastUpdated.UTC()
	ps.UpdatedBy = billing.UserID(by)
	return ps, nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *Store) Get(ctx context.Context, periodNumber int) (*billing.ProcessedPeriod, error) {
	var p billing.ProcessedPeriod
	err := s.pool.QueryRow(ctx, `
		SELECT period_number, period_start, period_end, closed_at
		FROM processed_periods WHERE period_number = $1`, periodNumber).
		Scan(&p.PeriodNumber, &p.PeriodStart, &p.PeriodEnd, &p.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processed period: %w", err)
	}
	normalize(&p)

	rows, err := s.pool.Query(ctx, `
		SELECT inspection_id FROM period_inspections WHERE period_number = $1 ORDER BY inspection_id`, periodNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to load covered inspections: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to load covered inspections: %w", err)
	}
	p.CoveredInspectionIDs = fromStrings(ids)
	return &p, nil
}

// PutIfAbsent writes the entry, its covered ids and payouts in one
// transaction. A covered-id conflict aborts the transaction; the settling
// period is looked up afterwards so the caller gets a CoverageConflictError.
func (s *Store) PutIfAbsent(ctx context.Context, entry billing.ProcessedPeriod, payouts []billing.Payout) (billing.ProcessedPeriod, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return billing.ProcessedPeriod{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_periods (period_number, period_start, period_end, closed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (period_number) DO NOTHING
	`, entry.PeriodNumber, entry.PeriodStart.UTC(), entry.PeriodEnd.UTC(), entry.ClosedAt.UTC())
	if err != nil {
		return billing.ProcessedPeriod{}, false, fmt.Errorf("failed to insert processed period: %w", err)
	}
	if tag.RowsAffected() == 0 {
		tx.Rollback(ctx)
		existing, err := s.Get(ctx, entry.PeriodNumber)
		if err != nil {
			return billing.ProcessedPeriod{}, false, err
		}
		if existing == nil {
			return billing.ProcessedPeriod{}, false, billing.ErrConcurrentModification
		}
		return *existing, false, nil
	}

	for _, id := range entry.CoveredInspectionIDs {
		_, err := tx.Exec(ctx,
			`INSERT INTO period_inspections (inspection_id, period_number) VALUES ($1, $2)`,
			string(id), entry.PeriodNumber)
		if err == nil {
			continue
		}
		if isUniqueViolation(err) {
			tx.Rollback(ctx)
			return billing.ProcessedPeriod{}, false, s.coverageConflict(ctx, id)
		}
		return billing.ProcessedPeriod{}, false, fmt.Errorf("failed to insert covered inspection: %w", err)
	}

	batch := &pgx.Batch{}
	for _, p := range payouts {
		lines, err := encodePayoutLines(p.Lines)
		if err != nil {
			return billing.ProcessedPeriod{}, false, err
		}
		batch.Queue(`
			INSERT INTO payouts (period_number, role, biller_id, amount_value, currency, source_ids, lines)
			VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
		`, p.PeriodNumber, string(p.Role), string(p.BillerID), p.Amount.Value.String(),
			string(p.Amount.Currency), toStrings(p.SourceInspectionIDs), lines)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return billing.ProcessedPeriod{}, false, fmt.Errorf("failed to insert payouts: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return billing.ProcessedPeriod{}, false, billing.ErrConcurrentModification
		}
		return billing.ProcessedPeriod{}, false, fmt.Errorf("failed to commit processed period: %w", err)
	}
	return entry, true, nil
}

func (s *Store) coverageConflict(ctx context.Context, id billing.InspectionID) error {
	var settled int
	err := s.pool.QueryRow(ctx,
		`SELECT period_number FROM period_inspections WHERE inspection_id = $1`, string(id)).Scan(&settled)
	if err != nil {
		return fmt.Errorf("%w: %s", billing.ErrInspectionAlreadyCovered, id)
	}
	return &billing.CoverageConflictError{InspectionID: id, ExistingPeriod: settled}
}

func (s *Store) List(ctx context.Context) ([]billing.ProcessedPeriod, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.period_number, p.period_start, p.period_end, p.closed_at,
			COALESCE(array_agg(c.inspection_id ORDER BY c.inspection_id)
				FILTER (WHERE c.inspection_id IS NOT NULL), '{}')
		FROM processed_periods p
		LEFT JOIN period_inspections c ON c.period_number = p.period_number
		GROUP BY p.period_number
		ORDER BY p.period_number`)
	if err != nil {
		return nil, fmt.Errorf("failed to list processed periods: %w", err)
	}
	defer rows.Close()

	var out []billing.ProcessedPeriod
	for rows.Next() {
		var (
			p   billing.ProcessedPeriod
			ids []string
		)
		if err := rows.Scan(&p.PeriodNumber, &p.PeriodStart, &p.PeriodEnd, &p.ClosedAt, &ids); err != nil {
			return nil, err
		}
		normalize(&p)
		p.CoveredInspectionIDs = fromStrings(ids)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) Payouts(ctx context.Context, periodNumber int) ([]billing.Payout, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_periods WHERE period_number = $1)`, periodNumber).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check processed period: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: period %d", billing.ErrNotFound, periodNumber)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT role, biller_id, amount_value::text, currency, source_ids, lines
		FROM payouts WHERE period_number = $1
		ORDER BY CASE role WHEN 'agent' THEN 0 ELSE 1 END, biller_id`, periodNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to load payouts: %w", err)
	}
	defer rows.Close()

	var out []billing.Payout
	for rows.Next() {
		var (
			role, biller, amount, currency string
			ids                            []string
			data                           []byte
		)
		if err := rows.Scan(&role, &biller, &amount, &currency, &ids, &data); err != nil {
			return nil, err
		}
		m, err := parseMoney(amount, currency)
		if err != nil {
			return nil, err
		}
		lines, err := decodePayoutLines(data, currency)
		if err != nil {
			return nil, err
		}
		out = append(out, billing.Payout{
			Role:                billing.BillerRole(role),
			BillerID:            billing.BillerID(biller),
			PeriodNumber:        periodNumber,
			Amount:              m,
			SourceInspectionIDs: fromStrings(ids),
			Lines:               lines,
		})
	}
	return out, rows.Err()
}

// payoutLineRecord is the JSONB form of a billing.PayoutLine.
type payoutLineRecord struct {
	InspectionID    string    `json:"inspection_id"`
	Type            string    `json:"type"`
	PropertyAddress string    `json:"property_address"`
	Price           string    `json:"price"`
	AttributedAt    time.Time `json:"attributed_at"`
}

func encodePayoutLines(lines []billing.PayoutLine) ([]byte, error) {
	records := make([]payoutLineRecord, 0, len(lines))
	for _, l := range lines {
		records = append(records, payoutLineRecord{
			InspectionID:    string(l.InspectionID),
			Type:            string(l.Type),
			PropertyAddress: l.PropertyAddress,
			Price:           l.Price.Value.String(),
			AttributedAt:    l.AttributedAt.UTC(),
		})
	}
	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payout lines: %w", err)
	}
	return data, nil
}

func decodePayoutLines(data []byte, currency string) ([]billing.PayoutLine, error) {
	var records []payoutLineRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("payout lines: %w", err)
	}
	var lines []billing.PayoutLine
	for _, r := range records {
		price, err := parseMoney(r.Price, currency)
		if err != nil {
			return nil, err
		}
		lines = append(lines, billing.PayoutLine{
			InspectionID:    billing.InspectionID(r.InspectionID),
			Type:            billing.InspectionType(r.Type),
			PropertyAddress: r.PropertyAddress,
			Price:           price,
			AttributedAt:    r.AttributedAt.UTC(),
		})
	}
	return lines, nil
}

// =============================================================================
// INVOICES
// =============================================================================

type lineRecord struct {
	InspectionID string `json:"inspection_id"`
	Description  string `json:"description"`
	Amount       string `json:"amount"`
}

func (s *Store) CreateInvoice(ctx context.Context, inv billing.Invoice) (bool, error) {
	lines := make([]lineRecord, len(inv.LineItems))
	for i, l := range inv.LineItems {
		lines[i] = lineRecord{InspectionID: string(l.InspectionID), Description: l.Description, Amount: l.Amount.Value.String()}
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return false, fmt.Errorf("failed to encode invoice lines: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO invoices (id, period_number, period_start, period_end, role, biller_id, biller_name,
			total_value, currency, line_items, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, string(inv.ID), inv.PeriodNumber, inv.PeriodStart.UTC(), inv.PeriodEnd.UTC(), string(inv.Role),
		string(inv.BillerID), inv.BillerName, inv.Total.Value.String(), string(inv.Total.Currency),
		data, inv.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert invoice: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const invoiceColumns = `id, period_number, period_start, period_end, role, biller_id, biller_name,
	total_value::text, currency, line_items, created_at`

func (s *Store) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	invs, err := s.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, string(id))
	if err != nil {
		return nil, err
	}
	if len(invs) == 0 {
		return nil, fmt.Errorf("%w: invoice %s", billing.ErrNotFound, id)
	}
	return &invs[0], nil
}

func (s *Store) ListInvoices(ctx context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	var (
		where []string
		args  []any
	)
	if filter.PeriodNumber != nil {
		args = append(args, *filter.PeriodNumber)
		where = append(where, fmt.Sprintf("period_number = $%d", len(args)))
	}
	if filter.BillerID != nil {
		args = append(args, string(*filter.BillerID))
		where = append(where, fmt.Sprintf("biller_id = $%d", len(args)))
	}
	if filter.Role != nil {
		args = append(args, string(*filter.Role))
		where = append(where, fmt.Sprintf("role = $%d", len(args)))
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY period_number, role, biller_id`
	return s.queryInvoices(ctx, query, args...)
}

func (s *Store) queryInvoices(ctx context.Context, query string, args ...any) ([]billing.Invoice, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	defer rows.Close()

	var out []billing.Invoice
	for rows.Next() {
		var (
			inv                               billing.Invoice
			id, role, biller, total, currency string
			data                              []byte
		)
		if err := rows.Scan(&id, &inv.PeriodNumber, &inv.PeriodStart, &inv.PeriodEnd, &role, &biller,
			&inv.BillerName, &total, &currency, &data, &inv.CreatedAt); err != nil {
			return nil, err
		}
		inv.ID = billing.InvoiceID(id)
		inv.Role = billing.BillerRole(role)
		inv.BillerID = billing.BillerID(biller)
		inv.PeriodStart = inv.PeriodStart.UTC()
		inv.PeriodEnd = inv.PeriodEnd.UTC()
		inv.CreatedAt = inv.CreatedAt.UTC()
		if inv.Total, err = parseMoney(total, currency); err != nil {
			return nil, err
		}

		var lines []lineRecord
		if err := json.Unmarshal(data, &lines); err != nil {
			return nil, fmt.Errorf("invoice %s lines: %w", id, err)
		}
		for _, l := range lines {
			amount, err := parseMoney(l.Amount, currency)
			if err != nil {
				return nil, err
			}
			inv.LineItems = append(inv.LineItems, billing.InvoiceLine{
				InspectionID: billing.InspectionID(l.InspectionID),
				Description:  l.Description,
				Amount:       amount,
			})
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func parseMoney(value, currency string) (billing.Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return billing.Money{}, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return billing.Money{Value: d, Currency: billing.Currency(currency)}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func normalize(p *billing.ProcessedPeriod) {
	p.PeriodStart = p.PeriodStart.UTC()
	p.PeriodEnd = p.PeriodEnd.UTC()
	p.ClosedAt = p.ClosedAt.UTC()
}

func toStrings(ids []billing.InspectionID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func fromStrings(ids []string) []billing.InspectionID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]billing.InspectionID, len(ids))
	for i, id := range ids {
		out[i] = billing.InspectionID(id)
	}
	return out
}
