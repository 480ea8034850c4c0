/*
Package sqlite provides a SQLite-backed implementation of billing.Store.

PURPOSE:
  Persists users, inspections, pricing overrides, the processed-period
  ledger, payouts and invoices. The PostgreSQL store (store/postgres)
  follows the same schema with dialect differences only.

APPEND-ONLY ENFORCEMENT:
  - processed_periods, payouts, invoices, invoice_lines: INSERT only
  - No UPDATE or DELETE statements on those tables
  - Corrections are compensating invoices, never edits

KEY TABLES:
  processed_periods:       One row per closed period (PK period_number)
  period_inspections:      Covered ids (PK inspection_id = at most once)
  payouts:                 Settled cashback/commission per biller
  invoices, invoice_lines: Immutable invoices (PK deterministic id)
  inspections:             Booked inspections with price snapshot
  pricing_settings:        Admin overrides (defaults live in code)
  users:                   Agents, clerks, admins

CONCURRENCY:
  PutIfAbsent runs in one SQL transaction under the store mutex. The
  primary keys are the backstop: a second writer for the same period, or
  a covered id claimed twice, fails the constraint and rolls back.

WAL MODE:
  Opened with WAL so readers never block the single writer.

USAGE:
  store, err := sqlite.New("./data/settlement.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/settlement-engine/billing"
)

// Store implements billing.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ billing.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		role TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS inspections (
		id TEXT PRIMARY KEY,
		property_id TEXT NOT NULL,
		property_address TEXT NOT NULL DEFAULT '',
		bedrooms INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		clerk_id TEXT NOT NULL DEFAULT '',
		inspection_type TEXT NOT NULL,
		price_value TEXT NOT NULL,
		price_currency TEXT NOT NULL,
		status TEXT NOT NULL,
		scheduled_date TEXT NOT NULL,
		completed_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_inspections_status_completed
		ON inspections(status, completed_date);
	CREATE INDEX IF NOT EXISTS idx_inspections_agent ON inspections(agent_id);
	CREATE INDEX IF NOT EXISTS idx_inspections_clerk ON inspections(clerk_id);

	CREATE TABLE IF NOT EXISTS pricing_settings (
		inspection_type TEXT PRIMARY KEY,
		bedroom_pricing_json TEXT NOT NULL,
		currency TEXT NOT NULL,
		last_updated TEXT NOT NULL,
		updated_by TEXT NOT NULL DEFAULT ''
	);

	-- Ledger (append-only)
	CREATE TABLE IF NOT EXISTS processed_periods (
		period_number INTEGER PRIMARY KEY,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		closed_at TEXT NOT NULL
	);

	-- CRITICAL: an inspection is settled by at most one period, ever
	CREATE TABLE IF NOT EXISTS period_inspections (
		inspection_id TEXT PRIMARY KEY,
		period_number INTEGER NOT NULL REFERENCES processed_periods(period_number)
	);

	CREATE INDEX IF NOT EXISTS idx_period_inspections_period
		ON period_inspections(period_number);

	CREATE TABLE IF NOT EXISTS payouts (
		period_number INTEGER NOT NULL REFERENCES processed_periods(period_number),
		role TEXT NOT NULL,
		biller_id TEXT NOT NULL,
		amount_value TEXT NOT NULL,
		currency TEXT NOT NULL,
		source_ids_json TEXT NOT NULL,
		lines_json TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (period_number, role, biller_id)
	);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		period_number INTEGER NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		role TEXT NOT NULL,
		biller_id TEXT NOT NULL,
		biller_name TEXT NOT NULL DEFAULT '',
		total_value TEXT NOT NULL,
		currency TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_biller ON invoices(biller_id, period_number);
	CREATE INDEX IF NOT EXISTS idx_invoices_period ON invoices(period_number);

	CREATE TABLE IF NOT EXISTS invoice_lines (
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		position INTEGER NOT NULL,
		inspection_id TEXT NOT NULL,
		description TEXT NOT NULL,
		amount_value TEXT NOT NULL,
		PRIMARY KEY (invoice_id, position)
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.addColumnIfMissing("payouts", "lines_json", "TEXT NOT NULL DEFAULT '[]'")
}

// addColumnIfMissing upgrades databases created before the column existed.
func (s *Store) addColumnIfMissing(table, column, decl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, kind string
			notNull    int
			dflt       sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &kind, &notNull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// USERS
// =============================================================================

func (s *Store) SaveUser(ctx context.Context, u billing.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, role, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, email = excluded.email, role = excluded.role
	`, u.ID, u.Name, nullString(u.Email), u.Role, formatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id billing.UserID) (*billing.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT id, name, email, role, created_at FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", billing.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]billing.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, email, role, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []billing.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (billing.User, error) {
	var (
		u         billing.User
		email     sql.NullString
		createdAt string
	)
	if err := row.Scan(&u.ID, &u.Name, &email, &u.Role, &createdAt); err != nil {
		return billing.User{}, err
	}
	u.Email = email.String
	u.CreatedAt = parseTime(createdAt)
	return u, nil
}

// =============================================================================
// INSPECTIONS
// =============================================================================

const inspectionColumns = `id, property_id, property_address, bedrooms, agent_id, clerk_id,
	inspection_type, price_value, price_currency, status, scheduled_date, completed_date,
	created_at, updated_at`

func (s *Store) CreateInspection(ctx context.Context, insp billing.Inspection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inspections (`+inspectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		insp.ID, insp.PropertyID, insp.PropertyAddress, insp.Bedrooms, insp.AgentID, insp.ClerkID,
		insp.Type, insp.Price.Value.String(), insp.Price.Currency, insp.Status,
		formatTime(insp.ScheduledDate), formatTimePtr(insp.CompletedDate),
		formatTime(insp.CreatedAt), formatTime(insp.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: inspection %s already exists", billing.ErrValidation, insp.ID)
		}
		return fmt.Errorf("failed to create inspection: %w", err)
	}
	return nil
}

// UpdateInspection writes lifecycle fields. price_* is not in the SET list.
func (s *Store) UpdateInspection(ctx context.Context, insp billing.Inspection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE inspections SET
			property_address = ?, bedrooms = ?, agent_id = ?, clerk_id = ?,
			status = ?, scheduled_date = ?, completed_date = ?, updated_at = ?
		WHERE id = ?
	`,
		insp.PropertyAddress, insp.Bedrooms, insp.AgentID, insp.ClerkID,
		insp.Status, formatTime(insp.ScheduledDate), formatTimePtr(insp.CompletedDate),
		formatTime(insp.UpdatedAt), insp.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update inspection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: inspection %s", billing.ErrNotFound, insp.ID)
	}
	return nil
}

func (s *Store) GetInspection(ctx context.Context, id billing.InspectionID) (*billing.Inspection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+inspectionColumns+` FROM inspections WHERE id = ?`, id)
	insp, err := scanInspection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: inspection %s", billing.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inspection: %w", err)
	}
	return &insp, nil
}

func (s *Store) ListInspections(ctx context.Context) ([]billing.Inspection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryInspections(ctx, `SELECT `+inspectionColumns+` FROM inspections ORDER BY id`)
}

func (s *Store) GetInspections(ctx context.Context, ids []billing.InspectionID) ([]billing.Inspection, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	return s.queryInspections(ctx,
		`SELECT `+inspectionColumns+` FROM inspections WHERE id IN (`+placeholders+`) ORDER BY id`, args...)
}

func (s *Store) ClearInspections(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM inspections`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear inspections: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) queryInspections(ctx context.Context, query string, args ...any) ([]billing.Inspection, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func scanInspection(row scanner) (billing.Inspection, error) {
	var (
		insp                            billing.Inspection
		priceValue, currency            string
		scheduled, createdAt, updatedAt string
		completed                       sql.NullString
	)
	err := row.Scan(&insp.ID, &insp.PropertyID, &insp.PropertyAddress, &insp.Bedrooms,
		&insp.AgentID, &insp.ClerkID, &insp.Type, &priceValue, &currency, &insp.Status,
		&scheduled, &completed, &createdAt, &updatedAt)
	if err != nil {
		return billing.Inspection{}, err
	}
	insp.Price, err = parseMoney(priceValue, currency)
	if err != nil {
		return billing.Inspection{}, fmt.Errorf("inspection %s: %w", insp.ID, err)
	}
	insp.ScheduledDate = parseTime(scheduled)
	if completed.Valid {
		t := parseTime(completed.String)
		insp.CompletedDate = &t
	}
	insp.CreatedAt = parseTime(createdAt)
	insp.UpdatedAt = parseTime(updatedAt)
	return insp, nil
}

// =============================================================================
// PRICING
// =============================================================================

func (s *Store) SavePricing(ctx context.Context, ps billing.PricingSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, currency := encodePricing(ps)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pricing_settings (inspection_type, bedroom_pricing_json, currency, last_updated, updated_by)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(inspection_type) DO UPDATE SET
			bedroom_pricing_json = excluded.bedroom_pricing_json,
			currency = excluded.currency,
			last_updated = excluded.last_updated,
			updated_by = excluded.updated_by
	`, ps.InspectionType, table, currency, formatTime(ps.LastUpdated), ps.UpdatedBy)
	if err != nil {
		return fmt.Errorf("failed to save pricing: %w", err)
	}
	return nil
}

func (s *Store) GetPricing(ctx context.Context, t billing.InspectionType) (*billing.PricingSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT inspection_type, bedroom_pricing_json, currency, last_updated, updated_by
		FROM pricing_settings WHERE inspection_type = ?`, t)
	ps, err := scanPricing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pricing: %w", err)
	}
	return &ps, nil
}

func (s *Store) ListPricing(ctx context.Context) ([]billing.PricingSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT inspection_type, bedroom_pricing_json, currency, last_updated, updated_by
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
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM pricing_settings WHERE inspection_type = ?`, t); err != nil {
		return fmt.Errorf("failed to reset pricing: %w", err)
	}
	return nil
}

func encodePricing(ps billing.PricingSettings) (string, billing.Currency) {
	table := make(map[int]string, len(ps.BedroomPricing))
	var currency billing.Currency
	for bedrooms, price := range ps.BedroomPricing {
		table[bedrooms] = price.Value.String()
		currency = price.Currency
	}
	if currency == "" {
		currency = billing.DefaultCurrency
	}
	data, _ := json.Marshal(table)
	return string(data), currency
}

func scanPricing(row scanner) (billing.PricingSettings, error) {
	var (
		ps                  billing.PricingSettings
		tableJSON, currency string
		lastUpdated         string
	)
	if err := row.Scan(&ps.InspectionType, &tableJSON, &currency, &lastUpdated, &ps.UpdatedBy); err != nil {
		return billing.PricingSettings{}, err
	}
	var table map[int]string
	if err := json.Unmarshal([]byte(tableJSON), &table); err != nil {
		return billing.PricingSettings{}, fmt.Errorf("pricing %s: %w", ps.InspectionType, err)
	}
	ps.BedroomPricing = make(map[int]billing.Money, len(table))
	for bedrooms, value := range table {
		m, err := parseMoney(value, currency)
		if err != nil {
			return billing.PricingSettings{}, fmt.Errorf("pricing %s: %w", ps.InspectionType, err)
		}
		ps.BedroomPricing[bedrooms] = m
	}
	ps.LastUpdated = parseTime(lastUpdated)
	return ps, nil
}

// =============================================================================
// LEDGER (billing.Ledger interface)
// =============================================================================

func (s *Store) Get(ctx context.Context, periodNumber int) (*billing.ProcessedPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPeriod(ctx, s.db, periodNumber)
}

func getPeriod(ctx context.Context, q queryer, periodNumber int) (*billing.ProcessedPeriod, error) {
	var start, end, closedAt string
	err := q.QueryRowContext(ctx, `
		SELECT period_start, period_end, closed_at FROM processed_periods WHERE period_number = ?`,
		periodNumber).Scan(&start, &end, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get processed period: %w", err)
	}

	p := billing.ProcessedPeriod{
		PeriodNumber: periodNumber,
		PeriodStart:  parseTime(start),
		PeriodEnd:    parseTime(end),
		ClosedAt:     parseTime(closedAt),
	}
	rows, err := q.QueryContext(ctx, `
		SELECT inspection_id FROM period_inspections WHERE period_number = ? ORDER BY inspection_id`, periodNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to load covered inspections: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id billing.InspectionID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		p.CoveredInspectionIDs = append(p.CoveredInspectionIDs, id)
	}
	return &p, rows.Err()
}

// PutIfAbsent writes the entry, its covered ids and payouts in one SQL
// transaction.
func (s *Store) PutIfAbsent(ctx context.Context, entry billing.ProcessedPeriod, payouts []billing.Payout) (billing.ProcessedPeriod, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return billing.ProcessedPeriod{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, `
		INSERT INTO processed_periods (period_number, period_start, period_end, closed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(period_number) DO NOTHING
	`, entry.PeriodNumber, formatTime(entry.PeriodStart), formatTime(entry.PeriodEnd), formatTime(entry.ClosedAt))
	if err != nil {
		return billing.ProcessedPeriod{}, false, fmt.Errorf("failed to insert processed period: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := getPeriod(ctx, sqlTx, entry.PeriodNumber)
		if err != nil {
			return billing.ProcessedPeriod{}, false, err
		}
		if existing == nil {
			return billing.ProcessedPeriod{}, false, billing.ErrConcurrentModification
		}
		return *existing, false, nil
	}

	for _, id := range entry.CoveredInspectionIDs {
		if err := insertCovered(ctx, sqlTx, id, entry.PeriodNumber); err != nil {
			return billing.ProcessedPeriod{}, false, err
		}
	}
	for _, p := range payouts {
		if err := insertPayout(ctx, sqlTx, p); err != nil {
			return billing.ProcessedPeriod{}, false, err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return billing.ProcessedPeriod{}, false, fmt.Errorf("failed to commit processed period: %w", err)
	}
	return entry, true, nil
}

func insertCovered(ctx context.Context, tx *sql.Tx, id billing.InspectionID, periodNumber int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO period_inspections (inspection_id, period_number) VALUES (?, ?)`, id, periodNumber)
	if err == nil {
		return nil
	}
	if isUniqueConstraintError(err) {
		var settled int
		if qErr := tx.QueryRowContext(ctx,
			`SELECT period_number FROM period_inspections WHERE inspection_id = ?`, id).Scan(&settled); qErr != nil {
			return fmt.Errorf("%w: %s", billing.ErrInspectionAlreadyCovered, id)
		}
		return &billing.CoverageConflictError{InspectionID: id, ExistingPeriod: settled}
	}
	return fmt.Errorf("failed to insert covered inspection: %w", err)
}

// payoutLineRecord is the JSON form of a billing.PayoutLine.
type payoutLineRecord struct {
	InspectionID    string `json:"inspection_id"`
	Type            string `json:"type"`
	PropertyAddress string `json:"property_address"`
	Price           string `json:"price"`
	AttributedAt    string `json:"attributed_at"`
}

func encodePayoutLines(lines []billing.PayoutLine) string {
	records := make([]payoutLineRecord, 0, len(lines))
	for _, l := range lines {
		records = append(records, payoutLineRecord{
			InspectionID:    string(l.InspectionID),
			Type:            string(l.Type),
			PropertyAddress: l.PropertyAddress,
			Price:           l.Price.Value.String(),
			AttributedAt:    formatTime(l.AttributedAt),
		})
	}
	out, _ := json.Marshal(records)
	return string(out)
}

func decodePayoutLines(raw string, currency billing.Currency) ([]billing.PayoutLine, error) {
	var records []payoutLineRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
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
			AttributedAt:    parseTime(r.AttributedAt),
		})
	}
	return lines, nil
}

func insertPayout(ctx context.Context, ex execer, p billing.Payout) error {
	ids, _ := json.Marshal(p.SourceInspectionIDs)
	_, err := ex.ExecContext(ctx, `
		INSERT INTO payouts (period_number, role, biller_id, amount_value, currency, source_ids_json, lines_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.PeriodNumber, p.Role, p.BillerID, p.Amount.Value.String(), p.Amount.Currency, string(ids),
		encodePayoutLines(p.Lines))
	if err != nil {
		return fmt.Errorf("failed to insert payout: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]billing.ProcessedPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.period_number, p.period_start, p.period_end, p.closed_at, c.inspection_id
		FROM processed_periods p
		LEFT JOIN period_inspections c ON c.period_number = p.period_number
		ORDER BY p.period_number, c.inspection_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list processed periods: %w", err)
	}
	defer rows.Close()

	var out []billing.ProcessedPeriod
	for rows.Next() {
		var (
			n                    int
			start, end, closedAt string
			inspectionID         sql.NullString
		)
		if err := rows.Scan(&n, &start, &end, &closedAt, &inspectionID); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].PeriodNumber != n {
			out = append(out, billing.ProcessedPeriod{
				PeriodNumber: n,
				PeriodStart:  parseTime(start),
				PeriodEnd:    parseTime(end),
				ClosedAt:     parseTime(closedAt),
			})
		}
		if inspectionID.Valid {
			last := &out[len(out)-1]
			last.CoveredInspectionIDs = append(last.CoveredInspectionIDs, billing.InspectionID(inspectionID.String))
		}
	}
	return out, rows.Err()
}

func (s *Store) Payouts(ctx context.Context, periodNumber int) ([]billing.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exists int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_periods WHERE period_number = ?`, periodNumber).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check processed period: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: period %d", billing.ErrNotFound, periodNumber)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, biller_id, amount_value, currency, source_ids_json, lines_json
		FROM payouts WHERE period_number = ?
		ORDER BY CASE role WHEN 'agent' THEN 0 ELSE 1 END, biller_id`, periodNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to load payouts: %w", err)
	}
	defer rows.Close()

	var out []billing.Payout
	for rows.Next() {
		var (
			p                                billing.Payout
			amount, currency, idsJS, linesJS string
		)
		if err := rows.Scan(&p.Role, &p.BillerID, &amount, &currency, &idsJS, &linesJS); err != nil {
			return nil, err
		}
		p.PeriodNumber = periodNumber
		if p.Amount, err = parseMoney(amount, currency); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(idsJS), &p.SourceInspectionIDs); err != nil {
			return nil, fmt.Errorf("payout source ids: %w", err)
		}
		if p.Lines, err = decodePayoutLines(linesJS, p.Amount.Currency); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// INVOICES
// =============================================================================

func (s *Store) CreateInvoice(ctx context.Context, inv billing.Invoice) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, `
		INSERT INTO invoices (id, period_number, period_start, period_end, role, biller_id, biller_name,
			total_value, currency, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, inv.ID, inv.PeriodNumber, formatTime(inv.PeriodStart), formatTime(inv.PeriodEnd), inv.Role,
		inv.BillerID, inv.BillerName, inv.Total.Value.String(), inv.Total.Currency, formatTime(inv.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert invoice: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	for i, line := range inv.LineItems {
		if _, err := sqlTx.ExecContext(ctx, `
			INSERT INTO invoice_lines (invoice_id, position, inspection_id, description, amount_value)
			VALUES (?, ?, ?, ?, ?)
		`, inv.ID, i, line.InspectionID, line.Description, line.Amount.Value.String()); err != nil {
			return false, fmt.Errorf("failed to insert invoice line: %w", err)
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit invoice: %w", err)
	}
	return true, nil
}

const invoiceColumns = `id, period_number, period_start, period_end, role, biller_id, biller_name,
	total_value, currency, created_at`

func (s *Store) GetInvoice(ctx context.Context, id billing.InvoiceID) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invs, err := s.queryInvoices(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(invs) == 0 {
		return nil, fmt.Errorf("%w: invoice %s", billing.ErrNotFound, id)
	}
	return &invs[0], nil
}

func (s *Store) ListInvoices(ctx context.Context, filter billing.InvoiceFilter) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.PeriodNumber != nil {
		where = append(where, "period_number = ?")
		args = append(args, *filter.PeriodNumber)
	}
	if filter.BillerID != nil {
		where = append(where, "biller_id = ?")
		args = append(args, *filter.BillerID)
	}
	if filter.Role != nil {
		where = append(where, "role = ?")
		args = append(args, *filter.Role)
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY period_number, role, biller_id`
	return s.queryInvoices(ctx, query, args...)
}

func (s *Store) queryInvoices(ctx context.Context, query string, args ...any) ([]billing.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoices: %w", err)
	}
	var out []billing.Invoice
	for rows.Next() {
		var (
			inv                             billing.Invoice
			start, end, total, cur, created string
		)
		if err := rows.Scan(&inv.ID, &inv.PeriodNumber, &start, &end, &inv.Role, &inv.BillerID,
			&inv.BillerName, &total, &cur, &created); err != nil {
			rows.Close()
			return nil, err
		}
		inv.PeriodStart = parseTime(start)
		inv.PeriodEnd = parseTime(end)
		inv.CreatedAt = parseTime(created)
		if inv.Total, err = parseMoney(total, cur); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, inv)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		lines, err := s.invoiceLines(ctx, out[i].ID, out[i].Total.Currency)
		if err != nil {
			return nil, err
		}
		out[i].LineItems = lines
	}
	return out, nil
}

func (s *Store) invoiceLines(ctx context.Context, id billing.InvoiceID, currency billing.Currency) ([]billing.InvoiceLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT inspection_id, description, amount_value FROM invoice_lines
		WHERE invoice_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice lines: %w", err)
	}
	defer rows.Close()

	var lines []billing.InvoiceLine
	for rows.Next() {
		var (
			line   billing.InvoiceLine
			amount string
		)
		if err := rows.Scan(&line.InspectionID, &line.Description, &amount); err != nil {
			return nil, err
		}
		if line.Amount, err = parseMoney(amount, string(currency)); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseMoney[C ~string](value string, currency C) (billing.Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return billing.Money{}, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return billing.Money{Value: d, Currency: billing.Currency(currency)}, nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
