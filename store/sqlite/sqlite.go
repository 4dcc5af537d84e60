/*
Package sqlite provides the SQLite-backed persistence layer.

PURPOSE:
  Persists raw invoice payloads exactly as the backend shaped them (the
  canonical Invoice is never stored, only derived), plus the lookup tables
  the assembler's enrichment barrier reads from. In production the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  assemble.Directory: employee/vendor/client/timesheet lookups

KEY TABLES:
  invoices:    raw payload JSON + optional frozen totals (explicit save only)
  employees:   enrichment payloads, JSON
  vendors:     enrichment payloads, JSON
  clients:     enrichment payloads, JSON
  timesheets:  enrichment payloads, JSON

FROZEN TOTALS:
  Resolution always recomputes totals from line items. The frozen columns
  are written only when a user explicitly saves an edited invoice; they are
  a snapshot for audit, never an input to resolution.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  multiple readers don't block and crash recovery improves.

USAGE:
  store, err := sqlite.New(":memory:")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - assemble/assembler.go: Directory interface definition
  - invoice/errors.go: PersistenceError, ErrInvoiceNotFound
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/invoice-engine/coalesce"
	"github.com/warp/invoice-engine/invoice"
)

// Store implements persistence and enrichment lookups using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
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

func (s *Store) migrate() error {
	schema := `
	-- Raw invoice payloads as the backend shaped them
	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		invoice_number TEXT,
		payload TEXT NOT NULL,
		frozen_subtotal TEXT,
		frozen_total TEXT,
		saved_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invoices_number ON invoices(invoice_number);

	-- Enrichment lookup tables, loosely-shaped payloads kept as JSON
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS vendors (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS timesheets (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// INVOICES
// =============================================================================

// InvoiceRecord is one persisted raw invoice plus save metadata.
type InvoiceRecord struct {
	ID             string
	Number         string
	Payload        coalesce.Record
	FrozenSubtotal string // set only by explicit save
	FrozenTotal    string
	SavedAt        time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SaveInvoice inserts or replaces a raw invoice payload. A missing ID gets
// a generated one; the invoice_number column is denormalized for listing.
func (s *Store) SaveInvoice(ctx context.Context, rec InvoiceRecord) (InvoiceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Number = coalesce.String("",
		coalesce.Value(rec.Number),
		coalesce.Field(rec.Payload, "invoiceNumber"),
		coalesce.Field(rec.Payload, "number"),
	)

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return rec, &invoice.PersistenceError{Op: "save", Cause: err}
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO invoices (id, invoice_number, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			invoice_number = excluded.invoice_number,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Number, string(payload),
		rec.CreatedAt.Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return rec, &invoice.PersistenceError{Op: "save", Cause: err}
	}
	return rec, nil
}

// FreezeTotals records a snapshot of computed totals on explicit save.
// Resolution never reads these back as inputs.
func (s *Store) FreezeTotals(ctx context.Context, id, subtotal, total string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices SET frozen_subtotal = ?, frozen_total = ?, saved_at = ?
		WHERE id = ?`,
		subtotal, total, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return &invoice.PersistenceError{Op: "freeze-totals", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return invoice.ErrInvoiceNotFound
	}
	return nil
}

// GetInvoice loads one raw invoice by ID.
func (s *Store) GetInvoice(ctx context.Context, id string) (InvoiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		rec                          = InvoiceRecord{ID: id}
		payload                      string
		frozenSub, frozenTot, saved  sql.NullString
		createdAt, updatedAt, number sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT invoice_number, payload, frozen_subtotal, frozen_total, saved_at, created_at, updated_at
		FROM invoices WHERE id = ?`, id,
	).Scan(&number, &payload, &frozenSub, &frozenTot, &saved, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return rec, invoice.ErrInvoiceNotFound
	}
	if err != nil {
		return rec, &invoice.PersistenceError{Op: "get", Cause: err}
	}

	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return rec, &invoice.PersistenceError{Op: "decode", Cause: err}
	}
	rec.Number = number.String
	rec.FrozenSubtotal = frozenSub.String
	rec.FrozenTotal = frozenTot.String
	rec.SavedAt = parseTime(saved.String)
	rec.CreatedAt = parseTime(createdAt.String)
	rec.UpdatedAt = parseTime(updatedAt.String)
	return rec, nil
}

// ListInvoices returns all invoices, most recently updated first.
func (s *Store) ListInvoices(ctx context.Context) ([]InvoiceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_number, payload, updated_at
		FROM invoices ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, &invoice.PersistenceError{Op: "list", Cause: err}
	}
	defer rows.Close()

	var recs []InvoiceRecord
	for rows.Next() {
		var rec InvoiceRecord
		var payload string
		var number, updatedAt sql.NullString
		if err := rows.Scan(&rec.ID, &number, &payload, &updatedAt); err != nil {
			return nil, &invoice.PersistenceError{Op: "list", Cause: err}
		}
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return nil, &invoice.PersistenceError{Op: "decode", Cause: err}
		}
		rec.Number = number.String
		rec.UpdatedAt = parseTime(updatedAt.String)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// =============================================================================
// ENRICHMENT LOOKUPS (assemble.Directory)
// =============================================================================

func (s *Store) Employee(ctx context.Context, id string) (coalesce.Record, error) {
	return s.lookup(ctx, "employees", id)
}

func (s *Store) Vendor(ctx context.Context, id string) (coalesce.Record, error) {
	return s.lookup(ctx, "vendors", id)
}

func (s *Store) Client(ctx context.Context, id string) (coalesce.Record, error) {
	return s.lookup(ctx, "clients", id)
}

func (s *Store) Timesheet(ctx context.Context, id string) (coalesce.Record, error) {
	return s.lookup(ctx, "timesheets", id)
}

// lookup reads one enrichment payload. The table name is always one of the
// fixed identifiers above, never caller input.
func (s *Store) lookup(ctx context.Context, table, id string) (coalesce.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM "+table+" WHERE id = ?", id,
	).Scan(&payload)
	if err != nil {
		return nil, err
	}

	var rec coalesce.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// enrichmentTables maps source names to their fixed table identifiers.
var enrichmentTables = map[string]string{
	"employee":  "employees",
	"vendor":    "vendors",
	"client":    "clients",
	"timesheet": "timesheets",
}

// SaveEnrichment writes one enrichment payload into the named source table.
func (s *Store) SaveEnrichment(ctx context.Context, source, id string, payload coalesce.Record) error {
	table, ok := enrichmentTables[source]
	if !ok {
		return fmt.Errorf("unknown enrichment source %q", source)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return &invoice.PersistenceError{Op: "save-" + source, Cause: err}
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO "+table+" (id, payload) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET payload = excluded.payload",
		id, string(data),
	)
	if err != nil {
		return &invoice.PersistenceError{Op: "save-" + source, Cause: err}
	}
	return nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
