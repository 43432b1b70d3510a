/*
Package sqlite provides the SQLite-backed implementation of the store
interfaces.

PURPOSE:
  Durable, transactional storage for all entities (leads, quotes, jobs,
  settings, usage) in the user's local environment, able to gain new
  tables and indexes over the application's life without discarding
  previously stored data.

DOCUMENT LAYOUT:
  Each entity row carries the full entity as doc_json plus a handful of
  indexed columns (status, customer_name, ...) duplicated for querying.
  The document is authoritative for non-indexed fields; identity and
  timestamps are authoritative in their columns and overwrite the
  document's copy on read.

VERSIONED MIGRATIONS:
  Schema history is an ordered list of additive migration steps, applied
  in ascending version order inside New. Each step may add a table or
  add columns/indexes to an existing one; no step ever drops or renames
  a table holding data. Applied versions are tracked in schema_versions,
  so reopening an old database applies only the pending steps and every
  pre-existing row survives.

IDENTITY:
  INTEGER PRIMARY KEY AUTOINCREMENT: assigned identities are monotonic
  within a table and never reused, even after deletion.

FAILURE SEMANTICS:
  New wraps open/upgrade failures as ErrStoreUnavailable; callers
  degrade to an in-memory store rather than crash. Individual reads and
  writes that fail wrap ErrStoreWriteFailed and may be retried once.
  A missing row is an absent result, never an error.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of SQLite's own
  per-operation atomicity. WAL mode keeps readers from blocking the
  single writer. There is no cross-process mutual exclusion; the usage
  ledger's set-union design is what makes that safe.

USAGE:
  store, err := sqlite.New("./data/quotes.db")
  if err != nil {
      // degrade to the in-memory store
  }
  defer store.Close()

SEE ALSO:
  - core/store.go: Interface definitions and contracts
  - core/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/quote-engine/core"
)

// Store implements core.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and applies all pending
// schema migrations. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	return open(dbPath, len(migrations))
}

// open applies migrations up to and including upTo. Tests use lower
// versions to populate old-format databases.
func open(dbPath string, upTo int) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, core.Unavailable("open database", err)
	}
	// A single connection keeps ":memory:" coherent and serializes writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(upTo); err != nil {
		db.Close()
		return nil, core.Unavailable("migrate database", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// VERSIONED MIGRATIONS
// =============================================================================

type migration struct {
	version int
	name    string
	stmts   []string
}

// The schema history. Append-only: every step is an additive
// transformation of the previous version's tables.
var migrations = []migration{
	{
		version: 1,
		name:    "leads",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS leads (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				status TEXT NOT NULL,
				name TEXT NOT NULL,
				phone TEXT,
				job_type TEXT,
				doc_json TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_leads_status ON leads(status)`,
			`CREATE INDEX IF NOT EXISTS idx_leads_name ON leads(name)`,
			`CREATE INDEX IF NOT EXISTS idx_leads_phone ON leads(phone)`,
			`CREATE INDEX IF NOT EXISTS idx_leads_job_type ON leads(job_type)`,
			`CREATE INDEX IF NOT EXISTS idx_leads_updated_at ON leads(updated_at)`,
		},
	},
	{
		version: 2,
		name:    "quotes",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS quotes (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				status TEXT NOT NULL,
				customer_name TEXT NOT NULL,
				lead_id INTEGER,
				doc_json TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_quotes_status ON quotes(status)`,
			`CREATE INDEX IF NOT EXISTS idx_quotes_customer_name ON quotes(customer_name)`,
			`CREATE INDEX IF NOT EXISTS idx_quotes_lead_id ON quotes(lead_id)`,
			`CREATE INDEX IF NOT EXISTS idx_quotes_updated_at ON quotes(updated_at)`,
		},
	},
	{
		version: 3,
		name:    "jobs",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS jobs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				stage TEXT NOT NULL,
				customer_name TEXT NOT NULL,
				quote_id INTEGER,
				lead_id INTEGER,
				scheduled_for TEXT,
				doc_json TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_stage ON jobs(stage)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_customer_name ON jobs(customer_name)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_quote_id ON jobs(quote_id)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_lead_id ON jobs(lead_id)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_scheduled_for ON jobs(scheduled_for)`,
		},
	},
	{
		version: 4,
		name:    "settings",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS settings (
				id TEXT PRIMARY KEY,
				updated_at TEXT NOT NULL,
				doc_json TEXT NOT NULL
			)`,
		},
	},
	{
		version: 5,
		name:    "usage",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS usage (
				user_id TEXT PRIMARY KEY,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				created_ids_json TEXT NOT NULL DEFAULT '[]',
				sent_ids_json TEXT NOT NULL DEFAULT '[]'
			)`,
		},
	},
	{
		version: 6,
		name:    "user scoping",
		stmts: []string{
			// Legacy rows keep a NULL user_id and stay visible as before.
			`ALTER TABLE leads ADD COLUMN user_id TEXT`,
			`ALTER TABLE quotes ADD COLUMN user_id TEXT`,
			`ALTER TABLE jobs ADD COLUMN user_id TEXT`,
			`CREATE INDEX IF NOT EXISTS idx_leads_user_id ON leads(user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_quotes_user_id ON quotes(user_id)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id)`,
		},
	},
}

// migrate applies every pending migration step, each in its own
// transaction, in ascending version order.
func (s *Store) migrate(upTo int) error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_versions`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current || m.version > upTo {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_versions (version, name, applied_at) VALUES (?, ?, ?)`,
			m.version, m.name, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// =============================================================================
// SHARED PLUMBING
// =============================================================================

// dbtx is the subset of *sql.DB and *sql.Tx the queries need, so the
// same code serves both direct and transactional access.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStrPtr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return nullStr(*p)
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullTime(p *time.Time) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: p.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// resolveCreatedAt keeps an existing row's creation time across upserts.
func resolveCreatedAt(ctx context.Context, db dbtx, table string, id int64, fallback time.Time) time.Time {
	var created string
	err := db.QueryRowContext(ctx,
		"SELECT created_at FROM "+table+" WHERE id = ?", id,
	).Scan(&created)
	if err == nil {
		if t := parseTime(created); !t.IsZero() {
			return t
		}
	}
	return fallback
}

func deleteRow(ctx context.Context, db dbtx, table, op string, id int64) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id); err != nil {
		return core.WriteFailed(op, table, err)
	}
	return nil
}

// =============================================================================
// LEADS
// =============================================================================

func (s *Store) PutLead(ctx context.Context, lead *core.Lead) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putLead(ctx, s.db, lead)
}

func putLead(ctx context.Context, db dbtx, lead *core.Lead) (int64, error) {
	core.NormalizeLead(lead)
	now := time.Now().UTC()

	if lead.ID == 0 {
		if lead.CreatedAt.IsZero() {
			lead.CreatedAt = now
		}
	} else {
		lead.CreatedAt = resolveCreatedAt(ctx, db, "leads", lead.ID, now)
	}
	lead.UpdatedAt = now

	doc, err := json.Marshal(lead)
	if err != nil {
		return 0, core.WriteFailed("put lead", "leads", err)
	}

	if lead.ID == 0 {
		res, err := db.ExecContext(ctx, `
			INSERT INTO leads (created_at, updated_at, status, name, phone, job_type, user_id, doc_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			lead.CreatedAt.Format(time.RFC3339),
			lead.UpdatedAt.Format(time.RFC3339),
			lead.Status, lead.Name,
			nullStrPtr(lead.Phone), nullStrPtr(lead.JobType),
			nullStr(lead.UserID), string(doc),
		)
		if err != nil {
			return 0, core.WriteFailed("put lead", "leads", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, core.WriteFailed("put lead", "leads", err)
		}
		lead.ID = id
		// Re-marshal with the assigned identity so the document matches.
		doc, _ = json.Marshal(lead)
		if _, err := db.ExecContext(ctx, `UPDATE leads SET doc_json = ? WHERE id = ?`, string(doc), id); err != nil {
			return 0, core.WriteFailed("put lead", "leads", err)
		}
		return id, nil
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO leads (id, created_at, updated_at, status, name, phone, job_type, user_id, doc_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			status = excluded.status,
			name = excluded.name,
			phone = excluded.phone,
			job_type = excluded.job_type,
			user_id = excluded.user_id,
			doc_json = excluded.doc_json`,
		lead.ID,
		lead.CreatedAt.Format(time.RFC3339),
		lead.UpdatedAt.Format(time.RFC3339),
		lead.Status, lead.Name,
		nullStrPtr(lead.Phone), nullStrPtr(lead.JobType),
		nullStr(lead.UserID), string(doc),
	)
	if err != nil {
		return 0, core.WriteFailed("put lead", "leads", err)
	}
	return lead.ID, nil
}

func (s *Store) GetLead(ctx context.Context, id int64) (*core.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLead(ctx, s.db, id)
}

func getLead(ctx context.Context, db dbtx, id int64) (*core.Lead, error) {
	var doc string
	var userID sql.NullString
	var created, updated string
	err := db.QueryRowContext(ctx,
		`SELECT doc_json, user_id, created_at, updated_at FROM leads WHERE id = ?`, id,
	).Scan(&doc, &userID, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.WriteFailed("get lead", "leads", err)
	}
	return decodeLead(doc, id, userID, created, updated)
}

func decodeLead(doc string, id int64, userID sql.NullString, created, updated string) (*core.Lead, error) {
	var l core.Lead
	if err := json.Unmarshal([]byte(doc), &l); err != nil {
		return nil, fmt.Errorf("decode lead %d: %w", id, err)
	}
	l.ID = id
	l.UserID = userID.String
	l.CreatedAt = parseTime(created)
	l.UpdatedAt = parseTime(updated)
	core.NormalizeLead(&l)
	return &l, nil
}

func (s *Store) DeleteLead(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteRow(ctx, s.db, "leads", "delete lead", id)
}

func (s *Store) ListLeads(ctx context.Context) ([]core.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryLeads(ctx, s.db, `SELECT id, doc_json, user_id, created_at, updated_at FROM leads ORDER BY id`)
}

func (s *Store) LeadsByStatus(ctx context.Context, status core.LeadStatus) ([]core.Lead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryLeads(ctx, s.db,
		`SELECT id, doc_json, user_id, created_at, updated_at FROM leads WHERE status = ? ORDER BY id`, status)
}

func queryLeads(ctx context.Context, db dbtx, query string, args ...any) ([]core.Lead, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.WriteFailed("query leads", "leads", err)
	}
	defer rows.Close()

	var leads []core.Lead
	for rows.Next() {
		var id int64
		var doc, created, updated string
		var userID sql.NullString
		if err := rows.Scan(&id, &doc, &userID, &created, &updated); err != nil {
			return nil, core.WriteFailed("scan lead", "leads", err)
		}
		l, err := decodeLead(doc, id, userID, created, updated)
		if err != nil {
			return nil, err
		}
		leads = append(leads, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WriteFailed("query leads", "leads", err)
	}
	return leads, nil
}

// =============================================================================
// QUOTES
// =============================================================================

func (s *Store) PutQuote(ctx context.Context, quote *core.Quote) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putQuote(ctx, s.db, quote)
}

func putQuote(ctx context.Context, db dbtx, quote *core.Quote) (int64, error) {
	core.NormalizeQuote(quote)
	now := time.Now().UTC()

	if quote.ID == 0 {
		if quote.CreatedAt.IsZero() {
			quote.CreatedAt = now
		}
	} else {
		quote.CreatedAt = resolveCreatedAt(ctx, db, "quotes", quote.ID, now)
	}
	quote.UpdatedAt = now

	doc, err := json.Marshal(quote)
	if err != nil {
		return 0, core.WriteFailed("put quote", "quotes", err)
	}

	if quote.ID == 0 {
		res, err := db.ExecContext(ctx, `
			INSERT INTO quotes (created_at, updated_at, status, customer_name, lead_id, user_id, doc_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			quote.CreatedAt.Format(time.RFC3339),
			quote.UpdatedAt.Format(time.RFC3339),
			quote.Status, quote.CustomerName,
			nullInt(quote.LeadID), nullStr(quote.UserID), string(doc),
		)
		if err != nil {
			return 0, core.WriteFailed("put quote", "quotes", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, core.WriteFailed("put quote", "quotes", err)
		}
		quote.ID = id
		doc, _ = json.Marshal(quote)
		if _, err := db.ExecContext(ctx, `UPDATE quotes SET doc_json = ? WHERE id = ?`, string(doc), id); err != nil {
			return 0, core.WriteFailed("put quote", "quotes", err)
		}
		return id, nil
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO quotes (id, created_at, updated_at, status, customer_name, lead_id, user_id, doc_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			status = excluded.status,
			customer_name = excluded.customer_name,
			lead_id = excluded.lead_id,
			user_id = excluded.user_id,
			doc_json = excluded.doc_json`,
		quote.ID,
		quote.CreatedAt.Format(time.RFC3339),
		quote.UpdatedAt.Format(time.RFC3339),
		quote.Status, quote.CustomerName,
		nullInt(quote.LeadID), nullStr(quote.UserID), string(doc),
	)
	if err != nil {
		return 0, core.WriteFailed("put quote", "quotes", err)
	}
	return quote.ID, nil
}

func (s *Store) GetQuote(ctx context.Context, id int64) (*core.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getQuote(ctx, s.db, id)
}

func getQuote(ctx context.Context, db dbtx, id int64) (*core.Quote, error) {
	var doc string
	var userID sql.NullString
	var created, updated string
	err := db.QueryRowContext(ctx,
		`SELECT doc_json, user_id, created_at, updated_at FROM quotes WHERE id = ?`, id,
	).Scan(&doc, &userID, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.WriteFailed("get quote", "quotes", err)
	}
	return decodeQuote(doc, id, userID, created, updated)
}

func decodeQuote(doc string, id int64, userID sql.NullString, created, updated string) (*core.Quote, error) {
	var q core.Quote
	if err := json.Unmarshal([]byte(doc), &q); err != nil {
		return nil, fmt.Errorf("decode quote %d: %w", id, err)
	}
	q.ID = id
	q.UserID = userID.String
	q.CreatedAt = parseTime(created)
	q.UpdatedAt = parseTime(updated)
	core.NormalizeQuote(&q)
	return &q, nil
}

func (s *Store) DeleteQuote(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteRow(ctx, s.db, "quotes", "delete quote", id)
}

func (s *Store) ListQuotes(ctx context.Context) ([]core.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryQuotes(ctx, s.db, `SELECT id, doc_json, user_id, created_at, updated_at FROM quotes ORDER BY id`)
}

func (s *Store) QuotesByStatus(ctx context.Context, status core.QuoteStatus) ([]core.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryQuotes(ctx, s.db,
		`SELECT id, doc_json, user_id, created_at, updated_at FROM quotes WHERE status = ? ORDER BY id`, status)
}

func (s *Store) QuotesByLead(ctx context.Context, leadID int64) ([]core.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryQuotes(ctx, s.db,
		`SELECT id, doc_json, user_id, created_at, updated_at FROM quotes WHERE lead_id = ? ORDER BY id`, leadID)
}

func queryQuotes(ctx context.Context, db dbtx, query string, args ...any) ([]core.Quote, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.WriteFailed("query quotes", "quotes", err)
	}
	defer rows.Close()

	var quotes []core.Quote
	for rows.Next() {
		var id int64
		var doc, created, updated string
		var userID sql.NullString
		if err := rows.Scan(&id, &doc, &userID, &created, &updated); err != nil {
			return nil, core.WriteFailed("scan quote", "quotes", err)
		}
		q, err := decodeQuote(doc, id, userID, created, updated)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, *q)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WriteFailed("query quotes", "quotes", err)
	}
	return quotes, nil
}

// =============================================================================
// JOBS
// =============================================================================

func (s *Store) PutJob(ctx context.Context, job *core.Job) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putJob(ctx, s.db, job)
}

func putJob(ctx context.Context, db dbtx, job *core.Job) (int64, error) {
	core.NormalizeJob(job)
	now := time.Now().UTC()

	if job.ID == 0 {
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}
	} else {
		job.CreatedAt = resolveCreatedAt(ctx, db, "jobs", job.ID, now)
	}
	job.UpdatedAt = now

	doc, err := json.Marshal(job)
	if err != nil {
		return 0, core.WriteFailed("put job", "jobs", err)
	}

	if job.ID == 0 {
		res, err := db.ExecContext(ctx, `
			INSERT INTO jobs (created_at, updated_at, stage, customer_name, quote_id, lead_id, scheduled_for, user_id, doc_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.CreatedAt.Format(time.RFC3339),
			job.UpdatedAt.Format(time.RFC3339),
			job.Stage, job.CustomerName,
			nullInt(job.QuoteID), nullInt(job.LeadID),
			nullTime(job.ScheduledFor),
			nullStr(job.UserID), string(doc),
		)
		if err != nil {
			return 0, core.WriteFailed("put job", "jobs", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, core.WriteFailed("put job", "jobs", err)
		}
		job.ID = id
		doc, _ = json.Marshal(job)
		if _, err := db.ExecContext(ctx, `UPDATE jobs SET doc_json = ? WHERE id = ?`, string(doc), id); err != nil {
			return 0, core.WriteFailed("put job", "jobs", err)
		}
		return id, nil
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO jobs (id, created_at, updated_at, stage, customer_name, quote_id, lead_id, scheduled_for, user_id, doc_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			stage = excluded.stage,
			customer_name = excluded.customer_name,
			quote_id = excluded.quote_id,
			lead_id = excluded.lead_id,
			scheduled_for = excluded.scheduled_for,
			user_id = excluded.user_id,
			doc_json = excluded.doc_json`,
		job.ID,
		job.CreatedAt.Format(time.RFC3339),
		job.UpdatedAt.Format(time.RFC3339),
		job.Stage, job.CustomerName,
		nullInt(job.QuoteID), nullInt(job.LeadID),
		nullTime(job.ScheduledFor),
		nullStr(job.UserID), string(doc),
	)
	if err != nil {
		return 0, core.WriteFailed("put job", "jobs", err)
	}
	return job.ID, nil
}

func (s *Store) GetJob(ctx context.Context, id int64) (*core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getJob(ctx, s.db, id)
}

func getJob(ctx context.Context, db dbtx, id int64) (*core.Job, error) {
	var doc string
	var userID sql.NullString
	var created, updated string
	err := db.QueryRowContext(ctx,
		`SELECT doc_json, user_id, created_at, updated_at FROM jobs WHERE id = ?`, id,
	).Scan(&doc, &userID, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.WriteFailed("get job", "jobs", err)
	}
	return decodeJob(doc, id, userID, created, updated)
}

func decodeJob(doc string, id int64, userID sql.NullString, created, updated string) (*core.Job, error) {
	var j core.Job
	if err := json.Unmarshal([]byte(doc), &j); err != nil {
		return nil, fmt.Errorf("decode job %d: %w", id, err)
	}
	j.ID = id
	j.UserID = userID.String
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	core.NormalizeJob(&j)
	return &j, nil
}

func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteRow(ctx, s.db, "jobs", "delete job", id)
}

func (s *Store) ListJobs(ctx context.Context) ([]core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryJobs(ctx, s.db, `SELECT id, doc_json, user_id, created_at, updated_at FROM jobs ORDER BY id`)
}

func (s *Store) JobsByStage(ctx context.Context, stage core.JobStage) ([]core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryJobs(ctx, s.db,
		`SELECT id, doc_json, user_id, created_at, updated_at FROM jobs WHERE stage = ? ORDER BY id`, stage)
}

func queryJobs(ctx context.Context, db dbtx, query string, args ...any) ([]core.Job, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.WriteFailed("query jobs", "jobs", err)
	}
	defer rows.Close()

	var jobs []core.Job
	for rows.Next() {
		var id int64
		var doc, created, updated string
		var userID sql.NullString
		if err := rows.Scan(&id, &doc, &userID, &created, &updated); err != nil {
			return nil, core.WriteFailed("scan job", "jobs", err)
		}
		j, err := decodeJob(doc, id, userID, created, updated)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WriteFailed("query jobs", "jobs", err)
	}
	return jobs, nil
}

// =============================================================================
// SETTINGS
// =============================================================================

func (s *Store) GetSettings(ctx context.Context) (*core.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSettings(ctx, s.db)
}

func getSettings(ctx context.Context, db dbtx) (*core.Settings, error) {
	var doc, updated string
	err := db.QueryRowContext(ctx,
		`SELECT doc_json, updated_at FROM settings WHERE id = ?`, core.SettingsID,
	).Scan(&doc, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.WriteFailed("get settings", "settings", err)
	}

	var set core.Settings
	if err := json.Unmarshal([]byte(doc), &set); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	set.UpdatedAt = parseTime(updated)
	core.NormalizeSettings(&set)
	return &set, nil
}

func (s *Store) PutSettings(ctx context.Context, set *core.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putSettings(ctx, s.db, set)
}

func putSettings(ctx context.Context, db dbtx, set *core.Settings) error {
	core.NormalizeSettings(set)
	set.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(set)
	if err != nil {
		return core.WriteFailed("put settings", "settings", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO settings (id, updated_at, doc_json)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			doc_json = excluded.doc_json`,
		set.ID, set.UpdatedAt.Format(time.RFC3339), string(doc),
	)
	if err != nil {
		return core.WriteFailed("put settings", "settings", err)
	}
	return nil
}

// =============================================================================
// USAGE
// =============================================================================

func (s *Store) GetUsage(ctx context.Context, userID string) (*core.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getUsage(ctx, s.db, userID)
}

func getUsage(ctx context.Context, db dbtx, userID string) (*core.Usage, error) {
	var createdIDs, sentIDs, created, updated string
	err := db.QueryRowContext(ctx,
		`SELECT created_ids_json, sent_ids_json, created_at, updated_at FROM usage WHERE user_id = ?`,
		userID,
	).Scan(&createdIDs, &sentIDs, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, core.WriteFailed("get usage", "usage", err)
	}

	u := &core.Usage{
		UserID:    userID,
		CreatedAt: parseTime(created),
		UpdatedAt: parseTime(updated),
	}
	// Tolerate a corrupt set by treating it as empty. The ledger will
	// simply re-record; set union makes that safe.
	if err := json.Unmarshal([]byte(createdIDs), &u.CreatedQuoteIDs); err != nil {
		u.CreatedQuoteIDs = []string{}
	}
	if err := json.Unmarshal([]byte(sentIDs), &u.SentQuoteIDs); err != nil {
		u.SentQuoteIDs = []string{}
	}
	core.NormalizeUsage(u)
	return u, nil
}

func (s *Store) PutUsage(ctx context.Context, u *core.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return putUsage(ctx, s.db, u)
}

func putUsage(ctx context.Context, db dbtx, u *core.Usage) error {
	core.NormalizeUsage(u)
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	createdIDs, err := json.Marshal(u.CreatedQuoteIDs)
	if err != nil {
		return core.WriteFailed("put usage", "usage", err)
	}
	sentIDs, err := json.Marshal(u.SentQuoteIDs)
	if err != nil {
		return core.WriteFailed("put usage", "usage", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO usage (user_id, created_at, updated_at, created_ids_json, sent_ids_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			updated_at = excluded.updated_at,
			created_ids_json = excluded.created_ids_json,
			sent_ids_json = excluded.sent_ids_json`,
		u.UserID,
		u.CreatedAt.Format(time.RFC3339),
		u.UpdatedAt.Format(time.RFC3339),
		string(createdIDs), string(sentIDs),
	)
	if err != nil {
		return core.WriteFailed("put usage", "usage", err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONS (core.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction, serialized against
// other transactions on this store within the process.
func (s *Store) WithTx(ctx context.Context, fn func(core.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.WriteFailed("begin transaction", "", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return core.WriteFailed("commit transaction", "", err)
	}
	return nil
}

// txStore routes the Store interface through an open transaction.
type txStore struct {
	tx *sql.Tx
}

func (t *txStore) PutLead(ctx context.Context, l *core.Lead) (int64, error) {
	return putLead(ctx, t.tx, l)
}
func (t *txStore) GetLead(ctx context.Context, id int64) (*core.Lead, error) {
	return getLead(ctx, t.tx, id)
}
func (t *txStore) DeleteLead(ctx context.Context, id int64) error {
	return deleteRow(ctx, t.tx, "leads", "delete lead", id)
}
func (t *txStore) ListLeads(ctx context.Context) ([]core.Lead, error) {
	return queryLeads(ctx, t.tx, `SELECT id, doc_json, user_id, created_at, updated_at FROM leads ORDER BY id`)
}
func (t *txStore) LeadsByStatus(ctx context.Context, status core.LeadStatus) ([]core.Lead, error) {
	return queryLeads(ctx, t.tx,
		`SELECT id, doc_json, user_id, created_at, updated_at FROM leads WHERE status = ? ORDER BY id`, status)
}

func (t *txStore) PutQuote(ctx context.Context, q *core.Quote) (int64, error) {
	return putQuote(ctx, t.tx, q)
}
func (t *txStore) GetQuote(ctx context.Context, id int64) (*core.Quote, error) {
	return getQuote(ctx, t.tx, id)
}
func (t *txStore) DeleteQuote(ctx context.Context, id int64) error {
	return deleteRow(ctx, t.tx, "quotes", "delete quote", id)
}
func (t *txStore) ListQuotes(ctx context.Context) ([]core.Quote, error) {
	return queryQuotes(ctx, t.tx, `SELECT id, doc_json, user_id, created_at, updated_at FROM quotes ORDER BY id`)
}
func (t *txStore) QuotesByStatus(ctx context.Context, status core.QuoteStatus) ([]core.Quote, error) {
	return queryQuotes(ctx, t.tx,
		`SELECT id, doc_json, user_id, created_at, updated_at FROM quotes WHERE status = ? ORDER BY id`, status)
}
func (t *txStore) QuotesByLead(ctx context.Context, leadID int64) ([]core.Quote, error) {
	return queryQuotes(ctx, t.tx,
		`SELECT id, doc_json, user_id, created_at, updated_at FROM quotes WHERE lead_id = ? ORDER BY id`, leadID)
}

func (t *txStore) PutJob(ctx context.Context, j *core.Job) (int64, error) {
	return putJob(ctx, t.tx, j)
}
func (t *txStore) GetJob(ctx context.Context, id int64) (*core.Job, error) {
	return getJob(ctx, t.tx, id)
}
func (t *txStore) DeleteJob(ctx context.Context, id int64) error {
	return deleteRow(ctx, t.tx, "jobs", "delete job", id)
}
func (t *txStore) ListJobs(ctx context.Context) ([]core.Job, error) {
	return queryJobs(ctx, t.tx, `SELECT id, doc_json, user_id, created_at, updated_at FROM jobs ORDER BY id`)
}
func (t *txStore) JobsByStage(ctx context.Context, stage core.JobStage) ([]core.Job, error) {
	return queryJobs(ctx, t.tx,
		`SELECT id, doc_json, user_id, created_at, updated_at FROM jobs WHERE stage = ? ORDER BY id`, stage)
}

func (t *txStore) GetSettings(ctx context.Context) (*core.Settings, error) {
	return getSettings(ctx, t.tx)
}
func (t *txStore) PutSettings(ctx context.Context, set *core.Settings) error {
	return putSettings(ctx, t.tx, set)
}

func (t *txStore) GetUsage(ctx context.Context, userID string) (*core.Usage, error) {
	return getUsage(ctx, t.tx, userID)
}
func (t *txStore) PutUsage(ctx context.Context, u *core.Usage) error {
	return putUsage(ctx, t.tx, u)
}
