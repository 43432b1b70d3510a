/*
store.go - Persistence interfaces for the quoting engine

PURPOSE:
  Defines the interface between the domain logic and the embedded database.
  Different implementations can use SQLite or in-memory storage; the engine
  only ever talks to these interfaces.

KEY INTERFACES:
  Store:   Typed CRUD over the five tables (leads, quotes, jobs, settings,
           usage)
  TxStore: Store plus WithTx for atomic read-modify-write sequences

CONTRACT:
  - Put* upserts by identity and assigns a new identity when absent.
    Assigned identities are monotonic within a table and never reused,
    even after deletion.
  - Put* applies boundary normalization (normalize.go) and refreshes
    UpdatedAt; CreatedAt is set once and then preserved.
  - Get* returns (nil, nil) for a missing row. Never an error.
  - Delete* is a hard delete and succeeds even when the row is absent.
    Nothing cascades: a quote may reference a deleted lead.
  - List* and By* return rows ordered by primary identity unless noted.

TRANSACTIONS:
  WithTx serializes the callback against other transactions on the same
  store within one process. It does NOT provide cross-process exclusion;
  the usage ledger's set-union design is what keeps concurrent writers
  safe (a lost update degrades to a re-check, never a double charge).

FAILURE SEMANTICS:
  Opening/upgrading failures surface as ErrStoreUnavailable from the
  implementation's constructor. Individual writes that fail transiently
  surface as ErrStoreWriteFailed and may be retried once (RetryWrite).

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite with versioned additive migrations
  - core/store:   In-memory for testing and degraded mode

SEE ALSO:
  - ledger.go: Usage recording built on UsageStore + WithTx
  - normalize.go: Applied by implementations at the write boundary
*/
package core

import "context"

// =============================================================================
// TYPED TABLE INTERFACES
// =============================================================================

// LeadStore persists leads.
type LeadStore interface {
	// PutLead upserts. A zero ID means "new": the store assigns the next
	// identity and returns it.
	PutLead(ctx context.Context, lead *Lead) (int64, error)

	// GetLead returns (nil, nil) when absent.
	GetLead(ctx context.Context, id int64) (*Lead, error)

	// DeleteLead removes the row; no error if already absent.
	DeleteLead(ctx context.Context, id int64) error

	// ListLeads returns all leads ordered by ID.
	ListLeads(ctx context.Context) ([]Lead, error)

	// LeadsByStatus returns leads matching status, ordered by ID.
	LeadsByStatus(ctx context.Context, status LeadStatus) ([]Lead, error)
}

// QuoteStore persists quotes.
type QuoteStore interface {
	PutQuote(ctx context.Context, quote *Quote) (int64, error)
	GetQuote(ctx context.Context, id int64) (*Quote, error)
	DeleteQuote(ctx context.Context, id int64) error
	ListQuotes(ctx context.Context) ([]Quote, error)
	QuotesByStatus(ctx context.Context, status QuoteStatus) ([]Quote, error)
	QuotesByLead(ctx context.Context, leadID int64) ([]Quote, error)
}

// JobStore persists jobs.
type JobStore interface {
	PutJob(ctx context.Context, job *Job) (int64, error)
	GetJob(ctx context.Context, id int64) (*Job, error)
	DeleteJob(ctx context.Context, id int64) error
	ListJobs(ctx context.Context) ([]Job, error)
	JobsByStage(ctx context.Context, stage JobStage) ([]Job, error)
}

// SettingsStore persists the single well-known settings row.
type SettingsStore interface {
	// GetSettings returns (nil, nil) until settings are first saved.
	GetSettings(ctx context.Context) (*Settings, error)
	PutSettings(ctx context.Context, s *Settings) error
}

// UsageStore persists per-user usage records.
type UsageStore interface {
	// GetUsage returns (nil, nil) for a user with no recorded usage yet.
	GetUsage(ctx context.Context, userID string) (*Usage, error)
	PutUsage(ctx context.Context, u *Usage) error
}

// =============================================================================
// STORE - Everything the engine persists
// =============================================================================

// Store combines the typed table interfaces.
type Store interface {
	LeadStore
	QuoteStore
	JobStore
	SettingsStore
	UsageStore
}

// TxStore wraps Store with transaction support.
// Use this when a read-modify-write must be atomic (e.g. "add this quote
// ID to the usage set if and only if it is not already present").
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
