package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/quote-engine/core"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func nowUTC() time.Time { return time.Now().UTC() }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// =============================================================================
// ROUND TRIPS
// =============================================================================

func TestSQLite_LeadRoundTrip(t *testing.T) {
	// GIVEN: A lead with optional fields set and absent
	// WHEN: It is stored and read back
	// THEN: Every field survives, including absent-vs-present optionals

	s := newTestStore(t)
	ctx := context.Background()

	phone := "0770 123"
	id, err := s.PutLead(ctx, &core.Lead{
		Name:   "Sam Smith",
		Phone:  &phone,
		Status: core.LeadContacted,
		UserID: "user-1",
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := s.GetLead(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "Sam Smith", got.Name)
	require.NotNil(t, got.Phone)
	assert.Equal(t, "0770 123", *got.Phone)
	assert.Nil(t, got.Email)
	assert.Equal(t, core.LeadContacted, got.Status)
	assert.Equal(t, "user-1", got.UserID)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSQLite_QuoteRoundTripWithDocumentFields(t *testing.T) {
	// GIVEN: A quote with lines, VAT config, activities, and an override
	// WHEN: It is stored and read back
	// THEN: The document fields survive intact

	s := newTestStore(t)
	ctx := context.Background()

	q := &core.Quote{
		CustomerName:  "Sam",
		Status:        core.QuoteDraft,
		Lines:         []core.QuoteLine{{ID: "l1", Description: "Labour", Qty: 2, UnitPrice: 50}},
		VATEnabled:    true,
		VATRate:       0.2,
		TotalOverride: "999",
		Activities:    []core.Activity{core.NewActivity(core.ActivityCreated, "", nowUTC())},
	}
	id, err := s.PutQuote(ctx, q)
	require.NoError(t, err)

	got, err := s.GetQuote(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Lines, 1)
	assert.Equal(t, "Labour", got.Lines[0].Description)
	assert.True(t, got.VATEnabled)
	assert.Equal(t, 0.2, got.VATRate)
	assert.Equal(t, "999", got.TotalOverride)
	require.Len(t, got.Activities, 1)
	assert.Equal(t, core.ActivityCreated, got.Activities[0].Type)
}

func TestSQLite_GetAbsentReturnsNilNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	q, err := s.GetQuote(ctx, 12345)
	require.NoError(t, err)
	assert.Nil(t, q)

	set, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Nil(t, set)

	u, err := s.GetUsage(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestSQLite_DeleteAbsentSucceeds(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.DeleteQuote(context.Background(), 12345))
}

func TestSQLite_SettingsSingleton(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	name := "Smith Plumbing"
	require.NoError(t, s.PutSettings(ctx, &core.Settings{BusinessName: &name}))

	terms := "Payment within 14 days"
	require.NoError(t, s.PutSettings(ctx, &core.Settings{Terms: &terms}))

	got, err := s.GetSettings(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, core.SettingsID, got.ID)
	assert.Nil(t, got.BusinessName, "second put replaces the document")
	require.NotNil(t, got.Terms)
	assert.Equal(t, "Payment within 14 days", *got.Terms)
}

func TestSQLite_UsageRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := core.NewUsage("user-1", nowUTC())
	u.Add(core.KindCreated, "1")
	u.Add(core.KindSent, "1")
	u.Add(core.KindSent, "2")
	require.NoError(t, s.PutUsage(ctx, u))

	got, err := s.GetUsage(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"1"}, got.CreatedQuoteIDs)
	assert.Equal(t, []string{"1", "2"}, got.SentQuoteIDs)
}

// =============================================================================
// IDENTITY ASSIGNMENT
// =============================================================================

func TestSQLite_IDsMonotonicAndNeverReused(t *testing.T) {
	// GIVEN: Two quotes, the newest of which is deleted
	// WHEN: Another quote is created
	// THEN: AUTOINCREMENT hands out a fresh identity, not the freed one

	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.PutQuote(ctx, &core.Quote{CustomerName: "A"})
	require.NoError(t, err)
	id2, err := s.PutQuote(ctx, &core.Quote{CustomerName: "B"})
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	require.NoError(t, s.DeleteQuote(ctx, id2))

	id3, err := s.PutQuote(ctx, &core.Quote{CustomerName: "C"})
	require.NoError(t, err)
	assert.Greater(t, id3, id2)
}

func TestSQLite_UpdatePreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.PutLead(ctx, &core.Lead{Name: "Sam"})
	require.NoError(t, err)

	first, err := s.GetLead(ctx, id)
	require.NoError(t, err)

	first.Name = "Sam Smith"
	_, err = s.PutLead(ctx, first)
	require.NoError(t, err)

	second, err := s.GetLead(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, "Sam Smith", second.Name)
}

// =============================================================================
// MIGRATIONS
// =============================================================================

func TestSQLite_MigrationsPreserveExistingData(t *testing.T) {
	// GIVEN: A database written at schema version 5, before user scoping
	// WHEN: The database is reopened at the current version
	// THEN: Only pending steps apply and the old rows survive unscoped

	path := filepath.Join(t.TempDir(), "upgrade.db")

	old, err := open(path, 5)
	require.NoError(t, err)
	ctx := context.Background()

	// Version 5 predates the user_id column, so write the row directly.
	_, err = old.db.ExecContext(ctx, `
		INSERT INTO quotes (created_at, updated_at, status, customer_name, lead_id, doc_json)
		VALUES ('2025-01-01T00:00:00Z', '2025-01-01T00:00:00Z', 'draft', 'Legacy Customer', NULL,
		        '{"customerName":"Legacy Customer","status":"draft","lines":[]}')`)
	require.NoError(t, err)
	require.NoError(t, old.Close())

	s, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	quotes, err := s.ListQuotes(ctx)
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "Legacy Customer", quotes[0].CustomerName)
	assert.Empty(t, quotes[0].UserID, "legacy rows stay unscoped")

	// New writes use the added column
	id, err := s.PutQuote(ctx, &core.Quote{CustomerName: "New", UserID: "user-1"})
	require.NoError(t, err)
	got, err := s.GetQuote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
}

func TestSQLite_ReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s1, err := New(path)
	require.NoError(t, err)
	id, err := s1.PutLead(ctx, &core.Lead{Name: "Sam"})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s2.Close() })

	got, err := s2.GetLead(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Sam", got.Name)
}

func TestSQLite_ReadFailuresAreRetryable(t *testing.T) {
	// GIVEN: A store whose connection has gone away
	// WHEN: Reads run against it
	// THEN: The errors classify as transient failures a caller may retry

	s, err := New(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())
	ctx := context.Background()

	_, err = s.GetQuote(ctx, 1)
	require.Error(t, err)
	assert.True(t, core.IsRetryable(err))

	_, err = s.ListQuotes(ctx)
	require.Error(t, err)
	assert.True(t, core.IsRetryable(err))

	_, err = s.GetUsage(ctx, "user-1")
	require.Error(t, err)
	assert.True(t, core.IsRetryable(err))
}

func TestSQLite_UnusableDatabaseIsUnavailable(t *testing.T) {
	// GIVEN: A path that cannot hold a database
	// WHEN: The store is opened
	// THEN: The error carries ErrStoreUnavailable so callers can degrade

	_, err := New(filepath.Join(t.TempDir(), "no", "such", "dir", "x.db"))
	require.Error(t, err)
	assert.True(t, core.IsUnavailable(err))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestSQLite_WithTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx core.Store) error {
		u := core.NewUsage("user-1", nowUTC())
		u.Add(core.KindSent, "42")
		if err := tx.PutUsage(ctx, u); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	u, err := s.GetUsage(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestSQLite_WithTxCommits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx core.Store) error {
		u := core.NewUsage("user-1", nowUTC())
		u.Add(core.KindSent, "42")
		return tx.PutUsage(ctx, u)
	})
	require.NoError(t, err)

	u, err := s.GetUsage(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.True(t, u.Contains(core.KindSent, "42"))
}
