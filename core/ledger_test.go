package core_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/quote-engine/core"
	memstore "github.com/warp/quote-engine/core/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestLedger(t *testing.T) (*core.UsageLedger, *memstore.Memory) {
	t.Helper()
	store := memstore.NewMemory()
	return core.NewUsageLedger(store), store
}

// brokenStore fails every usage read and transaction, for fail-closed
// behavior tests.
type brokenStore struct {
	*memstore.Memory
}

var errDiskGone = errors.New("disk gone")

func (b *brokenStore) GetUsage(context.Context, string) (*core.Usage, error) {
	return nil, errDiskGone
}

func (b *brokenStore) WithTx(context.Context, func(core.Store) error) error {
	return errDiskGone
}

// =============================================================================
// IDEMPOTENT RECORDING
// =============================================================================

func TestLedger_RecordIsIdempotent(t *testing.T) {
	// GIVEN: A quote recorded as sent
	// WHEN: The same quote is recorded again, repeatedly
	// THEN: The count never moves past one

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	used, err := ledger.Record(ctx, "user-1", core.KindSent, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, used)

	for i := 0; i < 5; i++ {
		used, err = ledger.Record(ctx, "user-1", core.KindSent, "42")
		require.NoError(t, err)
		assert.Equal(t, 1, used)
	}
}

func TestLedger_KindsAreIndependent(t *testing.T) {
	// GIVEN: A quote recorded as created
	// WHEN: The sent ledger is consulted
	// THEN: The sent count is unaffected

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Record(ctx, "user-1", core.KindCreated, "42")
	require.NoError(t, err)

	sent, err := ledger.Used(ctx, "user-1", core.KindSent)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	created, err := ledger.Used(ctx, "user-1", core.KindCreated)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
}

func TestLedger_UsersAreIndependent(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Record(ctx, "user-1", core.KindSent, "42")
	require.NoError(t, err)

	used, err := ledger.Used(ctx, "user-2", core.KindSent)
	require.NoError(t, err)
	assert.Equal(t, 0, used)
}

func TestLedger_MissingRecordReadsAsEmpty(t *testing.T) {
	// GIVEN: No usage row for the user
	// WHEN: Counts are read
	// THEN: Zero used, full quota remaining, nothing persisted

	ledger, store := newTestLedger(t)
	ctx := context.Background()

	used, err := ledger.Used(ctx, "nobody", core.KindCreated)
	require.NoError(t, err)
	assert.Equal(t, 0, used)

	rem, err := ledger.Remaining(ctx, "nobody", core.KindCreated)
	require.NoError(t, err)
	assert.Equal(t, core.FreeQuoteLimit, rem)

	// Reads must not create the record
	u, err := store.GetUsage(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, u)
}

// =============================================================================
// LIMIT BOUNDARY
// =============================================================================

func TestLedger_CanPerformAtBoundary(t *testing.T) {
	// GIVEN: A user with exactly the limit of distinct quotes recorded
	// WHEN: A new quote asks to proceed
	// THEN: It is denied, while every recorded quote remains allowed

	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < core.FreeQuoteLimit; i++ {
		_, err := ledger.Record(ctx, "user-1", core.KindSent, fmt.Sprintf("q-%d", i))
		require.NoError(t, err)
	}

	ok, err := ledger.CanPerform(ctx, "user-1", core.KindSent, "q-new")
	require.NoError(t, err)
	assert.False(t, ok, "new quote past the limit should be denied")

	ok, err = ledger.CanPerform(ctx, "user-1", core.KindSent, "q-3")
	require.NoError(t, err)
	assert.True(t, ok, "already-recorded quote stays allowed")

	rem, err := ledger.Remaining(ctx, "user-1", core.KindSent)
	require.NoError(t, err)
	assert.Equal(t, 0, rem)
}

func TestLedger_LastSlotAllowed(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < core.FreeQuoteLimit-1; i++ {
		_, err := ledger.Record(ctx, "user-1", core.KindSent, fmt.Sprintf("q-%d", i))
		require.NoError(t, err)
	}

	ok, err := ledger.CanPerform(ctx, "user-1", core.KindSent, "q-last")
	require.NoError(t, err)
	assert.True(t, ok, "the tenth distinct quote should be allowed")
}

// =============================================================================
// FAIL CLOSED
// =============================================================================

func TestLedger_FailsClosedOnStorageError(t *testing.T) {
	// GIVEN: A store whose usage reads fail
	// WHEN: CanPerform is asked
	// THEN: The answer is deny, with the error surfaced

	ledger := core.NewUsageLedger(&brokenStore{memstore.NewMemory()})
	ctx := context.Background()

	ok, err := ledger.CanPerform(ctx, "user-1", core.KindSent, "42")
	assert.Error(t, err)
	assert.False(t, ok)

	_, err = ledger.Record(ctx, "user-1", core.KindSent, "42")
	assert.Error(t, err)
}
