package core_test

import (
	"context"
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

func newTestActions(t *testing.T, policy core.ChargePolicy) (*core.Actions, *memstore.Memory, *core.Gate) {
	t.Helper()
	store := memstore.NewMemory()
	gate := core.NewGate(core.NewUsageLedger(store), policy)
	return core.NewActions(store, gate, nil), store, gate
}

func draftQuote(name string) *core.Quote {
	return &core.Quote{
		CustomerName: name,
		Lines:        []core.QuoteLine{{ID: "l1", Description: "Labour", Qty: 2, UnitPrice: 50}},
	}
}

// failingWrites lets reads succeed but fails every quote write.
type failingWrites struct {
	*memstore.Memory
}

func (f *failingWrites) PutQuote(context.Context, *core.Quote) (int64, error) {
	return 0, core.WriteFailed("put quote", "quotes", fmt.Errorf("disk full"))
}

// =============================================================================
// SAVE FLOW
// =============================================================================

func TestSaveQuote_CreateRecordsAndLogs(t *testing.T) {
	// GIVEN: A fresh draft quote
	// WHEN: It is saved
	// THEN: It persists with a "created" activity and the created ledger
	//       counts it, even though the active policy charges on send

	actions, store, gate := newTestActions(t, core.ChargeOnSend)
	ctx := context.Background()

	res, err := actions.SaveQuote(ctx, "user-1", draftQuote("Sam"))
	require.NoError(t, err)
	require.True(t, res.OK)
	require.NotNil(t, res.Quote)
	assert.NotZero(t, res.Quote.ID)
	assert.Equal(t, "user-1", res.Quote.UserID)

	saved, err := store.GetQuote(ctx, res.Quote.ID)
	require.NoError(t, err)
	require.NotNil(t, saved)
	require.NotEmpty(t, saved.Activities)
	assert.Equal(t, core.ActivityCreated, saved.Activities[0].Type)

	used, err := gate.Ledger().Used(ctx, "user-1", core.KindCreated)
	require.NoError(t, err)
	assert.Equal(t, 1, used)
}

func TestSaveQuote_EditDoesNotDoubleCount(t *testing.T) {
	// GIVEN: A saved quote already counted as created
	// WHEN: It is edited and saved again, twice
	// THEN: The created count stays at one and a "saved" activity is logged

	actions, store, gate := newTestActions(t, core.ChargeOnCreate)
	ctx := context.Background()

	res, err := actions.SaveQuote(ctx, "user-1", draftQuote("Sam"))
	require.NoError(t, err)
	require.True(t, res.OK)
	id := res.Quote.ID

	for i := 0; i < 2; i++ {
		q, err := store.GetQuote(ctx, id)
		require.NoError(t, err)
		q.Lines = append(q.Lines, core.QuoteLine{ID: fmt.Sprintf("l%d", i+2), Description: "Parts", Qty: 1, UnitPrice: 25})
		res, err = actions.SaveQuote(ctx, "user-1", q)
		require.NoError(t, err)
		assert.True(t, res.OK)
	}

	used, err := gate.Ledger().Used(ctx, "user-1", core.KindCreated)
	require.NoError(t, err)
	assert.Equal(t, 1, used)

	q, err := store.GetQuote(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.ActivitySaved, q.Activities[0].Type)
}

func TestSaveQuote_EleventhCreateDenied(t *testing.T) {
	// GIVEN: Charge-on-create with ten quotes created
	// WHEN: An eleventh quote is saved, and then one of the ten is edited
	// THEN: The new quote is denied with reason "limit"; the edit goes through

	actions, store, _ := newTestActions(t, core.ChargeOnCreate)
	ctx := context.Background()

	var lastID int64
	for i := 0; i < core.FreeQuoteLimit; i++ {
		res, err := actions.SaveQuote(ctx, "user-1", draftQuote(fmt.Sprintf("Customer %d", i)))
		require.NoError(t, err)
		require.True(t, res.OK)
		lastID = res.Quote.ID
	}

	res, err := actions.SaveQuote(ctx, "user-1", draftQuote("One Too Many"))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "limit", res.Reason)
	assert.Nil(t, res.Quote)

	existing, err := store.GetQuote(ctx, lastID)
	require.NoError(t, err)
	existing.Notes = strp("updated")
	res, err = actions.SaveQuote(ctx, "user-1", existing)
	require.NoError(t, err)
	assert.True(t, res.OK, "editing an already-counted quote stays free")
}

func TestSaveQuote_MarksSourceLeadQuoted(t *testing.T) {
	// GIVEN: A lead and a new quote referencing it
	// WHEN: The quote is saved
	// THEN: The lead's status advances to quoted

	actions, store, _ := newTestActions(t, core.ChargeOnSend)
	ctx := context.Background()

	leadID, err := store.PutLead(ctx, &core.Lead{Name: "Sam", Status: core.LeadNew})
	require.NoError(t, err)

	q := draftQuote("Sam")
	q.LeadID = &leadID
	res, err := actions.SaveQuote(ctx, "user-1", q)
	require.NoError(t, err)
	require.True(t, res.OK)

	lead, err := store.GetLead(ctx, leadID)
	require.NoError(t, err)
	assert.Equal(t, core.LeadQuoted, lead.Status)
}

func TestSaveQuote_MissingLeadIsSkipped(t *testing.T) {
	actions, _, _ := newTestActions(t, core.ChargeOnSend)
	ctx := context.Background()

	ghost := int64(9999)
	q := draftQuote("Sam")
	q.LeadID = &ghost

	res, err := actions.SaveQuote(ctx, "user-1", q)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

// =============================================================================
// SEND FLOW
// =============================================================================

func TestSendQuote_TransitionsAndRecords(t *testing.T) {
	// GIVEN: A saved draft quote
	// WHEN: It is sent on WhatsApp
	// THEN: Status flips to sent, a channel-tagged activity leads the log,
	//       and the sent ledger counts it

	actions, store, gate := newTestActions(t, core.ChargeOnSend)
	ctx := context.Background()

	saved, err := actions.SaveQuote(ctx, "user-1", draftQuote("Sam"))
	require.NoError(t, err)
	require.True(t, saved.OK)

	res, err := actions.SendQuote(ctx, "user-1", saved.Quote.ID, core.ChannelWhatsApp)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, 1, res.Used)
	assert.Equal(t, core.FreeQuoteLimit-1, res.Remaining)

	q, err := store.GetQuote(ctx, saved.Quote.ID)
	require.NoError(t, err)
	assert.Equal(t, core.QuoteSent, q.Status)
	assert.Equal(t, core.ActivitySent, q.Activities[0].Type)
	assert.Equal(t, core.ChannelWhatsApp, q.Activities[0].Channel)

	used, err := gate.Ledger().Used(ctx, "user-1", core.KindSent)
	require.NoError(t, err)
	assert.Equal(t, 1, used)
}

func TestSendQuote_TwoChannelsCountOnce(t *testing.T) {
	// GIVEN: A quote already sent on WhatsApp
	// WHEN: It is sent again via email
	// THEN: The sent count stays at one and both activities are logged

	actions, store, gate := newTestActions(t, core.ChargeOnSend)
	ctx := context.Background()

	saved, err := actions.SaveQuote(ctx, "user-1", draftQuote("Sam"))
	require.NoError(t, err)

	_, err = actions.SendQuote(ctx, "user-1", saved.Quote.ID, core.ChannelWhatsApp)
	require.NoError(t, err)
	res, err := actions.SendQuote(ctx, "user-1", saved.Quote.ID, core.ChannelEmail)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, 1, res.Used)

	used, err := gate.Ledger().Used(ctx, "user-1", core.KindSent)
	require.NoError(t, err)
	assert.Equal(t, 1, used)

	q, err := store.GetQuote(ctx, saved.Quote.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(q.Activities), 2)
	assert.Equal(t, core.ChannelEmail, q.Activities[0].Channel)
	assert.Equal(t, core.ChannelWhatsApp, q.Activities[1].Channel)
}

func TestSendQuote_DeniedPastLimit(t *testing.T) {
	// GIVEN: Ten distinct quotes already sent
	// WHEN: An eleventh quote is sent
	// THEN: Denied with reason "limit"; the quote stays a draft

	actions, store, _ := newTestActions(t, core.ChargeOnSend)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < core.FreeQuoteLimit+1; i++ {
		saved, err := actions.SaveQuote(ctx, "user-1", draftQuote(fmt.Sprintf("Customer %d", i)))
		require.NoError(t, err)
		ids = append(ids, saved.Quote.ID)
	}
	for i := 0; i < core.FreeQuoteLimit; i++ {
		res, err := actions.SendQuote(ctx, "user-1", ids[i], core.ChannelCopy)
		require.NoError(t, err)
		require.True(t, res.OK)
	}

	res, err := actions.SendQuote(ctx, "user-1", ids[core.FreeQuoteLimit], core.ChannelCopy)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "limit", res.Reason)
	assert.Equal(t, core.FreeQuoteLimit, res.Used)

	q, err := store.GetQuote(ctx, ids[core.FreeQuoteLimit])
	require.NoError(t, err)
	assert.Equal(t, core.QuoteDraft, q.Status, "denied send must not mutate the quote")

	// A quote that already consumed a slot can still be re-sent
	res, err = actions.SendQuote(ctx, "user-1", ids[0], core.ChannelEmail)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestSendQuote_FailedWriteConsumesNothing(t *testing.T) {
	// GIVEN: A store whose quote writes fail after the quote was stored
	// WHEN: A send is attempted
	// THEN: The error surfaces and the sent ledger stays empty

	base := memstore.NewMemory()
	ctx := context.Background()
	id, err := base.PutQuote(ctx, draftQuote("Sam"))
	require.NoError(t, err)

	broken := &failingWrites{base}
	gate := core.NewGate(core.NewUsageLedger(broken), core.ChargeOnSend)
	actions := core.NewActions(broken, gate, nil)

	_, err = actions.SendQuote(ctx, "user-1", id, core.ChannelCopy)
	assert.Error(t, err)

	used, err := gate.Ledger().Used(ctx, "user-1", core.KindSent)
	require.NoError(t, err)
	assert.Equal(t, 0, used, "a failed send must not consume quota")
}

func TestSendQuote_UnknownQuote(t *testing.T) {
	actions, _, _ := newTestActions(t, core.ChargeOnSend)

	_, err := actions.SendQuote(context.Background(), "user-1", 404, core.ChannelCopy)
	assert.ErrorIs(t, err, core.ErrQuoteNotFound)
}

// =============================================================================
// IDENTITY FALLBACK
// =============================================================================

func TestSaveQuote_EmptyUserFallsBackToAnon(t *testing.T) {
	actions, _, gate := newTestActions(t, core.ChargeOnSend)
	ctx := context.Background()

	res, err := actions.SaveQuote(ctx, "", draftQuote("Sam"))
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, core.AnonUserID, res.Quote.UserID)

	used, err := gate.Ledger().Used(ctx, core.AnonUserID, core.KindCreated)
	require.NoError(t, err)
	assert.Equal(t, 1, used)
}

func TestSaveQuote_ResolverSuppliesUser(t *testing.T) {
	store := memstore.NewMemory()
	gate := core.NewGate(core.NewUsageLedger(store), core.ChargeOnSend)
	actions := core.NewActions(store, gate, core.StaticIdentity("resolved-user"))
	ctx := context.Background()

	res, err := actions.SaveQuote(ctx, "", draftQuote("Sam"))
	require.NoError(t, err)
	assert.Equal(t, "resolved-user", res.Quote.UserID)
}
