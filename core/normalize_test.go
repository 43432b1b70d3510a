package core_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/quote-engine/core"
)

// =============================================================================
// TOLERANT LINE DECODING
// =============================================================================

func TestQuoteLine_DecodeDescAlias(t *testing.T) {
	// GIVEN: A line using the legacy "desc" field
	// WHEN: It is decoded
	// THEN: The alias folds into Description

	var l core.QuoteLine
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","desc":"Fit boiler","qty":2,"unitPrice":40}`), &l))

	assert.Equal(t, "Fit boiler", l.Description)
	assert.Equal(t, 2.0, l.Qty)
	assert.Equal(t, 40.0, l.UnitPrice)
}

func TestQuoteLine_DescriptionWinsOverAlias(t *testing.T) {
	var l core.QuoteLine
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","description":"New","desc":"Old"}`), &l))
	assert.Equal(t, "New", l.Description)
}

func TestQuoteLine_DecodeLooseShapes(t *testing.T) {
	// GIVEN: Numeric id, string qty, missing unitPrice
	// WHEN: The line is decoded
	// THEN: Everything coerces without error

	var l core.QuoteLine
	require.NoError(t, json.Unmarshal([]byte(`{"id":7,"description":"Parts","qty":"3"}`), &l))

	assert.Equal(t, "7", l.ID)
	assert.Equal(t, 3.0, l.Qty)
	assert.Equal(t, 0.0, l.UnitPrice)
}

func TestQuoteLine_DefaultsAndBadNumbers(t *testing.T) {
	// Missing qty defaults to 1; unparsable qty coerces to 0
	var l core.QuoteLine
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","description":"Parts"}`), &l))
	assert.Equal(t, 1.0, l.Qty)

	require.NoError(t, json.Unmarshal([]byte(`{"id":"a","qty":"a few","unitPrice":"cheap"}`), &l))
	assert.Equal(t, 0.0, l.Qty)
	assert.Equal(t, 0.0, l.UnitPrice)
}

// =============================================================================
// TOLERANT QUOTE DECODING
// =============================================================================

func TestQuote_DecodeCoercions(t *testing.T) {
	// GIVEN: vatRate as a string and totalOverride as a number
	// WHEN: The quote is decoded
	// THEN: Both land in their canonical types

	var q core.Quote
	require.NoError(t, json.Unmarshal([]byte(`{
		"customerName":"Sam",
		"vatEnabled":true,
		"vatRate":"0.2",
		"totalOverride":999,
		"lines":[{"id":"a","desc":"Labour","qty":2,"unitPrice":50}]
	}`), &q))

	assert.Equal(t, 0.2, q.VATRate)
	assert.Equal(t, "999", q.TotalOverride)
	require.Len(t, q.Lines, 1)
	assert.Equal(t, "Labour", q.Lines[0].Description)
}

func TestQuote_DecodeUnparsableVATRate(t *testing.T) {
	var q core.Quote
	require.NoError(t, json.Unmarshal([]byte(`{"customerName":"Sam","vatRate":"twenty"}`), &q))
	assert.Equal(t, 0.0, q.VATRate)
}

// =============================================================================
// ENTITY NORMALIZATION
// =============================================================================

func TestNormalizeLead_TrimAndBlankToNil(t *testing.T) {
	// GIVEN: A lead with padded and whitespace-only fields
	// WHEN: It is normalized
	// THEN: Fields are trimmed; blank optionals become absent

	l := &core.Lead{
		Name:  "  Sam Smith  ",
		Phone: strp("  0770 000  "),
		Email: strp("   "),
	}
	core.NormalizeLead(l)

	assert.Equal(t, "Sam Smith", l.Name)
	require.NotNil(t, l.Phone)
	assert.Equal(t, "0770 000", *l.Phone)
	assert.Nil(t, l.Email, "whitespace-only optional becomes absent")
	assert.Equal(t, core.LeadNew, l.Status)
}

func TestNormalizeQuote_DefaultsAndLineIdentities(t *testing.T) {
	q := &core.Quote{
		CustomerName: "   ",
		Lines:        []core.QuoteLine{{Description: " Labour ", Qty: 1, UnitPrice: 10}},
	}
	core.NormalizeQuote(q)

	assert.Equal(t, "Customer", q.CustomerName)
	assert.Equal(t, core.QuoteDraft, q.Status)
	assert.Equal(t, core.SourceManual, q.Source)
	assert.NotEmpty(t, q.Lines[0].ID, "missing line identity is filled")
	assert.Equal(t, "Labour", q.Lines[0].Description)
}

func TestNormalizeQuote_DropsMalformedActivities(t *testing.T) {
	// GIVEN: Activities missing a type or timestamp
	// WHEN: The quote is normalized
	// THEN: Only the well-formed entry survives, with an identity filled in

	now := time.Now().UTC()
	q := &core.Quote{
		CustomerName: "Sam",
		Activities: []core.Activity{
			{Type: core.ActivitySent, At: now},
			{Type: ""},
			{Type: core.ActivityCreated},
		},
	}
	core.NormalizeQuote(q)

	require.Len(t, q.Activities, 1)
	assert.Equal(t, core.ActivitySent, q.Activities[0].Type)
	assert.NotEmpty(t, q.Activities[0].ID)
}

func TestNormalizeUsage_Dedupes(t *testing.T) {
	u := &core.Usage{
		UserID:          " user-1 ",
		CreatedQuoteIDs: []string{"1", "2", "1", "", "3", "2"},
		SentQuoteIDs:    []string{"9", "9"},
	}
	core.NormalizeUsage(u)

	assert.Equal(t, "user-1", u.UserID)
	assert.Equal(t, []string{"1", "2", "3"}, u.CreatedQuoteIDs)
	assert.Equal(t, []string{"9"}, u.SentQuoteIDs)
}

func TestNormalizeSettings_PinsIdentity(t *testing.T) {
	s := &core.Settings{ID: "whatever", BusinessName: strp("  Smith Plumbing  ")}
	core.NormalizeSettings(s)

	assert.Equal(t, core.SettingsID, s.ID)
	assert.Equal(t, "Smith Plumbing", *s.BusinessName)
}

// =============================================================================
// LEAD VALIDATION
// =============================================================================

func TestValidateLead_NameRule(t *testing.T) {
	assert.True(t, core.ValidateLead(&core.Lead{Name: "Jo"}))
	assert.False(t, core.ValidateLead(&core.Lead{Name: "J"}))
	assert.False(t, core.ValidateLead(&core.Lead{Name: "  X  "}))
	assert.False(t, core.ValidateLead(&core.Lead{Name: ""}))
}
