/*
actions.go - User-initiated quote flows

PURPOSE:
  Orchestrates the two gated actions around a quote: saving (create or
  edit) and sending. Each flow follows the same shape:

    1. Check the gate BEFORE the action
    2. Perform the mutation (normalize, status, activity log, persist)
    3. Record usage AFTER the mutation succeeded

  Recording last means a failed save or send never consumes quota.
  Recording is idempotent set-union, so retries are always safe.

DENIALS:
  Quota denials are results, not errors: a denied flow returns
  OK=false with Reason "limit", mirroring how the UI presents an
  upgrade prompt instead of an error page.

SIDE EFFECTS ON SAVE:
  Creating a quote from a lead advances that lead's status to "quoted".
  The reference is soft - a missing lead is skipped silently.

SEE ALSO:
  - gate.go: The allow/deny policy
  - message: Renders the sent quote into outbound text (caller's job)
*/
package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Actions bundles the dependencies of the user-initiated flows.
type Actions struct {
	store    TxStore
	gate     *Gate
	identity IdentityResolver
	now      func() time.Time
}

// NewActions creates the action service. identity is consulted only when
// a caller passes an empty user ID.
func NewActions(store TxStore, gate *Gate, identity IdentityResolver) *Actions {
	return &Actions{store: store, gate: gate, identity: identity, now: time.Now}
}

// SaveResult is the outcome of SaveQuote.
type SaveResult struct {
	OK       bool     `json:"ok"`
	Reason   string   `json:"reason,omitempty"` // "limit" on quota denial
	Decision Decision `json:"decision"`
	Quote    *Quote   `json:"quote,omitempty"`
}

// SendResult is the outcome of SendQuote.
type SendResult struct {
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"`
	Quote     *Quote `json:"quote,omitempty"`
}

func (a *Actions) resolveUser(ctx context.Context, userID string) string {
	if userID != "" {
		return userID
	}
	if a.identity != nil {
		if id, err := a.identity.CurrentUserID(ctx); err == nil && id != "" {
			return id
		}
	}
	return AnonUserID
}

// SaveQuote persists a quote, gating creation per the active policy and
// recording the "created" ledger after a successful save. Editing an
// already-counted quote is always free.
func (a *Actions) SaveQuote(ctx context.Context, userID string, q *Quote) (*SaveResult, error) {
	userID = a.resolveUser(ctx, userID)
	isNew := q.ID == 0

	key := ""
	if !isNew {
		key = QuoteKey(q.ID)
	}
	d, err := a.gate.CanCreate(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return &SaveResult{OK: false, Reason: "limit", Decision: d}, nil
	}

	if q.UserID == "" {
		q.UserID = userID
	}

	typ := ActivitySaved
	if isNew {
		typ = ActivityCreated
	}
	q.Activities = append([]Activity{NewActivity(typ, "", a.now().UTC())}, q.Activities...)

	if err := RetryWrite(func() error {
		_, err := a.store.PutQuote(ctx, q)
		return err
	}); err != nil {
		return nil, err
	}

	if isNew && q.LeadID != nil {
		a.markLeadQuoted(ctx, *q.LeadID)
	}

	// Record after the save succeeded. Always, regardless of the active
	// charging policy, so a policy flip needs no migration.
	used, err := a.gate.RecordCreated(ctx, userID, QuoteKey(q.ID))
	if err != nil {
		return nil, err
	}

	return &SaveResult{
		OK: true,
		Decision: Decision{
			Allowed:        true,
			AlreadyCounted: true,
			Used:           used,
			Remaining:      remaining(a.gate.Ledger().Limit(), used),
		},
		Quote: q,
	}, nil
}

// markLeadQuoted advances the source lead's status. Best-effort: the lead
// may have been deleted, and a failure here never fails the save.
func (a *Actions) markLeadQuoted(ctx context.Context, leadID int64) {
	lead, err := a.store.GetLead(ctx, leadID)
	if err != nil || lead == nil {
		return
	}
	if lead.Status == LeadQuoted {
		return
	}
	lead.Status = LeadQuoted
	_, _ = a.store.PutLead(ctx, lead)
}

// SendQuote performs the send flow for one channel: gate check, draft to
// sent transition, activity log entry, persist, then record the "sent"
// ledger. Sending the same quote again on another channel is free.
func (a *Actions) SendQuote(ctx context.Context, userID string, quoteID int64, channel SendChannel) (*SendResult, error) {
	userID = a.resolveUser(ctx, userID)

	q, err := a.store.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, ErrQuoteNotFound
	}

	key := QuoteKey(quoteID)
	d, err := a.gate.CanSend(ctx, userID, key)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return &SendResult{OK: false, Reason: "limit", Used: d.Used}, nil
	}

	// Attach ownership so lists stay consistent for legacy rows.
	if q.UserID == "" {
		q.UserID = userID
	}
	if q.Status == QuoteDraft {
		q.Status = QuoteSent
	}
	q.Activities = append([]Activity{NewActivity(ActivitySent, channel, a.now().UTC())}, q.Activities...)

	if err := RetryWrite(func() error {
		_, err := a.store.PutQuote(ctx, q)
		return err
	}); err != nil {
		return nil, err
	}

	used, err := a.gate.RecordSent(ctx, userID, key)
	if err != nil {
		return nil, err
	}

	return &SendResult{
		OK:        true,
		Used:      used,
		Remaining: remaining(a.gate.Ledger().Limit(), used),
		Quote:     q,
	}, nil
}

// AppendActivity prepends an entry to a quote's activity log and persists
// the quote. The log only ever grows.
func (a *Actions) AppendActivity(ctx context.Context, quoteID int64, act Activity) (*Quote, error) {
	q, err := a.store.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, ErrQuoteNotFound
	}

	if act.At.IsZero() {
		act.At = a.now().UTC()
	}
	if act.ID == "" {
		act.ID = uuid.NewString()
	}
	q.Activities = append([]Activity{act}, q.Activities...)

	if err := RetryWrite(func() error {
		_, err := a.store.PutQuote(ctx, q)
		return err
	}); err != nil {
		return nil, err
	}
	return q, nil
}
