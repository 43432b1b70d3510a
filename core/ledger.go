/*
ledger.go - Idempotent usage ledger

PURPOSE:
  Answers "may this user perform action X (create | send) on quote Q" and
  durably records that the action has been counted - exactly once per
  quote per action kind, no matter how many times recording is invoked.

CRITICAL INVARIANTS:
  1. SET, NOT COUNTER: usage is a set of quote identities. Recording an
     identity already in the set is a no-op. A second save or send of
     the same quote is free.
  2. RECORD AFTER SUCCESS: callers record only after the gated action
     succeeded, so a failed send never consumes quota.
  3. FAIL CLOSED: when storage is unreadable, CanPerform denies rather
     than granting an un-metered bypass.

WHY TWO LEDGERS?
  Product policy has flipped between "quota charged on save" and "quota
  charged on send". Both kinds are always recorded so either policy can
  be active without a data migration; the gate chooses which one gates
  which action.

CONCURRENCY:
  Record runs the membership check and the insert inside one store
  transaction, re-reading the row first. Across processes a lost update
  can at worst cause a re-check - set union is monotonic, so retrying is
  always safe and never double-charges.

SEE ALSO:
  - gate.go: The policy layer consulting this ledger
  - store.go: UsageStore + WithTx this ledger is built on
*/
package core

import (
	"context"
	"time"
)

// FreeQuoteLimit is the number of distinct quotes the free tier allows
// per user and action kind.
const FreeQuoteLimit = 10

// Kind is a quota action kind. Each kind has its own independent ledger.
type Kind string

const (
	KindCreated Kind = "created"
	KindSent    Kind = "sent"
)

// UsageLedger records quote identities against per-user usage sets.
type UsageLedger struct {
	store TxStore
	limit int
	now   func() time.Time
}

// NewUsageLedger creates a ledger over the given store with the standard
// free-tier limit.
func NewUsageLedger(store TxStore) *UsageLedger {
	return &UsageLedger{store: store, limit: FreeQuoteLimit, now: time.Now}
}

// Limit returns the configured free-tier limit.
func (l *UsageLedger) Limit() int { return l.limit }

// usage loads the user's record, or a fresh empty one. Read-only: the
// fresh record is not persisted until something is recorded.
func (l *UsageLedger) usage(ctx context.Context, s Store, userID string) (*Usage, error) {
	u, err := s.GetUsage(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		u = NewUsage(userID, l.now().UTC())
	}
	return u, nil
}

// Used returns the count of distinct quote identities recorded for the
// user and kind.
func (l *UsageLedger) Used(ctx context.Context, userID string, kind Kind) (int, error) {
	u, err := l.usage(ctx, l.store, userID)
	if err != nil {
		return 0, err
	}
	return len(u.IDs(kind)), nil
}

// Remaining returns max(0, limit - used).
func (l *UsageLedger) Remaining(ctx context.Context, userID string, kind Kind) (int, error) {
	used, err := l.Used(ctx, userID, kind)
	if err != nil {
		return 0, err
	}
	return remaining(l.limit, used), nil
}

// AlreadyRecorded reports whether the quote identity is in the user's set
// for the given kind.
func (l *UsageLedger) AlreadyRecorded(ctx context.Context, userID string, kind Kind, quoteID string) (bool, error) {
	u, err := l.usage(ctx, l.store, userID)
	if err != nil {
		return false, err
	}
	return u.Contains(kind, quoteID), nil
}

// Record adds the quote identity to the user's set for kind and returns
// the resulting count. Idempotent: recording an existing member is a
// no-op that returns the current count. The check and the insert happen
// in one transaction.
func (l *UsageLedger) Record(ctx context.Context, userID string, kind Kind, quoteID string) (int, error) {
	var used int
	err := l.store.WithTx(ctx, func(s Store) error {
		u, err := l.usage(ctx, s, userID)
		if err != nil {
			return err
		}
		if u.Contains(kind, quoteID) {
			used = len(u.IDs(kind))
			return nil
		}
		used = u.Add(kind, quoteID)
		u.UpdatedAt = l.now().UTC()
		return s.PutUsage(ctx, u)
	})
	if err != nil {
		return 0, err
	}
	return used, nil
}

// CanPerform reports whether the action may proceed: always true for an
// already-recorded identity (re-saves and re-sends are free), otherwise
// true while quota remains. Fails closed: a storage error denies.
func (l *UsageLedger) CanPerform(ctx context.Context, userID string, kind Kind, quoteID string) (bool, error) {
	u, err := l.usage(ctx, l.store, userID)
	if err != nil {
		return false, err
	}
	if quoteID != "" && u.Contains(kind, quoteID) {
		return true, nil
	}
	return remaining(l.limit, len(u.IDs(kind))) > 0, nil
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}
