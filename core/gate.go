/*
gate.go - Quota gate policy layer

PURPOSE:
  Decides whether a create or send may proceed, consulting the usage
  ledger. The gate returns decisions, never errors, for denials: running
  out of free quota is expected control flow, surfaced to the UI as an
  upgrade prompt rather than a crash.

POLICY:
  ChargeOnCreate gates creation against the "created" ledger.
  ChargeOnSend gates sending against the "sent" ledger.
  Exactly one policy is active at a time; the other action is ungated.
  Both ledgers are recorded regardless of the active policy, so the
  policy can flip without a data migration.

FRESHNESS:
  Decisions read the ledger at call time. Callers must consult the gate
  immediately before the action, not cache a decision across a page's
  lifetime - that keeps the cross-tab race window minimal.

SEE ALSO:
  - ledger.go: The counting semantics
  - actions.go: Consults the gate around save/send flows
*/
package core

import "context"

// ChargePolicy selects which action consumes free-tier quota.
type ChargePolicy string

const (
	ChargeOnCreate ChargePolicy = "create"
	ChargeOnSend   ChargePolicy = "send"
)

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed bool `json:"allowed"`

	// AlreadyCounted is true when the quote identity was previously
	// recorded, meaning the action is free regardless of remaining quota.
	AlreadyCounted bool `json:"alreadyCounted"`

	Used      int `json:"used"`
	Remaining int `json:"remaining"`
}

// Gate is the policy layer in front of the usage ledger.
type Gate struct {
	ledger *UsageLedger
	policy ChargePolicy
}

// NewGate creates a gate with the given active charging policy.
func NewGate(ledger *UsageLedger, policy ChargePolicy) *Gate {
	if policy == "" {
		policy = ChargeOnSend
	}
	return &Gate{ledger: ledger, policy: policy}
}

// Policy returns the active charging policy.
func (g *Gate) Policy() ChargePolicy { return g.policy }

// Ledger exposes the underlying usage ledger for read-only reporting.
func (g *Gate) Ledger() *UsageLedger { return g.ledger }

// CanCreate decides whether a quote may be created/saved. quoteID is ""
// for a brand-new quote. Fails closed on storage errors.
func (g *Gate) CanCreate(ctx context.Context, userID, quoteID string) (Decision, error) {
	return g.decide(ctx, userID, KindCreated, quoteID, g.policy == ChargeOnCreate)
}

// CanSend decides whether a quote may be sent. Fails closed on storage
// errors.
func (g *Gate) CanSend(ctx context.Context, userID, quoteID string) (Decision, error) {
	return g.decide(ctx, userID, KindSent, quoteID, g.policy == ChargeOnSend)
}

func (g *Gate) decide(ctx context.Context, userID string, kind Kind, quoteID string, gated bool) (Decision, error) {
	used, err := g.ledger.Used(ctx, userID, kind)
	if err != nil {
		// Fail closed: an unreadable ledger denies rather than opening
		// an un-metered bypass.
		return Decision{Allowed: false}, err
	}

	d := Decision{
		Used:      used,
		Remaining: remaining(g.ledger.Limit(), used),
	}
	if quoteID != "" {
		counted, err := g.ledger.AlreadyRecorded(ctx, userID, kind, quoteID)
		if err != nil {
			return Decision{Allowed: false}, err
		}
		d.AlreadyCounted = counted
	}

	if !gated {
		d.Allowed = true
		return d, nil
	}
	d.Allowed = d.AlreadyCounted || d.Remaining > 0
	return d, nil
}

// RecordCreated records the quote against the "created" ledger. Called
// after a successful save; idempotent.
func (g *Gate) RecordCreated(ctx context.Context, userID, quoteID string) (int, error) {
	return g.ledger.Record(ctx, userID, KindCreated, quoteID)
}

// RecordSent records the quote against the "sent" ledger. Called after a
// successful send; idempotent.
func (g *Gate) RecordSent(ctx context.Context, userID, quoteID string) (int, error) {
	return g.ledger.Record(ctx, userID, KindSent, quoteID)
}
