/*
Package core provides the quoting engine: entity schema, normalization,
totals calculation, the usage ledger, and the quota gate.

PURPOSE:
  This package contains the domain types and algorithms for a trade-business
  quoting tool: capture a lead, build a quote from line items, send it, and
  track how much of the free tier has been consumed.

KEY CONCEPTS IN THIS FILE (types.go):
  - Lead: A potential customer captured before a quote exists
  - Quote: Line items + VAT config + activity log, the central entity
  - Job: Scheduled work derived from a quote
  - Settings: The single per-installation business profile
  - Usage: Per-user sets of quote IDs already counted against the free tier

DESIGN PRINCIPLES:
  1. Documents are authoritative: totals are always recomputed from lines,
     never persisted as a source of truth
  2. Optional text fields are pointers so "absent" and "blank" stay
     distinguishable in storage
  3. Idempotency: usage is a set of quote IDs, not a counter, so re-saves
     and re-sends never consume additional quota
  4. Precision: totals use decimal.Decimal, rounding only at render time

SEE ALSO:
  - normalize.go: Boundary normalization (trim, coercion, field aliasing)
  - totals.go: Pure totals calculation
  - ledger.go: Idempotent usage recording
  - gate.go: Allow/deny policy around create and send
*/
package core

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// LEAD
// =============================================================================

type LeadStatus string

const (
	LeadNew       LeadStatus = "new"
	LeadContacted LeadStatus = "contacted"
	LeadQuoted    LeadStatus = "quoted"
	LeadWon       LeadStatus = "won"
	LeadLost      LeadStatus = "lost"
)

// Lead is a potential customer. Name is the only required field.
type Lead struct {
	ID        int64     `json:"id,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Owning user. Empty on rows written before ownership existed;
	// such rows are visible to any user.
	UserID string `json:"userId,omitempty"`

	Name    string  `json:"name"`
	Phone   *string `json:"phone,omitempty"`
	Email   *string `json:"email,omitempty"`
	Address *string `json:"address,omitempty"`
	JobType *string `json:"jobType,omitempty"`
	Notes   *string `json:"notes,omitempty"`

	Status LeadStatus `json:"status"`
}

// =============================================================================
// QUOTE
// =============================================================================

type QuoteStatus string

const (
	QuoteDraft    QuoteStatus = "draft"
	QuoteSent     QuoteStatus = "sent"
	QuoteAccepted QuoteStatus = "accepted"
	QuoteDeclined QuoteStatus = "declined"
)

type QuoteSource string

const (
	SourceVoice  QuoteSource = "voice"
	SourceManual QuoteSource = "manual"
)

// QuoteLine is a single priced row on a quote. Qty and UnitPrice are
// sanitized on the way in: bad numeric input becomes 0, never an error.
type QuoteLine struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Qty         float64 `json:"qty"`
	UnitPrice   float64 `json:"unitPrice"`
}

// NewQuoteLine creates a line with a fresh identity.
func NewQuoteLine(description string, qty, unitPrice float64) QuoteLine {
	return QuoteLine{
		ID:          uuid.NewString(),
		Description: description,
		Qty:         qty,
		UnitPrice:   unitPrice,
	}
}

type SendChannel string

const (
	ChannelWhatsApp SendChannel = "whatsapp"
	ChannelEmail    SendChannel = "email"
	ChannelCopy     SendChannel = "copy"
)

type ActivityType string

const (
	ActivityCreated ActivityType = "created"
	ActivitySaved   ActivityType = "saved"
	ActivitySent    ActivityType = "sent"
)

// Activity is one entry in a quote's activity log. The log is prepend-only:
// the most recent entry is first and entries are never edited.
type Activity struct {
	ID      string         `json:"id"`
	Type    ActivityType   `json:"type"`
	Channel SendChannel    `json:"channel,omitempty"`
	At      time.Time      `json:"at"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// NewActivity creates an activity entry stamped with the given time.
func NewActivity(typ ActivityType, channel SendChannel, at time.Time) Activity {
	return Activity{
		ID:      uuid.NewString(),
		Type:    typ,
		Channel: channel,
		At:      at,
	}
}

// Quote is the central entity. Persisted lines are authoritative; totals are
// derived on read via CalcTotals and never stored.
type Quote struct {
	ID        int64     `json:"id,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	UserID string `json:"userId,omitempty"`

	// Soft reference back to the lead this quote came from. The lead may
	// have been deleted since; nothing cascades.
	LeadID *int64 `json:"leadId,omitempty"`

	CustomerName string  `json:"customerName"`
	Address      *string `json:"address,omitempty"`
	Notes        *string `json:"notes,omitempty"`

	// Voice capture support: the raw dictation text, if any.
	Transcript *string     `json:"transcript,omitempty"`
	Source     QuoteSource `json:"source,omitempty"`

	Status QuoteStatus `json:"status"`
	Lines  []QuoteLine `json:"lines"`

	VATEnabled bool    `json:"vatEnabled"`
	VATRate    float64 `json:"vatRate"`

	// Manual total override, string form of a decimal. Blank or
	// non-numeric means "unset" and the computed total applies.
	TotalOverride string `json:"totalOverride,omitempty"`

	// Most-recent-first. Only ever grows.
	Activities []Activity `json:"activities,omitempty"`
}

// QuoteKey returns the quote identity as recorded in the usage ledger.
func QuoteKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// =============================================================================
// JOB
// =============================================================================

type JobStage string

const (
	JobBooked     JobStage = "booked"
	JobOnSite     JobStage = "on_site"
	JobInProgress JobStage = "in_progress"
	JobCompleted  JobStage = "completed"
	JobInvoiced   JobStage = "invoiced"
)

// Job is scheduled work, optionally linked back to a lead and/or quote.
type Job struct {
	ID        int64     `json:"id,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	UserID string `json:"userId,omitempty"`

	LeadID  *int64 `json:"leadId,omitempty"`
	QuoteID *int64 `json:"quoteId,omitempty"`

	CustomerName string  `json:"customerName"`
	Address      *string `json:"address,omitempty"`
	Notes        *string `json:"notes,omitempty"`

	Stage        JobStage   `json:"stage"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
}

// =============================================================================
// SETTINGS
// =============================================================================

// SettingsID is the identity of the single well-known settings row.
const SettingsID = "default"

// Settings is the per-installation business profile used when rendering
// outbound messages. It carries no validation rules of its own.
type Settings struct {
	ID           string    `json:"id"`
	BusinessName *string   `json:"businessName,omitempty"`
	Phone        *string   `json:"phone,omitempty"`
	Email        *string   `json:"email,omitempty"`
	Address      *string   `json:"address,omitempty"`
	Terms        *string   `json:"terms,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// =============================================================================
// USAGE
// =============================================================================

// Usage holds, per user, the sets of quote identities already counted
// toward the free tier. Membership is idempotent: adding an identity that
// is already present changes nothing, which is what makes re-saves and
// re-sends free.
type Usage struct {
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	CreatedQuoteIDs []string `json:"createdQuoteIds"`
	SentQuoteIDs    []string `json:"sentQuoteIds"`
}

// NewUsage returns a fresh usage record for a user.
func NewUsage(userID string, now time.Time) *Usage {
	return &Usage{
		UserID:          userID,
		CreatedAt:       now,
		UpdatedAt:       now,
		CreatedQuoteIDs: []string{},
		SentQuoteIDs:    []string{},
	}
}

// IDs returns the recorded set for the given action kind.
func (u *Usage) IDs(kind Kind) []string {
	if kind == KindSent {
		return u.SentQuoteIDs
	}
	return u.CreatedQuoteIDs
}

// Contains reports whether the quote identity is already recorded for kind.
func (u *Usage) Contains(kind Kind, quoteID string) bool {
	for _, id := range u.IDs(kind) {
		if id == quoteID {
			return true
		}
	}
	return false
}

// Add records the quote identity for kind. Adding an existing member is a
// no-op. Returns the resulting count.
func (u *Usage) Add(kind Kind, quoteID string) int {
	if !u.Contains(kind, quoteID) {
		if kind == KindSent {
			u.SentQuoteIDs = append(u.SentQuoteIDs, quoteID)
		} else {
			u.CreatedQuoteIDs = append(u.CreatedQuoteIDs, quoteID)
		}
	}
	return len(u.IDs(kind))
}
