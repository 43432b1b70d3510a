/*
normalize.go - Shape normalization at the store boundary

PURPOSE:
  Minimal, uniform cleanup applied to every entity on its way into the
  store, plus tolerant JSON decoding on the way in from callers:

  - strings are trimmed; optional fields that trim to "" become nil so
    "absent" and "explicitly blank" stay distinguishable in storage
  - numeric-looking fields are coerced; unparsable input becomes 0,
    never an error (a save is sanitized, not rejected)
  - a line's legacy "desc" field is folded into Description on read.
    It is an alias handled here, never a second live field.
  - activity log entries missing a type or timestamp are dropped;
    missing identities are filled in

  The store never rejects a save for bad numeric input. Policy-level
  validation (lead name length) lives with the callers that own the
  forms, not here.

SEE ALSO:
  - types.go: The entity shapes being normalized
  - store/sqlite, core/store: Implementations that call these on Put*
*/
package core

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// =============================================================================
// TOLERANT JSON DECODING
// =============================================================================

// UnmarshalJSON accepts the loose shapes historic clients produced:
// numeric or string identities, a legacy "desc" alias for the description,
// and qty/unitPrice as numbers or numeric strings. A missing qty defaults
// to 1; anything unparsable coerces to 0.
func (l *QuoteLine) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID          json.RawMessage `json:"id"`
		Description *string         `json:"description"`
		Desc        *string         `json:"desc"`
		Qty         json.RawMessage `json:"qty"`
		UnitPrice   json.RawMessage `json:"unitPrice"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	l.ID = rawString(raw.ID)
	switch {
	case raw.Description != nil:
		l.Description = *raw.Description
	case raw.Desc != nil:
		l.Description = *raw.Desc
	default:
		l.Description = ""
	}
	l.Qty = rawNumber(raw.Qty, 1)
	l.UnitPrice = rawNumber(raw.UnitPrice, 0)
	return nil
}

// UnmarshalJSON coerces the fields clients historically got wrong:
// vatRate as a string, totalOverride as a number.
func (q *Quote) UnmarshalJSON(data []byte) error {
	type alias Quote
	aux := struct {
		*alias
		VATRate       json.RawMessage `json:"vatRate"`
		TotalOverride json.RawMessage `json:"totalOverride"`
	}{alias: (*alias)(q)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	q.VATRate = rawNumber(aux.VATRate, 0)
	q.TotalOverride = rawString(aux.TotalOverride)
	return nil
}

// rawNumber decodes a JSON number or numeric string. Absent/null yields
// def; present but unparsable yields 0.
func rawNumber(raw json.RawMessage, def float64) float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return def
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return sanitizeNumber(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0
		}
		return sanitizeNumber(f)
	}
	return 0
}

// rawString decodes a JSON string or renders a JSON number as text.
// Everything else yields "".
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

func sanitizeNumber(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// =============================================================================
// ENTITY NORMALIZATION
// =============================================================================

// NormalizeLead trims fields and defaults the status.
func NormalizeLead(l *Lead) {
	l.UserID = strings.TrimSpace(l.UserID)
	l.Name = strings.TrimSpace(l.Name)
	l.Phone = optText(l.Phone)
	l.Email = optText(l.Email)
	l.Address = optText(l.Address)
	l.JobType = optText(l.JobType)
	l.Notes = optText(l.Notes)
	if l.Status == "" {
		l.Status = LeadNew
	}
}

// NormalizeQuote trims fields, defaults the customer name, sanitizes line
// numerics, ensures line and activity identities, and drops malformed
// activity entries.
func NormalizeQuote(q *Quote) {
	q.UserID = strings.TrimSpace(q.UserID)
	q.CustomerName = strings.TrimSpace(q.CustomerName)
	if q.CustomerName == "" {
		q.CustomerName = "Customer"
	}
	q.Address = optText(q.Address)
	q.Notes = optText(q.Notes)
	q.Transcript = optText(q.Transcript)
	if q.Source == "" {
		q.Source = SourceManual
	}
	if q.Status == "" {
		q.Status = QuoteDraft
	}

	for i := range q.Lines {
		line := &q.Lines[i]
		line.ID = strings.TrimSpace(line.ID)
		if line.ID == "" {
			line.ID = uuid.NewString()
		}
		line.Description = strings.TrimSpace(line.Description)
		line.Qty = sanitizeNumber(line.Qty)
		line.UnitPrice = sanitizeNumber(line.UnitPrice)
	}

	q.VATRate = sanitizeNumber(q.VATRate)
	q.TotalOverride = strings.TrimSpace(q.TotalOverride)

	kept := q.Activities[:0]
	for _, a := range q.Activities {
		if a.Type == "" || a.At.IsZero() {
			continue
		}
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		kept = append(kept, a)
	}
	q.Activities = kept
}

// NormalizeJob trims fields and defaults the stage.
func NormalizeJob(j *Job) {
	j.UserID = strings.TrimSpace(j.UserID)
	j.CustomerName = strings.TrimSpace(j.CustomerName)
	j.Address = optText(j.Address)
	j.Notes = optText(j.Notes)
	if j.Stage == "" {
		j.Stage = JobBooked
	}
}

// NormalizeSettings trims fields and pins the well-known identity.
func NormalizeSettings(s *Settings) {
	s.ID = SettingsID
	s.BusinessName = optText(s.BusinessName)
	s.Phone = optText(s.Phone)
	s.Email = optText(s.Email)
	s.Address = optText(s.Address)
	s.Terms = optText(s.Terms)
}

// NormalizeUsage deduplicates the recorded sets, preserving first-seen order.
func NormalizeUsage(u *Usage) {
	u.UserID = strings.TrimSpace(u.UserID)
	u.CreatedQuoteIDs = dedupe(u.CreatedQuoteIDs)
	u.SentQuoteIDs = dedupe(u.SentQuoteIDs)
}

// optText trims a pointer field; whitespace-only values become absent.
func optText(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil
	}
	return &v
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// ValidateLead reports whether the lead satisfies the one hard rule the
// forms depend on: a name of at least two characters after trimming.
func ValidateLead(l *Lead) bool {
	return len(strings.TrimSpace(l.Name)) >= 2
}
