/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TOTALS:
  Money figures cross the wire as two-decimal strings ("120.00"), never
  floats, and are recomputed on every read. They are views of the stored
  lines, not stored values.

SEE ALSO:
  - handlers.go: Uses these types
  - core/totals.go: Where the figures come from
*/
package api

import (
	"encoding/json"

	"github.com/warp/quote-engine/core"
	"github.com/warp/quote-engine/message"
)

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// TotalsDTO carries the derived money figures of a quote.
type TotalsDTO struct {
	Subtotal        string `json:"subtotal"`
	VATEnabled      bool   `json:"vatEnabled"`
	VATAmount       string `json:"vatAmount"`
	ComputedTotal   string `json:"computedTotal"`
	EffectiveTotal  string `json:"effectiveTotal"`
	OverrideApplied bool   `json:"overrideApplied"`
}

func toTotalsDTO(t core.Totals) TotalsDTO {
	return TotalsDTO{
		Subtotal:        core.Money(t.Subtotal),
		VATEnabled:      t.VATEnabled,
		VATAmount:       core.Money(t.VATAmount),
		ComputedTotal:   core.Money(t.ComputedTotal),
		EffectiveTotal:  core.Money(t.EffectiveTotal),
		OverrideApplied: t.Override != "",
	}
}

// QuoteDTO is a quote plus its derived totals.
type QuoteDTO struct {
	core.Quote
	Totals TotalsDTO `json:"totals"`
}

// UnmarshalJSON decodes both parts explicitly. The embedded quote's own
// decoder would otherwise be promoted and silently drop the totals.
func (d *QuoteDTO) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &d.Quote); err != nil {
		return err
	}
	var aux struct {
		Totals TotalsDTO `json:"totals"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	d.Totals = aux.Totals
	return nil
}

func toQuoteDTO(q *core.Quote) QuoteDTO {
	return QuoteDTO{Quote: *q, Totals: toTotalsDTO(core.CalcTotals(q))}
}

func toQuoteDTOs(quotes []core.Quote) []QuoteDTO {
	dtos := make([]QuoteDTO, len(quotes))
	for i := range quotes {
		dtos[i] = toQuoteDTO(&quotes[i])
	}
	return dtos
}

// SendRequest selects the channel for a send.
type SendRequest struct {
	Channel core.SendChannel `json:"channel"`
}

// SendResponse is the send outcome plus the rendered message the client
// hands to the chosen channel.
type SendResponse struct {
	OK        bool                `json:"ok"`
	Reason    string              `json:"reason,omitempty"`
	Used      int                 `json:"used"`
	Remaining int                 `json:"remaining"`
	Quote     *QuoteDTO           `json:"quote,omitempty"`
	Message   string              `json:"message,omitempty"`
	Targets   SendTargetsResponse `json:"targets,omitempty"`
}

// SendTargetsResponse mirrors message.SendTargets on the wire.
type SendTargetsResponse = message.SendTargets

// MessageResponse is the rendered message for a quote without sending.
type MessageResponse struct {
	Message string              `json:"message"`
	Targets SendTargetsResponse `json:"targets"`
}

// SaveQuoteResponse is the outcome of creating or updating a quote.
type SaveQuoteResponse struct {
	OK       bool          `json:"ok"`
	Reason   string        `json:"reason,omitempty"`
	Decision core.Decision `json:"decision"`
	Quote    *QuoteDTO     `json:"quote,omitempty"`
}

// UsageDTO reports free-tier consumption for one user.
type UsageDTO struct {
	UserID           string `json:"userId"`
	Limit            int    `json:"limit"`
	Policy           string `json:"policy"`
	CreatedUsed      int    `json:"createdUsed"`
	CreatedRemaining int    `json:"createdRemaining"`
	SentUsed         int    `json:"sentUsed"`
	SentRemaining    int    `json:"sentRemaining"`
}

// HealthDTO is the health check body.
type HealthDTO struct {
	Status  string `json:"status"`
	Backend string `json:"backend"`
}
