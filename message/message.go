/*
Package message renders quotes into outbound customer text.

PURPOSE:
  Builds the plain-text quote message a tradesperson sends to a customer,
  plus the share targets (WhatsApp, Gmail, mailto, SMS) that carry it.
  Pure formatting over core types: no storage, no network.

LAYOUT:
  Business header (from settings, blank lines omitted), customer block,
  itemized lines, subtotal, optional VAT line, effective total with a
  note when a manual override was used, then notes, transcript, and
  the business terms.

MONEY:
  All figures come from core.CalcTotals and are rendered at two decimal
  places with a pound sign. Missing text fields render as an em dash so
  the message shape stays stable.

SEE ALSO:
  - core/totals.go: The figures this package renders
  - api: Serves the rendered message and targets alongside send results
*/
package message

import (
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/quote-engine/core"
)

// SendTargets are prefilled share links for one rendered message.
type SendTargets struct {
	WhatsAppURL string `json:"whatsappUrl"`
	GmailURL    string `json:"gmailUrl"`
	MailtoURL   string `json:"mailtoUrl"`
	SMSURL      string `json:"smsUrl"`
}

// Build renders the outbound message for a quote. settings may be nil,
// in which case the business header and terms are omitted.
func Build(settings *core.Settings, q *core.Quote) string {
	var b strings.Builder

	if biz := businessBlock(settings); biz != "" {
		b.WriteString(biz)
		b.WriteString("\n\n")
	}

	name := q.CustomerName
	if name == "" {
		name = "Customer"
	}
	fmt.Fprintf(&b, "Quote for %s\n\n", name)
	fmt.Fprintf(&b, "Address: %s\n\n", textOrDash(q.Address))

	t := core.CalcTotals(q)

	b.WriteString("Items:\n")
	b.WriteString(linesBlock(q.Lines))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Subtotal: £%s", core.Money(t.Subtotal))
	if t.VATEnabled {
		pct := t.VATRate.Mul(decimal.NewFromInt(100)).Round(0)
		fmt.Fprintf(&b, "\nVAT (%s%%): £%s", pct.String(), core.Money(t.VATAmount))
	}
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Total: £%s", core.Money(t.EffectiveTotal))
	if t.Override != "" {
		b.WriteString("\n(Manual total used)")
	}
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Notes:\n%s\n\n", textOrDash(q.Notes))
	fmt.Fprintf(&b, "Transcript:\n%s", textOrDash(q.Transcript))

	if settings != nil {
		if terms := trimmed(settings.Terms); terms != "" {
			fmt.Fprintf(&b, "\n\nTerms:\n%s", terms)
		}
	}

	return strings.TrimSpace(b.String())
}

// Targets builds the share links carrying an already rendered message.
func Targets(msg, customerName string) SendTargets {
	if customerName == "" {
		customerName = "Customer"
	}
	subject := escape("Quote - " + customerName)
	body := escape(msg)

	return SendTargets{
		WhatsAppURL: "https://wa.me/?text=" + body,
		GmailURL:    "https://mail.google.com/mail/?view=cm&fs=1&su=" + subject + "&body=" + body,
		MailtoURL:   "mailto:?subject=" + subject + "&body=" + body,
		SMSURL:      "sms:?&body=" + body,
	}
}

func businessBlock(settings *core.Settings) string {
	if settings == nil {
		return ""
	}
	var lines []string
	for _, p := range []*string{settings.BusinessName, settings.Phone, settings.Email, settings.Address} {
		if s := trimmed(p); s != "" {
			lines = append(lines, s)
		}
	}
	return strings.Join(lines, "\n")
}

func linesBlock(lines []core.QuoteLine) string {
	if len(lines) == 0 {
		return "—"
	}
	rows := make([]string, 0, len(lines))
	for _, l := range lines {
		desc := l.Description
		if desc == "" {
			desc = "Item"
		}
		rows = append(rows, fmt.Sprintf("%s — %s × £%s = £%s",
			desc,
			num(l.Qty).String(),
			core.Money(num(l.UnitPrice)),
			core.Money(core.LineTotal(l)),
		))
	}
	return strings.Join(rows, "\n")
}

// num guards against non-finite values reaching decimal conversion.
func num(f float64) decimal.Decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(f)
}

func textOrDash(p *string) string {
	if s := trimmed(p); s != "" {
		return s
	}
	return "—"
}

func trimmed(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

// escape matches browser-style percent encoding: spaces become %20, not
// plus signs, so the text survives in wa.me and mailto links.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
