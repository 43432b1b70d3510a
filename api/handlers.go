/*
handlers.go - HTTP API handlers for the quoting engine

PURPOSE:
  Exposes the quoting engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Leads:
    GET    /api/leads                List leads (?status=)
    POST   /api/leads                Create lead
    GET    /api/leads/{id}           Get lead
    PUT    /api/leads/{id}           Update lead
    DELETE /api/leads/{id}          Delete lead

  Quotes:
    GET    /api/quotes               List quotes (?status=, ?leadId=)
    POST   /api/quotes               Create quote (gated)
    GET    /api/quotes/{id}          Get quote with derived totals
    PUT    /api/quotes/{id}          Update quote
    DELETE /api/quotes/{id}          Delete quote
    POST   /api/quotes/{id}/send     Send quote (gated)
    GET    /api/quotes/{id}/message  Rendered message + share targets

  Jobs:
    GET    /api/jobs                 List jobs (?stage=)
    POST   /api/jobs                 Create job
    GET    /api/jobs/{id}            Get job
    PUT    /api/jobs/{id}            Update job
    DELETE /api/jobs/{id}           Delete job

  Settings:
    GET    /api/settings             Business profile
    PUT    /api/settings             Replace business profile

  Usage:
    GET    /api/usage                Free-tier consumption for the caller

IDENTITY:
  The caller's identity comes from the X-User-Id header. Absent header
  means the configured default user ("anon" unless overridden). No
  authentication is enforced; identity scopes usage records and list
  visibility. Lists return the caller's own rows plus rows written
  before user scoping existed (no owner recorded).

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 402: Free quota exhausted on create
  - 404: Resource not found
  - 503: Storage unavailable
  - 500: Internal errors
  A quota denial on send is a 200 with ok=false, mirroring how the UI
  shows an upgrade prompt rather than an error page.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - core/actions.go: The gated save/send flows
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/warp/quote-engine/core"
	"github.com/warp/quote-engine/message"
)

// defaultVATRate applies to newly created quotes that do not specify one.
const defaultVATRate = 0.20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   core.TxStore
	Actions *core.Actions
	Gate    *core.Gate

	// DefaultUser is assumed when a request carries no X-User-Id.
	DefaultUser string

	// Backend names the active storage backend for the health check
	// ("sqlite" or "memory" after a degrade).
	Backend string
}

// NewHandler creates a handler over the given store and gate.
func NewHandler(store core.TxStore, gate *core.Gate, identity core.IdentityResolver, defaultUser, backend string) *Handler {
	if defaultUser == "" {
		defaultUser = core.AnonUserID
	}
	return &Handler{
		Store:       store,
		Actions:     core.NewActions(store, gate, identity),
		Gate:        gate,
		DefaultUser: defaultUser,
		Backend:     backend,
	}
}

func (h *Handler) userID(r *http.Request) string {
	if id := r.Header.Get("X-User-Id"); id != "" {
		return id
	}
	return h.DefaultUser
}

// Health reports liveness and the active storage backend.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthDTO{Status: "ok", Backend: h.Backend})
}

// =============================================================================
// LEAD HANDLERS
// =============================================================================

// ListLeads returns the caller's leads, optionally filtered by status.
func (h *Handler) ListLeads(w http.ResponseWriter, r *http.Request) {
	var (
		leads []core.Lead
		err   error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		leads, err = h.Store.LeadsByStatus(r.Context(), core.LeadStatus(status))
	} else {
		leads, err = h.Store.ListLeads(r.Context())
	}
	if err != nil {
		writeStoreError(w, "Failed to list leads", err)
		return
	}
	leads = ownedOrUnscoped(leads, h.userID(r), func(l *core.Lead) string { return l.UserID })
	writeJSON(w, http.StatusOK, leads)
}

// CreateLead creates a lead. Name is the only required field.
func (h *Handler) CreateLead(w http.ResponseWriter, r *http.Request) {
	var lead core.Lead
	if err := json.NewDecoder(r.Body).Decode(&lead); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	lead.ID = 0
	if lead.UserID == "" {
		lead.UserID = h.userID(r)
	}
	if !core.ValidateLead(&lead) {
		writeError(w, http.StatusBadRequest, "Lead name must be at least 2 characters", nil)
		return
	}

	if _, err := h.Store.PutLead(r.Context(), &lead); err != nil {
		writeStoreError(w, "Failed to create lead", err)
		return
	}
	writeJSON(w, http.StatusCreated, lead)
}

// GetLead returns a single lead.
func (h *Handler) GetLead(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	lead, err := h.Store.GetLead(r.Context(), id)
	if err != nil {
		writeStoreError(w, "Failed to get lead", err)
		return
	}
	if lead == nil {
		writeError(w, http.StatusNotFound, "Lead not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

// UpdateLead replaces a lead's document.
func (h *Handler) UpdateLead(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	existing, err := h.Store.GetLead(r.Context(), id)
	if err != nil {
		writeStoreError(w, "Failed to get lead", err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "Lead not found", nil)
		return
	}

	var lead core.Lead
	if err := json.NewDecoder(r.Body).Decode(&lead); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	lead.ID = id
	if lead.UserID == "" {
		lead.UserID = existing.UserID
	}
	if !core.ValidateLead(&lead) {
		writeError(w, http.StatusBadRequest, "Lead name must be at least 2 characters", nil)
		return
	}

	if _, err := h.Store.PutLead(r.Context(), &lead); err != nil {
		writeStoreError(w, "Failed to update lead", err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

// DeleteLead removes a lead. Deleting an absent lead succeeds.
func (h *Handler) DeleteLead(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteLead(r.Context(), id); err != nil {
		writeStoreError(w, "Failed to delete lead", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// QUOTE HANDLERS
// =============================================================================

// ListQuotes returns the caller's quotes with derived totals, optionally
// filtered by status or source lead.
func (h *Handler) ListQuotes(w http.ResponseWriter, r *http.Request) {
	var (
		quotes []core.Quote
		err    error
	)
	switch {
	case r.URL.Query().Get("status") != "":
		quotes, err = h.Store.QuotesByStatus(r.Context(), core.QuoteStatus(r.URL.Query().Get("status")))
	case r.URL.Query().Get("leadId") != "":
		var leadID int64
		leadID, err = strconv.ParseInt(r.URL.Query().Get("leadId"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid leadId", err)
			return
		}
		quotes, err = h.Store.QuotesByLead(r.Context(), leadID)
	default:
		quotes, err = h.Store.ListQuotes(r.Context())
	}
	if err != nil {
		writeStoreError(w, "Failed to list quotes", err)
		return
	}
	quotes = ownedOrUnscoped(quotes, h.userID(r), func(q *core.Quote) string { return q.UserID })
	writeJSON(w, http.StatusOK, toQuoteDTOs(quotes))
}

// CreateQuote creates a quote through the gated save flow.
func (h *Handler) CreateQuote(w http.ResponseWriter, r *http.Request) {
	q, ok := decodeQuoteBody(w, r)
	if !ok {
		return
	}
	q.ID = 0

	res, err := h.Actions.SaveQuote(r.Context(), h.userID(r), q)
	if err != nil {
		writeStoreError(w, "Failed to save quote", err)
		return
	}
	if !res.OK {
		writeJSON(w, http.StatusPaymentRequired, SaveQuoteResponse{
			OK: false, Reason: res.Reason, Decision: res.Decision,
		})
		return
	}

	dto := toQuoteDTO(res.Quote)
	writeJSON(w, http.StatusCreated, SaveQuoteResponse{
		OK: true, Decision: res.Decision, Quote: &dto,
	})
}

// GetQuote returns a single quote with derived totals.
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	q, err := h.Store.GetQuote(r.Context(), id)
	if err != nil {
		writeStoreError(w, "Failed to get quote", err)
		return
	}
	if q == nil {
		writeError(w, http.StatusNotFound, "Quote not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toQuoteDTO(q))
}

// UpdateQuote replaces a quote's document through the save flow. Editing
// an already-counted quote never consumes quota.
func (h *Handler) UpdateQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	existing, err := h.Store.GetQuote(r.Context(), id)
	if err != nil {
		writeStoreError(w, "Failed to get quote", err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "Quote not found", nil)
		return
	}

	q, ok := decodeQuoteBody(w, r)
	if !ok {
		return
	}
	q.ID = id
	if q.UserID == "" {
		q.UserID = existing.UserID
	}

	res, err := h.Actions.SaveQuote(r.Context(), h.userID(r), q)
	if err != nil {
		writeStoreError(w, "Failed to save quote", err)
		return
	}
	if !res.OK {
		writeJSON(w, http.StatusPaymentRequired, SaveQuoteResponse{
			OK: false, Reason: res.Reason, Decision: res.Decision,
		})
		return
	}

	dto := toQuoteDTO(res.Quote)
	writeJSON(w, http.StatusOK, SaveQuoteResponse{
		OK: true, Decision: res.Decision, Quote: &dto,
	})
}

// DeleteQuote removes a quote. The usage ledger is untouched: a consumed
// slot stays consumed, which is what makes delete-and-recreate futile.
func (h *Handler) DeleteQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteQuote(r.Context(), id); err != nil {
		writeStoreError(w, "Failed to delete quote", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SendQuote performs the gated send flow and returns the rendered
// message with share targets on success.
func (h *Handler) SendQuote(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	if req.Channel == "" {
		req.Channel = core.ChannelCopy
	}

	res, err := h.Actions.SendQuote(r.Context(), h.userID(r), id, req.Channel)
	if err != nil {
		if errors.Is(err, core.ErrQuoteNotFound) {
			writeError(w, http.StatusNotFound, "Quote not found", nil)
			return
		}
		writeStoreError(w, "Failed to send quote", err)
		return
	}

	out := SendResponse{OK: res.OK, Reason: res.Reason, Used: res.Used, Remaining: res.Remaining}
	if res.OK {
		settings, err := h.Store.GetSettings(r.Context())
		if err != nil {
			writeStoreError(w, "Failed to load settings", err)
			return
		}
		dto := toQuoteDTO(res.Quote)
		out.Quote = &dto
		out.Message = message.Build(settings, res.Quote)
		out.Targets = message.Targets(out.Message, res.Quote.CustomerName)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetQuoteMessage renders the outbound message without sending.
func (h *Handler) GetQuoteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	q, err := h.Store.GetQuote(r.Context(), id)
	if err != nil {
		writeStoreError(w, "Failed to get quote", err)
		return
	}
	if q == nil {
		writeError(w, http.StatusNotFound, "Quote not found", nil)
		return
	}
	settings, err := h.Store.GetSettings(r.Context())
	if err != nil {
		writeStoreError(w, "Failed to load settings", err)
		return
	}

	msg := message.Build(settings, q)
	writeJSON(w, http.StatusOK, MessageResponse{
		Message: msg,
		Targets: message.Targets(msg, q.CustomerName),
	})
}

// decodeQuoteBody reads a quote document, applying the default VAT rate
// when the field is absent entirely. A present-but-unparsable rate has
// already been coerced to 0 by the document decoder.
func decodeQuoteBody(w http.ResponseWriter, r *http.Request) (*core.Quote, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return nil, false
	}

	var q core.Quote
	if err := json.Unmarshal(body, &q); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return nil, false
	}

	var probe struct {
		VATRate *json.RawMessage `json:"vatRate"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && probe.VATRate == nil {
		q.VATRate = defaultVATRate
	}
	return &q, true
}

// =============================================================================
// JOB HANDLERS
// =============================================================================

// ListJobs returns the caller's jobs, optionally filtered by stage.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []core.Job
		err  error
	)
	if stage := r.URL.Query().Get("stage"); stage != "" {
		jobs, err = h.Store.JobsByStage(r.Context(), core.JobStage(stage))
	} else {
		jobs, err = h.Store.ListJobs(r.Context())
	}
	if err != nil {
		writeStoreError(w, "Failed to list jobs", err)
		return
	}
	jobs = ownedOrUnscoped(jobs, h.userID(r), func(j *core.Job) string { return j.UserID })
	writeJSON(w, http.StatusOK, jobs)
}

// CreateJob creates a job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var job core.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	job.ID = 0
	if job.UserID == "" {
		job.UserID = h.userID(r)
	}

	if _, err := h.Store.PutJob(r.Context(), &job); err != nil {
		writeStoreError(w, "Failed to create job", err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// GetJob returns a single job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	job, err := h.Store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, "Failed to get job", err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "Job not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// UpdateJob replaces a job's document.
func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	existing, err := h.Store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, "Failed to get job", err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "Job not found", nil)
		return
	}

	var job core.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	job.ID = id
	if job.UserID == "" {
		job.UserID = existing.UserID
	}

	if _, err := h.Store.PutJob(r.Context(), &job); err != nil {
		writeStoreError(w, "Failed to update job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// DeleteJob removes a job.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteJob(r.Context(), id); err != nil {
		writeStoreError(w, "Failed to delete job", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// SETTINGS HANDLERS
// =============================================================================

// GetSettings returns the business profile. An unset profile returns the
// empty default rather than a 404.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.Store.GetSettings(r.Context())
	if err != nil {
		writeStoreError(w, "Failed to get settings", err)
		return
	}
	if settings == nil {
		settings = &core.Settings{ID: core.SettingsID}
	}
	writeJSON(w, http.StatusOK, settings)
}

// PutSettings replaces the business profile.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var settings core.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	if err := h.Store.PutSettings(r.Context(), &settings); err != nil {
		writeStoreError(w, "Failed to save settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// =============================================================================
// USAGE HANDLER
// =============================================================================

// GetUsage reports the caller's free-tier consumption for both ledgers.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	userID := h.userID(r)
	ledger := h.Gate.Ledger()

	createdUsed, err := ledger.Used(r.Context(), userID, core.KindCreated)
	if err != nil {
		writeStoreError(w, "Failed to read usage", err)
		return
	}
	sentUsed, err := ledger.Used(r.Context(), userID, core.KindSent)
	if err != nil {
		writeStoreError(w, "Failed to read usage", err)
		return
	}

	writeJSON(w, http.StatusOK, UsageDTO{
		UserID:           userID,
		Limit:            ledger.Limit(),
		Policy:           string(h.Gate.Policy()),
		CreatedUsed:      createdUsed,
		CreatedRemaining: ledger.Limit() - min(createdUsed, ledger.Limit()),
		SentUsed:         sentUsed,
		SentRemaining:    ledger.Limit() - min(sentUsed, ledger.Limit()),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// ownedOrUnscoped keeps rows owned by the caller plus rows written
// before user scoping existed (no owner recorded).
func ownedOrUnscoped[T any](items []T, userID string, owner func(*T) string) []T {
	out := make([]T, 0, len(items))
	for i := range items {
		if o := owner(&items[i]); o == "" || o == userID {
			out = append(out, items[i])
		}
	}
	return out
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeStoreError(w http.ResponseWriter, message string, err error) {
	if core.IsUnavailable(err) {
		writeError(w, http.StatusServiceUnavailable, message, err)
		return
	}
	writeError(w, http.StatusInternalServerError, message, err)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
