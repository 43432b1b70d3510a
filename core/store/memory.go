// Package store provides an in-memory Store implementation, used by tests
// and as the degraded mode when the embedded database fails to open.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/quote-engine/core"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/degraded mode)
// =============================================================================

// Memory implements core.TxStore. Identities are monotonic per table and
// never reused, matching the durable store. All data is lost on process
// exit; callers choosing Memory as a fallback accept that trade.
type Memory struct {
	mu sync.RWMutex

	leads    map[int64]*core.Lead
	quotes   map[int64]*core.Quote
	jobs     map[int64]*core.Job
	settings *core.Settings
	usage    map[string]*core.Usage

	nextLead  int64
	nextQuote int64
	nextJob   int64

	now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		leads:     make(map[int64]*core.Lead),
		quotes:    make(map[int64]*core.Quote),
		jobs:      make(map[int64]*core.Job),
		usage:     make(map[string]*core.Usage),
		nextLead:  1,
		nextQuote: 1,
		nextJob:   1,
		now:       time.Now,
	}
}

// =============================================================================
// LEADS
// =============================================================================

func (m *Memory) PutLead(_ context.Context, lead *core.Lead) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLeadLocked(lead)
}

func (m *Memory) putLeadLocked(lead *core.Lead) (int64, error) {
	core.NormalizeLead(lead)
	now := m.now().UTC()
	if lead.ID == 0 {
		lead.ID = m.nextLead
		m.nextLead++
	} else if lead.ID >= m.nextLead {
		m.nextLead = lead.ID + 1
	}
	if prev, ok := m.leads[lead.ID]; ok {
		lead.CreatedAt = prev.CreatedAt
	} else if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	lead.UpdatedAt = now
	m.leads[lead.ID] = cloneLead(lead)
	return lead.ID, nil
}

func (m *Memory) GetLead(_ context.Context, id int64) (*core.Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLeadLocked(id)
}

func (m *Memory) getLeadLocked(id int64) (*core.Lead, error) {
	l, ok := m.leads[id]
	if !ok {
		return nil, nil
	}
	return cloneLead(l), nil
}

func (m *Memory) DeleteLead(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leads, id)
	return nil
}

func (m *Memory) ListLeads(_ context.Context) ([]core.Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLeadsLocked(func(*core.Lead) bool { return true })
}

func (m *Memory) LeadsByStatus(_ context.Context, status core.LeadStatus) ([]core.Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLeadsLocked(func(l *core.Lead) bool { return l.Status == status })
}

func (m *Memory) listLeadsLocked(keep func(*core.Lead) bool) ([]core.Lead, error) {
	out := make([]core.Lead, 0, len(m.leads))
	for _, l := range m.leads {
		if keep(l) {
			out = append(out, *cloneLead(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// QUOTES
// =============================================================================

func (m *Memory) PutQuote(_ context.Context, quote *core.Quote) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putQuoteLocked(quote)
}

func (m *Memory) putQuoteLocked(quote *core.Quote) (int64, error) {
	core.NormalizeQuote(quote)
	now := m.now().UTC()
	if quote.ID == 0 {
		quote.ID = m.nextQuote
		m.nextQuote++
	} else if quote.ID >= m.nextQuote {
		m.nextQuote = quote.ID + 1
	}
	if prev, ok := m.quotes[quote.ID]; ok {
		quote.CreatedAt = prev.CreatedAt
	} else if quote.CreatedAt.IsZero() {
		quote.CreatedAt = now
	}
	quote.UpdatedAt = now
	m.quotes[quote.ID] = cloneQuote(quote)
	return quote.ID, nil
}

func (m *Memory) GetQuote(_ context.Context, id int64) (*core.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getQuoteLocked(id)
}

func (m *Memory) getQuoteLocked(id int64) (*core.Quote, error) {
	q, ok := m.quotes[id]
	if !ok {
		return nil, nil
	}
	return cloneQuote(q), nil
}

func (m *Memory) DeleteQuote(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.quotes, id)
	return nil
}

func (m *Memory) ListQuotes(_ context.Context) ([]core.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listQuotesLocked(func(*core.Quote) bool { return true })
}

func (m *Memory) QuotesByStatus(_ context.Context, status core.QuoteStatus) ([]core.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listQuotesLocked(func(q *core.Quote) bool { return q.Status == status })
}

func (m *Memory) QuotesByLead(_ context.Context, leadID int64) ([]core.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listQuotesLocked(func(q *core.Quote) bool {
		return q.LeadID != nil && *q.LeadID == leadID
	})
}

func (m *Memory) listQuotesLocked(keep func(*core.Quote) bool) ([]core.Quote, error) {
	out := make([]core.Quote, 0, len(m.quotes))
	for _, q := range m.quotes {
		if keep(q) {
			out = append(out, *cloneQuote(q))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// JOBS
// =============================================================================

func (m *Memory) PutJob(_ context.Context, job *core.Job) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putJobLocked(job)
}

func (m *Memory) putJobLocked(job *core.Job) (int64, error) {
	core.NormalizeJob(job)
	now := m.now().UTC()
	if job.ID == 0 {
		job.ID = m.nextJob
		m.nextJob++
	} else if job.ID >= m.nextJob {
		m.nextJob = job.ID + 1
	}
	if prev, ok := m.jobs[job.ID]; ok {
		job.CreatedAt = prev.CreatedAt
	} else if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = cloneJob(job)
	return job.ID, nil
}

func (m *Memory) GetJob(_ context.Context, id int64) (*core.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getJobLocked(id)
}

func (m *Memory) getJobLocked(id int64) (*core.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	return cloneJob(j), nil
}

func (m *Memory) DeleteJob(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *Memory) ListJobs(_ context.Context) ([]core.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listJobsLocked(func(*core.Job) bool { return true })
}

func (m *Memory) JobsByStage(_ context.Context, stage core.JobStage) ([]core.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listJobsLocked(func(j *core.Job) bool { return j.Stage == stage })
}

func (m *Memory) listJobsLocked(keep func(*core.Job) bool) ([]core.Job, error) {
	out := make([]core.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, *cloneJob(j))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// SETTINGS
// =============================================================================

func (m *Memory) GetSettings(_ context.Context) (*core.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getSettingsLocked()
}

func (m *Memory) getSettingsLocked() (*core.Settings, error) {
	if m.settings == nil {
		return nil, nil
	}
	return cloneSettings(m.settings), nil
}

func (m *Memory) PutSettings(_ context.Context, s *core.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putSettingsLocked(s)
}

func (m *Memory) putSettingsLocked(s *core.Settings) error {
	core.NormalizeSettings(s)
	s.UpdatedAt = m.now().UTC()
	m.settings = cloneSettings(s)
	return nil
}

// =============================================================================
// USAGE
// =============================================================================

func (m *Memory) GetUsage(_ context.Context, userID string) (*core.Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getUsageLocked(userID)
}

func (m *Memory) getUsageLocked(userID string) (*core.Usage, error) {
	u, ok := m.usage[userID]
	if !ok {
		return nil, nil
	}
	return cloneUsage(u), nil
}

func (m *Memory) PutUsage(_ context.Context, u *core.Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putUsageLocked(u)
}

func (m *Memory) putUsageLocked(u *core.Usage) error {
	core.NormalizeUsage(u)
	now := m.now().UTC()
	if prev, ok := m.usage[u.UserID]; ok {
		u.CreatedAt = prev.CreatedAt
	} else if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	m.usage[u.UserID] = cloneUsage(u)
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction, simulated with a snapshot +
// rollback on error. Transactions are serialized against each other and
// against individual operations by the store mutex.
func (m *Memory) WithTx(_ context.Context, fn func(core.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memoryView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	leads    map[int64]*core.Lead
	quotes   map[int64]*core.Quote
	jobs     map[int64]*core.Job
	settings *core.Settings
	usage    map[string]*core.Usage

	nextLead, nextQuote, nextJob int64
}

// snapshot shallow-copies the maps. Safe because stored values are never
// mutated in place: every put replaces the map entry with a fresh clone.
func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		leads:     make(map[int64]*core.Lead, len(m.leads)),
		quotes:    make(map[int64]*core.Quote, len(m.quotes)),
		jobs:      make(map[int64]*core.Job, len(m.jobs)),
		settings:  m.settings,
		usage:     make(map[string]*core.Usage, len(m.usage)),
		nextLead:  m.nextLead,
		nextQuote: m.nextQuote,
		nextJob:   m.nextJob,
	}
	for k, v := range m.leads {
		s.leads[k] = v
	}
	for k, v := range m.quotes {
		s.quotes[k] = v
	}
	for k, v := range m.jobs {
		s.jobs[k] = v
	}
	for k, v := range m.usage {
		s.usage[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.leads = s.leads
	m.quotes = s.quotes
	m.jobs = s.jobs
	m.settings = s.settings
	m.usage = s.usage
	m.nextLead = s.nextLead
	m.nextQuote = s.nextQuote
	m.nextJob = s.nextJob
}

// memoryView is the transactional view handed to WithTx callbacks. The
// parent mutex is already held, so it calls the locked variants directly.
type memoryView struct {
	parent *Memory
}

func (v *memoryView) PutLead(_ context.Context, l *core.Lead) (int64, error) {
	return v.parent.putLeadLocked(l)
}
func (v *memoryView) GetLead(_ context.Context, id int64) (*core.Lead, error) {
	return v.parent.getLeadLocked(id)
}
func (v *memoryView) DeleteLead(_ context.Context, id int64) error {
	delete(v.parent.leads, id)
	return nil
}
func (v *memoryView) ListLeads(_ context.Context) ([]core.Lead, error) {
	return v.parent.listLeadsLocked(func(*core.Lead) bool { return true })
}
func (v *memoryView) LeadsByStatus(_ context.Context, status core.LeadStatus) ([]core.Lead, error) {
	return v.parent.listLeadsLocked(func(l *core.Lead) bool { return l.Status == status })
}

func (v *memoryView) PutQuote(_ context.Context, q *core.Quote) (int64, error) {
	return v.parent.putQuoteLocked(q)
}
func (v *memoryView) GetQuote(_ context.Context, id int64) (*core.Quote, error) {
	return v.parent.getQuoteLocked(id)
}
func (v *memoryView) DeleteQuote(_ context.Context, id int64) error {
	delete(v.parent.quotes, id)
	return nil
}
func (v *memoryView) ListQuotes(_ context.Context) ([]core.Quote, error) {
	return v.parent.listQuotesLocked(func(*core.Quote) bool { return true })
}
func (v *memoryView) QuotesByStatus(_ context.Context, status core.QuoteStatus) ([]core.Quote, error) {
	return v.parent.listQuotesLocked(func(q *core.Quote) bool { return q.Status == status })
}
func (v *memoryView) QuotesByLead(_ context.Context, leadID int64) ([]core.Quote, error) {
	return v.parent.listQuotesLocked(func(q *core.Quote) bool {
		return q.LeadID != nil && *q.LeadID == leadID
	})
}

func (v *memoryView) PutJob(_ context.Context, j *core.Job) (int64, error) {
	return v.parent.putJobLocked(j)
}
func (v *memoryView) GetJob(_ context.Context, id int64) (*core.Job, error) {
	return v.parent.getJobLocked(id)
}
func (v *memoryView) DeleteJob(_ context.Context, id int64) error {
	delete(v.parent.jobs, id)
	return nil
}
func (v *memoryView) ListJobs(_ context.Context) ([]core.Job, error) {
	return v.parent.listJobsLocked(func(*core.Job) bool { return true })
}
func (v *memoryView) JobsByStage(_ context.Context, stage core.JobStage) ([]core.Job, error) {
	return v.parent.listJobsLocked(func(j *core.Job) bool { return j.Stage == stage })
}

func (v *memoryView) GetSettings(_ context.Context) (*core.Settings, error) {
	return v.parent.getSettingsLocked()
}
func (v *memoryView) PutSettings(_ context.Context, s *core.Settings) error {
	return v.parent.putSettingsLocked(s)
}

func (v *memoryView) GetUsage(_ context.Context, userID string) (*core.Usage, error) {
	return v.parent.getUsageLocked(userID)
}
func (v *memoryView) PutUsage(_ context.Context, u *core.Usage) error {
	return v.parent.putUsageLocked(u)
}

// =============================================================================
// CLONING
// =============================================================================
// Values handed out or stored are always clones so callers can never
// mutate the store's state behind its back.

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneLead(l *core.Lead) *core.Lead {
	c := *l
	c.Phone = cloneStr(l.Phone)
	c.Email = cloneStr(l.Email)
	c.Address = cloneStr(l.Address)
	c.JobType = cloneStr(l.JobType)
	c.Notes = cloneStr(l.Notes)
	return &c
}

func cloneQuote(q *core.Quote) *core.Quote {
	c := *q
	c.LeadID = cloneInt(q.LeadID)
	c.Address = cloneStr(q.Address)
	c.Notes = cloneStr(q.Notes)
	c.Transcript = cloneStr(q.Transcript)
	c.Lines = append([]core.QuoteLine(nil), q.Lines...)
	c.Activities = make([]core.Activity, len(q.Activities))
	for i, a := range q.Activities {
		c.Activities[i] = a
		if a.Meta != nil {
			meta := make(map[string]any, len(a.Meta))
			for k, mv := range a.Meta {
				meta[k] = mv
			}
			c.Activities[i].Meta = meta
		}
	}
	return &c
}

func cloneJob(j *core.Job) *core.Job {
	c := *j
	c.LeadID = cloneInt(j.LeadID)
	c.QuoteID = cloneInt(j.QuoteID)
	c.Address = cloneStr(j.Address)
	c.Notes = cloneStr(j.Notes)
	c.ScheduledFor = cloneTime(j.ScheduledFor)
	return &c
}

func cloneSettings(s *core.Settings) *core.Settings {
	c := *s
	c.BusinessName = cloneStr(s.BusinessName)
	c.Phone = cloneStr(s.Phone)
	c.Email = cloneStr(s.Email)
	c.Address = cloneStr(s.Address)
	c.Terms = cloneStr(s.Terms)
	return &c
}

func cloneUsage(u *core.Usage) *core.Usage {
	c := *u
	c.CreatedQuoteIDs = append([]string(nil), u.CreatedQuoteIDs...)
	c.SentQuoteIDs = append([]string(nil), u.SentQuoteIDs...)
	return &c
}
