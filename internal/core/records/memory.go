package records

import (
	"context"
	"sync"
	"time"

	"karaoke/internal/core/schedule"
	"karaoke/internal/core/validation"
	"karaoke/internal/metrics"

	"github.com/google/uuid"
)

// Memory is a process local sink for development and tests. Each source
// URL keeps its history: reviewed records stay readable next to the one
// pending record.
type Memory struct {
	mu      sync.Mutex
	records map[string][]*schedule.ParsedScheduleRecord
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{records: map[string][]*schedule.ParsedScheduleRecord{}, now: time.Now}
}

func (m *Memory) pending(sourceURL string) *schedule.ParsedScheduleRecord {
	for _, rec := range m.records[sourceURL] {
		if rec.Status == schedule.StatusPendingReview {
			return rec
		}
	}
	return nil
}

func (m *Memory) UpsertParsedSchedule(ctx context.Context, in Upsert) (UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return UpsertResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	rec := m.pending(in.SourceURL)
	found := rec != nil
	if !found {
		rec = &schedule.ParsedScheduleRecord{ID: uuid.NewString(), SourceURL: in.SourceURL, Status: schedule.StatusPendingReview, CreatedAt: now}
		m.records[in.SourceURL] = append(m.records[in.SourceURL], rec)
	}
	existing := schedule.Candidates{Shows: rec.CandidateShows, DJs: rec.CandidateDJs, Vendors: rec.CandidateVendors}
	merged := nonNil(validation.Merge(existing, in.Candidates))
	rec.CandidateShows, rec.CandidateDJs, rec.CandidateVendors = merged.Shows, merged.DJs, merged.Vendors
	rec.RawContentSummary = summary(rec.RawContentSummary, in.RawContentSummary)
	rec.Logs = appendLogs(rec.Logs, in.Logs)
	rec.UpdatedAt = now

	op := "merged"
	if !found {
		op = "created"
	}
	metrics.RecordUpserts.WithLabelValues(op).Inc()
	return UpsertResult{ID: rec.ID, Created: !found, Shows: len(merged.Shows), DJs: len(merged.DJs), Vendors: len(merged.Vendors)}, nil
}

// Get returns the pending record for the URL, or the most recently
// newest one when nothing is pending.
func (m *Memory) Get(_ context.Context, sourceURL string) (*schedule.ParsedScheduleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.pending(sourceURL)
	if rec == nil {
		history := m.records[sourceURL]
		if len(history) == 0 {
			return nil, ErrNotFound
		}
		rec = history[len(history)-1]
	}
	cp := *rec
	cp.CandidateShows = append([]schedule.CandidateShow(nil), rec.CandidateShows...)
	cp.CandidateDJs = append([]schedule.CandidateDJ(nil), rec.CandidateDJs...)
	cp.CandidateVendors = append([]schedule.CandidateVendor(nil), rec.CandidateVendors...)
	cp.Logs = append([]string(nil), rec.Logs...)
	return &cp, nil
}

// History returns copies of every record stored for the URL, oldest first.
func (m *Memory) History(sourceURL string) []schedule.ParsedScheduleRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schedule.ParsedScheduleRecord, 0, len(m.records[sourceURL]))
	for _, rec := range m.records[sourceURL] {
		out = append(out, *rec)
	}
	return out
}

// SetStatus moves the pending record out of review; the next upsert creates
// a new pending record.
func (m *Memory) SetStatus(sourceURL string, status schedule.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.pending(sourceURL); rec != nil {
		rec.Status = status
		rec.UpdatedAt = m.now().UTC()
	}
}

// Len counts stored records across all URLs.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, history := range m.records {
		n += len(history)
	}
	return n
}
