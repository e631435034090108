package records

import (
	"context"
	"errors"

	"karaoke/internal/core/schedule"
)

var ErrNotFound = errors.New("parsed schedule not found")

// maxLogLines bounds the log history a record keeps across re-runs.
const maxLogLines = 2000

// Upsert is one run's contribution to the record of its source URL.
type Upsert struct {
	SourceURL         string
	RawContentSummary string
	Candidates        schedule.Candidates
	Logs              []string
}

type UpsertResult struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
	Shows   int    `json:"shows"`
	DJs     int    `json:"djs"`
	Vendors int    `json:"vendors"`
}

// Sink persists parsed schedules. UpsertParsedSchedule keeps at most one
// pending_review record per source URL: a second call merges into it.
type Sink interface {
	UpsertParsedSchedule(ctx context.Context, in Upsert) (UpsertResult, error)
	Get(ctx context.Context, sourceURL string) (*schedule.ParsedScheduleRecord, error)
}

func appendLogs(existing, fresh []string) []string {
	out := append(append([]string{}, existing...), fresh...)
	if len(out) > maxLogLines {
		out = out[len(out)-maxLogLines:]
	}
	return out
}

func summary(existing, fresh string) string {
	if fresh == "" {
		return existing
	}
	return fresh
}

func nonNil(c schedule.Candidates) schedule.Candidates {
	if c.Shows == nil {
		c.Shows = []schedule.CandidateShow{}
	}
	if c.DJs == nil {
		c.DJs = []schedule.CandidateDJ{}
	}
	if c.Vendors == nil {
		c.Vendors = []schedule.CandidateVendor{}
	}
	return c
}
