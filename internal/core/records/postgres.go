package records

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"karaoke/internal/core/schedule"
	"karaoke/internal/core/validation"
	"karaoke/internal/logger"
	"karaoke/internal/metrics"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS parsed_schedules (
	id                  UUID PRIMARY KEY,
	source_url          TEXT NOT NULL,
	raw_content_summary TEXT NOT NULL DEFAULT '',
	candidate_shows     JSONB NOT NULL DEFAULT '[]',
	candidate_djs       JSONB NOT NULL DEFAULT '[]',
	candidate_vendors   JSONB NOT NULL DEFAULT '[]',
	status              TEXT NOT NULL DEFAULT 'pending_review',
	logs                JSONB NOT NULL DEFAULT '[]',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS parsed_schedules_one_pending
	ON parsed_schedules (source_url) WHERE status = 'pending_review';
`

const selectPendingForUpdate = `
SELECT id, raw_content_summary, candidate_shows, candidate_djs, candidate_vendors, logs
FROM parsed_schedules
WHERE source_url = $1 AND status = 'pending_review'
FOR UPDATE`

const insertRecord = `
INSERT INTO parsed_schedules (id, source_url, raw_content_summary, candidate_shows, candidate_djs, candidate_vendors, status, logs, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 'pending_review', $7, $8, $8)`

const updateRecord = `
UPDATE parsed_schedules
SET raw_content_summary = $2, candidate_shows = $3, candidate_djs = $4, candidate_vendors = $5, logs = $6, updated_at = $7
WHERE id = $1`

const selectLatest = `
SELECT id, source_url, raw_content_summary, candidate_shows, candidate_djs, candidate_vendors, status, logs, created_at, updated_at
FROM parsed_schedules
WHERE source_url = $1
ORDER BY (status = 'pending_review') DESC, updated_at DESC
LIMIT 1`

// Postgres is the production sink. The row lock taken by SELECT ... FOR
// UPDATE serializes merges for one URL; the partial unique index catches
// two first inserts racing.
type Postgres struct {
	db  *sql.DB
	now func() time.Time
	log *logger.Logger
}

func Open(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgres(db), nil
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, now: time.Now, log: logger.New("RecordStore")}
}

func (p *Postgres) DB() *sql.DB  { return p.db }
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schemaSQL)
	return err
}

func (p *Postgres) HealthCheck(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) UpsertParsedSchedule(ctx context.Context, in Upsert) (UpsertResult, error) {
	res, err := p.upsert(ctx, in)
	if isUniqueViolation(err) {
		// Lost the race to create the record; it exists now, so merge.
		p.log.Debug().Str("source_url", in.SourceURL).Msg("concurrent create, retrying as merge")
		res, err = p.upsert(ctx, in)
	}
	return res, err
}

func (p *Postgres) upsert(ctx context.Context, in Upsert) (UpsertResult, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id                          string
		existingSummary             string
		showsRaw, djsRaw, vendorRaw []byte
		logsRaw                     []byte
	)
	err = tx.QueryRowContext(ctx, selectPendingForUpdate, in.SourceURL).
		Scan(&id, &existingSummary, &showsRaw, &djsRaw, &vendorRaw, &logsRaw)
	found := true
	if errors.Is(err, sql.ErrNoRows) {
		found = false
	} else if err != nil {
		return UpsertResult{}, fmt.Errorf("load pending record: %w", err)
	}

	var existing schedule.Candidates
	var existingLogs []string
	if found {
		if err := decodeAll(showsRaw, djsRaw, vendorRaw, logsRaw, &existing, &existingLogs); err != nil {
			return UpsertResult{}, err
		}
	}
	merged := nonNil(validation.Merge(existing, in.Candidates))
	logs := appendLogs(existingLogs, in.Logs)

	shows, djs, vendors, logsJSON, err := encodeAll(merged, logs)
	if err != nil {
		return UpsertResult{}, err
	}
	now := p.now().UTC()
	if found {
		_, err = tx.ExecContext(ctx, updateRecord, id, summary(existingSummary, in.RawContentSummary), shows, djs, vendors, logsJSON, now)
	} else {
		id = uuid.NewString()
		_, err = tx.ExecContext(ctx, insertRecord, id, in.SourceURL, in.RawContentSummary, shows, djs, vendors, logsJSON, now)
	}
	if err != nil {
		return UpsertResult{}, fmt.Errorf("write record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("commit: %w", err)
	}

	op := "merged"
	if !found {
		op = "created"
	}
	metrics.RecordUpserts.WithLabelValues(op).Inc()
	return UpsertResult{ID: id, Created: !found, Shows: len(merged.Shows), DJs: len(merged.DJs), Vendors: len(merged.Vendors)}, nil
}

func (p *Postgres) Get(ctx context.Context, sourceURL string) (*schedule.ParsedScheduleRecord, error) {
	var (
		rec                         schedule.ParsedScheduleRecord
		status                      string
		showsRaw, djsRaw, vendorRaw []byte
		logsRaw                     []byte
	)
	err := p.db.QueryRowContext(ctx, selectLatest, sourceURL).Scan(
		&rec.ID, &rec.SourceURL, &rec.RawContentSummary, &showsRaw, &djsRaw, &vendorRaw, &status, &logsRaw, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Status = schedule.Status(status)
	var c schedule.Candidates
	if err := decodeAll(showsRaw, djsRaw, vendorRaw, logsRaw, &c, &rec.Logs); err != nil {
		return nil, err
	}
	rec.CandidateShows, rec.CandidateDJs, rec.CandidateVendors = c.Shows, c.DJs, c.Vendors
	return &rec, nil
}

func decodeAll(shows, djs, vendors, logs []byte, c *schedule.Candidates, l *[]string) error {
	for _, part := range []struct {
		raw []byte
		out any
	}{{shows, &c.Shows}, {djs, &c.DJs}, {vendors, &c.Vendors}, {logs, l}} {
		if len(part.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(part.raw, part.out); err != nil {
			return fmt.Errorf("decode record column: %w", err)
		}
	}
	return nil
}

// encodeAll returns strings: lib/pq sends []byte as bytea, which jsonb
// columns reject.
func encodeAll(c schedule.Candidates, logs []string) (shows, djs, vendors, logsJSON string, err error) {
	enc := func(v any) string {
		if err != nil {
			return ""
		}
		var b []byte
		b, err = json.Marshal(v)
		return string(b)
	}
	shows, djs, vendors, logsJSON = enc(c.Shows), enc(c.DJs), enc(c.Vendors), enc(logs)
	return
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
