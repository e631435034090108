package records

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sync"
	"testing"
	"time"

	"karaoke/internal/core/schedule"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofiber/fiber/v2"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const src = "https://www.facebook.com/groups/ohkaraoke"

func onellys(dj string, conf float64) schedule.CandidateShow {
	return schedule.CandidateShow{VenueName: "O'Nelly's", Day: "friday", StartTime: "9pm", DJName: dj, Confidence: conf, SourceURL: src}
}

func TestMemoryUpsertTwiceKeepsOneRecord(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.UpsertParsedSchedule(ctx, Upsert{
		SourceURL:  src,
		Candidates: schedule.Candidates{Shows: []schedule.CandidateShow{onellys("", 0.6), {VenueName: "Rusty's", Day: "saturday", StartTime: "8pm"}}},
		Logs:       []string{"run 1"},
	})
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := m.UpsertParsedSchedule(ctx, Upsert{
		SourceURL:         src,
		RawContentSummary: "group media",
		Candidates:        schedule.Candidates{Shows: []schedule.CandidateShow{onellys("DJ Max", 0.9)}},
		Logs:              []string{"run 2"},
	})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Shows, "counts reflect dedup, not summation")
	assert.Equal(t, 1, m.Len())

	rec, err := m.Get(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, "DJ Max", rec.CandidateShows[0].DJName)
	assert.Equal(t, []string{"run 1", "run 2"}, rec.Logs)
	assert.Equal(t, "group media", rec.RawContentSummary)
	assert.Equal(t, schedule.StatusPendingReview, rec.Status)
}

func TestMemoryConcurrentUpserts(t *testing.T) {
	m := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.UpsertParsedSchedule(context.Background(), Upsert{SourceURL: src, Candidates: schedule.Candidates{Shows: []schedule.CandidateShow{onellys("", 0.5)}}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	rec, err := m.Get(context.Background(), src)
	require.NoError(t, err)
	assert.Len(t, rec.CandidateShows, 1)
}

func TestMemoryApprovedRecordStartsNewPending(t *testing.T) {
	m := NewMemory()
	first, _ := m.UpsertParsedSchedule(context.Background(), Upsert{SourceURL: src})
	m.SetStatus(src, schedule.StatusApproved)
	second, err := m.UpsertParsedSchedule(context.Background(), Upsert{SourceURL: src})
	require.NoError(t, err)
	assert.True(t, second.Created)
	assert.NotEqual(t, first.ID, second.ID)

	history := m.History(src)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, schedule.StatusApproved, history[0].Status)
	assert.Equal(t, 2, m.Len())

	rec, err := m.Get(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, second.ID, rec.ID, "the pending record is served first")

	m.SetStatus(src, schedule.StatusRejected)
	rec, err = m.Get(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, second.ID, rec.ID)
	assert.Equal(t, schedule.StatusRejected, rec.Status)
}

func TestMemoryGetMissing(t *testing.T) {
	_, err := NewMemory().Get(context.Background(), "https://nope.test")
	assert.ErrorIs(t, err, ErrNotFound)
}

var recordCols = []string{"id", "raw_content_summary", "candidate_shows", "candidate_djs", "candidate_vendors", "logs"}

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	p := NewPostgres(db)
	p.now = func() time.Time { return time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC) }
	return p, mock
}

func TestPostgresCreatesRecord(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM parsed_schedules")).
		WithArgs(src).
		WillReturnRows(sqlmock.NewRows(recordCols))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO parsed_schedules")).
		WithArgs(sqlmock.AnyArg(), src, "summary", sqlmock.AnyArg(), `[]`, `[]`, `["run 1"]`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := p.UpsertParsedSchedule(context.Background(), Upsert{
		SourceURL:         src,
		RawContentSummary: "summary",
		Candidates:        schedule.Candidates{Shows: []schedule.CandidateShow{onellys("", 0.6), onellys("DJ Max", 0.9)}},
		Logs:              []string{"run 1"},
	})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, 1, res.Shows, "fresh candidates are deduplicated before the first write")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMergesIntoPendingRecord(t *testing.T) {
	p, mock := newMock(t)
	existingShows, _ := json.Marshal([]schedule.CandidateShow{onellys("", 0.6)})

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs(src).
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("rec-1", "old summary", existingShows, []byte(`[{"name":"DJ Max"}]`), []byte(`[]`), []byte(`["run 1"]`)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE parsed_schedules")).
		WithArgs("rec-1", "old summary", sqlmock.AnyArg(), sqlmock.AnyArg(), `[]`, `["run 1","run 2"]`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := p.UpsertParsedSchedule(context.Background(), Upsert{
		SourceURL: src,
		Candidates: schedule.Candidates{
			Shows: []schedule.CandidateShow{onellys("DJ Max", 0.9)},
			DJs:   []schedule.CandidateDJ{{Name: "dj max", Context: "hosts fridays"}},
		},
		Logs: []string{"run 2"},
	})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "rec-1", res.ID)
	assert.Equal(t, 1, res.Shows)
	assert.Equal(t, 1, res.DJs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRetriesLostCreateRace(t *testing.T) {
	p, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(src).WillReturnRows(sqlmock.NewRows(recordCols))
	mock.ExpectExec("INSERT INTO parsed_schedules").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs(src).
		WillReturnRows(sqlmock.NewRows(recordCols).AddRow("rec-9", "", []byte(`[]`), []byte(`[]`), []byte(`[]`), []byte(`[]`)))
	mock.ExpectExec("UPDATE parsed_schedules").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := p.UpsertParsedSchedule(context.Background(), Upsert{SourceURL: src})
	require.NoError(t, err)
	assert.Equal(t, "rec-9", res.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet(t *testing.T) {
	p, mock := newMock(t)
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("ORDER BY").WithArgs(src).
		WillReturnRows(sqlmock.NewRows([]string{"id", "source_url", "raw_content_summary", "candidate_shows", "candidate_djs", "candidate_vendors", "status", "logs", "created_at", "updated_at"}).
			AddRow("rec-1", src, "s", []byte(`[{"venueName":"O'Nelly's","day":"friday"}]`), []byte(`[]`), []byte(`[]`), "pending_review", []byte(`["a"]`), created, created))

	rec, err := p.Get(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "O'Nelly's", rec.CandidateShows[0].VenueName)
	assert.Equal(t, schedule.StatusPendingReview, rec.Status)
	assert.Equal(t, []string{"a"}, rec.Logs)

	mock.ExpectQuery("ORDER BY").WithArgs("missing").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = p.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendLogsIsBounded(t *testing.T) {
	existing := make([]string, maxLogLines)
	out := appendLogs(existing, []string{"newest"})
	assert.Len(t, out, maxLogLines)
	assert.Equal(t, "newest", out[len(out)-1])
}

func TestHandleGet(t *testing.T) {
	m := NewMemory()
	_, _ = m.UpsertParsedSchedule(context.Background(), Upsert{SourceURL: src, Candidates: schedule.Candidates{Shows: []schedule.CandidateShow{onellys("DJ Max", 0.9)}}})
	app := fiber.New()
	app.Get("/v1/records", NewHandler(m).HandleGet)

	resp, err := app.Test(httptest.NewRequest("GET", "/v1/records?source_url="+url.QueryEscape(src), nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "DJ Max")

	resp, err = app.Test(httptest.NewRequest("GET", "/v1/records?source_url=https%3A%2F%2Fnone.test", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/v1/records", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}
