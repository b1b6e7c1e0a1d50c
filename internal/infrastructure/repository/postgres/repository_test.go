package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
)

func testCatalog() *domain.NamespaceCatalog {
	return domain.NewNamespaceCatalog(
		domain.Namespace{
			Name:            "risks",
			Table:           "risks",
			IDColumn:        "id",
			TitleColumn:     "title",
			TitleWeight:     2,
			UpdatedColumn:   "updated_at",
			TextColumns:     []domain.TextColumn{{Name: "description", Label: "Description", Weight: 1}},
			MetadataColumns: []string{"status"},
		},
		domain.Namespace{
			Name:          "incidents",
			Table:         "incidents",
			IDColumn:      "id",
			TitleColumn:   "title",
			TitleWeight:   1,
			UpdatedColumn: "updated_at",
		},
	)
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	return db, mock, func() { _ = db.Close() }
}

func TestGetRecordMapsCatalogColumns(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewRecordRepository(db, testCatalog())

	updated := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "risks"`)).
		WithArgs("42").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "updated_at", "description", "status"}).
			AddRow("42", "Vendor outage", updated, "Primary vendor may fail", "open"))

	record, err := repo.GetRecord(context.Background(), "risks", "42")
	if err != nil {
		t.Fatalf("GetRecord() error = %v", err)
	}
	if record.ID != "42" || record.Title != "Vendor outage" || !record.UpdatedAt.Equal(updated) {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.Fields["description"] != "Primary vendor may fail" || record.Metadata["status"] != "open" {
		t.Fatalf("unexpected fields %+v / metadata %+v", record.Fields, record.Metadata)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRecordReturnsDomainNotFound(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewRecordRepository(db, testCatalog())

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "risks"`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetRecord(context.Background(), "risks", "missing")
	if !domain.IsKind(err, domain.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestGetRecordRejectsUnknownNamespace(t *testing.T) {
	db, _, done := newMockDB(t)
	defer done()
	repo := NewRecordRepository(db, testCatalog())

	_, err := repo.GetRecord(context.Background(), "vendors", "1")
	if !domain.IsKind(err, domain.ErrNamespaceUnknown) {
		t.Fatalf("expected ErrNamespaceUnknown, got %v", err)
	}
}

func TestListModifiedSincePagesByUpdatedAndID(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewRecordRepository(db, testCatalog())

	since := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY "updated_at" ASC, CAST("id" AS TEXT) ASC`)).
		WithArgs(since, "", 2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "updated_at"}).
			AddRow("1", since).
			AddRow("2", since.Add(time.Minute)))

	refs, err := repo.ListModifiedSince(context.Background(), "risks", since, "", 2)
	if err != nil {
		t.Fatalf("ListModifiedSince() error = %v", err)
	}
	if len(refs) != 2 || refs[1].ID != "2" || refs[1].Namespace != "risks" {
		t.Fatalf("unexpected refs %+v", refs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestKeywordSearchEscapesPatternsAndNormalizesScores(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewKeywordRepository(db, testCatalog())

	updated := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "risks"`)).
		WithArgs(`%vendor outage\_\%%`, "%vendor%", "%outage%", 10).
		WillReturnRows(sqlmock.NewRows([]string{"record_id", "title", "updated_at", "score"}).
			AddRow("42", "Vendor outage", updated, 6.0).
			AddRow("7", "Outage drill", updated, 3.0))

	hits, err := repo.Search(context.Background(), "risks", "  Vendor   Outage_% ", nil, 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	// title weight 2 and description weight 1 over two terms: max 12.
	if hits[0].RecordID != "42" || hits[0].Score != 0.5 || hits[1].Score != 0.25 {
		t.Fatalf("unexpected hits %+v", hits)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestKeywordSearchAcrossNamespacesMergesByScore(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewKeywordRepository(db, testCatalog())

	updated := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "incidents"`)).
		WillReturnRows(sqlmock.NewRows([]string{"record_id", "title", "updated_at", "score"}).
			AddRow("9", "Outage", updated, 3.0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "risks"`)).
		WillReturnRows(sqlmock.NewRows([]string{"record_id", "title", "updated_at", "score"}).
			AddRow("42", "Outage", updated, 3.0))

	hits, err := repo.Search(context.Background(), "", "outage", nil, 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %+v", hits)
	}
	// incidents: 3/3, risks: 3/9.
	if hits[0].Namespace != "incidents" || hits[0].Score != 1 {
		t.Fatalf("unexpected order %+v", hits)
	}
}

func TestKeywordSearchAppliesMetadataFilters(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewKeywordRepository(db, testCatalog())

	updated := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	// incidents has no status column and is skipped without a query.
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE TRUE AND CAST("status" AS TEXT) = $3`)).
		WithArgs("%outage%", "%outage%", "open", 5).
		WillReturnRows(sqlmock.NewRows([]string{"record_id", "title", "updated_at", "score"}).
			AddRow("42", "Outage", updated, 3.0))

	hits, err := repo.Search(context.Background(), "", "outage", map[string]string{"status": "open"}, 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 || hits[0].Namespace != "risks" || hits[0].RecordID != "42" {
		t.Fatalf("unexpected hits %+v", hits)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestKeywordSearchWrapsQueryFailure(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewKeywordRepository(db, testCatalog())

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "risks"`)).WillReturnError(errors.New("connection reset"))

	_, err := repo.Search(context.Background(), "risks", "vendor", nil, 5)
	if !domain.IsKind(err, domain.ErrKeywordQuery) {
		t.Fatalf("expected ErrKeywordQuery, got %v", err)
	}
}

func TestKeywordTermsAreBoundedAndDistinct(t *testing.T) {
	terms := keywordTerms("a bb bb cc dd ee ff gg hh ii jj")
	if len(terms) != maxKeywordTerms {
		t.Fatalf("expected %d terms, got %v", maxKeywordTerms, terms)
	}
	if terms[0] != "bb" || terms[1] != "cc" {
		t.Fatalf("unexpected terms %v", terms)
	}
}

func TestGetJobReturnsDomainNotFound(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewJobRepository(db)

	mock.ExpectQuery("SELECT id, namespace, record_id, operation").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetJob(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestUpdateJobReturnsDomainNotFoundWhenNoRowsAffected(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewJobRepository(db)

	mock.ExpectExec("UPDATE indexing_jobs").
		WithArgs("missing", string(domain.JobStatusFailed), 3, "boom", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateJob(context.Background(), &domain.IndexingJob{
		ID:       "missing",
		Status:   domain.JobStatusFailed,
		Attempts: 3,
		Error:    "boom",
	})
	if !domain.IsKind(err, domain.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListPendingJobsScansRows(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewJobRepository(db)

	created := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	staleBefore := created.Add(time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE status = $1 OR (status = $2 AND updated_at < $3)`)).
		WithArgs("pending", "processing", staleBefore, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "namespace", "record_id", "operation", "status", "attempts", "error_message", "created_at", "updated_at", "completed_at"}).
			AddRow("job-1", "risks", "42", "update", "pending", 1, "timeout", created, created, nil).
			AddRow("job-2", "risks", "43", "update", "processing", 0, "", created, created.Add(time.Minute), nil))

	jobs, err := repo.ListPendingJobs(context.Background(), staleBefore, 50)
	if err != nil {
		t.Fatalf("ListPendingJobs() error = %v", err)
	}
	if len(jobs) != 2 || jobs[0].Operation != domain.OperationUpdate || jobs[0].Attempts != 1 || jobs[0].CompletedAt != nil {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	if jobs[1].Status != domain.JobStatusProcessing || !jobs[1].UpdatedAt.Equal(created.Add(time.Minute)) {
		t.Fatalf("expected stale processing job with updated_at, got %+v", jobs[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetSweepCursorDefaultsToZeroTime(t *testing.T) {
	db, mock, done := newMockDB(t)
	defer done()
	repo := NewJobRepository(db)

	mock.ExpectQuery("SELECT cursor_at FROM indexing_sweep_cursors").
		WithArgs("risks").
		WillReturnError(sql.ErrNoRows)

	cursor, err := repo.GetSweepCursor(context.Background(), "risks")
	if err != nil {
		t.Fatalf("GetSweepCursor() error = %v", err)
	}
	if !cursor.IsZero() {
		t.Fatalf("expected zero cursor, got %v", cursor)
	}
}
