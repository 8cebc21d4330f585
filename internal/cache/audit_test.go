package cache

import (
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/woosul/marketfabric/internal/model"
)

func newMockAuditSink(t *testing.T) (*AuditSink, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db := sqlx.NewDb(sqlDB, "postgres")
	return &AuditSink{db: db, timeout: time.Second}, mock
}

func sampleAuditRecord() model.CachedRecord {
	return model.CachedRecord{
		Kind:      model.KindUpbitComposite,
		Code:      model.CodeUBCI,
		SourceTag: "primary",
		Reading:   model.Reading{Value: decimal.NewFromInt(1500)},
		UpdatedAt: time.Now(),
	}
}

func TestAuditSink_Record_InsertsRow(t *testing.T) {
	a, mock := newMockAuditSink(t)
	rec := sampleAuditRecord()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO record_audit")).
		WithArgs(string(rec.Kind), rec.Code, rec.SourceTag, auditValueText(rec), rec.UpdatedAt).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))

	require.NoError(t, a.Record(rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditSink_Record_SwallowsDuplicateKeyError(t *testing.T) {
	a, mock := newMockAuditSink(t)
	rec := sampleAuditRecord()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO record_audit")).
		WithArgs(string(rec.Kind), rec.Code, rec.SourceTag, auditValueText(rec), rec.UpdatedAt).
		WillReturnError(&pq.Error{Code: "23505"})

	assert.NoError(t, a.Record(rec), "a duplicate audit row must not be surfaced as a failure")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditSink_Record_PropagatesOtherErrors(t *testing.T) {
	a, mock := newMockAuditSink(t)
	rec := sampleAuditRecord()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO record_audit")).
		WithArgs(string(rec.Kind), rec.Code, rec.SourceTag, auditValueText(rec), rec.UpdatedAt).
		WillReturnError(&pq.Error{Code: "08006"})

	assert.Error(t, a.Record(rec))
}

func TestAuditSink_RecordBatch_InsertsAllRowsInOneTransaction(t *testing.T) {
	a, mock := newMockAuditSink(t)
	recs := []model.CachedRecord{sampleAuditRecord(), sampleAuditRecord()}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO record_audit"))
	for _, rec := range recs {
		prep.ExpectExec().
			WithArgs(string(rec.Kind), rec.Code, rec.SourceTag, auditValueText(rec), rec.UpdatedAt).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, a.RecordBatch(recs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditSink_RecordBatch_EmptyIsNoop(t *testing.T) {
	a, mock := newMockAuditSink(t)

	require.NoError(t, a.RecordBatch(nil))
	assert.NoError(t, mock.ExpectationsWereMet(), "an empty batch must not touch the database")
}

func TestAuditSink_RecordBatch_RollsBackOnExecFailure(t *testing.T) {
	a, mock := newMockAuditSink(t)
	recs := []model.CachedRecord{sampleAuditRecord()}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO record_audit"))
	prep.ExpectExec().WillReturnError(assertAnError{})
	mock.ExpectRollback()

	assert.Error(t, a.RecordBatch(recs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

type assertAnError struct{}

func (assertAnError) Error() string { return "exec failed" }
