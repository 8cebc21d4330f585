package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/woosul/marketfabric/internal/model"
)

// auditRow is the sqlx row shape for the record_audit table: one row
// per applied upsert, kept for after-the-fact investigation of bad
// source data rather than for serving reads.
type auditRow struct {
	ID        int64     `db:"id"`
	Kind      string    `db:"kind"`
	Code      string    `db:"code"`
	Source    string    `db:"source"`
	Value     string    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
	CreatedAt time.Time `db:"created_at"`
}

// AuditSink writes every applied upsert to Postgres for durability and
// after-the-fact auditing. It is entirely optional: the Cache Store
// operates correctly with a nil AuditSink, it just has no persistent
// trail of what values were ever accepted.
type AuditSink struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAuditSink opens a Postgres connection pool for the audit sink.
func NewAuditSink(dsn string) (*AuditSink, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect audit db: %w", err)
	}
	return &AuditSink{db: db, timeout: 5 * time.Second}, nil
}

// NewAutoAuditSink returns an AuditSink when dsn is non-empty, or nil
// to disable the audit trail entirely.
func NewAutoAuditSink(dsn string) (*AuditSink, error) {
	if dsn == "" {
		return nil, nil
	}
	return NewAuditSink(dsn)
}

// Record inserts one accepted upsert into the audit trail.
func (a *AuditSink) Record(rec model.CachedRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	query := `
		INSERT INTO record_audit (kind, code, source, value, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	var row auditRow
	err := a.db.QueryRowxContext(ctx, query, string(rec.Kind), rec.Code, rec.SourceTag, auditValueText(rec), rec.UpdatedAt).
		Scan(&row.ID, &row.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil // duplicate audit row, not a failure worth surfacing
		}
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// RecordBatch inserts a batch of accepted upserts in one transaction,
// matching upsert_many's atomic-batch semantics in the audit trail too.
func (a *AuditSink) RecordBatch(recs []model.CachedRecord) error {
	if len(recs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout*time.Duration(len(recs)))
	defer cancel()

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO record_audit (kind, code, source, value, updated_at)
		VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, string(rec.Kind), rec.Code, rec.SourceTag, auditValueText(rec), rec.UpdatedAt); err != nil {
			return fmt.Errorf("insert audit row: %w", err)
		}
	}

	return tx.Commit()
}

// Close releases the underlying connection pool.
func (a *AuditSink) Close() error {
	return a.db.Close()
}

// auditValueText renders the record's meaningful value as text for the
// audit column: the scalar reading for index/FX kinds, or a row count
// for TopCoinsSnapshot, whose full payload is large and already
// reconstructable from the Cache Store.
func auditValueText(rec model.CachedRecord) string {
	if rec.Kind == model.KindTopCoinsSnapshot {
		return fmt.Sprintf("rows=%d", len(rec.Payload))
	}
	return rec.Reading.Value.String()
}
