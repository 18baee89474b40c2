package request

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"lethe/internal/domain"
	"lethe/pkg/platform/sentinel"
)

// PostgresStore persists erasure requests in PostgreSQL. All lifecycle guards
// are conditional single-statement writes so concurrent workers can never
// interleave a read-modify-write race on status or lease ownership.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed request store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema creates the erasure_requests table. Invoked at startup and by the
// integration test harness.
const Schema = `
CREATE TABLE IF NOT EXISTS erasure_requests (
	id                     UUID PRIMARY KEY,
	subject_hash           TEXT NOT NULL,
	status                 TEXT NOT NULL,
	requested_at           TIMESTAMPTZ NOT NULL,
	approved_at            TIMESTAMPTZ,
	started_at             TIMESTAMPTZ,
	completed_at           TIMESTAMPTZ,
	retry_count            INTEGER NOT NULL DEFAULT 0,
	last_error             TEXT NOT NULL DEFAULT '',
	step_timings           JSONB NOT NULL DEFAULT '{}',
	partitions_affected    INTEGER NOT NULL DEFAULT 0,
	warehouse_rows_deleted BIGINT NOT NULL DEFAULT 0,
	sla_breached           BOOLEAN NOT NULL DEFAULT FALSE,
	lease_holder           TEXT NOT NULL DEFAULT '',
	lease_expiry           TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_erasure_requests_status ON erasure_requests (status);
`

// EnsureSchema applies the table definition.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure erasure_requests schema: %w", err)
	}
	return nil
}

const requestColumns = `
	id, subject_hash, status, requested_at, approved_at, started_at,
	completed_at, retry_count, last_error, step_timings, partitions_affected,
	warehouse_rows_deleted, sla_breached, lease_holder, lease_expiry
`

func (s *PostgresStore) Create(ctx context.Context, req *domain.ErasureRequest) error {
	timings, err := marshalTimings(req.StepTimings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO erasure_requests (
			id, subject_hash, status, requested_at, retry_count, last_error,
			step_timings, partitions_affected, warehouse_rows_deleted,
			sla_breached, lease_holder
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		req.ID, req.SubjectHash, req.Status, req.RequestedAt, req.RetryCount,
		req.LastError, timings, req.PartitionsAffected, req.WarehouseRowsDeleted,
		req.SLABreached, req.LeaseHolder,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("create request %s: %w", req.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*domain.ErasureRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM erasure_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("request %s: %w", id, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// Approve returns the pre-update status via a self-join: the joined row is
// read from the statement's snapshot, so prior reflects what the guard saw.
func (s *PostgresStore) Approve(ctx context.Context, id uuid.UUID, now time.Time) (domain.Status, error) {
	var prior domain.Status
	err := s.db.QueryRowContext(ctx, `
		UPDATE erasure_requests AS r
		SET status = $2, approved_at = $3, retry_count = 0, last_error = ''
		FROM erasure_requests AS before
		WHERE r.id = $1 AND before.id = r.id AND r.status IN ($4, $5)
		RETURNING before.status
	`, id, domain.StatusApproved, now, domain.StatusPending, domain.StatusFailed).Scan(&prior)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM erasure_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
			return "", fmt.Errorf("check request existence: %w", err)
		}
		if !exists {
			return "", fmt.Errorf("request %s: %w", id, sentinel.ErrNotFound)
		}
		return "", fmt.Errorf("request %s: %w", id, sentinel.ErrInvalidState)
	}
	if err != nil {
		return "", fmt.Errorf("approve request: %w", err)
	}
	return prior, nil
}

func (s *PostgresStore) ClaimForProcessing(ctx context.Context, id uuid.UUID, holder string, expiry, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE erasure_requests
		SET status = $2, lease_holder = $3, lease_expiry = $4,
		    started_at = COALESCE(started_at, $5)
		WHERE id = $1
		  AND (
			status = $6
			OR (status IN ($7, $8, $9) AND (lease_expiry IS NULL OR lease_expiry < $5))
		  )
	`, id, domain.StatusLocating, holder, expiry, now,
		domain.StatusApproved,
		domain.StatusLocating, domain.StatusRewriting, domain.StatusPurging,
	)
	if err != nil {
		return fmt.Errorf("claim request: %w", err)
	}
	return s.checkGuard(ctx, res, id)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id uuid.UUID, holder string, update StatusUpdate) error {
	timings, err := marshalTimings(update.StepTimings)
	if err != nil {
		return err
	}
	terminal := update.Status.Terminal()
	res, err := s.db.ExecContext(ctx, `
		UPDATE erasure_requests
		SET status = $3,
		    last_error = $4,
		    retry_count = retry_count + $5,
		    step_timings = COALESCE($6, step_timings),
		    partitions_affected = CASE WHEN $7 > 0 THEN $7 ELSE partitions_affected END,
		    warehouse_rows_deleted = CASE WHEN $8 > 0 THEN $8 ELSE warehouse_rows_deleted END,
		    sla_breached = sla_breached OR $9,
		    completed_at = COALESCE($10, completed_at),
		    lease_expiry = COALESCE($11, lease_expiry),
		    lease_holder = CASE WHEN $12 THEN '' ELSE lease_holder END
		WHERE id = $1 AND lease_holder = $2
	`, id, holder, update.Status, update.LastError, update.RetryDelta, timings,
		update.PartitionsAffected, update.WarehouseRowsDeleted, update.SLABreached,
		nullTime(update.CompletedAt), nullTime(update.LeaseExpiry), terminal,
	)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update request %s: %w", id, sentinel.ErrLeaseLost)
	}
	return nil
}

func (s *PostgresStore) ListStale(ctx context.Context, cutoff time.Time) ([]*domain.ErasureRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM erasure_requests
		WHERE status IN ($1, $2, $3, $4)
		  AND (lease_holder = '' OR lease_expiry IS NULL OR lease_expiry < $5)
		ORDER BY requested_at
	`, domain.StatusApproved, domain.StatusLocating, domain.StatusRewriting,
		domain.StatusPurging, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale requests: %w", err)
	}
	defer rows.Close()

	var out []*domain.ErasureRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("list stale requests: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// checkGuard distinguishes "no such request" from "guard condition failed"
// after a zero-row conditional update.
func (s *PostgresStore) checkGuard(ctx context.Context, res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM erasure_requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check request existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("request %s: %w", id, sentinel.ErrNotFound)
	}
	return fmt.Errorf("request %s: %w", id, sentinel.ErrInvalidState)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*domain.ErasureRequest, error) {
	var (
		req         domain.ErasureRequest
		approvedAt  sql.NullTime
		startedAt   sql.NullTime
		completedAt sql.NullTime
		leaseExpiry sql.NullTime
		timings     []byte
	)
	err := row.Scan(
		&req.ID, &req.SubjectHash, &req.Status, &req.RequestedAt, &approvedAt,
		&startedAt, &completedAt, &req.RetryCount, &req.LastError, &timings,
		&req.PartitionsAffected, &req.WarehouseRowsDeleted, &req.SLABreached,
		&req.LeaseHolder, &leaseExpiry,
	)
	if err != nil {
		return nil, err
	}
	req.ApprovedAt = approvedAt.Time
	req.StartedAt = startedAt.Time
	req.CompletedAt = completedAt.Time
	req.LeaseExpiry = leaseExpiry.Time
	req.StepTimings, err = unmarshalTimings(timings)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// Timings are stored as step name to milliseconds for queryability. The
// value is passed as text so the driver lets Postgres infer jsonb; a nil map
// becomes NULL for the COALESCE in UpdateStatus.
func marshalTimings(timings map[domain.Step]time.Duration) (any, error) {
	if timings == nil {
		return nil, nil
	}
	ms := make(map[string]int64, len(timings))
	for step, d := range timings {
		ms[string(step)] = d.Milliseconds()
	}
	out, err := json.Marshal(ms)
	if err != nil {
		return nil, fmt.Errorf("marshal step timings: %w", err)
	}
	return string(out), nil
}

func unmarshalTimings(raw []byte) (map[domain.Step]time.Duration, error) {
	out := make(map[domain.Step]time.Duration)
	if len(raw) == 0 {
		return out, nil
	}
	var ms map[string]int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return nil, fmt.Errorf("unmarshal step timings: %w", err)
	}
	for step, v := range ms {
		out[domain.Step(step)] = time.Duration(v) * time.Millisecond
	}
	return out, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
