package executor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"lethe/pkg/platform/sentinel"
)

const defaultStatementTimeout = 10 * time.Minute

// SQLExecutor runs statements against a database/sql handle, tracking
// in-flight executions so callers keep the submit/poll shape they would use
// against a remote query service.
type SQLExecutor struct {
	db      *sql.DB
	timeout time.Duration

	mu         sync.Mutex
	executions map[string]Result
}

// Option configures a SQLExecutor.
type Option func(*SQLExecutor)

// WithStatementTimeout bounds each submitted statement's execution time.
func WithStatementTimeout(d time.Duration) Option {
	return func(e *SQLExecutor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewSQL constructs an executor over db.
func NewSQL(db *sql.DB, opts ...Option) *SQLExecutor {
	e := &SQLExecutor{
		db:         db,
		timeout:    defaultStatementTimeout,
		executions: make(map[string]Result),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *SQLExecutor) Submit(_ context.Context, sqlText string) (string, error) {
	executionID := uuid.NewString()
	e.mu.Lock()
	e.executions[executionID] = Result{State: StateRunning}
	e.mu.Unlock()

	// Submissions outlive the caller's poll context; a lease takeover must
	// not cancel a statement already in flight. The statement timeout bounds
	// the goroutine instead.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()
		res, err := e.db.ExecContext(ctx, sqlText)
		outcome := Result{State: StateSucceeded}
		if err != nil {
			outcome = Result{State: StateFailed, Error: err.Error()}
		} else if n, err := res.RowsAffected(); err == nil {
			outcome.RowCount = n
		}
		e.mu.Lock()
		e.executions[executionID] = outcome
		e.mu.Unlock()
	}()

	return executionID, nil
}

// Poll reports the current state of an execution. A terminal result is
// evicted on first observation so the tracking map stays bounded; each
// execution has exactly one awaiting caller.
func (e *SQLExecutor) Poll(_ context.Context, executionID string) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.executions[executionID]
	if !ok {
		return Result{}, fmt.Errorf("execution %s: %w", executionID, sentinel.ErrNotFound)
	}
	if res.State != StateRunning {
		delete(e.executions, executionID)
	}
	return res, nil
}

func (e *SQLExecutor) Query(ctx context.Context, sqlText string) ([][]string, error) {
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}

	var out [][]string
	for rows.Next() {
		raw := make([]sql.NullString, len(cols))
		dest := make([]any, len(cols))
		for i := range raw {
			dest[i] = &raw[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan query row: %w", err)
		}
		row := make([]string, len(cols))
		for i, v := range raw {
			row[i] = v.String
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
