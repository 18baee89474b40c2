// Package executor abstracts statement execution against the lake's SQL
// interface and the warehouse. The orchestrator is agnostic to which engine
// backs a call: it submits, polls, and reads row counts.
package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lethe/pkg/platform/retry"
)

// State is an execution's lifecycle state as reported by Poll.
type State string

const (
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// Result is one Poll observation.
type Result struct {
	State    State
	RowCount int64
	Error    string
}

// Executor submits statements and reports completion. Stateless from the
// caller's perspective; retries are the caller's concern.
type Executor interface {
	// Submit starts a statement and returns an execution id to poll.
	Submit(ctx context.Context, sqlText string) (string, error)
	// Poll reports the current state of an execution.
	Poll(ctx context.Context, executionID string) (Result, error)
	// Query runs a result-bearing statement synchronously and returns rows
	// as strings, without a header row.
	Query(ctx context.Context, sqlText string) ([][]string, error)
}

// Await polls an execution at a fixed interval until it leaves RUNNING or ctx
// ends. A FAILED execution is returned as a transient error carrying the
// engine's message, except authorization failures: retrying those burns the
// whole budget on an outcome that cannot change.
func Await(ctx context.Context, ex Executor, executionID string, interval time.Duration) (Result, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := ex.Poll(ctx, executionID)
		if err != nil {
			return Result{}, err
		}
		switch res.State {
		case StateSucceeded:
			return res, nil
		case StateFailed:
			failure := fmt.Errorf("execution %s failed: %s", executionID, res.Error)
			if permanentFailure(res.Error) {
				return res, failure
			}
			return res, retry.Transient(failure)
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// permanentFailure matches engine error text that no retry can fix.
func permanentFailure(message string) bool {
	m := strings.ToLower(message)
	for _, marker := range []string{
		"permission denied",
		"access denied",
		"not authorized",
		"insufficient privilege",
	} {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}

// Count runs a single-value COUNT query and parses the result.
func Count(ctx context.Context, ex Executor, sqlText string) (int64, error) {
	rows, err := ex.Query(ctx, sqlText)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, fmt.Errorf("count query returned no rows")
	}
	n, err := strconv.ParseInt(rows[0][0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse count %q: %w", rows[0][0], err)
	}
	return n, nil
}
