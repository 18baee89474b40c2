package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"lethe/pkg/platform/sentinel"
)

// Fake is a scriptable executor for unit tests. Hooks receive the submitted
// SQL text and decide the outcome, so tests assert on statement content and
// inject failures per call.
type Fake struct {
	mu         sync.Mutex
	executions map[string]Result
	submitted  []string

	// SubmitHook decides the eventual Result of a submission. A returned
	// error fails Submit itself (a network-level failure).
	SubmitHook func(sqlText string) (Result, error)
	// QueryHook answers result-bearing statements.
	QueryHook func(sqlText string) ([][]string, error)
}

// NewFake constructs a fake whose submissions all succeed with zero rows
// until hooks are set.
func NewFake() *Fake {
	return &Fake{executions: make(map[string]Result)}
}

func (f *Fake) Submit(_ context.Context, sqlText string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, sqlText)

	outcome := Result{State: StateSucceeded}
	if f.SubmitHook != nil {
		var err error
		outcome, err = f.SubmitHook(sqlText)
		if err != nil {
			return "", err
		}
	}
	executionID := uuid.NewString()
	f.executions[executionID] = outcome
	return executionID, nil
}

func (f *Fake) Poll(_ context.Context, executionID string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.executions[executionID]
	if !ok {
		return Result{}, fmt.Errorf("execution %s: %w", executionID, sentinel.ErrNotFound)
	}
	return res, nil
}

func (f *Fake) Query(_ context.Context, sqlText string) ([][]string, error) {
	f.mu.Lock()
	hook := f.QueryHook
	f.submitted = append(f.submitted, sqlText)
	f.mu.Unlock()
	if hook == nil {
		return nil, nil
	}
	return hook(sqlText)
}

// Submitted returns every statement seen, in order.
func (f *Fake) Submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.submitted))
	copy(out, f.submitted)
	return out
}
