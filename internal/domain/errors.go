package domain

import (
	"errors"
	"fmt"
)

// ErrValidation covers malformed input rejected before a request is approved.
// It never reaches the orchestrator.
var ErrValidation = errors.New("validation failed")

// ConservationError reports a rewrite whose row accounting does not balance.
// It indicates possible loss of unrelated data and is always fatal: the run
// terminates at FAILED and the mismatch is recorded verbatim in the audit
// trail.
type ConservationError struct {
	Partition string
	Before    int64
	Matching  int64
	After     int64
}

func (e *ConservationError) Error() string {
	return fmt.Sprintf(
		"conservation violation in partition %s: before=%d matching=%d after=%d (expected %d)",
		e.Partition, e.Before, e.Matching, e.After, e.Before-e.Matching,
	)
}

// IsConservationError reports whether err wraps a ConservationError.
func IsConservationError(err error) bool {
	var ce *ConservationError
	return errors.As(err, &ce)
}
