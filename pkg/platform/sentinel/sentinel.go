package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, the lease manager, and
// adapters return these (optionally wrapped) so the orchestrator can classify
// outcomes without knowing which backend produced them.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: record does not exist in a store
// - ErrConflict: conditional write lost to a concurrent writer
// - ErrLeaseHeld: another worker currently owns the request
// - ErrLeaseLost: our lease expired or was taken over; stop mutating
// - ErrInvalidState: entity in wrong state for the requested transition
// - ErrThrottled: backend rejected the call for rate/quota reasons (transient)
// - ErrUnavailable: backend temporarily unreachable (transient)
//
// For malformed input, use domain.ErrValidation instead.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrLeaseHeld    = errors.New("lease held by another worker")
	ErrLeaseLost    = errors.New("lease lost")
	ErrInvalidState = errors.New("invalid state")
	ErrThrottled    = errors.New("throttled")
	ErrUnavailable  = errors.New("unavailable")
)
