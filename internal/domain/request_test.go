package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusApproved))
	assert.True(t, CanTransition(StatusApproved, StatusLocating))
	assert.True(t, CanTransition(StatusLocating, StatusRewriting))
	assert.True(t, CanTransition(StatusLocating, StatusPurging), "empty catalog skips REWRITING")
	assert.True(t, CanTransition(StatusRewriting, StatusPurging))
	assert.True(t, CanTransition(StatusPurging, StatusCompleted))
	assert.True(t, CanTransition(StatusFailed, StatusApproved), "re-approval path")

	for _, from := range []Status{StatusApproved, StatusLocating, StatusRewriting, StatusPurging} {
		assert.True(t, CanTransition(from, StatusFailed), "FAILED reachable from %s", from)
	}
}

func TestCanTransition_TerminalStatesHaveNoAutomaticExit(t *testing.T) {
	all := []Status{
		StatusPending, StatusApproved, StatusLocating, StatusRewriting,
		StatusPurging, StatusCompleted, StatusFailed,
	}
	for _, to := range all {
		assert.False(t, CanTransition(StatusCompleted, to), "COMPLETED must not transition to %s", to)
	}
	for _, to := range all {
		if to == StatusApproved {
			continue
		}
		assert.False(t, CanTransition(StatusFailed, to), "FAILED must not transition to %s", to)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRewriting.Terminal())
}

func TestValidateSubjectHash(t *testing.T) {
	valid := strings.Repeat("ab12", 16)
	assert.NoError(t, ValidateSubjectHash(valid))

	cases := map[string]string{
		"empty":       "",
		"too short":   "abc123",
		"uppercase":   strings.Repeat("AB12", 16),
		"non-hex":     strings.Repeat("zz12", 16),
		"too long":    strings.Repeat("ab12", 17),
		"whitespace":  valid[:63] + " ",
	}
	for name, hash := range cases {
		t.Run(name, func(t *testing.T) {
			err := ValidateSubjectHash(hash)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestNewErasureRequest(t *testing.T) {
	now := time.Now()
	req, err := NewErasureRequest(strings.Repeat("a1", 32), now)
	require.NoError(t, err)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", req.ID.String())
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, now, req.RequestedAt)
	assert.NotNil(t, req.StepTimings)

	_, err = NewErasureRequest("not-a-hash", now)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPartitionRef(t *testing.T) {
	p := PartitionRef{Year: "2025", Month: "01", Day: "15"}
	assert.Equal(t, "year=2025/month=01/day=15", p.Key())
	assert.True(t, p.Valid())
	assert.False(t, PartitionRef{Year: "2025", Month: "01"}.Valid())
}

func TestConservationError(t *testing.T) {
	err := &ConservationError{Partition: "year=2025/month=01/day=15", Before: 100, Matching: 10, After: 85}
	assert.Contains(t, err.Error(), "before=100")
	assert.Contains(t, err.Error(), "expected 90")
	assert.True(t, IsConservationError(err))
	assert.False(t, IsConservationError(ErrValidation))
}
