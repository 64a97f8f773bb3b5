package enums

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestCanTransitionEdges(t *testing.T) {
	assert.True(t, CanTransition(JobStatusQueued, JobStatusApprovalRequired))
	assert.True(t, CanTransition(JobStatusQueued, JobStatusSwapReady))
	assert.True(t, CanTransition(JobStatusApprovalRequired, JobStatusApprovalPending))
	assert.True(t, CanTransition(JobStatusApprovalPending, JobStatusSwapReady))
	assert.True(t, CanTransition(JobStatusSwapReady, JobStatusSwapPending))
	assert.True(t, CanTransition(JobStatusSwapPending, JobStatusCompleted))
	assert.True(t, CanTransition(JobStatusApprovalPending, JobStatusFailed))

	assert.False(t, CanTransition(JobStatusSwapPending, JobStatusSwapReady))
	assert.False(t, CanTransition(JobStatusQueued, JobStatusCompleted))
	assert.False(t, CanTransition(JobStatusCompleted, JobStatusFailed))
	assert.False(t, CanTransition(JobStatusFailed, JobStatusQueued))
}

func TestTransitionsNeverMoveBackward(t *testing.T) {
	properties := gopter.NewProperties(nil)
	statuses := make([]interface{}, 0, len(validJobStatuses))
	for _, s := range validJobStatuses {
		statuses = append(statuses, s)
	}

	properties.Property("allowed transitions strictly increase rank", prop.ForAll(
		func(from, to JobStatus) bool {
			if !CanTransition(from, to) {
				return true
			}
			return to.Rank() > from.Rank()
		},
		gen.OneConstOf(statuses...),
		gen.OneConstOf(statuses...),
	))

	properties.Property("terminal statuses have no successors", prop.ForAll(
		func(to JobStatus) bool {
			return !CanTransition(JobStatusCompleted, to) && !CanTransition(JobStatusFailed, to)
		},
		gen.OneConstOf(statuses...),
	))

	properties.TestingRun(t)
}

func TestNonTerminalJobStatuses(t *testing.T) {
	assert.Equal(t, []JobStatus{
		JobStatusQueued,
		JobStatusApprovalRequired,
		JobStatusApprovalPending,
		JobStatusSwapReady,
		JobStatusSwapPending,
	}, NonTerminalJobStatuses())
}

func TestLedgerStatusMirrors(t *testing.T) {
	assert.Equal(t, LedgerStatusBridging, LedgerStatusForJob(JobKindBridge, JobStatusSwapPending))
	assert.Equal(t, LedgerStatusPending, LedgerStatusForJob(JobKindSwap, JobStatusQueued))
	assert.Equal(t, LedgerStatusFailed, LedgerStatusForJob(JobKindSwap, JobStatusFailed))
	assert.Equal(t, LedgerStatusConfirmed, LedgerStatusForTxState(TxStateDone))
	assert.True(t, LedgerStatusCompleted.Rank() > LedgerStatusBridging.Rank())
}
