package workflow

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/vaultflow-backend/internal/ledger"
	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	"github.com/angelmondragon/vaultflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
)

func TestDriverHappyPathWithApprovalTakesFiveSteps(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.routes.requiresApproval = true
	job := h.seedSwapJob(t, "dep-1")
	ctx := context.Background()

	h.step(t, job.ID)
	assert.Equal(t, enums.JobStatusApprovalRequired, h.job(t, job.ID).Status)

	h.step(t, job.ID)
	current := h.job(t, job.ID)
	assert.Equal(t, enums.JobStatusApprovalPending, current.Status)
	require.NotNil(t, current.ApprovalTxID)
	h.signer.setState(*current.ApprovalTxID, "COMPLETE")

	h.step(t, job.ID)
	assert.Equal(t, enums.JobStatusSwapReady, h.job(t, job.ID).Status)

	h.step(t, job.ID)
	current = h.job(t, job.ID)
	assert.Equal(t, enums.JobStatusSwapPending, current.Status)
	require.NotNil(t, current.ExecuteTxID)
	h.signer.setState(*current.ExecuteTxID, "COMPLETE")

	h.step(t, job.ID)
	final := h.job(t, job.ID)
	assert.Equal(t, enums.JobStatusCompleted, final.Status)
	assert.Nil(t, final.LeaseExpiresAt, "lease must be released")
	require.NotNil(t, final.CompletedAt)
	require.NotNil(t, final.TxHash)

	entry, err := h.ledger.Get(ctx, ledger.EntryID(enums.LedgerKindSwap, "dep-1"))
	require.NoError(t, err)
	assert.Equal(t, enums.LedgerStatusCompleted, entry.Status)
	assert.Equal(t, []string{"owner-1"}, h.balances.owners)

	subs := h.signer.submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, StepIdempotencyKey(job.ID, stepApprove), subs[0].IdempotencyKey)
	assert.Equal(t, job.SourceTokenAddress, subs[0].ContractAddress)
	assert.True(t, strings.HasPrefix(subs[0].CallData, "0x095ea7b3"))
	assert.Equal(t, StepIdempotencyKey(job.ID, stepExecute), subs[1].IdempotencyKey)
	assert.Equal(t, "0xRouter", subs[1].ContractAddress)

	var stored struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(h.routes.lastRoute, &stored))
	assert.Equal(t, "route-1", stored.ID)

	ok, err := h.driver.ProcessJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok, "terminal jobs cannot be leased")
}

func TestDriverApprovalCancelledFailsJobAndLedger(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.routes.requiresApproval = true
	job := h.seedSwapJob(t, "dep-2")

	h.step(t, job.ID)
	h.step(t, job.ID)
	current := h.job(t, job.ID)
	require.NotNil(t, current.ApprovalTxID)
	h.signer.setState(*current.ApprovalTxID, "CANCELLED")

	h.step(t, job.ID)
	final := h.job(t, job.ID)
	assert.Equal(t, enums.JobStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "Approval failed")

	entry, err := h.ledger.Get(context.Background(), ledger.EntryID(enums.LedgerKindSwap, "dep-2"))
	require.NoError(t, err)
	assert.Equal(t, enums.LedgerStatusFailed, entry.Status)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(entry.Metadata, &meta))
	assert.Contains(t, meta["error"], "Approval failed")
	assert.Empty(t, h.balances.owners)
}

func TestDriverPendingApprovalIsNoOp(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.routes.requiresApproval = true
	job := h.seedSwapJob(t, "dep-3")

	h.step(t, job.ID)
	h.step(t, job.ID)
	h.step(t, job.ID)
	h.step(t, job.ID)

	current := h.job(t, job.ID)
	assert.Equal(t, enums.JobStatusApprovalPending, current.Status)
	assert.Len(t, h.signer.submissions(), 1, "pending approval is polled, never resubmitted")
}

func TestDriverKillSwitchFailsJob(t *testing.T) {
	h := newHarness(t, harnessOptions{disabled: []string{"base"}})
	job := h.seedSwapJob(t, "dep-4")

	h.step(t, job.ID)
	final := h.job(t, job.ID)
	assert.Equal(t, enums.JobStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, "workflow disabled for network BASE", *final.Error)
	assert.Zero(t, h.routes.routeCalls)

	entry, err := h.ledger.Get(context.Background(), ledger.EntryID(enums.LedgerKindSwap, "dep-4"))
	require.NoError(t, err)
	assert.Equal(t, enums.LedgerStatusFailed, entry.Status)
}

func TestDriverPanicBecomesFailed(t *testing.T) {
	h := newHarness(t, harnessOptions{maxRetries: 3})
	h.routes.panicWith = "aggregator exploded"
	job := h.seedSwapJob(t, "dep-5")

	h.step(t, job.ID)
	final := h.job(t, job.ID)
	assert.Equal(t, enums.JobStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, *final.Error, "aggregator exploded")
	assert.Nil(t, final.LeaseExpiresAt)

	entry, err := h.ledger.Get(context.Background(), ledger.EntryID(enums.LedgerKindSwap, "dep-5"))
	require.NoError(t, err)
	assert.Equal(t, enums.LedgerStatusFailed, entry.Status)
}

func TestDriverFailsFastOnErrorsByDefault(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.routes.routeErr = pkgerrors.New(pkgerrors.CodeDependency, "aggregator unavailable")
	job := h.seedSwapJob(t, "dep-6")

	h.step(t, job.ID)
	final := h.job(t, job.ID)
	assert.Equal(t, enums.JobStatusFailed, final.Status)
	assert.Contains(t, *final.Error, "aggregator unavailable")
}

func TestDriverRetriesDependencyErrorsWithinBudget(t *testing.T) {
	h := newHarness(t, harnessOptions{maxRetries: 1})
	h.routes.routeErr = pkgerrors.New(pkgerrors.CodeDependency, "aggregator unavailable")
	job := h.seedSwapJob(t, "dep-7")

	h.step(t, job.ID)
	current := h.job(t, job.ID)
	assert.Equal(t, enums.JobStatusQueued, current.Status)
	assert.Equal(t, 1, current.StepFailures)

	h.step(t, job.ID)
	assert.Equal(t, enums.JobStatusFailed, h.job(t, job.ID).Status)
}

func TestDriverSkipsLeasedJob(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	job := h.seedSwapJob(t, "dep-8")
	ctx := context.Background()

	held, err := h.leases.TryAcquire(ctx, job.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	ok, err := h.driver.ProcessJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, enums.JobStatusQueued, h.job(t, job.ID).Status)
	assert.Zero(t, h.routes.routeCalls)

	summary, err := h.driver.ProcessPendingOnce(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 1, Skipped: 1}, summary)
}

func TestProcessPendingOnceResumesJobWithExpiredLease(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.routes.requiresApproval = true
	job := h.seedSwapJob(t, "dep-expired")
	ctx := context.Background()

	h.step(t, job.ID)
	h.step(t, job.ID)
	current := h.job(t, job.ID)
	require.Equal(t, enums.JobStatusApprovalPending, current.Status)
	require.NotNil(t, current.ApprovalTxID)
	require.Len(t, h.signer.submissions(), 1)

	// a worker took the lease and died before releasing it
	held, err := h.leases.TryAcquire(ctx, job.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, held)
	require.NoError(t, h.conn.Model(&models.ConversionJob{}).
		Where("id = ?", job.ID).
		UpdateColumn("lease_expires_at", time.Now().UTC().Add(-time.Second)).Error)
	h.signer.setState(*current.ApprovalTxID, "COMPLETE")

	summary, err := h.driver.ProcessPendingOnce(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Scanned: 1, Acquired: 1, Advanced: 1}, summary)

	resumed := h.job(t, job.ID)
	assert.Equal(t, enums.JobStatusSwapReady, resumed.Status)
	assert.Nil(t, resumed.LeaseExpiresAt)
	assert.Len(t, h.signer.submissions(), 1, "the recorded approval is polled, not resubmitted")
}

func TestProcessPendingOnceAdvancesEachJobOneStep(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	a := h.seedSwapJob(t, "dep-a")
	b := h.seedSwapJob(t, "dep-b")

	summary, err := h.driver.ProcessPendingOnce(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 2, summary.Acquired)
	assert.Equal(t, 2, summary.Advanced)

	assert.Equal(t, enums.JobStatusSwapReady, h.job(t, a.ID).Status)
	assert.Equal(t, enums.JobStatusSwapReady, h.job(t, b.ID).Status)
}
