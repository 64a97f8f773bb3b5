package cron

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/vaultflow-backend/pkg/custody"
	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
)

type fakeDeposits struct {
	rows  []models.Deposit
	limit int
	err   error
}

func (f *fakeDeposits) ListUnsettled(_ context.Context, limit int) ([]models.Deposit, error) {
	f.limit = limit
	return f.rows, f.err
}

type fakePositions struct {
	rows []models.LiquidityPosition
}

func (f *fakePositions) ListPendingMint(context.Context, int) ([]models.LiquidityPosition, error) {
	return f.rows, nil
}

type fakeLookup struct {
	txs map[string]custody.Transaction
	err map[string]error
}

func (f *fakeLookup) GetTransaction(_ context.Context, id string) (*custody.Transaction, error) {
	if err, ok := f.err[id]; ok {
		return nil, err
	}
	tx, ok := f.txs[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "transaction not found")
	}
	return &tx, nil
}

type recordingReconciler struct {
	seen   []string
	owners []string
	fail   string
}

func (r *recordingReconciler) HandleTransactionEvent(_ context.Context, ownerID string, tx custody.Transaction) error {
	if tx.ID == r.fail {
		return errors.New("reconcile failed")
	}
	r.seen = append(r.seen, tx.ID)
	r.owners = append(r.owners, ownerID)
	return nil
}

func TestTransactionPollJobReplaysUnsettledDeposits(t *testing.T) {
	deposits := &fakeDeposits{rows: []models.Deposit{
		{ID: "tx-1", OwnerID: "owner-1"},
		{ID: "tx-gone", OwnerID: "owner-1"},
		{ID: "tx-2", OwnerID: "owner-2"},
	}}
	lookup := &fakeLookup{txs: map[string]custody.Transaction{
		"tx-1": {ID: "tx-1", State: "COMPLETE"},
		"tx-2": {ID: "tx-2", State: "CONFIRMED"},
	}}
	rec := &recordingReconciler{}
	job, err := NewTransactionPollJob(TransactionPollJobParams{
		Logger: testLogger(), Deposits: deposits, Custody: lookup, Reconciler: rec, BatchSize: 10,
	})
	require.NoError(t, err)

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 10, deposits.limit)
	assert.Equal(t, []string{"tx-1", "tx-2"}, rec.seen)
	assert.Equal(t, []string{"owner-1", "owner-2"}, rec.owners)
	assert.Equal(t, "transaction-poll", job.Name())
}

func TestTransactionPollJobAggregatesFailuresAndContinues(t *testing.T) {
	deposits := &fakeDeposits{rows: []models.Deposit{
		{ID: "tx-1", OwnerID: "o"},
		{ID: "tx-2", OwnerID: "o"},
		{ID: "tx-3", OwnerID: "o"},
	}}
	lookup := &fakeLookup{
		txs: map[string]custody.Transaction{"tx-2": {ID: "tx-2"}, "tx-3": {ID: "tx-3"}},
		err: map[string]error{"tx-1": pkgerrors.New(pkgerrors.CodeDependency, "custody unavailable")},
	}
	rec := &recordingReconciler{fail: "tx-2"}
	job, err := NewTransactionPollJob(TransactionPollJobParams{
		Logger: testLogger(), Deposits: deposits, Custody: lookup, Reconciler: rec,
	})
	require.NoError(t, err)

	err = job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lookup tx-1")
	assert.Contains(t, err.Error(), "reconcile tx-2")
	assert.Equal(t, []string{"tx-3"}, rec.seen)
}

func TestTransactionPollJobPropagatesListError(t *testing.T) {
	job, err := NewTransactionPollJob(TransactionPollJobParams{
		Logger: testLogger(), Deposits: &fakeDeposits{err: errors.New("db down")}, Custody: &fakeLookup{}, Reconciler: &recordingReconciler{},
	})
	require.NoError(t, err)
	assert.Error(t, job.Run(context.Background()))
}

func TestPositionReconcileJobFeedsMintTransactions(t *testing.T) {
	positions := &fakePositions{rows: []models.LiquidityPosition{
		{ID: "position:mint-1", OwnerID: "owner-1", MintTxID: "mint-1"},
		{ID: "position:mint-2", OwnerID: "owner-2", MintTxID: "mint-2"},
	}}
	lookup := &fakeLookup{txs: map[string]custody.Transaction{
		"mint-1": {ID: "mint-1", TransactionType: "CONTRACT_EXECUTION", State: "COMPLETE"},
	}}
	rec := &recordingReconciler{}
	job, err := NewPositionReconcileJob(PositionReconcileJobParams{
		Logger: testLogger(), Positions: positions, Custody: lookup, Reconciler: rec,
	})
	require.NoError(t, err)

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, []string{"mint-1"}, rec.seen)
	assert.Equal(t, []string{"owner-1"}, rec.owners)
}

type stubRedriver struct {
	recovered int
	err       error
	calls     int
}

func (s *stubRedriver) RedriveFailed(context.Context) (int, error) {
	s.calls++
	return s.recovered, s.err
}

func TestNotificationRedriveJobReportsFailures(t *testing.T) {
	redriver := &stubRedriver{recovered: 2}
	job, err := NewNotificationRedriveJob(NotificationRedriveJobParams{Logger: testLogger(), Redriver: redriver})
	require.NoError(t, err)
	assert.Equal(t, "notification-redrive", job.Name())
	require.NoError(t, job.Run(context.Background()))

	redriver.err = errors.New("db down")
	assert.ErrorContains(t, job.Run(context.Background()), "redrive notifications")
	assert.Equal(t, 2, redriver.calls)
}

func TestJobConstructorsValidate(t *testing.T) {
	_, err := NewTransactionPollJob(TransactionPollJobParams{Logger: testLogger()})
	assert.Error(t, err)
	_, err = NewPositionReconcileJob(PositionReconcileJobParams{Logger: testLogger(), Positions: &fakePositions{}})
	assert.Error(t, err)
	_, err = NewNotificationRedriveJob(NotificationRedriveJobParams{Logger: testLogger()})
	assert.Error(t, err)
}
