package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/angelmondragon/vaultflow-backend/pkg/custody"
	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
)

const defaultPollBatchSize = 50

type transactionLookup interface {
	GetTransaction(ctx context.Context, id string) (*custody.Transaction, error)
}

type transactionReconciler interface {
	HandleTransactionEvent(ctx context.Context, ownerID string, tx custody.Transaction) error
}

type unsettledDeposits interface {
	ListUnsettled(ctx context.Context, limit int) ([]models.Deposit, error)
}

type TransactionPollJobParams struct {
	Logger     *logger.Logger
	Deposits   unsettledDeposits
	Custody    transactionLookup
	Reconciler transactionReconciler
	BatchSize  int
}

// NewTransactionPollJob re-reads deposits that have not reached a terminal state
// and replays the custody view through the reconciler, covering missed webhooks.
func NewTransactionPollJob(params TransactionPollJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.Deposits == nil:
		return nil, fmt.Errorf("deposit store required")
	case params.Custody == nil:
		return nil, fmt.Errorf("custody client required")
	case params.Reconciler == nil:
		return nil, fmt.Errorf("reconciler required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultPollBatchSize
	}
	return &transactionPollJob{
		logg:       params.Logger,
		deposits:   params.Deposits,
		custody:    params.Custody,
		reconciler: params.Reconciler,
		batch:      batch,
	}, nil
}

type transactionPollJob struct {
	logg       *logger.Logger
	deposits   unsettledDeposits
	custody    transactionLookup
	reconciler transactionReconciler
	batch      int
}

func (j *transactionPollJob) Name() string { return "transaction-poll" }

func (j *transactionPollJob) Run(ctx context.Context) error {
	pending, err := j.deposits.ListUnsettled(ctx, j.batch)
	if err != nil {
		return fmt.Errorf("list unsettled deposits: %w", err)
	}

	var errs error
	for _, d := range pending {
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
		depCtx := j.logg.WithOwnerID(j.logg.WithTxID(ctx, d.ID), d.OwnerID)
		tx, err := j.custody.GetTransaction(depCtx, d.ID)
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
				j.logg.Warn(depCtx, "custody no longer reports deposit transaction")
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("lookup %s: %w", d.ID, err))
			continue
		}
		if err := j.reconciler.HandleTransactionEvent(depCtx, d.OwnerID, *tx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reconcile %s: %w", d.ID, err))
		}
	}
	j.logg.Info(j.logg.WithField(ctx, "deposits", len(pending)), "unsettled deposits polled")
	return errs
}
