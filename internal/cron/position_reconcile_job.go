package cron

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
)

type pendingPositions interface {
	ListPendingMint(ctx context.Context, limit int) ([]models.LiquidityPosition, error)
}

type PositionReconcileJobParams struct {
	Logger     *logger.Logger
	Positions  pendingPositions
	Custody    transactionLookup
	Reconciler transactionReconciler
	BatchSize  int
}

// NewPositionReconcileJob revisits positions still waiting for a minted id and
// feeds their mint transaction back through the reconciler.
func NewPositionReconcileJob(params PositionReconcileJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.Positions == nil:
		return nil, fmt.Errorf("position store required")
	case params.Custody == nil:
		return nil, fmt.Errorf("custody client required")
	case params.Reconciler == nil:
		return nil, fmt.Errorf("reconciler required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultPollBatchSize
	}
	return &positionReconcileJob{
		logg:       params.Logger,
		positions:  params.Positions,
		custody:    params.Custody,
		reconciler: params.Reconciler,
		batch:      batch,
	}, nil
}

type positionReconcileJob struct {
	logg       *logger.Logger
	positions  pendingPositions
	custody    transactionLookup
	reconciler transactionReconciler
	batch      int
}

func (j *positionReconcileJob) Name() string { return "position-reconcile" }

func (j *positionReconcileJob) Run(ctx context.Context) error {
	pending, err := j.positions.ListPendingMint(ctx, j.batch)
	if err != nil {
		return fmt.Errorf("list pending positions: %w", err)
	}

	var errs error
	for _, p := range pending {
		if ctx.Err() != nil {
			return multierr.Append(errs, ctx.Err())
		}
		posCtx := j.logg.WithOwnerID(j.logg.WithTxID(ctx, p.MintTxID), p.OwnerID)
		tx, err := j.custody.GetTransaction(posCtx, p.MintTxID)
		if err != nil {
			if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
				j.logg.Warn(posCtx, "mint transaction unknown to custody")
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("lookup mint %s: %w", p.MintTxID, err))
			continue
		}
		if err := j.reconciler.HandleTransactionEvent(posCtx, p.OwnerID, *tx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reconcile mint %s: %w", p.MintTxID, err))
		}
	}
	if len(pending) > 0 {
		j.logg.Info(j.logg.WithField(ctx, "positions", len(pending)), "pending positions revisited")
	}
	return errs
}
