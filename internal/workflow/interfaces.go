package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/angelmondragon/vaultflow-backend/internal/ledger"
	"github.com/angelmondragon/vaultflow-backend/pkg/aggregator"
	"github.com/angelmondragon/vaultflow-backend/pkg/custody"
	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
)

// RouteProvider quotes routes and builds their executable transactions.
type RouteProvider interface {
	GetRoute(ctx context.Context, req aggregator.RouteRequest) (*aggregator.Route, error)
	GetExecutableTransaction(ctx context.Context, route json.RawMessage, fromAddress, toAddress string) (*aggregator.ExecutableTx, error)
}

// Signer submits and looks up custodial transactions.
type Signer interface {
	SubmitContractExecution(ctx context.Context, req custody.ContractExecutionRequest) (*custody.SubmitResult, error)
	GetTransaction(ctx context.Context, id string) (*custody.Transaction, error)
}

// WalletResolver maps a custody wallet id to its on-chain address.
type WalletResolver interface {
	Address(ctx context.Context, walletID string) (string, error)
}

// BalanceRecomputer refreshes an owner's aggregate settlement balance.
type BalanceRecomputer interface {
	Recompute(ctx context.Context, ownerID string) error
}

// JobSaver persists a job the caller holds the lease on.
type JobSaver interface {
	Save(ctx context.Context, job *models.ConversionJob) error
}

// LedgerWriter merges ledger observations.
type LedgerWriter interface {
	Upsert(ctx context.Context, entry ledger.Entry) (*models.LedgerTransaction, error)
}

// JobReader is the read side of the job store the driver scans.
type JobReader interface {
	Get(ctx context.Context, id string) (*models.ConversionJob, error)
	ListNonTerminal(ctx context.Context, limit int) ([]models.ConversionJob, error)
}

// Leaser grants and releases job leases.
type Leaser interface {
	TryAcquire(ctx context.Context, jobID string, duration time.Duration) (bool, error)
	Release(ctx context.Context, jobID string) error
}

// Advancer moves a leased job forward one step.
type Advancer interface {
	Advance(ctx context.Context, job *models.ConversionJob) (Transition, error)
	Fail(ctx context.Context, job *models.ConversionJob, reason string) error
}
