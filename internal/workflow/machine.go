package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/vaultflow-backend/internal/ledger"
	"github.com/angelmondragon/vaultflow-backend/pkg/aggregator"
	"github.com/angelmondragon/vaultflow-backend/pkg/config"
	"github.com/angelmondragon/vaultflow-backend/pkg/custody"
	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	"github.com/angelmondragon/vaultflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
	"github.com/angelmondragon/vaultflow-backend/pkg/metrics"
	"github.com/angelmondragon/vaultflow-backend/pkg/units"
)

const nativeDecimals = 18

// Transition is the outcome of one Advance call. Changed is false when the
// awaited external state is still pending.
type Transition struct {
	From    enums.JobStatus
	To      enums.JobStatus
	Changed bool
}

// MachineConfig wires the collaborators the state machine calls.
type MachineConfig struct {
	Routes           RouteProvider
	Signer           Signer
	Wallets          WalletResolver
	Balances         BalanceRecomputer
	Jobs             JobSaver
	Ledger           LedgerWriter
	Catalog          *config.Catalog
	DisabledNetworks []string
	Metrics          *metrics.WorkflowMetrics
	Logger           *logger.Logger
	Now              func() time.Time
}

// Machine advances conversion jobs through
// QUEUED -> [APPROVAL_REQUIRED -> APPROVAL_PENDING ->] SWAP_READY -> SWAP_PENDING -> COMPLETED,
// with FAILED reachable from every non-terminal state. Callers must hold the job's lease.
type Machine struct {
	routes   RouteProvider
	signer   Signer
	wallets  WalletResolver
	balances BalanceRecomputer
	jobs     JobSaver
	ledger   LedgerWriter
	catalog  *config.Catalog
	disabled map[string]struct{}
	metrics  *metrics.WorkflowMetrics
	logg     *logger.Logger
	now      func() time.Time
}

func NewMachine(cfg MachineConfig) (*Machine, error) {
	switch {
	case cfg.Routes == nil:
		return nil, fmt.Errorf("route provider required")
	case cfg.Signer == nil:
		return nil, fmt.Errorf("signer required")
	case cfg.Wallets == nil:
		return nil, fmt.Errorf("wallet resolver required")
	case cfg.Jobs == nil:
		return nil, fmt.Errorf("job store required")
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("ledger writer required")
	case cfg.Catalog == nil:
		return nil, fmt.Errorf("asset catalog required")
	case cfg.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	disabled := make(map[string]struct{}, len(cfg.DisabledNetworks))
	for _, n := range cfg.DisabledNetworks {
		if n = strings.ToUpper(strings.TrimSpace(n)); n != "" {
			disabled[n] = struct{}{}
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Machine{
		routes:   cfg.Routes,
		signer:   cfg.Signer,
		wallets:  cfg.Wallets,
		balances: cfg.Balances,
		jobs:     cfg.Jobs,
		ledger:   cfg.Ledger,
		catalog:  cfg.Catalog,
		disabled: disabled,
		metrics:  cfg.Metrics,
		logg:     cfg.Logger,
		now:      now,
	}, nil
}

// Advance performs at most one transition. When a step's external transaction id
// is already recorded the machine polls it instead of submitting again.
func (m *Machine) Advance(ctx context.Context, job *models.ConversionJob) (Transition, error) {
	if job == nil {
		return Transition{}, pkgerrors.New(pkgerrors.CodeValidation, "job is required")
	}
	from := job.Status
	if from.IsTerminal() {
		return Transition{From: from, To: from}, nil
	}
	if network, blocked := m.blockedNetwork(job); blocked {
		return m.failStep(ctx, job, fmt.Sprintf("workflow disabled for network %s", network))
	}

	switch from {
	case enums.JobStatusQueued:
		return m.requestRoute(ctx, job)
	case enums.JobStatusApprovalRequired:
		return m.submitApproval(ctx, job)
	case enums.JobStatusApprovalPending:
		return m.pollApproval(ctx, job)
	case enums.JobStatusSwapReady:
		return m.submitSwap(ctx, job)
	case enums.JobStatusSwapPending:
		return m.pollSwap(ctx, job)
	default:
		return Transition{From: from, To: from}, pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("unknown job status %q", from))
	}
}

// Fail moves job to FAILED with reason and mirrors the failure to the ledger.
func (m *Machine) Fail(ctx context.Context, job *models.ConversionJob, reason string) error {
	if job.Status.IsTerminal() {
		return nil
	}
	job.Error = &reason
	return m.transition(ctx, job, enums.JobStatusFailed)
}

func (m *Machine) failStep(ctx context.Context, job *models.ConversionJob, reason string) (Transition, error) {
	job.Error = &reason
	return m.move(ctx, job, enums.JobStatusFailed)
}

func (m *Machine) blockedNetwork(job *models.ConversionJob) (string, bool) {
	for _, n := range []string{job.Network, job.DestinationNetwork} {
		n = strings.ToUpper(strings.TrimSpace(n))
		if _, ok := m.disabled[n]; ok && n != "" {
			return n, true
		}
	}
	return "", false
}

func (m *Machine) requestRoute(ctx context.Context, job *models.ConversionJob) (Transition, error) {
	from := job.Status
	src, ok := m.catalog.Network(job.Network)
	if !ok {
		return Transition{From: from, To: from}, pkgerrors.New(pkgerrors.CodePolicy, fmt.Sprintf("network %s is not supported", job.Network))
	}
	dst, ok := m.catalog.Network(job.DestinationNetwork)
	if !ok {
		return Transition{From: from, To: from}, pkgerrors.New(pkgerrors.CodePolicy, fmt.Sprintf("network %s is not supported", job.DestinationNetwork))
	}
	address, err := m.wallets.Address(ctx, job.WalletID)
	if err != nil {
		return Transition{From: from, To: from}, err
	}
	toToken := job.DestinationTokenAddress
	if toToken == "" {
		toToken = dst.SettlementToken
	}

	route, err := m.routes.GetRoute(ctx, aggregator.RouteRequest{
		FromChainID: src.ChainID,
		ToChainID:   dst.ChainID,
		FromToken:   job.SourceTokenAddress,
		ToToken:     toToken,
		FromAmount:  job.SourceAmount,
		FromAddress: address,
		ToAddress:   address,
	})
	if err != nil {
		return Transition{From: from, To: from}, err
	}

	job.Route = []byte(route.Artifact)
	next := enums.JobStatusSwapReady
	if route.RequiresApproval {
		spender := route.ApprovalAddress
		job.ApprovalAddress = &spender
		next = enums.JobStatusApprovalRequired
	}
	return m.move(ctx, job, next)
}

func (m *Machine) submitApproval(ctx context.Context, job *models.ConversionJob) (Transition, error) {
	if job.ApprovalTxID != nil {
		return m.move(ctx, job, enums.JobStatusApprovalPending)
	}
	res, err := m.sendApproval(ctx, job)
	if err != nil {
		return Transition{From: job.Status, To: job.Status}, err
	}
	job.ApprovalTxID = &res.ID
	job.LastTxState = optionalState(res.State)
	return m.move(ctx, job, enums.JobStatusApprovalPending)
}

func (m *Machine) sendApproval(ctx context.Context, job *models.ConversionJob) (*custody.SubmitResult, error) {
	if job.ApprovalAddress == nil || *job.ApprovalAddress == "" {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "approval required but no approval address recorded")
	}
	amount, err := units.ParseBaseUnits(job.SourceAmount)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "parse source amount")
	}
	data, err := ApproveCallData(*job.ApprovalAddress, amount)
	if err != nil {
		return nil, err
	}
	return m.signer.SubmitContractExecution(ctx, custody.ContractExecutionRequest{
		IdempotencyKey:  StepIdempotencyKey(job.ID, stepApprove),
		WalletID:        job.WalletID,
		ContractAddress: job.SourceTokenAddress,
		CallData:        data,
	})
}

func (m *Machine) pollApproval(ctx context.Context, job *models.ConversionJob) (Transition, error) {
	from := job.Status
	if job.ApprovalTxID == nil {
		// The id was lost between submit and save; the idempotency key returns the same transaction.
		res, err := m.sendApproval(ctx, job)
		if err != nil {
			return Transition{From: from, To: from}, err
		}
		job.ApprovalTxID = &res.ID
		job.LastTxState = optionalState(res.State)
		if err := m.jobs.Save(ctx, job); err != nil {
			return Transition{From: from, To: from}, err
		}
		return Transition{From: from, To: from}, nil
	}

	tx, err := m.signer.GetTransaction(ctx, *job.ApprovalTxID)
	if err != nil {
		return Transition{From: from, To: from}, err
	}
	switch tx.NormalizedState() {
	case enums.TxStateDone:
		job.LastTxState = optionalState(tx.State)
		return m.move(ctx, job, enums.JobStatusSwapReady)
	case enums.TxStateFailed:
		job.LastTxState = optionalState(tx.State)
		return m.failStep(ctx, job, "Approval failed: "+tx.State)
	default:
		return m.stay(ctx, job, tx.State)
	}
}

func (m *Machine) submitSwap(ctx context.Context, job *models.ConversionJob) (Transition, error) {
	from := job.Status
	if job.ExecuteTxID != nil {
		return m.move(ctx, job, enums.JobStatusSwapPending)
	}
	if len(job.Route) == 0 {
		return Transition{From: from, To: from}, pkgerrors.New(pkgerrors.CodeStateConflict, "swap ready but no route recorded")
	}
	address, err := m.wallets.Address(ctx, job.WalletID)
	if err != nil {
		return Transition{From: from, To: from}, err
	}
	exec, err := m.routes.GetExecutableTransaction(ctx, job.Route, address, address)
	if err != nil {
		return Transition{From: from, To: from}, err
	}
	value, err := nativeAmount(exec.Value)
	if err != nil {
		return Transition{From: from, To: from}, err
	}
	res, err := m.signer.SubmitContractExecution(ctx, custody.ContractExecutionRequest{
		IdempotencyKey:  StepIdempotencyKey(job.ID, stepExecute),
		WalletID:        job.WalletID,
		ContractAddress: exec.To,
		CallData:        exec.Data,
		Amount:          value,
	})
	if err != nil {
		return Transition{From: from, To: from}, err
	}
	job.ExecuteTxID = &res.ID
	job.LastTxState = optionalState(res.State)
	return m.move(ctx, job, enums.JobStatusSwapPending)
}

func (m *Machine) pollSwap(ctx context.Context, job *models.ConversionJob) (Transition, error) {
	from := job.Status
	if job.ExecuteTxID == nil {
		return Transition{From: from, To: from}, pkgerrors.New(pkgerrors.CodeStateConflict, "swap pending but no execute transaction recorded")
	}
	tx, err := m.signer.GetTransaction(ctx, *job.ExecuteTxID)
	if err != nil {
		return Transition{From: from, To: from}, err
	}
	if tx.TxHash != "" {
		hash := tx.TxHash
		job.TxHash = &hash
	}

	switch tx.NormalizedState() {
	case enums.TxStateDone:
		job.LastTxState = optionalState(tx.State)
		completedAt := m.now().UTC()
		job.CompletedAt = &completedAt
		t, err := m.move(ctx, job, enums.JobStatusCompleted)
		if err != nil {
			return t, err
		}
		m.recomputeBalance(ctx, job)
		return t, nil
	case enums.TxStateFailed:
		job.LastTxState = optionalState(tx.State)
		return m.failStep(ctx, job, "Swap failed: "+tx.State)
	default:
		return m.stay(ctx, job, tx.State)
	}
}

func (m *Machine) recomputeBalance(ctx context.Context, job *models.ConversionJob) {
	if m.balances == nil {
		return
	}
	if err := m.balances.Recompute(ctx, job.OwnerID); err != nil {
		m.logg.Error(m.logg.WithOwnerID(ctx, job.OwnerID), "balance recompute after conversion failed", err)
	}
}

func (m *Machine) move(ctx context.Context, job *models.ConversionJob, to enums.JobStatus) (Transition, error) {
	from := job.Status
	if err := m.transition(ctx, job, to); err != nil {
		var mirrorErr *ledgerMirrorError
		if errors.As(err, &mirrorErr) {
			return Transition{From: from, To: to, Changed: true}, err
		}
		return Transition{From: from, To: from}, err
	}
	return Transition{From: from, To: to, Changed: true}, nil
}

// stay records the latest observed external state without a transition.
func (m *Machine) stay(ctx context.Context, job *models.ConversionJob, state string) (Transition, error) {
	from := job.Status
	observed := optionalState(state)
	if sameState(job.LastTxState, observed) {
		return Transition{From: from, To: from}, nil
	}
	job.LastTxState = observed
	if err := m.jobs.Save(ctx, job); err != nil {
		return Transition{From: from, To: from}, err
	}
	return Transition{From: from, To: from}, nil
}

// transition validates the edge, persists the job and mirrors it to the ledger.
// A mirror failure after the job was saved is returned as *ledgerMirrorError.
func (m *Machine) transition(ctx context.Context, job *models.ConversionJob, to enums.JobStatus) error {
	from := job.Status
	if !enums.CanTransition(from, to) {
		return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("illegal transition %s -> %s", from, to))
	}
	job.Status = to
	job.StepFailures = 0
	if err := m.jobs.Save(ctx, job); err != nil {
		job.Status = from
		return err
	}
	m.metrics.IncTransition(string(job.Kind), string(from), string(to))

	logCtx := m.logg.WithFields(ctx, map[string]any{
		"job_id": job.ID,
		"from":   string(from),
		"to":     string(to),
	})
	m.logg.Info(logCtx, "job transitioned")

	if _, err := m.ledger.Upsert(ctx, ledgerEntryFor(job)); err != nil {
		return &ledgerMirrorError{err: err}
	}
	return nil
}

type ledgerMirrorError struct {
	err error
}

func (e *ledgerMirrorError) Error() string {
	return "mirror job to ledger: " + e.err.Error()
}

func (e *ledgerMirrorError) Unwrap() error { return e.err }

func ledgerEntryFor(job *models.ConversionJob) ledger.Entry {
	kind := job.Kind.LedgerKind()
	meta := map[string]any{
		"jobId":     job.ID,
		"jobStatus": string(job.Status),
	}
	if job.ApprovalTxID != nil {
		meta["approvalTxId"] = *job.ApprovalTxID
	}
	if job.ExecuteTxID != nil {
		meta["executeTxId"] = *job.ExecuteTxID
	}
	if job.LastTxState != nil {
		meta["lastTxState"] = *job.LastTxState
	}
	if job.Error != nil {
		meta["error"] = *job.Error
	}
	entry := ledger.Entry{
		ID:                 ledger.EntryID(kind, job.DepositID),
		OwnerID:            job.OwnerID,
		Kind:               kind,
		Status:             enums.LedgerStatusForJob(job.Kind, job.Status),
		Amount:             job.SourceAmountDecimal,
		Symbol:             job.SourceSymbol,
		Network:            job.Network,
		SourceNetwork:      job.Network,
		DestinationNetwork: job.DestinationNetwork,
		RelatedID:          job.DepositID,
		Metadata:           meta,
	}
	if job.TxHash != nil {
		entry.TxHash = *job.TxHash
	}
	return entry
}

func nativeAmount(baseUnits string) (string, error) {
	if baseUnits == "" || baseUnits == "0" {
		return "", nil
	}
	v, err := units.ParseBaseUnits(baseUnits)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "parse native value")
	}
	if v.Sign() == 0 {
		return "", nil
	}
	return units.FromBaseUnits(v, nativeDecimals), nil
}

func optionalState(state string) *string {
	if state == "" {
		return nil
	}
	return &state
}

func sameState(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
