package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/angelmondragon/vaultflow-backend/internal/dispatch"
	"github.com/angelmondragon/vaultflow-backend/internal/jobs"
	"github.com/angelmondragon/vaultflow-backend/internal/ledger"
	"github.com/angelmondragon/vaultflow-backend/pkg/cache"
	"github.com/angelmondragon/vaultflow-backend/pkg/chain"
	"github.com/angelmondragon/vaultflow-backend/pkg/config"
	"github.com/angelmondragon/vaultflow-backend/pkg/custody"
	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	"github.com/angelmondragon/vaultflow-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
	"github.com/angelmondragon/vaultflow-backend/pkg/units"
)

const (
	sendRefPrefix   = "send:"
	defaultTokenTTL = time.Hour
)

type ledgerWriter interface {
	Upsert(ctx context.Context, entry ledger.Entry) (*models.LedgerTransaction, error)
}

type depositStore interface {
	Upsert(ctx context.Context, deposit *models.Deposit) (*models.Deposit, error)
	MarkSettled(ctx context.Context, id string) error
}

type jobCreator interface {
	CreateIfAbsent(ctx context.Context, job *models.ConversionJob) (bool, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, msg dispatch.Message, fallback dispatch.Fallback) error
}

type jobRunner interface {
	ProcessJob(ctx context.Context, id string) (bool, error)
}

type tokenResolver interface {
	GetToken(ctx context.Context, id string) (*custody.Token, error)
}

type alertClearer interface {
	ClearPending(ctx context.Context, ownerID string) (int64, error)
}

type balanceRecomputer interface {
	Recompute(ctx context.Context, ownerID string) error
}

type receiptReader interface {
	TransactionLogs(ctx context.Context, network, hash string) ([]*types.Log, error)
}

type positionStore interface {
	AttachTokenID(ctx context.Context, mintTxID, tokenID, txHash string) (bool, error)
	MarkFailed(ctx context.Context, mintTxID string) (bool, error)
}

// Params wires the reconciler. Runner, Receipts and Positions are optional.
type Params struct {
	Ledger      ledgerWriter
	Deposits    depositStore
	Jobs        jobCreator
	Dispatcher  enqueuer
	Runner      jobRunner
	Tokens      tokenResolver
	Alerts      alertClearer
	Balances    balanceRecomputer
	Receipts    receiptReader
	Positions   positionStore
	Catalog     *config.Catalog
	AutoConvert bool
	TokenTTL    time.Duration
	Logger      *logger.Logger
}

// Reconciler turns custody transaction observations, from webhooks or polling,
// into ledger entries and at most one downstream job per triggering transaction.
type Reconciler struct {
	ledger      ledgerWriter
	deposits    depositStore
	jobs        jobCreator
	dispatcher  enqueuer
	runner      jobRunner
	tokens      tokenResolver
	tokenCache  *cache.TTL[string, custody.Token]
	alerts      alertClearer
	balances    balanceRecomputer
	receipts    receiptReader
	positions   positionStore
	catalog     *config.Catalog
	autoConvert bool
	logg        *logger.Logger
}

func New(p Params) (*Reconciler, error) {
	switch {
	case p.Ledger == nil:
		return nil, fmt.Errorf("ledger writer required")
	case p.Deposits == nil:
		return nil, fmt.Errorf("deposit store required")
	case p.Jobs == nil:
		return nil, fmt.Errorf("job store required")
	case p.Dispatcher == nil:
		return nil, fmt.Errorf("dispatcher required")
	case p.Tokens == nil:
		return nil, fmt.Errorf("token resolver required")
	case p.Alerts == nil:
		return nil, fmt.Errorf("alert store required")
	case p.Balances == nil:
		return nil, fmt.Errorf("balance recomputer required")
	case p.Catalog == nil:
		return nil, fmt.Errorf("asset catalog required")
	case p.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	ttl := p.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Reconciler{
		ledger:      p.Ledger,
		deposits:    p.Deposits,
		jobs:        p.Jobs,
		dispatcher:  p.Dispatcher,
		runner:      p.Runner,
		tokens:      p.Tokens,
		tokenCache:  cache.NewTTL[string, custody.Token](ttl, nil),
		alerts:      p.Alerts,
		balances:    p.Balances,
		receipts:    p.Receipts,
		positions:   p.Positions,
		catalog:     p.Catalog,
		autoConvert: p.AutoConvert,
		logg:        p.Logger,
	}, nil
}

// HandleTransactionEvent applies one observation of a custody transaction.
// Repeated observations of the same transaction converge to the same state.
func (r *Reconciler) HandleTransactionEvent(ctx context.Context, ownerID string, tx custody.Transaction) error {
	if strings.TrimSpace(ownerID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "owner id is required")
	}
	if strings.TrimSpace(tx.ID) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "transaction id is required")
	}
	txType, err := tx.Type()
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "classify transaction")
	}
	ctx = r.logg.WithTxID(r.logg.WithOwnerID(ctx, ownerID), tx.ID)

	switch txType {
	case enums.TransactionTypeOutbound:
		return r.handleOutbound(ctx, ownerID, tx)
	case enums.TransactionTypeContractExecution:
		r.handleContractExecution(ctx, tx)
		return nil
	default:
		return r.handleInbound(ctx, ownerID, tx)
	}
}

func (r *Reconciler) handleOutbound(ctx context.Context, ownerID string, tx custody.Transaction) error {
	kind := enums.LedgerKindWithdraw
	if strings.HasPrefix(tx.RefID, sendRefPrefix) {
		kind = enums.LedgerKindSend
	}
	status := enums.LedgerStatusPending
	switch tx.NormalizedState() {
	case enums.TxStateDone:
		status = enums.LedgerStatusCompleted
	case enums.TxStateFailed:
		status = enums.LedgerStatusFailed
	}
	metadata := map[string]any{
		"walletId": tx.WalletID,
		"state":    tx.State,
	}
	if tx.DestinationAddress != "" {
		metadata["destinationAddress"] = tx.DestinationAddress
	}
	if tx.ErrorReason != "" {
		metadata["error"] = tx.ErrorReason
	}
	_, err := r.ledger.Upsert(ctx, ledger.Entry{
		ID:        ledger.EntryID(kind, tx.ID),
		OwnerID:   ownerID,
		Kind:      kind,
		Status:    status,
		Amount:    tx.Amount(),
		Network:   normalizeNetwork(tx.Blockchain),
		TxHash:    tx.TxHash,
		RelatedID: tx.RefID,
		Metadata:  metadata,
	})
	return err
}

// handleContractExecution attaches minted position ids. Failures are logged only.
func (r *Reconciler) handleContractExecution(ctx context.Context, tx custody.Transaction) {
	if r.positions == nil {
		return
	}
	switch tx.NormalizedState() {
	case enums.TxStateFailed:
		if _, err := r.positions.MarkFailed(ctx, tx.ID); err != nil {
			r.logg.Error(ctx, "failed to mark position mint failed", err)
		}
		return
	case enums.TxStatePending:
		return
	}
	if r.receipts == nil || tx.TxHash == "" {
		r.logg.Warn(ctx, "contract execution has no receipt source; skipping mint lookup")
		return
	}

	network := normalizeNetwork(tx.Blockchain)
	logs, err := r.receipts.TransactionLogs(ctx, network, tx.TxHash)
	if err != nil {
		r.logg.Error(ctx, "failed to read contract execution receipt", err)
		return
	}
	manager := tx.ContractAddress
	if spec, ok := r.catalog.Network(network); ok && spec.PositionManager != "" {
		manager = spec.PositionManager
	}
	tokenID, ok := chain.MintedPositionID(logs, manager)
	if !ok {
		r.logg.Info(ctx, "contract execution emitted no position mint")
		return
	}
	attached, err := r.positions.AttachTokenID(ctx, tx.ID, tokenID, tx.TxHash)
	if err != nil {
		r.logg.Error(ctx, "failed to attach position token id", err)
		return
	}
	if attached {
		r.logg.Info(r.logg.WithField(ctx, "token_id", tokenID), "position token id attached")
	}
}

func (r *Reconciler) handleInbound(ctx context.Context, ownerID string, tx custody.Transaction) error {
	network := normalizeNetwork(tx.Blockchain)
	token, err := r.resolveToken(ctx, tx)
	if err != nil {
		return err
	}
	state := tx.NormalizedState()

	deposit := &models.Deposit{
		ID:           tx.ID,
		OwnerID:      ownerID,
		WalletID:     tx.WalletID,
		Network:      network,
		TokenID:      tx.TokenID,
		TokenAddress: token.TokenAddress,
		Symbol:       token.Symbol,
		Decimals:     token.Decimals,
		Amount:       tx.Amount(),
		State:        tx.State,
	}
	if tx.TxHash != "" {
		hash := tx.TxHash
		deposit.TxHash = &hash
	}
	if _, err := r.deposits.Upsert(ctx, deposit); err != nil {
		return err
	}

	depositEntryID := ledger.EntryID(enums.LedgerKindDeposit, tx.ID)
	if _, err := r.ledger.Upsert(ctx, ledger.Entry{
		ID:      depositEntryID,
		OwnerID: ownerID,
		Kind:    enums.LedgerKindDeposit,
		Status:  enums.LedgerStatusForTxState(state),
		Amount:  tx.Amount(),
		Symbol:  token.Symbol,
		Network: network,
		TxHash:  tx.TxHash,
		Metadata: map[string]any{
			"walletId":     tx.WalletID,
			"tokenAddress": token.TokenAddress,
			"state":        tx.State,
		},
	}); err != nil {
		return err
	}

	if !state.IsTerminal() {
		return nil
	}
	if state == enums.TxStateDone {
		if err := r.applyDeposit(ctx, ownerID, network, tx, token, depositEntryID); err != nil {
			return err
		}
	}
	// Settling last keeps the deposit on the poller's list until every step
	// above has succeeded once.
	return r.deposits.MarkSettled(ctx, tx.ID)
}

// applyDeposit runs the downstream effect of a completed deposit. Every branch
// is safe to repeat.
func (r *Reconciler) applyDeposit(ctx context.Context, ownerID, network string, tx custody.Transaction, token custody.Token, depositEntryID string) error {
	if r.catalog.IsSettlementAsset(network, token.TokenAddress, token.Symbol) {
		if r.catalog.IsSettlementNetwork(network) {
			return r.settle(ctx, ownerID)
		}
		return r.startBridge(ctx, ownerID, network, tx, token, depositEntryID)
	}

	if !r.autoConvert {
		return nil
	}
	if r.catalog.IsLiquidityPoolToken(network, token.TokenAddress) {
		r.logg.Info(ctx, "liquidity pool token deposit; skipping conversion")
		return nil
	}
	return r.startSwap(ctx, ownerID, network, tx, token)
}

// settle handles a settlement-asset deposit that already sits on the settlement network.
func (r *Reconciler) settle(ctx context.Context, ownerID string) error {
	cleared, err := r.alerts.ClearPending(ctx, ownerID)
	if err != nil {
		return err
	}
	if cleared > 0 {
		r.logg.Info(r.logg.WithField(ctx, "cleared_alerts", cleared), "pending balance alerts cleared")
	}
	return r.balances.Recompute(ctx, ownerID)
}

func (r *Reconciler) startBridge(ctx context.Context, ownerID, network string, tx custody.Transaction, token custody.Token, depositEntryID string) error {
	hub := r.catalog.SettlementNetwork()
	hubSpec, _ := r.catalog.Network(hub)
	job, err := r.newJob(enums.JobKindBridge, ownerID, network, tx, token)
	if err != nil {
		return err
	}
	job.DestinationNetwork = hub
	job.DestinationTokenAddress = hubSpec.SettlementToken
	job.DestinationSymbol = r.catalog.SettlementSymbol()

	created, err := r.jobs.CreateIfAbsent(ctx, job)
	if err != nil {
		return err
	}
	if !created {
		r.logg.Info(r.logg.WithJobID(ctx, job.ID), "bridge job already exists")
	}

	// Rewritten on replays too: an earlier attempt may have created the job
	// and failed here. The ledger never lowers a status, so a job that has
	// moved on keeps its entry.
	if _, err := r.ledger.Upsert(ctx, ledger.Entry{
		ID:                 ledger.EntryID(enums.LedgerKindBridge, tx.ID),
		OwnerID:            ownerID,
		Kind:               enums.LedgerKindBridge,
		Status:             enums.LedgerStatusBridging,
		Amount:             tx.Amount(),
		Symbol:             token.Symbol,
		Network:            network,
		SourceNetwork:      network,
		DestinationNetwork: hub,
		RelatedID:          depositEntryID,
	}); err != nil {
		return err
	}
	if created {
		r.enqueue(ctx, job)
	}
	return nil
}

func (r *Reconciler) startSwap(ctx context.Context, ownerID, network string, tx custody.Transaction, token custody.Token) error {
	spec, ok := r.catalog.Network(network)
	if !ok {
		r.logg.Warn(ctx, "deposit on unsupported network; skipping conversion")
		return nil
	}
	job, err := r.newJob(enums.JobKindSwap, ownerID, network, tx, token)
	if err != nil {
		return err
	}
	job.DestinationNetwork = network
	job.DestinationTokenAddress = spec.SettlementToken
	job.DestinationSymbol = r.catalog.SettlementSymbol()

	created, err := r.jobs.CreateIfAbsent(ctx, job)
	if err != nil {
		return err
	}
	if !created {
		r.logg.Info(r.logg.WithJobID(ctx, job.ID), "swap job already exists")
		return nil
	}
	r.enqueue(ctx, job)
	return nil
}

func (r *Reconciler) newJob(kind enums.JobKind, ownerID, network string, tx custody.Transaction, token custody.Token) (*models.ConversionJob, error) {
	amount := tx.Amount()
	base, err := units.ToBaseUnits(amount, token.Decimals)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "convert deposit amount")
	}
	return &models.ConversionJob{
		ID:                  jobs.ID(kind, tx.ID),
		Kind:                kind,
		OwnerID:             ownerID,
		DepositID:           tx.ID,
		WalletID:            tx.WalletID,
		Network:             network,
		SourceTokenAddress:  token.TokenAddress,
		SourceSymbol:        token.Symbol,
		SourceDecimals:      token.Decimals,
		SourceAmount:        base.String(),
		SourceAmountDecimal: amount,
		Status:              enums.JobStatusQueued,
	}, nil
}

// enqueue hands a freshly created job to the dispatcher. The job row is already
// durable, so a failure here only delays it until the next poll.
func (r *Reconciler) enqueue(ctx context.Context, job *models.ConversionJob) {
	var fallback dispatch.Fallback
	if r.runner != nil {
		id := job.ID
		fallback = func(ctx context.Context) error {
			_, err := r.runner.ProcessJob(ctx, id)
			return err
		}
	}
	err := r.dispatcher.Enqueue(ctx, dispatch.Message{JobID: job.ID, Kind: job.Kind, DepositID: job.DepositID}, fallback)
	if err != nil {
		r.logg.Error(r.logg.WithJobID(ctx, job.ID), "job dispatch failed; poller will pick it up", err)
	}
}

func (r *Reconciler) resolveToken(ctx context.Context, tx custody.Transaction) (custody.Token, error) {
	if strings.TrimSpace(tx.TokenID) == "" {
		return custody.Token{}, pkgerrors.New(pkgerrors.CodeValidation, "inbound transaction has no token id")
	}
	return r.tokenCache.GetOrLoad(ctx, tx.TokenID, func(ctx context.Context, id string) (custody.Token, error) {
		token, err := r.tokens.GetToken(ctx, id)
		if err != nil {
			return custody.Token{}, err
		}
		return *token, nil
	})
}

func normalizeNetwork(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
