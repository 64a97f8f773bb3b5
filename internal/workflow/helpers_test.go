package workflow

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/vaultflow-backend/internal/jobs"
	"github.com/angelmondragon/vaultflow-backend/internal/lease"
	"github.com/angelmondragon/vaultflow-backend/internal/ledger"
	"github.com/angelmondragon/vaultflow-backend/pkg/aggregator"
	"github.com/angelmondragon/vaultflow-backend/pkg/config"
	"github.com/angelmondragon/vaultflow-backend/pkg/custody"
	"github.com/angelmondragon/vaultflow-backend/pkg/db"
	"github.com/angelmondragon/vaultflow-backend/pkg/db/models"
	"github.com/angelmondragon/vaultflow-backend/pkg/enums"
	"github.com/angelmondragon/vaultflow-backend/pkg/logger"
)

const testCatalog = `
settlement:
  network: BASE
  symbol: USDC
networks:
  - name: BASE
    chainId: 8453
    settlementToken: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
    settlementDecimals: 6
  - name: ARB
    chainId: 42161
    settlementToken: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"
    settlementDecimals: 6
`

const (
	testSpender = "0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE"
	testWallet  = "0x9a3f0c5b2e1d4c7a8b6e5f4d3c2b1a0918273645"
)

type fakeRoutes struct {
	mu               sync.Mutex
	requiresApproval bool
	routeErr         error
	panicWith        any
	routeCalls       int
	execCalls        int
	lastRoute        json.RawMessage
}

func (f *fakeRoutes) GetRoute(_ context.Context, req aggregator.RouteRequest) (*aggregator.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routeCalls++
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	if f.routeErr != nil {
		return nil, f.routeErr
	}
	route := &aggregator.Route{
		Artifact: json.RawMessage(`{"id":"route-1", "steps":[{"id":"s1","estimate":{"approvalAddress":"` + testSpender + `"}}]}`),
		ToAmount: "2500000000",
	}
	if f.requiresApproval {
		route.ApprovalAddress = testSpender
		route.RequiresApproval = true
	}
	return route, nil
}

func (f *fakeRoutes) GetExecutableTransaction(_ context.Context, route json.RawMessage, _, _ string) (*aggregator.ExecutableTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCalls++
	f.lastRoute = append(json.RawMessage(nil), route...)
	return &aggregator.ExecutableTx{To: "0xRouter", Data: "0xdeadbeef", Value: "0"}, nil
}

type fakeSigner struct {
	mu       sync.Mutex
	byKey    map[string]string
	states   map[string]string
	requests []custody.ContractExecutionRequest
}

func newFakeSigner() *fakeSigner {
	return &fakeSigner{byKey: map[string]string{}, states: map[string]string{}}
}

func (f *fakeSigner) SubmitContractExecution(_ context.Context, req custody.ContractExecutionRequest) (*custody.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if id, ok := f.byKey[req.IdempotencyKey]; ok {
		return &custody.SubmitResult{ID: id, State: f.states[id]}, nil
	}
	id := "ctx-" + uuid.NewString()[:8]
	f.byKey[req.IdempotencyKey] = id
	f.states[id] = "INITIATED"
	return &custody.SubmitResult{ID: id, State: "INITIATED"}, nil
}

func (f *fakeSigner) GetTransaction(_ context.Context, id string) (*custody.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &custody.Transaction{ID: id, State: f.states[id], TxHash: "0xhash-" + id}, nil
}

func (f *fakeSigner) setState(id, state string) {
	f.mu.Lock()
	f.states[id] = state
	f.mu.Unlock()
}

func (f *fakeSigner) submissions() []custody.ContractExecutionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]custody.ContractExecutionRequest(nil), f.requests...)
}

type fakeWallets struct{}

func (fakeWallets) Address(context.Context, string) (string, error) { return testWallet, nil }

type fakeBalances struct {
	mu     sync.Mutex
	owners []string
}

func (f *fakeBalances) Recompute(_ context.Context, ownerID string) error {
	f.mu.Lock()
	f.owners = append(f.owners, ownerID)
	f.mu.Unlock()
	return nil
}

type harness struct {
	conn     *gorm.DB
	store    *jobs.Store
	leases   *lease.Manager
	ledger   *ledger.Writer
	routes   *fakeRoutes
	signer   *fakeSigner
	balances *fakeBalances
	machine  *Machine
	driver   *Driver
}

type harnessOptions struct {
	disabled   []string
	maxRetries int
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	dsn := "file:workflow_" + uuid.NewString() + "?mode=memory&cache=shared"
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.ConversionJob{}, &models.LedgerTransaction{}))
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	catalog, err := config.ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	h := &harness{
		conn:     conn,
		store:    jobs.NewStore(conn),
		leases:   lease.NewManager(conn),
		routes:   &fakeRoutes{},
		signer:   newFakeSigner(),
		balances: &fakeBalances{},
	}
	h.ledger, err = ledger.NewWriter(db.Wrap(conn), ledger.NewRepository(conn))
	require.NoError(t, err)

	logg := logger.New(logger.Options{ServiceName: "workflow-test", Output: io.Discard})
	h.machine, err = NewMachine(MachineConfig{
		Routes:           h.routes,
		Signer:           h.signer,
		Wallets:          fakeWallets{},
		Balances:         h.balances,
		Jobs:             h.store,
		Ledger:           h.ledger,
		Catalog:          catalog,
		DisabledNetworks: opts.disabled,
		Logger:           logg,
	})
	require.NoError(t, err)

	h.driver, err = NewDriver(DriverConfig{
		Jobs:           h.store,
		Saver:          h.store,
		Leases:         h.leases,
		Machine:        h.machine,
		LeaseDuration:  time.Minute,
		MaxStepRetries: opts.maxRetries,
		Logger:         logg,
		Source:         "test",
	})
	require.NoError(t, err)
	return h
}

func (h *harness) seedSwapJob(t *testing.T, depositID string) *models.ConversionJob {
	t.Helper()
	job := &models.ConversionJob{
		ID:                  jobs.ID(enums.JobKindSwap, depositID),
		Kind:                enums.JobKindSwap,
		OwnerID:             "owner-1",
		DepositID:           depositID,
		WalletID:            "wallet-1",
		Network:             "BASE",
		SourceTokenAddress:  "0x4200000000000000000000000000000000000006",
		SourceSymbol:        "WETH",
		SourceDecimals:      18,
		SourceAmount:        "1000000000000000000",
		SourceAmountDecimal: "1",
		DestinationNetwork:  "BASE",
		DestinationSymbol:   "USDC",
	}
	created, err := h.store.CreateIfAbsent(context.Background(), job)
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func (h *harness) job(t *testing.T, id string) *models.ConversionJob {
	t.Helper()
	job, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) step(t *testing.T, id string) {
	t.Helper()
	ok, err := h.driver.ProcessJob(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
}
