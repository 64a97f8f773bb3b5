package chain

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
)

// ReceiptFetcher is the slice of ethclient.Client the reader needs.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// DialFunc opens a client for an RPC URL.
type DialFunc func(ctx context.Context, rawURL string) (ReceiptFetcher, error)

func dialEthclient(ctx context.Context, rawURL string) (ReceiptFetcher, error) {
	return ethclient.DialContext(ctx, rawURL)
}

// Reader reads receipts from one JSON-RPC endpoint per network, dialing lazily.
type Reader struct {
	endpoints map[string]string
	dial      DialFunc

	mu      sync.Mutex
	clients map[string]ReceiptFetcher
}

type ReaderOption func(*Reader)

// WithDialer replaces ethclient dialing, e.g. with an in-memory fake.
func WithDialer(dial DialFunc) ReaderOption {
	return func(r *Reader) {
		if dial != nil {
			r.dial = dial
		}
	}
}

func NewReader(endpoints map[string]string, opts ...ReaderOption) *Reader {
	normalized := make(map[string]string, len(endpoints))
	for network, url := range endpoints {
		normalized[strings.ToUpper(strings.TrimSpace(network))] = strings.TrimSpace(url)
	}
	r := &Reader{
		endpoints: normalized,
		dial:      dialEthclient,
		clients:   map[string]ReceiptFetcher{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Supports reports whether an RPC endpoint is configured for network.
func (r *Reader) Supports(network string) bool {
	if r == nil {
		return false
	}
	_, ok := r.endpoints[strings.ToUpper(network)]
	return ok
}

// TransactionLogs returns the receipt logs of hash on network.
func (r *Reader) TransactionLogs(ctx context.Context, network, hash string) ([]*types.Log, error) {
	client, err := r.client(ctx, network)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimPrefix(strings.TrimSpace(hash), "0x")) != 2*common.HashLength {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid tx hash %q", hash))
	}
	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch transaction receipt")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "transaction reverted")
	}
	return receipt.Logs, nil
}

func (r *Reader) client(ctx context.Context, network string) (ReceiptFetcher, error) {
	if r == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "chain reader not configured")
	}
	key := strings.ToUpper(strings.TrimSpace(network))

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	url, ok := r.endpoints[key]
	if !ok || url == "" {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("no rpc endpoint for network %s", key))
	}
	c, err := r.dial(ctx, url)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "dial rpc endpoint")
	}
	r.clients[key] = c
	return c, nil
}

// Close releases every dialed client that supports closing.
func (r *Reader) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, c := range r.clients {
		if closer, ok := c.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(r.clients, key)
	}
}
