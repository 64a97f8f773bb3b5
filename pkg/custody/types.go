package custody

import (
	"strings"
	"time"

	"github.com/angelmondragon/vaultflow-backend/pkg/enums"
)

// Transaction is a custody-side transaction as delivered by webhooks and lookups.
type Transaction struct {
	ID                 string    `json:"id" validate:"required"`
	State              string    `json:"state" validate:"required"`
	TransactionType    string    `json:"transactionType" validate:"required"`
	Blockchain         string    `json:"blockchain" validate:"required"`
	WalletID           string    `json:"walletId" validate:"required"`
	TokenID            string    `json:"tokenId,omitempty"`
	Amounts            []string  `json:"amounts,omitempty"`
	TxHash             string    `json:"txHash,omitempty"`
	RefID              string    `json:"refId,omitempty"`
	SourceAddress      string    `json:"sourceAddress,omitempty"`
	DestinationAddress string    `json:"destinationAddress,omitempty"`
	ContractAddress    string    `json:"contractAddress,omitempty"`
	ErrorReason        string    `json:"errorReason,omitempty"`
	CreateDate         time.Time `json:"createDate"`
	UpdateDate         time.Time `json:"updateDate"`
}

func (t Transaction) NormalizedState() enums.TxState {
	return enums.NormalizeTxState(t.State)
}

func (t Transaction) Type() (enums.TransactionType, error) {
	return enums.ParseTransactionType(t.TransactionType)
}

// Amount returns the first listed amount, which is the transferred value for token transfers.
func (t Transaction) Amount() string {
	for _, a := range t.Amounts {
		if a = strings.TrimSpace(a); a != "" {
			return a
		}
	}
	return ""
}

type Token struct {
	ID           string `json:"id"`
	Blockchain   string `json:"blockchain"`
	TokenAddress string `json:"tokenAddress"`
	Symbol       string `json:"symbol"`
	Decimals     int    `json:"decimals"`
	IsNative     bool   `json:"isNative"`
}

type TokenBalance struct {
	Token  Token  `json:"token"`
	Amount string `json:"amount"`
}

// ContractExecutionRequest submits raw calldata from a custody wallet.
// Amount is the native value to attach, as a decimal string; empty means zero.
type ContractExecutionRequest struct {
	IdempotencyKey  string
	WalletID        string
	ContractAddress string
	CallData        string
	Amount          string
}

type SubmitResult struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// PublicKey is a notification signing key; PublicKey holds base64 DER (PKIX).
type PublicKey struct {
	ID        string `json:"id"`
	Algorithm string `json:"algorithm"`
	PublicKey string `json:"publicKey"`
}
