package models

import (
	"time"

	"github.com/angelmondragon/vaultflow-backend/pkg/enums"
)

// ConversionJob is the durable record of one multi-step conversion of a deposit
// into the settlement asset. Rows are never deleted.
type ConversionJob struct {
	ID        string        `gorm:"column:id;primaryKey"`
	Kind      enums.JobKind `gorm:"column:kind;type:text;not null"`
	OwnerID   string        `gorm:"column:owner_id;not null;index"`
	DepositID string        `gorm:"column:deposit_id;not null;index"`
	WalletID  string        `gorm:"column:wallet_id;not null"`
	Network   string        `gorm:"column:network;not null"`

	SourceTokenAddress  string `gorm:"column:source_token_address"`
	SourceSymbol        string `gorm:"column:source_symbol;not null"`
	SourceDecimals      int    `gorm:"column:source_decimals;not null"`
	SourceAmount        string `gorm:"column:source_amount;not null"`
	SourceAmountDecimal string `gorm:"column:source_amount_decimal;not null"`

	DestinationNetwork      string `gorm:"column:destination_network;not null"`
	DestinationTokenAddress string `gorm:"column:destination_token_address"`
	DestinationSymbol       string `gorm:"column:destination_symbol;not null"`

	// Route is the aggregator's opaque route artifact, stored as raw bytes so it round-trips unchanged.
	Route           []byte  `gorm:"column:route;type:bytea"`
	ApprovalAddress *string `gorm:"column:approval_address"`
	ApprovalTxID    *string `gorm:"column:approval_tx_id"`
	ExecuteTxID     *string `gorm:"column:execute_tx_id"`
	LastTxState     *string `gorm:"column:last_tx_state"`
	TxHash          *string `gorm:"column:tx_hash"`

	Status         enums.JobStatus `gorm:"column:status;type:text;not null;index"`
	Error          *string         `gorm:"column:error"`
	StepFailures   int             `gorm:"column:step_failures;not null;default:0"`
	LeaseExpiresAt *time.Time      `gorm:"column:lease_expires_at"`

	CreatedAt   time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;autoUpdateTime"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
}

func (ConversionJob) TableName() string { return "conversion_jobs" }
