package models

import (
	"encoding/json"
	"time"

	"github.com/angelmondragon/vaultflow-backend/pkg/enums"
)

// LedgerTransaction is the user-visible record of a money movement. It is
// created and merged idempotently under a deterministic ID.
type LedgerTransaction struct {
	ID                 string             `gorm:"column:id;primaryKey"`
	OwnerID            string             `gorm:"column:owner_id;not null;index"`
	Kind               enums.LedgerKind   `gorm:"column:kind;type:text;not null"`
	Status             enums.LedgerStatus `gorm:"column:status;type:text;not null"`
	Amount             string             `gorm:"column:amount"`
	Symbol             string             `gorm:"column:symbol"`
	Network            string             `gorm:"column:network"`
	SourceNetwork      *string            `gorm:"column:source_network"`
	DestinationNetwork *string            `gorm:"column:destination_network"`
	TxHash             *string            `gorm:"column:tx_hash"`
	RelatedID          *string            `gorm:"column:related_id"`
	Metadata           json.RawMessage    `gorm:"column:metadata;type:jsonb"`
	CreatedAt          time.Time          `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt          time.Time          `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (LedgerTransaction) TableName() string { return "ledger_transactions" }
