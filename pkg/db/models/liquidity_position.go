package models

import (
	"time"

	"github.com/angelmondragon/vaultflow-backend/pkg/enums"
)

// LiquidityPosition is a pool position minted through a custody contract execution.
// TokenID stays nil until the mint receipt has been read.
type LiquidityPosition struct {
	ID        string               `gorm:"column:id;primaryKey"`
	OwnerID   string               `gorm:"column:owner_id;not null;index"`
	Network   string               `gorm:"column:network;not null"`
	MintTxID  string               `gorm:"column:mint_tx_id;not null;uniqueIndex"`
	TxHash    *string              `gorm:"column:tx_hash"`
	TokenID   *string              `gorm:"column:token_id"`
	Status    enums.PositionStatus `gorm:"column:status;type:text;not null;index"`
	CreatedAt time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (LiquidityPosition) TableName() string { return "liquidity_positions" }
