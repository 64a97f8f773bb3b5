package models

import (
	"time"

	"github.com/angelmondragon/vaultflow-backend/pkg/enums"
)

// OwnerBalance is the recomputed settlement-asset total across an owner's wallets.
type OwnerBalance struct {
	OwnerID   string    `gorm:"column:owner_id;primaryKey"`
	Symbol    string    `gorm:"column:symbol;not null"`
	Amount    string    `gorm:"column:amount;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (OwnerBalance) TableName() string { return "owner_balances" }

type BalanceAlert struct {
	ID        string            `gorm:"column:id;primaryKey"`
	OwnerID   string            `gorm:"column:owner_id;not null;index"`
	Network   string            `gorm:"column:network"`
	Status    enums.AlertStatus `gorm:"column:status;type:text;not null"`
	CreatedAt time.Time         `gorm:"column:created_at;autoCreateTime"`
	ClearedAt *time.Time        `gorm:"column:cleared_at"`
}

func (BalanceAlert) TableName() string { return "balance_alerts" }
