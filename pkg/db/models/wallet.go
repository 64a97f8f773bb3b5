package models

import "time"

// Wallet links a custody wallet to its owner on one network.
type Wallet struct {
	ID        string    `gorm:"column:id;primaryKey"`
	OwnerID   string    `gorm:"column:owner_id;not null;index"`
	Network   string    `gorm:"column:network;not null"`
	Address   string    `gorm:"column:address;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Wallet) TableName() string { return "wallets" }
