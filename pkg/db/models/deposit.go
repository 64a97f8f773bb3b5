package models

import "time"

// Deposit is the last observed state of an inbound custody transaction.
type Deposit struct {
	ID           string    `gorm:"column:id;primaryKey"`
	OwnerID      string    `gorm:"column:owner_id;not null;index"`
	WalletID     string    `gorm:"column:wallet_id;not null"`
	Network      string    `gorm:"column:network;not null"`
	TokenID      string    `gorm:"column:token_id"`
	TokenAddress string    `gorm:"column:token_address"`
	Symbol       string    `gorm:"column:symbol"`
	Decimals     int       `gorm:"column:decimals"`
	Amount       string    `gorm:"column:amount;not null"`
	State        string    `gorm:"column:state;not null"`
	TxHash       *string   `gorm:"column:tx_hash"`
	Settled      bool      `gorm:"column:settled;not null;default:false;index"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Deposit) TableName() string { return "deposits" }
